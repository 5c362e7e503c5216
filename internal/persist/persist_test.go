package persist

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muxpanel/muxpanel/internal/agent"
	"github.com/muxpanel/muxpanel/internal/buffer"
	"github.com/muxpanel/muxpanel/internal/pty"
	"github.com/muxpanel/muxpanel/internal/registry"
	"github.com/muxpanel/muxpanel/internal/store"
	"github.com/muxpanel/muxpanel/internal/ui"
	"github.com/muxpanel/muxpanel/internal/watchdog"
)

type stubHandle struct {
	mu     sync.Mutex
	dataFn func([]byte)
	killed bool
}

func (h *stubHandle) OnData(fn func(data []byte)) (cancel func()) {
	h.mu.Lock()
	h.dataFn = fn
	h.mu.Unlock()
	return func() {}
}

func (h *stubHandle) OnExit(fn func(code int)) (cancel func()) { return func() {} }

func (h *stubHandle) Write(data []byte) error { return nil }

func (h *stubHandle) Resize(cols, rows int) error { return nil }

func (h *stubHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	return nil
}

func (h *stubHandle) emit(data string) {
	h.mu.Lock()
	fn := h.dataFn
	h.mu.Unlock()
	if fn != nil {
		fn([]byte(data))
	}
}

type stubFactory struct {
	mu      sync.Mutex
	handles []*stubHandle
}

func (f *stubFactory) Spawn(opts pty.Options) (pty.Handle, error) {
	h := &stubHandle{}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

type replaySink struct {
	mu   sync.Mutex
	msgs []ui.Message
}

func (s *replaySink) Send(msg ui.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *replaySink) scrollbacks() []ui.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ui.Message
	for _, m := range s.msgs {
		if m.Type == ui.TypeRestoreScrollback {
			out = append(out, m)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) (*registry.Registry, *stubFactory) {
	t.Helper()
	factory := &stubFactory{}
	cfg := registry.Config{
		MaxSessions:     10,
		MinSessions:     1,
		ProtectLast:     true,
		ScrollbackLimit: 2000,
		Buffer: buffer.Config{
			LargeChunk:         1,
			Capacity:           50,
			ModerateChunk:      1,
			HighFrequency:      5,
			AgentDelay:         time.Hour,
			HighFrequencyDelay: time.Hour,
			DefaultDelay:       time.Hour,
		},
		Watchdog: watchdog.Config{
			Ack:    watchdog.Options{Timeout: time.Hour, MaxAttempts: 1},
			Prompt: watchdog.Options{Timeout: time.Hour, MaxAttempts: 1},
		},
	}
	r := registry.New(cfg, factory, ui.NopSink{}, agent.NewPatternMatcher(), nil, nil)
	t.Cleanup(func() { r.Close() })
	return r, factory
}

func testPersistConfig() Config {
	return Config{
		Key:              "sessions/state",
		ExpiryWindow:     7 * 24 * time.Hour,
		ScrollbackLimit:  1000,
		SettleDelay:      time.Millisecond,
		AutosaveInterval: time.Hour,
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()

	src, srcFactory := newTestRegistry(t)
	saver := New(testPersistConfig(), st, src, nil, nil, nil)

	_, err := src.Create(registry.CreateOptions{Name: "editor"})
	require.NoError(t, err)
	_, err = src.Create(registry.CreateOptions{Name: "build"})
	require.NoError(t, err)
	srcFactory.handles[0].emit("make: done\n")
	require.NoError(t, src.SwitchActive(1))

	require.NoError(t, saver.Save())

	dst, _ := newTestRegistry(t)
	sink := &replaySink{}
	restorer := New(testPersistConfig(), st, dst, sink, nil, nil)

	restored, err := restorer.Restore()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, restored.SessionIDs)
	assert.Equal(t, 1, restored.ActiveID)
	assert.Equal(t, 1, dst.ActiveID())

	infos := dst.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "editor", infos[0].Name)
	assert.Equal(t, "build", infos[1].Name)

	// Scrollback replays after the settle delay.
	require.Eventually(t, func() bool {
		return len(sink.scrollbacks()) == 1
	}, time.Second, time.Millisecond)
	replay := sink.scrollbacks()[0]
	assert.Equal(t, 1, replay.ID)
	assert.Equal(t, []string{"make: done"}, replay.Lines)
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p := New(testPersistConfig(), store.NewMemoryStore(), reg, nil, nil, nil)

	_, err := p.Restore()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestRestoreExpiredSetIsPurged(t *testing.T) {
	st := store.NewMemoryStore()

	src, _ := newTestRegistry(t)
	saver := New(testPersistConfig(), st, src, nil, nil, nil)
	_, err := src.Create(registry.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, saver.Save())

	dst, _ := newTestRegistry(t)
	restorer := New(testPersistConfig(), st, dst, nil, nil, nil)
	restorer.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	_, err = restorer.Restore()
	assert.ErrorIs(t, err, ErrExpired)

	_, ok, err := st.Get("sessions/state")
	require.NoError(t, err)
	assert.False(t, ok, "expired set must be purged")
}

func TestRestoreCorruptPayloadIsPurged(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Set("sessions/state", []byte("not gzip at all")))

	reg, _ := newTestRegistry(t)
	p := New(testPersistConfig(), st, reg, nil, nil, nil)

	_, err := p.Restore()
	assert.ErrorIs(t, err, ErrCorrupt)

	_, ok, err := st.Get("sessions/state")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRestoreUnrecognizedVersion(t *testing.T) {
	payload, err := encodeSet(&persistedSet{Version: 99, Timestamp: time.Now()})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	require.NoError(t, st.Set("sessions/state", payload))

	reg, _ := newTestRegistry(t)
	p := New(testPersistConfig(), st, reg, nil, nil, nil)

	_, err = p.Restore()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSaveTruncatesScrollback(t *testing.T) {
	st := store.NewMemoryStore()

	src, srcFactory := newTestRegistry(t)
	cfg := testPersistConfig()
	cfg.ScrollbackLimit = 1000
	saver := New(cfg, st, src, nil, nil, nil)

	_, err := src.Create(registry.CreateOptions{})
	require.NoError(t, err)
	for i := 0; i < 1500; i++ {
		srcFactory.handles[0].emit("line\n")
	}
	require.NoError(t, saver.Save())

	payload, ok, err := st.Get("sessions/state")
	require.NoError(t, err)
	require.True(t, ok)
	set, err := decodeSet(payload)
	require.NoError(t, err)
	require.Len(t, set.Sessions, 1)
	assert.Len(t, set.Sessions[0].Scrollback, 1000)
}

func TestRestoredAgentStartsDisconnected(t *testing.T) {
	st := store.NewMemoryStore()

	src, srcFactory := newTestRegistry(t)
	saver := New(testPersistConfig(), st, src, nil, nil, nil)

	_, err := src.Create(registry.CreateOptions{})
	require.NoError(t, err)
	srcFactory.handles[0].emit("Welcome to Claude Code\n")
	srcFactory.handles[0].emit("claude ready\n")

	info, _ := src.Get(1)
	require.Equal(t, string(agent.StatusActive), info.AgentStatus)
	require.NoError(t, saver.Save())

	dst, _ := newTestRegistry(t)
	restorer := New(testPersistConfig(), st, dst, nil, nil, nil)
	_, err = restorer.Restore()
	require.NoError(t, err)

	info, ok := dst.Get(1)
	require.True(t, ok)
	assert.Equal(t, string(agent.StatusDisconnected), info.AgentStatus,
		"captured agent processes are never restarted")
}

func TestRestoreOrFreshFallsBack(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p := New(testPersistConfig(), store.NewMemoryStore(), reg, nil, nil, nil)

	restored := p.RestoreOrFresh()
	require.Len(t, restored.SessionIDs, 1)
	assert.Equal(t, restored.SessionIDs[0], restored.ActiveID)
	assert.Len(t, reg.List(), 1)
}

func TestRestoreOrFreshPrefersSnapshot(t *testing.T) {
	st := store.NewMemoryStore()

	src, _ := newTestRegistry(t)
	saver := New(testPersistConfig(), st, src, nil, nil, nil)
	_, err := src.Create(registry.CreateOptions{Name: "kept"})
	require.NoError(t, err)
	require.NoError(t, saver.Save())

	dst, _ := newTestRegistry(t)
	restorer := New(testPersistConfig(), st, dst, nil, nil, nil)

	restored := restorer.RestoreOrFresh()
	require.Len(t, restored.SessionIDs, 1)
	infos := dst.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "kept", infos[0].Name)
}

func TestAutosaveStops(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := testPersistConfig()
	cfg.AutosaveInterval = time.Millisecond
	st := store.NewMemoryStore()
	p := New(cfg, st, reg, nil, nil, nil)

	_, err := reg.Create(registry.CreateOptions{})
	require.NoError(t, err)

	p.StartAutosave()
	assert.Eventually(t, func() bool {
		_, ok, err := st.Get("sessions/state")
		return err == nil && ok
	}, time.Second, time.Millisecond)

	p.StopAutosave()
	p.StopAutosave()
}
