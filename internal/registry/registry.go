package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxpanel/muxpanel/internal/agent"
	"github.com/muxpanel/muxpanel/internal/buffer"
	"github.com/muxpanel/muxpanel/internal/logging"
	"github.com/muxpanel/muxpanel/internal/monitoring"
	"github.com/muxpanel/muxpanel/internal/pty"
	"github.com/muxpanel/muxpanel/internal/ui"
	"github.com/muxpanel/muxpanel/internal/watchdog"
)

// Config holds registry limits and per-session sub-component settings.
type Config struct {
	MaxSessions     int
	MinSessions     int
	ProtectLast     bool
	ScrollbackLimit int
	Buffer          buffer.Config
	Watchdog        watchdog.Config
}

// DefaultConfig returns production registry settings.
func DefaultConfig() Config {
	return Config{
		MaxSessions:     10,
		MinSessions:     1,
		ProtectLast:     true,
		ScrollbackLimit: 1000,
		Buffer:          buffer.DefaultConfig(),
		Watchdog:        watchdog.DefaultConfig(),
	}
}

// CreateOptions configures a new session.
type CreateOptions struct {
	Name string
	Cwd  string
	Cols int
	Rows int
}

// SessionInfo is the externally visible state of one session.
type SessionInfo struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Cwd         string    `json:"cwd,omitempty"`
	IsActive    bool      `json:"is_active"`
	SafeMode    bool      `json:"safe_mode"`
	Failed      bool      `json:"failed"`
	AgentStatus string    `json:"agent_status"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionSnapshot is the serialization view of one session.
type SessionSnapshot struct {
	ID          int
	Name        string
	Cwd         string
	IsActive    bool
	AgentStatus string
	Scrollback  []string
}

type session struct {
	id        int
	name      string
	cwd       string
	createdAt time.Time
	handle    pty.Handle
	buf       *buffer.Manager
	scroll    *scrollback
	cancels   []func()
	removing  bool
	failed    bool
	acked     bool
}

// Registry owns the live session set. See the package comment for the
// concurrency model.
type Registry struct {
	cfg     Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	sink    ui.Sink
	factory pty.Factory
	matcher agent.Matcher
	tracker *agent.Tracker
	coord   *watchdog.Coordinator

	mu       sync.RWMutex
	sessions map[int]*session
	order    []int
	pool     *idPool
	activeID int

	opMu    sync.RWMutex
	closed  bool
	ops     chan func()
	done    chan struct{}
	stopped chan struct{}
}

// New creates a registry and starts its operation queue worker.
func New(cfg Config, factory pty.Factory, sink ui.Sink, matcher agent.Matcher, metrics *monitoring.Metrics, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	if sink == nil {
		sink = ui.NopSink{}
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultConfig().MaxSessions
	}
	if cfg.ScrollbackLimit <= 0 {
		cfg.ScrollbackLimit = DefaultConfig().ScrollbackLimit
	}

	r := &Registry{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sink:     sink,
		factory:  factory,
		matcher:  matcher,
		sessions: make(map[int]*session),
		pool:     newIDPool(cfg.MaxSessions),
		ops:      make(chan func(), 64),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	r.tracker = agent.NewTracker(r, sink, logger.Named("agent"))
	r.coord = watchdog.NewCoordinator(cfg.Watchdog, r, r, r, metrics, logger.Named("watchdog"))

	go r.run()
	return r
}

// Tracker exposes the agent state tracker.
func (r *Registry) Tracker() *agent.Tracker {
	return r.tracker
}

// HostReady tells the watchdog coordinator the host finished initializing,
// draining any sessions queued for their initial ack watchdog.
func (r *Registry) HostReady() {
	r.coord.HostReady()
}

// run drains the FIFO operation queue. Each op completes fully before the
// next starts.
func (r *Registry) run() {
	defer close(r.stopped)
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.done:
			for {
				select {
				case op := <-r.ops:
					op()
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) do(fn func() error) error {
	r.opMu.RLock()
	if r.closed {
		r.opMu.RUnlock()
		return ErrClosed
	}
	reply := make(chan error, 1)
	r.ops <- func() { reply <- fn() }
	r.opMu.RUnlock()
	return <-reply
}

// Create allocates the lowest free ID, spawns a pseudo-terminal, and makes
// the new session active. Returns ErrLimitExceeded when the pool is full.
func (r *Registry) Create(opts CreateOptions) (int, error) {
	var created int
	err := r.do(func() error {
		r.mu.Lock()
		id, ok := r.pool.acquire()
		r.mu.Unlock()
		if !ok {
			return ErrLimitExceeded
		}

		handle, err := r.factory.Spawn(pty.Options{
			WorkingDir: opts.Cwd,
			Cols:       opts.Cols,
			Rows:       opts.Rows,
		})
		if err != nil {
			r.mu.Lock()
			r.pool.release(id)
			r.mu.Unlock()
			return fmt.Errorf("failed to spawn terminal: %w", err)
		}

		name := opts.Name
		if name == "" {
			name = fmt.Sprintf("Terminal %d", id)
		}

		s := &session{
			id:        id,
			name:      name,
			cwd:       opts.Cwd,
			createdAt: time.Now(),
			handle:    handle,
			scroll:    newScrollback(r.cfg.ScrollbackLimit),
		}
		s.buf = buffer.New(r.cfg.Buffer, func(data string) {
			s.scroll.Append(data)
			r.sink.Send(ui.Output(id, data))
		}, r.metrics)

		cancelData := handle.OnData(func(data []byte) { r.handleOutput(id, string(data)) })
		cancelExit := handle.OnExit(func(code int) { r.handleExit(id, code) })
		s.cancels = []func(){cancelData, cancelExit}

		r.mu.Lock()
		r.sessions[id] = s
		r.order = append(r.order, id)
		r.activeID = id
		live := len(r.sessions)
		r.mu.Unlock()

		r.metrics.IncSessionsCreated()
		r.metrics.SetSessionsActive(live)
		r.logger.Info("session created", zap.Int("session", id), zap.String("name", name))

		r.sink.Send(ui.SessionCreated(id, name, opts.Cwd, true))
		r.tracker.Broadcast()
		r.coord.QueueAck(id)

		created = id
		return nil
	})
	return created, err
}

// Delete removes a session. The session is marked as being removed
// synchronously, before the queued cleanup runs, so a concurrent duplicate
// delete is rejected with ErrAlreadyInProgress instead of double-freeing
// the ID. With the protect-last policy enabled, deleting below the minimum
// live count returns ErrProtectedMinimum unless force is set.
func (r *Registry) Delete(id int, force bool) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if s.removing {
		r.mu.Unlock()
		return ErrAlreadyInProgress
	}
	if r.cfg.ProtectLast && !force && r.liveCountLocked() <= r.cfg.MinSessions {
		r.mu.Unlock()
		return ErrProtectedMinimum
	}
	s.removing = true
	r.mu.Unlock()

	return r.do(func() error {
		r.removeSession(id)
		return nil
	})
}

// removeSession runs on the operation queue worker.
func (r *Registry) removeSession(id int) {
	// Timers first: no late watchdog or flush callback may observe the
	// session after this point.
	r.coord.Remove(id)

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.pool.release(id)
	if r.activeID == id {
		r.activeID = r.lowestLiveLocked()
	}
	live := len(r.sessions)
	r.mu.Unlock()

	for _, cancel := range s.cancels {
		cancel()
	}
	s.buf.Close()
	if err := s.handle.Kill(); err != nil {
		r.logger.Warn("failed to kill terminal", zap.Int("session", id), zap.Error(err))
	}

	r.tracker.Remove(id)
	r.sink.Send(ui.SessionRemoved(id))
	r.metrics.IncSessionsRemoved()
	r.metrics.SetSessionsActive(live)
	r.logger.Info("session removed", zap.Int("session", id))
}

// SwitchActive makes the given session the single active one.
func (r *Registry) SwitchActive(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.removing {
		return ErrNotFound
	}
	r.activeID = id
	return nil
}

// ActiveID returns the active session ID, or 0 when none exist.
func (r *Registry) ActiveID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// List returns all live sessions in creation order. The order is stable
// across deletions of other sessions.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	ids := make([]int, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.sessions[id]; ok && !s.removing {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := r.Get(id); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// Get returns the externally visible state of one session.
func (r *Registry) Get(id int) (SessionInfo, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	if !ok || s.removing {
		r.mu.RUnlock()
		return SessionInfo{}, false
	}
	info := SessionInfo{
		ID:        s.id,
		Name:      s.name,
		Cwd:       s.cwd,
		IsActive:  r.activeID == s.id,
		Failed:    s.failed,
		CreatedAt: s.createdAt,
	}
	r.mu.RUnlock()

	info.SafeMode = r.coord.SafeMode(id)
	info.AgentStatus = string(r.tracker.Status(id))
	return info, true
}

// Write sends input to a session's terminal.
func (r *Registry) Write(id int, data []byte) error {
	handle, err := r.handleFor(id)
	if err != nil {
		return err
	}
	return handle.Write(data)
}

// Resize changes a session's terminal dimensions.
func (r *Registry) Resize(id, cols, rows int) error {
	handle, err := r.handleFor(id)
	if err != nil {
		return err
	}
	return handle.Resize(cols, rows)
}

// MarkShellReady records that a usable prompt was observed: the prompt
// watchdog stops, safe-mode markers reset so a later initialization cycle
// can warn again, and a disconnected agent marker clears so the next
// detection starts a fresh cycle.
func (r *Registry) MarkShellReady(id int) error {
	if !r.SessionExists(id) {
		return ErrNotFound
	}
	r.coord.Stop(id, "prompt ready")
	r.coord.ClearSafeMode(id)
	r.tracker.Reset(id)
	return nil
}

// Scrollback returns up to limit retained output lines for a session, in
// order. A limit of zero or less returns everything retained.
func (r *Registry) Scrollback(id, limit int) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.removing {
		return nil, false
	}
	return s.scroll.Tail(limit), true
}

// PersistSnapshot captures every live session in creation order with
// scrollback truncated to limit lines, plus the active session ID.
func (r *Registry) PersistSnapshot(limit int) (activeID int, snaps []SessionSnapshot) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		s, ok := r.sessions[id]
		if !ok || s.removing {
			continue
		}
		snaps = append(snaps, SessionSnapshot{
			ID:          s.id,
			Name:        s.name,
			Cwd:         s.cwd,
			IsActive:    r.activeID == s.id,
			AgentStatus: string(r.tracker.Status(id)),
			Scrollback:  s.scroll.Tail(limit),
		})
	}
	return r.activeID, snaps
}

// Close disposes the registry: the operation queue stops accepting work,
// queued operations drain, all timers are cancelled, buffered output is
// flushed, and every pseudo-terminal is killed.
func (r *Registry) Close() error {
	r.opMu.Lock()
	if r.closed {
		r.opMu.Unlock()
		return nil
	}
	r.closed = true
	r.opMu.Unlock()

	close(r.done)
	<-r.stopped

	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[int]*session)
	r.order = nil
	r.activeID = 0
	r.mu.Unlock()

	for _, s := range sessions {
		r.coord.Remove(s.id)
		for _, cancel := range s.cancels {
			cancel()
		}
		s.buf.Close()
		s.handle.Kill()
	}

	r.metrics.SetSessionsActive(0)
	r.logger.Info("registry closed", zap.Int("sessions", len(sessions)))
	return nil
}

// handleOutput is the per-session output pipeline: first output
// acknowledges initialization, every chunk feeds the buffer, and agent
// detection rides on the same stream.
func (r *Registry) handleOutput(id int, chunk string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.removing {
		r.mu.Unlock()
		return
	}
	first := !s.acked
	s.acked = true
	buf := s.buf
	r.mu.Unlock()

	if first {
		r.coord.Stop(id, "ack received")
		r.coord.Start(id, watchdog.PhasePrompt, watchdog.SourceCreate, nil)
	}

	buf.AddData(chunk)

	if r.matcher == nil {
		return
	}
	if det, matched := r.matcher.Match(chunk); matched {
		switch r.tracker.Status(id) {
		case agent.StatusNone:
			r.tracker.RecordTransition(id, agent.StatusConnected, det.Type)
		case agent.StatusConnected:
			r.tracker.RecordTransition(id, agent.StatusActive, det.Type)
			buf.SetAgentActive(true)
		}
	}
}

// handleExit reacts to the terminal process exiting. The session is left
// in a failed-but-not-deleted state; the user decides what happens next.
func (r *Registry) handleExit(id int, code int) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.removing {
		r.mu.Unlock()
		return
	}
	s.failed = code != 0
	buf := s.buf
	r.mu.Unlock()

	r.logger.Info("terminal process exited", zap.Int("session", id), zap.Int("code", code))
	r.coord.Stop(id, "process exited")
	buf.SetAgentActive(false)
	if r.tracker.Status(id) != agent.StatusNone {
		r.tracker.MarkDisconnected(id, "")
	}
}

// SessionExists implements watchdog.SessionLookup.
func (r *Registry) SessionExists(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return ok && !s.removing
}

// ReinitializeShell implements watchdog.ShellReiniter. In safe mode the
// shell gets a bare kill-line plus carriage return instead of the full
// integration sequence, enough to coax out a plain prompt.
func (r *Registry) ReinitializeShell(id int, safeMode bool) error {
	handle, err := r.handleFor(id)
	if err != nil {
		return err
	}
	init := []byte("\r")
	if safeMode {
		init = []byte("\x15\r")
	}
	return handle.Write(init)
}

// NotifyInitializationFailed implements watchdog.Notifier.
func (r *Registry) NotifyInitializationFailed(id int, reason string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.failed = true
	}
	r.mu.Unlock()
	r.sink.Send(ui.InitializationFailed(id, reason))
}

// NotifySafeModeEntered implements watchdog.Notifier.
func (r *Registry) NotifySafeModeEntered(id int) {
	r.sink.Send(ui.SafeModeEntered(id))
}

// AgentSessionNames implements agent.SessionLister.
func (r *Registry) AgentSessionNames() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make(map[int]string, len(r.sessions))
	for id, s := range r.sessions {
		if !s.removing {
			names[id] = s.name
		}
	}
	return names
}

func (r *Registry) handleFor(id int) (pty.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.removing {
		return nil, ErrNotFound
	}
	return s.handle, nil
}

func (r *Registry) liveCountLocked() int {
	count := 0
	for _, s := range r.sessions {
		if !s.removing {
			count++
		}
	}
	return count
}

func (r *Registry) lowestLiveLocked() int {
	lowest := 0
	for id, s := range r.sessions {
		if s.removing {
			continue
		}
		if lowest == 0 || id < lowest {
			lowest = id
		}
	}
	return lowest
}
