package agent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muxpanel/muxpanel/internal/ui"
)

type staticSessions map[int]string

func (s staticSessions) AgentSessionNames() map[int]string { return s }

type recordingSink struct {
	mu   sync.Mutex
	msgs []ui.Message
}

func (s *recordingSink) Send(msg ui.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *recordingSink) last() (ui.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return ui.Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

func TestRecordTransitionLifecycle(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(staticSessions{1: "Terminal 1"}, sink, nil)

	assert.Equal(t, StatusNone, tr.Status(1))

	tr.RecordTransition(1, StatusConnected, "claude")
	assert.Equal(t, StatusConnected, tr.Status(1))

	tr.RecordTransition(1, StatusActive, "")
	assert.Equal(t, StatusActive, tr.Status(1))

	msg, ok := sink.last()
	require.True(t, ok)
	assert.Equal(t, ui.TypeAgentFullStateSync, msg.Type)
	assert.Equal(t, string(StatusActive), msg.States[1].Status)
	assert.Equal(t, "claude", msg.States[1].AgentType)
}

func TestRecordTransitionIdempotent(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(staticSessions{1: "Terminal 1"}, sink, nil)

	tr.RecordTransition(1, StatusConnected, "claude")
	before := sink.count()

	tr.RecordTransition(1, StatusConnected, "claude")
	tr.RecordTransition(1, StatusConnected, "")
	assert.Equal(t, before, sink.count(), "unchanged state must not broadcast")
}

func TestDisconnectedIsStickyUntilReset(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(staticSessions{1: "Terminal 1"}, sink, nil)

	tr.RecordTransition(1, StatusActive, "claude")
	tr.MarkDisconnected(1, "")
	assert.Equal(t, StatusDisconnected, tr.Status(1))

	// Fresh detections do not resurrect a disconnected session.
	tr.RecordTransition(1, StatusConnected, "claude")
	tr.RecordTransition(1, StatusActive, "claude")
	assert.Equal(t, StatusDisconnected, tr.Status(1))

	tr.Reset(1)
	assert.Equal(t, StatusNone, tr.Status(1))

	tr.RecordTransition(1, StatusConnected, "codex")
	assert.Equal(t, StatusConnected, tr.Status(1))
}

func TestResetOnlyAppliesToDisconnected(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(staticSessions{1: "Terminal 1"}, sink, nil)

	tr.RecordTransition(1, StatusActive, "claude")
	tr.Reset(1)
	assert.Equal(t, StatusActive, tr.Status(1))
}

func TestMarkDisconnectedIdempotent(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(staticSessions{1: "Terminal 1"}, sink, nil)

	tr.MarkDisconnected(1, "claude")
	before := sink.count()
	tr.MarkDisconnected(1, "claude")
	assert.Equal(t, before, sink.count())
}

func TestSnapshotCoversEveryLiveSession(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(staticSessions{1: "Terminal 1", 2: "Terminal 2", 3: "build"}, sink, nil)

	tr.RecordTransition(2, StatusActive, "aider")

	snap := tr.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, string(StatusNone), snap[1].Status)
	assert.Equal(t, string(StatusActive), snap[2].Status)
	assert.Equal(t, "aider", snap[2].AgentType)
	assert.Equal(t, string(StatusNone), snap[3].Status)
	assert.Equal(t, "build", snap[3].Name)
}

func TestRemoveDropsState(t *testing.T) {
	sink := &recordingSink{}
	sessions := staticSessions{1: "Terminal 1"}
	tr := NewTracker(sessions, sink, nil)

	tr.RecordTransition(1, StatusActive, "claude")
	tr.Remove(1)
	delete(sessions, 1)

	assert.Equal(t, StatusNone, tr.Status(1))
	assert.Empty(t, tr.Snapshot())
}
