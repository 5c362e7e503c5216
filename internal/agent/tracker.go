// Package agent tracks which terminal sessions are running an interactive
// CLI agent. Detection inputs arrive as pattern-match results over the
// output stream; the tracker owns only the per-session state machine
// (None → Connected → Active → Disconnected, with Disconnected → None on
// reset) and the full-state broadcasts that keep the panel in sync.
package agent

import (
	"sync"

	"go.uber.org/zap"

	"github.com/muxpanel/muxpanel/internal/logging"
	"github.com/muxpanel/muxpanel/internal/ui"
)

// Status is the agent detection state of one session.
type Status string

const (
	StatusNone         Status = "none"
	StatusConnected    Status = "connected"
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
)

// SessionLister exposes the live session set so snapshots cover every
// session exactly once. The registry implements it.
type SessionLister interface {
	AgentSessionNames() map[int]string
}

type state struct {
	status    Status
	agentType string
}

// Tracker maintains per-session agent state. Every externally visible
// change is broadcast as a full snapshot rather than a delta, so the panel
// can never drift from registry truth even if individual messages are
// dropped or reordered.
type Tracker struct {
	sessions SessionLister
	sink     ui.Sink
	logger   *logging.Logger

	mu     sync.RWMutex
	states map[int]state
}

// NewTracker creates a tracker broadcasting through the given sink.
func NewTracker(sessions SessionLister, sink ui.Sink, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewNop()
	}
	if sink == nil {
		sink = ui.NopSink{}
	}
	return &Tracker{
		sessions: sessions,
		sink:     sink,
		logger:   logger,
		states:   make(map[int]state),
	}
}

// RecordTransition applies a detection result. It is idempotent when the
// state is unchanged; a changed state triggers a full-state broadcast.
// A disconnected session stays disconnected until Reset.
func (t *Tracker) RecordTransition(id int, status Status, agentType string) {
	t.mu.Lock()
	current := t.states[id]
	if current.status == "" {
		current.status = StatusNone
	}

	if current.status == status && (agentType == "" || current.agentType == agentType) {
		t.mu.Unlock()
		return
	}
	if current.status == StatusDisconnected && status != StatusNone {
		t.mu.Unlock()
		t.logger.Debug("ignoring transition for disconnected session",
			zap.Int("session", id), zap.String("status", string(status)))
		return
	}

	if agentType == "" {
		agentType = current.agentType
	}
	if status == StatusNone {
		delete(t.states, id)
	} else {
		t.states[id] = state{status: status, agentType: agentType}
	}
	t.mu.Unlock()

	t.logger.Info("agent state changed",
		zap.Int("session", id),
		zap.String("status", string(status)),
		zap.String("agent", agentType))
	t.Broadcast()
}

// Reset returns a disconnected session to None so a new detection cycle
// can begin.
func (t *Tracker) Reset(id int) {
	t.mu.Lock()
	current, ok := t.states[id]
	if !ok || current.status != StatusDisconnected {
		t.mu.Unlock()
		return
	}
	delete(t.states, id)
	t.mu.Unlock()
	t.Broadcast()
}

// MarkDisconnected forces a session to Disconnected regardless of its
// current state. Used when the underlying process exits and for restored
// sessions, whose captured agent process is gone.
func (t *Tracker) MarkDisconnected(id int, agentType string) {
	t.mu.Lock()
	current := t.states[id]
	if current.status == StatusDisconnected {
		t.mu.Unlock()
		return
	}
	if agentType == "" {
		agentType = current.agentType
	}
	t.states[id] = state{status: StatusDisconnected, agentType: agentType}
	t.mu.Unlock()
	t.Broadcast()
}

// Remove drops all state for a deleted session and broadcasts.
func (t *Tracker) Remove(id int) {
	t.mu.Lock()
	_, ok := t.states[id]
	delete(t.states, id)
	t.mu.Unlock()
	if ok {
		t.Broadcast()
	}
}

// Status returns the current detection state of a session.
func (t *Tracker) Status(id int) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[id]; ok {
		return s.status
	}
	return StatusNone
}

// Snapshot builds the full agent state of every live session, defaulting
// to None for sessions never detected.
func (t *Tracker) Snapshot() map[int]ui.AgentSessionState {
	names := t.sessions.AgentSessionNames()

	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[int]ui.AgentSessionState, len(names))
	for id, name := range names {
		entry := ui.AgentSessionState{Status: string(StatusNone), Name: name}
		if s, ok := t.states[id]; ok {
			entry.Status = string(s.status)
			entry.AgentType = s.agentType
		}
		snapshot[id] = entry
	}
	return snapshot
}

// Broadcast sends the full snapshot to the panel.
func (t *Tracker) Broadcast() {
	t.sink.Send(ui.AgentFullStateSync(t.Snapshot()))
}
