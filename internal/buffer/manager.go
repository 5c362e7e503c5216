// Package buffer coalesces high-frequency terminal output chunks into
// batched panel updates while keeping latency low when a CLI agent needs
// cursor-accurate rendering.
package buffer

import (
	"strings"
	"sync"
	"time"
)

// Config holds flush thresholds and the adaptive delay ladder.
type Config struct {
	// LargeChunk is the chunk size that always flushes immediately.
	LargeChunk int
	// Capacity is the pending entry count that forces an immediate flush.
	Capacity int
	// ModerateChunk is the chunk size that flushes immediately while
	// agent-active mode is on.
	ModerateChunk int
	// HighFrequency is the pending entry count past which the scheduled
	// flush delay tightens.
	HighFrequency int

	AgentDelay         time.Duration
	HighFrequencyDelay time.Duration
	DefaultDelay       time.Duration
}

// DefaultConfig returns the production thresholds: immediate flush at 1000
// chars or 50 pending entries, 100-char chunks while an agent is active,
// and a 4/8/16 ms delay ladder (16 ms ≈ 60 Hz).
func DefaultConfig() Config {
	return Config{
		LargeChunk:         1000,
		Capacity:           50,
		ModerateChunk:      100,
		HighFrequency:      5,
		AgentDelay:         4 * time.Millisecond,
		HighFrequencyDelay: 8 * time.Millisecond,
		DefaultDelay:       16 * time.Millisecond,
	}
}

// FlushRecorder receives flush metrics. monitoring.Metrics implements it.
type FlushRecorder interface {
	RecordBufferFlush(batched int, interval time.Duration)
}

// Manager buffers output chunks for one session and emits them either
// individually (immediate path) or concatenated in arrival order (buffered
// path). The emit callback runs with internal state locked and must not
// call back into the Manager.
type Manager struct {
	cfg      Config
	emit     func(data string)
	recorder FlushRecorder

	mu          sync.Mutex
	pending     []string
	timer       *time.Timer
	agentActive bool
	lastFlush   time.Time
	closed      bool
}

// New creates a manager emitting through the given callback. recorder may
// be nil.
func New(cfg Config, emit func(data string), recorder FlushRecorder) *Manager {
	if cfg.LargeChunk <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{cfg: cfg, emit: emit, recorder: recorder}
}

// AddData accepts one output chunk, choosing between an immediate and a
// scheduled flush. Any pending batch is flushed ahead of an immediate chunk
// so emission order always matches arrival order.
func (m *Manager) AddData(chunk string) {
	if chunk == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	immediate := len(chunk) >= m.cfg.LargeChunk ||
		len(m.pending) >= m.cfg.Capacity ||
		(m.agentActive && len(chunk) >= m.cfg.ModerateChunk)

	if immediate {
		m.flushLocked()
		m.emitLocked(chunk, 1)
		return
	}

	m.pending = append(m.pending, chunk)
	m.scheduleLocked()
}

// Flush emits any pending batch as one unit and cancels the scheduled
// flush. Safe to call at any time.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
}

// SetAgentActive toggles aggressive-flush mode. It does not itself flush.
func (m *Manager) SetAgentActive(active bool) {
	m.mu.Lock()
	m.agentActive = active
	m.mu.Unlock()
}

// Pending returns the number of buffered chunks awaiting a flush.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close flushes remaining output and cancels the timer. Further AddData
// calls are dropped.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
	m.closed = true
}

func (m *Manager) scheduleLocked() {
	if m.timer != nil {
		// Re-arm at the tighter delay the moment the buffer turns
		// high-frequency; otherwise the existing timer stands.
		if len(m.pending) != m.cfg.HighFrequency+1 {
			return
		}
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.delayLocked(), m.timerFlush)
}

func (m *Manager) delayLocked() time.Duration {
	switch {
	case m.agentActive:
		return m.cfg.AgentDelay
	case len(m.pending) > m.cfg.HighFrequency:
		return m.cfg.HighFrequencyDelay
	default:
		return m.cfg.DefaultDelay
	}
}

func (m *Manager) timerFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timer = nil
	m.flushLocked()
}

func (m *Manager) flushLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if len(m.pending) == 0 {
		return
	}
	batched := len(m.pending)
	data := strings.Join(m.pending, "")
	m.pending = nil
	m.emitLocked(data, batched)
}

func (m *Manager) emitLocked(data string, batched int) {
	now := time.Now()
	var interval time.Duration
	if !m.lastFlush.IsZero() {
		interval = now.Sub(m.lastFlush)
	}
	m.lastFlush = now

	if m.emit != nil {
		m.emit(data)
	}
	if m.recorder != nil {
		m.recorder.RecordBufferFlush(batched, interval)
	}
}
