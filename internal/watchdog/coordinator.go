package watchdog

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxpanel/muxpanel/internal/logging"
)

// Source tags recorded on watchdog records.
const (
	SourceStartup         = "startup"
	SourceCreate          = "create"
	SourceRestore         = "restore"
	SourceSafeModeMonitor = "safeModeMonitor"
)

// Config holds the per-phase watchdog options.
type Config struct {
	Ack    Options
	Prompt Options
}

// DefaultConfig returns the production phase budgets.
func DefaultConfig() Config {
	return Config{
		Ack:    Options{Timeout: 10 * time.Second, MaxAttempts: 3},
		Prompt: Options{Timeout: 15 * time.Second, MaxAttempts: 2},
	}
}

// SessionLookup answers whether a session is still live.
type SessionLookup interface {
	SessionExists(id int) bool
}

// ShellReiniter re-runs shell initialization for a session, degraded when
// safeMode is set.
type ShellReiniter interface {
	ReinitializeShell(id int, safeMode bool) error
}

// Notifier surfaces watchdog outcomes to the user-facing layer.
type Notifier interface {
	NotifyInitializationFailed(id int, reason string)
	NotifySafeModeEntered(id int)
}

// MetricsRecorder records watchdog outcomes. A nil recorder is valid.
type MetricsRecorder interface {
	RecordWatchdogTimeout(phase string)
	RecordSafeModeEntered()
}

// RecordInfo describes the active watchdog record of a session.
type RecordInfo struct {
	Phase     Phase
	Source    string
	Attempt   int
	StartTime time.Time
}

// Coordinator orchestrates the ack and prompt watchdog phases for every
// session, drives safe-mode fallback, and records the timeout metric at
// most once per session per initialization cycle.
type Coordinator struct {
	cfg      Config
	sessions SessionLookup
	reinit   ShellReiniter
	notifier Notifier
	metrics  MetricsRecorder
	logger   *logging.Logger

	mu         sync.Mutex
	records    map[int]*record
	safeMode   map[int]bool
	warned     map[int]bool
	recorded   map[int]map[string]bool
	pendingAck []int
	hostReady  bool
}

type record struct {
	phase Phase
	dog   *Watchdog
}

// NewCoordinator wires the coordinator to its collaborators. metrics may
// be nil.
func NewCoordinator(cfg Config, sessions SessionLookup, reinit ShellReiniter, notifier Notifier, metrics MetricsRecorder, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		sessions: sessions,
		reinit:   reinit,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		records:  make(map[int]*record),
		safeMode: make(map[int]bool),
		warned:   make(map[int]bool),
		recorded: make(map[int]map[string]bool),
	}
}

// Start begins or restarts the watchdog for a phase. Any existing record
// for the session is stopped first, so exactly one record is active per
// session. Starting a fresh ack phase begins a new initialization cycle
// and clears the session's outcome markers.
func (c *Coordinator) Start(id int, phase Phase, source string, override *Options) {
	opts := c.cfg.Ack
	if phase == PhasePrompt {
		opts = c.cfg.Prompt
	}
	if override != nil {
		opts = *override
	}

	dog := New(opts, func(attempt int, final bool) {
		c.handleTimeout(id, phase, attempt, final)
	})

	c.mu.Lock()
	if prev, ok := c.records[id]; ok {
		prev.dog.Stop()
	}
	if phase == PhaseAck && source != SourceSafeModeMonitor {
		delete(c.recorded, id)
	}
	// Any explicit start supersedes a queued initial-ack entry; otherwise
	// the host-ready drain would re-arm an ack watchdog for a session that
	// already acknowledged and moved on to the prompt phase.
	c.dequeueAckLocked(id)
	c.records[id] = &record{phase: phase, dog: dog}
	c.mu.Unlock()

	dog.Start(source)
	c.logger.Debug("watchdog started",
		zap.Int("session", id),
		zap.String("phase", string(phase)),
		zap.String("source", source))
}

// QueueAck registers a session awaiting its initial ack watchdog. If the
// host is already initialized the watchdog starts immediately.
func (c *Coordinator) QueueAck(id int) {
	c.mu.Lock()
	if !c.hostReady {
		c.pendingAck = append(c.pendingAck, id)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Start(id, PhaseAck, SourceCreate, nil)
}

// HostReady marks the host as fully initialized and drains the pending ack
// queue, removing each session as its watchdog starts.
func (c *Coordinator) HostReady() {
	c.mu.Lock()
	c.hostReady = true
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if len(c.pendingAck) == 0 {
			c.mu.Unlock()
			return
		}
		id := c.pendingAck[0]
		c.pendingAck = c.pendingAck[1:]
		c.mu.Unlock()

		c.Start(id, PhaseAck, SourceStartup, nil)
	}
}

// Stop cancels the session's active watchdog and clears phase bookkeeping.
// Idempotent.
func (c *Coordinator) Stop(id int, reason string) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if ok {
		delete(c.records, id)
	}
	c.dequeueAckLocked(id)
	c.mu.Unlock()

	if ok {
		rec.dog.Stop()
		c.logger.Debug("watchdog stopped", zap.Int("session", id), zap.String("reason", reason))
	}
}

// Remove clears all watchdog state for a deleted session, including its
// pending-ack queue entry and safe-mode markers.
func (c *Coordinator) Remove(id int) {
	c.Stop(id, "session removed")

	c.mu.Lock()
	delete(c.safeMode, id)
	delete(c.warned, id)
	delete(c.recorded, id)
	c.dequeueAckLocked(id)
	c.mu.Unlock()
}

func (c *Coordinator) dequeueAckLocked(id int) {
	for i, pending := range c.pendingAck {
		if pending == id {
			c.pendingAck = append(c.pendingAck[:i], c.pendingAck[i+1:]...)
			return
		}
	}
}

// ClearSafeMode resets the safe-mode flag and warning marker, allowing a
// later prompt timeout to warn again.
func (c *Coordinator) ClearSafeMode(id int) {
	c.mu.Lock()
	delete(c.safeMode, id)
	delete(c.warned, id)
	c.mu.Unlock()
}

// SafeMode reports whether the session has fallen back to safe mode.
func (c *Coordinator) SafeMode(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.safeMode[id]
}

// Info returns the active watchdog record for a session, if any.
func (c *Coordinator) Info(id int) (RecordInfo, bool) {
	c.mu.Lock()
	rec, ok := c.records[id]
	c.mu.Unlock()
	if !ok {
		return RecordInfo{}, false
	}
	return RecordInfo{
		Phase:     rec.phase,
		Source:    rec.dog.Source(),
		Attempt:   rec.dog.Attempt(),
		StartTime: rec.dog.StartTime(),
	}, true
}

func (c *Coordinator) handleTimeout(id int, phase Phase, attempt int, final bool) {
	if !c.sessions.SessionExists(id) {
		c.Stop(id, "session gone")
		return
	}

	c.logger.Warn("initialization watchdog timeout",
		zap.Int("session", id),
		zap.String("phase", string(phase)),
		zap.Int("attempt", attempt),
		zap.Bool("final", final))

	switch phase {
	case PhaseAck:
		// Non-final ack timeouts auto-retry inside the watchdog.
		if final {
			c.escalate(id, phase, "terminal did not acknowledge initialization")
		}
	case PhasePrompt:
		c.handlePromptTimeout(id, final)
	}
}

func (c *Coordinator) handlePromptTimeout(id int, final bool) {
	c.mu.Lock()
	alreadySafe := c.safeMode[id]
	var firstWarning bool
	if !alreadySafe {
		c.safeMode[id] = true
		firstWarning = !c.warned[id]
		c.warned[id] = true
	}
	c.mu.Unlock()

	if alreadySafe {
		if final {
			c.escalate(id, PhasePrompt, "shell prompt not detected in safe mode")
		}
		return
	}

	if firstWarning {
		if c.notifier != nil {
			c.notifier.NotifySafeModeEntered(id)
		}
		if c.metrics != nil {
			c.metrics.RecordSafeModeEntered()
		}
	}

	err := c.reinit.ReinitializeShell(id, true)
	if err != nil || final {
		if err != nil {
			c.logger.Error("safe-mode shell re-initialization failed",
				zap.Int("session", id), zap.Error(err))
		}
		c.escalate(id, PhasePrompt, "shell prompt not detected")
		return
	}

	c.Start(id, PhasePrompt, SourceSafeModeMonitor, nil)
}

// escalate stops the phase, records the timeout metric at most once per
// initialization cycle, and reports the session as failed.
func (c *Coordinator) escalate(id int, phase Phase, reason string) {
	c.Stop(id, reason)

	c.mu.Lock()
	marks := c.recorded[id]
	if marks == nil {
		marks = make(map[string]bool)
		c.recorded[id] = marks
	}
	firstRecord := !marks["timeout"]
	marks["timeout"] = true
	c.mu.Unlock()

	if firstRecord && c.metrics != nil {
		c.metrics.RecordWatchdogTimeout(string(phase))
	}
	if c.notifier != nil {
		c.notifier.NotifyInitializationFailed(id, ErrTimeout.Error()+": "+reason)
	}
}
