// Package watchdog tracks the phased initialization of terminal sessions:
// an ack phase (spawned process has not yet acknowledged readiness) and a
// prompt phase (ack received, waiting for a usable shell prompt). Each
// phase has an independently configurable timeout and attempt budget, and
// the coordinator drives safe-mode fallback when the prompt phase stalls.
package watchdog

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is the terminal outcome of a phase that exhausted its attempt
// budget. It prefixes the failure reason delivered to the Notifier.
var ErrTimeout = errors.New("initialization phase timed out")

// Phase identifies an initialization phase.
type Phase string

const (
	PhaseAck    Phase = "ack"
	PhasePrompt Phase = "prompt"
)

// Options configures one watchdog phase.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
}

// Watchdog is a retrying timer for one phase of one session. On each
// timeout it invokes the handler with the attempt number and whether the
// attempt budget is exhausted; non-final timeouts re-arm automatically.
type Watchdog struct {
	opts      Options
	onTimeout func(attempt int, final bool)

	mu        sync.Mutex
	timer     *time.Timer
	attempt   int
	startTime time.Time
	source    string
	stopped   bool
}

// New creates a watchdog. It does not start until Start is called.
func New(opts Options, onTimeout func(attempt int, final bool)) *Watchdog {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Watchdog{opts: opts, onTimeout: onTimeout}
}

// Start begins or restarts the timer, resetting the attempt count. The
// source tag records which code path armed the watchdog.
func (w *Watchdog) Start(source string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempt = 0
	w.stopped = false
	w.source = source
	w.startTime = time.Now()
	w.armLocked()
}

// Stop cancels the pending timer. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Attempt returns the number of timeouts fired since the last Start.
func (w *Watchdog) Attempt() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempt
}

// Source returns the tag passed to the last Start.
func (w *Watchdog) Source() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.source
}

// StartTime returns when the current phase was armed.
func (w *Watchdog) StartTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startTime
}

func (w *Watchdog) armLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Timeout, w.fire)
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.attempt++
	attempt := w.attempt
	final := attempt >= w.opts.MaxAttempts
	if final {
		w.stopped = true
		w.timer = nil
	} else {
		w.armLocked()
	}
	handler := w.onTimeout
	w.mu.Unlock()

	if handler != nil {
		handler(attempt, final)
	}
}
