package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firing struct {
	attempt int
	final   bool
}

type firingLog struct {
	mu      sync.Mutex
	firings []firing
}

func (l *firingLog) record(attempt int, final bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.firings = append(l.firings, firing{attempt, final})
}

func (l *firingLog) all() []firing {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]firing, len(l.firings))
	copy(out, l.firings)
	return out
}

func TestWatchdogRetriesUntilFinal(t *testing.T) {
	var log firingLog
	w := New(Options{Timeout: 5 * time.Millisecond, MaxAttempts: 3}, log.record)
	w.Start("create")

	require.Eventually(t, func() bool {
		return len(log.all()) == 3
	}, time.Second, time.Millisecond)

	got := log.all()
	assert.Equal(t, []firing{{1, false}, {2, false}, {3, true}}, got)

	// Exhausted budget means no further firings.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, log.all(), 3)
}

func TestWatchdogStopPreventsFiring(t *testing.T) {
	var log firingLog
	w := New(Options{Timeout: 20 * time.Millisecond, MaxAttempts: 1}, log.record)
	w.Start("create")
	w.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, log.all())
}

func TestWatchdogStartResetsAttempts(t *testing.T) {
	var log firingLog
	w := New(Options{Timeout: 5 * time.Millisecond, MaxAttempts: 2}, log.record)
	w.Start("create")

	require.Eventually(t, func() bool {
		return len(log.all()) >= 1
	}, time.Second, time.Millisecond)

	w.Start("restore")
	assert.Equal(t, 0, w.Attempt())
	assert.Equal(t, "restore", w.Source())
}

func TestWatchdogStopIsIdempotent(t *testing.T) {
	w := New(Options{Timeout: time.Hour, MaxAttempts: 1}, nil)
	w.Start("create")
	w.Stop()
	w.Stop()
}

func TestWatchdogZeroAttemptsDefaultsToOne(t *testing.T) {
	var log firingLog
	w := New(Options{Timeout: 5 * time.Millisecond}, log.record)
	w.Start("create")

	require.Eventually(t, func() bool {
		return len(log.all()) == 1
	}, time.Second, time.Millisecond)
	assert.True(t, log.all()[0].final)
}
