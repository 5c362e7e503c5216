package buffer

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu        sync.Mutex
	emissions []string
}

func (c *capture) emit(data string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emissions = append(c.emissions, data)
}

func (c *capture) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.emissions))
	copy(out, c.emissions)
	return out
}

func (c *capture) joined() string {
	return strings.Join(c.all(), "")
}

func testConfig() Config {
	cfg := DefaultConfig()
	// Long delays so scheduled flushes never race the assertions.
	cfg.AgentDelay = time.Hour
	cfg.HighFrequencyDelay = time.Hour
	cfg.DefaultDelay = time.Hour
	return cfg
}

func TestAddDataLargeChunkFlushesImmediately(t *testing.T) {
	var c capture
	m := New(testConfig(), c.emit, nil)

	big := strings.Repeat("x", 1000)
	m.AddData(big)

	require.Equal(t, []string{big}, c.all())
	assert.Equal(t, 0, m.Pending())
}

func TestAddDataSmallChunkBuffers(t *testing.T) {
	var c capture
	m := New(testConfig(), c.emit, nil)

	m.AddData("hello")
	m.AddData("world")

	assert.Empty(t, c.all())
	assert.Equal(t, 2, m.Pending())

	m.Flush()
	assert.Equal(t, []string{"helloworld"}, c.all())
	assert.Equal(t, 0, m.Pending())
}

func TestAddDataCapacityForcesFlush(t *testing.T) {
	var c capture
	cfg := testConfig()
	cfg.Capacity = 3
	m := New(cfg, c.emit, nil)

	m.AddData("a")
	m.AddData("b")
	m.AddData("c")
	assert.Empty(t, c.all())

	// The 4th chunk finds the buffer at capacity: pending flushes as one
	// batch, then the new chunk emits on its own.
	m.AddData("d")
	assert.Equal(t, []string{"abc", "d"}, c.all())
}

func TestAgentActiveModerateChunkFlushes(t *testing.T) {
	var c capture
	m := New(testConfig(), c.emit, nil)

	moderate := strings.Repeat("y", 100)
	m.AddData(moderate)
	assert.Empty(t, c.all(), "moderate chunk buffers while no agent is active")

	m.Flush()
	m.SetAgentActive(true)
	m.AddData(moderate)
	assert.Equal(t, []string{moderate, moderate}, c.all())
}

func TestImmediateFlushPreservesOrder(t *testing.T) {
	var c capture
	m := New(testConfig(), c.emit, nil)

	m.AddData("first")
	m.AddData("second")
	m.AddData(strings.Repeat("z", 1000))

	got := c.all()
	require.Len(t, got, 2)
	assert.Equal(t, "firstsecond", got[0])
	assert.Equal(t, strings.Repeat("z", 1000), got[1])
}

func TestScheduledFlushFires(t *testing.T) {
	var c capture
	cfg := testConfig()
	cfg.DefaultDelay = 5 * time.Millisecond
	m := New(cfg, c.emit, nil)

	m.AddData("tick")

	assert.Eventually(t, func() bool {
		return c.joined() == "tick"
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, m.Pending())
}

func TestAgentDelayBeatsDefaultDelay(t *testing.T) {
	var c capture
	cfg := testConfig()
	cfg.AgentDelay = 5 * time.Millisecond
	m := New(cfg, c.emit, nil)
	m.SetAgentActive(true)

	m.AddData("a")
	assert.Eventually(t, func() bool {
		return c.joined() == "a"
	}, time.Second, time.Millisecond)
}

func TestConcurrentOrderingProperty(t *testing.T) {
	// Concatenated emissions must equal concatenated inputs regardless of
	// which path each chunk took.
	var c capture
	cfg := testConfig()
	cfg.Capacity = 4
	cfg.DefaultDelay = time.Millisecond
	cfg.HighFrequencyDelay = time.Millisecond
	m := New(cfg, c.emit, nil)

	var want strings.Builder
	for i := 0; i < 200; i++ {
		chunk := "chunk-" + strings.Repeat("x", i%7) + "|"
		want.WriteString(chunk)
		m.AddData(chunk)
		if i%50 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	m.Flush()

	assert.Equal(t, want.String(), c.joined())
}

func TestCloseFlushesAndDropsLater(t *testing.T) {
	var c capture
	m := New(testConfig(), c.emit, nil)

	m.AddData("tail")
	m.Close()
	assert.Equal(t, []string{"tail"}, c.all())

	m.AddData("ignored")
	m.Flush()
	assert.Equal(t, []string{"tail"}, c.all())
}

type recordingRecorder struct {
	mu      sync.Mutex
	batches []int
}

func (r *recordingRecorder) RecordBufferFlush(batched int, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batched)
}

func TestRecorderSeesBatchSizes(t *testing.T) {
	var c capture
	rec := &recordingRecorder{}
	m := New(testConfig(), c.emit, rec)

	m.AddData("a")
	m.AddData("b")
	m.Flush()
	m.AddData(strings.Repeat("q", 1000))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []int{2, 1}, rec.batches)
}

func TestEmptyChunkIgnored(t *testing.T) {
	var c capture
	m := New(testConfig(), c.emit, nil)

	m.AddData("")
	assert.Equal(t, 0, m.Pending())
	m.Flush()
	assert.Empty(t, c.all())
}
