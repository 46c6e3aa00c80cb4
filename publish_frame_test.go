package scopestream

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T, nchan, capacity, render int) (*CaptureBuffers, *FrameStore, *FramePublisher, *Metrics) {
	t.Helper()
	cb, err := NewCaptureBuffers(nchan, capacity)
	require.NoError(t, err)
	fs, err := NewFrameStore(nchan, render)
	require.NoError(t, err)
	m := NewMetrics(prometheus.NewRegistry())
	return cb, fs, NewFramePublisher(cb, fs, m), m
}

func ramp(n int, offset float32) []float32 {
	r := make([]float32, n)
	for i := range r {
		r[i] = float32(i) + offset
	}
	return r
}

// TestPublishUntriggered checks the skip-only window: 100 samples, skip 10.
func TestPublishUntriggered(t *testing.T) {
	cb, fs, fp, _ := newTestPublisher(t, 2, 100, 1024)
	cb.Write(0, ramp(100, 0))
	cb.Write(1, ramp(100, 1000))

	frame := fp.Publish(TriggerState{Mode: TriggerNone, Skip: 10})
	assert.Equal(t, 0, frame.StartIdx)
	assert.Equal(t, 89, frame.StopIdx)
	assert.Equal(t, 90, frame.Len())
	assert.Equal(t, []int{90, 90}, frame.Counts)
	assert.Equal(t, ramp(100, 0)[10:], frame.Window(0))
	assert.Equal(t, ramp(100, 1000)[10:], frame.Window(1))
	assert.False(t, frame.Triggered)
	assert.Equal(t, 10, frame.EffectiveSkip)

	// Positions were reset for the next cycle.
	assert.Equal(t, 0, cb.Position(0))
	assert.Equal(t, 0, cb.Position(1))

	got := fs.Acquire()
	assert.Same(t, frame, got)
	assert.Equal(t, uint64(1), got.Seq)
}

func TestPublishTriggeredAlignsAllChannels(t *testing.T) {
	cb, fs, fp, m := newTestPublisher(t, 2, 20, 1024)
	trig := []float32{0, 0, 0, 0, 0, 1, 1, 1, 0, 0, 0, 0, 1, 1, 1, 1, 0, 0, 0, 0}
	cb.Write(0, ramp(20, 0))
	cb.Write(1, trig)

	ts := TriggerState{Mode: TriggerRising, Level: 0.5, Channel: 1, Skip: 6}
	frame := fp.Publish(ts)
	// After skip 6, the first rising edge is at window index 5 (buffer 11->12).
	assert.Equal(t, 11, frame.EffectiveSkip)
	assert.True(t, frame.Triggered)
	assert.Equal(t, ramp(20, 0)[11:], frame.Window(0))
	assert.Equal(t, trig[11:], frame.Window(1))
	assert.Equal(t, 8, frame.StopIdx)
	assert.Equal(t, uint64(1), fs.Acquire().Seq)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.triggerMisses))

	// A cycle with no edge is not shifted, and counts as a miss.
	cb.Write(0, ramp(20, 0))
	cb.Write(1, make([]float32, 20))
	frame = fp.Publish(ts)
	assert.False(t, frame.Triggered)
	assert.Equal(t, 6, frame.EffectiveSkip)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggerMisses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesPublished))
}

func TestPublishClampsToRenderCapacity(t *testing.T) {
	cb, _, fp, _ := newTestPublisher(t, 1, 100, 32)
	cb.Write(0, ramp(100, 0))
	frame := fp.Publish(TriggerState{})
	assert.Equal(t, 32, frame.Counts[0])
	assert.Equal(t, 31, frame.StopIdx)
	assert.Equal(t, ramp(32, 0), frame.Window(0))
}

func TestPublishShortAndEmptyChannels(t *testing.T) {
	cb, _, fp, _ := newTestPublisher(t, 3, 50, 64)
	cb.Write(0, ramp(50, 0))
	cb.Write(1, ramp(12, 0))
	// Channel 2 received nothing this cycle.
	frame := fp.Publish(TriggerState{Skip: 15})
	assert.Equal(t, []int{35, 0, 0}, frame.Counts)
	assert.Equal(t, 34, frame.StopIdx)
	assert.Empty(t, frame.Window(1))
	assert.Empty(t, frame.Window(2))

	// Skip beyond all data gives a degenerate, empty window.
	cb.Write(0, ramp(5, 0))
	frame = fp.Publish(TriggerState{Skip: 40})
	assert.Equal(t, -1, frame.StopIdx)
	assert.Equal(t, 0, frame.Len())
	assert.Equal(t, []int{0, 0, 0}, frame.Counts)
}

// TestPublishDoesNotTouchReaderFrame publishes many frames while the reader
// holds one, and checks the held frame never changes.
func TestPublishDoesNotTouchReaderFrame(t *testing.T) {
	cb, fs, fp, _ := newTestPublisher(t, 1, 8, 8)
	cb.Write(0, ramp(8, 100))
	fp.Publish(TriggerState{})
	held := fs.Acquire()
	snapshot := append([]float32(nil), held.Window(0)...)
	for i := 0; i < 10; i++ {
		cb.Write(0, ramp(8, float32(i)))
		fp.Publish(TriggerState{})
	}
	assert.Equal(t, snapshot, held.Window(0))
	assert.Equal(t, uint64(1), held.Seq)

	newest := fs.Acquire()
	assert.Equal(t, uint64(11), newest.Seq)
	assert.Equal(t, ramp(8, 9), newest.Window(0))
}
