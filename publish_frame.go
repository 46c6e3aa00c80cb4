package scopestream

import "time"

// FramePublisher turns the capture buffers of a completed cycle into a
// published Frame. It runs in the control context only.
type FramePublisher struct {
	buffers *CaptureBuffers
	store   *FrameStore
	metrics *Metrics
}

// NewFramePublisher creates a publisher copying from buffers into store.
// metrics may be nil.
func NewFramePublisher(buffers *CaptureBuffers, store *FrameStore, metrics *Metrics) *FramePublisher {
	return &FramePublisher{buffers: buffers, store: store, metrics: metrics}
}

// Publish aligns, copies, and publishes the current cycle, then resets the
// capture write positions so the next cycle starts at offset 0.
// For each channel c, min(position[c]-effectiveSkip, render capacity) samples
// (never negative) are copied from the effective skip onward, and the frame
// window is [0, max count-1]. The published frame is returned; it belongs to
// the reader as soon as Publish returns, so callers should only read it.
func (fp *FramePublisher) Publish(ts TriggerState) *Frame {
	skip, found := ts.EffectiveSkip(fp.buffers)
	if ts.Mode != TriggerNone && !found {
		fp.metrics.triggerMiss()
	}

	frame := fp.store.Back()
	maxCount := 0
	for c := range frame.Samples {
		count := 0
		if c < fp.buffers.Nchan() {
			data := fp.buffers.Samples(c)
			if skip < len(data) {
				count = copy(frame.Samples[c], data[skip:])
			}
		}
		frame.Counts[c] = count
		if count > maxCount {
			maxCount = count
		}
	}
	frame.StartIdx = 0
	frame.StopIdx = maxCount - 1
	frame.EffectiveSkip = skip
	frame.Triggered = found
	frame.Time = time.Now()

	fp.buffers.ResetPositions()
	fp.store.Publish()
	fp.metrics.framePublished(maxCount)
	return frame
}
