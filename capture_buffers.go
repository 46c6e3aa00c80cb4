package scopestream

import "fmt"

// CaptureBuffers holds one fixed-capacity sample buffer per channel, plus the
// write position (count of valid samples) of each. It is owned by the control
// context and is not safe for concurrent use.
type CaptureBuffers struct {
	data      [][]float32
	positions []int
	capacity  int
}

// NewCaptureBuffers returns a set of nchan buffers each holding capacity samples.
func NewCaptureBuffers(nchan, capacity int) (*CaptureBuffers, error) {
	cb := new(CaptureBuffers)
	if err := cb.Resize(nchan, capacity); err != nil {
		return nil, err
	}
	return cb, nil
}

// Resize discards all existing buffers and allocates nchan new ones of the
// given capacity, with every write position reset to 0. The caller must
// guarantee that no ingest can happen concurrently.
func (cb *CaptureBuffers) Resize(nchan, capacity int) error {
	if nchan < 1 {
		return fmt.Errorf("capture buffers need at least 1 channel, have %d", nchan)
	}
	if capacity < 0 {
		return fmt.Errorf("capture buffer capacity %d is negative", capacity)
	}
	cb.data = make([][]float32, nchan)
	for i := range cb.data {
		cb.data[i] = make([]float32, capacity)
	}
	cb.positions = make([]int, nchan)
	cb.capacity = capacity
	return nil
}

// Write appends samples to the buffer of the given channel, starting at that
// channel's write position. Samples that do not fit are dropped: once a buffer
// is full, later batches in the same cycle are discarded until ResetPositions.
// Returns the number of samples actually stored. Unknown channels are ignored.
func (cb *CaptureBuffers) Write(channel int, samples []float32) int {
	if channel < 0 || channel >= len(cb.data) {
		return 0
	}
	pos := cb.positions[channel]
	n := copy(cb.data[channel][pos:cb.capacity], samples)
	cb.positions[channel] = pos + n
	return n
}

// ResetPositions sets all write positions to 0. Called once per completed cycle.
func (cb *CaptureBuffers) ResetPositions() {
	for i := range cb.positions {
		cb.positions[i] = 0
	}
}

// Nchan returns the number of channels.
func (cb *CaptureBuffers) Nchan() int {
	return len(cb.data)
}

// Capacity returns the per-channel capacity in samples.
func (cb *CaptureBuffers) Capacity() int {
	return cb.capacity
}

// Position returns the write position of a channel, or 0 for an unknown channel.
func (cb *CaptureBuffers) Position(channel int) int {
	if channel < 0 || channel >= len(cb.positions) {
		return 0
	}
	return cb.positions[channel]
}

// Samples returns the valid (written) part of a channel's buffer. The slice
// aliases the buffer and is only meaningful until the next Write or Resize.
func (cb *CaptureBuffers) Samples(channel int) []float32 {
	if channel < 0 || channel >= len(cb.data) {
		return nil
	}
	return cb.data[channel][:cb.positions[channel]]
}
