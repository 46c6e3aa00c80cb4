package scopestream

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Frame is the published result of one acquisition cycle: for every channel, a
// trigger-aligned window of samples copied out of the capture buffers.
// Samples[c][StartIdx:StopIdx+1] is drawable for every channel with
// Counts[c] > StopIdx; channels that published fewer samples hold only Counts[c].
type Frame struct {
	Seq           uint64      // 1 for the first published frame; 0 means nothing published yet
	StartIdx      int         // always 0
	StopIdx       int         // max(Counts)-1, so -1 for an empty frame
	Counts        []int       // samples copied per channel
	Samples       [][]float32 // render-visible storage, fixed length per channel
	EffectiveSkip int         // buffer index where the window started
	Triggered     bool        // whether a trigger edge was found
	Time          time.Time   // when the frame was published
}

func newFrame(nchan, nsamples int) *Frame {
	f := &Frame{
		StopIdx: -1,
		Counts:  make([]int, nchan),
		Samples: make([][]float32, nchan),
	}
	for c := range f.Samples {
		f.Samples[c] = make([]float32, nsamples)
	}
	return f
}

// Len returns the number of samples in the published window (StopIdx-StartIdx+1).
func (f *Frame) Len() int {
	if f.StopIdx < f.StartIdx {
		return 0
	}
	return f.StopIdx - f.StartIdx + 1
}

// Window returns the valid samples of channel c in this frame.
func (f *Frame) Window(c int) []float32 {
	if c < 0 || c >= len(f.Samples) {
		return nil
	}
	return f.Samples[c][:f.Counts[c]]
}

// freshBit marks the middle slot as holding a frame the reader has not seen.
const freshBit = 1 << 8

// FrameStore is a triple buffer of Frames shared by exactly one writer (the
// control context) and exactly one reader (the render context). The writer
// fills Back() and calls Publish(); the reader calls Acquire() to get the newest
// published frame. At any moment the writer's slot, the reader's slot and the
// exchanged middle slot are distinct, so neither side ever sees the other's
// slot mid-update and neither side ever waits.
type FrameStore struct {
	slots    [3]*Frame
	back     int           // owned by the writer
	front    int           // owned by the reader
	middle   atomic.Uint32 // slot index, plus freshBit when unread
	nchan    int
	nsamples int
	seq      atomic.Uint64
}

// NewFrameStore allocates a FrameStore whose frames hold nsamples samples for
// each of nchan channels.
func NewFrameStore(nchan, nsamples int) (*FrameStore, error) {
	if nchan < 1 || nsamples < 1 {
		return nil, fmt.Errorf("frame store needs nchan>0 and nsamples>0, have %d, %d", nchan, nsamples)
	}
	fs := &FrameStore{nchan: nchan, nsamples: nsamples, back: 0, front: 1}
	for i := range fs.slots {
		fs.slots[i] = newFrame(nchan, nsamples)
	}
	fs.middle.Store(2)
	return fs, nil
}

// Nchan returns the number of channels in every frame.
func (fs *FrameStore) Nchan() int {
	return fs.nchan
}

// SamplesPerChannel returns the render-visible capacity of each channel.
func (fs *FrameStore) SamplesPerChannel() int {
	return fs.nsamples
}

// Back returns the frame the writer may fill. Writer side only.
func (fs *FrameStore) Back() *Frame {
	return fs.slots[fs.back]
}

// Publish makes the back frame visible to the reader and hands the writer a
// slot the reader does not hold. Writer side only.
func (fs *FrameStore) Publish() {
	f := fs.slots[fs.back]
	f.Seq = fs.seq.Add(1)
	old := fs.middle.Swap(uint32(fs.back) | freshBit)
	fs.back = int(old &^ freshBit)
}

// Published returns how many frames have been published. It is safe to call
// from any goroutine.
func (fs *FrameStore) Published() uint64 {
	return fs.seq.Load()
}

// Acquire returns the most recently published frame, which stays unchanged
// until the next call to Acquire. Before any publication the returned frame
// has Seq 0 and is empty. Reader side only.
func (fs *FrameStore) Acquire() *Frame {
	if fs.middle.Load()&freshBit != 0 {
		old := fs.middle.Swap(uint32(fs.front))
		fs.front = int(old &^ freshBit)
	}
	return fs.slots[fs.front]
}
