package scopestream

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHorizontal(t *testing.T) {
	x := horizontal(5)
	assert.Equal(t, []float32{0, .25, .5, .75, 1}, x)
	assert.Equal(t, []float32{0}, horizontal(1))
}

func TestTraces(t *testing.T) {
	frame := newFrame(18, 8)
	frame.Counts[0] = 6
	frame.Counts[1] = 3
	frame.StopIdx = 5
	traces := Traces(frame, horizontal(8))
	require.Len(t, traces, 18)
	assert.Equal(t, 5, traces[0].StopIdx)
	assert.Equal(t, 6, traces[0].Points())
	assert.Equal(t, 2, traces[1].StopIdx, "clamped to what channel 1 holds")
	assert.Equal(t, 0, traces[2].Points(), "empty channel")
	assert.Equal(t, DefaultColors[1], traces[1].Color)
	assert.Equal(t, DefaultColors[0], traces[16].Color, "colours repeat every 16 channels")
	assert.Equal(t, IdentityTransform, traces[17].Transform)
}

func TestStatsRenderer(t *testing.T) {
	frame := newFrame(2, 8)
	copy(frame.Samples[0], []float32{-1, 0, 1, 2})
	frame.Counts[0] = 4
	frame.StopIdx = 3
	frame.Seq = 7
	frame.Triggered = true
	frame.EffectiveSkip = 12

	var out bytes.Buffer
	sr := NewStatsRenderer(&out)
	require.NoError(t, sr.Draw(frame, Traces(frame, horizontal(8))))
	line := out.String()
	assert.True(t, strings.HasPrefix(line, "frame 7 [trig skip 12]"), line)
	assert.Contains(t, line, "ch0 n=4 min=-1 max=2 mean=0.5")
	assert.Contains(t, line, "ch1 empty")
}

type countingRenderer struct {
	lock sync.Mutex
	seqs []uint64
	fail bool
}

func (r *countingRenderer) Draw(frame *Frame, traces []Trace) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.seqs = append(r.seqs, frame.Seq)
	if r.fail {
		return errors.New("display unplugged")
	}
	return nil
}

func (r *countingRenderer) Seqs() []uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func TestRenderLoopDrawsEachFrameOnce(t *testing.T) {
	store, err := NewFrameStore(1, 16)
	require.NoError(t, err)
	renderer := &countingRenderer{fail: true}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RenderLoop(ctx, store, renderer, time.Millisecond) }()

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, renderer.Seqs(), "nothing published yet")

	store.Publish()
	require.Eventually(t, func() bool { return len(renderer.Seqs()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []uint64{1}, renderer.Seqs(), "a frame is drawn once, and Draw errors do not stop the loop")

	store.Publish()
	require.Eventually(t, func() bool { return len(renderer.Seqs()) == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
