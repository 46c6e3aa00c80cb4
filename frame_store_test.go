package scopestream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameStoreBeforePublish(t *testing.T) {
	_, err := NewFrameStore(0, 10)
	assert.Error(t, err)
	_, err = NewFrameStore(1, 0)
	assert.Error(t, err)

	fs, err := NewFrameStore(2, 10)
	require.NoError(t, err)
	f := fs.Acquire()
	assert.Equal(t, uint64(0), f.Seq)
	assert.Equal(t, -1, f.StopIdx)
	assert.Equal(t, 0, f.Len())
	assert.Empty(t, f.Window(0))
	assert.Nil(t, f.Window(2))
	assert.Equal(t, 10, len(f.Samples[1]))
}

func TestFrameStoreNewestWins(t *testing.T) {
	fs, err := NewFrameStore(1, 4)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		b := fs.Back()
		b.Samples[0][0] = float32(i)
		b.Counts[0] = 1
		fs.Publish()
	}
	f := fs.Acquire()
	assert.Equal(t, uint64(3), f.Seq)
	assert.Equal(t, float32(3), f.Samples[0][0])
	assert.Same(t, f, fs.Acquire(), "no new frame: reader keeps its slot")
	assert.Equal(t, uint64(3), fs.Published())
}

// TestFrameStoreNoTearing has a writer fill every sample of a frame with its
// sequence number while a reader checks that each frame it gets is uniform.
func TestFrameStoreNoTearing(t *testing.T) {
	const nsamples = 256
	const nframes = 20000
	fs, err := NewFrameStore(2, nsamples)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= nframes; i++ {
			b := fs.Back()
			for c := range b.Samples {
				for j := range b.Samples[c] {
					b.Samples[c][j] = float32(i)
				}
				b.Counts[c] = nsamples
			}
			fs.Publish()
		}
	}()

	var last uint64
	for last < nframes {
		f := fs.Acquire()
		if f.Seq < last {
			t.Fatalf("frame sequence went backwards: %d after %d", f.Seq, last)
		}
		last = f.Seq
		if last == 0 {
			continue
		}
		want := float32(f.Seq)
		for c := range f.Samples {
			for j, v := range f.Samples[c] {
				if v != want {
					t.Fatalf("frame %d channel %d sample %d = %v: torn frame", f.Seq, c, j, v)
				}
			}
		}
	}
	wg.Wait()
}
