package scopestream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureBuffersWriteWithinCapacity(t *testing.T) {
	const capacity = 16
	for count := 0; count <= capacity; count++ {
		cb, err := NewCaptureBuffers(2, capacity)
		require.NoError(t, err)
		samples := make([]float32, count)
		for i := range samples {
			samples[i] = float32(i) + 0.5
		}
		if n := cb.Write(1, samples); n != count {
			t.Errorf("Write(%d samples) stored %d, want %d", count, n, count)
		}
		if p := cb.Position(1); p != count {
			t.Errorf("Position(1)=%d after writing %d, want %d", p, count, count)
		}
		assert.Equal(t, samples, cb.Samples(1))
		if p := cb.Position(0); p != 0 {
			t.Errorf("Position(0)=%d, want 0 (other channel untouched)", p)
		}
	}
}

func TestCaptureBuffersClamp(t *testing.T) {
	cb, err := NewCaptureBuffers(1, 10)
	require.NoError(t, err)

	first := []float32{1, 2, 3, 4, 5, 6}
	second := []float32{7, 8, 9, 10, 11, 12}
	assert.Equal(t, 6, cb.Write(0, first))
	assert.Equal(t, 4, cb.Write(0, second), "only capacity-position samples fit")
	assert.Equal(t, 10, cb.Position(0))
	assert.Equal(t, 0, cb.Write(0, []float32{99}), "a full buffer drops everything")
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, cb.Samples(0))
}

func TestCaptureBuffersUnknownChannel(t *testing.T) {
	cb, err := NewCaptureBuffers(2, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, cb.Write(2, []float32{1}))
	assert.Equal(t, 0, cb.Write(-1, []float32{1}))
	assert.Equal(t, 0, cb.Position(7))
	assert.Nil(t, cb.Samples(7))
}

// TestResetBehavesLikeResize checks that a reset followed by writes is
// indistinguishable from a freshly allocated set.
func TestResetBehavesLikeResize(t *testing.T) {
	used, err := NewCaptureBuffers(3, 8)
	require.NoError(t, err)
	for c := 0; c < 3; c++ {
		used.Write(c, []float32{9, 9, 9, 9, 9})
	}
	used.ResetPositions()

	fresh, err := NewCaptureBuffers(3, 8)
	require.NoError(t, err)

	batch := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	for c := 0; c < 3; c++ {
		assert.Equal(t, fresh.Write(c, batch[:c+2]), used.Write(c, batch[:c+2]))
		assert.Equal(t, fresh.Position(c), used.Position(c))
		assert.Equal(t, fresh.Samples(c), used.Samples(c))
	}
}

func TestCaptureBuffersResize(t *testing.T) {
	cb, err := NewCaptureBuffers(2, 4)
	require.NoError(t, err)
	cb.Write(0, []float32{1, 2, 3})
	require.NoError(t, cb.Resize(4, 100))
	assert.Equal(t, 4, cb.Nchan())
	assert.Equal(t, 100, cb.Capacity())
	for c := 0; c < 4; c++ {
		assert.Equal(t, 0, cb.Position(c))
	}

	assert.Error(t, cb.Resize(0, 10))
	assert.Error(t, cb.Resize(1, -1))
	_, err = NewCaptureBuffers(0, 10)
	assert.Error(t, err)

	// Zero capacity is legal; everything is dropped.
	require.NoError(t, cb.Resize(1, 0))
	assert.Equal(t, 0, cb.Write(0, []float32{1, 2}))
}
