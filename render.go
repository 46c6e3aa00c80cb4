package scopestream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Color is an RGBA colour with components in [0,1].
type Color struct {
	R, G, B, A float32
}

// DefaultColors is the trace colour table; channel c is drawn in DefaultColors[c%16].
var DefaultColors = [16]Color{
	{1, 1, 0, 1}, {0, .5, 1, 1}, {1, 0, 0, 1}, {0, 1, 0, 1},
	{0, 0, 1, 1}, {1, 0, 1, 1}, {0, 1, 1, 1}, {1, .5, 0, 1},
	{1, 0, .5, 1}, {0, 1, .5, 1}, {.5, 1, 0, 1}, {.5, 0, 1, 1},
	{1, 1, 1, 1}, {.5, .5, .5, 1}, {.25, .25, .25, 1}, {.75, .75, .75, 1},
}

// IdentityTransform is the column-major 4x4 identity matrix.
var IdentityTransform = [16]float32{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

// Trace is what a Renderer needs to draw one channel of a frame: vertical
// values Y[StartIdx:StopIdx+1] plotted against X, where X spans [0,1] across
// the render capacity.
type Trace struct {
	Channel   int
	StartIdx  int
	StopIdx   int
	X         []float32
	Y         []float32
	Color     Color
	Transform [16]float32
}

// Points returns the number of drawable points, 0 for an empty trace.
func (t Trace) Points() int {
	if t.StopIdx < t.StartIdx {
		return 0
	}
	return t.StopIdx - t.StartIdx + 1
}

// Renderer draws the traces of one frame. The traces reference frame storage
// that stays valid only until Draw returns.
type Renderer interface {
	Draw(frame *Frame, traces []Trace) error
}

// horizontal returns n abscissas evenly spaced over [0,1].
func horizontal(n int) []float32 {
	x := make([]float32, n)
	if n < 2 {
		return x
	}
	scale := 1 / float32(n-1)
	for j := range x {
		x[j] = float32(j) * scale
	}
	return x
}

// Traces builds the per-channel traces of frame. StopIdx is clamped to the
// render capacity and to what each channel actually holds.
func Traces(frame *Frame, x []float32) []Trace {
	traces := make([]Trace, len(frame.Samples))
	for c := range frame.Samples {
		stop := frame.StopIdx
		if stop >= frame.Counts[c] {
			stop = frame.Counts[c] - 1
		}
		traces[c] = Trace{
			Channel:   c,
			StartIdx:  frame.StartIdx,
			StopIdx:   stop,
			X:         x,
			Y:         frame.Samples[c],
			Color:     DefaultColors[c%len(DefaultColors)],
			Transform: IdentityTransform,
		}
	}
	return traces
}

// RenderLoop polls store every period and hands each newly published frame to
// renderer. It runs in the render context until ctx is done. Draw errors are
// logged and do not stop the loop.
func RenderLoop(ctx context.Context, store *FrameStore, renderer Renderer, period time.Duration) error {
	x := horizontal(store.SamplesPerChannel())
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			frame := store.Acquire()
			if frame.Seq == lastSeq {
				continue
			}
			lastSeq = frame.Seq
			if err := renderer.Draw(frame, Traces(frame, x)); err != nil {
				ProblemLogger.Printf("could not draw frame %d: %v", frame.Seq, err)
			}
		}
	}
}

// StatsRenderer is a text Renderer: one line per frame with each channel's
// point count, minimum, maximum and mean.
type StatsRenderer struct {
	w   io.Writer
	buf []float64
}

// NewStatsRenderer creates a StatsRenderer writing to w.
func NewStatsRenderer(w io.Writer) *StatsRenderer {
	return &StatsRenderer{w: w}
}

// TraceStats summarizes the drawable points of one trace.
type TraceStats struct {
	N             int
	Min, Max, Avg float64
}

func (sr *StatsRenderer) stats(t Trace) TraceStats {
	n := t.Points()
	if n == 0 {
		return TraceStats{}
	}
	sr.buf = sr.buf[:0]
	for _, v := range t.Y[t.StartIdx : t.StopIdx+1] {
		sr.buf = append(sr.buf, float64(v))
	}
	return TraceStats{
		N:   n,
		Min: floats.Min(sr.buf),
		Max: floats.Max(sr.buf),
		Avg: stat.Mean(sr.buf, nil),
	}
}

// Draw writes the statistics line for one frame.
func (sr *StatsRenderer) Draw(frame *Frame, traces []Trace) error {
	var b strings.Builder
	trig := "free"
	if frame.Triggered {
		trig = "trig"
	}
	fmt.Fprintf(&b, "frame %d [%s skip %d]", frame.Seq, trig, frame.EffectiveSkip)
	for _, t := range traces {
		s := sr.stats(t)
		if s.N == 0 {
			fmt.Fprintf(&b, " | ch%d empty", t.Channel)
			continue
		}
		fmt.Fprintf(&b, " | ch%d n=%d min=%.4g max=%.4g mean=%.4g", t.Channel, s.N, s.Min, s.Max, s.Avg)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(sr.w, b.String())
	return err
}
