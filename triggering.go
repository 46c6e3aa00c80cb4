package scopestream

import "fmt"

// TriggerMode selects which kind of threshold crossing aligns the frames.
type TriggerMode int

// Names for the possible values of TriggerMode. The numeric values are the
// ones accepted by the "set triggermode" console command.
const (
	TriggerNone    TriggerMode = iota // No alignment: frames start at Skip
	TriggerRising                     // Align on an upward crossing of Level
	TriggerFalling                    // Align on a downward crossing of Level
)

func (m TriggerMode) String() string {
	switch m {
	case TriggerNone:
		return "none"
	case TriggerRising:
		return "rising"
	case TriggerFalling:
		return "falling"
	}
	return fmt.Sprintf("TriggerMode(%d)", int(m))
}

// Valid tells whether m is one of the known trigger modes.
func (m TriggerMode) Valid() bool {
	return m >= TriggerNone && m <= TriggerFalling
}

// TriggerState contains all the state that controls trigger logic
type TriggerState struct {
	Mode    TriggerMode
	Level   float32
	Channel int // which channel is searched for the edge
	Skip    int // samples discarded from the start of every buffer
}

// FindEdge returns the smallest index i such that samples[i] and samples[i+1]
// straddle level in the direction given by mode. A rising edge means
// samples[i] < level <= samples[i+1]; a falling edge means
// samples[i] > level >= samples[i+1]. When no edge exists, or mode is
// TriggerNone, the result is 0: an untriggered frame is not shifted.
func FindEdge(mode TriggerMode, level float32, samples []float32) int {
	switch mode {
	case TriggerRising:
		for i := 0; i < len(samples)-1; i++ {
			if samples[i] < level && samples[i+1] >= level {
				return i
			}
		}
	case TriggerFalling:
		for i := 0; i < len(samples)-1; i++ {
			if samples[i] > level && samples[i+1] <= level {
				return i
			}
		}
	}
	return 0
}

// triggerChannel returns ts.Channel, or 0 when it does not name a channel of cb.
func (ts TriggerState) triggerChannel(cb *CaptureBuffers) int {
	if ts.Channel < 0 || ts.Channel >= cb.Nchan() {
		return 0
	}
	return ts.Channel
}

// EffectiveSkip computes where the published window starts in every channel's
// buffer: Skip plus the edge offset found in the trigger channel. Only the
// trigger channel's valid samples after Skip are searched. The second result
// tells whether an edge was actually found (always false for TriggerNone).
func (ts TriggerState) EffectiveSkip(cb *CaptureBuffers) (int, bool) {
	skip := ts.Skip
	if skip < 0 {
		skip = 0
	}
	if ts.Mode == TriggerNone {
		return skip, false
	}
	data := cb.Samples(ts.triggerChannel(cb))
	if skip >= len(data) {
		return skip, false
	}
	window := data[skip:]
	edge := FindEdge(ts.Mode, ts.Level, window)
	if edge == 0 && !edgeAt0(ts.Mode, ts.Level, window) {
		return skip, false
	}
	return skip + edge, true
}

// edgeAt0 distinguishes a genuine edge at index 0 from the "none found" result.
func edgeAt0(mode TriggerMode, level float32, samples []float32) bool {
	if len(samples) < 2 {
		return false
	}
	switch mode {
	case TriggerRising:
		return samples[0] < level && samples[1] >= level
	case TriggerFalling:
		return samples[0] > level && samples[1] <= level
	}
	return false
}
