package scopestream

import (
	"errors"
	"fmt"
)

// ConfigKey names a device configuration value.
type ConfigKey int

// Configuration keys understood by devices. They may only be written while
// the device is stopped.
const (
	ConfigSampleRate   ConfigKey = iota // uint64 samples per second
	ConfigSamplesLimit                  // uint64 samples per channel per run
	ConfigNumVdivs                      // uint64 number of vertical divisions
	ConfigCoupling                      // Coupling, per channel group
	ConfigVoltsPerDiv                   // VoltsPerDiv, per channel group
)

func (k ConfigKey) String() string {
	switch k {
	case ConfigSampleRate:
		return "Sample Rate"
	case ConfigSamplesLimit:
		return "Sample Number Limit"
	case ConfigNumVdivs:
		return "Number of Vertical Divisions"
	case ConfigCoupling:
		return "Coupling"
	case ConfigVoltsPerDiv:
		return "Volts/Div"
	}
	return fmt.Sprintf("ConfigKey(%d)", int(k))
}

// DeviceWide is the group argument to Configure for values that are not
// specific to one channel group.
const DeviceWide = -1

// Coupling is the input coupling of a channel group.
type Coupling string

// Allowed values of Coupling.
const (
	CouplingDC Coupling = "DC"
	CouplingAC Coupling = "AC"
)

// VoltsPerDiv is a vertical scale expressed as the ratio Volts/Div, e.g.
// {100, 1000} for 100 mV per division.
type VoltsPerDiv struct {
	Volts uint64
	Div   uint64
}

// EventKind tells what a DeviceEvent carries.
type EventKind int

// Kinds of events delivered by a Device.
const (
	EventHeader      EventKind = iota // a run began
	EventAnalog                       // a batch of analog samples for one channel
	EventLogic                        // digital samples; not used by the pipeline
	EventEnd                          // the device's end-of-run marker
	EventRunComplete                  // the session stopped; always the last event of a run
)

func (k EventKind) String() string {
	switch k {
	case EventHeader:
		return "header"
	case EventAnalog:
		return "analog"
	case EventLogic:
		return "logic"
	case EventEnd:
		return "end"
	case EventRunComplete:
		return "run complete"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// DeviceEvent is one notification from a Device: a sample batch or a
// lifecycle marker.
type DeviceEvent struct {
	Kind    EventKind
	Channel int
	Samples []float32
}

// ChannelInfo describes one analog input.
type ChannelInfo struct {
	Index   int
	Name    string
	Group   int
	Enabled bool
}

// DeviceInfo describes a device after it has been opened.
type DeviceInfo struct {
	Driver   string
	Model    string
	Channels []ChannelInfo
	Groups   []string
	Options  map[string]string
}

// Device is the boundary to a hardware or simulated signal source.
//
// Configure must only be called while the device is stopped. Stop is a no-op
// on a stopped device. RunToCompletion blocks until the run stopped by Stop (or
// ended on its own) has delivered its final EventRunComplete to Events().
// Events() delivers events in order; all batches of a run precede its
// EventRunComplete. Event delivery never blocks the device.
type Device interface {
	Describe() DeviceInfo
	Configure(key ConfigKey, group int, value interface{}) error
	Start() error
	Stop() error
	RunToCompletion() error
	Events() <-chan DeviceEvent
	Close() error
}

// DeviceError is a failure reported by the device layer. The pipeline has no
// recovery path for these: they end the process.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("error %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func deviceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DeviceError{Op: op, Err: err}
}

// CommandError reports a request that was rejected before anything changed,
// such as a malformed console command or an out-of-range argument.
type CommandError struct {
	Msg string
}

func (e *CommandError) Error() string {
	return e.Msg
}

func commandErrorf(format string, args ...interface{}) error {
	return &CommandError{Msg: fmt.Sprintf(format, args...)}
}

// IsFatal tells whether err must end the acquisition process.
func IsFatal(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
