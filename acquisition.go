package scopestream

import (
	"fmt"
	"math"
)

// AcquisitionState holds every setting of the acquisition pipeline. Only the
// Coordinator mutates it; the publisher reads the trigger part once per cycle.
type AcquisitionState struct {
	Running      bool
	SampleRate   uint64
	SamplesLimit uint64
	NumVdivs     uint64
	Coupling     []Coupling
	VoltsPerDiv  []VoltsPerDiv
	Trigger      TriggerState
}

// copy returns a deep copy safe to hand to another goroutine.
func (s AcquisitionState) copy() AcquisitionState {
	s.Coupling = append([]Coupling(nil), s.Coupling...)
	s.VoltsPerDiv = append([]VoltsPerDiv(nil), s.VoltsPerDiv...)
	return s
}

// ActivityRecorder is told when acquisition is switched on and off.
type ActivityRecorder interface {
	RunStarted(state AcquisitionState)
	RunStopped(state AcquisitionState)
}

// Coordinator owns the AcquisitionState and mediates every change of it. It
// guarantees the device is never configured while streaming, and that
// acquisition resumes after a change if it was running before.
// All methods must be called from the control context.
type Coordinator struct {
	device   Device
	buffers  *CaptureBuffers
	state    AcquisitionState
	ngroups  int
	settle   func() error // drains device events through the end of the stopped run
	updates  chan<- ClientUpdate
	metrics  *Metrics
	activity ActivityRecorder
}

// NewCoordinator creates a Coordinator for device, whose samples land in buffers.
// The initial state is stopped, with the samples limit equal to the buffer capacity.
func NewCoordinator(device Device, buffers *CaptureBuffers) *Coordinator {
	info := device.Describe()
	ngroups := len(info.Groups)
	c := &Coordinator{
		device:  device,
		buffers: buffers,
		ngroups: ngroups,
		settle:  func() error { return nil },
	}
	c.state.SamplesLimit = uint64(buffers.Capacity())
	c.state.Coupling = make([]Coupling, ngroups)
	c.state.VoltsPerDiv = make([]VoltsPerDiv, ngroups)
	return c
}

// SetUpdates makes the Coordinator announce state changes on updates.
func (c *Coordinator) SetUpdates(updates chan<- ClientUpdate) {
	c.updates = updates
}

// SetMetrics attaches pipeline metrics.
func (c *Coordinator) SetMetrics(m *Metrics) {
	c.metrics = m
}

// SetActivityRecorder attaches a recorder of run start/stop activity.
func (c *Coordinator) SetActivityRecorder(a ActivityRecorder) {
	c.activity = a
}

// State returns a copy of the current state.
func (c *Coordinator) State() AcquisitionState {
	return c.state.copy()
}

// Trigger returns the trigger settings to use for the cycle being published.
func (c *Coordinator) Trigger() TriggerState {
	return c.state.Trigger
}

// Running tells whether acquisition is on.
func (c *Coordinator) Running() bool {
	return c.state.Running
}

func (c *Coordinator) announce() {
	sendUpdate(c.updates, "ACQUISITION", c.state.copy())
}

// halt stops the device and settles it: after halt returns, every event of the
// stopped run has been processed, and no new run has been started.
func (c *Coordinator) halt() error {
	c.state.Running = false
	if err := c.device.Stop(); err != nil {
		return deviceErr("stopping session", err)
	}
	if err := c.device.RunToCompletion(); err != nil {
		return deviceErr("running session", err)
	}
	return c.settle()
}

func (c *Coordinator) startRun() error {
	c.state.Running = true
	if err := c.device.Start(); err != nil {
		return deviceErr("starting session", err)
	}
	return nil
}

// resume starts the next run if acquisition is on. The control loop calls it
// once the device has reported the previous run complete.
func (c *Coordinator) resume() error {
	if !c.state.Running {
		return nil
	}
	return c.startRun()
}

// applyWhileStopped runs apply with the device stopped, restarting acquisition
// afterwards if it was running. If apply fails, acquisition is not restarted.
func (c *Coordinator) applyWhileStopped(apply func() error) error {
	wasRunning := c.state.Running
	if wasRunning {
		if err := c.halt(); err != nil {
			return err
		}
	}
	if err := apply(); err != nil {
		return err
	}
	if wasRunning {
		if err := c.startRun(); err != nil {
			return err
		}
	}
	c.announce()
	return nil
}

// SetSampleRate changes the device sample rate.
func (c *Coordinator) SetSampleRate(rate uint64) error {
	return c.applyWhileStopped(func() error {
		if err := c.device.Configure(ConfigSampleRate, DeviceWide, rate); err != nil {
			return deviceErr("setting samplerate", err)
		}
		c.state.SampleRate = rate
		return nil
	})
}

// SetSamplesLimit changes the number of samples per channel per run, and
// reallocates the capture buffers to match. Old buffer contents are discarded.
func (c *Coordinator) SetSamplesLimit(limit uint64) error {
	if limit > math.MaxInt32 {
		return commandErrorf("samples limit %d is too large", limit)
	}
	return c.applyWhileStopped(func() error {
		if err := c.device.Configure(ConfigSamplesLimit, DeviceWide, limit); err != nil {
			return deviceErr("setting samples limit", err)
		}
		c.state.SamplesLimit = limit
		if err := c.buffers.Resize(c.buffers.Nchan(), int(limit)); err != nil {
			return fmt.Errorf("resizing capture buffers: %w", err)
		}
		return nil
	})
}

// SetVdivs changes the number of vertical divisions.
func (c *Coordinator) SetVdivs(n uint64) error {
	return c.applyWhileStopped(func() error {
		if err := c.device.Configure(ConfigNumVdivs, DeviceWide, n); err != nil {
			return deviceErr("setting vdivs count", err)
		}
		c.state.NumVdivs = n
		return nil
	})
}

func (c *Coordinator) checkGroup(group uint64) error {
	if group >= uint64(c.ngroups) {
		return commandErrorf("channel group %d does not exist (device has %d)", group, c.ngroups)
	}
	return nil
}

// SetCoupling changes the input coupling of one channel group.
func (c *Coordinator) SetCoupling(group uint64, coupling Coupling) error {
	if err := c.checkGroup(group); err != nil {
		return err
	}
	if coupling != CouplingDC && coupling != CouplingAC {
		return commandErrorf("coupling %q is not DC or AC", coupling)
	}
	return c.applyWhileStopped(func() error {
		if err := c.device.Configure(ConfigCoupling, int(group), coupling); err != nil {
			return deviceErr("setting coupling", err)
		}
		c.state.Coupling[group] = coupling
		return nil
	})
}

// SetVoltsPerDiv changes the vertical scale of one channel group.
func (c *Coordinator) SetVoltsPerDiv(group, volts, div uint64) error {
	if err := c.checkGroup(group); err != nil {
		return err
	}
	vpd := VoltsPerDiv{Volts: volts, Div: div}
	return c.applyWhileStopped(func() error {
		if err := c.device.Configure(ConfigVoltsPerDiv, int(group), vpd); err != nil {
			return deviceErr("setting volts/div", err)
		}
		c.state.VoltsPerDiv[group] = vpd
		return nil
	})
}

// SetSkip changes how many samples are discarded before the trigger search.
func (c *Coordinator) SetSkip(skip int) error {
	if skip < 0 {
		return commandErrorf("skip %d is negative", skip)
	}
	c.state.Trigger.Skip = skip
	c.announceTrigger()
	return nil
}

// SetTriggerMode changes the trigger edge direction (or turns triggering off).
func (c *Coordinator) SetTriggerMode(mode TriggerMode) error {
	if !mode.Valid() {
		return commandErrorf("trigger mode %d is not 0 (none), 1 (rising) or 2 (falling)", int(mode))
	}
	c.state.Trigger.Mode = mode
	c.announceTrigger()
	return nil
}

// SetTriggerLevel changes the trigger threshold.
func (c *Coordinator) SetTriggerLevel(level float32) error {
	c.state.Trigger.Level = level
	c.announceTrigger()
	return nil
}

// SetTriggerChannel changes which channel is searched for the trigger edge.
// Out-of-range channels are accepted and fall back to channel 0 when used.
func (c *Coordinator) SetTriggerChannel(channel int) error {
	if channel < 0 || channel >= c.buffers.Nchan() {
		ProblemLogger.Printf("trigger channel %d is out of range; channel 0 will be used", channel)
	}
	c.state.Trigger.Channel = channel
	c.announceTrigger()
	return nil
}

// SetTrigger replaces all trigger settings at once.
func (c *Coordinator) SetTrigger(ts TriggerState) error {
	if !ts.Mode.Valid() {
		return commandErrorf("trigger mode %d is not valid", int(ts.Mode))
	}
	if ts.Skip < 0 {
		return commandErrorf("skip %d is negative", ts.Skip)
	}
	c.state.Trigger = ts
	c.announceTrigger()
	return nil
}

func (c *Coordinator) announceTrigger() {
	sendUpdate(c.updates, "TRIGGER", c.state.Trigger)
}

// SetRunning turns acquisition on or off. Turning it off stops the device and
// lets the current run finish, publishing its partial frame. Both directions
// are no-ops when acquisition is already in the requested state.
func (c *Coordinator) SetRunning(running bool) error {
	if running == c.state.Running {
		return nil
	}
	if running {
		if err := c.startRun(); err != nil {
			return err
		}
		if c.activity != nil {
			c.activity.RunStarted(c.state.copy())
		}
	} else {
		if err := c.halt(); err != nil {
			return err
		}
		if c.activity != nil {
			c.activity.RunStopped(c.state.copy())
		}
	}
	c.metrics.setRunning(running)
	c.announce()
	return nil
}

// Stop turns acquisition off. It is idempotent.
func (c *Coordinator) Stop() error {
	return c.SetRunning(false)
}

// Shutdown stops acquisition and closes the device.
func (c *Coordinator) Shutdown() error {
	if err := c.Stop(); err != nil {
		return err
	}
	if err := c.device.Close(); err != nil {
		return deviceErr("closing device", err)
	}
	return nil
}
