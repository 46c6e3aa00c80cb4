package scopestream

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/usnistgov/scopestream/internal/unboundedchan"
)

// MaxSimulatedSamplesLimit is the largest per-run sample count the simulated
// device accepts.
const MaxSimulatedSamplesLimit = 1 << 24

// SimulatedDeviceConfig holds the arguments needed to build a SimulatedDevice.
type SimulatedDeviceConfig struct {
	Nchan        int
	Ngroups      int      // channels are split evenly among groups
	SampleRate   uint64   // initial samples per second
	SamplesLimit uint64   // initial samples per channel per run
	BatchSize    int      // samples per channel per delivered batch
	Waveforms    []string // per channel, cycled: "sine", "square", "triangle"
	Frequency    float64  // Hz
	Amplitude    float64  // volts
	Offset       float64  // volts of DC offset, removed by AC coupling
	Noise        float64  // RMS volts of gaussian noise
	Seed         int64
	Paced        bool // deliver batches at the sample rate, instead of as fast as possible
	Logic        bool // also emit (ignored) logic batches
}

// SimulatedDevice is a Device that synthesizes periodic waveforms. The signal is
// phase-continuous across runs, as a free-running input would be.
type SimulatedDevice struct {
	cfg    SimulatedDeviceConfig
	events *unboundedchan.UnboundedChannel[DeviceEvent]

	lock         sync.Mutex // guards everything below
	running      bool
	closed       bool
	abortSelf    chan struct{}
	runDone      chan struct{}
	sampleRate   uint64
	samplesLimit uint64
	numVdivs     uint64
	coupling     []Coupling
	voltsPerDiv  []VoltsPerDiv
	clock        uint64 // index of the next sample to synthesize
	rng          *rand.Rand
	runs         int
}

// NewSimulatedDevice creates and "opens" a simulated device.
func NewSimulatedDevice(cfg SimulatedDeviceConfig) (*SimulatedDevice, error) {
	if cfg.Nchan < 1 {
		return nil, fmt.Errorf("simulated device needs at least 1 channel, have %d", cfg.Nchan)
	}
	if cfg.Ngroups < 1 || cfg.Ngroups > cfg.Nchan {
		cfg.Ngroups = cfg.Nchan
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 100000
	}
	if cfg.SamplesLimit == 0 {
		cfg.SamplesLimit = 4096
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 512
	}
	if len(cfg.Waveforms) == 0 {
		cfg.Waveforms = []string{"sine", "square", "triangle"}
	}
	for _, w := range cfg.Waveforms {
		if _, err := waveformFunc(w); err != nil {
			return nil, err
		}
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 1000
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 1
	}
	sd := &SimulatedDevice{
		cfg:          cfg,
		events:       unboundedchan.NewUnboundedChannel[DeviceEvent](),
		sampleRate:   cfg.SampleRate,
		samplesLimit: cfg.SamplesLimit,
		numVdivs:     10,
		coupling:     make([]Coupling, cfg.Ngroups),
		voltsPerDiv:  make([]VoltsPerDiv, cfg.Ngroups),
		rng:          rand.New(rand.NewSource(cfg.Seed)),
	}
	for g := range sd.coupling {
		sd.coupling[g] = CouplingDC
		sd.voltsPerDiv[g] = VoltsPerDiv{Volts: 1, Div: 1}
	}
	return sd, nil
}

func (sd *SimulatedDevice) groupOf(channel int) int {
	perGroup := (sd.cfg.Nchan + sd.cfg.Ngroups - 1) / sd.cfg.Ngroups
	return channel / perGroup
}

// Describe returns the channel layout and current configuration.
func (sd *SimulatedDevice) Describe() DeviceInfo {
	sd.lock.Lock()
	defer sd.lock.Unlock()
	info := DeviceInfo{
		Driver: "simulated",
		Model:  fmt.Sprintf("synthetic %d-channel source", sd.cfg.Nchan),
		Options: map[string]string{
			ConfigSampleRate.String():   strconv.FormatUint(sd.sampleRate, 10),
			ConfigSamplesLimit.String(): strconv.FormatUint(sd.samplesLimit, 10),
			ConfigNumVdivs.String():     strconv.FormatUint(sd.numVdivs, 10),
		},
	}
	for g := 0; g < sd.cfg.Ngroups; g++ {
		info.Groups = append(info.Groups, fmt.Sprintf("CH%d", g+1))
	}
	for c := 0; c < sd.cfg.Nchan; c++ {
		info.Channels = append(info.Channels, ChannelInfo{
			Index:   c,
			Name:    fmt.Sprintf("CH%d", c+1),
			Group:   sd.groupOf(c),
			Enabled: true,
		})
	}
	return info
}

// Configure changes one configuration value. It is an error to call it while
// a run is in progress.
func (sd *SimulatedDevice) Configure(key ConfigKey, group int, value interface{}) error {
	sd.lock.Lock()
	defer sd.lock.Unlock()
	if sd.closed {
		return errors.New("device is closed")
	}
	if sd.running {
		return fmt.Errorf("cannot set %s while acquisition is running", key)
	}
	checkGroup := func() error {
		if group < 0 || group >= sd.cfg.Ngroups {
			return fmt.Errorf("%s: channel group %d does not exist (have %d)", key, group, sd.cfg.Ngroups)
		}
		return nil
	}

	switch key {
	case ConfigSampleRate, ConfigSamplesLimit, ConfigNumVdivs:
		v, ok := value.(uint64)
		if !ok {
			return fmt.Errorf("%s wants a uint64, got %T", key, value)
		}
		if v == 0 {
			return fmt.Errorf("%s must be positive", key)
		}
		switch key {
		case ConfigSampleRate:
			sd.sampleRate = v
		case ConfigSamplesLimit:
			if v > MaxSimulatedSamplesLimit {
				return fmt.Errorf("%s %d exceeds maximum %d", key, v, MaxSimulatedSamplesLimit)
			}
			sd.samplesLimit = v
		case ConfigNumVdivs:
			sd.numVdivs = v
		}

	case ConfigCoupling:
		if err := checkGroup(); err != nil {
			return err
		}
		c, ok := value.(Coupling)
		if !ok || (c != CouplingAC && c != CouplingDC) {
			return fmt.Errorf("%s wants DC or AC, got %v", key, value)
		}
		sd.coupling[group] = c

	case ConfigVoltsPerDiv:
		if err := checkGroup(); err != nil {
			return err
		}
		v, ok := value.(VoltsPerDiv)
		if !ok || v.Div == 0 || v.Volts == 0 {
			return fmt.Errorf("%s wants a nonzero Volts/Div ratio, got %v", key, value)
		}
		sd.voltsPerDiv[group] = v

	default:
		return fmt.Errorf("configuration key %s is not supported", key)
	}
	return nil
}

// Start begins one run of SamplesLimit samples per channel.
func (sd *SimulatedDevice) Start() error {
	sd.lock.Lock()
	defer sd.lock.Unlock()
	if sd.closed {
		return errors.New("device is closed")
	}
	if sd.running {
		return errors.New("a run is already in progress")
	}
	sd.running = true
	sd.runs++
	sd.abortSelf = make(chan struct{})
	sd.runDone = make(chan struct{})
	go sd.run(sd.abortSelf, sd.runDone, sd.sampleRate, sd.samplesLimit)
	return nil
}

// Stop tells an active run to end early. Stopping a stopped device is a no-op.
func (sd *SimulatedDevice) Stop() error {
	sd.lock.Lock()
	defer sd.lock.Unlock()
	if sd.running {
		closeIfOpen(sd.abortSelf)
	}
	return nil
}

// RunToCompletion waits until the latest run has delivered its EventRunComplete.
func (sd *SimulatedDevice) RunToCompletion() error {
	sd.lock.Lock()
	done := sd.runDone
	sd.lock.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

// Events returns the channel on which the device delivers its events.
func (sd *SimulatedDevice) Events() <-chan DeviceEvent {
	return sd.events.Out()
}

// Close stops any run and stops delivering events.
func (sd *SimulatedDevice) Close() error {
	sd.Stop()
	sd.RunToCompletion()
	sd.lock.Lock()
	defer sd.lock.Unlock()
	if !sd.closed {
		sd.closed = true
		sd.events.Close()
	}
	return nil
}

// Runs returns how many runs have been started.
func (sd *SimulatedDevice) Runs() int {
	sd.lock.Lock()
	defer sd.lock.Unlock()
	return sd.runs
}

// run synthesizes one run's worth of data; it is the device's streaming goroutine.
func (sd *SimulatedDevice) run(abort <-chan struct{}, done chan<- struct{}, rate, limit uint64) {
	sd.events.Send(DeviceEvent{Kind: EventHeader})

	timePerBatch := time.Duration(float64(time.Second) * float64(sd.cfg.BatchSize) / float64(rate))
	lastread := time.Now()
	var produced uint64
produce:
	for produced < limit {
		if sd.cfg.Paced {
			waittime := time.Until(lastread.Add(timePerBatch))
			select {
			case <-abort:
				break produce
			case <-time.After(waittime):
				lastread = time.Now()
			}
		} else {
			select {
			case <-abort:
				break produce
			default:
			}
		}
		n := uint64(sd.cfg.BatchSize)
		if limit-produced < n {
			n = limit - produced
		}
		sd.emitBatch(int(n), rate)
		produced += n
	}
	sd.events.Send(DeviceEvent{Kind: EventEnd})

	sd.lock.Lock()
	sd.running = false
	sd.events.Send(DeviceEvent{Kind: EventRunComplete})
	close(done)
	sd.lock.Unlock()
}

func (sd *SimulatedDevice) emitBatch(n int, rate uint64) {
	sd.lock.Lock()
	start := sd.clock
	sd.clock += uint64(n)
	coupling := append([]Coupling(nil), sd.coupling...)
	noise := make([]float64, 0)
	if sd.cfg.Noise > 0 {
		noise = make([]float64, n*sd.cfg.Nchan)
		for i := range noise {
			noise[i] = sd.cfg.Noise * sd.rng.NormFloat64()
		}
	}
	sd.lock.Unlock()

	for c := 0; c < sd.cfg.Nchan; c++ {
		wave, _ := waveformFunc(sd.cfg.Waveforms[c%len(sd.cfg.Waveforms)])
		offset := sd.cfg.Offset
		if coupling[sd.groupOf(c)] == CouplingAC {
			offset = 0
		}
		phase0 := float64(c) / float64(2*sd.cfg.Nchan) // stagger the channels a little
		samples := make([]float32, n)
		for i := range samples {
			t := float64(start+uint64(i)) / float64(rate)
			phase := math.Mod(sd.cfg.Frequency*t+phase0, 1.0)
			v := offset + sd.cfg.Amplitude*wave(phase)
			if len(noise) > 0 {
				v += noise[c*n+i]
			}
			samples[i] = float32(v)
		}
		sd.events.Send(DeviceEvent{Kind: EventAnalog, Channel: c, Samples: samples})
	}
	if sd.cfg.Logic {
		sd.events.Send(DeviceEvent{Kind: EventLogic, Samples: make([]float32, n)})
	}
}

// waveformFunc returns a function of phase in [0,1) with range [-1,1].
func waveformFunc(name string) (func(float64) float64, error) {
	switch name {
	case "sine":
		return func(p float64) float64 { return math.Sin(2 * math.Pi * p) }, nil
	case "square":
		return func(p float64) float64 {
			if p < 0.5 {
				return 1
			}
			return -1
		}, nil
	case "triangle":
		return func(p float64) float64 {
			if p < 0.5 {
				return 4*p - 1
			}
			return 3 - 4*p
		}, nil
	}
	return nil, fmt.Errorf("waveform %q is not one of sine, square, triangle", name)
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}
