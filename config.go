package scopestream

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds everything read from the configuration file.
type Config struct {
	Device      DeviceConfig      `mapstructure:"device"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Trigger     TriggerConfig     `mapstructure:"trigger"`
	Render      RenderConfig      `mapstructure:"render"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Database    DatabaseConfig    `mapstructure:"database"`
}

// DeviceConfig selects and shapes the signal source.
type DeviceConfig struct {
	Driver    string   `mapstructure:"driver"`
	Channels  int      `mapstructure:"channels"`
	Groups    int      `mapstructure:"groups"`
	Waveforms []string `mapstructure:"waveforms"`
	Frequency float64  `mapstructure:"frequency"`
	Amplitude float64  `mapstructure:"amplitude"`
	Offset    float64  `mapstructure:"offset"`
	Noise     float64  `mapstructure:"noise"`
	BatchSize int      `mapstructure:"batchsize"`
	Seed      int64    `mapstructure:"seed"`
	Paced     bool     `mapstructure:"paced"`
}

// AcquisitionConfig holds the device settings applied at startup.
type AcquisitionConfig struct {
	SampleRate   uint64 `mapstructure:"samplerate"`
	SamplesLimit uint64 `mapstructure:"sampleslimit"`
	Vdivs        uint64 `mapstructure:"vdivs"`
	Coupling     string `mapstructure:"coupling"` // applied to every channel group
	Volts        uint64 `mapstructure:"volts"`    // volts/div numerator, every channel group
	Div          uint64 `mapstructure:"div"`
	Running      bool   `mapstructure:"running"`
}

// TriggerConfig holds the trigger settings. Changes to this section of the
// config file take effect while running.
type TriggerConfig struct {
	Mode    int     `mapstructure:"mode"`
	Level   float32 `mapstructure:"level"`
	Channel int     `mapstructure:"channel"`
	Skip    int     `mapstructure:"skip"`
}

// RenderConfig controls the render context.
type RenderConfig struct {
	PeriodMs int  `mapstructure:"period_ms"`
	Stats    bool `mapstructure:"stats"`
}

// Period returns the render polling period as a time.Duration.
func (c RenderConfig) Period() time.Duration {
	return time.Duration(c.PeriodMs) * time.Millisecond
}

// MetricsConfig says where to serve Prometheus metrics; empty means nowhere.
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// DatabaseConfig controls the session activity database.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Name    string `mapstructure:"name"`
}

// TriggerState converts the trigger section to a TriggerState.
func (c TriggerConfig) TriggerState() TriggerState {
	return TriggerState{Mode: TriggerMode(c.Mode), Level: c.Level, Channel: c.Channel, Skip: c.Skip}
}

// DefaultConfig returns the settings used when the config file says nothing.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			Driver:    "simulated",
			Channels:  2,
			Groups:    2,
			Waveforms: []string{"sine", "square"},
			Frequency: 1000,
			Amplitude: 0.5,
			Noise:     0.005,
			BatchSize: 512,
			Paced:     true,
		},
		Acquisition: AcquisitionConfig{
			SampleRate:   100000,
			SamplesLimit: 4096,
			Vdivs:        10,
			Coupling:     string(CouplingDC),
			Volts:        100,
			Div:          1000,
			Running:      true,
		},
		Trigger: TriggerConfig{
			Mode:  int(TriggerRising),
			Level: 0.1,
		},
		Render: RenderConfig{
			PeriodMs: 50,
			Stats:    true,
		},
		Database: DatabaseConfig{
			Address: "localhost:9000",
			Name:    "scopestream",
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("device.driver", d.Device.Driver)
	v.SetDefault("device.channels", d.Device.Channels)
	v.SetDefault("device.groups", d.Device.Groups)
	v.SetDefault("device.waveforms", d.Device.Waveforms)
	v.SetDefault("device.frequency", d.Device.Frequency)
	v.SetDefault("device.amplitude", d.Device.Amplitude)
	v.SetDefault("device.offset", d.Device.Offset)
	v.SetDefault("device.noise", d.Device.Noise)
	v.SetDefault("device.batchsize", d.Device.BatchSize)
	v.SetDefault("device.seed", d.Device.Seed)
	v.SetDefault("device.paced", d.Device.Paced)

	v.SetDefault("acquisition.samplerate", d.Acquisition.SampleRate)
	v.SetDefault("acquisition.sampleslimit", d.Acquisition.SamplesLimit)
	v.SetDefault("acquisition.vdivs", d.Acquisition.Vdivs)
	v.SetDefault("acquisition.coupling", d.Acquisition.Coupling)
	v.SetDefault("acquisition.volts", d.Acquisition.Volts)
	v.SetDefault("acquisition.div", d.Acquisition.Div)
	v.SetDefault("acquisition.running", d.Acquisition.Running)

	v.SetDefault("trigger.mode", d.Trigger.Mode)
	v.SetDefault("trigger.level", d.Trigger.Level)
	v.SetDefault("trigger.channel", d.Trigger.Channel)
	v.SetDefault("trigger.skip", d.Trigger.Skip)

	v.SetDefault("render.period_ms", d.Render.PeriodMs)
	v.SetDefault("render.stats", d.Render.Stats)

	v.SetDefault("metrics.address", d.Metrics.Address)

	v.SetDefault("database.enabled", d.Database.Enabled)
	v.SetDefault("database.address", d.Database.Address)
	v.SetDefault("database.name", d.Database.Name)
}

// LoadConfig reads the configuration out of v and validates it.
func LoadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("could not decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the values that cannot be checked by the device.
func (c Config) Validate() error {
	if c.Device.Channels < 1 {
		return fmt.Errorf("device.channels=%d, need at least 1", c.Device.Channels)
	}
	if c.Acquisition.SamplesLimit < 1 {
		return fmt.Errorf("acquisition.sampleslimit must be positive")
	}
	if c.Render.PeriodMs < 1 {
		return fmt.Errorf("render.period_ms=%d, must be positive", c.Render.PeriodMs)
	}
	switch Coupling(c.Acquisition.Coupling) {
	case CouplingDC, CouplingAC:
	default:
		return fmt.Errorf("acquisition.coupling=%q, must be DC or AC", c.Acquisition.Coupling)
	}
	if !TriggerMode(c.Trigger.Mode).Valid() {
		return fmt.Errorf("trigger.mode=%d, must be 0, 1 or 2", c.Trigger.Mode)
	}
	if c.Trigger.Skip < 0 {
		return fmt.Errorf("trigger.skip=%d, must not be negative", c.Trigger.Skip)
	}
	return nil
}

// SimulatedDeviceConfig builds the simulated device arguments from the device section.
func (c Config) SimulatedDeviceConfig() SimulatedDeviceConfig {
	return SimulatedDeviceConfig{
		Nchan:        c.Device.Channels,
		Ngroups:      c.Device.Groups,
		SampleRate:   c.Acquisition.SampleRate,
		SamplesLimit: c.Acquisition.SamplesLimit,
		BatchSize:    c.Device.BatchSize,
		Waveforms:    c.Device.Waveforms,
		Frequency:    c.Device.Frequency,
		Amplitude:    c.Device.Amplitude,
		Offset:       c.Device.Offset,
		Noise:        c.Device.Noise,
		Seed:         c.Device.Seed,
		Paced:        c.Device.Paced,
	}
}

// ApplyConfig configures the pipeline from cfg, in the order a user would at
// the console, and finally turns acquisition on if configured. It must run in
// the control context.
func ApplyConfig(c *Coordinator, cfg Config) error {
	a := cfg.Acquisition
	if err := c.SetSampleRate(a.SampleRate); err != nil {
		return err
	}
	if err := c.SetSamplesLimit(a.SamplesLimit); err != nil {
		return err
	}
	if err := c.SetVdivs(a.Vdivs); err != nil {
		return err
	}
	for g := 0; g < c.ngroups; g++ {
		if err := c.SetCoupling(uint64(g), Coupling(a.Coupling)); err != nil {
			return err
		}
		if err := c.SetVoltsPerDiv(uint64(g), a.Volts, a.Div); err != nil {
			return err
		}
	}
	if err := c.SetTrigger(cfg.Trigger.TriggerState()); err != nil {
		return err
	}
	return c.SetRunning(a.Running)
}

// WatchTrigger re-reads the trigger section whenever the config file changes
// and hands it to apply. Other sections take effect at the next start.
func WatchTrigger(v *viper.Viper, apply func(TriggerState) error) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var tc TriggerConfig
		if err := v.UnmarshalKey("trigger", &tc); err != nil {
			ProblemLogger.Printf("config file %s changed, but trigger section is unreadable: %v", e.Name, err)
			return
		}
		if err := apply(tc.TriggerState()); err != nil {
			ProblemLogger.Printf("config file %s changed, but trigger settings were rejected: %v", e.Name, err)
			return
		}
		UpdateLogger.Printf("trigger settings reloaded from %s", e.Name)
	})
	v.WatchConfig()
}

// SaveSettings stores the acquisition and trigger settings of state in v and
// writes the config file, so the next start resumes where this one ended.
func SaveSettings(v *viper.Viper, state AcquisitionState) error {
	v.Set("acquisition.samplerate", state.SampleRate)
	v.Set("acquisition.sampleslimit", state.SamplesLimit)
	v.Set("acquisition.vdivs", state.NumVdivs)
	if len(state.Coupling) > 0 && state.Coupling[0] != "" {
		v.Set("acquisition.coupling", string(state.Coupling[0]))
	}
	if len(state.VoltsPerDiv) > 0 && state.VoltsPerDiv[0].Div != 0 {
		v.Set("acquisition.volts", state.VoltsPerDiv[0].Volts)
		v.Set("acquisition.div", state.VoltsPerDiv[0].Div)
	}
	v.Set("trigger.mode", int(state.Trigger.Mode))
	v.Set("trigger.level", state.Trigger.Level)
	v.Set("trigger.channel", state.Trigger.Channel)
	v.Set("trigger.skip", state.Trigger.Skip)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("could not save settings: %w", err)
	}
	return nil
}
