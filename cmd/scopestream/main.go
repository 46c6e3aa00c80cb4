package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/usnistgov/scopestream"
	"github.com/usnistgov/scopestream/internal/activitydb"
	"github.com/usnistgov/scopestream/internal/asyncbufio"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix, and registers defaults. An explicit
// cfgFile replaces the search.
func setupViper(v *viper.Viper, cfgFile string) error {
	scopestream.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("finding user home dir: %w", err)
		}
		dotScope := filepath.Join(home, ".scopestream")
		const filename string = "config"
		const suffix string = ".yaml"
		if _, err := makeFileExist(dotScope, filename+suffix); err != nil {
			return err
		}
		v.SetConfigName(filename)
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.FromSlash("/etc/scopestream"))
		v.AddConfigPath(dotScope)
		v.AddConfigPath(".")
	}

	// e.g., SCOPESTREAM_TRIGGER_LEVEL overrides trigger.level
	v.SetEnvPrefix("SCOPESTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probFile.Close()
	return log.New(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}, "", log.LstdFlags)
}

// runActivity records each period of acquisition in the activity database.
type runActivity struct {
	db      *activitydb.Connection
	info    scopestream.DeviceInfo
	current *activitydb.RunMessage
}

func (ra *runActivity) RunStarted(state scopestream.AcquisitionState) {
	ra.current = &activitydb.RunMessage{
		ID:           activitydb.NewID(),
		Driver:       ra.info.Driver,
		Model:        ra.info.Model,
		Nchannels:    len(ra.info.Channels),
		SampleRate:   state.SampleRate,
		SamplesLimit: state.SamplesLimit,
		TriggerMode:  state.Trigger.Mode.String(),
		TriggerLevel: state.Trigger.Level,
		Start:        time.Now(),
	}
	ra.db.RecordRun(ra.current)
}

func (ra *runActivity) RunStopped(state scopestream.AcquisitionState) {
	ra.db.FinishRun(ra.current)
	ra.current = nil
}

type options struct {
	configFile   string
	printVersion bool
	cpuprofile   string
	memprofile   string
	noConsole    bool
}

func newRootCmd() *cobra.Command {
	var opts options
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "scopestream",
		Short: "Continuous oscilloscope acquisition with triggered display",
		Long: `scopestream acquires sample batches from a signal source in fixed-size runs,
aligns each run on a trigger edge, and publishes it for display. Settings
can be changed while acquiring with commands on standard input (try "help").`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file (default is $HOME/.scopestream/config.yaml)")
	flags.BoolVar(&opts.printVersion, "version", false, "print version and quit")
	flags.StringVar(&opts.cpuprofile, "cpuprofile", "", "write CPU profile to given file")
	flags.StringVar(&opts.memprofile, "memprofile", "", "write memory profile to given file")
	flags.BoolVar(&opts.noConsole, "no-console", false, "do not read commands from standard input")
	flags.Int("sim-channels", 0, "number of simulated channels")
	flags.Bool("sim-paced", true, "deliver simulated samples at the sample rate")
	flags.Float64("sim-frequency", 0, "frequency of the simulated waveforms (Hz)")
	flags.String("metrics-address", "", "serve Prometheus metrics at this address (e.g. :9090)")
	_ = v.BindPFlag("device.channels", flags.Lookup("sim-channels"))
	_ = v.BindPFlag("device.paced", flags.Lookup("sim-paced"))
	_ = v.BindPFlag("device.frequency", flags.Lookup("sim-frequency"))
	_ = v.BindPFlag("metrics.address", flags.Lookup("metrics-address"))
	return cmd
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "This is scopestream version %s\n", scopestream.Build.Version)
	fmt.Fprintf(w, "Git commit hash: %s\n", githash)
	fmt.Fprintf(w, "Build time: %s\n", buildDate)
	fmt.Fprintf(w, "Built on go version %s\n", runtime.Version())
	fmt.Fprintf(w, "Running on %d CPUs.\n", runtime.NumCPU())
}

func setBuildInfo() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	scopestream.Build.Date = buildDate
	scopestream.Build.Githash = githash
	scopestream.Build.Gitdate = gitdate
	scopestream.Build.Summary = fmt.Sprintf("scopestream version %s (git commit %s of %s)", scopestream.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		scopestream.Build.Host = host
	} else {
		scopestream.Build.Host = "host not detected"
	}
}

// startLogs points ProblemLogger and UpdateLogger at rotating files in logdir.
func startLogs(logdir string) error {
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		return err
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		return err
	}
	scopestream.ProblemLogger = startLogger(problemname)
	scopestream.UpdateLogger = startLogger(logname)
	activitydb.Logger = scopestream.ProblemLogger
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	return nil
}

func run(ctx context.Context, v *viper.Viper, opts options) error {
	setBuildInfo()
	if opts.printVersion {
		printVersion(os.Stdout)
		return nil
	}

	banner := fmt.Sprintf("\nThis is scopestream version %s (git commit %s)\n", scopestream.Build.Version, githash)
	fmt.Print(banner)

	if opts.cpuprofile != "" {
		f, err := os.Create(opts.cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	defer writeMemoryProfile(opts.memprofile)

	// Start logging problems and updates to 2 log files.
	if err := startLogs(filepath.Join("$HOME", ".scopestream", "logs")); err != nil {
		return err
	}
	scopestream.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(v, opts.configFile); err != nil {
		return err
	}
	fmt.Printf("Using config file %s\n", v.ConfigFileUsed())
	cfg, err := scopestream.LoadConfig(v)
	if err != nil {
		return err
	}

	if cfg.Device.Driver != "simulated" {
		return fmt.Errorf("device.driver %q is not available (only \"simulated\")", cfg.Device.Driver)
	}
	device, err := scopestream.NewSimulatedDevice(cfg.SimulatedDeviceConfig())
	if err != nil {
		return fmt.Errorf("error opening device: %w", err)
	}
	info := device.Describe()
	description := spew.Sdump(info)
	fmt.Print(description)
	scopestream.UpdateLogger.Printf("Device opened:\n%s", description)

	buffers, err := scopestream.NewCaptureBuffers(len(info.Channels), int(cfg.Acquisition.SamplesLimit))
	if err != nil {
		return err
	}
	store, err := scopestream.NewFrameStore(len(info.Channels), scopestream.DefaultRenderSamples)
	if err != nil {
		return err
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := scopestream.NewMetrics(registry)

	coord := scopestream.NewCoordinator(device, buffers)
	coord.SetMetrics(metrics)
	updates := make(chan scopestream.ClientUpdate, 64)
	coord.SetUpdates(updates)

	dbAbort := make(chan struct{})
	db := activitydb.Dummy()
	if cfg.Database.Enabled {
		db = activitydb.Start(activitydb.Options{Address: cfg.Database.Address, Database: cfg.Database.Name},
			&activitydb.ActivityMessage{
				ID:        activitydb.NewID(),
				Hostname:  scopestream.Build.Host,
				Githash:   githash,
				Version:   scopestream.Build.Version,
				GoVersion: runtime.Version(),
				CPUs:      runtime.NumCPU(),
				Start:     scopestream.StartTime,
			}, dbAbort)
		if !db.IsConnected() {
			scopestream.ProblemLogger.Printf("activity database unavailable: %v", db.Err())
		}
	}
	defer func() {
		close(dbAbort)
		db.Wait()
	}()
	coord.SetActivityRecorder(&runActivity{db: db, info: info})

	publisher := scopestream.NewFramePublisher(buffers, store, metrics)
	loop := scopestream.NewControlLoop(coord, publisher, metrics)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error {
		scopestream.RunClientUpdater(gctx, updates)
		return nil
	})

	// The render context must never wait on the terminal.
	var statsOut io.Writer = io.Discard
	if cfg.Render.Stats {
		aw := asyncbufio.NewWriter(os.Stdout, 64, 250*time.Millisecond)
		defer aw.Close()
		statsOut = aw
	}
	g.Go(func() error {
		return scopestream.RenderLoop(gctx, store, scopestream.NewStatsRenderer(statsOut), cfg.Render.Period())
	})

	if addr := cfg.Metrics.Address; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		fmt.Printf("Serving metrics at %s/metrics\n", addr)
	}

	g.Go(func() error {
		if err := loop.Do(gctx, func() error { return scopestream.ApplyConfig(coord, cfg) }); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("applying configuration: %w", err)
		}
		scopestream.WatchTrigger(v, func(ts scopestream.TriggerState) error {
			return loop.Do(gctx, func() error { return coord.SetTrigger(ts) })
		})
		if !opts.noConsole {
			// Reading stdin cannot be interrupted, so the console is not waited for.
			go func() {
				con := scopestream.NewConsole(loop, os.Stdout, os.Stderr)
				if err := con.Run(gctx, os.Stdin); err != nil {
					scopestream.ProblemLogger.Printf("console: %v", err)
				}
			}()
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		scopestream.ProblemLogger.Printf("scopestream ending with error: %v", err)
		return err
	}
	// The control loop has returned, so its state may be read here.
	if err := scopestream.SaveSettings(v, coord.State()); err != nil {
		scopestream.ProblemLogger.Printf("%v", err)
	}
	return nil
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` is an empty string, do not write.
func writeMemoryProfile(memprofile string) {
	if memprofile == "" {
		return
	}
	f, err := os.Create(memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
