package config

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/szibis/dime-governor/internal/budget"
	"github.com/szibis/dime-governor/internal/clock"
	"github.com/szibis/dime-governor/internal/dime"
	"github.com/szibis/dime-governor/internal/engine/sim"
	"github.com/szibis/dime-governor/internal/registry"
	"github.com/szibis/dime-governor/internal/telemetry"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string { return version }

// Config holds the application configuration.
type Config struct {
	// Controller settings
	BudgetPercent     float64
	PeriodSeconds     float64
	RunNumber         int
	CycleFrequencyMHz uint64
	CalibrateClock    bool
	Timer             string
	HistoryCapacity   int
	MaxThreads        int

	// Output files
	LogDir          string
	DiagnosticsFile string
	ErrorFile       string

	// Process settings
	StatsAddr        string
	LogLevel         string
	MemoryLimitRatio float64

	// Telemetry (OTLP self-monitoring)
	TelemetryEndpoint     string
	TelemetryProtocol     string
	TelemetryInsecure     bool
	TelemetryPushInterval time.Duration

	// Simulated workload
	SimThreads    int
	SimModules    int
	SimRegions    int
	SimDuration   time.Duration
	SimIterations int
	SimCost       time.Duration
	SimSeed       uint64

	// Modes
	DumpLog        string
	ValidateConfig string
	ConfigFile     string
	ShowHelp       bool
	ShowVersion    bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BudgetPercent:         10,
		PeriodSeconds:         1.0,
		RunNumber:             0,
		CycleFrequencyMHz:     clock.DefaultFrequencyMHz,
		Timer:                 budget.TimerInterval,
		HistoryCapacity:       budget.DefaultHistoryCapacity,
		MaxThreads:            registry.DefaultMaxThreads,
		LogDir:                ".",
		DiagnosticsFile:       "dime.log",
		ErrorFile:             "error_dime.out",
		LogLevel:              "info",
		TelemetryProtocol:     "grpc",
		TelemetryInsecure:     true,
		TelemetryPushInterval: 30 * time.Second,
		SimThreads:            4,
		SimModules:            4,
		SimRegions:            256,
		SimDuration:           5 * time.Second,
		SimCost:               2 * time.Microsecond,
		SimSeed:               1,
	}
}

// ParseFlags parses the process command line. It exits on malformed
// arguments or an unreadable config file.
func ParseFlags() *Config {
	cfg, err := ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// ParseArgs parses args. Values from -config are applied first and
// explicitly set flags override them.
func ParseArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("dime-governor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fcfg := DefaultConfig()

	fs.StringVar(&fcfg.ConfigFile, "config", "", "Path to YAML configuration file")

	fs.Float64Var(&fcfg.BudgetPercent, "budget-percent", fcfg.BudgetPercent, "Share of each period instrumentation may use (0-100)")
	fs.Float64Var(&fcfg.PeriodSeconds, "period", fcfg.PeriodSeconds, "Budget reset period in seconds")
	fs.IntVar(&fcfg.RunNumber, "run-number", fcfg.RunNumber, "Run ordinal: 0 disables redundancy suppression, >1 reuses persisted logs")
	fs.Uint64Var(&fcfg.CycleFrequencyMHz, "cycle-frequency-mhz", fcfg.CycleFrequencyMHz, "Cycle counter frequency in MHz")
	fs.BoolVar(&fcfg.CalibrateClock, "calibrate-clock", fcfg.CalibrateClock, "Measure the cycle counter frequency at startup")
	fs.StringVar(&fcfg.Timer, "timer", fcfg.Timer, "Budget reset timer: interval (wall clock) or cpu (process CPU time)")
	fs.IntVar(&fcfg.HistoryCapacity, "history-capacity", fcfg.HistoryCapacity, "Budget history entries kept for diagnostics")
	fs.IntVar(&fcfg.MaxThreads, "max-threads", fcfg.MaxThreads, "Maximum tracked threads")

	fs.StringVar(&fcfg.LogDir, "log-dir", fcfg.LogDir, "Directory of persisted redundancy logs")
	fs.StringVar(&fcfg.DiagnosticsFile, "diagnostics-file", fcfg.DiagnosticsFile, "Budget history output file")
	fs.StringVar(&fcfg.ErrorFile, "error-file", fcfg.ErrorFile, "File written when initialization fails")

	fs.StringVar(&fcfg.StatsAddr, "stats-addr", fcfg.StatsAddr, "Prometheus metrics listen address (empty disables)")
	fs.StringVar(&fcfg.LogLevel, "log-level", fcfg.LogLevel, "Log level: debug, info, warn, error")
	fs.Float64Var(&fcfg.MemoryLimitRatio, "memory-limit-ratio", fcfg.MemoryLimitRatio, "Set GOMEMLIMIT to this ratio of the container memory limit (0 disables)")

	fs.StringVar(&fcfg.TelemetryEndpoint, "telemetry-endpoint", fcfg.TelemetryEndpoint, "OTLP endpoint for self-monitoring (empty disables)")
	fs.StringVar(&fcfg.TelemetryProtocol, "telemetry-protocol", fcfg.TelemetryProtocol, "OTLP protocol: grpc or http")
	fs.BoolVar(&fcfg.TelemetryInsecure, "telemetry-insecure", fcfg.TelemetryInsecure, "Use insecure OTLP connection")
	fs.DurationVar(&fcfg.TelemetryPushInterval, "telemetry-push-interval", fcfg.TelemetryPushInterval, "OTLP metric push interval")

	fs.IntVar(&fcfg.SimThreads, "sim-threads", fcfg.SimThreads, "Simulated application threads")
	fs.IntVar(&fcfg.SimModules, "sim-modules", fcfg.SimModules, "Simulated modules")
	fs.IntVar(&fcfg.SimRegions, "sim-regions", fcfg.SimRegions, "Regions per simulated module")
	fs.DurationVar(&fcfg.SimDuration, "sim-duration", fcfg.SimDuration, "Simulated run time (0 with -sim-iterations)")
	fs.IntVar(&fcfg.SimIterations, "sim-iterations", fcfg.SimIterations, "Region executions per thread (0 runs for -sim-duration)")
	fs.DurationVar(&fcfg.SimCost, "sim-cost", fcfg.SimCost, "Cost of one analysis callback")
	fs.Uint64Var(&fcfg.SimSeed, "sim-seed", fcfg.SimSeed, "Region selection seed")

	fs.StringVar(&fcfg.DumpLog, "dump-log", "", "Print a persisted redundancy log and exit")
	fs.StringVar(&fcfg.ValidateConfig, "validate", "", "Validate a YAML configuration file and exit")
	fs.BoolVar(&fcfg.ShowHelp, "help", false, "Show help message")
	fs.BoolVar(&fcfg.ShowHelp, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&fcfg.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&fcfg.ShowVersion, "v", false, "Show version (shorthand)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if fcfg.ConfigFile == "" {
		return fcfg, nil
	}
	yamlCfg, err := LoadYAML(fcfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config file %s: %w", fcfg.ConfigFile, err)
	}
	cfg := yamlCfg.ToConfig()
	cfg.ConfigFile = fcfg.ConfigFile
	applyFlagOverrides(fs, cfg, fcfg)
	return cfg, nil
}

// applyFlagOverrides copies explicitly set flags from flags into cfg.
func applyFlagOverrides(fs *flag.FlagSet, cfg, flags *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "budget-percent":
			cfg.BudgetPercent = flags.BudgetPercent
		case "period":
			cfg.PeriodSeconds = flags.PeriodSeconds
		case "run-number":
			cfg.RunNumber = flags.RunNumber
		case "cycle-frequency-mhz":
			cfg.CycleFrequencyMHz = flags.CycleFrequencyMHz
		case "calibrate-clock":
			cfg.CalibrateClock = flags.CalibrateClock
		case "timer":
			cfg.Timer = flags.Timer
		case "history-capacity":
			cfg.HistoryCapacity = flags.HistoryCapacity
		case "max-threads":
			cfg.MaxThreads = flags.MaxThreads
		case "log-dir":
			cfg.LogDir = flags.LogDir
		case "diagnostics-file":
			cfg.DiagnosticsFile = flags.DiagnosticsFile
		case "error-file":
			cfg.ErrorFile = flags.ErrorFile
		case "stats-addr":
			cfg.StatsAddr = flags.StatsAddr
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "memory-limit-ratio":
			cfg.MemoryLimitRatio = flags.MemoryLimitRatio
		case "telemetry-endpoint":
			cfg.TelemetryEndpoint = flags.TelemetryEndpoint
		case "telemetry-protocol":
			cfg.TelemetryProtocol = flags.TelemetryProtocol
		case "telemetry-insecure":
			cfg.TelemetryInsecure = flags.TelemetryInsecure
		case "telemetry-push-interval":
			cfg.TelemetryPushInterval = flags.TelemetryPushInterval
		case "sim-threads":
			cfg.SimThreads = flags.SimThreads
		case "sim-modules":
			cfg.SimModules = flags.SimModules
		case "sim-regions":
			cfg.SimRegions = flags.SimRegions
		case "sim-duration":
			cfg.SimDuration = flags.SimDuration
		case "sim-iterations":
			cfg.SimIterations = flags.SimIterations
		case "sim-cost":
			cfg.SimCost = flags.SimCost
		case "sim-seed":
			cfg.SimSeed = flags.SimSeed
		case "dump-log":
			cfg.DumpLog = flags.DumpLog
		case "validate":
			cfg.ValidateConfig = flags.ValidateConfig
		case "help", "h":
			cfg.ShowHelp = flags.ShowHelp
		case "version", "v":
			cfg.ShowVersion = flags.ShowVersion
		}
	})
}

// Period returns the budget period as a duration.
func (c *Config) Period() time.Duration {
	return time.Duration(math.Round(c.PeriodSeconds * float64(time.Second)))
}

// ControllerConfig returns the controller settings. The clock is left to
// the caller.
func (c *Config) ControllerConfig() dime.Config {
	return dime.Config{
		BudgetPercent:   c.BudgetPercent,
		Period:          c.Period(),
		RunNumber:       c.RunNumber,
		TimerKind:       c.Timer,
		HistoryCapacity: c.HistoryCapacity,
		MaxThreads:      c.MaxThreads,
		LogDir:          c.LogDir,
		DiagnosticsFile: c.DiagnosticsFile,
		ErrorFile:       c.ErrorFile,
	}
}

// TelemetryConfig returns the OTLP self-monitoring settings.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Endpoint:     c.TelemetryEndpoint,
		Protocol:     c.TelemetryProtocol,
		Insecure:     c.TelemetryInsecure,
		PushInterval: c.TelemetryPushInterval,
	}
}

// Workload returns the simulated workload settings. An iteration count
// replaces the duration.
func (c *Config) Workload() sim.Workload {
	w := sim.Workload{
		Threads:    c.SimThreads,
		Modules:    c.SimModules,
		Regions:    c.SimRegions,
		Iterations: c.SimIterations,
		Duration:   c.SimDuration,
		Cost:       c.SimCost,
		Seed:       c.SimSeed,
	}
	if w.Iterations > 0 {
		w.Duration = 0
	}
	return w
}

// PrintUsage prints the help message.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, `dime-governor - runtime-adaptive instrumentation budget controller

USAGE:
    dime-governor [OPTIONS]

DESCRIPTION:
    Keeps the cost of instrumentation callbacks under a fixed share of each
    period by switching regions between a base and an instrumented version.
    Drives a simulated multi-threaded workload through the controller and
    writes the budget history and redundancy logs on exit.

OPTIONS:
    Configuration:
        -config <path>                   Path to YAML configuration file
                                         CLI flags override config file values
        -validate <path>                 Validate a YAML configuration file and exit

    Controller:
        -budget-percent <float>          Budget share of each period (default: 10)
        -period <seconds>                Reset period in seconds (default: 1.0)
        -run-number <n>                  0 disables redundancy suppression, >1 reuses
                                         persisted logs (default: 0)
        -cycle-frequency-mhz <n>         Cycle counter frequency (default: 3401)
        -calibrate-clock                 Measure the counter frequency at startup
        -timer <kind>                    interval or cpu (default: interval)
        -history-capacity <n>            Budget history entries (default: 86400)
        -max-threads <n>                 Maximum tracked threads (default: 2048)

    Output:
        -log-dir <dir>                   Persisted redundancy logs (default: ".")
        -diagnostics-file <path>         Budget history (default: "dime.log")
        -error-file <path>               Initialization errors (default: "error_dime.out")
        -dump-log <path>                 Print a persisted redundancy log and exit

    Observability:
        -stats-addr <addr>               Prometheus /metrics address (default: disabled)
        -log-level <level>               debug, info, warn, error (default: info)
        -memory-limit-ratio <float>      GOMEMLIMIT ratio of the cgroup limit (default: 0)
        -telemetry-endpoint <addr>       OTLP endpoint (default: disabled)
        -telemetry-protocol <proto>      grpc or http (default: grpc)
        -telemetry-insecure              Insecure OTLP connection (default: true)
        -telemetry-push-interval <dur>   Metric push interval (default: 30s)

    Simulation:
        -sim-threads <n>                 Threads (default: 4)
        -sim-modules <n>                 Modules (default: 4)
        -sim-regions <n>                 Regions per module (default: 256)
        -sim-duration <dur>              Run time (default: 5s)
        -sim-iterations <n>              Executions per thread, overrides duration
        -sim-cost <dur>                  Analysis callback cost (default: 2us)
        -sim-seed <n>                    Region selection seed (default: 1)

    General:
        -h, -help                        Show this help message
        -v, -version                     Show version

EXAMPLES:
    # 5%% budget, persist logs for the next run
    dime-governor -budget-percent 5 -run-number 1 -log-dir /var/lib/dime

    # Reuse them
    dime-governor -budget-percent 5 -run-number 2 -log-dir /var/lib/dime

`)
}

// PrintVersion prints the version.
func PrintVersion() {
	fmt.Printf("dime-governor version %s\n", version)
}
