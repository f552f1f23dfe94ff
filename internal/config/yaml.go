package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig is the layout of the -config file.
type YAMLConfig struct {
	Budget     BudgetYAMLConfig     `yaml:"budget"`
	Redundancy RedundancyYAMLConfig `yaml:"redundancy"`
	Clock      ClockYAMLConfig      `yaml:"clock"`
	Output     OutputYAMLConfig     `yaml:"output"`
	Stats      StatsYAMLConfig      `yaml:"stats"`
	Logging    LoggingYAMLConfig    `yaml:"logging"`
	Memory     MemoryYAMLConfig     `yaml:"memory"`
	Telemetry  TelemetryYAMLConfig  `yaml:"telemetry"`
	Simulation SimulationYAMLConfig `yaml:"simulation"`
}

// BudgetYAMLConfig holds budget settings.
type BudgetYAMLConfig struct {
	Percent         *float64 `yaml:"percent"`
	PeriodSeconds   float64  `yaml:"period_seconds"`
	Timer           string   `yaml:"timer"`
	HistoryCapacity int      `yaml:"history_capacity"`
}

// RedundancyYAMLConfig holds redundancy suppression settings.
type RedundancyYAMLConfig struct {
	RunNumber  int    `yaml:"run_number"`
	LogDir     string `yaml:"log_dir"`
	MaxThreads int    `yaml:"max_threads"`
}

// ClockYAMLConfig holds cycle counter settings.
type ClockYAMLConfig struct {
	FrequencyMHz uint64 `yaml:"frequency_mhz"`
	Calibrate    bool   `yaml:"calibrate"`
}

// OutputYAMLConfig holds diagnostic file locations.
type OutputYAMLConfig struct {
	DiagnosticsFile string `yaml:"diagnostics_file"`
	ErrorFile       string `yaml:"error_file"`
}

// StatsYAMLConfig holds the metrics endpoint settings.
type StatsYAMLConfig struct {
	Address string `yaml:"address"`
}

// LoggingYAMLConfig holds logging settings.
type LoggingYAMLConfig struct {
	Level string `yaml:"level"`
}

// MemoryYAMLConfig holds memory limit settings.
type MemoryYAMLConfig struct {
	LimitRatio float64 `yaml:"limit_ratio"`
}

// TelemetryYAMLConfig holds OTLP self-monitoring settings.
type TelemetryYAMLConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	Protocol     string   `yaml:"protocol"`
	Insecure     *bool    `yaml:"insecure"`
	PushInterval Duration `yaml:"push_interval"`
}

// SimulationYAMLConfig holds the simulated workload.
type SimulationYAMLConfig struct {
	Threads    int      `yaml:"threads"`
	Modules    int      `yaml:"modules"`
	Regions    int      `yaml:"regions"`
	Duration   Duration `yaml:"duration"`
	Iterations int      `yaml:"iterations"`
	Cost       Duration `yaml:"cost"`
	Seed       *uint64  `yaml:"seed"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes. Environment variables in
// the document are expanded first.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults sets default values for unspecified fields.
func (y *YAMLConfig) ApplyDefaults() {
	d := DefaultConfig()

	if y.Budget.Percent == nil {
		p := d.BudgetPercent
		y.Budget.Percent = &p
	}
	if y.Budget.PeriodSeconds == 0 {
		y.Budget.PeriodSeconds = d.PeriodSeconds
	}
	if y.Budget.Timer == "" {
		y.Budget.Timer = d.Timer
	}
	if y.Budget.HistoryCapacity == 0 {
		y.Budget.HistoryCapacity = d.HistoryCapacity
	}

	if y.Redundancy.LogDir == "" {
		y.Redundancy.LogDir = d.LogDir
	}
	if y.Redundancy.MaxThreads == 0 {
		y.Redundancy.MaxThreads = d.MaxThreads
	}

	if y.Clock.FrequencyMHz == 0 {
		y.Clock.FrequencyMHz = d.CycleFrequencyMHz
	}

	if y.Output.DiagnosticsFile == "" {
		y.Output.DiagnosticsFile = d.DiagnosticsFile
	}
	if y.Output.ErrorFile == "" {
		y.Output.ErrorFile = d.ErrorFile
	}

	if y.Logging.Level == "" {
		y.Logging.Level = d.LogLevel
	}

	if y.Telemetry.Protocol == "" {
		y.Telemetry.Protocol = d.TelemetryProtocol
	}
	if y.Telemetry.Insecure == nil {
		insecure := d.TelemetryInsecure
		y.Telemetry.Insecure = &insecure
	}
	if y.Telemetry.PushInterval == 0 {
		y.Telemetry.PushInterval = Duration(d.TelemetryPushInterval)
	}

	if y.Simulation.Threads == 0 {
		y.Simulation.Threads = d.SimThreads
	}
	if y.Simulation.Modules == 0 {
		y.Simulation.Modules = d.SimModules
	}
	if y.Simulation.Regions == 0 {
		y.Simulation.Regions = d.SimRegions
	}
	if y.Simulation.Duration == 0 && y.Simulation.Iterations == 0 {
		y.Simulation.Duration = Duration(d.SimDuration)
	}
	if y.Simulation.Cost == 0 {
		y.Simulation.Cost = Duration(d.SimCost)
	}
	if y.Simulation.Seed == nil {
		seed := d.SimSeed
		y.Simulation.Seed = &seed
	}
}

// ToConfig converts the YAML layout to the flat Config.
func (y *YAMLConfig) ToConfig() *Config {
	cfg := DefaultConfig()

	cfg.BudgetPercent = *y.Budget.Percent
	cfg.PeriodSeconds = y.Budget.PeriodSeconds
	cfg.Timer = y.Budget.Timer
	cfg.HistoryCapacity = y.Budget.HistoryCapacity

	cfg.RunNumber = y.Redundancy.RunNumber
	cfg.LogDir = y.Redundancy.LogDir
	cfg.MaxThreads = y.Redundancy.MaxThreads

	cfg.CycleFrequencyMHz = y.Clock.FrequencyMHz
	cfg.CalibrateClock = y.Clock.Calibrate

	cfg.DiagnosticsFile = y.Output.DiagnosticsFile
	cfg.ErrorFile = y.Output.ErrorFile

	cfg.StatsAddr = y.Stats.Address
	cfg.LogLevel = y.Logging.Level
	cfg.MemoryLimitRatio = y.Memory.LimitRatio

	cfg.TelemetryEndpoint = y.Telemetry.Endpoint
	cfg.TelemetryProtocol = y.Telemetry.Protocol
	cfg.TelemetryInsecure = *y.Telemetry.Insecure
	cfg.TelemetryPushInterval = time.Duration(y.Telemetry.PushInterval)

	cfg.SimThreads = y.Simulation.Threads
	cfg.SimModules = y.Simulation.Modules
	cfg.SimRegions = y.Simulation.Regions
	cfg.SimDuration = time.Duration(y.Simulation.Duration)
	cfg.SimIterations = y.Simulation.Iterations
	cfg.SimCost = time.Duration(y.Simulation.Cost)
	cfg.SimSeed = *y.Simulation.Seed

	return cfg
}
