package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/szibis/dime-governor/internal/budget"
	"github.com/szibis/dime-governor/internal/logging"
)

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.BudgetPercent < 0 || c.BudgetPercent > 100 {
		add("budget-percent must be between 0 and 100, got %v", c.BudgetPercent)
	}
	if c.PeriodSeconds <= 0 || c.Period() <= 0 {
		add("period must be positive, got %v", c.PeriodSeconds)
	}
	if c.RunNumber < 0 {
		add("run-number must be >= 0, got %d", c.RunNumber)
	}
	if c.CycleFrequencyMHz == 0 && !c.CalibrateClock {
		add("cycle-frequency-mhz must be positive")
	}
	if c.Timer != budget.TimerInterval && c.Timer != budget.TimerCPU {
		add("timer must be %q or %q, got %q", budget.TimerInterval, budget.TimerCPU, c.Timer)
	}
	if c.HistoryCapacity <= 0 {
		add("history-capacity must be positive, got %d", c.HistoryCapacity)
	}
	if c.MaxThreads <= 0 {
		add("max-threads must be positive, got %d", c.MaxThreads)
	}
	if c.RunNumber > 0 && c.LogDir == "" {
		add("log-dir must be set when run-number > 0")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("log-level is invalid: %v", err)
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		add("memory-limit-ratio must be between 0.0 and 1.0, got %v", c.MemoryLimitRatio)
	}
	if c.TelemetryProtocol != "grpc" && c.TelemetryProtocol != "http" {
		add("telemetry-protocol must be grpc or http, got %q", c.TelemetryProtocol)
	}
	if c.TelemetryEndpoint != "" && c.TelemetryPushInterval <= 0 {
		add("telemetry-push-interval must be positive, got %s", c.TelemetryPushInterval)
	}
	if c.SimThreads <= 0 || c.SimModules <= 0 || c.SimRegions <= 0 {
		add("sim-threads, sim-modules and sim-regions must be positive")
	}
	if c.SimThreads > c.MaxThreads {
		add("sim-threads must not exceed max-threads (%d > %d)", c.SimThreads, c.MaxThreads)
	}
	if c.SimIterations < 0 {
		add("sim-iterations must be >= 0, got %d", c.SimIterations)
	}
	if c.SimIterations == 0 && c.SimDuration <= 0 {
		add("sim-duration must be positive when sim-iterations is 0")
	}
	if c.SimCost < 0 {
		add("sim-cost must be >= 0, got %s", c.SimCost)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New("configuration validation failed:\n  - " + strings.Join(errs, "\n  - "))
}

// ValidateFile loads a YAML config file and validates it, returning structured results.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{
		Valid: true,
		File:  path,
	}

	info, err := os.Stat(path)
	if err != nil {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityError,
			Field:    "file",
			Message:  fmt.Sprintf("cannot access file: %v", err),
		})
		return result
	}
	if info.IsDir() {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityError,
			Field:    "file",
			Message:  "path is a directory, expected a file",
		})
		return result
	}

	yamlCfg, err := LoadYAML(path)
	if err != nil {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityError,
			Field:    "yaml",
			Message:  fmt.Sprintf("YAML parse error: %v", err),
		})
		return result
	}

	cfg := yamlCfg.ToConfig()
	cfg.ConfigFile = path

	if err := cfg.Validate(); err != nil {
		result.Valid = false
		msg := err.Error()
		prefix := "configuration validation failed:\n  - "
		if strings.HasPrefix(msg, prefix) {
			for _, item := range strings.Split(strings.TrimPrefix(msg, prefix), "\n  - ") {
				field, message := parseValidationError(item)
				result.Issues = append(result.Issues, ValidationIssue{
					Severity: SeverityError,
					Field:    field,
					Message:  message,
				})
			}
		} else {
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityError,
				Field:    "config",
				Message:  msg,
			})
		}
	}

	addWarnings(cfg, result)
	return result
}

// parseValidationError extracts field and message from a validation error string.
// e.g. "memory-limit-ratio must be between 0.0 and 1.0, got 2.0" → field="memory-limit-ratio", message=...
func parseValidationError(s string) (string, string) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{" must ", " is ", " should "} {
		if idx := strings.Index(s, sep); idx > 0 {
			field := s[:idx]
			if !strings.Contains(field, " ") {
				return field, s
			}
		}
	}
	return "config", s
}

// addWarnings checks for non-fatal issues that are worth flagging.
func addWarnings(cfg *Config, result *ValidationResult) {
	if cfg.BudgetPercent == 0 {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    "budget.percent",
			Message:  "zero budget never runs instrumented code",
		})
	}
	if cfg.BudgetPercent > 50 {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    "budget.percent",
			Message:  fmt.Sprintf("budget of %v%% leaves little room for the base version", cfg.BudgetPercent),
		})
	}
	// Cycle deltas are read from the low 32 bits of the counter.
	if cfg.CycleFrequencyMHz > 0 && cfg.SimCost > 0 {
		wrap := float64(uint64(1)<<32) / float64(cfg.CycleFrequencyMHz) / 1e6
		if cfg.SimCost.Seconds() >= wrap {
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityWarning,
				Field:    "simulation.cost",
				Message:  fmt.Sprintf("callback cost %s exceeds the %0.2fs counter wrap and will be mismeasured", cfg.SimCost, wrap),
			})
		}
	}
	if cfg.RunNumber > 1 {
		if _, err := os.Stat(cfg.LogDir); err != nil {
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityWarning,
				Field:    "redundancy.log_dir",
				Message:  fmt.Sprintf("no persisted logs to reuse: %v", err),
			})
		}
	}
}
