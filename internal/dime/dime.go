// Package dime is the runtime-adaptive sampling controller. It keeps the
// cost of instrumentation under a fixed share of execution time by telling
// the engine, region by region, whether to run the instrumented or the base
// version of the code.
//
// Hot-path operations (SwitchVersion, StartTime, EndTime, CompareToLog,
// ModifyLog) never return errors. Initialization problems that only degrade
// throttling are written to the error file and the controller keeps running.
package dime

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/hyperloglog"

	"github.com/szibis/dime-governor/internal/budget"
	"github.com/szibis/dime-governor/internal/clock"
	"github.com/szibis/dime-governor/internal/logging"
	"github.com/szibis/dime-governor/internal/redundancy"
	"github.com/szibis/dime-governor/internal/registry"
	"github.com/szibis/dime-governor/internal/version"
)

// Config holds controller settings.
type Config struct {
	BudgetPercent float64
	Period        time.Duration

	// RunNumber 0 disables redundancy suppression. Values above 1 reuse the
	// logs persisted by the previous run.
	RunNumber int

	Clock clock.Clock // nil: cycle counter at the default frequency

	// Timer overrides TimerKind when set.
	Timer     budget.Timer
	TimerKind string

	HistoryCapacity int
	MaxThreads      int

	LogDir          string
	DiagnosticsFile string // empty: no diagnostics written
	ErrorFile       string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BudgetPercent:   10,
		Period:          time.Second,
		TimerKind:       budget.TimerInterval,
		HistoryCapacity: budget.DefaultHistoryCapacity,
		MaxThreads:      registry.DefaultMaxThreads,
		LogDir:          ".",
		DiagnosticsFile: "dime.log",
		ErrorFile:       "error_dime.out",
	}
}

// Controller ties the budget, version selector and per-thread logs to an
// engine.
type Controller struct {
	cfg      Config
	engine   Engine
	budget   *budget.Controller
	selector *version.Selector
	threads  *registry.Registry
	channel  Channel

	degraded bool
	initErr  error

	// stamp for threads the registry could not hold
	sharedStamp  atomic.Uint64
	unregistered atomic.Uint64

	seededRegions atomic.Int64

	finiOnce sync.Once
	finiErr  error
	finished atomic.Bool
	distinct atomic.Uint64
}

// Init builds a controller and registers it with engine. It fails only on
// invalid configuration or when the engine has no decision channel; a timer
// that cannot be armed leaves the controller degraded instead.
func Init(cfg Config, engine Engine) (*Controller, error) {
	if engine == nil {
		return nil, errors.New("dime: nil engine")
	}
	if cfg.RunNumber < 0 {
		return nil, fmt.Errorf("dime: run number must be >= 0, got %d", cfg.RunNumber)
	}
	bc, err := budget.New(cfg.BudgetPercent, cfg.Period, cfg.Clock, cfg.HistoryCapacity)
	if err != nil {
		return nil, fmt.Errorf("dime: %w", err)
	}
	timer := cfg.Timer
	if timer == nil {
		if timer, err = budget.NewTimer(cfg.TimerKind); err != nil {
			return nil, fmt.Errorf("dime: %w", err)
		}
	}
	ch, err := engine.ClaimDecisionChannel()
	if err != nil {
		return nil, fmt.Errorf("dime: claim decision channel: %w", err)
	}

	c := &Controller{
		cfg:      cfg,
		engine:   engine,
		budget:   bc,
		selector: version.NewSelector(bc),
		threads:  registry.New(cfg.MaxThreads),
		channel:  ch,
	}

	if err := bc.Arm(timer); err != nil {
		c.degraded = true
		c.initErr = err
		c.writeInitError(err)
		logging.Error("budget timer unavailable, running without periodic reset", logging.F(
			"error", err.Error(),
			"timer", cfg.TimerKind,
			"error_file", cfg.ErrorFile,
		))
	}

	engine.RegisterModuleLoadCallback(c.onModuleLoad)
	engine.RegisterThreadStartCallback(c.onThreadStart)
	engine.RegisterShutdownCallback(c.onShutdown)

	logging.Info("dime controller initialized", logging.F(
		"budget_ns", bc.Budget(),
		"period", cfg.Period.String(),
		"budget_percent", cfg.BudgetPercent,
		"run_number", cfg.RunNumber,
		"suppression", c.SuppressionEnabled(),
		"degraded", c.degraded,
	))
	return c, nil
}

func (c *Controller) writeInitError(cause error) {
	if c.cfg.ErrorFile == "" {
		return
	}
	msg := fmt.Sprintf("Dime initialization failed!\n%v\n", cause)
	if err := os.WriteFile(c.cfg.ErrorFile, []byte(msg), 0o644); err != nil {
		logging.Warn("failed to write init error file", logging.F("path", c.cfg.ErrorFile, "error", err.Error()))
	}
}

// Degraded reports whether the budget is never reset because the timer
// could not be armed.
func (c *Controller) Degraded() bool { return c.degraded }

// InitError returns the timer failure behind Degraded, if any.
func (c *Controller) InitError() error { return c.initErr }

// SuppressionEnabled reports whether redundancy suppression is on.
func (c *Controller) SuppressionEnabled() bool { return c.cfg.RunNumber > 0 }

// Budget exposes the budget controller.
func (c *Controller) Budget() *budget.Controller { return c.budget }

// Selector exposes the decision provider handed to the engine.
func (c *Controller) Selector() *version.Selector { return c.selector }

// Threads exposes the thread registry.
func (c *Controller) Threads() *registry.Registry { return c.threads }

// Channel returns the claimed decision channel.
func (c *Controller) Channel() Channel { return c.channel }

// SwitchVersion is called by the engine while instrumenting region in its
// current version. It inserts the budget check before the region and
// declares the edge leaving current.
func (c *Controller) SwitchVersion(region Region, current version.Version) {
	c.engine.InsertDecision(region, c.channel, c.selector)
	for _, t := range version.Transitions(current) {
		c.engine.DeclareVersionTransition(region, t.From, t.On, t.To)
	}
}

// StartTime marks the start of an analysis callback on thread tid.
func (c *Controller) StartTime(tid int) {
	s := c.budget.StartMeasurement()
	if td := c.threads.Get(tid); td != nil {
		td.MeasureStart = s
		return
	}
	c.sharedStamp.Store(uint64(s))
}

// EndTime charges the time since the matching StartTime to the budget.
func (c *Controller) EndTime(tid int) {
	if td := c.threads.Get(tid); td != nil {
		c.budget.EndMeasurement(td.MeasureStart)
		return
	}
	c.budget.EndMeasurement(budget.Stamp(c.sharedStamp.Load()))
}

// CompareToLog reports whether region key of module still needs processing
// on thread tid. Always true while suppression is off.
func (c *Controller) CompareToLog(tid int, key redundancy.RegionKey, module string) bool {
	if !c.SuppressionEnabled() {
		return true
	}
	td := c.threads.Get(tid)
	if td == nil {
		return true
	}
	return td.Log.ShouldProcess(key, module)
}

// ModifyLog records that key moved to v on thread tid.
func (c *Controller) ModifyLog(tid int, key redundancy.RegionKey, module string, v version.Version) {
	if !c.SuppressionEnabled() {
		return
	}
	if td := c.threads.Get(tid); td != nil {
		td.Log.RecordProcessed(key, module, v)
	}
}

func (c *Controller) onThreadStart(tid int) {
	if _, err := c.threads.OnThreadStart(tid); err != nil {
		c.unregistered.Add(1)
		logging.Warn("thread not tracked, running without a log", logging.F("tid", tid, "error", err.Error()))
	}
}

func (c *Controller) onModuleLoad(tid int, module string) {
	if c.cfg.RunNumber <= 1 {
		return
	}
	td := c.threads.Get(tid)
	if td == nil {
		return
	}
	entries, err := redundancy.Load(c.cfg.LogDir, tid, module)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug("no persisted log for module", logging.F("tid", tid, "module", module))
		} else {
			logging.Warn("failed to load persisted log, processing module from scratch", logging.F(
				"tid", tid,
				"module", module,
				"error", err.Error(),
			))
		}
		return
	}
	td.Log.Seed(module, entries)
	c.seededRegions.Add(int64(len(entries)))
	logging.Debug("persisted log loaded", logging.F("tid", tid, "module", module, "regions", len(entries)))
}

func (c *Controller) onShutdown() {
	if err := c.Fini(); err != nil {
		logging.Error("dime finalization failed", logging.F("error", err.Error()))
	}
}

// Fini stops the timer, writes diagnostics and persists the logs. All
// threads must have stopped recording before it runs. Later calls return the
// first call's result.
func (c *Controller) Fini() error {
	c.finiOnce.Do(func() {
		c.finiErr = c.fini()
		c.finished.Store(true)
	})
	return c.finiErr
}

func (c *Controller) fini() error {
	c.budget.Stop()

	sketch := hyperloglog.New()
	c.threads.Each(func(td *registry.ThreadData) {
		if err := redundancy.MergeDistinct(sketch, td.Log); err != nil {
			logging.Warn("failed to merge region sketch", logging.F("tid", td.Ordinal, "error", err.Error()))
		}
	})
	c.distinct.Store(sketch.Estimate())

	var errs []error
	if err := c.writeDiagnostics(); err != nil {
		errs = append(errs, err)
	}
	if c.SuppressionEnabled() {
		if err := c.persistLogs(); err != nil {
			errs = append(errs, err)
		}
	}

	snap := c.budget.Snapshot()
	logging.Info("dime controller finished", logging.F(
		"resets", snap.Resets,
		"measurements", snap.Measurements,
		"instrument_decisions", c.selector.Granted(),
		"base_decisions", c.selector.Exhaustions(),
		"threads", c.threads.Count(),
		"distinct_regions", c.distinct.Load(),
	))
	return errors.Join(errs...)
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Budget              budget.Snapshot
	InstrumentDecisions uint64
	BaseDecisions       uint64
	Threads             int
	UnregisteredThreads uint64
	SeededRegions       int64
	Degraded            bool
	Finished            bool

	// DistinctRegions is estimated at Fini; zero before.
	DistinctRegions uint64
}

// Stats returns current counters. Safe to call from any goroutine.
func (c *Controller) Stats() Stats {
	return Stats{
		Budget:              c.budget.Snapshot(),
		InstrumentDecisions: c.selector.Granted(),
		BaseDecisions:       c.selector.Exhaustions(),
		Threads:             c.threads.Count(),
		UnregisteredThreads: c.unregistered.Load(),
		SeededRegions:       c.seededRegions.Load(),
		Degraded:            c.degraded,
		Finished:            c.finished.Load(),
		DistinctRegions:     c.distinct.Load(),
	}
}
