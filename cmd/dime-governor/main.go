package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/szibis/dime-governor/internal/clock"
	"github.com/szibis/dime-governor/internal/config"
	"github.com/szibis/dime-governor/internal/dime"
	"github.com/szibis/dime-governor/internal/engine/sim"
	"github.com/szibis/dime-governor/internal/health"
	"github.com/szibis/dime-governor/internal/logging"
	"github.com/szibis/dime-governor/internal/telemetry"
)

func main() {
	cfg := config.ParseFlags()

	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}
	if cfg.ValidateConfig != "" {
		result := config.ValidateFile(cfg.ValidateConfig)
		fmt.Println(result.JSON())
		if !result.Valid {
			os.Exit(1)
		}
		os.Exit(0)
	}
	if cfg.DumpLog != "" {
		if err := dumpLog(os.Stdout, cfg.DumpLog); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.SetLevel(level)
	logging.SetResource(map[string]string{
		"service.name":    "dime-governor",
		"service.version": config.Version(),
	})

	if cfg.MemoryLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.MemoryLimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			logging.Warn("failed to set memory limit", logging.F("error", err.Error()))
		} else {
			logging.Info("memory limit set", logging.F("limit_bytes", limit, "ratio", cfg.MemoryLimitRatio))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), "dime-governor", config.Version(), prometheus.DefaultGatherer)
	if err != nil {
		logging.Fatal("failed to initialize telemetry", logging.F("error", err.Error()))
	}
	if hook := tel.NewLogHook(); hook != nil {
		logging.SetHook(hook)
	}

	freq := cfg.CycleFrequencyMHz
	if cfg.CalibrateClock {
		freq = clock.Calibrate(100 * time.Millisecond)
		logging.Info("cycle counter calibrated", logging.F("frequency_mhz", freq))
	}
	clk := clock.NewCounter(freq)

	engine := sim.New(sim.DefaultChannels)
	dcfg := cfg.ControllerConfig()
	dcfg.Clock = clk
	ctrl, err := dime.Init(dcfg, engine)
	if err != nil {
		logging.Fatal("failed to initialize controller", logging.F("error", err.Error()))
	}
	engine.SetHooks(sim.ControllerHooks(ctrl))
	for _, c := range ctrl.Collectors() {
		prometheus.MustRegister(c)
	}

	checker := health.New()
	checker.Register("budget_timer", ctrl.InitError)
	checker.Register("controller", func() error {
		if ctrl.Stats().Finished {
			return errors.New("finalized")
		}
		return nil
	})

	var statsServer *http.Server
	if cfg.StatsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		checker.Mount(mux)
		statsServer = &http.Server{Addr: cfg.StatsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logging.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr, "path", "/metrics"))
			if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("stats server error", logging.F("error", err.Error()))
			}
		}()
	}

	logging.Info("dime-governor started", logging.F(
		"counter", clk.Name(),
		"frequency_mhz", clk.FrequencyMHz(),
		"timer", cfg.Timer,
		"stats_addr", cfg.StatsAddr,
		"telemetry", tel.Enabled(),
	))

	runCtx, cancelRun := context.WithCancel(ctx)
	go logStatsPeriodically(runCtx, ctrl, 10*time.Second)

	res, runErr := cfg.Workload().Run(runCtx, engine)
	cancelRun()
	if runErr != nil {
		logging.Error("workload failed", logging.F("error", runErr.Error()))
	}

	checker.SetShuttingDown()
	engine.Shutdown()
	logStats(ctrl, engine, res)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
	defer cancel()
	if statsServer != nil {
		_ = statsServer.Shutdown(shutdownCtx)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logging.Warn("telemetry shutdown error", logging.F("error", err.Error()))
	}
	logging.SetHook(nil)

	if runErr != nil {
		os.Exit(1)
	}
}

func logStatsPeriodically(ctx context.Context, ctrl *dime.Controller, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := ctrl.Stats()
			logging.Info("budget", logging.F(
				"remaining_ns", s.Budget.Remaining,
				"resets", s.Budget.Resets,
				"instrument_decisions", s.InstrumentDecisions,
				"base_decisions", s.BaseDecisions,
				"threads", s.Threads,
			))
		}
	}
}

func logStats(ctrl *dime.Controller, engine *sim.Engine, res sim.Result) {
	s := ctrl.Stats()
	es := engine.Stats()
	share := 0.0
	if res.Elapsed > 0 {
		share = float64(s.Budget.MeasuredNanos) / float64(res.Elapsed.Nanoseconds()*int64(max(es.Threads, 1)))
	}
	logging.Info("run summary", logging.F(
		"executions", res.Executions,
		"elapsed", res.Elapsed.String(),
		"analysis_calls", es.AnalysisCalls,
		"measured_ns", s.Budget.MeasuredNanos,
		"instrumented_share", share,
		"version_switches", es.Switches,
		"budget_resets", s.Budget.Resets,
		"distinct_regions", s.DistinctRegions,
		"seeded_regions", s.SeededRegions,
		"degraded", s.Degraded,
	))
}
