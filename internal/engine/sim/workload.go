package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/dime-governor/internal/dime"
	"github.com/szibis/dime-governor/internal/logging"
)

// Workload drives an engine with synthetic threads, each executing random
// regions of the loaded modules.
type Workload struct {
	Threads int
	Modules int
	Regions int // per module

	// Iterations per thread; 0 runs until Duration elapses or the context
	// is cancelled.
	Iterations int
	Duration   time.Duration

	// Cost is the busy time of one analysis payload.
	Cost time.Duration
	Seed uint64

	// Payload replaces the busy loop when set.
	Payload func(tid int, r dime.Region)
}

// Result summarizes a run.
type Result struct {
	Executions uint64
	Elapsed    time.Duration
}

// ModuleName returns the path of the i-th simulated module.
func ModuleName(i int) string {
	return fmt.Sprintf("/usr/lib/sim/libsim%d.so", i)
}

const (
	firstRegionOffset = 0x1000
	regionStride      = 0x40
)

// Layout returns the regions of every module. Addresses are offsets from the
// module's load base, so every module uses the same offsets.
func (w Workload) Layout() []dime.Region {
	regions := make([]dime.Region, 0, w.Modules*w.Regions)
	for m := 0; m < w.Modules; m++ {
		for r := 0; r < w.Regions; r++ {
			regions = append(regions, dime.Region{
				Addr:   firstRegionOffset + uint64(r)*regionStride,
				Size:   16 + uint64(r%4)*8,
				Module: ModuleName(m),
			})
		}
	}
	return regions
}

func (w Workload) validate() error {
	if w.Threads <= 0 || w.Modules <= 0 || w.Regions <= 0 {
		return fmt.Errorf("sim: workload needs threads, modules and regions (got %d/%d/%d)", w.Threads, w.Modules, w.Regions)
	}
	if w.Iterations <= 0 && w.Duration <= 0 {
		return fmt.Errorf("sim: workload needs iterations or a duration")
	}
	return nil
}

// Run starts the workload threads on e, loads every module on each and
// executes until done. It does not shut the engine down.
func (w Workload) Run(ctx context.Context, e *Engine) (Result, error) {
	if err := w.validate(); err != nil {
		return Result{}, err
	}
	regions := w.Layout()

	for tid := 0; tid < w.Threads; tid++ {
		if err := e.StartThread(tid); err != nil {
			return Result{}, err
		}
		for m := 0; m < w.Modules; m++ {
			e.LoadModule(tid, ModuleName(m))
		}
	}

	if w.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Duration)
		defer cancel()
	}

	logging.Info("workload started", logging.F(
		"threads", w.Threads,
		"modules", w.Modules,
		"regions", len(regions),
		"iterations", w.Iterations,
		"duration", w.Duration.String(),
		"cost", w.Cost.String(),
	))

	var executions atomic.Uint64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for tid := 0; tid < w.Threads; tid++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(w.Seed, uint64(tid)))
			var n uint64
			defer func() { executions.Add(n) }()
			for i := 0; w.Iterations <= 0 || i < w.Iterations; i++ {
				if gctx.Err() != nil {
					return nil
				}
				r := regions[rng.IntN(len(regions))]
				if err := e.Execute(tid, r, w.payload(tid, r)); err != nil {
					return err
				}
				n++
			}
			return nil
		})
	}
	err := g.Wait()
	res := Result{Executions: executions.Load(), Elapsed: time.Since(start)}
	if err != nil {
		return res, fmt.Errorf("sim: workload: %w", err)
	}
	logging.Info("workload finished", logging.F(
		"executions", res.Executions,
		"elapsed", res.Elapsed.String(),
	))
	return res, nil
}

func (w Workload) payload(tid int, r dime.Region) func() {
	if w.Payload != nil {
		return func() { w.Payload(tid, r) }
	}
	cost := w.Cost
	return func() { spin(cost) }
}

func spin(d time.Duration) {
	if d <= 0 {
		return
	}
	for start := time.Now(); time.Since(start) < d; {
	}
}
