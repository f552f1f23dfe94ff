// Package budget rations instrumentation cost: a per-period allowance of
// nanoseconds is spent by measured analysis callbacks and restored by a
// periodic timer.
//
// The remaining-budget counter is shared by every application thread and the
// timer without a lock. Updates are single atomic operations, but a decrement
// racing with a reset may land on either side of it. The budget is a
// throttle, not an accounting ledger, so that imprecision is accepted.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/dime-governor/internal/clock"
)

// DefaultHistoryCapacity holds one pre-reset value per second for a day.
const DefaultHistoryCapacity = 86400

// ErrAlreadyArmed is returned when Arm is called on an armed controller.
var ErrAlreadyArmed = errors.New("budget: timer already armed")

// Stamp is the counter value taken when a measurement starts.
type Stamp uint64

// Controller owns the budget counters.
type Controller struct {
	budget int64
	period time.Duration
	clock  clock.Clock

	remaining atomic.Int64

	// history is written only from the timer context; historyLen publishes
	// how many slots are valid to other readers.
	history        []int64
	historyLen     atomic.Int64
	historyDropped atomic.Uint64

	resets        atomic.Uint64
	measurements  atomic.Uint64
	measuredNanos atomic.Uint64

	mu    sync.Mutex
	timer Timer
}

// New creates a controller whose per-period allowance is percent of period.
func New(percent float64, period time.Duration, clk clock.Clock, historyCapacity int) (*Controller, error) {
	if percent < 0 || percent > 100 {
		return nil, fmt.Errorf("budget: percentage %v outside [0, 100]", percent)
	}
	if period <= 0 {
		return nil, fmt.Errorf("budget: period must be positive, got %s", period)
	}
	if clk == nil {
		clk = clock.NewCounter(clock.DefaultFrequencyMHz)
	}
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistoryCapacity
	}
	c := &Controller{
		budget:  int64(math.Round(percent * float64(period.Nanoseconds()) / 100)),
		period:  period,
		clock:   clk,
		history: make([]int64, historyCapacity),
	}
	c.remaining.Store(c.budget)
	return c, nil
}

// Budget returns the per-period allowance in nanoseconds.
func (c *Controller) Budget() int64 { return c.budget }

// Period returns the reset period.
func (c *Controller) Period() time.Duration { return c.period }

// Remaining returns the current remaining budget in nanoseconds. It goes
// negative when a period is overspent.
func (c *Controller) Remaining() int64 { return c.remaining.Load() }

// HasBudget reports whether instrumented work may still run this period.
// Called before every candidate region.
func (c *Controller) HasBudget() bool {
	return c.remaining.Load() > 0
}

// StartMeasurement marks the start of an analysis callback.
func (c *Controller) StartMeasurement() Stamp {
	return Stamp(c.clock.Now())
}

// EndMeasurement charges the time elapsed since start and returns it.
func (c *Controller) EndMeasurement(start Stamp) int64 {
	ns := c.clock.Nanos(uint64(start), c.clock.Now())
	c.Charge(ns)
	return ns
}

// Charge subtracts an externally measured cost.
func (c *Controller) Charge(ns int64) {
	if ns < 0 {
		return
	}
	c.remaining.Add(-ns)
	c.measurements.Add(1)
	c.measuredNanos.Add(uint64(ns))
}

// OnPeriodicTimer records the remaining budget and restores the allowance.
// Invoked from the timer context only.
func (c *Controller) OnPeriodicTimer() {
	n := c.historyLen.Load()
	if int(n) < len(c.history) {
		c.history[n] = c.remaining.Load()
		c.historyLen.Store(n + 1)
	} else {
		c.historyDropped.Add(1)
	}
	c.remaining.Store(c.budget)
	c.resets.Add(1)
}

// History returns a copy of the remaining-budget values recorded before each
// reset.
func (c *Controller) History() []int64 {
	n := c.historyLen.Load()
	out := make([]int64, n)
	copy(out, c.history[:n])
	return out
}

// Resets returns how many periodic resets happened.
func (c *Controller) Resets() uint64 { return c.resets.Load() }

// Arm starts delivering OnPeriodicTimer from t every period.
func (c *Controller) Arm(t Timer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		return ErrAlreadyArmed
	}
	if err := t.Start(c.period, c.OnPeriodicTimer); err != nil {
		return fmt.Errorf("budget: arm timer: %w", err)
	}
	c.timer = t
	return nil
}

// Armed reports whether a timer is delivering resets.
func (c *Controller) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Stop disarms the timer. Safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	t := c.timer
	c.timer = nil
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Snapshot is a point-in-time view for reporting.
type Snapshot struct {
	Budget         int64
	Remaining      int64
	Resets         uint64
	Measurements   uint64
	MeasuredNanos  uint64
	HistoryLen     int
	HistoryDropped uint64
}

// Snapshot returns the current counters.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		Budget:         c.budget,
		Remaining:      c.remaining.Load(),
		Resets:         c.resets.Load(),
		Measurements:   c.measurements.Load(),
		MeasuredNanos:  c.measuredNanos.Load(),
		HistoryLen:     int(c.historyLen.Load()),
		HistoryDropped: c.historyDropped.Load(),
	}
}
