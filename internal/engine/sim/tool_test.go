package sim

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/szibis/dime-governor/internal/clock"
	"github.com/szibis/dime-governor/internal/dime"
	"github.com/szibis/dime-governor/internal/version"
)

type stubTimer struct {
	fire func()
}

func (s *stubTimer) Start(_ time.Duration, fire func()) error {
	s.fire = fire
	return nil
}

func (s *stubTimer) Stop() {}

// newControlled wires a controller with a 100000ns-per-second budget to a
// fresh engine.
func newControlled(t *testing.T, dir string, run int) (*Engine, *dime.Controller, *clock.Manual, *stubTimer) {
	t.Helper()
	clk := clock.NewManual(1000)
	tm := &stubTimer{}
	cfg := dime.DefaultConfig()
	cfg.BudgetPercent = 0.01
	cfg.Clock = clk
	cfg.Timer = tm
	cfg.RunNumber = run
	cfg.LogDir = dir
	cfg.DiagnosticsFile = filepath.Join(dir, "dime.log")
	cfg.ErrorFile = filepath.Join(dir, "error_dime.out")

	e := New(0)
	c, err := dime.Init(cfg, e)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	e.SetHooks(ControllerHooks(c))
	return e, c, clk, tm
}

func TestControllerThrottlesInstrumentation(t *testing.T) {
	e, c, clk, tm := newControlled(t, t.TempDir(), 0)
	if err := e.StartThread(0); err != nil {
		t.Fatal(err)
	}

	ran := 0
	payload := func() {
		ran++
		clk.Advance(30 * time.Microsecond)
	}
	exec := func() version.Version {
		t.Helper()
		if err := e.Execute(0, testRegion, payload); err != nil {
			t.Fatal(err)
		}
		v, _ := e.Version(0)
		return v
	}

	// 100000ns buys four 30000ns payloads before the budget goes negative.
	for i := 0; i < 4; i++ {
		if v := exec(); v != version.Instrumented {
			t.Fatalf("execution %d ran %s, want instrumented", i, v)
		}
	}
	if c.Budget().Remaining() != -20_000 {
		t.Errorf("Remaining() = %d, want -20000", c.Budget().Remaining())
	}
	if v := exec(); v != version.Base {
		t.Fatalf("exhausted budget must fall back to base, got %s", v)
	}
	if v := exec(); v != version.Base {
		t.Fatalf("base must stay base without budget, got %s", v)
	}
	if ran != 4 {
		t.Errorf("payload ran %d times, want 4", ran)
	}

	tm.fire()
	if v := exec(); v != version.Instrumented || ran != 5 {
		t.Errorf("after reset: version %s ran %d, want instrumented and 5", v, ran)
	}

	s := c.Stats()
	if s.InstrumentDecisions != 5 || s.BaseDecisions != 2 {
		t.Errorf("decisions instrument=%d base=%d, want 5 and 2", s.InstrumentDecisions, s.BaseDecisions)
	}
	if got := c.Budget().History(); len(got) != 1 || got[0] != -20_000 {
		t.Errorf("History() = %v, want [-20000]", got)
	}
}

func TestControllerSuppressesAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	other := dime.Region{Addr: 0x1100, Size: 8, Module: "/bin/app"}

	e, c, _, _ := newControlled(t, dir, 1)
	if err := e.StartThread(0); err != nil {
		t.Fatal(err)
	}
	e.LoadModule(0, "/bin/app")
	ran := 0
	for i := 0; i < 5; i++ {
		if err := e.Execute(0, testRegion, func() { ran++ }); err != nil {
			t.Fatal(err)
		}
	}
	if ran != 1 {
		t.Errorf("logged region processed %d times, want 1", ran)
	}
	e.Shutdown()
	if !c.Stats().Finished {
		t.Fatal("shutdown must finalize the controller")
	}
	if _, err := os.Stat(filepath.Join(dir, "0_app.log")); err != nil {
		t.Fatalf("log not persisted: %v", err)
	}

	e2, c2, _, _ := newControlled(t, dir, 2)
	if err := e2.StartThread(0); err != nil {
		t.Fatal(err)
	}
	e2.LoadModule(0, "/bin/app")
	ran = 0
	for _, r := range []dime.Region{testRegion, testRegion, other} {
		if err := e2.Execute(0, r, func() { ran++ }); err != nil {
			t.Fatal(err)
		}
	}
	if ran != 1 {
		t.Errorf("second run processed %d regions, want only the new one", ran)
	}
	if c2.Stats().SeededRegions != 1 {
		t.Errorf("SeededRegions = %d, want 1", c2.Stats().SeededRegions)
	}
}
