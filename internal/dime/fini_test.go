package dime

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/szibis/dime-governor/internal/redundancy"
	"github.com/szibis/dime-governor/internal/version"
)

func TestFini_WritesBudgetHistory(t *testing.T) {
	cfg, clk, tm := testConfig(t)
	cfg.Period = 1500 * time.Millisecond
	c := mustInit(t, cfg, &fakeEngine{})

	c.StartTime(0)
	clk.Advance(40 * time.Microsecond)
	c.EndTime(0)
	tm.fire() // remaining 110000 recorded

	c.StartTime(0)
	clk.Advance(200 * time.Microsecond)
	c.EndTime(0)
	tm.fire() // remaining -50000 recorded

	if err := c.Fini(); err != nil {
		t.Fatalf("Fini: %v", err)
	}
	if !tm.stopped {
		t.Error("Fini must stop the timer")
	}

	data, err := os.ReadFile(cfg.DiagnosticsFile)
	if err != nil {
		t.Fatal(err)
	}
	want := "#begin (BUDGET = 150000ns)\n" +
		"#Interval = 1 sec + 500000 usec\n" +
		"110000\n" +
		"-50000\n" +
		"#eof\n"
	if string(data) != want {
		t.Errorf("diagnostics =\n%s\nwant\n%s", data, want)
	}
}

func TestFini_Idempotent(t *testing.T) {
	cfg, _, _ := testConfig(t)
	e := &fakeEngine{}
	c := mustInit(t, cfg, e)

	if err := c.Fini(); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(cfg.DiagnosticsFile); err != nil {
		t.Fatal(err)
	}
	e.shutdown()
	if err := c.Fini(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.DiagnosticsFile); !os.IsNotExist(err) {
		t.Error("second Fini must not rewrite diagnostics")
	}
	if !c.Stats().Finished {
		t.Error("Stats should report finished")
	}
}

func TestWriteDiagnostics_IncludesEmptyHistory(t *testing.T) {
	cfg, _, _ := testConfig(t)
	c := mustInit(t, cfg, &fakeEngine{})
	var buf bytes.Buffer
	if err := c.WriteDiagnostics(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "#begin (BUDGET = 100000ns)\n#Interval = 1 sec + 0 usec\n#eof\n" {
		t.Errorf("unexpected diagnostics %q", buf.String())
	}
}

func TestFini_PersistsAndNextRunReloads(t *testing.T) {
	const libc = "/usr/lib/x86_64-linux-gnu/libc.so.6"
	a := redundancy.RegionKey{Addr: 0x100, Size: 4}
	b := redundancy.RegionKey{Addr: 0x200, Size: 8}

	cfg, _, _ := testConfig(t)
	cfg.RunNumber = 1
	e := &fakeEngine{}
	c := mustInit(t, cfg, e)
	e.threadStart(1)
	e.moduleLoad(1, libc) // run 1 has nothing to load
	c.ModifyLog(1, a, libc, version.Instrumented)
	c.ModifyLog(1, b, libc, version.Instrumented)
	c.ModifyLog(0, a, "app", version.Instrumented)
	if err := c.Fini(); err != nil {
		t.Fatalf("Fini: %v", err)
	}
	if d := c.Stats().DistinctRegions; d < 2 || d > 4 {
		t.Errorf("DistinctRegions = %d, want about 3", d)
	}

	for _, name := range []string{"1_libc.so.6.log", "0_app.log"} {
		if _, err := os.Stat(filepath.Join(cfg.LogDir, name)); err != nil {
			t.Errorf("expected persisted %s: %v", name, err)
		}
	}

	cfg2, _, _ := testConfig(t)
	cfg2.LogDir = cfg.LogDir
	cfg2.RunNumber = 2
	e2 := &fakeEngine{}
	c2 := mustInit(t, cfg2, e2)
	e2.threadStart(1)
	e2.moduleLoad(1, libc)
	e2.moduleLoad(1, "/opt/missing.so")

	if c2.CompareToLog(1, a, libc) || c2.CompareToLog(1, b, libc) {
		t.Error("regions from the previous run must be suppressed")
	}
	if !c2.CompareToLog(1, redundancy.RegionKey{Addr: 0x300, Size: 1}, libc) {
		t.Error("new region must be processed")
	}
	got := c2.Threads().Get(1).Log.Module(libc).Entries()
	if len(got) != 2 || got[0x100] != 4 || got[0x200] != 8 {
		t.Errorf("reloaded entries = %v", got)
	}
	if c2.Stats().SeededRegions != 2 {
		t.Errorf("SeededRegions = %d, want 2", c2.Stats().SeededRegions)
	}
}

func TestFini_RunOneDoesNotReload(t *testing.T) {
	cfg, _, _ := testConfig(t)
	cfg.RunNumber = 1
	if err := os.WriteFile(filepath.Join(cfg.LogDir, "0_app.log"), []byte("16 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := &fakeEngine{}
	c := mustInit(t, cfg, e)
	e.moduleLoad(0, "app")
	if !c.CompareToLog(0, redundancy.RegionKey{Addr: 16, Size: 4}, "app") {
		t.Error("run 1 must not reuse persisted logs")
	}
}

func TestFini_NoPersistenceWhenDisabled(t *testing.T) {
	cfg, _, _ := testConfig(t)
	c := mustInit(t, cfg, &fakeEngine{})
	if err := c.Fini(); err != nil {
		t.Fatal(err)
	}
	matches, _ := filepath.Glob(filepath.Join(cfg.LogDir, "*_*.log"))
	if len(matches) != 0 {
		t.Errorf("no logs expected with suppression disabled, found %v", matches)
	}
}

func TestFini_PersistFailureReported(t *testing.T) {
	cfg, _, _ := testConfig(t)
	cfg.RunNumber = 1
	blocker := filepath.Join(cfg.LogDir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.LogDir = filepath.Join(blocker, "logs")
	c := mustInit(t, cfg, &fakeEngine{})
	c.ModifyLog(0, redundancy.RegionKey{Addr: 1, Size: 1}, "app", version.Instrumented)

	err := c.Fini()
	if err == nil || !strings.Contains(err.Error(), "persist logs") {
		t.Errorf("expected persistence error, got %v", err)
	}
}

func TestCollectors(t *testing.T) {
	cfg, _, _ := testConfig(t)
	e := &fakeEngine{}
	c := mustInit(t, cfg, e)
	e.threadStart(1)

	reg := prometheus.NewRegistry()
	for _, col := range c.Collectors() {
		reg.MustRegister(col)
	}
	expected := `
# HELP dime_threads Threads registered with the controller
# TYPE dime_threads gauge
dime_threads 2
# HELP dime_degraded 1 if the budget timer could not be armed
# TYPE dime_degraded gauge
dime_degraded 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "dime_threads", "dime_degraded"); err != nil {
		t.Error(err)
	}
}

func TestIntervalTimerNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg, _, _ := testConfig(t)
	cfg.Timer = nil
	cfg.TimerKind = "interval"
	cfg.Period = 5 * time.Millisecond
	c := mustInit(t, cfg, &fakeEngine{})

	deadline := time.Now().Add(2 * time.Second)
	for c.Budget().Resets() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := c.Fini(); err != nil {
		t.Fatal(err)
	}
	if c.Budget().Resets() < 2 {
		t.Errorf("expected periodic resets, got %d", c.Budget().Resets())
	}
}
