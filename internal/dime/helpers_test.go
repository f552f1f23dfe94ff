package dime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/szibis/dime-governor/internal/clock"
	"github.com/szibis/dime-governor/internal/version"
)

type decision struct {
	region   Region
	channel  Channel
	provider version.DecisionProvider
}

type edge struct {
	region Region
	from   version.Version
	on     uint64
	to     version.Version
}

type fakeEngine struct {
	mu          sync.Mutex
	moduleLoad  func(tid int, module string)
	threadStart func(tid int)
	shutdown    func()
	claimErr    error
	claims      int
	decisions   []decision
	edges       []edge
}

func (e *fakeEngine) RegisterModuleLoadCallback(fn func(int, string)) { e.moduleLoad = fn }
func (e *fakeEngine) RegisterThreadStartCallback(fn func(int))        { e.threadStart = fn }
func (e *fakeEngine) RegisterShutdownCallback(fn func())              { e.shutdown = fn }

func (e *fakeEngine) ClaimDecisionChannel() (Channel, error) {
	if e.claimErr != nil {
		return 0, e.claimErr
	}
	e.claims++
	return Channel(e.claims), nil
}

func (e *fakeEngine) InsertDecision(r Region, ch Channel, p version.DecisionProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decisions = append(e.decisions, decision{r, ch, p})
}

func (e *fakeEngine) DeclareVersionTransition(r Region, from version.Version, on uint64, to version.Version) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edges = append(e.edges, edge{r, from, on, to})
}

// manualTimer fires only when the test says so.
type manualTimer struct {
	fire    func()
	stopped bool
}

func (m *manualTimer) Start(_ time.Duration, fire func()) error {
	m.fire = fire
	return nil
}

func (m *manualTimer) Stop() { m.stopped = true }

type failingTimer struct{}

func (failingTimer) Start(time.Duration, func()) error {
	return errors.New("setitimer: operation not permitted")
}

func (failingTimer) Stop() {}

// testConfig returns a 100000ns-per-second budget with files under a temp
// directory.
func testConfig(t *testing.T) (Config, *clock.Manual, *manualTimer) {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewManual(1000)
	tm := &manualTimer{}
	cfg := DefaultConfig()
	cfg.BudgetPercent = 0.01
	cfg.Clock = clk
	cfg.Timer = tm
	cfg.LogDir = dir
	cfg.DiagnosticsFile = dir + "/dime.log"
	cfg.ErrorFile = dir + "/error_dime.out"
	return cfg, clk, tm
}

func mustInit(t *testing.T, cfg Config, e *fakeEngine) *Controller {
	t.Helper()
	c, err := Init(cfg, e)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return c
}
