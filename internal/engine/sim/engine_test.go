package sim

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/szibis/dime-governor/internal/dime"
	"github.com/szibis/dime-governor/internal/version"
)

type switchProvider struct {
	v atomic.Uint64
}

func (p *switchProvider) Decide() uint64 { return p.v.Load() }

// versioningHooks mimics a tool that inserts p before every region and
// declares the edge out of the version being instrumented.
func versioningHooks(e *Engine, ch dime.Channel, p version.DecisionProvider, instrumented *int) Hooks {
	return Hooks{
		Instrument: func(r dime.Region, v version.Version) {
			*instrumented++
			e.InsertDecision(r, ch, p)
			for _, t := range version.Transitions(v) {
				e.DeclareVersionTransition(r, t.From, t.On, t.To)
			}
		},
	}
}

var testRegion = dime.Region{Addr: 0x1000, Size: 24, Module: "/bin/app"}

func TestClaimDecisionChannel(t *testing.T) {
	e := New(2)
	for want := 0; want < 2; want++ {
		ch, err := e.ClaimDecisionChannel()
		if err != nil {
			t.Fatal(err)
		}
		if int(ch) != want {
			t.Errorf("channel = %d, want %d", ch, want)
		}
	}
	if _, err := e.ClaimDecisionChannel(); !errors.Is(err, dime.ErrChannelUnavailable) {
		t.Errorf("error = %v, want ErrChannelUnavailable", err)
	}
}

func TestThreads(t *testing.T) {
	e := New(0)
	var started []int
	e.RegisterThreadStartCallback(func(tid int) { started = append(started, tid) })

	if err := e.StartThread(0); err != nil {
		t.Fatal(err)
	}
	if err := e.StartThread(0); !errors.Is(err, ErrThreadStarted) {
		t.Errorf("error = %v, want ErrThreadStarted", err)
	}
	if err := e.Execute(3, testRegion, nil); !errors.Is(err, ErrUnknownThread) {
		t.Errorf("error = %v, want ErrUnknownThread", err)
	}
	if len(started) != 1 || started[0] != 0 {
		t.Errorf("thread start callbacks = %v", started)
	}
	if v, _ := e.Version(0); v != version.Base {
		t.Errorf("threads start in %s", v)
	}
}

func TestExecute_FollowsDecisions(t *testing.T) {
	e := New(0)
	ch, _ := e.ClaimDecisionChannel()
	p := &switchProvider{}
	instrumented := 0
	e.SetHooks(versioningHooks(e, ch, p, &instrumented))
	if err := e.StartThread(0); err != nil {
		t.Fatal(err)
	}

	ran := 0
	payload := func() { ran++ }
	steps := []struct {
		decision uint64
		want     version.Version
		wantRan  int
	}{
		{0, version.Base, 0},
		{1, version.Instrumented, 1},
		{1, version.Instrumented, 2},
		{0, version.Base, 2},
		{0, version.Base, 2},
		{1, version.Instrumented, 3},
	}
	for i, s := range steps {
		p.v.Store(s.decision)
		if err := e.Execute(0, testRegion, payload); err != nil {
			t.Fatal(err)
		}
		v, _ := e.Version(0)
		if v != s.want || ran != s.wantRan {
			t.Errorf("step %d: version %s ran %d, want %s ran %d", i, v, ran, s.want, s.wantRan)
		}
		got, _ := e.ChannelValue(0, ch)
		if got != s.decision {
			t.Errorf("step %d: channel holds %d, want %d", i, got, s.decision)
		}
	}

	if instrumented != 2 {
		t.Errorf("region instrumented %d times, want once per version", instrumented)
	}
	st := e.Stats()
	if st.Traces != 2 || st.Switches != 3 || st.Executions != 6 || st.AnalysisCalls != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestDecisionsOutsideInstrumentationDropped(t *testing.T) {
	e := New(0)
	e.InsertDecision(testRegion, 0, &switchProvider{})
	e.DeclareVersionTransition(testRegion, version.Base, 1, version.Instrumented)
	if e.Stats().DroppedRequests != 2 {
		t.Errorf("DroppedRequests = %d, want 2", e.Stats().DroppedRequests)
	}
}

func TestTransitionFromOtherVersionDropped(t *testing.T) {
	e := New(0)
	e.SetHooks(Hooks{Instrument: func(r dime.Region, v version.Version) {
		e.DeclareVersionTransition(r, version.Instrumented, 0, version.Base)
	}})
	if err := e.StartThread(0); err != nil {
		t.Fatal(err)
	}
	if err := e.Execute(0, testRegion, nil); err != nil {
		t.Fatal(err)
	}
	if e.Stats().DroppedRequests != 1 {
		t.Error("an edge leaving another version must be dropped")
	}
}

func TestModuleLoadAndShutdownCallbacks(t *testing.T) {
	e := New(0)
	var loads []string
	shutdowns := 0
	e.RegisterModuleLoadCallback(func(tid int, m string) { loads = append(loads, m) })
	e.RegisterShutdownCallback(func() { shutdowns++ })

	e.LoadModule(0, "/lib/a.so")
	e.LoadModule(0, "/lib/b.so")
	e.Shutdown()
	e.Shutdown()

	if len(loads) != 2 || loads[1] != "/lib/b.so" {
		t.Errorf("module loads = %v", loads)
	}
	if shutdowns != 1 {
		t.Errorf("shutdown callbacks ran %d times, want 1", shutdowns)
	}
	if e.Stats().ModulesLoaded != 2 {
		t.Error("ModulesLoaded not counted")
	}
}
