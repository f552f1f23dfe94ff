package version

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		current   Version
		hasBudget bool
		want      Version
	}{
		{Base, true, Instrumented},
		{Base, false, Base},
		{Instrumented, false, Base},
		{Instrumented, true, Instrumented},
	}
	for _, tt := range tests {
		if got := Decide(tt.current, tt.hasBudget); got != tt.want {
			t.Errorf("Decide(%s, %v) = %s, want %s", tt.current, tt.hasBudget, got, tt.want)
		}
	}
}

func TestTransitions(t *testing.T) {
	base := Transitions(Base)
	if len(base) != 1 || base[0] != (Transition{From: Base, On: HasBudget, To: Instrumented}) {
		t.Errorf("Transitions(Base) = %+v", base)
	}
	inst := Transitions(Instrumented)
	if len(inst) != 1 || inst[0] != (Transition{From: Instrumented, On: NoBudget, To: Base}) {
		t.Errorf("Transitions(Instrumented) = %+v", inst)
	}
	if got := Transitions(Version(7)); got != nil {
		t.Errorf("unknown version should declare no edges, got %+v", got)
	}
}

func TestNextUnknownVersionStays(t *testing.T) {
	if got := Next(Version(9), HasBudget); got != Version(9) {
		t.Errorf("Next on unknown version = %s", got)
	}
}

func TestOscillation(t *testing.T) {
	v := Base
	pattern := []bool{true, true, false, false, true, false}
	want := []Version{Instrumented, Instrumented, Base, Base, Instrumented, Base}
	for i, b := range pattern {
		v = Decide(v, b)
		if v != want[i] {
			t.Fatalf("step %d: got %s, want %s", i, v, want[i])
		}
	}
}

func TestString(t *testing.T) {
	if Base.String() != "base" || Instrumented.String() != "instrumented" {
		t.Error("unexpected version names")
	}
	if !strings.Contains(Version(5).String(), "5") {
		t.Errorf("unknown version string %q", Version(5).String())
	}
}

type flipGate struct{ ok bool }

func (g *flipGate) HasBudget() bool { return g.ok }

func TestSelector(t *testing.T) {
	g := &flipGate{ok: true}
	s := NewSelector(g)
	if s.Decide() != HasBudget {
		t.Error("expected HasBudget")
	}
	g.ok = false
	if s.Decide() != NoBudget || s.Decide() != NoBudget {
		t.Error("expected NoBudget")
	}
	if s.Granted() != 1 || s.Exhaustions() != 2 {
		t.Errorf("granted=%d exhaustions=%d, want 1 and 2", s.Granted(), s.Exhaustions())
	}

	expected := `
# HELP dime_version_decisions_total Version decisions handed to the engine, by outcome
# TYPE dime_version_decisions_total counter
dime_version_decisions_total{decision="base"} 2
dime_version_decisions_total{decision="instrument"} 1
`
	if err := testutil.CollectAndCompare(s, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
}
