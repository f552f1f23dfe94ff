// Package version decides which code version a region runs: the cheap base
// version or the instrumented one.
//
// Each region is a two-state machine (Base, Instrumented) starting in Base.
// The engine evaluates a decision value before the region and follows the
// declared edge matching it: Base moves to Instrumented on 1, Instrumented
// falls back to Base on 0. Neither state is terminal.
package version

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Version tags a region's code variant.
type Version uint8

const (
	Base Version = iota
	Instrumented
)

func (v Version) String() string {
	switch v {
	case Base:
		return "base"
	case Instrumented:
		return "instrumented"
	default:
		return fmt.Sprintf("version(%d)", uint8(v))
	}
}

// Decision values written to the engine's decision channel.
const (
	NoBudget  uint64 = 0
	HasBudget uint64 = 1
)

// Transition is one legal edge: a region in From moves to To when the
// decision value equals On.
type Transition struct {
	From Version
	On   uint64
	To   Version
}

// Transitions returns the edge to declare for a region currently in v.
func Transitions(v Version) []Transition {
	switch v {
	case Base:
		return []Transition{{From: Base, On: HasBudget, To: Instrumented}}
	case Instrumented:
		return []Transition{{From: Instrumented, On: NoBudget, To: Base}}
	default:
		return nil
	}
}

// Next applies the declared edges of v to a decision value.
func Next(v Version, decision uint64) Version {
	for _, t := range Transitions(v) {
		if t.On == decision {
			return t.To
		}
	}
	return v
}

// Decide is the whole state machine in one call.
func Decide(current Version, hasBudget bool) Version {
	return Next(current, boolToDecision(hasBudget))
}

func boolToDecision(b bool) uint64 {
	if b {
		return HasBudget
	}
	return NoBudget
}

// DecisionProvider is what the engine calls before a candidate region to get
// the decision value.
type DecisionProvider interface {
	Decide() uint64
}

// Gate reports whether instrumented work may run now.
type Gate interface {
	HasBudget() bool
}

// Selector turns a Gate into a DecisionProvider and counts its answers.
type Selector struct {
	gate    Gate
	granted atomic.Uint64
	denied  atomic.Uint64
}

// NewSelector returns a Selector over g.
func NewSelector(g Gate) *Selector {
	return &Selector{gate: g}
}

// Decide returns HasBudget or NoBudget.
func (s *Selector) Decide() uint64 {
	if s.gate.HasBudget() {
		s.granted.Add(1)
		return HasBudget
	}
	s.denied.Add(1)
	return NoBudget
}

// Granted counts decisions that allowed instrumentation.
func (s *Selector) Granted() uint64 { return s.granted.Load() }

// Exhaustions counts decisions made while the budget was exhausted.
func (s *Selector) Exhaustions() uint64 { return s.denied.Load() }

var decisionsDesc = prometheus.NewDesc(
	"dime_version_decisions_total",
	"Version decisions handed to the engine, by outcome",
	[]string{"decision"}, nil)

// Describe implements prometheus.Collector.
func (s *Selector) Describe(ch chan<- *prometheus.Desc) {
	ch <- decisionsDesc
}

// Collect implements prometheus.Collector.
func (s *Selector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(decisionsDesc, prometheus.CounterValue, float64(s.granted.Load()), "instrument")
	ch <- prometheus.MustNewConstMetric(decisionsDesc, prometheus.CounterValue, float64(s.denied.Load()), "base")
}
