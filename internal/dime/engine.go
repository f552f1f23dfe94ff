package dime

import (
	"errors"

	"github.com/szibis/dime-governor/internal/redundancy"
	"github.com/szibis/dime-governor/internal/version"
)

// ErrChannelUnavailable is returned by engines that have no free decision
// channel left.
var ErrChannelUnavailable = errors.New("dime: no decision channel available")

// Region is a unit of code the engine instruments as one version-switchable
// block.
type Region struct {
	// Addr is relative to the load base of Module. Engines translate
	// runtime addresses before calling into the controller, so persisted
	// logs stay valid when a module loads elsewhere in a later run.
	Addr   uint64
	Size   uint64
	Module string
}

// Key returns the region's redundancy-log key.
func (r Region) Key() redundancy.RegionKey {
	return redundancy.RegionKey{Addr: r.Addr, Size: r.Size}
}

// Channel is a handle to the per-thread scratch slot the engine reads right
// after asking for a decision.
type Channel int

// Engine is what the controller needs from the instrumentation engine
// hosting it.
type Engine interface {
	RegisterModuleLoadCallback(fn func(tid int, module string))
	RegisterThreadStartCallback(fn func(tid int))
	RegisterShutdownCallback(fn func())

	// ClaimDecisionChannel reserves a slot for decision values.
	ClaimDecisionChannel() (Channel, error)

	// InsertDecision asks the engine to evaluate p before region and store
	// the result in ch.
	InsertDecision(region Region, ch Channel, p version.DecisionProvider)

	// DeclareVersionTransition declares that a thread executing region in
	// from continues in to when the decision value equals onValue.
	DeclareVersionTransition(region Region, from version.Version, onValue uint64, to version.Version)
}
