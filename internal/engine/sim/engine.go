// Package sim is an in-process stand-in for a dynamic instrumentation
// engine. It keeps per-thread version state, evaluates inserted decisions
// and follows declared version transitions the way a trace-versioning
// engine does, so the controller can be driven end to end without one.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/szibis/dime-governor/internal/dime"
	"github.com/szibis/dime-governor/internal/logging"
	"github.com/szibis/dime-governor/internal/version"
)

// DefaultChannels is the number of decision channels an engine offers.
const DefaultChannels = 4

var (
	ErrUnknownThread = errors.New("sim: thread not started")
	ErrThreadStarted = errors.New("sim: thread already started")
)

// Hooks are the tool callbacks the engine invokes.
type Hooks struct {
	// Instrument is called once per region and version, before the region
	// first executes in that version.
	Instrument func(region dime.Region, v version.Version)

	// Transition is called after a thread switched version at region.
	Transition func(tid int, region dime.Region, from, to version.Version)

	// Analyze wraps the payload of a region executing instrumented. Nil
	// runs the payload directly.
	Analyze func(tid int, region dime.Region, payload func())
}

type traceKey struct {
	addr   uint64
	module string
	v      version.Version
}

type transition struct {
	on uint64
	to version.Version
}

// trace is one region compiled for one version.
type trace struct {
	region   dime.Region
	v        version.Version
	provider version.DecisionProvider
	channel  dime.Channel
	edges    []transition
}

type thread struct {
	tid     int
	version version.Version
	regs    []uint64
}

// Stats counts engine activity.
type Stats struct {
	Threads         int
	Traces          int
	Executions      uint64
	Switches        uint64
	AnalysisCalls   uint64
	ModulesLoaded   uint64
	DroppedRequests uint64
}

// Engine implements dime.Engine.
type Engine struct {
	channels int

	mu      sync.RWMutex
	traces  map[traceKey]*trace
	threads map[int]*thread
	hooks   Hooks
	claimed int

	moduleLoad  []func(int, string)
	threadStart []func(int)
	shutdown    []func()

	// instrumentation is serialized; building is the trace under
	// construction while the Instrument hook runs
	instrMu  sync.Mutex
	building *trace

	shutdownOnce sync.Once

	executions    atomic.Uint64
	switches      atomic.Uint64
	analysisCalls atomic.Uint64
	modulesLoaded atomic.Uint64
	dropped       atomic.Uint64
}

var _ dime.Engine = (*Engine)(nil)

// New returns an engine offering channels decision channels.
func New(channels int) *Engine {
	if channels <= 0 {
		channels = DefaultChannels
	}
	return &Engine{
		channels: channels,
		traces:   make(map[traceKey]*trace),
		threads:  make(map[int]*thread),
	}
}

// SetHooks installs the tool callbacks. Call before any thread executes.
func (e *Engine) SetHooks(h Hooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = h
}

func (e *Engine) RegisterModuleLoadCallback(fn func(tid int, module string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.moduleLoad = append(e.moduleLoad, fn)
}

func (e *Engine) RegisterThreadStartCallback(fn func(tid int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threadStart = append(e.threadStart, fn)
}

func (e *Engine) RegisterShutdownCallback(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = append(e.shutdown, fn)
}

// ClaimDecisionChannel hands out the next free channel.
func (e *Engine) ClaimDecisionChannel() (dime.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimed >= e.channels {
		return 0, fmt.Errorf("%w: all %d claimed", dime.ErrChannelUnavailable, e.channels)
	}
	ch := dime.Channel(e.claimed)
	e.claimed++
	return ch, nil
}

// InsertDecision attaches p to the trace being instrumented. Requests made
// outside an Instrument hook, or for another region, are dropped.
func (e *Engine) InsertDecision(region dime.Region, ch dime.Channel, p version.DecisionProvider) {
	tr := e.building
	if tr == nil || !sameRegion(tr.region, region) || int(ch) < 0 || int(ch) >= e.channels {
		e.dropped.Add(1)
		logging.Warn("decision request outside instrumentation dropped", logging.F("addr", region.Addr, "module", region.Module))
		return
	}
	tr.provider = p
	tr.channel = ch
}

// DeclareVersionTransition adds an edge to the trace being instrumented.
func (e *Engine) DeclareVersionTransition(region dime.Region, from version.Version, onValue uint64, to version.Version) {
	tr := e.building
	if tr == nil || !sameRegion(tr.region, region) {
		e.dropped.Add(1)
		logging.Warn("version transition outside instrumentation dropped", logging.F("addr", region.Addr, "module", region.Module))
		return
	}
	if from != tr.v {
		e.dropped.Add(1)
		return
	}
	tr.edges = append(tr.edges, transition{on: onValue, to: to})
}

func sameRegion(a, b dime.Region) bool {
	return a.Addr == b.Addr && a.Module == b.Module
}

// StartThread registers tid and fires the thread-start callbacks.
func (e *Engine) StartThread(tid int) error {
	e.mu.Lock()
	if _, ok := e.threads[tid]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrThreadStarted, tid)
	}
	e.threads[tid] = &thread{tid: tid, version: version.Base, regs: make([]uint64, e.channels)}
	callbacks := e.threadStart
	e.mu.Unlock()

	for _, fn := range callbacks {
		fn(tid)
	}
	return nil
}

// LoadModule fires the module-load callbacks for module on thread tid.
func (e *Engine) LoadModule(tid int, module string) {
	e.mu.RLock()
	callbacks := e.moduleLoad
	e.mu.RUnlock()

	e.modulesLoaded.Add(1)
	for _, fn := range callbacks {
		fn(tid, module)
	}
}

// Shutdown fires the shutdown callbacks once.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.RLock()
		callbacks := e.shutdown
		e.mu.RUnlock()
		for _, fn := range callbacks {
			fn()
		}
	})
}

// Execute runs region once on thread tid. The thread evaluates the decision
// inserted for its current version, follows a matching transition, and runs
// payload when it ends up instrumented. Only the owning goroutine may
// execute on a thread.
func (e *Engine) Execute(tid int, region dime.Region, payload func()) error {
	e.mu.RLock()
	th := e.threads[tid]
	hooks := e.hooks
	e.mu.RUnlock()
	if th == nil {
		return fmt.Errorf("%w: %d", ErrUnknownThread, tid)
	}
	e.executions.Add(1)

	tr := e.compiled(region, th.version, hooks)
	if tr.provider != nil {
		val := tr.provider.Decide()
		th.regs[tr.channel] = val
		for _, ed := range tr.edges {
			if ed.on != val {
				continue
			}
			from := th.version
			th.version = ed.to
			e.switches.Add(1)
			if hooks.Transition != nil {
				hooks.Transition(tid, region, from, ed.to)
			}
			e.compiled(region, th.version, hooks)
			break
		}
	}

	if th.version == version.Instrumented && payload != nil {
		e.analysisCalls.Add(1)
		if hooks.Analyze != nil {
			hooks.Analyze(tid, region, payload)
		} else {
			payload()
		}
	}
	return nil
}

// compiled returns the trace of region in v, instrumenting it first if
// needed.
func (e *Engine) compiled(region dime.Region, v version.Version, hooks Hooks) *trace {
	key := traceKey{addr: region.Addr, module: region.Module, v: v}
	e.mu.RLock()
	tr := e.traces[key]
	e.mu.RUnlock()
	if tr != nil {
		return tr
	}

	e.instrMu.Lock()
	defer e.instrMu.Unlock()
	e.mu.RLock()
	tr = e.traces[key]
	e.mu.RUnlock()
	if tr != nil {
		return tr
	}

	tr = &trace{region: region, v: v}
	e.building = tr
	if hooks.Instrument != nil {
		hooks.Instrument(region, v)
	}
	e.building = nil

	e.mu.Lock()
	e.traces[key] = tr
	e.mu.Unlock()
	return tr
}

// ChannelValue returns the last decision written to ch on thread tid.
func (e *Engine) ChannelValue(tid int, ch dime.Channel) (uint64, error) {
	e.mu.RLock()
	th := e.threads[tid]
	e.mu.RUnlock()
	if th == nil {
		return 0, fmt.Errorf("%w: %d", ErrUnknownThread, tid)
	}
	if int(ch) < 0 || int(ch) >= len(th.regs) {
		return 0, fmt.Errorf("sim: channel %d out of range", ch)
	}
	return th.regs[ch], nil
}

// Version returns the version thread tid is executing in.
func (e *Engine) Version(tid int) (version.Version, error) {
	e.mu.RLock()
	th := e.threads[tid]
	e.mu.RUnlock()
	if th == nil {
		return 0, fmt.Errorf("%w: %d", ErrUnknownThread, tid)
	}
	return th.version, nil
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	threads, traces := len(e.threads), len(e.traces)
	e.mu.RUnlock()
	return Stats{
		Threads:         threads,
		Traces:          traces,
		Executions:      e.executions.Load(),
		Switches:        e.switches.Load(),
		AnalysisCalls:   e.analysisCalls.Load(),
		ModulesLoaded:   e.modulesLoaded.Load(),
		DroppedRequests: e.dropped.Load(),
	}
}
