// Package redundancy remembers which code regions a thread already ran in
// the instrumented version, per module, so they are not processed twice.
//
// A ThreadLog belongs to exactly one thread. Nothing here locks: the owning
// thread is the only writer, and the shutdown pass reads the logs only after
// every thread has stopped recording.
package redundancy

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/axiomhq/hyperloglog"

	"github.com/szibis/dime-governor/internal/version"
)

// RegionKey identifies a region independent of where its module is loaded.
type RegionKey struct {
	Addr uint64 // module-relative start address
	Size uint64
}

// LogData is one module's log within one thread.
type LogData struct {
	entries   map[uint64]uint64
	prev      RegionKey
	hasPrev   bool
	processed uint64
	seeded    int
	errs      strings.Builder
}

func newLogData() *LogData {
	return &LogData{entries: make(map[uint64]uint64)}
}

// Len returns the number of logged regions.
func (l *LogData) Len() int { return len(l.entries) }

// Size returns the logged size for addr.
func (l *LogData) Size(addr uint64) (uint64, bool) {
	s, ok := l.entries[addr]
	return s, ok
}

// Entries returns a copy of the address to size map.
func (l *LogData) Entries() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(l.entries))
	for a, s := range l.entries {
		out[a] = s
	}
	return out
}

// Processed counts regions recorded as instrumented in this run.
func (l *LogData) Processed() uint64 { return l.processed }

// Seeded counts entries loaded from a previous run.
func (l *LogData) Seeded() int { return l.seeded }

// Previous returns the most recently recorded region, if one is pending undo.
func (l *LogData) Previous() (RegionKey, bool) { return l.prev, l.hasPrev }

// Errors returns the accumulated consistency-check messages.
func (l *LogData) Errors() string { return l.errs.String() }

// ThreadLog maps module names to their logs for one thread.
type ThreadLog struct {
	modules map[string]*LogData
	regions *hyperloglog.Sketch
}

// NewThreadLog returns an empty log.
func NewThreadLog() *ThreadLog {
	return &ThreadLog{
		modules: make(map[string]*LogData),
		regions: hyperloglog.New(),
	}
}

func (t *ThreadLog) module(name string) *LogData {
	l := t.modules[name]
	if l == nil {
		l = newLogData()
		t.modules[name] = l
	}
	return l
}

// Module returns the log for name, or nil if nothing was recorded for it.
func (t *ThreadLog) Module(name string) *LogData {
	return t.modules[name]
}

// Modules returns the module names with a log, sorted.
func (t *ThreadLog) Modules() []string {
	names := make([]string, 0, len(t.modules))
	for n := range t.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of logged regions across all modules.
func (t *ThreadLog) Len() int {
	n := 0
	for _, l := range t.modules {
		n += len(l.entries)
	}
	return n
}

// ShouldProcess reports whether key still needs processing in module: true
// when the module log is empty or the address is not in it.
//
// Only the address is compared. A region re-appearing at a logged address
// with a different size is still treated as seen.
func (t *ThreadLog) ShouldProcess(key RegionKey, module string) bool {
	l := t.modules[module]
	if l == nil || len(l.entries) == 0 {
		return true
	}
	_, seen := l.entries[key.Addr]
	return !seen
}

// RecordProcessed updates module's log after key moved to v. Entering the
// instrumented version logs the region. Falling back to base right after
// the same region was logged removes it again; if it is unexpectedly gone a
// message is appended to the module's error buffer.
func (t *ThreadLog) RecordProcessed(key RegionKey, module string, v version.Version) {
	l := t.module(module)
	switch v {
	case version.Instrumented:
		l.entries[key.Addr] = key.Size
		l.prev = key
		l.hasPrev = true
		l.processed++
		t.regions.Insert(regionBytes(module, key.Addr))
	case version.Base:
		if !l.hasPrev || l.prev != key {
			return
		}
		if _, ok := l.entries[key.Addr]; ok {
			delete(l.entries, key.Addr)
		} else {
			fmt.Fprintf(&l.errs, "undo of region %#x (size %d) in %s: not in log\n", key.Addr, key.Size, module)
		}
		l.hasPrev = false
	}
}

// Seed adds entries from a previous run to module's log.
func (t *ThreadLog) Seed(module string, entries map[uint64]uint64) {
	if len(entries) == 0 {
		return
	}
	l := t.module(module)
	for a, s := range entries {
		l.entries[a] = s
	}
	l.seeded += len(entries)
}

// DistinctRegions estimates how many distinct (module, region) pairs this
// thread recorded as instrumented.
func (t *ThreadLog) DistinctRegions() uint64 {
	return t.regions.Estimate()
}

// MergeDistinct folds other's distinct-region sketch into dst.
func MergeDistinct(dst *hyperloglog.Sketch, other *ThreadLog) error {
	return dst.Merge(other.regions)
}

func regionBytes(module string, addr uint64) []byte {
	b := make([]byte, 8, 8+len(module))
	binary.LittleEndian.PutUint64(b, addr)
	return append(b, module...)
}
