// Package clock measures analysis-callback cost with a free-running cycle
// counter converted to nanoseconds at a fixed calibration frequency.
//
// Only the low 32 bits of the counter take part in a measurement. A callback
// that runs longer than one wraparound of the low word (about 1.26s at
// 3401 MHz) is undercounted by whole wraps; callbacks are assumed to stay far
// below that.
package clock

import (
	"sort"
	"sync/atomic"
	"time"
)

// DefaultFrequencyMHz is the calibration frequency used when none is
// configured (grep 'cpu MHz' /proc/cpuinfo on the reference machine).
const DefaultFrequencyMHz = 3401

// Clock reads a cycle counter and converts counter deltas to nanoseconds.
type Clock interface {
	Now() uint64
	Nanos(start, end uint64) int64
}

// CyclesToNanos converts a 32-bit cycle delta to nanoseconds.
func CyclesToNanos(cycles uint32, freqMHz uint64) int64 {
	if freqMHz == 0 {
		freqMHz = DefaultFrequencyMHz
	}
	return int64(uint64(cycles) * 1000 / freqMHz)
}

// Counter is the hardware cycle counter of the running machine.
type Counter struct {
	freqMHz uint64
}

// NewCounter returns a Counter converting at freqMHz. Where no hardware cycle
// counter is available the counter ticks in nanoseconds and freqMHz is
// ignored.
func NewCounter(freqMHz uint64) *Counter {
	if nanosecondCounter {
		freqMHz = 1000
	}
	if freqMHz == 0 {
		freqMHz = DefaultFrequencyMHz
	}
	return &Counter{freqMHz: freqMHz}
}

// Now returns the raw counter value.
func (c *Counter) Now() uint64 {
	return readCounter()
}

// Nanos returns the nanoseconds between two Now readings.
func (c *Counter) Nanos(start, end uint64) int64 {
	return CyclesToNanos(uint32(end)-uint32(start), c.freqMHz)
}

// FrequencyMHz returns the conversion frequency.
func (c *Counter) FrequencyMHz() uint64 {
	return c.freqMHz
}

// Name identifies the counter source ("rdtsc" or "monotonic").
func (c *Counter) Name() string {
	return counterName
}

// Calibrate estimates the counter frequency in MHz by timing it against the
// wall clock over several windows of d and taking the median.
func Calibrate(d time.Duration) uint64 {
	if nanosecondCounter {
		return 1000
	}
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	const windows = 5
	freqs := make([]uint64, 0, windows)
	for i := 0; i < windows; i++ {
		startCycles := readCounter()
		start := time.Now()
		time.Sleep(d)
		cycles := readCounter() - startCycles
		us := time.Since(start).Microseconds()
		if us <= 0 {
			continue
		}
		freqs = append(freqs, cycles/uint64(us))
	}
	if len(freqs) == 0 {
		return DefaultFrequencyMHz
	}
	sort.Slice(freqs, func(i, j int) bool { return freqs[i] < freqs[j] })
	if f := freqs[len(freqs)/2]; f > 0 {
		return f
	}
	return DefaultFrequencyMHz
}

// Manual is a Clock advanced explicitly. Safe for concurrent use.
type Manual struct {
	cycles  atomic.Uint64
	freqMHz uint64
}

// NewManual returns a Manual clock converting at freqMHz.
func NewManual(freqMHz uint64) *Manual {
	if freqMHz == 0 {
		freqMHz = 1000
	}
	return &Manual{freqMHz: freqMHz}
}

// Now returns the current cycle count.
func (m *Manual) Now() uint64 {
	return m.cycles.Load()
}

// Nanos converts a counter delta like Counter does.
func (m *Manual) Nanos(start, end uint64) int64 {
	return CyclesToNanos(uint32(end)-uint32(start), m.freqMHz)
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.cycles.Add(uint64(d.Nanoseconds()) * m.freqMHz / 1000)
}
