//go:build amd64

package clock

const (
	counterName       = "rdtsc"
	nanosecondCounter = false
)

// rdtsc reads the time stamp counter. Implemented in counter_amd64.s.
func rdtsc() uint64

func readCounter() uint64 {
	return rdtsc()
}
