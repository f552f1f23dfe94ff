//go:build !amd64

package clock

import "time"

const (
	counterName       = "monotonic"
	nanosecondCounter = true
)

var counterBase = time.Now()

func readCounter() uint64 {
	return uint64(time.Since(counterBase))
}
