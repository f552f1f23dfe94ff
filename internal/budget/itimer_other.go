//go:build !linux

package budget

import "time"

// CPUTimer is only implemented on linux.
type CPUTimer struct{}

// Start always fails with ErrTimerUnsupported.
func (t *CPUTimer) Start(time.Duration, func()) error { return ErrTimerUnsupported }

// Stop is a no-op.
func (t *CPUTimer) Stop() {}
