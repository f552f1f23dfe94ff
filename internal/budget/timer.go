package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Timer delivers a callback every period until stopped.
type Timer interface {
	Start(period time.Duration, fire func()) error
	Stop()
}

// ErrTimerUnsupported is returned by timers the platform cannot provide.
var ErrTimerUnsupported = errors.New("budget: timer not supported on this platform")

// Timer kinds accepted by NewTimer.
const (
	TimerInterval = "interval"
	TimerCPU      = "cpu"
)

// NewTimer returns the timer for kind.
func NewTimer(kind string) (Timer, error) {
	switch kind {
	case "", TimerInterval:
		return &IntervalTimer{}, nil
	case TimerCPU:
		return &CPUTimer{}, nil
	default:
		return nil, fmt.Errorf("budget: unknown timer kind %q", kind)
	}
}

// IntervalTimer fires on wall-clock time from its own goroutine.
type IntervalTimer struct {
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Start begins firing. Starting a running timer is an error.
func (t *IntervalTimer) Start(period time.Duration, fire func()) error {
	if period <= 0 {
		return fmt.Errorf("budget: invalid timer period %s", period)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopCh != nil {
		return errors.New("budget: interval timer already running")
	}
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fire()
			case <-stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop halts the timer and waits for an in-flight callback to return.
func (t *IntervalTimer) Stop() {
	t.mu.Lock()
	if t.stopCh == nil {
		t.mu.Unlock()
		return
	}
	close(t.stopCh)
	t.stopCh = nil
	t.mu.Unlock()
	t.wg.Wait()
}
