//go:build linux

package budget

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// CPUTimer arms ITIMER_VIRTUAL, so the period elapses in user-mode CPU time
// consumed by the process, and delivers each SIGVTALRM to the callback.
// Only one CPUTimer per process can be running.
type CPUTimer struct {
	mu     sync.Mutex
	sigCh  chan os.Signal
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Start installs the signal handler and the interval timer.
func (t *CPUTimer) Start(period time.Duration, fire func()) error {
	if period <= 0 {
		return fmt.Errorf("budget: invalid timer period %s", period)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sigCh != nil {
		return errors.New("budget: cpu timer already running")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGVTALRM)

	tv := unix.NsecToTimeval(period.Nanoseconds())
	if _, err := unix.Setitimer(unix.ItimerVirtual, unix.Itimerval{Interval: tv, Value: tv}); err != nil {
		signal.Stop(sigCh)
		return fmt.Errorf("budget: setitimer: %w", err)
	}

	t.sigCh = sigCh
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-sigCh:
				fire()
			case <-stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop disarms the interval timer and removes the signal handler.
func (t *CPUTimer) Stop() {
	t.mu.Lock()
	if t.sigCh == nil {
		t.mu.Unlock()
		return
	}
	_, _ = unix.Setitimer(unix.ItimerVirtual, unix.Itimerval{})
	signal.Stop(t.sigCh)
	close(t.stopCh)
	t.sigCh = nil
	t.stopCh = nil
	t.mu.Unlock()
	t.wg.Wait()
}
