package dime

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/dime-governor/internal/logging"
	"github.com/szibis/dime-governor/internal/redundancy"
	"github.com/szibis/dime-governor/internal/registry"
)

func (c *Controller) writeDiagnostics() error {
	if c.cfg.DiagnosticsFile == "" {
		return nil
	}
	if dir := filepath.Dir(c.cfg.DiagnosticsFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("dime: create diagnostics directory: %w", err)
		}
	}
	f, err := os.Create(c.cfg.DiagnosticsFile)
	if err != nil {
		return fmt.Errorf("dime: open diagnostics: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := c.WriteDiagnostics(w); err != nil {
		f.Close()
		return fmt.Errorf("dime: write diagnostics: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("dime: write diagnostics: %w", err)
	}
	return f.Close()
}

// WriteDiagnostics writes the budget history followed by any log
// consistency errors:
//
//	#begin (BUDGET = 100000000ns)
//	#Interval = 1 sec + 0 usec
//	-3120
//	...
//	#eof
func (c *Controller) WriteDiagnostics(w io.Writer) error {
	sec, usec := splitPeriod(c.budget.Period())
	if _, err := fmt.Fprintf(w, "#begin (BUDGET = %dns)\n#Interval = %d sec + %d usec\n", c.budget.Budget(), sec, usec); err != nil {
		return err
	}
	for _, v := range c.budget.History() {
		if _, err := fmt.Fprintf(w, "%d\n", v); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "#eof\n"); err != nil {
		return err
	}

	var werr error
	c.threads.Each(func(td *registry.ThreadData) {
		if werr != nil {
			return
		}
		for _, name := range td.Log.Modules() {
			msgs := td.Log.Module(name).Errors()
			if msgs == "" {
				continue
			}
			if _, werr = fmt.Fprintf(w, "#errors thread %d module %s\n%s", td.Ordinal, name, msgs); werr != nil {
				return
			}
		}
	})
	return werr
}

func splitPeriod(d time.Duration) (sec, usec int64) {
	return int64(d / time.Second), (d % time.Second).Microseconds()
}

// persistLogs saves every thread's logs, threads in parallel.
func (c *Controller) persistLogs() error {
	var g errgroup.Group
	g.SetLimit(8)
	c.threads.Each(func(td *registry.ThreadData) {
		g.Go(func() error {
			n, err := redundancy.Save(c.cfg.LogDir, td.Ordinal, td.Log)
			if err != nil {
				logging.Error("failed to persist thread log", logging.F("tid", td.Ordinal, "error", err.Error()))
				return err
			}
			if n > 0 {
				logging.Debug("thread log persisted", logging.F("tid", td.Ordinal, "files", n, "dir", c.cfg.LogDir))
			}
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dime: persist logs: %w", err)
	}
	return nil
}
