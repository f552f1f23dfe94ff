package sim

import (
	"github.com/szibis/dime-governor/internal/dime"
	"github.com/szibis/dime-governor/internal/version"
)

// ControllerHooks returns hooks driving c: regions get the budget check at
// instrumentation time, analysis payloads are timed and skipped when the
// region is already logged, and falling back to base undoes the region just
// logged.
func ControllerHooks(c *dime.Controller) Hooks {
	return Hooks{
		Instrument: c.SwitchVersion,
		Transition: func(tid int, r dime.Region, _, to version.Version) {
			if to == version.Base {
				c.ModifyLog(tid, r.Key(), r.Module, version.Base)
			}
		},
		Analyze: func(tid int, r dime.Region, payload func()) {
			key := r.Key()
			if !c.CompareToLog(tid, key, r.Module) {
				return
			}
			c.StartTime(tid)
			payload()
			c.EndTime(tid)
			c.ModifyLog(tid, key, r.Module, version.Instrumented)
		},
	}
}
