package supervisor

import "github.com/nodeflow-systems/nodeflow/internal/settings"

// TimerRun enables the Wakeup Table (spec.md §4.7 TIMER_RUN); the Tick
// Driver starts delivering resume signals on its next iteration.
func (s *Supervisor) TimerRun() error { return s.wakeupTable.SetEnabled(true) }

// TimerStop disables the Wakeup Table (spec.md §4.7 TIMER_STOP).
func (s *Supervisor) TimerStop() error { return s.wakeupTable.SetEnabled(false) }

// TimerSet updates tickPeriodMs in System Settings. Because the Tick
// Driver snapshots the period once per iteration, the new value is only
// ever observed on its next sleep, never retroactively (spec.md §8
// boundary behavior).
func (s *Supervisor) TimerSet(periodMs int64) error {
	cur := settings.Read(s.settingsRegion)
	cur.TickPeriodMs = periodMs
	return settings.Write(s.settingsRegion, cur)
}

// TimerGet returns the current tickPeriodMs.
func (s *Supervisor) TimerGet() int64 {
	return settings.Read(s.settingsRegion).TickPeriodMs
}
