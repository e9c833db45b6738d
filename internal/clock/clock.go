// Package clock formats the wall-clock timestamps used for per-run log
// directories and the System Settings tzOffset, per spec.md §6.
package clock

import "time"

// LogDirFormat renders the Logs/<...> directory name:
// YYYY-MM-DD-(Wday)-HH:MM:SS, evaluated at the given tzOffset (seconds
// east of UTC).
func LogDirFormat(t time.Time, tzOffsetSeconds int64) string {
	loc := time.FixedZone("tick", int(tzOffsetSeconds))
	local := t.In(loc)
	return local.Format("2006-01-02") + "-(" + local.Format("Mon") + ")-" + local.Format("15:04:05")
}

// NowOffset returns the caller's current UTC offset in seconds, suitable
// for seeding System Settings.tzOffset.
func NowOffset() int64 {
	_, offset := time.Now().Zone()
	return int64(offset)
}
