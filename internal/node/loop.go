package node

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/settings"
	"github.com/nodeflow-systems/nodeflow/internal/shm"
)

// ErrParentDead is returned by Loop once the Supervisor process is no
// longer observed alive (spec.md §4.4 loop() step c).
var ErrParentDead = errors.New("node: supervisor process is no longer alive")

// Loop must be invoked once per tick iteration (spec.md §4.4): it applies
// any pending reroute message, refreshes the cached System Settings
// snapshot, and detects the Supervisor's death via a zero-signal probe.
func (rt *Runtime) Loop() error {
	if rt.state != Running {
		return errors.Wrap(ErrWrongState, "loop")
	}

	if err := rt.applyPendingReroute(); err != nil {
		return err
	}

	rt.cachedSettings = settings.Read(rt.settingsRegion)
	if rt.logger != nil {
		rt.logger.SetNoLog(rt.cachedSettings.NoLog)
	}

	if err := unix.Kill(rt.parentPID, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrParentDead
		}
		// EPERM (a process exists but signaling it is disallowed) still
		// means alive; anything else we don't recognize, surface as-is.
		if !errors.Is(err, unix.EPERM) {
			return err
		}
	}
	return nil
}

// applyPendingReroute is the non-blocking stdin check of spec.md §4.4 loop
// step (a) / §4.5 Connection routing: "the consumer's loop() will observe
// this next tick, detach any previous view, attach the new region
// read-only, and reset its lastSeenVersion to 0".
func (rt *Runtime) applyPendingReroute() error {
	msg, ok, err := proto.TryReadReroute(rt.ch, time.Now())
	if err != nil {
		return errors.Wrap(err, "node: read reroute message")
	}
	if !ok {
		return nil
	}
	if int(msg.PipeIndex) >= len(rt.pipes) {
		return fmt.Errorf("node: reroute targets unknown pipe index %d", msg.PipeIndex)
	}
	slot := rt.pipes[msg.PipeIndex]

	if slot.region != nil {
		_ = slot.region.Detach()
		slot.region = nil
	}
	slot.lastSeenVersion = 0

	if msg.Region.Zero() {
		return nil
	}
	region, err := rt.shmMgr.Attach(msg.Region.ShmID, msg.Region.SemID, shm.RO)
	if err != nil {
		return errors.Wrap(err, "node: attach rerouted region")
	}
	slot.region = region
	return nil
}

// Wait suspends the worker via a self-directed stop signal; the Tick
// Driver's resume signal (SIGCONT) is what releases it (spec.md §4.4,
// §9 "Cooperative suspension").
func (rt *Runtime) Wait() error {
	if rt.state != Running {
		return errors.Wrap(ErrWrongState, "wait")
	}
	return unix.Kill(unix.Getpid(), unix.SIGSTOP)
}

// GetPeriod returns the current tickPeriodMs from the cached settings
// snapshot.
func (rt *Runtime) GetPeriod() int64 {
	return rt.cachedSettings.TickPeriodMs
}

// DebugLog appends a timestamped line to the per-node log; a no-op when
// System Settings has noLog set (spec.md §4.4).
func (rt *Runtime) DebugLog(msg string) {
	if rt.cachedSettings.NoLog || rt.logFile == nil {
		return
	}
	if rt.opts.CSVMode && rt.logger != nil {
		rt.logger.Info(msg)
		return
	}
	line := fmt.Sprintf("%s %s\n", time.Now().Format("2006-01-02 15:04:05.000"), msg)
	_, _ = rt.logFile.WriteString(line)
}

// Close releases the runtime's handles: the settings region, every
// attached pipe region, and the log file.
func (rt *Runtime) Close() error {
	for _, p := range rt.pipes {
		if p.region != nil {
			_ = p.region.Detach()
		}
	}
	if rt.settingsRegion != nil {
		_ = rt.settingsRegion.Detach()
	}
	if rt.logFile != nil {
		return rt.logFile.Close()
	}
	return nil
}
