// Package tickdriver implements the Tick Driver (spec.md §4.6): a process
// forked from the Supervisor that holds a mapping of the Wakeup Table and
// the System Settings region, and periodically delivers a resume signal
// to every enrolled worker PID.
package tickdriver

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nodeflow-systems/nodeflow/internal/logging"
	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/settings"
	"github.com/nodeflow-systems/nodeflow/internal/shm"
	"github.com/nodeflow-systems/nodeflow/internal/wakeup"
)

// Config bundles what a Driver needs to attach to an already-running
// Supervisor's shared state.
type Config struct {
	ShmBaseDir     string
	SettingsRegion proto.RegionID
	WakeupRegion   proto.RegionID
	SupervisorPID  int
	Logger         *logging.Logger
}

// Driver is the running Tick Driver process's attached view of the
// Supervisor's shared state.
type Driver struct {
	log *logging.Logger

	shmMgr         *shm.Manager
	settingsRegion *shm.Region
	wakeupRegion   *shm.Region
	wakeupTable    *wakeup.Table

	supervisorPID int
}

// New attaches (read-only for Settings, read-write for the Wakeup Table's
// own internal locking — the Driver never mutates the enrolled-PID list
// itself, only reads it under lock) the regions the Supervisor created.
func New(cfg Config) (*Driver, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("tickdriver")
	}

	mgr, err := shm.NewManager(cfg.ShmBaseDir)
	if err != nil {
		return nil, err
	}

	settingsRegion, err := mgr.Attach(cfg.SettingsRegion.ShmID, cfg.SettingsRegion.SemID, shm.RO)
	if err != nil {
		return nil, err
	}
	wakeupRegion, err := mgr.Attach(cfg.WakeupRegion.ShmID, cfg.WakeupRegion.SemID, shm.RW)
	if err != nil {
		return nil, err
	}

	return &Driver{
		log:            cfg.Logger,
		shmMgr:         mgr,
		settingsRegion: settingsRegion,
		wakeupRegion:   wakeupRegion,
		wakeupTable:    wakeup.Open(wakeupRegion),
		supervisorPID:  cfg.SupervisorPID,
	}, nil
}

// ErrSupervisorDead is returned by Run once the Supervisor process is no
// longer observable by a zero-signal probe (spec.md §4.6 "It exits when
// the Supervisor is observed dead").
var ErrSupervisorDead = errors.New("tickdriver: supervisor process no longer alive")

// Run drives the tick loop until ctx is cancelled or the Supervisor dies.
// Each iteration: snapshot tickPeriodMs, deliver one resume signal to
// every PID enrolled at the moment the Wakeup Table's lock is acquired
// (spec.md §4.6 guarantee: "at most one resume signal per worker per
// period"), then sleep the period regardless of enable state.
func (d *Driver) Run(ctx context.Context) error {
	for {
		period := time.Duration(settings.Read(d.settingsRegion).TickPeriodMs) * time.Millisecond
		if period <= 0 {
			period = time.Millisecond
		}

		if d.wakeupTable.Enabled() {
			if err := d.signalAll(); err != nil {
				d.log.Error("tick signal pass failed", logging.Err(err))
			}
		}

		if !d.supervisorAlive() {
			return ErrSupervisorDead
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(period):
		}
	}
}

// signalAll delivers SIGCONT to every PID snapshotted under the Wakeup
// Table's single lock acquisition. A delivery failure for one PID (e.g.
// the worker died between being enrolled and being signaled, a case the
// Supervisor's own liveness pass will catch on its next iteration) is
// logged and does not stop the rest of the pass.
func (d *Driver) signalAll() error {
	pids, err := d.wakeupTable.Snapshot()
	if err != nil {
		return err
	}
	for _, pid := range pids {
		if err := unix.Kill(pid, unix.SIGCONT); err != nil && !errors.Is(err, unix.ESRCH) {
			d.log.Warn("resume signal failed", logging.Int("pid", pid), logging.Err(err))
		}
	}
	return nil
}

func (d *Driver) supervisorAlive() bool {
	err := unix.Kill(d.supervisorPID, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Close detaches this process's views of the Supervisor's shared state.
// It never destroys them — only the Supervisor owns their lifetime.
func (d *Driver) Close() error {
	var firstErr error
	if err := d.settingsRegion.Detach(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.wakeupRegion.Detach(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
