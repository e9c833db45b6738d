package tickdriver

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/settings"
	"github.com/nodeflow-systems/nodeflow/internal/shm"
	"github.com/nodeflow-systems/nodeflow/internal/wakeup"
)

func newTestDriver(t *testing.T) (*Driver, *shm.Manager, *shm.Region, *shm.Region) {
	t.Helper()
	mgr, err := shm.NewManager(t.TempDir())
	require.NoError(t, err)

	settingsRegion, err := mgr.Create(settings.Size)
	require.NoError(t, err)
	require.NoError(t, settings.Write(settingsRegion, settings.Settings{TickPeriodMs: 5}))

	wakeupRegion, err := mgr.Create(wakeup.Size)
	require.NoError(t, err)

	d, err := New(Config{
		ShmBaseDir:     mgr.BaseDir(),
		SettingsRegion: proto.RegionID{SemID: settingsRegion.SemID, ShmID: settingsRegion.ShmID},
		WakeupRegion:   proto.RegionID{SemID: wakeupRegion.SemID, ShmID: wakeupRegion.ShmID},
		SupervisorPID:  os.Getpid(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close()
		mgr.Destroy(settingsRegion)
		mgr.Destroy(wakeupRegion)
	})
	return d, mgr, settingsRegion, wakeupRegion
}

func TestRunWithEnrolledWorkerReturnsNilOnCancel(t *testing.T) {
	d, _, _, wakeupRegion := newTestDriver(t)
	table := wakeup.Open(wakeupRegion)
	require.NoError(t, table.SetEnabled(true))

	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()
	require.NoError(t, table.Enroll(cmd.Process.Pid))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := d.Run(ctx)
	require.NoError(t, err)
}

func TestRunExitsWhenSupervisorDead(t *testing.T) {
	mgr, err := shm.NewManager(t.TempDir())
	require.NoError(t, err)
	settingsRegion, err := mgr.Create(settings.Size)
	require.NoError(t, err)
	require.NoError(t, settings.Write(settingsRegion, settings.Settings{TickPeriodMs: 5}))
	wakeupRegion, err := mgr.Create(wakeup.Size)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Destroy(settingsRegion); mgr.Destroy(wakeupRegion) })

	cmd := exec.Command("sleep", "0.01")
	require.NoError(t, cmd.Start())
	deadPID := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	d, err := New(Config{
		ShmBaseDir:     mgr.BaseDir(),
		SettingsRegion: proto.RegionID{SemID: settingsRegion.SemID, ShmID: settingsRegion.ShmID},
		WakeupRegion:   proto.RegionID{SemID: wakeupRegion.SemID, ShmID: wakeupRegion.ShmID},
		SupervisorPID:  deadPID,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	err = d.Run(context.Background())
	require.ErrorIs(t, err, ErrSupervisorDead)
}
