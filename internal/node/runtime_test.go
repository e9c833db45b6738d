package node

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/settings"
	"github.com/nodeflow-systems/nodeflow/internal/shm"
	"github.com/nodeflow-systems/nodeflow/internal/units"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

func TestAddPipeRejectsAfterInit(t *testing.T) {
	rt := &Runtime{state: Configured}
	err := rt.AddPipe("x", proto.DirOUT, units.INT32, 1, nil)
	require.ErrorIs(t, err, ErrWrongState)
}

func TestAddPipeRejectsDuplicateName(t *testing.T) {
	rt := &Runtime{state: Uninitialized}
	require.NoError(t, rt.AddPipe("x", proto.DirOUT, units.INT32, 1, nil))
	err := rt.AddPipe("x", proto.DirIN, units.INT32, 1, nil)
	require.Error(t, err)
}

func TestReadWriteIllegalBeforeRunning(t *testing.T) {
	rt := &Runtime{state: Configured}
	_, err := rt.Read("y", make([]byte, 4))
	require.ErrorIs(t, err, ErrWrongState)
	require.ErrorIs(t, rt.Write("x", make([]byte, 4)), ErrWrongState)
}

// TestInitHandshakeAgainstFakeHost exercises Init (Phase A) end-to-end
// against a fake host speaking the same wire protocol, then checks the
// runtime is Configured with the host's System Settings cached.
func TestInitHandshakeAgainstFakeHost(t *testing.T) {
	dir := t.TempDir()
	mgr, err := shm.NewManager(dir)
	require.NoError(t, err)

	settingsRegion, err := mgr.Create(settings.Size)
	require.NoError(t, err)
	defer mgr.Destroy(settingsRegion)
	require.NoError(t, settings.Write(settingsRegion, settings.Settings{TickPeriodMs: 50}))

	hostConn, workerConn := net.Pipe()
	defer hostConn.Close()
	defer workerConn.Close()

	rt := &Runtime{
		ch:        wire.New(workerConn),
		stdinFile: nil,
		shmMgr:    mgr,
		parentPID: os.Getpid(),
		state:     Uninitialized,
	}
	require.NoError(t, rt.AddPipe("x", proto.DirOUT, units.INT32, 1, nil))

	logPath := dir + "/node.txt"
	done := make(chan error, 1)
	go func() {
		_, err := proto.HostInit(wire.New(hostConn), proto.RegionID{SemID: settingsRegion.SemID, ShmID: settingsRegion.ShmID}, logPath)
		done <- err
	}()

	require.NoError(t, rt.Init())
	require.NoError(t, <-done)
	require.Equal(t, Configured, rt.State())
	require.Equal(t, int64(50), rt.cachedSettings.TickPeriodMs)
}
