package proto

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow-systems/nodeflow/internal/units"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

func TestInitPhaseRoundTrip(t *testing.T) {
	hostConn, workerConn := net.Pipe()
	defer hostConn.Close()
	defer workerConn.Close()

	pipes := []PipeSpec{
		{Direction: DirOUT, Unit: units.INT32, Length: 1, Name: "x"},
	}
	settings := RegionID{SemID: 1, ShmID: 2}

	done := make(chan error, 1)
	go func() {
		_, _, err := WorkerInit(wire.New(workerConn), pipes)
		done <- err
	}()

	got, err := HostInit(wire.New(hostConn), settings, "/tmp/src.txt")
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, pipes, got)
}

func TestInitPhaseBadMagicFails(t *testing.T) {
	hostConn, workerConn := net.Pipe()
	defer hostConn.Close()
	defer workerConn.Close()

	go func() {
		_ = wire.New(workerConn).WriteAll([]byte{0, 0, 0, 0})
	}()

	_, err := HostInit(wire.New(hostConn), RegionID{}, "/tmp/x.txt")
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestBeginPhaseRoundTrip(t *testing.T) {
	hostConn, workerConn := net.Pipe()
	defer hostConn.Close()
	defer workerConn.Close()

	regions := []RegionID{{SemID: 10, ShmID: 20}}

	done := make(chan error, 1)
	var got []RegionID
	go func() {
		var err error
		got, err = WorkerBegin(wire.New(workerConn), 1)
		done <- err
	}()

	err := HostBegin(wire.New(hostConn), regions)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, regions, got)
}

func TestRegionIDZero(t *testing.T) {
	require.True(t, RegionID{}.Zero())
	require.False(t, RegionID{SemID: 1}.Zero())
}
