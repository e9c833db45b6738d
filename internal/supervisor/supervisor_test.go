package supervisor

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow-systems/nodeflow/internal/graph"
	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/units"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s, err := New(Config{ShmBaseDir: t.TempDir(), TickPeriodMs: 10})
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func TestParseArgvRenames(t *testing.T) {
	name, rest := ParseArgv([]string{"-name", "src", "--verbose"})
	require.Equal(t, "src", name)
	require.Equal(t, []string{"--verbose"}, rest)
}

func TestParseArgvNoOption(t *testing.T) {
	name, rest := ParseArgv([]string{"--verbose"})
	require.Equal(t, "", name)
	require.Equal(t, []string{"--verbose"}, rest)
}

func TestTimerSetGetTakesEffect(t *testing.T) {
	s := newTestSupervisor(t)
	require.Equal(t, int64(10), s.TimerGet())
	require.NoError(t, s.TimerSet(50))
	require.Equal(t, int64(50), s.TimerGet())
}

func TestTimerRunStopTogglesWakeupTable(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.TimerRun())
	require.True(t, s.wakeupTable.Enabled())
	require.NoError(t, s.TimerStop())
	require.False(t, s.wakeupTable.Enabled())
}

func drainReroutes(t *testing.T, conn net.Conn) <-chan proto.RerouteMsg {
	out := make(chan proto.RerouteMsg, 8)
	go func() {
		ch := wire.New(conn)
		for {
			msg, ok, err := proto.TryReadReroute(ch, time.Now().Add(2*time.Second))
			if err != nil || !ok {
				close(out)
				return
			}
			out <- msg
		}
	}()
	return out
}

func TestConnectSendsRerouteToConsumer(t *testing.T) {
	s := newTestSupervisor(t)

	outConn, outRemote := net.Pipe()
	defer outConn.Close()
	defer outRemote.Close()
	inConn, inRemote := net.Pipe()
	defer inConn.Close()
	defer inRemote.Close()

	mgr := s.shmMgr
	region, err := mgr.Create(uint32(units.Size(units.INT32))*1 + 1)
	require.NoError(t, err)
	defer mgr.Destroy(region)

	out := &graph.Node{Name: "src", Channel: wire.New(outConn), Pipes: []*graph.Pipe{
		{Name: "x", Direction: proto.DirOUT, Unit: units.INT32, Length: 1, Region: region},
	}}
	in := &graph.Node{Name: "snk", Channel: wire.New(inConn), Pipes: []*graph.Pipe{
		{Name: "y", Direction: proto.DirIN, Unit: units.INT32, Length: 1},
	}}
	require.NoError(t, s.graph.AddInactive(out))
	require.NoError(t, s.graph.AddInactive(in))
	require.NoError(t, s.graph.Activate("src"))
	require.NoError(t, s.graph.Activate("snk"))

	reroutes := drainReroutes(t, inRemote)

	require.NoError(t, s.Connect("snk", "y", "src", "x"))

	select {
	case msg := <-reroutes:
		require.Equal(t, uint16(0), msg.PipeIndex)
		require.Equal(t, region.SemID, msg.Region.SemID)
		require.Equal(t, region.ShmID, msg.Region.ShmID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reroute message")
	}
}

func TestSetConstThenGetConstRoundTrip(t *testing.T) {
	s := newTestSupervisor(t)

	mgr := s.shmMgr
	region, err := mgr.Create(uint32(units.Size(units.INT16))*3 + 1)
	require.NoError(t, err)
	defer mgr.Destroy(region)

	n := &graph.Node{Name: "src", Pipes: []*graph.Pipe{
		{Name: "k", Direction: proto.DirCONST, Unit: units.INT16, Length: 3, Region: region},
	}}
	require.NoError(t, s.graph.AddInactive(n))

	p, err := s.SetConstPhase1("src", "k", 3)
	require.NoError(t, err)
	require.NoError(t, s.SetConstPhase2(p, []string{"1", "-2", "30000"}))

	got, err := s.GetConst("src", "k")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "-2", "30000"}, got)
}

func TestSetConstPhase2RejectsAtomically(t *testing.T) {
	s := newTestSupervisor(t)

	mgr := s.shmMgr
	region, err := mgr.Create(uint32(units.Size(units.INT16))*3 + 1)
	require.NoError(t, err)
	defer mgr.Destroy(region)

	n := &graph.Node{Name: "src", Pipes: []*graph.Pipe{
		{Name: "k", Direction: proto.DirCONST, Unit: units.INT16, Length: 3, Region: region},
	}}
	require.NoError(t, s.graph.AddInactive(n))

	p, err := s.SetConstPhase1("src", "k", 3)
	require.NoError(t, err)
	require.NoError(t, s.SetConstPhase2(p, []string{"1", "-2", "30000"}))

	beforeVersion := region.VersionByte()
	err = s.SetConstPhase2(p, []string{"1", "notanumber", "4"})
	require.Error(t, err)
	require.Equal(t, beforeVersion, region.VersionByte())

	got, err := s.GetConst("src", "k")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "-2", "30000"}, got)
}
