package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/sagernet/smux"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow-systems/nodeflow/internal/graph"
	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/supervisor"
	"github.com/nodeflow-systems/nodeflow/internal/units"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

func TestTransportServesOpcodesOverSmux(t *testing.T) {
	sup, err := supervisor.New(supervisor.Config{ShmBaseDir: t.TempDir(), TickPeriodMs: 10})
	require.NoError(t, err)
	t.Cleanup(sup.Shutdown)

	n := &graph.Node{Name: "src", ExecutablePath: "/p/src", Pipes: []*graph.Pipe{
		{Name: "x", Direction: proto.DirOUT, Unit: units.INT32, Length: 1},
	}}
	require.NoError(t, sup.Graph().AddInactive(n))

	tr := NewTransport(Config{Supervisor: sup, NodeLogDir: t.TempDir()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go tr.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	muxCfg := smux.DefaultConfig()
	session, err := smux.Client(conn, muxCfg)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	opcodeStream, err := session.OpenStream()
	require.NoError(t, err)
	t.Cleanup(func() { opcodeStream.Close() })

	pushStream, err := session.AcceptStream()
	require.NoError(t, err)
	t.Cleanup(func() { pushStream.Close() })

	ch := wire.New(opcodeStream)
	require.NoError(t, writeByte(ch, byte(NodeNames)))
	count, err := readU16(ch)
	require.NoError(t, err)
	require.Equal(t, uint16(1), count)
	name, err := readString(ch)
	require.NoError(t, err)
	require.Equal(t, "src", name)

	pushCh := wire.New(pushStream)
	sup.OnNodeRemoved("gone", 4242)
	gotName, err := pushCh.ReadCStringBy(time.Now().Add(2*time.Second), maxNameLen)
	require.NoError(t, err)
	require.Equal(t, "gone", gotName)
}
