package supervisor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow-systems/nodeflow/internal/graph"
	"github.com/nodeflow-systems/nodeflow/internal/persist"
	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/units"
)

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := newTestSupervisor(t)

	region, err := s.shmMgr.Create(uint32(units.Size(units.INT16))*3 + 1)
	require.NoError(t, err)
	defer s.shmMgr.Destroy(region)

	n := &graph.Node{Name: "src", ExecutablePath: "/p/src", Pipes: []*graph.Pipe{
		{Name: "k", Direction: proto.DirCONST, Unit: units.INT16, Length: 3, Region: region},
	}}
	require.NoError(t, s.graph.AddInactive(n))

	p, err := s.SetConstPhase1("src", "k", 3)
	require.NoError(t, err)
	require.NoError(t, s.SetConstPhase2(p, []string{"1", "-2", "30000"}))

	savePath := filepath.Join(t.TempDir(), "g.txt")
	require.NoError(t, s.Save(savePath))

	g, err := s.Load(t.TempDir(), savePath)
	require.NoError(t, err)
	require.Equal(t, []persist.NodeEntry{{Path: "/p/src", Name: "src"}}, g.Nodes)
	require.Len(t, g.Consts, 1)
	require.Equal(t, "k", g.Consts[0].Pipe)
}
