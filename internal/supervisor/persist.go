package supervisor

import (
	"os"

	"github.com/pkg/errors"

	"github.com/nodeflow-systems/nodeflow/internal/graph"
	"github.com/nodeflow-systems/nodeflow/internal/persist"
	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/units"
)

// Save writes the current node set, connection set, and CONST payloads to
// path (spec.md §4.7 SAVE).
func (s *Supervisor) Save(path string) error {
	var out persist.Graph

	nodes := s.graph.AllNodes()
	for _, n := range nodes {
		out.Nodes = append(out.Nodes, persist.NodeEntry{Path: n.ExecutablePath, Name: n.Name})
		for _, p := range n.Pipes {
			switch p.Direction {
			case proto.DirIN:
				if p.Connected() {
					out.Connections = append(out.Connections, persist.ConnectionEntry{
						InNode: n.Name, InPipe: p.Name, OutNode: p.PeerNode, OutPipe: p.PeerPipe,
					})
				}
			case proto.DirCONST:
				payload, err := s.constPayload(p)
				if err != nil {
					return err
				}
				out.Consts = append(out.Consts, persist.ConstEntry{Node: n.Name, Pipe: p.Name, Payload: payload})
			}
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "supervisor: create save file")
	}
	defer f.Close()
	return persist.Save(f, out)
}

func (s *Supervisor) constPayload(p *graph.Pipe) ([]byte, error) {
	size := int(units.Size(p.Unit)) * int(p.Length)
	region := s.graph.RegionOf(p)
	if region == nil {
		if p.ConstStaged != nil {
			return p.ConstStaged, nil
		}
		return make([]byte, size), nil
	}
	buf := make([]byte, size)
	if _, err := region.ReadVersioned(1, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Load opens and decodes the save file at path and returns its node,
// connection, and constant sections. It does not itself re-issue
// AddNode/Connect/SetConst against the graph; the dispatcher's LOAD
// handler does that, since nodes must finish their own handshake and
// activation before connections/constants naming them can resolve.
// logDir is not used here.
func (s *Supervisor) Load(logDir, path string) (*persist.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: open save file")
	}
	defer f.Close()

	g, err := persist.Load(f)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
