package supervisor

import (
	"fmt"

	"github.com/nodeflow-systems/nodeflow/internal/graph"
	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/units"
)

// Connect validates and wires a connection, then sends the reroute
// message to the consumer's stdin (spec.md §4.5 Connection routing).
func (s *Supervisor) Connect(inNode, inPipe, outNode, outPipe string) error {
	producer, err := s.graph.Connect(inNode, inPipe, outNode, outPipe)
	if err != nil {
		return err
	}
	in, _ := s.graph.Find(inNode)
	idx, _ := in.PipeIndex(inPipe)
	region := s.graph.RegionOf(producer)
	return proto.WriteReroute(in.Channel, proto.RerouteMsg{
		PipeIndex: uint16(idx),
		Region:    proto.RegionID{SemID: region.SemID, ShmID: region.ShmID},
	})
}

// Disconnect clears an IN pipe's peer and always notifies the worker, even
// if it was not connected (spec.md §8 boundary: "Disconnecting an IN that
// is not connected: returns 0 and sends (pipeIdx,0,0)").
func (s *Supervisor) Disconnect(inNode, inPipe string) error {
	if err := s.graph.Disconnect(inNode, inPipe); err != nil {
		return err
	}
	n, _ := s.graph.Find(inNode)
	idx, _ := n.PipeIndex(inPipe)
	return proto.WriteReroute(n.Channel, proto.RerouteMsg{PipeIndex: uint16(idx)})
}

// SetConstPhase1 validates the target pipe and element count (spec.md
// §4.7 SET_CONST: "phase1:i32, phase2:i32").
func (s *Supervisor) SetConstPhase1(nodeName, pipeName string, count int) (*graph.Pipe, error) {
	_, p, err := s.graph.FindPipe(nodeName, pipeName)
	if err != nil {
		return nil, err
	}
	if p.Direction != proto.DirCONST {
		return nil, fmt.Errorf("supervisor: %s.%s is not CONST", nodeName, pipeName)
	}
	if count != int(p.Length) {
		return nil, fmt.Errorf("supervisor: count %d != pipe length %d", count, p.Length)
	}
	return p, nil
}

// SetConstPhase2 parses every value and, only if all parse, writes the
// payload atomically under the region's lock (spec.md §7 "Value" errors:
// "reject setConst atomically; no partial update").
func (s *Supervisor) SetConstPhase2(p *graph.Pipe, values []string) error {
	elemSize := int(units.Size(p.Unit))
	payload := make([]byte, 0, elemSize*len(values))
	for _, v := range values {
		b, err := units.Parse(p.Unit, v)
		if err != nil {
			return err
		}
		payload = append(payload, b...)
	}
	region := s.graph.RegionOf(p)
	if region == nil {
		return fmt.Errorf("supervisor: pipe has no backing region (node not Active)")
	}
	_, err := region.WriteVersioned(1, payload)
	return err
}

// GetConst formats a CONST pipe's current value as text, one element per
// slot (spec.md §4.7 GET_CONST).
func (s *Supervisor) GetConst(nodeName, pipeName string) ([]string, error) {
	_, p, err := s.graph.FindPipe(nodeName, pipeName)
	if err != nil {
		return nil, err
	}
	if p.Direction != proto.DirCONST {
		return nil, fmt.Errorf("supervisor: %s.%s is not CONST", nodeName, pipeName)
	}
	region := s.graph.RegionOf(p)
	if region == nil {
		return nil, fmt.Errorf("supervisor: pipe has no backing region (node not Active)")
	}
	elemSize := int(units.Size(p.Unit))
	buf := make([]byte, elemSize*int(p.Length))
	if _, err := region.ReadVersioned(1, buf); err != nil {
		return nil, err
	}
	values := make([]string, p.Length)
	for i := range values {
		text, err := units.Format(p.Unit, buf[i*elemSize:(i+1)*elemSize])
		if err != nil {
			return nil, err
		}
		values[i] = text
	}
	return values, nil
}

// NodeNames returns every known node's name, Inactive then Active.
func (s *Supervisor) NodeNames() []string {
	nodes := s.graph.AllNodes()
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	return names
}

// PipeNames returns a node's pipe names in declaration order.
func (s *Supervisor) PipeNames(nodeName string) ([]string, error) {
	n, ok := s.graph.Find(nodeName)
	if !ok {
		return nil, graph.ErrUnknownNode
	}
	names := make([]string, len(n.Pipes))
	for i, p := range n.Pipes {
		names[i] = p.Name
	}
	return names, nil
}

// Nodes exposes the full node list for LIST_NODES.
func (s *Supervisor) Nodes() []*graph.Node {
	return s.graph.AllNodes()
}
