package graph

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"

	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/shm"
)

// ErrNameTaken is a Graph error (spec.md §7): the name collides with an
// existing node.
var ErrNameTaken = errors.New("graph: node name already in use")

// ErrUnknownNode / ErrUnknownPipe are Graph errors for lookups against a
// name that resolves to nothing.
var (
	ErrUnknownNode = errors.New("graph: unknown node")
	ErrUnknownPipe = errors.New("graph: unknown pipe")
)

// bloomExpectedNodes and bloomFalsePositiveRate size the Bloom filter that
// accelerates the common "name not taken" path of AddNode: most adds are
// new names, and the filter lets that path skip a map lookup under the
// Graph lock entirely. A positive filter hit always falls through to the
// authoritative map before rejecting, so false positives never cause a
// wrongly-rejected add.
const (
	bloomExpectedNodes     = 4096
	bloomFalsePositiveRate = 0.01
)

// Graph holds the Supervisor's InactiveNodes and ActiveNodes collections
// (spec.md §3). Names are globally unique across both.
type Graph struct {
	mu sync.Mutex

	inactive []*Node
	active   []*Node
	byName   map[string]*Node

	nameFilter *bloom.BloomFilter
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		byName:     make(map[string]*Node),
		nameFilter: bloom.NewWithEstimates(bloomExpectedNodes, bloomFalsePositiveRate),
	}
}

// AddInactive enrolls a freshly handshaken (Phase A complete) node in
// Inactive state. Rejects a name collision with no partial state
// (spec.md §8 "Name uniqueness").
func (g *Graph) AddInactive(n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.nameFilter.TestString(n.Name) {
		if _, exists := g.byName[n.Name]; exists {
			return errors.Wrapf(ErrNameTaken, "%q", n.Name)
		}
	}

	n.State = Inactive
	g.inactive = append(g.inactive, n)
	g.byName[n.Name] = n
	g.nameFilter.AddString(n.Name)
	return nil
}

// Activate moves a node from Inactive to Active, appending it to
// ActiveNodes (spec.md §4.3 Phase B: "On success the node moves
// Inactive→Active").
func (g *Graph) Activate(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, n := range g.inactive {
		if n.Name == name {
			n.State = Active
			g.inactive = append(g.inactive[:i], g.inactive[i+1:]...)
			g.active = append(g.active, n)
			return nil
		}
	}
	return errors.Wrapf(ErrUnknownNode, "%q not inactive", name)
}

// Remove drops a node (Inactive or Active) from the graph entirely, e.g.
// on handshake failure or observed death (spec.md §3 Lifecycles). It also
// clears any IN pipe elsewhere in the graph that pointed at it, so a
// removed producer never leaves a stale PeerNode/PeerPipe pair.
func (g *Graph) Remove(name string) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var removed *Node
	for i, n := range g.inactive {
		if n.Name == name {
			removed = n
			g.inactive = append(g.inactive[:i], g.inactive[i+1:]...)
			break
		}
	}
	if removed == nil {
		for i, n := range g.active {
			if n.Name == name {
				removed = n
				g.active = append(g.active[:i], g.active[i+1:]...)
				break
			}
		}
	}
	if removed == nil {
		return nil, false
	}
	delete(g.byName, name)

	for _, other := range g.byName {
		for _, p := range other.Pipes {
			if p.PeerNode == name {
				p.PeerNode = ""
				p.PeerPipe = ""
				p.Region = nil
			}
		}
	}
	return removed, true
}

// RegionOf reads a Pipe's current Region under the Graph lock.
// Activation, teardown, Connect and Disconnect all mutate Region while
// holding this same lock, so a bare `p.Region` read anywhere outside
// this accessor races against them; every reader must go through here
// instead of dereferencing the field directly.
func (g *Graph) RegionOf(p *Pipe) *shm.Region {
	g.mu.Lock()
	defer g.mu.Unlock()
	return p.Region
}

// SetRegion installs a newly created Region on a Pipe under the Graph
// lock (spec.md §4.3 step 2, completeActivation's per-pipe Region
// creation).
func (g *Graph) SetRegion(p *Pipe, region *shm.Region) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.Region = region
}

// ClearRegion nils a Pipe's Region under the Graph lock and returns
// whatever was there, so the caller can destroy the underlying Shared
// Region (a kernel-level operation with no need for the lock held)
// without a window where another goroutine could still observe the
// stale pointer.
func (g *Graph) ClearRegion(p *Pipe) *shm.Region {
	g.mu.Lock()
	defer g.mu.Unlock()
	region := p.Region
	p.Region = nil
	return region
}

// Find looks up any node, Active or Inactive, by name.
func (g *Graph) Find(name string) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.byName[name]
	return n, ok
}

// FindPipe resolves a (nodeName, pipeName) pair.
func (g *Graph) FindPipe(nodeName, pipeName string) (*Node, *Pipe, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.byName[nodeName]
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnknownNode, "%q", nodeName)
	}
	p, ok := n.Pipe(pipeName)
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnknownPipe, "%s.%s", nodeName, pipeName)
	}
	return n, p, nil
}

// ActiveNodes returns a snapshot of the Active collection.
func (g *Graph) ActiveNodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Node, len(g.active))
	copy(out, g.active)
	return out
}

// InactiveNodes returns a snapshot of the Inactive collection.
func (g *Graph) InactiveNodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Node, len(g.inactive))
	copy(out, g.inactive)
	return out
}

// AllNodes returns Inactive then Active nodes, a stable order used by
// LIST_NODES/NODE_NAMES and graph save (spec.md §4.7, §6).
func (g *Graph) AllNodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Node, 0, len(g.inactive)+len(g.active))
	out = append(out, g.inactive...)
	out = append(out, g.active...)
	return out
}

// Connect validates and wires inNode.inPipe to outNode.outPipe (spec.md
// §4.5 Connection routing). It mutates the IN pipe's peer fields and
// returns the producer's OUT pipe, whose Region the caller reads to send
// the reroute message; it does not itself touch the worker's stdin.
func (g *Graph) Connect(inNode, inPipe, outNode, outPipe string) (*Pipe, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	in, ok := g.byName[inNode]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "%q", inNode)
	}
	out, ok := g.byName[outNode]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "%q", outNode)
	}
	if in.State != Active || out.State != Active {
		return nil, fmt.Errorf("graph: both nodes must be Active")
	}
	ip, ok := in.Pipe(inPipe)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPipe, "%s.%s", inNode, inPipe)
	}
	op, ok := out.Pipe(outPipe)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPipe, "%s.%s", outNode, outPipe)
	}
	if ip.Direction != proto.DirIN {
		return nil, fmt.Errorf("graph: %s.%s is not IN", inNode, inPipe)
	}
	if op.Direction != proto.DirOUT {
		return nil, fmt.Errorf("graph: %s.%s is not OUT", outNode, outPipe)
	}
	if ip.Unit != op.Unit {
		return nil, fmt.Errorf("graph: unit mismatch %s != %s", ip.Unit, op.Unit)
	}
	if ip.Length != op.Length {
		return nil, fmt.Errorf("graph: length mismatch %d != %d", ip.Length, op.Length)
	}

	ip.PeerNode = outNode
	ip.PeerPipe = outPipe
	ip.Region = op.Region
	return op, nil
}

// Disconnect clears an IN pipe's peer, regardless of whether it was
// connected (spec.md §8: "Disconnecting an IN that is not connected:
// returns 0").
func (g *Graph) Disconnect(inNode, inPipe string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	in, ok := g.byName[inNode]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "%q", inNode)
	}
	ip, ok := in.Pipe(inPipe)
	if !ok {
		return errors.Wrapf(ErrUnknownPipe, "%s.%s", inNode, inPipe)
	}
	if ip.Direction != proto.DirIN {
		return fmt.Errorf("graph: %s.%s is not IN", inNode, inPipe)
	}
	ip.PeerNode = ""
	ip.PeerPipe = ""
	ip.Region = nil
	return nil
}
