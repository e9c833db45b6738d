// Package graph implements the host-side data model (spec.md §3): Pipe
// Descriptors, Node Records, and the Graph that tracks Inactive/Active
// node lifecycle. Peers are stored as (nodeName, pipeName) pairs rather
// than live handles, per spec.md §9 "Cyclic ownership", so a node's death
// never leaves a dangling pointer in its downstream consumers.
package graph

import (
	"os"
	"time"

	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/shm"
	"github.com/nodeflow-systems/nodeflow/internal/units"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

// Pipe is a host-side Pipe Descriptor (spec.md §3).
type Pipe struct {
	Name      string
	Direction proto.Direction
	Unit      units.Unit
	Length    uint16

	// Region is the pipe's own Shared Region (OUT, CONST), or, for a
	// connected IN pipe, the same *shm.Region as its producer's OUT pipe.
	// Nil for an unconnected IN pipe.
	Region *shm.Region

	// PeerNode/PeerPipe identify the upstream producer of a connected IN
	// pipe, resolved by name through the Graph rather than held as a live
	// pointer (spec.md §9).
	PeerNode string
	PeerPipe string

	// ConstStaged holds a host-side initial value for a CONST pipe; Save
	// falls back to it for a CONST pipe that has no Region. The handshake
	// does not carry a worker's addPipe initial value, so AddNode leaves
	// this nil; the worker itself stages that value and writes it into the
	// region during Phase B (internal/node).
	ConstStaged []byte
}

// Connected reports whether this IN pipe currently has an upstream.
func (p *Pipe) Connected() bool {
	return p.Direction == proto.DirIN && p.PeerNode != ""
}

// NodeState is the lifecycle state of a Node Record (spec.md §3 Graph).
type NodeState int

const (
	Inactive NodeState = iota
	Active
)

// Node is a host-side Node Record (spec.md §3).
type Node struct {
	Name           string
	ExecutablePath string
	PID            int
	Process        *os.Process
	Channel        *wire.Channel // framed duplex over the worker's stdin/stdout
	Stderr         *os.File

	State NodeState
	Pipes []*Pipe // declaration order, matches the init handshake

	ActivatedAt time.Time
}

// PipeIndex returns the declaration-order index of the named pipe.
func (n *Node) PipeIndex(name string) (int, bool) {
	for i, p := range n.Pipes {
		if p.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Pipe looks up a pipe by name.
func (n *Node) Pipe(name string) (*Pipe, bool) {
	i, ok := n.PipeIndex(name)
	if !ok {
		return nil, false
	}
	return n.Pipes[i], true
}

// NonINPipes returns the OUT/CONST pipes in declaration order, the set
// Phase B creates one Shared Region per (spec.md §4.3 step 2).
func (n *Node) NonINPipes() []*Pipe {
	out := make([]*Pipe, 0, len(n.Pipes))
	for _, p := range n.Pipes {
		if p.Direction != proto.DirIN {
			out = append(out, p)
		}
	}
	return out
}
