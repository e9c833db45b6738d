package supervisor

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/nodeflow-systems/nodeflow/internal/graph"
	"github.com/nodeflow-systems/nodeflow/internal/logging"
)

// livenessPass probes every Active node with a zero signal and reaps the
// dead ones (spec.md §4.5 step 2). The PID is read off the node record
// before it is erased from the graph and the Wakeup Table — the source's
// activation path is flagged (spec.md §9 Open Questions) for doing this
// the other way around and mutating an already-erased iterator; here the
// PID capture always happens first.
func (s *Supervisor) livenessPass() {
	for _, n := range s.graph.ActiveNodes() {
		if s.isAlive(n) {
			continue
		}
		pid := n.PID
		name := n.Name
		s.log.Warn("worker no longer alive, reaping", logging.String("node", name))
		s.destroyNode(n)
		s.graph.Remove(name)
		if err := s.wakeupTable.Remove(pid); err != nil {
			s.log.Error("failed to remove dead pid from wakeup table", logging.Err(err))
		}
		if s.OnNodeRemoved != nil {
			s.OnNodeRemoved(name, pid)
		}
	}
}

func (s *Supervisor) isAlive(n *graph.Node) bool {
	if n.Process == nil {
		return false
	}
	err := unix.Kill(n.PID, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		return true
	}
	return false
}
