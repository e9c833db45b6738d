package supervisor

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nodeflow-systems/nodeflow/internal/graph"
	"github.com/nodeflow-systems/nodeflow/internal/logging"
	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/units"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

// activationPass attempts Phase B for every Inactive node, with a bounded
// wait per node so one silent worker cannot stall the rest (spec.md §4.5
// step 1). A node whose executable path has tripped its circuit breaker
// (repeated Phase-B failures after BEGIN_HEAD was actually seen) is
// skipped entirely until the breaker resets.
func (s *Supervisor) activationPass() {
	for _, n := range s.graph.InactiveNodes() {
		if s.breakerFor(n.ExecutablePath).State() == gobreaker.StateOpen {
			continue
		}
		deadline := time.Now().Add(ActivationDeadline)
		if err := proto.ExpectBeginHeadBy(n.Channel, deadline); err != nil {
			if errors.Is(err, wire.ErrTimeout) {
				continue // worker hasn't called begin() yet; try again next iteration
			}
			s.log.Error("malformed BEGIN_HEAD, dropping node", logging.String("node", n.Name), logging.Err(err))
			s.killAndDrop(n)
			continue
		}

		breaker := s.breakerFor(n.ExecutablePath)
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, s.completeActivation(n)
		})
		switch {
		case err == nil:
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			s.log.Warn("activation circuit open, skipping", logging.String("path", n.ExecutablePath))
		default:
			s.log.Error("activation hard-failed, dropping node", logging.String("node", n.Name), logging.Err(err))
			s.killAndDrop(n)
		}
	}
}

// completeActivation runs the rest of Phase B once BEGIN_HEAD has been
// observed: create one Shared Region per non-IN pipe, send their ids,
// await BEGIN_EOF, then move the node Active and enroll it in the Wakeup
// Table (spec.md §4.3 step 2-3).
func (s *Supervisor) completeActivation(n *graph.Node) error {
	nonIN := n.NonINPipes()
	ids := make([]proto.RegionID, len(nonIN))

	for i, p := range nonIN {
		size := uint32(units.Size(p.Unit))*uint32(p.Length) + 1
		region, err := s.shmMgr.Create(size)
		if err != nil {
			s.rollbackRegions(nonIN[:i])
			return err
		}
		s.graph.SetRegion(p, region)
		ids[i] = proto.RegionID{SemID: region.SemID, ShmID: region.ShmID}
	}

	deadline := time.Now().Add(ActivationDeadline)
	if err := proto.SendBeginRegionsBy(n.Channel, deadline, ids); err != nil {
		s.rollbackRegions(nonIN)
		return err
	}

	if err := s.graph.Activate(n.Name); err != nil {
		s.rollbackRegions(nonIN)
		return err
	}
	if err := s.wakeupTable.Enroll(n.PID); err != nil {
		return err
	}
	n.ActivatedAt = time.Now()
	s.log.Info("node activated", logging.String("node", n.Name))
	return nil
}

func (s *Supervisor) rollbackRegions(pipes []*graph.Pipe) {
	for _, p := range pipes {
		if region := s.graph.ClearRegion(p); region != nil {
			_ = s.shmMgr.Destroy(region)
		}
	}
}

func (s *Supervisor) killAndDrop(n *graph.Node) {
	pid := n.PID
	name := n.Name
	s.destroyNode(n)
	s.graph.Remove(name)
	if s.OnNodeRemoved != nil {
		s.OnNodeRemoved(name, pid)
	}
}
