// Package supervisor implements the Supervisor (spec.md §4.5): it owns
// the System Settings region, the Wakeup Table, and the Graph; spawns
// worker processes; drives their handshake to Active; and routes operator
// commands against live node/pipe state.
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nodeflow-systems/nodeflow/internal/graph"
	"github.com/nodeflow-systems/nodeflow/internal/logging"
	"github.com/nodeflow-systems/nodeflow/internal/settings"
	"github.com/nodeflow-systems/nodeflow/internal/shm"
	"github.com/nodeflow-systems/nodeflow/internal/wakeup"
)

// IterationPeriod is the Supervisor main loop cadence (spec.md §4.5:
// "~1 ms cadence").
const IterationPeriod = time.Millisecond

// ActivationDeadline bounds how long the activation pass waits for a
// single Inactive node's BEGIN_HEAD before moving to the next node this
// iteration (spec.md §4.5 "attempt Phase B (bounded wait)").
const ActivationDeadline = 2 * time.Millisecond

// Config bundles what a Supervisor needs to run.
type Config struct {
	ShmBaseDir   string
	TickPeriodMs int64
	TzOffsetSec  int64
	NoLog        bool
	Logger       *logging.Logger
}

// Supervisor is the running host process's graph, region, and wakeup
// state (spec.md §4.5).
type Supervisor struct {
	log *logging.Logger

	shmMgr *shm.Manager
	graph  *graph.Graph

	settingsRegion *shm.Region
	wakeupRegion   *shm.Region
	wakeupTable    *wakeup.Table

	// breakers guards one circuit breaker per executable path, tripped by
	// repeated Phase-B handshake failures for that path (spec.md §9
	// pairs with the "activation path" open question; this is additive
	// hardening against a consistently-misbehaving node binary).
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	stopped chan struct{}
	once    sync.Once

	// OnNodeRemoved, if set, is called whenever a node leaves the graph
	// outside of an operator-initiated action (worker crash, dropped
	// handshake). The Command Dispatcher's push stream uses this to tell
	// connected operator front-ends about scenario-5-style cleanup
	// without them having to poll LIST_NODES.
	OnNodeRemoved func(name string, pid int)
}

// New creates the System Settings and Wakeup Table regions and returns a
// ready-to-Run Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("supervisor")
	}

	mgr, err := shm.NewManager(cfg.ShmBaseDir)
	if err != nil {
		return nil, err
	}

	settingsRegion, err := mgr.Create(settings.Size)
	if err != nil {
		return nil, err
	}
	if err := settings.Write(settingsRegion, settings.Settings{
		NoLog:           cfg.NoLog,
		TzOffsetSeconds: cfg.TzOffsetSec,
		TickPeriodMs:    cfg.TickPeriodMs,
	}); err != nil {
		return nil, err
	}

	wakeupRegion, err := mgr.Create(wakeup.Size)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		log:            cfg.Logger,
		shmMgr:         mgr,
		graph:          graph.New(),
		settingsRegion: settingsRegion,
		wakeupRegion:   wakeupRegion,
		wakeupTable:    wakeup.Open(wakeupRegion),
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
		stopped:        make(chan struct{}),
	}
	return s, nil
}

// SettingsRegionID exposes the System Settings region's ids, sent to every
// worker during Phase A (spec.md §4.3 step 2).
func (s *Supervisor) SettingsRegionID() (semID, shmID int32) {
	return s.settingsRegion.SemID, s.settingsRegion.ShmID
}

// ShmManager exposes the region manager, e.g. for tests that create or
// destroy pipe regions directly.
func (s *Supervisor) ShmManager() *shm.Manager { return s.shmMgr }

// WakeupRegionID exposes the Wakeup Table region's ids, passed to the
// forked Tick Driver at startup (spec.md §4.6).
func (s *Supervisor) WakeupRegionID() (semID, shmID int32) {
	return s.wakeupRegion.SemID, s.wakeupRegion.ShmID
}

// Graph exposes the node/pipe collections, e.g. for the dispatcher's LOAD
// replay, which polls node state and resolves CONST pipes by name.
func (s *Supervisor) Graph() *graph.Graph { return s.graph }

func (s *Supervisor) breakerFor(path string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[path]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        path,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	s.breakers[path] = b
	return b
}

// Run drives the main loop until ctx is cancelled (spec.md §4.5): each
// iteration performs the activation pass then the liveness pass, sleeping
// IterationPeriod between iterations. The command pass is not driven from
// here; in this Go-native rendering, operator commands arrive concurrently
// through the Command Dispatcher. That Dispatcher runs on its own
// goroutine per connection, so every access to a Pipe's Region from here,
// from the Dispatcher, or from teardown goes through the Graph's
// RegionOf/SetRegion/ClearRegion accessors, which hold Graph.mu for the
// whole operation rather than just an initial lookup.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(IterationPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(s.stopped)
			return nil
		case <-ticker.C:
			s.activationPass()
			s.livenessPass()
		}
	}
}

// Shutdown tears down every live node's resources. It must leave the set
// of Supervisor-created kernel objects empty (spec.md §8 "Region
// accounting").
func (s *Supervisor) Shutdown() {
	for _, n := range s.graph.AllNodes() {
		s.destroyNode(n)
	}
	_ = s.shmMgr.Destroy(s.settingsRegion)
	_ = s.shmMgr.Destroy(s.wakeupRegion)
}

func (s *Supervisor) destroyNode(n *graph.Node) {
	for _, p := range n.Pipes {
		if p.Direction.String() != "IN" {
			if region := s.graph.ClearRegion(p); region != nil {
				_ = s.shmMgr.Destroy(region)
			}
		}
	}
	if n.Process != nil {
		_ = n.Process.Kill()
		_, _ = n.Process.Wait()
	}
	if n.Stderr != nil {
		_ = n.Stderr.Close()
	}
}

// spawn starts the worker executable with stdin/stdout framed pipes to the
// Supervisor and stderr redirected to its per-node log file, mirroring the
// fd layout spec.md §6 requires of the worker process contract.
func spawn(path string, argv []string, stderr *os.File) (*exec.Cmd, *os.File, *os.File, error) {
	cmd := exec.Command(path, argv...)
	cmd.Stderr = stderr

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, nil, nil, err
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, nil, err
	}
	// The child inherited its ends; the parent only needs its own.
	stdinR.Close()
	stdoutW.Close()
	return cmd, stdinW, stdoutR, nil
}
