package dispatch

import (
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nodeflow-systems/nodeflow/internal/logging"
	"github.com/nodeflow-systems/nodeflow/internal/supervisor"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

// addNodeRatePerSec and addNodeBurst bound how fast a single front-end
// connection may spawn worker processes: a steady 20/sec with room for a
// burst of 4, enough for a legitimate bring-up script to add a handful of
// nodes back to back without being throttled, but not enough for a
// runaway client to fork-bomb the host (spec.md §9 "Resource exhaustion"
// concerns, addressed here rather than left to the OS). addNodeLimiterKey
// is the single bucket key: one Dispatcher already serves one connection,
// so there is no per-caller key to key the bucket by beyond that.
const (
	addNodeRatePerSec = 20
	addNodeBurst      = 4
	addNodeLimiterKey = "add_node"
)

// Config bundles what a Dispatcher needs per front-end connection.
type Config struct {
	Supervisor *supervisor.Supervisor
	NodeLogDir string
	Logger     *logging.Logger
}

// Dispatcher serves the Command Dispatcher's opcode table (spec.md §4.7)
// over one Framed Channel. One Dispatcher is created per accepted
// connection (see transport.go); all of them share the same underlying
// Supervisor.
type Dispatcher struct {
	sup          *supervisor.Supervisor
	nodeLogDir   string
	log          *logging.Logger
	addNodeLim   *limiter.TokenBucket
	addNodeStore store.Store
}

// New returns a Dispatcher bound to cfg.Supervisor, with its own
// ADD_NODE token-bucket rate limiter.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("dispatch")
	}
	addNodeStore := store.NewMemoryStore(time.Minute)
	addNodeLim, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     addNodeRatePerSec,
		Duration: time.Second,
		Burst:    addNodeBurst,
	}, addNodeStore)
	if err != nil {
		// Config above is constant and known-valid; a construction error
		// here would mean the limiter library itself rejected sane
		// arguments, which leaves nothing sensible to do but panic at
		// startup rather than silently serve ADD_NODE unthrottled.
		panic("dispatch: invalid ADD_NODE rate limiter config: " + err.Error())
	}
	return &Dispatcher{
		sup:          cfg.Supervisor,
		nodeLogDir:   cfg.NodeLogDir,
		log:          cfg.Logger,
		addNodeLim:   addNodeLim,
		addNodeStore: addNodeStore,
	}
}

// Serve reads and answers opcoded requests from ch until it returns an
// error (typically the peer closing the connection). One malformed
// opcode ends the session; a handler-level failure only ends that one
// request (spec.md §7: Protocol errors close the connection, Value/
// Resource errors surface as a negative result).
func (d *Dispatcher) Serve(ch *wire.Channel) error {
	for {
		raw, err := readByte(ch)
		if err != nil {
			return err
		}
		op := Opcode(raw)
		if op > maxOpcode {
			d.log.Error("unknown opcode, closing connection", logging.Int("opcode", int(raw)))
			return ErrUnknownOpcode
		}
		start := time.Now()
		if err := d.dispatch(ch, op); err != nil {
			d.log.Error("opcode handler failed", logging.String("op", op.String()), logging.Err(err))
		}
		d.log.Debug("opcode served", logging.String("op", op.String()),
			logging.String("elapsed", time.Since(start).String()))
	}
}

func (d *Dispatcher) dispatch(ch *wire.Channel, op Opcode) error {
	switch op {
	case AddNode:
		return d.handleAddNode(ch)
	case ListNodes:
		return d.handleListNodes(ch)
	case Connect:
		return d.handleConnect(ch)
	case Disconnect:
		return d.handleDisconnect(ch)
	case SetConst:
		return d.handleSetConst(ch)
	case GetConst:
		return d.handleGetConst(ch)
	case NodeNames:
		return d.handleNodeNames(ch)
	case PipeNames:
		return d.handlePipeNames(ch)
	case Save:
		return d.handleSave(ch)
	case Load:
		return d.handleLoad(ch)
	case TimerRun:
		return d.handleTimerRun(ch)
	case TimerStop:
		return d.handleTimerStop(ch)
	case TimerSet:
		return d.handleTimerSet(ch)
	case TimerGet:
		return d.handleTimerGet(ch)
	default:
		return ErrUnknownOpcode
	}
}
