package dispatch

import (
	"errors"
	"time"

	"github.com/nodeflow-systems/nodeflow/internal/graph"
	"github.com/nodeflow-systems/nodeflow/internal/logging"
	"github.com/nodeflow-systems/nodeflow/internal/persist"
	"github.com/nodeflow-systems/nodeflow/internal/units"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

// ErrUnknownOpcode is a Protocol error (spec.md §7): the byte read where
// an opcode was expected does not name one of the fourteen operations.
var ErrUnknownOpcode = errors.New("dispatch: unknown opcode")

// handleAddNode implements ADD_NODE: path:cstring, argc:u16, argv:cstring
// ×argc -> result:i32 (spec.md §4.7).
func (d *Dispatcher) handleAddNode(ch *wire.Channel) error {
	path, err := readString(ch)
	if err != nil {
		return err
	}
	argc, err := readU16(ch)
	if err != nil {
		return err
	}
	argv := make([]string, argc)
	for i := range argv {
		argv[i], err = readString(ch)
		if err != nil {
			return err
		}
	}

	if !d.addNodeLim.Allow(addNodeLimiterKey) {
		return writeI32(ch, -1)
	}

	_, addErr := d.sup.AddNode(d.nodeLogDir, path, argv)
	return writeI32(ch, resultOf(addErr))
}

// handleListNodes implements LIST_NODES: count:u16, then per node (name,
// path, pipeCount, per pipe (name, dir:u8, unit:u8, length:u16,
// connected:u8, [peerNode,peerPipe])) (spec.md §4.7).
func (d *Dispatcher) handleListNodes(ch *wire.Channel) error {
	nodes := d.sup.Nodes()
	if err := writeU16(ch, uint16(len(nodes))); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := writeString(ch, n.Name); err != nil {
			return err
		}
		if err := writeString(ch, n.ExecutablePath); err != nil {
			return err
		}
		if err := writeU16(ch, uint16(len(n.Pipes))); err != nil {
			return err
		}
		for _, p := range n.Pipes {
			if err := writeString(ch, p.Name); err != nil {
				return err
			}
			if err := writeByte(ch, byte(p.Direction)); err != nil {
				return err
			}
			if err := writeByte(ch, byte(p.Unit)); err != nil {
				return err
			}
			if err := writeU16(ch, p.Length); err != nil {
				return err
			}
			connected := p.Connected()
			if err := writeByte(ch, boolByte(connected)); err != nil {
				return err
			}
			if connected {
				if err := writeString(ch, p.PeerNode); err != nil {
					return err
				}
				if err := writeString(ch, p.PeerPipe); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// handleConnect implements CONNECT: inN, inP, outN, outP -> result:i32.
func (d *Dispatcher) handleConnect(ch *wire.Channel) error {
	inN, inP, outN, outP, err := read4Strings(ch)
	if err != nil {
		return err
	}
	return writeI32(ch, resultOf(d.sup.Connect(inN, inP, outN, outP)))
}

// handleDisconnect implements DISCONNECT: inN, inP -> result:i32. The
// worker-side reroute the Supervisor sends always carries the standard
// framed (pipeIdx,0,0) contract, the spec.md §9 Open Question fix; the
// dispatcher's own job here is only to wrap that result in the normal
// framed i32 response rather than any ad hoc unframed write.
func (d *Dispatcher) handleDisconnect(ch *wire.Channel) error {
	inN, err := readString(ch)
	if err != nil {
		return err
	}
	inP, err := readString(ch)
	if err != nil {
		return err
	}
	return writeI32(ch, resultOf(d.sup.Disconnect(inN, inP)))
}

// handleSetConst implements SET_CONST's two-phase contract: node, pipe,
// count:i32 -> phase1:i32; only once phase1 succeeds does the operator
// send the count× value:cstring that phase2 consumes (spec.md §4.7: "count
// mismatching pipe length: phase-1 returns <0; no bytes read from
// operator"). phase1 must therefore be answered before a single value
// string is read off the wire, or a conforming operator waiting on the
// phase1 response before sending values deadlocks against this server.
func (d *Dispatcher) handleSetConst(ch *wire.Channel) error {
	node, err := readString(ch)
	if err != nil {
		return err
	}
	pipe, err := readString(ch)
	if err != nil {
		return err
	}
	count, err := readI32(ch)
	if err != nil {
		return err
	}

	p, phase1Err := d.sup.SetConstPhase1(node, pipe, int(count))
	if err := writeI32(ch, resultOf(phase1Err)); err != nil {
		return err
	}
	if phase1Err != nil {
		return writeI32(ch, -1)
	}

	values := make([]string, count)
	for i := range values {
		if values[i], err = readString(ch); err != nil {
			return err
		}
	}
	return writeI32(ch, resultOf(d.sup.SetConstPhase2(p, values)))
}

// handleGetConst implements GET_CONST: node, pipe -> count:i32, then
// count× value:cstring.
func (d *Dispatcher) handleGetConst(ch *wire.Channel) error {
	node, err := readString(ch)
	if err != nil {
		return err
	}
	pipe, err := readString(ch)
	if err != nil {
		return err
	}
	values, getErr := d.sup.GetConst(node, pipe)
	if getErr != nil {
		return writeI32(ch, -1)
	}
	if err := writeI32(ch, int32(len(values))); err != nil {
		return err
	}
	for _, v := range values {
		if err := writeString(ch, v); err != nil {
			return err
		}
	}
	return nil
}

// handleNodeNames implements NODE_NAMES: count:u16, then count× name.
func (d *Dispatcher) handleNodeNames(ch *wire.Channel) error {
	names := d.sup.NodeNames()
	if err := writeU16(ch, uint16(len(names))); err != nil {
		return err
	}
	for _, n := range names {
		if err := writeString(ch, n); err != nil {
			return err
		}
	}
	return nil
}

// handlePipeNames implements PIPE_NAMES: node -> count:u16, then count×
// name.
func (d *Dispatcher) handlePipeNames(ch *wire.Channel) error {
	node, err := readString(ch)
	if err != nil {
		return err
	}
	names, pnErr := d.sup.PipeNames(node)
	if pnErr != nil {
		return writeU16(ch, 0)
	}
	if err := writeU16(ch, uint16(len(names))); err != nil {
		return err
	}
	for _, n := range names {
		if err := writeString(ch, n); err != nil {
			return err
		}
	}
	return nil
}

// handleSave implements SAVE: path -> result:i32.
func (d *Dispatcher) handleSave(ch *wire.Channel) error {
	path, err := readString(ch)
	if err != nil {
		return err
	}
	return writeI32(ch, resultOf(d.sup.Save(path)))
}

// handleLoad implements LOAD: path -> result:i32. Re-declaring the loaded
// graph's nodes/connections/consts against the live Supervisor spans many
// ticks (each added node must itself complete the handshake before a
// connection naming it can succeed), so this handler starts that
// multi-step replay asynchronously and reports 0 once the save file
// parses; graph.ErrUnknownNode surfaced later by a CONNECT/SET_CONST
// tried too early is the expected shape of "not caught up yet", not a
// dispatcher bug.
func (d *Dispatcher) handleLoad(ch *wire.Channel) error {
	path, err := readString(ch)
	if err != nil {
		return err
	}
	loaded, loadErr := d.sup.Load(d.nodeLogDir, path)
	if loadErr != nil {
		return writeI32(ch, -1)
	}
	go d.replay(loaded)
	return writeI32(ch, 0)
}

// replayAttempts/replayInterval bound how long Load waits for a just-added
// node to reach Active before giving up on its connections/constants
// (spec.md §8 scenario 2 "Fresh Supervisor started. LOAD"): a real worker
// binary activates within a handful of Supervisor iterations, so 2s at
// 20ms is generous without hanging a Load forever on a node that never
// shows up.
const (
	replayAttempts = 100
	replayInterval = 20 * time.Millisecond
)

// replay re-issues AddNode/Connect/SetConst for a loaded graph. It runs
// off the request goroutine because a node must finish its own handshake
// and activation, which spans many Supervisor iterations, before a
// Connect or SetConst naming it can succeed.
func (d *Dispatcher) replay(g *persist.Graph) {
	for _, n := range g.Nodes {
		if _, err := d.sup.AddNode(d.nodeLogDir, n.Path, []string{"-name", n.Name}); err != nil {
			d.log.Error("load: add node failed", logging.String("node", n.Name), logging.Err(err))
		}
	}
	for _, c := range g.Connections {
		if !d.awaitActive(c.InNode) || !d.awaitActive(c.OutNode) {
			d.log.Error("load: connect timed out waiting for nodes", logging.String("in", c.InNode), logging.String("out", c.OutNode))
			continue
		}
		if err := d.sup.Connect(c.InNode, c.InPipe, c.OutNode, c.OutPipe); err != nil {
			d.log.Error("load: connect failed", logging.String("in", c.InNode), logging.Err(err))
		}
	}
	for _, cst := range g.Consts {
		if !d.awaitActive(cst.Node) {
			d.log.Error("load: set const timed out waiting for node", logging.String("node", cst.Node))
			continue
		}
		if err := d.replayConst(cst); err != nil {
			d.log.Error("load: set const failed", logging.String("node", cst.Node), logging.Err(err))
		}
	}
}

func (d *Dispatcher) awaitActive(nodeName string) bool {
	for i := 0; i < replayAttempts; i++ {
		if n, ok := d.sup.Graph().Find(nodeName); ok && n.State == graph.Active {
			return true
		}
		time.Sleep(replayInterval)
	}
	return false
}

func (d *Dispatcher) replayConst(cst persist.ConstEntry) error {
	_, p, err := d.sup.Graph().FindPipe(cst.Node, cst.Pipe)
	if err != nil {
		return err
	}
	elemSize := int(units.Size(p.Unit))
	if elemSize == 0 || len(cst.Payload)%elemSize != 0 {
		return errors.New("dispatch: const payload does not match pipe unit width")
	}
	count := len(cst.Payload) / elemSize
	values := make([]string, count)
	for i := range values {
		text, err := units.Format(p.Unit, cst.Payload[i*elemSize:(i+1)*elemSize])
		if err != nil {
			return err
		}
		values[i] = text
	}
	target, err := d.sup.SetConstPhase1(cst.Node, cst.Pipe, count)
	if err != nil {
		return err
	}
	return d.sup.SetConstPhase2(target, values)
}

// handleTimerRun/Stop/Set/Get implement TIMER_RUN/TIMER_STOP/TIMER_SET/
// TIMER_GET.
func (d *Dispatcher) handleTimerRun(ch *wire.Channel) error  { return d.sup.TimerRun() }
func (d *Dispatcher) handleTimerStop(ch *wire.Channel) error { return d.sup.TimerStop() }

func (d *Dispatcher) handleTimerSet(ch *wire.Channel) error {
	periodMs, err := readI64(ch)
	if err != nil {
		return err
	}
	return d.sup.TimerSet(periodMs)
}

func (d *Dispatcher) handleTimerGet(ch *wire.Channel) error {
	return writeI64(ch, d.sup.TimerGet())
}

func read4Strings(ch *wire.Channel) (a, b, c, e string, err error) {
	if a, err = readString(ch); err != nil {
		return
	}
	if b, err = readString(ch); err != nil {
		return
	}
	if c, err = readString(ch); err != nil {
		return
	}
	if e, err = readString(ch); err != nil {
		return
	}
	return
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
