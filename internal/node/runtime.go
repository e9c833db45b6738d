// Package node is the Node-side Runtime (spec.md §4.4): the library a
// worker executable links against to declare pipes, perform the
// handshake, and exchange data with the Supervisor on each tick.
package node

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nodeflow-systems/nodeflow/internal/logging"
	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/settings"
	"github.com/nodeflow-systems/nodeflow/internal/shm"
	"github.com/nodeflow-systems/nodeflow/internal/units"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

// State is the worker's lifecycle state (spec.md §4.4).
type State int

const (
	Uninitialized State = iota
	Configured
	Running
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Configured:
		return "Configured"
	case Running:
		return "Running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrWrongState is a State error (spec.md §7): the call is illegal in the
// runtime's current state.
var ErrWrongState = errors.New("node: operation illegal in current state")

// pipeSlot is a Worker Pipe Slot (spec.md §3): a Pipe Descriptor plus the
// lastSeenVersion used to detect fresh producer writes.
type pipeSlot struct {
	name            string
	direction       proto.Direction
	unit            units.Unit
	length          uint16
	region          *shm.Region
	lastSeenVersion byte
	constStaged     []byte
}

func (p *pipeSlot) byteLen() uint32 {
	return uint32(units.Size(p.unit)) * uint32(p.length)
}

// Options configures a Runtime at construction time.
type Options struct {
	CSVMode bool // spec.md §6: rename the log file extension to .csv
}

// Runtime is a worker process's handle onto the handshake, its pipe
// table, and the cached System Settings snapshot.
type Runtime struct {
	opts Options

	ch        *wire.Channel
	stdinFile *os.File
	shmMgr    *shm.Manager
	parentPID int

	state State
	pipes []*pipeSlot

	settingsRegion *shm.Region
	cachedSettings settings.Settings

	logFile *os.File
	logger  *logging.Logger
}

// New constructs a Runtime over the worker's stdin/stdout, ready for
// addPipe calls.
func New(stdin, stdout *os.File, shmMgr *shm.Manager, parentPID int, opts Options) *Runtime {
	return &Runtime{
		opts:      opts,
		ch:        wire.New(&stdioReadWriter{r: stdin, w: stdout}),
		stdinFile: stdin,
		shmMgr:    shmMgr,
		parentPID: parentPID,
		state:     Uninitialized,
	}
}

// stdioReadWriter composes separate stdin/stdout files into a single
// io.ReadWriter, and forwards SetReadDeadline to stdin so wire.Channel's
// non-blocking spin logic applies to it once it's switched non-blocking.
type stdioReadWriter struct {
	r *os.File
	w *os.File
}

func (s *stdioReadWriter) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdioReadWriter) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdioReadWriter) SetReadDeadline(t time.Time) error {
	return s.r.SetReadDeadline(t)
}

// AddPipe declares a pipe. Only legal before Init (spec.md §4.4). For a
// CONST pipe with a non-nil initialValue, the bytes are staged and copied
// into the shared region once Begin creates it.
func (rt *Runtime) AddPipe(name string, direction proto.Direction, unit units.Unit, length uint16, initialValue []byte) error {
	if rt.state != Uninitialized {
		return errors.Wrap(ErrWrongState, "addPipe")
	}
	if !units.Valid(unit) {
		return fmt.Errorf("node: unknown unit %d", unit)
	}
	if length == 0 {
		return fmt.Errorf("node: pipe length must be >= 1")
	}
	for _, p := range rt.pipes {
		if p.name == name {
			return fmt.Errorf("node: duplicate pipe name %q", name)
		}
	}
	slot := &pipeSlot{name: name, direction: direction, unit: unit, length: length}
	if direction == proto.DirCONST && initialValue != nil {
		slot.constStaged = append([]byte(nil), initialValue...)
	}
	rt.pipes = append(rt.pipes, slot)
	return nil
}

// Init performs Phase A (spec.md §4.3), opens System Settings read-only,
// and opens the per-node log file.
func (rt *Runtime) Init() error {
	if rt.state != Uninitialized {
		return errors.Wrap(ErrWrongState, "init")
	}

	specs := make([]proto.PipeSpec, len(rt.pipes))
	for i, p := range rt.pipes {
		specs[i] = proto.PipeSpec{Direction: p.direction, Unit: p.unit, Length: p.length, Name: p.name}
	}

	settingsID, logPath, err := proto.WorkerInit(rt.ch, specs)
	if err != nil {
		return errors.Wrap(err, "node: init handshake")
	}

	region, err := rt.shmMgr.Attach(settingsID.ShmID, settingsID.SemID, shm.RO)
	if err != nil {
		return errors.Wrap(err, "node: attach settings region")
	}
	rt.settingsRegion = region
	rt.cachedSettings = settings.Read(region)

	format := logging.FormatText
	if rt.opts.CSVMode {
		logPath = csvPath(logPath)
		format = logging.FormatCSV
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "node: open log file")
	}
	rt.logFile = logFile
	rt.logger = logging.New(logging.Config{
		Component: "node",
		Output:    logFile,
		Format:    format,
		NoLog:     rt.cachedSettings.NoLog,
	})

	rt.state = Configured
	return nil
}

// csvPath computes a new path with its extension replaced by .csv,
// without mutating the string the host sent (spec.md §9 Open Questions:
// "compute a new path and open it, not mutate the received buffer").
func csvPath(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[:i] + ".csv"
	}
	return path + ".csv"
}

// Begin performs Phase B, switches stdin non-blocking, and transitions to
// Running (spec.md §4.4).
func (rt *Runtime) Begin() error {
	if rt.state != Configured {
		return errors.Wrap(ErrWrongState, "begin")
	}

	nonIN := rt.nonINSlots()
	ids, err := proto.WorkerBegin(rt.ch, len(nonIN))
	if err != nil {
		return errors.Wrap(err, "node: begin handshake")
	}

	for i, slot := range nonIN {
		region, err := rt.shmMgr.Attach(ids[i].ShmID, ids[i].SemID, shm.RW)
		if err != nil {
			return errors.Wrap(err, "node: attach pipe region")
		}
		slot.region = region
		if slot.direction == proto.DirCONST && slot.constStaged != nil {
			if _, err := region.WriteVersioned(1, slot.constStaged); err != nil {
				return errors.Wrap(err, "node: stage const initial value")
			}
		}
	}

	if err := unix.SetNonblock(int(rt.stdinFile.Fd()), true); err != nil {
		return errors.Wrap(err, "node: set stdin non-blocking")
	}

	rt.state = Running
	return nil
}

func (rt *Runtime) nonINSlots() []*pipeSlot {
	out := make([]*pipeSlot, 0, len(rt.pipes))
	for _, p := range rt.pipes {
		if p.direction != proto.DirIN {
			out = append(out, p)
		}
	}
	return out
}

func (rt *Runtime) slot(name string) (*pipeSlot, error) {
	for _, p := range rt.pipes {
		if p.name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("node: unknown pipe %q", name)
}

// State returns the runtime's current lifecycle state.
func (rt *Runtime) State() State { return rt.state }
