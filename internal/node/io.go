package node

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/nodeflow-systems/nodeflow/internal/proto"
)

// ReadResult is read()'s tri-state outcome (spec.md §4.4).
type ReadResult int

const (
	NoData    ReadResult = 0
	Fresh     ReadResult = 1
	ReadError ReadResult = -1
)

// Read is legal only on IN/CONST pipes, only while Running. It copies the
// version byte then the payload under the region's lock, and reports
// Fresh iff the version differs from lastSeenVersion (spec.md §4.4).
func (rt *Runtime) Read(pipeName string, out []byte) (ReadResult, error) {
	if rt.state != Running {
		return ReadError, errors.Wrap(ErrWrongState, "read")
	}
	slot, err := rt.slot(pipeName)
	if err != nil {
		return ReadError, err
	}
	if slot.direction != proto.DirIN && slot.direction != proto.DirCONST {
		return ReadError, fmt.Errorf("node: read illegal on %s pipe %q", slot.direction, pipeName)
	}
	if slot.region == nil {
		// Unconnected IN pipe: no upstream, no data.
		return NoData, nil
	}
	if uint32(len(out)) != slot.byteLen() {
		return ReadError, fmt.Errorf("node: read buffer size %d != pipe size %d", len(out), slot.byteLen())
	}

	version, err := slot.region.ReadVersioned(1, out)
	if err != nil {
		return ReadError, err
	}
	if version == slot.lastSeenVersion {
		return NoData, nil
	}
	slot.lastSeenVersion = version
	return Fresh, nil
}

// Write is legal only on OUT pipes, only while Running. It increments the
// version byte and copies the payload under the region's lock.
func (rt *Runtime) Write(pipeName string, in []byte) error {
	if rt.state != Running {
		return errors.Wrap(ErrWrongState, "write")
	}
	slot, err := rt.slot(pipeName)
	if err != nil {
		return err
	}
	if slot.direction != proto.DirOUT {
		return fmt.Errorf("node: write illegal on %s pipe %q", slot.direction, pipeName)
	}
	if uint32(len(in)) != slot.byteLen() {
		return fmt.Errorf("node: write buffer size %d != pipe size %d", len(in), slot.byteLen())
	}
	_, err = slot.region.WriteVersioned(1, in)
	return err
}
