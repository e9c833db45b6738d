// Package proto implements the Handshake Protocol (spec.md §4.3): the
// bit-exact Init (Phase A) and Begin (Phase B) exchanges between the
// Supervisor and a freshly spawned worker, built atop the Framed Channel.
package proto

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nodeflow-systems/nodeflow/internal/units"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
	"github.com/pkg/errors"
)

// The four magic sentinels. Values are part of the wire contract and must
// never change.
const (
	InitHead  uint32 = 0x83DFC690
	InitEOF   uint32 = 0x85CBADEF
	BeginHead uint32 = 0x9067F3A2
	BeginEOF  uint32 = 0x910AC8BB
)

// HandshakeDeadline is the per-message bound spec.md §4.3/§5 requires for
// every handshake read.
const HandshakeDeadline = time.Second

// ErrBadMagic is a Protocol error (spec.md §7): the frame at this position
// did not carry the sentinel the protocol requires.
var ErrBadMagic = errors.New("proto: bad magic sentinel")

// Direction is the wire-coded pipe direction (spec.md §3 Pipe Descriptor).
type Direction uint8

const (
	DirIN Direction = iota
	DirOUT
	DirCONST
)

func (d Direction) String() string {
	switch d {
	case DirIN:
		return "IN"
	case DirOUT:
		return "OUT"
	case DirCONST:
		return "CONST"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// PipeSpec is one pipe as transmitted during Phase A (spec.md §4.3 step 5).
type PipeSpec struct {
	Direction Direction
	Unit      units.Unit
	Length    uint16
	Name      string
}

// RegionID is a (semId, shmId) pair as transmitted for the System
// Settings region (Phase A) and for each non-IN pipe (Phase B). Field
// order mirrors the wire order spec.md always lists: semId, then shmId.
type RegionID struct {
	SemID int32
	ShmID int32
}

// Zero reports whether both ids are zero, the sentinel spec.md §4.5 uses
// to mean "no upstream" on a disconnect or an unconnected IN pipe.
func (r RegionID) Zero() bool { return r.SemID == 0 && r.ShmID == 0 }

func writeU32(ch *wire.Channel, deadline time.Time, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return ch.WriteAll(buf)
}

func readU32By(ch *wire.Channel, deadline time.Time) (uint32, error) {
	buf, err := ch.ReadExactBy(deadline, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func expectMagicBy(ch *wire.Channel, deadline time.Time, want uint32) error {
	got, err := readU32By(ch, deadline)
	if err != nil {
		return errors.Wrap(err, "proto: read magic")
	}
	if got != want {
		return errors.Wrapf(ErrBadMagic, "expected 0x%08X, got 0x%08X", want, got)
	}
	return nil
}

func writeRegionID(ch *wire.Channel, id RegionID) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id.SemID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id.ShmID))
	return ch.WriteAll(buf)
}

func readRegionIDBy(ch *wire.Channel, deadline time.Time) (RegionID, error) {
	buf, err := ch.ReadExactBy(deadline, 8)
	if err != nil {
		return RegionID{}, err
	}
	return RegionID{
		SemID: int32(binary.LittleEndian.Uint32(buf[0:4])),
		ShmID: int32(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}
