package proto

import (
	"encoding/binary"
	"time"

	"github.com/nodeflow-systems/nodeflow/internal/units"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
	"github.com/pkg/errors"
)

const maxPipeNameLen = 256

// WorkerInit drives Phase A from the worker side (spec.md §4.3). pipes is
// the worker's full declared pipe list, in addPipe call order.
func WorkerInit(ch *wire.Channel, pipes []PipeSpec) (settings RegionID, logPath string, err error) {
	deadline := time.Now().Add(HandshakeDeadline)

	if err = writeU32(ch, deadline, InitHead); err != nil {
		return RegionID{}, "", errors.Wrap(err, "proto: write INIT_HEAD")
	}

	settings, err = readRegionIDBy(ch, deadline)
	if err != nil {
		return RegionID{}, "", errors.Wrap(err, "proto: read settings region id")
	}

	logPath, err = ch.ReadCStringBy(deadline, maxPipeNameLen)
	if err != nil {
		return RegionID{}, "", errors.Wrap(err, "proto: read log path")
	}

	if err = writeU16(ch, len(pipes)); err != nil {
		return RegionID{}, "", errors.Wrap(err, "proto: write pipeCount")
	}

	for _, p := range pipes {
		if err = writePipeSpec(ch, p); err != nil {
			return RegionID{}, "", errors.Wrap(err, "proto: write pipe spec")
		}
	}

	if err = writeU32(ch, deadline, InitEOF); err != nil {
		return RegionID{}, "", errors.Wrap(err, "proto: write INIT_EOF")
	}
	return settings, logPath, nil
}

// HostInit drives Phase A from the Supervisor side. It returns the pipe
// specs the worker declared, in declaration order (spec.md §3 Node Record).
func HostInit(ch *wire.Channel, settings RegionID, logPath string) ([]PipeSpec, error) {
	deadline := time.Now().Add(HandshakeDeadline)

	if err := expectMagicBy(ch, deadline, InitHead); err != nil {
		return nil, err
	}

	if err := writeRegionID(ch, settings); err != nil {
		return nil, errors.Wrap(err, "proto: write settings region id")
	}
	if err := ch.WriteCString(logPath); err != nil {
		return nil, errors.Wrap(err, "proto: write log path")
	}

	count, err := readU16By(ch, deadline)
	if err != nil {
		return nil, errors.Wrap(err, "proto: read pipeCount")
	}

	specs := make([]PipeSpec, 0, count)
	for i := 0; i < count; i++ {
		p, err := readPipeSpecBy(ch, deadline)
		if err != nil {
			return nil, errors.Wrap(err, "proto: read pipe spec")
		}
		specs = append(specs, p)
	}

	if err := expectMagicBy(ch, deadline, InitEOF); err != nil {
		return nil, err
	}
	return specs, nil
}

func writeU16(ch *wire.Channel, v int) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(v))
	return ch.WriteAll(buf)
}

func readU16By(ch *wire.Channel, deadline time.Time) (int, error) {
	buf, err := ch.ReadExactBy(deadline, 2)
	if err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint16(buf)), nil
}

func writePipeSpec(ch *wire.Channel, p PipeSpec) error {
	head := []byte{byte(p.Direction), byte(p.Unit), 0, 0}
	binary.LittleEndian.PutUint16(head[2:4], p.Length)
	if err := ch.WriteAll(head); err != nil {
		return err
	}
	return ch.WriteCString(p.Name)
}

func readPipeSpecBy(ch *wire.Channel, deadline time.Time) (PipeSpec, error) {
	head, err := ch.ReadExactBy(deadline, 4)
	if err != nil {
		return PipeSpec{}, err
	}
	direction := Direction(head[0])
	unit := units.Unit(head[1])
	length := binary.LittleEndian.Uint16(head[2:4])

	name, err := ch.ReadCStringBy(deadline, maxPipeNameLen)
	if err != nil {
		return PipeSpec{}, err
	}
	return PipeSpec{Direction: direction, Unit: unit, Length: length, Name: name}, nil
}
