package dispatch

import (
	"encoding/binary"
	"time"

	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

// maxNameLen bounds cstring reads on the dispatcher's own framing, wide
// enough for any node/pipe/path name a real front-end would send without
// letting a hostile one hold a read open indefinitely.
const maxNameLen = 4096

// opDeadline is the per-frame bound applied to every dispatcher read and
// write; an operator request that cannot complete a single frame in this
// window is a Resource/Protocol problem, not something worth blocking on.
const opDeadline = 5 * time.Second

func readU16(ch *wire.Channel) (uint16, error) {
	buf, err := ch.ReadExactBy(time.Now().Add(opDeadline), 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func writeU16(ch *wire.Channel, v uint16) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return ch.WriteAll(buf)
}

func readI32(ch *wire.Channel) (int32, error) {
	buf, err := ch.ReadExactBy(time.Now().Add(opDeadline), 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

func writeI32(ch *wire.Channel, v int32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return ch.WriteAll(buf)
}

func readI64(ch *wire.Channel) (int64, error) {
	buf, err := ch.ReadExactBy(time.Now().Add(opDeadline), 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

func writeI64(ch *wire.Channel, v int64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return ch.WriteAll(buf)
}

func readByte(ch *wire.Channel) (byte, error) {
	buf, err := ch.ReadExactBy(time.Now().Add(opDeadline), 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func writeByte(ch *wire.Channel, b byte) error {
	return ch.WriteAll([]byte{b})
}

func readString(ch *wire.Channel) (string, error) {
	return ch.ReadCStringBy(time.Now().Add(opDeadline), maxNameLen)
}

func writeString(ch *wire.Channel, s string) error {
	return ch.WriteCString(s)
}

// resultOf maps a Go error to the sign-carrying i32 result every opcode's
// response ends with (spec.md §4.7 user-visible behavior): ≥0 success,
// <0 failure. A successful write-style opcode returns 0.
func resultOf(err error) int32 {
	if err != nil {
		return -1
	}
	return 0
}
