package proto

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

// RerouteMsg is the message the Supervisor writes to a consumer worker's
// stdin on connect/disconnect (spec.md §4.5): "(pipeIndex: u16, semId: i32,
// shmId: i32) identifying the producer's region". A zero RegionID means
// "no upstream".
type RerouteMsg struct {
	PipeIndex uint16
	Region    RegionID
}

// WriteReroute encodes and writes one reroute message. It never blocks
// past WriteAll's own semantics; the Supervisor writes these on its
// command pass, never under the worker's handshake deadline.
func WriteReroute(ch *wire.Channel, msg RerouteMsg) error {
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint16(buf[0:2], msg.PipeIndex)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(msg.Region.SemID))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(msg.Region.ShmID))
	return ch.WriteAll(buf)
}

// TryReadReroute reads one pending reroute message from the worker's stdin
// without blocking when none is available: it uses a deadline in the
// immediate past, so a non-blocking descriptor with nothing queued returns
// (RerouteMsg{}, false, nil) instead of spinning (spec.md §4.4 loop() step
// a: "consults stdin for a rerouting message").
func TryReadReroute(ch *wire.Channel, deadline time.Time) (RerouteMsg, bool, error) {
	buf, err := ch.ReadExactBy(deadline, 10)
	if err != nil {
		if errors.Is(err, wire.ErrTimeout) {
			return RerouteMsg{}, false, nil
		}
		return RerouteMsg{}, false, err
	}
	return RerouteMsg{
		PipeIndex: binary.LittleEndian.Uint16(buf[0:2]),
		Region: RegionID{
			SemID: int32(binary.LittleEndian.Uint32(buf[2:6])),
			ShmID: int32(binary.LittleEndian.Uint32(buf[6:10])),
		},
	}, true, nil
}
