package proto

import (
	"time"

	"github.com/pkg/errors"

	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

// WorkerBegin drives Phase B from the worker side (spec.md §4.3). nonINCount
// must equal the number of OUT/CONST pipes the worker declared during Phase
// A, in declaration order; the returned slice carries their region ids in
// that same order.
func WorkerBegin(ch *wire.Channel, nonINCount int) ([]RegionID, error) {
	deadline := time.Now().Add(HandshakeDeadline)

	if err := writeU32(ch, deadline, BeginHead); err != nil {
		return nil, errors.Wrap(err, "proto: write BEGIN_HEAD")
	}

	ids := make([]RegionID, nonINCount)
	for i := 0; i < nonINCount; i++ {
		id, err := readRegionIDBy(ch, deadline)
		if err != nil {
			return nil, errors.Wrap(err, "proto: read begin region id")
		}
		ids[i] = id
	}

	if err := writeU32(ch, deadline, BeginEOF); err != nil {
		return nil, errors.Wrap(err, "proto: write BEGIN_EOF")
	}
	return ids, nil
}

// HostBegin drives Phase B from the Supervisor side with the standard
// HandshakeDeadline. regions must carry exactly one id per OUT/CONST pipe,
// in declaration order, freshly created by the caller (spec.md §4.3 step
// 2: "the Supervisor creates a Shared Region ... for each non-IN pipe").
func HostBegin(ch *wire.Channel, regions []RegionID) error {
	return HostBeginBy(ch, time.Now().Add(HandshakeDeadline), regions)
}

// HostBeginBy is HostBegin with an explicit deadline. The Supervisor's
// activation pass (spec.md §4.5) uses a short per-iteration bound rather
// than the full handshake deadline, so one unresponsive Inactive node
// cannot stall the rest of the pass; it simply retries next iteration.
func HostBeginBy(ch *wire.Channel, deadline time.Time, regions []RegionID) error {
	if err := ExpectBeginHeadBy(ch, deadline); err != nil {
		return err
	}
	return SendBeginRegionsBy(ch, deadline, regions)
}

// ExpectBeginHeadBy reads and checks BEGIN_HEAD only. Split out from
// HostBeginBy so the Supervisor's activation pass can peek for a worker
// ready to begin before it pays the cost of creating that worker's
// Shared Regions (spec.md §4.3 step 2 happens only once BEGIN_HEAD is
// actually seen).
func ExpectBeginHeadBy(ch *wire.Channel, deadline time.Time) error {
	return expectMagicBy(ch, deadline, BeginHead)
}

// SendBeginRegionsBy sends one region id per non-IN pipe and then expects
// BEGIN_EOF, the remainder of Phase B after BEGIN_HEAD has been observed.
func SendBeginRegionsBy(ch *wire.Channel, deadline time.Time, regions []RegionID) error {
	for _, id := range regions {
		if err := writeRegionID(ch, id); err != nil {
			return errors.Wrap(err, "proto: write begin region id")
		}
	}
	return expectMagicBy(ch, deadline, BeginEOF)
}
