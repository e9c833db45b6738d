// Package settings implements the System Settings Shared Region
// (spec.md §3): a single region holding {noLog, tzOffset, tickPeriodMs},
// writable only by the Supervisor and read-only from every worker.
package settings

import (
	"encoding/binary"

	"github.com/nodeflow-systems/nodeflow/internal/shm"
)

// Size is the region's byte length: 1 version byte + the packed struct.
const Size = 1 + 1 + 6 + 8 + 8 // version, noLog, padding, tzOffset, tickPeriodMs

const (
	offNoLog        = 1
	offTzOffset     = 8
	offTickPeriodMs = 16
)

// Settings is the decoded contents of the region (minus its version byte,
// which shm.Region tracks separately).
type Settings struct {
	NoLog           bool
	TzOffsetSeconds int64
	TickPeriodMs    int64
}

// Write encodes s and stores it in r, bumping the version byte so the
// next worker refresh (spec.md §4.4 loop() step b) observes it.
func Write(r *shm.Region, s Settings) error {
	buf := make([]byte, Size-1)
	if s.NoLog {
		buf[offNoLog-1] = 1
	}
	binary.LittleEndian.PutUint64(buf[offTzOffset-1:], uint64(s.TzOffsetSeconds))
	binary.LittleEndian.PutUint64(buf[offTickPeriodMs-1:], uint64(s.TickPeriodMs))

	_, err := r.WriteVersioned(1, buf)
	return err
}

// Read decodes the region's current contents without taking the lock;
// callers that need a consistent snapshot should Lock/Unlock around Read
// themselves (spec.md §4.1 read/write must take the lock, but a worker's
// periodic settings refresh tolerates a torn read of a monotone value).
func Read(r *shm.Region) Settings {
	buf := r.Data()
	return Settings{
		NoLog:           buf[offNoLog] != 0,
		TzOffsetSeconds: int64(binary.LittleEndian.Uint64(buf[offTzOffset:])),
		TickPeriodMs:    int64(binary.LittleEndian.Uint64(buf[offTickPeriodMs:])),
	}
}
