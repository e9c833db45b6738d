// Package wakeup implements the Wakeup Table Shared Region (spec.md §3):
// a shared PID list the Tick Driver consults every period, and the
// Supervisor keeps in lockstep with its Active node collection.
package wakeup

import (
	"encoding/binary"
	"fmt"

	"github.com/nodeflow-systems/nodeflow/internal/shm"
)

// MaxPIDs is the table's capacity (spec.md §3).
const MaxPIDs = 4095

// Size is the region's byte length: version byte + enableFlag + the
// null-terminated PID list.
const Size = 1 + 4 + 4*(MaxPIDs+1)

const (
	offEnableFlag = 1
	offPIDs       = 5
)

// Table is an attached view of the Wakeup Table region.
type Table struct {
	region *shm.Region
}

// Open wraps an already create/attach'd Shared Region as a Wakeup Table.
func Open(r *shm.Region) *Table {
	return &Table{region: r}
}

// SetEnabled sets enableFlag (spec.md §4.6: the Tick Driver only signals
// "if enableFlag≠0").
func (t *Table) SetEnabled(enabled bool) error {
	if err := t.region.Lock(); err != nil {
		return err
	}
	defer t.region.Unlock()
	var v uint32
	if enabled {
		v = 1
	}
	binary.LittleEndian.PutUint32(t.region.Data()[offEnableFlag:offEnableFlag+4], v)
	return nil
}

// Enabled reports the current enableFlag.
func (t *Table) Enabled() bool {
	return binary.LittleEndian.Uint32(t.region.Data()[offEnableFlag:offEnableFlag+4]) != 0
}

// Enroll appends pid to the table, keeping it null-terminated (spec.md
// §4.3: "its PID is appended to the Wakeup Table").
func (t *Table) Enroll(pid int) error {
	if err := t.region.Lock(); err != nil {
		return err
	}
	defer t.region.Unlock()

	data := t.region.Data()
	for i := 0; i < MaxPIDs; i++ {
		off := offPIDs + 4*i
		if binary.LittleEndian.Uint32(data[off:off+4]) == 0 {
			binary.LittleEndian.PutUint32(data[off:off+4], uint32(pid))
			return nil
		}
	}
	return fmt.Errorf("wakeup: table full (capacity %d)", MaxPIDs)
}

// Remove drops pid from the table, compacting the remaining entries so
// the list stays a contiguous, null-terminated prefix.
func (t *Table) Remove(pid int) error {
	if err := t.region.Lock(); err != nil {
		return err
	}
	defer t.region.Unlock()

	data := t.region.Data()
	pids := make([]uint32, 0, MaxPIDs)
	for i := 0; i < MaxPIDs; i++ {
		off := offPIDs + 4*i
		v := binary.LittleEndian.Uint32(data[off : off+4])
		if v == 0 {
			break
		}
		if v != uint32(pid) {
			pids = append(pids, v)
		}
	}
	for i := 0; i < MaxPIDs; i++ {
		off := offPIDs + 4*i
		var v uint32
		if i < len(pids) {
			v = pids[i]
		}
		binary.LittleEndian.PutUint32(data[off:off+4], v)
	}
	return nil
}

// Snapshot returns the currently enrolled PIDs, in table order, as read
// under a single lock acquisition — "the set of signaled workers is
// exactly the set enrolled at the moment the lock is acquired" (spec.md
// §4.6).
func (t *Table) Snapshot() ([]int, error) {
	if err := t.region.Lock(); err != nil {
		return nil, err
	}
	defer t.region.Unlock()

	data := t.region.Data()
	var pids []int
	for i := 0; i < MaxPIDs; i++ {
		off := offPIDs + 4*i
		v := binary.LittleEndian.Uint32(data[off : off+4])
		if v == 0 {
			break
		}
		pids = append(pids, int(v))
	}
	return pids, nil
}
