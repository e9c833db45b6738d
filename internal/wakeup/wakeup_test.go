package wakeup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow-systems/nodeflow/internal/shm"
)

func newTable(t *testing.T) *Table {
	t.Helper()
	mgr, err := shm.NewManager(t.TempDir())
	require.NoError(t, err)
	r, err := mgr.Create(Size)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Destroy(r) })
	return Open(r)
}

func TestEnrollAndSnapshot(t *testing.T) {
	tbl := newTable(t)
	require.NoError(t, tbl.Enroll(111))
	require.NoError(t, tbl.Enroll(222))

	pids, err := tbl.Snapshot()
	require.NoError(t, err)
	require.Equal(t, []int{111, 222}, pids)
}

func TestRemoveCompacts(t *testing.T) {
	tbl := newTable(t)
	require.NoError(t, tbl.Enroll(111))
	require.NoError(t, tbl.Enroll(222))
	require.NoError(t, tbl.Enroll(333))

	require.NoError(t, tbl.Remove(222))

	pids, err := tbl.Snapshot()
	require.NoError(t, err)
	require.Equal(t, []int{111, 333}, pids)
}

func TestEnabledDefaultsFalse(t *testing.T) {
	tbl := newTable(t)
	require.False(t, tbl.Enabled())
	require.NoError(t, tbl.SetEnabled(true))
	require.True(t, tbl.Enabled())
}
