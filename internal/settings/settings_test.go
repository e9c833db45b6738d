package settings

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow-systems/nodeflow/internal/shm"
)

func TestWriteReadRoundTrip(t *testing.T) {
	mgr, err := shm.NewManager(t.TempDir())
	require.NoError(t, err)
	r, err := mgr.Create(Size)
	require.NoError(t, err)
	defer mgr.Destroy(r)

	want := Settings{NoLog: true, TzOffsetSeconds: -18000, TickPeriodMs: 50}
	require.NoError(t, Write(r, want))
	require.Equal(t, want, Read(r))
}

func TestWriteBumpsVersion(t *testing.T) {
	mgr, err := shm.NewManager(t.TempDir())
	require.NoError(t, err)
	r, err := mgr.Create(Size)
	require.NoError(t, err)
	defer mgr.Destroy(r)

	before := r.VersionByte()
	require.NoError(t, Write(r, Settings{TickPeriodMs: 10}))
	require.Equal(t, before+1, r.VersionByte())
}
