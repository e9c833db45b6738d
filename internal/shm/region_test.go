package shm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func TestCreateAttachRoundTrip(t *testing.T) {
	m := newTestManager(t)

	r, err := m.Create(64)
	require.NoError(t, err)
	defer m.Destroy(r)

	require.NoError(t, r.Write(1, []byte("hello")))

	attached, err := m.Attach(r.ShmID, r.SemID, RO)
	require.NoError(t, err)
	defer attached.Detach()

	buf := make([]byte, 5)
	require.NoError(t, attached.Read(1, buf))
	require.Equal(t, "hello", string(buf))
}

func TestBumpVersionWraps(t *testing.T) {
	m := newTestManager(t)
	r, err := m.Create(8)
	require.NoError(t, err)
	defer m.Destroy(r)

	var last byte
	for i := 0; i < 300; i++ {
		v, err := r.BumpVersion()
		require.NoError(t, err)
		last = v
	}
	require.Equal(t, byte(300%256), last)
}

func TestAttachMissingIsKernelObjectMissing(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Attach(999, 999, RO)
	require.ErrorIs(t, err, ErrKernelObjectMissing)
}

func TestDestroyRemovesBackingFiles(t *testing.T) {
	m := newTestManager(t)
	r, err := m.Create(16)
	require.NoError(t, err)

	shmID, semID := r.ShmID, r.SemID
	require.NoError(t, m.Destroy(r))

	_, err = m.Attach(shmID, semID, RO)
	require.ErrorIs(t, err, ErrKernelObjectMissing)
}

func TestWriteToReadOnlyRejected(t *testing.T) {
	m := newTestManager(t)
	r, err := m.Create(8)
	require.NoError(t, err)
	defer m.Destroy(r)

	ro, err := m.Attach(r.ShmID, r.SemID, RO)
	require.NoError(t, err)
	defer ro.Detach()

	err = ro.Write(0, []byte{1})
	require.Error(t, err)
}
