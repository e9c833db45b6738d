// Package shm implements the Shared Region & Locking component
// (spec.md §4.1): a named, kernel-resident byte buffer with a binary
// semaphore, addressable across independent OS processes by a pair of
// small integer identifiers transmitted over the handshake protocol.
//
// golang.org/x/sys/unix does not expose a portable System V shmget/semget
// surface, so regions are backed by files under a shared base directory
// (conventionally /dev/shm) mapped with unix.Mmap, and the binary
// semaphore is a companion file locked with unix.Flock. The (shmId, semId)
// pair is still what crosses the wire during the handshake (spec.md
// §4.3) and still behaves like a kernel object: any process that knows
// the id (and the shared base directory) can attach to it, and Destroy
// removes it for good.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// AccessMode selects the mmap protection requested by attach.
type AccessMode int

const (
	RW AccessMode = iota
	RO
)

// ErrKernelObjectMissing is the single truly-fatal Resource error: the
// backing file or lock is gone. Per spec.md §4.1 it aborts the current
// operation but must never tear down the process.
var ErrKernelObjectMissing = errors.New("shm: kernel object missing")

// Manager creates, attaches, and destroys Regions under a shared base
// directory. Only the Supervisor side calls Create/Destroy; workers only
// Attach/Detach (spec.md §5 Shared-resource policy).
type Manager struct {
	baseDir  string
	nextShm  int32
	nextSem  int32
}

// NewManager prepares (creating if needed) the shared base directory
// that backs every Region this process will create or attach to.
func NewManager(baseDir string) (*Manager, error) {
	if baseDir == "" {
		baseDir = DefaultBaseDir()
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "shm: create base directory")
	}
	return &Manager{baseDir: baseDir}, nil
}

// DefaultBaseDir mirrors the convention real System V shared memory uses
// on Linux: tmpfs-backed /dev/shm when present, otherwise the OS temp dir.
func DefaultBaseDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return filepath.Join("/dev/shm", "nodeflow")
	}
	return filepath.Join(os.TempDir(), "nodeflow")
}

// BaseDir returns the directory workers must be told about (typically via
// an environment variable or CLI flag at spawn time) to Attach to Regions
// this Manager creates.
func (m *Manager) BaseDir() string { return m.baseDir }

// Region is an attached mapping of a named shared buffer plus its binary
// semaphore. Every mapping must live between exactly one Create/Attach and
// one Detach (spec.md §4.1 invariant).
type Region struct {
	mgr     *Manager
	ShmID   int32
	SemID   int32
	size    uint32
	mode    AccessMode
	path    string
	lockPath string
	file    *os.File
	lockFile *os.File
	data    []byte
}

func (m *Manager) shmPath(id int32) string {
	return filepath.Join(m.baseDir, fmt.Sprintf("region-%d.shm", id))
}

func (m *Manager) semPath(id int32) string {
	return filepath.Join(m.baseDir, fmt.Sprintf("region-%d.sem", id))
}

// Create allocates a new Region of the given size, mapped RW, with its
// semaphore initialized free (unlocked). Only the Supervisor calls this,
// for OUT and CONST pipes during Phase B, and for System Settings / the
// Wakeup Table at startup (spec.md §4.3, §3).
func (m *Manager) Create(size uint32) (*Region, error) {
	shmID := atomic.AddInt32(&m.nextShm, 1)
	semID := atomic.AddInt32(&m.nextSem, 1)

	path := m.shmPath(shmID)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, errors.Wrap(err, "shm: create region file")
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "shm: truncate region file")
	}

	lockPath := m.semPath(semID)
	lockFile, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "shm: create semaphore file")
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		lockFile.Close()
		os.Remove(path)
		os.Remove(lockPath)
		return nil, errors.Wrap(err, "shm: mmap region")
	}

	return &Region{
		mgr: m, ShmID: shmID, SemID: semID, size: size, mode: RW,
		path: path, lockPath: lockPath, file: file, lockFile: lockFile, data: data,
	}, nil
}

// Attach opens an existing Region by its (shmId, semId) pair, as received
// over the handshake or a rerouting message (spec.md §4.5). Workers never
// create or destroy regions, only attach/detach (spec.md §5).
func (m *Manager) Attach(shmID, semID int32, mode AccessMode) (*Region, error) {
	path := m.shmPath(shmID)
	flag := os.O_RDWR
	if mode == RO {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKernelObjectMissing
		}
		return nil, errors.Wrap(err, "shm: attach open region file")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "shm: stat region file")
	}
	size := uint32(info.Size())

	lockFlag := os.O_RDWR
	if mode == RO {
		lockFlag = os.O_RDONLY
	}
	lockFile, err := os.OpenFile(m.semPath(semID), lockFlag, 0)
	if err != nil {
		file.Close()
		if os.IsNotExist(err) {
			return nil, ErrKernelObjectMissing
		}
		return nil, errors.Wrap(err, "shm: attach open semaphore file")
	}

	prot := unix.PROT_READ
	if mode == RW {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		lockFile.Close()
		return nil, errors.Wrap(err, "shm: mmap attach")
	}

	return &Region{
		mgr: m, ShmID: shmID, SemID: semID, size: size, mode: mode,
		path: path, lockPath: m.semPath(semID), file: file, lockFile: lockFile, data: data,
	}, nil
}

// Size returns the region's byte length (fixed for its lifetime).
func (r *Region) Size() uint32 { return r.size }

// Lock acquires the region's binary semaphore. Non-reentrant per holder.
func (r *Region) Lock() error {
	if err := unix.Flock(int(r.lockFile.Fd()), unix.LOCK_EX); err != nil {
		return errors.Wrap(err, "shm: lock")
	}
	return nil
}

// Unlock releases the region's binary semaphore.
func (r *Region) Unlock() error {
	if err := unix.Flock(int(r.lockFile.Fd()), unix.LOCK_UN); err != nil {
		return errors.Wrap(err, "shm: unlock")
	}
	return nil
}

// Read takes the lock, copies size bytes starting at offset, and releases.
func (r *Region) Read(offset uint32, buf []byte) error {
	if offset+uint32(len(buf)) > r.size {
		return fmt.Errorf("shm: read out of bounds (offset=%d len=%d size=%d)", offset, len(buf), r.size)
	}
	if err := r.Lock(); err != nil {
		return err
	}
	defer r.Unlock()
	copy(buf, r.data[offset:offset+uint32(len(buf))])
	return nil
}

// Write takes the lock, copies src into the region at offset, and releases.
func (r *Region) Write(offset uint32, src []byte) error {
	if r.mode == RO {
		return fmt.Errorf("shm: write to read-only region")
	}
	if offset+uint32(len(src)) > r.size {
		return fmt.Errorf("shm: write out of bounds (offset=%d len=%d size=%d)", offset, len(src), r.size)
	}
	if err := r.Lock(); err != nil {
		return err
	}
	defer r.Unlock()
	copy(r.data[offset:offset+uint32(len(src))], src)
	return nil
}

// ReadUnlocked reads without taking the lock; callers that already hold
// it (e.g. a version-byte-then-payload read, spec.md §4.4) use this.
func (r *Region) ReadUnlocked(offset uint32, buf []byte) error {
	if offset+uint32(len(buf)) > r.size {
		return fmt.Errorf("shm: read out of bounds (offset=%d len=%d size=%d)", offset, len(buf), r.size)
	}
	copy(buf, r.data[offset:offset+uint32(len(buf))])
	return nil
}

// WriteUnlocked writes without taking the lock; see ReadUnlocked.
func (r *Region) WriteUnlocked(offset uint32, src []byte) error {
	if r.mode == RO {
		return fmt.Errorf("shm: write to read-only region")
	}
	if offset+uint32(len(src)) > r.size {
		return fmt.Errorf("shm: write out of bounds (offset=%d len=%d size=%d)", offset, len(src), r.size)
	}
	copy(r.data[offset:offset+uint32(len(src))], src)
	return nil
}

// VersionByte returns the version counter at offset 0 (spec.md §4.3).
func (r *Region) VersionByte() byte {
	return r.data[0]
}

// Data exposes the region's raw mapped bytes, version byte included, for
// components (System Settings, Wakeup Table) that manage their own
// sub-layout rather than a single offset/buf pair. Callers are
// responsible for Lock/Unlock around any access that must be atomic.
func (r *Region) Data() []byte { return r.data }

// WriteVersioned increments the version byte and writes src at offset
// under a single lock acquisition, the combined operation spec.md §4.4
// describes for write(): "under the lock, increments the version byte
// and copies the payload".
func (r *Region) WriteVersioned(offset uint32, src []byte) (byte, error) {
	if r.mode == RO {
		return 0, fmt.Errorf("shm: write to read-only region")
	}
	if offset+uint32(len(src)) > r.size {
		return 0, fmt.Errorf("shm: write out of bounds (offset=%d len=%d size=%d)", offset, len(src), r.size)
	}
	if err := r.Lock(); err != nil {
		return 0, err
	}
	defer r.Unlock()
	r.data[0]++
	copy(r.data[offset:offset+uint32(len(src))], src)
	return r.data[0], nil
}

// ReadVersioned copies the version byte and the payload at offset under a
// single lock acquisition, spec.md §4.4's read(): "under the region's
// lock, copies the version byte then the payload".
func (r *Region) ReadVersioned(offset uint32, buf []byte) (byte, error) {
	if offset+uint32(len(buf)) > r.size {
		return 0, fmt.Errorf("shm: read out of bounds (offset=%d len=%d size=%d)", offset, len(buf), r.size)
	}
	if err := r.Lock(); err != nil {
		return 0, err
	}
	defer r.Unlock()
	v := r.data[0]
	copy(buf, r.data[offset:offset+uint32(len(buf))])
	return v, nil
}

// BumpVersion post-increments the version byte under lock, wrapping
// modulo 256, and returns the new value. Producers call this on write.
func (r *Region) BumpVersion() (byte, error) {
	if err := r.Lock(); err != nil {
		return 0, err
	}
	defer r.Unlock()
	r.data[0]++
	return r.data[0], nil
}

// Detach unmaps the region and closes its file handles without destroying
// the underlying kernel object.
func (r *Region) Detach() error {
	var firstErr error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil && firstErr == nil {
			firstErr = err
		}
		r.data = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	if r.lockFile != nil {
		r.lockFile.Close()
		r.lockFile = nil
	}
	return firstErr
}

// Destroy detaches the region and marks both backing files for removal.
// Only the Manager that created the region (the Supervisor) calls this;
// it is the single point that prevents leaking kernel objects when a
// worker dies (spec.md §5 "Failure of a worker").
func (m *Manager) Destroy(r *Region) error {
	path, lockPath := r.path, r.lockPath
	if err := r.Detach(); err != nil {
		return err
	}
	var firstErr error
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
