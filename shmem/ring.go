package shmem

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/signalsfoundry/gridsim/timectrl"
)

// DefaultDir is where segments are created when no directory is given.
const DefaultDir = "/dev/shm"

const (
	magic   uint32 = 0x4d485347 // "GSHM"
	version uint32 = 1

	offMagic       = 0
	offVersion     = 4
	offFields      = 8
	offCapacity    = 12
	offFingerprint = 16
	offWriteSeq    = 32 // written by the writer only
	offReadSeq     = 40 // written by the reader only
	offClosed      = 48 // written by the writer only
	headerSize     = 64
)

var (
	// ErrSchemaMismatch is fatal: the peer uses a different frame layout.
	ErrSchemaMismatch = errors.New("shmem: frame schema mismatch")
	// ErrMalformed indicates a segment that is not a ring.
	ErrMalformed = errors.New("shmem: malformed segment")
	// ErrNoPeer is transient: the segment does not exist yet.
	ErrNoPeer = errors.New("shmem: peer segment not available")
	// ErrNoData is transient: the ring is empty.
	ErrNoData = errors.New("shmem: no data available")
	// ErrFull is transient: the reader has not consumed enough frames.
	ErrFull = errors.New("shmem: ring full")
	// ErrClosed indicates the writer closed the ring and it is drained.
	ErrClosed = errors.New("shmem: ring closed")
)

// Options configure one ring endpoint.
type Options struct {
	Dir      string
	Capacity int
	Wait     timectrl.WaitMode
	// PollInterval is the sleep between checks in blocking mode.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = DefaultDir
	}
	if o.Capacity <= 0 {
		o.Capacity = 16
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Microsecond
	}
	return o
}

func segmentPath(dir, name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if name == "" || strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("shmem: invalid segment name %q", name)
	}
	return filepath.Join(dir, name), nil
}

func frameSize(fields int) int { return 8 * (fields + 1) }

// fileID identifies the inode behind a segment path.
type fileID struct {
	dev, ino uint64
}

func statID(st *unix.Stat_t) fileID {
	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}
}

// segment is a mapped ring file.
type segment struct {
	path     string
	id       fileID
	data     []byte
	fields   int
	capacity int
}

func (s *segment) u64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&s.data[off]))
}

func (s *segment) u32(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.data[off]))
}

func (s *segment) slot(seq uint64) []byte {
	fs := frameSize(s.fields)
	off := headerSize + int(seq%uint64(s.capacity))*fs
	return s.data[off : off+fs]
}

func (s *segment) unmap() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

func mapFile(path string, size int, create bool) ([]byte, fileID, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if create {
		flags |= unix.O_CREAT | unix.O_TRUNC
	}
	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fileID{}, fmt.Errorf("%s: %w", path, ErrNoPeer)
		}
		return nil, fileID{}, fmt.Errorf("shmem: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var id fileID
	if create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			return nil, fileID{}, fmt.Errorf("shmem: truncate %s: %w", path, err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return nil, fileID{}, fmt.Errorf("shmem: stat %s: %w", path, err)
		}
		id = statID(&st)
		size = int(st.Size)
		if size < headerSize {
			return nil, fileID{}, fmt.Errorf("%s: %d bytes: %w", path, size, ErrNoPeer)
		}
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fileID{}, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}
	return data, id, nil
}

// wait calls ready until it reports true, honouring ctx and the wait mode.
func wait(ctx context.Context, mode timectrl.WaitMode, interval time.Duration, ready func() (bool, error)) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		ok, err := ready()
		if err != nil || ok {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if mode == timectrl.Polling {
			runtime.Gosched()
			continue
		}
		if timer == nil {
			timer = time.NewTimer(interval)
		} else {
			timer.Reset(interval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func putFloat(b []byte, v float64) { binary.LittleEndian.PutUint64(b, math.Float64bits(v)) }
func getFloat(b []byte) float64    { return math.Float64frombits(binary.LittleEndian.Uint64(b)) }
