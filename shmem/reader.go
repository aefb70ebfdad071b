package shmem

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Reader owns the consuming side of a ring. It attaches lazily to the
// segment created by the peer's writer.
type Reader struct {
	path   string
	schema Schema
	opts   Options
	seg    *segment
}

// NewReader prepares a reader for the segment name in opts.Dir. Nothing is
// mapped until the first read.
func NewReader(name string, schema Schema, opts Options) (*Reader, error) {
	opts = opts.withDefaults()
	if schema.Fields() == 0 {
		return nil, fmt.Errorf("shmem: reader %q: empty schema", name)
	}
	path, err := segmentPath(opts.Dir, name)
	if err != nil {
		return nil, err
	}
	return &Reader{path: path, schema: schema, opts: opts}, nil
}

// Schema returns the frame layout.
func (r *Reader) Schema() Schema { return r.schema }

// Attached reports whether the segment is mapped.
func (r *Reader) Attached() bool { return r.seg != nil }

func (r *Reader) attach() error {
	if r.seg != nil {
		return nil
	}
	data, id, err := mapFile(r.path, 0, false)
	if err != nil {
		return err
	}
	seg := &segment{path: r.path, id: id, data: data}
	if m := seg.u32(offMagic).Load(); m != magic {
		_ = seg.unmap()
		if m == 0 {
			return fmt.Errorf("%s: not initialized: %w", r.path, ErrNoPeer)
		}
		return fmt.Errorf("%s: magic %#x: %w", r.path, m, ErrMalformed)
	}
	if v := binary.LittleEndian.Uint32(data[offVersion:]); v != version {
		_ = seg.unmap()
		return fmt.Errorf("%s: version %d: %w", r.path, v, ErrMalformed)
	}
	fields := int(binary.LittleEndian.Uint32(data[offFields:]))
	fp := binary.LittleEndian.Uint64(data[offFingerprint:])
	if fields != r.schema.Fields() || fp != r.schema.Fingerprint() {
		_ = seg.unmap()
		return fmt.Errorf("%s: peer has %d fields (fingerprint %#x), want %d (%#x): %w",
			r.path, fields, fp, r.schema.Fields(), r.schema.Fingerprint(), ErrSchemaMismatch)
	}
	seg.fields = fields
	seg.capacity = int(binary.LittleEndian.Uint32(data[offCapacity:]))
	if seg.capacity <= 0 || len(data) < headerSize+seg.capacity*frameSize(fields) {
		_ = seg.unmap()
		return fmt.Errorf("%s: capacity %d in %d bytes: %w", r.path, seg.capacity, len(data), ErrMalformed)
	}
	r.seg = seg
	return nil
}

// replaced reports whether the segment path now names a different file than
// the one mapped, as after a writer restart.
func (r *Reader) replaced() bool {
	var st unix.Stat_t
	if err := unix.Stat(r.path, &st); err != nil {
		return false
	}
	return statID(&st) != r.seg.id
}

// TryRead copies the next frame into dst. It returns ErrNoPeer or ErrNoData
// when nothing is available yet and ErrClosed once the writer has closed and
// every frame was consumed. A drained ring whose file was replaced by a new
// writer is dropped and the reader attaches to the new one.
func (r *Reader) TryRead(dst []float64) error {
	if err := r.attach(); err != nil {
		return err
	}
	if len(dst) != r.seg.fields {
		return fmt.Errorf("buffer has %d fields, schema %d: %w", len(dst), r.seg.fields, ErrSchemaMismatch)
	}
	rs := r.seg.u64(offReadSeq).Load()
	if rs == r.seg.u64(offWriteSeq).Load() {
		if r.replaced() {
			if err := r.Close(); err != nil {
				return fmt.Errorf("shmem: detach %s: %w", r.path, err)
			}
			return r.TryRead(dst)
		}
		if r.seg.u32(offClosed).Load() != 0 {
			return ErrClosed
		}
		return ErrNoData
	}
	slot := r.seg.slot(rs)
	if seq := binary.LittleEndian.Uint64(slot); seq != rs {
		return fmt.Errorf("%s: slot holds frame %d, want %d: %w", r.path, seq, rs, ErrMalformed)
	}
	for i := range dst {
		dst[i] = getFloat(slot[8+8*i:])
	}
	r.seg.u64(offReadSeq).Store(rs + 1)
	return nil
}

// Read waits for the next frame. Missing peers and empty rings are retried
// until ctx is done; schema and format errors are returned at once.
func (r *Reader) Read(ctx context.Context, dst []float64) error {
	return wait(ctx, r.opts.Wait, r.opts.PollInterval, func() (bool, error) {
		err := r.TryRead(dst)
		switch {
		case err == nil:
			return true, nil
		case Transient(err):
			return false, nil
		default:
			return false, err
		}
	})
}

// Close unmaps the segment.
func (r *Reader) Close() error {
	if r.seg == nil {
		return nil
	}
	err := r.seg.unmap()
	r.seg = nil
	return err
}

// Transient reports whether err is a retryable "not yet" condition.
func Transient(err error) bool {
	return errors.Is(err, ErrNoData) || errors.Is(err, ErrNoPeer) || errors.Is(err, ErrFull)
}
