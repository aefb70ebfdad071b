package shmem

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
)

// Writer owns the producing side of a ring. It creates the segment.
type Writer struct {
	seg    segment
	schema Schema
	opts   Options
}

// NewWriter creates (or truncates) the segment name in opts.Dir.
func NewWriter(name string, schema Schema, opts Options) (*Writer, error) {
	opts = opts.withDefaults()
	if schema.Fields() == 0 {
		return nil, fmt.Errorf("shmem: writer %q: empty schema", name)
	}
	path, err := segmentPath(opts.Dir, name)
	if err != nil {
		return nil, err
	}
	// a fresh inode, so a reader still mapping an old ring is not truncated
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("shmem: remove stale %s: %w", path, err)
	}
	size := headerSize + opts.Capacity*frameSize(schema.Fields())
	data, _, err := mapFile(path, size, true)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		seg:    segment{path: path, data: data, fields: schema.Fields(), capacity: opts.Capacity},
		schema: schema,
		opts:   opts,
	}
	binary.LittleEndian.PutUint32(data[offVersion:], version)
	binary.LittleEndian.PutUint32(data[offFields:], uint32(schema.Fields()))
	binary.LittleEndian.PutUint32(data[offCapacity:], uint32(opts.Capacity))
	binary.LittleEndian.PutUint64(data[offFingerprint:], schema.Fingerprint())
	w.seg.u64(offWriteSeq).Store(0)
	w.seg.u64(offReadSeq).Store(0)
	w.seg.u32(offClosed).Store(0)
	w.seg.u32(offMagic).Store(magic)
	return w, nil
}

// Path returns the segment file.
func (w *Writer) Path() string { return w.seg.path }

// Schema returns the frame layout.
func (w *Writer) Schema() Schema { return w.schema }

// TryWrite publishes frame or returns ErrFull.
func (w *Writer) TryWrite(frame []float64) error {
	if w.seg.data == nil {
		return ErrClosed
	}
	if len(frame) != w.seg.fields {
		return fmt.Errorf("frame has %d fields, schema %d: %w", len(frame), w.seg.fields, ErrSchemaMismatch)
	}
	ws := w.seg.u64(offWriteSeq).Load()
	if ws-w.seg.u64(offReadSeq).Load() >= uint64(w.seg.capacity) {
		return ErrFull
	}
	slot := w.seg.slot(ws)
	binary.LittleEndian.PutUint64(slot, ws)
	for i, v := range frame {
		putFloat(slot[8+8*i:], v)
	}
	// publish only after the slot is complete
	w.seg.u64(offWriteSeq).Store(ws + 1)
	return nil
}

// Write publishes frame, waiting while the ring is full.
func (w *Writer) Write(ctx context.Context, frame []float64) error {
	return wait(ctx, w.opts.Wait, w.opts.PollInterval, func() (bool, error) {
		switch err := w.TryWrite(frame); err {
		case nil:
			return true, nil
		case ErrFull:
			return false, nil
		default:
			return false, err
		}
	})
}

// Close marks the ring closed, unmaps it and removes the segment file.
func (w *Writer) Close() error {
	if w.seg.data == nil {
		return nil
	}
	w.seg.u32(offClosed).Store(1)
	err := w.seg.unmap()
	if rmErr := os.Remove(w.seg.path); err == nil && rmErr != nil && !os.IsNotExist(rmErr) {
		err = rmErr
	}
	return err
}
