// Package shmem implements single-writer single-reader rings of fixed-size
// float64 frames in memory-mapped files, used to exchange samples with a
// co-simulation peer on the same host.
package shmem

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Schema fixes the field order of a frame. Both sides of a ring must agree
// on it; the fingerprint stored in the ring header is checked on attach.
type Schema struct {
	Labels []string
}

// DefaultSchema labels n fields f0..f{n-1}.
func DefaultSchema(n int) Schema {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = fmt.Sprintf("f%d", i)
	}
	return Schema{Labels: labels}
}

// Fields returns the number of values per frame.
func (s Schema) Fields() int { return len(s.Labels) }

// Fingerprint hashes the field count and labels.
func (s Schema) Fingerprint() uint64 {
	d := xxhash.New()
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s.Labels)))
	_, _ = d.Write(n[:])
	for _, l := range s.Labels {
		_, _ = d.WriteString(l)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}
