// Package clustermap implements the fixed-length cluster map shared by
// the image CoW backing device and the delta backing device: a
// MAX_CLUSTERS array of 64-bit offsets, persisted as the header of an
// overlay file.
//
// map[c] == 0 means cluster c lives in the base image; map[c] != 0 is
// the absolute byte offset of cluster c within the overlay file.
package clustermap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

// MaxClusters is the hard compile-time limit spec.md §9 calls out:
// volumes whose cluster count exceeds this are outside the defined
// behavior.
const MaxClusters = 8 * 1024 * 1024 // 8 Mi

// entrySize is the on-disk width of one cluster map entry (bytes).
const entrySize = 8

// HeaderSize is the fixed size of the persisted cluster map: a densely
// packed array of MaxClusters little-endian uint64 offsets. There is no
// magic number, checksum, or version field (spec.md §6).
const HeaderSize = MaxClusters * entrySize

// Geometry precomputes the shift/mask constants derived from the block
// length B and cluster size K so that hot-path translation never
// divides or takes a modulo, per spec.md §3's invariant.
type Geometry struct {
	BlockLen    uint32
	ClusterLen  uint64
	ClusterShift uint
	AddrShift   uint
	OffsetMask  uint64
}

// NewGeometry validates that K is a power-of-two multiple of B and
// derives the shift/mask constants.
func NewGeometry(blockLen uint32, clusterLen uint64) (Geometry, error) {
	if blockLen == 0 || blockLen&(blockLen-1) != 0 {
		return Geometry{}, fmt.Errorf("clustermap: block length %d must be a power of two", blockLen)
	}
	if clusterLen == 0 || clusterLen&(clusterLen-1) != 0 {
		return Geometry{}, fmt.Errorf("clustermap: cluster length %d must be a power of two", clusterLen)
	}
	if clusterLen%uint64(blockLen) != 0 {
		return Geometry{}, fmt.Errorf("clustermap: cluster length %d is not a multiple of block length %d", clusterLen, blockLen)
	}

	blocksPerCluster := clusterLen / uint64(blockLen)
	return Geometry{
		BlockLen:     blockLen,
		ClusterLen:   clusterLen,
		ClusterShift: uint(bits.TrailingZeros64(blocksPerCluster)),
		AddrShift:    uint(bits.TrailingZeros32(blockLen)),
		OffsetMask:   blocksPerCluster - 1,
	}, nil
}

// ClusterID returns L >> cluster_shift.
func (g Geometry) ClusterID(lba uint64) uint64 {
	return lba >> g.ClusterShift
}

// ByteOffset returns L << addr_shift.
func (g Geometry) ByteOffset(lba uint64) uint64 {
	return lba << g.AddrShift
}

// IntraClusterBlockOffset returns (L & offset_mask), the block index
// within its cluster.
func (g Geometry) IntraClusterBlockOffset(lba uint64) uint64 {
	return lba & g.OffsetMask
}

// Map is the in-memory cluster map: a flat MaxClusters array of
// absolute overlay byte offsets.
type Map struct {
	entries [MaxClusters]uint64
}

// New returns a zeroed cluster map (every cluster unmodified).
func New() *Map {
	return &Map{}
}

// Get returns the overlay offset for cluster c, or 0 if unmodified.
func (m *Map) Get(c uint64) uint64 {
	return m.entries[c]
}

// Set records the overlay offset for cluster c.
func (m *Map) Set(c uint64, offset uint64) {
	m.entries[c] = offset
}

// IsMapped reports whether cluster c has been copied into the overlay.
func (m *Map) IsMapped(c uint64) bool {
	return m.entries[c] != 0
}

// Encode serializes the map into its on-disk header representation.
func (m *Map) Encode() []byte {
	buf := make([]byte, HeaderSize)
	for i, v := range m.entries {
		binary.LittleEndian.PutUint64(buf[i*entrySize:], v)
	}
	return buf
}

// WriteHeader writes the encoded map to w at the file's current
// position (callers seeking to offset 0 first, per spec.md §4.3).
func (m *Map) WriteHeader(w io.Writer) error {
	_, err := w.Write(m.Encode())
	return err
}

// Decode populates the map from a previously encoded header.
func (m *Map) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("clustermap: header too short: %d bytes, want %d", len(buf), HeaderSize)
	}
	for i := 0; i < MaxClusters; i++ {
		m.entries[i] = binary.LittleEndian.Uint64(buf[i*entrySize:])
	}
	return nil
}

// ReadHeader reads and decodes a header from r.
func (m *Map) ReadHeader(r io.Reader) error {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("clustermap: failed to read header: %w", err)
	}
	return m.Decode(buf)
}
