package clustermap

import (
	"bytes"
	"testing"
)

func TestNewGeometryDerivesShifts(t *testing.T) {
	t.Parallel()

	g, err := NewGeometry(512, 4096)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}
	if g.ClusterShift != 3 {
		t.Errorf("ClusterShift = %d, want 3", g.ClusterShift)
	}
	if g.AddrShift != 9 {
		t.Errorf("AddrShift = %d, want 9", g.AddrShift)
	}
	if g.OffsetMask != 7 {
		t.Errorf("OffsetMask = %d, want 7", g.OffsetMask)
	}
}

func TestNewGeometryRejectsNonPowerOfTwo(t *testing.T) {
	t.Parallel()

	if _, err := NewGeometry(500, 4096); err == nil {
		t.Error("expected error for non-power-of-two block length")
	}
	if _, err := NewGeometry(512, 4097); err == nil {
		t.Error("expected error for non-power-of-two cluster length")
	}
	if _, err := NewGeometry(4096, 512); err == nil {
		t.Error("expected error when cluster length is not a multiple of block length")
	}
}

func TestClusterIDAndByteOffset(t *testing.T) {
	t.Parallel()

	g, err := NewGeometry(512, 4096)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}

	// Scenario 1 from spec.md §8: L = 17*8+4 = 140.
	lba := uint64(140)
	if c := g.ClusterID(lba); c != 17 {
		t.Errorf("ClusterID(%d) = %d, want 17", lba, c)
	}
	if off := g.ByteOffset(lba); off != 71680 {
		t.Errorf("ByteOffset(%d) = %d, want 71680", lba, off)
	}

	// Invariant 2: cluster_id(L) << cluster_shift <= L < (cluster_id(L)+1) << cluster_shift.
	for _, l := range []uint64{0, 1, 7, 8, 9, 140, 338} {
		c := g.ClusterID(l)
		lo := c << g.ClusterShift
		hi := (c + 1) << g.ClusterShift
		if !(lo <= l && l < hi) {
			t.Errorf("invariant violated for L=%d: c=%d lo=%d hi=%d", l, c, lo, hi)
		}
	}
}

func TestMapEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	m := New()
	m.Set(0, 0)
	m.Set(17, 4096)
	m.Set(42, 1048576)

	encoded := m.Encode()
	if len(encoded) != HeaderSize {
		t.Fatalf("Encode length = %d, want %d", len(encoded), HeaderSize)
	}

	m2 := New()
	if err := m2.Decode(encoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m2.Get(17) != 4096 {
		t.Errorf("Get(17) = %d, want 4096", m2.Get(17))
	}
	if m2.Get(42) != 1048576 {
		t.Errorf("Get(42) = %d, want 1048576", m2.Get(42))
	}
	if m2.IsMapped(0) {
		t.Error("cluster 0 should be unmapped")
	}
	if !m2.IsMapped(17) {
		t.Error("cluster 17 should be mapped")
	}
}

func TestWriteHeaderIdempotent(t *testing.T) {
	t.Parallel()

	m := New()
	m.Set(3, 8192)

	var buf1, buf2 bytes.Buffer
	if err := m.WriteHeader(&buf1); err != nil {
		t.Fatalf("WriteHeader #1: %v", err)
	}
	if err := m.WriteHeader(&buf2); err != nil {
		t.Fatalf("WriteHeader #2: %v", err)
	}
	if !bytes.Equal(buf1.Bytes(), buf2.Bytes()) {
		t.Error("writing the same in-memory map twice produced different bytes")
	}
}
