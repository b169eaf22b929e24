package imagebsdev

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ehrlich-b/ubivol/internal/bsdev"
	"github.com/ehrlich-b/ubivol/internal/clustermap"
)

func writeBaseImage(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "base.img")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write base image: %v", err)
	}
	return path
}

func writeOverlay(t *testing.T, dir string, m *clustermap.Map, payload []byte) string {
	t.Helper()
	path := filepath.Join(dir, "overlay.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create overlay: %v", err)
	}
	defer f.Close()
	if err := m.WriteHeader(f); err != nil {
		t.Fatalf("write overlay header: %v", err)
	}
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("write overlay payload: %v", err)
	}
	return path
}

func TestReadFallsThroughToBaseWhenUnmapped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := make([]byte, 8192)
	for i := range base {
		base[i] = byte(i)
	}
	basePath := writeBaseImage(t, dir, base)

	g, err := clustermap.NewGeometry(512, 4096)
	if err != nil {
		t.Fatal(err)
	}

	dev, err := Open(Config{ImagePath: basePath, Geometry: g, BlockCount: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	ch, err := dev.CreateChannel(context.Background())
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	defer ch.Close()

	buf := make([]byte, 512)
	var gotErr bsdev.Errno = 99
	ch.Read(0, 1, buf, func(e bsdev.Errno) { gotErr = e })
	for ch.Poll() {
	}

	if gotErr != bsdev.OK {
		t.Fatalf("completion = %v, want OK", gotErr)
	}
	for i := 0; i < 512; i++ {
		if buf[i] != byte(i) {
			t.Fatalf("buf[%d] = %d, want %d", i, buf[i], byte(i))
		}
	}
}

func TestReadRoutesToOverlayWhenMapped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := make([]byte, 8192)
	basePath := writeBaseImage(t, dir, base)

	g, err := clustermap.NewGeometry(512, 4096)
	if err != nil {
		t.Fatal(err)
	}

	overlayPayload := make([]byte, 4096)
	for i := range overlayPayload {
		overlayPayload[i] = 0xAB
	}
	m := clustermap.New()
	m.Set(0, clustermap.HeaderSize) // cluster 0's payload begins right after the header
	overlayPath := writeOverlay(t, dir, m, overlayPayload)

	dev, err := Open(Config{ImagePath: basePath, OverlayPath: overlayPath, Geometry: g, BlockCount: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	ch, err := dev.CreateChannel(context.Background())
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	defer ch.Close()

	buf := make([]byte, 512)
	var gotErr bsdev.Errno = 99
	ch.Read(0, 1, buf, func(e bsdev.Errno) { gotErr = e })
	for ch.Poll() {
	}

	if gotErr != bsdev.OK {
		t.Fatalf("completion = %v, want OK", gotErr)
	}
	for i, b := range buf {
		if b != 0xAB {
			t.Fatalf("buf[%d] = %x, want 0xAB (overlay should win over base)", i, b)
		}
	}
}

func TestReadPastBaseEOFReturnsZeroes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Base image shorter than its declared virtual size: a sparse base,
	// the original's EOF-probe case.
	base := make([]byte, 512)
	basePath := writeBaseImage(t, dir, base)

	g, err := clustermap.NewGeometry(512, 4096)
	if err != nil {
		t.Fatal(err)
	}

	dev, err := Open(Config{ImagePath: basePath, Geometry: g, BlockCount: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	ch, err := dev.CreateChannel(context.Background())
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	defer ch.Close()

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = 0xFF
	}
	var gotErr bsdev.Errno = 99
	ch.Read(8, 1, buf, func(e bsdev.Errno) { gotErr = e }) // LBA 8 is past the 512-byte base file
	for ch.Poll() {
	}

	if gotErr != bsdev.OK {
		t.Fatalf("completion = %v, want OK (EOF probe treated as zero-fill)", gotErr)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("buf[%d] = %x, want 0", i, b)
		}
	}
}

func TestIsRangeValidAndIsZeroes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	basePath := writeBaseImage(t, dir, make([]byte, 4096))
	g, err := clustermap.NewGeometry(512, 4096)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := Open(Config{ImagePath: basePath, Geometry: g, BlockCount: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if !dev.IsRangeValid(0, 8) {
		t.Error("IsRangeValid(0, 8) should hold for a device with BlockCount 8")
	}
	if dev.IsRangeValid(0, 9) {
		t.Error("IsRangeValid(0, 9) should fail: out of range")
	}
	if dev.IsZeroes(0, 8) {
		t.Error("IsZeroes(0, 8) should be false for an in-range read")
	}
	if !dev.IsZeroes(0, 9) {
		t.Error("IsZeroes(0, 9) should be true: out-of-range reads are zero-filled")
	}
}

func TestIsRangeValidExtendsPastBaseForOverlayMappedCluster(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	basePath := writeBaseImage(t, dir, make([]byte, 4096))
	g, err := clustermap.NewGeometry(512, 4096)
	if err != nil {
		t.Fatal(err)
	}

	overlayPayload := make([]byte, 4096)
	m := clustermap.New()
	m.Set(1, clustermap.HeaderSize) // cluster 1 (blocks 8-15) lives only in the overlay, past BlockCount
	overlayPath := writeOverlay(t, dir, m, overlayPayload)

	// BlockCount 8 means cluster 1 (LBA 8) is out of range for the base
	// image alone, but its overlay mapping legally extends past it.
	dev, err := Open(Config{ImagePath: basePath, OverlayPath: overlayPath, Geometry: g, BlockCount: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if !dev.IsRangeValid(8, 1) {
		t.Error("IsRangeValid(8, 1) should hold: cluster 1 has a non-zero overlay mapping")
	}
	if dev.IsZeroes(8, 1) {
		t.Error("IsZeroes(8, 1) should be false: the overlay mapping makes this range valid")
	}
	if dev.IsRangeValid(16, 1) {
		t.Error("IsRangeValid(16, 1) should still fail: cluster 2 has no overlay mapping")
	}
}

func TestWriteVariantsReturnNotSupported(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	basePath := writeBaseImage(t, dir, make([]byte, 4096))
	g, err := clustermap.NewGeometry(512, 4096)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := Open(Config{ImagePath: basePath, Geometry: g, BlockCount: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	ch, err := dev.CreateChannel(context.Background())
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	defer ch.Close()

	var got bsdev.Errno
	ch.Write(0, 1, make([]byte, 512), func(e bsdev.Errno) { got = e })
	for ch.Poll() {
	}
	if got != bsdev.ErrNotSupported {
		t.Errorf("Write completion = %v, want ErrNotSupported", got)
	}

	ch.Unmap(0, 1, func(e bsdev.Errno) { got = e })
	for ch.Poll() {
	}
	if got != bsdev.ErrNotSupported {
		t.Errorf("Unmap completion = %v, want ErrNotSupported", got)
	}
}

func TestGetBaseBdevAndIsDegraded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	basePath := writeBaseImage(t, dir, make([]byte, 4096))
	g, err := clustermap.NewGeometry(512, 4096)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := Open(Config{ImagePath: basePath, Geometry: g, BlockCount: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if _, ok := dev.GetBaseBdev(); ok {
		t.Error("GetBaseBdev should report ok=false")
	}
	if dev.IsDegraded() {
		t.Error("IsDegraded should be false")
	}
}
