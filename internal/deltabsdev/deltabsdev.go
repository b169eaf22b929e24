// Package deltabsdev implements the delta backing device (C3 in
// spec.md): the overlay file a snapshot's shallow copy writes into. A delta device
// is opened in one of two directions — Write, which appends incoming
// cluster payloads sequentially and records their offsets into the
// cluster-map header, or Read, which loads a previously written
// cluster map and serves reads from the recorded offsets.
//
// Grounded directly on original_source/src/lib/spdk_bs_dev_delta.c: the
// DELTA_WRITE direction's append-only write (each payload is written at
// the next append offset the device tracks itself — single writer,
// sequential only, per spec.md §9), and
// the DELTA_READ direction's cluster-map-driven read. The original's
// DELTA_READ unmapped-cluster branch was left as a TODO; this resolves
// it by treating an unmapped cluster as unwritten (zero-filled), the
// same convention clustermap.Map documents for map[c] == 0.
package deltabsdev

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ehrlich-b/ubivol/internal/bsdev"
	"github.com/ehrlich-b/ubivol/internal/clustermap"
	"github.com/ehrlich-b/ubivol/internal/ring"
)

// Direction selects which side of the delta device a Device opens as.
type Direction int

const (
	// Write opens the delta file for sequential, append-only writes.
	// Only one writer may hold a device in this direction at a time
	// (spec.md §9: the delta device is not safe for concurrent writers).
	Write Direction = iota
	// Read opens a previously written delta file for random-access reads.
	Read
)

// Config describes the delta file a Device opens.
type Config struct {
	Path       string
	Geometry   clustermap.Geometry
	BlockCount uint64
	Dir        Direction
	RingDepth  int
	Logger     *zap.SugaredLogger
}

// Device is the delta bs-dev. Open/Close must run on the home thread.
type Device struct {
	cfg      Config
	file     *os.File
	cmap     *clustermap.Map
	writeOff uint64 // next append offset, Write direction only
	log      *zap.SugaredLogger
	closed   bool
}

// Open opens the delta file in the configured direction. In Write
// direction a new file is created (truncating any existing one) with
// a zeroed header reserved at its start. In Read direction the file
// must already exist with a valid header.
func Open(cfg Config) (*Device, error) {
	if cfg.RingDepth <= 0 {
		cfg.RingDepth = ring.Depth
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch cfg.Dir {
	case Write:
		f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("deltabsdev: create %q: %w", cfg.Path, err)
		}
		cmap := clustermap.New()
		if err := cmap.WriteHeader(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("deltabsdev: write initial header: %w", err)
		}
		return &Device{cfg: cfg, file: f, cmap: cmap, writeOff: clustermap.HeaderSize, log: log}, nil

	case Read:
		f, err := os.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("deltabsdev: open %q: %w", cfg.Path, err)
		}
		cmap := clustermap.New()
		if err := cmap.ReadHeader(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("deltabsdev: read header: %w", err)
		}
		return &Device{cfg: cfg, file: f, cmap: cmap, log: log}, nil

	default:
		return nil, fmt.Errorf("deltabsdev: unknown direction %d", cfg.Dir)
	}
}

// Close flushes the header (Write direction: the map built up over the
// device's lifetime, rewritten at offset 0 in one final pass, mirroring
// the original's write-then-rewrite-at-destroy sequencing) and closes
// the fd.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.cfg.Dir == Write {
		if _, err := d.file.WriteAt(d.cmap.Encode(), 0); err != nil {
			d.file.Close()
			return fmt.Errorf("deltabsdev: rewrite header at close: %w", err)
		}
	}
	return d.file.Close()
}

func (d *Device) BlockLen() uint32   { return d.cfg.Geometry.BlockLen }
func (d *Device) BlockCount() uint64 { return d.cfg.BlockCount }

func (d *Device) IsRangeValid(lba, n uint64) bool {
	if n == 0 {
		return lba <= d.cfg.BlockCount
	}
	end := lba + n
	return end >= lba && end <= d.cfg.BlockCount
}

func (d *Device) IsZeroes(lba, n uint64) bool { return !d.IsRangeValid(lba, n) }

func (d *Device) TranslateLBA(lba uint64) (uint64, bool) {
	if !d.IsRangeValid(lba, 1) {
		return 0, false
	}
	return lba, true
}

func (d *Device) GetBaseBdev() (string, bool) { return "", false }
func (d *Device) IsDegraded() bool            { return false }

// Map exposes the device's cluster map, mainly so a volume's Write
// direction device can hand its finished map to a Read direction
// device (or a snapshot export) without a round trip through disk.
func (d *Device) Map() *clustermap.Map { return d.cmap }

func (d *Device) CreateChannel(ctx context.Context) (bsdev.Channel, error) {
	if d.cfg.Dir != Read && d.cfg.Dir != Write {
		return nil, fmt.Errorf("deltabsdev: invalid direction")
	}
	return &channel{dev: d, ring: ring.New(d.cfg.RingDepth)}, nil
}

type channel struct {
	dev  *Device
	ring *ring.Ring
}

// Read serves a read from the recorded cluster offset, or zero-fills
// an unmapped cluster (the resolved DELTA_READ TODO).
func (c *channel) Read(lba, n uint64, payload []byte, cb bsdev.CompletionFunc) {
	c.ring.SubmitResult(c.readOne(lba, payload), cb)
}

// readOne performs a single synchronous read and returns its result
// code, without touching the ring. Shared by Read and the Readv loop
// so a multi-iovec request submits exactly one completion.
func (c *channel) readOne(lba uint64, payload []byte) int32 {
	if c.dev.cfg.Dir != Read {
		return int32(bsdev.ErrNotSupported)
	}
	g := c.dev.cfg.Geometry
	cluster := g.ClusterID(lba)

	if !c.dev.cmap.IsMapped(cluster) {
		for i := range payload {
			payload[i] = 0
		}
		return 0
	}

	clusterOff := c.dev.cmap.Get(cluster)
	intra := g.IntraClusterBlockOffset(lba) * uint64(g.BlockLen)
	off := int64(clusterOff) + int64(intra)

	if _, err := c.dev.file.ReadAt(payload, off); err != nil {
		c.dev.log.Warnw("delta read failed", "offset", off, "err", err)
		return int32(bsdev.ErrIO)
	}
	return 0
}

func (c *channel) Readv(lba, n uint64, iovs []bsdev.IOVec, cb bsdev.CompletionFunc) {
	c.readvInto(lba, iovs, cb)
}
func (c *channel) ReadvExt(lba, n uint64, iovs []bsdev.IOVec, cb bsdev.CompletionFunc) {
	c.readvInto(lba, iovs, cb)
}

func (c *channel) readvInto(lba uint64, iovs []bsdev.IOVec, cb bsdev.CompletionFunc) {
	offset := lba
	for _, v := range iovs {
		if res := c.readOne(offset, v.Buf); res != 0 {
			c.ring.SubmitResult(res, cb)
			return
		}
		offset += uint64(len(v.Buf)) / uint64(c.dev.cfg.Geometry.BlockLen)
	}
	c.ring.SubmitResult(0, cb)
}

// Write appends payload at the device's current write offset — a raw
// sequential append with no seek, matching the original's single-writer
// restriction — and records the cluster's offset in the map.
func (c *channel) Write(lba, n uint64, payload []byte, cb bsdev.CompletionFunc) {
	c.ring.SubmitResult(c.writeOne(lba, payload), cb)
}

// writeOne performs a single synchronous append and returns its result
// code, without touching the ring.
func (c *channel) writeOne(lba uint64, payload []byte) int32 {
	if c.dev.cfg.Dir != Write {
		return int32(bsdev.ErrNotSupported)
	}
	g := c.dev.cfg.Geometry
	cluster := g.ClusterID(lba)

	off := int64(c.dev.writeOff)
	if _, err := c.dev.file.WriteAt(payload, off); err != nil {
		c.dev.log.Warnw("delta write failed", "offset", off, "err", err)
		return int32(bsdev.ErrIO)
	}
	c.dev.cmap.Set(cluster, uint64(off))
	c.dev.writeOff += uint64(len(payload))
	return 0
}

func (c *channel) Writev(lba, n uint64, iovs []bsdev.IOVec, cb bsdev.CompletionFunc) {
	offset := lba
	for _, v := range iovs {
		if res := c.writeOne(offset, v.Buf); res != 0 {
			c.ring.SubmitResult(res, cb)
			return
		}
		offset += uint64(len(v.Buf)) / uint64(c.dev.cfg.Geometry.BlockLen)
	}
	c.ring.SubmitResult(0, cb)
}
func (c *channel) WritevExt(lba, n uint64, iovs []bsdev.IOVec, cb bsdev.CompletionFunc) {
	c.Writev(lba, n, iovs, cb)
}

// Flush is unsupported on the delta device, per spec.md §4.3: the
// device always appends synchronously, so there is nothing for a
// separate flush hook to do, and the contract reports that plainly
// rather than silently no-op-ing.
func (c *channel) Flush(cb bsdev.CompletionFunc) {
	c.ring.SubmitResult(int32(bsdev.ErrNotSupported), cb)
}

func (c *channel) WriteZeroes(lba, n uint64, cb bsdev.CompletionFunc) {
	c.ring.SubmitResult(int32(bsdev.ErrNotSupported), cb)
}
func (c *channel) Unmap(lba, n uint64, cb bsdev.CompletionFunc) {
	c.ring.SubmitResult(int32(bsdev.ErrNotSupported), cb)
}
func (c *channel) Copy(dstLBA, srcLBA, n uint64, cb bsdev.CompletionFunc) {
	c.ring.SubmitResult(int32(bsdev.ErrNotSupported), cb)
}

func (c *channel) Poll() bool { return c.ring.Poll() > 0 }

func (c *channel) Close() error {
	c.ring.Close()
	return nil
}
