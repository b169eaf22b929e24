// Package imagebsdev implements the image copy-on-write backing device
// (C2 in spec.md): a read-only bs-dev that routes each read between an
// unmodified base image and an overlay file, using a cluster map to
// decide which side owns each cluster.
//
// Grounded on the original driver's spdk_bs_dev_uring.c read-routing
// and EOF-probe logic, and on go-qcow2's backing.go for the pattern of
// holding a base *os.File alongside an overlay and falling through to
// it when a cluster is unmapped.
package imagebsdev

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ubivol/internal/bsdev"
	"github.com/ehrlich-b/ubivol/internal/clustermap"
	"github.com/ehrlich-b/ubivol/internal/ring"
)

// Config describes the on-disk layout a Device opens.
type Config struct {
	ImagePath   string
	OverlayPath string // empty: no overlay yet, every cluster reads through to the base image
	Geometry    clustermap.Geometry
	BlockCount  uint64
	DirectIO    bool
	RingDepth   int
	Logger      *zap.SugaredLogger
}

// Device is the image CoW bs-dev. Open and Close must both run on the
// device's home thread, matching the original driver's restriction
// that the base bdev is only ever opened/closed there; per-thread I/O
// channels are created separately and may run anywhere.
type Device struct {
	cfg    Config
	base   *os.File
	cmap   *clustermap.Map
	log    *zap.SugaredLogger
	closed bool
}

// Open opens the base image (and overlay header, if present) and
// returns a ready Device. Must be called on the intended home thread.
func Open(cfg Config) (*Device, error) {
	if cfg.RingDepth <= 0 {
		cfg.RingDepth = ring.Depth
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	flags := os.O_RDONLY
	if cfg.DirectIO {
		flags |= unix.O_DIRECT
	}
	base, err := os.OpenFile(cfg.ImagePath, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("imagebsdev: open base image %q: %w", cfg.ImagePath, err)
	}

	cmap := clustermap.New()
	if cfg.OverlayPath != "" {
		overlay, err := os.Open(cfg.OverlayPath)
		if err != nil {
			base.Close()
			return nil, fmt.Errorf("imagebsdev: open overlay %q: %w", cfg.OverlayPath, err)
		}
		defer overlay.Close()
		if err := cmap.ReadHeader(overlay); err != nil {
			base.Close()
			return nil, fmt.Errorf("imagebsdev: read overlay header: %w", err)
		}
	}

	log.Debugw("image bs-dev opened", "image", cfg.ImagePath, "overlay", cfg.OverlayPath, "directio", cfg.DirectIO)
	return &Device{cfg: cfg, base: base, cmap: cmap, log: log}, nil
}

// Close releases the base image fd. Must run on the home thread, after
// every channel created from this Device has already been closed.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.base.Close()
}

// BlockLen returns the logical block size B.
func (d *Device) BlockLen() uint32 { return d.cfg.Geometry.BlockLen }

// BlockCount returns the device's advertised block count.
func (d *Device) BlockCount() uint64 { return d.cfg.BlockCount }

// IsRangeValid reports whether [lba, lba+n) lies within the device. A
// range past the end of the base image is still valid if its owning
// cluster has a non-zero overlay mapping: the overlay may legally
// extend beyond the base file's declared size (spec.md §4.2).
func (d *Device) IsRangeValid(lba, n uint64) bool {
	if n == 0 {
		if lba <= d.cfg.BlockCount {
			return true
		}
		return d.cmap.IsMapped(d.cfg.Geometry.ClusterID(lba))
	}
	end := lba + n
	if end >= lba && end <= d.cfg.BlockCount {
		return true
	}
	return d.cmap.IsMapped(d.cfg.Geometry.ClusterID(lba))
}

// IsZeroes is the logical negation of IsRangeValid: per spec.md §4.2,
// a range outside the device is reported as all-zero rather than an
// error on this query path.
func (d *Device) IsZeroes(lba, n uint64) bool {
	return !d.IsRangeValid(lba, n)
}

// TranslateLBA is the identity mapping for the image device.
func (d *Device) TranslateLBA(lba uint64) (uint64, bool) {
	if !d.IsRangeValid(lba, 1) {
		return 0, false
	}
	return lba, true
}

// GetBaseBdev reports that the image device exposes no further base
// device of its own to the blob store.
func (d *Device) GetBaseBdev() (string, bool) { return "", false }

// IsDegraded always reports false: the image device has no redundancy
// to lose.
func (d *Device) IsDegraded() bool { return false }

// CreateChannel allocates a per-thread channel: its own ring plus its
// own overlay fd (opened with DirectIO if configured), per spec.md
// §4.2's channel lifecycle. If no overlay exists yet, overlay is left
// nil and every read falls through to the base image.
func (d *Device) CreateChannel(ctx context.Context) (bsdev.Channel, error) {
	var overlay *os.File
	if d.cfg.OverlayPath != "" {
		flags := os.O_RDONLY
		if d.cfg.DirectIO {
			flags |= unix.O_DIRECT
		}
		f, err := os.OpenFile(d.cfg.OverlayPath, flags, 0)
		if err != nil {
			return nil, fmt.Errorf("imagebsdev: open overlay channel fd %q: %w", d.cfg.OverlayPath, err)
		}
		overlay = f
	}
	return &channel{dev: d, overlay: overlay, ring: ring.New(d.cfg.RingDepth)}, nil
}

type channel struct {
	dev     *Device
	overlay *os.File
	ring    *ring.Ring
}

// Read routes the request to the overlay when the owning cluster has
// been copied there, and to the base image otherwise. A read that
// probes past the end of the base image (the original's EOF-probe
// case, e.g. a sparse base shorter than its declared virtual size) is
// treated as a read of zeroes rather than an I/O error.
func (c *channel) Read(lba, n uint64, payload []byte, cb bsdev.CompletionFunc) {
	g := c.dev.cfg.Geometry
	cluster := g.ClusterID(lba)

	var result int32
	if c.dev.cmap.IsMapped(cluster) {
		result = c.readOverlay(cluster, lba, g, payload)
	} else {
		result = c.readBase(lba, payload)
	}
	c.ring.SubmitResult(result, cb)
}

func (c *channel) readBase(lba uint64, payload []byte) int32 {
	g := c.dev.cfg.Geometry
	off := int64(g.ByteOffset(lba))
	n, err := c.dev.base.ReadAt(payload, off)
	if err == io.EOF || (err == nil && n < len(payload)) {
		for i := n; i < len(payload); i++ {
			payload[i] = 0
		}
		return 0
	}
	if err != nil {
		c.dev.log.Warnw("base image read failed", "offset", off, "err", err)
		return int32(bsdev.ErrIO)
	}
	return 0
}

func (c *channel) readOverlay(cluster, lba uint64, g clustermap.Geometry, payload []byte) int32 {
	clusterOff := c.dev.cmap.Get(cluster)
	intra := g.IntraClusterBlockOffset(lba) * uint64(g.BlockLen)
	off := int64(clusterOff) + int64(intra)

	if c.overlay == nil {
		return int32(bsdev.ErrIO)
	}
	if _, err := c.overlay.ReadAt(payload, off); err != nil && err != io.EOF {
		c.dev.log.Warnw("overlay read failed", "offset", off, "err", err)
		return int32(bsdev.ErrIO)
	}
	return 0
}

func (c *channel) Readv(lba, n uint64, iovs []bsdev.IOVec, cb bsdev.CompletionFunc) {
	c.readvInto(lba, n, iovs, cb)
}

func (c *channel) ReadvExt(lba, n uint64, iovs []bsdev.IOVec, cb bsdev.CompletionFunc) {
	c.readvInto(lba, n, iovs, cb)
}

func (c *channel) readvInto(lba, n uint64, iovs []bsdev.IOVec, cb bsdev.CompletionFunc) {
	offset := lba
	for _, v := range iovs {
		blocks := uint64(len(v.Buf)) / uint64(c.dev.cfg.Geometry.BlockLen)
		g := c.dev.cfg.Geometry
		cluster := g.ClusterID(offset)
		var result int32
		if c.dev.cmap.IsMapped(cluster) {
			result = c.readOverlay(cluster, offset, g, v.Buf)
		} else {
			result = c.readBase(offset, v.Buf)
		}
		if result != 0 {
			c.ring.SubmitResult(result, cb)
			return
		}
		offset += blocks
	}
	c.ring.SubmitResult(0, cb)
}

// Write and its variants are unconditionally unsupported: the image
// device exposes a read-only view, per spec.md §4.2 (volume writes go
// to the volume's blob, not to this device).
func (c *channel) Write(lba, n uint64, payload []byte, cb bsdev.CompletionFunc) {
	c.ring.SubmitResult(int32(bsdev.ErrNotSupported), cb)
}
func (c *channel) Writev(lba, n uint64, iovs []bsdev.IOVec, cb bsdev.CompletionFunc) {
	c.ring.SubmitResult(int32(bsdev.ErrNotSupported), cb)
}
func (c *channel) WritevExt(lba, n uint64, iovs []bsdev.IOVec, cb bsdev.CompletionFunc) {
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

// Flush is a no-op success: there is nothing buffered on a read-only
// device.
func (c *channel) Flush(cb bsdev.CompletionFunc) {
	c.ring.SubmitResult(0, cb)
}

// Poll drains one batch from the channel's ring.
func (c *channel) Poll() bool { return c.ring.Poll() > 0 }

// Close tears down the channel's ring and closes its overlay fd, if
// any. Must run on the channel's owning thread.
func (c *channel) Close() error {
	c.ring.Close()
	if c.overlay != nil {
		return c.overlay.Close()
	}
	return nil
}
