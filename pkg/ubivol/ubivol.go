// Package ubivol is the top-level façade gluing C1-C6 together into a
// single Volume type, the way go-qcow2's qcow2.Image was the teacher's
// top-level façade over its header/cluster/snapshot machinery.
package ubivol

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ehrlich-b/ubivol/internal/blobstore"
	"github.com/ehrlich-b/ubivol/internal/hostdev"
	"github.com/ehrlich-b/ubivol/internal/ioshim"
	"github.com/ehrlich-b/ubivol/internal/snapshot"
	"github.com/ehrlich-b/ubivol/internal/volume"
)

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger handed to the volume registry and to each
// volume's I/O channel (which logs failed blob I/O).
func WithLogger(log *zap.SugaredLogger) Option {
	return func(h *Host) { h.log = log }
}

// Host is the process-wide entry point: it owns the volume registry
// and hands back ready-to-use Volume handles.
type Host struct {
	registry *volume.Registry
	newStore func() blobstore.Store
	log      *zap.SugaredLogger
}

// NewHost builds a Host over the given base-device lookup/registration
// framework, using newStore to provision a fresh blob store per
// created volume.
func NewHost(host hostdev.Host, newStore func() blobstore.Store, opts ...Option) *Host {
	h := &Host{newStore: newStore, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(h)
	}
	h.registry = volume.NewRegistry(host, volume.WithLogger(h.log))
	return h
}

// CreateOptions mirrors volume.Options at the façade layer.
type CreateOptions struct {
	Name           string
	ImagePath      string
	BaseDeviceName string
	SnapshotPath   string
	Format         bool
	NoSync         bool
	DirectIO       bool
	ClusterSize    uint64
}

// Volume is a ready-to-use virtual disk: the volume lifecycle state
// plus an I/O channel and snapshot runner wired on top of it.
type Volume struct {
	inner *volume.Volume
	io    *ioshim.Channel
}

// Name returns the volume's registered name.
func (v *Volume) Name() string { return v.inner.Name }

// BlockLen/BlockCount expose the volume's geometry.
func (v *Volume) BlockLen() uint32   { return v.inner.BlockLen }
func (v *Volume) BlockCount() uint64 { return v.inner.BlockCount }

// ReadAt reads one cluster's worth of data at block offset lba into
// payload, blocking until the completion has been dispatched.
func (v *Volume) ReadAt(ctx context.Context, lba uint64, payload []byte) error {
	return v.runSync(ctx, func(cb ioshim.StatusFunc) { v.io.Read(ctx, lba, payload, cb) })
}

// WriteAt writes one cluster's worth of data at block offset lba.
func (v *Volume) WriteAt(ctx context.Context, lba uint64, payload []byte) error {
	return v.runSync(ctx, func(cb ioshim.StatusFunc) { v.io.Write(ctx, lba, payload, cb) })
}

// Flush durably persists prior writes (a no-op if the volume was
// created with NoSync).
func (v *Volume) Flush(ctx context.Context) error {
	return v.runSync(ctx, func(cb ioshim.StatusFunc) { v.io.Flush(ctx, cb) })
}

func (v *Volume) runSync(ctx context.Context, submit func(ioshim.StatusFunc)) error {
	done := make(chan ioshim.Status, 1)
	submit(func(s ioshim.Status) { done <- s })
	for !v.io.Poll() {
	}
	if s := <-done; s != ioshim.StatusSuccess {
		return fmt.Errorf("ubivol: I/O failed")
	}
	return nil
}

// Snapshot begins an asynchronous export of the volume's current state
// to path; see snapshot.Runner.Snapshot for completion semantics.
func (v *Volume) Snapshot(ctx context.Context, path string, done func(error)) error {
	return v.inner.Snapshot.Snapshot(ctx, v.inner.BlobID(), path, done)
}

// SnapshotStatus reports the volume's current snapshot progress.
func (v *Volume) SnapshotStatus() snapshot.Record {
	return v.inner.Snapshot.Status()
}

// Create formats (or, with Format false, loads) a volume per opts and
// returns a ready handle.
func (h *Host) Create(ctx context.Context, opts CreateOptions) (*Volume, error) {
	type result struct {
		vol *volume.Volume
		err error
	}
	ch := make(chan result, 1)
	h.registry.Create(ctx, volume.Options{
		Name:           opts.Name,
		ImagePath:      opts.ImagePath,
		BaseDeviceName: opts.BaseDeviceName,
		SnapshotPath:   opts.SnapshotPath,
		Format:         opts.Format,
		NoSync:         opts.NoSync,
		DirectIO:       opts.DirectIO,
		ClusterSize:    opts.ClusterSize,
	}, h.newStore(), func(v *volume.Volume, err error) { ch <- result{vol: v, err: err} })

	res := <-ch
	if res.err != nil {
		return nil, res.err
	}

	ioCh := ioshim.NewChannel(res.vol.Blob(), ioshim.Config{
		NoSync:   res.vol.NoSync,
		Geometry: res.vol.Geometry,
		Logger:   h.log,
	})
	return &Volume{inner: res.vol, io: ioCh}, nil
}

// Open returns the handle for an already-registered volume.
func (h *Host) Open(name string) (*Volume, error) {
	v, ok := h.registry.Get(name)
	if !ok {
		return nil, hostdev.ErrNotFound
	}
	ioCh := ioshim.NewChannel(v.Blob(), ioshim.Config{
		NoSync:   v.NoSync,
		Geometry: v.Geometry,
		Logger:   h.log,
	})
	return &Volume{inner: v, io: ioCh}, nil
}

// Delete unregisters a volume by name.
func (h *Host) Delete(ctx context.Context, name string) error {
	return h.registry.Delete(ctx, name)
}

// Destruct tears a volume down: closes its blob and unloads its blob
// store.
func (h *Host) Destruct(ctx context.Context, name string) error {
	return h.registry.Destruct(ctx, name)
}

// Close releases v's I/O channel. It does not tear the volume itself
// down; call Host.Destruct for that.
func (v *Volume) Close() error {
	return v.io.Close()
}
