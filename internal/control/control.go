// Package control defines the four public operations this module
// exposes (volume_create, volume_delete, volume_snapshot,
// volume_snapshot_status) as plain Go methods on a Plane, plus the
// request/response and error types a real RPC transport would
// serialize directly. The transport itself (JSON-RPC decoding and
// dispatch) is out of scope; this package is the boundary that
// transport calls into.
//
// Grounded on original_source/src/lib/bdev_ubi_rpc.c's field names and
// its legacy/ignored parameters (stripe_size_kb, copy_on_read), and on
// bdev_ubi.h's ubi_create_context for the shape of CreateParams.
package control

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ehrlich-b/ubivol/internal/blobstore"
	"github.com/ehrlich-b/ubivol/internal/bsdev"
	"github.com/ehrlich-b/ubivol/internal/hostdev"
	"github.com/ehrlich-b/ubivol/internal/volume"
)

// CreateParams is volume_create's request shape.
type CreateParams struct {
	Name         string `json:"name"`
	ImagePath    string `json:"image_path"`
	BaseBdev     string `json:"base_bdev"`
	FormatBdev   *bool  `json:"format_bdev,omitempty"`
	NoSync       bool   `json:"no_sync,omitempty"`
	DirectIO     *bool  `json:"directio,omitempty"`
	SnapshotPath string `json:"snapshot_path,omitempty"`

	// Legacy/ignored fields, accepted for wire compatibility: the
	// original RPC handler decodes and silently discards both.
	StripeSizeKB *int  `json:"stripe_size_kb,omitempty"`
	CopyOnRead   *bool `json:"copy_on_read,omitempty"`
}

// DeleteParams is volume_delete's request shape.
type DeleteParams struct {
	Name string `json:"name"`
}

// SnapshotParams is volume_snapshot's request shape.
type SnapshotParams struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// SnapshotStatusParams is volume_snapshot_status's request shape.
type SnapshotStatusParams struct {
	Name string `json:"name"`
}

// SnapshotStatus is volume_snapshot_status's response shape.
type SnapshotStatus struct {
	Name           string `json:"name"`
	InProgress     bool   `json:"in_progress"`
	Result         int32  `json:"result"`
	CopiedClusters uint64 `json:"copied_clusters"`
	TotalClusters  uint64 `json:"total_clusters"`
}

// Error carries both the numeric and symbolic form of a failure, so a
// real transport can serialize it directly the way the original RPC
// layer reports a negative errno alongside its name.
type Error struct {
	Code   int    `json:"code"`
	Symbol string `json:"symbol"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s (%d)", e.Symbol, e.Code) }

func errorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var errno bsdev.Errno
	switch {
	case errors.As(err, &errno):
	case errors.Is(err, hostdev.ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		errno = bsdev.ErrNoEntry
	default:
		errno = bsdev.ErrIO
	}
	return &Error{Code: int(errno), Symbol: errno.Symbol()}
}

// ConfigEntry is volume_create's persisted-configuration shape.
type ConfigEntry = volume.ConfigEntry

// StoreFactory builds a fresh blob store for a newly created volume.
// A real host owns exactly which store implementation to hand back;
// this module only needs *a* store per volume.
type StoreFactory func() blobstore.Store

// Plane wraps a volume registry and exposes the four control
// operations as plain Go methods.
type Plane struct {
	registry *volume.Registry
	newStore StoreFactory
	log      *zap.SugaredLogger
}

// Option configures a Plane.
type Option func(*Plane)

// WithLogger overrides the plane's logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Plane) { p.log = log }
}

// NewPlane builds a control plane over registry, using newStore to
// provision a blob store for each volume_create call.
func NewPlane(registry *volume.Registry, newStore StoreFactory, opts ...Option) *Plane {
	p := &Plane{registry: registry, newStore: newStore, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// VolumeCreate implements volume_create. It returns the created
// volume's name on success, or a control.Error describing the failure.
func (p *Plane) VolumeCreate(ctx context.Context, params CreateParams) (string, error) {
	if params.Name == "" || params.ImagePath == "" || params.BaseBdev == "" {
		return "", &Error{Code: int(bsdev.ErrInvalidParam), Symbol: bsdev.ErrInvalidParam.Symbol()}
	}

	opts := volume.Options{
		Name:           params.Name,
		ImagePath:      params.ImagePath,
		BaseDeviceName: params.BaseBdev,
		SnapshotPath:   params.SnapshotPath,
		Format:         boolOr(params.FormatBdev, true),
		NoSync:         params.NoSync,
		DirectIO:       boolOr(params.DirectIO, true),
	}

	type result struct {
		name string
		err  error
	}
	ch := make(chan result, 1)
	p.registry.Create(ctx, opts, p.newStore(), func(v *volume.Volume, err error) {
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{name: v.Name}
	})
	res := <-ch
	if res.err != nil {
		return "", errorFrom(res.err)
	}
	return res.name, nil
}

// VolumeDelete implements volume_delete.
func (p *Plane) VolumeDelete(ctx context.Context, params DeleteParams) (bool, error) {
	if err := p.registry.Delete(ctx, params.Name); err != nil {
		return false, errorFrom(err)
	}
	return true, nil
}

// VolumeSnapshot implements volume_snapshot: it begins the S0-S6
// workflow and returns success once S5 has been submitted.
func (p *Plane) VolumeSnapshot(ctx context.Context, params SnapshotParams) (bool, error) {
	v, ok := p.registry.Get(params.Name)
	if !ok {
		return false, errorFrom(hostdev.ErrNotFound)
	}

	type result struct{ err error }
	ch := make(chan result, 1)
	submitErr := v.Snapshot.Snapshot(ctx, v.BlobID(), params.Path, func(err error) {
		ch <- result{err: err}
	})
	if submitErr != nil {
		return false, errorFrom(submitErr)
	}
	res := <-ch
	if res.err != nil {
		return false, errorFrom(res.err)
	}
	return true, nil
}

// VolumeSnapshotStatus implements volume_snapshot_status.
func (p *Plane) VolumeSnapshotStatus(ctx context.Context, params SnapshotStatusParams) (SnapshotStatus, error) {
	v, ok := p.registry.Get(params.Name)
	if !ok {
		return SnapshotStatus{}, errorFrom(hostdev.ErrNotFound)
	}
	st := v.Snapshot.Status()
	return SnapshotStatus{
		Name:           params.Name,
		InProgress:     st.InProgress,
		Result:         st.Result,
		CopiedClusters: st.CopiedClusters,
		TotalClusters:  st.TotalClusters,
	}, nil
}

// DumpConfig returns the persisted-configuration entry for name.
func (p *Plane) DumpConfig(name string) (ConfigEntry, error) {
	entry, err := p.registry.WriteConfig(name)
	if err != nil {
		return ConfigEntry{}, errorFrom(err)
	}
	return entry, nil
}
