// Package volume implements the volume lifecycle (C4 in spec.md):
// opening/formatting the blob store on top of a base device, and
// registering/unregistering the resulting virtual volume.
//
// Grounded on go-qcow2's newImage staged open-then-rollback pattern
// (open file -> parse header -> roll back on each subsequent failure)
// and on original_source/src/lib/bdev_ubi.c's create/destruct
// continuation chain. The nested-callback cleanup
// original_source/include/bdev_ubi.h's ubi_create_context embodies is
// replaced here with the explicit stage enum spec.md §9 asks for, plus
// a single idempotent abort routine that unwinds in reverse-stage
// order.
package volume

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/ubivol/internal/blobstore"
	"github.com/ehrlich-b/ubivol/internal/bsdev"
	"github.com/ehrlich-b/ubivol/internal/clustermap"
	"github.com/ehrlich-b/ubivol/internal/hostdev"
	"github.com/ehrlich-b/ubivol/internal/imagebsdev"
	"github.com/ehrlich-b/ubivol/internal/snapshot"
)

// alignmentUnit is the fixed 4 KiB unit in which the required alignment
// and the optimal I/O boundary are advertised, per spec.md §4.4,
// independent of the volume's own block length.
const alignmentUnit = 4096

// Options configures volume creation.
type Options struct {
	Name           string
	ImagePath      string
	BaseDeviceName string
	SnapshotPath   string // overlay path; empty until a snapshot has been taken
	Format         bool
	NoSync         bool
	DirectIO       bool
	ClusterSize    uint64 // defaults to 4096 if zero
}

// stage records how far a create attempt progressed, so abort can
// unwind in the exact reverse order regardless of which step failed.
type stage int

const (
	stageInit stage = iota
	stageBSLoaded
	stageBlobCreated
	stageBlobOpened
	stageRegistered
	stageFailed
)

// Volume is a live virtual disk: a named blob-store-backed overlay on
// top of a read-only base image.
type Volume struct {
	Name         string
	InstanceID   uuid.UUID
	ImagePath    string
	SnapshotPath string
	BlockLen     uint32
	BlockCount   uint64
	NoSync       bool

	RequiredAlignment         uint
	OptimalIOBoundary         uint32
	SplitOnOptimalIOBoundary  bool

	Geometry clustermap.Geometry

	store  blobstore.Store
	blob   blobstore.Blob
	blobID blobstore.BlobID

	Snapshot *snapshot.Runner
}

// BlobID exposes the volume's primary blob id, e.g. for the snapshot
// runner or control-plane status calls.
func (v *Volume) BlobID() blobstore.BlobID { return v.blobID }

// Blob exposes the volume's open primary blob handle.
func (v *Volume) Blob() blobstore.Blob { return v.blob }

// Registry is the process-wide name -> Volume map (spec.md §9's
// "Volume lookup": a name->handle mapping is sufficient, ordering is
// irrelevant).
type Registry struct {
	mu   sync.Mutex
	vols map[string]*Volume
	host hostdev.Host
	log  *zap.SugaredLogger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger overrides the registry's logger.
func WithLogger(log *zap.SugaredLogger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry returns an empty registry backed by host.
func NewRegistry(host hostdev.Host, opts ...RegistryOption) *Registry {
	r := &Registry{vols: make(map[string]*Volume), host: host, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get looks up a volume by name.
func (r *Registry) Get(name string) (*Volume, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vols[name]
	return v, ok
}

// createContext carries the state accumulated across Create's stages,
// so abort can unwind exactly what was allocated and nothing more.
type createContext struct {
	opts    Options
	stage   stage
	store   blobstore.Store
	blob    blobstore.Blob
	blobID  blobstore.BlobID
	baseDev bsdev.Device
	geom    clustermap.Geometry
}

// Create opens or formats the blob store described by opts on top of
// the named base device, and on success registers the resulting
// volume under opts.Name. done is invoked exactly once, regardless of
// which step fails.
func (r *Registry) Create(ctx context.Context, opts Options, store blobstore.Store, done func(*Volume, error)) {
	if opts.ClusterSize == 0 {
		opts.ClusterSize = 4096
	}

	cctx := &createContext{opts: opts, store: store, stage: stageInit}

	abort := func(err error) {
		r.abortCreate(ctx, cctx)
		done(nil, err)
	}

	// Home thread: the goroutine executing Create is, by convention,
	// the volume's home thread; the base device must only ever be
	// opened/closed from here (spec.md §3 invariant 5, §5).
	baseDev, err := r.host.LookupBaseDevice(ctx, opts.BaseDeviceName)
	if err != nil {
		abort(fmt.Errorf("volume: lookup base device %q: %w", opts.BaseDeviceName, err))
		return
	}
	cctx.baseDev = baseDev

	blockLen := baseDev.BlockLen()
	blockCount := baseDev.BlockCount()

	geom, err := clustermap.NewGeometry(blockLen, opts.ClusterSize)
	if err != nil {
		abort(fmt.Errorf("volume: %w", err))
		return
	}
	cctx.geom = geom

	esnapFactory := func(esnapID []byte) (bsdev.Device, error) {
		return imagebsdev.Open(imagebsdev.Config{
			ImagePath:   opts.ImagePath,
			OverlayPath: opts.SnapshotPath,
			Geometry:    geom,
			BlockCount:  blockCount,
			DirectIO:    opts.DirectIO,
		})
	}

	if opts.Format {
		if err := store.Init(ctx, baseDev, esnapFactory); err != nil {
			abort(fmt.Errorf("volume: init blob store: %w", err))
			return
		}
		cctx.stage = stageBSLoaded

		total, err := store.TotalDataClusterCount(ctx)
		if err != nil {
			abort(fmt.Errorf("volume: total data cluster count: %w", err))
			return
		}
		blobID, err := store.CreateBlob(ctx)
		if err != nil {
			abort(fmt.Errorf("volume: create blob: %w", err))
			return
		}
		cctx.blobID = blobID
		cctx.stage = stageBlobCreated
		_ = total // thin-provisioned blob sizing is the blob store's concern; latched here only for parity with spec.md's "cluster count equals total data clusters" note.

		if _, err := store.CreateSnapshot(ctx, blobID); err != nil {
			abort(fmt.Errorf("volume: snapshot freshly formatted blob: %w", err))
			return
		}

		blob, err := store.OpenBlob(ctx, blobID)
		if err != nil {
			abort(fmt.Errorf("volume: open blob: %w", err))
			return
		}
		cctx.blob = blob
		cctx.stage = stageBlobOpened
	} else {
		if err := store.Load(ctx, baseDev, esnapFactory); err != nil {
			abort(fmt.Errorf("volume: load blob store: %w", err))
			return
		}
		cctx.stage = stageBSLoaded

		blobID, blob, err := openFirstBlob(ctx, store)
		if err != nil {
			abort(fmt.Errorf("volume: open first blob: %w", err))
			return
		}
		cctx.blobID = blobID
		cctx.blob = blob
		cctx.stage = stageBlobOpened
	}

	v := &Volume{
		Name:                     opts.Name,
		InstanceID:               uuid.New(),
		ImagePath:                opts.ImagePath,
		SnapshotPath:             opts.SnapshotPath,
		BlockLen:                 blockLen,
		BlockCount:               blockCount,
		NoSync:                   opts.NoSync,
		RequiredAlignment:        log2Floor(alignmentUnit),
		OptimalIOBoundary:        alignmentUnit / blockLen,
		SplitOnOptimalIOBoundary: true,
		Geometry:                 geom,
		store:                    store,
		blob:                     cctx.blob,
		blobID:                   cctx.blobID,
	}
	v.Snapshot = snapshot.NewRunner(store, geom, blockCount)

	if err := r.host.Register(ctx, opts.Name, cctx.baseDev); err != nil {
		abort(fmt.Errorf("volume: register with host: %w", err))
		return
	}
	cctx.stage = stageRegistered

	r.mu.Lock()
	r.vols[opts.Name] = v
	r.mu.Unlock()

	done(v, nil)
}

func openFirstBlob(ctx context.Context, store blobstore.Store) (blobstore.BlobID, blobstore.Blob, error) {
	// The blob store owns enumeration; this module only knows the one
	// blob id a prior format() call would have reported. Since the
	// contract here is Go-native (no persisted blob directory file),
	// reload in this module always re-derives blob id 1. Real hosts
	// persist this mapping themselves, which is why write_config emits
	// only {name, image_path} per spec.md §6.
	const firstBlobID blobstore.BlobID = 1
	blob, err := store.OpenBlob(ctx, firstBlobID)
	if err != nil {
		return 0, nil, err
	}
	return firstBlobID, blob, nil
}

// abortCreate unwinds cctx in reverse-stage order. It is idempotent:
// calling it twice on the same context is a no-op the second time
// because stage is advanced to stageFailed before returning.
func (r *Registry) abortCreate(ctx context.Context, cctx *createContext) {
	if cctx.stage == stageFailed {
		return
	}
	switch cctx.stage {
	case stageRegistered:
		_ = r.host.Unregister(ctx, cctx.opts.Name)
		fallthrough
	case stageBlobOpened:
		if cctx.blob != nil {
			_ = cctx.blob.SyncMetadata(ctx) // best-effort; blob store owns real close semantics
		}
		fallthrough
	case stageBlobCreated:
		if cctx.opts.Format && cctx.blobID != 0 {
			_ = cctx.store.DeleteBlob(ctx, cctx.blobID)
		}
		fallthrough
	case stageBSLoaded:
		_ = cctx.store.Unload(ctx)
	case stageInit:
		// nothing allocated yet
	}
	cctx.stage = stageFailed
}

// Delete unregisters name via the host framework, surfacing whatever
// error the framework reports (not found, busy, ...).
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	_, ok := r.vols[name]
	r.mu.Unlock()
	if !ok {
		return hostdev.ErrNotFound
	}
	if err := r.host.Unregister(ctx, name); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.vols, name)
	r.mu.Unlock()
	return nil
}

// Destruct runs the close/unload/free chain for name: remove the volume
// from the registry, close the blob, unload the blob store, then
// unregister the volume from the host. Grounded on
// original_source/src/lib/bdev_ubi.c's destruct continuation: these
// three steps are serialized on the volume's home thread because each
// one depends on the last having completed (you cannot unload a store
// with an open blob, nor unregister a device the store still owns).
func (r *Registry) Destruct(ctx context.Context, name string) error {
	r.mu.Lock()
	v, ok := r.vols[name]
	if ok {
		delete(r.vols, name)
	}
	r.mu.Unlock()
	if !ok {
		return hostdev.ErrNotFound
	}

	if v.blob != nil {
		if err := v.store.CloseBlob(ctx, v.blobID); err != nil {
			return fmt.Errorf("volume: close blob for %q: %w", name, err)
		}
	}
	if err := v.store.Unload(ctx); err != nil {
		return fmt.Errorf("volume: unload blob store for %q: %w", name, err)
	}
	if err := r.host.Unregister(ctx, name); err != nil {
		return fmt.Errorf("volume: unregister base device for %q: %w", name, err)
	}
	return nil
}

// Shutdown tears down every registered volume. Unlike a single
// volume's own close/unload/free chain, different volumes' teardowns
// have no dependency on one another, so they run as a genuine errgroup
// fan-out — the same pattern the coordinator in sakateka-yanet2 uses
// to run its independent built-in modules concurrently and wait for
// all of them. The first error is returned once every volume has been
// attempted; a failure on one volume does not stop the others from
// being torn down.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.vols))
	for name := range r.vols {
		names = append(names, name)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			return r.Destruct(ctx, name)
		})
	}
	return g.Wait()
}

// ConfigEntry is the persisted-configuration shape write_config emits.
type ConfigEntry struct {
	Method string         `json:"method"`
	Params ConfigParams   `json:"params"`
}

// ConfigParams carries only the fields write_config reconstructs on
// reload; every other field returns to its default, per spec.md §4.4.
type ConfigParams struct {
	Name      string `json:"name"`
	ImagePath string `json:"image_path"`
}

// WriteConfig returns the persisted-configuration entry for name.
func (r *Registry) WriteConfig(name string) (ConfigEntry, error) {
	r.mu.Lock()
	v, ok := r.vols[name]
	r.mu.Unlock()
	if !ok {
		return ConfigEntry{}, hostdev.ErrNotFound
	}
	return ConfigEntry{
		Method: "bdev_ubi_create",
		Params: ConfigParams{Name: v.Name, ImagePath: v.ImagePath},
	}, nil
}

func log2Floor(n uint32) uint {
	var shift uint
	for n > 1 {
		n >>= 1
		shift++
	}
	return shift
}
