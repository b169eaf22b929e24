// Package snapshot implements the snapshot/clone state machine (C5 in
// spec.md): the seven-stage asynchronous chain that turns a volume's
// live blob into a persistent overlay file.
//
// The data shape of a snapshot record (in_progress/result/copied/total)
// is grounded on go-qcow2's snapshot.go Snapshot struct; the stage
// sequencing itself is new — qcow2's snapshots are synchronous, ours is
// async by contract per spec.md §4.5, restructured from the
// continuation-passing cleanup original_source/include/bdev_ubi.h's
// ubi_create_context shows into the explicit stage progression below.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ehrlich-b/ubivol/internal/blobstore"
	"github.com/ehrlich-b/ubivol/internal/bsdev"
	"github.com/ehrlich-b/ubivol/internal/clustermap"
	"github.com/ehrlich-b/ubivol/internal/deltabsdev"
)

// Record is the volume's snapshot progress record (spec.md §3). Fields
// are updated in a fixed order so a concurrent reader always observes a
// self-consistent, if possibly stale, snapshot: TotalClusters is set
// before InProgress flips true; CopiedClusters only increases; Result
// and InProgress=false are set together, last.
type Record struct {
	InProgress     bool
	Result         int32
	CopiedClusters uint64
	TotalClusters  uint64
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the runner's logger (default: a no-op logger).
func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Runner) { r.log = log }
}

// Runner drives the S0-S6 chain for a single volume. A Runner enforces
// the "at most one snapshot in progress" invariant on its own; each
// volume owns exactly one Runner.
type Runner struct {
	store      blobstore.Store
	geom       clustermap.Geometry
	blockCount uint64
	log        *zap.SugaredLogger

	mu     sync.Mutex
	record Record
}

// NewRunner builds a Runner for a volume whose store is store and whose
// geometry/block count are geom/blockCount (used to size the delta
// device constructed at S5).
func NewRunner(store blobstore.Store, geom clustermap.Geometry, blockCount uint64, opts ...Option) *Runner {
	r := &Runner{store: store, geom: geom, blockCount: blockCount, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status returns a snapshot of the current progress record.
func (r *Runner) Status() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

// Snapshot runs the S0-S6 chain for liveBlobID, writing the resulting
// overlay to targetPath. done is invoked exactly once: immediately on
// any S0-S5 failure, or on successful S5 submission (not on S6
// completion — the long tail publishes progress through Status
// instead, per spec.md §4.5). A concurrent call made while a prior
// snapshot is in_progress is rejected synchronously with
// bsdev.ErrBusy and never calls done.
func (r *Runner) Snapshot(ctx context.Context, liveBlobID blobstore.BlobID, targetPath string, done func(error)) error {
	r.mu.Lock()
	if r.record.InProgress {
		r.mu.Unlock()
		return bsdev.ErrBusy
	}
	r.mu.Unlock()

	// The store's cluster count is read before S0 so the snapshot's own
	// blob is not counted in it; it is latched into the record at S1.
	total, err := r.store.TotalDataClusterCount(ctx)
	if err != nil {
		err = fmt.Errorf("snapshot: total_data_cluster_count: %w", err)
		done(err)
		return err
	}

	// S0 START
	snapID, err := r.store.CreateSnapshot(ctx, liveBlobID)
	if err != nil {
		err = fmt.Errorf("snapshot: create_snapshot: %w", err)
		done(err)
		return err
	}

	// S1 SNAPSHOT_DONE: latch total_clusters, then flip in_progress.
	r.mu.Lock()
	r.record = Record{TotalClusters: total, InProgress: true}
	r.mu.Unlock()

	abort := func(stageErr error) error {
		r.mu.Lock()
		r.record.Result = errnoOf(stageErr)
		r.record.InProgress = false
		r.mu.Unlock()
		done(stageErr)
		return stageErr
	}

	cloneID, err := r.store.CreateClone(ctx, snapID)
	if err != nil {
		return abort(fmt.Errorf("snapshot: create_clone: %w", err))
	}

	// S2 CLONE_CREATED
	if _, err := r.store.OpenBlob(ctx, cloneID); err != nil {
		return abort(fmt.Errorf("snapshot: open_blob: %w", err))
	}

	// S3 CLONE_OPENED
	if err := r.store.SetReadOnly(ctx, cloneID); err != nil {
		return abort(fmt.Errorf("snapshot: set_read_only: %w", err))
	}
	if err := r.store.CloseBlob(ctx, cloneID); err != nil {
		return abort(fmt.Errorf("snapshot: close_blob: %w", err))
	}

	// S4 CLONE_CLOSED
	if err := r.store.DecoupleParent(ctx, cloneID, nil); err != nil {
		return abort(fmt.Errorf("snapshot: decouple_parent: %w", err))
	}

	// S5 DECOUPLED: construct the delta-bs-dev and submit the copy.
	delta, err := deltabsdev.Open(deltabsdev.Config{
		Path:       targetPath,
		Geometry:   r.geom,
		BlockCount: r.blockCount,
		Dir:        deltabsdev.Write,
		Logger:     r.log,
	})
	if err != nil {
		return abort(fmt.Errorf("snapshot: open delta device: %w", err))
	}

	// The user callback fires here, at S5 submission, exactly once.
	// Whatever happens during the S5->S6 shallow copy is reported only
	// through Status, per the resolved double-callback Open Question.
	done(nil)

	go r.runCopy(ctx, cloneID, delta)
	return nil
}

// runCopy drives S5->S6: it performs the shallow copy and publishes
// the final result, without touching the caller's completion again.
func (r *Runner) runCopy(ctx context.Context, cloneID blobstore.BlobID, delta *deltabsdev.Device) {
	err := r.store.ShallowCopy(ctx, cloneID, delta, r.geom, func(copied, total uint64) {
		r.mu.Lock()
		r.record.CopiedClusters = copied
		r.mu.Unlock()
	})

	// S6 COPY_DONE: destroy the delta-bs-dev, publish the result, clear
	// in_progress last so a racing status read never sees a cleared
	// flag before its result.
	if closeErr := delta.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		r.log.Warnw("shallow copy failed", "clone", cloneID, "err", err)
	}

	r.mu.Lock()
	r.record.Result = errnoOf(err)
	r.record.InProgress = false
	r.mu.Unlock()
}

// errnoOf collapses a stage error into the negative-errno convention
// the progress record reports, unwrapping an underlying bsdev.Errno
// when one is present and otherwise reporting a generic I/O error.
func errnoOf(err error) int32 {
	if err == nil {
		return 0
	}
	var e bsdev.Errno
	if errors.As(err, &e) {
		return int32(e)
	}
	return int32(bsdev.ErrIO)
}
