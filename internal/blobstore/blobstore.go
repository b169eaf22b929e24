// Package blobstore declares the contract this module expects of the
// underlying content-addressed blob store (C5's snapshot/clone chain
// and C4's volume lifecycle both drive it), plus an in-memory fake
// implementation for tests.
//
// Grounded on original_source/src/lib/bdev_ubi.c's blob-store call
// sequence (spdk_bs_init/spdk_bs_load, spdk_bs_create_blob,
// spdk_blob_open, spdk_bs_create_snapshot, spdk_bs_create_clone,
// spdk_blob_decouple_parent, spdk_bs_delete_blob) and on
// bdev_ubi_rpc.c's snapshot/shallow-copy RPC shapes. Esnap (external
// snapshot) device factories are modeled the same way the original
// registers one per blob store via spdk_bs_opts.esnap_bs_dev_create.
package blobstore

import (
	"context"
	"errors"

	"github.com/ehrlich-b/ubivol/internal/bsdev"
	"github.com/ehrlich-b/ubivol/internal/clustermap"
)

// ErrNotFound is returned when a blob ID has no corresponding blob.
var ErrNotFound = errors.New("blobstore: blob not found")

// BlobID identifies a blob within a store, the Go analogue of
// spdk_blob_id.
type BlobID uint64

// EsnapFactory builds the bs-dev backing an external snapshot, given
// the opaque esnap id the blob store recorded when the snapshot's
// clone was created. The volume lifecycle registers one of these per
// store at Init time, mirroring spdk_bs_opts.esnap_bs_dev_create.
type EsnapFactory func(esnapID []byte) (bsdev.Device, error)

// ProgressFunc reports incremental cluster-copy progress during a
// shallow copy (C5's progress_cb).
type ProgressFunc func(copiedClusters, totalClusters uint64)

// Store is the contract this module expects of the host blob store.
type Store interface {
	// Init formats a fresh store on dev. esnap registers the factory
	// used to open any blob created as an external-snapshot clone.
	Init(ctx context.Context, dev bsdev.Device, esnap EsnapFactory) error

	// Load opens an existing store on dev.
	Load(ctx context.Context, dev bsdev.Device, esnap EsnapFactory) error

	// Unload tears the store down. Must follow every blob being closed.
	Unload(ctx context.Context) error

	// CreateBlob allocates a new, empty blob.
	CreateBlob(ctx context.Context) (BlobID, error)

	// CreateEsnapClone allocates a blob backed by an external snapshot
	// device built from esnapID via the store's EsnapFactory, the Go
	// analogue of spdk_bs_create_esnap_clone.
	CreateEsnapClone(ctx context.Context, esnapID []byte, clusterSize uint64, blockLen uint32) (BlobID, error)

	// OpenBlob opens id for I/O.
	OpenBlob(ctx context.Context, id BlobID) (Blob, error)

	// CloseBlob closes any open handle to id without deleting it (S3 in
	// the clone chain: the clone is set read-only then closed before
	// its parent is decoupled by id).
	CloseBlob(ctx context.Context, id BlobID) error

	// CreateSnapshot creates a read-only snapshot of the blob backing
	// origin and returns the snapshot's id (S0 in the clone chain).
	CreateSnapshot(ctx context.Context, origin BlobID) (BlobID, error)

	// CreateClone creates a writable clone whose parent is snapshot
	// (S1 in the clone chain).
	CreateClone(ctx context.Context, snapshot BlobID) (BlobID, error)

	// SetReadOnly marks a blob read-only in place (S3 in the clone
	// chain, applied to the freshly created clone before it is closed).
	SetReadOnly(ctx context.Context, id BlobID) error

	// DecoupleParent severs id from its snapshot parent, copying any
	// clusters id had not yet overridden (S4 in the clone chain).
	DecoupleParent(ctx context.Context, id BlobID, progress ProgressFunc) error

	// ShallowCopy copies every cluster id owns (not inherited from a
	// parent) onto dst, a backing device rather than another blob —
	// the blob store writes straight through dst's write hook, the way
	// spdk_bs_blob_shallow_copy targets a caller-supplied bs-dev.
	ShallowCopy(ctx context.Context, id BlobID, dst bsdev.Device, geom clustermap.Geometry, progress ProgressFunc) error

	// DeleteBlob removes a blob outright.
	DeleteBlob(ctx context.Context, id BlobID) error

	// TotalDataClusterCount reports the store's total cluster count
	// across all blobs, exposed to the control plane for capacity
	// reporting and latched as a snapshot's total_clusters at S1.
	TotalDataClusterCount(ctx context.Context) (uint64, error)
}

// Blob is an open blob handle.
type Blob interface {
	ID() BlobID

	// ReadAt/WriteAt serve C6's translated I/O requests.
	ReadAt(ctx context.Context, clusterOffset uint64, buf []byte) error
	WriteAt(ctx context.Context, clusterOffset uint64, buf []byte) error

	// SyncMetadata persists the blob's metadata (C6's FLUSH path).
	SyncMetadata(ctx context.Context) error

	// ClusterCount reports the blob's size in clusters.
	ClusterCount() uint64
}
