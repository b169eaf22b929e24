// Package fake is an in-memory blobstore.Store used by this module's
// own tests, standing in for the real content-addressed blob store.
// It keeps every blob's bytes in a plain slice and applies the same
// parent/clone/decouple bookkeeping blobstore.Store documents, so C4/C5
// tests can exercise the full snapshot/clone/decouple/shallow-copy
// chain without a real backing store.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/ehrlich-b/ubivol/internal/blobstore"
	"github.com/ehrlich-b/ubivol/internal/bsdev"
	"github.com/ehrlich-b/ubivol/internal/clustermap"
)

// Store is a minimal in-memory blobstore.Store.
type Store struct {
	mu      sync.Mutex
	nextID  blobstore.BlobID
	blobs   map[blobstore.BlobID]*blobData
	esnap   blobstore.EsnapFactory
	deleted map[blobstore.BlobID]bool
}

type blobData struct {
	id        blobstore.BlobID
	parent    blobstore.BlobID
	hasParent bool
	readOnly  bool
	data      [][]byte // per-cluster payload; nil entry means "unwritten"
	esnapDev  bsdev.Device
}

// New returns an unopened fake store.
func New() *Store {
	return &Store{blobs: make(map[blobstore.BlobID]*blobData), deleted: make(map[blobstore.BlobID]bool)}
}

func (s *Store) Init(ctx context.Context, dev bsdev.Device, esnap blobstore.EsnapFactory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.esnap = esnap
	return nil
}

func (s *Store) Load(ctx context.Context, dev bsdev.Device, esnap blobstore.EsnapFactory) error {
	return s.Init(ctx, dev, esnap)
}

func (s *Store) Unload(ctx context.Context) error { return nil }

func (s *Store) CreateBlob(ctx context.Context) (blobstore.BlobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.blobs[id] = &blobData{id: id}
	return id, nil
}

func (s *Store) CreateEsnapClone(ctx context.Context, esnapID []byte, clusterSize uint64, blockLen uint32) (blobstore.BlobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dev bsdev.Device
	if s.esnap != nil {
		d, err := s.esnap(esnapID)
		if err != nil {
			return 0, err
		}
		dev = d
	}
	s.nextID++
	id := s.nextID
	s.blobs[id] = &blobData{id: id, esnapDev: dev}
	return id, nil
}

func (s *Store) OpenBlob(ctx context.Context, id blobstore.BlobID) (blobstore.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[id]
	if !ok || s.deleted[id] {
		return nil, blobstore.ErrNotFound
	}
	return &blob{store: s, data: b}, nil
}

func (s *Store) CloseBlob(ctx context.Context, id blobstore.BlobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return blobstore.ErrNotFound
	}
	return nil
}

func (s *Store) CreateSnapshot(ctx context.Context, origin blobstore.BlobID) (blobstore.BlobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.blobs[origin]
	if !ok {
		return 0, blobstore.ErrNotFound
	}
	s.nextID++
	id := s.nextID
	s.blobs[id] = &blobData{id: id, readOnly: true, data: append([][]byte(nil), src.data...)}
	return id, nil
}

func (s *Store) CreateClone(ctx context.Context, snapshot blobstore.BlobID) (blobstore.BlobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[snapshot]; !ok {
		return 0, blobstore.ErrNotFound
	}
	s.nextID++
	id := s.nextID
	s.blobs[id] = &blobData{id: id, parent: snapshot, hasParent: true}
	return id, nil
}

func (s *Store) SetReadOnly(ctx context.Context, id blobstore.BlobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[id]
	if !ok {
		return blobstore.ErrNotFound
	}
	b.readOnly = true
	return nil
}

func (s *Store) DecoupleParent(ctx context.Context, id blobstore.BlobID, progress blobstore.ProgressFunc) error {
	s.mu.Lock()
	b, ok := s.blobs[id]
	if !ok {
		s.mu.Unlock()
		return blobstore.ErrNotFound
	}
	if !b.hasParent {
		s.mu.Unlock()
		if progress != nil {
			progress(0, 0)
		}
		return nil
	}
	parent := s.blobs[b.parent]
	s.mu.Unlock()

	total := uint64(0)
	if parent != nil {
		total = uint64(len(parent.data))
	}
	var copied uint64

	s.mu.Lock()
	if parent != nil {
		for i, v := range parent.data {
			for len(b.data) <= i {
				b.data = append(b.data, nil)
			}
			if b.data[i] == nil {
				b.data[i] = append([]byte(nil), v...)
			}
			copied++
		}
	}
	b.hasParent = false
	b.parent = 0
	s.mu.Unlock()

	if progress != nil {
		progress(copied, total)
	}
	return nil
}

func (s *Store) ShallowCopy(ctx context.Context, id blobstore.BlobID, dst bsdev.Device, geom clustermap.Geometry, progress blobstore.ProgressFunc) error {
	s.mu.Lock()
	b, ok := s.blobs[id]
	if !ok {
		s.mu.Unlock()
		return blobstore.ErrNotFound
	}
	data := append([][]byte(nil), b.data...)
	s.mu.Unlock()

	ch, err := dst.CreateChannel(ctx)
	if err != nil {
		return fmt.Errorf("blobstore: shallow copy: open destination channel: %w", err)
	}
	defer ch.Close()

	clusterBlocks := geom.ClusterLen / uint64(geom.BlockLen)
	total := uint64(len(data))
	var copied uint64

	for i, payload := range data {
		buf := make([]byte, geom.ClusterLen)
		copy(buf, payload)

		lba := uint64(i) * clusterBlocks
		var result bsdev.Errno = 99
		ch.Write(lba, clusterBlocks, buf, func(e bsdev.Errno) { result = e })
		for ch.Poll() {
		}
		if result != bsdev.OK {
			return fmt.Errorf("blobstore: shallow copy: write cluster %d: %v", i, result)
		}
		copied++
		if progress != nil {
			progress(copied, total)
		}
	}
	return nil
}

func (s *Store) DeleteBlob(ctx context.Context, id blobstore.BlobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return blobstore.ErrNotFound
	}
	s.deleted[id] = true
	delete(s.blobs, id)
	return nil
}

func (s *Store) TotalDataClusterCount(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, b := range s.blobs {
		total += uint64(len(b.data))
	}
	return total, nil
}

type blob struct {
	store *Store
	data  *blobData
}

func (b *blob) ID() blobstore.BlobID { return b.data.id }

func (b *blob) ClusterCount() uint64 {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return uint64(len(b.data.data))
}

func (b *blob) ReadAt(ctx context.Context, cluster uint64, buf []byte) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	d := b.data
	for d != nil {
		if int(cluster) < len(d.data) && d.data[cluster] != nil {
			copy(buf, d.data[cluster])
			return nil
		}
		if !d.hasParent {
			break
		}
		d = b.store.blobs[d.parent]
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (b *blob) WriteAt(ctx context.Context, cluster uint64, buf []byte) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.data.readOnly {
		return fmt.Errorf("blobstore: blob %d is read-only", b.data.id)
	}
	for uint64(len(b.data.data)) <= cluster {
		b.data.data = append(b.data.data, nil)
	}
	b.data.data[cluster] = append([]byte(nil), buf...)
	return nil
}

func (b *blob) SyncMetadata(ctx context.Context) error { return nil }
