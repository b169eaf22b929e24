package volume

import (
	"context"
	"testing"

	"github.com/ehrlich-b/ubivol/internal/blobstore"
	fakestore "github.com/ehrlich-b/ubivol/internal/blobstore/fake"
	"github.com/ehrlich-b/ubivol/internal/bsdev"
	fakehost "github.com/ehrlich-b/ubivol/internal/hostdev/fake"
)

// orderTrackingStore wraps a fake store, recording the order in which
// CloseBlob and Unload are invoked, so Destruct's serialization can be
// asserted directly rather than inferred from its absence of races.
type orderTrackingStore struct {
	*fakestore.Store
	calls *[]string
}

func (s *orderTrackingStore) CloseBlob(ctx context.Context, id blobstore.BlobID) error {
	*s.calls = append(*s.calls, "close")
	return s.Store.CloseBlob(ctx, id)
}

func (s *orderTrackingStore) Unload(ctx context.Context) error {
	*s.calls = append(*s.calls, "unload")
	return s.Store.Unload(ctx)
}

// stubBaseDevice is a minimal bsdev.Device fixture, just enough for
// Registry.Create to adopt a block length/count from it; no test here
// exercises its channel I/O.
type stubBaseDevice struct{}

func newStubBaseDevice() *stubBaseDevice { return &stubBaseDevice{} }

func (d *stubBaseDevice) CreateChannel(ctx context.Context) (bsdev.Channel, error) {
	return nil, nil
}
func (d *stubBaseDevice) BlockLen() uint32                       { return 512 }
func (d *stubBaseDevice) BlockCount() uint64                     { return 800 }
func (d *stubBaseDevice) IsRangeValid(lba, n uint64) bool        { return lba+n <= 800 }
func (d *stubBaseDevice) IsZeroes(lba, n uint64) bool            { return !d.IsRangeValid(lba, n) }
func (d *stubBaseDevice) TranslateLBA(lba uint64) (uint64, bool) { return lba, true }
func (d *stubBaseDevice) GetBaseBdev() (string, bool)            { return "", false }
func (d *stubBaseDevice) IsDegraded() bool                       { return false }

func TestCreateFailureRollbackOnMissingBaseDevice(t *testing.T) {
	t.Parallel()

	host := fakehost.New() // no base device registered under any name
	reg := NewRegistry(host)
	store := fakestore.New()

	var calls int
	var gotVol *Volume
	var gotErr error
	reg.Create(context.Background(), Options{
		Name:           "vol0",
		ImagePath:      "/tmp/does-not-matter.img",
		BaseDeviceName: "nonexistent",
		Format:         true,
	}, store, func(v *Volume, err error) {
		calls++
		gotVol = v
		gotErr = err
	})

	if calls != 1 {
		t.Fatalf("done called %d times, want exactly 1", calls)
	}
	if gotErr == nil {
		t.Fatal("expected an error for a missing base device")
	}
	if gotVol != nil {
		t.Fatal("expected a nil volume on failure")
	}
	if _, ok := reg.Get("vol0"); ok {
		t.Fatal("volume list should be unchanged after a failed create")
	}
	if host.Registered("vol0") {
		t.Fatal("host should not have vol0 registered after a failed create")
	}
}

func TestCreateFailureRollbackDoesNotLeakBlob(t *testing.T) {
	t.Parallel()

	host := fakehost.New()
	// A base device name the lookup itself never resolves, forcing a
	// failure before any blob or store resource is touched.
	reg := NewRegistry(host)
	store := fakestore.New()

	reg.Create(context.Background(), Options{
		Name:           "vol1",
		ImagePath:      "/tmp/x.img",
		BaseDeviceName: "missing-base",
		Format:         true,
	}, store, func(v *Volume, err error) {
		if err == nil {
			t.Fatal("expected an error")
		}
	})

	total, err := store.TotalDataClusterCount(context.Background())
	if err != nil {
		t.Fatalf("TotalDataClusterCount: %v", err)
	}
	if total != 0 {
		t.Fatalf("store has %d leftover clusters after a failed create, want 0", total)
	}
}

func TestDeleteUnknownVolumeReturnsNotFound(t *testing.T) {
	t.Parallel()
	host := fakehost.New()
	reg := NewRegistry(host)

	if err := reg.Delete(context.Background(), "ghost"); err == nil {
		t.Fatal("expected an error deleting an unregistered volume")
	}
}

func TestDestructClosesBlobBeforeUnloadingStoreThenUnregisters(t *testing.T) {
	t.Parallel()

	host := fakehost.New()
	host.AddBaseDevice("base0", newStubBaseDevice())
	reg := NewRegistry(host)

	var calls []string
	store := &orderTrackingStore{Store: fakestore.New(), calls: &calls}

	var gotVol *Volume
	reg.Create(context.Background(), Options{
		Name:           "vol4",
		ImagePath:      "/tmp/vol4.img",
		BaseDeviceName: "base0",
		Format:         true,
	}, store, func(v *Volume, err error) {
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		gotVol = v
	})
	if gotVol == nil {
		t.Fatal("expected a created volume")
	}
	if !host.Registered("vol4") {
		t.Fatal("expected vol4 to be registered after create")
	}

	if err := reg.Destruct(context.Background(), "vol4"); err != nil {
		t.Fatalf("Destruct: %v", err)
	}

	if len(calls) != 2 || calls[0] != "close" || calls[1] != "unload" {
		t.Fatalf("call order = %v, want [close unload]", calls)
	}
	if host.Registered("vol4") {
		t.Fatal("expected vol4 to be unregistered after Destruct")
	}
	if _, ok := reg.Get("vol4"); ok {
		t.Fatal("expected vol4 removed from the registry after Destruct")
	}
}

func TestShutdownTearsDownAllVolumes(t *testing.T) {
	t.Parallel()

	host := fakehost.New()
	host.AddBaseDevice("base0", newStubBaseDevice())
	host.AddBaseDevice("base1", newStubBaseDevice())
	reg := NewRegistry(host)

	for _, name := range []string{"volA", "volB"} {
		baseName := "base0"
		if name == "volB" {
			baseName = "base1"
		}
		reg.Create(context.Background(), Options{
			Name:           name,
			ImagePath:      "/tmp/" + name + ".img",
			BaseDeviceName: baseName,
			Format:         true,
		}, fakestore.New(), func(v *Volume, err error) {
			if err != nil {
				t.Fatalf("Create(%s): %v", name, err)
			}
		})
	}

	if err := reg.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if host.Registered("volA") || host.Registered("volB") {
		t.Fatal("expected both volumes unregistered after Shutdown")
	}
}

func TestWriteConfigEmitsNameAndImagePathOnly(t *testing.T) {
	t.Parallel()
	host := fakehost.New()
	reg := NewRegistry(host)
	store := fakestore.New()

	imageDev := newStubBaseDevice()
	host.AddBaseDevice("base0", imageDev)

	var gotVol *Volume
	reg.Create(context.Background(), Options{
		Name:           "vol2",
		ImagePath:      "/tmp/vol2.img",
		BaseDeviceName: "base0",
		Format:         true,
	}, store, func(v *Volume, err error) {
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		gotVol = v
	})
	if gotVol == nil {
		t.Fatal("expected a created volume")
	}

	entry, err := reg.WriteConfig("vol2")
	if err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	if entry.Method != "bdev_ubi_create" {
		t.Errorf("Method = %q, want bdev_ubi_create", entry.Method)
	}
	if entry.Params.Name != "vol2" || entry.Params.ImagePath != "/tmp/vol2.img" {
		t.Errorf("Params = %+v, want {vol2 /tmp/vol2.img}", entry.Params)
	}
}
