// Package hostdev declares the contract this module expects of the
// host bdev framework: looking up a base device by name, and
// registering/unregistering the resulting virtual volume as an I/O
// device other layers can open channels against.
//
// Grounded on original_source/src/lib/bdev_ubi.c's use of
// spdk_bdev_get_by_name (base device lookup), spdk_bdev_register /
// spdk_bdev_unregister (volume registration), and
// spdk_io_device_register / spdk_io_device_unregister (per-volume
// channel factory registration).
package hostdev

import (
	"context"
	"errors"

	"github.com/ehrlich-b/ubivol/internal/bsdev"
)

// ErrNotFound is returned when a named base device is unknown to the host.
var ErrNotFound = errors.New("hostdev: base device not found")

// ErrAlreadyRegistered is returned by Register when a volume name is in use.
var ErrAlreadyRegistered = errors.New("hostdev: volume already registered")

// Host is the contract this module expects of the surrounding bdev
// framework.
type Host interface {
	// LookupBaseDevice resolves a base bdev name to an opened device,
	// the Go analogue of spdk_bdev_get_by_name followed by
	// spdk_bdev_open_ext.
	LookupBaseDevice(ctx context.Context, name string) (bsdev.Device, error)

	// Register publishes a volume under name so other hosts can open
	// channels against it, mirroring spdk_bdev_register plus
	// spdk_io_device_register.
	Register(ctx context.Context, name string, dev bsdev.Device) error

	// Unregister withdraws a previously registered volume, mirroring
	// spdk_bdev_unregister plus spdk_io_device_unregister.
	Unregister(ctx context.Context, name string) error
}
