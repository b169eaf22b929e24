package bsdev

import "context"

// CompletionFunc is invoked exactly once per submitted I/O, on the
// channel's owning thread, with OK or a negative Errno.
type CompletionFunc func(Errno)

// IOVec mirrors a single scatter/gather entry; Readv/Writev variants
// accept a slice of these instead of one flat payload.
type IOVec struct {
	Buf []byte
}

// Device is the contract a blob-store backing device (bs-dev) must
// satisfy. It is the Go shape of the 18 hooks spec.md §4.2 lists:
// create_channel/destroy_channel/destroy, read/readv/readv_ext,
// write/writev/writev_ext, flush, write_zeroes, unmap,
// get_base_bdev, is_zeroes, is_range_valid, translate_lba, copy,
// is_degraded. create_channel/destroy_channel/destroy are modeled as
// Go methods rather than free functions registered with a host
// allocator, since channel lifetime here is owned by the caller
// (volume lifecycle), not by an io_device registry.
type Device interface {
	// CreateChannel allocates the per-thread I/O channel: fds, ring,
	// poller. Must be called on the device's home thread.
	CreateChannel(ctx context.Context) (Channel, error)

	// BlockLen and BlockCount describe the device's logical geometry.
	BlockLen() uint32
	BlockCount() uint64

	// IsRangeValid reports whether [lba, lba+n) lies entirely within
	// the device (or within an overlay mapping that legally extends
	// past the base file).
	IsRangeValid(lba, n uint64) bool

	// IsZeroes is the logical negation of IsRangeValid.
	IsZeroes(lba, n uint64) bool

	// TranslateLBA is the identity for both bs-devs in this module.
	TranslateLBA(lba uint64) (uint64, bool)

	// GetBaseBdev always returns ok=false: neither device exposes a
	// further base device to the blob store.
	GetBaseBdev() (name string, ok bool)

	// IsDegraded always reports false for both devices.
	IsDegraded() bool
}

// Channel is the per-thread handle obtained from Device.CreateChannel.
// All I/O methods dispatch completion via cb exactly once; Close tears
// the channel down (ring exit, fd close, poller unregister) and must
// run on the same thread that created it.
type Channel interface {
	Read(lba, n uint64, payload []byte, cb CompletionFunc)
	Readv(lba, n uint64, iovs []IOVec, cb CompletionFunc)
	ReadvExt(lba, n uint64, iovs []IOVec, cb CompletionFunc)

	Write(lba, n uint64, payload []byte, cb CompletionFunc)
	Writev(lba, n uint64, iovs []IOVec, cb CompletionFunc)
	WritevExt(lba, n uint64, iovs []IOVec, cb CompletionFunc)

	Flush(cb CompletionFunc)
	WriteZeroes(lba, n uint64, cb CompletionFunc)
	Unmap(lba, n uint64, cb CompletionFunc)
	Copy(dstLBA, srcLBA, n uint64, cb CompletionFunc)

	// Poll drains at most one batch of completions from the channel's
	// ring. Returns true if any completion was processed.
	Poll() bool

	// Close exits the channel's ring and releases its fds. Must run
	// on the channel's owning (home) thread.
	Close() error
}
