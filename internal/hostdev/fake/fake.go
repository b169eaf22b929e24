// Package fake is an in-memory hostdev.Host used by this module's own
// tests, standing in for the real bdev framework's device registry.
package fake

import (
	"context"
	"sync"

	"github.com/ehrlich-b/ubivol/internal/bsdev"
	"github.com/ehrlich-b/ubivol/internal/hostdev"
)

// Host is a minimal in-memory hostdev.Host.
type Host struct {
	mu    sync.Mutex
	bases map[string]bsdev.Device
	vols  map[string]bsdev.Device
}

// New returns an empty fake host.
func New() *Host {
	return &Host{bases: make(map[string]bsdev.Device), vols: make(map[string]bsdev.Device)}
}

// AddBaseDevice registers a base device by name, for tests to set up
// the fixtures LookupBaseDevice will resolve.
func (h *Host) AddBaseDevice(name string, dev bsdev.Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bases[name] = dev
}

func (h *Host) LookupBaseDevice(ctx context.Context, name string) (bsdev.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.bases[name]
	if !ok {
		return nil, hostdev.ErrNotFound
	}
	return dev, nil
}

func (h *Host) Register(ctx context.Context, name string, dev bsdev.Device) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.vols[name]; ok {
		return hostdev.ErrAlreadyRegistered
	}
	h.vols[name] = dev
	return nil
}

func (h *Host) Unregister(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.vols, name)
	return nil
}

// Registered reports whether name is currently registered, for tests
// to assert rollback behavior.
func (h *Host) Registered(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.vols[name]
	return ok
}
