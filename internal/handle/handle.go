// Package handle is an in-memory table of published protocol surfaces.
package handle

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tinkerbell/dhcplink/internal/status"
)

// Table maps handles to the surfaces published under them.
// The zero value is ready to use.
type Table struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]any
}

// Install publishes surface under h. A handle can carry one surface.
func (t *Table) Install(h uuid.UUID, surface any) error {
	if surface == nil {
		return errors.Wrap(status.ErrInvalidParameter, "nil surface")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[uuid.UUID]any)
	}
	if _, ok := t.entries[h]; ok {
		return errors.Wrapf(status.ErrAccessDenied, "handle %v already in use", h)
	}
	t.entries[h] = surface

	return nil
}

// Uninstall removes surface from h. It fails when h carries another surface.
func (t *Table) Uninstall(h uuid.UUID, surface any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.entries[h]
	if !ok {
		return errors.Wrapf(status.ErrUnsupported, "handle %v not found", h)
	}
	if cur != surface {
		return errors.Wrapf(status.ErrAccessDenied, "handle %v carries another surface", h)
	}
	delete(t.entries, h)

	return nil
}

// Lookup returns the surface published under h.
func (t *Table) Lookup(h uuid.UUID) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.entries[h]

	return v, ok
}

// Len returns the number of published surfaces.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}
