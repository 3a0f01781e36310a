// Package registry implements the Tunnel Registry: a
// readers-writer-protected ordered list of TunnelDescriptor values with at
// most one active entry. It is built once at initialization and is
// read-mostly thereafter; only the Supervisor's transition protocol
// mutates it, always under the write lock.
package registry

import (
	"golang.org/x/exp/slices"

	"github.com/projectint/paliproxy-core/internal/syncutil"
	"github.com/projectint/paliproxy-core/model"
)

// Registry is the ordered pool of tunnel descriptors.
type Registry struct {
	lock    *syncutil.RWLock
	tunnels []model.TunnelDescriptor
	current *string // name of the active tunnel, if any
}

// New builds a Registry from an initial descriptor list. Names must be
// unique; duplicates return model.ErrDuplicateName.
func New(tunnels []model.TunnelDescriptor) (*Registry, error) {
	seen := make(map[string]struct{}, len(tunnels))
	cp := make([]model.TunnelDescriptor, len(tunnels))
	for i, t := range tunnels {
		if _, dup := seen[t.Name]; dup {
			return nil, model.ErrDuplicateName
		}
		seen[t.Name] = struct{}{}
		t.Active = false
		cp[i] = t
	}
	return &Registry{lock: syncutil.NewRWLock(), tunnels: cp}, nil
}

// Snapshot returns a copy of every descriptor, read-lock protected.
func (r *Registry) Snapshot() []model.TunnelDescriptor {
	var out []model.TunnelDescriptor
	_ = r.lock.RunWithReadLock(func() error {
		out = append(out, r.tunnels...)
		return nil
	})
	return out
}

// SnapshotByPriority returns a copy of every descriptor sorted by
// ascending priority, taken under a single
// read-lock hold and released before the caller acts on it.
func (r *Registry) SnapshotByPriority() []model.TunnelDescriptor {
	out := r.Snapshot()
	slices.SortFunc(out, func(a, b model.TunnelDescriptor) int {
		return a.Priority - b.Priority
	})
	return out
}

// Get returns the descriptor named name, and whether it exists.
func (r *Registry) Get(name string) (model.TunnelDescriptor, bool) {
	var found model.TunnelDescriptor
	var ok bool
	_ = r.lock.RunWithReadLock(func() error {
		for _, t := range r.tunnels {
			if t.Name == name {
				found, ok = t, true
				return nil
			}
		}
		return nil
	})
	return found, ok
}

// Current returns the active descriptor, if any.
func (r *Registry) Current() (model.TunnelDescriptor, bool) {
	var found model.TunnelDescriptor
	var ok bool
	_ = r.lock.RunWithReadLock(func() error {
		if r.current == nil {
			return nil
		}
		for _, t := range r.tunnels {
			if t.Name == *r.current {
				found, ok = t, true
				return nil
			}
		}
		return nil
	})
	return found, ok
}

// SetActive marks name active and every other descriptor inactive, under
// the write lock. Together with ClearActive it is the only mutator of the
// active-tunnel invariant
// (a descriptor's Active flag holds iff it equals the current pointer);
// the Supervisor calls it only after a driver.Attach has already
// succeeded.
func (r *Registry) SetActive(name string) error {
	return r.lock.RunWithWriteLock(func() error {
		found := false
		for i := range r.tunnels {
			if r.tunnels[i].Name == name {
				found = true
				break
			}
		}
		if !found {
			return model.ErrUnknownTunnel
		}
		for i := range r.tunnels {
			r.tunnels[i].Active = r.tunnels[i].Name == name
		}
		r.current = &name
		return nil
	})
}

// ClearActive marks every descriptor inactive and clears the current
// pointer, under the write lock. Called unconditionally by the Supervisor
// on disconnect regardless of the driver's outcome: the observable state
// must not retain a stale active flag even when detach reports a failure.
func (r *Registry) ClearActive() {
	_ = r.lock.RunWithWriteLock(func() error {
		for i := range r.tunnels {
			r.tunnels[i].Active = false
		}
		r.current = nil
		return nil
	})
}

// Len returns the number of registered tunnels.
func (r *Registry) Len() int {
	var n int
	_ = r.lock.RunWithReadLock(func() error {
		n = len(r.tunnels)
		return nil
	})
	return n
}
