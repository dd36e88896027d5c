package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

const logPrefix = "registry:registry"

// Registry owns the active card snapshot. Refresh builds a new snapshot from
// the source and swaps it atomically, so concurrent readers never observe a
// partial update.
type Registry struct {
	source CardSource
	active atomic.Pointer[Snapshot]
}

// NewRegistry creates a Registry over the given source. Call Load before
// serving.
func NewRegistry(source CardSource) *Registry {
	return &Registry{source: source}
}

// Load performs the initial snapshot build. Fails with REGISTRY_UNAVAILABLE
// if the backing source cannot be read; the caller treats that as fatal to
// startup, not to any single request.
func (r *Registry) Load(ctx context.Context) (*Snapshot, error) {
	return r.Refresh(ctx)
}

// Refresh rebuilds the snapshot from the source and atomically replaces the
// active one. The previous snapshot stays valid for readers that already
// hold it.
func (r *Registry) Refresh(ctx context.Context) (*Snapshot, error) {
	cards, err := r.source.Load(ctx)
	if err != nil {
		return nil, err
	}

	snap := BuildSnapshot(cards)
	r.active.Store(snap)
	slog.Info(fmt.Sprintf("%s - loaded %d cards, %d service types", logPrefix, snap.Len(), len(snap.KnownTypes())))
	return snap, nil
}

// Snapshot returns the active snapshot, or nil before the first Load.
func (r *Registry) Snapshot() *Snapshot {
	return r.active.Load()
}
