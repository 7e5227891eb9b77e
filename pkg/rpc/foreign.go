package rpc

import "sync"

// ForeignDataDict is a periodically refreshed read-only view of another
// component's data: a (key, function, fields) triple synced on a timer,
// with the last good copy retained if a sync fails.
// T is the local representation of the foreign entity (often a reduced
// struct with only the declared fields).
type ForeignDataDict[T any] struct {
	mu         sync.RWMutex
	fetch      func() ([]T, error)
	keyOf      func(T) string
	construct  func(T) T
	update     func(dst *T, src T)

	items      map[string]T
	syncFailed bool
}

// NewForeignDataDict builds a dict that fetches entities with fetch, keys
// them with keyOf, builds new local entries with construct when a foreign
// key has no local counterpart yet, and copies declared fields onto
// existing entries with update.
func NewForeignDataDict[T any](
	fetch func() ([]T, error),
	keyOf func(T) string,
	construct func(T) T,
	update func(dst *T, src T),
) *ForeignDataDict[T] {
	return &ForeignDataDict[T]{
		fetch:     fetch,
		keyOf:     keyOf,
		construct: construct,
		update:    update,
		items:     make(map[string]T),
	}
}

// Sync performs one refresh cycle: remove locals not present upstream, add
// upstream entries missing locally, and update the declared fields of
// everything else. On fetch failure the previous snapshot is kept and
// SyncFailed reports true until the next successful call.
func (d *ForeignDataDict[T]) Sync() error {
	foreign, err := d.fetch()
	if err != nil {
		d.mu.Lock()
		d.syncFailed = true
		d.mu.Unlock()
		return err
	}

	foreignByKey := make(map[string]T, len(foreign))
	for _, f := range foreign {
		foreignByKey[d.keyOf(f)] = f
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for key := range d.items {
		if _, ok := foreignByKey[key]; !ok {
			delete(d.items, key)
		}
	}
	for key, f := range foreignByKey {
		if existing, ok := d.items[key]; ok {
			d.update(&existing, f)
			d.items[key] = existing
		} else {
			d.items[key] = d.construct(f)
		}
	}
	d.syncFailed = false
	return nil
}

// SyncFailed reports whether the most recent Sync call failed, i.e.
// whether the current snapshot is stale.
func (d *ForeignDataDict[T]) SyncFailed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.syncFailed
}

// Items returns a snapshot of the current local copy.
func (d *ForeignDataDict[T]) Items() []T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]T, 0, len(d.items))
	for _, v := range d.items {
		out = append(out, v)
	}
	return out
}
