// Package storage persists the state each Cobalt component owns. It
// combines a live go.etcd.io/bbolt-backed key/value store with a periodic
// JSON snapshot writer that serializes the owned fields to
// "<spool>/<name>" behind a write-rename-plus-.old backup.
package storage

// KV is the minimal persistence interface each component's store
// implements: namespaced buckets of id -> JSON blob. Components layer
// typed accessors (see pkg/queuemgr, pkg/sysmgr) on top.
type KV interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) ([]byte, bool, error)
	Delete(bucket, key string) error
	ForEach(bucket string, fn func(key string, value []byte) error) error
	Close() error
}
