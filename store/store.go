// Package store models the rendezvous key/value collaborator from
// spec.md §2/§6: a blocking get/set/wait store the process group wraps
// and prefixes keys into, never implementing the rendezvous protocol
// itself (explicitly out of scope).
package store

import (
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by Wait when the deadline elapses before every
// key has been set.
var ErrTimeout = errors.New("store: wait timed out")

// Store is the rendezvous key/value interface spec.md §6 says the engine
// wraps: "set(key, bytes), get(key) -> bytes, wait(keys), wait(keys,
// timeout)".
type Store interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Wait(keys []string, timeout time.Duration) error
}

// PrefixedStore prefixes every key with a fixed namespace before
// delegating to an underlying Store. ProcessGroup wraps its store in one
// PrefixedStore per process-group instance; keys are not further
// prefixed per transport context.
type PrefixedStore struct {
	prefix string
	inner  Store
}

// NewPrefixedStore wraps inner so every key is namespaced under prefix.
func NewPrefixedStore(prefix string, inner Store) *PrefixedStore {
	return &PrefixedStore{prefix: prefix, inner: inner}
}

func (p *PrefixedStore) Set(key string, value []byte) error {
	return p.inner.Set(p.prefix+key, value)
}

func (p *PrefixedStore) Get(key string) ([]byte, error) {
	return p.inner.Get(p.prefix + key)
}

func (p *PrefixedStore) Wait(keys []string, timeout time.Duration) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = p.prefix + k
	}
	return p.inner.Wait(prefixed, timeout)
}
