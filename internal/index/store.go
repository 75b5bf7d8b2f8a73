// Package index maps logical names to content ids and resolves either
// form into a ranked provider list. The durable store is pluggable:
// in-memory for amnesia/micronode, Postgres for durable multi-instance
// deployments. Interfaces are owned here, by the consumer, not by the
// drivers — concrete clients are injected at the cmd/ composition root.
package index

import (
	"context"
	"errors"
	"sync"

	"github.com/rustyonions/overlay/internal/naming"
)

var ErrNameNotFound = errors.New("index: name not found")

// NameStore is the durable name→cid mapping. Put must be followed by a
// durable flush before the write is acknowledged to an admin caller.
type NameStore interface {
	Put(ctx context.Context, name naming.NameRef, cid naming.ContentID) error
	Get(ctx context.Context, name naming.NameRef) (naming.ContentID, error)
	Flush(ctx context.Context) error
}

// MemNameStore is the amnesia-mode backend: a mutex-guarded map whose
// Flush is a no-op (there is nothing durable to sync).
type MemNameStore struct {
	mu    sync.RWMutex
	names map[naming.NameRef]naming.ContentID
}

func NewMemNameStore() *MemNameStore {
	return &MemNameStore{names: make(map[naming.NameRef]naming.ContentID)}
}

func (m *MemNameStore) Put(ctx context.Context, name naming.NameRef, cid naming.ContentID) error {
	m.mu.Lock()
	m.names[name] = cid
	m.mu.Unlock()
	return nil
}

func (m *MemNameStore) Get(ctx context.Context, name naming.NameRef) (naming.ContentID, error) {
	m.mu.RLock()
	cid, ok := m.names[name]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNameNotFound
	}
	return cid, nil
}

func (m *MemNameStore) Flush(ctx context.Context) error { return nil }
