package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/rustyonions/overlay/internal/naming"
)

// MemStore is the amnesia/micronode backend: objects live only in process
// memory and vanish on restart. Selected at construction when amnesia mode
// is on or no data_dir is configured.
type MemStore struct {
	maxObjectBytes int64

	mu      sync.RWMutex
	objects map[naming.ContentID][]byte
}

func NewMemStore(maxObjectBytes int64) *MemStore {
	return &MemStore{
		maxObjectBytes: maxObjectBytes,
		objects:        make(map[naming.ContentID][]byte),
	}
}

func (m *MemStore) Put(ctx context.Context, r io.Reader) (PutResult, error) {
	limited := io.LimitReader(r, m.maxObjectBytes+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return PutResult{}, err
	}
	if int64(len(buf)) > m.maxObjectBytes {
		return PutResult{}, ErrPayloadTooLarge
	}

	cid := naming.NewContentID(buf)

	m.mu.Lock()
	if _, exists := m.objects[cid]; !exists {
		m.objects[cid] = buf
	}
	m.mu.Unlock()

	return PutResult{CID: cid, Len: int64(len(buf)), ETag: cid.ETag()}, nil
}

func (m *MemStore) Head(ctx context.Context, cid naming.ContentID) (HeadResult, error) {
	m.mu.RLock()
	obj, ok := m.objects[cid]
	m.mu.RUnlock()
	if !ok {
		return HeadResult{}, ErrNotFound
	}
	return HeadResult{Len: int64(len(obj)), ETag: cid.ETag()}, nil
}

func (m *MemStore) Get(ctx context.Context, cid naming.ContentID) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[cid]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj)), nil
}

func (m *MemStore) GetRange(ctx context.Context, cid naming.ContentID, start, end int64) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	obj, ok := m.objects[cid]
	m.mu.RUnlock()
	if !ok {
		return nil, 0, ErrNotFound
	}
	total := int64(len(obj))
	if start < 0 || end < start || end >= total {
		return nil, total, ErrRangeNotSatisfiable
	}
	return io.NopCloser(bytes.NewReader(obj[start : end+1])), total, nil
}
