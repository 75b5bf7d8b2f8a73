// Package storage implements the content-addressed storage engine:
// BLAKE3 CAS with PUT/HEAD/GET/ranged-GET semantics over pluggable
// backends selected at construction.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/rustyonions/overlay/internal/naming"
)

// ChunkSize is the recommended read/write chunk for streamed objects,
// independent of on-disk layout.
const ChunkSize = 64 * 1024

var (
	ErrNotFound            = errors.New("storage: not found")
	ErrRangeNotSatisfiable = errors.New("storage: range not satisfiable")
	ErrPayloadTooLarge     = errors.New("storage: payload too large")
	ErrHashMismatch        = errors.New("storage: content hash mismatch")
)

// PutResult is returned by Put: the computed cid, object length, and the
// HTTP ETag form of the cid.
type PutResult struct {
	CID  naming.ContentID
	Len  int64
	ETag string
}

// HeadResult is returned by Head: object length and ETag, without moving
// any object bytes.
type HeadResult struct {
	Len  int64
	ETag string
}

// Store is the capability abstraction every backend satisfies.
type Store interface {
	// Put streams r to storage, computing BLAKE3 as it writes. Writing the
	// same bytes twice is a no-op: the second Put returns the same cid
	// without rewriting.
	Put(ctx context.Context, r io.Reader) (PutResult, error)

	// Head returns metadata for cid without reading the object body.
	Head(ctx context.Context, cid naming.ContentID) (HeadResult, error)

	// Get streams the full object. The caller must Close the returned
	// io.ReadCloser.
	Get(ctx context.Context, cid naming.ContentID) (io.ReadCloser, error)

	// GetRange streams bytes [start, end] inclusive, and the object's
	// total length. end must satisfy start <= end < total, else
	// ErrRangeNotSatisfiable.
	GetRange(ctx context.Context, cid naming.ContentID, start, end int64) (io.ReadCloser, int64, error)
}
