package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rustyonions/overlay/internal/naming"
	"github.com/zeebo/blake3"
)

// FileStore is the macronode backend: objects are written to
// <data_dir>/<ab>/<cdef...> where ab is the first two hex characters of
// the digest and the remainder is the rest, one file per object, no
// metadata sidecar (the name is the content id).
type FileStore struct {
	dataDir        string
	maxObjectBytes int64
}

func NewFileStore(dataDir string, maxObjectBytes int64) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	return &FileStore{dataDir: dataDir, maxObjectBytes: maxObjectBytes}, nil
}

func (f *FileStore) shardPath(cid naming.ContentID) (dir, path string) {
	hexPart := strings.TrimPrefix(string(cid), "b3:")
	dir = filepath.Join(f.dataDir, hexPart[:2])
	path = filepath.Join(dir, hexPart[2:])
	return dir, path
}

// Put streams r to a temp file while hashing, then renames into place
// under the final content-addressed path. If the destination already
// exists, the write is a no-op: first writer wins, duplicates become
// no-ops.
func (f *FileStore) Put(ctx context.Context, r io.Reader) (PutResult, error) {
	tmp, err := os.CreateTemp(f.dataDir, "upload-*")
	if err != nil {
		return PutResult{}, fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	hasher := blake3.New()
	limited := io.LimitReader(r, f.maxObjectBytes+1)
	n, err := io.Copy(io.MultiWriter(tmp, hasher), limited)
	if err != nil {
		tmp.Close()
		return PutResult{}, fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return PutResult{}, fmt.Errorf("storage: close temp file: %w", err)
	}
	if n > f.maxObjectBytes {
		return PutResult{}, ErrPayloadTooLarge
	}

	sum := hasher.Sum(nil)
	cid := naming.ContentID("b3:" + hex.EncodeToString(sum))

	dir, path := f.shardPath(cid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return PutResult{}, fmt.Errorf("storage: create shard dir: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		// Duplicate content: first writer already won, this is a no-op.
		return PutResult{CID: cid, Len: n, ETag: cid.ETag()}, nil
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return PutResult{}, fmt.Errorf("storage: finalize object: %w", err)
	}
	return PutResult{CID: cid, Len: n, ETag: cid.ETag()}, nil
}

func (f *FileStore) Head(ctx context.Context, cid naming.ContentID) (HeadResult, error) {
	_, path := f.shardPath(cid)
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return HeadResult{}, ErrNotFound
		}
		return HeadResult{}, err
	}
	return HeadResult{Len: fi.Size(), ETag: cid.ETag()}, nil
}

func (f *FileStore) Get(ctx context.Context, cid naming.ContentID) (io.ReadCloser, error) {
	_, path := f.shardPath(cid)
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fh, nil
}

func (f *FileStore) GetRange(ctx context.Context, cid naming.ContentID, start, end int64) (io.ReadCloser, int64, error) {
	_, path := f.shardPath(cid)
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	fi, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, 0, err
	}
	total := fi.Size()
	if start < 0 || end < start || end >= total {
		fh.Close()
		return nil, total, ErrRangeNotSatisfiable
	}
	if _, err := fh.Seek(start, io.SeekStart); err != nil {
		fh.Close()
		return nil, total, err
	}
	return &limitedReadCloser{r: io.LimitReader(fh, end-start+1), c: fh}, total, nil
}

// limitedReadCloser adapts an io.LimitReader wrapping an *os.File back
// into an io.ReadCloser that closes the underlying file.
type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }
