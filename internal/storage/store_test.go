package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/rustyonions/overlay/internal/naming"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir(), 1<<20)
	require.NoError(t, err)
	return map[string]Store{
		"mem":  NewMemStore(1 << 20),
		"file": fs,
	}
}

func TestPut_CASDeterminism(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			body := []byte("hello world")
			sum := blake3.Sum256(body)
			wantCID := "b3:" + hex.EncodeToString(sum[:])

			first, err := store.Put(context.Background(), bytes.NewReader(body))
			require.NoError(t, err)
			assert.Equal(t, wantCID, string(first.CID))
			assert.Equal(t, int64(11), first.Len)
			assert.Equal(t, `"`+wantCID+`"`, first.ETag)

			// Idempotent re-PUT: same cid, no error.
			second, err := store.Put(context.Background(), bytes.NewReader(body))
			require.NoError(t, err)
			assert.Equal(t, first.CID, second.CID)
		})
	}
}

func TestGet_RoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			body := bytes.Repeat([]byte("abcdefgh"), 10000) // 80 KB, spans chunks
			res, err := store.Put(context.Background(), bytes.NewReader(body))
			require.NoError(t, err)

			rc, err := store.Get(context.Background(), res.CID)
			require.NoError(t, err)
			defer rc.Close()
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(body, got), "round-trip must be byte-for-byte")
		})
	}
}

func TestHead(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			res, err := store.Put(context.Background(), bytes.NewReader([]byte("object")))
			require.NoError(t, err)

			head, err := store.Head(context.Background(), res.CID)
			require.NoError(t, err)
			assert.Equal(t, int64(6), head.Len)
			assert.Equal(t, res.ETag, head.ETag)

			_, err = store.Head(context.Background(), naming.NewContentID([]byte("missing")))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestGetRange(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			body := []byte("hello world")
			res, err := store.Put(context.Background(), bytes.NewReader(body))
			require.NoError(t, err)

			cases := []struct {
				start, end int64
				want       string
			}{
				{0, 4, "hello"},
				{6, 10, "world"},
				{0, 10, "hello world"},
				{5, 5, " "},
			}
			for _, tc := range cases {
				rc, total, rerr := store.GetRange(context.Background(), res.CID, tc.start, tc.end)
				require.NoError(t, rerr)
				got, rerr := io.ReadAll(rc)
				rc.Close()
				require.NoError(t, rerr)
				assert.Equal(t, tc.want, string(got))
				assert.Equal(t, int64(len(body)), total)
			}
		})
	}
}

func TestGetRange_OutOfBounds(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			res, err := store.Put(context.Background(), bytes.NewReader([]byte("short")))
			require.NoError(t, err)

			for _, rng := range [][2]int64{{0, 5}, {5, 9}, {-1, 2}, {3, 2}} {
				_, _, rerr := store.GetRange(context.Background(), res.CID, rng[0], rng[1])
				assert.ErrorIs(t, rerr, ErrRangeNotSatisfiable, "range %v", rng)
			}
		})
	}
}

func TestPut_PayloadTooLarge(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), 16)
	require.NoError(t, err)
	for name, store := range map[string]Store{"mem": NewMemStore(16), "file": fs} {
		t.Run(name, func(t *testing.T) {
			_, perr := store.Put(context.Background(), bytes.NewReader(make([]byte, 17)))
			assert.ErrorIs(t, perr, ErrPayloadTooLarge)

			// Exactly at the cap is accepted.
			_, perr = store.Put(context.Background(), bytes.NewReader(make([]byte, 16)))
			assert.NoError(t, perr)
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), naming.NewContentID([]byte("nope")))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
