package index

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rustyonions/overlay/internal/naming"
)

// PGNameStore backs the name→cid mapping with Postgres. The caller opens
// the *sql.DB (with lib/pq registered) and injects it; this package only
// speaks database/sql.
type PGNameStore struct {
	db *sql.DB
}

func NewPGNameStore(ctx context.Context, db *sql.DB) (*PGNameStore, error) {
	const ddl = `
		CREATE TABLE IF NOT EXISTS name_map (
			name TEXT PRIMARY KEY,
			cid  TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("index: ensure name_map table: %w", err)
	}
	return &PGNameStore{db: db}, nil
}

func (p *PGNameStore) Put(ctx context.Context, name naming.NameRef, cid naming.ContentID) error {
	const upsert = `
		INSERT INTO name_map (name, cid, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET cid = EXCLUDED.cid, updated_at = now()`
	if _, err := p.db.ExecContext(ctx, upsert, string(name), string(cid)); err != nil {
		return fmt.Errorf("index: upsert name: %w", err)
	}
	return nil
}

func (p *PGNameStore) Get(ctx context.Context, name naming.NameRef) (naming.ContentID, error) {
	var cid string
	err := p.db.QueryRowContext(ctx, `SELECT cid FROM name_map WHERE name = $1`, string(name)).Scan(&cid)
	if err == sql.ErrNoRows {
		return "", ErrNameNotFound
	}
	if err != nil {
		return "", fmt.Errorf("index: lookup name: %w", err)
	}
	return naming.ContentID(cid), nil
}

// Flush is satisfied by Postgres's own write durability: every Exec has
// already committed by the time it returns.
func (p *PGNameStore) Flush(ctx context.Context) error { return nil }
