// Package storefactory selects and opens a store.Store backend from
// pkg/config.Config.DatabaseURL, grounded on the scheme-dispatch idiom
// services/storage/internal/blob uses to pick a blob backend from a parsed
// endpoint URL, generalized here to a three-way choice (postgres, sqlite, or
// the in-process degraded memstore) instead of a two-way http/https check.
package storefactory

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/leadengine/wa-ingest/internal/store"
	"github.com/leadengine/wa-ingest/internal/store/memstore"
	"github.com/leadengine/wa-ingest/internal/store/pgstore"
	"github.com/leadengine/wa-ingest/internal/store/sqlitestore"
)

// Open opens the store.Store named by databaseURL's scheme:
//   - "postgres://" or "postgresql://": pgstore over database/sql + lib/pq
//   - "sqlite://": sqlitestore over database/sql + mattn/go-sqlite3, with the
//     scheme stripped so the remainder is passed straight to the driver as a
//     DSN/file path
//   - empty: the in-process degraded memstore.New(true), matching spec.md's
//     documented behavior when DATABASE_URL is absent
//
// The returned closer is nil for memstore.
func Open(ctx context.Context, databaseURL string) (store.Store, func() error, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return memstore.New(true), nil, nil
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("storefactory: parse DATABASE_URL: %w", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("storefactory: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("storefactory: ping postgres: %w", err)
		}
		st, err := pgstore.New(db, pgstore.Options{})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return st, db.Close, nil

	case "sqlite", "sqlite3":
		dsn := databaseURL[len(u.Scheme)+3:] // strip "scheme://"
		if dsn == "" {
			dsn = ":memory:"
		}
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("storefactory: open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("storefactory: ping sqlite: %w", err)
		}
		st, err := sqlitestore.New(db, sqlitestore.Options{})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return st, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("storefactory: unsupported DATABASE_URL scheme %q", u.Scheme)
	}
}
