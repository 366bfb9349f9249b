// Package cache keeps the last fetched comment snapshot for each page in a
// local sqlite database, so a returning visitor sees comments immediately
// while the fresh fetch is still in flight.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"threadkit/comment"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	page_url   TEXT PRIMARY KEY,
	comments   TEXT NOT NULL,
	fetched_at INTEGER NOT NULL
);
`

// ErrMiss is returned by Load when no snapshot exists for the page.
var ErrMiss = errors.New("cache: no snapshot for page")

// Cache is one local snapshot database, shared by widget instances in the
// same process.
type Cache struct {
	db *sql.DB
}

// Open creates or opens the snapshot database at path.
func Open(path string) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}
	return &Cache{db: db}, nil
}

// Save stores the flat comment list for a page, replacing any previous
// snapshot.
func (c *Cache) Save(ctx context.Context, pageURL string, comments []comment.Comment) error {
	encoded, err := json.Marshal(comments)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO snapshots (page_url, comments, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(page_url) DO UPDATE SET comments = excluded.comments, fetched_at = excluded.fetched_at`,
		pageURL, string(encoded), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the stored flat list and its fetch time, or ErrMiss.
func (c *Cache) Load(ctx context.Context, pageURL string) ([]comment.Comment, time.Time, error) {
	var encoded string
	var fetchedAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT comments, fetched_at FROM snapshots WHERE page_url = ?`, pageURL).
		Scan(&encoded, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrMiss
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load snapshot: %w", err)
	}

	var comments []comment.Comment
	if err := json.Unmarshal([]byte(encoded), &comments); err != nil {
		// A corrupt row is as good as a miss; the fetch replaces it.
		return nil, time.Time{}, ErrMiss
	}
	return comments, time.UnixMilli(fetchedAt).UTC(), nil
}

// Purge drops snapshots older than the cutoff.
func (c *Cache) Purge(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM snapshots WHERE fetched_at < ?`, cutoff); err != nil {
		return fmt.Errorf("purge snapshots: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}
