package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"catalog-editor/core"

	"github.com/sirupsen/logrus"
)

// cacheStorage persists cache generations in sqlite so cached responses
// survive a restart of the gateway.
type cacheStorage struct {
	db *sql.DB
}

// NewCacheStorage creates the cache tables in db.
func NewCacheStorage(db *sql.DB) (*cacheStorage, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_generations (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			generation TEXT NOT NULL REFERENCES cache_generations(name) ON DELETE CASCADE,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status INTEGER NOT NULL,
			header TEXT NOT NULL,
			body BLOB,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (generation, method, url)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create cache tables: %w", err)
		}
	}
	return &cacheStorage{db: db}, nil
}

func (s *cacheStorage) Open(ctx context.Context, name string) (core.Cache, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO cache_generations (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING",
		name, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	return &cache{db: s.db, generation: name}, nil
}

func (s *cacheStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM cache_generations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close generation rows")
		}
	}()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *cacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE generation = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM cache_generations WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

type cache struct {
	db         *sql.DB
	generation string
}

func (c *cache) Match(ctx context.Context, method, url string) (*core.CachedResponse, error) {
	var (
		resp     core.CachedResponse
		header   string
		storedAt int64
	)
	err := c.db.QueryRowContext(ctx,
		"SELECT status, header, body, stored_at FROM cache_entries WHERE generation = ? AND method = ? AND url = ?",
		c.generation, method, url).Scan(&resp.Status, &header, &resp.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	resp.Method = method
	resp.URL = url
	resp.StoredAt = time.UnixMilli(storedAt)
	resp.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("failed to decode cached header: %w", err)
	}
	return &resp, nil
}

// Put stores resp unless the generation has been deleted in the meantime.
func (c *cache) Put(ctx context.Context, resp *core.CachedResponse) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return err
	}
	result, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (generation, method, url, status, header, body, stored_at)
		SELECT ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM cache_generations WHERE name = ?)
		ON CONFLICT(generation, method, url) DO UPDATE SET
			status = excluded.status, header = excluded.header, body = excluded.body, stored_at = excluded.stored_at`,
		c.generation, resp.Method, resp.URL, resp.Status, string(header), resp.Body, resp.StoredAt.UnixMilli(), c.generation)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("cache generation %s no longer exists", c.generation)
	}
	return nil
}
