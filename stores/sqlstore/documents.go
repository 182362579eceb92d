// Package sqlstore implements core.DocumentStore on top of database/sql.
// Every document lives in one table keyed by (collection, id) with its owner
// in a dedicated column and its fields as JSON.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"catalog-editor/core"
	"catalog-editor/stores/live"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Dialect captures what differs between the supported databases.
type Dialect struct {
	Name   string
	Schema []string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

func questionMark(int) string { return "?" }

var (
	SQLite = Dialect{
		Name: "sqlite",
		Schema: []string{
			`CREATE TABLE IF NOT EXISTS documents (
				collection TEXT NOT NULL,
				id TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				data TEXT NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (collection, id)
			);`,
			`CREATE INDEX IF NOT EXISTS documents_owner ON documents (collection, owner_id);`,
		},
		Placeholder: questionMark,
	}

	Postgres = Dialect{
		Name: "postgres",
		Schema: []string{
			`CREATE TABLE IF NOT EXISTS documents (
				collection TEXT NOT NULL,
				id TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				data TEXT NOT NULL,
				updated_at BIGINT NOT NULL,
				PRIMARY KEY (collection, id)
			);`,
			`CREATE INDEX IF NOT EXISTS documents_owner ON documents (collection, owner_id);`,
		},
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}

	MySQL = Dialect{
		Name: "mysql",
		Schema: []string{
			`CREATE TABLE IF NOT EXISTS documents (
				collection VARCHAR(64) NOT NULL,
				id VARCHAR(64) NOT NULL,
				owner_id VARCHAR(191) NOT NULL,
				data LONGTEXT NOT NULL,
				updated_at BIGINT NOT NULL,
				PRIMARY KEY (collection, id),
				INDEX documents_owner (collection, owner_id)
			);`,
		},
		Placeholder: questionMark,
	}
)

type DocumentStore struct {
	db      *sql.DB
	dialect Dialect
	feed    *live.Feed
}

// New creates the schema if needed and returns the store.
func New(db *sql.DB, dialect Dialect) (*DocumentStore, error) {
	for _, stmt := range dialect.Schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s schema: %w", dialect.Name, err)
		}
	}
	return &DocumentStore{db: db, dialect: dialect, feed: live.NewFeed()}, nil
}

// DB exposes the underlying pool.
func (s *DocumentStore) DB() *sql.DB {
	return s.db
}

func (s *DocumentStore) Close() error {
	return s.db.Close()
}

// rebind rewrites '?' markers into the dialect's placeholders.
func (s *DocumentStore) rebind(query string) string {
	if s.dialect.Placeholder(1) == "?" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *DocumentStore) load(ctx context.Context, q queryer, collection, id string) (core.Fields, bool, error) {
	var data string
	err := q.QueryRowContext(ctx,
		s.rebind("SELECT data FROM documents WHERE collection = ? AND id = ?"),
		collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var fields core.Fields
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return fields, true, nil
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (*core.Document, error) {
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id})
	log.Debug("Retrieving document by ID")

	fields, ok, err := s.load(ctx, s.db, collection, id)
	if err != nil {
		log.WithError(err).Error("Failed to retrieve document")
		return nil, err
	}
	if !ok {
		return nil, core.NewNotFoundError(collection, id)
	}
	return &core.Document{ID: id, Fields: fields}, nil
}

func (s *DocumentStore) Find(ctx context.Context, q core.Query) ([]core.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT id, data FROM documents WHERE collection = ? AND owner_id = ?"),
		q.Collection, q.OwnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []core.Document
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var fields core.Fields
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			logrus.WithError(err).WithField("document_id", id).Warn("Skipping undecodable document")
			continue
		}
		docs = append(docs, core.Document{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return q.Apply(docs), nil
}

func (s *DocumentStore) Listen(ctx context.Context, q core.Query, fn func(core.Snapshot)) (core.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.feed.Listen(q, s.Find, fn), nil
}

func (s *DocumentStore) Add(ctx context.Context, collection string, fields core.Fields) (string, error) {
	id := ulid.Make().String()
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	owner := fields.String(core.FieldOwner)
	log := logrus.WithFields(logrus.Fields{
		"collection":  collection,
		"document_id": id,
		"data_length": len(data),
	})

	_, err = s.db.ExecContext(ctx,
		s.rebind("INSERT INTO documents (collection, id, owner_id, data, updated_at) VALUES (?, ?, ?, ?, ?)"),
		collection, id, owner, string(data), time.Now().UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create document")
		return "", err
	}
	log.Info("Document created successfully")
	s.feed.Notify(owner, collection)
	return id, nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, fields core.Fields) error {
	b := s.Batch()
	b.Update(collection, id, fields)
	return b.Commit(ctx)
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	b := s.Batch()
	b.Delete(collection, id)
	return b.Commit(ctx)
}

func (s *DocumentStore) Batch() core.WriteBatch {
	return &writeBatch{store: s}
}

type op struct {
	collection string
	id         string
	fields     core.Fields
	delete     bool
}

type writeBatch struct {
	store *DocumentStore
	ops   []op
}

func (b *writeBatch) Update(collection, id string, fields core.Fields) {
	b.ops = append(b.ops, op{collection: collection, id: id, fields: fields.Clone()})
}

func (b *writeBatch) Delete(collection, id string) {
	b.ops = append(b.ops, op{collection: collection, id: id, delete: true})
}

// Commit runs every operation in one transaction.
func (b *writeBatch) Commit(ctx context.Context) error {
	s := b.store
	log := logrus.WithField("operations", len(b.ops))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // Rollback on any error

	touched := live.Touched{}
	now := time.Now().UnixMilli()
	for _, o := range b.ops {
		current, exists, err := s.load(ctx, tx, o.collection, o.id)
		if err != nil {
			log.WithError(err).Error("Failed to read document in batch")
			return err
		}
		if exists {
			touched.Add(current.String(core.FieldOwner), o.collection)
		}

		if o.delete {
			if !exists {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				s.rebind("DELETE FROM documents WHERE collection = ? AND id = ?"),
				o.collection, o.id); err != nil {
				log.WithError(err).Error("Failed to delete document in batch")
				return err
			}
			continue
		}

		if !exists {
			log.WithFields(logrus.Fields{"collection": o.collection, "document_id": o.id}).Warn("Batch rejected, document not found")
			return core.NewNotFoundError(o.collection, o.id)
		}
		merged := current.Merge(o.fields)
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to encode document: %w", err)
		}
		owner := merged.String(core.FieldOwner)
		if _, err := tx.ExecContext(ctx,
			s.rebind("UPDATE documents SET owner_id = ?, data = ?, updated_at = ? WHERE collection = ? AND id = ?"),
			owner, string(data), now, o.collection, o.id); err != nil {
			log.WithError(err).Error("Failed to update document in batch")
			return err
		}
		touched.Add(owner, o.collection)
	}

	if err := tx.Commit(); err != nil {
		log.WithError(err).Error("Failed to commit batch")
		return err
	}
	log.Debug("Batch committed")
	s.feed.NotifyAll(touched)
	return nil
}
