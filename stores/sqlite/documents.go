package sqlite

import (
	"database/sql"
	"log"

	"catalog-editor/stores/sqlstore"

	_ "modernc.org/sqlite"
)

// Open opens a sqlite database. Writers are serialised through a single
// connection so concurrent batches never see SQLITE_BUSY.
func Open(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewDocumentStore creates a new SQLite-based document store.
func NewDocumentStore(dataSourceName string) *sqlstore.DocumentStore {
	db, err := Open(dataSourceName)
	if err != nil {
		log.Fatalf("failed to open sqlite database: %v", err)
	}

	store, err := sqlstore.New(db, sqlstore.SQLite)
	if err != nil {
		log.Fatalf("failed to create documents table: %v", err)
	}
	return store
}
