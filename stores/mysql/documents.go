package mysql

import (
	"database/sql"
	"log"
	"time"

	"catalog-editor/stores/sqlstore"

	"github.com/go-sql-driver/mysql"
)

// Open creates and configures a MySQL connection pool. Names are stored as
// utf8mb4 regardless of the server default.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	if _, ok := cfg.Params["charset"]; !ok {
		cfg.Params["charset"] = "utf8mb4"
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewDocumentStore creates a new MySQL-based document store.
func NewDocumentStore(dsn string) *sqlstore.DocumentStore {
	db, err := Open(dsn)
	if err != nil {
		log.Fatalf("failed to connect to mysql: %v", err)
	}

	store, err := sqlstore.New(db, sqlstore.MySQL)
	if err != nil {
		log.Fatalf("failed to create documents table: %v", err)
	}
	return store
}
