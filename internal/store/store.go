// Package store is the sqlite persistence layer: mailbox
// configuration and checkpoint state, local records with their
// correlation-id and fingerprint indexes, and the advisory sync locks.
package store

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the sqlite database shared by the sub-stores.
type Store struct {
	DB *sqlx.DB
}

// Open opens or creates the database at dbPath and applies the schema.
// ":memory:" gives an isolated throwaway database for tests.
func Open(dbPath string) (*Store, error) {
	if dbPath == ":memory:" {
		// A plain ":memory:" DSN gives every pooled connection its own
		// private database, so a second connection would not see the
		// schema. A uniquely named shared-cache database keeps the pool
		// on one database while separate Open calls stay isolated.
		dbPath = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dbPath += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Mailboxes returns the mailbox/checkpoint sub-store.
func (s *Store) Mailboxes() *MailboxStore {
	return &MailboxStore{db: s.DB}
}

// Records returns the local-record sub-store. lockTTL bounds how long
// an advisory lock survives before another session may steal it; zero
// selects a conservative default.
func (s *Store) Records(lockTTL time.Duration) *RecordStore {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &RecordStore{db: s.DB, lockTTL: lockTTL}
}
