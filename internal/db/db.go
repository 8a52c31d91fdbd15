package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"tawk/internal/store"
)

// DB is the SQLite-backed store. All methods are safe for concurrent use.
type DB struct {
	*sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func NewDB(dbPath string) (*DB, error) {
	// Create the database directory if it doesn't exist
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, errors.Wrap(err, "error creating database directory")
	}

	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "error opening database")
	}

	// SQLite serializes writers anyway; one connection keeps "database is
	// locked" out of concurrent appends. Nothing may hold a connection while
	// issuing another query outside its transaction.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "error connecting to the database")
	}

	// Initialize database schema
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "error initializing schema")
	}

	return &DB{db}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_foreign_keys=on"
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			about TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'Offline',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friendships (
			user_id TEXT NOT NULL,
			friend_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, friend_id)
		)`,
		`CREATE TABLE IF NOT EXISTS friend_requests (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_friend_requests_recipient ON friend_requests (recipient)`,
		`DROP INDEX IF EXISTS idx_friend_requests_pair`,
		`DELETE FROM friend_requests WHERE rowid NOT IN (
			SELECT MIN(rowid) FROM friend_requests GROUP BY sender, recipient
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_friend_requests_sender_recipient ON friend_requests (sender, recipient)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_a TEXT NOT NULL,
			user_b TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (user_a, user_b)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_b ON conversations (user_b)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations (id),
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			type TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			file TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, seq)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// withTx runs fn inside a transaction, committing when fn returns nil.
// Errors from fn are returned as is; fn classifies its own failures.
func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return store.Storage(err, op)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return store.Storage(tx.Commit(), op)
}
