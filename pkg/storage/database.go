// Package storage persists identities, conversations and messages for the
// development conversation server. Message bodies are envelope text and are
// stored as received.
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrIdentityLimit      = errors.New("identity limit reached")
	ErrIdentityExists     = errors.New("identity already registered")
	ErrConversationExists = errors.New("conversation already exists")
)

// MessageDB is the sqlite store behind the development server.
type MessageDB struct {
	db *sql.DB
}

// NewMessageDB opens (or creates) the database at dbPath. ":memory:"
// gives a private in-memory database.
func NewMessageDB(dbPath string) (*MessageDB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: sqlite serializes writers anyway and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	mdb := &MessageDB{db: db}
	if err := mdb.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return mdb, nil
}

// initSchema creates database tables
func (db *MessageDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS identities (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		fingerprint TEXT UNIQUE NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		restricted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_message_id TEXT,
		last_sender TEXT,
		last_timestamp INTEGER
	);

	CREATE TABLE IF NOT EXISTS participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		fingerprint TEXT NOT NULL,
		PRIMARY KEY (conversation_id, fingerprint)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		rkey TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS reads (
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		fingerprint TEXT NOT NULL,
		PRIMARY KEY (message_id, fingerprint)
	);

	CREATE INDEX IF NOT EXISTS idx_identities_account ON identities(account_id);
	CREATE INDEX IF NOT EXISTS idx_participants_fingerprint ON participants(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_timestamp ON conversations(last_timestamp DESC);
	`

	if _, err := db.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *MessageDB) Close() error {
	return db.db.Close()
}
