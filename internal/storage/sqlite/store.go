// Package sqlite implements the storage interfaces on an embedded SQLite
// database. It is the default backend for single-robot deployments.
package sqlite

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/pikobot/piko/internal/storage"
)

// Schema creates all tables used by the interaction engine.
//
// turns has no unique index on (session_id, seq): a summary record
// deliberately reuses the sequence index of the first turn it replaced.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_id         TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	first_seen        TIMESTAMP NOT NULL,
	last_seen         TIMESTAMP NOT NULL,
	interaction_count INTEGER NOT NULL DEFAULT 0,
	notes             TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS embeddings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id   TEXT NOT NULL REFERENCES entities(entity_id) ON DELETE CASCADE,
	vector      BLOB NOT NULL,
	captured_at TIMESTAMP NOT NULL,
	condition   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_embeddings_entity ON embeddings(entity_id);

CREATE TABLE IF NOT EXISTS memories (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id   TEXT REFERENCES entities(entity_id) ON DELETE CASCADE,
	memory_type TEXT NOT NULL,
	content     TEXT NOT NULL,
	importance  INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	expires_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_memories_entity ON memories(entity_id);

CREATE TABLE IF NOT EXISTS turns (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	compacted  INTEGER NOT NULL DEFAULT 0,
	summary    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
`

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore opens a SQLite database, configures WAL mode, and creates the
// schema.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load;
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB exposes the database handle for health checks and tests.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// encodeVector serialises an embedding as little-endian float32 bytes, the
// same wire format the client uses for base64 embeddings.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: embedding blob length %d is not a multiple of 4", storage.ErrInvalidInput, len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
