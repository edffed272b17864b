// Package postgres implements the storage interfaces on PostgreSQL. When the
// pgvector extension is available, nearest-match queries over face embeddings
// run server-side as cosine-distance scans; otherwise matching falls back to
// the in-memory index built from AllEmbeddings.
package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/pikobot/piko/internal/storage"
	"github.com/pikobot/piko/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_id         TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	first_seen        TIMESTAMPTZ NOT NULL,
	last_seen         TIMESTAMPTZ NOT NULL,
	interaction_count INTEGER NOT NULL DEFAULT 0,
	notes             TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS embeddings (
	id          BIGSERIAL PRIMARY KEY,
	entity_id   TEXT NOT NULL REFERENCES entities(entity_id) ON DELETE CASCADE,
	vector      BYTEA NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	condition   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_embeddings_entity ON embeddings(entity_id);

CREATE TABLE IF NOT EXISTS memories (
	id          BIGSERIAL PRIMARY KEY,
	entity_id   TEXT REFERENCES entities(entity_id) ON DELETE CASCADE,
	memory_type TEXT NOT NULL,
	content     TEXT NOT NULL,
	importance  INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_memories_entity ON memories(entity_id);

CREATE TABLE IF NOT EXISTS turns (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	compacted  BOOLEAN NOT NULL DEFAULT FALSE,
	summary    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
`

// Store implements storage.Store using PostgreSQL.
type Store struct {
	db                *sql.DB
	pgvectorAvailable bool
	dimension         int
}

var _ storage.Store = (*Store)(nil)

// NewStore connects to PostgreSQL, creates the schema, and attempts to enable
// pgvector for server-side nearest-match queries. dimension is the embedding
// length used for the vector column.
func NewStore(dsn string, dimension int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	s := &Store{db: db, dimension: dimension}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err == nil {
		alter := fmt.Sprintf("ALTER TABLE embeddings ADD COLUMN IF NOT EXISTS embedding_vec vector(%d)", dimension)
		if _, err := db.Exec(alter); err == nil {
			s.pgvectorAvailable = true
		} else {
			log.Printf("postgres: embedding_vec column unavailable, matching falls back to in-memory index: %v", err)
		}
	} else {
		log.Printf("postgres: pgvector extension unavailable, matching falls back to in-memory index: %v", err)
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PgvectorAvailable reports whether server-side nearest-match is usable.
func (s *Store) PgvectorAvailable() bool {
	return s.pgvectorAvailable
}

// ── EntityStore ──

func (s *Store) CreateEntity(ctx context.Context, e *types.Entity, first *types.EmbeddingRecord) error {
	if e == nil || e.ID == "" || e.Name == "" {
		return fmt.Errorf("%w: entity id and name are required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin CreateEntity: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (entity_id, name, first_seen, last_seen, interaction_count, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.Name, e.FirstSeen, e.LastSeen, e.InteractionCount, e.Notes)
	if err != nil {
		return fmt.Errorf("postgres: insert entity: %w", err)
	}

	if first != nil {
		first.EntityID = e.ID
		if err := s.insertEmbedding(ctx, tx, first); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	var e types.Entity
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, name, first_seen, last_seen, interaction_count, notes
		FROM entities WHERE entity_id = $1
	`, id).Scan(&e.ID, &e.Name, &e.FirstSeen, &e.LastSeen, &e.InteractionCount, &e.Notes)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: GetEntity: %w", err)
	}
	return &e, nil
}

func (s *Store) ListEntities(ctx context.Context) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, name, first_seen, last_seen, interaction_count, notes
		FROM entities ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: ListEntities: %w", err)
	}
	defer rows.Close()

	var out []*types.Entity
	for rows.Next() {
		var e types.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.FirstSeen, &e.LastSeen, &e.InteractionCount, &e.Notes); err != nil {
			return nil, fmt.Errorf("postgres: scan entity: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) TouchEntity(ctx context.Context, id string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET last_seen = $1, interaction_count = interaction_count + 1
		WHERE entity_id = $2
	`, seenAt, id)
	if err != nil {
		return fmt.Errorf("postgres: TouchEntity: %w", err)
	}
	return requireRow(res)
}

func (s *Store) UpdateEntityProfile(ctx context.Context, id, name, notes string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", storage.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET name = $1, notes = $2 WHERE entity_id = $3
	`, name, notes, id)
	if err != nil {
		return fmt.Errorf("postgres: UpdateEntityProfile: %w", err)
	}
	return requireRow(res)
}

func (s *Store) AddEmbedding(ctx context.Context, rec *types.EmbeddingRecord) error {
	if rec == nil || rec.EntityID == "" || len(rec.Vector) == 0 {
		return fmt.Errorf("%w: embedding requires an entity id and a vector", storage.ErrInvalidInput)
	}
	return s.insertEmbedding(ctx, s.db, rec)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertEmbedding always writes the BYTEA column; when pgvector is available
// the vector is also written to embedding_vec for server-side matching.
func (s *Store) insertEmbedding(ctx context.Context, q execQuerier, rec *types.EmbeddingRecord) error {
	if s.pgvectorAvailable {
		err := q.QueryRowContext(ctx, `
			INSERT INTO embeddings (entity_id, vector, captured_at, condition, embedding_vec)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, rec.EntityID, encodeVector(rec.Vector), rec.CapturedAt, rec.Condition,
			pgvector.NewVector(rec.Vector)).Scan(&rec.ID)
		if err == nil {
			return nil
		}
		log.Printf("postgres: failed to store embedding_vec (falling back to BYTEA only): %v", err)
	}

	err := q.QueryRowContext(ctx, `
		INSERT INTO embeddings (entity_id, vector, captured_at, condition)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, rec.EntityID, encodeVector(rec.Vector), rec.CapturedAt, rec.Condition).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("postgres: insert embedding: %w", err)
	}
	return nil
}

func (s *Store) AllEmbeddings(ctx context.Context) ([]*types.EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, vector, captured_at, condition FROM embeddings ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: AllEmbeddings: %w", err)
	}
	defer rows.Close()

	var out []*types.EmbeddingRecord
	for rows.Next() {
		var (
			rec  types.EmbeddingRecord
			blob []byte
		)
		if err := rows.Scan(&rec.ID, &rec.EntityID, &blob, &rec.CapturedAt, &rec.Condition); err != nil {
			return nil, fmt.Errorf("postgres: scan embedding: %w", err)
		}
		if rec.Vector, err = decodeVector(blob); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE entity_id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: DeleteEntity: %w", err)
	}
	return requireRow(res)
}

// FindBestMatch runs a server-side cosine nearest-match over all stored
// embedding samples. Each sample competes independently; the entity owning
// the single closest sample wins. Returns ok=false when the index is empty.
// Requires pgvector; callers should fall back to the in-memory index when
// PgvectorAvailable reports false.
func (s *Store) FindBestMatch(ctx context.Context, vec []float32) (string, float64, bool, error) {
	if !s.pgvectorAvailable {
		return "", 0, false, fmt.Errorf("postgres: pgvector is not available")
	}
	var (
		entityID string
		sim      float64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, 1 - (embedding_vec <=> $1) AS similarity
		FROM embeddings
		WHERE embedding_vec IS NOT NULL
		ORDER BY embedding_vec <=> $1
		LIMIT 1
	`, pgvector.NewVector(vec)).Scan(&entityID, &sim)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("postgres: FindBestMatch: %w", err)
	}
	return entityID, sim, true, nil
}

// ── LedgerStore ──

func (s *Store) AppendMemory(ctx context.Context, m *types.MemoryRecord) error {
	if m == nil || m.Content == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	if !types.ValidMemoryType(m.MemoryType) {
		return fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, m.MemoryType)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO memories (entity_id, memory_type, content, importance, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, m.EntityID, m.MemoryType, m.Content, m.Importance, m.CreatedAt, m.ExpiresAt).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("postgres: AppendMemory: %w", err)
	}
	return nil
}

func (s *Store) TopMemories(ctx context.Context, entityID *string, k int, now time.Time) ([]*types.MemoryRecord, error) {
	if k <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, entity_id, memory_type, content, importance, created_at, expires_at
		FROM memories
		WHERE (expires_at IS NULL OR expires_at > $1)
	`
	args := []any{now}
	if entityID != nil {
		query += ` AND entity_id = $2 ORDER BY importance DESC, created_at DESC LIMIT $3`
		args = append(args, *entityID, k)
	} else {
		query += ` AND entity_id IS NULL ORDER BY importance DESC, created_at DESC LIMIT $2`
		args = append(args, k)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: TopMemories: %w", err)
	}
	defer rows.Close()

	var out []*types.MemoryRecord
	for rows.Next() {
		var m types.MemoryRecord
		if err := rows.Scan(&m.ID, &m.EntityID, &m.MemoryType, &m.Content, &m.Importance, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: DeleteExpired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) DeleteEntityMemories(ctx context.Context, entityID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE entity_id = $1`, entityID)
	if err != nil {
		return 0, fmt.Errorf("postgres: DeleteEntityMemories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ── TurnStore ──

func (s *Store) AppendTurn(ctx context.Context, t *types.TurnRecord) error {
	if t == nil || t.SessionID == "" {
		return fmt.Errorf("%w: turn requires a session id", storage.ErrInvalidInput)
	}
	if t.Role != types.RolePrompt && t.Role != types.RoleResponse {
		return fmt.Errorf("%w: unknown turn role %q", storage.ErrInvalidInput, t.Role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin AppendTurn: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq) + 1, 0) FROM turns WHERE session_id = $1
	`, t.SessionID).Scan(&next)
	if err != nil {
		return fmt.Errorf("postgres: next seq: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO turns (session_id, role, content, seq, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, t.SessionID, t.Role, t.Content, next, t.CreatedAt).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("postgres: insert turn: %w", err)
	}

	t.Seq = next
	return tx.Commit()
}

func (s *Store) SessionTurns(ctx context.Context, sessionID string) ([]*types.TurnRecord, error) {
	return s.queryTurns(ctx, `
		SELECT id, session_id, role, content, seq, created_at, compacted, summary
		FROM turns WHERE session_id = $1 ORDER BY seq, id
	`, sessionID)
}

func (s *Store) ActiveContext(ctx context.Context, sessionID string) ([]*types.TurnRecord, error) {
	return s.queryTurns(ctx, `
		SELECT id, session_id, role, content, seq, created_at, compacted, summary
		FROM turns WHERE session_id = $1 AND NOT compacted ORDER BY seq, id
	`, sessionID)
}

func (s *Store) CompactTurns(ctx context.Context, sessionID string, ids []int64, summary *types.TurnRecord) error {
	if len(ids) == 0 || summary == nil {
		return fmt.Errorf("%w: compaction requires turn ids and a summary record", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin CompactTurns: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE turns SET compacted = TRUE
		WHERE session_id = $1 AND NOT compacted AND id = ANY($2)
	`, sessionID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("postgres: mark compacted: %w", err)
	}
	n, _ := res.RowsAffected()
	if int(n) != len(ids) {
		return fmt.Errorf("postgres: compaction window changed (marked %d of %d)", n, len(ids))
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO turns (session_id, role, content, seq, created_at, summary)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING id
	`, sessionID, summary.Role, summary.Content, summary.Seq, summary.CreatedAt).Scan(&summary.ID)
	if err != nil {
		return fmt.Errorf("postgres: insert summary: %w", err)
	}
	summary.SessionID = sessionID
	summary.Summary = true

	return tx.Commit()
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: DeleteSession: %w", err)
	}
	return nil
}

func (s *Store) queryTurns(ctx context.Context, query string, args ...any) ([]*types.TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query turns: %w", err)
	}
	defer rows.Close()

	var out []*types.TurnRecord
	for rows.Next() {
		var t types.TurnRecord
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.Seq, &t.CreatedAt, &t.Compacted, &t.Summary); err != nil {
			return nil, fmt.Errorf("postgres: scan turn: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ── helpers ──

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

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
