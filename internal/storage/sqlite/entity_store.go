package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pikobot/piko/internal/storage"
	"github.com/pikobot/piko/pkg/types"
)

// CreateEntity persists a new entity and, when provided, its first embedding
// sample in one transaction.
func (s *Store) CreateEntity(ctx context.Context, e *types.Entity, first *types.EmbeddingRecord) error {
	if e == nil || e.ID == "" || e.Name == "" {
		return fmt.Errorf("%w: entity id and name are required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin CreateEntity: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (entity_id, name, first_seen, last_seen, interaction_count, notes)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Name, e.FirstSeen, e.LastSeen, e.InteractionCount, e.Notes)
	if err != nil {
		return fmt.Errorf("sqlite: insert entity: %w", err)
	}

	if first != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO embeddings (entity_id, vector, captured_at, condition)
			VALUES (?, ?, ?, ?)
		`, e.ID, encodeVector(first.Vector), first.CapturedAt, first.Condition)
		if err != nil {
			return fmt.Errorf("sqlite: insert first embedding: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			first.ID = id
		}
		first.EntityID = e.ID
	}

	return tx.Commit()
}

// GetEntity retrieves an entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, name, first_seen, last_seen, interaction_count, notes
		FROM entities WHERE entity_id = ?
	`, id)
	return scanEntity(row)
}

// ListEntities returns all entities ordered by last_seen descending.
func (s *Store) ListEntities(ctx context.Context) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, name, first_seen, last_seen, interaction_count, notes
		FROM entities ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ListEntities: %w", err)
	}
	defer rows.Close()

	var out []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TouchEntity refreshes last_seen and increments the interaction counter.
func (s *Store) TouchEntity(ctx context.Context, id string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET last_seen = ?, interaction_count = interaction_count + 1
		WHERE entity_id = ?
	`, seenAt, id)
	if err != nil {
		return fmt.Errorf("sqlite: TouchEntity: %w", err)
	}
	return requireRow(res)
}

// UpdateEntityProfile mutates the learned name and notes.
func (s *Store) UpdateEntityProfile(ctx context.Context, id, name, notes string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", storage.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET name = ?, notes = ? WHERE entity_id = ?
	`, name, notes, id)
	if err != nil {
		return fmt.Errorf("sqlite: UpdateEntityProfile: %w", err)
	}
	return requireRow(res)
}

// AddEmbedding appends one embedding sample. Insertion is unconditional;
// capture throttling is caller policy.
func (s *Store) AddEmbedding(ctx context.Context, rec *types.EmbeddingRecord) error {
	if rec == nil || rec.EntityID == "" || len(rec.Vector) == 0 {
		return fmt.Errorf("%w: embedding requires an entity id and a vector", storage.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (entity_id, vector, captured_at, condition)
		VALUES (?, ?, ?, ?)
	`, rec.EntityID, encodeVector(rec.Vector), rec.CapturedAt, rec.Condition)
	if err != nil {
		return fmt.Errorf("sqlite: AddEmbedding: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// AllEmbeddings returns every stored embedding sample.
func (s *Store) AllEmbeddings(ctx context.Context) ([]*types.EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, vector, captured_at, condition FROM embeddings ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: AllEmbeddings: %w", err)
	}
	defer rows.Close()

	var out []*types.EmbeddingRecord
	for rows.Next() {
		var (
			rec  types.EmbeddingRecord
			blob []byte
		)
		if err := rows.Scan(&rec.ID, &rec.EntityID, &blob, &rec.CapturedAt, &rec.Condition); err != nil {
			return nil, fmt.Errorf("sqlite: scan embedding: %w", err)
		}
		if rec.Vector, err = decodeVector(blob); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteEntity removes an entity; embeddings and memories cascade.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE entity_id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: DeleteEntity: %w", err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var e types.Entity
	err := row.Scan(&e.ID, &e.Name, &e.FirstSeen, &e.LastSeen, &e.InteractionCount, &e.Notes)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan entity: %w", err)
	}
	return &e, nil
}

// requireRow converts a zero-row update/delete into ErrNotFound.
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
