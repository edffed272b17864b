package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/pikobot/piko/internal/storage"
	"github.com/pikobot/piko/pkg/types"
)

// AppendMemory commits one memory record. Records are immutable once written.
func (s *Store) AppendMemory(ctx context.Context, m *types.MemoryRecord) error {
	if m == nil || m.Content == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	if !types.ValidMemoryType(m.MemoryType) {
		return fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, m.MemoryType)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (entity_id, memory_type, content, importance, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.EntityID, m.MemoryType, m.Content, m.Importance, m.CreatedAt, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("sqlite: AppendMemory: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

// TopMemories returns up to k non-expired records ordered by importance
// descending then recency descending. Expiry is enforced at read time; no
// cleanup pass is required for correctness.
func (s *Store) TopMemories(ctx context.Context, entityID *string, k int, now time.Time) ([]*types.MemoryRecord, error) {
	if k <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, entity_id, memory_type, content, importance, created_at, expires_at
		FROM memories
		WHERE (expires_at IS NULL OR expires_at > ?)
	`
	args := []any{now}
	if entityID != nil {
		query += ` AND entity_id = ?`
		args = append(args, *entityID)
	} else {
		query += ` AND entity_id IS NULL`
	}
	query += ` ORDER BY importance DESC, created_at DESC LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: TopMemories: %w", err)
	}
	defer rows.Close()

	var out []*types.MemoryRecord
	for rows.Next() {
		var m types.MemoryRecord
		if err := rows.Scan(&m.ID, &m.EntityID, &m.MemoryType, &m.Content, &m.Importance, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan memory: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteExpired physically removes expired records. Optional sweep only.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: DeleteExpired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteEntityMemories removes all memories owned by an entity.
func (s *Store) DeleteEntityMemories(ctx context.Context, entityID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE entity_id = ?`, entityID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: DeleteEntityMemories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
