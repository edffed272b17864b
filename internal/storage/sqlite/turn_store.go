package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/pikobot/piko/internal/storage"
	"github.com/pikobot/piko/pkg/types"
)

// AppendTurn assigns the next gap-free sequence index for the session and
// persists the record. The sequence read and the insert share a transaction
// so concurrent appends cannot produce duplicate indices.
func (s *Store) AppendTurn(ctx context.Context, t *types.TurnRecord) error {
	if t == nil || t.SessionID == "" {
		return fmt.Errorf("%w: turn requires a session id", storage.ErrInvalidInput)
	}
	if t.Role != types.RolePrompt && t.Role != types.RoleResponse {
		return fmt.Errorf("%w: unknown turn role %q", storage.ErrInvalidInput, t.Role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin AppendTurn: %w", err)
	}
	defer tx.Rollback()

	// Summary records share the seq of the first turn they replaced, and all
	// raw seqs are >= any summary seq, so MAX over all rows yields the last
	// raw index.
	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq) + 1, 0) FROM turns WHERE session_id = ?
	`, t.SessionID).Scan(&next)
	if err != nil {
		return fmt.Errorf("sqlite: next seq: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO turns (session_id, role, content, seq, created_at, compacted, summary)
		VALUES (?, ?, ?, ?, ?, 0, 0)
	`, t.SessionID, t.Role, t.Content, next, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert turn: %w", err)
	}

	t.Seq = next
	if id, err := res.LastInsertId(); err == nil {
		t.ID = id
	}
	return tx.Commit()
}

// SessionTurns returns every record for the session in sequence order.
func (s *Store) SessionTurns(ctx context.Context, sessionID string) ([]*types.TurnRecord, error) {
	return s.queryTurns(ctx, `
		SELECT id, session_id, role, content, seq, created_at, compacted, summary
		FROM turns WHERE session_id = ? ORDER BY seq, id
	`, sessionID)
}

// ActiveContext returns the non-compacted records in sequence order: zero or
// one summary record followed by the retained raw tail.
func (s *Store) ActiveContext(ctx context.Context, sessionID string) ([]*types.TurnRecord, error) {
	return s.queryTurns(ctx, `
		SELECT id, session_id, role, content, seq, created_at, compacted, summary
		FROM turns WHERE session_id = ? AND compacted = 0 ORDER BY seq, id
	`, sessionID)
}

// CompactTurns atomically marks the identified records compacted and inserts
// the synthetic summary record at the sequence index it carries.
func (s *Store) CompactTurns(ctx context.Context, sessionID string, ids []int64, summary *types.TurnRecord) error {
	if len(ids) == 0 || summary == nil {
		return fmt.Errorf("%w: compaction requires turn ids and a summary record", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin CompactTurns: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE turns SET compacted = 1
		WHERE session_id = ? AND compacted = 0 AND id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("sqlite: mark compacted: %w", err)
	}
	n, _ := res.RowsAffected()
	if int(n) != len(ids) {
		// Another compaction won the race; abort so the summary is not
		// inserted twice for the same window.
		return fmt.Errorf("sqlite: compaction window changed (marked %d of %d)", n, len(ids))
	}

	ins, err := tx.ExecContext(ctx, `
		INSERT INTO turns (session_id, role, content, seq, created_at, compacted, summary)
		VALUES (?, ?, ?, ?, ?, 0, 1)
	`, sessionID, summary.Role, summary.Content, summary.Seq, summary.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert summary: %w", err)
	}
	if id, err := ins.LastInsertId(); err == nil {
		summary.ID = id
	}
	summary.SessionID = sessionID
	summary.Summary = true

	return tx.Commit()
}

// DeleteSession discards all turn records for a closed session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: DeleteSession: %w", err)
	}
	return nil
}

func (s *Store) queryTurns(ctx context.Context, query string, args ...any) ([]*types.TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query turns: %w", err)
	}
	defer rows.Close()

	var out []*types.TurnRecord
	for rows.Next() {
		var t types.TurnRecord
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.Seq, &t.CreatedAt, &t.Compacted, &t.Summary); err != nil {
			return nil, fmt.Errorf("sqlite: scan turn: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
