package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/fleet/pkg/models"
)

// AppendTurns writes turns in a single transaction. Turns without an ID or
// timestamp get one assigned.
func (db *DB) AppendTurns(ctx context.Context, turns ...*models.ConversationTurn) error {
	for _, t := range turns {
		if t.AgentID == "" {
			return fmt.Errorf("append turn: agent id is required")
		}
		if !t.Role.Valid() {
			return fmt.Errorf("append turn: invalid role %q", t.Role)
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
	}

	return db.transaction(ctx, func(tx *sql.Tx) error {
		for _, t := range turns {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_turns (id, agent_id, role, content, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, t.ID, t.AgentID, string(t.Role), t.Content, formatTime(t.CreatedAt))
			if err != nil {
				return fmt.Errorf("append turn: %w", err)
			}
		}
		return nil
	})
}

// RecentTurns returns up to limit of agentID's newest turns in the order
// they were written.
func (db *DB) RecentTurns(ctx context.Context, agentID string, limit int) ([]*models.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := db.query(ctx, `
		SELECT id, agent_id, role, content, created_at FROM (
			SELECT seq, id, agent_id, role, content, created_at
			FROM conversation_turns
			WHERE agent_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var turns []*models.ConversationTurn
	for rows.Next() {
		var (
			t         models.ConversationTurn
			role      string
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.AgentID, &role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = models.Role(role)
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse turn time: %w", err)
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// PruneTurns deletes every turn of agentID older than the newest keep
// turns. It returns the number of turns deleted.
func (db *DB) PruneTurns(ctx context.Context, agentID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	result, err := db.exec(ctx, `
		DELETE FROM conversation_turns
		WHERE agent_id = ?
		  AND seq NOT IN (
			SELECT seq FROM conversation_turns
			WHERE agent_id = ?
			ORDER BY seq DESC
			LIMIT ?
		  )
	`, agentID, agentID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// CountTurns returns how many turns agentID has stored.
func (db *DB) CountTurns(ctx context.Context, agentID string) (int, error) {
	var n int
	err := db.queryRow(ctx, "SELECT COUNT(*) FROM conversation_turns WHERE agent_id = ?", agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}
