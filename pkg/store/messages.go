package store

import (
	"context"
	"database/sql"

	"github.com/brigadehq/brigade/pkg/models"
)

const messageColumns = `id, thread_id, role, content, tool_calls, tool_call_id,
	message_uuid, processed, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.ThreadMessage, error) {
	var m models.ThreadMessage
	var msgUUID sql.NullString
	err := row.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.ToolCalls,
		&m.ToolCallID, &msgUUID, &m.Processed, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.MessageUUID = msgUUID.String
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// AppendMessage inserts a message at the end of a thread. Insertion order is
// conversation order.
func (s *Store) AppendMessage(ctx context.Context, tx *sql.Tx, msg *models.ThreadMessage) (*models.ThreadMessage, error) {
	now := s.Now()
	var id int64
	err := s.q(tx).QueryRowContext(ctx, s.rebind(
		`INSERT INTO thread_messages (thread_id, role, content, tool_calls, tool_call_id,
		 message_uuid, processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		msg.ThreadID, msg.Role, msg.Content, msg.ToolCalls, msg.ToolCallID,
		nullString(msg.MessageUUID), msg.Processed, now).Scan(&id)
	if err != nil {
		return nil, mapWriteErr("appending message", err)
	}
	out := *msg
	out.ID = id
	out.CreatedAt = now
	return &out, nil
}

// ListMessages returns all messages of a thread in insertion order.
func (s *Store) ListMessages(ctx context.Context, threadID int64) ([]*models.ThreadMessage, error) {
	return s.listMessages(ctx, s.rebind(
		`SELECT `+messageColumns+` FROM thread_messages WHERE thread_id = ? ORDER BY id`), threadID)
}

// ListUnprocessedMessages returns the thread's messages not yet consumed by
// a fiche run, in insertion order.
func (s *Store) ListUnprocessedMessages(ctx context.Context, threadID int64) ([]*models.ThreadMessage, error) {
	return s.listMessages(ctx, s.rebind(
		`SELECT `+messageColumns+` FROM thread_messages
		 WHERE thread_id = ? AND processed = ? ORDER BY id`), threadID, false)
}

func (s *Store) listMessages(ctx context.Context, query string, args ...any) ([]*models.ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapReadErr("listing messages", err)
	}
	defer rows.Close()

	var out []*models.ThreadMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapReadErr("scanning message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessagesProcessed flags the given messages as consumed.
func (s *Store) MarkMessagesProcessed(ctx context.Context, tx *sql.Tx, ids []int64) error {
	for _, id := range ids {
		if _, err := s.q(tx).ExecContext(ctx, s.rebind(
			`UPDATE thread_messages SET processed = ? WHERE id = ?`), true, id); err != nil {
			return mapWriteErr("marking message processed", err)
		}
	}
	return nil
}

// CountToolMessages counts tool-role messages in a thread with the given
// tool_call_id. Used to verify continuation results are injected exactly once.
func (s *Store) CountToolMessages(ctx context.Context, threadID int64, toolCallID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM thread_messages WHERE thread_id = ? AND role = ? AND tool_call_id = ?`),
		threadID, models.RoleTool, toolCallID).Scan(&n)
	return n, mapReadErr("counting tool messages", err)
}
