package store

import (
	"context"
	"database/sql"
	"fmt"
)

var knownRoles = map[string]bool{RoleUser: true, RoleAssistant: true}

// AppendMessage persists msg for sessionID in a single transaction, so a
// crash leaves either the whole record or nothing. Re-appending a sequence
// number that is already stored is a no-op.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg *Message) error {
	if msg.Seq < 1 {
		return wrap("store.AppendMessage", fmt.Errorf("invalid sequence number %d", msg.Seq))
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, seq) DO NOTHING
		`, sessionID, msg.Seq, msg.Role, msg.Content, formatTime(msg.Timestamp))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET last_activity_at = ? WHERE id = ? AND last_activity_at < ?`,
			formatTime(msg.Timestamp), sessionID, formatTime(msg.Timestamp),
		)
		return err
	})
	return wrap("store.AppendMessage", err)
}

// Messages returns the readable messages of a session in sequence order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, wrap("store.Messages", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			warnCorrupt("messages", sessionID, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, wrap("store.Messages", rows.Err())
}

// LastSeq returns the highest stored sequence number for a session, or 0.
func (s *Store) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, wrap("store.LastSeq", err)
	}
	return seq.Int64, nil
}

func scanMessage(sc scanner) (*Message, error) {
	var m Message
	var created string
	if err := sc.Scan(&m.SessionID, &m.Seq, &m.Role, &m.Content, &created); err != nil {
		return nil, err
	}
	if !knownRoles[m.Role] {
		return nil, fmt.Errorf("unknown role %q", m.Role)
	}
	t, err := parseTime("created_at", created)
	if err != nil {
		return nil, err
	}
	m.Timestamp = t
	return &m, nil
}
