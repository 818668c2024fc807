package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/logging"
)

var knownStates = map[string]bool{
	StateStarting:      true,
	StateRunning:       true,
	StateAwaitingInput: true,
	StateTerminated:    true,
}

const sessionColumns = `id, worktree_id, name, state, resume_token, exit_code, created_at, last_activity_at, attrs`

// UpsertSessionMetadata writes the session's state, resume token, exit code
// and timestamps. Messages are written separately by AppendMessage.
func (s *Store) UpsertSessionMetadata(ctx context.Context, sess *Session) error {
	var attrs sql.NullString
	if sess.Attrs != nil {
		data, err := json.Marshal(sess.Attrs)
		if err != nil {
			return wrap("store.UpsertSessionMetadata", err)
		}
		attrs = sql.NullString{String: string(data), Valid: true}
	}

	var exitCode sql.NullInt64
	if sess.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*sess.ExitCode), Valid: true}
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, '{}'))
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			resume_token = excluded.resume_token,
			exit_code = excluded.exit_code,
			last_activity_at = excluded.last_activity_at,
			attrs = COALESCE(?, sessions.attrs)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.WorktreeID,
		sess.Name,
		sess.State,
		nullString(sess.ResumeToken),
		exitCode,
		formatTime(sess.CreatedAt),
		formatTime(sess.LastActivityAt),
		attrs,
		attrs,
	)
	return wrap("store.UpsertSessionMetadata", err)
}

// GetSession retrieves one session, returning nil when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.E(errs.Op("store.GetSession"), errs.KindStoreCorruption, id, err)
	}
	return sess, nil
}

// DeleteSession removes the session and all of its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		return err
	})
	return wrap("store.DeleteSession", err)
}

func scanSession(sc scanner) (*Session, error) {
	var sess Session
	var token sql.NullString
	var exitCode sql.NullInt64
	var created, active, attrs string

	if err := sc.Scan(
		&sess.ID, &sess.WorktreeID, &sess.Name, &sess.State,
		&token, &exitCode, &created, &active, &attrs,
	); err != nil {
		return nil, err
	}

	if !knownStates[sess.State] {
		return nil, fmt.Errorf("unknown state %q", sess.State)
	}
	var err error
	if sess.CreatedAt, err = parseTime("created_at", created); err != nil {
		return nil, err
	}
	if sess.LastActivityAt, err = parseTime("last_activity_at", active); err != nil {
		return nil, err
	}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &sess.Attrs); err != nil {
			return nil, fmt.Errorf("attrs: %w", err)
		}
	}
	if sess.Attrs == nil {
		sess.Attrs = map[string]json.RawMessage{}
	}

	sess.ResumeToken = token.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.ExitCode = &code
	}
	return &sess, nil
}

func warnCorrupt(table, id string, err error) {
	logging.Warn("skipping unreadable store record",
		"kind", errs.KindStoreCorruption.String(),
		"table", table,
		"id", id,
		"error", err,
	)
}
