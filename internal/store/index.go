package store

import (
	"context"
	"sort"
)

// SessionSummary is the startup view of a session: its metadata plus the
// shape of its history.
type SessionSummary struct {
	*Session
	MessageCount int
	LastSeq      int64
}

// Index is the eagerly loaded view of every readable session.
type Index struct {
	// ByWorktree maps worktree id to its sessions, oldest first.
	ByWorktree map[string][]*SessionSummary
	// Sessions maps session id to its summary.
	Sessions map[string]*SessionSummary
	// Messages maps session id to its history in sequence order.
	Messages map[string][]*Message
	// Skipped counts records that could not be decoded.
	Skipped int
}

// LoadAll reads every session and message. Individual records that cannot be
// decoded are logged and skipped; only database-level failures are returned.
func (s *Store) LoadAll(ctx context.Context) (*Index, error) {
	idx := &Index{
		ByWorktree: make(map[string][]*SessionSummary),
		Sessions:   make(map[string]*SessionSummary),
		Messages:   make(map[string][]*Message),
	}

	if err := s.loadSessions(ctx, idx); err != nil {
		return nil, wrap("store.LoadAll", err)
	}
	if err := s.loadMessages(ctx, idx); err != nil {
		return nil, wrap("store.LoadAll", err)
	}

	for _, list := range idx.ByWorktree {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		})
	}
	return idx, nil
}

func (s *Store) loadSessions(ctx context.Context, idx *Index) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		sess, err := scanSession(idScanner{rows, &id})
		if err != nil {
			warnCorrupt("sessions", id, err)
			idx.Skipped++
			continue
		}
		sum := &SessionSummary{Session: sess}
		idx.Sessions[sess.ID] = sum
		idx.ByWorktree[sess.WorktreeID] = append(idx.ByWorktree[sess.WorktreeID], sum)
	}
	return rows.Err()
}

func (s *Store) loadMessages(ctx context.Context, idx *Index) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, role, content, created_at
		FROM messages ORDER BY session_id, seq
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		m, err := scanMessage(idScanner{rows, &id})
		if err != nil {
			warnCorrupt("messages", id, err)
			idx.Skipped++
			continue
		}
		sum, ok := idx.Sessions[m.SessionID]
		if !ok {
			// Owner was skipped or never written.
			continue
		}
		idx.Messages[m.SessionID] = append(idx.Messages[m.SessionID], m)
		sum.MessageCount++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// LastSeq counts unreadable rows too so their numbers are never reused.
	maxRows, err := s.db.QueryContext(ctx, `SELECT session_id, MAX(seq) FROM messages GROUP BY session_id`)
	if err != nil {
		return err
	}
	defer maxRows.Close()
	for maxRows.Next() {
		var id string
		var seq int64
		if err := maxRows.Scan(&id, &seq); err != nil {
			return err
		}
		if sum, ok := idx.Sessions[id]; ok {
			sum.LastSeq = seq
		}
	}
	return maxRows.Err()
}

// idScanner captures the first column so corrupt rows can be identified in
// the log even when later columns fail to decode.
type idScanner struct {
	sc scanner
	id *string
}

func (s idScanner) Scan(dest ...any) error {
	err := s.sc.Scan(dest...)
	if len(dest) > 0 {
		if p, ok := dest[0].(*string); ok {
			*s.id = *p
		}
	}
	return err
}
