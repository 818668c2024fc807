package store

import (
	"context"
	"database/sql"
	"errors"
)

// UpsertRepository inserts or updates a repository registration.
func (s *Store) UpsertRepository(ctx context.Context, r *Repository) error {
	query := `
		INSERT INTO repositories (id, path, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			name = excluded.name
	`
	_, err := s.db.ExecContext(ctx, query, r.ID, r.Path, r.Name, formatTime(r.CreatedAt))
	return wrap("store.UpsertRepository", err)
}

// ListRepositories returns all repositories ordered by name. Undecodable
// rows are skipped.
func (s *Store) ListRepositories(ctx context.Context) ([]*Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, path, name, created_at FROM repositories ORDER BY name, path`)
	if err != nil {
		return nil, wrap("store.ListRepositories", err)
	}
	defer rows.Close()

	var repos []*Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			warnCorrupt("repositories", "", err)
			continue
		}
		repos = append(repos, r)
	}
	return repos, wrap("store.ListRepositories", rows.Err())
}

// DeleteRepository removes a repository registration. It fails while
// worktrees still reference the repository.
func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	return wrap("store.DeleteRepository", err)
}

func scanRepository(sc scanner) (*Repository, error) {
	var r Repository
	var created string
	if err := sc.Scan(&r.ID, &r.Path, &r.Name, &created); err != nil {
		return nil, err
	}
	t, err := parseTime("created_at", created)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = t
	return &r, nil
}

// UpsertWorktree inserts or updates a worktree record.
func (s *Store) UpsertWorktree(ctx context.Context, wt *Worktree) error {
	query := `
		INSERT INTO worktrees (id, repository_id, branch, path, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			branch = excluded.branch,
			path = excluded.path,
			source = excluded.source
	`
	_, err := s.db.ExecContext(ctx, query,
		wt.ID, wt.RepositoryID, wt.Branch, wt.Path, wt.Source, formatTime(wt.CreatedAt),
	)
	return wrap("store.UpsertWorktree", err)
}

// GetWorktree retrieves a worktree by id, returning nil when absent.
func (s *Store) GetWorktree(ctx context.Context, id string) (*Worktree, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repository_id, branch, path, source, created_at
		FROM worktrees WHERE id = ?
	`, id)
	wt, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return wt, wrap("store.GetWorktree", err)
}

// ListWorktrees returns worktrees, optionally filtered by repository.
func (s *Store) ListWorktrees(ctx context.Context, repositoryID string) ([]*Worktree, error) {
	query := `SELECT id, repository_id, branch, path, source, created_at FROM worktrees`
	var args []any
	if repositoryID != "" {
		query += ` WHERE repository_id = ?`
		args = append(args, repositoryID)
	}
	query += ` ORDER BY created_at, path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("store.ListWorktrees", err)
	}
	defer rows.Close()

	var worktrees []*Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			warnCorrupt("worktrees", "", err)
			continue
		}
		worktrees = append(worktrees, wt)
	}
	return worktrees, wrap("store.ListWorktrees", rows.Err())
}

// DeleteWorktree removes a worktree record along with its sessions and
// their messages.
func (s *Store) DeleteWorktree(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id)
	return wrap("store.DeleteWorktree", err)
}

func scanWorktree(sc scanner) (*Worktree, error) {
	var wt Worktree
	var created string
	if err := sc.Scan(&wt.ID, &wt.RepositoryID, &wt.Branch, &wt.Path, &wt.Source, &created); err != nil {
		return nil, err
	}
	t, err := parseTime("created_at", created)
	if err != nil {
		return nil, err
	}
	wt.CreatedAt = t
	return &wt, nil
}
