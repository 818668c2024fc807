package session

import (
	"context"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/worktree"
)

// lookupWorktreeCopy resolves ref on the coordinator and returns a copy for
// use off it.
func (m *Manager) lookupWorktreeCopy(ctx context.Context, op errs.Op, ref string) (worktree.Worktree, error) {
	var out worktree.Worktree
	err := m.do(ctx, op, func() error {
		wt := m.reg.lookupWorktree(ref)
		if wt == nil {
			return errs.E(op, errs.KindNotFound, "worktree "+ref)
		}
		out = *wt
		return nil
	})
	return out, err
}

// Diff returns the worktree's unified diff, or git's --stat summary when
// stat is set.
func (m *Manager) Diff(ctx context.Context, ref string, opts worktree.DiffOptions, stat bool) (string, error) {
	const op = errs.Op("session.Diff")

	wt, err := m.lookupWorktreeCopy(ctx, op, ref)
	if err != nil {
		return "", err
	}
	var out string
	err = m.onGit(ctx, func(ctx context.Context) error {
		if stat {
			out, err = m.wt.DiffStat(ctx, wt.Path, opts)
		} else {
			out, err = m.wt.Diff(ctx, wt.Path, opts)
		}
		return err
	})
	return out, m.report(op, "", err)
}

// FileDiff returns the parsed diff of one file in the worktree.
func (m *Manager) FileDiff(ctx context.Context, ref, path string, staged bool) (*worktree.FileDiff, error) {
	const op = errs.Op("session.FileDiff")

	wt, err := m.lookupWorktreeCopy(ctx, op, ref)
	if err != nil {
		return nil, err
	}
	var out *worktree.FileDiff
	err = m.onGit(ctx, func(ctx context.Context) error {
		out, err = m.wt.FileDiff(ctx, wt.Path, path, staged)
		return err
	})
	return out, m.report(op, "", err)
}

// ChangedFiles lists the worktree's changed files with line counts.
func (m *Manager) ChangedFiles(ctx context.Context, ref string, staged bool) ([]worktree.ChangedFile, error) {
	const op = errs.Op("session.ChangedFiles")

	wt, err := m.lookupWorktreeCopy(ctx, op, ref)
	if err != nil {
		return nil, err
	}
	var out []worktree.ChangedFile
	err = m.onGit(ctx, func(ctx context.Context) error {
		out, err = m.wt.ChangedFiles(ctx, wt.Path, staged)
		return err
	})
	return out, m.report(op, "", err)
}

// Fetch updates the repository's remote-tracking branches.
func (m *Manager) Fetch(ctx context.Context, repoRef, remote string, prune bool) error {
	const op = errs.Op("session.Fetch")

	repo, err := m.resolveRepo(ctx, op, repoRef)
	if err != nil {
		return err
	}
	err = m.onGit(ctx, func(ctx context.Context) error {
		return m.wt.Fetch(ctx, &repo, remote, prune)
	})
	return m.report(op, "", err)
}

// CreateCheckpoint stashes the worktree's uncommitted changes. The assistant
// edits files while a session runs, so active sessions block it.
func (m *Manager) CreateCheckpoint(ctx context.Context, ref, message string, includeUntracked bool) (string, error) {
	const op = errs.Op("session.CreateCheckpoint")

	var wt worktree.Worktree
	err := m.do(ctx, op, func() error {
		w := m.reg.lookupWorktree(ref)
		if w == nil {
			return m.fail(op, "", errs.E(op, errs.KindNotFound, "worktree "+ref))
		}
		if len(m.reg.activeSessions(w.ID)) > 0 {
			return m.fail(op, "", errs.E(op, w.Path, worktree.ErrWorktreeBusy))
		}
		wt = *w
		return nil
	})
	if err != nil {
		return "", err
	}

	var stashRef string
	err = m.onGit(ctx, func(ctx context.Context) error {
		stashRef, err = m.wt.StashCreate(ctx, wt.Path, message, includeUntracked)
		return err
	})
	return stashRef, m.report(op, "", err)
}

// RestoreCheckpoint applies a stash to the worktree; an empty stashRef means
// the newest checkpoint. With pop the stash is dropped afterwards.
func (m *Manager) RestoreCheckpoint(ctx context.Context, ref, stashRef string, pop bool) error {
	const op = errs.Op("session.RestoreCheckpoint")

	wt, err := m.lookupWorktreeCopy(ctx, op, ref)
	if err != nil {
		return err
	}
	err = m.onGit(ctx, func(ctx context.Context) error {
		return m.wt.StashApply(ctx, wt.Path, stashRef, pop)
	})
	return m.report(op, "", err)
}

// Checkpoints lists the stashes taken on the worktree's branch, newest
// first.
func (m *Manager) Checkpoints(ctx context.Context, ref string) ([]worktree.Stash, error) {
	const op = errs.Op("session.Checkpoints")

	wt, err := m.lookupWorktreeCopy(ctx, op, ref)
	if err != nil {
		return nil, err
	}
	var all []worktree.Stash
	err = m.onGit(ctx, func(ctx context.Context) error {
		all, err = m.wt.StashList(ctx, wt.Path)
		return err
	})
	if err != nil {
		return nil, m.report(op, "", err)
	}

	var out []worktree.Stash
	for _, st := range all {
		if st.Branch == wt.Branch {
			out = append(out, st)
		}
	}
	return out, nil
}
