package session

import (
	"context"
	"sort"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/logging"
	"github.com/drewfead/canopy/internal/store"
	"github.com/drewfead/canopy/internal/worktree"
)

// RegisterRepository validates path as a git working tree and records it.
// An empty name defaults to the base name of the repository root.
func (m *Manager) RegisterRepository(ctx context.Context, path, name string) (worktree.Repository, error) {
	const op = errs.Op("session.RegisterRepository")

	var repo *worktree.Repository
	err := m.onGit(ctx, func(context.Context) error {
		var err error
		repo, err = worktree.OpenRepository(path, name)
		return err
	})
	if err != nil {
		return worktree.Repository{}, m.report(op, "", err)
	}

	err = m.do(ctx, op, func() error {
		if existing := m.reg.repoByPath(repo.Path); existing != nil {
			return m.fail(op, "", errs.E(op, errs.KindInvalidState, "repository already registered: "+repo.Path))
		}
		rec := &store.Repository{ID: repo.ID, Path: repo.Path, Name: repo.Name, CreatedAt: repo.CreatedAt.UTC()}
		if err := m.store.UpsertRepository(m.ctx, rec); err != nil {
			return m.fail(op, "", errs.E(op, err))
		}
		m.reg.repos[repo.ID] = repo
		logging.Info("repository registered", "repo", repo.Name, "path", repo.Path)
		return nil
	})
	if err != nil {
		return worktree.Repository{}, err
	}
	return *repo, nil
}

// UnregisterRepository forgets a repository. Its worktrees must be removed
// first. The repository itself is never touched.
func (m *Manager) UnregisterRepository(ctx context.Context, ref string) error {
	const op = errs.Op("session.UnregisterRepository")

	return m.do(ctx, op, func() error {
		repo := m.reg.lookupRepo(ref)
		if repo == nil {
			return m.fail(op, "", errs.E(op, errs.KindNotFound, "repository "+ref))
		}
		if n := len(m.reg.worktreesOf(repo.ID)); n > 0 {
			return m.fail(op, "", errs.E(op, errs.KindInvalidState, "repository still has worktrees"))
		}
		if err := m.store.DeleteRepository(m.ctx, repo.ID); err != nil {
			return m.fail(op, "", errs.E(op, err))
		}
		delete(m.reg.repos, repo.ID)
		logging.Info("repository unregistered", "repo", repo.Name)
		return nil
	})
}

// Repositories lists registered repositories by name.
func (m *Manager) Repositories(ctx context.Context) ([]worktree.Repository, error) {
	var out []worktree.Repository
	err := m.do(ctx, "session.Repositories", func() error {
		for _, r := range m.reg.repos {
			out = append(out, *r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path < out[j].Path
	})
	return out, err
}

// Worktrees lists worktrees of one repository, or all when ref is empty.
func (m *Manager) Worktrees(ctx context.Context, repoRef string) ([]worktree.Worktree, error) {
	const op = errs.Op("session.Worktrees")

	var out []worktree.Worktree
	err := m.do(ctx, op, func() error {
		id := ""
		if repoRef != "" {
			repo := m.reg.lookupRepo(repoRef)
			if repo == nil {
				return errs.E(op, errs.KindNotFound, "repository "+repoRef)
			}
			id = repo.ID
		}
		for _, wt := range m.reg.worktreesOf(id) {
			out = append(out, *wt)
		}
		return nil
	})
	return out, err
}

// ListBranches returns the repository's local then remote branches.
func (m *Manager) ListBranches(ctx context.Context, repoRef string) (worktree.Branches, error) {
	const op = errs.Op("session.ListBranches")

	repo, err := m.resolveRepo(ctx, op, repoRef)
	if err != nil {
		return worktree.Branches{}, err
	}

	var branches worktree.Branches
	err = m.onGit(ctx, func(ctx context.Context) error {
		branches, err = m.wt.ListBranches(ctx, &repo)
		return err
	})
	return branches, m.report(op, "", err)
}

// CreateWorktree checks out branch into a new worktree. With ModeNew the
// branch is created from baseRef, or from the repository's HEAD when baseRef
// is empty.
func (m *Manager) CreateWorktree(ctx context.Context, repoRef, branch string, mode worktree.Mode, baseRef string) (worktree.Worktree, error) {
	const op = errs.Op("session.CreateWorktree")

	var repo worktree.Repository
	err := m.do(ctx, op, func() error {
		r := m.reg.lookupRepo(repoRef)
		if r == nil {
			return m.fail(op, "", errs.E(op, errs.KindNotFound, "repository "+repoRef))
		}
		if held := m.reg.worktreeForBranch(r.ID, branch); held != nil {
			return m.fail(op, "", errs.E(op, errs.KindBranchCheckedOut, "branch "+branch+" is already checked out at "+held.Path))
		}
		repo = *r
		return nil
	})
	if err != nil {
		return worktree.Worktree{}, err
	}

	var wt *worktree.Worktree
	err = m.onGit(ctx, func(ctx context.Context) error {
		var err error
		if mode == worktree.ModeNew && baseRef != "" {
			wt, err = m.wt.CreateWorktreeFrom(ctx, &repo, branch, baseRef)
		} else {
			wt, err = m.wt.CreateWorktree(ctx, &repo, branch, mode)
		}
		return err
	})
	if err != nil {
		return worktree.Worktree{}, m.report(op, "", err)
	}

	err = m.do(context.WithoutCancel(ctx), op, func() error {
		if held := m.reg.worktreeForBranch(wt.RepositoryID, wt.Branch); held != nil {
			return m.fail(op, "", errs.E(op, errs.KindBranchCheckedOut, "branch "+wt.Branch+" is already checked out at "+held.Path))
		}
		rec := &store.Worktree{
			ID:           wt.ID,
			RepositoryID: wt.RepositoryID,
			Branch:       wt.Branch,
			Path:         wt.Path,
			Source:       string(wt.Source),
			CreatedAt:    wt.CreatedAt.UTC(),
		}
		if err := m.store.UpsertWorktree(m.ctx, rec); err != nil {
			return m.fail(op, "", errs.E(op, err))
		}
		m.reg.worktrees[wt.ID] = wt
		m.bus.Publish(WorktreeCreated{Worktree: *wt})
		return nil
	})
	if err != nil {
		// Unrecorded worktrees would be invisible; take it back off disk.
		rbErr := m.onGit(context.WithoutCancel(ctx), func(ctx context.Context) error {
			return m.wt.RemoveWorktree(ctx, &repo, wt, true, nil)
		})
		if rbErr != nil {
			logging.Error("failed to roll back worktree", "path", wt.Path, "error", rbErr)
		}
		return worktree.Worktree{}, err
	}
	return *wt, nil
}

// RemoveWorktree deletes a worktree and cascades to its sessions. Active
// sessions make it fail without side effects unless force is set, in which
// case they are closed first.
func (m *Manager) RemoveWorktree(ctx context.Context, ref string, force bool) error {
	const op = errs.Op("session.RemoveWorktree")

	var (
		repo worktree.Repository
		wt   worktree.Worktree
	)
	err := m.do(ctx, op, func() error {
		w := m.reg.lookupWorktree(ref)
		if w == nil {
			return m.fail(op, "", errs.E(op, errs.KindNotFound, "worktree "+ref))
		}
		if m.reg.removing[w.ID] {
			return m.fail(op, "", errs.E(op, errs.KindInvalidState, "worktree removal already in progress"))
		}
		if !force && len(m.reg.activeSessions(w.ID)) > 0 {
			return m.fail(op, "", errs.E(op, w.Path, worktree.ErrWorktreeBusy))
		}
		r := m.reg.repos[w.RepositoryID]
		if r == nil {
			return m.fail(op, "", errs.E(op, errs.KindNotFound, "repository "+w.RepositoryID))
		}
		m.reg.removing[w.ID] = true
		repo, wt = *r, *w
		return nil
	})
	if err != nil {
		return err
	}

	gitErr := m.onGit(ctx, func(ctx context.Context) error {
		return m.wt.RemoveWorktree(ctx, &repo, &wt, force, m)
	})

	return m.do(context.WithoutCancel(ctx), op, func() error {
		delete(m.reg.removing, wt.ID)
		if gitErr != nil {
			return m.fail(op, "", gitErr)
		}

		for _, e := range m.reg.sessionsOf(wt.ID) {
			delete(m.reg.sessions, e.ID)
			m.bus.Publish(SessionDeleted{SessionID: e.ID})
		}
		delete(m.reg.worktrees, wt.ID)

		var storeErr error
		if err := m.store.DeleteWorktree(m.ctx, wt.ID); err != nil {
			storeErr = m.fail(op, "", errs.E(op, err))
		}
		m.bus.Publish(WorktreeRemoved{WorktreeID: wt.ID, RepositoryID: wt.RepositoryID, Path: wt.Path})
		return storeErr
	})
}

// PruneWorktrees drops git's records of worktrees whose directories are gone.
func (m *Manager) PruneWorktrees(ctx context.Context, repoRef string) error {
	const op = errs.Op("session.PruneWorktrees")

	repo, err := m.resolveRepo(ctx, op, repoRef)
	if err != nil {
		return err
	}
	err = m.onGit(ctx, func(ctx context.Context) error {
		return m.wt.Prune(ctx, &repo)
	})
	return m.report(op, "", err)
}

// Checkouts lists every checkout git knows for the repository, including
// ones created outside canopy.
func (m *Manager) Checkouts(ctx context.Context, repoRef string) ([]worktree.Checkout, error) {
	const op = errs.Op("session.Checkouts")

	repo, err := m.resolveRepo(ctx, op, repoRef)
	if err != nil {
		return nil, err
	}
	var out []worktree.Checkout
	err = m.onGit(ctx, func(ctx context.Context) error {
		out, err = m.wt.ListCheckouts(ctx, &repo)
		return err
	})
	return out, m.report(op, "", err)
}

// WorktreeStatus summarizes uncommitted changes in a worktree.
func (m *Manager) WorktreeStatus(ctx context.Context, ref string) (*worktree.Status, error) {
	const op = errs.Op("session.WorktreeStatus")

	wt, err := m.lookupWorktreeCopy(ctx, op, ref)
	if err != nil {
		return nil, err
	}

	var st *worktree.Status
	err = m.onGit(ctx, func(ctx context.Context) error {
		st, err = m.wt.Status(ctx, wt.Path)
		return err
	})
	return st, m.report(op, "", err)
}

// Worktree returns one worktree by id, id prefix, path or branch.
func (m *Manager) Worktree(ctx context.Context, ref string) (worktree.Worktree, error) {
	return m.lookupWorktreeCopy(ctx, "session.Worktree", ref)
}

func (m *Manager) resolveRepo(ctx context.Context, op errs.Op, ref string) (worktree.Repository, error) {
	var repo worktree.Repository
	err := m.do(ctx, op, func() error {
		r := m.reg.lookupRepo(ref)
		if r == nil {
			return m.fail(op, "", errs.E(op, errs.KindNotFound, "repository "+ref))
		}
		repo = *r
		return nil
	})
	return repo, err
}
