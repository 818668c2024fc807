// Package worktree manages git repositories and the isolated worktrees that
// sessions run in. All operations shell out to git and may block; callers
// run them off any latency-sensitive goroutine.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/logging"
)

// Mode selects whether a worktree checks out an existing branch or creates
// a new one.
type Mode string

const (
	ModeExisting Mode = "existing"
	ModeNew      Mode = "new"
)

// Worktree is an isolated checkout of one branch of a Repository.
type Worktree struct {
	ID           string
	RepositoryID string
	Branch       string
	Path         string
	Source       Mode
	CreatedAt    time.Time
}

// SessionGuard lets the service consult and terminate the sessions bound to
// a worktree before removing it.
type SessionGuard interface {
	ActiveSessions(ctx context.Context, worktreeID string) (int, error)
	TerminateSessions(ctx context.Context, worktreeID string) error
}

// ErrWorktreeBusy is returned by RemoveWorktree when active sessions still
// use the worktree and force was not requested.
var ErrWorktreeBusy = errs.E(errs.KindInvalidState, "worktree has active sessions")

// Service creates and removes worktrees.
type Service struct {
	worktreeDir string

	mu       sync.Mutex
	reserved map[string]bool // paths being created
	pending  map[string]bool // repoPath + "\x00" + branch being created
}

// NewService returns a Service that places worktrees under worktreeDir, or
// next to their repository when worktreeDir is empty.
func NewService(worktreeDir string) *Service {
	return &Service{
		worktreeDir: worktreeDir,
		reserved:    make(map[string]bool),
		pending:     make(map[string]bool),
	}
}

// CreateWorktree checks out branch into a fresh directory. With ModeNew the
// branch is created from the repository's current HEAD.
func (s *Service) CreateWorktree(ctx context.Context, repo *Repository, branch string, mode Mode) (*Worktree, error) {
	return s.create(ctx, repo, branch, mode, "")
}

// CreateWorktreeFrom creates branch from baseRef and checks it out into a
// fresh directory.
func (s *Service) CreateWorktreeFrom(ctx context.Context, repo *Repository, branch, baseRef string) (*Worktree, error) {
	return s.create(ctx, repo, branch, ModeNew, baseRef)
}

func (s *Service) create(ctx context.Context, repo *Repository, branch string, mode Mode, baseRef string) (*Worktree, error) {
	const op = errs.Op("worktree.Create")

	if mode != ModeExisting && mode != ModeNew {
		return nil, errs.E(op, errs.KindInvalidState, fmt.Sprintf("unknown mode %q", mode))
	}
	var tgt target
	if mode == ModeNew {
		if err := ValidateBranchName(ctx, repo.Path, branch); err != nil {
			return nil, errs.E(op, errs.KindGitCommand, err)
		}
		tgt = target{Local: branch}
	} else {
		var err error
		if tgt, err = resolveExisting(ctx, repo.Path, branch); err != nil {
			return nil, errs.E(op, errs.KindGitCommand, err)
		}
	}

	checkouts, err := s.checkouts(ctx, repo)
	if err != nil {
		return nil, errs.E(op, errs.KindGitCommand, err)
	}

	branchKey := repo.Path + "\x00" + tgt.Local
	s.mu.Lock()
	if s.pending[branchKey] || branchCheckedOut(checkouts, tgt.Local) {
		s.mu.Unlock()
		return nil, errs.E(op, errs.KindBranchCheckedOut, fmt.Sprintf("branch %s is already checked out", tgt.Local))
	}
	path := s.allocatePath(repo, tgt.Local, checkouts)
	s.reserved[path] = true
	s.pending[branchKey] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.reserved, path)
		delete(s.pending, branchKey)
		s.mu.Unlock()
	}()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errs.E(op, errs.KindGitCommand, err)
	}

	args := []string{"worktree", "add"}
	switch {
	case mode == ModeNew:
		args = append(args, "-b", branch, path)
		if baseRef != "" {
			args = append(args, baseRef)
		}
	case tgt.Upstream != "":
		args = append(args, "--track", "-b", tgt.Local, path, tgt.Upstream)
	default:
		args = append(args, path, tgt.Local)
	}

	if _, err := git(ctx, repo.Path, args...); err != nil {
		return nil, errs.E(op, errs.KindGitCommand, tgt.Local, err)
	}

	logging.Info("worktree created", "repo", repo.Name, "branch", tgt.Local, "upstream", tgt.Upstream, "path", path, "mode", string(mode))

	return &Worktree{
		ID:           uuid.NewString(),
		RepositoryID: repo.ID,
		Branch:       tgt.Local,
		Path:         path,
		Source:       mode,
		CreatedAt:    time.Now(),
	}, nil
}

// allocatePath derives <base>/<repo>-<branch> and appends -2, -3, ... until
// the path is unused on disk, by git, and by in-flight creations. Callers
// hold s.mu.
func (s *Service) allocatePath(repo *Repository, branch string, checkouts []checkout) string {
	base := s.worktreeDir
	if base == "" {
		base = filepath.Dir(repo.Path)
	}
	stem := filepath.Join(base, repo.Name+"-"+sanitizeBranch(branch))

	known := make(map[string]bool, len(checkouts))
	for _, c := range checkouts {
		known[filepath.Clean(c.Path)] = true
	}

	candidate := stem
	for n := 2; ; n++ {
		if !s.reserved[candidate] && !known[candidate] && !exists(candidate) {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", stem, n)
	}
}

// RemoveWorktree unregisters the worktree and deletes its directory. Active
// sessions block removal unless force is set, in which case they are
// terminated through guard first. guard may be nil.
func (s *Service) RemoveWorktree(ctx context.Context, repo *Repository, wt *Worktree, force bool, guard SessionGuard) error {
	const op = errs.Op("worktree.Remove")

	if guard != nil {
		active, err := guard.ActiveSessions(ctx, wt.ID)
		if err != nil {
			return errs.E(op, err)
		}
		if active > 0 {
			if !force {
				return errs.E(op, errs.KindInvalidState, wt.Path, ErrWorktreeBusy)
			}
			if err := guard.TerminateSessions(ctx, wt.ID); err != nil {
				return errs.E(op, err)
			}
		}
	}

	if !exists(wt.Path) {
		// Directory already gone; drop git's stale registration.
		logging.Warn("worktree directory missing, pruning", "path", wt.Path)
		if _, err := git(ctx, repo.Path, "worktree", "prune"); err != nil {
			return errs.E(op, errs.KindGitCommand, err)
		}
		return nil
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, wt.Path)

	if _, err := git(ctx, repo.Path, args...); err != nil {
		return errs.E(op, errs.KindGitCommand, wt.Path, err)
	}

	logging.Info("worktree removed", "repo", repo.Name, "branch", wt.Branch, "path", wt.Path, "force", force)
	return nil
}

// Prune drops git's administrative entries for worktrees whose directories
// no longer exist.
func (s *Service) Prune(ctx context.Context, repo *Repository) error {
	if _, err := git(ctx, repo.Path, "worktree", "prune"); err != nil {
		return errs.E(errs.Op("worktree.Prune"), errs.KindGitCommand, err)
	}
	return nil
}

// Checkout describes a working tree git knows about for a repository.
type Checkout struct {
	Path     string
	Branch   string
	Head     string
	Primary  bool
	Prunable bool
}

// ListCheckouts returns every working tree registered with git for repo,
// primary checkout first.
func (s *Service) ListCheckouts(ctx context.Context, repo *Repository) ([]Checkout, error) {
	raw, err := s.checkouts(ctx, repo)
	if err != nil {
		return nil, errs.E(errs.Op("worktree.ListCheckouts"), errs.KindGitCommand, err)
	}
	out := make([]Checkout, 0, len(raw))
	for i, c := range raw {
		out = append(out, Checkout{
			Path:     c.Path,
			Branch:   c.Branch,
			Head:     c.Head,
			Primary:  i == 0,
			Prunable: c.Prunable,
		})
	}
	return out, nil
}

func (s *Service) checkouts(ctx context.Context, repo *Repository) ([]checkout, error) {
	out, err := git(ctx, repo.Path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// Status summarizes uncommitted changes in a worktree.
type Status struct {
	Path      string
	Branch    string
	Staged    int
	Modified  int
	Untracked int
	Clean     bool
}

// Status reports the porcelain status counts for the worktree at path.
func (s *Service) Status(ctx context.Context, path string) (*Status, error) {
	const op = errs.Op("worktree.Status")

	out, err := git(ctx, path, "status", "--porcelain")
	if err != nil {
		return nil, errs.E(op, errs.KindGitCommand, err)
	}

	st := &Status{Path: path}
	if branch, err := CurrentBranch(path); err == nil {
		st.Branch = branch
	}

	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 2 {
			continue
		}
		if line[0] == '?' {
			st.Untracked++
			continue
		}
		if line[0] != ' ' {
			st.Staged++
		}
		if line[1] != ' ' {
			st.Modified++
		}
	}
	st.Clean = st.Staged == 0 && st.Modified == 0 && st.Untracked == 0
	return st, nil
}

func branchCheckedOut(checkouts []checkout, branch string) bool {
	for _, c := range checkouts {
		if c.Branch == branch {
			return true
		}
	}
	return false
}

// ValidateBranchName asks git whether name is acceptable as a new branch.
func ValidateBranchName(ctx context.Context, dir, name string) error {
	if name == "" || strings.HasPrefix(name, "-") {
		return fmt.Errorf("invalid branch name %q", name)
	}
	if _, err := git(ctx, dir, "check-ref-format", "--branch", name); err != nil {
		return err
	}
	return nil
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeBranch turns a branch name into a single path component.
func sanitizeBranch(branch string) string {
	return strings.Trim(unsafePathChars.ReplaceAllString(branch, "-"), ".-")
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
