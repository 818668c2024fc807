package worktree

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/google/uuid"

	"github.com/drewfead/canopy/internal/errs"
)

// Repository is a registered git repository root.
type Repository struct {
	ID        string
	Path      string
	Name      string
	CreatedAt time.Time
}

// Branches lists the branch names known to a repository.
type Branches struct {
	Local  []string
	Remote []string
}

// All returns local branches followed by remote branches.
func (b Branches) All() []string {
	out := make([]string, 0, len(b.Local)+len(b.Remote))
	out = append(out, b.Local...)
	return append(out, b.Remote...)
}

// OpenRepository validates that path lies inside a git repository with a
// working tree and returns a Repository rooted at the top of that tree. The
// display name defaults to the root's base name.
func OpenRepository(path, name string) (*Repository, error) {
	const op = errs.Op("worktree.OpenRepository")

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errs.E(op, errs.KindGitCommand, err)
	}

	repo, err := gogit.PlainOpenWithOptions(abs, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, errs.E(op, errs.KindGitCommand, fmt.Sprintf("%s is not a git repository", abs), err)
	}

	wt, err := repo.Worktree()
	if errors.Is(err, gogit.ErrIsBareRepository) {
		return nil, errs.E(op, errs.KindGitCommand, fmt.Sprintf("%s is a bare repository", abs), err)
	}
	if err != nil {
		return nil, errs.E(op, errs.KindGitCommand, err)
	}

	root := wt.Filesystem.Root()
	if name == "" {
		name = filepath.Base(root)
	}

	return &Repository{
		ID:        uuid.NewString(),
		Path:      root,
		Name:      name,
		CreatedAt: time.Now(),
	}, nil
}

// CurrentBranch returns the short name of the branch checked out in dir, or
// an empty string when HEAD is detached.
func CurrentBranch(dir string) (string, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return "", errs.E(errs.Op("worktree.CurrentBranch"), errs.KindGitCommand, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", errs.E(errs.Op("worktree.CurrentBranch"), errs.KindGitCommand, err)
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

// ListBranches returns the repository's local branches followed by its
// remote-tracking branches, skipping symbolic remote HEADs.
func (s *Service) ListBranches(ctx context.Context, repo *Repository) (Branches, error) {
	const op = errs.Op("worktree.ListBranches")

	local, err := git(ctx, repo.Path, "branch", "--format=%(refname)")
	if err != nil {
		return Branches{}, errs.E(op, errs.KindGitCommand, err)
	}
	remote, err := git(ctx, repo.Path, "branch", "-r", "--format=%(refname)")
	if err != nil {
		return Branches{}, errs.E(op, errs.KindGitCommand, err)
	}

	var b Branches
	for _, ref := range lines(local) {
		if name, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
			b.Local = append(b.Local, name)
		}
	}
	for _, ref := range lines(remote) {
		name, ok := strings.CutPrefix(ref, "refs/remotes/")
		if !ok || strings.HasSuffix(name, "/HEAD") {
			continue
		}
		b.Remote = append(b.Remote, name)
	}
	return b, nil
}
