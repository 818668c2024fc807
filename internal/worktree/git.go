package worktree

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/executil"
)

// git runs a git subcommand in dir. Every failure, including a missing git
// binary or directory, comes back as *errs.GitCommandError.
func git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	res, err := executil.Run(ctx, dir, "git", args...)
	if err == nil {
		return res.Stdout, nil
	}

	gerr := &errs.GitCommandError{Args: args, ExitCode: -1}
	var exitErr *executil.ExitError
	if errors.As(err, &exitErr) {
		gerr.ExitCode = exitErr.ExitCode
		gerr.Stderr = exitErr.Stderr
		if gerr.Stderr == "" {
			gerr.Stderr = exitErr.Err.Error()
		}
	} else {
		gerr.Stderr = err.Error()
	}
	return nil, gerr
}

func lines(out []byte) []string {
	var result []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			result = append(result, line)
		}
	}
	return result
}

// target is what an existing-mode checkout resolves to: the local branch
// that will back the worktree and, when that branch does not exist yet, the
// remote-tracking branch it is created from.
type target struct {
	Local    string
	Upstream string
}

// resolveExisting maps a name from ListBranches onto a local branch. A local
// branch wins; "origin/feature-x" resolves to feature-x tracking it; a bare
// name found on exactly one remote resolves the same way git's DWIM does.
func resolveExisting(ctx context.Context, dir, name string) (target, error) {
	if name == "" {
		return target{}, fmt.Errorf("branch name cannot be empty")
	}
	if refExists(ctx, dir, "refs/heads/"+name) {
		return target{Local: name}, nil
	}

	out, err := git(ctx, dir, "remote")
	if err != nil {
		return target{}, err
	}
	remotes := lines(out)

	for _, r := range remotes {
		local, ok := strings.CutPrefix(name, r+"/")
		if !ok || local == "" || !refExists(ctx, dir, "refs/remotes/"+name) {
			continue
		}
		if refExists(ctx, dir, "refs/heads/"+local) {
			return target{Local: local}, nil
		}
		return target{Local: local, Upstream: name}, nil
	}

	var matches []string
	for _, r := range remotes {
		if refExists(ctx, dir, "refs/remotes/"+r+"/"+name) {
			matches = append(matches, r+"/"+name)
		}
	}
	switch len(matches) {
	case 0:
		return target{}, fmt.Errorf("branch %q not found", name)
	case 1:
		return target{Local: name, Upstream: matches[0]}, nil
	default:
		return target{}, fmt.Errorf("branch %q exists on several remotes: %s", name, strings.Join(matches, ", "))
	}
}

func refExists(ctx context.Context, dir, ref string) bool {
	_, err := git(ctx, dir, "show-ref", "--verify", "--quiet", ref)
	return err == nil
}

// checkout is one entry of `git worktree list --porcelain`.
type checkout struct {
	Path     string
	Head     string
	Branch   string // short name, empty when detached
	Bare     bool
	Prunable bool
}

// parsePorcelain parses `git worktree list --porcelain` output. Entries are
// separated by blank lines and the first entry is the primary checkout.
func parsePorcelain(out []byte) []checkout {
	var result []checkout
	var cur *checkout

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			cur = nil
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		if key == "worktree" {
			result = append(result, checkout{Path: value})
			cur = &result[len(result)-1]
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "HEAD":
			cur.Head = value
		case "branch":
			cur.Branch = strings.TrimPrefix(value, "refs/heads/")
		case "bare":
			cur.Bare = true
		case "prunable":
			cur.Prunable = true
		}
	}
	return result
}
