package worktree

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/logging"
)

// DiffOptions narrows a diff. The zero value is every unstaged change.
type DiffOptions struct {
	Staged bool
	Path   string // limit to one file, relative to the worktree
}

func (o DiffOptions) args(base ...string) []string {
	args := append([]string{"diff"}, base...)
	if o.Staged {
		args = append(args, "--staged")
	}
	if o.Path != "" {
		args = append(args, "--", o.Path)
	}
	return args
}

// Diff returns the unified diff of the worktree at dir.
func (s *Service) Diff(ctx context.Context, dir string, opts DiffOptions) (string, error) {
	out, err := git(ctx, dir, opts.args("--color=never")...)
	if err != nil {
		return "", errs.E(errs.Op("worktree.Diff"), errs.KindGitCommand, err)
	}
	return string(out), nil
}

// DiffStat returns git's --stat summary for the worktree at dir.
func (s *Service) DiffStat(ctx context.Context, dir string, opts DiffOptions) (string, error) {
	out, err := git(ctx, dir, opts.args("--stat", "--color=never")...)
	if err != nil {
		return "", errs.E(errs.Op("worktree.DiffStat"), errs.KindGitCommand, err)
	}
	return string(out), nil
}

// LineKind classifies one line of a hunk.
type LineKind int

const (
	LineContext LineKind = iota
	LineAdded
	LineDeleted
)

// DiffLine is one line of a hunk without its +/-/space prefix.
type DiffLine struct {
	Kind    LineKind
	Content string
}

// Hunk is one @@ section of a file diff.
type Hunk struct {
	Header   string
	OldStart int
	NewStart int
	Lines    []DiffLine
}

// FileDiff is a parsed single-file diff.
type FileDiff struct {
	OldFile   string
	NewFile   string
	Hunks     []Hunk
	Additions int
	Deletions int
	Raw       string
}

// FileDiff returns the parsed diff of one file with three lines of context.
func (s *Service) FileDiff(ctx context.Context, dir, path string, staged bool) (*FileDiff, error) {
	opts := DiffOptions{Staged: staged, Path: path}
	out, err := git(ctx, dir, opts.args("-U3", "--color=never")...)
	if err != nil {
		return nil, errs.E(errs.Op("worktree.FileDiff"), errs.KindGitCommand, err)
	}
	return parseDiff(string(out)), nil
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,\d+)? \+(\d+)(?:,\d+)? @@`)

func parseDiff(raw string) *FileDiff {
	d := &FileDiff{Raw: raw}
	var cur *Hunk

	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "--- ") && cur == nil:
			d.OldFile = strings.TrimPrefix(line, "--- ")
		case strings.HasPrefix(line, "+++ ") && cur == nil:
			d.NewFile = strings.TrimPrefix(line, "+++ ")
		case strings.HasPrefix(line, "@@"):
			d.Hunks = append(d.Hunks, Hunk{Header: line})
			cur = &d.Hunks[len(d.Hunks)-1]
			if m := hunkHeader.FindStringSubmatch(line); m != nil {
				cur.OldStart, _ = strconv.Atoi(m[1])
				cur.NewStart, _ = strconv.Atoi(m[2])
			}
		case cur == nil:
		case strings.HasPrefix(line, "+"):
			cur.Lines = append(cur.Lines, DiffLine{Kind: LineAdded, Content: line[1:]})
			d.Additions++
		case strings.HasPrefix(line, "-"):
			cur.Lines = append(cur.Lines, DiffLine{Kind: LineDeleted, Content: line[1:]})
			d.Deletions++
		case strings.HasPrefix(line, " "):
			cur.Lines = append(cur.Lines, DiffLine{Kind: LineContext, Content: line[1:]})
		}
	}
	return d
}

// ChangedFile is one entry of a worktree's changed-file list.
type ChangedFile struct {
	Path       string
	Status     string // modified, added, deleted, renamed, copied, unknown
	StatusCode string // git's raw code, e.g. M or R100
	Additions  int
	Deletions  int
}

var fileStatus = map[byte]string{
	'M': "modified",
	'A': "added",
	'D': "deleted",
	'R': "renamed",
	'C': "copied",
}

// ChangedFiles lists changed files with line counts. Binary files count as
// zero lines.
func (s *Service) ChangedFiles(ctx context.Context, dir string, staged bool) ([]ChangedFile, error) {
	const op = errs.Op("worktree.ChangedFiles")
	opts := DiffOptions{Staged: staged}

	names, err := git(ctx, dir, opts.args("--name-status")...)
	if err != nil {
		return nil, errs.E(op, errs.KindGitCommand, err)
	}
	stats, err := git(ctx, dir, opts.args("--numstat")...)
	if err != nil {
		return nil, errs.E(op, errs.KindGitCommand, err)
	}

	counts := make(map[string][2]int)
	for _, line := range lines(stats) {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		add, _ := strconv.Atoi(parts[0])
		del, _ := strconv.Atoi(parts[1])
		counts[parts[len(parts)-1]] = [2]int{add, del}
	}

	var files []ChangedFile
	for _, line := range lines(names) {
		parts := strings.Split(line, "\t")
		if len(parts) < 2 || parts[0] == "" {
			continue
		}
		status, ok := fileStatus[parts[0][0]]
		if !ok {
			status = "unknown"
		}
		f := ChangedFile{Path: parts[len(parts)-1], Status: status, StatusCode: parts[0]}
		if c, ok := counts[f.Path]; ok {
			f.Additions, f.Deletions = c[0], c[1]
		}
		files = append(files, f)
	}
	return files, nil
}

// Fetch updates remote-tracking branches from remote, pruning deleted ones
// when prune is set. An empty remote means origin.
func (s *Service) Fetch(ctx context.Context, repo *Repository, remote string, prune bool) error {
	if remote == "" {
		remote = "origin"
	}
	args := []string{"fetch", remote}
	if prune {
		args = append(args, "--prune")
	}
	if _, err := git(ctx, repo.Path, args...); err != nil {
		return errs.E(errs.Op("worktree.Fetch"), errs.KindGitCommand, remote, err)
	}
	logging.Info("fetched", "repo", repo.Name, "remote", remote, "prune", prune)
	return nil
}

// ErrNothingToCheckpoint is returned by StashCreate when the worktree is
// clean.
var ErrNothingToCheckpoint = errs.E(errs.KindInvalidState, "no local changes to checkpoint")

// Stash is one entry of the repository's stash list. Stashes are shared by
// every worktree of a repository; Branch says where each was taken.
type Stash struct {
	Ref     string // stash@{n}
	Branch  string
	Message string
}

// StashCreate stashes the worktree's changes and returns the new stash ref.
func (s *Service) StashCreate(ctx context.Context, dir, message string, includeUntracked bool) (string, error) {
	const op = errs.Op("worktree.StashCreate")

	before, err := git(ctx, dir, "stash", "list", "-1", "--format=%H")
	if err != nil {
		return "", errs.E(op, errs.KindGitCommand, err)
	}

	args := []string{"stash", "push"}
	if message != "" {
		args = append(args, "-m", message)
	}
	if includeUntracked {
		args = append(args, "-u")
	}
	if _, err := git(ctx, dir, args...); err != nil {
		return "", errs.E(op, errs.KindGitCommand, err)
	}

	after, err := git(ctx, dir, "stash", "list", "-1", "--format=%H")
	if err != nil {
		return "", errs.E(op, errs.KindGitCommand, err)
	}
	if strings.TrimSpace(string(after)) == strings.TrimSpace(string(before)) {
		return "", errs.E(op, dir, ErrNothingToCheckpoint)
	}
	return "stash@{0}", nil
}

// StashApply applies ref to the worktree, dropping it afterwards when pop is
// set. An empty ref means the latest stash.
func (s *Service) StashApply(ctx context.Context, dir, ref string, pop bool) error {
	if ref == "" {
		ref = "stash@{0}"
	}
	cmd := "apply"
	if pop {
		cmd = "pop"
	}
	if _, err := git(ctx, dir, "stash", cmd, ref); err != nil {
		return errs.E(errs.Op("worktree.StashApply"), errs.KindGitCommand, ref, err)
	}
	return nil
}

// StashList returns the repository's stashes, newest first.
func (s *Service) StashList(ctx context.Context, dir string) ([]Stash, error) {
	out, err := git(ctx, dir, "stash", "list", "--format=%gd%x1f%gs")
	if err != nil {
		return nil, errs.E(errs.Op("worktree.StashList"), errs.KindGitCommand, err)
	}
	var stashes []Stash
	for _, line := range lines(out) {
		ref, subject, ok := strings.Cut(line, "\x1f")
		if !ok {
			continue
		}
		stashes = append(stashes, parseStashSubject(ref, subject))
	}
	return stashes, nil
}

// parseStashSubject splits "WIP on main: 1a2b3c msg" or "On main: msg".
func parseStashSubject(ref, subject string) Stash {
	st := Stash{Ref: ref}
	where, msg, _ := strings.Cut(subject, ": ")
	switch {
	case strings.HasPrefix(where, "WIP on "):
		st.Branch = strings.TrimPrefix(where, "WIP on ")
	case strings.HasPrefix(where, "On "):
		st.Branch = strings.TrimPrefix(where, "On ")
	default:
		st.Branch = where
	}
	st.Message = msg
	return st
}
