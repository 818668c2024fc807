package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// gitIdentity lets git commands run by the service create commits.
func gitIdentity(t *testing.T) {
	t.Setenv("GIT_AUTHOR_NAME", "canopy")
	t.Setenv("GIT_AUTHOR_EMAIL", "canopy@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "canopy")
	t.Setenv("GIT_COMMITTER_EMAIL", "canopy@example.com")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDiffAndChangedFiles(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	svc := NewService("")

	writeFile(t, filepath.Join(repo.Path, "README.md"), "# app\nsecond line\n")
	writeFile(t, filepath.Join(repo.Path, "new.txt"), "one\ntwo\n")
	runGit(t, repo.Path, "add", "new.txt")

	text, err := svc.Diff(ctx, repo.Path, DiffOptions{})
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if !strings.Contains(text, "+second line") || strings.Contains(text, "new.txt") {
		t.Errorf("unexpected unstaged diff:\n%s", text)
	}

	staged, err := svc.Diff(ctx, repo.Path, DiffOptions{Staged: true})
	if err != nil {
		t.Fatalf("Diff staged failed: %v", err)
	}
	if !strings.Contains(staged, "new.txt") {
		t.Errorf("expected new.txt in staged diff:\n%s", staged)
	}

	stat, err := svc.DiffStat(ctx, repo.Path, DiffOptions{})
	if err != nil {
		t.Fatalf("DiffStat failed: %v", err)
	}
	if !strings.Contains(stat, "README.md") {
		t.Errorf("expected README.md in stat:\n%s", stat)
	}

	files, err := svc.ChangedFiles(ctx, repo.Path, false)
	if err != nil {
		t.Fatalf("ChangedFiles failed: %v", err)
	}
	if len(files) != 1 || files[0].Path != "README.md" || files[0].Status != "modified" || files[0].Additions != 1 {
		t.Errorf("unexpected unstaged files %+v", files)
	}

	files, err = svc.ChangedFiles(ctx, repo.Path, true)
	if err != nil {
		t.Fatalf("ChangedFiles staged failed: %v", err)
	}
	if len(files) != 1 || files[0].Path != "new.txt" || files[0].Status != "added" || files[0].Additions != 2 {
		t.Errorf("unexpected staged files %+v", files)
	}

	fd, err := svc.FileDiff(ctx, repo.Path, "README.md", false)
	if err != nil {
		t.Fatalf("FileDiff failed: %v", err)
	}
	if fd.NewFile != "b/README.md" || fd.Additions != 1 || fd.Deletions != 0 || len(fd.Hunks) != 1 {
		t.Errorf("unexpected file diff %+v", fd)
	}
}

func TestParseDiff(t *testing.T) {
	raw := `diff --git a/x.go b/x.go
index 1111111..2222222 100644
--- a/x.go
+++ b/x.go
@@ -1,3 +1,3 @@
 package x
--- old comment
+// new comment
 func f() {}
@@ -10 +10,2 @@ func g() {
 keep
+added
`
	d := parseDiff(raw)
	if d.OldFile != "a/x.go" || d.NewFile != "b/x.go" {
		t.Errorf("unexpected files %q %q", d.OldFile, d.NewFile)
	}
	if len(d.Hunks) != 2 {
		t.Fatalf("expected 2 hunks, got %d", len(d.Hunks))
	}
	if d.Hunks[1].OldStart != 10 || d.Hunks[1].NewStart != 10 {
		t.Errorf("unexpected hunk starts %+v", d.Hunks[1])
	}
	if d.Additions != 2 || d.Deletions != 1 {
		t.Errorf("expected +2 -1, got +%d -%d", d.Additions, d.Deletions)
	}
	if got := d.Hunks[0].Lines[1]; got.Kind != LineDeleted || got.Content != "-- old comment" {
		t.Errorf("deleted line starting with dashes misparsed: %+v", got)
	}
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	origin := setupRepo(t)
	clone := cloneRepo(t, origin)
	svc := NewService("")

	hasRemote := func(name string) bool {
		b, err := svc.ListBranches(ctx, clone)
		if err != nil {
			t.Fatalf("ListBranches failed: %v", err)
		}
		for _, r := range b.Remote {
			if r == name {
				return true
			}
		}
		return false
	}

	runGit(t, origin.Path, "branch", "later")
	if err := svc.Fetch(ctx, clone, "", true); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !hasRemote("origin/later") {
		t.Error("expected origin/later after fetch")
	}

	runGit(t, origin.Path, "branch", "-D", "later")
	if err := svc.Fetch(ctx, clone, "origin", true); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if hasRemote("origin/later") {
		t.Error("expected origin/later pruned")
	}

	if err := svc.Fetch(ctx, clone, "nowhere", false); err == nil {
		t.Error("expected unknown remote to fail")
	}
}

func TestStashes(t *testing.T) {
	ctx := context.Background()
	gitIdentity(t)
	repo := setupRepo(t)
	svc := NewService("")
	readme := filepath.Join(repo.Path, "README.md")

	if _, err := svc.StashCreate(ctx, repo.Path, "", false); !errors.Is(err, ErrNothingToCheckpoint) {
		t.Fatalf("expected ErrNothingToCheckpoint on a clean tree, got %v", err)
	}

	writeFile(t, readme, "# app\nwork in progress\n")
	ref, err := svc.StashCreate(ctx, repo.Path, "wip", false)
	if err != nil {
		t.Fatalf("StashCreate failed: %v", err)
	}
	if ref != "stash@{0}" {
		t.Errorf("unexpected ref %q", ref)
	}
	if st, err := svc.Status(ctx, repo.Path); err != nil || !st.Clean {
		t.Errorf("expected clean tree after stash, got %+v (%v)", st, err)
	}

	stashes, err := svc.StashList(ctx, repo.Path)
	if err != nil {
		t.Fatalf("StashList failed: %v", err)
	}
	if len(stashes) != 1 || stashes[0].Branch != "main" || stashes[0].Message != "wip" {
		t.Errorf("unexpected stashes %+v", stashes)
	}

	if err := svc.StashApply(ctx, repo.Path, "", true); err != nil {
		t.Fatalf("StashApply failed: %v", err)
	}
	data, err := os.ReadFile(readme)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "work in progress") {
		t.Errorf("changes not restored: %q", data)
	}
	if stashes, _ := svc.StashList(ctx, repo.Path); len(stashes) != 0 {
		t.Errorf("expected stash dropped by pop, got %+v", stashes)
	}

	scratch := filepath.Join(repo.Path, "scratch.txt")
	writeFile(t, scratch, "notes\n")
	if _, err := svc.StashCreate(ctx, repo.Path, "", true); err != nil {
		t.Fatalf("StashCreate with untracked failed: %v", err)
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Errorf("expected untracked file stashed, stat err %v", err)
	}
}

func TestParseStashSubject(t *testing.T) {
	cases := []struct {
		subject string
		want    Stash
	}{
		{"WIP on main: 1a2b3c4 init", Stash{Ref: "stash@{0}", Branch: "main", Message: "1a2b3c4 init"}},
		{"On feature-x: before refactor", Stash{Ref: "stash@{0}", Branch: "feature-x", Message: "before refactor"}},
	}
	for _, tc := range cases {
		if got := parseStashSubject("stash@{0}", tc.subject); got != tc.want {
			t.Errorf("parseStashSubject(%q) = %+v, want %+v", tc.subject, got, tc.want)
		}
	}
}
