package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestE(t *testing.T) {
	t.Run("ContextOnly", func(t *testing.T) {
		err := E(Op("session.Send"), KindSessionNotActive, "no runner bound")
		if got := err.Error(); got != "session.Send: no runner bound" {
			t.Errorf("unexpected message %q", got)
		}
		if !Is(err, KindSessionNotActive) {
			t.Errorf("expected KindSessionNotActive, got %v", KindOf(err))
		}
	})

	t.Run("WrapsUnderlying", func(t *testing.T) {
		base := &GitCommandError{Args: []string{"worktree", "add"}, ExitCode: 128, Stderr: "fatal: invalid reference"}
		err := E(Op("worktree.Create"), KindGitCommand, "feature-x", base)

		var gitErr *GitCommandError
		if !errors.As(err, &gitErr) {
			t.Fatal("expected GitCommandError in chain")
		}
		if gitErr.Stderr != "fatal: invalid reference" {
			t.Errorf("unexpected stderr %q", gitErr.Stderr)
		}
	})

	t.Run("KindSurvivesFmtWrap", func(t *testing.T) {
		err := fmt.Errorf("open session: %w", E(KindProcessSpawn, "claude not found"))
		if !Is(err, KindProcessSpawn) {
			t.Errorf("expected KindProcessSpawn, got %v", KindOf(err))
		}
	})

	t.Run("NestedOuterKindWins", func(t *testing.T) {
		inner := E(KindStore, "disk full")
		outer := E(Op("session.Append"), inner)
		if KindOf(outer) != KindStore {
			t.Errorf("expected inner kind to surface, got %v", KindOf(outer))
		}
	})

	t.Run("PlainError", func(t *testing.T) {
		if KindOf(errors.New("boom")) != KindUnknown {
			t.Error("plain errors should be KindUnknown")
		}
	})
}

func TestGitCommandErrorMessage(t *testing.T) {
	err := &GitCommandError{Args: []string{"worktree", "remove", "/tmp/x"}, ExitCode: 1}
	if got := err.Error(); got != "git worktree remove /tmp/x: exit status 1" {
		t.Errorf("unexpected message %q", got)
	}
}
