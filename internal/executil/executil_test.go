package executil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-tool")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	plain := filepath.Join(dir, "not-exec")
	if err := os.WriteFile(plain, []byte("data"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	t.Run("AbsolutePath", func(t *testing.T) {
		got, err := Resolve(script)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got != script {
			t.Errorf("expected %s, got %s", script, got)
		}
	})

	t.Run("SearchDirs", func(t *testing.T) {
		got, err := Resolve("fake-tool", dir)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got != script {
			t.Errorf("expected %s, got %s", script, got)
		}
	})

	t.Run("NotExecutable", func(t *testing.T) {
		_, err := Resolve(plain)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := Resolve("definitely-not-a-real-binary-canopy", dir)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("CapturesStdout", func(t *testing.T) {
		res, err := Run(ctx, t.TempDir(), "/bin/sh", "-c", "echo hello")
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if string(res.Stdout) != "hello\n" {
			t.Errorf("unexpected stdout %q", res.Stdout)
		}
	})

	t.Run("NonZeroExitCarriesStderr", func(t *testing.T) {
		_, err := Run(ctx, t.TempDir(), "/bin/sh", "-c", "echo 'fatal: nope' >&2; exit 3")
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("expected ExitError, got %v", err)
		}
		if exitErr.ExitCode != 3 {
			t.Errorf("expected exit code 3, got %d", exitErr.ExitCode)
		}
		if exitErr.Stderr != "fatal: nope" {
			t.Errorf("unexpected stderr %q", exitErr.Stderr)
		}
	})

	t.Run("RunsInDir", func(t *testing.T) {
		dir := t.TempDir()
		res, err := Run(ctx, dir, "/bin/sh", "-c", "pwd -P")
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		want, _ := filepath.EvalSymlinks(dir)
		if got := string(res.Stdout); got != want+"\n" {
			t.Errorf("expected %q, got %q", want, got)
		}
	})
}
