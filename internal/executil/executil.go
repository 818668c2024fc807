// Package executil runs external commands (git, the assistant CLI) with a
// sanitized PATH and captured diagnostics.
package executil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var trustedDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
	"/opt/homebrew/bin",
}

// ErrNotFound is returned when an executable cannot be resolved.
var ErrNotFound = errors.New("executable not found")

// CommandContext builds an exec.Cmd for name using a sanitized PATH.
func CommandContext(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	dirs := searchDirs()
	path, err := Resolve(name, dirs...)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = withPath(os.Environ(), dirs)
	return cmd, nil
}

// Resolve locates name. Absolute paths and paths containing a separator are
// checked directly; bare names are searched in dirs (or the sanitized PATH
// when dirs is empty).
func Resolve(name string, dirs ...string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		p := filepath.Clean(name)
		if isExecutable(p) {
			return p, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if len(dirs) == 0 {
		dirs = searchDirs()
	}
	for _, dir := range dirs {
		p := filepath.Join(dir, name)
		if isExecutable(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w in safe PATH: %s", ErrNotFound, name)
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
}

// Run executes name in dir and captures stdout and stderr. A non-zero exit is
// returned as an *ExitError carrying the trimmed stderr text.
func Run(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	cmd, err := CommandContext(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := &Result{
		Stdout: stdout.Bytes(),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		return res, &ExitError{Name: name, Args: args, Result: res, Err: runErr}
	}
	return res, nil
}

// ExitError reports a command that could not run or exited non-zero.
type ExitError struct {
	Name string
	Args []string
	*Result
	Err error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s %s: %s", e.Name, strings.Join(e.Args, " "), e.Stderr)
	}
	return fmt.Sprintf("%s %s: %v", e.Name, strings.Join(e.Args, " "), e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// searchDirs returns the trusted directories followed by PATH entries that
// are absolute, existing and not group/world writable.
func searchDirs() []string {
	seen := make(map[string]bool)
	var dirs []string

	add := func(dir string) {
		dir = filepath.Clean(dir)
		if dir == "" || !filepath.IsAbs(dir) || seen[dir] {
			return
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() || info.Mode().Perm()&0o022 != 0 {
			return
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}

	for _, dir := range trustedDirs {
		add(dir)
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		add(dir)
	}
	return dirs
}

func withPath(env, dirs []string) []string {
	if len(dirs) == 0 {
		return env
	}
	out := make([]string, 0, len(env)+1)
	for _, entry := range env {
		if !strings.HasPrefix(entry, "PATH=") {
			out = append(out, entry)
		}
	}
	return append(out, "PATH="+strings.Join(dirs, string(os.PathListSeparator)))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
