//go:build unix

package claudecode

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewfead/canopy/internal/executil"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestSpawnEchoesInput(t *testing.T) {
	// Echo each stdin line back on stdout, then exit 7 on EOF.
	script := writeScript(t, "while IFS= read -r line; do printf '%s\\n' \"$line\"; done\nexit 7\n")
	workDir := t.TempDir()

	p, err := Spawn(context.Background(), &SpawnOptions{Command: script, WorkDir: workDir})
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)

	go io.Copy(io.Discard, p.Stderr())

	require.NoError(t, p.SendUserTurn("ping"))
	sc := bufio.NewScanner(p.Stdout())
	require.True(t, sc.Scan())
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"ping"}}`, sc.Text())

	require.NoError(t, p.CloseInput())
	require.NoError(t, p.CloseInput(), "closing twice is a no-op")
	assert.Error(t, p.SendUserTurn("late"))

	for sc.Scan() {
	}
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Wait")
	}
}

func TestSpawnRunsInWorkDir(t *testing.T) {
	script := writeScript(t, "pwd -P\n")
	workDir := t.TempDir()

	p, err := Spawn(context.Background(), &SpawnOptions{Command: script, WorkDir: workDir})
	require.NoError(t, err)
	go io.Copy(io.Discard, p.Stderr())

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	_, err = p.Wait()
	require.NoError(t, err)

	want, _ := filepath.EvalSymlinks(workDir)
	assert.Equal(t, want+"\n", string(out))
}

func TestSpawnMissingExecutable(t *testing.T) {
	_, err := Spawn(context.Background(), &SpawnOptions{Command: filepath.Join(t.TempDir(), "no-such-claude")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, executil.ErrNotFound))
}

func TestTerminateStopsProcessGroup(t *testing.T) {
	script := writeScript(t, "sleep 30 &\nwait\n")
	p, err := Spawn(context.Background(), &SpawnOptions{Command: script, WorkDir: t.TempDir()})
	require.NoError(t, err)

	go io.Copy(io.Discard, p.Stderr())
	go io.Copy(io.Discard, p.Stdout())

	require.NoError(t, p.Terminate())

	waited := make(chan int, 1)
	go func() {
		code, _ := p.Wait()
		waited <- code
	}()
	select {
	case code := <-waited:
		assert.Equal(t, -1, code, "signalled process reports -1")
	case <-time.After(5 * time.Second):
		p.Kill()
		t.Fatal("process did not exit after SIGTERM")
	}
}
