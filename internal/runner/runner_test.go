//go:build unix

package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewfead/canopy/internal/errs"
)

// fakeAssistant answers every input line with one text block and a result.
const fakeAssistant = `
printf '%s\n' "$@" > "$ARGS_FILE"
echo '{"type":"system","subtype":"init","session_id":"tok-1"}'
echo 'this line is not json'
while IFS= read -r line; do
  echo '{"type":"assistant","session_id":"tok-1","message":{"content":[{"type":"text","text":"hi"}]}}'
  echo '{"type":"result","subtype":"success","result":"hi","session_id":"tok-1","total_cost_usd":0.01,"duration_ms":20}'
done
exit 0
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func newTestRunner(t *testing.T, body string) (*Runner, string) {
	t.Helper()
	argsFile := filepath.Join(t.TempDir(), "args")
	r := New(Options{
		Command:   writeScript(t, body),
		Env:       []string{"ARGS_FILE=" + argsFile},
		StopGrace: 200 * time.Millisecond,
	})
	t.Cleanup(r.Stop)
	return r, argsFile
}

func next(t *testing.T, r *Runner) Event {
	t.Helper()
	select {
	case ev, ok := <-r.Events():
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runner event")
		return nil
	}
}

func requireClosed(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case ev, ok := <-r.Events():
		require.False(t, ok, "unexpected event after Exited: %#v", ev)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream not closed")
	}
}

func TestRunnerConversation(t *testing.T) {
	r, argsFile := newTestRunner(t, fakeAssistant)
	assert.Equal(t, StateStarting, r.State())

	require.NoError(t, r.Start(context.Background(), t.TempDir(), ""))
	assert.Greater(t, r.PID(), 0)

	assert.Equal(t, StateChanged{From: StateStarting, To: StateRunning}, next(t, r))
	assert.Equal(t, ResumeTokenUpdated{Token: "tok-1"}, next(t, r))

	require.NoError(t, r.Send("hello"))
	assert.Equal(t, Fragment{Text: "hi"}, next(t, r))
	assert.Equal(t, TurnComplete{Result: "hi", CostUSD: 0.01, Duration: 20 * time.Millisecond}, next(t, r))
	assert.Equal(t, StateChanged{From: StateRunning, To: StateAwaitingInput}, next(t, r))
	assert.Equal(t, StateAwaitingInput, r.State())

	require.NoError(t, r.Send("again"))
	assert.Equal(t, StateChanged{From: StateAwaitingInput, To: StateRunning}, next(t, r))
	assert.Equal(t, Fragment{Text: "hi"}, next(t, r), "known token is not re-emitted")
	assert.IsType(t, TurnComplete{}, next(t, r))
	assert.IsType(t, StateChanged{}, next(t, r))

	r.Stop()
	assert.Equal(t, StateTerminated, r.State())
	assert.Equal(t, StateChanged{From: StateAwaitingInput, To: StateTerminated}, next(t, r))
	assert.IsType(t, Exited{}, next(t, r))
	requireClosed(t, r)

	r.Stop()
	err := r.Send("late")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidState))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.NotContains(t, string(args), "--resume")
}

func TestRunnerPassesResumeToken(t *testing.T) {
	r, argsFile := newTestRunner(t, fakeAssistant)
	require.NoError(t, r.Start(context.Background(), t.TempDir(), "tok-1"))

	assert.IsType(t, StateChanged{}, next(t, r))
	require.NoError(t, r.Send("hello"))
	assert.Equal(t, Fragment{Text: "hi"}, next(t, r), "resumed token is already known")

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "--resume\ntok-1\n")
}

func TestRunnerSpawnFailure(t *testing.T) {
	r := New(Options{Command: filepath.Join(t.TempDir(), "missing-claude")})

	err := r.Start(context.Background(), t.TempDir(), "")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProcessSpawn))
	assert.Equal(t, StateTerminated, r.State())

	assert.Equal(t, StateChanged{From: StateStarting, To: StateTerminated}, next(t, r))
	exited, ok := next(t, r).(Exited)
	require.True(t, ok)
	assert.Equal(t, -1, exited.Code)
	requireClosed(t, r)

	err = r.Start(context.Background(), t.TempDir(), "")
	assert.True(t, errs.Is(err, errs.KindInvalidState), "runners are single use")
	assert.NotErrorIs(t, err, ErrStopped)
}

func TestRunnerProcessCrash(t *testing.T) {
	r, _ := newTestRunner(t, "read line\necho 'boom' >&2\nexit 3\n")
	require.NoError(t, r.Start(context.Background(), t.TempDir(), ""))
	assert.IsType(t, StateChanged{}, next(t, r))

	require.NoError(t, r.Send("hello"))
	assert.Equal(t, StateChanged{From: StateRunning, To: StateTerminated}, next(t, r))
	assert.Equal(t, Exited{Code: 3}, next(t, r))
	requireClosed(t, r)

	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Equal(t, 3, r.ExitCode())
}

func TestRunnerStopEscalatesToKill(t *testing.T) {
	r, _ := newTestRunner(t, "trap '' TERM\nwhile :; do sleep 0.1; done\n")
	require.NoError(t, r.Start(context.Background(), t.TempDir(), ""))
	assert.IsType(t, StateChanged{}, next(t, r))

	start := time.Now()
	r.Stop()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateTerminated, r.State())
	assert.Equal(t, -1, r.ExitCode())
}

func TestRunnerInvalidTransitions(t *testing.T) {
	t.Run("SendBeforeStart", func(t *testing.T) {
		r := New(Options{})
		err := r.Send("hi")
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindInvalidState))
	})

	t.Run("StopBeforeStart", func(t *testing.T) {
		r := New(Options{})
		r.Stop()
		assert.Equal(t, StateTerminated, r.State())
		assert.Equal(t, StateChanged{From: StateStarting, To: StateTerminated}, next(t, r))
		assert.IsType(t, Exited{}, next(t, r))
		requireClosed(t, r)

		err := r.Start(context.Background(), t.TempDir(), "")
		assert.ErrorIs(t, err, ErrStopped)
		assert.True(t, errs.Is(err, errs.KindInvalidState))
	})
}

func TestParseState(t *testing.T) {
	for _, st := range []State{StateStarting, StateRunning, StateAwaitingInput, StateTerminated} {
		got, ok := ParseState(st.String())
		require.True(t, ok)
		assert.Equal(t, st, got)
	}
	_, ok := ParseState("zombie")
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(State(42).String(), "state("))
}
