package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/runner"
	"github.com/drewfead/canopy/internal/session"
)

func TestShortID(t *testing.T) {
	assert.Equal(t, "3f2a9c1d", shortID("3f2a9c1d-8b7e-4c55-9d0e-1234567890ab"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestErrorLineNamesKind(t *testing.T) {
	line := errorLine(errs.E(errs.Op("session.SendMessage"), errs.KindSessionNotActive, "session 42"))
	assert.Contains(t, line, "session not active:")
	assert.Contains(t, line, "session 42")

	assert.Contains(t, errorLine(errors.New("boom")), "error:")
}

func TestRenderMessage(t *testing.T) {
	ts := time.Date(2026, 1, 2, 15, 4, 0, 0, time.Local)

	user := renderMessage(session.Message{Seq: 1, Role: session.RoleUser, Content: "hello there", Timestamp: ts}, 60)
	assert.Contains(t, user, "you")
	assert.Contains(t, user, "#1 15:04")
	assert.Contains(t, user, "hello there")

	reply := renderMessage(session.Message{Seq: 2, Role: session.RoleAssistant, Content: "**done**", Timestamp: ts}, 60)
	assert.Contains(t, reply, "assistant")
	assert.Contains(t, reply, "done")
}

func TestChatViewSignalsTurns(t *testing.T) {
	var out bytes.Buffer
	v := &chatView{
		out:      &out,
		id:       "s1",
		width:    60,
		ready:    make(chan struct{}),
		turnDone: make(chan struct{}, 1),
		exited:   make(chan struct{}),
	}

	events := make(chan session.Event, 8)
	events <- session.SessionStateChanged{SessionID: "other", To: runner.StateRunning}
	events <- session.SessionStateChanged{SessionID: "s1", From: runner.StateStarting, To: runner.StateRunning}
	events <- session.MessageAppended{Message: session.Message{SessionID: "s1", Seq: 2, Role: session.RoleAssistant, Content: "hi"}}
	events <- session.SessionStateChanged{SessionID: "s1", From: runner.StateRunning, To: runner.StateAwaitingInput}
	code := 0
	events <- session.SessionStateChanged{SessionID: "s1", From: runner.StateAwaitingInput, To: runner.StateTerminated, ExitCode: &code}
	close(events)

	v.consume(events)

	for name, ch := range map[string]chan struct{}{"ready": v.ready, "turnDone": v.turnDone, "exited": v.exited} {
		select {
		case <-ch:
		default:
			t.Fatalf("%s not signalled", name)
		}
	}
	assert.Contains(t, out.String(), "hi")
	assert.True(t, strings.Contains(out.String(), "session ended (exit 0)"))
}
