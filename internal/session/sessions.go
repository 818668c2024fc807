package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/logging"
	"github.com/drewfead/canopy/internal/runner"
	"github.com/drewfead/canopy/internal/store"
)

// fragmentSeparator joins the text fragments of one assistant turn.
const fragmentSeparator = "\n\n"

// OpenSession starts a runner on the worktree. With an empty resumeID a new
// session is created; otherwise the named terminated session is reopened
// with its history and resume token. The returned snapshot is Starting; the
// move to Running, or the spawn failure, arrives as events.
func (m *Manager) OpenSession(ctx context.Context, worktreeRef, resumeID string) (Session, error) {
	const op = errs.Op("session.OpenSession")

	var (
		snap  Session
		r     *runner.Runner
		drain chan struct{}
		path  string
		token string
	)
	err := m.do(ctx, op, func() error {
		wt := m.reg.lookupWorktree(worktreeRef)
		if wt == nil {
			return m.fail(op, resumeID, errs.E(op, errs.KindNotFound, "worktree "+worktreeRef))
		}
		if m.reg.removing[wt.ID] {
			return m.fail(op, resumeID, errs.E(op, errs.KindInvalidState, "worktree is being removed"))
		}
		if !dirExists(wt.Path) {
			return m.fail(op, resumeID, errs.E(op, errs.KindNotFound, "worktree directory missing: "+wt.Path))
		}

		now := m.now().UTC()
		var e *entry
		if resumeID != "" {
			e = m.reg.lookupSession(resumeID)
			switch {
			case e == nil:
				return m.fail(op, resumeID, errs.E(op, errs.KindNotFound, "session "+resumeID))
			case e.runner != nil || e.State != runner.StateTerminated:
				return m.fail(op, e.ID, errs.E(op, errs.KindInvalidState, "session is already active"))
			case e.WorktreeID != wt.ID:
				return m.fail(op, e.ID, errs.E(op, errs.KindInvalidState, "session belongs to another worktree"))
			}
			e.ExitCode = nil
			e.Orphaned = false
		} else {
			e = &entry{Session: Session{
				ID:             uuid.NewString(),
				WorktreeID:     wt.ID,
				Name:           "Session " + now.Local().Format("15:04"),
				State:          runner.StateStarting,
				CreatedAt:      now,
				LastActivityAt: now,
			}}
		}

		opts := m.runnerOpts
		opts.SessionID = e.ID
		r = runner.New(opts)
		drain = make(chan struct{})
		path, token = wt.Path, e.ResumeToken

		if resumeID != "" {
			e.runner, e.drained = r, drain
			m.setState(e, runner.StateStarting, nil)
		} else {
			if err := m.store.UpsertSessionMetadata(m.ctx, m.toStoreSession(e)); err != nil {
				return m.fail(op, e.ID, errs.E(op, err))
			}
			e.runner, e.drained = r, drain
			m.reg.sessions[e.ID] = e
			m.bus.Publish(SessionCreated{Session: e.snapshot()})
		}

		logging.Info("opening session", "session_id", e.ID, "worktree", wt.Path, "resume", token != "")
		snap = e.snapshot()
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	go m.pump(snap.ID, r, drain)
	go func() {
		err := r.Start(m.ctx, path, token)
		if errors.Is(err, runner.ErrStopped) {
			logging.Debug("session closed before the assistant started", "session_id", snap.ID)
			return
		}
		if err != nil {
			logging.Warn("assistant failed to start", "session_id", snap.ID, "error", err)
			m.report(op, snap.ID, err)
		}
	}()
	return snap, nil
}

// CloseSession stops the session's runner and returns once the session is
// Terminated. Closing a terminated session is a no-op.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	const op = errs.Op("session.CloseSession")

	var (
		r     *runner.Runner
		drain chan struct{}
	)
	err := m.do(ctx, op, func() error {
		e := m.reg.lookupSession(id)
		if e == nil {
			return m.fail(op, id, errs.E(op, errs.KindNotFound, "session "+id))
		}
		r, drain = e.runner, e.drained
		return nil
	})
	if err != nil || r == nil {
		return err
	}

	r.Stop()
	select {
	case <-drain:
		return nil
	case <-ctx.Done():
		return errs.E(op, ctx.Err())
	}
}

// SendMessage persists a user message and forwards it to the runner. It
// fails with KindSessionNotActive when no runner is bound and with
// KindInvalidState while the runner is still starting.
func (m *Manager) SendMessage(ctx context.Context, id, text string) (Message, error) {
	const op = errs.Op("session.SendMessage")

	// Holding the session's send lock from sequence assignment through the
	// stdin write keeps the assistant's input in sequence order.
	var sendMu *sync.Mutex
	err := m.do(ctx, op, func() error {
		e := m.reg.lookupSession(id)
		if e == nil {
			return m.fail(op, id, errs.E(op, errs.KindNotFound, "session "+id))
		}
		sendMu = &e.sendMu
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	sendMu.Lock()
	defer sendMu.Unlock()

	var (
		r   *runner.Runner
		msg Message
		sid string
	)
	err = m.do(ctx, op, func() error {
		e := m.reg.lookupSession(id)
		if e == nil {
			return m.fail(op, id, errs.E(op, errs.KindNotFound, "session "+id))
		}
		sid = e.ID
		if e.runner == nil {
			return m.fail(op, sid, errs.E(op, errs.KindSessionNotActive, "session "+sid))
		}
		if e.State != runner.StateRunning && e.State != runner.StateAwaitingInput {
			return m.fail(op, sid, errs.E(op, errs.KindInvalidState, "session is "+e.State.String()))
		}
		if strings.TrimSpace(text) == "" {
			return m.fail(op, sid, errs.E(op, errs.KindInvalidState, "empty message"))
		}

		var err error
		if msg, err = m.appendMessage(e, RoleUser, text); err != nil {
			return m.fail(op, sid, err)
		}
		r = e.runner
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	if err := r.Send(text); err != nil {
		return msg, m.report(op, sid, err)
	}
	return msg, nil
}

// DeleteSession removes a terminated session and its history.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	const op = errs.Op("session.DeleteSession")

	return m.do(ctx, op, func() error {
		e := m.reg.lookupSession(id)
		if e == nil {
			return m.fail(op, id, errs.E(op, errs.KindNotFound, "session "+id))
		}
		if e.runner != nil || e.State != runner.StateTerminated {
			return m.fail(op, e.ID, errs.E(op, errs.KindInvalidState, "close the session before deleting it"))
		}
		if err := m.store.DeleteSession(m.ctx, e.ID); err != nil {
			return m.fail(op, e.ID, errs.E(op, err))
		}
		delete(m.reg.sessions, e.ID)
		m.bus.Publish(SessionDeleted{SessionID: e.ID})
		logging.Info("session deleted", "session_id", e.ID)
		return nil
	})
}

// Sessions lists sessions on a worktree, oldest first. An empty ref lists
// every session.
func (m *Manager) Sessions(ctx context.Context, worktreeRef string) ([]Session, error) {
	const op = errs.Op("session.Sessions")

	var out []Session
	err := m.do(ctx, op, func() error {
		id := ""
		if worktreeRef != "" {
			wt := m.reg.lookupWorktree(worktreeRef)
			if wt == nil {
				return errs.E(op, errs.KindNotFound, "worktree "+worktreeRef)
			}
			id = wt.ID
		}
		for _, e := range m.reg.sessionsOf(id) {
			out = append(out, e.snapshot())
		}
		return nil
	})
	return out, err
}

// Session returns one session by id or unique id prefix.
func (m *Manager) Session(ctx context.Context, id string) (Session, error) {
	const op = errs.Op("session.Session")

	var out Session
	err := m.do(ctx, op, func() error {
		e := m.reg.lookupSession(id)
		if e == nil {
			return errs.E(op, errs.KindNotFound, "session "+id)
		}
		out = e.snapshot()
		return nil
	})
	return out, err
}

// Messages returns a session's history in sequence order.
func (m *Manager) Messages(ctx context.Context, id string) ([]Message, error) {
	const op = errs.Op("session.Messages")

	var out []Message
	err := m.do(ctx, op, func() error {
		e := m.reg.lookupSession(id)
		if e == nil {
			return errs.E(op, errs.KindNotFound, "session "+id)
		}
		out = append([]Message(nil), e.messages...)
		return nil
	})
	return out, err
}

// pump forwards runner events to the coordinator until the stream ends.
func (m *Manager) pump(id string, r *runner.Runner, drained chan struct{}) {
	defer close(drained)
	for ev := range r.Events() {
		m.do(m.ctx, "session.runnerEvent", func() error {
			m.handleRunnerEvent(id, r, ev)
			return nil
		})
	}
}

// handleRunnerEvent applies one runner event. Coordinator only.
func (m *Manager) handleRunnerEvent(id string, r *runner.Runner, ev runner.Event) {
	const op = errs.Op("session.runnerEvent")

	e := m.reg.sessions[id]
	if e == nil || e.runner != r {
		return
	}

	switch ev := ev.(type) {
	case runner.StateChanged:
		// Termination is recorded on Exited, which carries the exit code.
		if ev.To != runner.StateTerminated {
			m.setState(e, ev.To, nil)
		}

	case runner.Fragment:
		e.pending = append(e.pending, ev.Text)

	case runner.TurnComplete:
		text := strings.Join(e.pending, fragmentSeparator)
		e.pending = nil
		if strings.TrimSpace(text) == "" {
			text = ev.Result
		}
		if ev.IsError {
			m.fail(op, e.ID, errs.E(op, errs.KindAssistant, "turn ended with an error"))
		}
		if strings.TrimSpace(text) == "" {
			return
		}
		if _, err := m.appendMessage(e, RoleAssistant, text); err != nil {
			logging.Error("failed to persist assistant message", "session_id", e.ID, "error", err)
			m.fail(op, e.ID, err)
		}

	case runner.ResumeTokenUpdated:
		e.ResumeToken = ev.Token
		m.persist(op, e)

	case runner.AssistantError:
		m.fail(op, e.ID, errs.E(op, errs.KindAssistant, ev.Message))

	case runner.Exited:
		if len(e.pending) > 0 {
			logging.Warn("discarding incomplete assistant turn", "session_id", e.ID, "fragments", len(e.pending))
			e.pending = nil
		}
		if ev.Err != nil {
			logging.Warn("assistant wait failed", "session_id", e.ID, "error", ev.Err)
		}
		code := ev.Code
		e.runner, e.drained = nil, nil
		m.setState(e, runner.StateTerminated, &code)
		logging.Info("session terminated", "session_id", e.ID, "exit_code", code)
	}
}

// setState records a transition, persists it and publishes it.
func (m *Manager) setState(e *entry, to runner.State, exitCode *int) {
	from := e.State
	if exitCode != nil {
		e.ExitCode = exitCode
	}
	if from == to && exitCode == nil {
		return
	}
	e.State = to
	e.LastActivityAt = m.now().UTC()
	m.persist("session.setState", e)
	m.bus.Publish(SessionStateChanged{SessionID: e.ID, From: from, To: to, ExitCode: exitCode})
}

func (m *Manager) persist(op errs.Op, e *entry) {
	if err := m.store.UpsertSessionMetadata(m.ctx, m.toStoreSession(e)); err != nil {
		logging.Error("failed to persist session", "session_id", e.ID, "error", err)
		m.fail(op, e.ID, err)
	}
}

// appendMessage assigns the next sequence number, persists the message and
// publishes it. The sequence only advances on a successful write.
func (m *Manager) appendMessage(e *entry, role Role, text string) (Message, error) {
	msg := Message{
		SessionID: e.ID,
		Seq:       e.lastSeq + 1,
		Role:      role,
		Content:   text,
		Timestamp: m.now().UTC(),
	}
	if err := m.store.AppendMessage(m.ctx, e.ID, toStoreMessage(msg)); err != nil {
		return Message{}, err
	}
	e.lastSeq = msg.Seq
	e.messages = append(e.messages, msg)
	if msg.Timestamp.After(e.LastActivityAt) {
		e.LastActivityAt = msg.Timestamp
	}
	m.bus.Publish(MessageAppended{Message: msg})
	return msg, nil
}

func (m *Manager) toStoreSession(e *entry) *store.Session {
	return &store.Session{
		ID:             e.ID,
		WorktreeID:     e.WorktreeID,
		Name:           e.Name,
		State:          e.State.String(),
		ResumeToken:    e.ResumeToken,
		ExitCode:       e.ExitCode,
		CreatedAt:      e.CreatedAt,
		LastActivityAt: e.LastActivityAt,
	}
}

func toStoreMessage(msg Message) *store.Message {
	return &store.Message{
		SessionID: msg.SessionID,
		Seq:       msg.Seq,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
}

func fromStoreMessage(msg *store.Message) Message {
	return Message{
		SessionID: msg.SessionID,
		Seq:       msg.Seq,
		Role:      Role(msg.Role),
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
}
