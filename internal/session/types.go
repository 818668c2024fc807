package session

import (
	"time"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/runner"
	"github.com/drewfead/canopy/internal/worktree"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is a snapshot of one conversation.
type Session struct {
	ID             string
	WorktreeID     string
	Name           string
	State          runner.State
	ResumeToken    string
	ExitCode       *int
	CreatedAt      time.Time
	LastActivityAt time.Time
	MessageCount   int

	// Active is true while a runner is bound to the session.
	Active bool
	// Orphaned marks sessions whose worktree directory was missing at
	// startup. History stays readable; resuming fails until the directory
	// exists again.
	Orphaned bool
}

// Message is one immutable turn.
type Message struct {
	SessionID string
	Seq       int64
	Role      Role
	Content   string
	Timestamp time.Time
}

// Event is published to subscribers. Implementations: SessionCreated,
// SessionStateChanged, SessionDeleted, MessageAppended, WorktreeCreated,
// WorktreeRemoved, OperationFailed.
type Event interface {
	sessionEvent()
}

type SessionCreated struct {
	Session Session
}

// SessionStateChanged reports a lifecycle transition. ExitCode is set when
// To is Terminated and the process exited.
type SessionStateChanged struct {
	SessionID string
	From, To  runner.State
	ExitCode  *int
}

type SessionDeleted struct {
	SessionID string
}

type MessageAppended struct {
	Message Message
}

type WorktreeCreated struct {
	Worktree worktree.Worktree
}

type WorktreeRemoved struct {
	WorktreeID   string
	RepositoryID string
	Path         string
}

// OperationFailed mirrors every failed command and every asynchronous
// failure (spawn errors, assistant errors, store writes).
type OperationFailed struct {
	Op        string
	Kind      errs.Kind
	SessionID string
	Detail    string
}

func (SessionCreated) sessionEvent()      {}
func (SessionStateChanged) sessionEvent() {}
func (SessionDeleted) sessionEvent()      {}
func (MessageAppended) sessionEvent()     {}
func (WorktreeCreated) sessionEvent()     {}
func (WorktreeRemoved) sessionEvent()     {}
func (OperationFailed) sessionEvent()     {}
