// Package errs provides the structured error taxonomy shared by canopy's
// worktree, store, runner and session packages.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Op describes an operation, usually as "package.Function".
type Op string

// Kind categorizes a failure so callers can react without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindGitCommand
	KindBranchCheckedOut
	KindProcessSpawn
	KindInvalidState
	KindSessionNotActive
	KindStoreCorruption
	KindStore
	KindNotFound
	KindAssistant
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindGitCommand:
		return "git command failed"
	case KindBranchCheckedOut:
		return "branch already checked out"
	case KindProcessSpawn:
		return "process spawn failed"
	case KindInvalidState:
		return "invalid state"
	case KindSessionNotActive:
		return "session not active"
	case KindStoreCorruption:
		return "store corruption"
	case KindStore:
		return "store error"
	case KindNotFound:
		return "not found"
	case KindAssistant:
		return "assistant error"
	case KindConfig:
		return "configuration error"
	default:
		return "unknown error"
	}
}

// Error is the structured error type.
type Error struct {
	Op      Op
	Kind    Kind
	Context string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Context != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Context, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Context != "":
		return fmt.Sprintf("%s: %v", e.Context, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error. Arguments may be an Op, a Kind, a string (context) or
// an error, in any order. A lone string becomes the underlying error.
func E(args ...any) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		if e.Context != "" {
			e.Err = errors.New(e.Context)
			e.Context = ""
		} else {
			e.Err = errors.New(e.Kind.String())
		}
	}
	return e
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the kind of the outermost *Error in err's chain that carries
// a kind, or KindUnknown.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return KindUnknown
		}
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}

// GitCommandError carries the diagnostic output of a failed git invocation.
type GitCommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *GitCommandError) Error() string {
	msg := e.Stderr
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), msg)
}
