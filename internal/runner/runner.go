// Package runner supervises one assistant CLI process per active session.
//
// A Runner moves through Starting → Running ⇄ AwaitingInput → Terminated and
// reports everything it observes as Events on a single ordered channel that
// closes after the final Exited event. Runners are single use; resuming a
// conversation means constructing a new Runner with the resume token.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/eventlog"
	"github.com/drewfead/canopy/internal/logging"
	"github.com/drewfead/canopy/pkg/claudecode"
)

// State is a runner lifecycle state.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateAwaitingInput
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for st := StateStarting; st <= StateTerminated; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Options configures how the assistant is launched and stopped.
type Options struct {
	Command        string
	Model          string
	PermissionMode string
	AllowedTools   []string
	SystemPrompt   string
	Env            []string

	// SpawnTimeout bounds process launch.
	SpawnTimeout time.Duration
	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration

	// SessionID only labels log lines.
	SessionID string
}

const (
	defaultSpawnTimeout = 10 * time.Second
	defaultStopGrace    = 3 * time.Second
)

// Event is one item of a runner's output. The set of implementations is
// closed: StateChanged, Fragment, TurnComplete, ResumeTokenUpdated,
// AssistantError and Exited.
type Event interface {
	runnerEvent()
}

// StateChanged reports a lifecycle transition.
type StateChanged struct {
	From, To State
}

// Fragment is incremental assistant text for the current turn.
type Fragment struct {
	Text string
}

// TurnComplete ends a turn.
type TurnComplete struct {
	Result   string
	IsError  bool
	CostUSD  float64
	Duration time.Duration
}

// ResumeTokenUpdated carries a new resume token.
type ResumeTokenUpdated struct {
	Token string
}

// AssistantError is an error reported by the assistant over the protocol.
type AssistantError struct {
	Message string
}

// Exited is always the last event. Code is -1 when the process was killed
// by a signal or never started.
type Exited struct {
	Code int
	Err  error
}

func (StateChanged) runnerEvent()       {}
func (Fragment) runnerEvent()           {}
func (TurnComplete) runnerEvent()       {}
func (ResumeTokenUpdated) runnerEvent() {}
func (AssistantError) runnerEvent()     {}
func (Exited) runnerEvent()             {}

// Runner supervises one assistant process.
type Runner struct {
	opts Options
	log  *slog.Logger

	mu            sync.Mutex
	state         State
	proc          *claudecode.Process
	spawning      bool
	stopRequested bool
	exitCode      int

	events   *eventlog.Queue[Event]
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a runner in the Starting state.
func New(opts Options) *Runner {
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = defaultSpawnTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	return &Runner{
		opts:     opts,
		log:      logging.With("component", "runner", "session_id", opts.SessionID),
		state:    StateStarting,
		exitCode: -1,
		events:   eventlog.NewQueue[Event](),
		done:     make(chan struct{}),
	}
}

// Events returns the runner's output. It is unbounded and closes after
// Exited.
func (r *Runner) Events() <-chan Event {
	return r.events.Out()
}

// Done closes once the runner is Terminated.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ExitCode returns the process exit code once Terminated, else -1.
func (r *Runner) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

// PID returns the process id, or 0 before a successful Start.
func (r *Runner) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc == nil {
		return 0
	}
	return r.proc.PID()
}

// ErrStopped is returned by Start when Stop won the race against it.
var ErrStopped = errs.E(errs.KindInvalidState, "runner stopped before start")

// Start launches the assistant in workDir. A non-empty resumeToken makes the
// assistant reload that conversation. Launch failures are returned as
// KindProcessSpawn and leave the runner Terminated.
func (r *Runner) Start(ctx context.Context, workDir, resumeToken string) error {
	const op = errs.Op("runner.Start")

	r.mu.Lock()
	if r.stopRequested {
		r.mu.Unlock()
		return ErrStopped
	}
	if r.state != StateStarting || r.spawning {
		st := r.state
		r.mu.Unlock()
		return errs.E(op, errs.KindInvalidState, fmt.Sprintf("cannot start runner in state %s", st))
	}
	r.spawning = true
	r.mu.Unlock()

	spawnCtx, cancel := context.WithTimeout(ctx, r.opts.SpawnTimeout)
	defer cancel()

	spawnOpts := r.spawnOptions(workDir, resumeToken)
	r.log.Debug("spawning assistant", "cmd", spawnOpts.CommandString(), "dir", workDir)
	proc, err := claudecode.Spawn(spawnCtx, spawnOpts)

	r.mu.Lock()
	r.spawning = false
	if err != nil {
		r.terminateLocked(-1, err)
		r.mu.Unlock()
		return errs.E(op, errs.KindProcessSpawn, err)
	}
	r.proc = proc
	r.log = r.log.With("pid", proc.PID())
	r.setStateLocked(StateRunning)
	stop := r.stopRequested
	r.mu.Unlock()

	r.log.Info("assistant started", "dir", workDir, "resumed", resumeToken != "")

	go r.supervise(proc, resumeToken)
	if stop {
		go r.stopOnce.Do(func() { r.shutdown(proc) })
	}
	return nil
}

func (r *Runner) spawnOptions(workDir, resumeToken string) *claudecode.SpawnOptions {
	return &claudecode.SpawnOptions{
		Command:        r.opts.Command,
		WorkDir:        workDir,
		ResumeToken:    resumeToken,
		Model:          r.opts.Model,
		PermissionMode: r.opts.PermissionMode,
		AllowedTools:   r.opts.AllowedTools,
		SystemPrompt:   r.opts.SystemPrompt,
		Env:            r.opts.Env,
	}
}

// Send writes a user turn. It is valid only while Running or AwaitingInput
// and fails with KindInvalidState otherwise, including when a stop is in
// progress.
func (r *Runner) Send(text string) error {
	const op = errs.Op("runner.Send")

	r.mu.Lock()
	if r.stopRequested || (r.state != StateRunning && r.state != StateAwaitingInput) {
		st := r.state
		r.mu.Unlock()
		return errs.E(op, errs.KindInvalidState, fmt.Sprintf("cannot send in state %s", st))
	}
	r.setStateLocked(StateRunning)
	proc := r.proc
	r.mu.Unlock()

	if err := proc.SendUserTurn(text); err != nil {
		r.mu.Lock()
		ending := r.stopRequested || r.state == StateTerminated
		r.mu.Unlock()
		if ending {
			return errs.E(op, errs.KindInvalidState, "runner stopped during send", err)
		}
		return errs.E(op, errs.KindAssistant, err)
	}
	return nil
}

// Stop terminates the assistant: stdin is closed and the process group gets
// SIGTERM, then SIGKILL after the grace period. Stop blocks until the runner
// is Terminated and is safe to call repeatedly or concurrently.
func (r *Runner) Stop() {
	r.mu.Lock()
	switch {
	case r.state == StateTerminated:
		r.mu.Unlock()
		return
	case r.spawning:
		// Start will shut the process down once it exists.
		r.stopRequested = true
		r.mu.Unlock()
		<-r.done
		return
	case r.proc == nil:
		r.stopRequested = true
		r.terminateLocked(-1, nil)
		r.mu.Unlock()
		return
	}
	r.stopRequested = true
	proc := r.proc
	r.mu.Unlock()

	r.stopOnce.Do(func() { r.shutdown(proc) })
	<-r.done
}

func (r *Runner) shutdown(proc *claudecode.Process) {
	go proc.CloseInput()

	if err := proc.Terminate(); err != nil {
		r.log.Warn("failed to signal assistant", "error", err)
	}

	select {
	case <-proc.Done():
		<-r.done
		return
	case <-time.After(r.opts.StopGrace):
	}

	r.log.Warn("assistant ignored SIGTERM, killing", "grace", r.opts.StopGrace)
	if err := proc.Kill(); err != nil {
		r.log.Warn("failed to kill assistant", "error", err)
	}
	<-r.done
}

// setStateLocked records a transition and emits StateChanged. Callers hold
// r.mu.
func (r *Runner) setStateLocked(to State) {
	from := r.state
	if from == to || from == StateTerminated {
		return
	}
	r.state = to
	r.events.Push(StateChanged{From: from, To: to})
}

// terminateLocked is the single exit path: it emits the final events and
// closes the stream. Callers hold r.mu.
func (r *Runner) terminateLocked(code int, err error) {
	if r.state == StateTerminated {
		return
	}
	r.setStateLocked(StateTerminated)
	r.exitCode = code
	r.events.Push(Exited{Code: code, Err: err})
	r.events.Close()
	close(r.done)
}
