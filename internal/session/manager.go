// Package session coordinates repositories, worktrees and assistant sessions.
//
// A Manager owns a Registry and a single coordinator goroutine. Every
// mutation of the registry and every store write happens on that goroutine;
// git commands run on a bounded pool and runner start/stop run on the
// calling goroutine, so a slow git or a hung process never stalls message
// delivery for other sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/eventlog"
	"github.com/drewfead/canopy/internal/logging"
	"github.com/drewfead/canopy/internal/runner"
	"github.com/drewfead/canopy/internal/store"
	"github.com/drewfead/canopy/internal/worktree"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errs.E(errs.KindInvalidState, "session manager closed")

const defaultGitWorkers = 4

// Options configures a Manager.
type Options struct {
	Store     *store.Store
	Worktrees *worktree.Service

	// Runner is the template for every runner the manager starts.
	Runner runner.Options

	// GitWorkers bounds concurrent git commands.
	GitWorkers int64

	// Now is the clock; tests override it.
	Now func() time.Time
}

// Manager is the top-level coordinator.
type Manager struct {
	store *store.Store
	wt    *worktree.Service
	git   *semaphore.Weighted
	now   func() time.Time

	runnerOpts runner.Options

	reg  *Registry
	bus  *eventlog.Bus[Event]
	cmds chan func()
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// New loads persisted state, reconciles it and starts the coordinator.
// Sessions left non-terminated by a previous crash come back Terminated.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Worktrees == nil {
		opts.Worktrees = worktree.NewService("")
	}
	if opts.GitWorkers <= 0 {
		opts.GitWorkers = defaultGitWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &Manager{
		store:      opts.Store,
		wt:         opts.Worktrees,
		git:        semaphore.NewWeighted(opts.GitWorkers),
		now:        opts.Now,
		runnerOpts: opts.Runner,
		reg:        newRegistry(),
		bus:        eventlog.NewBus[Event](),
		cmds:       make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        mctx,
		cancel:     cancel,
	}

	if err := m.load(ctx); err != nil {
		cancel()
		return nil, err
	}

	go m.loop()
	return m, nil
}

func (m *Manager) load(ctx context.Context) error {
	const op = errs.Op("session.load")

	repos, err := m.store.ListRepositories(ctx)
	if err != nil {
		return errs.E(op, errs.KindStore, err)
	}
	for _, r := range repos {
		m.reg.repos[r.ID] = &worktree.Repository{ID: r.ID, Path: r.Path, Name: r.Name, CreatedAt: r.CreatedAt}
	}

	wts, err := m.store.ListWorktrees(ctx, "")
	if err != nil {
		return errs.E(op, errs.KindStore, err)
	}
	for _, w := range wts {
		m.reg.worktrees[w.ID] = &worktree.Worktree{
			ID:           w.ID,
			RepositoryID: w.RepositoryID,
			Branch:       w.Branch,
			Path:         w.Path,
			Source:       worktree.Mode(w.Source),
			CreatedAt:    w.CreatedAt,
		}
	}

	idx, err := m.store.LoadAll(ctx)
	if err != nil {
		return errs.E(op, errs.KindStore, err)
	}
	if idx.Skipped > 0 {
		logging.Warn("skipped unreadable session records", "count", idx.Skipped)
	}

	for id, sum := range idx.Sessions {
		wt := m.reg.worktrees[sum.WorktreeID]
		if wt == nil {
			logging.Warn("session references unknown worktree, skipping", "session_id", id, "worktree", sum.WorktreeID)
			continue
		}

		state, _ := runner.ParseState(sum.State)
		e := &entry{
			Session: Session{
				ID:             sum.ID,
				WorktreeID:     sum.WorktreeID,
				Name:           sum.Name,
				State:          state,
				ResumeToken:    sum.ResumeToken,
				ExitCode:       sum.ExitCode,
				CreatedAt:      sum.CreatedAt,
				LastActivityAt: sum.LastActivityAt,
				Orphaned:       !dirExists(wt.Path),
			},
			lastSeq: sum.LastSeq,
		}
		for _, msg := range idx.Messages[id] {
			e.messages = append(e.messages, fromStoreMessage(msg))
		}

		if e.State != runner.StateTerminated {
			logging.Info("session was left running, marking terminated", "session_id", id, "state", e.State)
			e.State = runner.StateTerminated
			if err := m.store.UpsertSessionMetadata(ctx, m.toStoreSession(e)); err != nil {
				return errs.E(op, errs.KindStore, err)
			}
		}
		if e.Orphaned {
			logging.Warn("worktree directory missing for session", "session_id", id, "path", wt.Path)
		}
		m.reg.sessions[id] = e
	}

	logging.Info("session manager loaded",
		"repositories", len(m.reg.repos),
		"worktrees", len(m.reg.worktrees),
		"sessions", len(m.reg.sessions),
	)
	return nil
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the coordinator and waits for it. ctx bounds only the wait
// for the coordinator to accept fn; once accepted fn always completes. A
// panic in fn is recovered and returned as an error so the coordinator
// survives.
func (m *Manager) do(ctx context.Context, op errs.Op, fn func() error) error {
	result := make(chan error, 1)
	wrapped := func() {
		defer func() {
			if p := logging.CapturePanic(recover(), "op", string(op)); p != nil {
				result <- errs.E(op, fmt.Sprintf("panic: %v", p))
			}
		}()
		result <- fn()
	}

	select {
	case m.cmds <- wrapped:
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return errs.E(op, ctx.Err())
	}
	return <-result
}

// fail publishes OperationFailed for err and returns it. Coordinator only.
func (m *Manager) fail(op errs.Op, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	m.bus.Publish(OperationFailed{
		Op:        string(op),
		Kind:      errs.KindOf(err),
		SessionID: sessionID,
		Detail:    err.Error(),
	})
	return err
}

// report publishes a failure detected off the coordinator.
func (m *Manager) report(op errs.Op, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	if doErr := m.do(m.ctx, op, func() error { m.fail(op, sessionID, err); return nil }); doErr != nil {
		logging.Debug("could not publish failure", "op", op, "error", err)
	}
	return err
}

// onGit runs fn with a git worker slot on the calling goroutine.
func (m *Manager) onGit(ctx context.Context, fn func(context.Context) error) error {
	if err := m.git.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.git.Release(1)
	return fn(ctx)
}

// Subscribe returns a subscription to every event published from now on.
// Each subscriber gets its own unbounded queue.
func (m *Manager) Subscribe() *eventlog.Subscription[Event] {
	return m.bus.Subscribe()
}

// SetRunnerOptions replaces the template used for runners started from now
// on. Running sessions keep their settings.
func (m *Manager) SetRunnerOptions(opts runner.Options) {
	m.do(m.ctx, "session.SetRunnerOptions", func() error {
		m.runnerOpts = opts
		return nil
	})
}

// Close stops every active session, then the coordinator, then closes all
// subscriptions. The store is left open for the caller to close.
func (m *Manager) Close(ctx context.Context) error {
	var ids []string
	err := m.do(ctx, "session.Close", func() error {
		for _, e := range m.reg.activeSessions("") {
			ids = append(ids, e.ID)
		}
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error { return m.CloseSession(gctx, id) })
	}
	stopErr := g.Wait()

	m.closeOnce.Do(func() { close(m.quit) })
	<-m.done
	m.cancel()
	logging.Debug("session manager closed", "sessions_stopped", len(ids), "subscribers", m.bus.SubscriberCount())
	m.bus.Close()
	return stopErr
}

// ActiveSessions implements worktree.SessionGuard.
func (m *Manager) ActiveSessions(ctx context.Context, worktreeID string) (int, error) {
	var n int
	err := m.do(ctx, "session.ActiveSessions", func() error {
		n = len(m.reg.activeSessions(worktreeID))
		return nil
	})
	return n, err
}

// TerminateSessions implements worktree.SessionGuard by closing every active
// session on the worktree in parallel.
func (m *Manager) TerminateSessions(ctx context.Context, worktreeID string) error {
	var ids []string
	err := m.do(ctx, "session.TerminateSessions", func() error {
		for _, e := range m.reg.activeSessions(worktreeID) {
			ids = append(ids, e.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error { return m.CloseSession(gctx, id) })
	}
	return g.Wait()
}

var _ worktree.SessionGuard = (*Manager)(nil)

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
