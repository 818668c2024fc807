package session

import (
	"sort"
	"strings"
	"sync"

	"github.com/drewfead/canopy/internal/runner"
	"github.com/drewfead/canopy/internal/worktree"
)

// entry is the live state of one session. Owned by the coordinator.
type entry struct {
	Session
	messages []Message
	lastSeq  int64

	runner  *runner.Runner
	drained chan struct{} // closed once the runner's final event is handled
	pending []string      // fragments of the current turn

	sendMu sync.Mutex // serializes SendMessage; taken off the coordinator
}

func (e *entry) snapshot() Session {
	s := e.Session
	s.MessageCount = len(e.messages)
	s.Active = e.runner != nil
	return s
}

// Registry holds every repository, worktree and session known to a Manager.
// Only the coordinator goroutine touches it.
type Registry struct {
	repos     map[string]*worktree.Repository
	worktrees map[string]*worktree.Worktree
	sessions  map[string]*entry
	removing  map[string]bool // worktree ids with a removal in flight
}

func newRegistry() *Registry {
	return &Registry{
		repos:     make(map[string]*worktree.Repository),
		worktrees: make(map[string]*worktree.Worktree),
		sessions:  make(map[string]*entry),
		removing:  make(map[string]bool),
	}
}

func (r *Registry) repoByPath(path string) *worktree.Repository {
	for _, repo := range r.repos {
		if repo.Path == path {
			return repo
		}
	}
	return nil
}

func (r *Registry) worktreesOf(repoID string) []*worktree.Worktree {
	var out []*worktree.Worktree
	for _, wt := range r.worktrees {
		if repoID == "" || wt.RepositoryID == repoID {
			out = append(out, wt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func (r *Registry) sessionsOf(worktreeID string) []*entry {
	var out []*entry
	for _, e := range r.sessions {
		if worktreeID == "" || e.WorktreeID == worktreeID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) activeSessions(worktreeID string) []*entry {
	var out []*entry
	for _, e := range r.sessionsOf(worktreeID) {
		if e.runner != nil {
			out = append(out, e)
		}
	}
	return out
}

// lookupSession accepts a full id or a unique prefix of one.
func (r *Registry) lookupSession(id string) *entry {
	if e, ok := r.sessions[id]; ok {
		return e
	}
	var found *entry
	for full, e := range r.sessions {
		if id != "" && strings.HasPrefix(full, id) {
			if found != nil {
				return nil
			}
			found = e
		}
	}
	return found
}

// lookupWorktree accepts an id, an id prefix, a path or a branch name when
// the branch is unambiguous across repositories.
func (r *Registry) lookupWorktree(ref string) *worktree.Worktree {
	if wt, ok := r.worktrees[ref]; ok {
		return wt
	}
	var found *worktree.Worktree
	for id, wt := range r.worktrees {
		if ref != "" && (strings.HasPrefix(id, ref) || wt.Path == ref || wt.Branch == ref) {
			if found != nil && found != wt {
				return nil
			}
			found = wt
		}
	}
	return found
}

func (r *Registry) worktreeForBranch(repoID, branch string) *worktree.Worktree {
	for _, wt := range r.worktrees {
		if wt.RepositoryID == repoID && wt.Branch == branch {
			return wt
		}
	}
	return nil
}

func (r *Registry) lookupRepo(ref string) *worktree.Repository {
	if repo, ok := r.repos[ref]; ok {
		return repo
	}
	var found *worktree.Repository
	for id, repo := range r.repos {
		if ref != "" && (strings.HasPrefix(id, ref) || repo.Path == ref || repo.Name == ref) {
			if found != nil && found != repo {
				return nil
			}
			found = repo
		}
	}
	return found
}
