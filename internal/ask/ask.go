// Package ask implements the orchestrator-to-user question the GLOSSARY
// calls an Ask: a pending question identified by a requestId and a scope
// (agentId|workflowId|epicId|sessionId), resolved at most once by a later
// workflow.input call, or left to fall through to the runtime-instruction
// bus when no ask is pending for that scope (spec §6 S6).
package ask

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
)

// Ask is one pending question, waiting on exactly one resolution.
type Ask struct {
	RequestID string
	Scope     string
	Question  string
	CreatedAt time.Time

	answer chan string
}

// Registry tracks every pending Ask, keyed by scope, oldest first so a
// scope with multiple outstanding asks resolves them in order.
type Registry struct {
	mu      sync.Mutex
	pending map[string][]*Ask
	byID    map[string]*Ask
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		pending: make(map[string][]*Ask),
		byID:    make(map[string]*Ask),
	}
}

// Push records a new pending question under scope and returns it.
func (r *Registry) Push(scope, question string) *Ask {
	a := &Ask{
		RequestID: uuid.New().String(),
		Scope:     scope,
		Question:  question,
		CreatedAt: time.Now().UTC(),
		answer:    make(chan string, 1),
	}
	r.mu.Lock()
	r.pending[scope] = append(r.pending[scope], a)
	r.byID[a.RequestID] = a
	r.mu.Unlock()
	return a
}

// Resolve routes input to the oldest pending ask for scope, if one exists,
// delivering the answer and reporting which Ask it resolved. It returns
// false, without side effects, when no ask is pending for scope — callers
// fall through to enqueuing a runtime instruction in that case.
func (r *Registry) Resolve(scope, input string) (*Ask, bool) {
	r.mu.Lock()
	queue := r.pending[scope]
	if len(queue) == 0 {
		r.mu.Unlock()
		return nil, false
	}
	a := queue[0]
	r.pending[scope] = queue[1:]
	if len(r.pending[scope]) == 0 {
		delete(r.pending, scope)
	}
	delete(r.byID, a.RequestID)
	r.mu.Unlock()

	a.answer <- input
	return a, true
}

// HasPending reports whether scope currently has at least one outstanding ask.
func (r *Registry) HasPending(scope string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[scope]) > 0
}

// Discard removes every pending ask for scope without resolving it, used
// when a workflow reaches a terminal state (spec §5: "old unconsumed
// instructions are discarded when the workflow reaches a terminal state").
func (r *Registry) Discard(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.pending[scope] {
		delete(r.byID, a.RequestID)
	}
	delete(r.pending, scope)
}

// Await blocks until a's question is answered or ctx is done.
func (a *Ask) Await(ctx context.Context) (string, error) {
	select {
	case answer := <-a.answer:
		return answer, nil
	case <-ctx.Done():
		return "", cerrors.Wrap(ctx.Err(), "ask await cancelled")
	}
}
