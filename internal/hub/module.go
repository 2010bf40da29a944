package hub

import (
	"fmt"
	"sort"
	"sync"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// Handler processes a routed message. The returned value becomes the
// blocking send()'s result and a non-blocking send's mailbox Result.
type Handler func(msg *v1.Message) (any, error)

// Route is one routing rule, evaluated in descending priority order with
// first match winning. A Predicate, when set, decides the match; otherwise
// Pattern matches by equality against the message's Role or WorkflowID, or
// matches every message when it is "*". There is no match on a message
// type, as v1.Message carries no type field.
type Route struct {
	Pattern      string
	Predicate    func(msg *v1.Message) bool
	TargetOutput string
	Priority     int
}

func (r Route) matches(msg *v1.Message) bool {
	if r.Predicate != nil {
		return r.Predicate(msg)
	}
	return r.Pattern == string(msg.Role) || r.Pattern == msg.WorkflowID || r.Pattern == "*"
}

type registeredModule struct {
	id      string
	kind    v1.ModuleKind
	handler Handler
	routes  []Route
}

// ModuleRegistry holds every registered input/output module and the
// routing table that maps inbound messages onto output modules.
type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string]*registeredModule
	routes  []Route
}

// NewModuleRegistry constructs an empty registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{modules: make(map[string]*registeredModule)}
}

// RegisterInput registers a source module; it fails if id collides with any
// already-registered module, input or output.
func (r *ModuleRegistry) RegisterInput(id string, handler Handler, defaultRoutes []Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[id]; exists {
		return cerrors.Conflict(fmt.Sprintf("module %q already registered", id))
	}
	r.modules[id] = &registeredModule{id: id, kind: v1.ModuleKindInput, handler: handler, routes: defaultRoutes}
	r.routes = append(r.routes, defaultRoutes...)
	r.sortRoutesLocked()
	return nil
}

// RegisterOutput registers a sink module; handler may be invoked with a
// completion callback via the blocking send() path.
func (r *ModuleRegistry) RegisterOutput(id string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[id]; exists {
		return cerrors.Conflict(fmt.Sprintf("module %q already registered", id))
	}
	r.modules[id] = &registeredModule{id: id, kind: v1.ModuleKindOutput, handler: handler}
	return nil
}

// AddRoute appends a routing rule and keeps the table sorted by descending
// priority so Resolve evaluates first-match-wins correctly.
func (r *ModuleRegistry) AddRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
	r.sortRoutesLocked()
}

func (r *ModuleRegistry) sortRoutesLocked() {
	sort.SliceStable(r.routes, func(i, j int) bool { return r.routes[i].Priority > r.routes[j].Priority })
}

// Resolve returns the target module id for a message, walking the routing
// table in priority order, or false if nothing matches and target isn't
// itself a registered module id.
func (r *ModuleRegistry) Resolve(target string, msg *v1.Message) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.modules[target]; ok {
		return target, true
	}
	for _, route := range r.routes {
		if route.matches(msg) {
			return route.TargetOutput, true
		}
	}
	return "", false
}

// Lookup returns the registered module for id.
func (r *ModuleRegistry) Lookup(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return nil, false
	}
	return m.handler, true
}
