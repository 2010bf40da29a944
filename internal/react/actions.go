package react

import (
	"fmt"
	"sync"
)

// Built-in action names spec §4.3 names explicitly.
const (
	ActionReadFile  = "READ_FILE"
	ActionWriteFile = "WRITE_FILE"
	ActionShellExec = "SHELL_EXEC"
	ActionComplete  = "COMPLETE"
	ActionFail      = "FAIL"
)

// ActionHandler executes one approved proposal and returns its outcome.
// Errors are caught by the loop and turned into a failed ExecResult rather
// than propagated, per spec §4.3 step 7.
type ActionHandler func(params map[string]any) (ExecResult, error)

// ActionRegistry maps action names to handlers and their required params.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
	required map[string][]string
}

// NewActionRegistry constructs a registry pre-populated with the built-in
// COMPLETE/FAIL terminal actions (no-op handlers; the loop executes them
// like any other action and then stops on its complete/fail stop-condition
// check).
func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{
		handlers: make(map[string]ActionHandler),
		required: make(map[string][]string),
	}
	r.Register(ActionComplete, nil, func(params map[string]any) (ExecResult, error) {
		return ExecResult{Success: true, Observation: "loop completed"}, nil
	})
	r.Register(ActionFail, []string{"reason"}, func(params map[string]any) (ExecResult, error) {
		return ExecResult{Success: false, Observation: fmt.Sprintf("%v", params["reason"])}, nil
	})
	return r
}

// Register adds or replaces an action's handler and required-params list.
func (r *ActionRegistry) Register(action string, requiredParams []string, handler ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = handler
	r.required[action] = requiredParams
}

// RequiredParams returns the required param names for action, and whether
// the action is registered at all.
func (r *ActionRegistry) RequiredParams(action string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	params, ok := r.required[action]
	return params, ok
}

// Execute runs action's handler, catching panics/errors into a failed
// ExecResult rather than surfacing them.
func (r *ActionRegistry) Execute(action string, params map[string]any) (result ExecResult) {
	r.mu.RLock()
	handler, ok := r.handlers[action]
	r.mu.RUnlock()
	if !ok {
		return ExecResult{Success: false, Observation: "Execution error: unknown action " + action}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = ExecResult{Success: false, Observation: fmt.Sprintf("Execution error: %v", rec)}
		}
	}()

	out, err := handler(params)
	if err != nil {
		return ExecResult{Success: false, Observation: "Execution error: " + err.Error()}
	}
	return out
}

// DefaultRequiredParams is the per-action required-params table spec §4.3
// names explicitly for the built-in file/shell actions.
var DefaultRequiredParams = map[string][]string{
	ActionReadFile:  {"path"},
	ActionWriteFile: {"path", "content"},
	ActionShellExec: {"command"},
	ActionFail:      {"reason"},
}
