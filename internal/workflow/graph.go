package workflow

import (
	"fmt"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// Graph is the in-memory arena of a single workflow's TaskNodes, indexed by
// id, resolving the cyclic-reference concern spec §9 flags (tasks reference
// each other by id, not by pointer, so the arena owns the authoritative copy).
type Graph struct {
	WorkflowID string
	tasks      map[string]*v1.TaskNode
	order      []string
}

// NewGraph constructs an empty task arena for a workflow.
func NewGraph(workflowID string) *Graph {
	return &Graph{WorkflowID: workflowID, tasks: make(map[string]*v1.TaskNode)}
}

// AddTask inserts a task, failing if its id collides with an existing one
// in this workflow or if a blockedBy entry references an unknown task.
func (g *Graph) AddTask(task *v1.TaskNode) error {
	if _, exists := g.tasks[task.ID]; exists {
		return cerrors.Conflict(fmt.Sprintf("task %q already exists in workflow %q", task.ID, g.WorkflowID))
	}
	for _, dep := range task.BlockedBy {
		if _, ok := g.tasks[dep]; !ok {
			return cerrors.Validation("blockedBy", fmt.Sprintf("task %q references unknown dependency %q", task.ID, dep))
		}
	}
	task.WorkflowID = g.WorkflowID
	g.tasks[task.ID] = task
	g.order = append(g.order, task.ID)
	return g.checkAcyclic()
}

// Get returns a task by id.
func (g *Graph) Get(id string) (*v1.TaskNode, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// All returns every task in insertion order.
func (g *Graph) All() []*v1.TaskNode {
	out := make([]*v1.TaskNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// Ready returns every task currently in v1.TaskCreated or
// v1.TaskReworkRequired whose blockedBy set is entirely v1.TaskDone, i.e.
// eligible to transition to ready.
func (g *Graph) Ready() []*v1.TaskNode {
	var ready []*v1.TaskNode
	for _, id := range g.order {
		t := g.tasks[id]
		if t.State != v1.TaskCreated && t.State != v1.TaskReworkRequired {
			continue
		}
		if g.depsSatisfied(t) {
			ready = append(ready, t)
		}
	}
	return ready
}

func (g *Graph) depsSatisfied(t *v1.TaskNode) bool {
	for _, dep := range t.BlockedBy {
		depTask, ok := g.tasks[dep]
		if !ok || depTask.State != v1.TaskDone {
			return false
		}
	}
	return true
}

// checkAcyclic walks the blockedBy graph with three-color DFS, failing on
// the first back-edge found.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.tasks))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range g.tasks[id].BlockedBy {
			switch color[dep] {
			case gray:
				return cerrors.Validation("blockedBy", fmt.Sprintf("cycle detected involving task %q", id))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range g.tasks {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
