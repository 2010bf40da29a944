package workflow

import (
	"testing"

	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

func TestGraphAddTaskRejectsDuplicateID(t *testing.T) {
	g := NewGraph("wf-1")
	if err := g.AddTask(&v1.TaskNode{ID: "t1", State: v1.TaskCreated}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := g.AddTask(&v1.TaskNode{ID: "t1", State: v1.TaskCreated}); err == nil {
		t.Fatal("expected error for duplicate task id")
	}
}

func TestGraphAddTaskRejectsUnknownDependency(t *testing.T) {
	g := NewGraph("wf-1")
	if err := g.AddTask(&v1.TaskNode{ID: "t1", State: v1.TaskCreated, BlockedBy: []string{"ghost"}}); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestGraphReadyRespectsBlockedBy(t *testing.T) {
	g := NewGraph("wf-1")
	if err := g.AddTask(&v1.TaskNode{ID: "t1", State: v1.TaskCreated}); err != nil {
		t.Fatalf("add t1: %v", err)
	}
	if err := g.AddTask(&v1.TaskNode{ID: "t2", State: v1.TaskCreated, BlockedBy: []string{"t1"}}); err != nil {
		t.Fatalf("add t2: %v", err)
	}

	ready := g.Ready()
	if len(ready) != 1 || ready[0].ID != "t1" {
		t.Fatalf("expected only t1 ready, got %+v", ready)
	}

	t1, _ := g.Get("t1")
	t1.State = v1.TaskDone
	ready = g.Ready()
	if len(ready) != 1 || ready[0].ID != "t2" {
		t.Fatalf("expected t2 ready once t1 is done, got %+v", ready)
	}
}

func TestGraphDetectsCycle(t *testing.T) {
	g := NewGraph("wf-1")
	if err := g.AddTask(&v1.TaskNode{ID: "t1", State: v1.TaskCreated}); err != nil {
		t.Fatalf("add t1: %v", err)
	}
	if err := g.AddTask(&v1.TaskNode{ID: "t2", State: v1.TaskCreated, BlockedBy: []string{"t1"}}); err != nil {
		t.Fatalf("add t2: %v", err)
	}
	// manually wire a cycle: t1 now depends on t2, which depends on t1
	t1, _ := g.Get("t1")
	t1.BlockedBy = []string{"t2"}
	if err := g.checkAcyclic(); err == nil {
		t.Fatal("expected cycle detection to fail")
	}
}
