package scheduler

import (
	"context"
	"testing"

	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

func TestResourcePoolAllocateRelease(t *testing.T) {
	pool := NewResourcePool()
	pool.Register(v1.Resource{ID: "r1", Type: "gpu", CapabilityLevel: 2})

	reqs := []Requirement{{Type: "gpu", MinLevel: 1}}
	if !pool.Satisfiable(reqs) {
		t.Fatal("expected requirement to be satisfiable")
	}

	allocated, err := pool.Allocate(context.Background(), reqs, "sess-1", "wf-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(allocated) != 1 || allocated[0].ID != "r1" {
		t.Fatalf("unexpected allocation: %+v", allocated)
	}

	if pool.Satisfiable(reqs) {
		t.Fatal("expected no more available gpu resources")
	}

	pool.Release(allocated)
	if !pool.Satisfiable(reqs) {
		t.Fatal("expected resource to be available again after release")
	}
}

func TestResourcePoolUnsatisfiableMinLevel(t *testing.T) {
	pool := NewResourcePool()
	pool.Register(v1.Resource{ID: "r1", Type: "gpu", CapabilityLevel: 1})

	if pool.Satisfiable([]Requirement{{Type: "gpu", MinLevel: 5}}) {
		t.Fatal("expected requirement above capability level to be unsatisfiable")
	}
}

func TestResourcePoolUsageRatio(t *testing.T) {
	pool := NewResourcePool()
	pool.Register(v1.Resource{ID: "r1", Type: "cpu", CapabilityLevel: 1})
	pool.Register(v1.Resource{ID: "r2", Type: "cpu", CapabilityLevel: 1})

	if ratio := pool.UsageRatio(); ratio != 0 {
		t.Fatalf("expected 0 usage ratio, got %f", ratio)
	}

	_, err := pool.Allocate(context.Background(), []Requirement{{Type: "cpu"}}, "s", "w")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if ratio := pool.UsageRatio(); ratio != 0.5 {
		t.Fatalf("expected 0.5 usage ratio, got %f", ratio)
	}
}

func TestResourcePoolAllocateBlocksOnExhaustion(t *testing.T) {
	pool := NewResourcePool()
	pool.Register(v1.Resource{ID: "r1", Type: "gpu", CapabilityLevel: 1})

	_, err := pool.Allocate(context.Background(), []Requirement{{Type: "gpu"}}, "s1", "w1")
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Allocate(ctx, []Requirement{{Type: "gpu"}}, "s2", "w2"); err == nil {
		t.Fatal("expected allocate to fail on an already-cancelled context while gpu is exhausted")
	}
}
