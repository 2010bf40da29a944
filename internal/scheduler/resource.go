// Package scheduler implements resource-aware admission control for
// dispatched tasks: the Concurrency Scheduler and its ResourcePool
// (spec §4.5).
package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// Requirement is one resource demand attached to a task dispatch: a type
// name and an optional minimum capability level.
type Requirement struct {
	Type     string
	MinLevel int
}

// ResourcePool owns every Resource the scheduler can allocate. Mutates are
// exclusive (single-writer, guarded by mu); Snapshot returns a copy so
// readers never observe a half-written resource (spec §5).
type ResourcePool struct {
	mu    sync.Mutex
	byID  map[string]*v1.Resource
	sems  map[string]*semaphore.Weighted // per-type concurrency cap
}

// NewResourcePool constructs an empty pool.
func NewResourcePool() *ResourcePool {
	return &ResourcePool{
		byID: make(map[string]*v1.Resource),
		sems: make(map[string]*semaphore.Weighted),
	}
}

// Register adds a Resource to the pool, available for allocation. It sizes
// (or grows) the type's weighted semaphore to match the new resource
// count, so concurrent Allocate calls for a scarce type block instead of
// racing on the same unit.
func (p *ResourcePool) Register(r v1.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.Status == "" {
		r.Status = v1.ResourceAvailable
	}
	p.byID[r.ID] = &r
	p.growSemLocked(r.Type)
}

func (p *ResourcePool) growSemLocked(resourceType string) {
	count := int64(0)
	for _, r := range p.byID {
		if r.Type == resourceType {
			count++
		}
	}
	p.sems[resourceType] = semaphore.NewWeighted(count)
}

// Snapshot returns a copy of every tracked resource.
func (p *ResourcePool) Snapshot() []v1.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]v1.Resource, 0, len(p.byID))
	for _, r := range p.byID {
		out = append(out, *r)
	}
	return out
}

// CountByType reports total and available resources of a given type,
// used by the scarcity check in the benefit-score calculation.
func (p *ResourcePool) CountByType(resourceType string, minLevel int) (total, available int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.byID {
		if r.Type != resourceType || r.CapabilityLevel < minLevel {
			continue
		}
		total++
		if r.Status == v1.ResourceAvailable {
			available++
		}
	}
	return total, available
}

// Satisfiable reports whether every requirement can be matched against
// currently-available resources (spec §4.5 step 1: deny with
// resource-unmet when any requirement has no match).
func (p *ResourcePool) Satisfiable(reqs []Requirement) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, req := range reqs {
		found := false
		for _, r := range p.byID {
			if r.Type == req.Type && r.CapabilityLevel >= req.MinLevel && r.Status == v1.ResourceAvailable {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Allocate marks one matching resource per requirement busy, deploying it
// for sessionID/workflowID, and blocks on that type's semaphore so no more
// than the type's total count is concurrently checked out. It releases any
// already-acquired semaphore units and returns an error on the first
// requirement it cannot satisfy.
func (p *ResourcePool) Allocate(ctx context.Context, reqs []Requirement, sessionID, workflowID string) ([]v1.Resource, error) {
	allocated := make([]v1.Resource, 0, len(reqs))
	acquired := make([]*semaphore.Weighted, 0, len(reqs))

	release := func() {
		for _, sem := range acquired {
			sem.Release(1)
		}
		p.mu.Lock()
		for _, r := range allocated {
			if tracked, ok := p.byID[r.ID]; ok {
				tracked.Status = v1.ResourceAvailable
				tracked.CurrentSessionID = ""
				tracked.CurrentWorkflowID = ""
			}
		}
		p.mu.Unlock()
	}

	for _, req := range reqs {
		p.mu.Lock()
		sem, ok := p.sems[req.Type]
		p.mu.Unlock()
		if !ok {
			release()
			return nil, cerrors.Resource("no resources registered for type " + req.Type)
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			release()
			return nil, cerrors.Wrap(err, "resource acquisition cancelled")
		}
		acquired = append(acquired, sem)

		p.mu.Lock()
		var picked *v1.Resource
		for _, r := range p.byID {
			if r.Type == req.Type && r.CapabilityLevel >= req.MinLevel && r.Status == v1.ResourceAvailable {
				picked = r
				break
			}
		}
		if picked == nil {
			p.mu.Unlock()
			release()
			return nil, cerrors.Resource("资源不满足: no available resource for type " + req.Type)
		}
		picked.Status = v1.ResourceBusy
		picked.CurrentSessionID = sessionID
		picked.CurrentWorkflowID = workflowID
		picked.TotalDeployments++
		allocated = append(allocated, *picked)
		p.mu.Unlock()
	}

	return allocated, nil
}

// Release returns allocated resources to the available pool and frees
// their semaphore units.
func (p *ResourcePool) Release(resources []v1.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range resources {
		if tracked, ok := p.byID[r.ID]; ok {
			tracked.Status = v1.ResourceAvailable
			tracked.CurrentSessionID = ""
			tracked.CurrentWorkflowID = ""
		}
		if sem, ok := p.sems[r.Type]; ok {
			sem.Release(1)
		}
	}
}

// UsageRatio returns busy+deployed resources over total, the input to the
// degradation check (spec §4.5 step 5).
func (p *ResourcePool) UsageRatio() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.byID) == 0 {
		return 0
	}
	busy := 0
	for _, r := range p.byID {
		if r.Status != v1.ResourceAvailable {
			busy++
		}
	}
	return float64(busy) / float64(len(p.byID))
}
