// Package instructionbus holds runtime instructions (user interjections
// delivered mid-loop) scoped by a key such as agentId/workflowId/epicId,
// consumed exactly once per delivery (spec §4.3).
package instructionbus

import "sync"

// Bus is a keyed mailbox of pending instruction strings.
type Bus struct {
	mu      sync.Mutex
	pending map[string][]string
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{pending: make(map[string][]string)}
}

// Push enqueues an instruction under key.
func (b *Bus) Push(key, instruction string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[key] = append(b.pending[key], instruction)
}

// Consume returns and clears every pending instruction for key. Each
// instruction is delivered exactly once: a second Consume call for the
// same key before any new Push returns nothing.
func (b *Bus) Consume(key string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	instructions := b.pending[key]
	delete(b.pending, key)
	return instructions
}

// HasPending reports whether key currently has at least one queued instruction.
func (b *Bus) HasPending(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[key]) > 0
}
