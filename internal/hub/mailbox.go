package hub

import (
	"sync"
	"time"

	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// DefaultMailboxTTL is how long a terminal mailbox entry is retained before
// the sweep goroutine evicts it.
const DefaultMailboxTTL = 24 * time.Hour

// Mailbox tracks every send() through pending -> processing -> completed|failed.
type Mailbox struct {
	mu          sync.RWMutex
	entries     map[string]*v1.MailboxEntry
	byCallback  map[string]string // callbackId -> messageId
	ttl         time.Duration
	stopSweep   chan struct{}
	sweepOnce   sync.Once
}

// NewMailbox constructs a Mailbox and starts its eviction sweep.
func NewMailbox(ttl time.Duration) *Mailbox {
	if ttl <= 0 {
		ttl = DefaultMailboxTTL
	}
	m := &Mailbox{
		entries:    make(map[string]*v1.MailboxEntry),
		byCallback: make(map[string]string),
		ttl:        ttl,
		stopSweep:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create registers a new pending entry for messageID, optionally indexed by
// callbackID for idempotent lookup.
func (m *Mailbox) Create(messageID, target, callbackID string) *v1.MailboxEntry {
	now := time.Now().UTC()
	entry := &v1.MailboxEntry{
		ID:         messageID,
		CallbackID: callbackID,
		Target:     target,
		Status:     v1.MailboxPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.mu.Lock()
	m.entries[messageID] = entry
	if callbackID != "" {
		m.byCallback[callbackID] = messageID
	}
	m.mu.Unlock()
	return entry
}

// MarkProcessing transitions an entry to processing.
func (m *Mailbox) MarkProcessing(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[messageID]; ok {
		e.Status = v1.MailboxProcessing
		e.UpdatedAt = time.Now().UTC()
	}
}

// Complete transitions an entry to completed with its result.
func (m *Mailbox) Complete(messageID string, result any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[messageID]; ok {
		e.Status = v1.MailboxCompleted
		e.Result = result
		e.UpdatedAt = time.Now().UTC()
	}
}

// Fail transitions an entry to failed. A handler panic/error is captured
// here and never rethrown into a non-blocking send's caller.
func (m *Mailbox) Fail(messageID string, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[messageID]; ok {
		e.Status = v1.MailboxFailed
		e.Error = errMsg
		e.UpdatedAt = time.Now().UTC()
	}
}

// GetByMessageID retrieves an entry by its own id.
func (m *Mailbox) GetByMessageID(messageID string) (*v1.MailboxEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[messageID]
	return e, ok
}

// GetByCallbackID retrieves an entry by the callbackId it was created with.
func (m *Mailbox) GetByCallbackID(callbackID string) (*v1.MailboxEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	messageID, ok := m.byCallback[callbackID]
	if !ok {
		return nil, false
	}
	e, ok := m.entries[messageID]
	return e, ok
}

func (m *Mailbox) sweepLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Mailbox) evictExpired() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.Status != v1.MailboxCompleted && e.Status != v1.MailboxFailed {
			continue
		}
		if e.UpdatedAt.Before(cutoff) {
			delete(m.entries, id)
			if e.CallbackID != "" {
				delete(m.byCallback, e.CallbackID)
			}
		}
	}
}

// Close stops the eviction sweep goroutine.
func (m *Mailbox) Close() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
}
