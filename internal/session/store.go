// Package session persists Session/Message state to disk as JSON files
// (spec §6's abstract layout) and maintains a queryable SQLite/Postgres
// index for fast project/session lookups.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// MaxMessages bounds a Session's in-memory/on-disk message log; the oldest
// message is dropped on overflow (spec §3).
const MaxMessages = 100

// Store persists Sessions under root/<project>/<sessionId>/session-state.json,
// caches them in memory, and maintains a SQLite/Postgres index for fast
// cross-session queries (Index.ListActive, project lookups).
type Store struct {
	mu    sync.RWMutex
	root  string
	cache map[string]*v1.Session
	index *Index
	seq   uint64
}

// NewStore constructs a Store rooted at root and backed by index
// (nil index disables the queryable secondary lookups).
func NewStore(root string, index *Index) *Store {
	return &Store{root: root, cache: make(map[string]*v1.Session), index: index}
}

func (s *Store) sessionDir(projectPath, sessionID string) string {
	return filepath.Join(s.root, sanitizeProject(projectPath), sessionID)
}

func sanitizeProject(projectPath string) string {
	return filepath.Base(filepath.Clean(projectPath))
}

// Create starts a new root or child Session.
func (s *Store) Create(ctx context.Context, projectPath, parentSessionID string) (*v1.Session, error) {
	id := uuid.New().String()
	rootID := id
	if parentSessionID != "" {
		parent, err := s.Get(ctx, projectPath, parentSessionID)
		if err != nil {
			return nil, err
		}
		rootID = parent.RootSessionID
	}

	now := time.Now().UTC()
	sess := &v1.Session{
		ID:              id,
		ProjectPath:     projectPath,
		RootSessionID:   rootID,
		ParentSessionID: parentSessionID,
		Status:          v1.SessionActive,
		Messages:        []v1.Message{},
		Context:         map[string]any{},
		ActiveWorkflows: map[string]bool{},
		CreatedAt:       now,
		UpdatedAt:       now,
		LastAccessedAt:  now,
	}
	if err := s.persist(sess); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[id] = sess
	s.mu.Unlock()
	if s.index != nil {
		if err := s.index.Upsert(ctx, sess); err != nil {
			return nil, cerrors.Wrap(err, "failed to index session")
		}
	}
	return sess, nil
}

// Get returns a Session, reading through to disk on a cache miss.
func (s *Store) Get(ctx context.Context, projectPath, sessionID string) (*v1.Session, error) {
	s.mu.RLock()
	if sess, ok := s.cache[sessionID]; ok {
		s.mu.RUnlock()
		return sess, nil
	}
	s.mu.RUnlock()

	path := filepath.Join(s.sessionDir(projectPath, sessionID), "session-state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.NotFound("session", sessionID)
		}
		return nil, cerrors.Wrap(err, "failed to read session state")
	}
	var sess v1.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, cerrors.Parse("failed to decode session state", map[string]any{"session_id": sessionID})
	}

	s.mu.Lock()
	s.cache[sessionID] = &sess
	s.mu.Unlock()
	return &sess, nil
}

// AppendMessage appends msg to a session's log, trimming the oldest entry
// on overflow past MaxMessages, and persists the result. Every appended
// message gets the next value of a per-store monotone counter in Seq, and a
// generated id carries the same counter as its suffix, so (Timestamp, Seq)
// follows append order even when two messages share a timestamp (spec §5's
// total-order guarantee).
func (s *Store) AppendMessage(ctx context.Context, sess *v1.Session, msg v1.Message) error {
	s.mu.Lock()
	s.seq++
	msg.Seq = s.seq
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s-%010d", uuid.New().String(), s.seq)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.SessionID = sess.ID
	sess.Messages = append(sess.Messages, msg)
	if len(sess.Messages) > MaxMessages {
		sess.Messages = sess.Messages[len(sess.Messages)-MaxMessages:]
	}
	sess.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	return s.persist(sess)
}

// Pause transitions a Session to paused.
func (s *Store) Pause(ctx context.Context, sess *v1.Session) error {
	s.mu.Lock()
	sess.Status = v1.SessionPaused
	sess.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
	return s.persist(sess)
}

// Resume transitions a Session back to active.
func (s *Store) Resume(ctx context.Context, sess *v1.Session) error {
	s.mu.Lock()
	sess.Status = v1.SessionActive
	sess.LastAccessedAt = time.Now().UTC()
	sess.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
	return s.persist(sess)
}

// BindOwner sets the owning agent for a sub-session created by a dispatch
// and persists the change.
func (s *Store) BindOwner(ctx context.Context, sess *v1.Session, ownerAgentID string) error {
	s.mu.Lock()
	sess.OwnerAgentID = ownerAgentID
	sess.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
	return s.persist(sess)
}

func (s *Store) persist(sess *v1.Session) error {
	dir := s.sessionDir(sess.ProjectPath, sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cerrors.Wrap(err, "failed to create session directory")
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return cerrors.Wrap(err, "failed to encode session state")
	}
	path := filepath.Join(dir, "session-state.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cerrors.Wrap(err, "failed to write session state")
	}
	if err := os.Rename(tmp, path); err != nil {
		return cerrors.Wrap(err, "failed to finalize session state write")
	}

	s.mu.Lock()
	s.cache[sess.ID] = sess
	s.mu.Unlock()

	if s.index != nil {
		if err := s.index.Upsert(context.Background(), sess); err != nil {
			return fmt.Errorf("failed to update session index: %w", err)
		}
	}
	return nil
}
