package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// MaxCheckpointsPerSession is how many checkpoints are retained on disk per
// session; the oldest is pruned once the limit is exceeded.
const MaxCheckpointsPerSession = 10

// CheckpointStore persists Checkpoint snapshots under
// <sessionDir>/checkpoints/<checkpointId>.json.
type CheckpointStore struct {
	sessionsRoot string
}

// NewCheckpointStore constructs a CheckpointStore rooted the same as Store.
func NewCheckpointStore(sessionsRoot string) *CheckpointStore {
	return &CheckpointStore{sessionsRoot: sessionsRoot}
}

func (c *CheckpointStore) dir(projectPath, sessionID string) string {
	return filepath.Join(c.sessionsRoot, sanitizeProject(projectPath), sessionID, "checkpoints")
}

// Save writes a new Checkpoint for a session and prunes beyond the newest 10.
func (c *CheckpointStore) Save(projectPath, sessionID string, cp *v1.Checkpoint) error {
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.New().String()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	cp.SessionID = sessionID

	dir := c.dir(projectPath, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cerrors.Wrap(err, "failed to create checkpoint directory")
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return cerrors.Wrap(err, "failed to encode checkpoint")
	}
	path := filepath.Join(dir, cp.CheckpointID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return cerrors.Wrap(err, "failed to write checkpoint")
	}
	return c.prune(dir)
}

// List returns every checkpoint for a session, newest first.
func (c *CheckpointStore) List(projectPath, sessionID string) ([]*v1.Checkpoint, error) {
	dir := c.dir(projectPath, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerrors.Wrap(err, "failed to list checkpoints")
	}

	checkpoints := make([]*v1.Checkpoint, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var cp v1.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		checkpoints = append(checkpoints, &cp)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Timestamp.After(checkpoints[j].Timestamp)
	})
	return checkpoints, nil
}

func (c *CheckpointStore) prune(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	type fileInfo struct {
		name    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: entry.Name(), modTime: info.ModTime()})
	}
	if len(files) <= MaxCheckpointsPerSession {
		return nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	for _, f := range files[MaxCheckpointsPerSession:] {
		_ = os.Remove(filepath.Join(dir, f.name))
	}
	return nil
}
