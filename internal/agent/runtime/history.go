package runtime

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
)

// MaxHistoryEntries bounds how many lifecycle records are retained per
// agent-history.json file (spec §4.4: "tail at most 1000 entries").
const MaxHistoryEntries = 1000

// HistoryEventType enumerates the lifecycle records spec §4.4 names.
type HistoryEventType string

const (
	EventRegister           HistoryEventType = "register"
	EventStart              HistoryEventType = "start"
	EventStop               HistoryEventType = "stop"
	EventRestart            HistoryEventType = "restart"
	EventCrash              HistoryEventType = "crash"
	EventHealthCheckFailed  HistoryEventType = "health_check_failed"
)

// HistoryEntry is one JSONL record in an agent's lifecycle history.
type HistoryEntry struct {
	Timestamp  time.Time        `json:"timestamp"`
	InstanceID string           `json:"instance_id"`
	AgentID    string           `json:"agent_id"`
	Event      HistoryEventType `json:"event"`
	Reason     string           `json:"reason,omitempty"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	Signal     string           `json:"signal,omitempty"`
}

// History appends lifecycle records as JSONL under path and keeps the file
// trimmed to MaxHistoryEntries lines.
type History struct {
	mu   sync.Mutex
	path string
}

// NewHistory opens (or will create on first write) a JSONL history file.
func NewHistory(path string) *History {
	return &History{path: path}
}

// Append records entry, rewriting the file to drop the oldest line when
// over MaxHistoryEntries.
func (h *History) Append(entry HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return cerrors.Wrap(err, "failed to create agent history directory")
	}

	lines, err := h.readLines()
	if err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return cerrors.Wrap(err, "failed to encode agent history entry")
	}
	lines = append(lines, string(data))
	if len(lines) > MaxHistoryEntries {
		lines = lines[len(lines)-MaxHistoryEntries:]
	}

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return cerrors.Wrap(err, "failed to open agent history for write")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return cerrors.Wrap(err, "failed to write agent history entry")
		}
	}
	return w.Flush()
}

// All returns every retained history entry in chronological order.
func (h *History) All() ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines, err := h.readLines()
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(lines))
	for _, line := range lines {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (h *History) readLines() ([]string, error) {
	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerrors.Wrap(err, "failed to open agent history")
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
