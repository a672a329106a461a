// Package procdir persists small in-flight job markers under the agent's
// scratch directory so external tooling can observe running jobs. Workers
// write a marker before doing real work and never remove it; cleanup
// belongs to an external housekeeping sweep.
package procdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Marker is one in-flight job record.
type Marker struct {
	JID      string    `json:"jid"`
	MinionID string    `json:"id"`
	Fun      string    `json:"fun"`
	User     string    `json:"user,omitempty"`
	Started  time.Time `json:"started"`
	PID      int       `json:"pid"`
}

// Dir is one agent's proc scratch directory.
type Dir struct {
	path string
}

// New roots a proc dir under cacheDir.
func New(cacheDir string) *Dir {
	return &Dir{path: filepath.Join(cacheDir, "proc")}
}

// Write persists a marker keyed by jid. Written atomically (temp +
// rename) so a reader never sees a partial marker. A marker already
// present for the jid is overwritten; fan-out workers for distinct agents
// use distinct cache dirs.
func (d *Dir) Write(m Marker) error {
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return fmt.Errorf("create proc dir: %w", err)
	}
	if m.Started.IsZero() {
		m.Started = time.Now()
	}
	if m.PID == 0 {
		m.PID = os.Getpid()
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}

	final := filepath.Join(d.path, m.JID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename marker: %w", err)
	}
	return nil
}

// List reads every marker currently present, skipping unreadable entries.
func (d *Dir) List() ([]Marker, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read proc dir: %w", err)
	}

	var out []Marker
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".tmp" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.path, entry.Name()))
		if err != nil {
			continue
		}
		var m Marker
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
