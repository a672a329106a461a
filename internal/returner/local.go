package returner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flotilla-sh/flotilla/pkg/types"
)

// Local writes returns into the agent's job cache as JSON files, one per
// (jid, minion). Writes are atomic (temp file + rename) so a crashed write
// never leaves a truncated return behind.
type Local struct {
	dir string
}

// NewLocal builds the local job-cache sink rooted at cacheDir.
func NewLocal(cacheDir string) *Local {
	return &Local{dir: filepath.Join(cacheDir, "jobs")}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Save(ctx context.Context, ret types.ExecutionResult) error {
	jobDir := filepath.Join(l.dir, ret.JID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create job cache dir: %w", err)
	}

	raw, err := json.MarshalIndent(ret, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal return: %w", err)
	}

	final := filepath.Join(jobDir, ret.MinionID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp return: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename return: %w", err)
	}
	return nil
}

// Load reads a cached return back; the status CLI uses it.
func (l *Local) Load(jid, minionID string) (types.ExecutionResult, error) {
	var ret types.ExecutionResult
	raw, err := os.ReadFile(filepath.Join(l.dir, jid, minionID+".json"))
	if err != nil {
		return ret, err
	}
	if err := json.Unmarshal(raw, &ret); err != nil {
		return ret, fmt.Errorf("corrupt cached return: %w", err)
	}
	return ret, nil
}
