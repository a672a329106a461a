// Package pillar resolves per-device configuration overlays. The file
// resolver reads <pillar_dir>/<device_id>.yaml; the watcher notices edits
// to those files and triggers a refresh for the affected device only.
package pillar

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var log = slog.Default()

// Resolver produces the configuration overlay for one device id, given
// the device's derived facts.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string, facts map[string]any) (map[string]any, error)
}

// FileResolver reads device overlays from yaml files in a directory.
type FileResolver struct {
	dir string
}

// NewFileResolver builds a resolver over dir.
func NewFileResolver(dir string) *FileResolver {
	return &FileResolver{dir: dir}
}

// Resolve reads <dir>/<deviceID>.yaml. A missing file yields an empty
// overlay, not an error; devices without pillar are legitimate. Facts are
// accepted for interface parity but the file resolver does not branch on
// them.
func (r *FileResolver) Resolve(ctx context.Context, deviceID string, facts map[string]any) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(r.dir, deviceID+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read pillar for %s: %w", deviceID, err)
	}

	overlay := map[string]any{}
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("parse pillar for %s: %w", deviceID, err)
	}
	return normalize(overlay), nil
}

// normalize rewrites yaml's map[any]any shapes into map[string]any so the
// overlay composes with JSON-decoded facts.
func normalize(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalize(t)
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeValue(val)
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = normalizeValue(e)
		}
		return t
	default:
		return v
	}
}

// ============================================================================
// Watcher
// ============================================================================

// Watcher invokes a callback when a device's pillar file changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func(deviceID string)
	done     chan struct{}
}

// Watch starts watching dir. onChange runs on the watcher goroutine with
// the device id derived from the changed file name.
func Watch(dir string, onChange func(deviceID string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create pillar watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{watcher: fw, onChange: onChange, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".yaml") {
				continue
			}
			deviceID := strings.TrimSuffix(name, ".yaml")
			log.Info("Pillar changed", "device", deviceID)
			w.onChange(deviceID)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("Pillar watcher error", "error", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
