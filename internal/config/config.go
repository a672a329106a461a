// Package config loads the supervisor's yaml configuration and builds the
// immutable per-agent contexts that every other component consumes. A
// sub-minion's context is produced by copying the process-wide options and
// overlaying device pillar data; a shared Options value is never mutated.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Options is the process-wide configuration, mapped from the yaml config
// file handed to the run command.
type Options struct {
	ID        string `yaml:"id"`
	MasterURL string `yaml:"master_url"`
	AuthToken string `yaml:"auth_token"`
	CacheDir  string `yaml:"cache_dir"`
	PillarDir string `yaml:"pillar_dir"`

	Fleet struct {
		IDs             []string `yaml:"ids"`
		Restrict        []string `yaml:"restrict"`
		ParallelStartup bool     `yaml:"parallel_startup"`
		StartupWorkers  int      `yaml:"startup_workers"`
	} `yaml:"fleet"`

	Dispatch struct {
		MaxConcurrency int           `yaml:"max_concurrency"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		JidQueueHWM    int           `yaml:"jid_queue_hwm"`
	} `yaml:"dispatch"`

	Executors []string `yaml:"module_executors"`
	SudoUser  string   `yaml:"sudo_user"`

	Return struct {
		Retries int           `yaml:"retries"`
		Timeout time.Duration `yaml:"timeout"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"return"`

	Keepalive struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"keepalive"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Shutdown struct {
		Grace time.Duration `yaml:"grace"`
	} `yaml:"shutdown"`

	Grains map[string]any `yaml:"grains"`
}

// ApplyDefaults fills zero-valued fields after decode.
func (o *Options) ApplyDefaults() {
	if o.CacheDir == "" {
		o.CacheDir = "/var/cache/flotilla"
	}
	if o.PillarDir == "" {
		o.PillarDir = "/etc/flotilla/pillar"
	}
	if o.Fleet.StartupWorkers <= 0 {
		o.Fleet.StartupWorkers = 5
	}
	if o.Dispatch.PollInterval <= 0 {
		o.Dispatch.PollInterval = 500 * time.Millisecond
	}
	if o.Dispatch.JidQueueHWM <= 0 {
		o.Dispatch.JidQueueHWM = 100
	}
	if len(o.Executors) == 0 {
		o.Executors = []string{"direct_call"}
	}
	if o.Return.Retries <= 0 {
		o.Return.Retries = 3
	}
	if o.Return.Timeout <= 0 {
		o.Return.Timeout = 30 * time.Second
	}
	if o.Keepalive.Interval <= 0 {
		o.Keepalive.Interval = time.Minute
	}
	if o.Shutdown.Grace <= 0 {
		o.Shutdown.Grace = 10 * time.Second
	}
	if o.Grains == nil {
		o.Grains = map[string]any{}
	}
}

// Load reads and decodes a yaml config file, applying defaults.
func Load(path string) (Options, error) {
	var opts Options
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("parse config: %w", err)
	}
	opts.ApplyDefaults()
	return opts, nil
}

// ============================================================================
// AgentContext
// ============================================================================

// AgentContext is the immutable bundle of options and facts an agent
// identity carries through routing, execution, and return. The top-level
// agent has one; every sub-minion gets its own via Overlay.
type AgentContext struct {
	MinionID string
	Opts     Options
	Grains   map[string]any
	Pillar   map[string]any
}

// NewAgentContext builds the top-level agent's context.
func NewAgentContext(opts Options) *AgentContext {
	return &AgentContext{
		MinionID: opts.ID,
		Opts:     opts,
		Grains:   CopyMap(opts.Grains),
		Pillar:   map[string]any{},
	}
}

// Overlay derives a sub-minion context from this one: options are copied,
// then the device's pillar overlay is applied. Well-known keys under the
// overlay's "proxy" map override the inherited options; the receiver is
// never modified.
func (ac *AgentContext) Overlay(minionID string, pillar map[string]any) *AgentContext {
	opts := ac.Opts // value copy; slices replaced below, never shared mutably
	opts.ID = minionID
	// Every sub-minion gets its own scratch and job cache so markers and
	// cached returns never collide across the fleet.
	opts.CacheDir = filepath.Join(ac.Opts.CacheDir, "proxies", minionID)

	grains := CopyMap(ac.Grains)
	grains["id"] = minionID

	if proxy, ok := pillar["proxy"].(map[string]any); ok {
		if v, ok := proxy["sudo_user"].(string); ok {
			opts.SudoUser = v
		}
		if v, ok := proxy["module_executors"].([]any); ok {
			execs := make([]string, 0, len(v))
			for _, e := range v {
				if s, ok := e.(string); ok {
					execs = append(execs, s)
				}
			}
			if len(execs) > 0 {
				opts.Executors = execs
			}
		}
		if v, ok := proxy["jid_queue_hwm"].(int); ok && v > 0 {
			opts.Dispatch.JidQueueHWM = v
		}
		if v, ok := proxy["proxytype"].(string); ok {
			grains["proxytype"] = v
		}
	}

	return &AgentContext{
		MinionID: minionID,
		Opts:     opts,
		Grains:   grains,
		Pillar:   CopyMap(pillar),
	}
}

// WithPillar returns a copy of the context carrying fresh pillar data.
// Used by pillar refresh; the original context stays untouched so in-flight
// workers keep a consistent view.
func (ac *AgentContext) WithPillar(pillar map[string]any) *AgentContext {
	out := &AgentContext{
		MinionID: ac.MinionID,
		Opts:     ac.Opts,
		Grains:   CopyMap(ac.Grains),
		Pillar:   CopyMap(pillar),
	}
	return out
}

// CopyMap deep-copies a facts map. Nested maps are copied; leaf values are
// shared, which is safe because facts are treated as read-only everywhere.
func CopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = CopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
