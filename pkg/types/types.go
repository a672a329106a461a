// Package types defines the core domain model shared across the flotilla
// supervisor: jobs received from upstream, execution results sent back, and
// the lifecycle states of supervised sub-minions.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultDelimiter separates path segments in grain and pillar target
// expressions when the job does not carry its own delimiter.
const DefaultDelimiter = ":"

// TargetType identifies how a job's target expression is interpreted.
type TargetType string

const (
	TargetGlob      TargetType = "glob"
	TargetPCRE      TargetType = "pcre"
	TargetList      TargetType = "list"
	TargetGrain     TargetType = "grain"
	TargetGrainPCRE TargetType = "grain_pcre"
	TargetPillar    TargetType = "pillar"
)

// FleetState is the lifecycle state of one supervised sub-minion.
type FleetState string

const (
	StateUnconfigured  FleetState = "unconfigured"
	StateBootstrapping FleetState = "bootstrapping"
	StateReady         FleetState = "ready"
	StateReconnecting  FleetState = "reconnecting"
	StateFailed        FleetState = "failed"
)

// ============================================================================
// Job
// ============================================================================

// ErrMalformedJob marks an envelope missing one of the required fields.
// Routers drop such payloads silently; no valid jid may exist to answer on.
var ErrMalformedJob = errors.New("malformed job")

// Job is one unit of work received from upstream. A Job is immutable once
// decoded: it may be read by many concurrent workers (one per matched
// sub-minion) but is never mutated by them.
type Job struct {
	JID        string         `json:"jid"`
	Funs       []string       `json:"-"`
	Args       [][]any        `json:"-"`
	Multi      bool           `json:"-"`
	Target     string         `json:"tgt"`
	TargetType TargetType     `json:"tgt_type"`
	Delimiter  string         `json:"delimiter,omitempty"`
	Ret        string         `json:"ret,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	User       string         `json:"user,omitempty"`
	Executors  []string       `json:"module_executors,omitempty"`
	Ordered    bool           `json:"ordered,omitempty"`
	MasterID   string         `json:"master_id,omitempty"`
}

// jobWire is the JSON shape of a job envelope. fun may be a single name or
// an ordered list; arg is one vector of arguments, or one vector per
// function for multi-function jobs.
type jobWire struct {
	JID        string          `json:"jid"`
	Fun        json.RawMessage `json:"fun"`
	Arg        json.RawMessage `json:"arg"`
	Target     json.RawMessage `json:"tgt"`
	TargetType TargetType      `json:"tgt_type"`
	Delimiter  string          `json:"delimiter,omitempty"`
	Ret        string          `json:"ret,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	User       string          `json:"user,omitempty"`
	Executors  []string        `json:"module_executors,omitempty"`
	Ordered    bool            `json:"ordered,omitempty"`
	MasterID   string          `json:"master_id,omitempty"`
}

// UnmarshalJSON decodes the upstream envelope, normalizing the
// single-function and multi-function wire forms into Funs/Args.
func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	j.JID = w.JID
	j.TargetType = w.TargetType
	j.Delimiter = w.Delimiter
	j.Ret = w.Ret
	j.Metadata = w.Metadata
	j.User = w.User
	j.Executors = w.Executors
	j.Ordered = w.Ordered
	j.MasterID = w.MasterID

	// tgt is nearly always a string; list targets may arrive as an array.
	if len(w.Target) > 0 {
		var s string
		if err := json.Unmarshal(w.Target, &s); err == nil {
			j.Target = s
		} else {
			var parts []string
			if err := json.Unmarshal(w.Target, &parts); err != nil {
				return fmt.Errorf("decode tgt: %w", err)
			}
			j.Target = strings.Join(parts, ",")
			if j.TargetType == "" {
				j.TargetType = TargetList
			}
		}
	}

	if len(w.Fun) > 0 {
		var single string
		if err := json.Unmarshal(w.Fun, &single); err == nil {
			j.Funs = []string{single}
			j.Multi = false
		} else {
			var many []string
			if err := json.Unmarshal(w.Fun, &many); err != nil {
				return fmt.Errorf("decode fun: %w", err)
			}
			j.Funs = many
			j.Multi = true
		}
	}

	if len(w.Arg) > 0 {
		if j.Multi {
			var vectors [][]any
			if err := json.Unmarshal(w.Arg, &vectors); err != nil {
				return fmt.Errorf("decode arg vectors: %w", err)
			}
			j.Args = vectors
		} else {
			var vector []any
			if err := json.Unmarshal(w.Arg, &vector); err != nil {
				return fmt.Errorf("decode arg: %w", err)
			}
			j.Args = [][]any{vector}
		}
	}

	return nil
}

// MarshalJSON re-encodes the job in its wire form.
func (j Job) MarshalJSON() ([]byte, error) {
	w := jobWire{
		JID:        j.JID,
		TargetType: j.TargetType,
		Delimiter:  j.Delimiter,
		Ret:        j.Ret,
		Metadata:   j.Metadata,
		User:       j.User,
		Executors:  j.Executors,
		Ordered:    j.Ordered,
		MasterID:   j.MasterID,
	}
	tgt, err := json.Marshal(j.Target)
	if err != nil {
		return nil, err
	}
	w.Target = tgt

	if j.Multi {
		w.Fun, err = json.Marshal(j.Funs)
		if err != nil {
			return nil, err
		}
		w.Arg, err = json.Marshal(j.Args)
	} else {
		var fun string
		if len(j.Funs) > 0 {
			fun = j.Funs[0]
		}
		w.Fun, err = json.Marshal(fun)
		if err != nil {
			return nil, err
		}
		vector := []any{}
		if len(j.Args) > 0 && j.Args[0] != nil {
			vector = j.Args[0]
		}
		w.Arg, err = json.Marshal(vector)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Validate reports whether the job carries every field required for
// dispatch: jid, at least one function, a target, and argument vectors.
// Missing vectors for trailing functions are tolerated and padded.
func (j *Job) Validate() error {
	if j.JID == "" {
		return fmt.Errorf("%w: missing jid", ErrMalformedJob)
	}
	if len(j.Funs) == 0 || j.Funs[0] == "" {
		return fmt.Errorf("%w: missing fun", ErrMalformedJob)
	}
	if j.Target == "" {
		return fmt.Errorf("%w: missing tgt", ErrMalformedJob)
	}
	if j.Args == nil {
		return fmt.Errorf("%w: missing arg", ErrMalformedJob)
	}
	for len(j.Args) < len(j.Funs) {
		j.Args = append(j.Args, nil)
	}
	return nil
}

// DelimiterOrDefault returns the job's delimiter, or ":" when unset.
func (j *Job) DelimiterOrDefault() string {
	if j.Delimiter == "" {
		return DefaultDelimiter
	}
	return j.Delimiter
}

// Returners splits the comma-joined ret field into a deduplicated set,
// preserving first-seen order.
func (j *Job) Returners() []string {
	if j.Ret == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, name := range strings.Split(j.Ret, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// ============================================================================
// ExecutionResult
// ============================================================================

// ExecutionResult is the outcome of running one job against one agent
// identity. Immutable after creation; consumed by the return publisher and
// then discarded.
type ExecutionResult struct {
	JID      string         `json:"jid"`
	MinionID string         `json:"id,omitempty"`
	Fun      string         `json:"fun"`
	FunArgs  []any          `json:"fun_args"`
	Return   any            `json:"return"`
	Retcode  int            `json:"retcode"`
	Success  bool           `json:"success"`
	Metadata map[string]any `json:"metadata,omitempty"`
	MasterID string         `json:"master_id,omitempty"`
}

// Failed builds a failed result for a job with the given message and a
// generic non-zero retcode when none is supplied.
func Failed(job *Job, minionID, fun, msg string, retcode int) ExecutionResult {
	if retcode == 0 {
		retcode = 1
	}
	return ExecutionResult{
		JID:      job.JID,
		MinionID: minionID,
		Fun:      fun,
		Return:   msg,
		Retcode:  retcode,
		Success:  false,
		Metadata: job.Metadata,
		MasterID: job.MasterID,
	}
}

// Event is a one-way notification published upstream, such as a progress
// event emitted while draining a generator executor.
type Event struct {
	Tag  string         `json:"tag"`
	Data map[string]any `json:"data"`
}
