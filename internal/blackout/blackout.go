// Package blackout evaluates whether a function may run while an agent is
// in blackout mode. Blackout state and its whitelist live in the agent's
// pillar and grains, so the check is a pure predicate over the agent's own
// facts; no state is shared across sub-minions.
package blackout

import (
	"github.com/flotilla-sh/flotilla/pkg/types"
)

const (
	flagKey      = "minion_blackout"
	whitelistKey = "minion_blackout_whitelist"
)

// Active reports whether blackout mode is on for an agent, from either
// pillar or grains.
func Active(pillar, grains map[string]any) bool {
	return truthy(pillar[flagKey]) || truthy(grains[flagKey])
}

// Check returns a BlackoutError when blackout is active and the function
// is neither the pillar-refresh escape hatch nor whitelisted. The caller
// converts the error into a failed result; it never propagates as a crash.
func Check(fun string, pillar, grains map[string]any) error {
	if !Active(pillar, grains) {
		return nil
	}
	if fun == types.BlackoutRefreshFun {
		return nil
	}
	for _, allowed := range whitelist(pillar) {
		if fun == allowed {
			return nil
		}
	}
	for _, allowed := range whitelist(grains) {
		if fun == allowed {
			return nil
		}
	}
	return &types.BlackoutError{Fun: fun}
}

// whitelist extracts minion_blackout_whitelist from a facts map; the value
// may be a []string (from code) or []any (from yaml/json decoding).
func whitelist(facts map[string]any) []string {
	switch v := facts[whitelistKey].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "True" || t == "1"
	case int:
		return t != 0
	default:
		return false
	}
}
