// Package target decides whether an agent identity matches a job's target
// expression. Matchers operate on the agent's own facts, so one payload can
// match the top-level agent and any subset of the fleet independently.
package target

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/flotilla-sh/flotilla/internal/config"
	"github.com/flotilla-sh/flotilla/pkg/types"
)

// Matcher evaluates target expressions against agent facts.
type Matcher interface {
	Match(tgt string, ttype types.TargetType, delimiter string, ac *config.AgentContext) bool
}

// FactMatcher is the reference Matcher over an agent's id, grains, and
// pillar.
type FactMatcher struct{}

// New returns the reference matcher.
func New() *FactMatcher {
	return &FactMatcher{}
}

// Match dispatches on target type. Unknown types never match; an invalid
// expression (for example a bad regex) also never matches rather than
// failing the route.
func (m *FactMatcher) Match(tgt string, ttype types.TargetType, delimiter string, ac *config.AgentContext) bool {
	if delimiter == "" {
		delimiter = types.DefaultDelimiter
	}
	switch ttype {
	case types.TargetGlob, "":
		ok, err := path.Match(tgt, ac.MinionID)
		return err == nil && ok
	case types.TargetPCRE:
		re, err := regexp.Compile(tgt)
		return err == nil && re.MatchString(ac.MinionID)
	case types.TargetList:
		for _, id := range strings.Split(tgt, ",") {
			if strings.TrimSpace(id) == ac.MinionID {
				return true
			}
		}
		return false
	case types.TargetGrain:
		return matchFacts(tgt, delimiter, ac.Grains, false)
	case types.TargetGrainPCRE:
		return matchFacts(tgt, delimiter, ac.Grains, true)
	case types.TargetPillar:
		return matchFacts(tgt, delimiter, ac.Pillar, false)
	default:
		return false
	}
}

// matchFacts evaluates "path:to:key<delim>pattern" expressions against a
// nested facts map. The final segment is the pattern; everything before it
// is the lookup path.
func matchFacts(expr, delimiter string, facts map[string]any, pcre bool) bool {
	idx := strings.LastIndex(expr, delimiter)
	if idx < 0 {
		return false
	}
	keyPath := expr[:idx]
	pattern := expr[idx+len(delimiter):]

	val, ok := lookup(facts, strings.Split(keyPath, delimiter))
	if !ok {
		return false
	}

	for _, candidate := range stringify(val) {
		if pcre {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false
			}
			if re.MatchString(candidate) {
				return true
			}
			continue
		}
		if ok, err := path.Match(pattern, candidate); err == nil && ok {
			return true
		}
	}
	return false
}

func lookup(facts map[string]any, keys []string) (any, bool) {
	var cur any = facts
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// stringify flattens a fact value into matchable strings: scalars become a
// single candidate, lists one candidate per element.
func stringify(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case bool:
		if t {
			return []string{"true", "True"}
		}
		return []string{"false", "False"}
	case int:
		return []string{strconv.Itoa(t)}
	case float64:
		return []string{strconv.FormatFloat(t, 'f', -1, 64)}
	case []string:
		return t
	case []any:
		var out []string
		for _, e := range t {
			out = append(out, stringify(e)...)
		}
		return out
	default:
		return nil
	}
}
