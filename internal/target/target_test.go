package target

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flotilla-sh/flotilla/internal/config"
	"github.com/flotilla-sh/flotilla/pkg/types"
)

func testContext() *config.AgentContext {
	return &config.AgentContext{
		MinionID: "edge-router-1",
		Grains: map[string]any{
			"os":        "junos",
			"proxytype": "netconf",
			"version":   12,
			"roles":     []any{"edge", "transit"},
			"location":  map[string]any{"site": "ams1", "rack": "r42"},
		},
		Pillar: map[string]any{
			"env": "production",
		},
	}
}

func TestMatch(t *testing.T) {
	ac := testContext()
	m := New()

	tests := []struct {
		name      string
		tgt       string
		ttype     types.TargetType
		delimiter string
		want      bool
	}{
		{name: "glob star", tgt: "*", ttype: types.TargetGlob, want: true},
		{name: "glob prefix", tgt: "edge-*", ttype: types.TargetGlob, want: true},
		{name: "glob miss", tgt: "core-*", ttype: types.TargetGlob, want: false},
		{name: "empty type defaults to glob", tgt: "edge-router-?", ttype: "", want: true},

		{name: "pcre", tgt: `^edge-router-\d+$`, ttype: types.TargetPCRE, want: true},
		{name: "pcre miss", tgt: `^core-`, ttype: types.TargetPCRE, want: false},
		{name: "pcre invalid never matches", tgt: `edge-(`, ttype: types.TargetPCRE, want: false},

		{name: "list hit", tgt: "core-1,edge-router-1,core-2", ttype: types.TargetList, want: true},
		{name: "list with spaces", tgt: "core-1, edge-router-1", ttype: types.TargetList, want: true},
		{name: "list miss", tgt: "core-1,core-2", ttype: types.TargetList, want: false},

		{name: "grain exact", tgt: "os:junos", ttype: types.TargetGrain, want: true},
		{name: "grain glob value", tgt: "proxytype:net*", ttype: types.TargetGrain, want: true},
		{name: "grain int value", tgt: "version:12", ttype: types.TargetGrain, want: true},
		{name: "grain list element", tgt: "roles:transit", ttype: types.TargetGrain, want: true},
		{name: "grain nested path", tgt: "location:site:ams1", ttype: types.TargetGrain, want: true},
		{name: "grain miss", tgt: "os:eos", ttype: types.TargetGrain, want: false},
		{name: "grain unknown key", tgt: "nope:whatever", ttype: types.TargetGrain, want: false},
		{name: "grain no delimiter", tgt: "junos", ttype: types.TargetGrain, want: false},

		{name: "grain pcre", tgt: `os:jun.s`, ttype: types.TargetGrainPCRE, want: true},
		{name: "grain pcre miss", tgt: `os:^eos$`, ttype: types.TargetGrainPCRE, want: false},

		{name: "pillar exact", tgt: "env:production", ttype: types.TargetPillar, want: true},
		{name: "pillar miss", tgt: "env:staging", ttype: types.TargetPillar, want: false},

		{name: "unknown type never matches", tgt: "*", ttype: "nodegroup", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.tgt, tt.ttype, tt.delimiter, ac))
		})
	}
}

func TestMatchCustomDelimiter(t *testing.T) {
	ac := testContext()
	m := New()

	assert.True(t, m.Match("location|site|ams1", types.TargetGrain, "|", ac))
	assert.False(t, m.Match("location|site|sfo1", types.TargetGrain, "|", ac))
}
