package blackout

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-sh/flotilla/pkg/types"
)

func TestActive(t *testing.T) {
	tests := []struct {
		name   string
		pillar map[string]any
		grains map[string]any
		want   bool
	}{
		{"no flags", map[string]any{}, map[string]any{}, false},
		{"pillar bool", map[string]any{"minion_blackout": true}, nil, true},
		{"grains bool", nil, map[string]any{"minion_blackout": true}, true},
		{"pillar string true", map[string]any{"minion_blackout": "True"}, nil, true},
		{"pillar string false", map[string]any{"minion_blackout": "false"}, nil, false},
		{"pillar int", map[string]any{"minion_blackout": 1}, nil, true},
		{"explicit off", map[string]any{"minion_blackout": false}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Active(tt.pillar, tt.grains))
		})
	}
}

func TestCheck(t *testing.T) {
	on := map[string]any{"minion_blackout": true}

	tests := []struct {
		name    string
		fun     string
		pillar  map[string]any
		grains  map[string]any
		blocked bool
	}{
		{
			name:    "inactive allows everything",
			fun:     "test.ping",
			pillar:  map[string]any{},
			blocked: false,
		},
		{
			name:    "active blocks by default",
			fun:     "test.ping",
			pillar:  on,
			blocked: true,
		},
		{
			name:    "refresh escape hatch",
			fun:     types.BlackoutRefreshFun,
			pillar:  on,
			blocked: false,
		},
		{
			name: "pillar whitelist admits",
			fun:  "test.ping",
			pillar: map[string]any{
				"minion_blackout":           true,
				"minion_blackout_whitelist": []string{"test.ping"},
			},
			blocked: false,
		},
		{
			name:   "grains whitelist admits",
			fun:    "test.version",
			pillar: on,
			grains: map[string]any{
				"minion_blackout_whitelist": []any{"test.version"},
			},
			blocked: false,
		},
		{
			name: "whitelist misses other functions",
			fun:  "test.echo",
			pillar: map[string]any{
				"minion_blackout":           true,
				"minion_blackout_whitelist": []string{"test.ping"},
			},
			blocked: true,
		},
		{
			name:    "flag in grains only",
			fun:     "test.ping",
			grains:  map[string]any{"minion_blackout": true},
			blocked: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.fun, tt.pillar, tt.grains)
			if !tt.blocked {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var be *types.BlackoutError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.fun, be.Fun)
		})
	}
}
