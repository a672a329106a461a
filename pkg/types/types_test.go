package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobUnmarshalSingleFunction(t *testing.T) {
	raw := `{
		"jid": "20240101000000000001",
		"fun": "test.ping",
		"arg": [],
		"tgt": "*",
		"tgt_type": "glob",
		"user": "ops"
	}`

	var job Job
	require.NoError(t, json.Unmarshal([]byte(raw), &job))

	assert.Equal(t, "20240101000000000001", job.JID)
	assert.Equal(t, []string{"test.ping"}, job.Funs)
	assert.False(t, job.Multi)
	assert.Equal(t, [][]any{{}}, job.Args)
	assert.Equal(t, "*", job.Target)
	assert.Equal(t, TargetGlob, job.TargetType)
	assert.Equal(t, "ops", job.User)
	assert.NoError(t, job.Validate())
}

func TestJobUnmarshalMultiFunction(t *testing.T) {
	raw := `{
		"jid": "20240101000000000002",
		"fun": ["test.ping", "test.echo"],
		"arg": [[], ["hello"]],
		"tgt": "dev-a",
		"tgt_type": "glob",
		"ordered": true
	}`

	var job Job
	require.NoError(t, json.Unmarshal([]byte(raw), &job))

	assert.True(t, job.Multi)
	assert.Equal(t, []string{"test.ping", "test.echo"}, job.Funs)
	require.Len(t, job.Args, 2)
	assert.Empty(t, job.Args[0])
	assert.Equal(t, []any{"hello"}, job.Args[1])
	assert.True(t, job.Ordered)
}

func TestJobUnmarshalListTargetArray(t *testing.T) {
	raw := `{
		"jid": "20240101000000000003",
		"fun": "test.ping",
		"arg": [],
		"tgt": ["dev-a", "dev-b"]
	}`

	var job Job
	require.NoError(t, json.Unmarshal([]byte(raw), &job))

	assert.Equal(t, "dev-a,dev-b", job.Target)
	assert.Equal(t, TargetList, job.TargetType)
}

func TestJobRoundTrip(t *testing.T) {
	orig := Job{
		JID:        "20240101000000000004",
		Funs:       []string{"test.echo"},
		Args:       [][]any{{"x"}},
		Target:     "*",
		TargetType: TargetGlob,
		Ret:        "redis",
		Executors:  []string{"splay", "direct_call"},
	}
	raw, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Job
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, orig.Funs, back.Funs)
	assert.Equal(t, orig.Args, back.Args)
	assert.Equal(t, orig.Ret, back.Ret)
	assert.Equal(t, orig.Executors, back.Executors)
	assert.False(t, back.Multi)
}

func TestJobRoundTripMulti(t *testing.T) {
	orig := Job{
		JID:        "20240101000000000005",
		Funs:       []string{"test.ping", "test.echo"},
		Args:       [][]any{{}, {"hi"}},
		Multi:      true,
		Target:     "dev-a",
		TargetType: TargetGlob,
	}
	raw, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Job
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Multi)
	assert.Equal(t, orig.Funs, back.Funs)
	assert.Equal(t, orig.Args, back.Args)
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		ok   bool
	}{
		{
			name: "complete",
			job:  Job{JID: "j", Funs: []string{"test.ping"}, Args: [][]any{{}}, Target: "*"},
			ok:   true,
		},
		{name: "missing jid", job: Job{Funs: []string{"f"}, Args: [][]any{{}}, Target: "*"}},
		{name: "missing fun", job: Job{JID: "j", Args: [][]any{{}}, Target: "*"}},
		{name: "missing tgt", job: Job{JID: "j", Funs: []string{"f"}, Args: [][]any{{}}}},
		{name: "missing arg", job: Job{JID: "j", Funs: []string{"f"}, Target: "*"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedJob)
			}
		})
	}
}

func TestValidatePadsTrailingArgs(t *testing.T) {
	job := Job{
		JID:    "j",
		Funs:   []string{"test.ping", "test.echo"},
		Args:   [][]any{{}},
		Multi:  true,
		Target: "*",
	}
	require.NoError(t, job.Validate())
	assert.Len(t, job.Args, 2)
}

func TestReturners(t *testing.T) {
	tests := []struct {
		ret  string
		want []string
	}{
		{"", nil},
		{"redis", []string{"redis"}},
		{"redis,local", []string{"redis", "local"}},
		{"redis, local ,redis", []string{"redis", "local"}},
		{",,", nil},
	}
	for _, tt := range tests {
		job := Job{Ret: tt.ret}
		assert.Equal(t, tt.want, job.Returners(), "ret=%q", tt.ret)
	}
}

func TestDelimiterOrDefault(t *testing.T) {
	assert.Equal(t, ":", (&Job{}).DelimiterOrDefault())
	assert.Equal(t, "|", (&Job{Delimiter: "|"}).DelimiterOrDefault())
}

func TestFailed(t *testing.T) {
	job := &Job{JID: "j1", Metadata: map[string]any{"k": "v"}, MasterID: "m"}

	ret := Failed(job, "dev-a", "test.ping", "boom", 0)
	assert.Equal(t, 1, ret.Retcode, "zero retcode is promoted to generic failure")
	assert.False(t, ret.Success)
	assert.Equal(t, "boom", ret.Return)
	assert.Equal(t, "m", ret.MasterID)

	ret = Failed(job, "dev-a", "test.ping", "gone", 254)
	assert.Equal(t, 254, ret.Retcode)
}
