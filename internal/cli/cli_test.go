package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLICommands(t *testing.T) {
	root := BuildCLI()

	names := make([]string, 0, 3)
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "status")
	assert.Contains(t, names, "version")

	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "/etc/flotilla/flotillad.yaml", flag.DefValue)
}

func TestVersionCommand(t *testing.T) {
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
}

func TestRunFailsOnMissingConfig(t *testing.T) {
	root := BuildCLI()
	root.SetArgs([]string{"run", "-c", "/nonexistent/flotillad.yaml"})
	assert.Error(t, root.Execute())
}

func TestStatusFailsOnMissingConfig(t *testing.T) {
	root := BuildCLI()
	root.SetArgs([]string{"status", "-c", "/nonexistent/flotillad.yaml"})
	assert.Error(t, root.Execute())
}
