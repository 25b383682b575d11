package spawn

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeoutAfter(t *testing.T) <-chan time.Time {
	t.Helper()
	return time.After(5 * time.Second)
}

const sampleAgentsYAML = `
agents:
  - type: zealot
    description: task executor
    command: ["python", "-m", "agents.run", "--identity", "{identity}", "--channel", "{channel}"]
    env:
      - "AGENT_BUS={bus_url}"
  - type: archon
    command: ["./bin/archon"]
    prompt_file: prompts/archon.md
`

func writeAgentsYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadRegistry(t *testing.T) {
	r, err := LoadRegistry(writeAgentsYAML(t, sampleAgentsYAML))
	require.NoError(t, err)

	zealot, ok := r.Lookup("zealot")
	require.True(t, ok)
	assert.Equal(t, "task executor", zealot.Description)
	assert.Equal(t, []string{"python", "-m", "agents.run", "--identity", "{identity}", "--channel", "{channel}"}, zealot.Command)
	assert.Equal(t, []string{"AGENT_BUS={bus_url}"}, zealot.Env)

	archon, ok := r.Lookup("archon")
	require.True(t, ok)
	assert.Equal(t, "prompts/archon.md", archon.PromptFile)

	_, ok = r.Lookup("carrier")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"zealot", "archon"}, r.Types())
}

func TestLoadRegistry_MissingFile(t *testing.T) {
	r, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, r.Types())
}

func TestLoadRegistry_Invalid(t *testing.T) {
	_, err := LoadRegistry(writeAgentsYAML(t, "agents:\n  - description: no type\n    command: [x]\n"))
	assert.Error(t, err)

	_, err = LoadRegistry(writeAgentsYAML(t, "agents:\n  - type: zealot\n"))
	assert.Error(t, err)

	_, err = LoadRegistry(writeAgentsYAML(t, "agents: {not a list}"))
	assert.Error(t, err)
}

func TestExpandPlaceholders(t *testing.T) {
	info := LaunchInfo{
		Identity: "zealot-1a2b3c4d",
		Channel:  "task:auth:active",
		BusURL:   "ws://127.0.0.1:8888",
	}
	assert.Equal(t, "--id=zealot-1a2b3c4d", expand("--id={identity}", info))
	assert.Equal(t, "AGENT_BUS=ws://127.0.0.1:8888", expand("AGENT_BUS={bus_url}", info))
	assert.Equal(t, "task:auth:active", expand("{channel}", info))
	assert.Equal(t, "plain", expand("plain", info))
}

func TestExecLauncher(t *testing.T) {
	launcher := ExecLauncher{}

	exited := make(chan error, 1)
	h, err := launcher.Launch(LaunchInfo{
		Spec:     TypeSpec{Type: "zealot", Command: []string{"true"}},
		Identity: "zealot-test0001",
		Channel:  "c",
	}, func(err error) { exited <- err })
	require.NoError(t, err)

	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-timeoutAfter(t):
		t.Fatal("process did not exit")
	}
	assert.False(t, h.Alive())
	assert.NoError(t, h.Terminate(), "terminating an exited process is a no-op")
}

func TestExecLauncher_Terminate(t *testing.T) {
	launcher := ExecLauncher{}

	exited := make(chan error, 1)
	h, err := launcher.Launch(LaunchInfo{
		Spec:     TypeSpec{Type: "zealot", Command: []string{"sleep", "60"}},
		Identity: "zealot-test0002",
		Channel:  "c",
	}, func(err error) { exited <- err })
	require.NoError(t, err)
	assert.True(t, h.Alive())

	require.NoError(t, h.Terminate())
	select {
	case err := <-exited:
		assert.Error(t, err, "killed process reports a non-zero exit")
	case <-timeoutAfter(t):
		t.Fatal("process did not exit after terminate")
	}
}

func TestExecLauncher_StartFailure(t *testing.T) {
	launcher := ExecLauncher{}
	_, err := launcher.Launch(LaunchInfo{
		Spec:     TypeSpec{Type: "zealot", Command: []string{"/nonexistent/binary"}},
		Identity: "zealot-test0003",
	}, nil)
	assert.Error(t, err)
}
