package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const at = "2025-09-10T14:00:00Z"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ANALYSIS_CONFIG", "")
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "corvid", cmd.Use)
	for _, name := range []string{"run", "dedupe", "report", "export", "priorities", "import", "migrate", "leases", "config"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	output := cmd.PersistentFlags().Lookup("output")
	require.NotNil(t, output)
	assert.Equal(t, "o", output.Shorthand)
	assert.Equal(t, "text", output.DefValue)
}

func TestRunJSON(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "run", "--fixture", "testdata/fixture.json", "--at", at, "-o", "json",
		"--out", dir, "--format", "graphml,yaml")
	require.NoError(t, err)

	var sum struct {
		RunID        string `json:"run_id"`
		Events       int    `json:"events"`
		Correlations int    `json:"correlations"`
		Dedupe       struct {
			Absorbed int `json:"absorbed"`
		} `json:"dedupe"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 1, sum.Events)
	assert.Equal(t, 1, sum.Dedupe.Absorbed)
	assert.Equal(t, 1, sum.Correlations)

	for _, name := range []string{"graph.graphml", "graph.yaml", "priorities.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestRunText(t *testing.T) {
	out, err := execute(t, "run", "--fixture", "testdata/fixture.json", "--at", at)
	require.NoError(t, err)
	assert.Contains(t, out, "duplicates absorbed")
	assert.Contains(t, out, "correlations")
}

func TestPrioritiesYAML(t *testing.T) {
	out, err := execute(t, "priorities", "--fixture", "testdata/fixture.json", "--at", at, "-o", "yaml")
	require.NoError(t, err)

	var list []struct {
		NodeID string `yaml:"node_id"`
		Tier   string `yaml:"tier"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)
	assert.ElementsMatch(t, []string{"source:s1", "source:s2"}, []string{list[0].NodeID, list[1].NodeID})
}

func TestExportToStdout(t *testing.T) {
	out, err := execute(t, "export", "--fixture", "testdata/fixture.json", "--at", at, "--format", "graphml")
	require.NoError(t, err)
	assert.Contains(t, out, "<graphml")
	assert.Contains(t, out, "source:s2")
}

func TestReportOfUncorrelatedEvent(t *testing.T) {
	out, err := execute(t, "report", "e1", "--fixture", "testdata/fixture.json", "--at", at, "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestDedupe(t *testing.T) {
	out, err := execute(t, "dedupe", "--fixture", "testdata/fixture.json", "--at", at)
	require.NoError(t, err)
	assert.Contains(t, out, "absorbed 1 into 1 groups")
	assert.Contains(t, out, "e1 <- [e2]")
}

func TestConfigPrintsDefaults(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "window: 168h0m0s")
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "bad output", args: []string{"config", "-o", "xml"}, want: ExitCommandError},
		{name: "no source", args: []string{"run", "--database", ""}, want: ExitCommandError},
		{name: "leases without database", args: []string{"leases"}, want: ExitCommandError},
		{name: "missing fixture", args: []string{"run", "--fixture", "testdata/nope.json"}, want: ExitCommandError},
		{name: "bad time", args: []string{"run", "--fixture", "testdata/fixture.json", "--at", "noon"}, want: ExitCommandError},
		{name: "bad format", args: []string{"export", "--fixture", "testdata/fixture.json", "--format", "dot"}, want: ExitCommandError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			_, err := execute(t, tc.args...)
			require.Error(t, err)
			assert.Equal(t, tc.want, GetExitCode(err))
		})
	}
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
}

func TestImportIntoFixture(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "fixture.json")

	out, err := execute(t, "import", "--fixture", fixture,
		"--sources", "testdata/sources.csv", "--messages", "testdata/messages.csv")
	require.NoError(t, err)
	assert.Contains(t, out, "sources    imported 2, skipped 0")
	assert.Contains(t, out, "messages   imported 1, skipped 1")
	assert.Contains(t, out, "messages: line 3")

	raw, err := os.ReadFile(fixture)
	require.NoError(t, err)
	var fx struct {
		Sources  []struct{ ID string } `json:"sources"`
		Messages []struct{ ID string } `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(raw, &fx))
	assert.Len(t, fx.Sources, 2)
	require.Len(t, fx.Messages, 1)
	assert.Equal(t, "m1", fx.Messages[0].ID)

	_, err = execute(t, "import", "--fixture", fixture)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
