package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/progress"
	"github.com/openfroyo/stackrun/pkg/project"
	"github.com/openfroyo/stackrun/pkg/stores"
)

func TestConfirmModel(t *testing.T) {
	tests := []struct {
		name     string
		key      tea.KeyMsg
		answered bool
		approved bool
	}{
		{"yes", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'y'}}, true, true},
		{"upper yes", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'Y'}}, true, true},
		{"no", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'n'}}, true, false},
		{"enter defaults to no", tea.KeyMsg{Type: tea.KeyEnter}, true, false},
		{"ctrl+c", tea.KeyMsg{Type: tea.KeyCtrlC}, true, false},
		{"other keys are ignored", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, cmd := confirmModel{question: "Apply?"}.Update(tt.key)
			m := model.(confirmModel)
			assert.Equal(t, tt.answered, m.answered)
			assert.Equal(t, tt.approved, m.approved)
			assert.Equal(t, tt.answered, cmd != nil, "quits once answered")
		})
	}
}

func TestConfirmModelView(t *testing.T) {
	m := confirmModel{question: "Apply?"}
	assert.Contains(t, m.View(), "[y/N]")

	m.answered, m.approved = true, true
	assert.Contains(t, m.View(), "approved")
}

func TestRendererText(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, false, false)

	r.OnProgress(progress.StackSelected("web"))
	r.OnProgress(progress.Log("web", "plan", "Refreshing state...", false))
	r.OnProgress(progress.Log("web", "plan", "Error: boom", true))
	r.OnProgress(progress.ResourceUpdate("web", "deploy",
		[]byte("aws_s3_bucket.logs: Creation complete after 2s [id=logs-123]\n")))
	r.OnProgress(progress.ResourceUpdate("web", "deploy", []byte("unparsed noise\n")))

	out := buf.String()
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "Refreshing state...")
	assert.Contains(t, out, "Error: boom")
	assert.Contains(t, out, "aws_s3_bucket.logs")
	assert.Contains(t, out, "id=logs-123")
	assert.NotContains(t, out, "unparsed noise", "raw chunks only show in verbose mode")
}

func TestRendererJSON(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, true, false)
	r.OnProgress(progress.Log("web", "plan", "hello", false))

	var event progress.Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, progress.EventLog, event.Type)
	assert.Equal(t, "hello", event.Message)
}

func TestRenderPlan(t *testing.T) {
	assert.Contains(t, renderPlan("web", &engine.Plan{NeedsApply: false}), "No changes")
	assert.Contains(t, renderPlan("web", nil), "No changes")

	plan := &engine.Plan{
		NeedsApply: true,
		ResourceChanges: []engine.ResourceChange{
			{Address: "aws_s3_bucket.logs", Actions: []string{"create"}},
			{Address: "aws_instance.web", Actions: []string{"update"}},
			{Address: "aws_db_instance.main", Actions: []string{"delete", "create"}},
			{Address: "aws_iam_role.ci", Actions: []string{"no-op"}},
		},
	}
	out := renderPlan("web", plan)
	assert.Contains(t, out, "aws_s3_bucket.logs")
	assert.Contains(t, out, "aws_db_instance.main")
	assert.NotContains(t, out, "aws_iam_role.ci")
	assert.Contains(t, out, "1 to add, 1 to change, 0 to destroy, 1 to replace")
}

func TestRenderResult(t *testing.T) {
	var buf bytes.Buffer
	snap := project.Snapshot{
		State: project.StateError,
		Context: project.ExecutionContext{
			TargetAction: project.ActionDeploy,
			Message:      "plan denied by policy",
		},
	}
	require.NoError(t, renderResult(&buf, false, "run-1", snap))
	assert.Contains(t, buf.String(), "plan denied by policy")
	assert.Contains(t, buf.String(), "run-1")

	buf.Reset()
	require.NoError(t, renderResult(&buf, true, "run-1", snap))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "error", decoded["state"])
	assert.Equal(t, "run-1", decoded["run_id"])
}

func TestWriteOutputs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outputs.json")
	require.NoError(t, writeOutputs(path, map[string]interface{}{
		"web": map[string]interface{}{"url": "https://example.com"},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "https://example.com", decoded["web"]["url"])

	require.NoError(t, writeOutputs(path, nil))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}

func TestWatchIgnores(t *testing.T) {
	root := filepath.FromSlash("/work/project")
	got := watchIgnores(root,
		filepath.Join(root, "cdktf.out"),
		filepath.Join(root, ".stackrun", "history.db"),
		filepath.FromSlash("/elsewhere/out"),
		"",
		":memory:",
	)
	assert.Equal(t, []string{"cdktf.out", filepath.Join(".stackrun", "history.db")}, got)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "12345678", shortID("12345678-aaaa"))
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	cmd := newRootCommand("1.2.3", "abc123", "today")
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, buf.String(), "stackrun 1.2.3")
	assert.Contains(t, buf.String(), "abc123")
}

const fixtureManifest = `{
  "version": "0.20.0",
  "stacks": {
    "web": {
      "name": "web",
      "constructPath": "web",
      "synthesizedStackPath": "stacks/web/cdk.tf.json",
      "workingDirectory": "stacks/web",
      "annotations": []
    }
  }
}`

// writeProject creates a project whose synth command copies a prepared
// output directory into place.
func writeProject(t *testing.T) (dir, configPath string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("synth fixture is a shell script")
	}

	dir = t.TempDir()
	fixture := filepath.Join(dir, "fixture")
	require.NoError(t, os.MkdirAll(filepath.Join(fixture, "stacks", "web"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fixture, "manifest.json"), []byte(fixtureManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(fixture, "stacks", "web", "cdk.tf.json"),
		[]byte(`{"output": {"url": {"value": "https://example.com"}}}`), 0o644))

	script := "#!/bin/sh\nmkdir -p \"$STACKRUN_OUTDIR\"\ncp -R ./fixture/. \"$STACKRUN_OUTDIR\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "synth.sh"), []byte(script), 0o755))

	configPath = filepath.Join(dir, "stackrun.yaml")
	cfg := "app: sh ./synth.sh\ntelemetry:\n  logLevel: error\n"
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))
	return dir, configPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "now")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSynthCommandRecordsHistory(t *testing.T) {
	dir, configPath := writeProject(t)

	out, err := execute(t, "--config", configPath, "synth")
	require.NoError(t, err, out)
	assert.Contains(t, out, "synth finished: web")
	assert.FileExists(t, filepath.Join(dir, "cdktf.out", "manifest.json"))

	out, err = execute(t, "--config", configPath, "--json", "history")
	require.NoError(t, err, out)

	var runs []*stores.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "synth", runs[0].Action)
	assert.Equal(t, stores.RunStatusSucceeded, runs[0].Status)
	assert.Equal(t, string(project.StateDone), runs[0].State)

	out, err = execute(t, "--config", configPath, "--json", "history", runs[0].ID)
	require.NoError(t, err, out)
	var events []*stores.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	assert.NotEmpty(t, events)
	assert.Equal(t, stores.EventTypeTransition, events[0].Type)
}

func TestSynthCommandFailure(t *testing.T) {
	_, configPath := writeProject(t)
	require.NoError(t, os.WriteFile(configPath,
		[]byte("app: sh -c 'echo broken >&2; exit 1'\ntelemetry:\n  logLevel: error\n"), 0o644))

	out, err := execute(t, "--config", configPath, "synth")
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, out, "broken")
}

func TestMissingConfigIsUsageError(t *testing.T) {
	t.Setenv("STACKRUN_APP", "")
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "stackrun.yaml"), "synth")
	require.Error(t, err)
	assert.True(t, engine.IsUsage(err), "got %v", err)
}

func TestSynthCommandGraph(t *testing.T) {
	_, configPath := writeProject(t)

	out, err := execute(t, "--config", configPath, "synth", "--graph")
	require.NoError(t, err, out)
	assert.True(t, strings.HasPrefix(out, "digraph stacks {"), out)
	assert.Contains(t, out, `"web";`)
}
