package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

// fakeEngine is a shell script standing in for the engine binary. It records
// its arguments in args.log and answers each subcommand from fixtures in its
// directory.
const fakeEngine = `#!/bin/sh
dir=$(dirname "$0")
echo "$@" >> "$dir/args.log"
case "$1" in
version)
  echo '{"terraform_version":"'"${FAKE_VERSION:-1.6.2}"'"}'
  ;;
init)
  echo "Initializing the backend..."
  echo "Terraform has been successfully initialized!"
  ;;
plan)
  if [ -n "$FAKE_PLAN_FAIL" ]; then
    echo "Error: Invalid provider configuration" >&2
    exit 1
  fi
  echo "Refreshing state..."
  echo "warning: deprecated attribute" >&2
  touch plan
  ;;
show)
  cat "$dir/plan.json"
  ;;
apply|destroy)
  echo "aws_s3_bucket.logs: Creating..."
  echo "aws_s3_bucket.logs: Creation complete after 1s [id=logs]"
  ;;
output)
  echo '{"bucket":{"value":"logs","type":"string","sensitive":false},"count":{"value":2,"type":"number"}}'
  ;;
esac
`

const changedPlan = `{
  "format_version": "1.2",
  "resource_changes": [
    {"address": "aws_s3_bucket.logs", "type": "aws_s3_bucket", "name": "logs", "change": {"actions": ["create"]}},
    {"address": "data.aws_region.current", "type": "aws_region", "name": "current", "change": {"actions": ["read"]}}
  ]
}`

const emptyPlan = `{
  "format_version": "1.2",
  "resource_changes": [
    {"address": "aws_s3_bucket.logs", "type": "aws_s3_bucket", "name": "logs", "change": {"actions": ["no-op"]}}
  ],
  "output_changes": {"bucket": {"actions": ["no-op"]}}
}`

type logLine struct {
	line    string
	isError bool
}

type logSink struct {
	mu    sync.Mutex
	lines []logLine
}

func (s *logSink) log(line string, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, logLine{line, isError})
}

func (s *logSink) has(line string, isError bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if l.line == line && l.isError == isError {
			return true
		}
	}
	return false
}

func newFakeClient(t *testing.T, planJSON string, cfg Config) (*Client, *logSink, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine is a shell script")
	}

	binDir := t.TempDir()
	bin := filepath.Join(binDir, "terraform")
	if err := os.WriteFile(bin, []byte(fakeEngine), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(binDir, "plan.json"), []byte(planJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg.Binary = bin
	sink := &logSink{}
	stack := stacks.Stack{Name: "web", WorkingDirectory: t.TempDir()}
	client, err := New(cfg, stack, sink.log, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client, sink, binDir
}

func readArgs(t *testing.T, binDir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(binDir, "args.log"))
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestClientInitChecksVersion(t *testing.T) {
	client, sink, binDir := newFakeClient(t, changedPlan, Config{VersionConstraint: ">= 1.0, < 2.0"})

	if err := client.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	args := readArgs(t, binDir)
	if len(args) != 2 || args[0] != "version -json" || args[1] != "init -input=false -no-color" {
		t.Errorf("args = %q", args)
	}
	if !sink.has("Terraform has been successfully initialized!", false) {
		t.Errorf("init output was not relayed: %+v", sink.lines)
	}
}

func TestClientInitRejectsVersion(t *testing.T) {
	client, _, binDir := newFakeClient(t, changedPlan, Config{
		VersionConstraint: ">= 1.7",
		Env:               map[string]string{"FAKE_VERSION": "1.5.7"},
	})

	err := client.Init(context.Background())
	var e *engine.Error
	if !errors.As(err, &e) || e.Code != engine.ErrCodeVersionMismatch {
		t.Fatalf("Init() error = %v, want version mismatch", err)
	}
	if !strings.Contains(err.Error(), "1.5.7") {
		t.Errorf("error %q should name the found version", err)
	}
	if args := readArgs(t, binDir); len(args) != 1 {
		t.Errorf("init must not run after a version mismatch: %q", args)
	}
}

func TestClientPlan(t *testing.T) {
	tests := []struct {
		name       string
		planJSON   string
		isDestroy  bool
		wantApply  bool
		wantArgs   string
		wantChange int
	}{
		{
			name:       "changes",
			planJSON:   changedPlan,
			wantApply:  true,
			wantArgs:   "plan -input=false -no-color -out=plan",
			wantChange: 2,
		},
		{
			name:       "no changes",
			planJSON:   emptyPlan,
			wantApply:  false,
			wantArgs:   "plan -input=false -no-color -out=plan",
			wantChange: 1,
		},
		{
			name:       "destroy",
			planJSON:   changedPlan,
			isDestroy:  true,
			wantApply:  true,
			wantArgs:   "plan -input=false -no-color -out=plan -destroy",
			wantChange: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, sink, binDir := newFakeClient(t, tt.planJSON, Config{})

			plan, err := client.Plan(context.Background(), tt.isDestroy)
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			if plan.NeedsApply != tt.wantApply {
				t.Errorf("NeedsApply = %v, want %v", plan.NeedsApply, tt.wantApply)
			}
			if len(plan.ResourceChanges) != tt.wantChange {
				t.Errorf("ResourceChanges = %+v", plan.ResourceChanges)
			}
			if filepath.Base(plan.PlanFile) != "plan" {
				t.Errorf("PlanFile = %s", plan.PlanFile)
			}

			args := readArgs(t, binDir)
			if len(args) != 2 || args[0] != tt.wantArgs || args[1] != "show -json plan" {
				t.Errorf("args = %q", args)
			}
			if !sink.has("Refreshing state...", false) || !sink.has("warning: deprecated attribute", true) {
				t.Errorf("plan output not relayed: %+v", sink.lines)
			}
		})
	}
}

func TestClientPlanFailureKeepsStderr(t *testing.T) {
	client, sink, _ := newFakeClient(t, changedPlan, Config{Env: map[string]string{"FAKE_PLAN_FAIL": "1"}})

	_, err := client.Plan(context.Background(), false)
	if !engine.IsExternal(err) {
		t.Fatalf("Plan() error = %v, want external error", err)
	}
	if got := engine.Stderr(err); got != "Error: Invalid provider configuration" {
		t.Errorf("Stderr() = %q", got)
	}
	var e *engine.Error
	if errors.As(err, &e) && (e.Operation != engine.OperationPlan || e.Stack != "web") {
		t.Errorf("error operation=%s stack=%s", e.Operation, e.Stack)
	}
	if !sink.has("Error: Invalid provider configuration", true) {
		t.Errorf("stderr was not relayed")
	}
}

func TestClientDeployStreamsChunks(t *testing.T) {
	client, _, binDir := newFakeClient(t, changedPlan, Config{})

	var mu sync.Mutex
	var out strings.Builder
	err := client.Deploy(context.Background(), "/tmp/stack/plan", func(chunk []byte) {
		mu.Lock()
		out.Write(chunk)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if !strings.Contains(out.String(), "Creation complete after 1s [id=logs]") {
		t.Errorf("streamed output = %q", out.String())
	}
	if args := readArgs(t, binDir); args[0] != "apply -auto-approve -input=false -no-color /tmp/stack/plan" {
		t.Errorf("args = %q", args)
	}

	out.Reset()
	if err := client.Destroy(context.Background(), "ignored", func(chunk []byte) { out.Write(chunk) }); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if args := readArgs(t, binDir); args[1] != "destroy -auto-approve -input=false -no-color" {
		t.Errorf("args = %q", args)
	}
}

func TestClientOutput(t *testing.T) {
	client, _, _ := newFakeClient(t, changedPlan, Config{})

	outputs, err := client.Output(context.Background())
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if outputs["bucket"] != "logs" || outputs["count"] != float64(2) {
		t.Errorf("outputs = %v", outputs)
	}
}

func TestNewRequiresWorkingDirectory(t *testing.T) {
	if _, err := New(Config{}, stacks.Stack{Name: "web"}, nil, zerolog.Nop()); !engine.IsInternal(err) {
		t.Errorf("New() without directory = %v, want internal error", err)
	}
	missing := filepath.Join(t.TempDir(), "missing")
	if _, err := New(Config{}, stacks.Stack{Name: "web", WorkingDirectory: missing}, nil, zerolog.Nop()); !engine.IsUsage(err) {
		t.Errorf("New() with missing directory = %v, want usage error", err)
	}
}

func TestLineWriter(t *testing.T) {
	var got []string
	w := &lineWriter{emit: func(s string) { got = append(got, s) }}
	w.Write([]byte("first\r\nsec"))
	w.Write([]byte("ond\n\n   \nthi"))
	w.Flush()

	want := []string{"first", "second", "thi"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestParsePlanJSON(t *testing.T) {
	plan, err := ParsePlanJSON([]byte(`{"output_changes": {"url": {"actions": ["update"]}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !plan.NeedsApply {
		t.Errorf("output-only change must need apply")
	}
	if _, err := ParsePlanJSON([]byte("not json")); err == nil {
		t.Errorf("expected error for invalid plan")
	}
}
