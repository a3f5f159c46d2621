package synth

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

const manifestJSON = `{
  "version": "0.20.0",
  "stacks": {
    "web": {
      "name": "web",
      "constructPath": "web",
      "synthesizedStackPath": "stacks/web/cdk.tf.json",
      "workingDirectory": "stacks/web",
      "annotations": [
        {"constructPath": "web/bucket", "level": "warn", "message": "bucket has no lifecycle rule"}
      ],
      "dependencies": ["network"]
    },
    "network": {
      "name": "network",
      "constructPath": "network",
      "synthesizedStackPath": "stacks/network/cdk.tf.json",
      "workingDirectory": "stacks/network",
      "annotations": []
    }
  }
}`

func writeOutDir(t *testing.T, dir string) {
	t.Helper()
	for _, name := range []string{"web", "network"} {
		stackDir := filepath.Join(dir, "stacks", name)
		require.NoError(t, os.MkdirAll(stackDir, 0o755))
		body := `{"output": {"name": {"value": "` + name + `"}}}`
		require.NoError(t, os.WriteFile(filepath.Join(stackDir, "cdk.tf.json"), []byte(body), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifestJSON), 0o644))
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	writeOutDir(t, dir)

	list, err := ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, list, 2)

	// Manifest order, not alphabetical.
	assert.Equal(t, []string{"web", "network"}, stacks.Names(list))

	web := list[0]
	assert.Equal(t, filepath.Join(dir, "stacks", "web"), web.WorkingDirectory)
	assert.Contains(t, web.Content, `"web"`)
	assert.Equal(t, []string{"network"}, web.Dependencies)
	require.Len(t, web.Annotations, 1)
	assert.Equal(t, stacks.AnnotationWarn, web.Annotations[0].Level)
	assert.Equal(t, "web/bucket", web.Annotations[0].ConstructPath)
}

func TestReadManifestErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := ReadManifest(t.TempDir())
		assert.True(t, engine.IsUsage(err), "got %v", err)
	})

	t.Run("invalid", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"stacks": `), 0o644))
		_, err := ReadManifest(dir)
		assert.True(t, engine.IsParse(err), "got %v", err)
	})

	t.Run("missing body", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifestJSON), 0o644))
		_, err := ReadManifest(dir)
		assert.True(t, engine.IsUsage(err), "got %v", err)
	})

	t.Run("no stacks", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"version": "1"}`), 0o644))
		list, err := ReadManifest(dir)
		require.NoError(t, err)
		assert.NotNil(t, list)
		assert.Empty(t, list)
	})
}

func TestSynthesize(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("synth fixture is a shell script")
	}

	project := t.TempDir()
	fixture := t.TempDir()
	writeOutDir(t, fixture)

	script := "#!/bin/sh\n" +
		"echo synthesizing\n" +
		"mkdir -p \"$STACKRUN_OUTDIR\"\n" +
		"cp -R \"$1\"/. \"$STACKRUN_OUTDIR\"\n" +
		"[ \"$STACKRUN_OUTDIR\" = \"$CDKTF_OUTDIR\" ] || exit 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(project, "synth.sh"), []byte(script), 0o755))

	s := New(zerolog.Nop())
	list, err := s.Synthesize(context.Background(), "sh ./synth.sh '"+fixture+"'", "cdktf.out", project)
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "network"}, stacks.Names(list))
	assert.Equal(t, filepath.Join(project, "cdktf.out", "stacks", "web"), list[0].WorkingDirectory)
}

func TestSynthesizeFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("synth fixture is a shell script")
	}

	s := New(zerolog.Nop())
	_, err := s.Synthesize(context.Background(), `sh -c "echo 'Error: cannot find module' >&2; exit 1"`, "out", t.TempDir())
	require.Error(t, err)
	assert.True(t, engine.IsExternal(err))
	assert.Equal(t, "Error: cannot find module", engine.Stderr(err))
	assert.Contains(t, err.Error(), "synth command failed: Error: cannot find module")
}

func TestSynthesizeRejectsBadCommands(t *testing.T) {
	s := New(zerolog.Nop())
	for _, command := range []string{"", "   ", `node "main.js`} {
		_, err := s.Synthesize(context.Background(), command, "out", t.TempDir())
		assert.True(t, engine.IsUsage(err), "command %q: got %v", command, err)
	}
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(zerolog.New(&buf))
	p.PrintAnnotations([]stacks.Stack{{
		Name: "web",
		Annotations: []stacks.Annotation{
			{ConstructPath: "web/bucket", Level: stacks.AnnotationWarn, Message: "no lifecycle rule"},
			{ConstructPath: "web/db", Level: stacks.AnnotationError, Message: "invalid engine"},
		},
	}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"level":"warn"`)
	assert.Contains(t, lines[0], `"construct":"web/bucket"`)
	assert.Contains(t, lines[1], `"level":"error"`)
	assert.Contains(t, lines[1], `"message":"invalid engine"`)
}
