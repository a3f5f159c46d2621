package synth

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

// ManifestFile is the index synthesis writes to the output directory.
const ManifestFile = "manifest.json"

// manifestEntry is one stack in manifest.json.
type manifestEntry struct {
	Name                 string              `json:"name"`
	ConstructPath        string              `json:"constructPath"`
	SynthesizedStackPath string              `json:"synthesizedStackPath"`
	WorkingDirectory     string              `json:"workingDirectory"`
	Annotations          []stacks.Annotation `json:"annotations"`
	Dependencies         []string            `json:"dependencies"`
}

// ReadManifest loads the stacks listed in outDir/manifest.json, in the order
// the manifest lists them, together with each stack's configuration body.
func ReadManifest(outDir string) ([]stacks.Stack, error) {
	path := filepath.Join(outDir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewUsageError(fmt.Sprintf("failed to read synthesis manifest %s", path), err)
	}

	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, engine.NewParseError(fmt.Sprintf("failed to parse synthesis manifest %s", path), err)
	}

	section := v.LookupPath(cue.MakePath(cue.Str("stacks")))
	if !section.Exists() {
		return []stacks.Stack{}, nil
	}
	iter, err := section.Fields(cue.All())
	if err != nil {
		return nil, engine.NewParseError("synthesis manifest stacks is not an object", err)
	}

	list := []stacks.Stack{}
	for iter.Next() {
		key := iter.Selector().Unquoted()
		var entry manifestEntry
		if err := iter.Value().Decode(&entry); err != nil {
			return nil, engine.NewParseError(fmt.Sprintf("invalid manifest entry for stack %q", key), err)
		}
		if entry.Name == "" {
			entry.Name = key
		}

		stack, err := loadStack(outDir, entry)
		if err != nil {
			return nil, err
		}
		list = append(list, stack)
	}
	return list, nil
}

func loadStack(outDir string, entry manifestEntry) (stacks.Stack, error) {
	if entry.SynthesizedStackPath == "" {
		return stacks.Stack{}, engine.NewParseError(
			fmt.Sprintf("manifest entry for stack %q has no synthesizedStackPath", entry.Name), nil).
			WithStack(entry.Name)
	}
	bodyPath := filepath.Join(outDir, filepath.FromSlash(entry.SynthesizedStackPath))
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		return stacks.Stack{}, engine.NewUsageError(
			fmt.Sprintf("failed to read configuration of stack %q", entry.Name), err).
			WithStack(entry.Name)
	}

	workDir := filepath.Dir(bodyPath)
	if entry.WorkingDirectory != "" {
		workDir = filepath.Join(outDir, filepath.FromSlash(entry.WorkingDirectory))
	}

	return stacks.Stack{
		Name:             entry.Name,
		Content:          string(body),
		WorkingDirectory: workDir,
		Annotations:      entry.Annotations,
		Dependencies:     entry.Dependencies,
	}, nil
}
