package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads policy files. A .rego file is a policy on its own, named
// after the file and blocking by default. A .json, .yaml or .yml file is a
// Policy definition carrying its Rego inline.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every policy under paths, each a file or a directory
// walked recursively. Rego test files (*_test.rego) are skipped. All
// failures are collected into one multierror, and policy names must be
// unique across paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		policies []Policy
		errs     *multierror.Error
	)
	for _, root := range paths {
		files, err := policyFiles(ctx, root)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		for _, file := range files {
			p, err := l.loadFile(file)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			policies = append(policies, *p)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	if err := checkUniqueNames(policies); err != nil {
		return nil, err
	}

	l.logger.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("Policies loaded")
	return policies, nil
}

// policyFiles lists the policy files at root in lexical order. A file named
// explicitly is returned whatever its extension, so loadFile can reject it.
func policyFiles(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy path %s: %w", root, err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case d.IsDir(), strings.HasSuffix(path, "_test.rego"):
			return nil
		}
		if _, ok := definitionDecoders[filepath.Ext(path)]; ok || filepath.Ext(path) == ".rego" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory %s: %w", root, err)
	}
	return files, nil
}

var definitionDecoders = map[string]func([]byte, any) error{
	".json": json.Unmarshal,
	".yaml": yaml.Unmarshal,
	".yml":  yaml.Unmarshal,
}

func (l *Loader) loadFile(path string) (*Policy, error) {
	ext := filepath.Ext(path)
	decode, isDefinition := definitionDecoders[ext]
	if !isDefinition && ext != ".rego" {
		return nil, fmt.Errorf("unsupported policy file type: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}

	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ext),
		Severity: SeverityError,
		Enabled:  true,
	}
	if isDefinition {
		p.Enabled = false
		if err := decode(data, p); err != nil {
			return nil, fmt.Errorf("failed to parse policy definition %s: %w", path, err)
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(filepath.Base(path), ext)
		}
		if p.Rego == "" {
			return nil, fmt.Errorf("policy definition %s has no rego", path)
		}
	} else {
		p.Rego = string(data)
		p.Description = leadingComment(p.Rego)
	}
	p.Source = path

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded")
	return p, nil
}

// leadingComment joins the first block of # comments in a Rego module,
// skipping comment lines that start with "package".
func leadingComment(rego string) string {
	var parts []string
	for _, line := range strings.Split(rego, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if line != "" && len(parts) > 0 {
				break
			}
			continue
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		if text != "" && !strings.HasPrefix(text, "package") {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func checkUniqueNames(policies []Policy) error {
	var errs *multierror.Error
	seen := make(map[string]string, len(policies))
	for _, p := range policies {
		if prev, ok := seen[p.Name]; ok {
			errs = multierror.Append(errs, fmt.Errorf("policy %q defined in both %s and %s", p.Name, prev, p.Source))
			continue
		}
		seen[p.Name] = p.Source
	}
	return errs.ErrorOrNil()
}
