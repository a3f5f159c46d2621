package stacks

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/openfroyo/stackrun/pkg/engine"
)

// Manifest is the parsed configuration body of a synthesized stack.
type Manifest struct {
	stack string
	value cue.Value
}

// RemoteBackend is the remote execution backend a stack declares.
type RemoteBackend struct {
	Hostname     string `json:"hostname,omitempty"`
	Organization string `json:"organization"`
	Workspace    string `json:"workspace"`
}

// OutputDecl is an output block declared in a stack body.
type OutputDecl struct {
	// Name is the output name as the engine reports it.
	Name string

	// ConstructID is the path of the construct that declared the output,
	// relative to the stack. Empty when the body carries no metadata.
	ConstructID string
}

// ParseManifest parses a synthesized stack body. The body is JSON; it is
// compiled with CUE so that lookups can address quoted labels such as "//".
func ParseManifest(stack string, content []byte) (*Manifest, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(content, cue.Filename(stack+".tf.json"))
	if err := v.Err(); err != nil {
		return nil, engine.NewParseError(fmt.Sprintf("failed to parse configuration of stack %q", stack), err).
			WithStack(stack)
	}
	if v.Kind() != cue.StructKind {
		return nil, engine.NewParseError(fmt.Sprintf("configuration of stack %q is not an object", stack), nil).
			WithStack(stack)
	}
	return &Manifest{stack: stack, value: v}, nil
}

// RemoteBackend returns the declared terraform.backend.remote block. ok is
// false unless both the organization and a workspace name are set.
func (m *Manifest) RemoteBackend() (backend RemoteBackend, ok bool) {
	remote := m.value.LookupPath(cue.MakePath(cue.Str("terraform"), cue.Str("backend"), cue.Str("remote")))
	if !remote.Exists() {
		return RemoteBackend{}, false
	}

	backend.Hostname = stringAt(remote, cue.Str("hostname"))
	backend.Organization = stringAt(remote, cue.Str("organization"))
	backend.Workspace = stringAt(remote, cue.Str("workspaces"), cue.Str("name"))
	if backend.Organization == "" || backend.Workspace == "" {
		return RemoteBackend{}, false
	}
	return backend, true
}

// Outputs returns the output blocks declared in the body, in declaration order.
func (m *Manifest) Outputs() ([]OutputDecl, error) {
	section := m.value.LookupPath(cue.MakePath(cue.Str("output")))
	if !section.Exists() {
		return nil, nil
	}

	iter, err := section.Fields(cue.All())
	if err != nil {
		return nil, engine.NewParseError("failed to iterate outputs", err).WithStack(m.stack)
	}

	var decls []OutputDecl
	for iter.Next() {
		decl := OutputDecl{Name: iter.Selector().Unquoted()}
		path := stringAt(iter.Value(), cue.Str("//"), cue.Str("metadata"), cue.Str("path"))
		decl.ConstructID = constructID(path)
		decls = append(decls, decl)
	}
	return decls, nil
}

// constructID strips the leading stack segment from a metadata path.
func constructID(path string) string {
	_, rest, found := strings.Cut(path, "/")
	if !found {
		return ""
	}
	return rest
}

func stringAt(v cue.Value, selectors ...cue.Selector) string {
	s, err := v.LookupPath(cue.MakePath(selectors...)).String()
	if err != nil {
		return ""
	}
	return s
}
