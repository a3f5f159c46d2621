// Package stacks models the synthesized deployment units of a project and
// resolves which one a run targets.
package stacks

// Stack is one independently deployable unit produced by synthesis.
type Stack struct {
	// Name is the unique stack name within the project.
	Name string `json:"name"`

	// Content is the synthesized configuration body (engine JSON).
	Content string `json:"-"`

	// WorkingDirectory is the directory the engine runs in for this stack.
	WorkingDirectory string `json:"working_directory"`

	// Annotations are diagnostics attached to constructs during synthesis.
	Annotations []Annotation `json:"annotations,omitempty"`

	// Dependencies lists stacks this stack depends on.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Manifest parses the stack's configuration body.
func (s Stack) Manifest() (*Manifest, error) {
	return ParseManifest(s.Name, []byte(s.Content))
}

// AnnotationLevel is the severity of an Annotation.
type AnnotationLevel string

const (
	AnnotationInfo  AnnotationLevel = "info"
	AnnotationWarn  AnnotationLevel = "warn"
	AnnotationError AnnotationLevel = "error"
)

// Annotation is a diagnostic emitted for a construct during synthesis.
type Annotation struct {
	ConstructPath string          `json:"constructPath"`
	Level         AnnotationLevel `json:"level"`
	Message       string          `json:"message"`
}

// Names returns the names of the given stacks in order.
func Names(list []Stack) []string {
	names := make([]string, 0, len(list))
	for _, s := range list {
		names = append(names, s.Name)
	}
	return names
}
