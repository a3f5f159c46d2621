package stacks

import (
	"fmt"
	"strings"

	"github.com/openfroyo/stackrun/pkg/engine"
)

// Resolve picks the stack a run operates on. A nil list means synthesis has
// not run yet, which callers must never let happen.
func Resolve(list []Stack, name string) (*Stack, error) {
	if list == nil {
		return nil, engine.NewUsageError("no synthesized stacks available; synth must run before a stack is resolved", nil).
			WithCode(engine.ErrCodeNotSynthesized)
	}

	if name != "" {
		for i := range list {
			if list[i].Name == name {
				return &list[i], nil
			}
		}
		return nil, engine.NewUsageError(
			fmt.Sprintf("unknown stack %q, available stacks: %s", name, formatNames(list)), nil).
			WithCode(engine.ErrCodeUnknownStack).
			WithStack(name)
	}

	if len(list) == 1 {
		return &list[0], nil
	}
	if len(list) == 0 {
		return nil, engine.NewUsageError("no stacks found in the synthesized output", nil).
			WithCode(engine.ErrCodeUnknownStack)
	}
	return nil, engine.NewUsageError(
		fmt.Sprintf("found more than one stack, please specify a target stack. Run stackrun <verb> <stack> with one of these stacks: %s",
			formatNames(list)), nil).
		WithCode(engine.ErrCodeAmbiguousStack).
		WithDetail("stacks", Names(list))
}

func formatNames(list []Stack) string {
	if len(list) == 0 {
		return "(none)"
	}
	return strings.Join(Names(list), ", ")
}
