// Package engine provides the types shared by every provisioning-engine client.
//
// # Overview
//
// stackrun does not provision infrastructure itself. It drives an external
// engine, either the engine binary running as a child process (package
// engine/local) or a workspace on a remote execution service (package
// engine/remote). Both sides implement the Client interface:
//
//	type Client interface {
//	    Init(ctx context.Context) error
//	    Plan(ctx context.Context, isDestroy bool) (*Plan, error)
//	    Deploy(ctx context.Context, planFile string, onChunk ChunkFunc) error
//	    Destroy(ctx context.Context, planFile string, onChunk ChunkFunc) error
//	    Output(ctx context.Context) (map[string]interface{}, error)
//	}
//
// Log lines are delivered through the LogFunc given to a client's
// constructor; raw apply output is delivered chunk by chunk through ChunkFunc.
//
// # Resource Updates
//
// ParseResourceUpdates turns raw apply output into ResourceUpdate records
// (address, action, status). It is best-effort and never fails.
//
// # Errors
//
// Every failure crossing a package boundary is an *Error carrying an
// ErrorClass:
//
//   - usage: the caller can fix it (unknown stack, ambiguous selection)
//   - internal: an invariant was broken (apply before plan)
//   - external: the engine, synth command or remote service failed
//   - parse: best-effort parsing gave up; logged only
//
// Use IsUsage, IsInternal, IsExternal and IsParse to inspect a chain, and
// Stderr to recover captured process output.
package engine
