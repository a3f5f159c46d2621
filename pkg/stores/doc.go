// Package stores persists run history for stackrun.
//
// SQLiteStore keeps runs, their progress events and state transitions,
// captured outputs and approval decisions in a SQLite database (modernc
// driver, WAL mode for file databases) with schema migrations embedded in
// the binary. History adapts the store to a running project machine:
//
//	h := stores.NewHistory(store, logger)
//	_ = h.Begin(ctx, runID, start)
//	m := project.NewMachine(services,
//		project.WithRunID(runID),
//		project.WithObserver(h.Observer(runID)),
//		project.WithTransitionHook(h.Hook(runID)))
//	...
//	_ = h.Finish(ctx, runID, snap, err)
package stores
