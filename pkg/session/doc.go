// Package session holds the in-memory state of agent conversations.
//
// Invariants:
// - History grows by appends only; Reset is the single way to shrink it.
// - At most one run holds a session at a time (Acquire/Release).
// - History returns a copy; callers never alias session state.
//
// Usage:
//
//	mgr := session.NewManager(registry, backend, prompt, logger)
//	sess, _ := mgr.Create(ctx)
//	if err := sess.Acquire(); err != nil {
//		return err
//	}
//	defer sess.Release()
package session
