// Package bridge exposes a run in two scheduling flavours over the same
// agent.Runner: blocking on the caller's goroutine, or handed to the session's
// command-queue lane so a server goroutine can wait without doing the work.
//
// Usage:
//
//	b := bridge.New(runner, queue, logger)
//	result, err := b.RunBlocking(ctx, sess, "hello", nil)
//
//	pending := b.RunNonBlocking(ctx, sess, "hello", nil)
//	result, err = pending.Wait(ctx)
package bridge
