// Package commandqueue runs tasks on named lanes with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, one at a time unless the
//   lane's concurrency is raised.
// - Tasks in different lanes may execute concurrently.
// - Submit never blocks the caller; the result arrives on a channel.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	done := queue.Submit(ctx, "session:abc", func(ctx context.Context) (any, error) {
//		return "ok", nil
//	}, nil)
//	res := <-done
package commandqueue
