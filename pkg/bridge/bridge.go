package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/agent"
	"github.com/harun/toolmesh/pkg/commandqueue"
	"github.com/harun/toolmesh/pkg/session"
	"github.com/rs/zerolog"
)

// DefaultWarnAfter is how long a queued run may wait before a warning is logged.
const DefaultWarnAfter = 30 * time.Second

// Bridge schedules runs.
type Bridge struct {
	runner    *agent.Runner
	queue     *commandqueue.CommandQueue
	logger    zerolog.Logger
	warnAfter time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithWarnAfter sets the queue wait that triggers a warning.
func WithWarnAfter(d time.Duration) Option {
	return func(b *Bridge) {
		b.warnAfter = d
	}
}

// New creates a bridge.
func New(runner *agent.Runner, queue *commandqueue.CommandQueue, logger zerolog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		runner:    runner,
		queue:     queue,
		logger:    logger,
		warnAfter: DefaultWarnAfter,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Lane returns the command-queue lane used for a session.
func Lane(sessionID string) string {
	return "session:" + sessionID
}

// RunBlocking runs to completion on the calling goroutine.
func (b *Bridge) RunBlocking(ctx context.Context, sess *session.Session, message string, sink agent.EventSink) (agent.RunResult, error) {
	return b.runner.Run(ctx, sess, message, sink)
}

// RunNonBlocking queues the run on the session's lane and returns at once.
// Runs for the same session execute in submission order. The run keeps going
// if the caller's context ends; only its tracing values are carried over.
func (b *Bridge) RunNonBlocking(ctx context.Context, sess *session.Session, message string, sink agent.EventSink) *Pending {
	runCtx := tracing.Detach(ctx)
	done := b.queue.Submit(runCtx, Lane(sess.ID()), b.task(sess, message, sink), b.taskOptions(runCtx, sess))
	return newPending(sess.ID(), done)
}

// Send runs message on the session's lane and waits for it. Unlike
// RunNonBlocking the run is bound to ctx and is cancelled when ctx ends.
func (b *Bridge) Send(ctx context.Context, sess *session.Session, message string) (agent.RunResult, error) {
	value, err := b.queue.Enqueue(ctx, Lane(sess.ID()), b.task(sess, message, nil), b.taskOptions(ctx, sess))
	result, ok := value.(agent.RunResult)
	if !ok {
		result = agent.RunResult{SessionID: sess.ID(), Status: agent.StatusFailed}
	}
	return result, err
}

// Forget fails the queued runs of a deleted session and releases its lane.
// A run already executing finishes; the lane is released by a later Forget.
func (b *Bridge) Forget(sessionID string) {
	lane := Lane(sessionID)
	if cleared := b.queue.ClearLane(lane); cleared > 0 {
		b.logger.Info().Str("session_id", sessionID).Int("cleared", cleared).Msg("Dropped queued runs of deleted session")
	}
	b.queue.RemoveLane(lane)
}

func (b *Bridge) task(sess *session.Session, message string, sink agent.EventSink) commandqueue.Task {
	return func(taskCtx context.Context) (any, error) {
		return b.runner.Run(taskCtx, sess, message, sink)
	}
}

func (b *Bridge) taskOptions(ctx context.Context, sess *session.Session) *commandqueue.TaskOptions {
	return &commandqueue.TaskOptions{
		WarnAfter: b.warnAfter,
		OnWait: func(wait time.Duration, queuePos int) {
			tracing.LoggerFromContext(ctx, b.logger).Warn().
				Str("session_id", sess.ID()).
				Dur("wait", wait).
				Int("queue_pos", queuePos).
				Msg("Run waiting behind earlier runs of the same session")
		},
	}
}

// Pending is a run in flight.
type Pending struct {
	sessionID string
	done      chan struct{}
	result    agent.RunResult
	err       error
}

func newPending(sessionID string, results <-chan commandqueue.Result) *Pending {
	p := &Pending{sessionID: sessionID, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		res := <-results
		if result, ok := res.Value.(agent.RunResult); ok {
			p.result = result
		} else {
			p.result = agent.RunResult{SessionID: sessionID, Status: agent.StatusFailed}
		}
		p.err = res.Err
	}()
	return p
}

// Done is closed once the run has finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Pending) Result() (agent.RunResult, error) {
	return p.result, p.err
}

// Wait blocks until the run finishes or ctx ends. Leaving early does not stop the run.
func (p *Pending) Wait(ctx context.Context) (agent.RunResult, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return agent.RunResult{SessionID: p.sessionID}, fmt.Errorf("waiting for run on session %s: %w", p.sessionID, ctx.Err())
	}
}
