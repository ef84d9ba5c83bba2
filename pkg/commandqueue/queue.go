package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/toolmesh/internal/observability"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrClosed is delivered to tasks submitted after Close.
	ErrClosed = errors.New("command queue is closed")
	// ErrLaneCleared is delivered to queued tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is a unit of work run on a lane.
type Task func(ctx context.Context) (any, error)

// TaskOptions tunes a single submission.
type TaskOptions struct {
	// WarnAfter logs a warning, and calls OnWait, if the task is still queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// Result is the outcome of a task.
type Result struct {
	Value any
	Err   error
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan Result
}

func (r *taskRecord) finish(res Result) {
	r.result <- res
	close(r.result)
}

type laneState struct {
	mu          sync.Mutex
	concurrency int
	queue       []*taskRecord
	running     int
}

// CommandQueue serializes tasks per lane.
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty queue. Lanes are created on first use with concurrency 1.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[name]
	if !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[name] = ls
		log.Debug().Str("lane", name).Msg("Lane initialized")
	}
	return ls
}

func (cq *CommandQueue) existingLane(name string) (*laneState, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls, ok := cq.lanes[name]
	return ls, ok
}

// Submit queues task on lane and returns at once. The channel receives exactly
// one Result and is then closed.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions) <-chan Result {
	if ctx == nil {
		ctx = context.Background()
	}

	record := &taskRecord{
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan Result, 1),
	}
	if options != nil {
		record.options = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		record.finish(Result{Err: ErrClosed})
		return record.result
	}
	cq.taskIDSeq++
	record.id = fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[lane] = ls
		log.Debug().Str("lane", lane).Msg("Lane initialized")
	}
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	// Held until the lane is dispatched so Close cannot start waiting in between.
	cq.wg.Add(1)
	cq.mu.Unlock()
	defer cq.wg.Done()

	tracing.LoggerFromContext(ctx, log.Logger).Debug().
		Str("lane", lane).
		Str("task_id", record.id).
		Int("queue_size", queueSize).
		Msg("Task enqueued")
	observability.RecordLaneEnqueue(lane, queueSize)

	if record.options.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane)
	}

	cq.processLane(lane)
	return record.result
}

// Enqueue queues task on lane and waits for its result.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (any, error) {
	res := <-cq.Submit(ctx, lane, task, options)
	return res.Value, res.Err
}

func (cq *CommandQueue) processLane(lane string) {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running++

		cq.wg.Add(1)
		go cq.executeTask(lane, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"toolmesh.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	stopCancel()
	cancel()
	tracing.EndSpan(span, err)

	ls := cq.lane(lane)
	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.finish(Result{Value: value, Err: err})

	if err != nil {
		logger.Error().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	observability.RecordLaneCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane)
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	ls, ok := cq.existingLane(lane)
	if !ok {
		return
	}
	ls.mu.Lock()
	queuePos := -1
	for i, r := range ls.queue {
		if r.id == record.id {
			queuePos = i
			break
		}
	}
	ls.mu.Unlock()

	if queuePos < 0 {
		return
	}
	wait := time.Since(record.enqueuedAt)
	log.Warn().
		Str("lane", lane).
		Str("task_id", record.id).
		Dur("wait", wait).
		Int("queue_pos", queuePos).
		Msg("Task waiting longer than expected")
	if record.options.OnWait != nil {
		record.options.OnWait(wait, queuePos)
	}
}

// Stats returns queued, running and concurrency per lane.
func (cq *CommandQueue) Stats() map[string]map[string]int {
	cq.mu.Lock()
	lanes := make(map[string]*laneState, len(cq.lanes))
	for name, ls := range cq.lanes {
		lanes[name] = ls
	}
	cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(lanes))
	for name, ls := range lanes {
		ls.mu.Lock()
		stats[name] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane fails every queued task on lane with ErrLaneCleared. Running tasks are unaffected.
func (cq *CommandQueue) ClearLane(lane string) int {
	ls, ok := cq.existingLane(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	dropped := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range dropped {
		record.finish(Result{Err: ErrLaneCleared})
	}

	log.Info().Str("lane", lane).Int("cleared", len(dropped)).Msg("Lane cleared")
	observability.RecordLaneEnqueue(lane, 0)
	return len(dropped)
}

// RemoveLane drops an idle lane and its metric series. It reports false if
// the lane still has queued or running tasks.
func (cq *CommandQueue) RemoveLane(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return true
	}
	ls.mu.Lock()
	busy := ls.running > 0 || len(ls.queue) > 0
	ls.mu.Unlock()
	if busy {
		return false
	}

	delete(cq.lanes, lane)
	observability.ForgetLane(lane)
	return true
}

// WaitForActive waits until no task is running or queued, up to timeout.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		for _, s := range cq.Stats() {
			if s["running"] > 0 || s["queued"] > 0 {
				drained = false
				break
			}
		}
		if drained {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new tasks, cancels running ones through their context and
// waits for them to return. Queued tasks still run and see a cancelled context.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
