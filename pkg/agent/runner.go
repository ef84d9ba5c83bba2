package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/toolmesh/internal/observability"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/model"
	"github.com/harun/toolmesh/pkg/session"
	"github.com/harun/toolmesh/pkg/toolprovider"
	"github.com/harun/toolmesh/pkg/toolregistry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxToolRoundTrips = 10
	DefaultMaxParseRetries   = 2
	DefaultMaxBackendRetries = 3
	DefaultExcerptLength     = 200
)

// Config holds runner configuration. Zero values take the defaults.
type Config struct {
	// MaxToolRoundTrips caps tool calls per run.
	MaxToolRoundTrips int
	// MaxParseRetries is how many times a malformed completion is re-requested.
	MaxParseRetries int
	// MaxBackendRetries is how many times a retryable backend error is retried.
	MaxBackendRetries int
	ExcerptLength     int
	// Backoff returns the wait before retry attempt n (0-based). Defaults to 1s, 2s, 4s...
	Backoff func(attempt int) time.Duration
	Clock   func() time.Time
	Logger  zerolog.Logger
}

// Runner executes runs against sessions. It holds no per-run state and is
// safe to share.
type Runner struct {
	cfg    Config
	logger zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg Config) *Runner {
	observability.EnsureRegistered()

	if cfg.MaxToolRoundTrips <= 0 {
		cfg.MaxToolRoundTrips = DefaultMaxToolRoundTrips
	}
	if cfg.MaxParseRetries <= 0 {
		cfg.MaxParseRetries = DefaultMaxParseRetries
	}
	if cfg.MaxBackendRetries <= 0 {
		cfg.MaxBackendRetries = DefaultMaxBackendRetries
	}
	if cfg.ExcerptLength <= 0 {
		cfg.ExcerptLength = DefaultExcerptLength
	}
	if cfg.Backoff == nil {
		cfg.Backoff = exponentialBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Runner{cfg: cfg, logger: cfg.Logger}
}

func exponentialBackoff(attempt int) time.Duration {
	return time.Second << attempt
}

// run is the working state of one Run call.
type run struct {
	result     RunResult
	sink       EventSink
	clock      func() time.Time
	state      State
	working    []session.Turn
	transcript []session.Turn
}

func (rn *run) emit(e Event) {
	e.Step = len(rn.result.Events) + 1
	e.Timestamp = rn.clock()
	rn.result.Events = append(rn.result.Events, e)
	if rn.sink != nil {
		rn.sink(e)
	}
}

func (rn *run) record(turns ...session.Turn) {
	rn.working = append(rn.working, turns...)
	rn.transcript = append(rn.transcript, turns...)
}

// Run processes one user message to a terminal state. On success the user
// message, tool trace and answer are appended to the session; on failure the
// session is left untouched and the partial events are returned with the error.
func (r *Runner) Run(ctx context.Context, sess *session.Session, message string, sink EventSink) (RunResult, error) {
	if err := sess.Acquire(); err != nil {
		return RunResult{SessionID: sess.ID(), Status: StatusFailed}, err
	}
	defer sess.Release()

	ctx = tracing.NewRunContext(ctx, sess.ID())
	backend := sess.Model().Name()
	ctx, span := tracing.StartSpan(
		ctx,
		"toolmesh.agent",
		"agent.run",
		attribute.String("session_id", sess.ID()),
		attribute.String("backend", backend),
	)
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("backend", backend).Logger()

	rn := &run{
		result: RunResult{
			RunID:     tracing.GetRunID(ctx),
			SessionID: sess.ID(),
			Events:    []Event{},
		},
		sink:    sink,
		clock:   r.cfg.Clock,
		state:   StateThinking,
		working: sess.History(),
	}
	rn.record(session.Turn{Role: model.RoleUser, Content: message})

	start := time.Now()
	logger.Info().Int("history_turns", len(rn.working)-1).Msg("Agent run started")

	err := r.loop(ctx, sess, rn, logger)

	observability.RecordAgentRun(backend, time.Since(start), rn.result.ToolRoundTrips, err == nil)
	span.SetAttributes(attribute.Int("tool_round_trips", rn.result.ToolRoundTrips))
	tracing.EndSpan(span, err)

	if err != nil {
		logger.Error().
			Err(err).
			Str("state", string(rn.state)).
			Int("tool_round_trips", rn.result.ToolRoundTrips).
			Msg("Agent run failed")
		rn.state = StateFailed
		rn.result.Status = StatusFailed
		return rn.result, err
	}

	rn.state = StateDone
	rn.result.Status = StatusDone
	sess.AppendTurn(rn.transcript...)
	logger.Info().
		Int("tool_round_trips", rn.result.ToolRoundTrips).
		Dur("duration", time.Since(start)).
		Msg("Agent run completed")
	return rn.result, nil
}

func (r *Runner) loop(ctx context.Context, sess *session.Session, rn *run, logger zerolog.Logger) error {
	registry := sess.Registry()
	var tools []toolprovider.Descriptor
	if registry != nil {
		tools = registry.Descriptors()
	}

	for {
		decision, err := r.think(ctx, sess, rn.working, tools, logger)
		if err != nil {
			return err
		}

		switch d := decision.(type) {
		case model.FinalAnswer:
			rn.emit(Event{Type: EventFinalAnswer, Text: d.Text})
			rn.record(session.Turn{Role: model.RoleAssistant, Content: d.Text})
			rn.result.FinalAnswer = d.Text
			return nil

		case model.ToolCall:
			if rn.result.ToolRoundTrips >= r.cfg.MaxToolRoundTrips {
				return &LoopLimitExceededError{Limit: r.cfg.MaxToolRoundTrips, Tool: d.Name}
			}
			rn.result.ToolRoundTrips++

			rn.emit(Event{
				Type:       EventToolCallRequested,
				ToolCallID: d.ID,
				Tool:       d.Name,
				Arguments:  d.Arguments,
			})
			rn.state = StateAwaitingToolResult

			observation := r.act(ctx, registry, d, logger)

			excerpt, truncated := Excerpt(observation.Content, r.cfg.ExcerptLength)
			rn.emit(Event{
				Type:       EventToolCallCompleted,
				ToolCallID: d.ID,
				Tool:       d.Name,
				Excerpt:    excerpt,
				Truncated:  truncated,
				IsError:    observation.IsError,
			})

			call := d
			rn.record(session.Turn{Role: model.RoleAssistant, ToolCall: &call}, observation)
			rn.state = StateThinking

		default:
			return &RunnerError{Stage: "parse", Attempts: 1, Err: fmt.Errorf("%w: unexpected decision %T", model.ErrMalformedOutput, decision)}
		}
	}
}

// act dispatches one tool call and turns the outcome into the tool turn the
// model will see. Dispatch errors become observations.
func (r *Runner) act(ctx context.Context, registry *toolregistry.Registry, call model.ToolCall, logger zerolog.Logger) session.Turn {
	turn := session.Turn{
		Role:       model.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	var (
		result toolprovider.Result
		err    error
	)
	if registry == nil {
		err = &toolregistry.UnknownToolError{Name: call.Name}
	} else {
		result, err = registry.Dispatch(ctx, call.Name, call.Arguments)
	}

	if err != nil {
		logger.Warn().Err(err).Str("tool", call.Name).Msg("Tool call failed, reporting to model")
		turn.Content = fmt.Sprintf("tool %s failed: %s", call.Name, err)
		turn.IsError = true
		return turn
	}

	turn.Content = result.Text
	return turn
}

// think asks the model for the next decision, retrying retryable backend
// errors with backoff and re-requesting malformed output.
func (r *Runner) think(ctx context.Context, sess *session.Session, turns []session.Turn, tools []toolprovider.Descriptor, logger zerolog.Logger) (model.Decision, error) {
	req := model.Request{
		SystemPrompt: sess.SystemPrompt(),
		Turns:        turns,
		Tools:        tools,
	}

	parseFailures := 0
	backendRetries := 0
	attempts := 0

	for {
		attempts++
		decision, err := sess.Model().Complete(ctx, req)
		if err == nil && decision == nil {
			err = fmt.Errorf("%w: empty decision", model.ErrMalformedOutput)
		}
		if err == nil {
			return decision, nil
		}

		if errors.Is(err, model.ErrMalformedOutput) {
			if parseFailures >= r.cfg.MaxParseRetries {
				return nil, &RunnerError{Stage: "parse", Attempts: attempts, Err: err}
			}
			parseFailures++
			logger.Warn().Err(err).Int("attempt", parseFailures).Msg("Malformed model output, asking again")
			continue
		}

		if !model.IsRetryableError(err) || backendRetries >= r.cfg.MaxBackendRetries {
			return nil, &RunnerError{Stage: "backend", Attempts: attempts, Err: err}
		}

		delay := r.cfg.Backoff(backendRetries)
		backendRetries++
		logger.Info().
			Err(err).
			Int("attempt", backendRetries).
			Dur("delay", delay).
			Msg("Retrying after error")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &RunnerError{Stage: "backend", Attempts: attempts, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}
