package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/toolmesh/pkg/model"
	"github.com/harun/toolmesh/pkg/model/modeltest"
	"github.com/harun/toolmesh/pkg/session"
	"github.com/harun/toolmesh/pkg/toolprovider"
	"github.com/harun/toolmesh/pkg/toolregistry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toolFunc func(args map[string]any) (toolprovider.Result, error)

// fakeProvider is an in-process tool provider.
type fakeProvider struct {
	id    string
	descs []toolprovider.Descriptor
	funcs map[string]toolFunc

	mu    sync.Mutex
	calls []string
}

func newFakeProvider(id string) *fakeProvider {
	return &fakeProvider{id: id, funcs: make(map[string]toolFunc)}
}

func (p *fakeProvider) with(name, schema string, fn toolFunc) *fakeProvider {
	p.descs = append(p.descs, toolprovider.Descriptor{
		Name:        name,
		Description: "tool " + name,
		InputSchema: json.RawMessage(schema),
	})
	p.funcs[name] = fn
	return p
}

func (p *fakeProvider) ID() string { return p.id }

func (p *fakeProvider) Discover(ctx context.Context) ([]toolprovider.Descriptor, error) {
	return p.descs, nil
}

func (p *fakeProvider) Invoke(ctx context.Context, name string, args map[string]any) (toolprovider.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, name)
	p.mu.Unlock()
	return p.funcs[name](args)
}

func (p *fakeProvider) Close() error { return nil }

func (p *fakeProvider) invoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

const (
	querySchema = `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`
	stateSchema = `{"type":"object","properties":{"state":{"type":"string"}},"required":["state"]}`
)

func setupProviders(t *testing.T) (*toolregistry.Registry, *fakeProvider, *fakeProvider) {
	db := newFakeProvider("db").with("add_data", querySchema, func(args map[string]any) (toolprovider.Result, error) {
		return toolprovider.Result{Text: "Data added successfully"}, nil
	})
	weather := newFakeProvider("weather").with("get_alerts", stateSchema, func(args map[string]any) (toolprovider.Result, error) {
		state := args["state"].(string)
		switch state {
		case "XX":
			return toolprovider.Result{}, &toolprovider.ToolError{Provider: "weather", Tool: "get_alerts", Message: "unknown state XX"}
		case "DOWN":
			return toolprovider.Result{}, &toolprovider.InvocationError{Provider: "weather", Tool: "get_alerts", Err: errors.New("connection reset")}
		case "TX":
			return toolprovider.Result{Text: strings.Repeat("flood warning ", 50)}, nil
		}
		return toolprovider.Result{Text: "No active alerts for " + state}, nil
	})

	reg, err := toolregistry.Build(context.Background(), []toolprovider.Connection{db, weather}, toolregistry.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return reg, db, weather
}

func fixedClock() func() time.Time {
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func setupTestRunner(t *testing.T, cfg Config) *Runner {
	cfg.Logger = zerolog.Nop()
	cfg.Backoff = func(int) time.Duration { return time.Millisecond }
	cfg.Clock = fixedClock()
	return NewRunner(cfg)
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestNewRunner_Defaults(t *testing.T) {
	r := NewRunner(Config{})
	assert.Equal(t, DefaultMaxToolRoundTrips, r.cfg.MaxToolRoundTrips)
	assert.Equal(t, DefaultMaxParseRetries, r.cfg.MaxParseRetries)
	assert.Equal(t, DefaultMaxBackendRetries, r.cfg.MaxBackendRetries)
	assert.Equal(t, DefaultExcerptLength, r.cfg.ExcerptLength)
	assert.Equal(t, time.Second, r.cfg.Backoff(0))
	assert.Equal(t, 4*time.Second, r.cfg.Backoff(2))
}

func TestRunner_Run(t *testing.T) {
	t.Run("should chain tools across providers then answer", func(t *testing.T) {
		reg, db, weather := setupProviders(t)
		backend := modeltest.New(
			modeltest.Call("c1", "add_data", map[string]any{"query": "INSERT INTO people VALUES ('Jane', 40, 'pilot')"}),
			modeltest.Call("c2", "get_alerts", map[string]any{"state": "NY"}),
			modeltest.Answer("Added Jane. No active alerts for NY."),
		)
		sess := session.New("s1", "You are helpful.", reg, backend)
		runner := setupTestRunner(t, Config{})

		result, err := runner.Run(context.Background(), sess, "Add Jane, 40, pilot, then check alerts for NY", nil)
		require.NoError(t, err)

		assert.Equal(t, StatusDone, result.Status)
		assert.Equal(t, "s1", result.SessionID)
		assert.NotEmpty(t, result.RunID)
		assert.Equal(t, 2, result.ToolRoundTrips)
		assert.Equal(t, "Added Jane. No active alerts for NY.", result.FinalAnswer)
		assert.Equal(t, []EventType{
			EventToolCallRequested, EventToolCallCompleted,
			EventToolCallRequested, EventToolCallCompleted,
			EventFinalAnswer,
		}, eventTypes(result.Events))

		assert.Equal(t, "add_data", result.Events[0].Tool)
		assert.Equal(t, "Data added successfully", result.Events[1].Excerpt)
		assert.Equal(t, "get_alerts", result.Events[2].Tool)
		assert.Equal(t, map[string]any{"state": "NY"}, result.Events[2].Arguments)
		for i, e := range result.Events {
			assert.Equal(t, i+1, e.Step)
		}

		assert.Equal(t, []string{"add_data"}, db.invoked())
		assert.Equal(t, []string{"get_alerts"}, weather.invoked())
	})

	t.Run("should seed the model with prompt, history, message and tools", func(t *testing.T) {
		reg, _, _ := setupProviders(t)
		backend := modeltest.New(modeltest.Answer("hello"))
		sess := session.New("s1", "You are helpful.", reg, backend)
		sess.AppendTurn(
			session.Turn{Role: model.RoleUser, Content: "earlier"},
			session.Turn{Role: model.RoleAssistant, Content: "reply"},
		)

		_, err := setupTestRunner(t, Config{}).Run(context.Background(), sess, "hi", nil)
		require.NoError(t, err)

		requests := backend.Requests()
		require.Len(t, requests, 1)
		assert.Equal(t, "You are helpful.", requests[0].SystemPrompt)
		require.Len(t, requests[0].Turns, 3)
		assert.Equal(t, "hi", requests[0].Turns[2].Content)
		assert.Len(t, requests[0].Tools, 2)
	})

	t.Run("should append the full trace to the session on success", func(t *testing.T) {
		reg, _, _ := setupProviders(t)
		backend := modeltest.New(
			modeltest.Call("c1", "get_alerts", map[string]any{"state": "CA"}),
			modeltest.Answer("No alerts."),
		)
		sess := session.New("s1", "", reg, backend)

		_, err := setupTestRunner(t, Config{}).Run(context.Background(), sess, "Alerts in CA?", nil)
		require.NoError(t, err)

		history := sess.History()
		require.Len(t, history, 4)
		assert.Equal(t, model.RoleUser, history[0].Role)
		require.NotNil(t, history[1].ToolCall)
		assert.Equal(t, "c1", history[1].ToolCall.ID)
		assert.Equal(t, model.RoleTool, history[2].Role)
		assert.Equal(t, "c1", history[2].ToolCallID)
		assert.Equal(t, "No active alerts for CA", history[2].Content)
		assert.Equal(t, "No alerts.", history[3].Content)
		assert.False(t, sess.Busy())
	})

	t.Run("should end with exactly one final answer event", func(t *testing.T) {
		reg, _, _ := setupProviders(t)
		backend := modeltest.New(
			modeltest.Call("c1", "get_alerts", map[string]any{"state": "CA"}),
			modeltest.Answer("done"),
		)
		result, err := setupTestRunner(t, Config{}).Run(context.Background(), session.New("", "", reg, backend), "go", nil)
		require.NoError(t, err)

		finals := 0
		for _, e := range result.Events {
			if e.Type == EventFinalAnswer {
				finals++
			}
		}
		assert.Equal(t, 1, finals)
		assert.Equal(t, EventFinalAnswer, result.Events[len(result.Events)-1].Type)
	})

	t.Run("should deliver events to the sink in order", func(t *testing.T) {
		reg, _, _ := setupProviders(t)
		backend := modeltest.New(
			modeltest.Call("c1", "get_alerts", map[string]any{"state": "CA"}),
			modeltest.Answer("done"),
		)
		var seen []Event
		result, err := setupTestRunner(t, Config{}).Run(context.Background(), session.New("", "", reg, backend), "go", func(e Event) {
			seen = append(seen, e)
		})
		require.NoError(t, err)
		assert.Equal(t, result.Events, seen)
	})

	t.Run("should truncate the event excerpt but give the model the full result", func(t *testing.T) {
		reg, _, _ := setupProviders(t)
		backend := modeltest.New(
			modeltest.Call("c1", "get_alerts", map[string]any{"state": "TX"}),
			modeltest.Answer("Floods."),
		)
		result, err := setupTestRunner(t, Config{ExcerptLength: 20}).Run(context.Background(), session.New("", "", reg, backend), "TX?", nil)
		require.NoError(t, err)

		completed := result.Events[1]
		assert.Len(t, []rune(completed.Excerpt), 20)
		assert.True(t, completed.Truncated)

		requests := backend.Requests()
		require.Len(t, requests, 2)
		toolTurn := requests[1].Turns[len(requests[1].Turns)-1]
		assert.Equal(t, strings.Repeat("flood warning ", 50), toolTurn.Content)
	})
}

func TestRunner_Run_ToolFailures(t *testing.T) {
	tests := []struct {
		name     string
		call     modeltest.Step
		contains string
	}{
		{
			name:     "tool error",
			call:     modeltest.Call("c1", "get_alerts", map[string]any{"state": "XX"}),
			contains: "tool get_alerts failed: ",
		},
		{
			name:     "invocation error",
			call:     modeltest.Call("c1", "get_alerts", map[string]any{"state": "DOWN"}),
			contains: "connection reset",
		},
		{
			name:     "unknown tool",
			call:     modeltest.Call("c1", "nonexistent_tool", map[string]any{}),
			contains: "tool nonexistent_tool failed: ",
		},
		{
			name:     "invalid arguments",
			call:     modeltest.Call("c1", "get_alerts", map[string]any{"state": 7}),
			contains: "tool get_alerts failed: ",
		},
	}

	for _, tt := range tests {
		t.Run("should recover from "+tt.name, func(t *testing.T) {
			reg, _, _ := setupProviders(t)
			backend := modeltest.New(tt.call, modeltest.Answer("Sorry, that failed."))
			sess := session.New("", "", reg, backend)

			result, err := setupTestRunner(t, Config{}).Run(context.Background(), sess, "try it", nil)
			require.NoError(t, err)
			assert.Equal(t, StatusDone, result.Status)

			completed := result.Events[1]
			assert.Equal(t, EventToolCallCompleted, completed.Type)
			assert.True(t, completed.IsError)
			assert.Contains(t, completed.Excerpt, tt.contains)

			requests := backend.Requests()
			require.Len(t, requests, 2)
			observation := requests[1].Turns[len(requests[1].Turns)-1]
			assert.Equal(t, model.RoleTool, observation.Role)
			assert.True(t, observation.IsError)
			assert.Contains(t, observation.Content, tt.contains)
		})
	}
}

func TestRunner_Run_LoopLimit(t *testing.T) {
	t.Run("should fail after exactly the configured round trips", func(t *testing.T) {
		for _, limit := range []int{1, 3} {
			reg, _, weather := setupProviders(t)
			steps := make([]modeltest.Step, 0, limit+1)
			for i := 0; i <= limit; i++ {
				steps = append(steps, modeltest.Call("c", "get_alerts", map[string]any{"state": "CA"}))
			}
			sess := session.New("", "", reg, modeltest.New(steps...))

			result, err := setupTestRunner(t, Config{MaxToolRoundTrips: limit}).Run(context.Background(), sess, "loop", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrLoopLimitExceeded)

			var limitErr *LoopLimitExceededError
			require.ErrorAs(t, err, &limitErr)
			assert.Equal(t, limit, limitErr.Limit)

			assert.Equal(t, StatusFailed, result.Status)
			assert.Equal(t, limit, result.ToolRoundTrips)
			assert.Len(t, weather.invoked(), limit)
			assert.Len(t, result.Events, 2*limit)
			assert.Empty(t, sess.History())
		}
	})

	t.Run("should default to ten round trips", func(t *testing.T) {
		reg, _, weather := setupProviders(t)
		steps := make([]modeltest.Step, 0, 11)
		for i := 0; i < 11; i++ {
			steps = append(steps, modeltest.Call("c", "get_alerts", map[string]any{"state": "CA"}))
		}

		_, err := setupTestRunner(t, Config{}).Run(context.Background(), session.New("", "", reg, modeltest.New(steps...)), "loop", nil)
		assert.ErrorIs(t, err, ErrLoopLimitExceeded)
		assert.Len(t, weather.invoked(), 10)
	})
}

func TestRunner_Run_ModelFailures(t *testing.T) {
	t.Run("should retry retryable backend errors", func(t *testing.T) {
		backend := modeltest.New(
			modeltest.Fail(errors.New("503 service unavailable")),
			modeltest.Fail(errors.New("rate limit exceeded")),
			modeltest.Answer("recovered"),
		)
		result, err := setupTestRunner(t, Config{}).Run(context.Background(), session.New("", "", nil, backend), "hi", nil)
		require.NoError(t, err)
		assert.Equal(t, "recovered", result.FinalAnswer)
	})

	t.Run("should fail on permanent backend errors with partial events", func(t *testing.T) {
		reg, _, _ := setupProviders(t)
		backend := modeltest.New(
			modeltest.Call("c1", "get_alerts", map[string]any{"state": "CA"}),
			modeltest.Fail(errors.New("invalid api key")),
		)
		sess := session.New("", "", reg, backend)

		result, err := setupTestRunner(t, Config{}).Run(context.Background(), sess, "hi", nil)
		var runErr *RunnerError
		require.ErrorAs(t, err, &runErr)
		assert.Equal(t, "backend", runErr.Stage)

		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, []EventType{EventToolCallRequested, EventToolCallCompleted}, eventTypes(result.Events))
		assert.Empty(t, sess.History())
		assert.False(t, sess.Busy())
	})

	t.Run("should give up after the retry budget", func(t *testing.T) {
		backend := modeltest.New(
			modeltest.Fail(errors.New("503")),
			modeltest.Fail(errors.New("503")),
			modeltest.Fail(errors.New("503")),
		)
		_, err := setupTestRunner(t, Config{MaxBackendRetries: 2}).Run(context.Background(), session.New("", "", nil, backend), "hi", nil)
		var runErr *RunnerError
		require.ErrorAs(t, err, &runErr)
		assert.Equal(t, 3, runErr.Attempts)
		assert.Equal(t, 0, backend.Remaining())
	})

	t.Run("should re-request malformed output", func(t *testing.T) {
		backend := modeltest.New(
			modeltest.Fail(model.ErrMalformedOutput),
			modeltest.Answer("ok"),
		)
		result, err := setupTestRunner(t, Config{}).Run(context.Background(), session.New("", "", nil, backend), "hi", nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", result.FinalAnswer)
	})

	t.Run("should fail when output stays malformed", func(t *testing.T) {
		backend := modeltest.New(
			modeltest.Fail(model.ErrMalformedOutput),
			modeltest.Fail(model.ErrMalformedOutput),
			modeltest.Fail(model.ErrMalformedOutput),
			modeltest.Answer("never reached"),
		)
		_, err := setupTestRunner(t, Config{}).Run(context.Background(), session.New("", "", nil, backend), "hi", nil)
		var runErr *RunnerError
		require.ErrorAs(t, err, &runErr)
		assert.Equal(t, "parse", runErr.Stage)
		assert.ErrorIs(t, err, model.ErrMalformedOutput)
		assert.Equal(t, 1, backend.Remaining())
	})

	t.Run("should stop retrying when the context ends", func(t *testing.T) {
		backend := modeltest.New(modeltest.Fail(errors.New("503")), modeltest.Answer("late"))
		runner := NewRunner(Config{Logger: zerolog.Nop(), Backoff: func(int) time.Duration { return time.Hour }})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := runner.Run(ctx, session.New("", "", nil, backend), "hi", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestRunner_Run_Busy(t *testing.T) {
	sess := session.New("", "", nil, modeltest.New(modeltest.Answer("hi")))
	require.NoError(t, sess.Acquire())
	defer sess.Release()

	result, err := setupTestRunner(t, Config{}).Run(context.Background(), sess, "hi", nil)
	assert.ErrorIs(t, err, session.ErrSessionBusy)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestExcerpt(t *testing.T) {
	got, cut := Excerpt("hello", 10)
	assert.Equal(t, "hello", got)
	assert.False(t, cut)

	got, cut = Excerpt("héllo wörld", 5)
	assert.Equal(t, "héllo", got)
	assert.True(t, cut)

	got, cut = Excerpt("hello", 5)
	assert.Equal(t, "hello", got)
	assert.False(t, cut)
}
