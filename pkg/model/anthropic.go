package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/harun/toolmesh/internal/observability"
	"github.com/rs/zerolog"
)

// AnthropicBackend implements Model with the Anthropic Messages API.
type AnthropicBackend struct {
	client anthropic.Client
	cfg    Config
	logger zerolog.Logger
}

// NewAnthropic creates an Anthropic backend. Retries are left to the runner.
func NewAnthropic(cfg Config, logger zerolog.Logger) *AnthropicBackend {
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicBackend{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With().Str("backend", BackendAnthropic).Logger(),
	}
}

func (b *AnthropicBackend) Name() string {
	return BackendAnthropic
}

// Complete sends the conversation and parses the reply into a Decision.
func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (Decision, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.cfg.Model),
		Messages:  anthropicMessages(req.Turns),
		MaxTokens: int64(b.cfg.MaxTokens),
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		}
	}

	if b.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(b.cfg.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, d := range req.Tools {
			schema, err := schemaObject(d)
			if err != nil {
				return nil, err
			}
			toolParam := anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties:  schema["properties"],
					Required:    requiredFields(schema),
					ExtraFields: extraSchemaFields(schema),
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{
				DisableParallelToolUse: anthropic.Bool(true),
			},
		}
	}

	start := time.Now()
	response, err := b.client.Messages.New(ctx, params)
	observability.RecordModelCall(BackendAnthropic, time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var (
		text  strings.Builder
		calls []ToolCall
	)
	for _, block := range response.Content {
		switch bl := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(bl.Text)
		case anthropic.ToolUseBlock:
			args, err := parseArguments(bl.JSON.Input.Raw())
			if err != nil {
				return nil, err
			}
			calls = append(calls, ToolCall{ID: bl.ID, Name: bl.Name, Arguments: args})
		}
	}

	return decide(b.logger, text.String(), calls)
}

func anthropicMessages(turns []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(t.ToolCallID, t.Content, t.IsError),
			))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if t.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(t.Content))
			}
			if t.ToolCall != nil {
				blocks = append(blocks, anthropic.NewToolUseBlock(t.ToolCall.ID, t.ToolCall.Arguments, t.ToolCall.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		}
	}
	return out
}

// decide turns parsed completion parts into a Decision. Only the first tool
// call is honoured; extra calls are dropped with a warning.
func decide(logger zerolog.Logger, text string, calls []ToolCall) (Decision, error) {
	if len(calls) > 0 {
		if len(calls) > 1 {
			logger.Warn().Int("tool_calls", len(calls)).Str("kept", calls[0].Name).Msg("Backend returned several tool calls, keeping the first")
		}
		call := calls[0]
		if call.Name == "" {
			return nil, fmt.Errorf("%w: tool call without a name", ErrMalformedOutput)
		}
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		return call, nil
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty completion", ErrMalformedOutput)
	}
	return FinalAnswer{Text: text}, nil
}
