package model

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/toolmesh/internal/observability"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// OpenAIBackend implements Model with the Chat Completions API. It also serves
// OpenAI-compatible servers such as Ollama.
type OpenAIBackend struct {
	client openai.Client
	cfg    Config
	name   string
	// parallelFlag controls whether parallel_tool_calls=false is sent.
	// Some compatible servers reject the field.
	parallelFlag bool
	logger       zerolog.Logger
}

// NewOpenAI creates a backend for the OpenAI API.
func NewOpenAI(cfg Config, logger zerolog.Logger) *OpenAIBackend {
	return newOpenAICompatible(BackendOpenAI, cfg, true, logger)
}

// NewOllama creates a backend for a local Ollama server.
func NewOllama(cfg Config, logger zerolog.Logger) *OpenAIBackend {
	cfg.BaseURL = cmp.Or(cfg.BaseURL, DefaultOllamaBaseURL)
	cfg.Model = cmp.Or(cfg.Model, DefaultOllamaModel)
	// Ollama ignores the key but the client insists on one.
	cfg.APIKey = cmp.Or(cfg.APIKey, "ollama")
	return newOpenAICompatible(BackendOllama, cfg, false, logger)
}

func newOpenAICompatible(name string, cfg Config, parallelFlag bool, logger zerolog.Logger) *OpenAIBackend {
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

	return &OpenAIBackend{
		client:       openai.NewClient(opts...),
		cfg:          cfg,
		name:         name,
		parallelFlag: parallelFlag,
		logger:       logger.With().Str("backend", name).Logger(),
	}
}

func (b *OpenAIBackend) Name() string {
	return b.name
}

// Complete sends the conversation and parses the first choice into a Decision.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (Decision, error) {
	messages, err := openaiMessages(req.SystemPrompt, req.Turns)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(b.cfg.Model),
		Messages: messages,
	}

	if b.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(b.cfg.MaxTokens))
	}

	if b.cfg.Temperature > 0 {
		params.Temperature = openai.Float(b.cfg.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, d := range req.Tools {
			schema, err := schemaObject(d)
			if err != nil {
				return nil, err
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        d.Name,
					Description: openai.String(d.Description),
					Parameters:  openai.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
		if b.parallelFlag {
			params.ParallelToolCalls = openai.Bool(false)
		}
	}

	start := time.Now()
	response, err := b.client.Chat.Completions.New(ctx, params)
	observability.RecordModelCall(b.name, time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", b.name, err)
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("%w: no response choices returned", ErrMalformedOutput)
	}
	msg := response.Choices[0].Message

	calls := make([]ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		args, err := parseArguments(tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	return decide(b.logger, msg.Content, calls)
}

func openaiMessages(systemPrompt string, turns []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}

	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(t.Content))
		case RoleAssistant:
			if t.ToolCall == nil {
				messages = append(messages, openai.AssistantMessage(t.Content))
				continue
			}
			argsJSON, err := json.Marshal(t.ToolCall.Arguments)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
			}
			assistant := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: t.Content,
				ToolCalls: []openai.ChatCompletionMessageToolCall{{
					ID:   t.ToolCall.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      t.ToolCall.Name,
						Arguments: string(argsJSON),
					},
				}},
			}
			messages = append(messages, assistant.ToParam())
		case RoleTool:
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					ToolCallID: t.ToolCallID,
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(t.Content),
					},
				},
			})
		}
	}
	return messages, nil
}
