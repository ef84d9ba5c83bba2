// Package model is the boundary to language-model backends.
//
// A backend turns the conversation so far plus the available tools into a
// single Decision: either one ToolCall or a FinalAnswer. Backends never return
// more than one tool call per completion.
//
// Usage:
//
//	m, err := model.New(model.Config{Backend: "ollama", Model: "llama3.2"}, logger)
//	decision, err := m.Complete(ctx, model.Request{SystemPrompt: prompt, Turns: history, Tools: tools})
//	switch d := decision.(type) {
//	case model.ToolCall:
//	case model.FinalAnswer:
//	}
package model
