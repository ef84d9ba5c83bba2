// Package toolprovider connects to remote tool-providing services over MCP.
//
// Invariants:
// - A Connection owns its transport handle exclusively and releases it on Close.
// - Discover and Invoke are independent: Invoke never re-lists tools.
// - Transport failures surface as *InvocationError, remote domain failures as *ToolError.
//
// Usage:
//
//	conn, err := toolprovider.NewMCPConnection(toolprovider.Config{
//		ID:        "weather",
//		URL:       "http://127.0.0.1:8001/sse",
//		Transport: toolprovider.TransportSSE,
//	})
//	defer conn.Close()
//	tools, err := conn.Discover(ctx)
//	result, err := conn.Invoke(ctx, "get_alerts", map[string]any{"state": "CA"})
package toolprovider
