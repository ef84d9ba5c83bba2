package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	RecordToolDispatch("get_alerts", "weather", 20*time.Millisecond, "")
	RecordToolDispatch("add_data", "db", 5*time.Millisecond, "invocation")
	RecordAgentRun("ollama", time.Second, 2, true)
	RecordModelCall("ollama", 300*time.Millisecond, true)
	RecordLaneEnqueue("session:abc", 1)
	RecordLaneCompletion("session:abc", 10*time.Millisecond, true, 0)
	SetActiveSessions(3)
	SetRegistryTools("weather", 2)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `toolmesh_tool_dispatch_total{provider="weather",status="success",tool="get_alerts"}`)
	assert.Contains(t, body, `toolmesh_tool_dispatch_errors_total{kind="invocation",tool="add_data"} 1`)
	assert.Contains(t, body, "toolmesh_active_sessions 3")
	assert.Contains(t, body, `toolmesh_registry_tools{provider="weather"} 2`)
	assert.Contains(t, body, "toolmesh_agent_run_tool_round_trips_count")
}

func TestAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	defer GetAuditLogger().Close()

	RecordSessionAudit(context.Background(), "create", "sess-1")
	RecordDispatchAudit(context.Background(), "get_alerts", "sess-1", "success", map[string]any{"provider": "weather"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "session", first["type"])
	assert.Equal(t, "session:create", first["action"])
	assert.Equal(t, "sess-1", first["actor"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "dispatch:get_alerts", second["action"])
	assert.Equal(t, map[string]any{"provider": "weather"}, second["metadata"])
}
