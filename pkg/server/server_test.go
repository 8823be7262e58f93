package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/penguin/pkg/core"
	"github.com/kadirpekel/penguin/pkg/llms"
	"github.com/kadirpekel/penguin/pkg/snapshot"
	"github.com/kadirpekel/penguin/pkg/tools"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	provider := llms.NewScriptedProvider("scripted",
		llms.TextScript("a scripted response that is substantive"))
	providers := llms.NewRegistry()
	require.NoError(t, providers.Register("scripted", provider))

	store, err := snapshot.Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := core.New(&core.Config{
		DefaultBinding: llms.ModelBinding{Provider: "scripted", Model: "test"},
	}, providers, tools.NewRegistry(), store, nil)
	require.NoError(t, err)

	s := New(c, nil, nil, "127.0.0.1:0")
	ts := httptest.NewServer(s.router())
	t.Cleanup(ts.Close)
	return s, ts
}

func get(t *testing.T, ts *httptest.Server, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func post(t *testing.T, ts *httptest.Server, path string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := get(t, ts, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "resource_usage")
	assert.Contains(t, body, "agent_capacity")
	assert.Contains(t, body, "performance_metrics")
}

func TestServer_AgentLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := post(t, ts, "/v1/agents", map[string]any{
		"id":      "worker",
		"persona": "a worker agent",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "worker", body["id"])

	resp, body = get(t, ts, "/v1/agents")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	agents := body["agents"].([]any)
	assert.Len(t, agents, 2)

	// Duplicate conflicts.
	resp, _ = post(t, ts, "/v1/agents", map[string]any{"id": "worker"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_UnknownAgentEnvelope(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := get(t, ts, "/v1/agents/ghost/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	errObj := body["error"].(map[string]any)
	assert.Equal(t, "AGENT_NOT_FOUND", errObj["code"])
	assert.Equal(t, false, errObj["recoverable"])
	assert.NotEmpty(t, errObj["suggested_action"])
}

func TestServer_Process(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := post(t, ts, "/v1/agents/default/process", map[string]any{
		"input": "hello there",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a scripted response that is substantive", body["text"])
	assert.Equal(t, "normal", body["completion_reason"])
}

func TestServer_CheckpointAndBranch(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := post(t, ts, "/v1/agents/default/process", map[string]any{"input": "seed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = post(t, ts, "/v1/agents/default/checkpoints", map[string]any{"name": "cp"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	snapID := body["snapshot_id"].(string)
	require.NotEmpty(t, snapID)

	resp, body = get(t, ts, "/v1/agents/default/checkpoints")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["checkpoints"])

	resp, body = post(t, ts, "/v1/agents/default/branch", map[string]any{"snapshot_id": snapID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEqual(t, snapID, body["snapshot_id"])
}

func TestServer_BusMessage(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := post(t, ts, "/v1/messages", map[string]any{
		"sender":    "human",
		"recipient": "default",
		"content":   "note this down",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, body := get(t, ts, "/v1/agents/default/history")
	messages := body["messages"].([]any)
	assert.NotEmpty(t, messages)
}

func TestServer_ListTools(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := get(t, ts, "/v1/tools")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	toolList := body["tools"].([]any)
	// The runtime tools are always registered.
	names := make([]string, 0, len(toolList))
	for _, item := range toolList {
		names = append(names, item.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "send_message")
	assert.Contains(t, names, "delegate")
	assert.Contains(t, names, "spawn_sub_agent")
}

func TestServer_TaskFlow(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := post(t, ts, "/v1/tasks", map[string]any{
		"agent_id": "default",
		"prompt":   "background work",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := get(t, ts, "/v1/agents/default/task?wait=5s")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, []string{"completed", "failed"}, body["state"])
}
