package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alantheprice/devosd/pkg/approval"
	"github.com/alantheprice/devosd/pkg/config"
	"github.com/alantheprice/devosd/pkg/engine"
	"github.com/alantheprice/devosd/pkg/events"
	"github.com/alantheprice/devosd/pkg/executor"
	"github.com/alantheprice/devosd/pkg/gateway"
	"github.com/alantheprice/devosd/pkg/history"
	"github.com/alantheprice/devosd/pkg/logging"
	"github.com/alantheprice/devosd/pkg/models"
	"github.com/alantheprice/devosd/pkg/preferences"
	"github.com/alantheprice/devosd/pkg/risk"
	"github.com/alantheprice/devosd/pkg/types"
	"github.com/alantheprice/devosd/pkg/validator"
)

type stubInvoker struct{ content string }

func (s *stubInvoker) Invoke(ctx context.Context, info models.Info, prompt string) (*gateway.ModelResponse, error) {
	return &gateway.ModelResponse{
		Content: s.content,
		Usage:   gateway.Usage{TotalTokens: 100},
		ModelID: info.ModelID,
	}, nil
}

type staticCollector struct{}

func (staticCollector) Snapshot(userID string) *types.ContextSnapshot {
	return &types.ContextSnapshot{Cwd: "/tmp", UserID: userID, Timestamp: time.Now().UTC()}
}

func planJSON(command string) string {
	return fmt.Sprintf(`{
		"interpretation": "run a command",
		"commands": [{"type": "bash", "command": %q, "description": "run it", "safety_level": "safe"}],
		"explanation": "runs the command"
	}`, command)
}

func newTestServer(t *testing.T, planCommand string) (*httptest.Server, *Server) {
	t.Helper()

	cfg := config.Default()
	logger, err := logging.New(filepath.Join(t.TempDir(), "test.log"), "ERROR")
	require.NoError(t, err)
	logger.SetMirror(false)
	t.Cleanup(func() { logger.Close() })

	bus := events.NewBus()
	registry := models.NewRegistry(cfg.Model.Registry)
	router := models.NewRouter(registry, "")
	v := validator.New(cfg.Security.AllowedCommands, cfg.Security.BlockedCommands)
	exec := executor.New(cfg.Security, v, logger)
	prefs := preferences.NewStore(filepath.Join(t.TempDir(), "prefs.json"))
	approvals := approval.NewManager(cfg.Approval, risk.NewClassifier(), prefs, logger)

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	eng := engine.New(cfg, logger, bus, staticCollector{}, router, registry,
		&stubInvoker{content: planJSON(planCommand)}, exec, approvals, hist)

	server := NewServer(cfg, logger, eng, bus, hist)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, server
}

func postJSON(t *testing.T, url string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func waitForJobStatus(t *testing.T, baseURL, jobID string, want types.JobStatus) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := getJSON(t, baseURL+"/api/v1/command/"+jobID+"/status")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		if body["status"] == string(want) {
			return body
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "echo hello")

	resp, body := getJSON(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitAndComplete(t *testing.T) {
	ts, _ := newTestServer(t, "echo hello")

	resp, body := postJSON(t, ts.URL+"/api/v1/command", map[string]any{
		"command": "echo hello", "user_id": "dev",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, false, body["requires_approval"])
	assert.Equal(t, "titan-text-lite", body["model_used"])
	assert.Positive(t, body["estimated_cost"].(float64))

	final := waitForJobStatus(t, ts.URL, jobID, types.JobStatusCompleted)
	assert.Equal(t, float64(100), final["progress"])
	result := final["result"].(map[string]any)
	assert.Equal(t, "hello", result["output"])
}

func TestSubmitRejectsEmptyCommand(t *testing.T) {
	ts, _ := newTestServer(t, "echo hello")

	resp, body := postJSON(t, ts.URL+"/api/v1/command", map[string]any{"command": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "command is required")
}

func TestStatusUnknownJob(t *testing.T) {
	ts, _ := newTestServer(t, "echo hello")

	resp, body := getJSON(t, ts.URL+"/api/v1/command/no-such-job/status")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "job not found", body["error"])
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, "echo cleaned")

	_, body := postJSON(t, ts.URL+"/api/v1/command", map[string]any{
		"command": "rm old.log", "user_id": "dev",
	})
	jobID := body["job_id"].(string)
	assert.Equal(t, true, body["requires_approval"])

	_, status := getJSON(t, ts.URL+"/api/v1/command/"+jobID+"/status")
	approvalID, _ := status["approval_id"].(string)
	require.NotEmpty(t, approvalID, "job never entered the approval gate")

	resp, outcome := postJSON(t, ts.URL+"/api/v1/command/"+jobID+"/approve", map[string]any{
		"approved": true, "approved_by": "dev",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, outcome["approved"])

	final := waitForJobStatus(t, ts.URL, jobID, types.JobStatusCompleted)
	assert.Equal(t, "dev", final["approved_by"])

	// Second approval attempt hits a settled request
	resp, _ = postJSON(t, ts.URL+"/api/v1/command/"+jobID+"/approve", map[string]any{"approved": false})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestApproveJobWithoutApproval(t *testing.T) {
	ts, _ := newTestServer(t, "echo hello")

	_, body := postJSON(t, ts.URL+"/api/v1/command", map[string]any{
		"command": "echo hello", "user_id": "dev",
	})
	jobID := body["job_id"].(string)
	waitForJobStatus(t, ts.URL, jobID, types.JobStatusCompleted)

	resp, _ := postJSON(t, ts.URL+"/api/v1/command/"+jobID+"/approve", map[string]any{"approved": true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJobsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "echo hello")

	_, body := postJSON(t, ts.URL+"/api/v1/command", map[string]any{
		"command": "echo hello", "user_id": "dev",
	})
	waitForJobStatus(t, ts.URL, body["job_id"].(string), types.JobStatusCompleted)

	resp, list := getJSON(t, ts.URL+"/api/v1/jobs")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), list["count"])

	// Filtering by another user hides the job
	resp, list = getJSON(t, ts.URL+"/api/v1/jobs?user_id=someone-else")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), list["count"])
}

func TestHistoryEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "echo hello")

	_, body := postJSON(t, ts.URL+"/api/v1/command", map[string]any{
		"command": "echo hello", "user_id": "dev",
	})
	waitForJobStatus(t, ts.URL, body["job_id"].(string), types.JobStatusCompleted)

	resp, hist := getJSON(t, ts.URL+"/api/v1/history?user_id=dev")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), hist["count"])

	totals := hist["totals"].(map[string]any)
	assert.Equal(t, float64(1), totals["job_count"])
	assert.Equal(t, float64(1), totals["success_count"])
	assert.Equal(t, float64(100), totals["tokens_consumed"])
}

func TestWebSocketStreamsJobUpdates(t *testing.T) {
	ts, _ := newTestServer(t, "echo hello")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// First frame is the connection acknowledgement
	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connection_status", hello["type"])

	postJSON(t, ts.URL+"/api/v1/command", map[string]any{
		"command": "echo hello", "user_id": "dev",
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawUpdate := false
	for !sawUpdate {
		var evt map[string]any
		require.NoError(t, conn.ReadJSON(&evt))
		if evt["type"] == events.EventTypeJobUpdate {
			data := evt["data"].(map[string]any)
			assert.NotEmpty(t, data["job_id"])
			sawUpdate = true
		}
	}
}
