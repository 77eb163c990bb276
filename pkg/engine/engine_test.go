package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alantheprice/devosd/pkg/approval"
	"github.com/alantheprice/devosd/pkg/config"
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

type stubInvoker struct {
	content string
	err     error
}

func (s *stubInvoker) Invoke(ctx context.Context, info models.Info, prompt string) (*gateway.ModelResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.ModelResponse{
		Content: s.content,
		Usage:   gateway.Usage{InputTokens: 80, OutputTokens: 20, TotalTokens: 100},
		ModelID: info.ModelID,
	}, nil
}

type staticCollector struct{}

func (staticCollector) Snapshot(userID string) *types.ContextSnapshot {
	return &types.ContextSnapshot{
		Cwd:       "/tmp",
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
}

func planJSON(command string) string {
	return fmt.Sprintf(`{
		"interpretation": "run a command",
		"commands": [{"type": "bash", "command": %q, "description": "run it", "safety_level": "safe"}],
		"explanation": "runs the command",
		"risks": []
	}`, command)
}

type testRig struct {
	engine *Engine
	bus    *events.Bus
	prefs  *preferences.Store
}

func newTestEngine(t *testing.T, invoker ModelInvoker, hist *history.Store) *testRig {
	t.Helper()

	cfg := config.Default()
	cfg.Approval.ApprovalTimeout = 60

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

	e := New(cfg, logger, bus, staticCollector{}, router, registry, invoker, exec, approvals, hist)
	return &testRig{engine: e, bus: bus, prefs: prefs}
}

func waitForStatus(t *testing.T, e *Engine, jobID string, want types.JobStatus) types.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := e.Job(jobID)
		require.True(t, ok)
		if job.CurrentStatus() == want {
			return job.Snapshot()
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := e.Job(jobID)
	t.Fatalf("job %s never reached %s (now %s)", jobID, want, job.CurrentStatus())
	return types.Job{}
}

func TestSafeCommandRunsWithoutApproval(t *testing.T) {
	rig := newTestEngine(t, &stubInvoker{content: planJSON("echo hello")}, nil)

	job := rig.engine.Submit("echo hello", "dev")
	final := waitForStatus(t, rig.engine, job.ID, types.JobStatusCompleted)

	assert.False(t, final.RequiresApproval)
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.Result)
	assert.True(t, final.Result.Success)
	assert.Equal(t, "hello", final.Result.Output)
	assert.Equal(t, "titan-text-lite", final.ModelUsed)
	assert.Equal(t, 100, final.TokensConsumed)
	assert.Positive(t, final.CostUSD)
}

func TestRiskyCommandWaitsForApproval(t *testing.T) {
	rig := newTestEngine(t, &stubInvoker{content: planJSON("echo cleaned")}, nil)

	ch := rig.bus.Subscribe("test")
	defer rig.bus.Unsubscribe("test")

	// The approval decision is made before Submit returns
	job := rig.engine.Submit("rm old.log", "dev")
	snapshot := job.Snapshot()
	approvalID := snapshot.ApprovalID
	require.NotEmpty(t, approvalID, "job never entered the approval gate")
	assert.True(t, snapshot.RequiresApproval)
	assert.Equal(t, types.JobStatusPending, snapshot.Status)
	assert.Equal(t, "titan-text-lite", snapshot.ModelUsed)
	assert.Positive(t, snapshot.CostUSD)

	// An approval_request notification reaches subscribers
	var sawNotification bool
	timeout := time.After(2 * time.Second)
	for !sawNotification {
		select {
		case evt := <-ch:
			if evt.Type == events.EventTypeNotification {
				data := evt.Data.(map[string]any)
				assert.Equal(t, "approval_request", data["kind"])
				assert.Equal(t, job.ID, data["job_id"])
				sawNotification = true
			}
		case <-timeout:
			t.Fatal("approval notification never arrived")
		}
	}

	outcome := rig.engine.HandleApproval(approvalID, approval.Response{Approved: true, ApprovedBy: "dev"})
	assert.True(t, outcome.Success)

	final := waitForStatus(t, rig.engine, job.ID, types.JobStatusCompleted)
	assert.Equal(t, "dev", final.ApprovedBy)
	require.NotNil(t, final.Result)
	assert.Equal(t, "cleaned", final.Result.Output)
}

func TestRejectionTerminatesJob(t *testing.T) {
	rig := newTestEngine(t, &stubInvoker{content: planJSON("echo never")}, nil)

	job := rig.engine.Submit("rm old.log", "dev")
	approvalID := job.Snapshot().ApprovalID
	require.NotEmpty(t, approvalID)

	outcome := rig.engine.HandleApproval(approvalID, approval.Response{Approved: false})
	assert.True(t, outcome.Success)
	assert.False(t, outcome.Approved)

	final := waitForStatus(t, rig.engine, job.ID, types.JobStatusRejected)
	assert.Nil(t, final.Result)

	// Terminal states are absorbing: a second response must fail
	second := rig.engine.HandleApproval(approvalID, approval.Response{Approved: true})
	assert.False(t, second.Success)
	assert.Equal(t, types.JobStatusRejected, job.CurrentStatus())
}

func TestUnansweredApprovalRejectsJob(t *testing.T) {
	rig := newTestEngine(t, &stubInvoker{content: planJSON("echo never")}, nil)

	job := rig.engine.SubmitWith("rm old.log", "dev", SubmitOptions{
		ApprovalTimeout: time.Second,
	})

	final := waitForStatus(t, rig.engine, job.ID, types.JobStatusRejected)
	assert.Contains(t, lastLogMessage(final), "expired")
	assert.Nil(t, final.Result)
}

func lastLogMessage(job types.Job) string {
	if len(job.Logs) == 0 {
		return ""
	}
	return job.Logs[len(job.Logs)-1].Message
}

func TestClientContextRidesOnSnapshot(t *testing.T) {
	rig := newTestEngine(t, &stubInvoker{content: planJSON("echo hello")}, nil)

	job := rig.engine.SubmitWith("echo hello", "dev", SubmitOptions{
		ClientContext: map[string]any{"project": "devosd"},
	})

	final := waitForStatus(t, rig.engine, job.ID, types.JobStatusCompleted)
	require.NotNil(t, final.Context)
	assert.Equal(t, "devosd", final.Context.Client["project"])
}

func TestModelFailureFailsJob(t *testing.T) {
	rig := newTestEngine(t, &stubInvoker{err: errors.New("throttled")}, nil)

	job := rig.engine.Submit("echo hello", "dev")
	final := waitForStatus(t, rig.engine, job.ID, types.JobStatusFailed)

	assert.Contains(t, final.Error, "Model invocation failed")
	assert.Equal(t, 100, final.Progress)

	// A structured placeholder plan stands in for the missing response
	require.NotNil(t, final.Plan)
	assert.Equal(t, "Unable to process command", final.Plan.Interpretation)
	assert.Empty(t, final.Plan.Steps)
}

func TestPlainTextResponseRunsAsSingleStep(t *testing.T) {
	rig := newTestEngine(t, &stubInvoker{content: "echo hi"}, nil)

	job := rig.engine.Submit("echo hi", "dev")
	final := waitForStatus(t, rig.engine, job.ID, types.JobStatusCompleted)

	require.NotNil(t, final.Plan)
	require.Len(t, final.Plan.Steps, 1)
	assert.Equal(t, "echo hi", final.Plan.Steps[0].Command)
	assert.Equal(t, types.SafetyLevelSafe, final.Plan.Steps[0].SafetyLevel)
	require.NotNil(t, final.Result)
	assert.Equal(t, "hi", final.Result.Output)
}

func TestEmptyPlanFailsJob(t *testing.T) {
	rig := newTestEngine(t, &stubInvoker{content: `{"interpretation": "nothing", "commands": []}`}, nil)

	job := rig.engine.Submit("echo hello", "dev")
	final := waitForStatus(t, rig.engine, job.ID, types.JobStatusFailed)

	assert.Contains(t, final.Error, "no executable steps")
}

func TestTerminalJobsRecordedInHistory(t *testing.T) {
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer hist.Close()

	rig := newTestEngine(t, &stubInvoker{content: planJSON("echo hello")}, hist)

	job := rig.engine.Submit("echo hello", "dev")
	waitForStatus(t, rig.engine, job.ID, types.JobStatusCompleted)

	records, err := hist.Recent("dev", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, job.ID, records[0].JobID)
	assert.True(t, records[0].Success)
}

func TestJobsListNewestFirst(t *testing.T) {
	rig := newTestEngine(t, &stubInvoker{content: planJSON("echo hello")}, nil)

	first := rig.engine.Submit("echo one", "dev")
	waitForStatus(t, rig.engine, first.ID, types.JobStatusCompleted)
	second := rig.engine.Submit("echo two", "dev")
	waitForStatus(t, rig.engine, second.ID, types.JobStatusCompleted)

	jobs := rig.engine.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
}

func TestRetentionEvictsOldestJobs(t *testing.T) {
	rig := newTestEngine(t, &stubInvoker{content: planJSON("echo hello")}, nil)
	rig.engine.retention = 2

	first := rig.engine.Submit("echo one", "dev")
	waitForStatus(t, rig.engine, first.ID, types.JobStatusCompleted)
	second := rig.engine.Submit("echo two", "dev")
	waitForStatus(t, rig.engine, second.ID, types.JobStatusCompleted)
	third := rig.engine.Submit("echo three", "dev")
	waitForStatus(t, rig.engine, third.ID, types.JobStatusCompleted)

	_, ok := rig.engine.Job(first.ID)
	assert.False(t, ok, "oldest job should have been evicted")
	assert.Len(t, rig.engine.Jobs(), 2)
}

func TestRetentionNeverEvictsLiveJobs(t *testing.T) {
	rig := newTestEngine(t, &stubInvoker{content: planJSON("echo hello")}, nil)
	rig.engine.retention = 1

	// Parked awaiting approval, so not evictable
	pending := rig.engine.Submit("rm old.log", "dev")
	require.Equal(t, types.JobStatusPending, pending.CurrentStatus())

	done := rig.engine.Submit("echo one", "dev")
	waitForStatus(t, rig.engine, done.ID, types.JobStatusCompleted)

	rig.engine.Submit("echo two", "dev")

	_, ok := rig.engine.Job(pending.ID)
	assert.True(t, ok, "live job must survive retention trimming")
	_, ok = rig.engine.Job(done.ID)
	assert.False(t, ok, "terminal job should have been evicted instead")
}
