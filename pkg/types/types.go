// Package types holds the shared data model for the devosd daemon.
package types

import (
	"fmt"
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusApproved  JobStatus = "approved"
	JobStatusExecuting JobStatus = "executing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRejected  JobStatus = "rejected"
)

// IsTerminal reports whether the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusRejected
}

// StepKind classifies a planned step.
type StepKind string

const (
	StepKindShell  StepKind = "bash"
	StepKindPython StepKind = "python"
	StepKindSQL    StepKind = "sql"
)

// Safety levels a model may self-declare on a planned step.
const (
	SafetyLevelSafe        = "safe"
	SafetyLevelModerate    = "moderate"
	SafetyLevelDestructive = "destructive"
)

// PlannedStep is a single operation produced by the model gateway.
type PlannedStep struct {
	Kind        StepKind `json:"type"`
	Command     string   `json:"command"`
	Description string   `json:"description"`
	SafetyLevel string   `json:"safety_level"`
}

// Plan is the structured model response: an interpretation of the user's
// request plus the ordered steps to carry it out.
type Plan struct {
	Interpretation string        `json:"interpretation"`
	Steps          []PlannedStep `json:"commands"`
	Explanation    string        `json:"explanation"`
	Risks          []string      `json:"risks"`
}

// ContextSnapshot captures system state at job submission. The collector
// summaries are opaque maps; a failed collector embeds {"error": ...}
// instead of raising.
type ContextSnapshot struct {
	Cwd         string            `json:"cwd"`
	UserID      string            `json:"user_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Files       map[string]any    `json:"files,omitempty"`
	Processes   map[string]any    `json:"processes,omitempty"`
	Git         map[string]any    `json:"git,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Client      map[string]any    `json:"client,omitempty"`
}

// ExecutionResult aggregates the outcome of running a plan.
type ExecutionResult struct {
	Success          bool     `json:"success"`
	Output           string   `json:"output"`
	Error            string   `json:"error"`
	ExitCode         int      `json:"exit_code"`
	ExecutionTimeMs  float64  `json:"execution_time_ms"`
	CommandsExecuted []string `json:"commands_executed"`
	FilesAffected    []string `json:"files_affected"`
}

// LogEntry is one timestamped line in a job's event log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Job tracks one user request through approval and execution. All mutation
// goes through the methods below, which serialize on the job's own lock.
type Job struct {
	mu sync.Mutex

	ID      string    `json:"id"`
	Command string    `json:"command"`
	UserID  string    `json:"user_id"`
	Status  JobStatus `json:"status"`

	Context  *ContextSnapshot `json:"context,omitempty"`
	Plan     *Plan            `json:"plan,omitempty"`
	Result   *ExecutionResult `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Logs     []LogEntry       `json:"logs"`
	Progress int              `json:"progress"`

	ModelUsed      string  `json:"model_used,omitempty"`
	TokensConsumed int     `json:"tokens_consumed"`
	CostUSD        float64 `json:"cost_usd"`

	RequiresApproval bool       `json:"requires_approval"`
	ApprovalID       string     `json:"approval_id,omitempty"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob creates a job in its initial state.
func NewJob(id, command, userID string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		Command:   command,
		UserID:    userID,
		Status:    JobStatusPending,
		Logs:      []LogEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddLog appends a timestamped entry to the job log.
func (j *Job) AddLog(level, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.appendLogLocked(level, message)
}

func (j *Job) appendLogLocked(level, message string) {
	j.Logs = append(j.Logs, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})
	j.UpdatedAt = time.Now().UTC()
}

// UpdateProgress raises the progress percentage. Progress never decreases
// and is clamped to [0,100]. Terminal jobs are left untouched.
func (j *Job) UpdateProgress(progress int, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status.IsTerminal() {
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress <= j.Progress {
		return
	}
	j.Progress = progress
	j.UpdatedAt = time.Now().UTC()
	if message != "" {
		j.appendLogLocked("INFO", fmt.Sprintf("Progress %d%%: %s", progress, message))
	}
}

// SetStatus transitions the job to a new status, logging the change.
// Transitions out of a terminal status are ignored and return false.
func (j *Job) SetStatus(status JobStatus, message string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status.IsTerminal() {
		return false
	}
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	if message != "" {
		j.appendLogLocked("INFO", fmt.Sprintf("Status changed to %s: %s", status, message))
	}
	return true
}

// CurrentStatus returns the status under the job lock.
func (j *Job) CurrentStatus() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

// Mutate runs fn while holding the job lock. Terminal jobs are left
// untouched and Mutate returns false.
func (j *Job) Mutate(fn func(*Job)) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status.IsTerminal() {
		return false
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	return true
}

// Snapshot returns a copy of the job safe to serialize outside the lock.
func (j *Job) Snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()

	return Job{
		ID:               j.ID,
		Command:          j.Command,
		UserID:           j.UserID,
		Status:           j.Status,
		Context:          j.Context,
		Plan:             j.Plan,
		Result:           j.Result,
		Error:            j.Error,
		Logs:             append([]LogEntry(nil), j.Logs...),
		Progress:         j.Progress,
		ModelUsed:        j.ModelUsed,
		TokensConsumed:   j.TokensConsumed,
		CostUSD:          j.CostUSD,
		RequiresApproval: j.RequiresApproval,
		ApprovalID:       j.ApprovalID,
		ApprovedBy:       j.ApprovedBy,
		ApprovedAt:       j.ApprovedAt,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}
