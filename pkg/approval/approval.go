// Package approval runs the human approval gate: it decides which
// commands need sign-off, tracks pending requests until they are
// answered or expire, and feeds decisions back into the preference
// store.
package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alantheprice/devosd/pkg/config"
	"github.com/alantheprice/devosd/pkg/logging"
	"github.com/alantheprice/devosd/pkg/preferences"
	"github.com/alantheprice/devosd/pkg/risk"
	"github.com/alantheprice/devosd/pkg/types"
)

// Request is one pending approval.
type Request struct {
	ID        string                 `json:"id"`
	JobID     string                 `json:"job_id"`
	Command   string                 `json:"command"`
	UserID    string                 `json:"user_id"`
	Context   *types.ContextSnapshot `json:"context,omitempty"`
	Risk      risk.Report            `json:"risk_assessment"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// Response is the user's answer to an approval request.
type Response struct {
	Approved   bool   `json:"approved"`
	Remember   bool   `json:"remember"`
	Note       string `json:"note"`
	ApprovedBy string `json:"approved_by"`
}

// Outcome reports how a response was handled.
type Outcome struct {
	Success  bool   `json:"success"`
	Approved bool   `json:"approved"`
	Status   string `json:"status"`
	Note     string `json:"note,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Summary is the list view of a pending request.
type Summary struct {
	ID            string  `json:"id"`
	JobID         string  `json:"job_id"`
	Command       string  `json:"command"`
	UserID        string  `json:"user_id"`
	RiskLevel     string  `json:"risk_level"`
	CreatedAt     string  `json:"created_at"`
	ExpiresAt     string  `json:"expires_at"`
	TimeRemaining float64 `json:"time_remaining"`
}

// Assessor scores command risk. *risk.Classifier is the production
// implementation.
type Assessor interface {
	Assess(command string, ctx *types.ContextSnapshot) risk.Report
}

// Manager owns the pending approval registry.
type Manager struct {
	mu sync.Mutex

	classifier Assessor
	prefs      *preferences.Store
	logger     *logging.Logger

	autoApproveSafe  bool
	learnPreferences bool
	timeout          time.Duration

	pending  map[string]*Request
	timers   map[string]*time.Timer
	onExpire func(*Request)
}

// NewManager builds the approval gate from config.
func NewManager(cfg config.ApprovalConfig, classifier Assessor, prefs *preferences.Store, logger *logging.Logger) *Manager {
	timeout := time.Duration(cfg.ApprovalTimeout) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Manager{
		classifier:       classifier,
		prefs:            prefs,
		logger:           logger,
		autoApproveSafe:  cfg.AutoApproveSafe,
		learnPreferences: cfg.LearnPreferences,
		timeout:          timeout,
		pending:          make(map[string]*Request),
		timers:           make(map[string]*time.Timer),
	}
}

// SetExpiryHandler registers a callback invoked when a request times out
// unanswered. Must be called before the first Request.
func (m *Manager) SetExpiryHandler(fn func(*Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// assess scores the command, substituting the medium-risk fallback
// report when the classifier itself blows up. That keeps the approval
// chain fail-closed: the fallback level is never safe.
func (m *Manager) assess(command string, ctx *types.ContextSnapshot) (report risk.Report) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Risk assessment failed for %q: %v", truncate(command, 50), r)
			report = risk.FallbackReport()
		}
	}()
	return m.classifier.Assess(command, ctx)
}

// RequiresApproval decides whether a command needs a human. The decision
// fails closed: anything short of a clear auto-approval path requires
// sign-off.
func (m *Manager) RequiresApproval(command string, ctx *types.ContextSnapshot, userID string) bool {
	report := m.assess(command, ctx)
	pref := m.prefs.Lookup(userID, command)

	if m.autoApproveSafe && report.Level == risk.LevelSafe.String() {
		// An explicit deny preference overrides auto-approval
		if pref != nil && pref.AlwaysDeny {
			return true
		}
		return false
	}

	if pref != nil && pref.AlwaysApprove {
		// Blanket approval never covers high-risk commands
		if report.Level == risk.LevelHigh.String() || report.Level == risk.LevelCritical.String() {
			return true
		}
		return false
	}

	return report.Level != risk.LevelSafe.String()
}

// Request registers a new pending approval and schedules its expiry
// using the configured timeout.
func (m *Manager) Request(jobID, command, userID string, ctx *types.ContextSnapshot) *Request {
	return m.RequestWithTimeout(jobID, command, userID, ctx, 0)
}

// RequestWithTimeout registers a pending approval with a caller-supplied
// expiry window. A non-positive timeout falls back to the configured one.
func (m *Manager) RequestWithTimeout(jobID, command, userID string, ctx *types.ContextSnapshot, timeout time.Duration) *Request {
	if timeout <= 0 {
		timeout = m.timeout
	}

	now := time.Now().UTC()
	req := &Request{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Command:   command,
		UserID:    userID,
		Context:   ctx,
		Risk:      m.assess(command, ctx),
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}

	m.mu.Lock()
	m.pending[req.ID] = req
	m.timers[req.ID] = time.AfterFunc(timeout, func() { m.expire(req.ID) })
	m.mu.Unlock()

	m.logger.Info("Approval requested for command: %s", truncate(command, 50))
	return req
}

// Respond settles a pending approval at most once. A second response, or
// a response after expiry, fails.
func (m *Manager) Respond(approvalID string, resp Response) Outcome {
	m.mu.Lock()
	req, ok := m.pending[approvalID]
	if !ok {
		m.mu.Unlock()
		return Outcome{Success: false, Error: "Approval request not found or expired"}
	}

	if time.Now().UTC().After(req.ExpiresAt) {
		m.removeLocked(approvalID)
		m.mu.Unlock()
		return Outcome{Success: false, Error: "Approval request has expired"}
	}

	m.removeLocked(approvalID)
	m.mu.Unlock()

	status := "rejected"
	if resp.Approved {
		status = "approved"
	}

	if resp.Remember && m.learnPreferences {
		m.prefs.Learn(req.UserID, req.Command, resp.Approved, resp.Note)
	}

	m.logger.Info("Approval %s %s", approvalID, status)
	return Outcome{Success: true, Approved: resp.Approved, Status: status, Note: resp.Note}
}

// Get returns a pending request by id, lazily evicting it when expired.
func (m *Manager) Get(approvalID string) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.pending[approvalID]
	if !ok {
		return nil, false
	}
	if time.Now().UTC().After(req.ExpiresAt) {
		m.removeLocked(approvalID)
		return nil, false
	}
	return req, true
}

// ListPending returns the live requests, optionally filtered by user.
func (m *Manager) ListPending(userID string) []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	summaries := []Summary{}
	for id, req := range m.pending {
		if now.After(req.ExpiresAt) {
			m.removeLocked(id)
			continue
		}
		if userID != "" && req.UserID != userID {
			continue
		}
		summaries = append(summaries, Summary{
			ID:            req.ID,
			JobID:         req.JobID,
			Command:       req.Command,
			UserID:        req.UserID,
			RiskLevel:     req.Risk.Level,
			CreatedAt:     req.CreatedAt.Format(time.RFC3339),
			ExpiresAt:     req.ExpiresAt.Format(time.RFC3339),
			TimeRemaining: req.ExpiresAt.Sub(now).Seconds(),
		})
	}
	return summaries
}

// PendingCount returns the number of live requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) expire(approvalID string) {
	m.mu.Lock()
	req, ok := m.pending[approvalID]
	if ok {
		m.removeLocked(approvalID)
	}
	onExpire := m.onExpire
	m.mu.Unlock()

	if !ok {
		return
	}
	m.logger.Info("Approval %s expired", approvalID)
	if onExpire != nil {
		onExpire(req)
	}
}

// removeLocked drops a request and stops its timer. Caller holds m.mu.
func (m *Manager) removeLocked(approvalID string) {
	delete(m.pending, approvalID)
	if timer, ok := m.timers[approvalID]; ok {
		timer.Stop()
		delete(m.timers, approvalID)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
