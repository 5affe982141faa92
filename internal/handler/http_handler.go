package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/poplovexz/qiyewenjian-approvals/internal/apperrors"
	"github.com/poplovexz/qiyewenjian-approvals/internal/logger"
	"github.com/poplovexz/qiyewenjian-approvals/internal/repository"
	"github.com/poplovexz/qiyewenjian-approvals/internal/service"
)

// HTTPHandler is the thin HTTP seam over the approval service. Authentication
// sits in front of this service; the acting user arrives as actor_id on each
// request.
type HTTPHandler struct {
	service *service.ApprovalService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(svc *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{service: svc, log: log}
}

// ── Request / response shapes ────────────────────────────────────────────────

type triggerRequest struct {
	RuleType    string         `json:"rule_type"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	ApplicantID string         `json:"applicant_id"`
	Context     map[string]any `json:"context"`
}

type decisionRequest struct {
	WorkflowID    string `json:"workflow_id"`
	StepIndex     int    `json:"step_index"`
	ActorID       string `json:"actor_id"`
	Comment       string `json:"comment"`
	NewApproverID string `json:"new_approver_id"` // transfer only
}

type stepView struct {
	ID               string     `json:"id"`
	StepIndex        int        `json:"step_index"`
	RoleCode         string     `json:"role_code"`
	ApproverID       string     `json:"approver_id"`
	ResolutionReason string     `json:"resolution_reason"`
	Result           string     `json:"result"`
	Comment          *string    `json:"comment,omitempty"`
	TransferredFrom  *string    `json:"transferred_from,omitempty"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
}

type instanceView struct {
	ID               string         `json:"id"`
	RuleID           *string        `json:"rule_id,omitempty"`
	SubjectType      string         `json:"subject_type"`
	SubjectID        string         `json:"subject_id"`
	ApplicantID      string         `json:"applicant_id"`
	Status           string         `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	TotalSteps       int            `json:"total_steps"`
	TriggerContext   map[string]any `json:"trigger_context"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Steps            []stepView     `json:"steps,omitempty"`
}

// ── Endpoints ────────────────────────────────────────────────────────────────

// Trigger handles POST /api/v1/approvals/trigger.
func (h *HTTPHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	workflowID, err := h.service.Trigger(r.Context(), req.RuleType, req.SubjectType, req.SubjectID, req.ApplicantID, req.Context)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if workflowID == "" {
		h.writeJSON(w, http.StatusOK, map[string]any{"approval_required": false})
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"approval_required": true,
		"workflow_id":       workflowID,
	})
}

// Approve handles POST /api/v1/approvals/approve.
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(req decisionRequest) error {
		return h.service.Approve(r.Context(), req.WorkflowID, req.StepIndex, req.ActorID, req.Comment)
	})
}

// Reject handles POST /api/v1/approvals/reject.
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(req decisionRequest) error {
		return h.service.Reject(r.Context(), req.WorkflowID, req.StepIndex, req.ActorID, req.Comment)
	})
}

// Transfer handles POST /api/v1/approvals/transfer.
func (h *HTTPHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(req decisionRequest) error {
		return h.service.Transfer(r.Context(), req.WorkflowID, req.StepIndex, req.ActorID, req.NewApproverID, req.Comment)
	})
}

// Cancel handles POST /api/v1/approvals/cancel.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(req decisionRequest) error {
		return h.service.Cancel(r.Context(), req.WorkflowID, req.ActorID)
	})
}

// RetrySideEffect handles POST /api/v1/approvals/retry-side-effect.
func (h *HTTPHandler) RetrySideEffect(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(req decisionRequest) error {
		return h.service.RetrySideEffect(r.Context(), req.WorkflowID, req.ActorID)
	})
}

// GetInstance handles GET /api/v1/approvals/get?id=.
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("id")
	if workflowID == "" {
		http.Error(w, "Workflow ID is required", http.StatusBadRequest)
		return
	}

	inst, steps, err := h.service.GetInstance(r.Context(), workflowID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toInstanceView(inst, steps))
}

// ListPending handles GET /api/v1/approvals/pending?user_id=.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	steps, err := h.service.ListPendingForApprover(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		views = append(views, map[string]any{
			"workflow_id": s.WorkflowInstanceID,
			"step_index":  s.StepIndex,
			"role_code":   s.RoleCode,
			"created_at":  s.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"pending": views})
}

// GetAuditTrail handles GET /api/v1/approvals/audit?id=.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("id")
	if workflowID == "" {
		http.Error(w, "Workflow ID is required", http.StatusBadRequest)
		return
	}

	entries, err := h.service.GetAuditTrail(r.Context(), workflowID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ReloadRules handles POST /api/v1/rules/reload.
func (h *HTTPHandler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ReloadRules(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decide(w http.ResponseWriter, r *http.Request, fn func(decisionRequest) error) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := fn(req); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toInstanceView(inst *repository.WorkflowInstance, steps []*repository.StepRecord) instanceView {
	view := instanceView{
		ID:               inst.ID,
		RuleID:           inst.RuleID,
		SubjectType:      inst.SubjectType,
		SubjectID:        inst.SubjectID,
		ApplicantID:      inst.ApplicantID,
		Status:           string(inst.Status),
		CurrentStepIndex: inst.CurrentStepIndex,
		TotalSteps:       inst.TotalSteps,
		TriggerContext:   inst.TriggerContext,
		CreatedAt:        inst.CreatedAt,
		CompletedAt:      inst.CompletedAt,
	}
	for _, s := range steps {
		view.Steps = append(view.Steps, stepView{
			ID:               s.ID,
			StepIndex:        s.StepIndex,
			RoleCode:         s.RoleCode,
			ApproverID:       s.ApproverID,
			ResolutionReason: s.ResolutionReason,
			Result:           string(s.Result),
			Comment:          s.Comment,
			TransferredFrom:  s.TransferredFrom,
			DecidedAt:        s.DecidedAt,
		})
	}
	return view
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode HTTP response")
	}
}

// writeError maps engine error codes to HTTP status codes. The engine's
// errors carry the audit fields; only the message crosses the wire.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeConfiguration:
		status = http.StatusBadRequest
	case apperrors.ErrCodeStepAlreadyDecided, apperrors.ErrCodeConflict:
		status = http.StatusConflict
	case apperrors.ErrCodeNoApproverAvailable:
		status = http.StatusUnprocessableEntity
	case apperrors.ErrCodeSideEffectDelivery:
		status = http.StatusBadGateway
	}

	h.writeJSON(w, status, map[string]string{
		"code":  string(apperrors.CodeOf(err)),
		"error": err.Error(),
	})
}
