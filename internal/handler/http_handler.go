package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-autoposting/internal/event"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/middleware"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
	"github.com/pesio-ai/be-gl-autoposting/internal/service"
)

// Identity headers set by the API gateway after authentication.
const (
	headerUserID    = "X-User-ID"
	headerUserRoles = "X-User-Roles"
)

// Services bundles the services the transport handlers expose.
type Services struct {
	Posting    *service.PostingService
	Rules      *service.RuleEngine
	Templates  *service.TemplateEngine
	Tolerances *service.ToleranceChecker
	Workflows  *service.ApprovalWorkflowService
	Audit      *service.AuditService
	Events     *event.Registry
}

// HTTPHandler serves the admin and query API.
type HTTPHandler struct {
	svc Services
	log *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc Services, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc: svc,
		log: log.Component("http"),
	}
}

// Routes registers every endpoint and wraps them in the standard middleware.
func (h *HTTPHandler) Routes(requestTimeout time.Duration, corsOrigins []string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /api/v1/transactions", h.ProcessTransaction)
	mux.HandleFunc("POST /api/v1/transactions/bulk", h.ProcessBulk)
	mux.HandleFunc("POST /api/v1/events/{name}", h.ReceiveEvent)
	mux.HandleFunc("GET /api/v1/events", h.ListEventAdapters)

	mux.HandleFunc("GET /api/v1/rules", h.ListRules)
	mux.HandleFunc("POST /api/v1/rules", h.CreateRule)
	mux.HandleFunc("POST /api/v1/rules/reorder", h.ReorderRules)
	mux.HandleFunc("GET /api/v1/rules/{id}", h.GetRule)
	mux.HandleFunc("PUT /api/v1/rules/{id}", h.UpdateRule)
	mux.HandleFunc("DELETE /api/v1/rules/{id}", h.DeleteRule)
	mux.HandleFunc("POST /api/v1/rules/{id}/clone", h.CloneRule)
	mux.HandleFunc("POST /api/v1/rules/{id}/test", h.TestRule)
	mux.HandleFunc("GET /api/v1/rules/{id}/stats", h.GetRuleStats)

	mux.HandleFunc("GET /api/v1/templates", h.ListTemplates)
	mux.HandleFunc("POST /api/v1/templates", h.CreateTemplate)
	mux.HandleFunc("POST /api/v1/templates/validate", h.ValidateTemplate)
	mux.HandleFunc("GET /api/v1/templates/code/{code}", h.GetTemplateByCode)
	mux.HandleFunc("GET /api/v1/templates/{id}", h.GetTemplate)
	mux.HandleFunc("PUT /api/v1/templates/{id}", h.UpdateTemplate)

	mux.HandleFunc("GET /api/v1/tolerances", h.ListTolerances)
	mux.HandleFunc("POST /api/v1/tolerances", h.CreateTolerance)
	mux.HandleFunc("GET /api/v1/tolerances/{id}", h.GetTolerance)
	mux.HandleFunc("PUT /api/v1/tolerances/{id}", h.UpdateTolerance)
	mux.HandleFunc("GET /api/v1/tolerances/{id}/stats", h.GetToleranceStats)

	mux.HandleFunc("POST /api/v1/workflows", h.InitiateWorkflow)
	mux.HandleFunc("GET /api/v1/workflows/metrics", h.GetWorkflowMetrics)
	mux.HandleFunc("POST /api/v1/workflows/timeouts", h.ProcessTimeouts)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.GetWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/decisions", h.ProcessDecision)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", h.CancelWorkflow)
	mux.HandleFunc("GET /api/v1/approvals/pending", h.GetPendingApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{id}/delegate", h.DelegateApproval)
	mux.HandleFunc("POST /api/v1/approvals/{id}/escalate", h.EscalateApproval)

	mux.HandleFunc("GET /api/v1/audit-logs", h.ListAuditLogs)
	mux.HandleFunc("GET /api/v1/audit-logs/summary", h.GetAuditSummary)
	mux.HandleFunc("GET /api/v1/audit-logs/failed", h.GetFailedTransactions)
	mux.HandleFunc("GET /api/v1/audit-logs/{id}", h.GetAuditLog)
	mux.HandleFunc("POST /api/v1/audit-logs/{id}/retry", h.RetryFailedTransaction)

	zl := &h.log.Logger
	var handler http.Handler = mux
	if requestTimeout > 0 {
		handler = middleware.Timeout(requestTimeout)(handler)
	}
	handler = middleware.CORS(corsOrigins)(handler)
	handler = middleware.Logger(zl)(handler)
	handler = middleware.Recovery(zl)(handler)
	handler = middleware.RequestID(handler)
	return handler
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Processing ────────────────────────────────────────────────────────────────

// ProcessTransaction runs the posting flow for one transaction event.
func (h *HTTPHandler) ProcessTransaction(w http.ResponseWriter, r *http.Request) {
	var evt event.TransactionEvent
	if !decode(w, r, &evt) {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	res, err := h.svc.Posting.ProcessTransaction(r.Context(), evt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ProcessBulk processes a batch of transaction events.
func (h *HTTPHandler) ProcessBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []event.TransactionEvent `json:"events"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		h.writeError(w, errors.InvalidInput("events", "at least one event is required"))
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Posting.ProcessBulk(r.Context(), req.Events))
}

// ReceiveEvent adapts an upstream domain event by name and processes it.
func (h *HTTPHandler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	var payload event.Payload
	if !decode(w, r, &payload) {
		return
	}
	evt, err := h.svc.Events.Adapt(r.PathValue("name"), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.svc.Posting.ProcessTransaction(r.Context(), evt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListEventAdapters lists the upstream event names the service understands.
func (h *HTTPHandler) ListEventAdapters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": h.svc.Events.Names()})
}

// ── Rules ─────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.RuleFilter{
		TriggerEvent: q.Get("trigger_event"),
		TemplateID:   q.Get("template_id"),
	}
	if v := q.Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, errors.InvalidInput("is_active", "must be true or false"))
			return
		}
		filter.IsActive = &active
	}

	rules, err := h.svc.Rules.FindRules(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "total": len(rules)})
}

func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.PostingRule
	if !decode(w, r, &rule) {
		return
	}
	if rule.CreatedBy == "" {
		rule.CreatedBy = userID(r)
	}

	created, err := h.svc.Rules.CreateRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.Rules.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.PostingRule
	if !decode(w, r, &rule) {
		return
	}
	rule.ID = r.PathValue("id")

	updated, err := h.svc.Rules.UpdateRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteRule deactivates a rule; rules are never hard-deleted.
func (h *HTTPHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Rules.DeleteRule(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) CloneRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewName string `json:"new_name"`
	}
	if !decode(w, r, &req) {
		return
	}

	clone, err := h.svc.Rules.CloneRule(r.Context(), r.PathValue("id"), req.NewName, userID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, clone)
}

// TestRule evaluates a rule against sample data without posting anything.
func (h *HTTPHandler) TestRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionData map[string]any `json:"transaction_data"`
	}
	if !decode(w, r, &req) {
		return
	}

	eval, err := h.svc.Rules.TestRule(r.Context(), r.PathValue("id"), req.TransactionData)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (h *HTTPHandler) ReorderRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Priorities map[string]int `json:"priorities"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.Rules.ReorderRules(r.Context(), req.Priorities); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) GetRuleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Rules.GetRuleStats(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ── Templates ─────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") != "false"
	templates, err := h.svc.Templates.ListTemplates(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates, "total": len(templates)})
}

func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl repository.JournalTemplate
	if !decode(w, r, &tpl) {
		return
	}
	if tpl.CreatedBy == "" {
		tpl.CreatedBy = userID(r)
	}

	created, err := h.svc.Templates.CreateTemplate(r.Context(), &tpl)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ValidateTemplate checks a template definition without storing it.
func (h *HTTPHandler) ValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl repository.JournalTemplate
	if !decode(w, r, &tpl) {
		return
	}
	if err := h.svc.Templates.ValidateTemplate(&tpl); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.svc.Templates.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (h *HTTPHandler) GetTemplateByCode(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.svc.Templates.GetTemplateByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (h *HTTPHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl repository.JournalTemplate
	if !decode(w, r, &tpl) {
		return
	}
	tpl.ID = r.PathValue("id")

	updated, err := h.svc.Templates.UpdateTemplate(r.Context(), &tpl)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ── Tolerances ────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListTolerances(w http.ResponseWriter, r *http.Request) {
	tolerances, err := h.svc.Tolerances.ListTolerances(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tolerances": tolerances, "total": len(tolerances)})
}

func (h *HTTPHandler) CreateTolerance(w http.ResponseWriter, r *http.Request) {
	var t repository.Tolerance
	if !decode(w, r, &t) {
		return
	}
	if t.CreatedBy == "" {
		t.CreatedBy = userID(r)
	}

	created, err := h.svc.Tolerances.CreateTolerance(r.Context(), &t)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) GetTolerance(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Tolerances.GetTolerance(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *HTTPHandler) UpdateTolerance(w http.ResponseWriter, r *http.Request) {
	var t repository.Tolerance
	if !decode(w, r, &t) {
		return
	}
	t.ID = r.PathValue("id")

	updated, err := h.svc.Tolerances.UpdateTolerance(r.Context(), &t)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *HTTPHandler) GetToleranceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Tolerances.GetToleranceStats(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ── Workflows ─────────────────────────────────────────────────────────────────

type initiateWorkflowRequest struct {
	WorkflowType         string                          `json:"workflow_type"`
	WorkflowName         string                          `json:"workflow_name"`
	Description          string                          `json:"description"`
	SourceDocumentType   string                          `json:"source_document_type"`
	SourceDocumentID     string                          `json:"source_document_id"`
	ReferenceID          string                          `json:"reference_id"`
	Amount               decimal.Decimal                 `json:"amount"`
	BusinessContext      map[string]any                  `json:"business_context"`
	ApprovalData         json.RawMessage                 `json:"approval_data"`
	Steps                []repository.ApprovalStep       `json:"approval_steps"`
	EscalationMatrix     []repository.WorkflowEscalation `json:"escalation_matrix"`
	EnableAutoEscalation bool                            `json:"enable_auto_escalation"`
}

// InitiateWorkflow starts an approval workflow on behalf of the caller.
func (h *HTTPHandler) InitiateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req initiateWorkflowRequest
	if !decode(w, r, &req) {
		return
	}

	wf, err := h.svc.Workflows.InitiateApproval(r.Context(), service.InitiateApprovalRequest{
		WorkflowType:         req.WorkflowType,
		WorkflowName:         req.WorkflowName,
		Description:          req.Description,
		SourceDocumentType:   req.SourceDocumentType,
		SourceDocumentID:     req.SourceDocumentID,
		ReferenceID:          req.ReferenceID,
		Amount:               req.Amount,
		BusinessContext:      req.BusinessContext,
		ApprovalData:         req.ApprovalData,
		InitiatedBy:          userID(r),
		Steps:                req.Steps,
		EscalationMatrix:     req.EscalationMatrix,
		EnableAutoEscalation: req.EnableAutoEscalation,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, approvals, err := h.svc.Workflows.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": wf, "approvals": approvals})
}

// ProcessDecision records the caller's decision on a workflow step.
func (h *HTTPHandler) ProcessDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StepNumber int    `json:"step_number"`
		Action     string `json:"action"`
		Comments   string `json:"comments"`
	}
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.Workflows.ProcessDecision(r.Context(), service.DecisionRequest{
		WorkflowID:    r.PathValue("id"),
		StepNumber:    req.StepNumber,
		ApproverUser:  userID(r),
		ApproverRoles: userRoles(r),
		Action:        strings.ToUpper(req.Action),
		Comments:      req.Comments,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.Workflows.CancelWorkflow(r.Context(), r.PathValue("id"), userID(r), req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) GetPendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.Workflows.GetPendingApprovals(r.Context(), userID(r), userRoles(r), queryInt(r, "limit", 50))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending, "total": len(pending)})
}

func (h *HTTPHandler) DelegateApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DelegatedTo string     `json:"delegated_to"`
		Reason      string     `json:"reason"`
		ExpiresAt   *time.Time `json:"expires_at"`
	}
	if !decode(w, r, &req) {
		return
	}

	err := h.svc.Workflows.DelegateApproval(r.Context(), service.DelegateRequest{
		ApprovalID:  r.PathValue("id"),
		DelegatedBy: userID(r),
		DelegatedTo: req.DelegatedTo,
		Reason:      req.Reason,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) EscalateApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.Workflows.EscalateApproval(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) GetWorkflowMetrics(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.period(w, r)
	if !ok {
		return
	}
	metrics, err := h.svc.Workflows.GetMetrics(r.Context(), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// ProcessTimeouts runs one timeout sweep on demand.
func (h *HTTPHandler) ProcessTimeouts(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Workflows.ProcessTimeouts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── Audit ─────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.period(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := queryInt(r, "page_size", 50)
	if limit > 100 {
		limit = 100
	}
	page := max(queryInt(r, "page", 1), 1)

	logs, total, err := h.svc.Audit.ListAuditLogs(r.Context(), repository.AuditFilter{
		Status:             q.Get("status"),
		TransactionType:    q.Get("transaction_type"),
		SourceDocumentType: q.Get("source_document_type"),
		SourceDocumentID:   q.Get("source_document_id"),
		RuleID:             q.Get("rule_id"),
		From:               from,
		To:                 to,
		Limit:              limit,
		Offset:             (page - 1) * limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"audit_logs": logs,
		"total":      total,
		"page":       page,
		"page_size":  limit,
	})
}

func (h *HTTPHandler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	l, err := h.svc.Audit.GetAuditLog(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *HTTPHandler) GetAuditSummary(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.period(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.Audit.GetSummary(r.Context(), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) GetFailedTransactions(w http.ResponseWriter, r *http.Request) {
	olderThan := time.Duration(queryInt(r, "older_than_minutes", 0)) * time.Minute
	failed, err := h.svc.Posting.GetFailedTransactions(r.Context(), queryInt(r, "limit", 100), olderThan)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": failed, "total": len(failed)})
}

func (h *HTTPHandler) RetryFailedTransaction(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Posting.RetryFailedTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) period(w http.ResponseWriter, r *http.Request) (from, to *time.Time, ok bool) {
	parse := func(key string) (*time.Time, bool) {
		v := r.URL.Query().Get(key)
		if v == "" {
			return nil, true
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, errors.InvalidInput(key, "must be an RFC3339 timestamp"))
			return nil, false
		}
		return &t, true
	}
	if from, ok = parse("from"); !ok {
		return nil, nil, false
	}
	if to, ok = parse("to"); !ok {
		return nil, nil, false
	}
	return from, to, true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"code": string(code), "error": err.Error()})
}

func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyExists:
		return http.StatusConflict
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":  string(errors.ErrCodeInvalidInput),
			"error": "Invalid request body",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerUserID))
}

func userRoles(r *http.Request) []string {
	return splitRoles(r.Header.Get(headerUserRoles))
}

func splitRoles(s string) []string {
	var roles []string
	for _, role := range strings.Split(s, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}
