package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

// Workflow types with a default step table.
const (
	WorkflowTypeJournalEntry        = "JOURNAL_ENTRY"
	WorkflowTypeToleranceException  = "TOLERANCE_EXCEPTION"
	WorkflowTypeBulkPosting         = "BULK_POSTING"
	WorkflowTypeIFRSAdjustment      = "IFRS_ADJUSTMENT"
	WorkflowTypePeriodEnd           = "PERIOD_END"
	WorkflowTypeConfigurationChange = "CONFIGURATION_CHANGE"
)

const (
	systemUser              = "SYSTEM"
	defaultDelegationPeriod = 7 * 24 * time.Hour
	reasonTimeoutEscalation = "Automatic escalation due to timeout"
	reasonWorkflowTimeout   = "Workflow expired due to timeout"
	reasonAllApproved       = "All approvals completed"
)

var defaultApprovalSteps = map[string][]repository.ApprovalStep{
	WorkflowTypeJournalEntry: {
		{StepNumber: 1, ApproverRole: "ACCOUNTING_MANAGER", RequiredApprovals: 1, TimeoutHours: 24},
	},
	WorkflowTypeToleranceException: {
		{StepNumber: 1, ApproverRole: "FINANCIAL_CONTROLLER", RequiredApprovals: 1, TimeoutHours: 4},
	},
	WorkflowTypeBulkPosting: {
		{StepNumber: 1, ApproverRole: "ACCOUNTING_MANAGER", RequiredApprovals: 1, TimeoutHours: 12},
		{StepNumber: 2, ApproverRole: "FINANCIAL_CONTROLLER", RequiredApprovals: 1, TimeoutHours: 24},
	},
	WorkflowTypeIFRSAdjustment: {
		{StepNumber: 1, ApproverRole: "SENIOR_ACCOUNTANT", RequiredApprovals: 1, TimeoutHours: 8},
		{StepNumber: 2, ApproverRole: "FINANCIAL_CONTROLLER", RequiredApprovals: 1, TimeoutHours: 24},
	},
	WorkflowTypePeriodEnd: {
		{StepNumber: 1, ApproverRole: "ACCOUNTING_MANAGER", RequiredApprovals: 1, TimeoutHours: 12},
		{StepNumber: 2, ApproverRole: "FINANCIAL_CONTROLLER", RequiredApprovals: 1, TimeoutHours: 24},
		{StepNumber: 3, ApproverRole: "CFO", RequiredApprovals: 1, TimeoutHours: 48},
	},
	WorkflowTypeConfigurationChange: {
		{StepNumber: 1, ApproverRole: "SYSTEM_ADMINISTRATOR", RequiredApprovals: 1, TimeoutHours: 8},
	},
}

// InitiateApprovalRequest starts a workflow. Steps override the default table.
type InitiateApprovalRequest struct {
	WorkflowType         string
	WorkflowName         string
	Description          string
	SourceDocumentType   string
	SourceDocumentID     string
	ReferenceID          string
	Amount               decimal.Decimal
	BusinessContext      map[string]any
	ApprovalData         json.RawMessage
	InitiatedBy          string
	Steps                []repository.ApprovalStep
	EscalationMatrix     []repository.WorkflowEscalation
	EnableAutoEscalation bool
}

// DecisionRequest is one approver's decision on a workflow's current step.
type DecisionRequest struct {
	WorkflowID    string
	StepNumber    int // 0 means the current step
	ApproverUser  string
	ApproverRoles []string
	Action        string
	Comments      string
}

// DecisionResult reports the workflow state after a decision.
type DecisionResult struct {
	WorkflowCompleted bool   `json:"workflow_completed"`
	FinalStatus       string `json:"final_status,omitempty"`
	CurrentStep       int    `json:"current_step"`
	NextStep          *int   `json:"next_step,omitempty"`
}

// DelegateRequest reassigns a pending approval.
type DelegateRequest struct {
	ApprovalID  string
	DelegatedBy string
	DelegatedTo string
	Reason      string
	ExpiresAt   *time.Time
}

// PendingApproval is an approval awaiting a user, with its workflow.
type PendingApproval struct {
	Workflow           *repository.ApprovalWorkflow `json:"workflow"`
	Approval           *repository.WorkflowApproval `json:"approval"`
	BusinessContext    map[string]any               `json:"business_context"`
	TimeRemainingHours int                          `json:"time_remaining_hours"`
}

// WorkflowMetrics summarizes workflows created in a period.
type WorkflowMetrics struct {
	TotalWorkflows         int     `json:"total_workflows"`
	PendingWorkflows       int     `json:"pending_workflows"`
	ApprovedWorkflows      int     `json:"approved_workflows"`
	RejectedWorkflows      int     `json:"rejected_workflows"`
	TimedOutWorkflows      int     `json:"timed_out_workflows"`
	CancelledWorkflows     int     `json:"cancelled_workflows"`
	AverageCompletionHours float64 `json:"average_completion_hours"`
}

// TimeoutSweepResult counts what one timeout sweep did.
type TimeoutSweepResult struct {
	Escalated         int `json:"escalated"`
	Expired           int `json:"expired"`
	TimedOutWorkflows int `json:"timed_out_workflows"`
}

// CompletionHook runs after a workflow reaches a terminal state and its
// transaction has committed.
type CompletionHook func(ctx context.Context, wf *repository.ApprovalWorkflow)

// ApprovalWorkflowService runs the multi-step approval state machine.
type ApprovalWorkflowService struct {
	store     WorkflowStore
	approvers ApproverResolver
	notifier  Notifier
	settings  Settings
	hooks     []CompletionHook
	now       func() time.Time
	log       *logger.Logger
}

// NewApprovalWorkflowService creates a new ApprovalWorkflowService. A nil
// resolver or notifier disables approver lookup or notifications.
func NewApprovalWorkflowService(
	store WorkflowStore,
	approvers ApproverResolver,
	notifier Notifier,
	settings Settings,
	log *logger.Logger,
) *ApprovalWorkflowService {
	if approvers == nil {
		approvers = nopResolver{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ApprovalWorkflowService{
		store:     store,
		approvers: approvers,
		notifier:  notifier,
		settings:  settings,
		now:       time.Now,
		log:       log,
	}
}

// OnComplete registers a hook for terminal workflow states.
func (s *ApprovalWorkflowService) OnComplete(hook CompletionHook) {
	s.hooks = append(s.hooks, hook)
}

// ── Initiation ────────────────────────────────────────────────────────────────

// InitiateApproval creates a PENDING workflow at step 1 with its step-1 approvals.
func (s *ApprovalWorkflowService) InitiateApproval(ctx context.Context, req InitiateApprovalRequest) (*repository.ApprovalWorkflow, error) {
	if req.WorkflowType == "" {
		return nil, errors.InvalidInput("workflow_type", "workflow type is required")
	}

	steps := req.Steps
	if len(steps) == 0 {
		steps = s.DefaultSteps(req.WorkflowType, req.Amount)
	}
	if len(steps) == 0 {
		return nil, errors.InvalidInput("workflow_type",
			fmt.Sprintf("No approval steps configured for workflow type: %s", req.WorkflowType))
	}
	steps, err := normalizeSteps(steps)
	if err != nil {
		return nil, err
	}

	now := s.now()
	slaHours := 0
	for _, st := range steps {
		slaHours += st.TimeoutHours
	}

	name := req.WorkflowName
	if name == "" {
		name = req.WorkflowType + " Approval"
	}
	description := req.Description
	if description == "" {
		doc := req.SourceDocumentType
		if doc == "" {
			doc = "document"
		}
		description = "Approval workflow for " + doc
	}
	initiatedBy := req.InitiatedBy
	if initiatedBy == "" {
		initiatedBy = systemUser
	}

	wf := &repository.ApprovalWorkflow{
		ID:                   uuid.NewString(),
		WorkflowType:         req.WorkflowType,
		WorkflowName:         name,
		Description:          &description,
		SourceDocumentType:   optional(req.SourceDocumentType),
		SourceDocumentID:     optional(req.SourceDocumentID),
		ReferenceID:          optional(req.ReferenceID),
		Amount:               decimal.NewNullDecimal(req.Amount),
		Status:               repository.WorkflowPending,
		ApprovalSteps:        steps,
		EscalationMatrix:     req.EscalationMatrix,
		EnableAutoEscalation: req.EnableAutoEscalation,
		CurrentStep:          1,
		BusinessContext:      req.BusinessContext,
		ApprovalData:         req.ApprovalData,
		InitiatedBy:          initiatedBy,
		InitiatedAt:          now,
		ExpiresAt:            now.Add(time.Duration(slaHours) * time.Hour),
		SLAHours:             slaHours,
	}

	approvals := s.buildApprovals(ctx, wf, steps[0], now)
	if err := s.store.Create(ctx, wf, approvals); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("workflow_type", wf.WorkflowType).
		Int("total_steps", len(steps)).
		Int("sla_hours", slaHours).
		Msg("Approval workflow initiated")

	s.publish(ctx, SubjectWorkflowInitiated, map[string]any{
		"workflow_id":   wf.ID,
		"workflow_type": wf.WorkflowType,
		"amount":        req.Amount.String(),
		"approvers":     approverUsers(approvals),
	})

	return wf, nil
}

// DefaultSteps returns the step table for a workflow type, extended with CFO
// and CEO steps above the configured amount thresholds.
func (s *ApprovalWorkflowService) DefaultSteps(workflowType string, amount decimal.Decimal) []repository.ApprovalStep {
	steps := append([]repository.ApprovalStep(nil), defaultApprovalSteps[workflowType]...)
	if len(steps) == 0 {
		return nil
	}
	if amount.GreaterThan(s.settings.CFOApprovalThreshold) {
		steps = append(steps, repository.ApprovalStep{
			StepNumber: len(steps) + 1, ApproverRole: "CFO", RequiredApprovals: 1, TimeoutHours: 48,
		})
	}
	if amount.GreaterThan(s.settings.CEOApprovalThreshold) {
		steps = append(steps, repository.ApprovalStep{
			StepNumber: len(steps) + 1, ApproverRole: "CEO", RequiredApprovals: 1, TimeoutHours: 72,
		})
	}
	return steps
}

// buildApprovals creates the pending records for a step. Explicit step users
// win over the identity lookup; any shortfall against RequiredApprovals is
// filled with role-claimable records.
func (s *ApprovalWorkflowService) buildApprovals(ctx context.Context, wf *repository.ApprovalWorkflow, step repository.ApprovalStep, now time.Time) []*repository.WorkflowApproval {
	users := step.ApproverUsers
	if len(users) == 0 {
		resolved, err := s.approvers.ResolveApproversForRole(ctx, step.ApproverRole)
		if err != nil {
			s.log.Warn().Err(err).Str("role", step.ApproverRole).Msg("Could not resolve approvers for role; step will be role-claimable")
		}
		users = resolved
	}

	required := max(step.RequiredApprovals, 1)
	if len(users) > required {
		users = users[:required]
	}

	expires := now.Add(time.Duration(step.TimeoutHours) * time.Hour)
	approvals := make([]*repository.WorkflowApproval, 0, required)
	for i := 0; i < required; i++ {
		user := repository.RoleClaimUser
		if i < len(users) {
			user = users[i]
		}
		approvals = append(approvals, &repository.WorkflowApproval{
			ID:           uuid.NewString(),
			WorkflowID:   wf.ID,
			StepNumber:   step.StepNumber,
			ApproverRole: step.ApproverRole,
			ApproverUser: user,
			Status:       repository.ApprovalPending,
			AssignedAt:   now,
			ExpiresAt:    expires,
		})
	}
	return approvals
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// ProcessDecision records one decision with the workflow row locked. REJECTED
// and RETURNED end the workflow; APPROVED advances the step once its required
// number of approvals is reached.
func (s *ApprovalWorkflowService) ProcessDecision(ctx context.Context, req DecisionRequest) (*DecisionResult, error) {
	action := strings.ToUpper(req.Action)
	switch action {
	case repository.ActionApproved, repository.ActionRejected, repository.ActionReturned:
	default:
		return nil, errors.InvalidInput("action", fmt.Sprintf("unsupported decision action %q", req.Action))
	}
	if req.ApproverUser == "" {
		return nil, errors.InvalidInput("approver_user", "approver user is required")
	}

	roles := req.ApproverRoles
	if len(roles) == 0 {
		found, err := s.approvers.UserRoles(ctx, req.ApproverUser)
		if err != nil {
			s.log.Warn().Err(err).Str("user", req.ApproverUser).Msg("Could not resolve user roles")
		}
		roles = found
	}

	var (
		result   DecisionResult
		approval *repository.WorkflowApproval
		finished *repository.ApprovalWorkflow
	)
	err := s.store.InWorkflowTx(ctx, req.WorkflowID, func(tx repository.WorkflowTx) error {
		wf := tx.Workflow()
		if wf.Status != repository.WorkflowPending {
			return errors.Conflict(fmt.Sprintf("Workflow is not in pending status: %s", wf.Status))
		}
		if req.StepNumber != 0 && req.StepNumber != wf.CurrentStep {
			return errors.Conflict(fmt.Sprintf("Step %d is not the current step (%d)", req.StepNumber, wf.CurrentStep))
		}
		step, ok := wf.Step(wf.CurrentStep)
		if !ok {
			return errors.New(errors.ErrCodeInternal, fmt.Sprintf("workflow %s has no step %d", wf.ID, wf.CurrentStep))
		}

		decided, err := tx.HasDecided(ctx, step.StepNumber, req.ApproverUser)
		if err != nil {
			return err
		}
		if decided {
			return errors.Conflict(fmt.Sprintf("User %s has already decided on step %d", req.ApproverUser, step.StepNumber))
		}

		approval, err = tx.FindPendingApproval(ctx, step.StepNumber, req.ApproverUser, roles)
		if err != nil {
			return err
		}
		if approval == nil {
			return errors.Conflict("Approval record not found or not pending")
		}

		now := s.now()
		hours := int(now.Sub(approval.AssignedAt).Hours())
		approval.ApproverUser = req.ApproverUser
		approval.Status = repository.ApprovalCompleted
		approval.Action = &action
		approval.Comments = optional(req.Comments)
		approval.RespondedAt = &now
		approval.ResponseTimeHours = &hours
		if err := tx.UpdateApproval(ctx, approval); err != nil {
			return err
		}

		result.CurrentStep = wf.CurrentStep

		if action != repository.ActionApproved {
			reason := fmt.Sprintf("Rejected by %s: %s", req.ApproverUser, orDefault(req.Comments, "No reason provided"))
			if action == repository.ActionReturned {
				reason = fmt.Sprintf("Returned by %s: %s", req.ApproverUser, orDefault(req.Comments, "Returned for revision"))
			}
			if err := s.terminate(ctx, tx, repository.WorkflowRejected, reason, now); err != nil {
				return err
			}
			result.WorkflowCompleted = true
			result.FinalStatus = repository.WorkflowRejected
			finished = wf
			return nil
		}

		approved, err := tx.CountApproved(ctx, step.StepNumber)
		if err != nil {
			return err
		}
		if approved < max(step.RequiredApprovals, 1) {
			return nil
		}

		next, ok := wf.Step(step.StepNumber + 1)
		if !ok {
			if err := s.terminate(ctx, tx, repository.WorkflowApproved, reasonAllApproved, now); err != nil {
				return err
			}
			result.WorkflowCompleted = true
			result.FinalStatus = repository.WorkflowApproved
			finished = wf
			return nil
		}

		wf.CurrentStep = next.StepNumber
		if err := tx.InsertApprovals(ctx, s.buildApprovals(ctx, wf, next, now)); err != nil {
			return err
		}
		if err := tx.UpdateWorkflow(ctx); err != nil {
			return err
		}
		result.CurrentStep = next.StepNumber
		result.NextStep = &next.StepNumber
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", req.WorkflowID).
		Str("approver", req.ApproverUser).
		Str("action", action).
		Int("step", approval.StepNumber).
		Bool("completed", result.WorkflowCompleted).
		Msg("Approval decision processed")

	s.publish(ctx, SubjectApprovalDecision, map[string]any{
		"workflow_id": req.WorkflowID,
		"approval_id": approval.ID,
		"step_number": approval.StepNumber,
		"approver":    req.ApproverUser,
		"action":      action,
		"comments":    req.Comments,
	})
	if finished != nil {
		s.completed(ctx, finished, SubjectWorkflowCompleted)
	}

	return &result, nil
}

// terminate moves the locked workflow to a terminal status and closes its
// remaining pending approvals.
func (s *ApprovalWorkflowService) terminate(ctx context.Context, tx repository.WorkflowTx, status, reason string, now time.Time) error {
	pending, err := tx.PendingApprovals(ctx)
	if err != nil {
		return err
	}
	for _, a := range pending {
		a.Status = repository.ApprovalExpired
		if err := tx.UpdateApproval(ctx, a); err != nil {
			return err
		}
	}

	wf := tx.Workflow()
	wf.Status = status
	wf.CompletedAt = &now
	wf.CompletionReason = &reason
	return tx.UpdateWorkflow(ctx)
}

// ── Delegation and escalation ─────────────────────────────────────────────────

// DelegateApproval reassigns a pending approval to another user. The workflow
// state is unchanged.
func (s *ApprovalWorkflowService) DelegateApproval(ctx context.Context, req DelegateRequest) error {
	if req.DelegatedTo == "" {
		return errors.InvalidInput("delegated_to", "delegate is required")
	}
	if req.Reason == "" {
		return errors.InvalidInput("reason", "delegation reason is required")
	}

	approval, err := s.store.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return err
	}

	err = s.store.InWorkflowTx(ctx, approval.WorkflowID, func(tx repository.WorkflowTx) error {
		if tx.Workflow().Status != repository.WorkflowPending {
			return errors.Conflict(fmt.Sprintf("Workflow is not in pending status: %s", tx.Workflow().Status))
		}
		a, err := tx.Approval(ctx, req.ApprovalID)
		if err != nil {
			return err
		}
		if a.Status != repository.ApprovalPending {
			return errors.Conflict(fmt.Sprintf("Approval is not pending: %s", a.Status))
		}
		if err := assertCanAct(a, req.DelegatedBy); err != nil {
			return err
		}

		now := s.now()
		expires := now.Add(defaultDelegationPeriod)
		if req.ExpiresAt != nil {
			expires = *req.ExpiresAt
		}
		a.ApproverUser = req.DelegatedTo
		a.DelegatedBy = &req.DelegatedBy
		a.DelegatedTo = &req.DelegatedTo
		a.DelegatedAt = &now
		a.DelegationReason = &req.Reason
		a.ExpiresAt = expires
		approval = a
		return tx.UpdateApproval(ctx, a)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("approval_id", req.ApprovalID).
		Str("delegated_by", req.DelegatedBy).
		Str("delegated_to", req.DelegatedTo).
		Msg("Approval delegated")

	s.publish(ctx, SubjectApprovalDelegated, map[string]any{
		"workflow_id":  approval.WorkflowID,
		"approval_id":  approval.ID,
		"delegated_by": req.DelegatedBy,
		"delegated_to": req.DelegatedTo,
		"reason":       req.Reason,
	})
	return nil
}

// EscalateApproval moves a pending approval to the next escalation level.
// It fails when the workflow has no matrix or no further level.
func (s *ApprovalWorkflowService) EscalateApproval(ctx context.Context, approvalID, reason string) error {
	approval, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}

	var level repository.WorkflowEscalation
	err = s.store.InWorkflowTx(ctx, approval.WorkflowID, func(tx repository.WorkflowTx) error {
		if tx.Workflow().Status != repository.WorkflowPending {
			return errors.Conflict(fmt.Sprintf("Workflow is not in pending status: %s", tx.Workflow().Status))
		}
		a, err := tx.Approval(ctx, approvalID)
		if err != nil {
			return err
		}
		if a.Status != repository.ApprovalPending {
			return errors.Conflict(fmt.Sprintf("Approval is not pending: %s", a.Status))
		}
		level, err = s.escalate(ctx, tx, a, reason)
		approval = a
		return err
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("approval_id", approvalID).
		Int("level", level.Level).
		Str("escalated_to", level.EscalateToRole).
		Msg("Approval escalated")

	s.publishEscalation(ctx, approval, level, reason)
	return nil
}

// escalate applies the next escalation level to a locked pending approval.
func (s *ApprovalWorkflowService) escalate(
	ctx context.Context,
	tx repository.WorkflowTx,
	a *repository.WorkflowApproval,
	reason string,
) (repository.WorkflowEscalation, error) {
	matrix := tx.Workflow().EscalationMatrix
	if len(matrix) == 0 {
		return repository.WorkflowEscalation{}, errors.Conflict("No escalation matrix configured for this workflow")
	}

	sorted := append([]repository.WorkflowEscalation(nil), matrix...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })

	var next *repository.WorkflowEscalation
	for i := range sorted {
		if sorted[i].Level > a.EscalationLevel {
			next = &sorted[i]
			break
		}
	}
	if next == nil {
		return repository.WorkflowEscalation{}, errors.Conflict("No escalation level available")
	}

	now := s.now()
	from := a.ApproverUser
	user := repository.RoleClaimUser
	if len(next.EscalateToUsers) > 0 {
		user = next.EscalateToUsers[0]
	}

	a.EscalatedFrom = &from
	a.ApproverRole = next.EscalateToRole
	a.ApproverUser = user
	a.IsEscalated = true
	a.EscalationLevel = next.Level
	a.EscalatedAt = &now
	a.EscalationReason = &reason
	a.ExpiresAt = now.Add(time.Duration(next.TimeoutHours) * time.Hour)
	return *next, tx.UpdateApproval(ctx, a)
}

// ── Timeouts ──────────────────────────────────────────────────────────────────

// ProcessTimeouts handles every pending approval past its expiry: escalate
// when the workflow allows it, otherwise expire it. A workflow left without
// pending approvals becomes TIMEOUT. Approvals decided meanwhile are skipped.
func (s *ApprovalWorkflowService) ProcessTimeouts(ctx context.Context) (*TimeoutSweepResult, error) {
	now := s.now()
	expired, err := s.store.ListExpiredApprovals(ctx, now)
	if err != nil {
		return nil, err
	}

	byWorkflow := make(map[string][]string)
	var order []string
	for _, a := range expired {
		if _, seen := byWorkflow[a.WorkflowID]; !seen {
			order = append(order, a.WorkflowID)
		}
		byWorkflow[a.WorkflowID] = append(byWorkflow[a.WorkflowID], a.ID)
	}

	result := &TimeoutSweepResult{}
	for _, workflowID := range order {
		var (
			timedOut  *repository.ApprovalWorkflow
			escalated []*repository.WorkflowApproval
			levels    []repository.WorkflowEscalation
		)
		err := s.store.InWorkflowTx(ctx, workflowID, func(tx repository.WorkflowTx) error {
			wf := tx.Workflow()
			if wf.Status != repository.WorkflowPending {
				return nil
			}
			for _, id := range byWorkflow[workflowID] {
				a, err := tx.Approval(ctx, id)
				if err != nil {
					return err
				}
				if a.Status != repository.ApprovalPending || a.ExpiresAt.After(now) {
					continue
				}
				if wf.EnableAutoEscalation {
					level, err := s.escalate(ctx, tx, a, reasonTimeoutEscalation)
					if err == nil {
						escalated = append(escalated, a)
						levels = append(levels, level)
						continue
					}
					if !errors.HasCode(err, errors.ErrCodeConflict) {
						return err
					}
					s.log.Warn().Err(err).Str("approval_id", a.ID).Msg("Auto-escalation unavailable; expiring approval")
				}
				a.Status = repository.ApprovalExpired
				if err := tx.UpdateApproval(ctx, a); err != nil {
					return err
				}
				result.Expired++
			}

			pending, err := tx.PendingApprovals(ctx)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				return nil
			}
			if err := s.terminate(ctx, tx, repository.WorkflowTimeout, reasonWorkflowTimeout, now); err != nil {
				return err
			}
			timedOut = wf
			return nil
		})
		if err != nil {
			s.log.Error().Err(err).Str("workflow_id", workflowID).Msg("Timeout sweep failed for workflow")
			continue
		}

		result.Escalated += len(escalated)
		for i, a := range escalated {
			s.publishEscalation(ctx, a, levels[i], reasonTimeoutEscalation)
		}
		if timedOut != nil {
			result.TimedOutWorkflows++
			s.completed(ctx, timedOut, SubjectWorkflowTimeout)
		}
	}

	s.log.Info().
		Int("escalated", result.Escalated).
		Int("expired", result.Expired).
		Int("timed_out_workflows", result.TimedOutWorkflows).
		Msg("Approval timeout sweep completed")

	return result, nil
}

// ── Cancellation ──────────────────────────────────────────────────────────────

// CancelWorkflow ends a pending workflow. Only the initiator may cancel a
// user-initiated workflow.
func (s *ApprovalWorkflowService) CancelWorkflow(ctx context.Context, workflowID, cancelledBy, reason string) error {
	if cancelledBy == "" {
		return errors.InvalidInput("cancelled_by", "cancelling user is required")
	}

	var cancelled *repository.ApprovalWorkflow
	err := s.store.InWorkflowTx(ctx, workflowID, func(tx repository.WorkflowTx) error {
		wf := tx.Workflow()
		if wf.Status != repository.WorkflowPending {
			return errors.Conflict(fmt.Sprintf("Workflow is not in pending status: %s", wf.Status))
		}
		if wf.InitiatedBy != systemUser && wf.InitiatedBy != cancelledBy {
			return errors.New(errors.ErrCodeUnauthorized, "only the initiator can cancel the workflow")
		}
		msg := fmt.Sprintf("Cancelled by %s: %s", cancelledBy, orDefault(reason, "No reason provided"))
		if err := s.terminate(ctx, tx, repository.WorkflowCancelled, msg, s.now()); err != nil {
			return err
		}
		cancelled = wf
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("workflow_id", workflowID).Str("cancelled_by", cancelledBy).Msg("Approval workflow cancelled")
	s.completed(ctx, cancelled, SubjectWorkflowCompleted)
	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetWorkflow returns a workflow and all its approval records.
func (s *ApprovalWorkflowService) GetWorkflow(ctx context.Context, id string) (*repository.ApprovalWorkflow, []*repository.WorkflowApproval, error) {
	wf, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	approvals, err := s.store.ListApprovals(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return wf, approvals, nil
}

// FindPendingWorkflow returns the open workflow of workflowType for a source
// document, or nil.
func (s *ApprovalWorkflowService) FindPendingWorkflow(ctx context.Context, workflowType, sourceType, sourceID string) (*repository.ApprovalWorkflow, error) {
	return s.store.FindPendingBySource(ctx, workflowType, sourceType, sourceID)
}

// GetPendingApprovals lists approvals assigned to the user or claimable by one of roles.
func (s *ApprovalWorkflowService) GetPendingApprovals(ctx context.Context, user string, roles []string, limit int) ([]PendingApproval, error) {
	if limit <= 0 {
		limit = 50
	}
	if len(roles) == 0 {
		found, err := s.approvers.UserRoles(ctx, user)
		if err != nil {
			s.log.Warn().Err(err).Str("user", user).Msg("Could not resolve user roles")
		}
		roles = found
	}

	views, err := s.store.ListPendingForUser(ctx, user, roles, limit)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]PendingApproval, 0, len(views))
	for _, v := range views {
		out = append(out, PendingApproval{
			Workflow:           v.Workflow,
			Approval:           v.Approval,
			BusinessContext:    v.Workflow.BusinessContext,
			TimeRemainingHours: max(int(v.Approval.ExpiresAt.Sub(now).Hours()), 0),
		})
	}
	return out, nil
}

// GetMetrics summarizes workflows created in [from, to]. Nil bounds are open.
func (s *ApprovalWorkflowService) GetMetrics(ctx context.Context, from, to *time.Time) (*WorkflowMetrics, error) {
	counts, err := s.store.CountByStatus(ctx, from, to)
	if err != nil {
		return nil, err
	}
	avg, err := s.store.AverageCompletionHours(ctx, from, to)
	if err != nil {
		return nil, err
	}

	m := &WorkflowMetrics{AverageCompletionHours: avg}
	for _, c := range counts {
		m.TotalWorkflows += c.Count
		switch c.Status {
		case repository.WorkflowPending:
			m.PendingWorkflows = c.Count
		case repository.WorkflowApproved:
			m.ApprovedWorkflows = c.Count
		case repository.WorkflowRejected:
			m.RejectedWorkflows = c.Count
		case repository.WorkflowTimeout:
			m.TimedOutWorkflows = c.Count
		case repository.WorkflowCancelled:
			m.CancelledWorkflows = c.Count
		}
	}
	return m, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *ApprovalWorkflowService) completed(ctx context.Context, wf *repository.ApprovalWorkflow, subject string) {
	reason := ""
	if wf.CompletionReason != nil {
		reason = *wf.CompletionReason
	}
	s.publish(ctx, subject, map[string]any{
		"workflow_id":       wf.ID,
		"workflow_type":     wf.WorkflowType,
		"final_status":      wf.Status,
		"completion_reason": reason,
	})
	for _, hook := range s.hooks {
		hook(ctx, wf)
	}
}

func (s *ApprovalWorkflowService) publishEscalation(ctx context.Context, a *repository.WorkflowApproval, level repository.WorkflowEscalation, reason string) {
	s.publish(ctx, SubjectApprovalEscalated, map[string]any{
		"workflow_id":  a.WorkflowID,
		"approval_id":  a.ID,
		"level":        level.Level,
		"escalated_to": level.EscalateToRole,
		"reason":       reason,
	})
}

// publish never fails the caller.
func (s *ApprovalWorkflowService) publish(ctx context.Context, subject string, payload map[string]any) {
	if err := s.notifier.Publish(ctx, subject, payload); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish notification")
	}
}

// assertCanAct checks that user is the assigned approver. Role-claimable
// approvals can be acted on by anyone.
func assertCanAct(a *repository.WorkflowApproval, user string) error {
	if a.ApproverUser == repository.RoleClaimUser || a.ApproverUser == user {
		return nil
	}
	return errors.New(errors.ErrCodeUnauthorized, "user is not authorized to act on this approval")
}

func normalizeSteps(steps []repository.ApprovalStep) ([]repository.ApprovalStep, error) {
	out := append([]repository.ApprovalStep(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	for i := range out {
		if out[i].StepNumber == 0 {
			out[i].StepNumber = i + 1
		}
		if out[i].StepNumber != i+1 {
			return nil, errors.InvalidInput("approval_steps", "step numbers must run 1..n without gaps")
		}
		if out[i].ApproverRole == "" {
			return nil, errors.InvalidInput("approval_steps", fmt.Sprintf("step %d has no approver role", i+1))
		}
		if out[i].RequiredApprovals < 1 {
			out[i].RequiredApprovals = 1
		}
		if out[i].TimeoutHours <= 0 {
			return nil, errors.InvalidInput("approval_steps", fmt.Sprintf("step %d has no timeout", i+1))
		}
	}
	return out, nil
}

func approverUsers(approvals []*repository.WorkflowApproval) []string {
	out := make([]string, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, a.ApproverUser)
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
