package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/database"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
)

const workflowColumns = `
	w.id, w.workflow_type, w.workflow_name, w.description,
	w.source_document_type, w.source_document_id, w.reference_id, w.amount,
	w.status, w.approval_steps, w.escalation_matrix, w.enable_auto_escalation,
	w.current_step, w.business_context, w.approval_data,
	w.initiated_by, w.initiated_at, w.expires_at, w.sla_hours,
	w.completed_at, w.completion_reason, w.created_at, w.updated_at
`

// PendingSourceConstraint allows one pending JOURNAL_ENTRY workflow per source document.
const PendingSourceConstraint = "uq_approval_workflows_pending_source"

// ApprovalWorkflowRepository manages workflow instances and their approvals.
// Workflow + initial approval creation is always done together in a single transaction.
type ApprovalWorkflowRepository struct {
	db *database.DB
}

// NewApprovalWorkflowRepository creates a new ApprovalWorkflowRepository.
func NewApprovalWorkflowRepository(db *database.DB) *ApprovalWorkflowRepository {
	return &ApprovalWorkflowRepository{db: db}
}

// Create inserts a workflow and its step-1 approvals in one transaction.
func (r *ApprovalWorkflowRepository) Create(ctx context.Context, wf *ApprovalWorkflow, approvals []*WorkflowApproval) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	stepsJSON, err := marshalJSONB(nonNilSlice(wf.ApprovalSteps), "approval steps")
	if err != nil {
		return err
	}
	matrixJSON, err := marshalJSONB(nonNilSlice(wf.EscalationMatrix), "escalation matrix")
	if err != nil {
		return err
	}
	contextJSON, err := marshalJSONB(businessContext(wf.BusinessContext), "business context")
	if err != nil {
		return err
	}
	var approvalData []byte
	if len(wf.ApprovalData) > 0 {
		approvalData = wf.ApprovalData
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_workflows
			    (id, workflow_type, workflow_name, description,
			     source_document_type, source_document_id, reference_id, amount,
			     status, approval_steps, escalation_matrix, enable_auto_escalation,
			     current_step, business_context, approval_data,
			     initiated_by, initiated_at, expires_at, sla_hours)
			VALUES ($1, $2, $3, $4,
			        $5, $6, $7, $8,
			        $9, $10, $11, $12,
			        $13, $14, $15,
			        $16, $17, $18, $19)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			wf.ID,
			wf.WorkflowType,
			wf.WorkflowName,
			wf.Description,
			wf.SourceDocumentType,
			wf.SourceDocumentID,
			wf.ReferenceID,
			wf.Amount,
			wf.Status,
			stepsJSON,
			matrixJSON,
			wf.EnableAutoEscalation,
			wf.CurrentStep,
			contextJSON,
			approvalData,
			wf.InitiatedBy,
			wf.InitiatedAt,
			wf.ExpiresAt,
			wf.SLAHours,
		).Scan(&wf.CreatedAt, &wf.UpdatedAt)
		if database.IsUniqueViolation(err, PendingSourceConstraint) {
			return errors.New(errors.ErrCodeAlreadyExists, "source document already has a pending approval workflow")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval workflow")
		}

		return insertApprovals(ctx, tx, wf.ID, approvals)
	})
}

// GetByID retrieves a workflow by its primary key.
func (r *ApprovalWorkflowRepository) GetByID(ctx context.Context, id string) (*ApprovalWorkflow, error) {
	query := `SELECT` + workflowColumns + `FROM approval_workflows w WHERE w.id = $1`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_workflow", id)
	}
	return wf, err
}

// GetApproval retrieves one approval record.
func (r *ApprovalWorkflowRepository) GetApproval(ctx context.Context, id string) (*WorkflowApproval, error) {
	query := `SELECT` + approvalColumns + `FROM workflow_approvals a WHERE a.id = $1`

	a, err := scanApproval(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow_approval", id)
	}
	return a, err
}

// ListApprovals returns every approval of a workflow ordered by step.
func (r *ApprovalWorkflowRepository) ListApprovals(ctx context.Context, workflowID string) ([]*WorkflowApproval, error) {
	query := `SELECT` + approvalColumns + `
		FROM workflow_approvals a
		WHERE a.workflow_id = $1
		ORDER BY a.step_number ASC, a.assigned_at ASC
	`
	return queryApprovals(ctx, r.db, query, workflowID)
}

// InWorkflowTx locks the workflow row (SELECT ... FOR UPDATE) and runs fn in
// the same transaction. Decisions, delegations, escalations and timeouts on one
// workflow are serialized through this lock.
func (r *ApprovalWorkflowRepository) InWorkflowTx(ctx context.Context, workflowID string, fn func(tx WorkflowTx) error) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `SELECT` + workflowColumns + `FROM approval_workflows w WHERE w.id = $1 FOR UPDATE`

		wf, err := scanWorkflow(tx.QueryRow(ctx, query, workflowID))
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.NotFound("approval_workflow", workflowID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock approval workflow")
		}

		return fn(&pgWorkflowTx{tx: tx, wf: wf})
	})
}

// FindPendingBySource returns the pending workflow of workflowType for a source
// document, or nil when there is none.
func (r *ApprovalWorkflowRepository) FindPendingBySource(ctx context.Context, workflowType, sourceType, sourceID string) (*ApprovalWorkflow, error) {
	query := `SELECT` + workflowColumns + `
		FROM approval_workflows w
		WHERE w.workflow_type = $1
		  AND w.source_document_type = $2
		  AND w.source_document_id = $3
		  AND w.status = 'PENDING'
		ORDER BY w.created_at DESC
		LIMIT 1
	`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, workflowType, sourceType, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return wf, err
}

// ListExpiredApprovals returns pending approvals whose expiry is before now,
// oldest first. Workflows that are no longer pending are excluded.
func (r *ApprovalWorkflowRepository) ListExpiredApprovals(ctx context.Context, now time.Time) ([]*WorkflowApproval, error) {
	query := `SELECT` + approvalColumns + `
		FROM workflow_approvals a
		JOIN approval_workflows w ON w.id = a.workflow_id
		WHERE a.status = 'PENDING'
		  AND a.expires_at < $1
		  AND w.status = 'PENDING'
		ORDER BY a.expires_at ASC
	`
	return queryApprovals(ctx, r.db, query, now)
}

// ListPendingForUser returns pending approvals assigned to user, or claimable by
// one of roles, on pending workflows.
func (r *ApprovalWorkflowRepository) ListPendingForUser(ctx context.Context, user string, roles []string, limit int) ([]PendingApprovalView, error) {
	query := `SELECT` + approvalColumns + `,` + workflowColumns + `
		FROM workflow_approvals a
		JOIN approval_workflows w ON w.id = a.workflow_id
		WHERE a.status = 'PENDING'
		  AND w.status = 'PENDING'
		  AND (a.approver_user = $1 OR a.approver_role = ANY($2))
		ORDER BY a.assigned_at ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, user, nonNilSlice(roles), limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	var out []PendingApprovalView
	for rows.Next() {
		a := &WorkflowApproval{}
		wf := &ApprovalWorkflow{}
		var wj workflowJSON
		dest := append(approvalDest(a), workflowDest(wf, &wj)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if err := wj.decode(wf); err != nil {
			return nil, err
		}
		out = append(out, PendingApprovalView{Approval: a, Workflow: wf})
	}
	return out, rows.Err()
}

// CountByStatus groups workflows created in [from, to] by status. Nil bounds are open.
func (r *ApprovalWorkflowRepository) CountByStatus(ctx context.Context, from, to *time.Time) ([]WorkflowStatusCount, error) {
	query := `
		SELECT status, COUNT(*)
		FROM approval_workflows
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		GROUP BY status
		ORDER BY status
	`

	rows, err := r.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count workflows")
	}
	defer rows.Close()

	var out []WorkflowStatusCount
	for rows.Next() {
		var c WorkflowStatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AverageCompletionHours averages completed_at - initiated_at over completed workflows.
func (r *ApprovalWorkflowRepository) AverageCompletionHours(ctx context.Context, from, to *time.Time) (float64, error) {
	query := `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - initiated_at)) / 3600), 0)::float8
		FROM approval_workflows
		WHERE completed_at IS NOT NULL
		  AND ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
	`

	var hours float64
	if err := r.db.QueryRow(ctx, query, from, to).Scan(&hours); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to average workflow completion time")
	}
	return hours, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type workflowJSON struct {
	steps        []byte
	matrix       []byte
	context      []byte
	approvalData []byte
}

func (j workflowJSON) decode(wf *ApprovalWorkflow) error {
	if err := unmarshalJSONB(j.steps, &wf.ApprovalSteps, "approval steps"); err != nil {
		return err
	}
	if err := unmarshalJSONB(j.matrix, &wf.EscalationMatrix, "escalation matrix"); err != nil {
		return err
	}
	if err := unmarshalJSONB(j.context, &wf.BusinessContext, "business context"); err != nil {
		return err
	}
	if len(j.approvalData) > 0 {
		wf.ApprovalData = append(wf.ApprovalData[:0], j.approvalData...)
	}
	return nil
}

func workflowDest(wf *ApprovalWorkflow, j *workflowJSON) []any {
	return []any{
		&wf.ID,
		&wf.WorkflowType,
		&wf.WorkflowName,
		&wf.Description,
		&wf.SourceDocumentType,
		&wf.SourceDocumentID,
		&wf.ReferenceID,
		&wf.Amount,
		&wf.Status,
		&j.steps,
		&j.matrix,
		&wf.EnableAutoEscalation,
		&wf.CurrentStep,
		&j.context,
		&j.approvalData,
		&wf.InitiatedBy,
		&wf.InitiatedAt,
		&wf.ExpiresAt,
		&wf.SLAHours,
		&wf.CompletedAt,
		&wf.CompletionReason,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	}
}

func scanWorkflow(row rowScanner) (*ApprovalWorkflow, error) {
	wf := &ApprovalWorkflow{}
	var j workflowJSON
	if err := row.Scan(workflowDest(wf, &j)...); err != nil {
		return nil, err
	}
	if err := j.decode(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func businessContext(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
