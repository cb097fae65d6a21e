package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
)

const approvalColumns = `
	a.id, a.workflow_id, a.step_number, a.approver_role, a.approver_user,
	a.status, a.action, a.comments, a.assigned_at, a.expires_at,
	a.responded_at, a.response_time_hours,
	a.delegated_by, a.delegated_to, a.delegated_at, a.delegation_reason,
	a.is_escalated, a.escalation_level, a.escalated_from, a.escalated_at, a.escalation_reason,
	a.created_at, a.updated_at
`

// WorkflowTx operates on one workflow while its row lock is held.
type WorkflowTx interface {
	// Workflow is the locked row. Mutate it and call UpdateWorkflow to persist.
	Workflow() *ApprovalWorkflow
	Approval(ctx context.Context, id string) (*WorkflowApproval, error)
	// FindPendingApproval prefers a record assigned to user, then a
	// role-claimable record whose role is one of roles.
	FindPendingApproval(ctx context.Context, step int, user string, roles []string) (*WorkflowApproval, error)
	HasDecided(ctx context.Context, step int, user string) (bool, error)
	CountApproved(ctx context.Context, step int) (int, error)
	PendingApprovals(ctx context.Context) ([]*WorkflowApproval, error)
	InsertApprovals(ctx context.Context, approvals []*WorkflowApproval) error
	UpdateApproval(ctx context.Context, a *WorkflowApproval) error
	UpdateWorkflow(ctx context.Context) error
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgWorkflowTx struct {
	tx pgx.Tx
	wf *ApprovalWorkflow
}

func (t *pgWorkflowTx) Workflow() *ApprovalWorkflow { return t.wf }

func (t *pgWorkflowTx) Approval(ctx context.Context, id string) (*WorkflowApproval, error) {
	query := `SELECT` + approvalColumns + `
		FROM workflow_approvals a
		WHERE a.id = $1 AND a.workflow_id = $2
		FOR UPDATE
	`

	a, err := scanApproval(t.tx.QueryRow(ctx, query, id, t.wf.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow_approval", id)
	}
	return a, err
}

func (t *pgWorkflowTx) FindPendingApproval(ctx context.Context, step int, user string, roles []string) (*WorkflowApproval, error) {
	query := `SELECT` + approvalColumns + `
		FROM workflow_approvals a
		WHERE a.workflow_id = $1
		  AND a.step_number = $2
		  AND a.status = 'PENDING'
		  AND (a.approver_user = $3
		       OR (a.approver_user = $4 AND a.approver_role = ANY($5)))
		ORDER BY (a.approver_user = $3) DESC, a.assigned_at ASC
		LIMIT 1
		FOR UPDATE
	`

	a, err := scanApproval(t.tx.QueryRow(ctx, query, t.wf.ID, step, user, RoleClaimUser, nonNilSlice(roles)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (t *pgWorkflowTx) HasDecided(ctx context.Context, step int, user string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workflow_approvals
			WHERE workflow_id = $1 AND step_number = $2
			  AND approver_user = $3 AND status = 'COMPLETED'
		)`, t.wf.ID, step, user).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check prior decision")
	}
	return exists, nil
}

func (t *pgWorkflowTx) CountApproved(ctx context.Context, step int) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflow_approvals
		WHERE workflow_id = $1 AND step_number = $2
		  AND status = 'COMPLETED' AND action = 'APPROVED'
	`, t.wf.ID, step).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approvals")
	}
	return n, nil
}

func (t *pgWorkflowTx) PendingApprovals(ctx context.Context) ([]*WorkflowApproval, error) {
	query := `SELECT` + approvalColumns + `
		FROM workflow_approvals a
		WHERE a.workflow_id = $1 AND a.status = 'PENDING'
		ORDER BY a.step_number ASC, a.assigned_at ASC
	`
	return queryApprovals(ctx, t.tx, query, t.wf.ID)
}

func (t *pgWorkflowTx) InsertApprovals(ctx context.Context, approvals []*WorkflowApproval) error {
	return insertApprovals(ctx, t.tx, t.wf.ID, approvals)
}

func (t *pgWorkflowTx) UpdateApproval(ctx context.Context, a *WorkflowApproval) error {
	query := `
		UPDATE workflow_approvals
		SET approver_role       = $2,
		    approver_user       = $3,
		    status              = $4,
		    action              = $5,
		    comments            = $6,
		    expires_at          = $7,
		    responded_at        = $8,
		    response_time_hours = $9,
		    delegated_by        = $10,
		    delegated_to        = $11,
		    delegated_at        = $12,
		    delegation_reason   = $13,
		    is_escalated        = $14,
		    escalation_level    = $15,
		    escalated_from      = $16,
		    escalated_at        = $17,
		    escalation_reason   = $18,
		    updated_at          = NOW()
		WHERE id = $1 AND workflow_id = $19
		RETURNING updated_at
	`

	err := t.tx.QueryRow(ctx, query,
		a.ID,
		a.ApproverRole,
		a.ApproverUser,
		a.Status,
		a.Action,
		a.Comments,
		a.ExpiresAt,
		a.RespondedAt,
		a.ResponseTimeHours,
		a.DelegatedBy,
		a.DelegatedTo,
		a.DelegatedAt,
		a.DelegationReason,
		a.IsEscalated,
		a.EscalationLevel,
		a.EscalatedFrom,
		a.EscalatedAt,
		a.EscalationReason,
		t.wf.ID,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("workflow_approval", a.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow approval")
	}
	return nil
}

func (t *pgWorkflowTx) UpdateWorkflow(ctx context.Context) error {
	query := `
		UPDATE approval_workflows
		SET status            = $2,
		    current_step      = $3,
		    completed_at      = $4,
		    completion_reason = $5,
		    updated_at        = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := t.tx.QueryRow(ctx, query,
		t.wf.ID,
		t.wf.Status,
		t.wf.CurrentStep,
		t.wf.CompletedAt,
		t.wf.CompletionReason,
	).Scan(&t.wf.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval workflow")
	}
	return nil
}

// ── shared helpers ───────────────────────────────────────────────────────────

func insertApprovals(ctx context.Context, tx pgx.Tx, workflowID string, approvals []*WorkflowApproval) error {
	query := `
		INSERT INTO workflow_approvals
		    (id, workflow_id, step_number, approver_role, approver_user,
		     status, assigned_at, expires_at, escalation_level)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	for _, a := range approvals {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.WorkflowID = workflowID

		err := tx.QueryRow(ctx, query,
			a.ID,
			a.WorkflowID,
			a.StepNumber,
			a.ApproverRole,
			a.ApproverUser,
			a.Status,
			a.AssignedAt,
			a.ExpiresAt,
			a.EscalationLevel,
		).Scan(&a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow approval")
		}
	}
	return nil
}

func queryApprovals(ctx context.Context, q querier, query string, args ...any) ([]*WorkflowApproval, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow approvals")
	}
	defer rows.Close()

	var out []*WorkflowApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func approvalDest(a *WorkflowApproval) []any {
	return []any{
		&a.ID,
		&a.WorkflowID,
		&a.StepNumber,
		&a.ApproverRole,
		&a.ApproverUser,
		&a.Status,
		&a.Action,
		&a.Comments,
		&a.AssignedAt,
		&a.ExpiresAt,
		&a.RespondedAt,
		&a.ResponseTimeHours,
		&a.DelegatedBy,
		&a.DelegatedTo,
		&a.DelegatedAt,
		&a.DelegationReason,
		&a.IsEscalated,
		&a.EscalationLevel,
		&a.EscalatedFrom,
		&a.EscalatedAt,
		&a.EscalationReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	}
}

func scanApproval(row rowScanner) (*WorkflowApproval, error) {
	a := &WorkflowApproval{}
	if err := row.Scan(approvalDest(a)...); err != nil {
		return nil, err
	}
	return a, nil
}
