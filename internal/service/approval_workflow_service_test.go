package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

type workflowFixture struct {
	svc      *ApprovalWorkflowService
	store    *fakeWorkflowStore
	notifier *fakeNotifier
	clock    *time.Time
}

func newWorkflowFixture(resolver ApproverResolver) *workflowFixture {
	store := newFakeWorkflowStore()
	notifier := &fakeNotifier{}
	now := testNow
	f := &workflowFixture{store: store, notifier: notifier, clock: &now}
	f.svc = NewApprovalWorkflowService(store, resolver, notifier, DefaultSettings(), logger.Nop())
	f.svc.now = func() time.Time { return *f.clock }
	return f
}

func (f *workflowFixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func (f *workflowFixture) workflow(t *testing.T, id string) *repository.ApprovalWorkflow {
	t.Helper()
	wf, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return wf
}

func twoStepRequest() InitiateApprovalRequest {
	return InitiateApprovalRequest{
		WorkflowType:       WorkflowTypeJournalEntry,
		SourceDocumentType: "FUEL_TRANSACTION",
		SourceDocumentID:   "F-100",
		Amount:             decimal.NewFromInt(5000),
		InitiatedBy:        "poster",
		Steps: []repository.ApprovalStep{
			{StepNumber: 1, ApproverRole: "ACCOUNTING_MANAGER", ApproverUsers: []string{"ann", "bob"}, RequiredApprovals: 2, TimeoutHours: 24},
			{StepNumber: 2, ApproverRole: "FINANCIAL_CONTROLLER", ApproverUsers: []string{"carl"}, RequiredApprovals: 1, TimeoutHours: 12},
		},
	}
}

func TestDefaultSteps(t *testing.T) {
	svc := newWorkflowFixture(nil).svc

	tests := []struct {
		name   string
		typ    string
		amount int64
		roles  []string
	}{
		{"journal entry", WorkflowTypeJournalEntry, 5000, []string{"ACCOUNTING_MANAGER"}},
		{"journal entry above CFO threshold", WorkflowTypeJournalEntry, 250_000, []string{"ACCOUNTING_MANAGER", "CFO"}},
		{"journal entry above CEO threshold", WorkflowTypeJournalEntry, 2_000_000, []string{"ACCOUNTING_MANAGER", "CFO", "CEO"}},
		{"period end", WorkflowTypePeriodEnd, 10, []string{"ACCOUNTING_MANAGER", "FINANCIAL_CONTROLLER", "CFO"}},
		{"tolerance exception", WorkflowTypeToleranceException, 10, []string{"FINANCIAL_CONTROLLER"}},
		{"unknown type", "EXPENSE_CLAIM", 10, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := svc.DefaultSteps(tt.typ, decimal.NewFromInt(tt.amount))
			var roles []string
			for i, s := range steps {
				assert.Equal(t, i+1, s.StepNumber)
				roles = append(roles, s.ApproverRole)
			}
			assert.Equal(t, tt.roles, roles)
		})
	}
}

func TestInitiateApproval(t *testing.T) {
	f := newWorkflowFixture(fakeResolver{byRole: map[string][]string{"ACCOUNTING_MANAGER": {"ann", "bob"}}})

	wf, err := f.svc.InitiateApproval(context.Background(), InitiateApprovalRequest{
		WorkflowType:       WorkflowTypeBulkPosting,
		SourceDocumentType: "BATCH",
		Amount:             decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	assert.Equal(t, repository.WorkflowPending, wf.Status)
	assert.Equal(t, 1, wf.CurrentStep)
	assert.Equal(t, "BULK_POSTING Approval", wf.WorkflowName)
	assert.Equal(t, "Approval workflow for BATCH", *wf.Description)
	assert.Equal(t, 36, wf.SLAHours)
	assert.Equal(t, testNow.Add(36*time.Hour), wf.ExpiresAt)
	assert.Equal(t, systemUser, wf.InitiatedBy)

	approvals, err := f.store.ListApprovals(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1, "required approvals caps resolved users")
	assert.Equal(t, "ann", approvals[0].ApproverUser)
	assert.Equal(t, 1, approvals[0].StepNumber)
	assert.Equal(t, testNow.Add(12*time.Hour), approvals[0].ExpiresAt)
	assert.Equal(t, 1, f.notifier.published(SubjectWorkflowInitiated))

	_, err = f.svc.InitiateApproval(context.Background(), InitiateApprovalRequest{WorkflowType: "EXPENSE_CLAIM"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No approval steps configured for workflow type: EXPENSE_CLAIM")
}

func TestPendingWorkflowPerSourceIsUnique(t *testing.T) {
	f := newWorkflowFixture(nil)
	ctx := context.Background()

	_, err := f.svc.InitiateApproval(ctx, twoStepRequest())
	require.NoError(t, err)

	_, err = f.svc.InitiateApproval(ctx, twoStepRequest())
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyExists))

	other := twoStepRequest()
	other.WorkflowType = WorkflowTypeToleranceException
	_, err = f.svc.InitiateApproval(ctx, other)
	assert.NoError(t, err, "only journal entry approvals are unique per source")
}

func TestInitiateApprovalRoleClaim(t *testing.T) {
	f := newWorkflowFixture(nil)
	ctx := context.Background()

	wf, err := f.svc.InitiateApproval(ctx, InitiateApprovalRequest{WorkflowType: WorkflowTypeConfigurationChange})
	require.NoError(t, err)

	approvals, err := f.store.ListApprovals(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, repository.RoleClaimUser, approvals[0].ApproverUser)

	pending, err := f.svc.GetPendingApprovals(ctx, "dana", []string{"SYSTEM_ADMINISTRATOR"}, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 8, pending[0].TimeRemainingHours)

	res, err := f.svc.ProcessDecision(ctx, DecisionRequest{
		WorkflowID:    wf.ID,
		ApproverUser:  "dana",
		ApproverRoles: []string{"SYSTEM_ADMINISTRATOR"},
		Action:        repository.ActionApproved,
	})
	require.NoError(t, err)
	assert.True(t, res.WorkflowCompleted)

	approvals, err = f.store.ListApprovals(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "dana", approvals[0].ApproverUser, "claim records the acting user")
}

func TestProcessDecisionStepAdvancement(t *testing.T) {
	f := newWorkflowFixture(nil)
	ctx := context.Background()
	var completed []string
	f.svc.OnComplete(func(_ context.Context, wf *repository.ApprovalWorkflow) { completed = append(completed, wf.Status) })

	wf, err := f.svc.InitiateApproval(ctx, twoStepRequest())
	require.NoError(t, err)

	res, err := f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: wf.ID, ApproverUser: "ann", Action: "approved"})
	require.NoError(t, err)
	assert.False(t, res.WorkflowCompleted)
	assert.Nil(t, res.NextStep)
	assert.Equal(t, 1, f.workflow(t, wf.ID).CurrentStep, "one of two approvals keeps the step")

	_, err = f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: wf.ID, ApproverUser: "ann", Action: "APPROVED"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict), "a user decides once per step")

	res, err = f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: wf.ID, StepNumber: 1, ApproverUser: "bob", Action: "APPROVED"})
	require.NoError(t, err)
	require.NotNil(t, res.NextStep)
	assert.Equal(t, 2, *res.NextStep)
	assert.Equal(t, 2, f.workflow(t, wf.ID).CurrentStep)

	_, err = f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: wf.ID, StepNumber: 1, ApproverUser: "carl", Action: "APPROVED"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict), "step 1 is no longer current")

	res, err = f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: wf.ID, ApproverUser: "carl", Action: "APPROVED", Comments: "ok"})
	require.NoError(t, err)
	assert.True(t, res.WorkflowCompleted)
	assert.Equal(t, repository.WorkflowApproved, res.FinalStatus)

	final := f.workflow(t, wf.ID)
	assert.Equal(t, repository.WorkflowApproved, final.Status)
	assert.Equal(t, reasonAllApproved, *final.CompletionReason)
	assert.Equal(t, []string{repository.WorkflowApproved}, completed)
	assert.Equal(t, 3, f.notifier.published(SubjectApprovalDecision))
	assert.Equal(t, 1, f.notifier.published(SubjectWorkflowCompleted))

	_, err = f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: wf.ID, ApproverUser: "carl", Action: "APPROVED"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Workflow is not in pending status: APPROVED")
}

func TestProcessDecisionConcurrentApprovalsAdvanceOnce(t *testing.T) {
	f := newWorkflowFixture(nil)
	ctx := context.Background()
	var mu sync.Mutex
	completions := 0
	f.svc.OnComplete(func(context.Context, *repository.ApprovalWorkflow) {
		mu.Lock()
		completions++
		mu.Unlock()
	})

	req := twoStepRequest()
	req.Steps[0].RequiredApprovals = 1
	wf, err := f.svc.InitiateApproval(ctx, req)
	require.NoError(t, err)

	approvers := []string{"ann", "bob"}
	results := make([]*DecisionResult, len(approvers))
	errs := make([]error, len(approvers))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, user := range approvers {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.svc.ProcessDecision(ctx, DecisionRequest{
				WorkflowID:   wf.ID,
				StepNumber:   1,
				ApproverUser: user,
				Action:       repository.ActionApproved,
			})
		}(i, user)
	}
	close(start)
	wg.Wait()

	advanced := 0
	for i := range approvers {
		if errs[i] != nil {
			assert.True(t, errors.HasCode(errs[i], errors.ErrCodeConflict), "loser sees a stale step: %v", errs[i])
			continue
		}
		require.NotNil(t, results[i].NextStep)
		assert.Equal(t, 2, *results[i].NextStep)
		advanced++
	}
	assert.Equal(t, 1, advanced)
	assert.Equal(t, 2, f.workflow(t, wf.ID).CurrentStep)
	assert.Zero(t, completions)

	approvals, err := f.store.ListApprovals(ctx, wf.ID)
	require.NoError(t, err)
	var stepTwo []string
	for _, a := range approvals {
		if a.StepNumber == 2 {
			stepTwo = append(stepTwo, a.ApproverUser)
		}
	}
	assert.Equal(t, []string{"carl"}, stepTwo, "next step approvals are created once")
}

func TestProcessDecisionRejectionShortCircuits(t *testing.T) {
	tests := []struct {
		name     string
		action   string
		comments string
		reason   string
	}{
		{"rejected with comment", repository.ActionRejected, "wrong account", "Rejected by ann: wrong account"},
		{"rejected without comment", repository.ActionRejected, "", "Rejected by ann: No reason provided"},
		{"returned", repository.ActionReturned, "", "Returned by ann: Returned for revision"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWorkflowFixture(nil)
			ctx := context.Background()
			wf, err := f.svc.InitiateApproval(ctx, twoStepRequest())
			require.NoError(t, err)

			res, err := f.svc.ProcessDecision(ctx, DecisionRequest{
				WorkflowID: wf.ID, ApproverUser: "ann", Action: tt.action, Comments: tt.comments,
			})
			require.NoError(t, err)
			assert.True(t, res.WorkflowCompleted)
			assert.Equal(t, repository.WorkflowRejected, res.FinalStatus)

			final := f.workflow(t, wf.ID)
			assert.Equal(t, repository.WorkflowRejected, final.Status)
			assert.Equal(t, 1, final.CurrentStep, "rejection never advances")
			assert.Equal(t, tt.reason, *final.CompletionReason)

			approvals, err := f.store.ListApprovals(ctx, wf.ID)
			require.NoError(t, err)
			statuses := map[string]string{}
			for _, a := range approvals {
				statuses[a.ApproverUser] = a.Status
			}
			assert.Equal(t, repository.ApprovalExpired, statuses["bob"], "leftover approvals are closed")
		})
	}
}

func TestProcessDecisionErrors(t *testing.T) {
	f := newWorkflowFixture(nil)
	ctx := context.Background()
	wf, err := f.svc.InitiateApproval(ctx, twoStepRequest())
	require.NoError(t, err)

	_, err = f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: wf.ID, ApproverUser: "ann", Action: repository.ActionDelegated})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: wf.ID, ApproverUser: "mallory", Action: repository.ActionApproved})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Approval record not found or not pending")

	_, err = f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: "missing", ApproverUser: "ann", Action: repository.ActionApproved})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestProcessTimeoutsMarksWorkflowTimeout(t *testing.T) {
	f := newWorkflowFixture(fakeResolver{byRole: map[string][]string{"ACCOUNTING_MANAGER": {"ann"}}})
	ctx := context.Background()
	var completed []string
	f.svc.OnComplete(func(_ context.Context, wf *repository.ApprovalWorkflow) { completed = append(completed, wf.Status) })

	wf, err := f.svc.InitiateApproval(ctx, InitiateApprovalRequest{WorkflowType: WorkflowTypeJournalEntry})
	require.NoError(t, err)

	res, err := f.svc.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, TimeoutSweepResult{}, *res, "nothing has expired yet")

	f.advance(25 * time.Hour)
	res, err = f.svc.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, TimeoutSweepResult{Expired: 1, TimedOutWorkflows: 1}, *res)

	final := f.workflow(t, wf.ID)
	assert.Equal(t, repository.WorkflowTimeout, final.Status)
	assert.Equal(t, reasonWorkflowTimeout, *final.CompletionReason)
	assert.Equal(t, []string{repository.WorkflowTimeout}, completed)
	assert.Equal(t, 1, f.notifier.published(SubjectWorkflowTimeout))
}

func TestProcessTimeoutsSkipsDecidedApprovals(t *testing.T) {
	f := newWorkflowFixture(nil)
	ctx := context.Background()
	wf, err := f.svc.InitiateApproval(ctx, twoStepRequest())
	require.NoError(t, err)

	_, err = f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: wf.ID, ApproverUser: "ann", Action: repository.ActionApproved})
	require.NoError(t, err)

	f.advance(25 * time.Hour)
	res, err := f.svc.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired, "only bob's pending approval expires")
	assert.Equal(t, 1, res.TimedOutWorkflows)

	approvals, err := f.store.ListApprovals(ctx, wf.ID)
	require.NoError(t, err)
	for _, a := range approvals {
		if a.ApproverUser == "ann" {
			assert.Equal(t, repository.ApprovalCompleted, a.Status)
		}
	}
}

func TestProcessTimeoutsAutoEscalates(t *testing.T) {
	f := newWorkflowFixture(nil)
	ctx := context.Background()
	req := twoStepRequest()
	req.EnableAutoEscalation = true
	req.EscalationMatrix = []repository.WorkflowEscalation{
		{Level: 2, EscalateToRole: "CFO", EscalateToUsers: []string{"cfo"}, TimeoutHours: 48},
		{Level: 1, EscalateToRole: "FINANCIAL_CONTROLLER", TimeoutHours: 24},
	}
	wf, err := f.svc.InitiateApproval(ctx, req)
	require.NoError(t, err)

	f.advance(25 * time.Hour)
	res, err := f.svc.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Escalated)
	assert.Zero(t, res.TimedOutWorkflows)

	approvals, err := f.store.ListApprovals(ctx, wf.ID)
	require.NoError(t, err)
	for _, a := range approvals {
		assert.True(t, a.IsEscalated)
		assert.Equal(t, 1, a.EscalationLevel)
		assert.Equal(t, "FINANCIAL_CONTROLLER", a.ApproverRole)
		assert.Equal(t, repository.RoleClaimUser, a.ApproverUser)
		assert.Equal(t, reasonTimeoutEscalation, *a.EscalationReason)
	}
	assert.Equal(t, repository.WorkflowPending, f.workflow(t, wf.ID).Status)

	f.advance(25 * time.Hour)
	res, err = f.svc.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Escalated)

	f.advance(49 * time.Hour)
	res, err = f.svc.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Expired, "no level left, so approvals expire")
	assert.Equal(t, 1, res.TimedOutWorkflows)
}

func TestEscalateApproval(t *testing.T) {
	f := newWorkflowFixture(nil)
	ctx := context.Background()

	wf, err := f.svc.InitiateApproval(ctx, twoStepRequest())
	require.NoError(t, err)
	approvals, err := f.store.ListApprovals(ctx, wf.ID)
	require.NoError(t, err)

	err = f.svc.EscalateApproval(ctx, approvals[0].ID, "urgent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No escalation matrix configured for this workflow")

	req := twoStepRequest()
	req.SourceDocumentID = "F-101"
	req.EscalationMatrix = []repository.WorkflowEscalation{{Level: 1, EscalateToRole: "CFO", EscalateToUsers: []string{"cfo"}, TimeoutHours: 4}}
	wf, err = f.svc.InitiateApproval(ctx, req)
	require.NoError(t, err)
	approvals, err = f.store.ListApprovals(ctx, wf.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.EscalateApproval(ctx, approvals[0].ID, "urgent"))
	escalated, err := f.store.GetApproval(ctx, approvals[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "cfo", escalated.ApproverUser)
	assert.Equal(t, "ann", *escalated.EscalatedFrom)
	assert.Equal(t, testNow.Add(4*time.Hour), escalated.ExpiresAt)

	err = f.svc.EscalateApproval(ctx, approvals[0].ID, "again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No escalation level available")
	assert.Equal(t, 1, f.notifier.published(SubjectApprovalEscalated))
}

func TestDelegateApproval(t *testing.T) {
	f := newWorkflowFixture(nil)
	ctx := context.Background()
	wf, err := f.svc.InitiateApproval(ctx, twoStepRequest())
	require.NoError(t, err)
	approvals, err := f.store.ListApprovals(ctx, wf.ID)
	require.NoError(t, err)
	annID := approvals[0].ID

	err = f.svc.DelegateApproval(ctx, DelegateRequest{ApprovalID: annID, DelegatedBy: "ann", DelegatedTo: "dave"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput), "reason is required")

	err = f.svc.DelegateApproval(ctx, DelegateRequest{ApprovalID: annID, DelegatedBy: "bob", DelegatedTo: "dave", Reason: "leave"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	require.NoError(t, f.svc.DelegateApproval(ctx, DelegateRequest{ApprovalID: annID, DelegatedBy: "ann", DelegatedTo: "dave", Reason: "leave"}))

	a, err := f.store.GetApproval(ctx, annID)
	require.NoError(t, err)
	assert.Equal(t, "dave", a.ApproverUser)
	assert.Equal(t, "ann", *a.DelegatedBy)
	assert.Equal(t, testNow.Add(7*24*time.Hour), a.ExpiresAt)
	assert.Equal(t, repository.WorkflowPending, f.workflow(t, wf.ID).Status)

	_, err = f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: wf.ID, ApproverUser: "dave", Action: repository.ActionApproved})
	require.NoError(t, err)

	err = f.svc.DelegateApproval(ctx, DelegateRequest{ApprovalID: annID, DelegatedBy: "dave", DelegatedTo: "erin", Reason: "x"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict), "completed approvals cannot be delegated")
}

func TestCancelWorkflow(t *testing.T) {
	f := newWorkflowFixture(nil)
	ctx := context.Background()
	wf, err := f.svc.InitiateApproval(ctx, twoStepRequest())
	require.NoError(t, err)

	err = f.svc.CancelWorkflow(ctx, wf.ID, "someone-else", "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	require.NoError(t, f.svc.CancelWorkflow(ctx, wf.ID, "poster", "duplicate request"))
	final := f.workflow(t, wf.ID)
	assert.Equal(t, repository.WorkflowCancelled, final.Status)
	assert.Equal(t, "Cancelled by poster: duplicate request", *final.CompletionReason)

	err = f.svc.CancelWorkflow(ctx, wf.ID, "poster", "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
}

func TestGetMetrics(t *testing.T) {
	f := newWorkflowFixture(nil)
	ctx := context.Background()

	first, err := f.svc.InitiateApproval(ctx, twoStepRequest())
	require.NoError(t, err)
	second := twoStepRequest()
	second.SourceDocumentID = "F-101"
	_, err = f.svc.InitiateApproval(ctx, second)
	require.NoError(t, err)

	f.advance(2 * time.Hour)
	_, err = f.svc.ProcessDecision(ctx, DecisionRequest{WorkflowID: first.ID, ApproverUser: "ann", Action: repository.ActionRejected})
	require.NoError(t, err)

	m, err := f.svc.GetMetrics(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalWorkflows)
	assert.Equal(t, 1, m.PendingWorkflows)
	assert.Equal(t, 1, m.RejectedWorkflows)
	assert.InDelta(t, 2.0, m.AverageCompletionHours, 0.001)
}
