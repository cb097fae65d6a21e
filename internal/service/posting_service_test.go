package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-gl-autoposting/internal/event"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

type postingFixture struct {
	svc        *PostingService
	workflows  *ApprovalWorkflowService
	wfStore    *fakeWorkflowStore
	templates  *fakeTemplateStore
	rules      *fakeRuleStore
	tolerances *fakeToleranceStore
	journals   *fakeJournalStore
	audit      *fakeAuditStore
	notifier   *fakeNotifier
	ifrs       *fakeIFRS
}

func newPostingFixture(templates []*repository.JournalTemplate, rules []*repository.PostingRule, tolerances ...*repository.Tolerance) *postingFixture {
	log := logger.Nop()
	settings := DefaultSettings()
	f := &postingFixture{
		templates:  newFakeTemplateStore(templates...),
		tolerances: &fakeToleranceStore{tolerances: tolerances},
		journals:   newFakeJournalStore(),
		audit:      newFakeAuditStore(),
		notifier:   &fakeNotifier{},
		ifrs:       &fakeIFRS{},
	}
	f.rules = newFakeRuleStore(f.templates, rules...)

	resolver := fakeResolver{byRole: map[string][]string{"ACCOUNTING_MANAGER": {"ann"}}}
	f.wfStore = newFakeWorkflowStore()
	f.workflows = NewApprovalWorkflowService(f.wfStore, resolver, f.notifier, settings, log)
	f.workflows.now = fixedClock(testNow)

	audit := NewAuditService(f.audit, log)
	audit.now = fixedClock(testNow)
	checker := NewToleranceChecker(f.tolerances, settings, log)
	checker.now = fixedClock(testNow)

	f.svc = NewPostingService(
		NewRuleEngine(f.rules, f.templates, f.audit, log),
		NewTemplateEngine(f.templates, settings, log),
		checker,
		f.workflows,
		f.journals,
		audit,
		f.ifrs,
		f.notifier,
		nil,
		log,
	)
	f.svc.now = fixedClock(testNow)
	return f
}

func newFuelFixture(tolerances ...*repository.Tolerance) *postingFixture {
	return newPostingFixture([]*repository.JournalTemplate{fuelTemplate()}, []*repository.PostingRule{fuelRule()}, tolerances...)
}

func (f *postingFixture) auditLog(t *testing.T, id string) *repository.AuditLog {
	t.Helper()
	l, err := f.audit.GetByID(context.Background(), id)
	require.NoError(t, err)
	return l
}

func TestProcessTransactionPosts(t *testing.T) {
	f := newFuelFixture()

	res, err := f.svc.ProcessTransaction(context.Background(), fuelEvent("P-1"))
	require.NoError(t, err)

	assert.Equal(t, ResultPosted, res.Status)
	assert.Equal(t, "rule-petrol", res.RuleID)
	assert.Equal(t, "JV-FUEL_SALE-20260314-0001", res.JournalNumber)

	entry, err := f.journals.GetByID(context.Background(), res.JournalEntryID)
	require.NoError(t, err)
	assert.Equal(t, "FUEL_SALE", entry.JournalType)
	assert.Equal(t, sourceModuleAutoPosting, entry.SourceModule)
	assert.True(t, entry.TotalDebit.Equal(entry.TotalCredit))
	require.Len(t, entry.Lines, 2)
	assert.Equal(t, 1, entry.Lines[0].LineNumber)
	assert.Equal(t, "5110", entry.Lines[0].AccountCode)
	assert.Equal(t, "ST01", *entry.Lines[0].StationID)
	assert.True(t, entry.Lines[1].BaseCreditAmount.Equal(decimal.NewFromInt(500)))

	log := f.auditLog(t, res.AuditLogID)
	assert.Equal(t, repository.AuditSuccess, log.Status)
	assert.Equal(t, res.JournalEntryID, *log.JournalEntryID)
	assert.Equal(t, "rule-petrol", *log.RuleID)
	assert.NotEmpty(t, log.GeneratedEntries)
	assert.Equal(t, 1, f.notifier.published(SubjectJournalPosted))
	assert.Zero(t, f.ifrs.calls, "no IFRS flags on the template")
}

func TestProcessTransactionIsIdempotent(t *testing.T) {
	f := newFuelFixture()
	ctx := context.Background()

	first, err := f.svc.ProcessTransaction(ctx, fuelEvent("P-2"))
	require.NoError(t, err)
	require.Equal(t, ResultPosted, first.Status)

	second, err := f.svc.ProcessTransaction(ctx, fuelEvent("P-2"))
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, second.Status)
	assert.Equal(t, first.JournalEntryID, second.JournalEntryID)
	assert.Equal(t, 1, f.journals.count())
	assert.Equal(t, repository.AuditSkipped, f.auditLog(t, second.AuditLogID).Status)
}

func TestProcessTransactionNoApplicableRule(t *testing.T) {
	f := newFuelFixture()
	evt := fuelEvent("P-3")
	evt.TransactionData["product_type"] = "DIESEL"

	res, err := f.svc.ProcessTransaction(context.Background(), evt)
	require.NoError(t, err)

	assert.Equal(t, ResultNoApplicableRule, res.Status)
	log := f.auditLog(t, res.AuditLogID)
	assert.Equal(t, repository.AuditFailed, log.Status)
	assert.Equal(t, msgNoApplicableRule, *log.ErrorMessage)
	assert.Zero(t, f.journals.count())
}

func TestProcessTransactionFallsThroughFailingRules(t *testing.T) {
	broken := fuelTemplate()
	broken.ID = "tpl-broken"
	broken.TemplateCode = "BROKEN"
	broken.AccountMappingRules.Debit[0].Account = "unknown_account"

	first := fuelRule()
	first.ID, first.RuleName, first.TemplateID, first.Priority = "rule-broken", "Broken", "tpl-broken", 1

	f := newPostingFixture(
		[]*repository.JournalTemplate{fuelTemplate(), broken},
		[]*repository.PostingRule{first, fuelRule()},
	)

	res, err := f.svc.ProcessTransaction(context.Background(), fuelEvent("P-4"))
	require.NoError(t, err)
	assert.Equal(t, ResultPosted, res.Status)
	assert.Equal(t, "rule-petrol", res.RuleID)
}

func TestProcessTransactionAllRulesFail(t *testing.T) {
	tpl := fuelTemplate()
	tpl.AccountMappingRules.Debit = nil
	f := newPostingFixture([]*repository.JournalTemplate{tpl}, []*repository.PostingRule{fuelRule()})

	res, err := f.svc.ProcessTransaction(context.Background(), fuelEvent("P-5"))
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, res.Status)
	assert.Equal(t, msgAllRulesFailed, res.Message)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Invalid template configuration")

	log := f.auditLog(t, res.AuditLogID)
	assert.Equal(t, repository.AuditFailed, log.Status)
	assert.Equal(t, res.Errors, log.ValidationErrors)
	assert.Zero(t, f.journals.count())
}

func TestProcessTransactionApprovalGates(t *testing.T) {
	approve := tolerance("approve", repository.ToleranceTypeAbsolute, 100, repository.ActionApprove)

	tests := []struct {
		name       string
		mutate     func(*repository.JournalTemplate)
		tolerances []*repository.Tolerance
	}{
		{"template flag", func(tpl *repository.JournalTemplate) { tpl.ApprovalRequired = true }, nil},
		{"amount threshold", func(tpl *repository.JournalTemplate) {
			tpl.ApprovalThreshold = decimal.NewNullDecimal(decimal.NewFromInt(499))
		}, nil},
		{"tolerance requires approval", func(*repository.JournalTemplate) {}, []*repository.Tolerance{approve}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := fuelTemplate()
			tt.mutate(tpl)
			f := newPostingFixture([]*repository.JournalTemplate{tpl}, []*repository.PostingRule{fuelRule()}, tt.tolerances...)

			res, err := f.svc.ProcessTransaction(context.Background(), fuelEvent("P-6"))
			require.NoError(t, err)

			assert.Equal(t, ResultApprovalPending, res.Status)
			assert.NotEmpty(t, res.WorkflowID)
			assert.Zero(t, f.journals.count(), "nothing is posted before approval")

			log := f.auditLog(t, res.AuditLogID)
			assert.Equal(t, repository.AuditPending, log.Status)
			assert.Equal(t, res.WorkflowID, *log.WorkflowID)
		})
	}
}

func TestApprovedWorkflowPostsDeferredJournal(t *testing.T) {
	tpl := fuelTemplate()
	tpl.ApprovalRequired = true
	f := newPostingFixture([]*repository.JournalTemplate{tpl}, []*repository.PostingRule{fuelRule()})
	ctx := context.Background()

	res, err := f.svc.ProcessTransaction(ctx, fuelEvent("P-7"))
	require.NoError(t, err)
	require.Equal(t, ResultApprovalPending, res.Status)

	decision, err := f.workflows.ProcessDecision(ctx, DecisionRequest{
		WorkflowID:   res.WorkflowID,
		ApproverUser: "ann",
		Action:       repository.ActionApproved,
	})
	require.NoError(t, err)
	require.True(t, decision.WorkflowCompleted)

	require.Equal(t, 1, f.journals.count())
	posted, err := f.journals.FindPostedBySource(ctx, "FUEL_TRANSACTION", "P-7")
	require.NoError(t, err)
	require.NotNil(t, posted)
	assert.Equal(t, res.WorkflowID, *posted.WorkflowID)

	log := f.auditLog(t, res.AuditLogID)
	assert.Equal(t, repository.AuditSuccess, log.Status)
	assert.Equal(t, posted.ID, *log.JournalEntryID)
}

func TestRejectedWorkflowRejectsAudit(t *testing.T) {
	tpl := fuelTemplate()
	tpl.ApprovalRequired = true
	f := newPostingFixture([]*repository.JournalTemplate{tpl}, []*repository.PostingRule{fuelRule()})
	ctx := context.Background()

	res, err := f.svc.ProcessTransaction(ctx, fuelEvent("P-8"))
	require.NoError(t, err)

	_, err = f.workflows.ProcessDecision(ctx, DecisionRequest{
		WorkflowID:   res.WorkflowID,
		ApproverUser: "ann",
		Action:       repository.ActionRejected,
		Comments:     "wrong pump",
	})
	require.NoError(t, err)

	assert.Zero(t, f.journals.count())
	log := f.auditLog(t, res.AuditLogID)
	assert.Equal(t, repository.AuditRejected, log.Status)
	assert.Contains(t, *log.ErrorMessage, "Rejected by ann: wrong pump")

	failed, err := f.svc.GetFailedTransactions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, failed)

	recovered, err := f.svc.RetryFailedTransactions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, recovered)
	assert.Len(t, f.wfStore.workflows, 1, "automatic retry must not reopen a rejected approval")
	assert.Zero(t, f.wfStore.pendingCount())

	retried, err := f.svc.RetryFailedTransaction(ctx, res.AuditLogID)
	require.NoError(t, err)
	assert.Equal(t, ResultApprovalPending, retried.Status)
	assert.NotEqual(t, res.WorkflowID, retried.WorkflowID)
	assert.Equal(t, 1, f.wfStore.pendingCount())
}

func TestProcessTransactionReusesPendingWorkflow(t *testing.T) {
	tpl := fuelTemplate()
	tpl.ApprovalRequired = true
	f := newPostingFixture([]*repository.JournalTemplate{tpl}, []*repository.PostingRule{fuelRule()})
	ctx := context.Background()

	first, err := f.svc.ProcessTransaction(ctx, fuelEvent("P-20"))
	require.NoError(t, err)
	require.Equal(t, ResultApprovalPending, first.Status)

	second, err := f.svc.ProcessTransaction(ctx, fuelEvent("P-20"))
	require.NoError(t, err)
	assert.Equal(t, ResultApprovalPending, second.Status)
	assert.Equal(t, first.WorkflowID, second.WorkflowID)
	assert.NotEqual(t, first.AuditLogID, second.AuditLogID)
	assert.Len(t, f.wfStore.workflows, 1)
	assert.Equal(t, 1, f.notifier.published(SubjectWorkflowInitiated))

	log := f.auditLog(t, second.AuditLogID)
	assert.Equal(t, repository.AuditSkipped, log.Status)
	assert.Equal(t, first.WorkflowID, *log.WorkflowID)

	_, err = f.workflows.ProcessDecision(ctx, DecisionRequest{WorkflowID: first.WorkflowID, ApproverUser: "ann", Action: repository.ActionApproved})
	require.NoError(t, err)
	assert.Equal(t, 1, f.journals.count())
}

func TestProcessTransactionBlockedByTolerance(t *testing.T) {
	f := newFuelFixture(tolerance("cap", repository.ToleranceTypeAbsolute, 100, repository.ActionBlock))

	res, err := f.svc.ProcessTransaction(context.Background(), fuelEvent("P-9"))
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "blocked by tolerance")
	assert.Zero(t, f.journals.count())
	assert.NotEmpty(t, f.auditLog(t, res.AuditLogID).ToleranceChecks)
}

func TestProcessTransactionIFRSFailureKeepsJournal(t *testing.T) {
	tpl := fuelTemplate()
	tpl.IFRS15RevenueRecognition = true
	f := newPostingFixture([]*repository.JournalTemplate{tpl}, []*repository.PostingRule{fuelRule()})
	f.ifrs.err = stderrors.New("ifrs service down")

	res, err := f.svc.ProcessTransaction(context.Background(), fuelEvent("P-10"))
	require.NoError(t, err)

	assert.Equal(t, ResultPosted, res.Status)
	assert.Equal(t, 1, f.ifrs.calls)
	assert.Equal(t, 1, f.journals.count())
}

func TestProcessTransactionInfrastructureErrors(t *testing.T) {
	t.Run("ledger unavailable", func(t *testing.T) {
		f := newFuelFixture()
		f.journals.commitErr = errors.New(errors.ErrCodeUnavailable, "ledger down")

		res, err := f.svc.ProcessTransaction(context.Background(), fuelEvent("P-11"))
		assert.Nil(t, res)
		assert.True(t, errors.HasCode(err, errors.ErrCodeUnavailable))

		failed := f.audit.byStatus(repository.AuditFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, "ledger down", *failed[0].ErrorMessage)
	})

	t.Run("tolerance store unavailable", func(t *testing.T) {
		f := newFuelFixture()
		f.tolerances.findErr = stderrors.New("connection refused")

		_, err := f.svc.ProcessTransaction(context.Background(), fuelEvent("P-12"))
		assert.Error(t, err)
		assert.Zero(t, f.journals.count())
	})

	t.Run("invalid event", func(t *testing.T) {
		f := newFuelFixture()
		evt := fuelEvent("")

		_, err := f.svc.ProcessTransaction(context.Background(), evt)
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	})
}

func TestRetryFailedTransactions(t *testing.T) {
	f := newPostingFixture([]*repository.JournalTemplate{fuelTemplate()}, nil)
	ctx := context.Background()

	res, err := f.svc.ProcessTransaction(ctx, fuelEvent("P-13"))
	require.NoError(t, err)
	require.Equal(t, ResultNoApplicableRule, res.Status)

	failed, err := f.svc.GetFailedTransactions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, f.rules.Create(ctx, fuelRule()))

	recovered, err := f.svc.RetryFailedTransactions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 1, f.journals.count())

	success := f.audit.byStatus(repository.AuditSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, AuditEventRetry, success[0].EventType)
	assert.Equal(t, res.AuditLogID, *success[0].RetryOf)

	failed, err = f.svc.GetFailedTransactions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, failed, "retried records are not offered again")

	_, err = f.svc.RetryFailedTransaction(ctx, success[0].ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
}

func TestGetFailedTransactionsAge(t *testing.T) {
	f := newPostingFixture(nil, nil)
	ctx := context.Background()

	_, err := f.svc.ProcessTransaction(ctx, fuelEvent("P-14"))
	require.NoError(t, err)

	failed, err := f.svc.GetFailedTransactions(ctx, 10, 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, failed, "too recent to retry")
}

func TestProcessBulk(t *testing.T) {
	f := newFuelFixture()
	lube := fuelEvent("B-3")
	lube.TransactionType = "LUBRICANT_SALE"
	invalid := fuelEvent("B-4")
	invalid.SourceDocumentType = ""

	events := []event.TransactionEvent{fuelEvent("B-1"), lube, fuelEvent("B-2"), invalid, fuelEvent("B-1")}

	out := f.svc.ProcessBulk(context.Background(), events)

	require.Len(t, out.Results, len(events))
	assert.Equal(t, ResultPosted, out.Results[0].Status)
	assert.Equal(t, ResultNoApplicableRule, out.Results[1].Status)
	assert.Equal(t, ResultPosted, out.Results[2].Status)
	assert.Equal(t, ResultFailed, out.Results[3].Status)
	assert.Equal(t, ResultDuplicate, out.Results[4].Status)
	assert.Equal(t, 2, out.Posted)
	assert.Equal(t, 1, out.Duplicates)
	assert.Equal(t, 2, out.Failed)
}

func TestAuditSummary(t *testing.T) {
	f := newFuelFixture()
	ctx := context.Background()

	for _, id := range []string{"S-1", "S-2", "S-1"} {
		_, err := f.svc.ProcessTransaction(ctx, fuelEvent(id))
		require.NoError(t, err)
	}
	diesel := fuelEvent("S-3")
	diesel.TransactionData["product_type"] = "DIESEL"
	_, err := f.svc.ProcessTransaction(ctx, diesel)
	require.NoError(t, err)

	summary, err := NewAuditService(f.audit, logger.Nop()).GetSummary(ctx, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.TotalProcessed)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Pending)
	assert.Zero(t, summary.Rejected)
}
