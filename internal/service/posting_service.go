package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-autoposting/internal/event"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

// Posting outcomes.
const (
	ResultPosted            = "POSTED"
	ResultApprovalPending   = "APPROVAL_PENDING"
	ResultNoApplicableRule  = "NO_APPLICABLE_RULE"
	ResultFailed            = "FAILED"
	ResultDuplicate         = "DUPLICATE"
	sourceModuleAutoPosting = "AUTOMATED_POSTING"
	lockKeyPrefix           = "posting:"
)

const (
	msgNoApplicableRule = "No applicable posting rules found"
	msgAllRulesFailed   = "All applicable rules failed to process"
)

// ProcessingResult is the typed outcome of processing one event.
type ProcessingResult struct {
	Status          string                `json:"status"`
	AuditLogID      string                `json:"audit_log_id"`
	RuleID          string                `json:"rule_id,omitempty"`
	TemplateID      string                `json:"template_id,omitempty"`
	JournalEntryID  string                `json:"journal_entry_id,omitempty"`
	JournalNumber   string                `json:"journal_number,omitempty"`
	WorkflowID      string                `json:"workflow_id,omitempty"`
	Journal         *GeneratedJournal     `json:"journal,omitempty"`
	ToleranceResult *ToleranceCheckResult `json:"tolerance_result,omitempty"`
	Errors          []string              `json:"errors,omitempty"`
	Message         string                `json:"message,omitempty"`
}

// BulkResult aggregates ProcessBulk outcomes in input order.
type BulkResult struct {
	Results    []*ProcessingResult `json:"results"`
	Posted     int                 `json:"posted"`
	Pending    int                 `json:"pending"`
	Failed     int                 `json:"failed"`
	Duplicates int                 `json:"duplicates"`
}

// PendingPosting is the deferred post stored in a JOURNAL_ENTRY workflow's
// approval data.
type PendingPosting struct {
	Event        map[string]any    `json:"event"`
	AuditLogID   string            `json:"audit_log_id"`
	RuleID       string            `json:"rule_id"`
	TemplateID   string            `json:"template_id"`
	TemplateCode string            `json:"template_code"`
	Journal      *GeneratedJournal `json:"journal"`
}

// PostingService orchestrates rule matching, journal generation, tolerance
// checks, approval gating and the ledger commit for each event.
type PostingService struct {
	rules      *RuleEngine
	templates  *TemplateEngine
	tolerances *ToleranceChecker
	workflows  *ApprovalWorkflowService
	journals   JournalStore
	audit      *AuditService
	ifrs       IFRSProcessor
	notifier   Notifier
	locker     Locker
	now        func() time.Time
	log        *logger.Logger
}

// NewPostingService creates a new PostingService and subscribes it to workflow
// completion so approved journals get posted. Nil ifrs, notifier or locker
// fall back to no-op implementations.
func NewPostingService(
	rules *RuleEngine,
	templates *TemplateEngine,
	tolerances *ToleranceChecker,
	workflows *ApprovalWorkflowService,
	journals JournalStore,
	audit *AuditService,
	ifrs IFRSProcessor,
	notifier Notifier,
	locker Locker,
	log *logger.Logger,
) *PostingService {
	if ifrs == nil {
		ifrs = nopIFRS{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if locker == nil {
		locker = directLocker{}
	}
	s := &PostingService{
		rules:      rules,
		templates:  templates,
		tolerances: tolerances,
		workflows:  workflows,
		journals:   journals,
		audit:      audit,
		ifrs:       ifrs,
		notifier:   notifier,
		locker:     locker,
		now:        time.Now,
		log:        log,
	}
	workflows.OnComplete(s.HandleWorkflowCompleted)
	return s
}

// ── Processing ────────────────────────────────────────────────────────────────

// ProcessTransaction runs the posting flow for one event under a per-document
// lock. Business outcomes are returned as results; errors mean the event was
// invalid or infrastructure failed.
func (s *PostingService) ProcessTransaction(ctx context.Context, evt event.TransactionEvent) (*ProcessingResult, error) {
	return s.processLocked(ctx, evt, "")
}

func (s *PostingService) processLocked(ctx context.Context, evt event.TransactionEvent, retryOf string) (*ProcessingResult, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}

	var result *ProcessingResult
	err := s.locker.WithLock(ctx, lockKeyPrefix+evt.Fingerprint(), func(ctx context.Context) error {
		var err error
		result, err = s.process(ctx, evt, retryOf)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostingService) process(ctx context.Context, evt event.TransactionEvent, retryOf string) (*ProcessingResult, error) {
	audit := s.audit.Begin(ctx, evt, retryOf)
	result := &ProcessingResult{AuditLogID: audit.ID}

	s.log.Info().
		Str("event_type", evt.EventType).
		Str("transaction_type", evt.TransactionType).
		Str("source_document", evt.Fingerprint()).
		Msg("Processing transaction")

	existing, err := s.journals.FindPostedBySource(ctx, evt.SourceDocumentType, evt.SourceDocumentID)
	if err != nil {
		s.audit.Fail(ctx, audit, err.Error(), nil)
		return nil, err
	}
	if existing != nil {
		return s.duplicate(ctx, audit, result, existing.ID), nil
	}

	waiting, err := s.workflows.FindPendingWorkflow(ctx, WorkflowTypeJournalEntry, evt.SourceDocumentType, evt.SourceDocumentID)
	if err != nil {
		s.audit.Fail(ctx, audit, err.Error(), nil)
		return nil, err
	}
	if waiting != nil {
		return s.awaitingApproval(ctx, audit, result, waiting.ID), nil
	}

	rules, err := s.rules.FindApplicableRules(ctx, evt)
	if err != nil {
		s.audit.Fail(ctx, audit, err.Error(), nil)
		return nil, err
	}
	if len(rules) == 0 {
		s.log.Warn().Str("source_document", evt.Fingerprint()).Msg(msgNoApplicableRule)
		s.audit.Fail(ctx, audit, msgNoApplicableRule, nil)
		result.Status = ResultNoApplicableRule
		result.Message = msgNoApplicableRule
		return result, nil
	}

	tc := ToleranceContext{
		StationID:   evt.StationID,
		ProductType: stringValue(evt.Data()["product_type"]),
		Data:        evt.Data(),
	}

	var failures []string
	for _, rule := range rules {
		tpl := rule.Template
		if tpl == nil {
			failures = append(failures, fmt.Sprintf("Rule %s: template %s not found or inactive", rule.RuleName, rule.TemplateID))
			continue
		}

		journal := s.templates.Generate(tpl, evt)
		result.Journal = journal
		if !journal.Valid() {
			s.log.Warn().
				Str("rule_id", rule.ID).
				Strs("validation_errors", journal.ValidationErrors).
				Msg("Generated journal failed validation")
			failures = append(failures, fmt.Sprintf("Rule %s: %s", rule.RuleName, strings.Join(journal.ValidationErrors, "; ")))
			continue
		}

		tolerance, err := s.tolerances.Check(ctx, journal, evt.TransactionType, tc)
		if err != nil {
			s.audit.Attach(audit, journal, nil)
			s.audit.Fail(ctx, audit, err.Error(), nil)
			return nil, err
		}
		result.ToleranceResult = tolerance
		s.audit.Attach(audit, journal, tolerance)
		audit.RuleID = &rule.ID
		audit.TemplateID = &tpl.ID

		if tolerance.Blocked() {
			failures = append(failures, fmt.Sprintf("Rule %s: blocked by tolerance: %s", rule.RuleName, violationMessages(tolerance)))
			continue
		}

		result.RuleID = rule.ID
		result.TemplateID = tpl.ID

		if requiresApproval(tpl, journal, tolerance) {
			wf, err := s.requestApproval(ctx, evt, audit, rule, tpl, journal, tolerance)
			if errors.HasCode(err, errors.ErrCodeAlreadyExists) {
				waiting, findErr := s.workflows.FindPendingWorkflow(ctx, WorkflowTypeJournalEntry, evt.SourceDocumentType, evt.SourceDocumentID)
				if findErr == nil && waiting != nil {
					return s.awaitingApproval(ctx, audit, result, waiting.ID), nil
				}
			}
			if err != nil {
				s.audit.Fail(ctx, audit, err.Error(), nil)
				return nil, err
			}
			audit.WorkflowID = &wf.ID
			s.audit.save(ctx, audit)

			result.Status = ResultApprovalPending
			result.WorkflowID = wf.ID
			result.Message = "Journal requires approval"
			return result, nil
		}

		entry, err := s.post(ctx, evt, rule.ID, tpl, journal, nil)
		if errors.HasCode(err, errors.ErrCodeAlreadyExists) {
			return s.duplicate(ctx, audit, result, ""), nil
		}
		if err != nil {
			s.audit.Fail(ctx, audit, err.Error(), nil)
			return nil, err
		}

		audit.JournalEntryID = &entry.ID
		s.audit.Complete(ctx, audit, repository.AuditSuccess)

		result.Status = ResultPosted
		result.JournalEntryID = entry.ID
		result.JournalNumber = entry.JournalNumber
		return result, nil
	}

	s.log.Error().
		Str("source_document", evt.Fingerprint()).
		Strs("failures", failures).
		Msg(msgAllRulesFailed)

	s.audit.Fail(ctx, audit, msgAllRulesFailed, failures)
	result.Status = ResultFailed
	result.Errors = failures
	result.Message = msgAllRulesFailed
	return result, nil
}

func (s *PostingService) duplicate(ctx context.Context, audit *repository.AuditLog, result *ProcessingResult, entryID string) *ProcessingResult {
	s.log.Info().Str("audit_log_id", audit.ID).Msg("Source document already posted; skipping")
	if entryID != "" {
		audit.JournalEntryID = &entryID
	}
	msg := "Source document already posted"
	audit.ErrorMessage = &msg
	s.audit.Complete(ctx, audit, repository.AuditSkipped)

	result.Status = ResultDuplicate
	result.JournalEntryID = entryID
	result.Message = msg
	return result
}

// awaitingApproval closes the audit record of a redelivered event whose
// source document already has an open approval workflow.
func (s *PostingService) awaitingApproval(ctx context.Context, audit *repository.AuditLog, result *ProcessingResult, workflowID string) *ProcessingResult {
	s.log.Info().
		Str("audit_log_id", audit.ID).
		Str("workflow_id", workflowID).
		Msg("Source document already awaiting approval; skipping")
	msg := "Source document already awaiting approval"
	audit.WorkflowID = &workflowID
	audit.ErrorMessage = &msg
	s.audit.Complete(ctx, audit, repository.AuditSkipped)

	result.Status = ResultApprovalPending
	result.WorkflowID = workflowID
	result.Message = msg
	return result
}

// requiresApproval gates posting on the template flag, the tolerance outcome
// and the template's amount threshold.
func requiresApproval(tpl *repository.JournalTemplate, journal *GeneratedJournal, tolerance *ToleranceCheckResult) bool {
	if tpl.ApprovalRequired || tolerance.RequiresApproval {
		return true
	}
	return tpl.ApprovalThreshold.Valid && journal.TotalAmount.GreaterThan(tpl.ApprovalThreshold.Decimal)
}

func (s *PostingService) requestApproval(
	ctx context.Context,
	evt event.TransactionEvent,
	audit *repository.AuditLog,
	rule *repository.PostingRule,
	tpl *repository.JournalTemplate,
	journal *GeneratedJournal,
	tolerance *ToleranceCheckResult,
) (*repository.ApprovalWorkflow, error) {
	pending, err := json.Marshal(PendingPosting{
		Event:        evt.ToMap(),
		AuditLogID:   audit.ID,
		RuleID:       rule.ID,
		TemplateID:   tpl.ID,
		TemplateCode: tpl.TemplateCode,
		Journal:      journal,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode pending posting")
	}

	return s.workflows.InitiateApproval(ctx, InitiateApprovalRequest{
		WorkflowType:       WorkflowTypeJournalEntry,
		WorkflowName:       fmt.Sprintf("Journal Entry Approval - %s", tpl.TemplateCode),
		Description:        fmt.Sprintf("Approval for %s %s", evt.SourceDocumentType, evt.SourceDocumentID),
		SourceDocumentType: evt.SourceDocumentType,
		SourceDocumentID:   evt.SourceDocumentID,
		ReferenceID:        audit.ID,
		Amount:             journal.TotalAmount,
		BusinessContext: map[string]any{
			"transaction_type":     evt.TransactionType,
			"rule_name":            rule.RuleName,
			"template_code":        tpl.TemplateCode,
			"total_amount":         journal.TotalAmount.String(),
			"line_count":           len(journal.Lines),
			"tolerance_violations": len(tolerance.Violations),
		},
		ApprovalData: pending,
		InitiatedBy:  systemUser,
	})
}

// post commits the journal and runs IFRS post-processing. IFRS failures are
// logged; the committed journal stands.
func (s *PostingService) post(
	ctx context.Context,
	evt event.TransactionEvent,
	ruleID string,
	tpl *repository.JournalTemplate,
	journal *GeneratedJournal,
	workflowID *string,
) (*repository.JournalEntry, error) {
	entry := buildJournalEntry(evt, ruleID, tpl, journal, workflowID, s.now())
	if err := s.journals.Commit(ctx, entry, tpl.TemplateCode); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("journal_entry_id", entry.ID).
		Str("journal_number", entry.JournalNumber).
		Str("total", journal.TotalAmount.String()).
		Msg("Journal entry posted")

	if len(tpl.IFRSStandards()) > 0 {
		if err := s.ifrs.ProcessAdjustments(ctx, tpl, entry, evt.Data()); err != nil {
			s.log.Warn().Err(err).
				Str("journal_entry_id", entry.ID).
				Strs("standards", tpl.IFRSStandards()).
				Msg("IFRS adjustment processing failed")
		}
	}

	if err := s.notifier.Publish(ctx, SubjectJournalPosted, map[string]any{
		"journal_entry_id":     entry.ID,
		"journal_number":       entry.JournalNumber,
		"source_document_type": entry.SourceDocumentType,
		"source_document_id":   entry.SourceDocumentID,
		"total_amount":         journal.TotalAmount.String(),
		"currency":             entry.Currency,
	}); err != nil {
		s.log.Warn().Err(err).Str("journal_entry_id", entry.ID).Msg("Failed to publish notification")
	}
	return entry, nil
}

func buildJournalEntry(
	evt event.TransactionEvent,
	ruleID string,
	tpl *repository.JournalTemplate,
	journal *GeneratedJournal,
	workflowID *string,
	now time.Time,
) *repository.JournalEntry {
	date := now
	if t, ok := parseDate(evt.Data()["transaction_date"]); ok {
		date = t
	}
	y, m, d := date.Date()
	description := fmt.Sprintf("%s - %s %s", tpl.Name, evt.SourceDocumentType, evt.SourceDocumentID)

	entry := &repository.JournalEntry{
		ID:                 uuid.NewString(),
		JournalDate:        time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		PostingDate:        now,
		JournalType:        tpl.TransactionType,
		SourceModule:       sourceModuleAutoPosting,
		SourceDocumentType: evt.SourceDocumentType,
		SourceDocumentID:   evt.SourceDocumentID,
		Description:        &description,
		Currency:           journal.Currency,
		TotalDebit:         journal.TotalDebit,
		TotalCredit:        journal.TotalCredit,
		Status:             repository.JournalStatusPosted,
		TemplateID:         &tpl.ID,
		RuleID:             optional(ruleID),
		WorkflowID:         workflowID,
		PostedAt:           now,
		PostedBy:           systemUser,
	}

	for i, l := range journal.Lines {
		rate := l.ExchangeRate
		if rate.IsZero() {
			rate = decimal.NewFromInt(1)
		}
		entry.Lines = append(entry.Lines, &repository.JournalEntryLine{
			LineNumber:       i + 1,
			AccountCode:      l.AccountCode,
			Description:      optional(l.Description),
			DebitAmount:      l.DebitAmount,
			CreditAmount:     l.CreditAmount,
			CurrencyCode:     l.CurrencyCode,
			ExchangeRate:     rate,
			BaseDebitAmount:  l.DebitAmount.Mul(rate).Round(LedgerScale),
			BaseCreditAmount: l.CreditAmount.Mul(rate).Round(LedgerScale),
			StationID:        optional(evt.StationID),
			CustomerID:       optional(evt.CustomerID),
			CostCenterCode:   optional(l.CostCenter),
			ProjectCode:      optional(l.ProjectCode),
			IFRSStandard:     optional(l.IFRSStandard),
		})
	}
	return entry
}

// ── Approval completion ───────────────────────────────────────────────────────

// HandleWorkflowCompleted posts the deferred journal of an APPROVED
// JOURNAL_ENTRY workflow. Other terminal states reject the pending audit record.
func (s *PostingService) HandleWorkflowCompleted(ctx context.Context, wf *repository.ApprovalWorkflow) {
	if wf.WorkflowType != WorkflowTypeJournalEntry || len(wf.ApprovalData) == 0 {
		return
	}

	var pending PendingPosting
	if err := json.Unmarshal(wf.ApprovalData, &pending); err != nil {
		s.log.Error().Err(err).Str("workflow_id", wf.ID).Msg("Invalid pending posting on workflow")
		return
	}

	audit, err := s.audit.GetAuditLog(ctx, pending.AuditLogID)
	if err != nil {
		s.log.Warn().Err(err).Str("audit_log_id", pending.AuditLogID).Msg("Audit log for workflow not found")
		audit = &repository.AuditLog{ID: pending.AuditLogID, CreatedAt: s.now()}
	}

	if wf.Status != repository.WorkflowApproved {
		reason := fmt.Sprintf("Approval workflow %s ended with status %s", wf.ID, wf.Status)
		if wf.CompletionReason != nil {
			reason += ": " + *wf.CompletionReason
		}
		s.audit.Reject(ctx, audit, reason)
		return
	}

	if err := s.postApproved(ctx, wf, pending, audit); err != nil {
		s.log.Error().Err(err).Str("workflow_id", wf.ID).Msg("Failed to post approved journal")
		s.audit.Fail(ctx, audit, err.Error(), nil)
	}
}

func (s *PostingService) postApproved(ctx context.Context, wf *repository.ApprovalWorkflow, pending PendingPosting, audit *repository.AuditLog) error {
	evt, err := event.FromMap(pending.Event)
	if err != nil {
		return err
	}
	if pending.Journal == nil || !pending.Journal.Valid() {
		return errors.InvalidInput("approval_data", "pending posting has no valid journal")
	}

	tpl, err := s.templates.GetTemplate(ctx, pending.TemplateID)
	if err != nil {
		return err
	}

	return s.locker.WithLock(ctx, lockKeyPrefix+evt.Fingerprint(), func(ctx context.Context) error {
		entry, err := s.post(ctx, evt, pending.RuleID, tpl, pending.Journal, &wf.ID)
		if errors.HasCode(err, errors.ErrCodeAlreadyExists) {
			s.duplicate(ctx, audit, &ProcessingResult{}, "")
			return nil
		}
		if err != nil {
			return err
		}
		audit.JournalEntryID = &entry.ID
		audit.WorkflowID = &wf.ID
		s.audit.Complete(ctx, audit, repository.AuditSuccess)
		return nil
	})
}

// ── Bulk and retry ────────────────────────────────────────────────────────────

// ProcessBulk processes each event independently, grouped by transaction type.
// One event's failure never aborts the others.
func (s *PostingService) ProcessBulk(ctx context.Context, events []event.TransactionEvent) *BulkResult {
	groups := make(map[string][]int)
	var order []string
	for i, evt := range events {
		if _, ok := groups[evt.TransactionType]; !ok {
			order = append(order, evt.TransactionType)
		}
		groups[evt.TransactionType] = append(groups[evt.TransactionType], i)
	}

	out := &BulkResult{Results: make([]*ProcessingResult, len(events))}
	for _, txType := range order {
		idx := groups[txType]
		s.log.Info().Str("transaction_type", txType).Int("count", len(idx)).Msg("Processing bulk group")

		for _, i := range idx {
			res, err := s.ProcessTransaction(ctx, events[i])
			if err != nil {
				res = &ProcessingResult{Status: ResultFailed, Message: err.Error(), Errors: []string{err.Error()}}
			}
			out.Results[i] = res
			switch res.Status {
			case ResultPosted:
				out.Posted++
			case ResultApprovalPending:
				out.Pending++
			case ResultDuplicate:
				out.Duplicates++
			default:
				out.Failed++
			}
		}
	}

	s.log.Info().
		Int("total", len(events)).
		Int("posted", out.Posted).
		Int("pending", out.Pending).
		Int("failed", out.Failed).
		Msg("Bulk processing completed")

	return out
}

// GetFailedTransactions lists failed audit records eligible for retry.
func (s *PostingService) GetFailedTransactions(ctx context.Context, limit int, olderThan time.Duration) ([]*repository.AuditLog, error) {
	return s.audit.GetFailedTransactions(ctx, limit, olderThan)
}

// RetryFailedTransaction rebuilds the event stored on a FAILED or REJECTED
// audit record and processes it again under a new RETRY record. REJECTED
// records only come back through this explicit call.
func (s *PostingService) RetryFailedTransaction(ctx context.Context, auditLogID string) (*ProcessingResult, error) {
	prev, err := s.audit.GetAuditLog(ctx, auditLogID)
	if err != nil {
		return nil, err
	}
	if prev.Status != repository.AuditFailed && prev.Status != repository.AuditRejected {
		return nil, errors.Conflict(fmt.Sprintf("Audit log %s is not failed: %s", auditLogID, prev.Status))
	}

	evt, err := event.FromMap(prev.SourceEvent)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "stored source event cannot be replayed")
	}

	s.log.Info().Str("audit_log_id", auditLogID).Str("source_document", evt.Fingerprint()).Msg("Retrying failed transaction")
	return s.processLocked(ctx, evt, auditLogID)
}

// RetryFailedTransactions retries up to limit failed records older than
// olderThan and returns how many were recovered. Records that are themselves
// retries are left for manual retry.
func (s *PostingService) RetryFailedTransactions(ctx context.Context, limit int, olderThan time.Duration) (int, error) {
	failed, err := s.GetFailedTransactions(ctx, limit, olderThan)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, f := range failed {
		if f.RetryOf != nil {
			continue
		}
		res, err := s.RetryFailedTransaction(ctx, f.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("audit_log_id", f.ID).Msg("Retry failed")
			continue
		}
		if res.Status == ResultPosted || res.Status == ResultApprovalPending || res.Status == ResultDuplicate {
			recovered++
		}
	}
	return recovered, nil
}

func violationMessages(r *ToleranceCheckResult) string {
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		if v.ViolationAction == repository.ActionBlock {
			msgs = append(msgs, v.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

func parseDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
