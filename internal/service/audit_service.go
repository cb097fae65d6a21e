package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-autoposting/internal/event"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

// Audit event types.
const (
	AuditEventProcessing = "TRANSACTION_PROCESSING"
	AuditEventRetry      = "RETRY"
)

const failedLookback = 24 * time.Hour

// AuditSummary is the audit trail's statistics for a period.
type AuditSummary struct {
	TotalProcessed        int                          `json:"total_processed"`
	Successful            int                          `json:"successful"`
	Failed                int                          `json:"failed"`
	Pending               int                          `json:"pending"`
	Skipped               int                          `json:"skipped"`
	Rejected              int                          `json:"rejected"`
	AverageProcessingTime float64                      `json:"average_processing_time_ms"`
	MostCommonErrors      []repository.AuditErrorCount `json:"most_common_errors"`
}

// AuditService records one audit log per processed event. Write failures are
// logged and never fail the posting flow.
type AuditService struct {
	store AuditStore
	now   func() time.Time
	log   *logger.Logger
}

// NewAuditService creates a new AuditService.
func NewAuditService(store AuditStore, log *logger.Logger) *AuditService {
	return &AuditService{
		store: store,
		now:   time.Now,
		log:   log,
	}
}

// Begin creates the PENDING record for an event.
func (s *AuditService) Begin(ctx context.Context, evt event.TransactionEvent, retryOf string) *repository.AuditLog {
	entry := &repository.AuditLog{
		ID:                 uuid.NewString(),
		EventType:          AuditEventProcessing,
		Status:             repository.AuditPending,
		EventName:          optional(evt.EventType),
		TransactionType:    optional(evt.TransactionType),
		SourceDocumentType: optional(evt.SourceDocumentType),
		SourceDocumentID:   optional(evt.SourceDocumentID),
		RetryOf:            optional(retryOf),
		SourceEvent:        evt.ToMap(),
		ProcessedBy:        systemUser,
		CreatedAt:          s.now(),
	}
	if retryOf != "" {
		entry.EventType = AuditEventRetry
	}

	if err := s.store.Create(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("source_document_id", evt.SourceDocumentID).Msg("Failed to create audit log")
	}
	return entry
}

// Complete stamps the processing time and persists the record in status.
func (s *AuditService) Complete(ctx context.Context, entry *repository.AuditLog, status string) {
	elapsed := s.now().Sub(entry.CreatedAt).Milliseconds()
	entry.Status = status
	entry.ProcessingTimeMS = &elapsed
	s.save(ctx, entry)
}

// Fail records a failure message and completes the record as FAILED.
func (s *AuditService) Fail(ctx context.Context, entry *repository.AuditLog, message string, validation []string) {
	entry.ErrorMessage = &message
	if len(validation) > 0 {
		entry.ValidationErrors = validation
	}
	s.Complete(ctx, entry, repository.AuditFailed)
}

// Reject completes the record as REJECTED. Automatic retry skips these.
func (s *AuditService) Reject(ctx context.Context, entry *repository.AuditLog, message string) {
	entry.ErrorMessage = &message
	s.Complete(ctx, entry, repository.AuditRejected)
}

// Attach stores the generated journal and tolerance outcome on the record.
func (s *AuditService) Attach(entry *repository.AuditLog, journal *GeneratedJournal, tolerance *ToleranceCheckResult) {
	if journal != nil {
		if b, err := json.Marshal(journal); err == nil {
			entry.GeneratedEntries = b
		}
		entry.TotalAmount = decimal.NewNullDecimal(journal.TotalAmount)
		entry.ValidationErrors = journal.ValidationErrors
	}
	if tolerance != nil {
		if b, err := json.Marshal(tolerance); err == nil {
			entry.ToleranceChecks = b
		}
	}
}

func (s *AuditService) save(ctx context.Context, entry *repository.AuditLog) {
	if err := s.store.Update(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("audit_log_id", entry.ID).Str("status", entry.Status).Msg("Failed to update audit log")
	}
}

// GetAuditLog retrieves one record.
func (s *AuditService) GetAuditLog(ctx context.Context, id string) (*repository.AuditLog, error) {
	return s.store.GetByID(ctx, id)
}

// ListAuditLogs returns a page of records and the total match count.
func (s *AuditService) ListAuditLogs(ctx context.Context, filter repository.AuditFilter) ([]*repository.AuditLog, int, error) {
	return s.store.List(ctx, filter)
}

// GetFailedTransactions returns FAILED records from the last 24 hours that
// are at least olderThan old, oldest first.
func (s *AuditService) GetFailedTransactions(ctx context.Context, limit int, olderThan time.Duration) ([]*repository.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.now()
	return s.store.ListFailed(ctx, now.Add(-failedLookback), now.Add(-olderThan), limit)
}

// GetSummary computes statistics for records created in [from, to].
func (s *AuditService) GetSummary(ctx context.Context, from, to *time.Time) (*AuditSummary, error) {
	counts, err := s.store.CountByStatus(ctx, from, to)
	if err != nil {
		return nil, err
	}
	avg, err := s.store.AverageProcessingTime(ctx, from, to)
	if err != nil {
		return nil, err
	}
	top, err := s.store.TopErrors(ctx, from, to, 10)
	if err != nil {
		return nil, err
	}

	summary := &AuditSummary{AverageProcessingTime: avg, MostCommonErrors: top}
	for _, c := range counts {
		summary.TotalProcessed += c.Count
		switch c.Status {
		case repository.AuditSuccess:
			summary.Successful = c.Count
		case repository.AuditFailed:
			summary.Failed = c.Count
		case repository.AuditPending:
			summary.Pending = c.Count
		case repository.AuditSkipped:
			summary.Skipped = c.Count
		case repository.AuditRejected:
			summary.Rejected = c.Count
		}
	}
	return summary, nil
}
