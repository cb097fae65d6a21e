package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/database"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
)

const auditColumns = `
	id, event_type, status, event_name, transaction_type,
	source_document_type, source_document_id,
	rule_id, template_id, journal_entry_id, workflow_id, retry_of,
	source_event, generated_entries, tolerance_checks, validation_errors,
	total_amount, error_message, error_stack, processing_time_ms,
	processed_by, created_at, updated_at
`

// AutomationAuditRepository stores one audit record per processed event.
// Records are inserted as PENDING and updated once on completion.
type AutomationAuditRepository struct {
	db *database.DB
}

// NewAutomationAuditRepository creates a new AutomationAuditRepository.
func NewAutomationAuditRepository(db *database.DB) *AutomationAuditRepository {
	return &AutomationAuditRepository{db: db}
}

// Create inserts an audit record.
func (r *AutomationAuditRepository) Create(ctx context.Context, log *AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	args, err := auditArgs(log)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO automation_audit_logs
		    (id, event_type, status, event_name, transaction_type,
		     source_document_type, source_document_id,
		     rule_id, template_id, journal_entry_id, workflow_id, retry_of,
		     source_event, generated_entries, tolerance_checks, validation_errors,
		     total_amount, error_message, error_stack, processing_time_ms,
		     processed_by)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7,
		        $8, $9, $10, $11, $12,
		        $13, $14, $15, $16,
		        $17, $18, $19, $20,
		        $21)
		RETURNING created_at, updated_at
	`

	if err := r.db.QueryRow(ctx, query, args...).Scan(&log.CreatedAt, &log.UpdatedAt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create audit log")
	}
	return nil
}

// Update overwrites an audit record's outcome fields.
func (r *AutomationAuditRepository) Update(ctx context.Context, log *AuditLog) error {
	args, err := auditArgs(log)
	if err != nil {
		return err
	}

	query := `
		UPDATE automation_audit_logs
		SET event_type           = $2,
		    status               = $3,
		    event_name           = $4,
		    transaction_type     = $5,
		    source_document_type = $6,
		    source_document_id   = $7,
		    rule_id              = $8,
		    template_id          = $9,
		    journal_entry_id     = $10,
		    workflow_id          = $11,
		    retry_of             = $12,
		    source_event         = $13,
		    generated_entries    = $14,
		    tolerance_checks     = $15,
		    validation_errors    = $16,
		    total_amount         = $17,
		    error_message        = $18,
		    error_stack          = $19,
		    processing_time_ms   = $20,
		    processed_by         = $21,
		    updated_at           = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query, args...).Scan(&log.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("audit_log", log.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update audit log")
	}
	return nil
}

// GetByID retrieves one audit record.
func (r *AutomationAuditRepository) GetByID(ctx context.Context, id string) (*AuditLog, error) {
	query := `SELECT` + auditColumns + `FROM automation_audit_logs WHERE id = $1`

	log, err := scanAudit(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("audit_log", id)
	}
	return log, err
}

// List returns one page of audit records, newest first, and the total match count.
func (r *AutomationAuditRepository) List(ctx context.Context, filter AuditFilter) ([]*AuditLog, int, error) {
	where, args := auditWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM automation_audit_logs` + where
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count audit logs")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := `SELECT` + auditColumns + `FROM automation_audit_logs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	logs, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// ListFailed returns FAILED records created in [since, before] that have not
// been retried yet, oldest first.
func (r *AutomationAuditRepository) ListFailed(ctx context.Context, since, before time.Time, limit int) ([]*AuditLog, error) {
	query := `SELECT` + auditColumns + `
		FROM automation_audit_logs l
		WHERE l.status = 'FAILED'
		  AND l.created_at >= $1
		  AND l.created_at <= $2
		  AND NOT EXISTS (SELECT 1 FROM automation_audit_logs r WHERE r.retry_of = l.id)
		ORDER BY l.created_at ASC
		LIMIT $3
	`
	return r.query(ctx, query, since, before, limit)
}

// CountByStatus groups records created in [from, to] by status.
func (r *AutomationAuditRepository) CountByStatus(ctx context.Context, from, to *time.Time) ([]AuditStatusCount, error) {
	query := `
		SELECT status, COUNT(*)
		FROM automation_audit_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		GROUP BY status
		ORDER BY status
	`

	rows, err := r.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count audit logs")
	}
	defer rows.Close()

	var out []AuditStatusCount
	for rows.Next() {
		var c AuditStatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AverageProcessingTime averages processing_time_ms over finished records.
func (r *AutomationAuditRepository) AverageProcessingTime(ctx context.Context, from, to *time.Time) (float64, error) {
	query := `
		SELECT COALESCE(AVG(processing_time_ms), 0)::float8
		FROM automation_audit_logs
		WHERE processing_time_ms IS NOT NULL
		  AND ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
	`

	var avg float64
	if err := r.db.QueryRow(ctx, query, from, to).Scan(&avg); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to average processing time")
	}
	return avg, nil
}

// TopErrors returns the most frequent error messages.
func (r *AutomationAuditRepository) TopErrors(ctx context.Context, from, to *time.Time, limit int) ([]AuditErrorCount, error) {
	query := `
		SELECT error_message, COUNT(*) AS n
		FROM automation_audit_logs
		WHERE error_message IS NOT NULL
		  AND ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		GROUP BY error_message
		ORDER BY n DESC, error_message
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, from, to, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to aggregate audit errors")
	}
	defer rows.Close()

	var out []AuditErrorCount
	for rows.Next() {
		var c AuditErrorCount
		if err := rows.Scan(&c.Message, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *AutomationAuditRepository) query(ctx context.Context, query string, args ...any) ([]*AuditLog, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit logs")
	}
	defer rows.Close()

	var out []*AuditLog
	for rows.Next() {
		log, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

// ── helpers ──────────────────────────────────────────────────────────────────

func auditWhere(f AuditFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.TransactionType != "" {
		add("transaction_type = $%d", f.TransactionType)
	}
	if f.SourceDocumentType != "" {
		add("source_document_type = $%d", f.SourceDocumentType)
	}
	if f.SourceDocumentID != "" {
		add("source_document_id = $%d", f.SourceDocumentID)
	}
	if f.RuleID != "" {
		add("rule_id = $%d", f.RuleID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func auditArgs(log *AuditLog) ([]any, error) {
	var sourceEvent, validationErrors []byte
	var err error
	if log.SourceEvent != nil {
		if sourceEvent, err = marshalJSONB(log.SourceEvent, "source event"); err != nil {
			return nil, err
		}
	}
	if log.ValidationErrors != nil {
		if validationErrors, err = marshalJSONB(log.ValidationErrors, "validation errors"); err != nil {
			return nil, err
		}
	}

	return []any{
		log.ID,
		log.EventType,
		log.Status,
		log.EventName,
		log.TransactionType,
		log.SourceDocumentType,
		log.SourceDocumentID,
		log.RuleID,
		log.TemplateID,
		log.JournalEntryID,
		log.WorkflowID,
		log.RetryOf,
		sourceEvent,
		rawOrNil(log.GeneratedEntries),
		rawOrNil(log.ToleranceChecks),
		validationErrors,
		log.TotalAmount,
		log.ErrorMessage,
		log.ErrorStack,
		log.ProcessingTimeMS,
		log.ProcessedBy,
	}, nil
}

func rawOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func scanAudit(row rowScanner) (*AuditLog, error) {
	log := &AuditLog{}
	var sourceEvent, generated, tolerance, validation []byte
	err := row.Scan(
		&log.ID,
		&log.EventType,
		&log.Status,
		&log.EventName,
		&log.TransactionType,
		&log.SourceDocumentType,
		&log.SourceDocumentID,
		&log.RuleID,
		&log.TemplateID,
		&log.JournalEntryID,
		&log.WorkflowID,
		&log.RetryOf,
		&sourceEvent,
		&generated,
		&tolerance,
		&validation,
		&log.TotalAmount,
		&log.ErrorMessage,
		&log.ErrorStack,
		&log.ProcessingTimeMS,
		&log.ProcessedBy,
		&log.CreatedAt,
		&log.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(sourceEvent, &log.SourceEvent, "source event"); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(validation, &log.ValidationErrors, "validation errors"); err != nil {
		return nil, err
	}
	if len(generated) > 0 {
		log.GeneratedEntries = generated
	}
	if len(tolerance) > 0 {
		log.ToleranceChecks = tolerance
	}
	return log, nil
}
