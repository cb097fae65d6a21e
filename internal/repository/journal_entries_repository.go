package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/database"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
)

// SourceUniqueConstraint guards against posting one source document twice.
const SourceUniqueConstraint = "uq_journal_entries_source"

// FormatJournalNumber renders JV-{templateCode}-{yyyymmdd}-{sequence}.
func FormatJournalNumber(templateCode string, date time.Time, seq int64) string {
	return fmt.Sprintf("JV-%s-%s-%04d", templateCode, date.Format("20060102"), seq)
}

// JournalEntriesRepository writes the ledger.
type JournalEntriesRepository struct {
	db *database.DB
}

// NewJournalEntriesRepository creates a new JournalEntriesRepository.
func NewJournalEntriesRepository(db *database.DB) *JournalEntriesRepository {
	return &JournalEntriesRepository{db: db}
}

// Commit allocates the journal number for templateCode and inserts the header
// and all lines in one transaction. A second POSTED entry for the same source
// document fails with ALREADY_EXISTS and nothing is written.
func (r *JournalEntriesRepository) Commit(ctx context.Context, entry *JournalEntry, templateCode string) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var seq int64
		err := tx.QueryRow(ctx, `
			INSERT INTO journal_sequences (template_code, journal_date, last_value)
			VALUES ($1, $2, 1)
			ON CONFLICT (template_code, journal_date)
			DO UPDATE SET last_value = journal_sequences.last_value + 1
			RETURNING last_value
		`, templateCode, entry.JournalDate).Scan(&seq)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to allocate journal number")
		}
		entry.JournalNumber = FormatJournalNumber(templateCode, entry.JournalDate, seq)

		headerQuery := `
			INSERT INTO journal_entries
			    (id, journal_number, journal_date, posting_date, journal_type,
			     source_module, source_document_type, source_document_id,
			     description, currency, total_debit, total_credit, status,
			     template_id, rule_id, workflow_id, posted_at, posted_by)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8,
			        $9, $10, $11, $12, $13,
			        $14, $15, $16, $17, $18)
			RETURNING created_at
		`

		err = tx.QueryRow(ctx, headerQuery,
			entry.ID,
			entry.JournalNumber,
			entry.JournalDate,
			entry.PostingDate,
			entry.JournalType,
			entry.SourceModule,
			entry.SourceDocumentType,
			entry.SourceDocumentID,
			entry.Description,
			entry.Currency,
			entry.TotalDebit,
			entry.TotalCredit,
			entry.Status,
			entry.TemplateID,
			entry.RuleID,
			entry.WorkflowID,
			entry.PostedAt,
			entry.PostedBy,
		).Scan(&entry.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create journal entry")
		}

		lineQuery := `
			INSERT INTO journal_entry_lines
			    (id, journal_entry_id, line_number, account_code, description,
			     debit_amount, credit_amount, currency_code, exchange_rate,
			     base_debit_amount, base_credit_amount,
			     station_id, customer_id, cost_center_code, project_code, ifrs_standard)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9,
			        $10, $11,
			        $12, $13, $14, $15, $16)
		`

		for _, line := range entry.Lines {
			if line.ID == "" {
				line.ID = uuid.NewString()
			}
			line.JournalEntryID = entry.ID

			_, err := tx.Exec(ctx, lineQuery,
				line.ID,
				line.JournalEntryID,
				line.LineNumber,
				line.AccountCode,
				line.Description,
				line.DebitAmount,
				line.CreditAmount,
				line.CurrencyCode,
				line.ExchangeRate,
				line.BaseDebitAmount,
				line.BaseCreditAmount,
				line.StationID,
				line.CustomerID,
				line.CostCenterCode,
				line.ProjectCode,
				line.IFRSStandard,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create journal line")
			}
		}
		return nil
	})

	if database.IsUniqueViolation(err, SourceUniqueConstraint) {
		return errors.New(errors.ErrCodeAlreadyExists,
			fmt.Sprintf("journal already posted for %s %s", entry.SourceDocumentType, entry.SourceDocumentID))
	}
	return err
}

// GetByID retrieves a journal entry with its lines.
func (r *JournalEntriesRepository) GetByID(ctx context.Context, id string) (*JournalEntry, error) {
	query := `
		SELECT id, journal_number, journal_date, posting_date, journal_type,
		       source_module, source_document_type, source_document_id,
		       description, currency, total_debit, total_credit, status,
		       template_id, rule_id, workflow_id, posted_at, posted_by, created_at
		FROM journal_entries
		WHERE id = $1
	`

	entry, err := scanJournalEntry(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("journal_entry", id)
	}
	if err != nil {
		return nil, err
	}

	entry.Lines, err = r.getLines(ctx, id)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// FindPostedBySource returns the posted entry for a source document, or nil.
func (r *JournalEntriesRepository) FindPostedBySource(ctx context.Context, sourceType, sourceID string) (*JournalEntry, error) {
	query := `
		SELECT id, journal_number, journal_date, posting_date, journal_type,
		       source_module, source_document_type, source_document_id,
		       description, currency, total_debit, total_credit, status,
		       template_id, rule_id, workflow_id, posted_at, posted_by, created_at
		FROM journal_entries
		WHERE source_document_type = $1 AND source_document_id = $2 AND status = 'POSTED'
	`

	entry, err := scanJournalEntry(r.db.QueryRow(ctx, query, sourceType, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func (r *JournalEntriesRepository) getLines(ctx context.Context, entryID string) ([]*JournalEntryLine, error) {
	query := `
		SELECT id, journal_entry_id, line_number, account_code, description,
		       debit_amount, credit_amount, currency_code, exchange_rate,
		       base_debit_amount, base_credit_amount,
		       station_id, customer_id, cost_center_code, project_code, ifrs_standard
		FROM journal_entry_lines
		WHERE journal_entry_id = $1
		ORDER BY line_number ASC
	`

	rows, err := r.db.Query(ctx, query, entryID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get journal lines")
	}
	defer rows.Close()

	var lines []*JournalEntryLine
	for rows.Next() {
		line := &JournalEntryLine{}
		err := rows.Scan(
			&line.ID,
			&line.JournalEntryID,
			&line.LineNumber,
			&line.AccountCode,
			&line.Description,
			&line.DebitAmount,
			&line.CreditAmount,
			&line.CurrencyCode,
			&line.ExchangeRate,
			&line.BaseDebitAmount,
			&line.BaseCreditAmount,
			&line.StationID,
			&line.CustomerID,
			&line.CostCenterCode,
			&line.ProjectCode,
			&line.IFRSStandard,
		)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanJournalEntry(row rowScanner) (*JournalEntry, error) {
	e := &JournalEntry{}
	err := row.Scan(
		&e.ID,
		&e.JournalNumber,
		&e.JournalDate,
		&e.PostingDate,
		&e.JournalType,
		&e.SourceModule,
		&e.SourceDocumentType,
		&e.SourceDocumentID,
		&e.Description,
		&e.Currency,
		&e.TotalDebit,
		&e.TotalCredit,
		&e.Status,
		&e.TemplateID,
		&e.RuleID,
		&e.WorkflowID,
		&e.PostedAt,
		&e.PostedBy,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}
