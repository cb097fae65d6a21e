package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/database"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
)

const templateColumns = `
	t.id, t.template_code, t.name, t.description, t.transaction_type,
	t.account_mapping_rules, t.validation_rules,
	t.approval_required, t.approval_threshold,
	t.ifrs15_revenue_recognition, t.ifrs9_expected_credit_loss,
	t.ifrs16_lease_accounting, t.ias2_inventory_valuation,
	t.is_active, t.created_by, t.created_at, t.updated_at
`

// JournalTemplatesRepository handles CRUD for journal_templates.
type JournalTemplatesRepository struct {
	db *database.DB
}

// NewJournalTemplatesRepository creates a new JournalTemplatesRepository.
func NewJournalTemplatesRepository(db *database.DB) *JournalTemplatesRepository {
	return &JournalTemplatesRepository{db: db}
}

// Create inserts a template. A duplicate template_code is ALREADY_EXISTS.
func (r *JournalTemplatesRepository) Create(ctx context.Context, t *JournalTemplate) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	mappingJSON, validationJSON, err := encodeTemplateJSON(t)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO journal_templates
		    (id, template_code, name, description, transaction_type,
		     account_mapping_rules, validation_rules,
		     approval_required, approval_threshold,
		     ifrs15_revenue_recognition, ifrs9_expected_credit_loss,
		     ifrs16_lease_accounting, ias2_inventory_valuation,
		     is_active, created_by)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7,
		        $8, $9,
		        $10, $11,
		        $12, $13,
		        $14, $15)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		t.ID,
		t.TemplateCode,
		t.Name,
		t.Description,
		t.TransactionType,
		mappingJSON,
		validationJSON,
		t.ApprovalRequired,
		t.ApprovalThreshold,
		t.IFRS15RevenueRecognition,
		t.IFRS9ExpectedCreditLoss,
		t.IFRS16LeaseAccounting,
		t.IAS2InventoryValuation,
		t.IsActive,
		t.CreatedBy,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if database.IsUniqueViolation(err, "") {
		return errors.New(errors.ErrCodeAlreadyExists, "journal template already exists: "+t.TemplateCode)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create journal template")
	}
	return nil
}

// Update overwrites the mutable fields of a template.
func (r *JournalTemplatesRepository) Update(ctx context.Context, t *JournalTemplate) error {
	mappingJSON, validationJSON, err := encodeTemplateJSON(t)
	if err != nil {
		return err
	}

	query := `
		UPDATE journal_templates
		SET name                       = $2,
		    description                = $3,
		    transaction_type           = $4,
		    account_mapping_rules      = $5,
		    validation_rules           = $6,
		    approval_required          = $7,
		    approval_threshold         = $8,
		    ifrs15_revenue_recognition = $9,
		    ifrs9_expected_credit_loss = $10,
		    ifrs16_lease_accounting    = $11,
		    ias2_inventory_valuation   = $12,
		    is_active                  = $13,
		    updated_at                 = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		t.ID,
		t.Name,
		t.Description,
		t.TransactionType,
		mappingJSON,
		validationJSON,
		t.ApprovalRequired,
		t.ApprovalThreshold,
		t.IFRS15RevenueRecognition,
		t.IFRS9ExpectedCreditLoss,
		t.IFRS16LeaseAccounting,
		t.IAS2InventoryValuation,
		t.IsActive,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("journal_template", t.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update journal template")
	}
	return nil
}

// GetByID retrieves a template by primary key.
func (r *JournalTemplatesRepository) GetByID(ctx context.Context, id string) (*JournalTemplate, error) {
	query := `SELECT` + templateColumns + `FROM journal_templates t WHERE t.id = $1`

	t, err := scanTemplate(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("journal_template", id)
	}
	return t, err
}

// GetByCode retrieves a template by its unique code.
func (r *JournalTemplatesRepository) GetByCode(ctx context.Context, code string) (*JournalTemplate, error) {
	query := `SELECT` + templateColumns + `FROM journal_templates t WHERE t.template_code = $1`

	t, err := scanTemplate(r.db.QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("journal_template", code)
	}
	return t, err
}

// List returns templates, newest first.
func (r *JournalTemplatesRepository) List(ctx context.Context, activeOnly bool) ([]*JournalTemplate, error) {
	query := `SELECT` + templateColumns + `FROM journal_templates t`
	if activeOnly {
		query += " WHERE t.is_active = TRUE"
	}
	query += " ORDER BY t.created_at DESC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list journal templates")
	}
	defer rows.Close()

	var templates []*JournalTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type templateJSON struct {
	mapping    []byte
	validation []byte
}

func (j templateJSON) decode(t *JournalTemplate) error {
	if err := unmarshalJSONB(j.mapping, &t.AccountMappingRules, "account mapping rules"); err != nil {
		return err
	}
	return unmarshalJSONB(j.validation, &t.ValidationRules, "validation rules")
}

func encodeTemplateJSON(t *JournalTemplate) ([]byte, []byte, error) {
	mappingJSON, err := marshalJSONB(t.AccountMappingRules, "account mapping rules")
	if err != nil {
		return nil, nil, err
	}
	validationJSON, err := marshalJSONB(nonNilSlice(t.ValidationRules), "validation rules")
	if err != nil {
		return nil, nil, err
	}
	return mappingJSON, validationJSON, nil
}

func templateDest(t *JournalTemplate, j *templateJSON) []any {
	return []any{
		&t.ID,
		&t.TemplateCode,
		&t.Name,
		&t.Description,
		&t.TransactionType,
		&j.mapping,
		&j.validation,
		&t.ApprovalRequired,
		&t.ApprovalThreshold,
		&t.IFRS15RevenueRecognition,
		&t.IFRS9ExpectedCreditLoss,
		&t.IFRS16LeaseAccounting,
		&t.IAS2InventoryValuation,
		&t.IsActive,
		&t.CreatedBy,
		&t.CreatedAt,
		&t.UpdatedAt,
	}
}

func scanTemplate(row rowScanner) (*JournalTemplate, error) {
	t := &JournalTemplate{}
	var j templateJSON
	if err := row.Scan(templateDest(t, &j)...); err != nil {
		return nil, err
	}
	if err := j.decode(t); err != nil {
		return nil, err
	}
	return t, nil
}
