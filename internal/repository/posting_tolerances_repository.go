package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/database"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
)

const toleranceColumns = `
	id, tolerance_name, tolerance_type, scope, scope_value,
	tolerance_value, minimum_amount, maximum_amount, violation_action,
	escalation_matrix, conditions, is_active,
	violation_count, last_violation_date, total_variance_amount,
	created_by, created_at, updated_at
`

// PostingTolerancesRepository handles posting_tolerances and their running statistics.
type PostingTolerancesRepository struct {
	db *database.DB
}

// NewPostingTolerancesRepository creates a new PostingTolerancesRepository.
func NewPostingTolerancesRepository(db *database.DB) *PostingTolerancesRepository {
	return &PostingTolerancesRepository{db: db}
}

// Create inserts a tolerance. Statistics start at zero.
func (r *PostingTolerancesRepository) Create(ctx context.Context, t *Tolerance) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	matrixJSON, conditionsJSON, err := encodeToleranceJSON(t)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO posting_tolerances
		    (id, tolerance_name, tolerance_type, scope, scope_value,
		     tolerance_value, minimum_amount, maximum_amount, violation_action,
		     escalation_matrix, conditions, is_active, created_by)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		t.ID,
		t.ToleranceName,
		t.ToleranceType,
		t.Scope,
		t.ScopeValue,
		t.ToleranceValue,
		t.MinimumAmount,
		t.MaximumAmount,
		t.ViolationAction,
		matrixJSON,
		conditionsJSON,
		t.IsActive,
		t.CreatedBy,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create posting tolerance")
	}
	return nil
}

// Update overwrites configuration fields. Statistics are left untouched.
func (r *PostingTolerancesRepository) Update(ctx context.Context, t *Tolerance) error {
	matrixJSON, conditionsJSON, err := encodeToleranceJSON(t)
	if err != nil {
		return err
	}

	query := `
		UPDATE posting_tolerances
		SET tolerance_name    = $2,
		    tolerance_type    = $3,
		    scope             = $4,
		    scope_value       = $5,
		    tolerance_value   = $6,
		    minimum_amount    = $7,
		    maximum_amount    = $8,
		    violation_action  = $9,
		    escalation_matrix = $10,
		    conditions        = $11,
		    is_active         = $12,
		    updated_at        = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		t.ID,
		t.ToleranceName,
		t.ToleranceType,
		t.Scope,
		t.ScopeValue,
		t.ToleranceValue,
		t.MinimumAmount,
		t.MaximumAmount,
		t.ViolationAction,
		matrixJSON,
		conditionsJSON,
		t.IsActive,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("posting_tolerance", t.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update posting tolerance")
	}
	return nil
}

// GetByID retrieves a tolerance by primary key.
func (r *PostingTolerancesRepository) GetByID(ctx context.Context, id string) (*Tolerance, error) {
	query := `SELECT` + toleranceColumns + `FROM posting_tolerances WHERE id = $1`

	t, err := scanTolerance(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("posting_tolerance", id)
	}
	return t, err
}

// ListActive returns all active tolerances.
func (r *PostingTolerancesRepository) ListActive(ctx context.Context) ([]*Tolerance, error) {
	query := `SELECT` + toleranceColumns + `FROM posting_tolerances WHERE is_active = TRUE ORDER BY tolerance_name`
	return r.query(ctx, query)
}

// FindApplicable returns active tolerances scoped GLOBAL, or to the transaction
// type, one of the account codes, the station or the product.
func (r *PostingTolerancesRepository) FindApplicable(ctx context.Context, q ToleranceScopeQuery) ([]*Tolerance, error) {
	query := `SELECT` + toleranceColumns + `
		FROM posting_tolerances
		WHERE is_active = TRUE
		  AND (scope = 'GLOBAL'
		       OR (scope = 'TRANSACTION_TYPE' AND scope_value = $1)
		       OR (scope = 'ACCOUNT' AND scope_value = ANY($2))
		       OR (scope = 'STATION' AND $3 <> '' AND scope_value = $3)
		       OR (scope = 'PRODUCT' AND $4 <> '' AND scope_value = $4))
		ORDER BY tolerance_name
	`
	return r.query(ctx, query, q.TransactionType, nonNilSlice(q.AccountCodes), q.StationID, q.ProductType)
}

// RecordViolation increments the running statistics atomically in a single
// UPDATE, so concurrent violations of one tolerance are never lost.
func (r *PostingTolerancesRepository) RecordViolation(ctx context.Context, id string, variance decimal.Decimal, at time.Time) error {
	query := `
		UPDATE posting_tolerances
		SET violation_count       = violation_count + 1,
		    last_violation_date   = $2,
		    total_variance_amount = total_variance_amount + $3
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, at, variance)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update tolerance statistics")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("posting_tolerance", id)
	}
	return nil
}

func (r *PostingTolerancesRepository) query(ctx context.Context, query string, args ...any) ([]*Tolerance, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list posting tolerances")
	}
	defer rows.Close()

	var out []*Tolerance
	for rows.Next() {
		t, err := scanTolerance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func encodeToleranceJSON(t *Tolerance) ([]byte, []byte, error) {
	matrixJSON, err := marshalJSONB(nonNilSlice(t.EscalationMatrix), "escalation matrix")
	if err != nil {
		return nil, nil, err
	}
	conditionsJSON, err := marshalJSONB(nonNilSlice(t.Conditions), "tolerance conditions")
	if err != nil {
		return nil, nil, err
	}
	return matrixJSON, conditionsJSON, nil
}

func scanTolerance(row rowScanner) (*Tolerance, error) {
	t := &Tolerance{}
	var matrixJSON, conditionsJSON []byte
	err := row.Scan(
		&t.ID,
		&t.ToleranceName,
		&t.ToleranceType,
		&t.Scope,
		&t.ScopeValue,
		&t.ToleranceValue,
		&t.MinimumAmount,
		&t.MaximumAmount,
		&t.ViolationAction,
		&matrixJSON,
		&conditionsJSON,
		&t.IsActive,
		&t.ViolationCount,
		&t.LastViolationDate,
		&t.TotalVarianceAmount,
		&t.CreatedBy,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(matrixJSON, &t.EscalationMatrix, "escalation matrix"); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(conditionsJSON, &t.Conditions, "tolerance conditions"); err != nil {
		return nil, err
	}
	return t, nil
}
