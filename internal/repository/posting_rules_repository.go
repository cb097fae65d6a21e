package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/database"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
)

const ruleColumns = `
	r.id, r.rule_name, r.description, r.trigger_event, r.template_id,
	r.conditions, r.priority, r.is_active, r.bulk_processing_enabled,
	r.created_by, r.created_at, r.updated_at
`

// PostingRulesRepository handles CRUD for posting_rules.
type PostingRulesRepository struct {
	db *database.DB
}

// NewPostingRulesRepository creates a new PostingRulesRepository.
func NewPostingRulesRepository(db *database.DB) *PostingRulesRepository {
	return &PostingRulesRepository{db: db}
}

// Create inserts a new posting rule. An empty ID is generated.
func (r *PostingRulesRepository) Create(ctx context.Context, rule *PostingRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	conditionsJSON, err := marshalJSONB(nonNilSlice(rule.Conditions), "rule conditions")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO posting_rules
		    (id, rule_name, description, trigger_event, template_id,
		     conditions, priority, is_active, bulk_processing_enabled, created_by)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.RuleName,
		rule.Description,
		rule.TriggerEvent,
		rule.TemplateID,
		conditionsJSON,
		rule.Priority,
		rule.IsActive,
		rule.BulkProcessingEnabled,
		rule.CreatedBy,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create posting rule")
	}
	return nil
}

// Update overwrites the mutable fields of a rule.
func (r *PostingRulesRepository) Update(ctx context.Context, rule *PostingRule) error {
	conditionsJSON, err := marshalJSONB(nonNilSlice(rule.Conditions), "rule conditions")
	if err != nil {
		return err
	}

	query := `
		UPDATE posting_rules
		SET rule_name               = $2,
		    description             = $3,
		    trigger_event           = $4,
		    template_id             = $5,
		    conditions              = $6,
		    priority                = $7,
		    is_active               = $8,
		    bulk_processing_enabled = $9,
		    updated_at              = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.RuleName,
		rule.Description,
		rule.TriggerEvent,
		rule.TemplateID,
		conditionsJSON,
		rule.Priority,
		rule.IsActive,
		rule.BulkProcessingEnabled,
	).Scan(&rule.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("posting_rule", rule.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update posting rule")
	}
	return nil
}

// GetByID retrieves a rule by primary key.
func (r *PostingRulesRepository) GetByID(ctx context.Context, id string) (*PostingRule, error) {
	query := `SELECT` + ruleColumns + `FROM posting_rules r WHERE r.id = $1`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("posting_rule", id)
	}
	return rule, err
}

// List returns rules matching filter ordered by priority.
func (r *PostingRulesRepository) List(ctx context.Context, filter RuleFilter) ([]*PostingRule, error) {
	var (
		where []string
		args  []any
	)
	if filter.TriggerEvent != "" {
		args = append(args, filter.TriggerEvent)
		where = append(where, fmt.Sprintf("r.trigger_event = $%d", len(args)))
	}
	if filter.TemplateID != "" {
		args = append(args, filter.TemplateID)
		where = append(where, fmt.Sprintf("r.template_id = $%d", len(args)))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		where = append(where, fmt.Sprintf("r.is_active = $%d", len(args)))
	}

	query := `SELECT` + ruleColumns + `FROM posting_rules r`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.priority ASC, r.rule_name ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list posting rules")
	}
	defer rows.Close()

	var rules []*PostingRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ListCandidates returns active rules whose trigger equals one of triggers and
// whose template is active, with the template attached.
func (r *PostingRulesRepository) ListCandidates(ctx context.Context, triggers []string) ([]*PostingRule, error) {
	query := `SELECT` + ruleColumns + `,` + templateColumns + `
		FROM posting_rules r
		JOIN journal_templates t ON t.id = r.template_id
		WHERE r.is_active = TRUE
		  AND t.is_active = TRUE
		  AND r.trigger_event = ANY($1)
		ORDER BY r.priority ASC, r.rule_name ASC
	`

	rows, err := r.db.Query(ctx, query, triggers)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list candidate rules")
	}
	defer rows.Close()

	var rules []*PostingRule
	for rows.Next() {
		rule, tmpl, err := r.scanRuleWithTemplate(rows)
		if err != nil {
			return nil, err
		}
		rule.Template = tmpl
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Deactivate soft-deletes a rule.
func (r *PostingRulesRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE posting_rules SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate posting rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("posting_rule", id)
	}
	return nil
}

// UpdatePriorities applies a batch of priority changes in one transaction.
func (r *PostingRulesRepository) UpdatePriorities(ctx context.Context, priorities map[string]int) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for id, priority := range priorities {
			tag, err := tx.Exec(ctx,
				`UPDATE posting_rules SET priority = $2, updated_at = NOW() WHERE id = $1`, id, priority)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to update rule priority")
			}
			if tag.RowsAffected() == 0 {
				return errors.NotFound("posting_rule", id)
			}
		}
		return nil
	})
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *PostingRulesRepository) ruleDest(rule *PostingRule, conditionsJSON *[]byte) []any {
	return []any{
		&rule.ID,
		&rule.RuleName,
		&rule.Description,
		&rule.TriggerEvent,
		&rule.TemplateID,
		conditionsJSON,
		&rule.Priority,
		&rule.IsActive,
		&rule.BulkProcessingEnabled,
		&rule.CreatedBy,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	}
}

func (r *PostingRulesRepository) scanRule(row rowScanner) (*PostingRule, error) {
	rule := &PostingRule{}
	var conditionsJSON []byte
	if err := row.Scan(r.ruleDest(rule, &conditionsJSON)...); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(conditionsJSON, &rule.Conditions, "rule conditions"); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *PostingRulesRepository) scanRuleWithTemplate(row rowScanner) (*PostingRule, *JournalTemplate, error) {
	rule := &PostingRule{}
	tmpl := &JournalTemplate{}
	var conditionsJSON []byte
	var tj templateJSON

	dest := append(r.ruleDest(rule, &conditionsJSON), templateDest(tmpl, &tj)...)
	if err := row.Scan(dest...); err != nil {
		return nil, nil, err
	}
	if err := unmarshalJSONB(conditionsJSON, &rule.Conditions, "rule conditions"); err != nil {
		return nil, nil, err
	}
	if err := tj.decode(tmpl); err != nil {
		return nil, nil, err
	}
	return rule, tmpl, nil
}
