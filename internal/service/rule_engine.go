package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-gl-autoposting/internal/condition"
	"github.com/pesio-ai/be-gl-autoposting/internal/event"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

// Synthetic envelope used by TestRule.
const (
	TestEventType          = "TEST_EVENT"
	TestSourceDocumentType = "TEST_DOCUMENT"
	TestSourceDocumentID   = "TEST_ID"
)

// RuleEvaluation is the outcome of matching one rule against one event.
type RuleEvaluation struct {
	Rule              *repository.PostingRule `json:"-"`
	RuleID            string                  `json:"rule_id"`
	Matches           bool                    `json:"matches"`
	ConditionsChecked int                     `json:"conditions_checked"`
	ConditionsPassed  int                     `json:"conditions_passed"`
	FailedConditions  []condition.Failure     `json:"failed_conditions"`
}

// RuleStats summarizes a rule's executions from the audit trail.
type RuleStats struct {
	RuleID               string     `json:"rule_id"`
	TotalExecutions      int        `json:"total_executions"`
	SuccessfulExecutions int        `json:"successful_executions"`
	FailedExecutions     int        `json:"failed_executions"`
	LastExecution        *time.Time `json:"last_execution,omitempty"`
}

// RuleEngine selects the posting rules that apply to an event.
type RuleEngine struct {
	rules     RuleStore
	templates TemplateStore
	audit     AuditStore
	log       *logger.Logger
}

// NewRuleEngine creates a new RuleEngine.
func NewRuleEngine(rules RuleStore, templates TemplateStore, audit AuditStore, log *logger.Logger) *RuleEngine {
	return &RuleEngine{
		rules:     rules,
		templates: templates,
		audit:     audit,
		log:       log,
	}
}

// ── Matching ──────────────────────────────────────────────────────────────────

// FindApplicableRules returns the active rules triggered by the event type or
// transaction type whose conditions all pass, ordered by ascending priority.
// Rules come back with their Template populated.
func (e *RuleEngine) FindApplicableRules(ctx context.Context, evt event.TransactionEvent) ([]*repository.PostingRule, error) {
	triggers := []string{evt.EventType}
	if evt.TransactionType != "" && evt.TransactionType != evt.EventType {
		triggers = append(triggers, evt.TransactionType)
	}

	candidates, err := e.rules.ListCandidates(ctx, triggers)
	if err != nil {
		return nil, err
	}

	var matched []*repository.PostingRule
	for _, rule := range candidates {
		eval := e.EvaluateRule(rule, evt)
		if eval.Matches {
			e.log.Debug().
				Str("rule", rule.RuleName).
				Str("source_document_id", evt.SourceDocumentID).
				Msg("Rule matches event")
			matched = append(matched, rule)
			continue
		}
		e.log.Debug().
			Str("rule", rule.RuleName).
			Int("failed_conditions", len(eval.FailedConditions)).
			Msg("Rule does not match event")
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})

	e.log.Info().
		Str("event_type", evt.EventType).
		Str("transaction_type", evt.TransactionType).
		Int("candidates", len(candidates)).
		Int("matched", len(matched)).
		Msg("Applicable rules resolved")

	return matched, nil
}

// EvaluateRule checks every condition of a rule. A rule without conditions matches.
func (e *RuleEngine) EvaluateRule(rule *repository.PostingRule, evt event.TransactionEvent) RuleEvaluation {
	ok, failures := condition.CheckAll(rule.Conditions, evt.Data(), evt.Metadata())
	return RuleEvaluation{
		Rule:              rule,
		RuleID:            rule.ID,
		Matches:           ok,
		ConditionsChecked: len(rule.Conditions),
		ConditionsPassed:  len(rule.Conditions) - len(failures),
		FailedConditions:  failures,
	}
}

// TestRule evaluates a rule against sample data without posting anything.
func (e *RuleEngine) TestRule(ctx context.Context, ruleID string, data map[string]any) (*RuleEvaluation, error) {
	rule, err := e.rules.GetByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	eval := e.EvaluateRule(rule, event.TransactionEvent{
		EventType:          TestEventType,
		TransactionType:    rule.TriggerEvent,
		SourceDocumentType: TestSourceDocumentType,
		SourceDocumentID:   TestSourceDocumentID,
		TransactionData:    data,
		Timestamp:          time.Now(),
	})
	return &eval, nil
}

// ── Administration ────────────────────────────────────────────────────────────

// CreateRule validates and stores a new rule.
func (e *RuleEngine) CreateRule(ctx context.Context, rule *repository.PostingRule) (*repository.PostingRule, error) {
	if err := e.validateRule(ctx, rule); err != nil {
		return nil, err
	}
	if err := e.rules.Create(ctx, rule); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("rule_id", rule.ID).
		Str("rule_name", rule.RuleName).
		Str("trigger_event", rule.TriggerEvent).
		Int("priority", rule.Priority).
		Msg("Posting rule created")

	return rule, nil
}

// UpdateRule validates and overwrites a rule.
func (e *RuleEngine) UpdateRule(ctx context.Context, rule *repository.PostingRule) (*repository.PostingRule, error) {
	if _, err := e.rules.GetByID(ctx, rule.ID); err != nil {
		return nil, err
	}
	if err := e.validateRule(ctx, rule); err != nil {
		return nil, err
	}
	if err := e.rules.Update(ctx, rule); err != nil {
		return nil, err
	}

	e.log.Info().Str("rule_id", rule.ID).Msg("Posting rule updated")
	return rule, nil
}

// DeleteRule soft-deletes a rule.
func (e *RuleEngine) DeleteRule(ctx context.Context, id string) error {
	if err := e.rules.Deactivate(ctx, id); err != nil {
		return err
	}
	e.log.Info().Str("rule_id", id).Msg("Posting rule deactivated")
	return nil
}

// GetRule retrieves a rule by ID.
func (e *RuleEngine) GetRule(ctx context.Context, id string) (*repository.PostingRule, error) {
	return e.rules.GetByID(ctx, id)
}

// FindRules lists rules matching the filter, ordered by priority.
func (e *RuleEngine) FindRules(ctx context.Context, filter repository.RuleFilter) ([]*repository.PostingRule, error) {
	return e.rules.List(ctx, filter)
}

// ListActiveRules lists every active rule.
func (e *RuleEngine) ListActiveRules(ctx context.Context) ([]*repository.PostingRule, error) {
	active := true
	return e.rules.List(ctx, repository.RuleFilter{IsActive: &active})
}

// ReorderRules sets the priorities of several rules at once.
func (e *RuleEngine) ReorderRules(ctx context.Context, priorities map[string]int) error {
	if len(priorities) == 0 {
		return errors.InvalidInput("priorities", "at least one rule priority is required")
	}
	if err := e.rules.UpdatePriorities(ctx, priorities); err != nil {
		return err
	}
	e.log.Info().Int("rules", len(priorities)).Msg("Posting rule priorities updated")
	return nil
}

// CloneRule copies a rule under a fresh identity and a new name.
func (e *RuleEngine) CloneRule(ctx context.Context, id, newName, createdBy string) (*repository.PostingRule, error) {
	if strings.TrimSpace(newName) == "" {
		return nil, errors.InvalidInput("rule_name", "new rule name is required")
	}

	src, err := e.rules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	clone := *src
	clone.ID = uuid.NewString()
	clone.RuleName = newName
	clone.Conditions = append([]condition.Predicate(nil), src.Conditions...)
	clone.CreatedAt = time.Time{}
	clone.UpdatedAt = time.Time{}
	clone.Template = nil
	if createdBy != "" {
		clone.CreatedBy = createdBy
	}

	if err := e.rules.Create(ctx, &clone); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("source_rule_id", id).
		Str("rule_id", clone.ID).
		Str("rule_name", clone.RuleName).
		Msg("Posting rule cloned")

	return &clone, nil
}

// GetRuleStats summarizes a rule's executions from the audit trail.
func (e *RuleEngine) GetRuleStats(ctx context.Context, ruleID string) (*RuleStats, error) {
	if _, err := e.rules.GetByID(ctx, ruleID); err != nil {
		return nil, err
	}

	stats := &RuleStats{RuleID: ruleID}
	latest, total, err := e.audit.List(ctx, repository.AuditFilter{RuleID: ruleID, Limit: 1})
	if err != nil {
		return nil, err
	}
	stats.TotalExecutions = total
	if len(latest) > 0 {
		stats.LastExecution = &latest[0].CreatedAt
	}

	if _, stats.SuccessfulExecutions, err = e.audit.List(ctx, repository.AuditFilter{
		RuleID: ruleID, Status: repository.AuditSuccess, Limit: 1,
	}); err != nil {
		return nil, err
	}
	if _, stats.FailedExecutions, err = e.audit.List(ctx, repository.AuditFilter{
		RuleID: ruleID, Status: repository.AuditFailed, Limit: 1,
	}); err != nil {
		return nil, err
	}
	return stats, nil
}

func (e *RuleEngine) validateRule(ctx context.Context, rule *repository.PostingRule) error {
	if strings.TrimSpace(rule.RuleName) == "" {
		return errors.InvalidInput("rule_name", "rule name is required")
	}
	if strings.TrimSpace(rule.TriggerEvent) == "" {
		return errors.InvalidInput("trigger_event", "trigger event is required")
	}
	if rule.TemplateID == "" {
		return errors.InvalidInput("template_id", "template is required")
	}
	for i, p := range rule.Conditions {
		if p.Field == "" {
			return errors.InvalidInput("conditions", fmt.Sprintf("condition %d has no field", i+1))
		}
		if !p.Operator.Valid() {
			return errors.InvalidInput("conditions", fmt.Sprintf("condition %d has unknown operator %q", i+1, p.Operator))
		}
	}
	if _, err := e.templates.GetByID(ctx, rule.TemplateID); err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return errors.InvalidInput("template_id", "template does not exist")
		}
		return err
	}
	return nil
}
