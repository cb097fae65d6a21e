package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-autoposting/internal/condition"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"

	TrendStable     = "STABLE"
	TrendIncreasing = "INCREASING"
	TrendDecreasing = "DECREASING"
)

// ToleranceContext carries the event facts tolerances may be scoped or gated on.
type ToleranceContext struct {
	StationID   string
	ProductType string
	Data        map[string]any
}

// ToleranceViolation is one tolerance that the journal exceeded.
type ToleranceViolation struct {
	ToleranceID        string          `json:"tolerance_id"`
	ToleranceName      string          `json:"tolerance_name"`
	ExpectedValue      decimal.Decimal `json:"expected_value"`
	ActualValue        decimal.Decimal `json:"actual_value"`
	VarianceAmount     decimal.Decimal `json:"variance_amount"`
	VariancePercentage float64         `json:"variance_percentage"`
	ViolationAction    string          `json:"violation_action"`
	Severity           string          `json:"severity"`
	Message            string          `json:"message"`
	RequiresApproval   bool            `json:"requires_approval"`
}

// ToleranceSummary counts the checks made.
type ToleranceSummary struct {
	TotalChecks        int `json:"total_checks"`
	PassedChecks       int `json:"passed_checks"`
	FailedChecks       int `json:"failed_checks"`
	CriticalViolations int `json:"critical_violations"`
}

// ToleranceCheckResult is the outcome of checking one journal.
type ToleranceCheckResult struct {
	Passed           bool                 `json:"passed"`
	RequiresApproval bool                 `json:"requires_approval"`
	Violations       []ToleranceViolation `json:"violations"`
	Warnings         []string             `json:"warnings"`
	Summary          ToleranceSummary     `json:"summary"`
}

// Blocked reports whether any violation's action is BLOCK.
func (r *ToleranceCheckResult) Blocked() bool {
	for _, v := range r.Violations {
		if v.ViolationAction == repository.ActionBlock {
			return true
		}
	}
	return false
}

// ToleranceStats is a tolerance's violation history.
type ToleranceStats struct {
	Tolerance       *repository.Tolerance `json:"tolerance"`
	TotalViolations int                   `json:"total_violations"`
	LastViolation   *time.Time            `json:"last_violation,omitempty"`
	AverageVariance decimal.Decimal       `json:"average_variance"`
	ViolationTrend  string                `json:"violation_trend"`
}

// ToleranceChecker validates generated journals against configured tolerances.
type ToleranceChecker struct {
	tolerances ToleranceStore
	settings   Settings
	now        func() time.Time
	log        *logger.Logger
}

// NewToleranceChecker creates a new ToleranceChecker.
func NewToleranceChecker(tolerances ToleranceStore, settings Settings, log *logger.Logger) *ToleranceChecker {
	return &ToleranceChecker{
		tolerances: tolerances,
		settings:   settings,
		now:        time.Now,
		log:        log,
	}
}

// ── Checking ──────────────────────────────────────────────────────────────────

// Check evaluates every applicable tolerance. Violations update the
// tolerance's statistics; a store failure is returned, never treated as a pass.
func (c *ToleranceChecker) Check(
	ctx context.Context,
	journal *GeneratedJournal,
	transactionType string,
	tc ToleranceContext,
) (*ToleranceCheckResult, error) {
	result := &ToleranceCheckResult{
		Passed:     true,
		Violations: []ToleranceViolation{},
		Warnings:   c.warnings(journal),
	}

	query := repository.ToleranceScopeQuery{
		TransactionType: transactionType,
		AccountCodes:    journal.AccountCodes(),
		StationID:       tc.StationID,
		ProductType:     tc.ProductType,
	}
	tolerances, err := c.tolerances.FindApplicable(ctx, query)
	if err != nil {
		return nil, err
	}

	for _, t := range tolerances {
		if !inScope(t, query) {
			continue
		}
		result.Summary.TotalChecks++

		violation := c.checkTolerance(t, journal, tc)
		if violation == nil {
			result.Summary.PassedChecks++
			continue
		}

		result.Passed = false
		result.Summary.FailedChecks++
		if violation.Severity == SeverityCritical {
			result.Summary.CriticalViolations++
		}
		if violation.RequiresApproval {
			result.RequiresApproval = true
		}
		result.Violations = append(result.Violations, *violation)

		if err := c.tolerances.RecordViolation(ctx, t.ID, violation.VarianceAmount, c.now()); err != nil {
			c.log.Warn().Err(err).Str("tolerance_id", t.ID).Msg("Failed to update tolerance statistics")
		}
	}

	if result.Summary.TotalChecks == 0 {
		c.log.Debug().Str("transaction_type", transactionType).Msg("No tolerances configured for transaction type")
	}

	c.log.Info().
		Int("total_checks", result.Summary.TotalChecks).
		Int("passed_checks", result.Summary.PassedChecks).
		Int("violations", len(result.Violations)).
		Bool("requires_approval", result.RequiresApproval).
		Msg("Tolerance check completed")

	return result, nil
}

// checkTolerance returns nil when the tolerance does not apply or is not exceeded.
func (c *ToleranceChecker) checkTolerance(t *repository.Tolerance, journal *GeneratedJournal, tc ToleranceContext) *ToleranceViolation {
	actual := checkValue(t, journal, tc)

	if !gatesPass(t.Conditions, journal, tc) {
		return nil
	}
	if t.MinimumAmount.Valid && actual.LessThan(t.MinimumAmount.Decimal) {
		return nil
	}
	if t.MaximumAmount.Valid && actual.GreaterThan(t.MaximumAmount.Decimal) {
		return nil
	}

	v, err := calculateVariance(t, actual)
	if err != nil {
		c.log.Error().Err(err).Str("tolerance_id", t.ID).Msg("Tolerance check error")
		return &ToleranceViolation{
			ToleranceID:      t.ID,
			ToleranceName:    t.ToleranceName,
			ViolationAction:  repository.ActionBlock,
			Severity:         SeverityCritical,
			Message:          fmt.Sprintf("Tolerance check error: %v", err),
			RequiresApproval: true,
		}
	}
	if !v.violates {
		return nil
	}

	severity := determineSeverity(v.percentage, t.EscalationMatrix)
	suffix := ""
	if t.ToleranceType == repository.ToleranceTypePercentage {
		suffix = "%"
	}

	message := fmt.Sprintf("%s: Variance of %s (%.2f%%) exceeds tolerance of %s%s",
		t.ToleranceName, v.amount.StringFixed(2), v.percentage, t.ToleranceValue.String(), suffix)
	if v.note != "" {
		message = fmt.Sprintf("%s: %s", t.ToleranceName, v.note)
	}

	return &ToleranceViolation{
		ToleranceID:        t.ID,
		ToleranceName:      t.ToleranceName,
		ExpectedValue:      v.expected,
		ActualValue:        actual,
		VarianceAmount:     v.amount,
		VariancePercentage: v.percentage,
		ViolationAction:    t.ViolationAction,
		Severity:           severity,
		Message:            message,
		RequiresApproval:   t.ViolationAction == repository.ActionApprove || severity == SeverityCritical,
	}
}

func (c *ToleranceChecker) warnings(journal *GeneratedJournal) []string {
	warnings := []string{}

	if !journal.Balanced(c.settings.BalanceEpsilon) {
		warnings = append(warnings, fmt.Sprintf("Journal entries not balanced: Debit %s, Credit %s",
			journal.TotalDebit.StringFixed(2), journal.TotalCredit.StringFixed(2)))
	}

	var zero, large int
	for _, l := range journal.Lines {
		if l.DebitAmount.IsZero() && l.CreditAmount.IsZero() {
			zero++
		}
		if l.DebitAmount.GreaterThan(c.settings.LargeLineThreshold) || l.CreditAmount.GreaterThan(c.settings.LargeLineThreshold) {
			large++
		}
	}
	if zero > 0 {
		warnings = append(warnings, fmt.Sprintf("%d journal lines have zero amounts", zero))
	}
	if large > 0 {
		warnings = append(warnings, fmt.Sprintf("%d journal lines have unusually large amounts (>%s)",
			large, c.settings.LargeLineThreshold.String()))
	}
	return warnings
}

type variance struct {
	expected   decimal.Decimal
	amount     decimal.Decimal
	percentage float64
	violates   bool
	note       string
}

// calculateVariance applies the tolerance type's arithmetic. PERCENTAGE treats
// tolerance_value as a share of the checked amount itself: the allowed envelope
// is |actual × pct / 100| and any amount larger than it violates. A CONDITIONAL
// amount outside every band violates.
func calculateVariance(t *repository.Tolerance, actual decimal.Decimal) (variance, error) {
	hundred := decimal.NewFromInt(100)
	tv := t.ToleranceValue

	switch t.ToleranceType {
	case repository.ToleranceTypePercentage:
		envelope := actual.Mul(tv).Div(hundred).Abs()
		return variance{
			expected:   actual.Sub(envelope),
			amount:     envelope,
			percentage: tv.InexactFloat64(),
			violates:   actual.Abs().GreaterThan(envelope),
		}, nil

	case repository.ToleranceTypeAbsolute:
		return boundedVariance(actual, tv), nil

	case repository.ToleranceTypeConditional:
		for _, band := range t.Conditions {
			if band.Field != "" {
				continue
			}
			ok, err := condition.Evaluate(actual, band.Operator, band.Value)
			if err != nil {
				return variance{}, fmt.Errorf("band %s %v: %w", band.Operator, band.Value, err)
			}
			if !ok {
				continue
			}
			limit := tv
			if band.ToleranceValue != nil {
				limit = decimal.NewFromFloat(*band.ToleranceValue)
			}
			expected := limit
			amount := actual.Sub(expected).Abs()
			return variance{
				expected:   expected,
				amount:     amount,
				percentage: percentOf(amount, expected),
				violates:   amount.GreaterThan(limit),
			}, nil
		}
		return variance{
			amount:     actual.Abs(),
			percentage: 100,
			violates:   true,
			note:       fmt.Sprintf("amount %s matches no tolerance band", actual.StringFixed(2)),
		}, nil
	}

	return variance{}, fmt.Errorf("unknown tolerance type %q", t.ToleranceType)
}

// boundedVariance treats limit as a cap on the magnitude of actual.
func boundedVariance(actual, limit decimal.Decimal) variance {
	excess := actual.Abs().Sub(limit)
	v := variance{expected: limit}
	if excess.IsPositive() {
		v.amount = excess
		v.violates = true
		v.percentage = percentOf(excess, limit)
		if limit.IsZero() {
			v.percentage = 100
		}
	}
	return v
}

func percentOf(amount, base decimal.Decimal) float64 {
	if base.IsZero() {
		return 0
	}
	return amount.Div(base.Abs()).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// determineSeverity walks the escalation matrix from the highest threshold
// down; the first threshold the variance reaches decides. Entries without an
// explicit severity are graded by their threshold on the default ladder.
func determineSeverity(pct float64, matrix []repository.ToleranceEscalation) string {
	if len(matrix) > 0 {
		sorted := append([]repository.ToleranceEscalation(nil), matrix...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].ThresholdPercentage > sorted[j].ThresholdPercentage
		})
		for _, esc := range sorted {
			if pct >= esc.ThresholdPercentage {
				if esc.Severity != "" {
					return strings.ToUpper(esc.Severity)
				}
				return severityLadder(esc.ThresholdPercentage)
			}
		}
	}
	return severityLadder(pct)
}

func severityLadder(pct float64) string {
	switch {
	case pct >= 50:
		return SeverityCritical
	case pct >= 25:
		return SeverityHigh
	case pct >= 10:
		return SeverityMedium
	}
	return SeverityLow
}

// checkValue is the amount a tolerance is measured against.
func checkValue(t *repository.Tolerance, journal *GeneratedJournal, tc ToleranceContext) decimal.Decimal {
	switch t.Scope {
	case repository.ScopeAccount:
		sum := decimal.Zero
		for _, l := range journal.Lines {
			if t.ScopeValue != nil && l.AccountCode == *t.ScopeValue {
				sum = sum.Add(l.Amount())
			}
		}
		return sum
	case repository.ScopeProduct:
		if v, ok := decimalField(tc.Data, "product_amount"); ok {
			return v
		}
	}
	return journal.TotalAmount
}

// gatesPass evaluates the conditions that name a field. total_amount,
// line_count and currency come from the journal, anything else from the context.
func gatesPass(conds []repository.ToleranceCondition, journal *GeneratedJournal, tc ToleranceContext) bool {
	for _, cond := range conds {
		if cond.Field == "" {
			continue
		}
		var value any
		switch cond.Field {
		case FieldTotalAmount:
			value = journal.TotalAmount
		case FieldLineCount:
			value = len(journal.Lines)
		case "currency":
			value = journal.Currency
		default:
			value, _ = condition.Resolve(cond.Field, tc.Data, nil)
		}
		if ok, _ := condition.Evaluate(value, cond.Operator, cond.Value); !ok {
			return false
		}
	}
	return true
}

func inScope(t *repository.Tolerance, q repository.ToleranceScopeQuery) bool {
	scopeValue := ""
	if t.ScopeValue != nil {
		scopeValue = *t.ScopeValue
	}
	switch t.Scope {
	case repository.ScopeGlobal:
		return true
	case repository.ScopeTransactionType:
		return scopeValue == q.TransactionType
	case repository.ScopeAccount:
		for _, code := range q.AccountCodes {
			if code == scopeValue {
				return true
			}
		}
	case repository.ScopeStation:
		return q.StationID != "" && scopeValue == q.StationID
	case repository.ScopeProduct:
		return q.ProductType != "" && scopeValue == q.ProductType
	}
	return false
}

// ── Administration ────────────────────────────────────────────────────────────

// CreateTolerance validates and stores a tolerance.
func (c *ToleranceChecker) CreateTolerance(ctx context.Context, t *repository.Tolerance) (*repository.Tolerance, error) {
	if err := validateTolerance(t); err != nil {
		return nil, err
	}
	if err := c.tolerances.Create(ctx, t); err != nil {
		return nil, err
	}
	c.log.Info().Str("tolerance_id", t.ID).Str("tolerance_name", t.ToleranceName).Msg("Posting tolerance created")
	return t, nil
}

// UpdateTolerance validates and overwrites a tolerance's configuration.
func (c *ToleranceChecker) UpdateTolerance(ctx context.Context, t *repository.Tolerance) (*repository.Tolerance, error) {
	if _, err := c.tolerances.GetByID(ctx, t.ID); err != nil {
		return nil, err
	}
	if err := validateTolerance(t); err != nil {
		return nil, err
	}
	if err := c.tolerances.Update(ctx, t); err != nil {
		return nil, err
	}
	c.log.Info().Str("tolerance_id", t.ID).Msg("Posting tolerance updated")
	return t, nil
}

// GetTolerance retrieves a tolerance by ID.
func (c *ToleranceChecker) GetTolerance(ctx context.Context, id string) (*repository.Tolerance, error) {
	return c.tolerances.GetByID(ctx, id)
}

// ListTolerances lists active tolerances.
func (c *ToleranceChecker) ListTolerances(ctx context.Context) ([]*repository.Tolerance, error) {
	return c.tolerances.ListActive(ctx)
}

// GetToleranceStats reports a tolerance's violation history and trend.
func (c *ToleranceChecker) GetToleranceStats(ctx context.Context, id string) (*ToleranceStats, error) {
	t, err := c.tolerances.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := &ToleranceStats{
		Tolerance:       t,
		TotalViolations: t.ViolationCount,
		LastViolation:   t.LastViolationDate,
		AverageVariance: decimal.Zero,
		ViolationTrend:  TrendStable,
	}
	if t.ViolationCount > 0 {
		stats.AverageVariance = t.TotalVarianceAmount.Div(decimal.NewFromInt(int64(t.ViolationCount)))
		if t.LastViolationDate != nil {
			days := int(c.now().Sub(*t.LastViolationDate).Hours() / 24)
			switch {
			case days < 7:
				stats.ViolationTrend = TrendIncreasing
			case days > 30:
				stats.ViolationTrend = TrendDecreasing
			}
		}
	}
	return stats, nil
}

func validateTolerance(t *repository.Tolerance) error {
	if strings.TrimSpace(t.ToleranceName) == "" {
		return errors.InvalidInput("tolerance_name", "tolerance name is required")
	}
	switch t.ToleranceType {
	case repository.ToleranceTypePercentage, repository.ToleranceTypeAbsolute, repository.ToleranceTypeConditional:
	default:
		return errors.InvalidInput("tolerance_type", fmt.Sprintf("unknown tolerance type %q", t.ToleranceType))
	}
	switch t.Scope {
	case repository.ScopeGlobal:
	case repository.ScopeTransactionType, repository.ScopeAccount, repository.ScopeStation, repository.ScopeProduct:
		if t.ScopeValue == nil || *t.ScopeValue == "" {
			return errors.InvalidInput("scope_value", fmt.Sprintf("scope %s requires a scope value", t.Scope))
		}
	default:
		return errors.InvalidInput("scope", fmt.Sprintf("unknown scope %q", t.Scope))
	}
	switch t.ViolationAction {
	case repository.ActionWarning, repository.ActionBlock, repository.ActionApprove:
	default:
		return errors.InvalidInput("violation_action", fmt.Sprintf("unknown violation action %q", t.ViolationAction))
	}
	if t.ToleranceValue.IsNegative() {
		return errors.InvalidInput("tolerance_value", "tolerance value cannot be negative")
	}
	if t.MinimumAmount.Valid && t.MaximumAmount.Valid && t.MinimumAmount.Decimal.GreaterThan(t.MaximumAmount.Decimal) {
		return errors.InvalidInput("minimum_amount", "minimum amount exceeds maximum amount")
	}
	for _, esc := range t.EscalationMatrix {
		switch strings.ToUpper(esc.Severity) {
		case "", SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		default:
			return errors.InvalidInput("escalation_matrix", fmt.Sprintf("unknown severity %q", esc.Severity))
		}
	}
	bands := 0
	for _, cond := range t.Conditions {
		if !cond.Operator.Valid() {
			return errors.InvalidInput("conditions", fmt.Sprintf("unknown operator %q", cond.Operator))
		}
		if cond.Field == "" {
			bands++
		}
	}
	if t.ToleranceType == repository.ToleranceTypeConditional && bands == 0 {
		return errors.InvalidInput("conditions", "conditional tolerance needs at least one amount band")
	}
	return nil
}
