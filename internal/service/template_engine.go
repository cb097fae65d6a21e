package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-autoposting/internal/condition"
	"github.com/pesio-ai/be-gl-autoposting/internal/event"
	"github.com/pesio-ai/be-gl-autoposting/internal/formula"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

// Validation-rule fields taken from the generated journal instead of the data.
const (
	FieldTotalAmount = "total_amount"
	FieldLineCount   = "line_count"
	FieldDebitTotal  = "debit_total"
	FieldCreditTotal = "credit_total"
)

var (
	accountCodePattern = regexp.MustCompile(`^\d{4,}(-[A-Za-z0-9_]+)?$`)
	placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*)\}`)
)

var productRevenueAccounts = map[string]string{
	"PETROL":   "4110",
	"DIESEL":   "4120",
	"KEROSENE": "4130",
	"LPG":      "4140",
}

var productCostAccounts = map[string]string{
	"PETROL":   "5110",
	"DIESEL":   "5120",
	"KEROSENE": "5130",
	"LPG":      "5140",
}

// symbolicAccounts resolve account placeholders against the event.
var symbolicAccounts = map[string]func(data map[string]any, evt event.TransactionEvent) (string, error){
	"customer_receivable": func(data map[string]any, _ event.TransactionEvent) (string, error) {
		if code := stringValue(data["customer_receivable_account"]); code != "" {
			return code, nil
		}
		return "1210", nil
	},
	"station_cash": func(data map[string]any, evt event.TransactionEvent) (string, error) {
		station := evt.StationID
		if station == "" {
			station = stringValue(data["station_id"])
		}
		if station == "" {
			return "", fmt.Errorf("account station_cash requires a station id")
		}
		return "1110-" + station, nil
	},
	"product_revenue": func(data map[string]any, _ event.TransactionEvent) (string, error) {
		return productAccount(productRevenueAccounts, "4100", data), nil
	},
	"product_cost": func(data map[string]any, _ event.TransactionEvent) (string, error) {
		return productAccount(productCostAccounts, "5100", data), nil
	},
}

// namedFormulas are the built-in amount functions. Missing inputs count as zero.
var namedFormulas = map[string]func(data map[string]any) decimal.Decimal{
	"total": totalAmount,
	"base_price": func(data map[string]any) decimal.Decimal {
		tax, _ := decimalField(data, "tax_amount")
		return totalAmount(data).Sub(tax)
	},
	"uppf_component": func(data map[string]any) decimal.Decimal {
		qty, _ := decimalField(data, "quantity_liters")
		rate, ok := decimalField(data, "uppf_rate")
		if !ok {
			rate = decimal.RequireFromString("0.10")
		}
		return qty.Mul(rate)
	},
	"vat_component":     taxComponent("VAT"),
	"nhil_component":    taxComponent("NHIL"),
	"getfund_component": taxComponent("GETFUND"),
	"fuel_cost": func(data map[string]any) decimal.Decimal {
		qty, _ := decimalField(data, "quantity_liters")
		cost, _ := decimalField(data, "unit_cost")
		return qty.Mul(cost)
	},
}

func totalAmount(data map[string]any) decimal.Decimal {
	if v, ok := decimalField(data, "total_amount"); ok {
		return v
	}
	v, _ := decimalField(data, "net_amount")
	return v
}

func taxComponent(name string) func(map[string]any) decimal.Decimal {
	return func(data map[string]any) decimal.Decimal {
		v, _ := decimalField(data, "tax_breakdown."+name)
		return v
	}
}

// TemplateEngine turns a journal template and an event into journal lines.
type TemplateEngine struct {
	templates TemplateStore
	settings  Settings
	log       *logger.Logger
}

// NewTemplateEngine creates a new TemplateEngine.
func NewTemplateEngine(templates TemplateStore, settings Settings, log *logger.Logger) *TemplateEngine {
	return &TemplateEngine{
		templates: templates,
		settings:  settings,
		log:       log,
	}
}

// ── Generation ────────────────────────────────────────────────────────────────

// Generate builds the journal for one event. It always returns a journal;
// problems are reported in ValidationErrors and the caller decides whether to post.
func (e *TemplateEngine) Generate(tpl *repository.JournalTemplate, evt event.TransactionEvent) *GeneratedJournal {
	data := evt.Data()
	meta := evt.Metadata()

	j := &GeneratedJournal{
		Lines:    []JournalLine{},
		Currency: e.currency(data),
	}

	rules := tpl.AccountMappingRules
	if !hasBothSides(rules) {
		j.addError("Invalid template configuration: template must define both debit and credit account rules")
		j.totals()
		return j
	}

	for _, r := range rules.Debit {
		e.appendLine(j, tpl, r, repository.EntryDebit, evt, data, meta)
	}
	for _, r := range rules.Credit {
		e.appendLine(j, tpl, r, repository.EntryCredit, evt, data, meta)
	}
	for _, r := range rules.IFRSAdjustments {
		entry, ok := ifrsEntryType(r)
		if !ok {
			j.addError(fmt.Sprintf("IFRS adjustment for account %s has invalid entry type %q", r.Account, r.EntryType))
			continue
		}
		e.appendLine(j, tpl, r, entry, evt, data, meta)
	}

	j.totals()

	if len(j.Lines) == 0 {
		j.addError("No journal lines generated")
	}
	if !j.Balanced(e.settings.BalanceEpsilon) {
		j.addError(fmt.Sprintf("Journal entries not balanced: Debit %s, Credit %s",
			j.TotalDebit.StringFixed(2), j.TotalCredit.StringFixed(2)))
	}

	e.applyValidationRules(j, tpl.ValidationRules, data, meta)

	e.log.Debug().
		Str("template_code", tpl.TemplateCode).
		Int("line_count", len(j.Lines)).
		Str("total_debit", j.TotalDebit.String()).
		Str("total_credit", j.TotalCredit.String()).
		Int("validation_errors", len(j.ValidationErrors)).
		Msg("Journal generated")

	return j
}

func (e *TemplateEngine) appendLine(
	j *GeneratedJournal,
	tpl *repository.JournalTemplate,
	r repository.AccountRule,
	entry string,
	evt event.TransactionEvent,
	data, meta map[string]any,
) {
	if len(r.Conditions) > 0 {
		if ok, _ := condition.CheckAll(ruleConditions(r.Conditions), data, meta); !ok {
			return
		}
	}

	amount, err := ResolveAmount(r.Amount, data)
	if err != nil {
		j.Warnings = append(j.Warnings, fmt.Sprintf("Amount %q for account %s could not be resolved: %v", r.Amount, r.Account, err))
		return
	}
	amount = amount.Round(LedgerScale)
	if !amount.IsPositive() {
		return
	}

	account, err := ResolveAccount(r.Account, data, evt)
	if err != nil {
		j.addError(err.Error())
		return
	}

	line := JournalLine{
		AccountCode:  account,
		Description:  describe(tpl, r, data, meta),
		CurrencyCode: j.Currency,
		ExchangeRate: exchangeRate(data),
		EntryType:    entry,
	}
	if entry == repository.EntryDebit {
		line.DebitAmount = amount
	} else {
		line.CreditAmount = amount
	}
	if r.Dimension != "" {
		line.CostCenter = evt.StationID
		line.ProjectCode = stringValue(data["project_code"])
	}
	if r.Standard != "" {
		line.IFRSStandard = r.Standard
		if r.Description == "" {
			schedule := r.ScheduleType
			if schedule == "" {
				schedule = "Standard"
			}
			line.Description = fmt.Sprintf("IFRS %s Adjustment - %s", r.Standard, schedule)
		}
	}

	j.Lines = append(j.Lines, line)
}

func (e *TemplateEngine) applyValidationRules(j *GeneratedJournal, rules []repository.ValidationRule, data, meta map[string]any) {
	for _, vr := range rules {
		var value any
		switch vr.Field {
		case FieldTotalAmount:
			value = j.TotalAmount
		case FieldLineCount:
			value = len(j.Lines)
		case FieldDebitTotal:
			value = j.TotalDebit
		case FieldCreditTotal:
			value = j.TotalCredit
		default:
			value, _ = condition.Resolve(vr.Field, data, meta)
		}

		if ok, _ := condition.Evaluate(value, vr.Operator, vr.Value); ok {
			continue
		}
		msg := vr.Message
		if msg == "" {
			msg = fmt.Sprintf("Validation failed for field %s", vr.Field)
		}
		j.addError(msg)
	}
}

func (e *TemplateEngine) currency(data map[string]any) string {
	if c := stringValue(data["currency_code"]); c != "" {
		return c
	}
	return e.settings.DefaultCurrency
}

// ── Resolution helpers ────────────────────────────────────────────────────────

// ResolveAmount resolves an amount spec in order: direct field, arithmetic
// formula, named formula, numeric literal.
func ResolveAmount(spec repository.AmountSpec, data map[string]any) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(spec))
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	if v, ok := condition.Resolve(s, data, nil); ok {
		d, ok := condition.ToDecimal(v)
		if !ok {
			return decimal.Zero, fmt.Errorf("field %s is not numeric", s)
		}
		return d, nil
	}
	if formula.IsExpression(s) {
		return formula.Eval(s, formulaEnv(data))
	}
	if f, ok := namedFormulas[s]; ok {
		return f(data), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unknown field or formula %s", s)
	}
	return d, nil
}

// formulaEnv binds formula identifiers to data fields, then named formulas.
// Missing fields evaluate to zero.
func formulaEnv(data map[string]any) formula.Env {
	return func(name string) (decimal.Decimal, bool) {
		if v, ok := condition.Resolve(name, data, nil); ok {
			return condition.ToDecimal(v)
		}
		if f, ok := namedFormulas[name]; ok {
			return f(data), true
		}
		return decimal.Zero, true
	}
}

// ResolveAccount maps a literal or symbolic account to a ledger account code.
func ResolveAccount(spec string, data map[string]any, evt event.TransactionEvent) (string, error) {
	spec = strings.TrimSpace(spec)
	if accountCodePattern.MatchString(spec) {
		return spec, nil
	}
	if resolve, ok := symbolicAccounts[spec]; ok {
		return resolve(data, evt)
	}
	return "", fmt.Errorf("unresolved account code: %s", spec)
}

func isResolvableAccount(spec string) bool {
	spec = strings.TrimSpace(spec)
	_, symbolic := symbolicAccounts[spec]
	return symbolic || accountCodePattern.MatchString(spec)
}

func productAccount(table map[string]string, fallback string, data map[string]any) string {
	if code, ok := table[strings.ToUpper(stringValue(data["product_type"]))]; ok {
		return code
	}
	return fallback
}

func describe(tpl *repository.JournalTemplate, r repository.AccountRule, data, meta map[string]any) string {
	desc := r.Description
	if desc == "" && tpl.Description != nil {
		desc = *tpl.Description
	}
	if desc == "" {
		desc = tpl.Name
	}
	return placeholderPattern.ReplaceAllStringFunc(desc, func(m string) string {
		v, ok := condition.Resolve(m[1:len(m)-1], data, meta)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

func exchangeRate(data map[string]any) decimal.Decimal {
	if r, ok := decimalField(data, "exchange_rate"); ok && r.IsPositive() {
		return r
	}
	return decimal.NewFromInt(1)
}

// ruleConditions converts an account rule's conditions map, where each value
// is either the expected value or {operator, value}. Keys are sorted so
// failures are reported deterministically.
func ruleConditions(m map[string]any) []condition.Predicate {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	preds := make([]condition.Predicate, 0, len(keys))
	for _, k := range keys {
		p := condition.Predicate{Field: k, Operator: condition.OpEquals, Value: m[k]}
		if spec, ok := m[k].(map[string]any); ok {
			if op, ok := spec["operator"].(string); ok {
				p.Operator = condition.Operator(op)
				p.Value = spec["value"]
			}
		}
		preds = append(preds, p)
	}
	return preds
}

func hasBothSides(rules repository.AccountMappingRules) bool {
	debit, credit := len(rules.Debit), len(rules.Credit)
	for _, r := range rules.IFRSAdjustments {
		switch entry, _ := ifrsEntryType(r); entry {
		case repository.EntryDebit:
			debit++
		case repository.EntryCredit:
			credit++
		}
	}
	return debit > 0 && credit > 0
}

func ifrsEntryType(r repository.AccountRule) (string, bool) {
	switch strings.ToUpper(r.EntryType) {
	case repository.EntryDebit:
		return repository.EntryDebit, true
	case repository.EntryCredit:
		return repository.EntryCredit, true
	}
	return "", false
}

func decimalField(data map[string]any, field string) (decimal.Decimal, bool) {
	v, ok := condition.Resolve(field, data, nil)
	if !ok || v == nil {
		return decimal.Zero, false
	}
	return condition.ToDecimal(v)
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// ── Administration ────────────────────────────────────────────────────────────

// ValidateTemplate rejects templates that could never generate a journal.
func (e *TemplateEngine) ValidateTemplate(tpl *repository.JournalTemplate) error {
	if strings.TrimSpace(tpl.TemplateCode) == "" {
		return errors.InvalidInput("template_code", "template code is required")
	}
	if strings.TrimSpace(tpl.Name) == "" {
		return errors.InvalidInput("name", "template name is required")
	}
	if strings.TrimSpace(tpl.TransactionType) == "" {
		return errors.InvalidInput("transaction_type", "transaction type is required")
	}
	if !hasBothSides(tpl.AccountMappingRules) {
		return errors.InvalidInput("account_mapping_rules", "template must define both debit and credit account rules")
	}

	all := append(append(append([]repository.AccountRule{},
		tpl.AccountMappingRules.Debit...),
		tpl.AccountMappingRules.Credit...),
		tpl.AccountMappingRules.IFRSAdjustments...)
	for _, r := range all {
		if !isResolvableAccount(r.Account) {
			return errors.InvalidInput("account_mapping_rules", fmt.Sprintf("unresolvable account %q", r.Account))
		}
		amount := strings.TrimSpace(string(r.Amount))
		if amount == "" {
			return errors.InvalidInput("account_mapping_rules", fmt.Sprintf("account %s has no amount", r.Account))
		}
		if formula.IsExpression(amount) {
			if _, err := formula.Parse(amount); err != nil {
				return errors.InvalidInput("account_mapping_rules", fmt.Sprintf("account %s: %v", r.Account, err))
			}
		}
		for _, p := range ruleConditions(r.Conditions) {
			if !p.Operator.Valid() {
				return errors.InvalidInput("account_mapping_rules", fmt.Sprintf("unknown operator %q", p.Operator))
			}
		}
	}
	for _, r := range tpl.AccountMappingRules.IFRSAdjustments {
		if _, ok := ifrsEntryType(r); !ok {
			return errors.InvalidInput("ifrs_adjustments", fmt.Sprintf("invalid entry type %q", r.EntryType))
		}
	}

	for _, vr := range tpl.ValidationRules {
		if vr.Field == "" {
			return errors.InvalidInput("validation_rules", "validation rule field is required")
		}
		if !vr.Operator.Valid() {
			return errors.InvalidInput("validation_rules", fmt.Sprintf("unknown operator %q", vr.Operator))
		}
	}
	if tpl.ApprovalThreshold.Valid && tpl.ApprovalThreshold.Decimal.IsNegative() {
		return errors.InvalidInput("approval_threshold", "approval threshold cannot be negative")
	}
	return nil
}

// CreateTemplate validates and stores a new template.
func (e *TemplateEngine) CreateTemplate(ctx context.Context, tpl *repository.JournalTemplate) (*repository.JournalTemplate, error) {
	if err := e.ValidateTemplate(tpl); err != nil {
		return nil, err
	}
	if err := e.templates.Create(ctx, tpl); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("template_id", tpl.ID).
		Str("template_code", tpl.TemplateCode).
		Msg("Journal template created")

	return tpl, nil
}

// UpdateTemplate validates and overwrites a template.
func (e *TemplateEngine) UpdateTemplate(ctx context.Context, tpl *repository.JournalTemplate) (*repository.JournalTemplate, error) {
	if _, err := e.templates.GetByID(ctx, tpl.ID); err != nil {
		return nil, err
	}
	if err := e.ValidateTemplate(tpl); err != nil {
		return nil, err
	}
	if err := e.templates.Update(ctx, tpl); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("template_id", tpl.ID).
		Str("template_code", tpl.TemplateCode).
		Msg("Journal template updated")

	return tpl, nil
}

// GetTemplate retrieves a template by ID.
func (e *TemplateEngine) GetTemplate(ctx context.Context, id string) (*repository.JournalTemplate, error) {
	return e.templates.GetByID(ctx, id)
}

// GetTemplateByCode retrieves a template by its code.
func (e *TemplateEngine) GetTemplateByCode(ctx context.Context, code string) (*repository.JournalTemplate, error) {
	return e.templates.GetByCode(ctx, code)
}

// ListTemplates lists templates, optionally only active ones.
func (e *TemplateEngine) ListTemplates(ctx context.Context, activeOnly bool) ([]*repository.JournalTemplate, error) {
	return e.templates.List(ctx, activeOnly)
}
