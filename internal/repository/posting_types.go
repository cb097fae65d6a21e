package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-autoposting/internal/condition"
)

// ── Posting configuration ────────────────────────────────────────────────────

// PostingRule maps a trigger event to a journal template.
type PostingRule struct {
	ID                    string                `json:"id"`
	RuleName              string                `json:"rule_name"`
	Description           *string               `json:"description,omitempty"`
	TriggerEvent          string                `json:"trigger_event"` // event type or transaction type
	TemplateID            string                `json:"template_id"`
	Conditions            []condition.Predicate `json:"conditions,omitempty"`
	Priority              int                   `json:"priority"` // lower = evaluated first
	IsActive              bool                  `json:"is_active"`
	BulkProcessingEnabled bool                  `json:"bulk_processing_enabled"`
	CreatedBy             string                `json:"created_by"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`

	// Template is populated by candidate lookups that join the template row.
	Template *JournalTemplate `json:"template,omitempty"`
}

// RuleFilter narrows rule listings. Zero values are ignored.
type RuleFilter struct {
	TriggerEvent string
	TemplateID   string
	IsActive     *bool
}

// AmountSpec is an account rule amount: a literal, a field name, an arithmetic
// formula or a named formula. JSON numbers decode to their literal text.
type AmountSpec string

func (a *AmountSpec) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = AmountSpec(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("amount must be a string or number: %w", err)
	}
	*a = AmountSpec(n.String())
	return nil
}

const (
	EntryDebit  = "DEBIT"
	EntryCredit = "CREDIT"
)

// AccountRule produces at most one journal line.
type AccountRule struct {
	Account     string         `json:"account"`
	Amount      AmountSpec     `json:"amount"`
	Description string         `json:"description,omitempty"`
	Dimension   string         `json:"dimension,omitempty"`
	Conditions  map[string]any `json:"conditions,omitempty"`

	// IFRS adjustment rules only.
	EntryType    string `json:"entry_type,omitempty"`
	Standard     string `json:"standard,omitempty"`
	ScheduleType string `json:"schedule_type,omitempty"`
}

// AccountMappingRules is the journal_templates.account_mapping_rules document.
type AccountMappingRules struct {
	Debit           []AccountRule `json:"debit,omitempty"`
	Credit          []AccountRule `json:"credit,omitempty"`
	IFRSAdjustments []AccountRule `json:"ifrs_adjustments,omitempty"`
}

// ValidationRule is checked against transaction data and generated totals.
type ValidationRule struct {
	Field    string             `json:"field"`
	Operator condition.Operator `json:"operator"`
	Value    any                `json:"value"`
	Message  string             `json:"message,omitempty"`
}

// JournalTemplate turns transaction data into journal lines.
type JournalTemplate struct {
	ID                       string              `json:"id"`
	TemplateCode             string              `json:"template_code"`
	Name                     string              `json:"name"`
	Description              *string             `json:"description,omitempty"`
	TransactionType          string              `json:"transaction_type"`
	AccountMappingRules      AccountMappingRules `json:"account_mapping_rules"`
	ValidationRules          []ValidationRule    `json:"validation_rules,omitempty"`
	ApprovalRequired         bool                `json:"approval_required"`
	ApprovalThreshold        decimal.NullDecimal `json:"approval_threshold,omitempty"`
	IFRS15RevenueRecognition bool                `json:"ifrs15_revenue_recognition"`
	IFRS9ExpectedCreditLoss  bool                `json:"ifrs9_expected_credit_loss"`
	IFRS16LeaseAccounting    bool                `json:"ifrs16_lease_accounting"`
	IAS2InventoryValuation   bool                `json:"ias2_inventory_valuation"`
	IsActive                 bool                `json:"is_active"`
	CreatedBy                string              `json:"created_by"`
	CreatedAt                time.Time           `json:"created_at"`
	UpdatedAt                time.Time           `json:"updated_at"`
}

// IFRSStandards lists the standards the template flags for post-processing.
func (t *JournalTemplate) IFRSStandards() []string {
	var out []string
	if t.IFRS15RevenueRecognition {
		out = append(out, "IFRS15")
	}
	if t.IFRS9ExpectedCreditLoss {
		out = append(out, "IFRS9")
	}
	if t.IFRS16LeaseAccounting {
		out = append(out, "IFRS16")
	}
	if t.IAS2InventoryValuation {
		out = append(out, "IAS2")
	}
	return out
}

// ── Tolerances ───────────────────────────────────────────────────────────────

const (
	ToleranceTypePercentage  = "PERCENTAGE"
	ToleranceTypeAbsolute    = "ABSOLUTE"
	ToleranceTypeConditional = "CONDITIONAL"

	ScopeGlobal          = "GLOBAL"
	ScopeTransactionType = "TRANSACTION_TYPE"
	ScopeAccount         = "ACCOUNT"
	ScopeStation         = "STATION"
	ScopeProduct         = "PRODUCT"

	ActionWarning = "WARNING"
	ActionBlock   = "BLOCK"
	ActionApprove = "APPROVE"
)

// ToleranceEscalation maps a variance percentage threshold to a severity.
// An empty Severity is derived from the threshold with the default ladder.
type ToleranceEscalation struct {
	ThresholdPercentage float64 `json:"threshold_percentage"`
	Severity            string  `json:"severity,omitempty"`
}

// ToleranceCondition either gates whether the tolerance applies (Field set) or,
// for CONDITIONAL tolerances, defines a band on the checked value (Field empty).
type ToleranceCondition struct {
	Field          string             `json:"field,omitempty"`
	Operator       condition.Operator `json:"operator"`
	Value          any                `json:"value"`
	ToleranceValue *float64           `json:"tolerance_value,omitempty"`
}

// Tolerance is a configured variance threshold.
type Tolerance struct {
	ID                  string                `json:"id"`
	ToleranceName       string                `json:"tolerance_name"`
	ToleranceType       string                `json:"tolerance_type"`
	Scope               string                `json:"scope"`
	ScopeValue          *string               `json:"scope_value,omitempty"`
	ToleranceValue      decimal.Decimal       `json:"tolerance_value"`
	MinimumAmount       decimal.NullDecimal   `json:"minimum_amount,omitempty"`
	MaximumAmount       decimal.NullDecimal   `json:"maximum_amount,omitempty"`
	ViolationAction     string                `json:"violation_action"`
	EscalationMatrix    []ToleranceEscalation `json:"escalation_matrix,omitempty"`
	Conditions          []ToleranceCondition  `json:"conditions,omitempty"`
	IsActive            bool                  `json:"is_active"`
	ViolationCount      int                   `json:"violation_count"`
	LastViolationDate   *time.Time            `json:"last_violation_date,omitempty"`
	TotalVarianceAmount decimal.Decimal       `json:"total_variance_amount"`
	CreatedBy           string                `json:"created_by"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// ToleranceScopeQuery selects the tolerances that may apply to one journal.
type ToleranceScopeQuery struct {
	TransactionType string
	AccountCodes    []string
	StationID       string
	ProductType     string
}

// ── Approval workflows ───────────────────────────────────────────────────────

const (
	WorkflowPending   = "PENDING"
	WorkflowApproved  = "APPROVED"
	WorkflowRejected  = "REJECTED"
	WorkflowTimeout   = "TIMEOUT"
	WorkflowEscalated = "ESCALATED"
	WorkflowCancelled = "CANCELLED"

	ApprovalPending   = "PENDING"
	ApprovalCompleted = "COMPLETED"
	ApprovalExpired   = "EXPIRED"

	ActionApproved  = "APPROVED"
	ActionRejected  = "REJECTED"
	ActionReturned  = "RETURNED"
	ActionDelegated = "DELEGATED"
	ActionEscalated = "ESCALATED"

	// RoleClaimUser marks an approval any holder of its role may claim.
	RoleClaimUser = "SYSTEM"
)

// ApprovalStep is one entry in a workflow's approval_steps document.
type ApprovalStep struct {
	StepNumber        int      `json:"step_number"`
	ApproverRole      string   `json:"approver_role"`
	ApproverUsers     []string `json:"approver_users,omitempty"`
	RequiredApprovals int      `json:"required_approvals"`
	TimeoutHours      int      `json:"timeout_hours"`
	EscalationRole    string   `json:"escalation_role,omitempty"`
}

// WorkflowEscalation is one level of a workflow's escalation matrix.
type WorkflowEscalation struct {
	Level           int      `json:"level"`
	EscalateToRole  string   `json:"escalate_to_role"`
	EscalateToUsers []string `json:"escalate_to_users,omitempty"`
	TimeoutHours    int      `json:"timeout_hours"`
}

// ApprovalWorkflow gates a posting behind multi-step sign-off.
type ApprovalWorkflow struct {
	ID                   string               `json:"id"`
	WorkflowType         string               `json:"workflow_type"`
	WorkflowName         string               `json:"workflow_name"`
	Description          *string              `json:"description,omitempty"`
	SourceDocumentType   *string              `json:"source_document_type,omitempty"`
	SourceDocumentID     *string              `json:"source_document_id,omitempty"`
	ReferenceID          *string              `json:"reference_id,omitempty"`
	Amount               decimal.NullDecimal  `json:"amount,omitempty"`
	Status               string               `json:"status"`
	ApprovalSteps        []ApprovalStep       `json:"approval_steps,omitempty"`
	EscalationMatrix     []WorkflowEscalation `json:"escalation_matrix,omitempty"`
	EnableAutoEscalation bool                 `json:"enable_auto_escalation"`
	CurrentStep          int                  `json:"current_step"`
	BusinessContext      map[string]any       `json:"business_context,omitempty"`
	ApprovalData         json.RawMessage      `json:"approval_data,omitempty"`
	InitiatedBy          string               `json:"initiated_by"`
	InitiatedAt          time.Time            `json:"initiated_at"`
	ExpiresAt            time.Time            `json:"expires_at"`
	SLAHours             int                  `json:"sla_hours"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
	CompletionReason     *string              `json:"completion_reason,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// Step returns the configured step with the given number.
func (w *ApprovalWorkflow) Step(n int) (ApprovalStep, bool) {
	for _, s := range w.ApprovalSteps {
		if s.StepNumber == n {
			return s, true
		}
	}
	return ApprovalStep{}, false
}

// WorkflowApproval is one approver's decision slot at one step.
type WorkflowApproval struct {
	ID                string     `json:"id"`
	WorkflowID        string     `json:"workflow_id"`
	StepNumber        int        `json:"step_number"`
	ApproverRole      string     `json:"approver_role"`
	ApproverUser      string     `json:"approver_user"`
	Status            string     `json:"status"`
	Action            *string    `json:"action,omitempty"`
	Comments          *string    `json:"comments,omitempty"`
	AssignedAt        time.Time  `json:"assigned_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	RespondedAt       *time.Time `json:"responded_at,omitempty"`
	ResponseTimeHours *int       `json:"response_time_hours,omitempty"`
	DelegatedBy       *string    `json:"delegated_by,omitempty"`
	DelegatedTo       *string    `json:"delegated_to,omitempty"`
	DelegatedAt       *time.Time `json:"delegated_at,omitempty"`
	DelegationReason  *string    `json:"delegation_reason,omitempty"`
	IsEscalated       bool       `json:"is_escalated"`
	EscalationLevel   int        `json:"escalation_level"`
	EscalatedFrom     *string    `json:"escalated_from,omitempty"`
	EscalatedAt       *time.Time `json:"escalated_at,omitempty"`
	EscalationReason  *string    `json:"escalation_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// PendingApprovalView is a pending approval joined with its workflow.
type PendingApprovalView struct {
	Approval *WorkflowApproval
	Workflow *ApprovalWorkflow
}

// WorkflowStatusCount is one row of workflow metrics.
type WorkflowStatusCount struct {
	Status string
	Count  int
}

// ── Ledger ───────────────────────────────────────────────────────────────────

const JournalStatusPosted = "POSTED"

// JournalEntry is a committed journal header with its lines.
type JournalEntry struct {
	ID                 string              `json:"id"`
	JournalNumber      string              `json:"journal_number"`
	JournalDate        time.Time           `json:"journal_date"`
	PostingDate        time.Time           `json:"posting_date"`
	JournalType        string              `json:"journal_type"`
	SourceModule       string              `json:"source_module"`
	SourceDocumentType string              `json:"source_document_type"`
	SourceDocumentID   string              `json:"source_document_id"`
	Description        *string             `json:"description,omitempty"`
	Currency           string              `json:"currency"`
	TotalDebit         decimal.Decimal     `json:"total_debit"`
	TotalCredit        decimal.Decimal     `json:"total_credit"`
	Status             string              `json:"status"`
	TemplateID         *string             `json:"template_id,omitempty"`
	RuleID             *string             `json:"rule_id,omitempty"`
	WorkflowID         *string             `json:"workflow_id,omitempty"`
	PostedAt           time.Time           `json:"posted_at"`
	PostedBy           string              `json:"posted_by"`
	CreatedAt          time.Time           `json:"created_at"`
	Lines              []*JournalEntryLine `json:"lines,omitempty"`
}

// JournalEntryLine is one debit or credit line.
type JournalEntryLine struct {
	ID               string          `json:"id"`
	JournalEntryID   string          `json:"journal_entry_id"`
	LineNumber       int             `json:"line_number"`
	AccountCode      string          `json:"account_code"`
	Description      *string         `json:"description,omitempty"`
	DebitAmount      decimal.Decimal `json:"debit_amount"`
	CreditAmount     decimal.Decimal `json:"credit_amount"`
	CurrencyCode     string          `json:"currency_code"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
	BaseDebitAmount  decimal.Decimal `json:"base_debit_amount"`
	BaseCreditAmount decimal.Decimal `json:"base_credit_amount"`
	StationID        *string         `json:"station_id,omitempty"`
	CustomerID       *string         `json:"customer_id,omitempty"`
	CostCenterCode   *string         `json:"cost_center_code,omitempty"`
	ProjectCode      *string         `json:"project_code,omitempty"`
	IFRSStandard     *string         `json:"ifrs_standard,omitempty"`
}

// ── Audit ────────────────────────────────────────────────────────────────────

// AuditRejected marks a record whose approval workflow ended without approval.
// Only FAILED records are picked up by automatic retry.
const (
	AuditPending  = "PENDING"
	AuditSuccess  = "SUCCESS"
	AuditFailed   = "FAILED"
	AuditSkipped  = "SKIPPED"
	AuditRejected = "REJECTED"
)

// AuditLog records one processed event.
type AuditLog struct {
	ID                 string              `json:"id"`
	EventType          string              `json:"event_type"` // TRANSACTION_PROCESSING | RETRY
	Status             string              `json:"status"`
	EventName          *string             `json:"event_name,omitempty"`
	TransactionType    *string             `json:"transaction_type,omitempty"`
	SourceDocumentType *string             `json:"source_document_type,omitempty"`
	SourceDocumentID   *string             `json:"source_document_id,omitempty"`
	RuleID             *string             `json:"rule_id,omitempty"`
	TemplateID         *string             `json:"template_id,omitempty"`
	JournalEntryID     *string             `json:"journal_entry_id,omitempty"`
	WorkflowID         *string             `json:"workflow_id,omitempty"`
	RetryOf            *string             `json:"retry_of,omitempty"`
	SourceEvent        map[string]any      `json:"source_event,omitempty"`
	GeneratedEntries   json.RawMessage     `json:"generated_entries,omitempty"`
	ToleranceChecks    json.RawMessage     `json:"tolerance_checks,omitempty"`
	ValidationErrors   []string            `json:"validation_errors,omitempty"`
	TotalAmount        decimal.NullDecimal `json:"total_amount,omitempty"`
	ErrorMessage       *string             `json:"error_message,omitempty"`
	ErrorStack         *string             `json:"error_stack,omitempty"`
	ProcessingTimeMS   *int64              `json:"processing_time_ms,omitempty"`
	ProcessedBy        string              `json:"processed_by"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// AuditFilter narrows audit listings. Zero values are ignored.
type AuditFilter struct {
	Status             string
	TransactionType    string
	SourceDocumentType string
	SourceDocumentID   string
	RuleID             string
	From               *time.Time
	To                 *time.Time
	Limit              int
	Offset             int
}

// AuditStatusCount is one row of audit summary statistics.
type AuditStatusCount struct {
	Status string
	Count  int
}

// AuditErrorCount is one frequent error message.
type AuditErrorCount struct {
	Message string
	Count   int
}
