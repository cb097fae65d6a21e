package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

// RuleStore persists posting rules.
type RuleStore interface {
	Create(ctx context.Context, rule *repository.PostingRule) error
	Update(ctx context.Context, rule *repository.PostingRule) error
	GetByID(ctx context.Context, id string) (*repository.PostingRule, error)
	List(ctx context.Context, filter repository.RuleFilter) ([]*repository.PostingRule, error)
	// ListCandidates returns active rules with an active template whose trigger
	// is one of triggers, with Template populated.
	ListCandidates(ctx context.Context, triggers []string) ([]*repository.PostingRule, error)
	Deactivate(ctx context.Context, id string) error
	UpdatePriorities(ctx context.Context, priorities map[string]int) error
}

// TemplateStore persists journal templates.
type TemplateStore interface {
	Create(ctx context.Context, t *repository.JournalTemplate) error
	Update(ctx context.Context, t *repository.JournalTemplate) error
	GetByID(ctx context.Context, id string) (*repository.JournalTemplate, error)
	GetByCode(ctx context.Context, code string) (*repository.JournalTemplate, error)
	List(ctx context.Context, activeOnly bool) ([]*repository.JournalTemplate, error)
}

// ToleranceStore persists tolerances and their running statistics.
type ToleranceStore interface {
	Create(ctx context.Context, t *repository.Tolerance) error
	Update(ctx context.Context, t *repository.Tolerance) error
	GetByID(ctx context.Context, id string) (*repository.Tolerance, error)
	ListActive(ctx context.Context) ([]*repository.Tolerance, error)
	FindApplicable(ctx context.Context, q repository.ToleranceScopeQuery) ([]*repository.Tolerance, error)
	// RecordViolation must increment atomically.
	RecordViolation(ctx context.Context, id string, variance decimal.Decimal, at time.Time) error
}

// WorkflowStore persists approval workflows. InWorkflowTx runs fn with the
// workflow row locked; every state transition goes through it.
type WorkflowStore interface {
	Create(ctx context.Context, wf *repository.ApprovalWorkflow, approvals []*repository.WorkflowApproval) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalWorkflow, error)
	FindPendingBySource(ctx context.Context, workflowType, sourceType, sourceID string) (*repository.ApprovalWorkflow, error)
	GetApproval(ctx context.Context, id string) (*repository.WorkflowApproval, error)
	ListApprovals(ctx context.Context, workflowID string) ([]*repository.WorkflowApproval, error)
	InWorkflowTx(ctx context.Context, workflowID string, fn func(tx repository.WorkflowTx) error) error
	ListExpiredApprovals(ctx context.Context, now time.Time) ([]*repository.WorkflowApproval, error)
	ListPendingForUser(ctx context.Context, user string, roles []string, limit int) ([]repository.PendingApprovalView, error)
	CountByStatus(ctx context.Context, from, to *time.Time) ([]repository.WorkflowStatusCount, error)
	AverageCompletionHours(ctx context.Context, from, to *time.Time) (float64, error)
}

// JournalStore is the ledger. Commit writes header and lines atomically and
// returns ALREADY_EXISTS when the source document was already posted.
type JournalStore interface {
	Commit(ctx context.Context, entry *repository.JournalEntry, templateCode string) error
	GetByID(ctx context.Context, id string) (*repository.JournalEntry, error)
	FindPostedBySource(ctx context.Context, sourceType, sourceID string) (*repository.JournalEntry, error)
}

// AuditStore persists automation audit logs.
type AuditStore interface {
	Create(ctx context.Context, log *repository.AuditLog) error
	Update(ctx context.Context, log *repository.AuditLog) error
	GetByID(ctx context.Context, id string) (*repository.AuditLog, error)
	List(ctx context.Context, filter repository.AuditFilter) ([]*repository.AuditLog, int, error)
	ListFailed(ctx context.Context, since, before time.Time, limit int) ([]*repository.AuditLog, error)
	CountByStatus(ctx context.Context, from, to *time.Time) ([]repository.AuditStatusCount, error)
	AverageProcessingTime(ctx context.Context, from, to *time.Time) (float64, error)
	TopErrors(ctx context.Context, from, to *time.Time, limit int) ([]repository.AuditErrorCount, error)
}

// ApproverResolver looks up approvers in the identity service.
type ApproverResolver interface {
	// ResolveApproversForRole returns user IDs holding role.
	ResolveApproversForRole(ctx context.Context, role string) ([]string, error)
	// UserRoles returns the roles held by a user.
	UserRoles(ctx context.Context, userID string) ([]string, error)
}

// IFRSProcessor runs standard-specific adjustments after a journal is posted.
type IFRSProcessor interface {
	ProcessAdjustments(ctx context.Context, template *repository.JournalTemplate, entry *repository.JournalEntry, data map[string]any) error
}

// Notifier publishes domain notifications. Failures are never fatal to the caller.
type Notifier interface {
	Publish(ctx context.Context, subject string, payload map[string]any) error
}

// Locker serializes work on one key across replicas.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Notification subjects, relative to the configured prefix.
const (
	SubjectJournalPosted     = "journal.posted"
	SubjectWorkflowInitiated = "workflow.initiated"
	SubjectApprovalDecision  = "approval.decision"
	SubjectWorkflowCompleted = "workflow.completed"
	SubjectWorkflowTimeout   = "workflow.timeout"
	SubjectApprovalDelegated = "approval.delegated"
	SubjectApprovalEscalated = "approval.escalated"
)

type nopResolver struct{}

func (nopResolver) ResolveApproversForRole(context.Context, string) ([]string, error) { return nil, nil }
func (nopResolver) UserRoles(context.Context, string) ([]string, error)               { return nil, nil }

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, string, map[string]any) error { return nil }

type nopIFRS struct{}

func (nopIFRS) ProcessAdjustments(context.Context, *repository.JournalTemplate, *repository.JournalEntry, map[string]any) error {
	return nil
}

type directLocker struct{}

func (directLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
