package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

// ── Rules and templates ──────────────────────────────────────────────────────

type fakeTemplateStore struct {
	mu    sync.Mutex
	byID  map[string]*repository.JournalTemplate
	order []string
}

func newFakeTemplateStore(templates ...*repository.JournalTemplate) *fakeTemplateStore {
	s := &fakeTemplateStore{byID: map[string]*repository.JournalTemplate{}}
	for _, t := range templates {
		_ = s.Create(context.Background(), t)
	}
	return s
}

func (s *fakeTemplateStore) Create(_ context.Context, t *repository.JournalTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.TemplateCode == t.TemplateCode && existing.ID != t.ID {
			return errors.New(errors.ErrCodeAlreadyExists, "template code exists")
		}
	}
	if _, ok := s.byID[t.ID]; !ok {
		s.order = append(s.order, t.ID)
	}
	s.byID[t.ID] = t
	return nil
}

func (s *fakeTemplateStore) Update(_ context.Context, t *repository.JournalTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.ID]; !ok {
		return errors.NotFound("journal_template", t.ID)
	}
	s.byID[t.ID] = t
	return nil
}

func (s *fakeTemplateStore) GetByID(_ context.Context, id string) (*repository.JournalTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, errors.NotFound("journal_template", id)
	}
	return t, nil
}

func (s *fakeTemplateStore) GetByCode(_ context.Context, code string) (*repository.JournalTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.byID {
		if t.TemplateCode == code {
			return t, nil
		}
	}
	return nil, errors.NotFound("journal_template", code)
}

func (s *fakeTemplateStore) List(_ context.Context, activeOnly bool) ([]*repository.JournalTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.JournalTemplate
	for _, id := range s.order {
		if t := s.byID[id]; !activeOnly || t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeRuleStore struct {
	mu        sync.Mutex
	byID      map[string]*repository.PostingRule
	templates *fakeTemplateStore
}

func newFakeRuleStore(templates *fakeTemplateStore, rules ...*repository.PostingRule) *fakeRuleStore {
	s := &fakeRuleStore{byID: map[string]*repository.PostingRule{}, templates: templates}
	for _, r := range rules {
		s.byID[r.ID] = r
	}
	return s
}

func (s *fakeRuleStore) Create(_ context.Context, r *repository.PostingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[r.ID] = r
	return nil
}

func (s *fakeRuleStore) Update(_ context.Context, r *repository.PostingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; !ok {
		return errors.NotFound("posting_rule", r.ID)
	}
	s.byID[r.ID] = r
	return nil
}

func (s *fakeRuleStore) GetByID(_ context.Context, id string) (*repository.PostingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, errors.NotFound("posting_rule", id)
	}
	return r, nil
}

func (s *fakeRuleStore) List(_ context.Context, f repository.RuleFilter) ([]*repository.PostingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.PostingRule
	for _, r := range s.byID {
		if f.TriggerEvent != "" && r.TriggerEvent != f.TriggerEvent {
			continue
		}
		if f.TemplateID != "" && r.TemplateID != f.TemplateID {
			continue
		}
		if f.IsActive != nil && r.IsActive != *f.IsActive {
			continue
		}
		out = append(out, r)
	}
	sortRules(out)
	return out, nil
}

func (s *fakeRuleStore) ListCandidates(ctx context.Context, triggers []string) ([]*repository.PostingRule, error) {
	s.mu.Lock()
	var out []*repository.PostingRule
	for _, r := range s.byID {
		if !r.IsActive {
			continue
		}
		for _, trig := range triggers {
			if r.TriggerEvent == trig {
				out = append(out, r)
				break
			}
		}
	}
	s.mu.Unlock()

	var active []*repository.PostingRule
	for _, r := range out {
		tpl, err := s.templates.GetByID(ctx, r.TemplateID)
		if err != nil || !tpl.IsActive {
			continue
		}
		clone := *r
		clone.Template = tpl
		active = append(active, &clone)
	}
	sortRules(active)
	return active, nil
}

func (s *fakeRuleStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return errors.NotFound("posting_rule", id)
	}
	r.IsActive = false
	return nil
}

func (s *fakeRuleStore) UpdatePriorities(_ context.Context, priorities map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range priorities {
		if _, ok := s.byID[id]; !ok {
			return errors.NotFound("posting_rule", id)
		}
	}
	for id, p := range priorities {
		s.byID[id].Priority = p
	}
	return nil
}

func sortRules(rules []*repository.PostingRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].RuleName < rules[j].RuleName
	})
}

// ── Tolerances ───────────────────────────────────────────────────────────────

type fakeToleranceStore struct {
	mu         sync.Mutex
	tolerances []*repository.Tolerance
	findErr    error
}

func (s *fakeToleranceStore) Create(_ context.Context, t *repository.Tolerance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tolerances = append(s.tolerances, t)
	return nil
}

func (s *fakeToleranceStore) Update(_ context.Context, t *repository.Tolerance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tolerances {
		if existing.ID == t.ID {
			s.tolerances[i] = t
			return nil
		}
	}
	return errors.NotFound("posting_tolerance", t.ID)
}

func (s *fakeToleranceStore) GetByID(_ context.Context, id string) (*repository.Tolerance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tolerances {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, errors.NotFound("posting_tolerance", id)
}

func (s *fakeToleranceStore) ListActive(context.Context) ([]*repository.Tolerance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Tolerance
	for _, t := range s.tolerances {
		if t.IsActive {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out, nil
}

// FindApplicable returns every active tolerance; scope filtering happens in the checker.
func (s *fakeToleranceStore) FindApplicable(ctx context.Context, _ repository.ToleranceScopeQuery) ([]*repository.Tolerance, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.ListActive(ctx)
}

func (s *fakeToleranceStore) RecordViolation(_ context.Context, id string, variance decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tolerances {
		if t.ID == id {
			t.ViolationCount++
			t.TotalVarianceAmount = t.TotalVarianceAmount.Add(variance)
			t.LastViolationDate = &at
			return nil
		}
	}
	return errors.NotFound("posting_tolerance", id)
}

// ── Workflows ────────────────────────────────────────────────────────────────

type fakeWorkflowStore struct {
	mu        sync.Mutex
	workflows map[string]*repository.ApprovalWorkflow
	approvals map[string]*repository.WorkflowApproval
	order     []string
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{
		workflows: map[string]*repository.ApprovalWorkflow{},
		approvals: map[string]*repository.WorkflowApproval{},
	}
}

func (s *fakeWorkflowStore) Create(_ context.Context, wf *repository.ApprovalWorkflow, approvals []*repository.WorkflowApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.WorkflowType == WorkflowTypeJournalEntry && wf.SourceDocumentID != nil && s.pendingFor(wf.WorkflowType, deref(wf.SourceDocumentType), deref(wf.SourceDocumentID)) != nil {
		return errors.New(errors.ErrCodeAlreadyExists, "source document already has a pending approval workflow")
	}
	s.workflows[wf.ID] = wf
	s.insert(approvals)
	return nil
}

func (s *fakeWorkflowStore) FindPendingBySource(_ context.Context, workflowType, sourceType, sourceID string) (*repository.ApprovalWorkflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf := s.pendingFor(workflowType, sourceType, sourceID)
	if wf == nil {
		return nil, nil
	}
	clone := *wf
	return &clone, nil
}

func (s *fakeWorkflowStore) pendingFor(workflowType, sourceType, sourceID string) *repository.ApprovalWorkflow {
	for _, wf := range s.workflows {
		if wf.WorkflowType == workflowType && wf.Status == repository.WorkflowPending &&
			deref(wf.SourceDocumentType) == sourceType && deref(wf.SourceDocumentID) == sourceID {
			return wf
		}
	}
	return nil
}

func (s *fakeWorkflowStore) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, wf := range s.workflows {
		if wf.Status == repository.WorkflowPending {
			n++
		}
	}
	return n
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (s *fakeWorkflowStore) insert(approvals []*repository.WorkflowApproval) {
	for _, a := range approvals {
		s.approvals[a.ID] = a
		s.order = append(s.order, a.ID)
	}
}

func (s *fakeWorkflowStore) GetByID(_ context.Context, id string) (*repository.ApprovalWorkflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, errors.NotFound("approval_workflow", id)
	}
	clone := *wf
	return &clone, nil
}

func (s *fakeWorkflowStore) GetApproval(_ context.Context, id string) (*repository.WorkflowApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, errors.NotFound("workflow_approval", id)
	}
	clone := *a
	return &clone, nil
}

func (s *fakeWorkflowStore) ListApprovals(_ context.Context, workflowID string) ([]*repository.WorkflowApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(a *repository.WorkflowApproval) bool { return a.WorkflowID == workflowID }), nil
}

func (s *fakeWorkflowStore) filter(keep func(a *repository.WorkflowApproval) bool) []*repository.WorkflowApproval {
	var out []*repository.WorkflowApproval
	for _, id := range s.order {
		if a := s.approvals[id]; keep(a) {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out
}

// InWorkflowTx holds the store mutex for the whole callback and discards
// every change when fn fails.
func (s *fakeWorkflowStore) InWorkflowTx(_ context.Context, workflowID string, fn func(tx repository.WorkflowTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return errors.NotFound("approval_workflow", workflowID)
	}
	working := *wf
	tx := &fakeWorkflowTx{store: s, wf: &working, updated: map[string]*repository.WorkflowApproval{}}
	if err := fn(tx); err != nil {
		return err
	}

	if tx.workflowDirty {
		s.workflows[workflowID] = tx.wf
	}
	for id, a := range tx.updated {
		s.approvals[id] = a
	}
	s.insert(tx.inserted)
	return nil
}

func (s *fakeWorkflowStore) ListExpiredApprovals(_ context.Context, now time.Time) ([]*repository.WorkflowApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(a *repository.WorkflowApproval) bool {
		return a.Status == repository.ApprovalPending && a.ExpiresAt.Before(now)
	}), nil
}

func (s *fakeWorkflowStore) ListPendingForUser(_ context.Context, user string, roles []string, limit int) ([]repository.PendingApprovalView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.PendingApprovalView
	for _, a := range s.filter(func(a *repository.WorkflowApproval) bool {
		return a.Status == repository.ApprovalPending && claimable(a, user, roles)
	}) {
		wf := *s.workflows[a.WorkflowID]
		if wf.Status != repository.WorkflowPending {
			continue
		}
		out = append(out, repository.PendingApprovalView{Approval: a, Workflow: &wf})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeWorkflowStore) CountByStatus(context.Context, *time.Time, *time.Time) ([]repository.WorkflowStatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, wf := range s.workflows {
		counts[wf.Status]++
	}
	var out []repository.WorkflowStatusCount
	for status, n := range counts {
		out = append(out, repository.WorkflowStatusCount{Status: status, Count: n})
	}
	return out, nil
}

func (s *fakeWorkflowStore) AverageCompletionHours(context.Context, *time.Time, *time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	var n int
	for _, wf := range s.workflows {
		if wf.CompletedAt != nil {
			total += wf.CompletedAt.Sub(wf.InitiatedAt).Hours()
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}

func claimable(a *repository.WorkflowApproval, user string, roles []string) bool {
	if a.ApproverUser == user {
		return true
	}
	if a.ApproverUser != repository.RoleClaimUser {
		return false
	}
	for _, r := range roles {
		if r == a.ApproverRole {
			return true
		}
	}
	return false
}

type fakeWorkflowTx struct {
	store         *fakeWorkflowStore
	wf            *repository.ApprovalWorkflow
	workflowDirty bool
	updated       map[string]*repository.WorkflowApproval
	inserted      []*repository.WorkflowApproval
}

func (t *fakeWorkflowTx) Workflow() *repository.ApprovalWorkflow { return t.wf }

// current returns this transaction's view of the workflow's approvals.
func (t *fakeWorkflowTx) current() []*repository.WorkflowApproval {
	var out []*repository.WorkflowApproval
	for _, id := range t.store.order {
		a := t.store.approvals[id]
		if a.WorkflowID != t.wf.ID {
			continue
		}
		if u, ok := t.updated[id]; ok {
			a = u
		}
		out = append(out, a)
	}
	return append(out, t.inserted...)
}

func (t *fakeWorkflowTx) Approval(_ context.Context, id string) (*repository.WorkflowApproval, error) {
	for _, a := range t.current() {
		if a.ID == id {
			clone := *a
			return &clone, nil
		}
	}
	return nil, errors.NotFound("workflow_approval", id)
}

func (t *fakeWorkflowTx) FindPendingApproval(_ context.Context, step int, user string, roles []string) (*repository.WorkflowApproval, error) {
	var claim *repository.WorkflowApproval
	for _, a := range t.current() {
		if a.StepNumber != step || a.Status != repository.ApprovalPending {
			continue
		}
		if a.ApproverUser == user {
			clone := *a
			return &clone, nil
		}
		if claim == nil && claimable(a, user, roles) {
			clone := *a
			claim = &clone
		}
	}
	return claim, nil
}

func (t *fakeWorkflowTx) HasDecided(_ context.Context, step int, user string) (bool, error) {
	for _, a := range t.current() {
		if a.StepNumber == step && a.ApproverUser == user && a.Status == repository.ApprovalCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeWorkflowTx) CountApproved(_ context.Context, step int) (int, error) {
	n := 0
	for _, a := range t.current() {
		if a.StepNumber == step && a.Status == repository.ApprovalCompleted && a.Action != nil && *a.Action == repository.ActionApproved {
			n++
		}
	}
	return n, nil
}

func (t *fakeWorkflowTx) PendingApprovals(context.Context) ([]*repository.WorkflowApproval, error) {
	var out []*repository.WorkflowApproval
	for _, a := range t.current() {
		if a.Status == repository.ApprovalPending {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (t *fakeWorkflowTx) InsertApprovals(_ context.Context, approvals []*repository.WorkflowApproval) error {
	t.inserted = append(t.inserted, approvals...)
	return nil
}

func (t *fakeWorkflowTx) UpdateApproval(_ context.Context, a *repository.WorkflowApproval) error {
	for i, ins := range t.inserted {
		if ins.ID == a.ID {
			t.inserted[i] = a
			return nil
		}
	}
	if _, ok := t.store.approvals[a.ID]; !ok {
		return errors.NotFound("workflow_approval", a.ID)
	}
	t.updated[a.ID] = a
	return nil
}

func (t *fakeWorkflowTx) UpdateWorkflow(context.Context) error {
	t.workflowDirty = true
	return nil
}

// ── Ledger and audit ─────────────────────────────────────────────────────────

type fakeJournalStore struct {
	mu        sync.Mutex
	entries   map[string]*repository.JournalEntry
	bySource  map[string]string
	sequences map[string]int64
	commitErr error
}

func newFakeJournalStore() *fakeJournalStore {
	return &fakeJournalStore{
		entries:   map[string]*repository.JournalEntry{},
		bySource:  map[string]string{},
		sequences: map[string]int64{},
	}
}

func (s *fakeJournalStore) Commit(_ context.Context, entry *repository.JournalEntry, templateCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	key := entry.SourceDocumentType + ":" + entry.SourceDocumentID
	if _, dup := s.bySource[key]; dup {
		return errors.New(errors.ErrCodeAlreadyExists, "journal already posted for "+key)
	}
	seqKey := templateCode + entry.JournalDate.Format("20060102")
	s.sequences[seqKey]++
	entry.JournalNumber = repository.FormatJournalNumber(templateCode, entry.JournalDate, s.sequences[seqKey])
	s.entries[entry.ID] = entry
	s.bySource[key] = entry.ID
	return nil
}

func (s *fakeJournalStore) GetByID(_ context.Context, id string) (*repository.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, errors.NotFound("journal_entry", id)
	}
	return e, nil
}

func (s *fakeJournalStore) FindPostedBySource(_ context.Context, sourceType, sourceID string) (*repository.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySource[sourceType+":"+sourceID]; ok {
		return s.entries[id], nil
	}
	return nil, nil
}

func (s *fakeJournalStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fakeAuditStore struct {
	mu    sync.Mutex
	logs  map[string]*repository.AuditLog
	order []string
}

func newFakeAuditStore() *fakeAuditStore {
	return &fakeAuditStore{logs: map[string]*repository.AuditLog{}}
}

func (s *fakeAuditStore) Create(_ context.Context, l *repository.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *l
	s.logs[l.ID] = &clone
	s.order = append(s.order, l.ID)
	return nil
}

func (s *fakeAuditStore) Update(_ context.Context, l *repository.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[l.ID]; !ok {
		return errors.NotFound("automation_audit_log", l.ID)
	}
	clone := *l
	s.logs[l.ID] = &clone
	return nil
}

func (s *fakeAuditStore) GetByID(_ context.Context, id string) (*repository.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, errors.NotFound("automation_audit_log", id)
	}
	clone := *l
	return &clone, nil
}

func (s *fakeAuditStore) List(_ context.Context, f repository.AuditFilter) ([]*repository.AuditLog, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AuditLog
	for _, id := range s.order {
		l := s.logs[id]
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.RuleID != "" && (l.RuleID == nil || *l.RuleID != f.RuleID) {
			continue
		}
		out = append(out, l)
	}
	return out, len(out), nil
}

func (s *fakeAuditStore) ListFailed(_ context.Context, since, before time.Time, limit int) ([]*repository.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	retried := map[string]bool{}
	for _, l := range s.logs {
		if l.RetryOf != nil {
			retried[*l.RetryOf] = true
		}
	}
	var out []*repository.AuditLog
	for _, id := range s.order {
		l := s.logs[id]
		if l.Status != repository.AuditFailed || retried[id] || l.CreatedAt.Before(since) || l.CreatedAt.After(before) {
			continue
		}
		out = append(out, l)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeAuditStore) CountByStatus(context.Context, *time.Time, *time.Time) ([]repository.AuditStatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, l := range s.logs {
		counts[l.Status]++
	}
	var out []repository.AuditStatusCount
	for status, n := range counts {
		out = append(out, repository.AuditStatusCount{Status: status, Count: n})
	}
	return out, nil
}

func (s *fakeAuditStore) AverageProcessingTime(context.Context, *time.Time, *time.Time) (float64, error) {
	return 0, nil
}

func (s *fakeAuditStore) TopErrors(context.Context, *time.Time, *time.Time, int) ([]repository.AuditErrorCount, error) {
	return nil, nil
}

func (s *fakeAuditStore) byStatus(status string) []*repository.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AuditLog
	for _, id := range s.order {
		if l := s.logs[id]; l.Status == status {
			out = append(out, l)
		}
	}
	return out
}

// ── Collaborators ────────────────────────────────────────────────────────────

type fakeResolver struct {
	byRole map[string][]string
	roles  map[string][]string
}

func (r fakeResolver) ResolveApproversForRole(_ context.Context, role string) ([]string, error) {
	return r.byRole[role], nil
}

func (r fakeResolver) UserRoles(_ context.Context, user string) ([]string, error) {
	return r.roles[user], nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *fakeNotifier) Publish(_ context.Context, subject string, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

func (n *fakeNotifier) published(subject string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.subjects {
		if s == subject {
			c++
		}
	}
	return c
}

type fakeIFRS struct {
	calls int
	err   error
}

func (f *fakeIFRS) ProcessAdjustments(context.Context, *repository.JournalTemplate, *repository.JournalEntry, map[string]any) error {
	f.calls++
	if f.err != nil {
		return fmt.Errorf("ifrs: %w", f.err)
	}
	return nil
}
