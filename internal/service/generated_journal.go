package service

import (
	"github.com/shopspring/decimal"
)

// JournalLine is one generated, not yet committed, journal line.
type JournalLine struct {
	AccountCode  string          `json:"account_code"`
	Description  string          `json:"description"`
	DebitAmount  decimal.Decimal `json:"debit_amount"`
	CreditAmount decimal.Decimal `json:"credit_amount"`
	CurrencyCode string          `json:"currency_code"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	CostCenter   string          `json:"cost_center_code,omitempty"`
	ProjectCode  string          `json:"project_code,omitempty"`
	EntryType    string          `json:"entry_type"`
	IFRSStandard string          `json:"ifrs_standard,omitempty"`
}

// Amount is the non-zero side of the line.
func (l JournalLine) Amount() decimal.Decimal {
	return l.DebitAmount.Add(l.CreditAmount)
}

// GeneratedJournal is the output of template generation. It is a plain value
// passed between the template engine, tolerance checker, workflow and ledger.
type GeneratedJournal struct {
	Lines            []JournalLine   `json:"lines"`
	TotalDebit       decimal.Decimal `json:"total_debit"`
	TotalCredit      decimal.Decimal `json:"total_credit"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Currency         string          `json:"currency"`
	ValidationErrors []string        `json:"validation_errors,omitempty"`
	Warnings         []string        `json:"warnings,omitempty"`
}

// Valid reports whether the journal carries no validation errors.
func (g *GeneratedJournal) Valid() bool {
	return len(g.ValidationErrors) == 0
}

// Balanced reports whether debits equal credits within epsilon.
func (g *GeneratedJournal) Balanced(epsilon decimal.Decimal) bool {
	return g.TotalDebit.Sub(g.TotalCredit).Abs().LessThanOrEqual(epsilon)
}

// AccountCodes returns the distinct account codes in line order.
func (g *GeneratedJournal) AccountCodes() []string {
	seen := make(map[string]bool, len(g.Lines))
	var out []string
	for _, l := range g.Lines {
		if !seen[l.AccountCode] {
			seen[l.AccountCode] = true
			out = append(out, l.AccountCode)
		}
	}
	return out
}

func (g *GeneratedJournal) addError(msg string) {
	g.ValidationErrors = append(g.ValidationErrors, msg)
}

// LedgerScale is the number of decimal places the ledger stores for amounts.
const LedgerScale int32 = 4

func (g *GeneratedJournal) totals() {
	g.TotalDebit, g.TotalCredit = decimal.Zero, decimal.Zero
	for _, l := range g.Lines {
		g.TotalDebit = g.TotalDebit.Add(l.DebitAmount)
		g.TotalCredit = g.TotalCredit.Add(l.CreditAmount)
	}
	g.TotalAmount = decimal.Max(g.TotalDebit, g.TotalCredit)
}
