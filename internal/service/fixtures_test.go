package service

import (
	"time"

	"github.com/pesio-ai/be-gl-autoposting/internal/condition"
	"github.com/pesio-ai/be-gl-autoposting/internal/event"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func fuelTemplate() *repository.JournalTemplate {
	return &repository.JournalTemplate{
		ID:              "tpl-fuel",
		TemplateCode:    "FUEL_SALE",
		Name:            "Fuel sale",
		TransactionType: "FUEL_SALE",
		AccountMappingRules: repository.AccountMappingRules{
			Debit: []repository.AccountRule{
				{Account: "product_cost", Amount: "fuel_cost", Description: "Cost of {product_type} sold"},
			},
			Credit: []repository.AccountRule{
				{Account: "product_revenue", Amount: "total", Description: "Sale {transaction_number}"},
			},
		},
		IsActive: true,
	}
}

func fuelRule() *repository.PostingRule {
	return &repository.PostingRule{
		ID:           "rule-petrol",
		RuleName:     "Petrol sales",
		TriggerEvent: "FUEL_SALE",
		TemplateID:   "tpl-fuel",
		Conditions: []condition.Predicate{
			{Field: "product_type", Operator: condition.OpEquals, Value: "PETROL"},
		},
		Priority: 10,
		IsActive: true,
	}
}

func fuelEvent(docID string) event.TransactionEvent {
	return event.TransactionEvent{
		EventType:          "fuel.sale.completed",
		TransactionType:    "FUEL_SALE",
		SourceDocumentType: "FUEL_TRANSACTION",
		SourceDocumentID:   docID,
		StationID:          "ST01",
		Timestamp:          testNow,
		TransactionData: map[string]any{
			"transaction_number": "TX-" + docID,
			"total_amount":       500.0,
			"quantity_liters":    50.0,
			"unit_cost":          10.0,
			"product_type":       "PETROL",
		},
	}
}

func newTestTemplateEngine(templates ...*repository.JournalTemplate) *TemplateEngine {
	return NewTemplateEngine(newFakeTemplateStore(templates...), DefaultSettings(), logger.Nop())
}
