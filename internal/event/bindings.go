package event

func withCurrency(extra map[string]any) map[string]any {
	m := map[string]any{"currency_code": "GHS"}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

// FuelBindings covers station fuel sales.
func FuelBindings() []Binding {
	return []Binding{
		{
			EventName:          "fuel.transaction.completed",
			TransactionType:    "FUEL_SALE",
			SourceDocumentType: "FUEL_TRANSACTION",
			IDField:            "transactionId",
			CustomerField:      "customerId",
		},
	}
}

// InventoryBindings covers stock receipts, issues, transfers and valuation changes.
func InventoryBindings() []Binding {
	return []Binding{
		{
			EventName:          "inventory.receipt.approved",
			TransactionType:    "INVENTORY_RECEIPT",
			SourceDocumentType: "STOCK_RECEIPT",
			IDField:            "receiptId",
			DateField:          "receiptDate",
			Defaults: withCurrency(map[string]any{
				"exchange_rate":              1,
				"variance_quantity":          0,
				"variance_amount":            0,
				"inventory_valuation_method": "FIFO",
			}),
		},
		{
			EventName:          "inventory.issued",
			TransactionType:    "INVENTORY_ISSUE",
			SourceDocumentType: "INVENTORY_ISSUE",
			IDField:            "issueId",
			DateField:          "issueDate",
			Defaults:           withCurrency(nil),
		},
		{
			EventName:          "inventory.transfer.completed",
			TransactionType:    "INVENTORY_TRANSFER",
			SourceDocumentType: "INVENTORY_TRANSFER",
			IDField:            "transferId",
			DateField:          "transferDate",
			StationField:       "fromStationId",
			Defaults: withCurrency(map[string]any{
				"transportation_cost": 0,
				"handling_cost":       0,
				"insurance_cost":      0,
				"total_transfer_cost": 0,
				"variance_quantity":   0,
			}),
		},
		{
			EventName:          "inventory.adjustment.approved",
			TransactionType:    "INVENTORY_ADJUSTMENT",
			SourceDocumentType: "INVENTORY_ADJUSTMENT",
			IDField:            "adjustmentId",
			DateField:          "adjustmentDate",
			Defaults:           withCurrency(nil),
		},
		{
			EventName:          "inventory.valuation.adjustment",
			TransactionType:    "INVENTORY_VALUATION_ADJUSTMENT",
			SourceDocumentType: "VALUATION_ADJUSTMENT",
			IDField:            "adjustmentId",
			DateField:          "adjustmentDate",
			Defaults:           withCurrency(map[string]any{"writedown_required": false}),
		},
		{
			EventName:          "inventory.waste.recorded",
			TransactionType:    "INVENTORY_WASTE",
			SourceDocumentType: "INVENTORY_WASTE",
			IDField:            "wasteId",
			DateField:          "wasteDate",
			Defaults:           withCurrency(map[string]any{"corrective_actions": []any{}}),
		},
		{
			EventName:          "inventory.revaluation",
			TransactionType:    "INVENTORY_REVALUATION",
			SourceDocumentType: "INVENTORY_REVALUATION",
			IDField:            "revaluationId",
			DateField:          "revaluationDate",
			Defaults:           withCurrency(nil),
		},
		{
			EventName:          "consignment.inventory.movement",
			TransactionType:    "CONSIGNMENT_INVENTORY",
			SourceDocumentType: "CONSIGNMENT_MOVEMENT",
			IDField:            "movementId",
			DateField:          "movementDate",
			Defaults:           withCurrency(nil),
		},
	}
}

// DealerBindings covers dealer settlements, loans, advances and commissions.
func DealerBindings() []Binding {
	return []Binding{
		{
			EventName:          "dealer.settlement.approved",
			TransactionType:    "DEALER_SETTLEMENT",
			SourceDocumentType: "DEALER_SETTLEMENT",
			IDField:            "settlementId",
			DateField:          "settlementDate",
			Defaults: withCurrency(map[string]any{
				"other_deductions":       0,
				"other_charges":          0,
				"withholding_tax_amount": 0,
				"margin_by_product":      map[string]any{},
			}),
		},
		{
			EventName:          "dealer.margin.accrual",
			TransactionType:    "DEALER_MARGIN_ACCRUAL",
			SourceDocumentType: "MARGIN_ACCRUAL",
			IDField:            "accrualId",
			DateField:          "accrualDate",
			Defaults: withCurrency(map[string]any{
				"previous_accrual_reversal": 0,
				"margin_by_product":         map[string]any{},
			}),
		},
		{
			EventName:          "dealer.loan.disbursed",
			TransactionType:    "DEALER_LOAN_DISBURSEMENT",
			SourceDocumentType: "LOAN_DISBURSEMENT",
			IDField:            "loanId",
			DateField:          "disbursementDate",
			Defaults:           withCurrency(nil),
		},
		{
			EventName:          "dealer.loan.repayment",
			TransactionType:    "DEALER_LOAN_REPAYMENT",
			SourceDocumentType: "LOAN_REPAYMENT",
			IDField:            "repaymentId",
			DateField:          "repaymentDate",
			Defaults:           withCurrency(nil),
		},
		{
			EventName:          "dealer.advance.disbursed",
			TransactionType:    "DEALER_ADVANCE",
			SourceDocumentType: "DEALER_ADVANCE",
			IDField:            "advanceId",
			DateField:          "advanceDate",
			Defaults:           withCurrency(map[string]any{"utilization_monitoring_required": false}),
		},
		{
			EventName:          "dealer.commission.earned",
			TransactionType:    "DEALER_COMMISSION",
			SourceDocumentType: "DEALER_COMMISSION",
			IDField:            "commissionId",
			DateField:          "commissionDate",
			Defaults: withCurrency(map[string]any{
				"withholding_tax_rate":        0,
				"customer_satisfaction_score": 100,
			}),
		},
		{
			EventName:          "dealer.performance.adjustment",
			TransactionType:    "DEALER_PERFORMANCE_ADJUSTMENT",
			SourceDocumentType: "PERFORMANCE_ADJUSTMENT",
			IDField:            "adjustmentId",
			DateField:          "adjustmentDate",
			Defaults:           withCurrency(nil),
		},
	}
}

// UPPFBindings covers Unified Petroleum Price Fund claims.
func UPPFBindings() []Binding {
	return []Binding{
		{
			EventName:          "uppf.claim.submitted",
			TransactionType:    "UPPF_CLAIM_SUBMISSION",
			SourceDocumentType: "UPPF_CLAIM",
			IDField:            "claimId",
			DateField:          "submissionDate",
			Defaults: withCurrency(map[string]any{
				"variance_litres":    0,
				"variance_tolerance": 0.01,
				"delivery_receipts":  []any{},
			}),
		},
		{
			EventName:          "uppf.claim.approved",
			TransactionType:    "UPPF_CLAIM_APPROVAL",
			SourceDocumentType: "UPPF_CLAIM_APPROVAL",
			IDField:            "claimId",
			DateField:          "approvalDate",
			Defaults:           withCurrency(nil),
		},
		{
			EventName:          "uppf.claim.settled",
			TransactionType:    "UPPF_CLAIM_SETTLEMENT",
			SourceDocumentType: "UPPF_SETTLEMENT",
			IDField:            "settlementId",
			DateField:          "settlementDate",
			Defaults:           withCurrency(map[string]any{"withholding_tax": 0}),
		},
		{
			EventName:          "uppf.claim.rejected",
			TransactionType:    "UPPF_CLAIM_REJECTION",
			SourceDocumentType: "UPPF_CLAIM_REJECTION",
			IDField:            "claimId",
			DateField:          "rejectionDate",
			Defaults:           withCurrency(nil),
		},
		{
			EventName:          "uppf.accrual.monthly",
			TransactionType:    "UPPF_ACCRUAL",
			SourceDocumentType: "UPPF_ACCRUAL",
			IDField:            "accrualId",
			DateField:          "accrualDate",
			Defaults:           withCurrency(map[string]any{"previous_accrual_reversal": 0}),
		},
		{
			EventName:          "uppf.reversal",
			TransactionType:    "UPPF_REVERSAL",
			SourceDocumentType: "UPPF_REVERSAL",
			IDField:            "reversalId",
			DateField:          "reversalDate",
			Defaults:           withCurrency(nil),
		},
		{
			EventName:          "uppf.reconciliation",
			TransactionType:    "UPPF_RECONCILIATION",
			SourceDocumentType: "UPPF_RECONCILIATION",
			IDField:            "reconciliationId",
			DateField:          "reconciliationDate",
			Defaults:           withCurrency(map[string]any{"volume_reconciliation": map[string]any{}}),
		},
	}
}

// PeriodEndBindings covers month-end closing batches.
func PeriodEndBindings() []Binding {
	return []Binding{
		{
			EventName:          "period.end.month.initiated",
			TransactionType:    "MONTH_END_INITIATION",
			SourceDocumentType: "PERIOD_END_PROCESS",
			IDField:            "processId",
			DateField:          "initiationDate",
			Defaults:           withCurrency(nil),
		},
		{
			EventName:          "period.end.accruals.posted",
			TransactionType:    "PERIOD_END_ACCRUALS",
			SourceDocumentType: "ACCRUAL_BATCH",
			IDField:            "accrualBatchId",
			DateField:          "postingDate",
			Defaults:           withCurrency(map[string]any{"unbilled_revenue": 0}),
		},
		{
			EventName:          "period.end.depreciation.posted",
			TransactionType:    "DEPRECIATION_EXPENSE",
			SourceDocumentType: "DEPRECIATION_BATCH",
			IDField:            "depreciationBatchId",
			DateField:          "postingDate",
			Defaults:           withCurrency(map[string]any{"vehicle_depreciation": 0}),
		},
		{
			EventName:          "period.end.fx.revaluation",
			TransactionType:    "FX_REVALUATION",
			SourceDocumentType: "FX_REVALUATION",
			IDField:            "revaluationId",
			DateField:          "revaluationDate",
			Defaults: withCurrency(map[string]any{
				"usd_revaluation_impact":     0,
				"unrealized_fx_gains_losses": 0,
				"translation_adjustments":    0,
			}),
		},
		{
			EventName:          "period.end.provisions.calculated",
			TransactionType:    "PROVISIONS_CALCULATION",
			SourceDocumentType: "PROVISION_BATCH",
			IDField:            "provisionBatchId",
			DateField:          "calculationDate",
			Defaults: withCurrency(map[string]any{
				"total_provision_increase": 0,
				"total_provision_release":  0,
				"warranty_provisions":      0,
				"unwinding_of_discount":    0,
			}),
		},
		{
			EventName:          "period.end.closing.completed",
			TransactionType:    "PERIOD_CLOSING_COMPLETION",
			SourceDocumentType: "PERIOD_CLOSING",
			IDField:            "closingId",
			DateField:          "completionDate",
			Defaults: withCurrency(map[string]any{
				"trial_balance_balanced":        false,
				"uppf_reconciliations_complete": false,
			}),
		},
	}
}

// DefaultRegistry registers every upstream context.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, group := range [][]Binding{
		FuelBindings(),
		InventoryBindings(),
		DealerBindings(),
		UPPFBindings(),
		PeriodEndBindings(),
	} {
		for _, b := range group {
			r.Register(b)
		}
	}
	return r
}
