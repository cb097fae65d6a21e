package condition

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		field    any
		op       Operator
		expected any
		want     bool
		wantErr  error
	}{
		{"equals string", "PETROL", OpEquals, "PETROL", true, nil},
		{"equals alt", "PETROL", OpEqualsAlt, "DIESEL", false, nil},
		{"equals numeric string vs number", "500", OpEquals, 500.0, true, nil},
		{"equals int vs float", 3, OpEquals, 3.0, true, nil},
		{"equals nil vs nil", nil, OpEquals, nil, true, nil},
		{"equals nil vs value", nil, OpEquals, "x", false, nil},
		{"not equals", "LPG", OpNotEquals, "PETROL", true, nil},
		{"greater", 1500.0, OpGreater, 1000, true, nil},
		{"greater numeric string", "1500", OpGreater, "1000", true, nil},
		{"less or equal boundary", 1000.0, OpLessOrEqual, 1000, true, nil},
		{"greater or equal decimal", decimal.NewFromInt(10), OpGreaterOrEqual, 10, true, nil},
		{"less false", 10.0, OpLess, 5, false, nil},
		{"greater non numeric fails closed", "abc", OpGreater, 1, false, ErrNotNumeric},
		{"greater nil fails closed", nil, OpGreater, 1, false, ErrNotNumeric},
		{"in list", "DIESEL", OpIn, []any{"PETROL", "DIESEL"}, true, nil},
		{"in typed list", "LPG", OpIn, []string{"PETROL", "DIESEL"}, false, nil},
		{"in numeric list", 2.0, OpIn, []int{1, 2, 3}, true, nil},
		{"in malformed", "LPG", OpIn, "PETROL", false, ErrMalformed},
		{"not in", "LPG", OpNotIn, []any{"PETROL", "DIESEL"}, true, nil},
		{"not in member", "PETROL", OpNotIn, []any{"PETROL"}, false, nil},
		{"not in malformed fails closed", "LPG", OpNotIn, 42, false, ErrMalformed},
		{"like case insensitive", "Premium Petrol", OpLike, "petrol", true, nil},
		{"like miss", "Diesel", OpLike, "petrol", false, nil},
		{"like nil", nil, OpLike, "x", false, nil},
		{"between inclusive low", 100.0, OpBetween, []any{100, 200}, true, nil},
		{"between inclusive high", 200.0, OpBetween, []any{100.0, 200.0}, true, nil},
		{"between outside", 250.0, OpBetween, []any{100, 200}, false, nil},
		{"between malformed size", 150.0, OpBetween, []any{100}, false, ErrMalformed},
		{"between malformed bounds", 150.0, OpBetween, []any{"a", "b"}, false, ErrMalformed},
		{"regex match", "ST-0042", OpRegex, `^ST-\d{4}$`, true, nil},
		{"regex miss", "XX-0042", OpRegex, `^ST-\d{4}$`, false, nil},
		{"regex invalid", "ST-0042", OpRegex, `([`, false, ErrInvalidRegex},
		{"regex non string pattern", "ST-0042", OpRegex, 12, false, ErrMalformed},
		{"is null", nil, OpIsNull, nil, true, nil},
		{"is not null", "x", OpIsNotNull, nil, true, nil},
		{"is empty blank string", "   ", OpIsEmpty, nil, true, nil},
		{"is empty nil", nil, OpIsEmpty, nil, true, nil},
		{"is empty slice", []any{}, OpIsEmpty, nil, true, nil},
		{"is empty map", map[string]any{}, OpIsEmpty, nil, true, nil},
		{"is not empty", []any{1}, OpIsNotEmpty, nil, true, nil},
		{"is not empty zero number", 0.0, OpIsNotEmpty, nil, true, nil},
		{"unknown operator", "x", Operator("CONTAINS"), "x", false, ErrUnknownOperator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.field, tt.op, tt.expected)
			assert.Equal(t, tt.want, got)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolveOrder(t *testing.T) {
	data := map[string]any{
		"product_type":  "PETROL",
		"station_id":    "ST-DATA",
		"tax_breakdown": map[string]any{"VAT": 37.5, "NHIL": 12.5},
		"lines":         []any{map[string]any{"amount": 10.0}},
		"customer.tier": "literal-key-wins",
		"customer":      map[string]any{"tier": "GOLD"},
	}
	meta := map[string]any{
		"station_id":       "ST-META",
		"transaction_type": "FUEL_SALE",
	}

	tests := []struct {
		field string
		want  any
		found bool
	}{
		{"product_type", "PETROL", true},
		{"station_id", "ST-DATA", true},
		{"transaction_type", "FUEL_SALE", true},
		{"tax_breakdown.VAT", 37.5, true},
		{"lines.0.amount", 10.0, true},
		{"customer.tier", "literal-key-wins", true},
		{"tax_breakdown.GETFUND", nil, false},
		{"lines.3.amount", nil, false},
		{"missing", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got, ok := Resolve(tt.field, data, meta)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckAllCollectsEveryFailure(t *testing.T) {
	data := map[string]any{"product_type": "DIESEL", "total_amount": 50.0}
	preds := []Predicate{
		{Field: "product_type", Operator: OpEquals, Value: "PETROL"},
		{Field: "total_amount", Operator: OpGreater, Value: 100},
		{Field: "pump_id", Operator: OpRegex, Value: "(["},
	}

	ok, failures := CheckAll(preds, data, nil)
	assert.False(t, ok)
	require.Len(t, failures, 3)
	assert.Equal(t, "DIESEL", failures[0].ActualValue)
	assert.Contains(t, failures[2].Reason, "invalid regex")
}

func TestCheckAllEmptyPasses(t *testing.T) {
	ok, failures := CheckAll(nil, map[string]any{}, nil)
	assert.True(t, ok)
	assert.Empty(t, failures)
}

func TestAddingFailingPredicateRemovesMatch(t *testing.T) {
	data := map[string]any{"product_type": "PETROL", "quantity_liters": 50.0}
	preds := []Predicate{{Field: "product_type", Operator: OpEquals, Value: "PETROL"}}

	ok, _ := CheckAll(preds, data, nil)
	require.True(t, ok)

	preds = append(preds, Predicate{Field: "quantity_liters", Operator: OpGreater, Value: 1000})
	ok, _ = CheckAll(preds, data, nil)
	assert.False(t, ok)
}

func TestOperatorValid(t *testing.T) {
	assert.True(t, OpNotIn.Valid())
	assert.True(t, OpIsNotEmpty.Valid())
	assert.False(t, Operator("OR").Valid())
}
