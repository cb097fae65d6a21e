package service

import (
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/config"
)

// Settings are the posting engine's tunable constants.
type Settings struct {
	DefaultCurrency      string
	BalanceEpsilon       decimal.Decimal
	LargeLineThreshold   decimal.Decimal
	CFOApprovalThreshold decimal.Decimal
	CEOApprovalThreshold decimal.Decimal
}

// DefaultSettings matches the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		DefaultCurrency:      "GHS",
		BalanceEpsilon:       decimal.RequireFromString("0.01"),
		LargeLineThreshold:   decimal.NewFromInt(1_000_000),
		CFOApprovalThreshold: decimal.NewFromInt(100_000),
		CEOApprovalThreshold: decimal.NewFromInt(1_000_000),
	}
}

// SettingsFromConfig converts the posting configuration section.
func SettingsFromConfig(c config.PostingConfig) Settings {
	s := DefaultSettings()
	if c.DefaultCurrency != "" {
		s.DefaultCurrency = c.DefaultCurrency
	}
	if c.BalanceEpsilon > 0 {
		s.BalanceEpsilon = decimal.NewFromFloat(c.BalanceEpsilon)
	}
	if c.LargeLineThreshold > 0 {
		s.LargeLineThreshold = decimal.NewFromFloat(c.LargeLineThreshold)
	}
	if c.CFOApprovalThreshold > 0 {
		s.CFOApprovalThreshold = decimal.NewFromFloat(c.CFOApprovalThreshold)
	}
	if c.CEOApprovalThreshold > 0 {
		s.CEOApprovalThreshold = decimal.NewFromFloat(c.CEOApprovalThreshold)
	}
	return s
}
