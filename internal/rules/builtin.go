package rules

import "github.com/opensource-finance/talon/internal/domain"

// BuiltinRules returns the review rules every deployment starts with.
// Tenants add their own via POST /rules.
func BuiltinRules() []*domain.ReviewRule {
	return []*domain.ReviewRule{
		{
			ID:          "unverified-cross-risk",
			TenantID:    GlobalTenantID,
			Name:        "Cross-risk not verified",
			Description: "The cross-risk step ran without a graph or fraud-proximity answer and the account went on to be dismissed.",
			Version:     "1",
			Expression:  `verdict == "DISMISSED" && "CheckCrossRisk" in unverified_steps`,
			Severity:    domain.SeverityCritical,
			Message:     "dismissed while the relationship graph was unavailable; check shared resources manually",
			Enabled:     true,
		},
		{
			ID:          "unverified-signals",
			TenantID:    GlobalTenantID,
			Name:        "Unverified signals",
			Description: "At least one evaluated step used a fallback value.",
			Version:     "1",
			Expression:  `unverified_count > 0`,
			Severity:    domain.SeverityWarn,
			Message:     "one or more signals could not be fetched",
			Enabled:     true,
		},
		{
			ID:          "sub-hour-withdrawal",
			TenantID:    GlobalTenantID,
			Name:        "Sub-hour withdrawal",
			Description: "Money left the account less than an hour after arriving.",
			Version:     "1",
			Expression:  `fastest_hours >= 0.0 && fastest_hours < 1.0`,
			Severity:    domain.SeverityCritical,
			Message:     "funds withdrawn within minutes of deposit",
			Enabled:     true,
		},
		{
			ID:          "fraud-proximity",
			TenantID:    GlobalTenantID,
			Name:        "Near fraud accounts",
			Description: "Fraud-labelled users are within reach in the relationship graph.",
			Version:     "1",
			Expression:  `fraud_proximity > 0`,
			Severity:    domain.SeverityWarn,
			Message:     "fraud-labelled accounts within three hops",
			Enabled:     true,
		},
	}
}
