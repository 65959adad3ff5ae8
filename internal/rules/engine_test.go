package rules

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
)

func dismissedDecision(unverified ...domain.StepName) *domain.Decision {
	d := &domain.Decision{
		ID:         "dec-001",
		TenantID:   "tenant-001",
		AccountID:  "acc-001",
		Verdict:    domain.VerdictDismissed,
		ReasonCode: domain.ReasonOnlyTwoFlags,
		Flow:       domain.FlowMultiFlag,
		Evidence: domain.Evidence{
			Summary: &domain.FlaggedTransactionSummary{
				Count:                 2,
				TotalAmount:           decimal.NewFromInt(50),
				TotalTransactionCount: 100,
				TotalReceivedAmount:   decimal.NewFromInt(1000),
			},
			MatchedTags: []string{"big_sellers"},
		},
	}
	steps := []domain.StepName{
		domain.StepPrerequisite, domain.StepAccountAge, domain.StepRelevantTags,
		domain.StepCrossRisk, domain.StepWithdrawalVelocity, domain.StepExactlyTwoFlags,
	}
	for i, s := range steps {
		v := domain.Verified
		for _, u := range unverified {
			if u == s {
				v = domain.Unverified
			}
		}
		d.Rationale = append(d.Rationale, domain.RationaleEntry{Order: i + 1, Step: s, Verification: v})
	}
	return d
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadBuiltinRules(t *testing.T) {
	engine, _ := NewEngine(5, nil)
	defer engine.Close()

	if err := engine.LoadRules(BuiltinRules()); err != nil {
		t.Fatalf("failed to load builtin rules: %v", err)
	}

	if engine.RulesCount() != len(BuiltinRules()) {
		t.Errorf("expected %d rules, got %d", len(BuiltinRules()), engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(5, nil)
	defer engine.Close()

	tests := []struct {
		name string
		rule *domain.ReviewRule
	}{
		{"invalid CEL", &domain.ReviewRule{ID: "bad", Expression: "this is not valid CEL !!!", Enabled: true}},
		{"non-bool output", &domain.ReviewRule{ID: "num", Expression: "flagged_count + 1", Enabled: true}},
		{"unknown variable", &domain.ReviewRule{ID: "var", Expression: "amount > 1.0", Enabled: true}},
		{"unknown severity", &domain.ReviewRule{ID: "sev", Expression: "true", Severity: "loud", Enabled: true}},
		{"missing id", &domain.ReviewRule{Expression: "true", Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.LoadRule(tt.rule); err == nil {
				t.Error("expected error for invalid rule")
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("expected no rules loaded, got %d", engine.RulesCount())
	}
}

func TestValidateRuleDoesNotLoad(t *testing.T) {
	engine, _ := NewEngine(5, nil)
	defer engine.Close()

	rule := &domain.ReviewRule{ID: "ok", Expression: `verdict == "CONFIRMED"`, Enabled: true}
	if err := engine.ValidateRule(rule); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Errorf("validate must not load, got %d rules", engine.RulesCount())
	}
	if rule.Severity != domain.SeverityWarn {
		t.Errorf("expected default severity warn, got %s", rule.Severity)
	}
}

func TestUnverifiedCrossRiskFlag(t *testing.T) {
	engine, _ := NewEngine(5, nil)
	defer engine.Close()
	engine.LoadRules(BuiltinRules())

	ctx := context.Background()

	flags := engine.Evaluate(ctx, dismissedDecision())
	if len(flags) != 0 {
		t.Errorf("expected no flags for fully verified decision, got %+v", flags)
	}

	flags = engine.Evaluate(ctx, dismissedDecision(domain.StepCrossRisk))
	if len(flags) != 2 {
		t.Fatalf("expected 2 flags, got %+v", flags)
	}
	if flags[0].RuleID != "unverified-cross-risk" || flags[0].Severity != domain.SeverityCritical {
		t.Errorf("expected critical unverified-cross-risk first, got %+v", flags[0])
	}
	if flags[1].RuleID != "unverified-signals" {
		t.Errorf("expected unverified-signals second, got %s", flags[1].RuleID)
	}
	if !domain.HasCritical(flags) {
		t.Error("expected a critical flag")
	}
}

func TestSubHourWithdrawalFlag(t *testing.T) {
	engine, _ := NewEngine(5, nil)
	defer engine.Close()
	engine.LoadRules(BuiltinRules())

	d := dismissedDecision()
	d.Verdict = domain.VerdictConfirmed
	d.ReasonCode = domain.ReasonRapidWithdrawal
	d.Evidence.Velocity = &domain.VelocityResult{
		IsFast:         true,
		FastPairCount:  1,
		TotalPairCount: 1,
		MinHours:       0.25,
		Outcome:        domain.VelocityFast,
	}

	flags := engine.Evaluate(context.Background(), d)
	if len(flags) != 1 || flags[0].RuleID != "sub-hour-withdrawal" {
		t.Fatalf("expected sub-hour-withdrawal flag, got %+v", flags)
	}

	// No pairs means fastest_hours is -1 and must not match.
	d.Evidence.Velocity = &domain.VelocityResult{Outcome: domain.VelocityNoOutflow}
	if flags := engine.Evaluate(context.Background(), d); len(flags) != 0 {
		t.Errorf("expected no flags without pairs, got %+v", flags)
	}
}

func TestTenantScopedRules(t *testing.T) {
	engine, _ := NewEngine(5, nil)
	defer engine.Close()

	engine.LoadRule(&domain.ReviewRule{
		ID:         "tenant-b-only",
		TenantID:   "tenant-b",
		Expression: "flagged_count >= 2",
		Severity:   domain.SeverityInfo,
		Enabled:    true,
	})

	if flags := engine.Evaluate(context.Background(), dismissedDecision()); len(flags) != 0 {
		t.Errorf("rule of another tenant must not apply, got %+v", flags)
	}

	d := dismissedDecision()
	d.TenantID = "tenant-b"
	flags := engine.Evaluate(context.Background(), d)
	if len(flags) != 1 {
		t.Fatalf("expected 1 flag, got %d", len(flags))
	}
	if flags[0].Message != "" {
		t.Errorf("expected empty message fallback to name, got %q", flags[0].Message)
	}
}

func TestFacts(t *testing.T) {
	d := dismissedDecision(domain.StepCrossRisk)
	age := 400
	d.Evidence.AgeDays = &age
	d.Evidence.CrossRisk = []domain.CrossRiskFinding{
		{ResourceKind: domain.NodeDevice, RelatedAccountIDs: []string{"1", "2"}},
		{ResourceKind: domain.NodeCard, RelatedAccountIDs: []string{"2", "3"}},
	}

	facts := Facts(d)

	if facts["age_days"] != int64(400) {
		t.Errorf("expected age_days 400, got %v", facts["age_days"])
	}
	if facts["related_accounts"] != int64(3) {
		t.Errorf("expected 3 related accounts, got %v", facts["related_accounts"])
	}
	if facts["count_pct"] != 2.0 {
		t.Errorf("expected count_pct 2.0, got %v", facts["count_pct"])
	}
	if facts["amount_pct"] != 5.0 {
		t.Errorf("expected amount_pct 5.0, got %v", facts["amount_pct"])
	}
	if facts["unverified_count"] != int64(1) {
		t.Errorf("expected 1 unverified step, got %v", facts["unverified_count"])
	}
	if facts["fastest_hours"] != -1.0 {
		t.Errorf("expected fastest_hours -1, got %v", facts["fastest_hours"])
	}
}

func TestParallelExecution(t *testing.T) {
	engine, _ := NewEngine(3, nil)
	defer engine.Close()

	for i := 0; i < 10; i++ {
		engine.LoadRule(&domain.ReviewRule{
			ID:         fmt.Sprintf("rule-%d", i),
			Name:       fmt.Sprintf("Rule %d", i),
			Expression: `"big_sellers" in matched_tags`,
			Severity:   domain.SeverityInfo,
			Enabled:    true,
		})
	}

	flags := engine.Evaluate(context.Background(), dismissedDecision())
	if len(flags) != 10 {
		t.Fatalf("expected 10 flags, got %d", len(flags))
	}
	for i := 1; i < len(flags); i++ {
		if flags[i-1].RuleID > flags[i].RuleID {
			t.Errorf("flags not ordered by rule id: %s before %s", flags[i-1].RuleID, flags[i].RuleID)
		}
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(5, nil)
	defer engine.Close()
	engine.LoadRules(BuiltinRules())

	err := engine.ReloadRules([]*domain.ReviewRule{
		{ID: "only", Expression: "true", Enabled: true},
		{ID: "disabled", Expression: "true", Enabled: false},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	loaded := engine.GetLoadedRules()
	if len(loaded) != 1 || loaded[0].ID != "only" {
		t.Errorf("expected only rule loaded, got %+v", loaded)
	}
}

func TestReloadTenantRules(t *testing.T) {
	engine, _ := NewEngine(5, nil)
	defer engine.Close()
	engine.LoadRules(BuiltinRules())
	builtins := engine.RulesCount()

	engine.LoadRule(&domain.ReviewRule{ID: "mine", TenantID: "acme", Expression: "true", Enabled: true})
	engine.LoadRule(&domain.ReviewRule{ID: "mine", TenantID: "globex", Expression: "true", Enabled: true})

	if got := engine.RulesCount(); got != builtins+2 {
		t.Fatalf("expected same id to load per tenant, got %d rules", got)
	}

	err := engine.ReloadTenantRules("acme", []*domain.ReviewRule{
		{ID: "a1", TenantID: "acme", Expression: "true", Enabled: true},
		{ID: "a2", TenantID: "acme", Expression: "true", Enabled: true},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	var acme []string
	for _, r := range engine.RulesFor("acme") {
		if r.TenantID == "acme" {
			acme = append(acme, r.ID)
		}
	}
	if len(acme) != 2 || acme[0] != "a1" || acme[1] != "a2" {
		t.Errorf("expected acme rules [a1 a2], got %v", acme)
	}
	if len(engine.RulesFor("globex")) != builtins+1 {
		t.Errorf("expected globex rules untouched")
	}

	t.Run("CompileErrorKeepsRules", func(t *testing.T) {
		err := engine.ReloadTenantRules("acme", []*domain.ReviewRule{
			{ID: "bad", TenantID: "acme", Expression: "verdict +", Enabled: true},
		})
		if err == nil {
			t.Fatal("expected compile error")
		}
		if len(engine.RulesFor("acme")) != builtins+2 {
			t.Error("expected acme rules unchanged after failed reload")
		}
	})

	t.Run("ForeignTenantRejected", func(t *testing.T) {
		err := engine.ReloadTenantRules("acme", []*domain.ReviewRule{
			{ID: "x", TenantID: "globex", Expression: "true", Enabled: true},
		})
		if err == nil {
			t.Error("expected error for rule of another tenant")
		}
	})

	t.Run("Unload", func(t *testing.T) {
		if !engine.UnloadRule("acme", "a1") {
			t.Error("expected a1 to be unloaded")
		}
		if engine.UnloadRule("acme", "a1") {
			t.Error("expected second unload to report false")
		}
	})
}
