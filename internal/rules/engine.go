// Package rules provides the CEL-Go based review-rule engine.
// Review rules run over a finished decision and raise advisory flags for
// investigators. They never change the verdict.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/metrics"
)

// GlobalTenantID marks rules that apply to every tenant.
const GlobalTenantID = "*"

// Engine is the CEL-based review-rule engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
	metrics       *metrics.Metrics
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.ReviewRule
	Program cel.Program
}

// NewEngine creates a new review-rule engine.
func NewEngine(maxWorkers int, m *metrics.Metrics) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("verdict", cel.StringType),
		cel.Variable("reason", cel.StringType),
		cel.Variable("flow", cel.StringType),
		cel.Variable("flagged_count", cel.IntType),
		cel.Variable("flagged_amount", cel.DoubleType),
		cel.Variable("count_pct", cel.DoubleType),
		cel.Variable("amount_pct", cel.DoubleType),
		// -1 when the age step did not run or the age is unknown
		cel.Variable("age_days", cel.IntType),
		cel.Variable("matched_tags", cel.ListType(cel.StringType)),
		cel.Variable("cross_risk", cel.BoolType),
		cel.Variable("related_accounts", cel.IntType),
		cel.Variable("fraud_proximity", cel.IntType),
		// -1 when no inflow/outflow pair was found
		cel.Variable("fastest_hours", cel.DoubleType),
		cel.Variable("fast_pairs", cel.IntType),
		cel.Variable("velocity_outcome", cel.StringType),
		cel.Variable("contacted", cel.BoolType),
		cel.Variable("unverified_count", cel.IntType),
		cel.Variable("unverified_steps", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
		metrics:       m,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.ReviewRule) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.ReviewRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[ruleKey(cfg.TenantID, cfg.ID)] = compiled

	return nil
}

// UnloadRule removes a tenant's rule. It reports whether the rule was loaded.
func (e *Engine) UnloadRule(tenantID, ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := ruleKey(tenantID, ruleID)
	_, ok := e.compiledRules[key]
	delete(e.compiledRules, key)
	return ok
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.ReviewRule) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Facts builds the CEL activation of a decision.
func Facts(d *domain.Decision) map[string]any {
	ev := d.Evidence

	facts := map[string]any{
		"verdict":          string(d.Verdict),
		"reason":           string(d.ReasonCode),
		"flow":             string(d.Flow),
		"flagged_count":    int64(0),
		"flagged_amount":   0.0,
		"count_pct":        0.0,
		"amount_pct":       0.0,
		"age_days":         int64(-1),
		"matched_tags":     toStrings(ev.MatchedTags),
		"cross_risk":       len(ev.CrossRisk) > 0,
		"related_accounts": int64(0),
		"fraud_proximity":  int64(0),
		"fastest_hours":    -1.0,
		"fast_pairs":       int64(0),
		"velocity_outcome": "",
		"contacted":        len(ev.Contacts) > 0,
		"unverified_count": int64(len(d.UnverifiedSteps())),
	}

	if s := ev.Summary; s != nil {
		facts["flagged_count"] = int64(s.Count)
		facts["flagged_amount"] = s.TotalAmount.InexactFloat64()
		facts["count_pct"] = s.CountPercentage().InexactFloat64()
		facts["amount_pct"] = s.AmountPercentage().InexactFloat64()
	}
	if ev.AgeDays != nil {
		facts["age_days"] = int64(*ev.AgeDays)
	}

	related := make(map[string]struct{})
	for _, f := range ev.CrossRisk {
		for _, id := range f.RelatedAccountIDs {
			related[id] = struct{}{}
		}
	}
	facts["related_accounts"] = int64(len(related))

	if ev.FraudProximity != nil {
		facts["fraud_proximity"] = int64(ev.FraudProximity.Total())
	}
	if v := ev.Velocity; v != nil {
		facts["velocity_outcome"] = string(v.Outcome)
		facts["fast_pairs"] = int64(v.FastPairCount)
		if v.TotalPairCount > 0 {
			facts["fastest_hours"] = v.MinHours
		}
	}

	steps := d.UnverifiedSteps()
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = string(s)
	}
	facts["unverified_steps"] = names

	return facts
}

func toStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// Evaluate runs every loaded rule that applies to the decision's tenant.
// Flags are ordered by severity (critical first), then by rule id.
func (e *Engine) Evaluate(ctx context.Context, d *domain.Decision) []domain.ReviewFlag {
	if d == nil {
		return nil
	}

	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		if rule.Config.TenantID == "" || rule.Config.TenantID == GlobalTenantID || rule.Config.TenantID == d.TenantID {
			rules = append(rules, rule)
		}
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := Facts(d)

	// Parallel evaluation using worker pool pattern
	results := make([]*domain.ReviewFlag, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateRule(ctx, r, activation, d)
		}(i, rule)
	}

	wg.Wait()

	var flags []domain.ReviewFlag
	for _, f := range results {
		if f != nil {
			flags = append(flags, *f)
			e.metrics.IncReviewFlag(f.RuleID, string(f.Severity))
		}
	}

	sort.Slice(flags, func(i, j int) bool {
		if ri, rj := severityRank(flags[i].Severity), severityRank(flags[j].Severity); ri != rj {
			return ri > rj
		}
		return flags[i].RuleID < flags[j].RuleID
	})

	return flags
}

// evaluateRule returns a flag when the rule matches, nil otherwise.
func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any, d *domain.Decision) *domain.ReviewFlag {
	start := time.Now()

	out, _, err := rule.Program.ContextEval(ctx, activation)
	if err != nil {
		slog.Warn("review rule evaluation failed",
			"rule_id", rule.Config.ID,
			"decision_id", d.ID,
			"error", err,
		)
		return nil
	}

	if matched, ok := out.(types.Bool); !ok || !bool(matched) {
		return nil
	}

	msg := rule.Config.Message
	if msg == "" {
		msg = rule.Config.Name
	}
	return &domain.ReviewFlag{
		RuleID:    rule.Config.ID,
		Severity:  rule.Config.Severity,
		Message:   msg,
		ProcessMs: time.Since(start).Milliseconds(),
	}
}

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 2
	case domain.SeverityWarn:
		return 1
	}
	return 0
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.ReviewRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[ruleKey(cfg.TenantID, cfg.ID)] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// ReloadTenantRules replaces the rules of one tenant scope and leaves the others.
// Nothing changes if any rule fails to compile.
func (e *Engine) ReloadTenantRules(tenantID string, configs []*domain.ReviewRule) error {
	scope := normalizeTenant(tenantID)

	e.mu.Lock()
	defer e.mu.Unlock()

	compiled := make(map[string]*CompiledRule, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if normalizeTenant(cfg.TenantID) != scope {
			return fmt.Errorf("rule %s belongs to tenant %q, not %q", cfg.ID, cfg.TenantID, tenantID)
		}
		c, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		compiled[ruleKey(cfg.TenantID, cfg.ID)] = c
	}

	for key, rule := range e.compiledRules {
		if normalizeTenant(rule.Config.TenantID) == scope {
			delete(e.compiledRules, key)
		}
	}
	for key, rule := range compiled {
		e.compiledRules[key] = rule
	}
	return nil
}

// RulesFor returns the rules applied to a tenant's decisions: global rules and
// the tenant's own, ordered by id.
func (e *Engine) RulesFor(tenantID string) []*domain.ReviewRule {
	var out []*domain.ReviewRule
	for _, r := range e.GetLoadedRules() {
		if t := normalizeTenant(r.TenantID); t == GlobalTenantID || t == tenantID {
			out = append(out, r)
		}
	}
	return out
}

func normalizeTenant(tenantID string) string {
	if tenantID == "" {
		return GlobalTenantID
	}
	return tenantID
}

func ruleKey(tenantID, ruleID string) string {
	return normalizeTenant(tenantID) + "/" + ruleID
}

// GetLoadedRules returns the currently loaded rule configurations, ordered by id.
func (e *Engine) GetLoadedRules() []*domain.ReviewRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.ReviewRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].ID != rules[j].ID {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].TenantID < rules[j].TenantID
	})
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.ReviewRule) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if cfg.Severity == "" {
		cfg.Severity = domain.SeverityWarn
	}
	if !cfg.Severity.Valid() {
		return nil, fmt.Errorf("rule %s: unknown severity %q", cfg.ID, cfg.Severity)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
