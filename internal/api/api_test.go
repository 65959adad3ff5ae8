package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/bus"
	"github.com/opensource-finance/talon/internal/cache"
	"github.com/opensource-finance/talon/internal/decision"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/repository"
	"github.com/opensource-finance/talon/internal/rules"
	"github.com/opensource-finance/talon/internal/signals"
	"github.com/opensource-finance/talon/internal/worker"
)

const testTenant = "tenant-001"

type testEnv struct {
	server  *Server
	repo    domain.Repository
	bus     *bus.ChannelBus
	engine  *decision.Engine
	signals *signals.Provider
	rules   *rules.Engine
}

// newTestEnv builds a server over a temporary SQLite warehouse, an LRU fact
// cache and a channel bus.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "talon-api.db"),
	})
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	reviewRules, err := rules.NewEngine(4, nil)
	if err != nil {
		t.Fatalf("rules engine: %v", err)
	}
	if err := reviewRules.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("load rules: %v", err)
	}

	factCache := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	provider := signals.NewProvider(repo, signals.WithCache(factCache, time.Minute))
	engine := decision.NewEngine(domain.DefaultEngineConfig())

	server := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Dependencies{
		Repo:    repo,
		Cache:   factCache,
		Bus:     eventBus,
		Engine:  engine,
		Signals: provider,
		Rules:   reviewRules,
		Version: "test-v1",
	})

	return &testEnv{
		server:  server,
		repo:    repo,
		bus:     eventBus,
		engine:  engine,
		signals: provider,
		rules:   reviewRules,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, testTenant)

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func singleFlagFacts(ageDays int) *domain.FactsBundle {
	return &domain.FactsBundle{
		Summary: &domain.FlaggedTransactionSummary{
			Count:                 1,
			TotalAmount:           decimal.NewFromInt(500),
			TotalTransactionCount: 20,
			TotalReceivedAmount:   decimal.NewFromInt(10000),
		},
		Age: &domain.AccountAgeFact{AgeInDays: &ageDays},
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	resp := decode[struct {
		Status     string            `json:"status"`
		Version    string            `json:"version"`
		Components map[string]string `json:"components"`
	}](t, rr)
	if resp.Status != "healthy" {
		t.Errorf("expected healthy, got %s (%v)", resp.Status, resp.Components)
	}
	if resp.Version != "test-v1" {
		t.Errorf("expected version test-v1, got %s", resp.Version)
	}
	for _, name := range []string{"repository", "cache", "eventBus"} {
		if resp.Components[name] != "ok" {
			t.Errorf("expected %s ok, got %q", name, resp.Components[name])
		}
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestTenantRequired(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		tenant string
	}{
		{"Missing", ""},
		{"InvalidCharacters", "tenant/../other"},
		{"TooLong", strings.Repeat("a", 65)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/accounts/1001/evaluate", nil)
			if tt.tenant != "" {
				req.Header.Set(TenantIDHeader, tt.tenant)
			}
			rr := httptest.NewRecorder()
			env.server.Router().ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", rr.Code)
			}
		})
	}
}

func TestPutFactsThenEvaluate(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPut, "/accounts/1001/facts", singleFlagFacts(10))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	t.Run("JSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/accounts/1001/evaluate", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[EvaluateResponse](t, rr)
		if resp.Verdict != domain.VerdictConfirmed {
			t.Errorf("expected CONFIRMED, got %s", resp.Verdict)
		}
		if resp.ReasonCode != domain.ReasonNewAccount {
			t.Errorf("expected NEW_ACCOUNT, got %s", resp.ReasonCode)
		}
		if resp.TenantID != testTenant {
			t.Errorf("expected tenant %s, got %s", testTenant, resp.TenantID)
		}
		if !resp.Verified || resp.NeedsManualReview {
			t.Errorf("expected verified decision without review, got verified=%v review=%v", resp.Verified, resp.NeedsManualReview)
		}
		if len(resp.Rationale) != 2 {
			t.Errorf("expected 2 rationale entries, got %d", len(resp.Rationale))
		}
		if resp.Report == nil || resp.Report.RecommendedAction == "" {
			t.Error("expected report with a recommended action")
		}
	})

	t.Run("Text", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/accounts/1001/evaluate?format=text", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Errorf("expected text/plain, got %s", ct)
		}
		if !strings.Contains(rr.Body.String(), "CONFIRMED") {
			t.Errorf("expected verdict in report, got:\n%s", rr.Body.String())
		}
	})

	t.Run("FactsReplacedInvalidateCache", func(t *testing.T) {
		if rr := env.do(t, http.MethodPut, "/accounts/1001/facts", map[string]any{
			"summary": map[string]any{"count": 0},
		}); rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[EvaluateResponse](t, env.do(t, http.MethodPost, "/accounts/1001/evaluate", nil))
		if resp.Verdict != domain.VerdictNotApplicable {
			t.Errorf("expected NOT_APPLICABLE after new facts, got %s", resp.Verdict)
		}
	})
}

// disputeCandidateFacts reaches the customer-contact step: three flags, an
// old protected account, a clean graph and no fast withdrawal.
func disputeCandidateFacts(ref time.Time) *domain.FactsBundle {
	age := 400
	return &domain.FactsBundle{
		Summary: &domain.FlaggedTransactionSummary{
			Count:                 3,
			TotalAmount:           decimal.NewFromInt(300),
			TotalTransactionCount: 50,
			TotalReceivedAmount:   decimal.NewFromInt(20000),
			ReferenceDate:         &ref,
		},
		Age:  &domain.AccountAgeFact{AgeInDays: &age},
		Tags: &domain.TagSet{AllowList: []string{"big_sellers"}},
		Graph: &domain.GraphPayload{
			Nodes: []domain.GraphNode{{ID: "user-2002", Label: "user", Properties: domain.NodeProperties{IsDriverUser: true}}},
			Edges: []domain.GraphEdge{},
		},
		FraudProximity: &domain.FraudProximityFact{UsersAnalyzed: 10},
	}
}

func TestContactIngestedAfterEvaluation(t *testing.T) {
	env := newTestEnv(t)
	ref := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if rr := env.do(t, http.MethodPut, "/accounts/2002/facts", disputeCandidateFacts(ref)); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	first := decode[EvaluateResponse](t, env.do(t, http.MethodPost, "/accounts/2002/evaluate", nil))
	if first.Verdict != domain.VerdictConfirmed || first.ReasonCode != domain.ReasonNoDispute {
		t.Fatalf("expected CONFIRMED/NO_DISPUTE, got %s/%s", first.Verdict, first.ReasonCode)
	}

	if rr := env.do(t, http.MethodPut, "/accounts/2002/facts", &domain.FactsBundle{
		Contacts: []domain.ContactRecord{
			{CaseID: "case-9", Subtype: "cuenta_de_hacker", OpenedAt: ref.Add(48 * time.Hour)},
		},
	}); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	second := decode[EvaluateResponse](t, env.do(t, http.MethodPost, "/accounts/2002/evaluate", nil))
	if second.Verdict != domain.VerdictDismissed || second.ReasonCode != domain.ReasonCustomerDispute {
		t.Errorf("expected DISMISSED/CUSTOMER_DISPUTE after the new contact, got %s/%s", second.Verdict, second.ReasonCode)
	}
}

func TestContactWithoutSubtypeAgreesAcrossPaths(t *testing.T) {
	env := newTestEnv(t)
	ref := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	facts := disputeCandidateFacts(ref)
	facts.Contacts = []domain.ContactRecord{{CaseID: "case-1", OpenedAt: ref.Add(24 * time.Hour)}}

	if rr := env.do(t, http.MethodPut, "/accounts/2002/facts", facts); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	stored := decode[EvaluateResponse](t, env.do(t, http.MethodPost, "/accounts/2002/evaluate", nil))
	dryRun := decode[EvaluateResponse](t, env.do(t, http.MethodPost, "/analyze/decision", DecisionRequest{
		AccountID: "2002",
		Facts:     facts,
	}))

	if stored.ReasonCode != domain.ReasonCustomerDispute {
		t.Errorf("expected CUSTOMER_DISPUTE from the warehouse, got %s", stored.ReasonCode)
	}
	if stored.Verdict != dryRun.Verdict || stored.ReasonCode != dryRun.ReasonCode {
		t.Errorf("expected same decision on both paths, got %s/%s and %s/%s",
			stored.Verdict, stored.ReasonCode, dryRun.Verdict, dryRun.ReasonCode)
	}
}

func TestEvaluateUnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/accounts/unknown/evaluate", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decode[EvaluateResponse](t, rr)
	if resp.Verdict != domain.VerdictNotApplicable || resp.ReasonCode != domain.ReasonNoFlaggedTransactions {
		t.Errorf("expected NOT_APPLICABLE/NO_FLAGGED_TRANSACTIONS, got %s/%s", resp.Verdict, resp.ReasonCode)
	}
}

func TestPutFactsValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"InvalidJSON", "{not json"},
		{"EmptyBody", ""},
		{"NegativeCount", map[string]any{"summary": map[string]any{"count": -1}}},
		{"UnknownMoneyKind", map[string]any{"moneyEvents": []map[string]any{
			{"id": "m1", "timestamp": "2025-01-01T00:00:00Z", "amount": "10", "kind": "sideways"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPut, "/accounts/1001/facts", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestEvaluateBatch(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do(t, http.MethodPut, "/accounts/1001/facts", singleFlagFacts(10)); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	t.Run("Success", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate/batch", BatchRequest{
			AccountIDs: []domain.AccountID{"1001", "2002"},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[BatchResponse](t, rr)
		if len(resp.Results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(resp.Results))
		}
		if resp.Results[0].AccountID != "1001" || resp.Results[1].AccountID != "2002" {
			t.Errorf("expected results in request order, got %s, %s", resp.Results[0].AccountID, resp.Results[1].AccountID)
		}
		if resp.Results[0].Verdict != domain.VerdictConfirmed {
			t.Errorf("expected CONFIRMED for 1001, got %s", resp.Results[0].Verdict)
		}
		if resp.Results[1].Verdict != domain.VerdictNotApplicable {
			t.Errorf("expected NOT_APPLICABLE for 2002, got %s", resp.Results[1].Verdict)
		}
		if resp.Failed != 0 {
			t.Errorf("expected no failures, got %d", resp.Failed)
		}
		if resp.Verdicts[domain.VerdictConfirmed] != 1 || resp.Verdicts[domain.VerdictNotApplicable] != 1 {
			t.Errorf("unexpected verdict summary %v", resp.Verdicts)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate/batch", BatchRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("TooLarge", func(t *testing.T) {
		ids := make([]domain.AccountID, maxBatchSize+1)
		for i := range ids {
			ids[i] = domain.AccountID(fmt.Sprintf("acc-%d", i))
		}
		rr := env.do(t, http.MethodPost, "/evaluate/batch", BatchRequest{AccountIDs: ids})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestSubmitCase(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do(t, http.MethodPut, "/accounts/1001/facts", singleFlagFacts(10)); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	w := worker.NewWorker(env.bus, env.engine, env.signals, env.rules)
	if err := w.Start(worker.Config{}); err != nil {
		t.Fatalf("worker start: %v", err)
	}
	defer w.Stop()

	t.Run("Queued", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/cases", domain.CaseRequest{AccountID: "1001"})
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[map[string]string](t, rr)
		if resp["caseId"] == "" {
			t.Error("expected generated caseId")
		}
		if resp["status"] != "queued" {
			t.Errorf("expected queued, got %s", resp["status"])
		}
	})

	t.Run("Wait", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/cases?wait=true", domain.CaseRequest{AccountID: "1001", CaseID: "case-42"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		out := decode[domain.CaseOutcome](t, rr)
		if out.CaseID != "case-42" {
			t.Errorf("expected case-42, got %s", out.CaseID)
		}
		if out.Decision == nil || out.Decision.Verdict != domain.VerdictConfirmed {
			t.Errorf("expected CONFIRMED decision, got %+v", out.Decision)
		}
	})

	t.Run("MissingAccount", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/cases", domain.CaseRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestSubmitCaseWithoutBus(t *testing.T) {
	env := newTestEnv(t)
	env.server.Handler().bus = nil

	rr := env.do(t, http.MethodPost, "/cases", domain.CaseRequest{AccountID: "1001"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
}

func TestAnalyzeGraph(t *testing.T) {
	env := newTestEnv(t)

	payload := domain.GraphPayload{
		Nodes: []domain.GraphNode{
			{ID: "user-100", Label: "user", Properties: domain.NodeProperties{IsDriverUser: true}},
			{ID: "user-201", Label: "user"},
			{ID: "card-9", Label: "card"},
		},
		Edges: []domain.GraphEdge{
			{ID: "e1", Label: "uses_card", Source: "user-100", Target: "card-9"},
			{ID: "e2", Label: "uses_card", Source: "user-201", Target: "card-9"},
		},
	}

	t.Run("SharedCard", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze/graph", payload)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[struct {
			HasCrossRisk bool                      `json:"hasCrossRisk"`
			Findings     []domain.CrossRiskFinding `json:"findings"`
		}](t, rr)
		if !resp.HasCrossRisk || len(resp.Findings) != 1 {
			t.Fatalf("expected one finding, got %+v", resp)
		}
		if resp.Findings[0].ResourceKind != domain.NodeCard {
			t.Errorf("expected card finding, got %s", resp.Findings[0].ResourceKind)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze/graph", `{"nodes": []}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAnalyzeVelocity(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	event := func(id string, kind domain.MoneyEventKind, at time.Time) domain.MoneyEvent {
		return domain.MoneyEvent{ID: id, Kind: kind, Timestamp: at, Amount: decimal.NewFromInt(100)}
	}

	t.Run("Fast", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze/velocity", VelocityRequest{
			Events: []domain.MoneyEvent{
				event("in-1", domain.MoneyInflow, base),
				event("out-1", domain.MoneyOutflow, base.Add(30*time.Minute)),
			},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[VelocityResponse](t, rr)
		if !resp.Result.IsFast || resp.Result.FastPairCount != 1 {
			t.Errorf("expected one fast pair, got %+v", resp.Result)
		}
		if resp.View == nil || resp.View.Outcome != domain.VelocityFast {
			t.Errorf("expected fast view, got %+v", resp.View)
		}
	})

	t.Run("ThresholdOverride", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze/velocity", VelocityRequest{
			Events: []domain.MoneyEvent{
				event("in-1", domain.MoneyInflow, base),
				event("out-1", domain.MoneyOutflow, base.Add(2*time.Hour)),
			},
			ThresholdHours: 1,
		})
		resp := decode[VelocityResponse](t, rr)
		if resp.Result.IsFast || resp.Result.Outcome != domain.VelocitySlow {
			t.Errorf("expected slow outcome with a 1h threshold, got %+v", resp.Result)
		}
	})

	t.Run("UnknownKind", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze/velocity", VelocityRequest{
			Events: []domain.MoneyEvent{event("x", "sideways", base)},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAnalyzeDecision(t *testing.T) {
	env := newTestEnv(t)

	t.Run("Confirmed", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze/decision", DecisionRequest{
			AccountID: "3003",
			Facts:     singleFlagFacts(5),
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[EvaluateResponse](t, rr)
		if resp.Verdict != domain.VerdictConfirmed {
			t.Errorf("expected CONFIRMED, got %s", resp.Verdict)
		}
	})

	t.Run("PrerequisiteFailure", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze/decision", DecisionRequest{
			AccountID: "3003",
			Facts: &domain.FactsBundle{
				Summary: &domain.FlaggedTransactionSummary{Count: -1},
			},
		})
		if rr.Code != http.StatusBadGateway {
			t.Errorf("expected status 502, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("MissingFacts", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/analyze/decision", DecisionRequest{AccountID: "3003"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestRulesCRUD(t *testing.T) {
	env := newTestEnv(t)
	builtins := len(rules.BuiltinRules())

	t.Run("ListBuiltins", func(t *testing.T) {
		resp := decode[struct {
			Count int `json:"count"`
		}](t, env.do(t, http.MethodGet, "/rules", nil))
		if resp.Count != builtins {
			t.Errorf("expected %d rules, got %d", builtins, resp.Count)
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", RuleRequest{
			ID:         "bad",
			Expression: "flagged_count + 1",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Create", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", RuleRequest{
			ID:         "many-flags",
			Name:       "Many flags",
			Expression: "flagged_count >= 5",
			Severity:   domain.SeverityCritical,
			Message:    "five or more flagged transactions",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rule := decode[domain.ReviewRule](t, env.do(t, http.MethodGet, "/rules/many-flags", nil))
		if rule.TenantID != testTenant || !rule.Enabled {
			t.Errorf("expected enabled tenant rule, got %+v", rule)
		}
	})

	t.Run("FlagsDecision", func(t *testing.T) {
		facts := singleFlagFacts(3)
		facts.Summary.Count = 6
		resp := decode[EvaluateResponse](t, env.do(t, http.MethodPost, "/analyze/decision", DecisionRequest{
			AccountID: "4004",
			Facts:     facts,
		}))

		found := false
		for _, f := range resp.ReviewFlags {
			if f.RuleID == "many-flags" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected many-flags review flag, got %+v", resp.ReviewFlags)
		}
		if !resp.NeedsManualReview {
			t.Error("expected manual review for a critical flag")
		}
	})

	t.Run("Reload", func(t *testing.T) {
		env.rules.UnloadRule(testTenant, "many-flags")

		rr := env.do(t, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if rr := env.do(t, http.MethodGet, "/rules/many-flags", nil); rr.Code != http.StatusOK {
			t.Errorf("expected rule restored from repository, got %d", rr.Code)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if rr := env.do(t, http.MethodDelete, "/rules/many-flags", nil); rr.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodGet, "/rules/many-flags", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodDelete, "/rules/many-flags", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 on second delete, got %d", rr.Code)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		env.do(t, http.MethodPost, "/rules", RuleRequest{ID: "mine", Expression: "cross_risk"})

		req := httptest.NewRequest(http.MethodGet, "/rules/mine", nil)
		req.Header.Set(TenantIDHeader, "tenant-002")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected other tenant not to see the rule, got %d", rr.Code)
		}
	})
}
