package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/bus"
	"github.com/opensource-finance/talon/internal/decision"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/rules"
	"github.com/opensource-finance/talon/internal/signals"
)

type staticSource struct {
	fetcher domain.SignalFetcher
}

func (s staticSource) Fetcher(string) domain.SignalFetcher { return s.fetcher }

func newAccountFacts(count int) *domain.FactsBundle {
	age := 10
	return &domain.FactsBundle{
		Summary: &domain.FlaggedTransactionSummary{
			AccountID:             "1001",
			Count:                 count,
			TotalAmount:           decimal.NewFromInt(500),
			TotalTransactionCount: 20,
			TotalReceivedAmount:   decimal.NewFromInt(10000),
		},
		Age: &domain.AccountAgeFact{AgeInDays: &age},
	}
}

func newTestWorker(t *testing.T, b domain.EventBus, fetcher domain.SignalFetcher) *Worker {
	t.Helper()
	reviewRules, err := rules.NewEngine(4, nil)
	if err != nil {
		t.Fatalf("rules engine: %v", err)
	}
	if err := reviewRules.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("load rules: %v", err)
	}
	engine := decision.NewEngine(domain.DefaultEngineConfig())
	return NewWorker(b, engine, staticSource{fetcher}, reviewRules)
}

func collect(t *testing.T, b domain.EventBus, tenantID, topic string) <-chan domain.CaseOutcome {
	t.Helper()
	ch := make(chan domain.CaseOutcome, 10)
	_, err := b.Subscribe(context.Background(), tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
		var out domain.CaseOutcome
		if err := json.Unmarshal(msg.Payload, &out); err != nil {
			return err
		}
		ch <- out
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	return ch
}

func waitOutcome(t *testing.T, ch <-chan domain.CaseOutcome) domain.CaseOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for case outcome")
		return domain.CaseOutcome{}
	}
}

func TestWorkerStartAndStop(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	worker := newTestWorker(t, eventBus, signals.NewStatic("1001", newAccountFacts(1)))

	if err := worker.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := worker.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}
	for _, topic := range stats.Topics {
		if topic != domain.TopicCaseSubmitted {
			t.Errorf("unexpected topic %s", topic)
		}
	}

	if err := worker.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if stats := worker.GetStats(); stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}

func TestWorkerPublishesConfirmedDecision(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	tenantID := "tenant-001"
	worker := newTestWorker(t, eventBus, signals.NewStatic("1001", newAccountFacts(1)))
	if err := worker.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer worker.Stop()

	decisions := collect(t, eventBus, tenantID, domain.TopicDecision)
	confirmed := collect(t, eventBus, tenantID, domain.TopicDecisionConfirmed)
	review := collect(t, eventBus, tenantID, domain.TopicReviewRequired)

	payload, _ := json.Marshal(domain.CaseRequest{AccountID: "1001", CaseID: "case-7"})
	if err := eventBus.Publish(context.Background(), tenantID, domain.TopicCaseSubmitted, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	out := waitOutcome(t, decisions)
	if out.CaseID != "case-7" {
		t.Errorf("expected case-7, got %s", out.CaseID)
	}
	if out.Decision == nil {
		t.Fatal("expected decision in outcome")
	}
	if out.Decision.Verdict != domain.VerdictConfirmed {
		t.Errorf("expected CONFIRMED, got %s", out.Decision.Verdict)
	}
	if out.Decision.ReasonCode != domain.ReasonNewAccount {
		t.Errorf("expected NEW_ACCOUNT, got %s", out.Decision.ReasonCode)
	}
	if out.Decision.TenantID != tenantID {
		t.Errorf("expected tenant %s, got %s", tenantID, out.Decision.TenantID)
	}
	if out.NeedsManualReview {
		t.Error("expected no manual review for a verified decision")
	}

	waitOutcome(t, confirmed)

	select {
	case got := <-review:
		t.Errorf("unexpected review-required outcome: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}

	if stats := worker.GetStats(); stats.Processed != 1 || stats.Failed != 0 {
		t.Errorf("expected 1 processed and 0 failed, got %d/%d", stats.Processed, stats.Failed)
	}
}

func TestWorkerPrerequisiteFailureNeedsReview(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	fetcher := signals.NewStatic("1001", newAccountFacts(1))
	fetcher.Errors = map[string]error{domain.SignalFlaggedSummary: errors.New("warehouse unavailable")}

	tenantID := "tenant-001"
	worker := newTestWorker(t, eventBus, fetcher)
	if err := worker.Start(Config{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer worker.Stop()

	review := collect(t, eventBus, tenantID, domain.TopicReviewRequired)

	payload, _ := json.Marshal(domain.CaseRequest{AccountID: "1001"})
	eventBus.Publish(context.Background(), tenantID, domain.TopicCaseSubmitted, payload)

	out := waitOutcome(t, review)
	if out.Decision != nil {
		t.Error("expected no decision when the prerequisite is missing")
	}
	if out.Error == "" || !out.NeedsManualReview {
		t.Errorf("expected error outcome needing review, got %+v", out)
	}
}

func TestWorkerRepliesToRequest(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	tenantID := "tenant-001"
	worker := newTestWorker(t, eventBus, signals.NewStatic("1001", newAccountFacts(0)))
	if err := worker.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer worker.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, _ := json.Marshal(domain.CaseRequest{AccountID: "1001"})
	reply, err := eventBus.Request(ctx, tenantID, domain.TopicCaseSubmitted, payload)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	var out domain.CaseOutcome
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if out.Decision == nil || out.Decision.Verdict != domain.VerdictNotApplicable {
		t.Errorf("expected NOT_APPLICABLE reply, got %+v", out)
	}
}

func TestProcessCaseRejectsBadPayload(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	worker := newTestWorker(t, eventBus, signals.NewStatic("1001", nil))

	tests := []struct {
		name    string
		payload string
	}{
		{"InvalidJSON", "{"},
		{"MissingAccount", `{"caseId":"c-1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &domain.Message{ID: "m", TenantID: "t", Payload: []byte(tt.payload)}
			if err := worker.ProcessCase(context.Background(), msg); err == nil {
				t.Error("expected error")
			}
		})
	}

	if stats := worker.GetStats(); stats.Failed != 2 {
		t.Errorf("expected 2 failed, got %d", stats.Failed)
	}
}
