// Package worker evaluates submitted cases from the EventBus and publishes the decisions.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/talon/internal/bus"
	"github.com/opensource-finance/talon/internal/decision"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/rules"
)

// FetcherSource hands out a tenant-scoped signal fetcher.
type FetcherSource interface {
	Fetcher(tenantID string) domain.SignalFetcher
}

// Worker consumes TopicCaseSubmitted and publishes outcomes to the decision topics.
type Worker struct {
	bus     domain.EventBus
	engine  *decision.Engine
	signals FetcherSource
	rules   *rules.Engine

	mu            sync.Mutex
	subscriptions []domain.Subscription
	inflight      sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs lists the tenants to serve. Empty subscribes across all tenants.
	TenantIDs []string
}

// NewWorker creates a case worker. reviewRules may be nil.
func NewWorker(b domain.EventBus, engine *decision.Engine, source FetcherSource, reviewRules *rules.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     b,
		engine:  engine,
		signals: source,
		rules:   reviewRules,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to case submissions for the configured tenants.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{bus.AllTenants}
	}

	var errs []error
	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicCaseSubmitted, w.handleMessage)
		if err != nil {
			slog.Error("failed to start worker for tenant", "tenant_id", tenantID, "error", err)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	if len(errs) == len(tenants) {
		return errors.Join(errs...)
	}

	slog.Info("workers started", "tenant_count", len(tenants), "topic", domain.TopicCaseSubmitted)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.inflight.Add(1)
	defer w.inflight.Done()
	return w.ProcessCase(bus.ContextFrom(ctx, msg), msg)
}

// ProcessCase evaluates one case message and publishes the outcome.
func (w *Worker) ProcessCase(ctx context.Context, msg *domain.Message) error {
	start := time.Now()
	tenantID := msg.TenantID

	var req domain.CaseRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse case message", "message_id", msg.ID, "error", err)
		return err
	}
	if req.AccountID == "" {
		w.failed.Add(1)
		return fmt.Errorf("case %s: accountId is required", msg.ID)
	}

	outcome := domain.CaseOutcome{CaseID: req.CaseID, AccountID: req.AccountID}

	d, err := w.engine.EvaluateTenant(ctx, tenantID, req.AccountID, w.signals.Fetcher(tenantID))
	if err != nil {
		w.failed.Add(1)
		slog.Warn("case evaluation failed",
			"account_id", req.AccountID,
			"tenant_id", tenantID,
			"case_id", req.CaseID,
			"error", err,
		)
		outcome.Error = err.Error()
		outcome.NeedsManualReview = true
		w.publish(ctx, tenantID, msg, domain.TopicReviewRequired, outcome)
		return nil
	}

	var flags []domain.ReviewFlag
	if w.rules != nil {
		flags = w.rules.Evaluate(ctx, d)
	}
	outcome.Decision = d.ToResponse(flags)
	outcome.NeedsManualReview = d.Unverified() || domain.HasCritical(flags)

	w.publish(ctx, tenantID, msg, domain.TopicDecision, outcome)
	if d.Verdict == domain.VerdictConfirmed {
		w.publish(ctx, tenantID, nil, domain.TopicDecisionConfirmed, outcome)
	}
	if outcome.NeedsManualReview {
		w.publish(ctx, tenantID, nil, domain.TopicReviewRequired, outcome)
	}

	w.processed.Add(1)
	slog.Info("case processed",
		"account_id", req.AccountID,
		"tenant_id", tenantID,
		"case_id", req.CaseID,
		"verdict", d.Verdict,
		"reason_code", d.ReasonCode,
		"review_flags", len(flags),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// publish sends outcome to topic. A non-nil req also receives it as the request reply.
func (w *Worker) publish(ctx context.Context, tenantID string, req *domain.Message, topic string, outcome domain.CaseOutcome) {
	payload, err := json.Marshal(outcome)
	if err != nil {
		slog.Error("failed to marshal case outcome", "account_id", outcome.AccountID, "error", err)
		return
	}

	if err := w.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Error("failed to publish case outcome", "topic", topic, "account_id", outcome.AccountID, "error", err)
	}
	if req != nil {
		if err := bus.Reply(ctx, w.bus, req, payload); err != nil {
			slog.Error("failed to reply to case request", "account_id", outcome.AccountID, "error", err)
		}
	}
}

// Stop unsubscribes and waits for in-flight cases.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}

	w.inflight.Wait()
	slog.Info("workers stopped", "processed", w.processed.Load(), "failed", w.failed.Load())
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         uint64   `json:"processed"`
	Failed            uint64   `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
