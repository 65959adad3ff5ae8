// Package decision implements the account triage state machine.
// One evaluation walks the steps in a fixed order, fetches each signal only
// when its step runs and stops at the first terminal result.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/metrics"
	"github.com/opensource-finance/talon/internal/tags"
)

// EngineVersion is reported in decision metadata.
const EngineVersion = "talon-1.0"

var tracer = otel.Tracer("talon-engine")

// Engine evaluates accounts. It holds no per-evaluation state and is safe
// for concurrent use.
type Engine struct {
	cfg     domain.EngineConfig
	matcher *tags.Matcher
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMatcher replaces the protected-tag matcher.
func WithMatcher(m *tags.Matcher) Option {
	return func(e *Engine) { e.matcher = m }
}

// WithMetrics records decisions and fetches on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now, used when no reference date is known.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. Zero thresholds fall back to the defaults.
func NewEngine(cfg domain.EngineConfig, opts ...Option) *Engine {
	e := &Engine{
		cfg:     withDefaults(cfg),
		matcher: tags.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func withDefaults(cfg domain.EngineConfig) domain.EngineConfig {
	d := domain.DefaultEngineConfig()
	if cfg.NewAccountMaxAgeDays <= 0 {
		cfg.NewAccountMaxAgeDays = d.NewAccountMaxAgeDays
	}
	if cfg.FlaggedPercentageThreshold <= 0 {
		cfg.FlaggedPercentageThreshold = d.FlaggedPercentageThreshold
	}
	if cfg.FastWithdrawalThreshold <= 0 {
		cfg.FastWithdrawalThreshold = d.FastWithdrawalThreshold
	}
	if cfg.VelocityLookahead <= 0 {
		cfg.VelocityLookahead = d.VelocityLookahead
	}
	if cfg.MaxInflows <= 0 {
		cfg.MaxInflows = d.MaxInflows
	}
	if cfg.SamplePairLimit <= 0 {
		cfg.SamplePairLimit = d.SamplePairLimit
	}
	if cfg.MoneyLookback <= 0 {
		cfg.MoneyLookback = d.MoneyLookback
	}
	if cfg.ContactSubtype == "" {
		cfg.ContactSubtype = d.ContactSubtype
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = d.FetchTimeout
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = d.BatchConcurrency
	}
	return cfg
}

// Config returns the effective thresholds.
func (e *Engine) Config() domain.EngineConfig {
	return e.cfg
}

// Evaluate runs the state machine for one account.
func (e *Engine) Evaluate(ctx context.Context, id domain.AccountID, fetcher domain.SignalFetcher) (*domain.Decision, error) {
	return e.EvaluateTenant(ctx, "", id, fetcher)
}

// EvaluateTenant runs the state machine for one account of a tenant.
// Only a failure to obtain the flagged-transaction summary returns an error;
// every other unavailable signal is recorded as unverified in the rationale.
func (e *Engine) EvaluateTenant(ctx context.Context, tenantID string, id domain.AccountID, fetcher domain.SignalFetcher) (*domain.Decision, error) {
	if id == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("signal fetcher is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "decision.Evaluate",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("account.id", string(id)),
		),
	)
	defer span.End()

	r := &run{
		e:       e,
		ctx:     ctx,
		fetcher: fetcher,
		tenant:  tenantID,
		d: &domain.Decision{
			ID:        uuid.New().String(),
			TenantID:  tenantID,
			AccountID: id,
			Flow:      domain.FlowPrerequisite,
		},
	}

	for state := stateFn(checkPrerequisite); state != nil; {
		state = state(r)
	}

	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
		slog.Error("evaluation aborted",
			"tenant_id", tenantID,
			"account_id", id,
			"error", r.err,
		)
		return nil, r.err
	}

	d := r.d
	d.EvaluatedAt = e.now().UTC()
	d.Metadata = domain.DecisionMetadata{
		TotalMs:       time.Since(start).Milliseconds(),
		StepsRun:      len(d.Rationale),
		EngineVersion: EngineVersion,
	}
	if sc := span.SpanContext(); sc.TraceID().IsValid() {
		d.Metadata.TraceID = sc.TraceID().String()
	}

	span.SetAttributes(
		attribute.String("decision.verdict", string(d.Verdict)),
		attribute.String("decision.reason", string(d.ReasonCode)),
		attribute.Bool("decision.unverified", d.Unverified()),
	)
	e.metrics.ObserveDecision(string(d.Verdict), string(d.ReasonCode), !d.Unverified(), start)

	slog.Info("decision made",
		"tenant_id", tenantID,
		"account_id", id,
		"decision_id", d.ID,
		"verdict", d.Verdict,
		"reason", d.ReasonCode,
		"flow", d.Flow,
		"steps", len(d.Rationale),
		"unverified_steps", d.UnverifiedSteps(),
		"duration_ms", d.Metadata.TotalMs,
	)

	return d, nil
}

// fetchSignal runs one collaborator fetch under its own timeout.
// A failure yields the fallback value marked unverified.
func fetchSignal[T any](r *run, name string, fallback T, fn func(ctx context.Context) (T, error)) domain.Signal[T] {
	ctx, cancel := context.WithTimeout(r.ctx, r.e.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	v, err := fn(ctx)
	r.e.metrics.ObserveFetch(name, err, start)
	if err != nil {
		slog.Warn("signal unavailable, using fallback",
			"tenant_id", r.tenant,
			"account_id", r.d.AccountID,
			"signal", name,
			"error", err,
		)
		return domain.UnverifiedSignal(fallback, fmt.Errorf("%w: %s: %v", domain.ErrUnverifiedSignal, name, err))
	}
	return domain.VerifiedSignal(v)
}
