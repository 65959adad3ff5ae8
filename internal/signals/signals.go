// Package signals assembles the SignalFetcher the decision engine reads facts from.
//
// A tenant's fetcher is layered as
//
//	overrides -> read-through cache -> composite(warehouse, graph source)
//
// where the graph source is the external graph service when configured and the
// warehouse's stored snapshots otherwise.
package signals

import (
	"context"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/metrics"
)

// Composite joins a warehouse and a graph source into one SignalFetcher.
type Composite struct {
	domain.WarehouseSource
	domain.GraphSource
}

// Compose returns a SignalFetcher reading warehouse facts from w and graph facts from g.
func Compose(w domain.WarehouseSource, g domain.GraphSource) *Composite {
	return &Composite{WarehouseSource: w, GraphSource: g}
}

// Warehouse reads one tenant's facts from the repository.
// It serves graph facts from stored snapshots too.
type Warehouse struct {
	repo     domain.Repository
	tenantID string
}

// NewWarehouse binds a repository to a tenant.
func NewWarehouse(repo domain.Repository, tenantID string) *Warehouse {
	return &Warehouse{repo: repo, tenantID: tenantID}
}

func (w *Warehouse) FetchFlaggedSummary(ctx context.Context, id domain.AccountID) (*domain.FlaggedTransactionSummary, error) {
	return w.repo.GetFlaggedSummary(ctx, w.tenantID, id)
}

func (w *Warehouse) FetchAccountAge(ctx context.Context, id domain.AccountID) (*domain.AccountAgeFact, error) {
	return w.repo.GetAccountAge(ctx, w.tenantID, id)
}

func (w *Warehouse) FetchTags(ctx context.Context, id domain.AccountID) (*domain.TagSet, error) {
	return w.repo.GetTags(ctx, w.tenantID, id)
}

func (w *Warehouse) FetchMoneyEvents(ctx context.Context, id domain.AccountID, q domain.MoneyEventQuery) ([]domain.MoneyEvent, error) {
	return w.repo.ListMoneyEvents(ctx, w.tenantID, id, q)
}

func (w *Warehouse) FetchContacts(ctx context.Context, id domain.AccountID, q domain.ContactQuery) ([]domain.ContactRecord, error) {
	return w.repo.ListContacts(ctx, w.tenantID, id, q)
}

func (w *Warehouse) FetchRelationshipGraph(ctx context.Context, id domain.AccountID) (*domain.GraphPayload, error) {
	return w.repo.GetGraphSnapshot(ctx, w.tenantID, id)
}

func (w *Warehouse) FetchFraudProximity(ctx context.Context, id domain.AccountID) (*domain.FraudProximityFact, error) {
	return w.repo.GetFraudProximity(ctx, w.tenantID, id)
}

// Provider builds per-tenant fetchers over shared infrastructure.
type Provider struct {
	repo      domain.Repository
	graph     domain.GraphSource
	cache     domain.Cache
	ttl       time.Duration
	overrides *Overrides
	metrics   *metrics.Metrics
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithGraphSource replaces the warehouse snapshots as graph source.
func WithGraphSource(g domain.GraphSource) ProviderOption {
	return func(p *Provider) { p.graph = g }
}

// WithCache enables the read-through fact cache.
func WithCache(c domain.Cache, ttl time.Duration) ProviderOption {
	return func(p *Provider) {
		p.cache = c
		p.ttl = ttl
	}
}

// WithOverrides consults known facts before any other source.
func WithOverrides(o *Overrides) ProviderOption {
	return func(p *Provider) { p.overrides = o }
}

// WithMetrics records cache hits and misses.
func WithMetrics(m *metrics.Metrics) ProviderOption {
	return func(p *Provider) { p.metrics = m }
}

// NewProvider creates a fetcher provider over the warehouse.
func NewProvider(repo domain.Repository, opts ...ProviderOption) *Provider {
	p := &Provider{repo: repo}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetcher returns the layered fetcher of a tenant.
func (p *Provider) Fetcher(tenantID string) domain.SignalFetcher {
	wh := NewWarehouse(p.repo, tenantID)

	var gs domain.GraphSource = wh
	if p.graph != nil {
		gs = p.graph
	}

	var f domain.SignalFetcher = Compose(wh, gs)
	if p.cache != nil {
		f = NewCached(f, p.cache, tenantID, p.ttl, p.metrics)
	}
	if p.overrides != nil && p.overrides.Len() > 0 {
		f = p.overrides.Wrap(f)
	}
	return f
}

// Invalidate drops the cached facts of an account after new facts were ingested.
func (p *Provider) Invalidate(ctx context.Context, tenantID string, id domain.AccountID) error {
	if p.cache == nil {
		return nil
	}
	return NewCached(nil, p.cache, tenantID, p.ttl, p.metrics).Invalidate(ctx, id)
}

// Overrides returns the known-facts store, or nil.
func (p *Provider) Overrides() *Overrides {
	return p.overrides
}

// filterMoney keeps the events inside the query window. Zero bounds are open.
func filterMoney(events []domain.MoneyEvent, q domain.MoneyEventQuery) []domain.MoneyEvent {
	var out []domain.MoneyEvent
	for _, e := range events {
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func filterContacts(records []domain.ContactRecord, q domain.ContactQuery) []domain.ContactRecord {
	var out []domain.ContactRecord
	for _, c := range records {
		if q.Subtype != "" && c.Subtype != "" && c.Subtype != q.Subtype {
			continue
		}
		if !q.OpenedAfter.IsZero() && !c.OpenedAt.After(q.OpenedAfter) {
			continue
		}
		out = append(out, c)
	}
	return out
}
