package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/metrics"
)

// DefaultFactTTL is used when no TTL is configured.
const DefaultFactTTL = 10 * time.Minute

// generationTTL bounds how long an account's generation marker is kept.
// A lost marker only orphans the windowed entries written under it.
const generationTTL = 24 * time.Hour

const generationSignal = "generation"

// Cached is a read-through cache in front of a SignalFetcher.
// Values are stored as JSON under tenant-scoped keys. Errors are never cached.
type Cached struct {
	next     domain.SignalFetcher
	cache    domain.Cache
	tenantID string
	ttl      time.Duration
	metrics  *metrics.Metrics
}

// NewCached wraps next with cache.
func NewCached(next domain.SignalFetcher, cache domain.Cache, tenantID string, ttl time.Duration, m *metrics.Metrics) *Cached {
	if ttl <= 0 {
		ttl = DefaultFactTTL
	}
	return &Cached{next: next, cache: cache, tenantID: tenantID, ttl: ttl, metrics: m}
}

// FactKey builds the cache key of a fact.
func FactKey(signal string, id domain.AccountID, qualifiers ...string) string {
	key := "fact:" + signal + ":" + string(id)
	for _, q := range qualifiers {
		key += ":" + q
	}
	return key
}

func through[T any](ctx context.Context, c *Cached, signal, key string, fetch func(context.Context) (T, error)) (T, error) {
	data, err := c.cache.Get(ctx, c.tenantID, key)
	if err == nil && data != nil {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			c.metrics.CacheHit(signal)
			return v, nil
		}
	}
	c.metrics.CacheMiss(signal)

	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}

	data, err = json.Marshal(v)
	if err != nil {
		return v, nil
	}
	if err := c.cache.Set(ctx, c.tenantID, key, data, c.ttl); err != nil {
		slog.Debug("fact cache write failed",
			"tenant_id", c.tenantID,
			"key", key,
			"error", err,
		)
	}
	return v, nil
}

func (c *Cached) FetchFlaggedSummary(ctx context.Context, id domain.AccountID) (*domain.FlaggedTransactionSummary, error) {
	return through(ctx, c, domain.SignalFlaggedSummary, FactKey(domain.SignalFlaggedSummary, id),
		func(ctx context.Context) (*domain.FlaggedTransactionSummary, error) {
			return c.next.FetchFlaggedSummary(ctx, id)
		})
}

func (c *Cached) FetchAccountAge(ctx context.Context, id domain.AccountID) (*domain.AccountAgeFact, error) {
	return through(ctx, c, domain.SignalAccountAge, FactKey(domain.SignalAccountAge, id),
		func(ctx context.Context) (*domain.AccountAgeFact, error) {
			return c.next.FetchAccountAge(ctx, id)
		})
}

func (c *Cached) FetchTags(ctx context.Context, id domain.AccountID) (*domain.TagSet, error) {
	return through(ctx, c, domain.SignalTags, FactKey(domain.SignalTags, id),
		func(ctx context.Context) (*domain.TagSet, error) {
			return c.next.FetchTags(ctx, id)
		})
}

// generation returns the account's current generation marker, creating one
// when none is cached. Windowed facts are keyed under it so Invalidate can
// drop them without knowing their bounds.
func (c *Cached) generation(ctx context.Context, id domain.AccountID) string {
	key := FactKey(generationSignal, id)
	data, err := c.cache.Get(ctx, c.tenantID, key)
	if err == nil && len(data) > 0 {
		return string(data)
	}

	gen := uuid.NewString()
	if err := c.cache.Set(ctx, c.tenantID, key, []byte(gen), max(c.ttl, generationTTL)); err != nil {
		slog.Debug("fact generation write failed",
			"tenant_id", c.tenantID,
			"account_id", string(id),
			"error", err,
		)
	}
	return gen
}

// bucket truncates a window bound to the TTL so windows ending "now" share a
// key for one TTL instead of minting a key per evaluation.
func (c *Cached) bucket(t time.Time) string {
	return fmt.Sprint(t.Truncate(c.ttl).Unix())
}

func (c *Cached) FetchMoneyEvents(ctx context.Context, id domain.AccountID, q domain.MoneyEventQuery) ([]domain.MoneyEvent, error) {
	key := FactKey(domain.SignalMoneyEvents, id, c.generation(ctx, id), c.bucket(q.Since), c.bucket(q.Until))
	return through(ctx, c, domain.SignalMoneyEvents, key,
		func(ctx context.Context) ([]domain.MoneyEvent, error) {
			return c.next.FetchMoneyEvents(ctx, id, q)
		})
}

func (c *Cached) FetchContacts(ctx context.Context, id domain.AccountID, q domain.ContactQuery) ([]domain.ContactRecord, error) {
	key := FactKey(domain.SignalContacts, id, c.generation(ctx, id), q.Subtype, c.bucket(q.OpenedAfter))
	return through(ctx, c, domain.SignalContacts, key,
		func(ctx context.Context) ([]domain.ContactRecord, error) {
			return c.next.FetchContacts(ctx, id, q)
		})
}

func (c *Cached) FetchRelationshipGraph(ctx context.Context, id domain.AccountID) (*domain.GraphPayload, error) {
	return through(ctx, c, domain.SignalRelationshipGraph, FactKey(domain.SignalRelationshipGraph, id),
		func(ctx context.Context) (*domain.GraphPayload, error) {
			return c.next.FetchRelationshipGraph(ctx, id)
		})
}

func (c *Cached) FetchFraudProximity(ctx context.Context, id domain.AccountID) (*domain.FraudProximityFact, error) {
	return through(ctx, c, domain.SignalFraudProximity, FactKey(domain.SignalFraudProximity, id),
		func(ctx context.Context) (*domain.FraudProximityFact, error) {
			return c.next.FetchFraudProximity(ctx, id)
		})
}

// Invalidate drops every cached fact of an account. Dropping the generation
// marker orphans the windowed entries (money events, contacts).
func (c *Cached) Invalidate(ctx context.Context, id domain.AccountID) error {
	for _, s := range []string{
		generationSignal,
		domain.SignalFlaggedSummary,
		domain.SignalAccountAge,
		domain.SignalTags,
		domain.SignalRelationshipGraph,
		domain.SignalFraudProximity,
	} {
		if err := c.cache.Delete(ctx, c.tenantID, FactKey(s, id)); err != nil {
			return fmt.Errorf("failed to invalidate %s: %w", s, err)
		}
	}
	return nil
}
