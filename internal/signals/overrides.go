package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/opensource-finance/talon/internal/domain"
)

// Overrides holds facts investigators already know about specific accounts,
// such as confirmed cross links the graph service does not return.
// A fact present in an override replaces the fetched one; absent facts fall through.
type Overrides struct {
	mu    sync.RWMutex
	facts map[domain.AccountID]*domain.FactsBundle
}

// NewOverrides creates an override store from a map of account facts.
func NewOverrides(facts map[domain.AccountID]*domain.FactsBundle) *Overrides {
	o := &Overrides{facts: make(map[domain.AccountID]*domain.FactsBundle, len(facts))}
	for id, f := range facts {
		o.facts[id] = f
	}
	return o
}

// LoadOverrides reads a JSON object of account id to facts.
// An empty path yields an empty store.
func LoadOverrides(path string) (*Overrides, error) {
	if path == "" {
		return NewOverrides(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides: %w", err)
	}
	var facts map[domain.AccountID]*domain.FactsBundle
	if err := json.Unmarshal(data, &facts); err != nil {
		return nil, fmt.Errorf("failed to parse overrides %s: %w", path, err)
	}
	return NewOverrides(facts), nil
}

// Get returns the known facts of an account.
func (o *Overrides) Get(id domain.AccountID) (*domain.FactsBundle, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	f, ok := o.facts[id]
	return f, ok && f != nil
}

// Set replaces the known facts of an account.
func (o *Overrides) Set(id domain.AccountID, f *domain.FactsBundle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.facts[id] = f
}

// Len returns the number of accounts with known facts.
func (o *Overrides) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.facts)
}

// Wrap returns a fetcher that consults the store before next.
func (o *Overrides) Wrap(next domain.SignalFetcher) domain.SignalFetcher {
	return &overlay{store: o, next: next}
}

type overlay struct {
	store *Overrides
	next  domain.SignalFetcher
}

func (f *overlay) FetchFlaggedSummary(ctx context.Context, id domain.AccountID) (*domain.FlaggedTransactionSummary, error) {
	if b, ok := f.store.Get(id); ok && b.Summary != nil {
		return b.Summary, nil
	}
	return f.next.FetchFlaggedSummary(ctx, id)
}

func (f *overlay) FetchAccountAge(ctx context.Context, id domain.AccountID) (*domain.AccountAgeFact, error) {
	if b, ok := f.store.Get(id); ok && b.Age != nil {
		return b.Age, nil
	}
	return f.next.FetchAccountAge(ctx, id)
}

func (f *overlay) FetchTags(ctx context.Context, id domain.AccountID) (*domain.TagSet, error) {
	if b, ok := f.store.Get(id); ok && b.Tags != nil {
		return b.Tags, nil
	}
	return f.next.FetchTags(ctx, id)
}

func (f *overlay) FetchMoneyEvents(ctx context.Context, id domain.AccountID, q domain.MoneyEventQuery) ([]domain.MoneyEvent, error) {
	if b, ok := f.store.Get(id); ok && b.MoneyEvents != nil {
		return filterMoney(b.MoneyEvents, q), nil
	}
	return f.next.FetchMoneyEvents(ctx, id, q)
}

func (f *overlay) FetchContacts(ctx context.Context, id domain.AccountID, q domain.ContactQuery) ([]domain.ContactRecord, error) {
	if b, ok := f.store.Get(id); ok && b.Contacts != nil {
		return filterContacts(b.Contacts, q), nil
	}
	return f.next.FetchContacts(ctx, id, q)
}

func (f *overlay) FetchRelationshipGraph(ctx context.Context, id domain.AccountID) (*domain.GraphPayload, error) {
	if b, ok := f.store.Get(id); ok && b.Graph != nil {
		return b.Graph, nil
	}
	return f.next.FetchRelationshipGraph(ctx, id)
}

func (f *overlay) FetchFraudProximity(ctx context.Context, id domain.AccountID) (*domain.FraudProximityFact, error) {
	if b, ok := f.store.Get(id); ok && b.FraudProximity != nil {
		return b.FraudProximity, nil
	}
	return f.next.FetchFraudProximity(ctx, id)
}
