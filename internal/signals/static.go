package signals

import (
	"context"
	"sync"

	"github.com/opensource-finance/talon/internal/domain"
)

// Static serves facts from memory. It backs dry-run evaluations of supplied
// facts and stands in for the warehouse in tests.
// Errors, keyed by signal name, are returned instead of the fact.
type Static struct {
	Facts  map[domain.AccountID]*domain.FactsBundle
	Errors map[string]error

	mu    sync.Mutex
	calls map[string]int
}

// NewStatic creates a static fetcher holding one account's facts.
func NewStatic(id domain.AccountID, facts *domain.FactsBundle) *Static {
	return &Static{Facts: map[domain.AccountID]*domain.FactsBundle{id: facts}}
}

// Calls returns how often a signal was fetched.
func (s *Static) Calls(signal string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[signal]
}

func (s *Static) lookup(ctx context.Context, signal string, id domain.AccountID) (*domain.FactsBundle, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[signal]++
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.Errors[signal]; err != nil {
		return nil, err
	}
	if f := s.Facts[id]; f != nil {
		return f, nil
	}
	return &domain.FactsBundle{}, nil
}

func (s *Static) FetchFlaggedSummary(ctx context.Context, id domain.AccountID) (*domain.FlaggedTransactionSummary, error) {
	f, err := s.lookup(ctx, domain.SignalFlaggedSummary, id)
	if err != nil {
		return nil, err
	}
	return f.Summary, nil
}

func (s *Static) FetchAccountAge(ctx context.Context, id domain.AccountID) (*domain.AccountAgeFact, error) {
	f, err := s.lookup(ctx, domain.SignalAccountAge, id)
	if err != nil {
		return nil, err
	}
	return f.Age, nil
}

func (s *Static) FetchTags(ctx context.Context, id domain.AccountID) (*domain.TagSet, error) {
	f, err := s.lookup(ctx, domain.SignalTags, id)
	if err != nil {
		return nil, err
	}
	return f.Tags, nil
}

func (s *Static) FetchMoneyEvents(ctx context.Context, id domain.AccountID, q domain.MoneyEventQuery) ([]domain.MoneyEvent, error) {
	f, err := s.lookup(ctx, domain.SignalMoneyEvents, id)
	if err != nil {
		return nil, err
	}
	return filterMoney(f.MoneyEvents, q), nil
}

func (s *Static) FetchContacts(ctx context.Context, id domain.AccountID, q domain.ContactQuery) ([]domain.ContactRecord, error) {
	f, err := s.lookup(ctx, domain.SignalContacts, id)
	if err != nil {
		return nil, err
	}
	return filterContacts(f.Contacts, q), nil
}

func (s *Static) FetchRelationshipGraph(ctx context.Context, id domain.AccountID) (*domain.GraphPayload, error) {
	f, err := s.lookup(ctx, domain.SignalRelationshipGraph, id)
	if err != nil {
		return nil, err
	}
	if f.Graph == nil {
		// no graph supplied: an empty but well-formed graph
		return &domain.GraphPayload{Nodes: []domain.GraphNode{}, Edges: []domain.GraphEdge{}}, nil
	}
	return f.Graph, nil
}

func (s *Static) FetchFraudProximity(ctx context.Context, id domain.AccountID) (*domain.FraudProximityFact, error) {
	f, err := s.lookup(ctx, domain.SignalFraudProximity, id)
	if err != nil {
		return nil, err
	}
	return f.FraudProximity, nil
}
