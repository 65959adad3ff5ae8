package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMissingPrerequisiteData means the flagged-transaction summary could not be obtained.
	// No decision is produced.
	ErrMissingPrerequisiteData = errors.New("missing prerequisite data")

	// ErrUnverifiedSignal marks a secondary signal that fell back to its empty value.
	ErrUnverifiedSignal = errors.New("unverified signal")

	// ErrMalformedPayload means a graph or money payload lacks its required arrays.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Signal names, used for logging, metrics and cache keys.
const (
	SignalFlaggedSummary    = "flagged_summary"
	SignalAccountAge        = "account_age"
	SignalTags              = "tags"
	SignalRelationshipGraph = "relationship_graph"
	SignalFraudProximity    = "fraud_proximity"
	SignalMoneyEvents       = "money_events"
	SignalContacts          = "contacts"
)

// Signal is a fetched fact, or the fallback used when it could not be fetched.
type Signal[T any] struct {
	Value    T
	Verified bool
	Err      error
}

// VerifiedSignal wraps a successfully fetched value.
func VerifiedSignal[T any](v T) Signal[T] {
	return Signal[T]{Value: v, Verified: true}
}

// UnverifiedSignal wraps the fallback value used in place of a failed fetch.
func UnverifiedSignal[T any](fallback T, err error) Signal[T] {
	return Signal[T]{Value: fallback, Err: err}
}

// Verification returns the rationale marker for this signal.
func (s Signal[T]) Verification() Verification {
	if s.Verified {
		return Verified
	}
	return Unverified
}

// MoneyEventQuery bounds a money-event lookup.
type MoneyEventQuery struct {
	Since time.Time
	Until time.Time
}

// ContactQuery filters dispute records server-side.
type ContactQuery struct {
	Subtype     string
	OpenedAfter time.Time
}

// WarehouseSource supplies the facts kept in the analytical warehouse.
// A missing summary row is reported as a zero count, not an error.
type WarehouseSource interface {
	FetchFlaggedSummary(ctx context.Context, id AccountID) (*FlaggedTransactionSummary, error)
	FetchAccountAge(ctx context.Context, id AccountID) (*AccountAgeFact, error)
	FetchTags(ctx context.Context, id AccountID) (*TagSet, error)
	FetchMoneyEvents(ctx context.Context, id AccountID, q MoneyEventQuery) ([]MoneyEvent, error)
	FetchContacts(ctx context.Context, id AccountID, q ContactQuery) ([]ContactRecord, error)
}

// GraphSource supplies relationship-graph facts.
type GraphSource interface {
	FetchRelationshipGraph(ctx context.Context, id AccountID) (*GraphPayload, error)
	FetchFraudProximity(ctx context.Context, id AccountID) (*FraudProximityFact, error)
}

// SignalFetcher provides one fetch operation per fact type.
// Implementations must honour ctx cancellation.
type SignalFetcher interface {
	WarehouseSource
	GraphSource
}
