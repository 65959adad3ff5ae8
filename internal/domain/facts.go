package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountID identifies a payment account (user id in the warehouse).
type AccountID string

func (id AccountID) String() string { return string(id) }

var hundred = decimal.NewFromInt(100)

// FlaggedTransactionSummary aggregates prior fraud-flagged transactions for an account.
// It is the prerequisite signal: the engine cannot decide without it.
type FlaggedTransactionSummary struct {
	AccountID             AccountID       `json:"accountId"`
	Count                 int             `json:"count"`
	TotalAmount           decimal.Decimal `json:"totalAmount"`
	TotalTransactionCount int             `json:"totalTransactionCount"`
	TotalReceivedAmount   decimal.Decimal `json:"totalReceivedAmount"`

	// ReferenceDate is the restriction date the lookback windows are anchored on.
	ReferenceDate *time.Time `json:"referenceDate,omitempty"`
}

// CountPercentage returns flagged count over total transactions, as a percentage.
// A zero denominator yields 0.
func (s FlaggedTransactionSummary) CountPercentage() decimal.Decimal {
	if s.TotalTransactionCount <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Count)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(s.TotalTransactionCount)))
}

// AmountPercentage returns flagged amount over total received amount, as a percentage.
// A zero denominator yields 0.
func (s FlaggedTransactionSummary) AmountPercentage() decimal.Decimal {
	if !s.TotalReceivedAmount.IsPositive() {
		return decimal.Zero
	}
	return s.TotalAmount.Mul(hundred).Div(s.TotalReceivedAmount)
}

// AccountAgeFact holds the account creation date. Either field may be absent.
type AccountAgeFact struct {
	CreationDate *time.Time `json:"creationDate,omitempty"`
	AgeInDays    *int       `json:"ageInDays,omitempty"`
}

// Days returns the account age and whether it is known.
func (a AccountAgeFact) Days() (int, bool) {
	if a.AgeInDays == nil {
		return 0, false
	}
	return *a.AgeInDays, true
}

// AgeAt builds an AccountAgeFact from a creation date measured at ref.
func AgeAt(created, ref time.Time) AccountAgeFact {
	days := int(ref.Sub(created).Hours() / 24)
	if days < 0 {
		days = 0
	}
	c := created
	return AccountAgeFact{CreationDate: &c, AgeInDays: &days}
}

// TagSet holds the tags of an account from its two independent sources.
type TagSet struct {
	AllowList []string `json:"allowList"`
	Profile   []string `json:"profile"`
}

// All returns the tags of both sources, allow-list first.
func (t TagSet) All() []string {
	out := make([]string, 0, len(t.AllowList)+len(t.Profile))
	out = append(out, t.AllowList...)
	return append(out, t.Profile...)
}

// FraudProximityFact counts fraud-labelled users reachable within a few hops.
type FraudProximityFact struct {
	UsersAnalyzed       int `json:"userCount"`
	FraudConfirmedCount int `json:"fraudConfirmedUserCount"`
	FraudAlmostCount    int `json:"fraudAlmostUserCount"`
	FraudMaybeCount     int `json:"fraudMaybeUserCount"`
	FraudAtoCount       int `json:"fraudAtoUserCount"`
}

// Total returns the number of fraud-labelled users across all labels.
func (f FraudProximityFact) Total() int {
	return f.FraudConfirmedCount + f.FraudAlmostCount + f.FraudMaybeCount + f.FraudAtoCount
}

// HasFraud reports whether any fraud-labelled user is near the account.
func (f FraudProximityFact) HasFraud() bool { return f.Total() > 0 }

// MoneyEventKind is the direction of a money movement.
type MoneyEventKind string

const (
	MoneyInflow  MoneyEventKind = "inflow"
	MoneyOutflow MoneyEventKind = "outflow"
)

// MoneyEvent is a single money movement. Amount is always positive.
type MoneyEvent struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        MoneyEventKind  `json:"kind"`
	SourceTable string          `json:"sourceTable,omitempty"`
}

// ContactRecord is a customer-initiated dispute case.
type ContactRecord struct {
	CaseID   string    `json:"caseId"`
	Subtype  string    `json:"subtype,omitempty"`
	OpenedAt time.Time `json:"openedAt"`
}

// FactsBundle carries every fact of one account. Nil fields are absent.
// Used for warehouse ingestion, known-facts overrides and in-memory fetchers.
type FactsBundle struct {
	Summary        *FlaggedTransactionSummary `json:"summary,omitempty"`
	Age            *AccountAgeFact            `json:"age,omitempty"`
	Tags           *TagSet                    `json:"tags,omitempty"`
	Graph          *GraphPayload              `json:"graph,omitempty"`
	FraudProximity *FraudProximityFact        `json:"fraudProximity,omitempty"`
	MoneyEvents    []MoneyEvent               `json:"moneyEvents,omitempty"`
	Contacts       []ContactRecord            `json:"contacts,omitempty"`
}
