package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/graph"
	"github.com/opensource-finance/talon/internal/velocity"
)

// stateFn is one step of the state machine. It returns the next step,
// or nil once the decision is terminal.
type stateFn func(r *run) stateFn

// run holds the state of a single evaluation.
type run struct {
	e       *Engine
	ctx     context.Context
	fetcher domain.SignalFetcher
	tenant  string

	d       *domain.Decision
	summary domain.FlaggedTransactionSummary
	err     error
}

func (r *run) record(step domain.StepName, observed, threshold, result string, v domain.Verification, note string) {
	r.d.Rationale = append(r.d.Rationale, domain.RationaleEntry{
		Order:        len(r.d.Rationale) + 1,
		Step:         step,
		Observed:     observed,
		Threshold:    threshold,
		Result:       result,
		Verification: v,
		Note:         note,
	})
}

func (r *run) finish(verdict domain.Verdict, reason domain.ReasonCode) stateFn {
	r.d.Verdict = verdict
	r.d.ReasonCode = reason
	return nil
}

// refTime is the anchor of the lookback windows: the reference date, or now.
func (r *run) refTime() time.Time {
	if r.summary.ReferenceDate != nil {
		return *r.summary.ReferenceDate
	}
	return r.e.now()
}

func unverifiedNote[T any](s domain.Signal[T], fallback string) string {
	if s.Verified {
		return ""
	}
	return fmt.Sprintf("signal unavailable, treated as %s (%v)", fallback, s.Err)
}

func checkPrerequisite(r *run) stateFn {
	ctx, cancel := context.WithTimeout(r.ctx, r.e.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	s, err := r.fetcher.FetchFlaggedSummary(ctx, r.d.AccountID)
	r.e.metrics.ObserveFetch(domain.SignalFlaggedSummary, err, start)
	if err != nil {
		r.err = fmt.Errorf("%w: %v", domain.ErrMissingPrerequisiteData, err)
		return nil
	}
	if s == nil {
		s = &domain.FlaggedTransactionSummary{AccountID: r.d.AccountID}
	}
	if s.Count < 0 {
		r.err = fmt.Errorf("%w: negative flagged count %d", domain.ErrMissingPrerequisiteData, s.Count)
		return nil
	}
	r.summary = *s
	summary := *s
	r.d.Evidence.Summary = &summary

	const threshold = "0 not applicable, 1 single-flag flow, 2+ multi-flag flow"
	observed := fmt.Sprintf("%d flagged transactions", s.Count)

	switch {
	case s.Count == 0:
		r.record(domain.StepPrerequisite, observed, threshold, domain.StepResultTerminal, domain.Verified, "")
		return r.finish(domain.VerdictNotApplicable, domain.ReasonNoFlaggedTransactions)
	case s.Count == 1:
		r.d.Flow = domain.FlowSingleFlag
		r.record(domain.StepPrerequisite, observed, threshold, domain.StepResultContinue, domain.Verified, "")
		return checkAccountAge
	default:
		r.d.Flow = domain.FlowMultiFlag
		r.record(domain.StepPrerequisite, observed, threshold, domain.StepResultContinue, domain.Verified, "")
		return checkAccountAge
	}
}

// ageDays resolves the account age. A stored age wins; otherwise it is
// measured from the creation date to the reference date.
func ageDays(f domain.AccountAgeFact, ref time.Time) (int, bool) {
	if d, ok := f.Days(); ok {
		return d, d >= 0
	}
	if f.CreationDate != nil {
		return domain.AgeAt(*f.CreationDate, ref).Days()
	}
	return 0, false
}

func checkAccountAge(r *run) stateFn {
	sig := fetchSignal(r, domain.SignalAccountAge, domain.AccountAgeFact{}, func(ctx context.Context) (domain.AccountAgeFact, error) {
		f, err := r.fetcher.FetchAccountAge(ctx, r.d.AccountID)
		if err != nil || f == nil {
			return domain.AccountAgeFact{}, err
		}
		return *f, nil
	})

	limit := r.e.cfg.NewAccountMaxAgeDays
	threshold := fmt.Sprintf("<= %d days or unknown", limit)
	reason := domain.ReasonNewAccount
	if r.d.Flow == domain.FlowMultiFlag {
		reason = domain.ReasonNewAccountMultipleFlags
	}

	days, known := ageDays(sig.Value, r.refTime())
	if !known {
		note := unverifiedNote(sig, "unknown age")
		if note == "" {
			note = "account age unknown, treated as new"
		}
		r.record(domain.StepAccountAge, "unknown", threshold, domain.StepResultTerminal, sig.Verification(), note)
		return r.finish(domain.VerdictConfirmed, reason)
	}

	d := days
	r.d.Evidence.AgeDays = &d
	observed := fmt.Sprintf("%d days", days)
	if days <= limit {
		r.record(domain.StepAccountAge, observed, threshold, domain.StepResultTerminal, sig.Verification(), "")
		return r.finish(domain.VerdictConfirmed, reason)
	}
	r.record(domain.StepAccountAge, observed, threshold, domain.StepResultContinue, sig.Verification(), "")

	if r.d.Flow == domain.FlowSingleFlag {
		return checkFlaggedPercentage
	}
	return checkRelevantTags
}

func checkFlaggedPercentage(r *run) stateFn {
	limit := decimal.NewFromFloat(r.e.cfg.FlaggedPercentageThreshold)
	countPct := r.summary.CountPercentage()
	amountPct := r.summary.AmountPercentage()

	observed := fmt.Sprintf("count %s%%, amount %s%%", countPct.Round(4).String(), amountPct.Round(4).String())
	threshold := fmt.Sprintf("count or amount >= %s%%", limit.String())

	if countPct.GreaterThanOrEqual(limit) || amountPct.GreaterThanOrEqual(limit) {
		r.record(domain.StepFlaggedPercentage, observed, threshold, domain.StepResultTerminal, domain.Verified, "")
		return r.finish(domain.VerdictConfirmed, domain.ReasonHighFlaggedRatio)
	}
	r.record(domain.StepFlaggedPercentage, observed, threshold, domain.StepResultTerminal, domain.Verified, "")
	return r.finish(domain.VerdictDismissed, domain.ReasonLowFlaggedRatio)
}

func checkRelevantTags(r *run) stateFn {
	sig := fetchSignal(r, domain.SignalTags, domain.TagSet{}, func(ctx context.Context) (domain.TagSet, error) {
		t, err := r.fetcher.FetchTags(ctx, r.d.AccountID)
		if err != nil || t == nil {
			return domain.TagSet{}, err
		}
		return *t, nil
	})

	matched := r.e.matcher.Match(sig.Value.All())
	r.d.Evidence.MatchedTags = matched
	threshold := "at least one protected tag"
	note := unverifiedNote(sig, "no tags")

	if len(matched) == 0 {
		observed := fmt.Sprintf("no protected tag among %d tags", len(sig.Value.All()))
		r.record(domain.StepRelevantTags, observed, threshold, domain.StepResultTerminal, sig.Verification(), note)
		return r.finish(domain.VerdictConfirmed, domain.ReasonUnprotectedAccount)
	}
	r.record(domain.StepRelevantTags, "matched "+strings.Join(matched, ", "), threshold, domain.StepResultContinue, sig.Verification(), note)
	return checkCrossRisk
}

func checkCrossRisk(r *run) stateFn {
	graphSig := fetchSignal(r, domain.SignalRelationshipGraph, (*domain.GraphPayload)(nil), func(ctx context.Context) (*domain.GraphPayload, error) {
		return r.fetcher.FetchRelationshipGraph(ctx, r.d.AccountID)
	})
	analysis := graph.Analyze(graphSig.Value)
	switch {
	case !graphSig.Verified:
	case analysis.Malformed:
		graphSig = domain.UnverifiedSignal[*domain.GraphPayload](nil, fmt.Errorf("%w: %s: %w", domain.ErrUnverifiedSignal, domain.SignalRelationshipGraph, domain.ErrMalformedPayload))
	case !analysis.SubjectFound:
		// A graph that does not contain the account says nothing about it.
		graphSig = domain.UnverifiedSignal(graphSig.Value, fmt.Errorf("%w: %s: subject account not found in graph", domain.ErrUnverifiedSignal, domain.SignalRelationshipGraph))
	}

	proxSig := fetchSignal(r, domain.SignalFraudProximity, domain.FraudProximityFact{}, func(ctx context.Context) (domain.FraudProximityFact, error) {
		f, err := r.fetcher.FetchFraudProximity(ctx, r.d.AccountID)
		if err != nil || f == nil {
			return domain.FraudProximityFact{}, err
		}
		return *f, nil
	})

	prox := proxSig.Value
	r.d.Evidence.CrossRisk = analysis.Findings
	r.d.Evidence.FraudProximity = &prox

	graphRisk := analysis.HasCrossRisk
	proxRisk := prox.HasFraud()

	verification := domain.Unverified
	switch {
	case graphRisk && graphSig.Verified, proxRisk && proxSig.Verified:
		verification = domain.Verified
	case !graphRisk && !proxRisk && graphSig.Verified && proxSig.Verified:
		verification = domain.Verified
	}

	var notes []string
	if n := unverifiedNote(graphSig, "no shared resources"); n != "" {
		notes = append(notes, "graph: "+n)
	}
	if n := unverifiedNote(proxSig, "no fraud proximity"); n != "" {
		notes = append(notes, "fraud proximity: "+n)
	}

	observed := fmt.Sprintf("%d shared resource kinds with %d related accounts; %d fraud users of %d within reach",
		len(analysis.Findings), analysis.TotalRelatedAccounts, prox.Total(), prox.UsersAnalyzed)
	threshold := "any shared resource or fraud proximity > 0"
	note := strings.Join(notes, "; ")

	if graphRisk || proxRisk {
		r.record(domain.StepCrossRisk, observed, threshold, domain.StepResultTerminal, verification, note)
		return r.finish(domain.VerdictConfirmed, domain.ReasonCrossRisk)
	}
	r.record(domain.StepCrossRisk, observed, threshold, domain.StepResultContinue, verification, note)
	return checkWithdrawalVelocity
}

func checkWithdrawalVelocity(r *run) stateFn {
	ref := r.refTime()
	q := domain.MoneyEventQuery{Since: ref.Add(-r.e.cfg.MoneyLookback), Until: ref}
	sig := fetchSignal(r, domain.SignalMoneyEvents, []domain.MoneyEvent(nil), func(ctx context.Context) ([]domain.MoneyEvent, error) {
		return r.fetcher.FetchMoneyEvents(ctx, r.d.AccountID, q)
	})

	inflows, outflows := velocity.Split(velocity.Merge(sig.Value))
	res := velocity.Analyze(inflows, outflows, velocity.OptionsFrom(r.e.cfg))
	r.d.Evidence.Velocity = &res

	threshold := fmt.Sprintf("any pair <= %s", r.e.cfg.FastWithdrawalThreshold)
	note := unverifiedNote(sig, "no money events")
	if note == "" {
		switch res.Outcome {
		case domain.VelocityNoInflow:
			note = "no inflow in lookback window"
		case domain.VelocityNoOutflow:
			note = "no outflow within lookahead window"
		}
	}

	var observed string
	if res.TotalPairCount > 0 {
		observed = fmt.Sprintf("%s: %d of %d pairs fast, fastest %.2fh", res.Outcome, res.FastPairCount, res.TotalPairCount, res.MinHours)
	} else {
		observed = fmt.Sprintf("%s: %d inflows, no pairs", res.Outcome, res.InflowsAnalyzed)
	}

	if res.IsFast {
		r.record(domain.StepWithdrawalVelocity, observed, threshold, domain.StepResultTerminal, sig.Verification(), note)
		return r.finish(domain.VerdictConfirmed, domain.ReasonRapidWithdrawal)
	}
	r.record(domain.StepWithdrawalVelocity, observed, threshold, domain.StepResultContinue, sig.Verification(), note)
	return checkExactlyTwoFlags
}

func checkExactlyTwoFlags(r *run) stateFn {
	observed := fmt.Sprintf("%d flagged transactions", r.summary.Count)
	if r.summary.Count == 2 {
		r.record(domain.StepExactlyTwoFlags, observed, "== 2", domain.StepResultTerminal, domain.Verified, "")
		return r.finish(domain.VerdictDismissed, domain.ReasonOnlyTwoFlags)
	}
	r.record(domain.StepExactlyTwoFlags, observed, "== 2", domain.StepResultContinue, domain.Verified, "")
	return checkCustomerContact
}

func checkCustomerContact(r *run) stateFn {
	var floor time.Time
	if r.summary.ReferenceDate != nil {
		floor = *r.summary.ReferenceDate
	}
	q := domain.ContactQuery{Subtype: r.e.cfg.ContactSubtype, OpenedAfter: floor}
	sig := fetchSignal(r, domain.SignalContacts, []domain.ContactRecord(nil), func(ctx context.Context) ([]domain.ContactRecord, error) {
		return r.fetcher.FetchContacts(ctx, r.d.AccountID, q)
	})

	var contacts []domain.ContactRecord
	for _, c := range sig.Value {
		if c.Subtype != "" && c.Subtype != q.Subtype {
			continue
		}
		if !c.OpenedAt.After(floor) {
			continue
		}
		contacts = append(contacts, c)
	}
	r.d.Evidence.Contacts = contacts

	observed := fmt.Sprintf("%d %s cases", len(contacts), q.Subtype)
	threshold := "at least one case"
	if !floor.IsZero() {
		threshold += " opened after " + floor.Format(time.DateOnly)
	}
	note := unverifiedNote(sig, "no contact")

	if len(contacts) > 0 {
		r.record(domain.StepCustomerContact, observed, threshold, domain.StepResultTerminal, sig.Verification(), note)
		return r.finish(domain.VerdictDismissed, domain.ReasonCustomerDispute)
	}
	r.record(domain.StepCustomerContact, observed, threshold, domain.StepResultTerminal, sig.Verification(), note)
	return r.finish(domain.VerdictConfirmed, domain.ReasonNoDispute)
}

// IsPrerequisiteFailure reports whether err means no decision could be made.
func IsPrerequisiteFailure(err error) bool {
	return errors.Is(err, domain.ErrMissingPrerequisiteData)
}
