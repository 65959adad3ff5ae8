// Package velocity measures how quickly money leaves an account after it arrives.
package velocity

import (
	"sort"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// Options configures the inflow to outflow pairing.
type Options struct {
	// Threshold is the inclusive upper bound of a fast pair.
	Threshold time.Duration

	// Lookahead bounds how far after an inflow an outflow may be paired.
	Lookahead time.Duration

	// MaxInflows caps pairing to the most recent inflows.
	MaxInflows int

	// SampleLimit caps the pairs kept in the result.
	SampleLimit int
}

// DefaultOptions returns the options of the authoritative decision rule.
func DefaultOptions() Options {
	return Options{
		Threshold:   6 * time.Hour,
		Lookahead:   30 * 24 * time.Hour,
		MaxInflows:  10,
		SampleLimit: 5,
	}
}

// OptionsFrom builds options from the engine thresholds.
func OptionsFrom(cfg domain.EngineConfig) Options {
	return Options{
		Threshold:   cfg.FastWithdrawalThreshold,
		Lookahead:   cfg.VelocityLookahead,
		MaxInflows:  cfg.MaxInflows,
		SampleLimit: cfg.SamplePairLimit,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.Lookahead <= 0 {
		o.Lookahead = d.Lookahead
	}
	if o.MaxInflows <= 0 {
		o.MaxInflows = d.MaxInflows
	}
	if o.SampleLimit <= 0 {
		o.SampleLimit = d.SampleLimit
	}
	return o
}

// AnalyzeVelocity pairs inflows with outflows using a threshold in hours and a lookahead window.
func AnalyzeVelocity(inflows, outflows []domain.MoneyEvent, thresholdHours float64, lookahead time.Duration) domain.VelocityResult {
	opts := DefaultOptions()
	opts.Threshold = time.Duration(thresholdHours * float64(time.Hour))
	opts.Lookahead = lookahead
	return Analyze(inflows, outflows, opts)
}

// Analyze pairs each of the most recent inflows with the earliest outflow strictly after it
// and within the lookahead window. An outflow may close several inflows.
func Analyze(inflows, outflows []domain.MoneyEvent, opts Options) domain.VelocityResult {
	opts = opts.withDefaults()

	ins := sortEvents(inflows)
	outs := sortEvents(outflows)
	if len(ins) > opts.MaxInflows {
		ins = ins[len(ins)-opts.MaxInflows:]
	}

	res := domain.VelocityResult{
		InflowsAnalyzed: len(ins),
		Threshold:       opts.Threshold,
	}
	if len(ins) == 0 {
		res.Outcome = domain.VelocityNoInflow
		return res
	}

	var pairs []domain.VelocityPair
	for _, in := range ins {
		i := sort.Search(len(outs), func(i int) bool {
			return outs[i].Timestamp.After(in.Timestamp)
		})
		if i == len(outs) {
			continue
		}
		out := outs[i]
		elapsed := out.Timestamp.Sub(in.Timestamp)
		if elapsed > opts.Lookahead {
			continue
		}
		pairs = append(pairs, domain.VelocityPair{
			Inflow:       in,
			Outflow:      out,
			Elapsed:      elapsed,
			ElapsedHours: elapsed.Hours(),
			Fast:         elapsed <= opts.Threshold,
		})
	}

	res.TotalPairCount = len(pairs)
	if len(pairs) == 0 {
		res.Outcome = domain.VelocityNoOutflow
		return res
	}

	var total time.Duration
	minElapsed := pairs[0].Elapsed
	for _, p := range pairs {
		total += p.Elapsed
		if p.Elapsed < minElapsed {
			minElapsed = p.Elapsed
		}
		if p.Fast {
			res.FastPairCount++
		}
	}
	res.MeanHours = (total / time.Duration(len(pairs))).Hours()
	res.MinHours = minElapsed.Hours()
	res.IsFast = res.FastPairCount > 0
	if res.IsFast {
		res.Outcome = domain.VelocityFast
	} else {
		res.Outcome = domain.VelocitySlow
	}

	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Elapsed < pairs[j].Elapsed })
	if len(pairs) > opts.SampleLimit {
		pairs = pairs[:opts.SampleLimit]
	}
	res.SamplePairs = pairs
	return res
}

// Merge combines money events from several provenance sources in timestamp order.
func Merge(sources ...[]domain.MoneyEvent) []domain.MoneyEvent {
	var n int
	for _, s := range sources {
		n += len(s)
	}
	all := make([]domain.MoneyEvent, 0, n)
	for _, s := range sources {
		all = append(all, s...)
	}
	return sortEvents(all)
}

// Split separates inflows from outflows, dropping events with a non-positive amount.
func Split(events []domain.MoneyEvent) (inflows, outflows []domain.MoneyEvent) {
	for _, e := range events {
		if !e.Amount.IsPositive() {
			continue
		}
		switch e.Kind {
		case domain.MoneyInflow:
			inflows = append(inflows, e)
		case domain.MoneyOutflow:
			outflows = append(outflows, e)
		}
	}
	return inflows, outflows
}

func sortEvents(in []domain.MoneyEvent) []domain.MoneyEvent {
	out := make([]domain.MoneyEvent, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
