// Package report turns a decision into the structure investigators read.
package report

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// Recommended actions.
const (
	ActionKeepRestriction = "KEEP_RESTRICTION"
	ActionLiftRestriction = "LIFT_RESTRICTION"
	ActionReturnToQueue   = "RETURN_TO_QUEUE"
)

// Pair severities, from the elapsed time of an inflow/outflow pair.
const (
	SeverityMinutes = "critical"
	SeverityHours   = "high"
	SeverityDays    = "low"
)

// Report is the rendered view of a decision.
type Report struct {
	DecisionID        string                    `json:"decisionId"`
	AccountID         domain.AccountID          `json:"accountId"`
	Verdict           domain.Verdict            `json:"verdict"`
	ReasonCode        domain.ReasonCode         `json:"reasonCode"`
	Summary           string                    `json:"summary"`
	RecommendedAction string                    `json:"recommendedAction"`
	NeedsManualReview bool                      `json:"needsManualReview"`
	Steps             []Step                    `json:"steps"`
	Findings          []domain.CrossRiskFinding `json:"findings,omitempty"`
	Velocity          *VelocityView             `json:"velocity,omitempty"`
	ReviewFlags       []domain.ReviewFlag       `json:"reviewFlags,omitempty"`
	EvaluatedAt       time.Time                 `json:"evaluatedAt"`
}

// Step is one line of the rationale trail.
type Step struct {
	Order     int    `json:"order"`
	Name      string `json:"name"`
	Observed  string `json:"observed"`
	Threshold string `json:"threshold"`
	Result    string `json:"result"`
	Verified  bool   `json:"verified"`
	Note      string `json:"note,omitempty"`
}

// VelocityView describes the withdrawal velocity in human units.
type VelocityView struct {
	Outcome  domain.VelocityOutcome `json:"outcome"`
	IsFast   bool                   `json:"isFast"`
	Fastest  string                 `json:"fastest,omitempty"`
	Mean     string                 `json:"mean,omitempty"`
	Pairs    int                    `json:"pairs"`
	Fast     int                    `json:"fast"`
	Samples  []PairView             `json:"samples,omitempty"`
	Comments string                 `json:"comments,omitempty"`
}

// PairView is one inflow/outflow pair.
type PairView struct {
	InflowAt  time.Time `json:"inflowAt"`
	OutflowAt time.Time `json:"outflowAt"`
	Amount    string    `json:"amount"`
	Elapsed   string    `json:"elapsed"`
	Severity  string    `json:"severity"`
}

var reasonText = map[domain.ReasonCode]string{
	domain.ReasonNoFlaggedTransactions:   "no flagged transactions",
	domain.ReasonNewAccount:              "new account with a flagged transaction",
	domain.ReasonHighFlaggedRatio:        "high share of flagged activity",
	domain.ReasonLowFlaggedRatio:         "low share of flagged activity on an aged account",
	domain.ReasonNewAccountMultipleFlags: "new account with multiple flagged transactions",
	domain.ReasonUnprotectedAccount:      "multiple flags and no protected tag",
	domain.ReasonCrossRisk:               "shared resources or fraud proximity",
	domain.ReasonRapidWithdrawal:         "rapid withdrawal after deposit",
	domain.ReasonOnlyTwoFlags:            "only two flags and no other risk factor",
	domain.ReasonCustomerDispute:         "customer reported the activity",
	domain.ReasonNoDispute:               "three or more flags and no customer dispute",
}

// Builder builds reports.
type Builder struct{}

// NewBuilder creates a report builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build renders a decision and its review flags into a Report.
func (b *Builder) Build(d *domain.Decision, flags []domain.ReviewFlag) *Report {
	r := &Report{
		DecisionID:        d.ID,
		AccountID:         d.AccountID,
		Verdict:           d.Verdict,
		ReasonCode:        d.ReasonCode,
		Summary:           summarize(d),
		RecommendedAction: action(d.Verdict),
		NeedsManualReview: d.Unverified() || domain.HasCritical(flags),
		Findings:          d.Evidence.CrossRisk,
		ReviewFlags:       flags,
		EvaluatedAt:       d.EvaluatedAt,
	}

	for _, e := range d.Rationale {
		r.Steps = append(r.Steps, Step{
			Order:     e.Order,
			Name:      string(e.Step),
			Observed:  e.Observed,
			Threshold: e.Threshold,
			Result:    e.Result,
			Verified:  e.Verification == domain.Verified,
			Note:      e.Note,
		})
	}

	if v := d.Evidence.Velocity; v != nil {
		r.Velocity = NewVelocityView(v)
	}
	return r
}

func summarize(d *domain.Decision) string {
	text, ok := reasonText[d.ReasonCode]
	if !ok {
		text = strings.ToLower(strings.ReplaceAll(string(d.ReasonCode), "_", " "))
	}
	s := fmt.Sprintf("%s: %s", d.Verdict, text)
	if steps := d.UnverifiedSteps(); len(steps) > 0 {
		names := make([]string, len(steps))
		for i, st := range steps {
			names[i] = string(st)
		}
		s += fmt.Sprintf(" (unverified: %s)", strings.Join(names, ", "))
	}
	return s
}

func action(v domain.Verdict) string {
	switch v {
	case domain.VerdictConfirmed:
		return ActionKeepRestriction
	case domain.VerdictDismissed:
		return ActionLiftRestriction
	}
	return ActionReturnToQueue
}

// NewVelocityView summarizes a velocity result with human durations and pair severities.
func NewVelocityView(v *domain.VelocityResult) *VelocityView {
	view := &VelocityView{
		Outcome: v.Outcome,
		IsFast:  v.IsFast,
		Pairs:   v.TotalPairCount,
		Fast:    v.FastPairCount,
	}
	switch v.Outcome {
	case domain.VelocityNoInflow:
		view.Comments = "no inflow in the lookback window"
	case domain.VelocityNoOutflow:
		view.Comments = "no outflow followed an inflow within the lookahead window"
	}
	if v.TotalPairCount > 0 {
		view.Fastest = HumanDuration(hours(v.MinHours))
		view.Mean = HumanDuration(hours(v.MeanHours))
	}
	for _, p := range v.SamplePairs {
		view.Samples = append(view.Samples, PairView{
			InflowAt:  p.Inflow.Timestamp,
			OutflowAt: p.Outflow.Timestamp,
			Amount:    p.Inflow.Amount.StringFixed(2),
			Elapsed:   HumanDuration(p.Elapsed),
			Severity:  PairSeverity(p.Elapsed),
		})
	}
	return view
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// HumanDuration formats minutes below one hour, hours below one day, days otherwise.
func HumanDuration(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%d min", int(math.Round(d.Minutes())))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1f h", d.Hours())
	default:
		return fmt.Sprintf("%.1f days", d.Hours()/24)
	}
}

// PairSeverity grades a pair by how fast the money left.
func PairSeverity(d time.Duration) string {
	switch {
	case d < time.Hour:
		return SeverityMinutes
	case d < 24*time.Hour:
		return SeverityHours
	default:
		return SeverityDays
	}
}

// Render writes the report as plain text.
func Render(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Account:\t%s\n", r.AccountID)
	fmt.Fprintf(tw, "Decision:\t%s\n", r.DecisionID)
	fmt.Fprintf(tw, "Verdict:\t%s (%s)\n", r.Verdict, r.ReasonCode)
	fmt.Fprintf(tw, "Summary:\t%s\n", r.Summary)
	fmt.Fprintf(tw, "Action:\t%s\n", r.RecommendedAction)
	if r.NeedsManualReview {
		fmt.Fprintf(tw, "Review:\tMANUAL REVIEW REQUIRED\n")
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "#\tSTEP\tOBSERVED\tTHRESHOLD\tRESULT\tCHECK")
	for _, s := range r.Steps {
		check := "verified"
		if !s.Verified {
			check = "UNVERIFIED"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", s.Order, s.Name, s.Observed, s.Threshold, s.Result, check)
		if s.Note != "" {
			fmt.Fprintf(tw, "\t\t  note: %s\t\t\t\n", s.Note)
		}
	}

	if len(r.Findings) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "SHARED RESOURCE\tCOUNT\tRELATED ACCOUNTS")
		for _, f := range r.Findings {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", f.ResourceKind, f.SharedResourceCount, strings.Join(f.RelatedAccountIDs, ", "))
		}
	}

	if v := r.Velocity; v != nil {
		fmt.Fprintln(tw)
		fmt.Fprintf(tw, "Velocity:\t%s, %d of %d pairs fast\n", v.Outcome, v.Fast, v.Pairs)
		if v.Fastest != "" {
			fmt.Fprintf(tw, "Fastest:\t%s (mean %s)\n", v.Fastest, v.Mean)
		}
		if v.Comments != "" {
			fmt.Fprintf(tw, "Comments:\t%s\n", v.Comments)
		}
		for _, p := range v.Samples {
			fmt.Fprintf(tw, "  %s\t-> %s\t%s\t%s\n",
				p.InflowAt.Format(time.DateTime), p.OutflowAt.Format(time.DateTime), p.Elapsed, p.Severity)
		}
	}

	if len(r.ReviewFlags) > 0 {
		fmt.Fprintln(tw)
		for _, f := range r.ReviewFlags {
			fmt.Fprintf(tw, "[%s]\t%s\t%s\n", strings.ToUpper(string(f.Severity)), f.RuleID, f.Message)
		}
	}

	return tw.Flush()
}
