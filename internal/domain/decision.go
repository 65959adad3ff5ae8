package domain

import (
	"time"
)

// Verdict is the terminal classification of an account.
type Verdict string

const (
	VerdictConfirmed     Verdict = "CONFIRMED"
	VerdictDismissed     Verdict = "DISMISSED"
	VerdictNotApplicable Verdict = "NOT_APPLICABLE"
)

// ReasonCode explains which step produced the verdict.
type ReasonCode string

const (
	ReasonNoFlaggedTransactions   ReasonCode = "NO_FLAGGED_TRANSACTIONS"
	ReasonNewAccount              ReasonCode = "NEW_ACCOUNT"
	ReasonHighFlaggedRatio        ReasonCode = "HIGH_FLAGGED_RATIO"
	ReasonLowFlaggedRatio         ReasonCode = "LOW_FLAGGED_RATIO"
	ReasonNewAccountMultipleFlags ReasonCode = "NEW_ACCOUNT_MULTIPLE_FLAGS"
	ReasonUnprotectedAccount      ReasonCode = "UNPROTECTED_ACCOUNT"
	ReasonCrossRisk               ReasonCode = "CROSS_RISK"
	ReasonRapidWithdrawal         ReasonCode = "RAPID_WITHDRAWAL"
	ReasonOnlyTwoFlags            ReasonCode = "ONLY_TWO_FLAGS"
	ReasonCustomerDispute         ReasonCode = "CUSTOMER_DISPUTE"
	ReasonNoDispute               ReasonCode = "NO_DISPUTE"
)

// Flow is the branch of the state machine a decision went through.
type Flow string

const (
	FlowPrerequisite Flow = "PREREQUISITE"
	FlowSingleFlag   Flow = "SINGLE_FLAG"
	FlowMultiFlag    Flow = "MULTI_FLAG"
)

// StepName identifies an evaluation step.
type StepName string

const (
	StepPrerequisite       StepName = "CheckPrerequisite"
	StepAccountAge         StepName = "CheckAccountAge"
	StepFlaggedPercentage  StepName = "CheckFlaggedPercentage"
	StepRelevantTags       StepName = "CheckRelevantTags"
	StepCrossRisk          StepName = "CheckCrossRisk"
	StepWithdrawalVelocity StepName = "CheckWithdrawalVelocity"
	StepExactlyTwoFlags    StepName = "CheckExactlyTwoFlags"
	StepCustomerContact    StepName = "CheckCustomerContact"
)

// Verification marks whether a step ran on a fetched signal or on its fallback.
type Verification string

const (
	Verified   Verification = "verified"
	Unverified Verification = "unverified"
)

// Step outcomes recorded in the rationale.
const (
	StepResultTerminal = "terminal"
	StepResultContinue = "continue"
)

// RationaleEntry records one evaluated step.
type RationaleEntry struct {
	Order        int          `json:"order"`
	Step         StepName     `json:"step"`
	Observed     string       `json:"observed"`
	Threshold    string       `json:"threshold"`
	Result       string       `json:"result"`
	Verification Verification `json:"verification"`
	Note         string       `json:"note,omitempty"`
}

// Evidence holds the derived facts the decision was based on.
// Only the fields of evaluated steps are set.
type Evidence struct {
	Summary        *FlaggedTransactionSummary `json:"summary,omitempty"`
	AgeDays        *int                       `json:"ageDays,omitempty"`
	MatchedTags    []string                   `json:"matchedTags,omitempty"`
	CrossRisk      []CrossRiskFinding         `json:"crossRisk,omitempty"`
	FraudProximity *FraudProximityFact        `json:"fraudProximity,omitempty"`
	Velocity       *VelocityResult            `json:"velocity,omitempty"`
	Contacts       []ContactRecord            `json:"contacts,omitempty"`
}

// Decision is the terminal output of one evaluation.
type Decision struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenantId"`
	AccountID   AccountID        `json:"accountId"`
	Verdict     Verdict          `json:"verdict"`
	ReasonCode  ReasonCode       `json:"reasonCode"`
	Flow        Flow             `json:"flow"`
	Rationale   []RationaleEntry `json:"rationale"`
	Evidence    Evidence         `json:"evidence"`
	EvaluatedAt time.Time        `json:"evaluatedAt"`
	Metadata    DecisionMetadata `json:"metadata"`
}

// DecisionMetadata contains processing information.
type DecisionMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	TotalMs       int64  `json:"totalMs"`
	StepsRun      int    `json:"stepsRun"`
	EngineVersion string `json:"engineVersion"`
}

// Unverified reports whether any evaluated step ran on a fallback value.
func (d *Decision) Unverified() bool {
	for _, e := range d.Rationale {
		if e.Verification == Unverified {
			return true
		}
	}
	return false
}

// UnverifiedSteps lists the steps that ran on a fallback value, in order.
func (d *Decision) UnverifiedSteps() []StepName {
	var out []StepName
	for _, e := range d.Rationale {
		if e.Verification == Unverified {
			out = append(out, e.Step)
		}
	}
	return out
}

// DecisionResponse is the API response for an account evaluation.
type DecisionResponse struct {
	DecisionID      string           `json:"decisionId"`
	AccountID       AccountID        `json:"accountId"`
	TenantID        string           `json:"tenantId"`
	Verdict         Verdict          `json:"verdict"`
	ReasonCode      ReasonCode       `json:"reasonCode"`
	Flow            Flow             `json:"flow"`
	Verified        bool             `json:"verified"`
	UnverifiedSteps []StepName       `json:"unverifiedSteps,omitempty"`
	Rationale       []RationaleEntry `json:"rationale"`
	Evidence        Evidence         `json:"evidence"`
	ReviewFlags     []ReviewFlag     `json:"reviewFlags,omitempty"`
	Metadata        DecisionMetadata `json:"metadata"`
}

// ToResponse converts a Decision to an API response.
func (d *Decision) ToResponse(flags []ReviewFlag) *DecisionResponse {
	return &DecisionResponse{
		DecisionID:      d.ID,
		AccountID:       d.AccountID,
		TenantID:        d.TenantID,
		Verdict:         d.Verdict,
		ReasonCode:      d.ReasonCode,
		Flow:            d.Flow,
		Verified:        !d.Unverified(),
		UnverifiedSteps: d.UnverifiedSteps(),
		Rationale:       d.Rationale,
		Evidence:        d.Evidence,
		ReviewFlags:     flags,
		Metadata:        d.Metadata,
	}
}
