package domain

import "time"

// VelocityOutcome distinguishes why a velocity result is or is not fast.
type VelocityOutcome string

const (
	VelocityFast      VelocityOutcome = "fast"
	VelocitySlow      VelocityOutcome = "slow"
	VelocityNoOutflow VelocityOutcome = "no_outflow"
	VelocityNoInflow  VelocityOutcome = "no_inflow"
)

// VelocityPair is an inflow matched with the earliest following outflow.
type VelocityPair struct {
	Inflow       MoneyEvent    `json:"inflow"`
	Outflow      MoneyEvent    `json:"outflow"`
	Elapsed      time.Duration `json:"elapsed"`
	ElapsedHours float64       `json:"elapsedHours"`
	Fast         bool          `json:"fast"`
}

// VelocityResult summarizes how fast money leaves the account after arriving.
// MeanHours and MinHours are descriptive only.
type VelocityResult struct {
	IsFast          bool            `json:"isFast"`
	FastPairCount   int             `json:"fastPairCount"`
	TotalPairCount  int             `json:"totalPairCount"`
	InflowsAnalyzed int             `json:"inflowsAnalyzed"`
	MeanHours       float64         `json:"meanHours"`
	MinHours        float64         `json:"minHours"`
	Threshold       time.Duration   `json:"threshold"`
	Outcome         VelocityOutcome `json:"outcome"`
	SamplePairs     []VelocityPair  `json:"samplePairs,omitempty"`
}
