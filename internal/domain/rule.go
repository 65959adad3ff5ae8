package domain

// ReviewRule is an advisory CEL rule evaluated over a finished decision.
// Review rules never change the verdict; they only raise flags for investigators.
type ReviewRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression returning bool
	Expression string `json:"expression"`

	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	Enabled bool `json:"enabled"`
}

// Severity grades a review flag.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityCritical:
		return true
	}
	return false
}

// ReviewFlag is raised when a review rule matches a decision.
type ReviewFlag struct {
	RuleID    string   `json:"ruleId"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	ProcessMs int64    `json:"processMs"`
}

// HasCritical reports whether any flag is critical.
func HasCritical(flags []ReviewFlag) bool {
	for _, f := range flags {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
