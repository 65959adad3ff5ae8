// Package graph finds identity resources the subject account shares with other accounts.
// Everything here is pure: no I/O, no hidden state.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/talon/internal/domain"
)

// Relations maps edge labels to the resource kind at their target.
var Relations = map[string]domain.NodeKind{
	"uses_device":             domain.NodeDevice,
	"uses_guest_device":       domain.NodeDevice,
	"uses_card":               domain.NodeCard,
	"uses_guest_card":         domain.NodeCard,
	"validate_phone":          domain.NodePhone,
	"declare_phone":           domain.NodePhone,
	"validate_person":         domain.NodePerson,
	"declare_person":          domain.NodePerson,
	"withdrawal_bank_account": domain.NodeBankAccount,
}

// prefix order matters: bank_account must be tried before shorter kinds.
var idPrefixes = []domain.NodeKind{
	domain.NodeBankAccount,
	domain.NodeDevice,
	domain.NodeCard,
	domain.NodePhone,
	domain.NodePerson,
	domain.NodeUser,
}

// Analysis is the full result of analyzing one payload.
type Analysis struct {
	Malformed            bool                      `json:"malformed"`
	SubjectFound         bool                      `json:"subjectFound"`
	Subject              domain.NodeRef            `json:"subject"`
	SubjectResources     int                       `json:"subjectResources"`
	Findings             []domain.CrossRiskFinding `json:"findings"`
	HasCrossRisk         bool                      `json:"hasCrossRisk"`
	TotalRelatedAccounts int                       `json:"totalRelatedAccounts"`
	RelatedAccountIDs    []string                  `json:"relatedAccountIds"`
}

// ParseNodeID returns the typed form of a node id.
// The label wins when it names a known kind; otherwise the id prefix is used.
func ParseNodeID(id, label string) domain.NodeRef {
	if kind, ok := knownKind(label); ok {
		return domain.NodeRef{Kind: kind, RawID: strings.TrimPrefix(id, string(kind)+"-")}
	}
	for _, kind := range idPrefixes {
		if rest, found := strings.CutPrefix(id, string(kind)+"-"); found {
			return domain.NodeRef{Kind: kind, RawID: rest}
		}
	}
	return domain.NodeRef{RawID: id}
}

func knownKind(label string) (domain.NodeKind, bool) {
	k := domain.NodeKind(strings.ToLower(strings.TrimSpace(label)))
	switch k {
	case domain.NodeUser, domain.NodeDevice, domain.NodeCard, domain.NodePhone, domain.NodePerson, domain.NodeBankAccount:
		return k, true
	}
	return "", false
}

func isResource(k domain.NodeKind) bool {
	return k != "" && k != domain.NodeUser
}

// AnalyzeGraph returns the cross-risk findings of a payload.
func AnalyzeGraph(p *domain.GraphPayload) []domain.CrossRiskFinding {
	return Analyze(p).Findings
}

// Analyze runs the shared-resource analysis.
// A malformed payload or a payload without a subject yields no findings.
func Analyze(p *domain.GraphPayload) Analysis {
	if p == nil || p.Nodes == nil || p.Edges == nil {
		return Analysis{Malformed: true}
	}

	refs := make(map[string]domain.NodeRef, len(p.Nodes))
	for _, n := range p.Nodes {
		refs[n.ID] = ParseNodeID(n.ID, n.Label)
	}
	ref := func(id string) domain.NodeRef {
		if r, ok := refs[id]; ok {
			return r
		}
		r := ParseNodeID(id, "")
		refs[id] = r
		return r
	}

	subjectID, ok := findSubject(p, ref)
	if !ok {
		return Analysis{}
	}
	res := Analysis{SubjectFound: true, Subject: ref(subjectID)}

	// Resources the subject itself reaches.
	owned := make(map[string]domain.NodeKind)
	for _, e := range p.Edges {
		if e.Source != subjectID {
			continue
		}
		if kind := targetKind(e, ref); isResource(kind) {
			owned[e.Target] = kind
		}
	}
	res.SubjectResources = len(owned)

	// kind -> resource -> related accounts
	shared := make(map[domain.NodeKind]map[string]map[string]struct{})
	for _, e := range p.Edges {
		if e.Source == subjectID {
			continue
		}
		kind, mine := owned[e.Target]
		if !mine {
			continue
		}
		src := ref(e.Source)
		if src.Kind != domain.NodeUser || src.RawID == res.Subject.RawID {
			continue
		}
		if shared[kind] == nil {
			shared[kind] = make(map[string]map[string]struct{})
		}
		if shared[kind][e.Target] == nil {
			shared[kind][e.Target] = make(map[string]struct{})
		}
		shared[kind][e.Target][src.RawID] = struct{}{}
	}

	all := make(map[string]struct{})
	for _, kind := range domain.ResourceKinds {
		resources := shared[kind]
		if len(resources) == 0 {
			continue
		}
		accounts := make(map[string]struct{})
		for _, users := range resources {
			for u := range users {
				accounts[u] = struct{}{}
				all[u] = struct{}{}
			}
		}
		ids := sortedKeys(accounts)
		res.Findings = append(res.Findings, domain.CrossRiskFinding{
			ResourceKind:        kind,
			SharedResourceCount: len(resources),
			RelatedAccountIDs:   ids,
			Description:         describe(kind, len(resources), len(ids)),
		})
	}

	res.HasCrossRisk = len(res.Findings) > 0
	res.RelatedAccountIDs = sortedKeys(all)
	res.TotalRelatedAccounts = len(res.RelatedAccountIDs)
	return res
}

// findSubject returns the id of the subject node: the flagged driver user,
// or the user that is the source of the most edges.
func findSubject(p *domain.GraphPayload, ref func(string) domain.NodeRef) (string, bool) {
	for _, n := range p.Nodes {
		if n.Properties.IsDriverUser && ref(n.ID).Kind == domain.NodeUser {
			return n.ID, true
		}
	}

	counts := make(map[string]int)
	var order []string
	for _, e := range p.Edges {
		if ref(e.Source).Kind != domain.NodeUser {
			continue
		}
		if _, seen := counts[e.Source]; !seen {
			order = append(order, e.Source)
		}
		counts[e.Source]++
	}

	best, bestCount := "", 0
	for _, id := range order {
		if counts[id] > bestCount {
			best, bestCount = id, counts[id]
		}
	}
	return best, bestCount > 0
}

func targetKind(e domain.GraphEdge, ref func(string) domain.NodeRef) domain.NodeKind {
	if k := ref(e.Target).Kind; k != "" {
		return k
	}
	return Relations[strings.ToLower(e.Label)]
}

func describe(kind domain.NodeKind, resources, accounts int) string {
	name := strings.ReplaceAll(string(kind), "_", " ")
	return fmt.Sprintf("%d shared %s%s used by %d other account%s",
		resources, name, plural(resources), accounts, plural(accounts))
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DecodePayload parses a relationship-graph response.
func DecodePayload(data []byte) (*domain.GraphPayload, error) {
	var p domain.GraphPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if p.Nodes == nil || p.Edges == nil {
		return nil, fmt.Errorf("%w: graph payload requires nodes and edges", domain.ErrMalformedPayload)
	}
	return &p, nil
}

// DecodeFraudProximity parses a hops-to-fraud response.
func DecodeFraudProximity(data []byte) (*domain.FraudProximityFact, error) {
	var f domain.FraudProximityFact
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if f.UsersAnalyzed < 0 || f.FraudConfirmedCount < 0 || f.FraudAlmostCount < 0 ||
		f.FraudMaybeCount < 0 || f.FraudAtoCount < 0 {
		return nil, fmt.Errorf("%w: negative proximity counter", domain.ErrMalformedPayload)
	}
	return &f, nil
}
