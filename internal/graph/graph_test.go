package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/talon/internal/domain"
)

func user(id string, driver bool) domain.GraphNode {
	return domain.GraphNode{ID: "user-" + id, Label: "user", Properties: domain.NodeProperties{IsDriverUser: driver}}
}

func node(id, label string) domain.GraphNode {
	return domain.GraphNode{ID: id, Label: label}
}

func edge(label, source, target string) domain.GraphEdge {
	return domain.GraphEdge{ID: source + ">" + target, Label: label, Source: source, Target: target}
}

func sharedDevicePayload() *domain.GraphPayload {
	return &domain.GraphPayload{
		Nodes: []domain.GraphNode{
			user("100", true), user("201", false), user("202", false), user("203", false),
			node("device-abc", "device"),
		},
		Edges: []domain.GraphEdge{
			edge("uses_device", "user-100", "device-abc"),
			edge("uses_device", "user-201", "device-abc"),
			edge("uses_device", "user-202", "device-abc"),
			edge("uses_device", "user-203", "device-abc"),
			edge("uses_device", "user-203", "device-abc"),
		},
	}
}

func TestParseNodeID(t *testing.T) {
	tests := []struct {
		id, label string
		want      domain.NodeRef
	}{
		{"user-42", "user", domain.NodeRef{Kind: domain.NodeUser, RawID: "42"}},
		{"user-42", "", domain.NodeRef{Kind: domain.NodeUser, RawID: "42"}},
		{"bank_account-0001", "", domain.NodeRef{Kind: domain.NodeBankAccount, RawID: "0001"}},
		{"device-x-1", "whatever", domain.NodeRef{Kind: domain.NodeDevice, RawID: "x-1"}},
		{"abc", "Card", domain.NodeRef{Kind: domain.NodeCard, RawID: "abc"}},
		{"merchant-9", "", domain.NodeRef{RawID: "merchant-9"}},
	}

	for _, tt := range tests {
		t.Run(tt.id+"/"+tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseNodeID(tt.id, tt.label))
		})
	}
}

func TestAnalyze_SharedDeviceSingleFinding(t *testing.T) {
	res := Analyze(sharedDevicePayload())

	require.True(t, res.SubjectFound)
	assert.Equal(t, "100", res.Subject.RawID)
	require.Len(t, res.Findings, 1)

	f := res.Findings[0]
	assert.Equal(t, domain.NodeDevice, f.ResourceKind)
	assert.Equal(t, 1, f.SharedResourceCount)
	assert.Equal(t, []string{"201", "202", "203"}, f.RelatedAccountIDs)
	assert.True(t, res.HasCrossRisk)
	assert.Equal(t, 3, res.TotalRelatedAccounts)
}

func TestAnalyze_Idempotent(t *testing.T) {
	p := sharedDevicePayload()
	assert.Equal(t, AnalyzeGraph(p), AnalyzeGraph(p))
	assert.Equal(t, Analyze(p), Analyze(p))
}

func TestAnalyze_OnlySubjectResourcesCount(t *testing.T) {
	p := &domain.GraphPayload{
		Nodes: []domain.GraphNode{user("1", true), user("2", false), node("card-c1", "card"), node("card-c2", "card")},
		Edges: []domain.GraphEdge{
			edge("uses_card", "user-1", "card-c1"),
			// user 2 shares a card the subject never used
			edge("uses_card", "user-2", "card-c2"),
		},
	}

	res := Analyze(p)
	assert.True(t, res.SubjectFound)
	assert.Empty(t, res.Findings)
	assert.False(t, res.HasCrossRisk)
}

func TestAnalyze_KindOrderAndCrossKindDedup(t *testing.T) {
	p := &domain.GraphPayload{
		Nodes: []domain.GraphNode{user("1", true), user("2", false), user("3", false)},
		Edges: []domain.GraphEdge{
			edge("withdrawal_bank_account", "user-1", "bank_account-b"),
			edge("validate_phone", "user-1", "phone-p"),
			edge("uses_device", "user-1", "device-d"),
			edge("withdrawal_bank_account", "user-3", "bank_account-b"),
			edge("validate_phone", "user-2", "phone-p"),
			edge("uses_device", "user-2", "device-d"),
		},
	}

	res := Analyze(p)
	require.Len(t, res.Findings, 3)
	assert.Equal(t, domain.NodeDevice, res.Findings[0].ResourceKind)
	assert.Equal(t, domain.NodePhone, res.Findings[1].ResourceKind)
	assert.Equal(t, domain.NodeBankAccount, res.Findings[2].ResourceKind)
	assert.Equal(t, []string{"2", "3"}, res.RelatedAccountIDs)
	assert.Equal(t, 2, res.TotalRelatedAccounts)
}

func TestAnalyze_SubjectFallbackMostEdges(t *testing.T) {
	p := &domain.GraphPayload{
		Nodes: []domain.GraphNode{},
		Edges: []domain.GraphEdge{
			edge("uses_device", "user-7", "device-a"),
			edge("uses_device", "user-8", "device-a"),
			edge("uses_card", "user-8", "card-b"),
		},
	}

	res := Analyze(p)
	require.True(t, res.SubjectFound)
	assert.Equal(t, "8", res.Subject.RawID)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, []string{"7"}, res.Findings[0].RelatedAccountIDs)
}

func TestAnalyze_SubjectTieBreakFirstAppearance(t *testing.T) {
	p := &domain.GraphPayload{
		Nodes: []domain.GraphNode{},
		Edges: []domain.GraphEdge{
			edge("uses_device", "user-7", "device-a"),
			edge("uses_device", "user-8", "device-a"),
		},
	}

	res := Analyze(p)
	assert.Equal(t, "7", res.Subject.RawID)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, []string{"8"}, res.Findings[0].RelatedAccountIDs)
}

func TestAnalyze_EdgeLabelResolvesUnknownTarget(t *testing.T) {
	p := &domain.GraphPayload{
		Nodes: []domain.GraphNode{user("1", true)},
		Edges: []domain.GraphEdge{
			edge("uses_guest_device", "user-1", "xyz"),
			edge("uses_guest_device", "user-2", "xyz"),
		},
	}

	res := Analyze(p)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, domain.NodeDevice, res.Findings[0].ResourceKind)
}

func TestAnalyze_Malformed(t *testing.T) {
	tests := []struct {
		name string
		p    *domain.GraphPayload
	}{
		{"nil payload", nil},
		{"missing nodes", &domain.GraphPayload{Edges: []domain.GraphEdge{}}},
		{"missing edges", &domain.GraphPayload{Nodes: []domain.GraphNode{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Analyze(tt.p)
			assert.True(t, res.Malformed)
			assert.False(t, res.HasCrossRisk)
			assert.Empty(t, res.Findings)
		})
	}
}

func TestAnalyze_NoSubject(t *testing.T) {
	p := &domain.GraphPayload{
		Nodes: []domain.GraphNode{node("device-a", "device")},
		Edges: []domain.GraphEdge{},
	}

	res := Analyze(p)
	assert.False(t, res.Malformed)
	assert.False(t, res.SubjectFound)
	assert.Empty(t, res.Findings)
}

func TestDecodePayload(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		p, err := DecodePayload([]byte(`{"nodes":[{"id":"user-1","label":"user","properties":{"is_driver_user":true}}],"edges":[]}`))
		require.NoError(t, err)
		require.Len(t, p.Nodes, 1)
		assert.True(t, p.Nodes[0].Properties.IsDriverUser)
		assert.NotNil(t, p.Edges)
	})

	t.Run("missing edges", func(t *testing.T) {
		_, err := DecodePayload([]byte(`{"nodes":[]}`))
		assert.True(t, errors.Is(err, domain.ErrMalformedPayload))
	})

	t.Run("not json", func(t *testing.T) {
		_, err := DecodePayload([]byte(`<html>`))
		assert.True(t, errors.Is(err, domain.ErrMalformedPayload))
	})
}

func TestDecodeFraudProximity(t *testing.T) {
	f, err := DecodeFraudProximity([]byte(`{"userCount":12,"fraudConfirmedUserCount":1,"fraudAlmostUserCount":0,"fraudMaybeUserCount":2,"fraudAtoUserCount":0}`))
	require.NoError(t, err)
	assert.Equal(t, 12, f.UsersAnalyzed)
	assert.Equal(t, 3, f.Total())
	assert.True(t, f.HasFraud())

	_, err = DecodeFraudProximity([]byte(`{"userCount":-1}`))
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}
