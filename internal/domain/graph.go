package domain

// GraphPayload is the relationship-graph response for one account.
// Nodes or Edges being nil marks the payload as malformed.
type GraphPayload struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// GraphNode is a vertex of the relationship graph.
type GraphNode struct {
	ID                 string         `json:"id"`
	Label              string         `json:"label"`
	AdjacentEdgesCount int            `json:"adjacent_edges_count,omitempty"`
	Properties         NodeProperties `json:"properties"`
}

// NodeProperties are the optional attributes of a node.
type NodeProperties struct {
	IsDriverUser bool   `json:"is_driver_user,omitempty"`
	StartDate    string `json:"start_date,omitempty"`
	LastUpdated  string `json:"last_updated,omitempty"`
}

// GraphEdge links a user (source) to a resource (target).
type GraphEdge struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	BoundLevel string         `json:"bound_level,omitempty"`
	Properties EdgeProperties `json:"properties"`
}

// EdgeProperties are the optional attributes of an edge.
type EdgeProperties struct {
	StartDate string `json:"start_date,omitempty"`
}

// NodeKind is the type of entity a graph node represents.
type NodeKind string

const (
	NodeUser        NodeKind = "user"
	NodeDevice      NodeKind = "device"
	NodeCard        NodeKind = "card"
	NodePhone       NodeKind = "phone"
	NodePerson      NodeKind = "person"
	NodeBankAccount NodeKind = "bank_account"
)

// ResourceKinds lists the shareable resource kinds in reporting order.
var ResourceKinds = []NodeKind{NodeDevice, NodeCard, NodePhone, NodePerson, NodeBankAccount}

// NodeRef is a parsed graph node id.
type NodeRef struct {
	Kind  NodeKind `json:"kind"`
	RawID string   `json:"rawId"`
}

// CrossRiskFinding reports a resource kind the subject shares with other accounts.
type CrossRiskFinding struct {
	ResourceKind        NodeKind `json:"resourceKind"`
	SharedResourceCount int      `json:"sharedResourceCount"`
	RelatedAccountIDs   []string `json:"relatedAccountIds"`
	Description         string   `json:"description"`
}
