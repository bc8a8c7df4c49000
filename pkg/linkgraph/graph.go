// Package linkgraph assembles correlation records, social relations and
// keyword clusters into one heterogeneous graph per analysis run.
//
// The graph is an arena: nodes and edges live in slices and refer to each
// other by index, never by pointer.
package linkgraph

import (
	"time"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

// NodeKind is the kind of entity a node stands for.
type NodeKind string

const (
	KindSource  NodeKind = "source"
	KindEvent   NodeKind = "event"
	KindCluster NodeKind = "keyword_cluster"
	KindMessage NodeKind = "message"
)

func kindOfRef(refKind string) NodeKind {
	switch refKind {
	case common.RefSource:
		return KindSource
	case common.RefEvent:
		return KindEvent
	case common.RefCluster:
		return KindCluster
	default:
		return KindMessage
	}
}

// NodeID indexes Graph.Nodes.
type NodeID int

// Node is a graph vertex. Ref is the entity reference it was built from.
type Node struct {
	ID        NodeID    `json:"id"`
	Ref       string    `json:"ref"`
	Kind      NodeKind  `json:"kind"`
	Label     string    `json:"label"`
	Seed      bool      `json:"seed,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Keywords  []string  `json:"keywords,omitempty"`
	// Count is the message count of sources and clusters.
	Count int64 `json:"count,omitempty"`
}

// Edge is a directed correlation from one node to another.
type Edge struct {
	ID         int                    `json:"id"`
	From       NodeID                 `json:"from"`
	To         NodeID                 `json:"to"`
	Type       common.CorrelationType `json:"type"`
	Strength   float64                `json:"strength"`
	Confidence float64                `json:"confidence"`
	// Weight is the interaction count of social edges and the strength of
	// every other edge.
	Weight    float64         `json:"weight"`
	Evidence  common.Evidence `json:"evidence"`
	TimeDelta time.Duration   `json:"time_delta"`
}

// Graph is immutable once built.
type Graph struct {
	nodes []Node
	edges []Edge
	index map[string]NodeID
	out   [][]int
	in    [][]int
}

func (g *Graph) NumNodes() int { return len(g.nodes) }
func (g *Graph) NumEdges() int { return len(g.edges) }

// Nodes returns the nodes ordered by ID.
func (g *Graph) Nodes() []Node { return g.nodes }

// Edges returns the edges ordered by ID.
func (g *Graph) Edges() []Edge { return g.edges }

func (g *Graph) Node(id NodeID) Node { return g.nodes[id] }
func (g *Graph) Edge(i int) Edge     { return g.edges[i] }

// Lookup returns the node built from ref.
func (g *Graph) Lookup(ref string) (NodeID, bool) {
	id, ok := g.index[ref]
	return id, ok
}

// Out returns the indices of edges leaving id.
func (g *Graph) Out(id NodeID) []int { return g.out[id] }

// In returns the indices of edges entering id.
func (g *Graph) In(id NodeID) []int { return g.in[id] }

// NodesOfKind returns the IDs of every node of kind k, ascending.
func (g *Graph) NodesOfKind(k NodeKind) []NodeID {
	var out []NodeID
	for _, n := range g.nodes {
		if n.Kind == k {
			out = append(out, n.ID)
		}
	}
	return out
}

// EdgesBetween returns the indices of edges whose endpoints are both of
// kind k.
func (g *Graph) EdgesBetween(k NodeKind) []int {
	var out []int
	for _, e := range g.edges {
		if g.nodes[e.From].Kind == k && g.nodes[e.To].Kind == k {
			out = append(out, e.ID)
		}
	}
	return out
}
