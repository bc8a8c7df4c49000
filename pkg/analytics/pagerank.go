package analytics

import (
	"math"

	"github.com/OFFIS-RIT/corvid/backend/pkg/linkgraph"
)

// PageRankParams controls the power iteration.
type PageRankParams struct {
	Damping       float64 `yaml:"damping"`
	Tolerance     float64 `yaml:"tolerance"`
	MaxIterations int     `yaml:"max_iterations"`
}

func DefaultPageRankParams() PageRankParams {
	return PageRankParams{Damping: 0.85, Tolerance: 1e-9, MaxIterations: 200}
}

func (p PageRankParams) withDefaults() PageRankParams {
	d := DefaultPageRankParams()
	if p.Damping <= 0 || p.Damping >= 1 {
		p.Damping = d.Damping
	}
	if p.Tolerance <= 0 {
		p.Tolerance = d.Tolerance
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = d.MaxIterations
	}
	return p
}

// Centrality holds PageRank scores of the source subgraph.
type Centrality struct {
	Scores     map[linkgraph.NodeID]float64 `json:"scores"`
	Iterations int                          `json:"iterations"`
	Converged  bool                         `json:"converged"`
	// Fallback is set when the uniform 1/N distribution was substituted.
	Fallback bool `json:"fallback"`
}

// PageRank ranks source nodes over directed source-to-source edges weighted
// by interaction count. The mass of dangling nodes is spread uniformly. When
// the subgraph has no edges or the iteration does not converge, every node
// gets 1/N and Fallback is set.
func PageRank(g *linkgraph.Graph, params PageRankParams) Centrality {
	p := params.withDefaults()
	ids := g.NodesOfKind(linkgraph.KindSource)
	n := len(ids)
	res := Centrality{Scores: make(map[linkgraph.NodeID]float64, n)}
	if n == 0 {
		res.Fallback = true
		return res
	}
	pos := make(map[linkgraph.NodeID]int, n)
	for i, id := range ids {
		pos[id] = i
	}

	type link struct {
		to int
		w  float64
	}
	out := make([][]link, n)
	outW := make([]float64, n)
	edges := 0
	for _, ei := range g.EdgesBetween(linkgraph.KindSource) {
		e := g.Edge(ei)
		if e.Weight <= 0 || math.IsNaN(e.Weight) {
			continue
		}
		a, b := pos[e.From], pos[e.To]
		out[a] = append(out[a], link{to: b, w: e.Weight})
		outW[a] += e.Weight
		edges++
	}

	uniform := func() Centrality {
		for _, id := range ids {
			res.Scores[id] = 1 / float64(n)
		}
		res.Fallback = true
		return res
	}
	if edges == 0 {
		return uniform()
	}

	rank := make([]float64, n)
	for i := range rank {
		rank[i] = 1 / float64(n)
	}
	next := make([]float64, n)
	for it := 1; it <= p.MaxIterations; it++ {
		dangling := 0.0
		for i := range n {
			if outW[i] == 0 {
				dangling += rank[i]
			}
		}
		base := (1-p.Damping)/float64(n) + p.Damping*dangling/float64(n)
		for i := range next {
			next[i] = base
		}
		for i := range n {
			if outW[i] == 0 {
				continue
			}
			for _, l := range out[i] {
				next[l.to] += p.Damping * rank[i] * l.w / outW[i]
			}
		}

		diff := 0.0
		for i := range n {
			diff += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank
		res.Iterations = it
		if math.IsNaN(diff) {
			return uniform()
		}
		if diff < p.Tolerance {
			res.Converged = true
			break
		}
	}
	if !res.Converged {
		return uniform()
	}
	for i, id := range ids {
		res.Scores[id] = rank[i]
	}
	return res
}
