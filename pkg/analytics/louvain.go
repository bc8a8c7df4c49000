package analytics

import (
	"slices"

	"github.com/OFFIS-RIT/corvid/backend/pkg/linkgraph"
)

const (
	modularityEpsilon = 1e-12
	maxLouvainPasses  = 100
)

// Community is one partition block of the source subgraph.
type Community struct {
	ID      int                `json:"id"`
	Members []linkgraph.NodeID `json:"members"`
	Flagged bool               `json:"flagged"`
	Seeds   []linkgraph.NodeID `json:"seeds,omitempty"`
}

// Partition is the result of community detection.
type Partition struct {
	Communities []Community              `json:"communities"`
	Of          map[linkgraph.NodeID]int `json:"-"`
	Modularity  float64                  `json:"modularity"`
}

// wgraph is a symmetric weighted graph over dense indices. adj[i][j] holds
// the weight between i and j; a self loop stores twice the internal weight
// so that a node's degree is the sum of its row.
type wgraph struct {
	adj []map[int]float64
}

func (w *wgraph) degree(i int) float64 {
	d := 0.0
	for _, v := range sortedRow(w.adj[i]) {
		d += v.w
	}
	return d
}

type cell struct {
	j int
	w float64
}

func sortedRow(row map[int]float64) []cell {
	out := make([]cell, 0, len(row))
	for j, w := range row {
		out = append(out, cell{j, w})
	}
	slices.SortFunc(out, func(a, b cell) int { return a.j - b.j })
	return out
}

// Communities partitions the source subgraph with the Louvain method. Edge
// weights are interaction counts, summed over both directions. Nodes are
// visited in ID order and ties go to the lowest community, so the result is
// deterministic. Isolated sources form singleton communities.
func Communities(g *linkgraph.Graph, seeds []linkgraph.NodeID) Partition {
	ids := g.NodesOfKind(linkgraph.KindSource)
	pos := make(map[linkgraph.NodeID]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}

	base := &wgraph{adj: make([]map[int]float64, len(ids))}
	for i := range base.adj {
		base.adj[i] = map[int]float64{}
	}
	for _, ei := range g.EdgesBetween(linkgraph.KindSource) {
		e := g.Edge(ei)
		a, b := pos[e.From], pos[e.To]
		w := e.Weight
		if w <= 0 {
			continue
		}
		if a == b {
			base.adj[a][a] += 2 * w
			continue
		}
		base.adj[a][b] += w
		base.adj[b][a] += w
	}

	// membership of every original node, refined level by level
	member := make([]int, len(ids))
	for i := range member {
		member[i] = i
	}
	level := base
	for {
		assign, moved := louvainLevel(level)
		if !moved {
			break
		}
		assign = relabel(assign)
		if slices.Max(assign)+1 == len(level.adj) {
			break
		}
		for i := range member {
			member[i] = assign[member[i]]
		}
		level = aggregate(level, assign)
	}
	member = relabel(member)

	p := Partition{Of: make(map[linkgraph.NodeID]int, len(ids))}
	count := 0
	for _, c := range member {
		count = max(count, c+1)
	}
	p.Communities = make([]Community, count)
	for i := range p.Communities {
		p.Communities[i].ID = i
	}
	for i, id := range ids {
		c := member[i]
		p.Of[id] = c
		p.Communities[c].Members = append(p.Communities[c].Members, id)
	}
	for _, s := range seeds {
		if c, ok := p.Of[s]; ok {
			p.Communities[c].Flagged = true
			p.Communities[c].Seeds = append(p.Communities[c].Seeds, s)
		}
	}
	p.Modularity = modularity(base, member)
	return p
}

// louvainLevel runs local moves until no node changes community. It returns
// the community of every node and whether any node moved.
func louvainLevel(w *wgraph) ([]int, bool) {
	n := len(w.adj)
	comm := make([]int, n)
	k := make([]float64, n)
	tot := make([]float64, n)
	m2 := 0.0
	for i := range n {
		comm[i] = i
		k[i] = w.degree(i)
		tot[i] = k[i]
		m2 += k[i]
	}
	if m2 == 0 {
		return comm, false
	}

	movedAny := false
	for pass := 0; pass < maxLouvainPasses; pass++ {
		moved := false
		for i := range n {
			own := comm[i]
			links := map[int]float64{}
			for _, c := range sortedRow(w.adj[i]) {
				if c.j == i {
					continue
				}
				links[comm[c.j]] += c.w
			}

			tot[own] -= k[i]
			best := own
			bestGain := links[own] - tot[own]*k[i]/m2
			candidates := make([]int, 0, len(links))
			for c := range links {
				candidates = append(candidates, c)
			}
			slices.Sort(candidates)
			for _, c := range candidates {
				gain := links[c] - tot[c]*k[i]/m2
				// strict improvement only; among equal gains the lowest
				// community seen first is kept
				if gain > bestGain+modularityEpsilon {
					best, bestGain = c, gain
				}
			}
			tot[best] += k[i]
			if best != own {
				comm[i] = best
				moved = true
				movedAny = true
			}
		}
		if !moved {
			break
		}
	}
	return comm, movedAny
}

// relabel renumbers communities densely in order of first appearance.
func relabel(comm []int) []int {
	next := 0
	seen := map[int]int{}
	out := make([]int, len(comm))
	for i, c := range comm {
		id, ok := seen[c]
		if !ok {
			id = next
			seen[c] = id
			next++
		}
		out[i] = id
	}
	return out
}

// aggregate collapses every community into one node.
func aggregate(w *wgraph, comm []int) *wgraph {
	count := 0
	for _, c := range comm {
		count = max(count, c+1)
	}
	out := &wgraph{adj: make([]map[int]float64, count)}
	for i := range out.adj {
		out.adj[i] = map[int]float64{}
	}
	for i, row := range w.adj {
		for _, c := range sortedRow(row) {
			out.adj[comm[i]][comm[c.j]] += c.w
		}
	}
	return out
}

func modularity(w *wgraph, comm []int) float64 {
	m2 := 0.0
	k := make([]float64, len(w.adj))
	for i := range w.adj {
		k[i] = w.degree(i)
		m2 += k[i]
	}
	if m2 == 0 {
		return 0
	}
	in := map[int]float64{}
	tot := map[int]float64{}
	for i, row := range w.adj {
		tot[comm[i]] += k[i]
		for _, c := range sortedRow(row) {
			if comm[c.j] == comm[i] {
				in[comm[i]] += c.w
			}
		}
	}
	q := 0.0
	for c := 0; c < len(w.adj); c++ {
		q += in[c]/m2 - (tot[c]/m2)*(tot[c]/m2)
	}
	return q
}
