// Package analytics ranks source nodes of a link graph by their network
// position relative to known high-risk seeds.
package analytics

import (
	"github.com/OFFIS-RIT/corvid/backend/pkg/linkgraph"
)

// sourceAdjacency returns the undirected neighbour lists of the source
// subgraph, each sorted ascending and free of duplicates.
func sourceAdjacency(g *linkgraph.Graph) map[linkgraph.NodeID][]linkgraph.NodeID {
	seen := map[[2]linkgraph.NodeID]bool{}
	adj := map[linkgraph.NodeID][]linkgraph.NodeID{}
	for _, id := range g.NodesOfKind(linkgraph.KindSource) {
		adj[id] = nil
	}
	for _, ei := range g.EdgesBetween(linkgraph.KindSource) {
		e := g.Edge(ei)
		if e.From == e.To {
			continue
		}
		for _, pair := range [][2]linkgraph.NodeID{{e.From, e.To}, {e.To, e.From}} {
			if seen[pair] {
				continue
			}
			seen[pair] = true
			adj[pair[0]] = append(adj[pair[0]], pair[1])
		}
	}
	for id := range adj {
		sortIDs(adj[id])
	}
	return adj
}

// SeedExpansion walks the source subgraph breadth-first from every seed, in
// either edge direction, and returns the hop distance of every node reached
// within maxHops. Seeds have hop 0. Seeds that are not source nodes of g are
// ignored.
func SeedExpansion(g *linkgraph.Graph, seeds []linkgraph.NodeID, maxHops int) map[linkgraph.NodeID]int {
	adj := sourceAdjacency(g)
	hops := map[linkgraph.NodeID]int{}
	var queue []linkgraph.NodeID
	for _, s := range seeds {
		if _, ok := adj[s]; !ok {
			continue
		}
		if _, ok := hops[s]; ok {
			continue
		}
		hops[s] = 0
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if hops[cur] >= maxHops {
			continue
		}
		for _, next := range adj[cur] {
			if _, ok := hops[next]; ok {
				continue
			}
			hops[next] = hops[cur] + 1
			queue = append(queue, next)
		}
	}
	return hops
}

// Proximity converts a hop distance into a 0-100 score: seeds and direct
// neighbours score 100, every further hop costs 25 points.
func Proximity(hop int, reached bool) float64 {
	if !reached {
		return 0
	}
	return max(0, min(100, 100-float64(hop-1)*25))
}
