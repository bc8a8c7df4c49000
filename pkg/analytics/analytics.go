package analytics

import (
	"math"
	"slices"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/linkgraph"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
)

// Params configures Analyze.
type Params struct {
	MaxHops  int            `yaml:"max_hops"`
	PageRank PageRankParams `yaml:"pagerank"`
	Weights  Weights        `yaml:"weights"`
	// EngagementCeiling is the average engagement per message that maps to
	// a full engagement sub-score. The scale is logarithmic below it.
	EngagementCeiling float64 `yaml:"engagement_ceiling"`
}

func DefaultParams() Params {
	return Params{
		MaxHops:           2,
		PageRank:          DefaultPageRankParams(),
		Weights:           DefaultWeights(),
		EngagementCeiling: 10000,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.MaxHops <= 0 {
		p.MaxHops = d.MaxHops
	}
	p.PageRank = p.PageRank.withDefaults()
	if p.Weights == (Weights{}) {
		p.Weights = d.Weights
	}
	if p.EngagementCeiling <= 0 {
		p.EngagementCeiling = d.EngagementCeiling
	}
	return p
}

// Report is the outcome of Analyze.
type Report struct {
	Priorities []Priority               `json:"priorities"`
	Partition  Partition                `json:"partition"`
	Centrality Centrality               `json:"centrality"`
	Hops       map[linkgraph.NodeID]int `json:"-"`
	Seeds      []string                 `json:"seeds"`
	Fallbacks  int                      `json:"fallbacks"`
}

// Analyze runs seed expansion, community detection and PageRank over the
// source subgraph of g and blends them with the temporal and content edges
// of every source into a tiered priority list. Seeds are the source nodes
// marked as seeds in g plus the extra references given.
func Analyze(g *linkgraph.Graph, params Params, extraSeeds ...string) Report {
	p := params.withDefaults()

	var seeds []linkgraph.NodeID
	for _, id := range g.NodesOfKind(linkgraph.KindSource) {
		if g.Node(id).Seed {
			seeds = append(seeds, id)
		}
	}
	for _, ref := range extraSeeds {
		if id, ok := g.Lookup(ref); ok && g.Node(id).Kind == linkgraph.KindSource {
			seeds = append(seeds, id)
		}
	}
	sortIDs(seeds)
	seeds = slices.Compact(seeds)

	rep := Report{
		Hops:       SeedExpansion(g, seeds, p.MaxHops),
		Partition:  Communities(g, seeds),
		Centrality: PageRank(g, p.PageRank),
	}
	for _, s := range seeds {
		rep.Seeds = append(rep.Seeds, g.Node(s).Ref)
	}
	if rep.Centrality.Fallback {
		rep.Fallbacks++
		logger.Warn("[Analytics] PageRank did not converge, using uniform centrality", "sources", len(rep.Centrality.Scores))
	}
	for _, c := range rep.Partition.Communities {
		if c.Flagged && len(c.Members) > 1 {
			logger.Info("[Analytics] Community flagged by association with a seed (heuristic, not a finding)",
				"community", c.ID, "members", len(c.Members), "seeds", len(c.Seeds))
		}
	}

	maxRank := 0.0
	for _, v := range rep.Centrality.Scores {
		maxRank = max(maxRank, v)
	}

	var entries []Priority
	for _, id := range g.NodesOfKind(linkgraph.KindSource) {
		n := g.Node(id)
		hop, reached := rep.Hops[id]
		sub := SubScores{Proximity: Proximity(hop, reached)}
		if maxRank > 0 {
			sub.Centrality = 100 * rep.Centrality.Scores[id] / maxRank
		}
		sub.TemporalCorrelation, sub.ContentQuality, sub.Engagement = edgeScores(g, id, p.EngagementCeiling)

		community := rep.Partition.Of[id]
		entries = append(entries, Priority{
			NodeID:    n.Ref,
			Label:     n.Label,
			SubScores: sub,
			Community: community,
			Flagged:   rep.Partition.Communities[community].Flagged,
		})
	}
	rep.Priorities = Prioritize(entries, p.Weights)
	return rep
}

// edgeScores derives the per-source sub-scores from outgoing edges: the
// strongest temporal correlation, the mean confidence of content and spatial
// correlations, and the average engagement of the matched messages.
func edgeScores(g *linkgraph.Graph, id linkgraph.NodeID, ceiling float64) (temporal, content, engagement float64) {
	var (
		confSum     float64
		confN       int
		engagements int64
		messages    int
	)
	for _, ei := range g.Out(id) {
		e := g.Edge(ei)
		switch e.Type {
		case common.CorrelationTemporal:
			temporal = max(temporal, 100*e.Strength)
		case common.CorrelationContent, common.CorrelationSpatial:
			confSum += e.Confidence
			confN++
			if ev := e.Evidence.Content; ev != nil {
				engagements += ev.Engagement
				messages += ev.Messages
			}
		}
	}
	if confN > 0 {
		content = 100 * confSum / float64(confN)
	}
	if messages > 0 {
		avg := float64(engagements) / float64(messages)
		engagement = clamp100(100 * math.Log10(1+avg) / math.Log10(1+ceiling))
	}
	return temporal, content, engagement
}

func sortIDs(ids []linkgraph.NodeID) {
	slices.Sort(ids)
}
