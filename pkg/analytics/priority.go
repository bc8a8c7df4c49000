package analytics

import (
	"cmp"
	"slices"
)

// Tier is a monitoring tier derived from the priority score.
type Tier string

const (
	Tier1   Tier = "tier_1"
	Tier2   Tier = "tier_2"
	Tier3   Tier = "tier_3"
	TierLow Tier = "low"
)

// TierOf maps a 0-100 score to its tier: 80 and above is tier 1, 60 and
// above tier 2, 40 and above tier 3, anything lower is reviewed but not
// escalated.
func TierOf(score float64) Tier {
	switch {
	case score >= 80:
		return Tier1
	case score >= 60:
		return Tier2
	case score >= 40:
		return Tier3
	default:
		return TierLow
	}
}

// Weights blend the sub-scores into the priority score.
type Weights struct {
	Proximity           float64 `yaml:"proximity" json:"proximity"`
	TemporalCorrelation float64 `yaml:"temporal_correlation" json:"temporal_correlation"`
	ContentQuality      float64 `yaml:"content_quality" json:"content_quality"`
	Centrality          float64 `yaml:"centrality" json:"centrality"`
	Engagement          float64 `yaml:"engagement" json:"engagement"`
}

func DefaultWeights() Weights {
	return Weights{
		Proximity:           0.35,
		TemporalCorrelation: 0.25,
		ContentQuality:      0.20,
		Centrality:          0.15,
		Engagement:          0.05,
	}
}

// SubScores are the normalised inputs of the priority score, each 0-100.
type SubScores struct {
	Proximity           float64 `json:"proximity"`
	TemporalCorrelation float64 `json:"temporal_correlation"`
	ContentQuality      float64 `json:"content_quality"`
	Centrality          float64 `json:"centrality"`
	Engagement          float64 `json:"engagement"`
}

func clamp100(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	return min(v, 100)
}

// Score blends s with w. Every sub-score is clamped to 0-100 first.
func (w Weights) Score(s SubScores) float64 {
	return clamp100(
		clamp100(s.Proximity)*w.Proximity +
			clamp100(s.TemporalCorrelation)*w.TemporalCorrelation +
			clamp100(s.ContentQuality)*w.ContentQuality +
			clamp100(s.Centrality)*w.Centrality +
			clamp100(s.Engagement)*w.Engagement,
	)
}

// Priority is one line of the tiered priority list.
type Priority struct {
	NodeID    string    `json:"node_id"`
	Label     string    `json:"label,omitempty"`
	Score     float64   `json:"score"`
	Tier      Tier      `json:"tier"`
	SubScores SubScores `json:"sub_scores"`
	Community int       `json:"community"`
	Flagged   bool      `json:"flagged"`
}

// Prioritize scores every entry and returns them by descending score, ties
// broken by node id.
func Prioritize(entries []Priority, w Weights) []Priority {
	out := slices.Clone(entries)
	for i := range out {
		out[i].Score = w.Score(out[i].SubScores)
		out[i].Tier = TierOf(out[i].Score)
	}
	slices.SortStableFunc(out, func(a, b Priority) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.NodeID, b.NodeID)
	})
	return out
}
