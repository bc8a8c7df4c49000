package linkgraph

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
)

// Params tunes how raw inputs become edges.
type Params struct {
	// MinClusterKeywords is the keyword density at which an unmatched
	// message is linked to a keyword cluster.
	MinClusterKeywords int `yaml:"min_cluster_keywords"`
	// SocialSaturation is the interaction count at which a social edge
	// reaches full strength.
	SocialSaturation  float64 `yaml:"social_saturation"`
	SocialConfidence  float64 `yaml:"social_confidence"`
	ClusterConfidence float64 `yaml:"cluster_confidence"`
}

func DefaultParams() Params {
	return Params{
		MinClusterKeywords: 2,
		SocialSaturation:   10,
		SocialConfidence:   0.9,
		ClusterConfidence:  0.5,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p == (Params{}) {
		return d
	}
	if p.MinClusterKeywords <= 0 {
		p.MinClusterKeywords = 1
	}
	if p.SocialSaturation <= 0 {
		p.SocialSaturation = d.SocialSaturation
	}
	return p
}

// Stats counts what went into a builder.
type Stats struct {
	Records   int `json:"records"`
	Upserts   int `json:"upserts"`
	Malformed int `json:"malformed"`
	Clustered int `json:"clustered"`
}

// Builder collects nodes and edges. It is not safe for concurrent use:
// parallel producers each fill their own builder and the partial builders
// are merged after all of them finish.
type Builder struct {
	params     Params
	computedAt time.Time
	nodes      map[string]Node
	edges      map[common.CorrelationKey]common.CorrelationRecord
	stats      Stats
}

// NewBuilder returns an empty builder. computedAt stamps the records the
// builder derives itself (social and cluster edges).
func NewBuilder(params Params, computedAt time.Time) *Builder {
	return &Builder{
		params:     params.withDefaults(),
		computedAt: computedAt,
		nodes:      map[string]Node{},
		edges:      map[common.CorrelationKey]common.CorrelationRecord{},
	}
}

func (b *Builder) Stats() Stats { return b.stats }

// AddSource registers a source node with its attributes.
func (b *Builder) AddSource(src common.SourceNode) {
	ref := common.SourceRef(src.ID)
	n := b.node(ref, KindSource)
	n.Label = cmp.Or(src.Name, src.ID)
	n.Seed = n.Seed || src.Seed
	n.Platform = src.Platform
	n.Count = src.MessageCount
	b.nodes[ref] = n
}

// AddEvent registers an event node. Inactive events are ignored.
func (b *Builder) AddEvent(ev common.EventRecord) {
	if !ev.Active() {
		return
	}
	ref := common.EventRef(ev.ID)
	n := b.node(ref, KindEvent)
	n.Label = cmp.Or(ev.Title, ev.ID)
	n.Timestamp = ev.Timestamp.UTC()
	b.nodes[ref] = n
}

func (b *Builder) node(ref string, kind NodeKind) Node {
	if n, ok := b.nodes[ref]; ok {
		return n
	}
	return Node{Ref: ref, Kind: kind}
}

func (b *Builder) ensureNode(ref string) error {
	if _, ok := b.nodes[ref]; ok {
		return nil
	}
	kind, id, err := common.ParseRef(ref)
	if err != nil {
		return err
	}
	b.nodes[ref] = Node{Ref: ref, Kind: kindOfRef(kind), Label: id}
	return nil
}

// AddCorrelation upserts rec by its natural key. A record sharing the key of
// an earlier one is combined with it instead of adding a parallel edge.
func (b *Builder) AddCorrelation(rec common.CorrelationRecord) error {
	if err := rec.Validate(); err != nil {
		b.stats.Malformed++
		return err
	}
	if err := b.ensureNode(rec.EntityA); err != nil {
		b.stats.Malformed++
		return err
	}
	if err := b.ensureNode(rec.EntityB); err != nil {
		b.stats.Malformed++
		return err
	}
	b.stats.Records++
	key := rec.Key()
	if prev, ok := b.edges[key]; ok {
		rec = prev.Combine(rec)
		b.stats.Upserts++
	}
	if rec.Type == common.CorrelationSocial && rec.Evidence.Social != nil {
		rec.Strength = b.socialStrength(rec.Evidence.Social.Interactions())
	}
	b.edges[key] = rec
	return nil
}

func (b *Builder) socialStrength(interactions int64) float64 {
	return common.Clamp01(float64(interactions) / b.params.SocialSaturation)
}

// SocialCorrelation converts an extracted relation into a social record.
func (b *Builder) SocialCorrelation(rel common.SocialRelation) (common.CorrelationRecord, error) {
	if rel.FromSourceID == "" || rel.ToSourceID == "" || rel.Count < 0 {
		return common.CorrelationRecord{}, fmt.Errorf("social relation %s->%s: %w", rel.FromSourceID, rel.ToSourceID, common.ErrMalformedInput)
	}
	ev := common.SocialEvidence{}
	switch rel.Kind {
	case common.RelationForward:
		ev.Forwards = rel.Count
	case common.RelationMention:
		ev.Mentions = rel.Count
	default:
		return common.CorrelationRecord{}, fmt.Errorf("social relation kind %q: %w", rel.Kind, common.ErrMalformedInput)
	}
	return common.NewCorrelation(
		common.SourceRef(rel.FromSourceID),
		common.SourceRef(rel.ToSourceID),
		common.CorrelationSocial,
		b.socialStrength(rel.Count),
		b.params.SocialConfidence,
		common.SocialOf(ev),
		0,
		b.computedAt,
	), nil
}

// AddSocialRelation adds a source-to-source interaction edge. Self relations
// are dropped.
func (b *Builder) AddSocialRelation(rel common.SocialRelation) error {
	if rel.FromSourceID == rel.ToSourceID {
		return nil
	}
	rec, err := b.SocialCorrelation(rel)
	if err != nil {
		b.stats.Malformed++
		return err
	}
	return b.AddCorrelation(rec)
}

// AddKeywordCluster links a message that matched no event to the cluster of
// its keyword set. It reports false when the message is below the keyword
// density threshold.
func (b *Builder) AddKeywordCluster(msg common.MessageRecord, keywords []string) (bool, error) {
	kws := common.DedupeStrings(keywords)
	slices.Sort(kws)
	if len(kws) < b.params.MinClusterKeywords {
		return false, nil
	}
	ref := common.ClusterRef(kws)
	n := b.node(ref, KindCluster)
	n.Label = ref[len(common.RefCluster)+1:]
	n.Keywords = kws
	n.Count++
	b.nodes[ref] = n

	rec := common.NewCorrelation(
		common.SourceRef(msg.SourceID),
		ref,
		common.CorrelationContent,
		math.Min(1, float64(len(kws))/4),
		b.params.ClusterConfidence,
		common.ContentOf(common.ContentEvidence{
			TopicMatches: len(kws),
			Keywords:     kws,
			Engagement:   msg.Engagement(),
			Messages:     1,
		}),
		0,
		b.computedAt,
	)
	if err := b.AddCorrelation(rec); err != nil {
		return false, err
	}
	b.stats.Clustered++
	return true, nil
}

// AddStoredCorrelation adds a record read back from the repository. Cluster
// nodes regain the keyword set and message count that AddKeywordCluster gave
// them, taken from the record's content evidence.
func (b *Builder) AddStoredCorrelation(rec common.CorrelationRecord) error {
	if err := b.AddCorrelation(rec); err != nil {
		return err
	}
	kind, _, err := common.ParseRef(rec.EntityB)
	if err != nil || kind != common.RefCluster || rec.Evidence.Content == nil {
		return nil
	}
	n := b.nodes[rec.EntityB]
	n.Kind = KindCluster
	if len(n.Keywords) == 0 {
		n.Keywords = slices.Clone(rec.Evidence.Content.Keywords)
	}
	n.Count += int64(rec.Evidence.Content.Messages)
	b.nodes[rec.EntityB] = n
	b.stats.Clustered += rec.Evidence.Content.Messages
	return nil
}

// Merge folds other into b. Node attributes set in other win over empty
// attributes in b. Edges are upserted in key order so the result does not
// depend on map iteration.
func (b *Builder) Merge(other *Builder) {
	for _, ref := range sortedKeys(other.nodes) {
		on := other.nodes[ref]
		n, ok := b.nodes[ref]
		if !ok {
			b.nodes[ref] = on
			continue
		}
		n.Label = cmp.Or(n.Label, on.Label)
		n.Seed = n.Seed || on.Seed
		n.Platform = cmp.Or(n.Platform, on.Platform)
		if n.Timestamp.IsZero() {
			n.Timestamp = on.Timestamp
		}
		if n.Kind == KindCluster {
			n.Count += on.Count
		} else {
			n.Count = max(n.Count, on.Count)
		}
		if len(n.Keywords) == 0 {
			n.Keywords = on.Keywords
		}
		b.nodes[ref] = n
	}

	keys := make([]common.CorrelationKey, 0, len(other.edges))
	for k := range other.edges {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y common.CorrelationKey) int { return cmp.Compare(x.String(), y.String()) })
	for _, k := range keys {
		rec := other.edges[k]
		if prev, ok := b.edges[k]; ok {
			rec = prev.Combine(rec)
			b.stats.Upserts++
			if rec.Type == common.CorrelationSocial && rec.Evidence.Social != nil {
				rec.Strength = b.socialStrength(rec.Evidence.Social.Interactions())
			}
		}
		b.edges[k] = rec
	}
	b.stats.Records += other.stats.Records
	b.stats.Upserts += other.stats.Upserts
	b.stats.Malformed += other.stats.Malformed
	b.stats.Clustered += other.stats.Clustered
}

// Correlations returns the upserted records ordered by key.
func (b *Builder) Correlations() []common.CorrelationRecord {
	out := make([]common.CorrelationRecord, 0, len(b.edges))
	for _, rec := range b.edges {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(x, y common.CorrelationRecord) int {
		return cmp.Compare(x.Key().String(), y.Key().String())
	})
	return out
}

// Build freezes the builder into a graph. Nodes are numbered in reference
// order and edges in key order, so identical inputs give identical graphs.
func (b *Builder) Build() *Graph {
	refs := sortedKeys(b.nodes)
	g := &Graph{
		nodes: make([]Node, len(refs)),
		index: make(map[string]NodeID, len(refs)),
		out:   make([][]int, len(refs)),
		in:    make([][]int, len(refs)),
	}
	for i, ref := range refs {
		n := b.nodes[ref]
		n.ID = NodeID(i)
		n.Keywords = slices.Clone(n.Keywords)
		g.nodes[i] = n
		g.index[ref] = n.ID
	}

	for _, rec := range b.Correlations() {
		e := Edge{
			ID:         len(g.edges),
			From:       g.index[rec.EntityA],
			To:         g.index[rec.EntityB],
			Type:       rec.Type,
			Strength:   rec.Strength,
			Confidence: rec.Confidence,
			Weight:     rec.Strength,
			Evidence:   rec.Evidence,
			TimeDelta:  rec.TimeDelta,
		}
		if rec.Type == common.CorrelationSocial && rec.Evidence.Social != nil {
			e.Weight = float64(rec.Evidence.Social.Interactions())
		}
		g.edges = append(g.edges, e)
		g.out[e.From] = append(g.out[e.From], e.ID)
		g.in[e.To] = append(g.in[e.To], e.ID)
	}

	logger.Debug("[Graph] Built link graph", "nodes", len(g.nodes), "edges", len(g.edges))
	return g
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
