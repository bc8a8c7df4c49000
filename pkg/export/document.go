// Package export turns a link graph into a portable node-link document and
// reads such documents back.
package export

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/corvid/backend/pkg/analytics"
	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/linkgraph"
)

// AttrType is the value type of an attribute. The names follow GraphML.
type AttrType string

const (
	TypeString  AttrType = "string"
	TypeDouble  AttrType = "double"
	TypeLong    AttrType = "long"
	TypeBoolean AttrType = "boolean"
)

// Attribute is a typed key/value pair. Value always holds the textual form.
type Attribute struct {
	Key   string   `json:"key" yaml:"key"`
	Type  AttrType `json:"type" yaml:"type"`
	Value string   `json:"value" yaml:"value"`
}

func String(key, v string) Attribute { return Attribute{Key: key, Type: TypeString, Value: v} }
func Double(key string, v float64) Attribute {
	return Attribute{Key: key, Type: TypeDouble, Value: strconv.FormatFloat(v, 'g', -1, 64)}
}
func Long(key string, v int64) Attribute {
	return Attribute{Key: key, Type: TypeLong, Value: strconv.FormatInt(v, 10)}
}
func Bool(key string, v bool) Attribute {
	return Attribute{Key: key, Type: TypeBoolean, Value: strconv.FormatBool(v)}
}

// Validate checks that Value parses as Type.
func (a Attribute) Validate() error {
	var err error
	switch a.Type {
	case TypeString:
	case TypeDouble:
		_, err = strconv.ParseFloat(a.Value, 64)
	case TypeLong:
		_, err = strconv.ParseInt(a.Value, 10, 64)
	case TypeBoolean:
		_, err = strconv.ParseBool(a.Value)
	default:
		err = fmt.Errorf("unknown type %q", a.Type)
	}
	if a.Key == "" {
		err = fmt.Errorf("empty key")
	}
	if err != nil {
		return fmt.Errorf("attribute %q: %v: %w", a.Key, err, common.ErrMalformedInput)
	}
	return nil
}

// NodeDoc is one node of an exported graph.
type NodeDoc struct {
	ID         string      `json:"id" yaml:"id"`
	Type       string      `json:"type" yaml:"type"`
	Label      string      `json:"label,omitempty" yaml:"label,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// EdgeDoc is one edge of an exported graph.
type EdgeDoc struct {
	ID         string      `json:"id" yaml:"id"`
	Source     string      `json:"source" yaml:"source"`
	Target     string      `json:"target" yaml:"target"`
	Type       string      `json:"type" yaml:"type"`
	Weight     float64     `json:"weight" yaml:"weight"`
	Confidence float64     `json:"confidence" yaml:"confidence"`
	Attributes []Attribute `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Document is the format independent export of a link graph.
type Document struct {
	Directed bool      `json:"directed" yaml:"directed"`
	Nodes    []NodeDoc `json:"nodes" yaml:"nodes"`
	Edges    []EdgeDoc `json:"edges" yaml:"edges"`
}

// Validate checks ids, edge endpoints and attribute values.
func (d *Document) Validate() error {
	ids := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node without id: %w", common.ErrMalformedInput)
		}
		if ids[n.ID] {
			return fmt.Errorf("duplicate node %q: %w", n.ID, common.ErrMalformedInput)
		}
		ids[n.ID] = true
		for _, a := range n.Attributes {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("node %q: %w", n.ID, err)
			}
		}
	}
	for _, e := range d.Edges {
		if !ids[e.Source] || !ids[e.Target] {
			return fmt.Errorf("edge %q references unknown node: %w", e.ID, common.ErrMalformedInput)
		}
		for _, a := range e.Attributes {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("edge %q: %w", e.ID, err)
			}
		}
	}
	return nil
}

// Node returns the node with the given id.
func (d *Document) Node(id string) (NodeDoc, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDoc{}, false
}

// Attr looks up an attribute by key.
func Attr(attrs []Attribute, key string) (Attribute, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a, true
		}
	}
	return Attribute{}, false
}

// Decorator adds attributes to an exported node.
type Decorator func(n linkgraph.Node) []Attribute

// FromGraph exports g. Nodes and edges keep the graph's deterministic order;
// attributes are sorted by key.
func FromGraph(g *linkgraph.Graph, decorators ...Decorator) Document {
	doc := Document{Directed: true}
	for _, n := range g.Nodes() {
		attrs := nodeAttributes(n)
		for _, dec := range decorators {
			attrs = append(attrs, dec(n)...)
		}
		doc.Nodes = append(doc.Nodes, NodeDoc{
			ID:         n.Ref,
			Type:       string(n.Kind),
			Label:      n.Label,
			Attributes: sortAttributes(attrs),
		})
	}
	for _, e := range g.Edges() {
		from, to := g.Node(e.From).Ref, g.Node(e.To).Ref
		doc.Edges = append(doc.Edges, EdgeDoc{
			ID:         common.CorrelationKey{EntityA: from, EntityB: to, Type: e.Type}.String(),
			Source:     from,
			Target:     to,
			Type:       string(e.Type),
			Weight:     e.Weight,
			Confidence: e.Confidence,
			Attributes: sortAttributes(edgeAttributes(e)),
		})
	}
	return doc
}

func nodeAttributes(n linkgraph.Node) []Attribute {
	var attrs []Attribute
	if n.Kind == linkgraph.KindSource {
		attrs = append(attrs, Bool("seed", n.Seed))
	}
	if n.Platform != "" {
		attrs = append(attrs, String("platform", n.Platform))
	}
	if !n.Timestamp.IsZero() {
		attrs = append(attrs, String("timestamp", n.Timestamp.UTC().Format(time.RFC3339)))
	}
	if n.Count > 0 {
		attrs = append(attrs, Long("count", int64(n.Count)))
	}
	if len(n.Keywords) > 0 {
		attrs = append(attrs, String("keywords", strings.Join(n.Keywords, ",")))
	}
	return attrs
}

func edgeAttributes(e linkgraph.Edge) []Attribute {
	attrs := []Attribute{Double("strength", e.Strength)}
	if e.TimeDelta != 0 {
		attrs = append(attrs, Double("time_delta_seconds", e.TimeDelta.Seconds()))
	}
	switch ev := e.Evidence; {
	case ev.Temporal != nil:
		attrs = append(attrs,
			Double("z_score", ev.Temporal.ZScore),
			Long("spike_count", int64(ev.Temporal.SpikeCount)),
			Double("expected", ev.Temporal.Expected),
		)
		if len(ev.Temporal.Keywords) > 0 {
			attrs = append(attrs, String("keywords", strings.Join(ev.Temporal.Keywords, ",")))
		}
	case ev.Content != nil:
		attrs = append(attrs,
			Long("location_matches", int64(ev.Content.LocationMatches)),
			Long("topic_matches", int64(ev.Content.TopicMatches)),
			Long("engagement", ev.Content.Engagement),
		)
		if len(ev.Content.Keywords) > 0 {
			attrs = append(attrs, String("keywords", strings.Join(ev.Content.Keywords, ",")))
		}
		if len(ev.Content.Locations) > 0 {
			attrs = append(attrs, String("locations", strings.Join(ev.Content.Locations, ",")))
		}
	case ev.Social != nil:
		attrs = append(attrs,
			Long("mentions", ev.Social.Mentions),
			Long("forwards", ev.Social.Forwards),
		)
	}
	return attrs
}

func sortAttributes(attrs []Attribute) []Attribute {
	slices.SortStableFunc(attrs, func(a, b Attribute) int { return strings.Compare(a.Key, b.Key) })
	return attrs
}

// PriorityDecorator annotates source nodes with their priority, tier and
// community from an analytics report.
func PriorityDecorator(rep analytics.Report) Decorator {
	byRef := make(map[string]analytics.Priority, len(rep.Priorities))
	for _, p := range rep.Priorities {
		byRef[p.NodeID] = p
	}
	return func(n linkgraph.Node) []Attribute {
		p, ok := byRef[n.Ref]
		if !ok {
			return nil
		}
		return []Attribute{
			Double("priority", p.Score),
			String("tier", string(p.Tier)),
			Long("community", int64(p.Community)),
			Bool("community_flagged", p.Flagged),
		}
	}
}

// PriorityEntry is one line of the tiered priority list.
type PriorityEntry struct {
	NodeID string         `json:"node_id" yaml:"node_id"`
	Score  float64        `json:"score" yaml:"score"`
	Tier   analytics.Tier `json:"tier" yaml:"tier"`
}

// Priorities flattens a report into the tiered priority list.
func Priorities(rep analytics.Report) []PriorityEntry {
	out := make([]PriorityEntry, 0, len(rep.Priorities))
	for _, p := range rep.Priorities {
		out = append(out, PriorityEntry{NodeID: p.NodeID, Score: p.Score, Tier: p.Tier})
	}
	return out
}
