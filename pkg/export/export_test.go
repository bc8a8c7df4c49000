package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/corvid/backend/pkg/analytics"
	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/linkgraph"
)

func sampleGraph(t *testing.T) *linkgraph.Graph {
	t.Helper()
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)
	b := linkgraph.NewBuilder(linkgraph.DefaultParams(), now)
	b.AddSource(common.SourceNode{ID: "x", Name: "Channel <X> & co", Platform: "telegram", Seed: true, MessageCount: 42})
	b.AddSource(common.SourceNode{ID: "y", Name: "Y"})
	b.AddEvent(common.EventRecord{ID: "e1", Title: "Drone over Rzeszów", Timestamp: now})
	require.NoError(t, b.AddSocialRelation(common.SocialRelation{FromSourceID: "x", ToSourceID: "y", Kind: common.RelationMention, Count: 3}))
	require.NoError(t, b.AddCorrelation(common.NewCorrelation(
		common.SourceRef("y"), common.EventRef("e1"), common.CorrelationTemporal, 0.39, 0.6,
		common.TemporalOf(common.TemporalEvidence{ZScore: 3.9283, SpikeCount: 12, Expected: 4, Keywords: []string{"drone"}}),
		-90*time.Minute, now,
	)))
	_, err := b.AddKeywordCluster(common.MessageRecord{ID: "m1", SourceID: "x", Views: 10}, []string{"uav", "shahed"})
	require.NoError(t, err)
	return b.Build()
}

func TestFromGraph(t *testing.T) {
	g := sampleGraph(t)
	doc := FromGraph(g)

	assert.True(t, doc.Directed)
	require.Len(t, doc.Nodes, 4)
	require.Len(t, doc.Edges, 3)
	require.NoError(t, doc.Validate())

	x, ok := doc.Node("source:x")
	require.True(t, ok)
	assert.Equal(t, "source", x.Type)
	seed, ok := Attr(x.Attributes, "seed")
	require.True(t, ok)
	assert.Equal(t, Bool("seed", true), seed)

	var social EdgeDoc
	for _, e := range doc.Edges {
		if e.Type == string(common.CorrelationSocial) {
			social = e
		}
	}
	assert.Equal(t, "source:x|source:y|social", social.ID)
	assert.Equal(t, 3.0, social.Weight)
	mentions, ok := Attr(social.Attributes, "mentions")
	require.True(t, ok)
	assert.Equal(t, "3", mentions.Value)
}

func TestRoundTrip(t *testing.T) {
	g := sampleGraph(t)
	rep := analytics.Analyze(g, analytics.DefaultParams())
	doc := FromGraph(g, PriorityDecorator(rep))

	for _, format := range Formats() {
		t.Run(format, func(t *testing.T) {
			codec, err := ForFormat(format)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, codec.Export(&doc, &buf))
			got, err := codec.Parse(&buf)
			require.NoError(t, err)
			assert.Equal(t, doc, *got)

			// exporting the imported document again is byte-identical
			var first, second bytes.Buffer
			require.NoError(t, codec.Export(&doc, &first))
			require.NoError(t, codec.Export(got, &second))
			assert.Equal(t, first.String(), second.String())
		})
	}
}

func TestGraphMLShape(t *testing.T) {
	doc := FromGraph(sampleGraph(t))
	var buf bytes.Buffer
	require.NoError(t, NewGraphMLCodec().Export(&doc, &buf))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Contains(t, out, `xmlns="http://graphml.graphdrawing.org/xmlns"`)
	assert.Contains(t, out, `edgedefault="directed"`)
	assert.Contains(t, out, `attr.name="z_score" attr.type="double"`)
	assert.Contains(t, out, "Channel &lt;X&gt; &amp; co")
}

func TestGraphMLControlCharacters(t *testing.T) {
	doc := Document{Directed: true, Nodes: []NodeDoc{{ID: "source:a", Type: "source", Label: "line one\nline\ttwo"}}}
	var buf bytes.Buffer
	require.NoError(t, NewGraphMLCodec().Export(&doc, &buf))
	got, err := NewGraphMLCodec().Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, doc, *got)

	doc.Nodes[0].Label = "bell\x07"
	buf.Reset()
	err = NewGraphMLCodec().Export(&doc, &buf)
	assert.ErrorIs(t, err, common.ErrMalformedInput)
	assert.Zero(t, buf.Len())

	doc.Nodes[0].Label = "ok"
	doc.Nodes[0].Attributes = []Attribute{{Key: "note", Type: TypeString, Value: "nul\x00"}}
	assert.ErrorIs(t, NewGraphMLCodec().Export(&doc, &buf), common.ErrMalformedInput)
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		format string
		input  string
	}{
		{
			name:   "dangling edge",
			format: "json",
			input:  `{"directed":true,"nodes":[{"id":"a","type":"source"}],"edges":[{"id":"e","source":"a","target":"b","type":"social"}]}`,
		},
		{
			name:   "bad long",
			format: "yaml",
			input:  "directed: true\nnodes:\n  - id: a\n    type: source\n    attributes:\n      - {key: count, type: long, value: many}\nedges: []\n",
		},
		{
			name:   "undeclared key",
			format: "graphml",
			input:  `<graphml><graph id="G" edgedefault="directed"><node id="a"><data key="d9">x</data></node></graph></graphml>`,
		},
		{
			name:   "not xml",
			format: "graphml",
			input:  `{"nodes":[]}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			codec, err := ForFormat(tc.format)
			require.NoError(t, err)
			_, err = codec.Parse(strings.NewReader(tc.input))
			assert.Error(t, err)
		})
	}
}

func TestForFormat(t *testing.T) {
	c, err := ForFormat(" YML ")
	require.NoError(t, err)
	assert.Equal(t, "yaml", c.Format())

	_, err = ForFormat("csv")
	assert.ErrorIs(t, err, common.ErrMalformedInput)
}

func TestRender(t *testing.T) {
	doc := FromGraph(sampleGraph(t))
	data, contentType, err := Render(&doc, "graphml")
	require.NoError(t, err)
	assert.Equal(t, NewGraphMLCodec().ContentType(), contentType)
	assert.Contains(t, string(data), "<graphml")

	_, _, err = Render(&doc, "dot")
	assert.ErrorIs(t, err, common.ErrMalformedInput)
}

func TestPriorities(t *testing.T) {
	rep := analytics.Analyze(sampleGraph(t), analytics.DefaultParams())
	list := Priorities(rep)
	require.Len(t, list, 2)
	assert.GreaterOrEqual(t, list[0].Score, list[1].Score)
	assert.Equal(t, analytics.TierOf(list[0].Score), list[0].Tier)
}
