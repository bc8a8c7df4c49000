package export

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

const graphMLNamespace = "http://graphml.graphdrawing.org/xmlns"

// reserved keys carry the fixed NodeDoc and EdgeDoc fields
const (
	keyNodeType       = "node_type"
	keyNodeLabel      = "node_label"
	keyEdgeType       = "edge_type"
	keyEdgeWeight     = "edge_weight"
	keyEdgeConfidence = "edge_confidence"
)

// GraphMLCodec handles GraphML import/export
type GraphMLCodec struct{}

// NewGraphMLCodec creates a new GraphML codec
func NewGraphMLCodec() *GraphMLCodec {
	return &GraphMLCodec{}
}

// Format returns the codec format identifier
func (c *GraphMLCodec) Format() string {
	return "graphml"
}

func (c *GraphMLCodec) ContentType() string {
	return "application/graphml+xml"
}

type xmlGraphML struct {
	XMLName xml.Name `xml:"graphml"`
	Xmlns   string   `xml:"xmlns,attr,omitempty"`
	Keys    []xmlKey `xml:"key"`
	Graph   xmlGraph `xml:"graph"`
}

type xmlKey struct {
	ID   string `xml:"id,attr"`
	For  string `xml:"for,attr"`
	Name string `xml:"attr.name,attr"`
	Type string `xml:"attr.type,attr"`
}

type xmlGraph struct {
	ID          string    `xml:"id,attr"`
	EdgeDefault string    `xml:"edgedefault,attr"`
	Nodes       []xmlNode `xml:"node"`
	Edges       []xmlEdge `xml:"edge"`
}

type xmlNode struct {
	ID   string    `xml:"id,attr"`
	Data []xmlData `xml:"data"`
}

type xmlEdge struct {
	ID     string    `xml:"id,attr"`
	Source string    `xml:"source,attr"`
	Target string    `xml:"target,attr"`
	Data   []xmlData `xml:"data"`
}

type xmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type keyDef struct {
	domain string
	name   string
	typ    AttrType
}

// keyTable assigns GraphML key ids in first-use order.
type keyTable struct {
	ids  map[keyDef]string
	keys []xmlKey
}

func (t *keyTable) id(domain, name string, typ AttrType) string {
	def := keyDef{domain, name, typ}
	if id, ok := t.ids[def]; ok {
		return id
	}
	id := "d" + strconv.Itoa(len(t.keys))
	t.ids[def] = id
	t.keys = append(t.keys, xmlKey{ID: id, For: domain, Name: name, Type: string(typ)})
	return id
}

// Export writes the document as GraphML. XML 1.0 has no representation for
// most control characters, not even as character references, so a document
// carrying one in an id, label or value is rejected instead of being written
// with replacement characters.
func (c *GraphMLCodec) Export(doc *Document, w io.Writer) error {
	if err := checkXMLText(doc); err != nil {
		return err
	}
	t := &keyTable{ids: map[keyDef]string{}}
	for _, reserved := range []struct {
		id, domain string
		typ        AttrType
	}{
		{keyNodeType, "node", TypeString},
		{keyNodeLabel, "node", TypeString},
		{keyEdgeType, "edge", TypeString},
		{keyEdgeWeight, "edge", TypeDouble},
		{keyEdgeConfidence, "edge", TypeDouble},
	} {
		t.keys = append(t.keys, xmlKey{ID: reserved.id, For: reserved.domain, Name: reserved.id, Type: string(reserved.typ)})
	}

	out := xmlGraphML{Xmlns: graphMLNamespace, Graph: xmlGraph{ID: "G", EdgeDefault: "undirected"}}
	if doc.Directed {
		out.Graph.EdgeDefault = "directed"
	}
	for _, n := range doc.Nodes {
		xn := xmlNode{ID: n.ID, Data: []xmlData{{Key: keyNodeType, Value: n.Type}}}
		if n.Label != "" {
			xn.Data = append(xn.Data, xmlData{Key: keyNodeLabel, Value: n.Label})
		}
		for _, a := range n.Attributes {
			xn.Data = append(xn.Data, xmlData{Key: t.id("node", a.Key, a.Type), Value: a.Value})
		}
		out.Graph.Nodes = append(out.Graph.Nodes, xn)
	}
	for _, e := range doc.Edges {
		xe := xmlEdge{ID: e.ID, Source: e.Source, Target: e.Target, Data: []xmlData{
			{Key: keyEdgeType, Value: e.Type},
			{Key: keyEdgeWeight, Value: strconv.FormatFloat(e.Weight, 'g', -1, 64)},
			{Key: keyEdgeConfidence, Value: strconv.FormatFloat(e.Confidence, 'g', -1, 64)},
		}}
		for _, a := range e.Attributes {
			xe.Data = append(xe.Data, xmlData{Key: t.id("edge", a.Key, a.Type), Value: a.Value})
		}
		out.Graph.Edges = append(out.Graph.Edges, xe)
	}
	out.Keys = t.keys

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("failed to write GraphML header: %w", err)
	}
	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("failed to encode GraphML: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("failed to encode GraphML: %w", err)
	}
	return nil
}

// Parse imports a document from GraphML. Data elements that reference an
// undeclared key are rejected.
func (c *GraphMLCodec) Parse(r io.Reader) (*Document, error) {
	var in xmlGraphML
	if err := xml.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("failed to parse GraphML: %w", err)
	}
	keys := make(map[string]xmlKey, len(in.Keys))
	for _, k := range in.Keys {
		keys[k.ID] = k
	}

	doc := &Document{Directed: in.Graph.EdgeDefault != "undirected"}
	for _, xn := range in.Graph.Nodes {
		n := NodeDoc{ID: xn.ID}
		for _, d := range xn.Data {
			switch d.Key {
			case keyNodeType:
				n.Type = d.Value
			case keyNodeLabel:
				n.Label = d.Value
			default:
				a, err := attributeOf(keys, d)
				if err != nil {
					return nil, fmt.Errorf("node %q: %w", xn.ID, err)
				}
				n.Attributes = append(n.Attributes, a)
			}
		}
		doc.Nodes = append(doc.Nodes, n)
	}
	for _, xe := range in.Graph.Edges {
		e := EdgeDoc{ID: xe.ID, Source: xe.Source, Target: xe.Target}
		for _, d := range xe.Data {
			var err error
			switch d.Key {
			case keyEdgeType:
				e.Type = d.Value
			case keyEdgeWeight:
				e.Weight, err = strconv.ParseFloat(d.Value, 64)
			case keyEdgeConfidence:
				e.Confidence, err = strconv.ParseFloat(d.Value, 64)
			default:
				var a Attribute
				a, err = attributeOf(keys, d)
				e.Attributes = append(e.Attributes, a)
			}
			if err != nil {
				return nil, fmt.Errorf("edge %q: %w", xe.ID, err)
			}
		}
		doc.Edges = append(doc.Edges, e)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func attributeOf(keys map[string]xmlKey, d xmlData) (Attribute, error) {
	k, ok := keys[d.Key]
	if !ok {
		return Attribute{}, fmt.Errorf("undeclared key %q: %w", d.Key, common.ErrMalformedInput)
	}
	return Attribute{Key: k.Name, Type: AttrType(k.Type), Value: d.Value}, nil
}

func checkXMLText(doc *Document) error {
	for _, n := range doc.Nodes {
		texts := []string{n.ID, n.Type, n.Label}
		for _, a := range n.Attributes {
			texts = append(texts, a.Key, a.Value)
		}
		if !xmlText(texts...) {
			return fmt.Errorf("node %q: text not representable in XML: %w", n.ID, common.ErrMalformedInput)
		}
	}
	for _, e := range doc.Edges {
		texts := []string{e.ID, e.Source, e.Target, e.Type}
		for _, a := range e.Attributes {
			texts = append(texts, a.Key, a.Value)
		}
		if !xmlText(texts...) {
			return fmt.Errorf("edge %q: text not representable in XML: %w", e.ID, common.ErrMalformedInput)
		}
	}
	return nil
}

// xmlText reports whether every string is valid UTF-8 made of XML 1.0 Char
// runes.
func xmlText(texts ...string) bool {
	for _, s := range texts {
		if !utf8.ValidString(s) {
			return false
		}
		for _, r := range s {
			switch {
			case r == '\t' || r == '\n' || r == '\r':
			case r >= 0x20 && r <= 0xD7FF:
			case r >= 0xE000 && r <= 0xFFFD:
			case r >= 0x10000 && r <= 0x10FFFF:
			default:
				return false
			}
		}
	}
	return true
}
