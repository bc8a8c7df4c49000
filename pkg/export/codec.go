package export

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

// Importer reads a document in one format.
type Importer interface {
	Parse(r io.Reader) (*Document, error)
	Format() string
}

// Exporter writes a document in one format.
type Exporter interface {
	Export(doc *Document, w io.Writer) error
	Format() string
}

// Codec reads and writes one format.
type Codec interface {
	Importer
	Exporter
	ContentType() string
}

var codecs = map[string]Codec{
	"json":    NewJSONCodec(),
	"yaml":    NewYAMLCodec(),
	"graphml": NewGraphMLCodec(),
}

// ForFormat returns the codec for a format name such as "json", "yaml" or
// "graphml". The lookup is case insensitive and accepts "yml".
func ForFormat(name string) (Codec, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "yml" {
		name = "yaml"
	}
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown export format %q: %w", name, common.ErrMalformedInput)
	}
	return c, nil
}

// Formats lists the supported format names.
func Formats() []string {
	out := make([]string, 0, len(codecs))
	for k := range codecs {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Render exports doc in the named format and returns the bytes together
// with the codec's content type.
func Render(doc *Document, format string) ([]byte, string, error) {
	c, err := ForFormat(format)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	if err := c.Export(doc, &buf); err != nil {
		return nil, "", fmt.Errorf("export %s: %w", c.Format(), err)
	}
	return buf.Bytes(), c.ContentType(), nil
}
