package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

// table is a CSV file addressed by lower-cased header names.
type table struct {
	cols map[string]int
	rows [][]string
	// lines holds the 1-based file line of each row for error messages.
	lines []int
}

func readTable(content []byte, required ...string) (*table, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty file: %w", common.ErrMalformedInput)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w: %w", common.ErrMalformedInput, err)
	}

	t := &table{cols: make(map[string]int, len(header))}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := t.cols[h]; !dup {
			t.cols[h] = i
		}
	}
	for _, col := range required {
		if _, ok := t.cols[col]; !ok {
			return nil, fmt.Errorf("missing column %q: %w", col, common.ErrMalformedInput)
		}
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		if blank(record) {
			continue
		}
		line, _ := reader.FieldPos(0)
		t.rows = append(t.rows, record)
		t.lines = append(t.lines, line)
	}
	return t, nil
}

func blank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// row reads cells of one record. Missing trailing cells read as empty.
type row struct {
	t      *table
	fields []string
}

func (t *table) each(fn func(r row) error) []error {
	var errs []error
	for i, fields := range t.rows {
		if err := fn(row{t: t, fields: fields}); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", t.lines[i], err))
		}
	}
	return errs
}

func (r row) str(col string) string {
	i, ok := r.t.cols[col]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

func (r row) int64(col string) (int64, error) {
	v := r.str(col)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", col, v, common.ErrMalformedInput)
	}
	return n, nil
}

func (r row) float(col string) (*float64, error) {
	v := r.str(col)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", col, v, common.ErrMalformedInput)
	}
	return &f, nil
}

func (r row) bool(col string) (bool, error) {
	v := r.str(col)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s %q: %w", col, v, common.ErrMalformedInput)
	}
	return b, nil
}

// timestampLayouts are tried in order. Values without a zone are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (r row) time(col string) (time.Time, error) {
	v := r.str(col)
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%s %q: %w", col, v, common.ErrMalformedInput)
}

// list splits a cell on ';' or '|'.
func (r row) list(col string) []string {
	v := r.str(col)
	if v == "" {
		return nil
	}
	parts := strings.FieldsFunc(v, func(c rune) bool { return c == ';' || c == '|' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return common.DedupeStrings(out)
}

// ParseSources reads columns id, name, platform, seed.
func ParseSources(content []byte) ([]common.SourceNode, []error, error) {
	t, err := readTable(content, "id")
	if err != nil {
		return nil, nil, err
	}
	var out []common.SourceNode
	errs := t.each(func(r row) error {
		seed, err := r.bool("seed")
		if err != nil {
			return err
		}
		src := common.SourceNode{
			ID:       r.str("id"),
			Name:     r.str("name"),
			Platform: r.str("platform"),
			Seed:     seed,
		}
		if src.ID == "" {
			return fmt.Errorf("source without id: %w", common.ErrMalformedInput)
		}
		if src.Name == "" {
			src.Name = src.ID
		}
		out = append(out, src)
		return nil
	})
	return out, errs, nil
}

// ParseEvents reads columns id, title, description, timestamp, latitude,
// longitude, location_id, location_label, sources, confidence.
func ParseEvents(content []byte) ([]common.EventRecord, []error, error) {
	t, err := readTable(content, "id", "timestamp")
	if err != nil {
		return nil, nil, err
	}
	var out []common.EventRecord
	errs := t.each(func(r row) error {
		ts, err := r.time("timestamp")
		if err != nil {
			return err
		}
		lat, err := r.float("latitude")
		if err != nil {
			return err
		}
		lon, err := r.float("longitude")
		if err != nil {
			return err
		}
		conf, err := r.float("confidence")
		if err != nil {
			return err
		}
		ev := common.EventRecord{
			ID:            r.str("id"),
			Title:         r.str("title"),
			Description:   r.str("description"),
			Timestamp:     ts,
			Latitude:      lat,
			Longitude:     lon,
			LocationID:    r.str("location_id"),
			LocationLabel: r.str("location_label"),
			Sources:       r.list("sources"),
			Status:        common.EventStatusActive,
		}
		if conf != nil {
			ev.Confidence = common.Clamp01(*conf)
		}
		if err := ev.Validate(); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, errs, nil
}

// ParseMessages reads columns id, source_id, text, timestamp, views,
// forwards, replies.
func ParseMessages(content []byte) ([]common.MessageRecord, []error, error) {
	t, err := readTable(content, "id", "source_id", "timestamp")
	if err != nil {
		return nil, nil, err
	}
	var out []common.MessageRecord
	errs := t.each(func(r row) error {
		ts, err := r.time("timestamp")
		if err != nil {
			return err
		}
		var counters [3]int64
		for i, col := range []string{"views", "forwards", "replies"} {
			if counters[i], err = r.int64(col); err != nil {
				return err
			}
		}
		m := common.MessageRecord{
			ID:        r.str("id"),
			SourceID:  r.str("source_id"),
			Text:      r.str("text"),
			Timestamp: ts,
			Views:     counters[0],
			Forwards:  counters[1],
			Replies:   counters[2],
		}
		if m.ID == "" {
			return fmt.Errorf("message without id: %w", common.ErrMalformedInput)
		}
		if err := m.Validate(); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, errs, nil
}

// Relation is a social relation row together with its observation time.
type Relation struct {
	common.SocialRelation
	ObservedAt time.Time
}

// ParseRelations reads columns from_source_id, to_source_id, kind, count,
// observed_at. A missing count means one interaction.
func ParseRelations(content []byte) ([]Relation, []error, error) {
	t, err := readTable(content, "from_source_id", "to_source_id", "kind")
	if err != nil {
		return nil, nil, err
	}
	var out []Relation
	errs := t.each(func(r row) error {
		count, err := r.int64("count")
		if err != nil {
			return err
		}
		if r.str("count") == "" {
			count = 1
		}
		observed, err := r.time("observed_at")
		if err != nil {
			return err
		}
		rel := Relation{
			SocialRelation: common.SocialRelation{
				FromSourceID: r.str("from_source_id"),
				ToSourceID:   r.str("to_source_id"),
				Kind:         common.RelationKind(strings.ToLower(r.str("kind"))),
				Count:        count,
			},
			ObservedAt: observed,
		}
		switch {
		case rel.FromSourceID == "" || rel.ToSourceID == "":
			return fmt.Errorf("relation without endpoints: %w", common.ErrMalformedInput)
		case rel.FromSourceID == rel.ToSourceID:
			return fmt.Errorf("self relation on %s: %w", rel.FromSourceID, common.ErrMalformedInput)
		case rel.Kind != common.RelationMention && rel.Kind != common.RelationForward:
			return fmt.Errorf("kind %q: %w", rel.Kind, common.ErrMalformedInput)
		case rel.Count <= 0:
			return fmt.Errorf("count %d: %w", rel.Count, common.ErrMalformedInput)
		}
		out = append(out, rel)
		return nil
	})
	return out, errs, nil
}
