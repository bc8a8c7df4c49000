package common

import "slices"

// TemporalEvidence backs a temporal correlation: a source's activity spike
// around an event.
type TemporalEvidence struct {
	ZScore         float64  `json:"z_score" yaml:"z_score"`
	SpikeCount     int      `json:"spike_count" yaml:"spike_count"`
	Expected       float64  `json:"expected" yaml:"expected"`
	BaselineMean   float64  `json:"baseline_mean" yaml:"baseline_mean"`
	BaselineStdDev float64  `json:"baseline_std_dev" yaml:"baseline_std_dev"`
	Keywords       []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// ContentEvidence backs spatial and content correlations: gazetteer and
// keyword hits shared between a message and an event.
type ContentEvidence struct {
	LocationMatches int      `json:"location_matches" yaml:"location_matches"`
	TopicMatches    int      `json:"topic_matches" yaml:"topic_matches"`
	Locations       []string `json:"locations,omitempty" yaml:"locations,omitempty"`
	Keywords        []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Engagement      int64    `json:"engagement" yaml:"engagement"`
	Messages        int      `json:"messages" yaml:"messages"`
}

// SocialEvidence backs a social correlation between two sources.
type SocialEvidence struct {
	Mentions int64 `json:"mentions" yaml:"mentions"`
	Forwards int64 `json:"forwards" yaml:"forwards"`
}

// Interactions is the total number of recorded interactions.
func (s SocialEvidence) Interactions() int64 {
	return s.Mentions + s.Forwards
}

// Evidence is a closed union: exactly one of the variants is set. The zero
// value carries no evidence.
type Evidence struct {
	Temporal *TemporalEvidence `json:"temporal,omitempty" yaml:"temporal,omitempty"`
	Content  *ContentEvidence  `json:"content,omitempty" yaml:"content,omitempty"`
	Social   *SocialEvidence   `json:"social,omitempty" yaml:"social,omitempty"`
}

func TemporalOf(e TemporalEvidence) Evidence { return Evidence{Temporal: &e} }
func ContentOf(e ContentEvidence) Evidence   { return Evidence{Content: &e} }
func SocialOf(e SocialEvidence) Evidence     { return Evidence{Social: &e} }

// Kind returns the correlation type the variant belongs to. Spatial records
// carry content evidence, so Kind reports content for both.
func (e Evidence) Kind() CorrelationType {
	switch {
	case e.Temporal != nil:
		return CorrelationTemporal
	case e.Content != nil:
		return CorrelationContent
	case e.Social != nil:
		return CorrelationSocial
	}
	return ""
}

// Merge combines two evidence values of the same variant. Counters are summed,
// keyword lists are unioned and the largest z-score wins. If the variants
// differ, e is returned unchanged.
func (e Evidence) Merge(o Evidence) Evidence {
	switch {
	case e.Kind() == "":
		return o.clone()
	case o.Kind() == "" || e.Kind() != o.Kind():
		return e.clone()
	}

	switch e.Kind() {
	case CorrelationTemporal:
		a, b := *e.Temporal, *o.Temporal
		out := a
		if b.ZScore > a.ZScore {
			out = b
		}
		out.Keywords = unionSorted(a.Keywords, b.Keywords)
		return TemporalOf(out)
	case CorrelationContent:
		a, b := *e.Content, *o.Content
		return ContentOf(ContentEvidence{
			LocationMatches: max(a.LocationMatches, b.LocationMatches),
			TopicMatches:    max(a.TopicMatches, b.TopicMatches),
			Locations:       unionSorted(a.Locations, b.Locations),
			Keywords:        unionSorted(a.Keywords, b.Keywords),
			Engagement:      a.Engagement + b.Engagement,
			Messages:        a.Messages + b.Messages,
		})
	default:
		return SocialOf(SocialEvidence{
			Mentions: e.Social.Mentions + o.Social.Mentions,
			Forwards: e.Social.Forwards + o.Social.Forwards,
		})
	}
}

func (e Evidence) clone() Evidence {
	switch {
	case e.Temporal != nil:
		t := *e.Temporal
		t.Keywords = slices.Clone(t.Keywords)
		return TemporalOf(t)
	case e.Content != nil:
		c := *e.Content
		c.Locations = slices.Clone(c.Locations)
		c.Keywords = slices.Clone(c.Keywords)
		return ContentOf(c)
	case e.Social != nil:
		return SocialOf(*e.Social)
	}
	return Evidence{}
}

func unionSorted(a, b []string) []string {
	out := DedupeStrings(append(slices.Clone(a), b...))
	slices.Sort(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
