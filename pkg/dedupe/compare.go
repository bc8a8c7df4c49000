package dedupe

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

const earthRadiusKm = 6371.0088

// Weights of the comparison factors. They are expected to sum to one.
type Weights struct {
	Temporal    float64 `yaml:"temporal" json:"temporal"`
	Geographic  float64 `yaml:"geographic" json:"geographic"`
	LocationID  float64 `yaml:"location_id" json:"location_id"`
	Title       float64 `yaml:"title" json:"title"`
	Description float64 `yaml:"description" json:"description"`
}

// Params holds the gates, weights and threshold of the deduplicator.
type Params struct {
	TimeThreshold       time.Duration `yaml:"time_threshold"`
	DistanceThresholdKm float64       `yaml:"distance_threshold_km"`
	Weights             Weights       `yaml:"weights"`
	DuplicateThreshold  float64       `yaml:"duplicate_threshold"`
	NeutralGeoScore     float64       `yaml:"neutral_geo_score"`
	MaxDisplaySources   int           `yaml:"max_display_sources"`
	PageSize            int           `yaml:"page_size"`
}

func DefaultParams() Params {
	return Params{
		TimeThreshold:       48 * time.Hour,
		DistanceThresholdKm: 50,
		Weights: Weights{
			Temporal:    0.2,
			Geographic:  0.3,
			LocationID:  0.2,
			Title:       0.15,
			Description: 0.15,
		},
		DuplicateThreshold: 0.65,
		NeutralGeoScore:    0.5,
		MaxDisplaySources:  5,
		PageSize:           500,
	}
}

// withDefaults returns the defaults for the zero value. Otherwise only the
// gates and sizes that must be positive are filled in.
func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p == (Params{}) {
		return d
	}
	if p.TimeThreshold <= 0 {
		p.TimeThreshold = d.TimeThreshold
	}
	if p.DistanceThresholdKm <= 0 {
		p.DistanceThresholdKm = d.DistanceThresholdKm
	}
	if p.Weights == (Weights{}) {
		p.Weights = d.Weights
	}
	if p.MaxDisplaySources <= 0 {
		p.MaxDisplaySources = d.MaxDisplaySources
	}
	if p.PageSize <= 0 {
		p.PageSize = d.PageSize
	}
	return p
}

// Factors are the per-dimension scores of a comparison, each in [0,1].
type Factors struct {
	Temporal    float64 `json:"temporal"`
	Geographic  float64 `json:"geographic"`
	LocationID  float64 `json:"location_id"`
	Title       float64 `json:"title"`
	Description float64 `json:"description"`
}

// Comparison is the verdict on one pair of events.
type Comparison struct {
	IsDuplicate bool    `json:"is_duplicate"`
	Confidence  float64 `json:"confidence"`
	Factors     Factors `json:"factors"`
	// Gate names the hard cutoff that rejected the pair, if any.
	Gate       string  `json:"gate,omitempty"`
	DistanceKm float64 `json:"distance_km,omitempty"`
}

// Compare scores two events. Pairs further apart than the time or distance
// threshold are rejected before any factor is computed.
func (d *Deduplicator) Compare(a, b common.EventRecord) Comparison {
	p := d.params
	dt := a.Timestamp.Sub(b.Timestamp)
	if dt < 0 {
		dt = -dt
	}
	if dt > p.TimeThreshold {
		return Comparison{Gate: "time"}
	}

	var c Comparison
	c.Factors.Geographic = p.NeutralGeoScore
	if a.HasCoordinates() && b.HasCoordinates() {
		c.DistanceKm = HaversineKm(*a.Latitude, *a.Longitude, *b.Latitude, *b.Longitude)
		if c.DistanceKm > p.DistanceThresholdKm {
			return Comparison{Gate: "distance", DistanceKm: c.DistanceKm}
		}
		c.Factors.Geographic = 1 - c.DistanceKm/p.DistanceThresholdKm
	}

	c.Factors.Temporal = 1 - float64(dt)/float64(p.TimeThreshold)
	if sameLocationID(a.LocationID, b.LocationID) {
		c.Factors.LocationID = 1
	}
	c.Factors.Title = TextSimilarity(a.Title, b.Title)
	c.Factors.Description = TextSimilarity(a.Description, b.Description)

	w := p.Weights
	c.Confidence = common.Clamp01(
		c.Factors.Temporal*w.Temporal +
			c.Factors.Geographic*w.Geographic +
			c.Factors.LocationID*w.LocationID +
			c.Factors.Title*w.Title +
			c.Factors.Description*w.Description,
	)
	c.IsDuplicate = c.Confidence >= p.DuplicateThreshold
	return c
}

func sameLocationID(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

// HaversineKm is the great-circle distance between two coordinates.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// TextSimilarity is one minus the Levenshtein distance over the longer
// length, computed on lowercased, whitespace-collapsed text. Empty text has
// no similarity to anything.
func TextSimilarity(a, b string) float64 {
	a, b = normalizeText(a), normalizeText(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	return common.Clamp01(1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest))
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
