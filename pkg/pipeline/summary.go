package pipeline

import (
	"time"

	"github.com/OFFIS-RIT/corvid/backend/internal/timing"
	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/content"
	"github.com/OFFIS-RIT/corvid/backend/pkg/linkgraph"
	"github.com/OFFIS-RIT/corvid/backend/pkg/temporal"
)

// DedupeSummary condenses a deduplication report.
type DedupeSummary struct {
	Scanned   int `json:"scanned"`
	Groups    int `json:"groups"`
	Absorbed  int `json:"absorbed"`
	Malformed int `json:"malformed"`
	Skipped   int `json:"skipped"`
}

// Summary counts what a run did. Skipped and fallback work is counted, never
// silently dropped.
type Summary struct {
	RunID      string           `json:"run_id"`
	Window     common.TimeRange `json:"window"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`

	Events  int `json:"events"`
	Sources int `json:"sources"`

	Dedupe   DedupeSummary   `json:"dedupe"`
	Temporal temporal.Stats  `json:"temporal"`
	Content  content.Stats   `json:"content"`
	Graph    linkgraph.Stats `json:"graph"`

	MalformedEvents    int `json:"malformed_events"`
	MalformedRelations int `json:"malformed_relations"`
	Correlations       int `json:"correlations"`
	Nodes              int `json:"nodes"`
	Edges              int `json:"edges"`
	Communities        int `json:"communities"`
	Fallbacks          int `json:"fallbacks"`
	FailedUnits        int `json:"failed_units"`
	UpdatedSources     int `json:"updated_sources"`

	Stages []timing.Stage `json:"stages,omitempty"`
}

// Duration is the wall time of the run.
func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Malformed is the total of malformed inputs over all stages.
func (s Summary) Malformed() int {
	return s.MalformedEvents + s.MalformedRelations + s.Dedupe.Malformed +
		s.Temporal.Malformed + s.Content.Malformed + s.Graph.Malformed
}
