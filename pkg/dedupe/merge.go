package dedupe

import (
	"cmp"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

// Group clusters active events single-link around a seed: events are visited
// earliest first, the first unprocessed event seeds a group and absorbs every
// later unprocessed event that is a duplicate of the seed. Singletons are not
// returned.
func (d *Deduplicator) Group(events []common.EventRecord) []common.ClusterGroup {
	active := make([]common.EventRecord, 0, len(events))
	for _, e := range events {
		if e.Active() && e.Validate() == nil {
			active = append(active, e)
		}
	}
	sortByTime(active)

	processed := make([]bool, len(active))
	var groups []common.ClusterGroup
	for i, seed := range active {
		if processed[i] {
			continue
		}
		processed[i] = true
		group := common.ClusterGroup{CanonicalID: seed.ID}
		for j := i + 1; j < len(active); j++ {
			// sorted by time, so nothing later can pass the time gate
			if active[j].Timestamp.Sub(seed.Timestamp) > d.params.TimeThreshold {
				break
			}
			if processed[j] {
				continue
			}
			if d.Compare(seed, active[j]).IsDuplicate {
				processed[j] = true
				group.MemberIDs = append(group.MemberIDs, active[j].ID)
			}
		}
		if len(group.MemberIDs) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

func sortByTime(events []common.EventRecord) {
	slices.SortStableFunc(events, func(a, b common.EventRecord) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// MergedFields are the canonical fields after a merge.
type MergedFields struct {
	// Sources is the provenance union capped for display.
	Sources     []string `json:"sources"`
	SourceCount int      `json:"source_count"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
}

// ReportEntry is one line of the deduplication report.
type ReportEntry struct {
	CanonicalID  string       `json:"canonical_id"`
	AbsorbedIDs  []string     `json:"absorbed_ids"`
	MergedFields MergedFields `json:"merged_fields"`
}

// MergeResult holds the records to write back after a merge.
type MergeResult struct {
	Canonical common.EventRecord   `json:"canonical"`
	Absorbed  []common.EventRecord `json:"absorbed"`
	Entry     ReportEntry          `json:"entry"`
}

// Merge folds the active members of group into the earliest one. Members
// already tagged as duplicates carry nothing left to merge and are ignored,
// which makes repeated merges of the same group a no-op.
func (d *Deduplicator) Merge(group common.ClusterGroup, events map[string]common.EventRecord) (MergeResult, error) {
	var members []common.EventRecord
	for _, id := range group.All() {
		e, ok := events[id]
		if !ok {
			return MergeResult{}, fmt.Errorf("group member %s not loaded: %w", id, common.ErrInsufficientData)
		}
		if e.Active() {
			members = append(members, e)
		}
	}
	if len(members) == 0 {
		return MergeResult{}, fmt.Errorf("group %s has no active member: %w", group.CanonicalID, common.ErrInsufficientData)
	}
	sortByTime(members)

	canonical := members[0]
	canonical.Status = common.EventStatusActive
	canonical.DuplicateOf = ""

	var (
		sources []string
		confSum float64
	)
	for _, m := range members {
		sources = append(sources, m.Sources...)
		confSum += m.Confidence
		if utf8.RuneCountInString(m.Description) > utf8.RuneCountInString(canonical.Description) {
			canonical.Description = m.Description
		}
	}
	canonical.Sources = common.DedupeStrings(sources)
	slices.Sort(canonical.Sources)
	canonical.Confidence = common.Clamp01(confSum / float64(len(members)))

	res := MergeResult{Canonical: canonical}
	for _, m := range members[1:] {
		m.Status = common.EventStatusDuplicate
		m.DuplicateOf = canonical.ID
		m.Confidence = 0
		m.Description = ""
		res.Absorbed = append(res.Absorbed, m)
		res.Entry.AbsorbedIDs = append(res.Entry.AbsorbedIDs, m.ID)
	}

	display := canonical.Sources
	if len(display) > d.params.MaxDisplaySources {
		display = display[:d.params.MaxDisplaySources]
	}
	res.Entry.CanonicalID = canonical.ID
	res.Entry.MergedFields = MergedFields{
		Sources:     slices.Clone(display),
		SourceCount: len(canonical.Sources),
		Description: canonical.Description,
		Confidence:  canonical.Confidence,
	}
	return res, nil
}
