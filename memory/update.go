package memory

import (
	"encoding/json"
	"strings"

	"student_insights/insights"
)

// Default returns the structurally complete empty snapshot for an entity.
func Default(kind Kind, entityID string) Snapshot {
	return Snapshot{
		EntityID:         entityID,
		Kind:             kind,
		Strengths:        []string{},
		ImprovementAreas: []string{},
		Goals:            []string{},
		History:          []HistoryEntry{},
	}
}

// Update folds one contribution into the previous snapshot. It is pure: the
// previous snapshot is not modified.
func Update(prev Snapshot, c Contribution, historyLimit int) Snapshot {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	summary := insights.Truncate(strings.TrimSpace(c.Summary), MaxSummaryLen)

	next := Snapshot{
		EntityID:         prev.EntityID,
		Kind:             prev.Kind,
		Summary:          summary,
		Strengths:        mergeList(c.Strengths, prev.Strengths),
		ImprovementAreas: mergeList(c.ImprovementAreas, prev.ImprovementAreas),
		Goals:            mergeList(c.Goals, prev.Goals),
		LastUpdated:      c.RecordedAt.UTC(),
	}

	history := make([]HistoryEntry, 0, historyLimit)
	history = append(history, HistoryEntry{
		RunID:        c.RunID,
		RecordedAt:   c.RecordedAt.UTC(),
		Summary:      summary,
		AverageScore: c.AverageScore,
		RiskLevel:    c.RiskLevel,
		UsedFallback: c.UsedFallback,
	})
	for _, h := range prev.History {
		if len(history) == historyLimit {
			break
		}
		history = append(history, h)
	}
	next.History = history
	return next
}

// ArchiveOf derives the immutable archive record for a saved snapshot.
func ArchiveOf(s Snapshot, runID string, usedFallback bool) ArchiveRecord {
	return ArchiveRecord{
		RunID:            runID,
		EntityID:         s.EntityID,
		Kind:             s.Kind,
		ArchivedAt:       s.LastUpdated,
		Summary:          s.Summary,
		Strengths:        append([]string(nil), s.Strengths...),
		ImprovementAreas: append([]string(nil), s.ImprovementAreas...),
		Goals:            append([]string(nil), s.Goals...),
		UsedFallback:     usedFallback,
	}
}

// mergeList puts the newest items first, then older ones, dropping blanks and
// case-insensitive duplicates, capped at MaxListItems.
func mergeList(newest, older []string) []string {
	out := make([]string, 0, MaxListItems)
	seen := make(map[string]struct{}, MaxListItems)
	for _, group := range [][]string{newest, older} {
		for _, item := range group {
			if len(out) == MaxListItems {
				return out
			}
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			key := strings.ToLower(item)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

// decodeSnapshot merges whatever fields of data decode cleanly over the
// default snapshot. Malformed or missing fields never fail the load.
func decodeSnapshot(data []byte, kind Kind, entityID string, historyLimit int) (Snapshot, bool) {
	snap := Default(kind, entityID)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return snap, false
	}
	clean := true
	field := func(name string, dst any) {
		raw, ok := fields[name]
		if !ok {
			clean = false
			return
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			clean = false
		}
	}

	var summary string
	field("summary", &summary)
	snap.Summary = insights.Truncate(summary, MaxSummaryLen)

	var strengths, areas, goals []string
	field("strengths", &strengths)
	field("improvementAreas", &areas)
	field("goals", &goals)
	snap.Strengths = mergeList(strengths, nil)
	snap.ImprovementAreas = mergeList(areas, nil)
	snap.Goals = mergeList(goals, nil)

	field("lastUpdated", &snap.LastUpdated)

	var history []HistoryEntry
	field("history", &history)
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if len(history) > historyLimit {
		history = history[:historyLimit]
	}
	if history != nil {
		snap.History = history
	}
	return snap, clean
}
