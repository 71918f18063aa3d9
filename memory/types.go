package memory

import (
	"time"

	"student_insights/analysis"
	"student_insights/insights"
)

// Kind separates per-student state from the single group record.
type Kind string

const (
	KindStudent Kind = "student"
	KindGroup   Kind = "group"
)

// GroupEntityID is the entity id used for the group snapshot.
const GroupEntityID = "group"

const (
	DefaultHistoryLimit = 10
	MaxListItems        = 5
	MaxSummaryLen       = 400
)

// HistoryEntry is one run's contribution, kept most-recent-first.
type HistoryEntry struct {
	RunID        string    `json:"runId"`
	RecordedAt   time.Time `json:"recordedAt"`
	Summary      string    `json:"summary"`
	AverageScore float64   `json:"averageScore"`
	RiskLevel    string    `json:"riskLevel,omitempty"`
	UsedFallback bool      `json:"usedFallback"`
}

// Snapshot is the durable rolling state for one entity.
type Snapshot struct {
	EntityID         string         `json:"entityId"`
	Kind             Kind           `json:"kind"`
	Summary          string         `json:"summary"`
	Strengths        []string       `json:"strengths"`
	ImprovementAreas []string       `json:"improvementAreas"`
	Goals            []string       `json:"goals"`
	LastUpdated      time.Time      `json:"lastUpdated"`
	History          []HistoryEntry `json:"history"`
}

// IsNew reports whether no run has contributed to the snapshot yet.
func (s Snapshot) IsNew() bool {
	return s.LastUpdated.IsZero() && len(s.History) == 0
}

// ArchiveRecord is the immutable run-scoped copy of a snapshot's
// contributing fields.
type ArchiveRecord struct {
	RunID            string    `json:"runId"`
	EntityID         string    `json:"entityId"`
	Kind             Kind      `json:"kind"`
	ArchivedAt       time.Time `json:"archivedAt"`
	Summary          string    `json:"summary"`
	Strengths        []string  `json:"strengths"`
	ImprovementAreas []string  `json:"improvementAreas"`
	Goals            []string  `json:"goals"`
	UsedFallback     bool      `json:"usedFallback"`
}

// Contribution is what one successful run adds to an entity's memory.
type Contribution struct {
	RunID            string
	RecordedAt       time.Time
	Summary          string
	Strengths        []string
	ImprovementAreas []string
	Goals            []string
	AverageScore     float64
	RiskLevel        string
	UsedFallback     bool
}

// StudentContribution derives a contribution from a student's insight.
func StudentContribution(runID string, at time.Time, a analysis.Analysis, in insights.StudentInsight, usedFallback bool) Contribution {
	return Contribution{
		RunID:            runID,
		RecordedAt:       at,
		Summary:          in.Summary,
		Strengths:        in.Strengths,
		ImprovementAreas: in.ImprovementAreas,
		Goals:            []string{in.Goal},
		AverageScore:     a.AverageScore,
		RiskLevel:        string(a.RiskLevel),
		UsedFallback:     usedFallback,
	}
}

// GroupContribution derives a contribution from the group insight.
func GroupContribution(runID string, at time.Time, g analysis.GroupSummary, in insights.GroupInsight, usedFallback bool) Contribution {
	return Contribution{
		RunID:            runID,
		RecordedAt:       at,
		Summary:          in.Overview,
		Strengths:        in.Highlights,
		ImprovementAreas: in.Concerns,
		Goals:            []string{in.NextFocus},
		AverageScore:     g.GroupAverage,
		UsedFallback:     usedFallback,
	}
}
