package insights

// Field bounds shared by the contract validator and the fallback generator.
const (
	MaxSummaryLen     = 600
	MaxObservationLen = 300
	MaxListItemLen    = 160
	MaxStrategyLen    = 200
	MaxGoalLen        = 200
	MaxNameLen        = 80
	MaxReasonLen      = 200

	MinStrengths, MaxStrengths                   = 1, 3
	MinImprovementAreas, MaxImprovementAreas     = 1, 3
	MinStrategies, MaxStrategies                 = 2, 3
	MinHighlights, MaxHighlights                 = 1, 3
	MinConcerns, MaxConcerns                     = 1, 3
	MinStudentsToWatch, MaxStudentsToWatch       = 0, 5
	MinRecommendedActions, MaxRecommendedActions = 2, 3
)

// StudentInsight is the per-student enrichment, model-produced or synthesized.
type StudentInsight struct {
	Summary             string   `json:"summary"`
	PositiveObservation string   `json:"positiveObservation"`
	Strengths           []string `json:"strengths"`
	ImprovementAreas    []string `json:"improvementAreas"`
	Strategies          []string `json:"strategies"`
	Goal                string   `json:"goal"`
}

// WatchEntry names a student the group insight flags, with a reason.
type WatchEntry struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// GroupInsight is the class-level enrichment.
type GroupInsight struct {
	Overview           string       `json:"overview"`
	Highlights         []string     `json:"highlights"`
	Concerns           []string     `json:"concerns"`
	StudentsToWatch    []WatchEntry `json:"studentsToWatch"`
	RecommendedActions []string     `json:"recommendedActions"`
	NextFocus          string       `json:"nextFocus"`
}

// Result is either a contract-conforming value or the full list of
// contract violations.
type Result[T any] struct {
	Value  T
	Errors []string
}

// OK reports whether the value conforms to the contract.
func (r Result[T]) OK() bool { return len(r.Errors) == 0 }
