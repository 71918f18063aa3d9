package students

import "time"

// Trend is the closed set of recent-performance directions.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// Grade is one subject score in input order.
type Grade struct {
	Subject string  `json:"subject"`
	Score   float64 `json:"score"`
}

// Student is a validated input record. It is never persisted itself.
type Student struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Email              string    `json:"email"`
	Grades             []Grade   `json:"grades"`
	ParticipationScore float64   `json:"participationScore"`
	CompletionRate     float64   `json:"completionRate"`
	Notes              string    `json:"notes"`
	Trend              Trend     `json:"trend"`
	LastAssessmentDate string    `json:"lastAssessmentDate"`
	LastAssessment     time.Time `json:"-"`
}

// ValidationResult partitions a raw batch.
type ValidationResult struct {
	Valid  []Student
	Errors []string
	Total  int
}
