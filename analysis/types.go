package analysis

import "student_insights/students"

// RiskLevel is the closed risk classification.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// SubjectScore is a subject/score pair selected for top or bottom lists.
type SubjectScore struct {
	Subject string  `json:"subject"`
	Score   float64 `json:"score"`
}

// Analysis is derived from exactly one student and nothing else.
type Analysis struct {
	StudentID          string         `json:"studentId"`
	Name               string         `json:"name"`
	AverageScore       float64        `json:"averageScore"`
	TopSubjects        []SubjectScore `json:"topSubjects"`
	BottomSubjects     []SubjectScore `json:"bottomSubjects"`
	ParticipationScore float64        `json:"participationScore"`
	CompletionRate     float64        `json:"completionRate"`
	Trend              students.Trend `json:"trend"`
	NeedsAttention     bool           `json:"needsAttention"`
	RiskLevel          RiskLevel      `json:"riskLevel"`
	Strengths          []string       `json:"strengths"`
	ImprovementAreas   []string       `json:"improvementAreas"`
}

// AttentionItem explains why a student is on the group attention list.
type AttentionItem struct {
	StudentID    string    `json:"studentId"`
	Name         string    `json:"name"`
	RiskLevel    RiskLevel `json:"riskLevel"`
	AverageScore float64   `json:"averageScore"`
	Reason       string    `json:"reason"`
}

// GroupSummary aggregates the analyses of one run.
type GroupSummary struct {
	StudentCount   int               `json:"studentCount"`
	GroupAverage   float64           `json:"groupAverage"`
	TopPerformers  []string          `json:"topPerformers"`
	NeedsAttention []string          `json:"needsAttention"`
	Attention      []AttentionItem   `json:"attention"`
	RiskCounts     map[RiskLevel]int `json:"riskCounts"`
	Notes          []string          `json:"notes"`
}
