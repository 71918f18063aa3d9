package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"student_insights/students"
)

const (
	subjectSliceSize = 2
	topPerformerSize = 3
)

// Analyze derives metrics, risk and heuristic statements from one student.
// It has no failure path on a validated record.
func Analyze(s students.Student) Analysis {
	avg := averageScore(s.Grades)
	a := Analysis{
		StudentID:          s.ID,
		Name:               s.Name,
		AverageScore:       avg,
		TopSubjects:        rankSubjects(s.Grades, true),
		BottomSubjects:     rankSubjects(s.Grades, false),
		ParticipationScore: s.ParticipationScore,
		CompletionRate:     s.CompletionRate,
		Trend:              s.Trend,
		RiskLevel:          deriveRisk(avg, s.ParticipationScore, s.CompletionRate, s.Trend),
		NeedsAttention:     avg < 75 || s.CompletionRate < 80 || s.Trend == students.TrendDeclining,
	}
	a.Strengths = deriveStrengths(a)
	a.ImprovementAreas = deriveImprovementAreas(a)
	return a
}

// deriveRisk is evaluated top-down; the first matching tier wins.
func deriveRisk(avg, participation, completion float64, trend students.Trend) RiskLevel {
	if avg < 70 || participation <= 4 || completion < 70 || trend == students.TrendDeclining {
		return RiskHigh
	}
	if avg < 80 || participation <= 6 || completion < 85 {
		return RiskMedium
	}
	return RiskLow
}

func averageScore(grades []students.Grade) float64 {
	if len(grades) == 0 {
		return 0
	}
	var sum float64
	for _, g := range grades {
		sum += g.Score
	}
	return round2(sum / float64(len(grades)))
}

func rankSubjects(grades []students.Grade, descending bool) []SubjectScore {
	ranked := make([]SubjectScore, 0, len(grades))
	for _, g := range grades {
		ranked = append(ranked, SubjectScore{Subject: g.Subject, Score: g.Score})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if descending {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Score < ranked[j].Score
	})
	if len(ranked) > subjectSliceSize {
		ranked = ranked[:subjectSliceSize]
	}
	return ranked
}

func deriveStrengths(a Analysis) []string {
	out := []string{}
	if a.AverageScore >= 85 {
		out = append(out, "Consistently strong academic performance")
	}
	if a.ParticipationScore >= 8 {
		out = append(out, "Active and engaged participation in class")
	}
	if a.CompletionRate >= 90 {
		out = append(out, "Reliable completion of assigned work")
	}
	if a.Trend == students.TrendImproving {
		out = append(out, "Showing a clear upward trend in recent assessments")
	}
	if len(a.TopSubjects) > 0 && a.TopSubjects[0].Score >= 90 {
		out = append(out, fmt.Sprintf("Excels in %s", a.TopSubjects[0].Subject))
	}
	return out
}

func deriveImprovementAreas(a Analysis) []string {
	out := []string{}
	if a.AverageScore < 75 {
		out = append(out, "Overall grade average needs to rise")
	}
	if a.ParticipationScore <= 6 {
		out = append(out, "Participation in class discussions could increase")
	}
	if a.CompletionRate < 85 {
		out = append(out, "Assignment completion rate needs improvement")
	}
	if a.Trend == students.TrendDeclining {
		out = append(out, "Recent assessments show a declining trend")
	}
	if len(a.BottomSubjects) > 0 && a.BottomSubjects[0].Score < 70 {
		out = append(out, fmt.Sprintf("Needs targeted support in %s", a.BottomSubjects[0].Subject))
	}
	return out
}

// Aggregate folds per-student analyses into a group summary. The group
// average is the mean of per-student averages.
func Aggregate(analyses []Analysis) GroupSummary {
	summary := GroupSummary{
		StudentCount:   len(analyses),
		TopPerformers:  []string{},
		NeedsAttention: []string{},
		Attention:      []AttentionItem{},
		RiskCounts:     map[RiskLevel]int{RiskLow: 0, RiskMedium: 0, RiskHigh: 0},
		Notes:          []string{},
	}
	if len(analyses) == 0 {
		return summary
	}

	var sum float64
	for _, a := range analyses {
		sum += a.AverageScore
		summary.RiskCounts[a.RiskLevel]++
		if a.NeedsAttention || a.RiskLevel == RiskHigh {
			summary.NeedsAttention = append(summary.NeedsAttention, a.Name)
			summary.Attention = append(summary.Attention, AttentionItem{
				StudentID:    a.StudentID,
				Name:         a.Name,
				RiskLevel:    a.RiskLevel,
				AverageScore: a.AverageScore,
				Reason:       attentionReason(a),
			})
		}
	}
	summary.GroupAverage = round2(sum / float64(len(analyses)))

	ranked := append([]Analysis(nil), analyses...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].AverageScore > ranked[j].AverageScore
	})
	for i := 0; i < len(ranked) && i < topPerformerSize; i++ {
		summary.TopPerformers = append(summary.TopPerformers, ranked[i].Name)
	}

	summary.Notes = groupNotes(summary)
	return summary
}

func attentionReason(a Analysis) string {
	var reasons []string
	if a.AverageScore < 75 {
		reasons = append(reasons, fmt.Sprintf("average %.2f", a.AverageScore))
	}
	if a.CompletionRate < 80 {
		reasons = append(reasons, fmt.Sprintf("completion %.0f%%", a.CompletionRate))
	}
	if a.Trend == students.TrendDeclining {
		reasons = append(reasons, "declining trend")
	}
	if a.ParticipationScore <= 4 {
		reasons = append(reasons, fmt.Sprintf("participation %.0f/10", a.ParticipationScore))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, fmt.Sprintf("%s risk", a.RiskLevel))
	}
	return strings.Join(reasons, ", ")
}

func groupNotes(s GroupSummary) []string {
	notes := []string{
		fmt.Sprintf("%d of %d students need attention", len(s.NeedsAttention), s.StudentCount),
		fmt.Sprintf("Risk distribution: %d high, %d medium, %d low", s.RiskCounts[RiskHigh], s.RiskCounts[RiskMedium], s.RiskCounts[RiskLow]),
	}
	switch {
	case s.GroupAverage < 75:
		notes = append(notes, "Group average is below 75")
	case s.GroupAverage >= 85:
		notes = append(notes, "Group average is at or above 85")
	}
	return notes
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
