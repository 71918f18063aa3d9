package formatting

import (
	"fmt"
	"regexp"
	"strings"

	"student_insights/analysis"
	"student_insights/insights"
)

// Section labels are stable; downstream consumers and tests match on them.
const (
	LabelSummary          = "Summary:"
	LabelHighlight        = "Highlight:"
	LabelStrengths        = "Strengths:"
	LabelImprovementAreas = "Areas to improve:"
	LabelStrategies       = "Strategies:"
	LabelGoal             = "Goal:"

	LabelOverview           = "Overview:"
	LabelHighlights         = "Highlights:"
	LabelConcerns           = "Concerns:"
	LabelStudentsToWatch    = "Students to watch:"
	LabelRecommendedActions = "Recommended actions:"
	LabelNextFocus          = "Next focus:"
)

var whitespacePattern = regexp.MustCompile(`\s+`)

// RenderStudent builds the plain-text report for one student.
func RenderStudent(a analysis.Analysis, in insights.StudentInsight) string {
	lines := []string{
		fmt.Sprintf("Student: %s (%s)", NormalizeText(a.Name), a.StudentID),
		fmt.Sprintf("Average: %.2f | Risk: %s | Trend: %s", a.AverageScore, a.RiskLevel, a.Trend),
		LabelSummary + " " + NormalizeText(in.Summary),
		LabelHighlight + " " + NormalizeText(in.PositiveObservation),
	}
	lines = appendList(lines, LabelStrengths, in.Strengths)
	lines = appendList(lines, LabelImprovementAreas, in.ImprovementAreas)
	lines = appendList(lines, LabelStrategies, in.Strategies)
	lines = append(lines, LabelGoal+" "+NormalizeText(in.Goal))
	return strings.Join(lines, "\n")
}

// RenderGroup builds the plain-text report for the whole group.
func RenderGroup(g analysis.GroupSummary, in insights.GroupInsight) string {
	lines := []string{
		fmt.Sprintf("Group: %d students | Average: %.2f", g.StudentCount, g.GroupAverage),
		LabelOverview + " " + NormalizeText(in.Overview),
	}
	lines = appendList(lines, LabelHighlights, in.Highlights)
	lines = appendList(lines, LabelConcerns, in.Concerns)
	if len(in.StudentsToWatch) > 0 {
		watch := make([]string, 0, len(in.StudentsToWatch))
		for _, w := range in.StudentsToWatch {
			watch = append(watch, fmt.Sprintf("%s: %s", NormalizeText(w.Name), NormalizeText(w.Reason)))
		}
		lines = appendList(lines, LabelStudentsToWatch, watch)
	}
	lines = appendList(lines, LabelRecommendedActions, in.RecommendedActions)
	lines = append(lines, LabelNextFocus+" "+NormalizeText(in.NextFocus))
	return strings.Join(lines, "\n")
}

// RunDigest is the short run report used for notifications.
type RunDigest struct {
	RunID     string
	Status    string
	Total     int
	Valid     int
	Succeeded int
	Failed    int
	Fallbacks int
	Attention []string
}

// BuildRunMessage creates a short, human-friendly run notification.
func BuildRunMessage(d RunDigest) string {
	lines := []string{fmt.Sprintf("Insights run %s finished: %s", d.RunID, d.Status)}
	lines = append(lines, fmt.Sprintf("Records: %d received, %d valid", d.Total, d.Valid))
	if d.Valid > 0 {
		lines = append(lines, fmt.Sprintf("Students: %d succeeded, %d failed, %d fallback", d.Succeeded, d.Failed, d.Fallbacks))
	}
	if len(d.Attention) > 0 {
		lines = append(lines, "Needs attention: "+strings.Join(d.Attention, ", "))
	}
	return strings.Join(lines, "\n")
}

// NormalizeText collapses whitespace so model output renders on one line.
func NormalizeText(raw string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(raw, " "))
}

func appendList(lines []string, label string, items []string) []string {
	lines = append(lines, label)
	for _, item := range items {
		if item = NormalizeText(item); item != "" {
			lines = append(lines, "- "+item)
		}
	}
	return lines
}
