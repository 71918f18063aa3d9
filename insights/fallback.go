package insights

import (
	"fmt"
	"strings"

	"student_insights/analysis"
	"student_insights/students"
)

var (
	studentFillerStrategies = []string{
		"Check in briefly each week to review progress and next steps",
		"Encourage the student to set one personal learning goal each week",
	}
	groupFillerActions = []string{
		"Share progress highlights with the class to reinforce engagement",
		"Review group results again after the next assessment cycle",
	}
)

// FallbackStudent synthesizes a contract-conforming insight from the
// analysis alone. It is total and deterministic.
func FallbackStudent(a analysis.Analysis, prefs *Preferences) StudentInsight {
	name := nonBlank(a.Name, a.StudentID, "This student")

	strengths := a.Strengths
	if len(strengths) == 0 && len(a.TopSubjects) > 0 {
		top := a.TopSubjects[0]
		strengths = []string{fmt.Sprintf("Strongest results in %s (%.0f)", top.Subject, top.Score)}
	}
	areas := a.ImprovementAreas
	if len(areas) == 0 {
		areas = []string{"Maintain current performance across all subjects"}
	}

	candidates := studentSignalStrategies(a)
	if prefs != nil {
		candidates = append(candidates, prefs.PreferredStrategies...)
		for _, area := range prefs.FocusAreas {
			candidates = append(candidates, fmt.Sprintf("Build a short daily practice routine for %s", strings.TrimSpace(area)))
		}
	}

	return StudentInsight{
		Summary:             Truncate(studentSummary(name, a), MaxSummaryLen),
		PositiveObservation: Truncate(positiveObservation(name, a), MaxObservationLen),
		Strengths:           boundedList(strengths, []string{"Continues to engage with coursework"}, MinStrengths, MaxStrengths, MaxListItemLen),
		ImprovementAreas:    boundedList(areas, nil, MinImprovementAreas, MaxImprovementAreas, MaxListItemLen),
		Strategies:          boundedList(candidates, studentFillerStrategies, MinStrategies, MaxStrategies, MaxStrategyLen),
		Goal:                Truncate(studentGoal(a, prefs), MaxGoalLen),
	}
}

func studentSignalStrategies(a analysis.Analysis) []string {
	var out []string
	if a.CompletionRate < 85 {
		out = append(out, "Use a weekly assignment planner with short progress check-ins")
	}
	if a.ParticipationScore <= 6 {
		out = append(out, "Invite contributions in small groups before whole-class discussion")
	}
	if a.AverageScore < 75 {
		out = append(out, "Schedule regular review sessions on core concepts")
	}
	if len(a.BottomSubjects) > 0 && a.BottomSubjects[0].Score < 70 {
		out = append(out, fmt.Sprintf("Provide targeted practice and feedback in %s", a.BottomSubjects[0].Subject))
	}
	if a.Trend == students.TrendDeclining {
		out = append(out, "Review recent assessments together to identify what changed")
	}
	return out
}

func studentSummary(name string, a analysis.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s has an average score of %.2f with %s risk", name, a.AverageScore, a.RiskLevel)
	if len(a.TopSubjects) > 0 {
		fmt.Fprintf(&b, ", strongest in %s", a.TopSubjects[0].Subject)
	}
	if len(a.BottomSubjects) > 0 && len(a.TopSubjects) > 0 && a.BottomSubjects[0].Subject != a.TopSubjects[0].Subject {
		fmt.Fprintf(&b, " and weakest in %s", a.BottomSubjects[0].Subject)
	}
	fmt.Fprintf(&b, ". Participation is %.0f/10, completion is %.0f%% and the trend is %s.", a.ParticipationScore, a.CompletionRate, a.Trend)
	if a.NeedsAttention {
		b.WriteString(" Additional support is recommended.")
	}
	return b.String()
}

func positiveObservation(name string, a analysis.Analysis) string {
	if len(a.Strengths) > 0 {
		return fmt.Sprintf("%s: %s.", name, a.Strengths[0])
	}
	if len(a.TopSubjects) > 0 {
		top := a.TopSubjects[0]
		return fmt.Sprintf("%s shows the most promise in %s with a score of %.0f.", name, top.Subject, top.Score)
	}
	return fmt.Sprintf("%s continues to take part in class activities.", name)
}

func studentGoal(a analysis.Analysis, prefs *Preferences) string {
	if prefs != nil && strings.TrimSpace(prefs.Goal) != "" {
		return strings.TrimSpace(prefs.Goal)
	}
	switch a.RiskLevel {
	case analysis.RiskHigh:
		return "Raise the average above 70 and complete every assignment over the next four weeks"
	case analysis.RiskMedium:
		return "Lift the average to 80 and keep assignment completion above 85%"
	default:
		return "Sustain current performance and take on one enrichment challenge this term"
	}
}

// FallbackGroup synthesizes a contract-conforming group insight from the
// group summary alone.
func FallbackGroup(g analysis.GroupSummary, prefs *Preferences) GroupInsight {
	var highlights []string
	if len(g.TopPerformers) > 0 {
		highlights = append(highlights, "Top performers: "+strings.Join(g.TopPerformers, ", "))
	}
	if g.GroupAverage >= 85 {
		highlights = append(highlights, fmt.Sprintf("Group average is strong at %.2f", g.GroupAverage))
	}
	if low := g.RiskCounts[analysis.RiskLow]; low > 0 {
		highlights = append(highlights, fmt.Sprintf("%d of %d students are at low risk", low, g.StudentCount))
	}

	var concerns []string
	if len(g.NeedsAttention) > 0 {
		concerns = append(concerns, fmt.Sprintf("%d students need attention: %s", len(g.NeedsAttention), strings.Join(g.NeedsAttention, ", ")))
	}
	if high := g.RiskCounts[analysis.RiskHigh]; high > 0 {
		concerns = append(concerns, fmt.Sprintf("%d students are classified as high risk", high))
	}
	if g.GroupAverage < 75 {
		concerns = append(concerns, fmt.Sprintf("Group average of %.2f is below 75", g.GroupAverage))
	}

	watch := make([]WatchEntry, 0, MaxStudentsToWatch)
	for _, item := range g.Attention {
		if len(watch) == MaxStudentsToWatch {
			break
		}
		name := nonBlank(item.Name, item.StudentID, "")
		if name == "" {
			continue
		}
		watch = append(watch, WatchEntry{
			Name:   Truncate(name, MaxNameLen),
			Reason: Truncate(nonBlank(item.Reason, string(item.RiskLevel)+" risk", "flagged for attention"), MaxReasonLen),
		})
	}

	var actions []string
	if g.RiskCounts[analysis.RiskHigh] > 0 {
		actions = append(actions, "Arrange one-to-one check-ins with high-risk students this week")
	}
	if len(g.NeedsAttention) > 0 {
		actions = append(actions, "Track assignment completion for flagged students weekly")
	}
	if g.GroupAverage < 75 {
		actions = append(actions, "Revisit core topics with whole-class review sessions")
	}
	if prefs != nil {
		actions = append(actions, prefs.PreferredStrategies...)
	}

	return GroupInsight{
		Overview:           Truncate(groupOverview(g), MaxSummaryLen),
		Highlights:         boundedList(highlights, []string{"All analyzed students completed this assessment cycle"}, MinHighlights, MaxHighlights, MaxListItemLen),
		Concerns:           boundedList(concerns, []string{"No students are currently flagged for attention"}, MinConcerns, MaxConcerns, MaxListItemLen),
		StudentsToWatch:    watch,
		RecommendedActions: boundedList(actions, groupFillerActions, MinRecommendedActions, MaxRecommendedActions, MaxStrategyLen),
		NextFocus:          Truncate(groupNextFocus(g, prefs), MaxGoalLen),
	}
}

func groupOverview(g analysis.GroupSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The group of %d students has an average score of %.2f. ", g.StudentCount, g.GroupAverage)
	fmt.Fprintf(&b, "%d need attention (%d high, %d medium, %d low risk).",
		len(g.NeedsAttention), g.RiskCounts[analysis.RiskHigh], g.RiskCounts[analysis.RiskMedium], g.RiskCounts[analysis.RiskLow])
	return b.String()
}

func groupNextFocus(g analysis.GroupSummary, prefs *Preferences) string {
	if prefs != nil && strings.TrimSpace(prefs.Goal) != "" {
		return strings.TrimSpace(prefs.Goal)
	}
	switch {
	case g.RiskCounts[analysis.RiskHigh] > 0:
		return "Stabilize high-risk students before the next assessment"
	case len(g.NeedsAttention) > 0:
		return "Bring every flagged student back above the attention thresholds"
	default:
		return "Extend strong performance with enrichment activities"
	}
}

// boundedList cleans and deduplicates candidates, caps them at max and pads
// from fillers until min is reached.
func boundedList(candidates, fillers []string, min, max, itemLen int) []string {
	out := make([]string, 0, max)
	seen := make(map[string]struct{}, max)
	add := func(s string) {
		s = Truncate(strings.TrimSpace(s), itemLen)
		if s == "" || len(out) >= max {
			return
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	for _, c := range candidates {
		add(c)
	}
	for _, f := range fillers {
		if len(out) >= min {
			break
		}
		add(f)
	}
	for i := 1; len(out) < min; i++ {
		add(fmt.Sprintf("Review progress at checkpoint %d", i))
	}
	return out
}

func nonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
