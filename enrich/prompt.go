package enrich

import (
	"fmt"
	"strings"

	"student_insights/analysis"
	"student_insights/insights"
	"student_insights/memory"
)

const promptHistoryEntries = 3

func buildStudentSystemPrompt(version string) string {
	return strings.TrimSpace(fmt.Sprintf(`You are an assistant that writes short, supportive progress insights for teachers.
Return STRICT JSON ONLY with keys: summary, positiveObservation, strengths, improvementAreas, strategies, goal.
Rules:
- summary max %d chars
- positiveObservation max %d chars
- strengths array %d-%d items, each max %d chars
- improvementAreas array %d-%d items, each max %d chars
- strategies array %d-%d items, each max %d chars
- goal max %d chars
- use ONLY the provided metrics; do not invent grades or events
Prompt version: %s`,
		insights.MaxSummaryLen, insights.MaxObservationLen,
		insights.MinStrengths, insights.MaxStrengths, insights.MaxListItemLen,
		insights.MinImprovementAreas, insights.MaxImprovementAreas, insights.MaxListItemLen,
		insights.MinStrategies, insights.MaxStrategies, insights.MaxStrategyLen,
		insights.MaxGoalLen, safeString(version)))
}

func buildGroupSystemPrompt(version string) string {
	return strings.TrimSpace(fmt.Sprintf(`You are an assistant that writes a short class-level progress insight for teachers.
Return STRICT JSON ONLY with keys: overview, highlights, concerns, studentsToWatch, recommendedActions, nextFocus.
Rules:
- overview max %d chars
- highlights array %d-%d items, each max %d chars
- concerns array %d-%d items, each max %d chars
- studentsToWatch array %d-%d objects with keys name (max %d chars) and reason (max %d chars)
- recommendedActions array %d-%d items, each max %d chars
- nextFocus max %d chars
- use ONLY the provided metrics; do not invent students
Prompt version: %s`,
		insights.MaxSummaryLen,
		insights.MinHighlights, insights.MaxHighlights, insights.MaxListItemLen,
		insights.MinConcerns, insights.MaxConcerns, insights.MaxListItemLen,
		insights.MinStudentsToWatch, insights.MaxStudentsToWatch, insights.MaxNameLen, insights.MaxReasonLen,
		insights.MinRecommendedActions, insights.MaxRecommendedActions, insights.MaxStrategyLen,
		insights.MaxGoalLen, safeString(version)))
}

func buildStudentUserPrompt(req StudentRequest) string {
	a := req.Analysis
	var b strings.Builder
	b.WriteString("Student:\n")
	b.WriteString(fmt.Sprintf("- name: %s\n", safeString(a.Name)))
	b.WriteString(fmt.Sprintf("- average_score: %.2f\n", a.AverageScore))
	b.WriteString(fmt.Sprintf("- top_subjects: %s\n", formatSubjects(a.TopSubjects)))
	b.WriteString(fmt.Sprintf("- bottom_subjects: %s\n", formatSubjects(a.BottomSubjects)))
	b.WriteString(fmt.Sprintf("- participation: %.0f/10\n", a.ParticipationScore))
	b.WriteString(fmt.Sprintf("- completion_rate: %.0f%%\n", a.CompletionRate))
	b.WriteString(fmt.Sprintf("- trend: %s\n", a.Trend))
	b.WriteString(fmt.Sprintf("- risk_level: %s\n", a.RiskLevel))
	b.WriteString(fmt.Sprintf("- needs_attention: %t\n", a.NeedsAttention))
	writeList(&b, "Observed strengths", a.Strengths)
	writeList(&b, "Observed improvement areas", a.ImprovementAreas)
	writeMemory(&b, req.Memory)
	writePreferences(&b, req.Preferences)
	return b.String()
}

func buildGroupUserPrompt(req GroupRequest) string {
	g := req.Summary
	var b strings.Builder
	b.WriteString("Group:\n")
	b.WriteString(fmt.Sprintf("- student_count: %d\n", g.StudentCount))
	b.WriteString(fmt.Sprintf("- group_average: %.2f\n", g.GroupAverage))
	b.WriteString(fmt.Sprintf("- top_performers: %s\n", safeString(strings.Join(g.TopPerformers, ", "))))
	b.WriteString(fmt.Sprintf("- risk: %d high, %d medium, %d low\n",
		g.RiskCounts[analysis.RiskHigh], g.RiskCounts[analysis.RiskMedium], g.RiskCounts[analysis.RiskLow]))
	if len(g.Attention) > 0 {
		b.WriteString("Needs attention:\n")
		for _, item := range g.Attention {
			b.WriteString(fmt.Sprintf("- %s | %s risk | %s\n", safeString(item.Name), item.RiskLevel, safeString(item.Reason)))
		}
	}
	writeList(&b, "Notes", g.Notes)
	writeMemory(&b, req.Memory)
	writePreferences(&b, req.Preferences)
	return b.String()
}

func writeMemory(b *strings.Builder, snap *memory.Snapshot) {
	if snap == nil || snap.IsNew() {
		return
	}
	b.WriteString("Previous insight:\n")
	b.WriteString(fmt.Sprintf("- summary: %s\n", safeString(snap.Summary)))
	if len(snap.Goals) > 0 {
		b.WriteString(fmt.Sprintf("- goals: %s\n", strings.Join(snap.Goals, "; ")))
	}
	for i, h := range snap.History {
		if i == promptHistoryEntries {
			break
		}
		b.WriteString(fmt.Sprintf("- %s: average %.2f %s\n", h.RecordedAt.Format("2006-01-02"), h.AverageScore, h.RiskLevel))
	}
}

func writePreferences(b *strings.Builder, prefs *insights.Preferences) {
	if prefs == nil {
		return
	}
	b.WriteString("Teacher preferences:\n")
	if goal := strings.TrimSpace(prefs.Goal); goal != "" {
		b.WriteString(fmt.Sprintf("- goal: %s\n", goal))
	}
	if len(prefs.PreferredStrategies) > 0 {
		b.WriteString(fmt.Sprintf("- preferred_strategies: %s\n", strings.Join(prefs.PreferredStrategies, "; ")))
	}
	if len(prefs.FocusAreas) > 0 {
		b.WriteString(fmt.Sprintf("- focus_areas: %s\n", strings.Join(prefs.FocusAreas, "; ")))
	}
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(label + ":\n")
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
}

func formatSubjects(subjects []analysis.SubjectScore) string {
	parts := make([]string, 0, len(subjects))
	for _, s := range subjects {
		parts = append(parts, fmt.Sprintf("%s (%.0f)", s.Subject, s.Score))
	}
	return safeString(strings.Join(parts, ", "))
}

func safeString(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "-"
	}
	return v
}
