package formatting

import (
	"strings"
	"testing"

	"student_insights/analysis"
	"student_insights/insights"
	"student_insights/students"
)

func TestRenderStudentContainsStableLabels(t *testing.T) {
	a := analysis.Analysis{StudentID: "s1", Name: "Ana  Lopez", AverageScore: 86.5, RiskLevel: analysis.RiskLow, Trend: students.TrendStable}
	res := insights.ParseStudent(`{"summary": "Good\nterm", "positiveObservation": "Helpful",
		"strengths": ["Math"], "improvementAreas": ["Essays"],
		"strategies": ["Outline first", "Peer review"], "goal": "Write weekly"}`)
	if !res.OK() {
		t.Fatalf("unexpected contract errors: %v", res.Errors)
	}

	got := RenderStudent(a, res.Value)
	want := strings.Join([]string{
		"Student: Ana Lopez (s1)",
		"Average: 86.50 | Risk: low | Trend: stable",
		"Summary: Good term",
		"Highlight: Helpful",
		"Strengths:",
		"- Math",
		"Areas to improve:",
		"- Essays",
		"Strategies:",
		"- Outline first",
		"- Peer review",
		"Goal: Write weekly",
	}, "\n")
	if got != want {
		t.Fatalf("expected\n%s\ngot\n%s", want, got)
	}
}

func TestRenderGroupSkipsEmptyWatchList(t *testing.T) {
	g := analysis.GroupSummary{StudentCount: 2, GroupAverage: 90}
	in := insights.FallbackGroup(g, nil)
	got := RenderGroup(g, in)
	if strings.Contains(got, LabelStudentsToWatch) {
		t.Fatalf("did not expect watch section in %q", got)
	}
	for _, label := range []string{LabelOverview, LabelHighlights, LabelConcerns, LabelRecommendedActions, LabelNextFocus} {
		if !strings.Contains(got, label) {
			t.Fatalf("expected %q in %q", label, got)
		}
	}

	in.StudentsToWatch = []insights.WatchEntry{{Name: "Ben", Reason: "declining trend"}}
	if got := RenderGroup(g, in); !strings.Contains(got, "Students to watch:\n- Ben: declining trend") {
		t.Fatalf("expected watch entry, got %q", got)
	}
}

func TestBuildRunMessage(t *testing.T) {
	got := BuildRunMessage(RunDigest{RunID: "r1", Status: "completed", Total: 3, Valid: 2, Succeeded: 2, Fallbacks: 1, Attention: []string{"Ben"}})
	want := "Insights run r1 finished: completed\nRecords: 3 received, 2 valid\nStudents: 2 succeeded, 0 failed, 1 fallback\nNeeds attention: Ben"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	got = BuildRunMessage(RunDigest{RunID: "r2", Status: "no_valid_items", Total: 1})
	if strings.Contains(got, "Students:") {
		t.Fatalf("unexpected student line in %q", got)
	}
}
