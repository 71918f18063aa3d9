package insights

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"student_insights/analysis"
	"student_insights/students"
)

func sampleStudents() []students.Student {
	mk := func(id string, scores []float64, participation, completion float64, trend students.Trend) students.Student {
		s := students.Student{ID: id, Name: "Student " + id, Email: id + "@example.com",
			ParticipationScore: participation, CompletionRate: completion, Trend: trend}
		for i, score := range scores {
			s.Grades = append(s.Grades, students.Grade{Subject: []string{"Math", "Science", "History"}[i], Score: score})
		}
		return s
	}
	return []students.Student{
		mk("strong", []float64{95, 92, 90}, 9, 98, students.TrendImproving),
		mk("average", []float64{80, 82}, 7, 90, students.TrendStable),
		mk("weak", []float64{55, 62, 68}, 3, 50, students.TrendDeclining),
		mk("plain", []float64{84}, 7, 88, students.TrendStable),
	}
}

func TestFallbackStudentRoundTripsThroughContract(t *testing.T) {
	prefSets := []*Preferences{
		nil,
		{PreferredStrategies: []string{"Pair with a reading buddy", "Use flashcards"}, Goal: "Read two books", FocusAreas: []string{"Writing"}},
	}
	for _, s := range sampleStudents() {
		for _, prefs := range prefSets {
			insight := FallbackStudent(analysis.Analyze(s), prefs)
			raw, err := json.Marshal(insight)
			require.NoError(t, err)
			res := ParseStudent(string(raw))
			require.True(t, res.OK(), "student %s: %v", s.ID, res.Errors)
			assert.Equal(t, insight, res.Value)
		}
	}
}

func TestFallbackStudentStrategySelection(t *testing.T) {
	weak := analysis.Analyze(sampleStudents()[2])
	got := FallbackStudent(weak, nil)
	assert.Equal(t, []string{
		"Use a weekly assignment planner with short progress check-ins",
		"Invite contributions in small groups before whole-class discussion",
		"Schedule regular review sessions on core concepts",
	}, got.Strategies)
	assert.Contains(t, got.Goal, "above 70")

	strong := analysis.Analyze(sampleStudents()[0])
	got = FallbackStudent(strong, nil)
	assert.Equal(t, studentFillerStrategies, got.Strategies)

	got = FallbackStudent(strong, &Preferences{PreferredStrategies: []string{"Mentor a classmate"}, Goal: "Enter the science fair"})
	assert.Equal(t, []string{"Mentor a classmate", studentFillerStrategies[0]}, got.Strategies)
	assert.Equal(t, "Enter the science fair", got.Goal)
}

func TestFallbackStudentWithoutHeuristics(t *testing.T) {
	plain := analysis.Analyze(sampleStudents()[3])
	require.Empty(t, plain.Strengths)
	require.Empty(t, plain.ImprovementAreas)
	got := FallbackStudent(plain, nil)
	assert.Equal(t, []string{"Strongest results in Math (84)"}, got.Strengths)
	assert.Len(t, got.ImprovementAreas, 1)
}

func TestFallbackGroupRoundTripsThroughContract(t *testing.T) {
	var analyses []analysis.Analysis
	for _, s := range sampleStudents() {
		analyses = append(analyses, analysis.Analyze(s))
	}
	for _, summary := range []analysis.GroupSummary{analysis.Aggregate(analyses), analysis.Aggregate(analyses[:1]), analysis.Aggregate(nil)} {
		insight := FallbackGroup(summary, nil)
		raw, err := json.Marshal(insight)
		require.NoError(t, err)
		res := ParseGroup(string(raw))
		require.True(t, res.OK(), "%v", res.Errors)
	}

	full := FallbackGroup(analysis.Aggregate(analyses), nil)
	require.Len(t, full.StudentsToWatch, 1)
	assert.Equal(t, "Student weak", full.StudentsToWatch[0].Name)
}

func TestBoundedListPadsAndCaps(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, boundedList([]string{"a", "A", "b", "c", "d"}, nil, 2, 3, 10))
	assert.Equal(t, []string{"Review progress at checkpoint 1", "Review progress at checkpoint 2"}, boundedList(nil, nil, 2, 3, 200))
}

func TestPreferencesResolution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	doc := `default:
  preferredStrategies: ["Use visual aids"]
  goal: "Improve consistency"
group:
  goal: "Lift the class average"
students:
  s1:
    goal: "Master fractions"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	set, err := LoadPreferences(path)
	require.NoError(t, err)

	s1 := set.For("s1")
	require.NotNil(t, s1)
	assert.Equal(t, "Master fractions", s1.Goal)
	assert.Equal(t, []string{"Use visual aids"}, s1.PreferredStrategies)
	assert.Equal(t, "Improve consistency", set.For("other").Goal)
	assert.Equal(t, "Lift the class average", set.ForGroup().Goal)

	missing, err := LoadPreferences(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Nil(t, missing.For("s1"))
}
