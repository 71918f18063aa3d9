package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"student_insights/students"
)

func student(id string, scores []float64, participation, completion float64, trend students.Trend) students.Student {
	subjects := []string{"Math", "Science", "History", "Art", "Music"}
	s := students.Student{
		ID:                 id,
		Name:               "Student " + id,
		Email:              id + "@example.com",
		ParticipationScore: participation,
		CompletionRate:     completion,
		Trend:              trend,
	}
	for i, score := range scores {
		s.Grades = append(s.Grades, students.Grade{Subject: subjects[i], Score: score})
	}
	return s
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	s := student("S1", []float64{88, 72.5, 91}, 7, 88, students.TrendStable)
	assert.Equal(t, Analyze(s), Analyze(s))
}

func TestDecliningLowCompletionIsHighRisk(t *testing.T) {
	a := Analyze(student("S1", []float64{90, 70}, 5, 60, students.TrendDeclining))
	assert.Equal(t, 80.0, a.AverageScore)
	assert.Equal(t, RiskHigh, a.RiskLevel)
	assert.True(t, a.NeedsAttention)
}

func TestRiskTiers(t *testing.T) {
	cases := []struct {
		name   string
		in     students.Student
		risk   RiskLevel
		attent bool
	}{
		{"low", student("a", []float64{90, 88}, 8, 95, students.TrendStable), RiskLow, false},
		{"medium by average", student("b", []float64{78, 79}, 8, 95, students.TrendStable), RiskMedium, false},
		{"medium by participation", student("c", []float64{90, 90}, 6, 95, students.TrendImproving), RiskMedium, false},
		{"medium by completion", student("d", []float64{90, 90}, 8, 84, students.TrendStable), RiskMedium, false},
		{"high by participation", student("e", []float64{90, 90}, 4, 95, students.TrendStable), RiskHigh, false},
		{"high by average", student("f", []float64{60, 65}, 9, 95, students.TrendStable), RiskHigh, true},
		{"attention by completion only", student("g", []float64{90, 90}, 9, 79, students.TrendStable), RiskMedium, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := Analyze(tc.in)
			assert.Equal(t, tc.risk, a.RiskLevel)
			assert.Equal(t, tc.attent, a.NeedsAttention)
		})
	}
}

func TestSubjectRankingIsStable(t *testing.T) {
	a := Analyze(student("S1", []float64{80, 95, 80, 60, 95}, 7, 90, students.TrendStable))
	assert.Equal(t, []SubjectScore{{"Science", 95}, {"Music", 95}}, a.TopSubjects)
	assert.Equal(t, []SubjectScore{{"Art", 60}, {"Math", 80}}, a.BottomSubjects)

	single := Analyze(student("S2", []float64{70}, 7, 90, students.TrendStable))
	assert.Len(t, single.TopSubjects, 1)
	assert.Len(t, single.BottomSubjects, 1)
}

func TestAverageRoundsToTwoDecimals(t *testing.T) {
	a := Analyze(student("S1", []float64{90, 85, 86}, 7, 90, students.TrendStable))
	assert.Equal(t, 87.0, a.AverageScore)
	a = Analyze(student("S2", []float64{90, 85, 85}, 7, 90, students.TrendStable))
	assert.Equal(t, 86.67, a.AverageScore)
}

func TestHeuristicStatements(t *testing.T) {
	strong := Analyze(student("S1", []float64{95, 90}, 9, 98, students.TrendImproving))
	assert.Equal(t, []string{
		"Consistently strong academic performance",
		"Active and engaged participation in class",
		"Reliable completion of assigned work",
		"Showing a clear upward trend in recent assessments",
		"Excels in Math",
	}, strong.Strengths)
	assert.Empty(t, strong.ImprovementAreas)

	weak := Analyze(student("S2", []float64{65, 72}, 5, 70, students.TrendDeclining))
	assert.Empty(t, weak.Strengths)
	assert.Equal(t, []string{
		"Overall grade average needs to rise",
		"Participation in class discussions could increase",
		"Assignment completion rate needs improvement",
		"Recent assessments show a declining trend",
		"Needs targeted support in Math",
	}, weak.ImprovementAreas)
}

func TestAggregate(t *testing.T) {
	analyses := []Analysis{
		Analyze(student("A", []float64{90, 92}, 9, 95, students.TrendStable)),
		Analyze(student("B", []float64{60, 62}, 5, 70, students.TrendDeclining)),
		Analyze(student("C", []float64{80, 80}, 7, 84, students.TrendStable)),
		Analyze(student("D", []float64{91, 91}, 9, 95, students.TrendImproving)),
	}
	sum := Aggregate(analyses)

	assert.Equal(t, 4, sum.StudentCount)
	assert.Equal(t, 80.75, sum.GroupAverage)
	assert.Equal(t, []string{"Student A", "Student D", "Student C"}, sum.TopPerformers)
	assert.Equal(t, []string{"Student B"}, sum.NeedsAttention)
	require.Len(t, sum.Attention, 1)
	assert.Equal(t, "average 61.00, completion 70%, declining trend", sum.Attention[0].Reason)
	assert.Equal(t, 1, sum.RiskCounts[RiskHigh])
	assert.Equal(t, 1, sum.RiskCounts[RiskMedium])
	assert.Equal(t, 2, sum.RiskCounts[RiskLow])
	assert.Contains(t, sum.Notes, "1 of 4 students need attention")
}

func TestAggregateEmpty(t *testing.T) {
	sum := Aggregate(nil)
	assert.Equal(t, 0, sum.StudentCount)
	assert.Empty(t, sum.TopPerformers)
	assert.NotNil(t, sum.NeedsAttention)
}
