package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"student_insights/insights"
	"student_insights/internal/persist"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit", "insights.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestStartRunWithoutFinishStaysRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	res := s.StartRun(ctx, RunStats{RunID: "r1", StartedAt: t0, TotalCount: 3, ValidCount: 2, ValidationErrors: []string{"students[2].id: is required"}})
	require.True(t, res.OK(), res.Error())

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunRunning, runs[0].Status)
	assert.Nil(t, runs[0].CompletedAt)
	assert.Equal(t, []string{"students[2].id: is required"}, runs[0].ValidationErrors)
}

func TestFinishRunIsUpdateOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.True(t, s.StartRun(ctx, RunStats{RunID: "r1", StartedAt: t0}).OK())
	require.True(t, s.FinishRun(ctx, "r1", RunCompleted, "", t0.Add(time.Minute)).OK())

	res := s.FinishRun(ctx, "r1", RunFailed, "late", t0.Add(2*time.Minute))
	assert.Equal(t, persist.FailedContinue, res.Status)

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.True(t, run.CompletedAt.Equal(t0.Add(time.Minute)))
	assert.Nil(t, run.Error)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.True(t, s.StartRun(ctx, RunStats{RunID: id, StartedAt: t0.Add(time.Duration(i) * time.Hour)}).OK())
	}
	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].RunID)
	assert.Equal(t, "b", runs[1].RunID)
}

func TestItemOutcomesAndLatestInsight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	older, _ := json.Marshal(insights.StudentInsight{Summary: "older"})
	newer, _ := json.Marshal(insights.StudentInsight{Summary: "newer"})
	errText := "model unavailable"

	rows := []ItemOutcome{
		{RunID: "r1", ItemID: "s1", Name: "Ana", Status: ItemSucceeded, Insight: older, Analysis: json.RawMessage(`{"averageScore": 88}`), RecordedAt: t0},
		{RunID: "r2", ItemID: "s1", Name: "Ana", Status: ItemSucceeded, Insight: newer, UsedFallback: true, RecordedAt: t0.Add(time.Hour)},
		{RunID: "r2", ItemID: "s2", Name: "Ben", Status: ItemFailedEnrichment, Error: &errText, RecordedAt: t0.Add(time.Hour)},
	}
	for _, row := range rows {
		require.True(t, s.RecordItemOutcome(ctx, row).OK())
	}

	got, err := s.ItemOutcomes(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ItemFailedEnrichment, got[1].Status)
	require.NotNil(t, got[1].Error)
	assert.Equal(t, errText, *got[1].Error)
	assert.Nil(t, got[1].Insight)

	latest, err := s.LatestInsight(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, latest.Insight)
	assert.Equal(t, "newer", latest.Insight.Summary)
	assert.Equal(t, "r2", latest.RunID)
	assert.True(t, latest.UsedFallback)

	_, err = s.LatestInsight(ctx, "s2")
	assert.True(t, errors.Is(err, ErrNotFound))

	ids, err := s.StudentsWithInsights(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
}

func TestLatestInsightToleratesCorruptBlob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `INSERT INTO item_outcomes(run_id, item_id, status, insight_json, used_fallback, recorded_at) VALUES(?,?,?,?,?,?)`,
		"legacy", "s9", string(ItemSucceeded), "{not json", 0, t0)
	require.NoError(t, err)

	rec, err := s.LatestInsight(ctx, "s9")
	require.NoError(t, err)
	assert.Nil(t, rec.Insight)
	assert.Equal(t, "legacy", rec.RunID)

	rows, err := s.ItemOutcomes(ctx, "legacy")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Insight)
}

func TestGroupOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	in, _ := json.Marshal(insights.GroupInsight{Overview: "steady"})
	rendered := "Overview: steady"
	require.True(t, s.RecordGroupOutcome(ctx, GroupOutcome{RunID: "r1", Status: ItemSucceeded, Insight: in, Rendered: &rendered, RecordedAt: t0}).OK())

	got, err := s.GroupOutcome(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ItemSucceeded, got.Status)
	require.NotNil(t, got.Rendered)
	assert.Equal(t, rendered, *got.Rendered)

	latest, err := s.LatestGroupInsight(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest.Insight)
	assert.Equal(t, "steady", latest.Insight.Overview)

	_, err = s.GroupOutcome(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestConcurrentItemInserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := s.RecordItemOutcome(ctx, ItemOutcome{RunID: "r1", ItemID: string(rune('a' + i)), Status: ItemSucceeded, RecordedAt: t0})
			assert.True(t, res.OK())
		}(i)
	}
	wg.Wait()
	rows, err := s.ItemOutcomes(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, rows, 20)
}

func TestWriteAfterCloseIsContinueFailure(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "x.db"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	res := s.StartRun(context.Background(), RunStats{RunID: "r1", StartedAt: t0})
	assert.Equal(t, persist.FailedContinue, res.Status)
	assert.Error(t, s.Health(context.Background()))
}

func TestLongErrorTruncatedOnRuneBoundary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.True(t, s.StartRun(ctx, RunStats{RunID: "r1", StartedAt: t0}).OK())

	msg := "x" + strings.Repeat("é", maxErrorLen)
	require.True(t, s.FinishRun(ctx, "r1", RunFailed, msg, t0.Add(time.Minute)).OK())

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, run.Error)
	assert.True(t, utf8.ValidString(*run.Error))
	assert.Equal(t, maxErrorLen, utf8.RuneCountInString(*run.Error))
}
