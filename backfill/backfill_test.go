package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"student_insights/analysis"
	"student_insights/insights"
	"student_insights/internal/store"
	"student_insights/memory"
)

func TestSelectPendingRespectsLimitAndMemory(t *testing.T) {
	now := time.Now()
	var records []Record
	for i := 0; i < 30; i++ {
		records = append(records, Record{
			EntityID:   fmt.Sprintf("s%02d", i),
			RecordedAt: now.Add(time.Duration(i) * time.Minute),
			HasMemory:  i%5 == 0,
		})
	}

	pending, summary := SelectPending(records, 15)
	if len(pending) != 15 {
		t.Fatalf("expected 15 pending records, got %d", len(pending))
	}
	if summary.AlreadyPresent != 6 {
		t.Fatalf("expected 6 already present, got %d", summary.AlreadyPresent)
	}
	if summary.Missing != 24 {
		t.Fatalf("expected 24 missing, got %d", summary.Missing)
	}
	if summary.Selected != 15 {
		t.Fatalf("expected 15 selected, got %d", summary.Selected)
	}
	for _, rec := range pending {
		if rec.HasMemory {
			t.Fatalf("unexpected record with memory in pending set: %v", rec.EntityID)
		}
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].RecordedAt.After(pending[i-1].RecordedAt) {
			t.Fatalf("records not sorted by recency")
		}
	}

	all, summary := SelectPending(records, 0)
	if len(all) != 24 || summary.Selected != 24 {
		t.Fatalf("expected zero limit to select all missing, got %d", len(all))
	}
}

type fakeRepo struct {
	records  []Record
	failOn   string
	restored []string
}

func (f *fakeRepo) ListCandidates(context.Context) ([]Record, error) { return f.records, nil }

func (f *fakeRepo) Restore(_ context.Context, rec Record) error {
	if rec.EntityID == f.failOn {
		return errors.New("disk full")
	}
	f.restored = append(f.restored, rec.EntityID)
	return nil
}

func TestRunContinuesPastFailures(t *testing.T) {
	now := time.Now()
	repo := &fakeRepo{failOn: "b", records: []Record{
		{EntityID: "a", RecordedAt: now},
		{EntityID: "b", RecordedAt: now.Add(-time.Minute)},
		{EntityID: "c", RecordedAt: now.Add(-2 * time.Minute)},
	}}
	summary, err := Run(context.Background(), repo, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Restored)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"a", "c"}, repo.restored)
}

func TestAuditRepositoryRestoresMissingSnapshots(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	audit, err := store.Open(filepath.Join(dir, "insights.db"), nil)
	require.NoError(t, err)
	defer audit.Close()
	backend, err := memory.NewFileBackend(filepath.Join(dir, "memory"))
	require.NoError(t, err)
	mem := memory.NewStore(backend, 5, nil)

	at := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	require.True(t, audit.StartRun(ctx, store.RunStats{RunID: "r1", StartedAt: at}).OK())
	in := insights.StudentInsight{Summary: "Doing well", PositiveObservation: "Kind", Strengths: []string{"Math"},
		ImprovementAreas: []string{"Reading"}, Strategies: []string{"a", "b"}, Goal: "Read more"}
	inJSON, _ := json.Marshal(in)
	aJSON, _ := json.Marshal(analysis.Analysis{StudentID: "s1", AverageScore: 81, RiskLevel: analysis.RiskLow})
	for _, id := range []string{"s1", "s2"} {
		require.True(t, audit.RecordItemOutcome(ctx, store.ItemOutcome{RunID: "r1", ItemID: id, Name: id,
			Status: store.ItemSucceeded, Analysis: aJSON, Insight: inJSON, RecordedAt: at}).OK())
	}
	_, res := mem.Apply(ctx, memory.KindStudent, "s2", memory.Contribution{RunID: "r0", RecordedAt: at, Summary: "old"})
	require.True(t, res.OK(), res.Error())

	repo := AuditRepository{Audit: audit, Memory: mem}
	summary, err := Run(ctx, repo, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalCandidates)
	assert.Equal(t, 1, summary.AlreadyPresent)
	assert.Equal(t, 1, summary.Restored)

	snap, err := mem.Load(ctx, memory.KindStudent, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Doing well", snap.Summary)
	require.Len(t, snap.History, 1)
	assert.Equal(t, "r1", snap.History[0].RunID)

	untouched, err := mem.Load(ctx, memory.KindStudent, "s2")
	require.NoError(t, err)
	assert.Equal(t, "old", untouched.Summary)
}
