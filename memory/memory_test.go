package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"student_insights/internal/persist"
)

func contribution(run int, strengths ...string) Contribution {
	return Contribution{
		RunID:            fmt.Sprintf("run-%02d", run),
		RecordedAt:       time.Date(2026, 1, 1, 0, 0, run, 0, time.UTC),
		Summary:          fmt.Sprintf("summary %d", run),
		Strengths:        strengths,
		ImprovementAreas: []string{"Homework"},
		Goals:            []string{fmt.Sprintf("goal %d", run%7)},
		AverageScore:     80,
		RiskLevel:        "low",
	}
}

func TestUpdateCapsHistoryAndLists(t *testing.T) {
	snap := Default(KindStudent, "s1")
	for i := 1; i <= 25; i++ {
		snap = Update(snap, contribution(i, fmt.Sprintf("Strength %d", i), "math", "MATH"), 4)
		require.LessOrEqual(t, len(snap.History), 4)
		require.LessOrEqual(t, len(snap.Strengths), MaxListItems)
		require.LessOrEqual(t, len(snap.Goals), MaxListItems)
		assertNoCaseDuplicates(t, snap.Strengths)
		assertNoCaseDuplicates(t, snap.Goals)
	}
	assert.Equal(t, "run-25", snap.History[0].RunID)
	assert.Equal(t, "run-22", snap.History[3].RunID)
	assert.Equal(t, []string{"Strength 25", "math", "Strength 24", "Strength 23", "Strength 22"}, snap.Strengths)
	assert.Equal(t, "summary 25", snap.Summary)
}

func TestUpdateIsPure(t *testing.T) {
	prev := Update(Default(KindStudent, "s1"), contribution(1, "A"), 3)
	before := append([]HistoryEntry(nil), prev.History...)
	_ = Update(prev, contribution(2, "B"), 3)
	assert.Equal(t, before, prev.History)
	assert.Equal(t, []string{"A"}, prev.Strengths)
}

func assertNoCaseDuplicates(t *testing.T, items []string) {
	t.Helper()
	seen := map[string]bool{}
	for _, item := range items {
		key := strings.ToLower(item)
		require.False(t, seen[key], "duplicate %q in %v", item, items)
		seen[key] = true
	}
}

func newFileStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	require.NoError(t, err)
	return NewStore(backend, 10, nil), dir
}

func TestLoadMissingReturnsDefault(t *testing.T) {
	store, _ := newFileStore(t)
	snap, err := store.Load(context.Background(), KindStudent, "nobody")
	require.NoError(t, err)
	assert.True(t, snap.IsNew())
	assert.Equal(t, "nobody", snap.EntityID)
	assert.NotNil(t, snap.Strengths)
	assert.NotNil(t, snap.History)
}

func TestLoadMergesPartialState(t *testing.T) {
	store, dir := newFileStore(t)
	path := filepath.Join(dir, "students", "s1.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"summary": "kept", "strengths": "not a list", "history": [{"runId": "r1"}]}`), 0o644))

	snap, err := store.Load(context.Background(), KindStudent, "s1")
	require.NoError(t, err)
	assert.Equal(t, "kept", snap.Summary)
	assert.Empty(t, snap.Strengths)
	assert.NotNil(t, snap.Goals)
	require.Len(t, snap.History, 1)
	assert.Equal(t, "r1", snap.History[0].RunID)

	require.NoError(t, os.WriteFile(path, []byte(`garbage`), 0o644))
	snap, err = store.Load(context.Background(), KindStudent, "s1")
	require.NoError(t, err)
	assert.True(t, snap.IsNew())
}

func TestApplyTwoRunsWritesDistinctArchives(t *testing.T) {
	store, dir := newFileStore(t)
	ctx := context.Background()

	_, res := store.Apply(ctx, KindStudent, "s1", contribution(1, "Reading"))
	require.True(t, res.OK(), res.Error())
	_, res = store.Apply(ctx, KindStudent, "s1", contribution(2, "Writing"))
	require.True(t, res.OK(), res.Error())

	snap, err := store.Load(ctx, KindStudent, "s1")
	require.NoError(t, err)
	assert.Len(t, snap.History, 2)
	assert.Equal(t, []string{"Writing", "Reading"}, snap.Strengths)

	first, err := store.LoadArchive(ctx, "run-01", KindStudent, "s1")
	require.NoError(t, err)
	second, err := store.LoadArchive(ctx, "run-02", KindStudent, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Reading"}, first.Strengths)
	assert.Equal(t, []string{"Writing", "Reading"}, second.Strengths)

	students, err := os.ReadDir(filepath.Join(dir, "students"))
	require.NoError(t, err)
	assert.Len(t, students, 1, "temp files must not be left behind")
}

func TestArchiveNeverOverwrites(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()
	rec := ArchiveRecord{RunID: "r1", EntityID: GroupEntityID, Kind: KindGroup, Summary: "first"}
	require.True(t, store.Archive(ctx, rec).OK())

	rec.Summary = "second"
	res := store.Archive(ctx, rec)
	require.Equal(t, persist.FailedContinue, res.Status)
	assert.True(t, errors.Is(res.Err, ErrArchiveExists))

	got, err := store.LoadArchive(ctx, "r1", KindGroup, GroupEntityID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Summary)
}

func TestApplyCanceledContextStops(t *testing.T) {
	store, _ := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, res := store.Apply(ctx, KindStudent, "s1", contribution(1, "A"))
	assert.True(t, res.Stop())
}

func TestApplySerializesPerEntity(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, res := store.Apply(ctx, KindStudent, "shared", contribution(i, fmt.Sprintf("S%d", i)))
			assert.True(t, res.OK())
		}(i)
	}
	wg.Wait()
	snap, err := store.Load(ctx, KindStudent, "shared")
	require.NoError(t, err)
	assert.Len(t, snap.History, 8)
	assert.Empty(t, store.locks)
}

func TestSafeNameEscapesPathSegments(t *testing.T) {
	name, err := safeName("a/b")
	require.NoError(t, err)
	assert.Equal(t, "a%2Fb", name)
	_, err = safeName("..")
	assert.Error(t, err)
}

func TestRedisKeys(t *testing.T) {
	b := &RedisBackend{prefix: redisPrefix(" app: ")}
	assert.Equal(t, "app:memory:student:s1", b.snapshotKey(KindStudent, "s1"))
	assert.Equal(t, "app:memory:group", b.snapshotKey(KindGroup, GroupEntityID))
	assert.Equal(t, "app:archive:r1:student:s1", b.archiveKey("r1", KindStudent, "s1"))
	assert.Equal(t, "app:archive:r1:group", b.archiveKey("r1", KindGroup, GroupEntityID))
	assert.Equal(t, "insights", redisPrefix(""))
}

func TestRedisBackendRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	prefix := fmt.Sprintf("test%d", time.Now().UnixNano())
	backend, err := NewRedisBackend(ctx, url, prefix)
	require.NoError(t, err)
	store := NewStore(backend, 3, nil)
	defer store.Close()

	_, res := store.Apply(ctx, KindStudent, "s1", contribution(1, "A"))
	require.True(t, res.OK(), res.Error())
	res = store.Archive(ctx, ArchiveRecord{RunID: "run-01", EntityID: "s1", Kind: KindStudent})
	assert.True(t, errors.Is(res.Err, ErrArchiveExists))

	snap, err := store.Load(ctx, KindStudent, "s1")
	require.NoError(t, err)
	assert.Equal(t, "summary 1", snap.Summary)
}

type failingSnapshotBackend struct {
	Backend
	archives int
}

func (b *failingSnapshotBackend) WriteSnapshot(context.Context, Kind, string, []byte) error {
	return errors.New("disk full")
}

func (b *failingSnapshotBackend) WriteArchive(ctx context.Context, runID string, kind Kind, entityID string, data []byte) error {
	b.archives++
	return b.Backend.WriteArchive(ctx, runID, kind, entityID, data)
}

func TestApplyArchivesWhenSaveFails(t *testing.T) {
	files, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	backend := &failingSnapshotBackend{Backend: files}
	store := NewStore(backend, 10, nil)
	ctx := context.Background()

	_, res := store.Apply(ctx, KindStudent, "s1", contribution(1, "Reading"))
	assert.Equal(t, persist.FailedContinue, res.Status)
	assert.Equal(t, "memory.save", res.Op)
	assert.Equal(t, 1, backend.archives)

	rec, err := store.LoadArchive(ctx, "run-01", KindStudent, "s1")
	require.NoError(t, err)
	assert.Equal(t, "summary 1", rec.Summary)

	exists, err := store.Exists(ctx, KindStudent, "s1")
	require.NoError(t, err)
	assert.False(t, exists)
}
