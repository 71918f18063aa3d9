package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"student_insights/enrich"
	"student_insights/internal/events"
	"student_insights/internal/pipeline"
	"student_insights/internal/store"
	"student_insights/memory"
)

const batch = `[{"id":"s1","name":"Ada","email":"ada@school.test","grades":[{"subject":"Math","score":91}],
"participationScore":8,"completionRate":95,"trend":"improving","lastAssessmentDate":"2026-09-01"}]`

type blockingEnricher struct {
	enrich.Disabled
	release chan struct{}
}

func (b blockingEnricher) EnrichStudent(ctx context.Context, req enrich.StudentRequest) (string, error) {
	<-b.release
	return "", nil
}

type fixture struct {
	mux   *http.ServeMux
	orch  *pipeline.Orchestrator
	audit *store.Store
	bus   *events.Bus
}

func setupTest(t *testing.T, enricher enrich.Enricher) *fixture {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "students.json")
	require.NoError(t, os.WriteFile(input, []byte(batch), 0o644))
	audit, err := store.Open(filepath.Join(dir, "insights.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })
	backend, err := memory.NewFileBackend(filepath.Join(dir, "memory"))
	require.NoError(t, err)
	mem := memory.NewStore(backend, 5, nil)
	bus := events.NewBus()
	orch := pipeline.New(pipeline.Config{InputPath: input}, pipeline.Deps{
		Audit: audit, Memory: mem, Enricher: enricher, Bus: bus,
	})
	mux := http.NewServeMux()
	NewRouter(context.Background(), orch, audit, mem, bus, nil).Register(mux)
	return &fixture{mux: mux, orch: orch, audit: audit, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, active := f.orch.Active()
		return !active
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartRunAndReadResults(t *testing.T) {
	f := setupTest(t, enrich.Disabled{})

	rr := f.do(t, http.MethodPost, "/api/runs")
	require.Equal(t, http.StatusAccepted, rr.Code)
	var state pipeline.RunState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
	require.NotEmpty(t, state.RunID)
	assert.Equal(t, "http", state.Trigger)
	f.waitIdle(t)

	rr = f.do(t, http.MethodGet, "/api/runs/"+state.RunID)
	require.Equal(t, http.StatusOK, rr.Code)
	var detail struct {
		Run   store.Run           `json:"run"`
		Items []store.ItemOutcome `json:"items"`
		Group *store.GroupOutcome `json:"group"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &detail))
	assert.Equal(t, store.RunCompleted, detail.Run.Status)
	require.Len(t, detail.Items, 1)
	assert.True(t, detail.Items[0].UsedFallback)
	require.NotNil(t, detail.Group)

	rr = f.do(t, http.MethodGet, "/api/runs")
	require.Equal(t, http.StatusOK, rr.Code)
	var runs []store.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/students/s1/insight").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/students/s1/memory").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/group/insight").Code)

	rr = f.do(t, http.MethodGet, "/ops/status")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"runs_finished":1`)
}

func TestNotFoundResponses(t *testing.T) {
	f := setupTest(t, enrich.Disabled{})
	for _, path := range []string{"/api/runs/nope", "/api/students/nobody/insight", "/api/students/nobody/memory", "/api/group/insight"} {
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path).Code, path)
	}
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/runs?limit=zero").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/api/runs").Code)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	release := make(chan struct{})
	f := setupTest(t, blockingEnricher{release: release})

	first := f.do(t, http.MethodPost, "/api/runs")
	require.Equal(t, http.StatusAccepted, first.Code)
	var state pipeline.RunState
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &state))

	second := f.do(t, http.MethodPost, "/api/runs")
	require.Equal(t, http.StatusConflict, second.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.Equal(t, state.RunID, body["run_id"])

	rr := f.do(t, http.MethodGet, "/ops/status")
	assert.Contains(t, rr.Body.String(), state.RunID)

	close(release)
	f.waitIdle(t)
}

func TestHealthEndpoint(t *testing.T) {
	f := setupTest(t, enrich.Disabled{})
	rr := f.do(t, http.MethodGet, "/ops/health")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestEventStream(t *testing.T) {
	f := setupTest(t, enrich.Disabled{})
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/ops/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = f.orch.Start(context.Background(), "test", nil)
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	var seen []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			seen = append(seen, strings.TrimPrefix(line, "event: "))
		}
		if len(seen) > 0 && seen[len(seen)-1] == "run_finished" {
			break
		}
	}
	assert.Equal(t, []string{"run_started", "item_processed", "run_finished"}, seen)
	cancel()
	f.waitIdle(t)
}
