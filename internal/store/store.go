package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"student_insights/analysis"
	"student_insights/insights"
	"student_insights/internal/logger"
	"student_insights/internal/persist"
)

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("store: not found")

// RunStatus is the lifecycle state of a run row.
type RunStatus string

const (
	RunRunning                   RunStatus = "running"
	RunCompleted                 RunStatus = "completed"
	RunCompletedWithGroupFailure RunStatus = "completed_with_group_failure"
	RunNoValidItems              RunStatus = "no_valid_items"
	RunNoSuccessfulAnalyses      RunStatus = "no_successful_analyses"
	RunFailedInput               RunStatus = "failed_input"
	RunFailed                    RunStatus = "failed"
)

// ItemStatus is the terminal outcome of one item or of the group stage.
type ItemStatus string

const (
	ItemSucceeded        ItemStatus = "succeeded"
	ItemFailedAnalysis   ItemStatus = "failed_analysis"
	ItemFailedEnrichment ItemStatus = "failed_enrichment"
	ItemFailedRender     ItemStatus = "failed_render"
	ItemAborted          ItemStatus = "aborted"
)

const maxErrorLen = 240

// Store wraps SQLite access for runs and their outcomes. Writes are
// best-effort: they log and return a persist.Result instead of an error.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

func Open(path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", "pragma", pragma, "error", err)
		}
	}
	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			total_count INTEGER NOT NULL,
			valid_count INTEGER NOT NULL,
			status TEXT NOT NULL,
			validation_errors_json TEXT,
			error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS item_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			name TEXT,
			status TEXT NOT NULL,
			analysis_json TEXT,
			insight_json TEXT,
			rendered TEXT,
			error TEXT,
			used_fallback INTEGER NOT NULL DEFAULT 0,
			recorded_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_item_outcomes_run ON item_outcomes(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_item_outcomes_item ON item_outcomes(item_id, recorded_at);`,
		`CREATE TABLE IF NOT EXISTS group_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			summary_json TEXT,
			insight_json TEXT,
			rendered TEXT,
			error TEXT,
			used_fallback INTEGER NOT NULL DEFAULT 0,
			recorded_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_group_outcomes_run ON group_outcomes(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RunStats is captured when a run starts.
type RunStats struct {
	RunID            string
	StartedAt        time.Time
	TotalCount       int
	ValidCount       int
	ValidationErrors []string
}

// Run is one batch execution.
type Run struct {
	RunID            string     `json:"run_id"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	TotalCount       int        `json:"total_count"`
	ValidCount       int        `json:"valid_count"`
	Status           RunStatus  `json:"status"`
	ValidationErrors []string   `json:"validation_errors"`
	Error            *string    `json:"error"`
}

// ItemOutcome is the single audit row written per item per run.
type ItemOutcome struct {
	RunID        string          `json:"run_id"`
	ItemID       string          `json:"item_id"`
	Name         string          `json:"name"`
	Status       ItemStatus      `json:"status"`
	Analysis     json.RawMessage `json:"analysis,omitempty"`
	Insight      json.RawMessage `json:"insight,omitempty"`
	Rendered     *string         `json:"rendered"`
	Error        *string         `json:"error"`
	UsedFallback bool            `json:"used_fallback"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// GroupOutcome is the group-stage audit row of a run.
type GroupOutcome struct {
	RunID        string          `json:"run_id"`
	Status       ItemStatus      `json:"status"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	Insight      json.RawMessage `json:"insight,omitempty"`
	Rendered     *string         `json:"rendered"`
	Error        *string         `json:"error"`
	UsedFallback bool            `json:"used_fallback"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// StartRun inserts the run as running before any item work.
func (s *Store) StartRun(ctx context.Context, stats RunStats) persist.Result {
	var errsJSON any
	if len(stats.ValidationErrors) > 0 {
		b, _ := json.Marshal(stats.ValidationErrors)
		errsJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs(run_id, started_at, total_count, valid_count, status, validation_errors_json) VALUES(?,?,?,?,?,?)`,
		stats.RunID, stats.StartedAt.UTC(), stats.TotalCount, stats.ValidCount, string(RunRunning), errsJSON)
	return s.result("audit.start_run", err, "run_id", stats.RunID)
}

// FinishRun sets the terminal status once; a run that already left
// "running" is not touched again.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, errMsg string, at time.Time) persist.Result {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status=?, error=?, completed_at=? WHERE run_id=? AND status=?`,
		string(status), nullableString(truncateError(errMsg)), at.UTC(), runID, string(RunRunning))
	if err == nil {
		if n, _ := res.RowsAffected(); n == 0 {
			err = fmt.Errorf("run %s is not running", runID)
		}
	}
	return s.result("audit.finish_run", err, "run_id", runID, "status", status)
}

// RecordItemOutcome appends the item's outcome row.
func (s *Store) RecordItemOutcome(ctx context.Context, o ItemOutcome) persist.Result {
	_, err := s.db.ExecContext(ctx, `INSERT INTO item_outcomes(run_id, item_id, name, status, analysis_json, insight_json, rendered, error, used_fallback, recorded_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		o.RunID, o.ItemID, o.Name, string(o.Status), nullableJSON(o.Analysis), nullableJSON(o.Insight),
		o.Rendered, truncatePtr(o.Error), o.UsedFallback, o.RecordedAt.UTC())
	return s.result("audit.record_item", err, "run_id", o.RunID, "item_id", o.ItemID)
}

// RecordGroupOutcome appends the group-stage row.
func (s *Store) RecordGroupOutcome(ctx context.Context, o GroupOutcome) persist.Result {
	_, err := s.db.ExecContext(ctx, `INSERT INTO group_outcomes(run_id, status, summary_json, insight_json, rendered, error, used_fallback, recorded_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		o.RunID, string(o.Status), nullableJSON(o.Summary), nullableJSON(o.Insight),
		o.Rendered, truncatePtr(o.Error), o.UsedFallback, o.RecordedAt.UTC())
	return s.result("audit.record_group", err, "run_id", o.RunID)
}

func (s *Store) result(op string, err error, kv ...any) persist.Result {
	res := persist.FromError(op, err)
	if !res.OK() {
		s.log.Error("audit write failed", append([]any{"op", op, "error", err}, kv...)...)
	}
	return res
}

const runColumns = `run_id, started_at, completed_at, total_count, valid_count, status, validation_errors_json, error`

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var status string
	var completed sql.NullTime
	var errsJSON, errMsg sql.NullString
	if err := sc.Scan(&r.RunID, &r.StartedAt, &completed, &r.TotalCount, &r.ValidCount, &status, &errsJSON, &errMsg); err != nil {
		return Run{}, err
	}
	r.Status = RunStatus(status)
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	if errMsg.Valid {
		r.Error = &errMsg.String
	}
	r.ValidationErrors = []string{}
	if errsJSON.Valid {
		_ = json.Unmarshal([]byte(errsJSON.String), &r.ValidationErrors)
	}
	return r, nil
}

// ItemOutcomes returns every item row of a run in insertion order.
func (s *Store) ItemOutcomes(ctx context.Context, runID string) ([]ItemOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, item_id, name, status, analysis_json, insight_json, rendered, error, used_fallback, recorded_at
		FROM item_outcomes WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ItemOutcome
	for rows.Next() {
		var o ItemOutcome
		var name, analysisJSON, insightJSON, rendered, errMsg sql.NullString
		var status string
		if err := rows.Scan(&o.RunID, &o.ItemID, &name, &status, &analysisJSON, &insightJSON, &rendered, &errMsg, &o.UsedFallback, &o.RecordedAt); err != nil {
			return nil, err
		}
		o.Name = name.String
		o.Status = ItemStatus(status)
		o.Analysis = rawJSON(analysisJSON)
		o.Insight = rawJSON(insightJSON)
		o.Rendered = nullStringPtr(rendered)
		o.Error = nullStringPtr(errMsg)
		out = append(out, o)
	}
	return out, rows.Err()
}

// GroupOutcome returns the group row of a run or ErrNotFound.
func (s *Store) GroupOutcome(ctx context.Context, runID string) (GroupOutcome, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, status, summary_json, insight_json, rendered, error, used_fallback, recorded_at
		FROM group_outcomes WHERE run_id=? ORDER BY id DESC LIMIT 1`, runID)
	var o GroupOutcome
	var summaryJSON, insightJSON, rendered, errMsg sql.NullString
	var status string
	err := row.Scan(&o.RunID, &status, &summaryJSON, &insightJSON, &rendered, &errMsg, &o.UsedFallback, &o.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return GroupOutcome{}, ErrNotFound
	}
	if err != nil {
		return GroupOutcome{}, err
	}
	o.Status = ItemStatus(status)
	o.Summary = rawJSON(summaryJSON)
	o.Insight = rawJSON(insightJSON)
	o.Rendered = nullStringPtr(rendered)
	o.Error = nullStringPtr(errMsg)
	return o, nil
}

// StudentInsightRecord is the latest recorded insight for a student. Insight
// and Analysis are nil when the stored blob could not be decoded.
type StudentInsightRecord struct {
	EntityID     string                   `json:"entity_id"`
	RunID        string                   `json:"run_id"`
	RecordedAt   time.Time                `json:"recorded_at"`
	UsedFallback bool                     `json:"used_fallback"`
	Insight      *insights.StudentInsight `json:"insight"`
	Analysis     *analysis.Analysis       `json:"analysis"`
}

// LatestInsight returns the newest successful insight for a student, or
// ErrNotFound. A corrupt blob yields a record without an insight.
func (s *Store) LatestInsight(ctx context.Context, entityID string) (StudentInsightRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, recorded_at, used_fallback, insight_json, analysis_json FROM item_outcomes
		WHERE item_id=? AND status=? AND insight_json IS NOT NULL ORDER BY recorded_at DESC, id DESC LIMIT 1`, entityID, string(ItemSucceeded))
	rec := StudentInsightRecord{EntityID: entityID}
	var insightJSON, analysisJSON sql.NullString
	err := row.Scan(&rec.RunID, &rec.RecordedAt, &rec.UsedFallback, &insightJSON, &analysisJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	var in insights.StudentInsight
	if err := json.Unmarshal([]byte(insightJSON.String), &in); err != nil {
		s.log.Warn("stored insight unreadable", "entity_id", entityID, "run_id", rec.RunID, "error", err)
	} else {
		rec.Insight = &in
	}
	if analysisJSON.Valid {
		var a analysis.Analysis
		if err := json.Unmarshal([]byte(analysisJSON.String), &a); err == nil {
			rec.Analysis = &a
		}
	}
	return rec, nil
}

// GroupInsightRecord is the latest recorded group insight.
type GroupInsightRecord struct {
	RunID        string                 `json:"run_id"`
	RecordedAt   time.Time              `json:"recorded_at"`
	UsedFallback bool                   `json:"used_fallback"`
	Insight      *insights.GroupInsight `json:"insight"`
}

// LatestGroupInsight returns the newest successful group insight, or
// ErrNotFound.
func (s *Store) LatestGroupInsight(ctx context.Context) (GroupInsightRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, recorded_at, used_fallback, insight_json FROM group_outcomes
		WHERE status=? AND insight_json IS NOT NULL ORDER BY recorded_at DESC, id DESC LIMIT 1`, string(ItemSucceeded))
	var rec GroupInsightRecord
	var insightJSON sql.NullString
	err := row.Scan(&rec.RunID, &rec.RecordedAt, &rec.UsedFallback, &insightJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	var in insights.GroupInsight
	if err := json.Unmarshal([]byte(insightJSON.String), &in); err != nil {
		s.log.Warn("stored group insight unreadable", "run_id", rec.RunID, "error", err)
	} else {
		rec.Insight = &in
	}
	return rec, nil
}

// StudentsWithInsights lists every student id with at least one successful
// outcome, ordered by id.
func (s *Store) StudentsWithInsights(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT item_id FROM item_outcomes WHERE status=? AND insight_json IS NOT NULL ORDER BY item_id`, string(ItemSucceeded))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

func truncateError(msg string) string {
	return insights.Truncate(strings.TrimSpace(msg), maxErrorLen)
}

func truncatePtr(msg *string) any {
	if msg == nil {
		return nil
	}
	return nullableString(truncateError(*msg))
}

func nullableString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(v sql.NullString) json.RawMessage {
	if !v.Valid || !json.Valid([]byte(v.String)) {
		return nil
	}
	return json.RawMessage(v.String)
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
