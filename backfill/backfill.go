package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"student_insights/analysis"
	"student_insights/internal/logger"
	"student_insights/internal/store"
	"student_insights/memory"
)

// Record is one student with an audited insight, used for backfill decisions.
type Record struct {
	EntityID   string
	RunID      string
	RecordedAt time.Time
	HasMemory  bool
}

// Summary captures backfill execution metrics.
type Summary struct {
	TotalCandidates int `json:"total"`
	AlreadyPresent  int `json:"already_present"`
	Missing         int `json:"missing"`
	Selected        int `json:"selected"`
	Restored        int `json:"restored"`
	Failed          int `json:"failed"`
}

// Repository describes the data source needed for backfill.
type Repository interface {
	ListCandidates(ctx context.Context) ([]Record, error)
	Restore(ctx context.Context, rec Record) error
}

// SelectPending returns up to limit records without a memory snapshot,
// newest insight first, and a summary of the candidate set. A limit of zero
// or less selects every missing record.
func SelectPending(records []Record, limit int) ([]Record, Summary) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].RecordedAt.After(records[j].RecordedAt)
	})

	summary := Summary{TotalCandidates: len(records)}
	missing := make([]Record, 0, len(records))
	for _, r := range records {
		if r.HasMemory {
			summary.AlreadyPresent++
			continue
		}
		missing = append(missing, r)
	}

	summary.Missing = len(missing)
	if limit > 0 && limit < summary.Missing {
		missing = missing[:limit]
	}
	summary.Selected = len(missing)
	return missing, summary
}

// Run restores the selected records and returns the summary. One failed
// restore does not stop the others.
func Run(ctx context.Context, repo Repository, limit int, log *logger.Logger) (Summary, error) {
	if log == nil {
		log = logger.Nop()
	}
	records, err := repo.ListCandidates(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("backfill list: %w", err)
	}

	selected, summary := SelectPending(records, limit)
	for _, rec := range selected {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := repo.Restore(ctx, rec); err != nil {
			summary.Failed++
			log.Warn("backfill restore failed", "entity_id", rec.EntityID, "run_id", rec.RunID, "error", err)
			continue
		}
		summary.Restored++
	}

	log.Info("backfill summary", "total", summary.TotalCandidates, "missing", summary.Missing,
		"selected", summary.Selected, "restored", summary.Restored, "failed", summary.Failed,
		"already_present", summary.AlreadyPresent)
	return summary, nil
}

// AuditRepository rebuilds student memory from the newest audited insight.
type AuditRepository struct {
	Audit  *store.Store
	Memory *memory.Store
}

func (r AuditRepository) ListCandidates(ctx context.Context) ([]Record, error) {
	ids, err := r.Audit.StudentsWithInsights(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		latest, err := r.Audit.LatestInsight(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("latest insight %s: %w", id, err)
		}
		exists, err := r.Memory.Exists(ctx, memory.KindStudent, id)
		if err != nil {
			return nil, fmt.Errorf("memory lookup %s: %w", id, err)
		}
		records = append(records, Record{EntityID: id, RunID: latest.RunID, RecordedAt: latest.RecordedAt, HasMemory: exists})
	}
	return records, nil
}

func (r AuditRepository) Restore(ctx context.Context, rec Record) error {
	latest, err := r.Audit.LatestInsight(ctx, rec.EntityID)
	if err != nil {
		return err
	}
	if latest.Insight == nil {
		return errors.New("stored insight unreadable")
	}
	a := analysis.Analysis{StudentID: rec.EntityID}
	if latest.Analysis != nil {
		a = *latest.Analysis
	}
	c := memory.StudentContribution(latest.RunID, latest.RecordedAt, a, *latest.Insight, latest.UsedFallback)
	_, res := r.Memory.Apply(ctx, memory.KindStudent, rec.EntityID, c)
	if res.OK() || errors.Is(res.Err, memory.ErrArchiveExists) {
		return nil
	}
	return res
}
