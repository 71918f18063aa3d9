package pipeline

import (
	"context"
	"errors"
	"fmt"

	"student_insights/analysis"
	"student_insights/enrich"
	"student_insights/formatting"
	"student_insights/insights"
	"student_insights/internal/events"
	"student_insights/internal/logger"
	"student_insights/internal/store"
	"student_insights/memory"
	"student_insights/students"
)

var errRunCanceled = errors.New("run canceled")

// processItem takes one validated record through every per-item stage and
// writes exactly one outcome row for it.
func (r *run) processItem(ctx context.Context, idx int, s students.Student) ItemResult {
	o := r.o
	log := r.log.With("item_id", s.ID)
	res := ItemResult{Index: idx, ItemID: s.ID, Name: s.Name}
	out := store.ItemOutcome{RunID: r.id, ItemID: s.ID, Name: s.Name}

	if r.canceled() {
		return r.finishItem(log, res, out, store.ItemAborted, r.abortReason())
	}

	var a analysis.Analysis
	if err := runStage(StageAnalyze, func() error {
		a = analysis.Analyze(s)
		return nil
	}); err != nil {
		return r.finishItem(log, res, out, store.ItemFailedAnalysis, err)
	}
	res.computed = &a
	out.Analysis = marshalRaw(a)

	prefs := o.prefs.For(s.ID)
	var raw string
	if err := runStage(StageEnrich, func() error {
		var err error
		raw, err = o.enricher.EnrichStudent(ctx, enrich.StudentRequest{
			Analysis:    a,
			Memory:      r.priorMemory(ctx, log, memory.KindStudent, s.ID),
			Preferences: prefs,
		})
		return err
	}); err != nil {
		if r.canceled() {
			return r.finishItem(log, res, out, store.ItemAborted, r.abortReason())
		}
		return r.finishItem(log, res, out, store.ItemFailedEnrichment, err)
	}

	var in insights.StudentInsight
	if err := runStage(StageContract, func() error {
		parsed := insights.ParseStudent(raw)
		if !parsed.OK() {
			return contractViolation(parsed.Errors)
		}
		in = parsed.Value
		return nil
	}); err != nil {
		if raw != "" {
			log.Warn("enrichment output rejected, using fallback", "stage", StageContract, "error", err)
		}
		if ferr := runStage(StageFallback, func() error {
			in = insights.FallbackStudent(a, prefs)
			return nil
		}); ferr != nil {
			return r.finishItem(log, res, out, store.ItemFailedEnrichment, ferr)
		}
		res.UsedFallback = true
		out.UsedFallback = true
	}
	out.Insight = marshalRaw(in)

	var rendered string
	if err := runStage(StageRender, func() error {
		rendered = formatting.RenderStudent(a, in)
		return nil
	}); err != nil {
		return r.finishItem(log, res, out, store.ItemFailedRender, err)
	}
	res.Rendered = rendered
	out.Rendered = &rendered

	r.applyMemory(ctx, log, memory.KindStudent, s.ID, func() memory.Contribution {
		return memory.StudentContribution(r.id, o.now(), a, in, res.UsedFallback)
	})
	return r.finishItem(log, res, out, store.ItemSucceeded, nil)
}

// priorMemory loads the snapshot used as prompt context. A missing or
// unreadable snapshot only means the prompt goes without history.
func (r *run) priorMemory(ctx context.Context, log *logger.Logger, kind memory.Kind, id string) *memory.Snapshot {
	snap, err := r.o.memory.Load(ctx, kind, id)
	if err != nil {
		log.Warn("memory read failed, enriching without history", "stage", StageMemory, "error", err)
		return nil
	}
	if snap.IsNew() {
		return nil
	}
	return &snap
}

// applyMemory folds a produced insight into memory. Failures are logged and
// never undo the insight.
func (r *run) applyMemory(ctx context.Context, log *logger.Logger, kind memory.Kind, id string, contribution func() memory.Contribution) {
	if err := runStage(StageMemory, func() error {
		_, res := r.o.memory.Apply(ctx, kind, id, contribution())
		r.stopOn(ctx, res)
		if !res.OK() {
			return res
		}
		return nil
	}); err != nil {
		log.Warn("memory update failed, insight kept", "stage", StageMemory, "error", err)
	}
}

func (r *run) abortReason() error {
	if r.canceled() {
		return fmt.Errorf("%w: %v", errRunCanceled, context.Cause(r.ctx))
	}
	return errRunCanceled
}

// finishItem writes the outcome row and reports the item to events and
// metrics. Audit failures are logged by the store and otherwise ignored.
func (r *run) finishItem(log *logger.Logger, res ItemResult, out store.ItemOutcome, status store.ItemStatus, err error) ItemResult {
	o := r.o
	res.Status = status
	out.Status = status
	out.RecordedAt = o.now()
	if err != nil {
		msg := err.Error()
		res.Error = msg
		out.Error = &msg
	}
	if status != store.ItemSucceeded {
		out.Rendered = nil
		res.Rendered = ""
	}
	if err := runStage(StageAudit, func() error {
		if ar := o.audit.RecordItemOutcome(r.auditCtx(), out); !ar.OK() {
			r.stopOn(r.auditCtx(), ar)
			return ar
		}
		return nil
	}); err != nil {
		log.Warn("item outcome not recorded", "stage", StageAudit, "error", err)
	}

	o.metrics.RecordItem(status == store.ItemSucceeded, res.UsedFallback)
	o.bus.Publish(events.ItemProcessed{RunID: r.id, ItemID: res.ItemID, Status: string(status), UsedFallback: res.UsedFallback})
	switch status {
	case store.ItemSucceeded:
		log.Info("item processed", "status", status, "used_fallback", res.UsedFallback)
	case store.ItemAborted:
		log.Warn("item aborted", "status", status, "error", res.Error)
	default:
		log.Error("item failed", "status", status, "error", res.Error)
	}
	return res
}

// processGroup aggregates the successful analyses and produces the group
// insight. It only runs after every item has reached a terminal outcome.
func (r *run) processGroup(analyses []analysis.Analysis) GroupResult {
	o := r.o
	ctx := r.ctx
	log := r.log.With("stage", StageGroup)
	res := GroupResult{}
	out := store.GroupOutcome{RunID: r.id}

	finish := func(status store.ItemStatus, err error) GroupResult {
		res.Status = status
		out.Status = status
		out.RecordedAt = o.now()
		if err != nil {
			msg := err.Error()
			res.Error = msg
			out.Error = &msg
		}
		if status != store.ItemSucceeded {
			res.Rendered = ""
			out.Rendered = nil
		}
		o.audit.RecordGroupOutcome(r.auditCtx(), out)
		o.metrics.RecordGroup(status == store.ItemSucceeded, res.UsedFallback)
		if err != nil {
			log.Error("group stage failed", "status", status, "error", err)
		} else {
			log.Info("group stage finished", "used_fallback", res.UsedFallback)
		}
		return res
	}

	var summary analysis.GroupSummary
	if err := runStage(StageGroup, func() error {
		summary = analysis.Aggregate(analyses)
		return nil
	}); err != nil {
		return finish(store.ItemFailedAnalysis, err)
	}
	out.Summary = marshalRaw(summary)

	prefs := o.prefs.ForGroup()
	var raw string
	if err := runStage(StageEnrich, func() error {
		var err error
		raw, err = o.enricher.EnrichGroup(ctx, enrich.GroupRequest{
			Summary:     summary,
			Memory:      r.priorMemory(ctx, log, memory.KindGroup, memory.GroupEntityID),
			Preferences: prefs,
		})
		return err
	}); err != nil {
		if r.canceled() {
			return finish(store.ItemAborted, r.abortReason())
		}
		return finish(store.ItemFailedEnrichment, err)
	}

	var in insights.GroupInsight
	if err := runStage(StageContract, func() error {
		parsed := insights.ParseGroup(raw)
		if !parsed.OK() {
			return contractViolation(parsed.Errors)
		}
		in = parsed.Value
		return nil
	}); err != nil {
		if raw != "" {
			log.Warn("group enrichment output rejected, using fallback", "error", err)
		}
		if ferr := runStage(StageFallback, func() error {
			in = insights.FallbackGroup(summary, prefs)
			return nil
		}); ferr != nil {
			return finish(store.ItemFailedEnrichment, ferr)
		}
		res.UsedFallback = true
		out.UsedFallback = true
	}
	out.Insight = marshalRaw(in)

	var rendered string
	if err := runStage(StageRender, func() error {
		rendered = formatting.RenderGroup(summary, in)
		return nil
	}); err != nil {
		return finish(store.ItemFailedRender, err)
	}
	res.Rendered = rendered
	out.Rendered = &rendered

	r.applyMemory(ctx, log, memory.KindGroup, memory.GroupEntityID, func() memory.Contribution {
		return memory.GroupContribution(r.id, o.now(), summary, in, res.UsedFallback)
	})
	return finish(store.ItemSucceeded, nil)
}
