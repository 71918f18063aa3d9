package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"student_insights/analysis"
	"student_insights/enrich"
	"student_insights/formatting"
	"student_insights/insights"
	"student_insights/internal/events"
	"student_insights/internal/logger"
	"student_insights/internal/persist"
	"student_insights/internal/store"
	"student_insights/memory"
	"student_insights/metrics"
	"student_insights/queue"
	"student_insights/students"
)

// ErrRunInProgress is matched by the error returned when a run is rejected
// because another one is active.
var ErrRunInProgress = errors.New("run already in progress")

// InFlightError identifies the run that caused a rejection.
type InFlightError struct {
	RunID string
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRunInProgress, e.RunID)
}

func (e *InFlightError) Is(target error) bool { return target == ErrRunInProgress }

// Notifier receives the short run report after a run finishes.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Config controls batch execution.
type Config struct {
	InputPath   string
	Workers     int
	ItemTimeout time.Duration
}

// Deps are the collaborators of the orchestrator. Audit, Memory and
// Enricher are required; the rest may be nil.
type Deps struct {
	Audit       *store.Store
	Memory      *memory.Store
	Enricher    enrich.Enricher
	Preferences *insights.PreferencesSet
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Notifier    Notifier
	Log         *logger.Logger
}

// RunState describes the in-flight run.
type RunState struct {
	RunID     string    `json:"run_id"`
	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"started_at"`
}

// ItemResult is the per-item outcome reported to callers.
type ItemResult struct {
	Index        int              `json:"index"`
	ItemID       string           `json:"item_id"`
	Name         string           `json:"name"`
	Status       store.ItemStatus `json:"status"`
	UsedFallback bool             `json:"used_fallback"`
	Error        string           `json:"error,omitempty"`
	Rendered     string           `json:"rendered,omitempty"`

	computed *analysis.Analysis
}

// GroupResult is the group-stage outcome.
type GroupResult struct {
	Status       store.ItemStatus `json:"status"`
	UsedFallback bool             `json:"used_fallback"`
	Error        string           `json:"error,omitempty"`
	Rendered     string           `json:"rendered,omitempty"`
}

// RunSummary is returned by RunOnce once the run has a terminal status.
type RunSummary struct {
	RunID            string          `json:"run_id"`
	Trigger          string          `json:"trigger"`
	Status           store.RunStatus `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
	Total            int             `json:"total"`
	Valid            int             `json:"valid"`
	Succeeded        int             `json:"succeeded"`
	Failed           int             `json:"failed"`
	Aborted          int             `json:"aborted"`
	Fallbacks        int             `json:"fallbacks"`
	ValidationErrors []string        `json:"validation_errors,omitempty"`
	Items            []ItemResult    `json:"items,omitempty"`
	Group            *GroupResult    `json:"group,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Orchestrator executes batch runs, one at a time.
type Orchestrator struct {
	cfg      Config
	audit    *store.Store
	memory   *memory.Store
	enricher enrich.Enricher
	prefs    *insights.PreferencesSet
	bus      *events.Bus
	metrics  *metrics.Metrics
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time
	newRunID func(time.Time) string

	mu     sync.Mutex
	active *RunState
}

// New builds an orchestrator. Workers below one fall back to sequential
// processing.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	o := &Orchestrator{
		cfg:      cfg,
		audit:    deps.Audit,
		memory:   deps.Memory,
		enricher: deps.Enricher,
		prefs:    deps.Preferences,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		notifier: deps.Notifier,
		log:      deps.Log,
		now:      func() time.Time { return time.Now().UTC() },
		newRunID: NewRunID,
	}
	if o.enricher == nil {
		o.enricher = enrich.Disabled{}
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	return o
}

// NewRunID returns a sortable, collision-resistant run identifier.
func NewRunID(at time.Time) string {
	return at.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// Active reports the in-flight run, if any.
func (o *Orchestrator) Active() (RunState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return RunState{}, false
	}
	return *o.active, true
}

// Metrics exposes the shared counters.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// RunOnce executes one batch over the configured input file.
func (o *Orchestrator) RunOnce(ctx context.Context) (RunSummary, error) {
	return o.Run(ctx, "manual")
}

// Run executes one batch and tags it with the trigger that started it. A
// concurrent call is rejected immediately with *InFlightError.
func (o *Orchestrator) Run(ctx context.Context, trigger string) (RunSummary, error) {
	state, err := o.acquire(trigger)
	if err != nil {
		o.metrics.RunRejected()
		o.log.Warn("run rejected", "trigger", trigger, "in_flight_run_id", err.(*InFlightError).RunID)
		return RunSummary{}, err
	}
	defer o.release()
	return o.execute(ctx, state), nil
}

// Start claims the run slot synchronously and executes the run in the
// background. done, if set, receives the summary.
func (o *Orchestrator) Start(ctx context.Context, trigger string, done func(RunSummary)) (RunState, error) {
	state, err := o.acquire(trigger)
	if err != nil {
		o.metrics.RunRejected()
		o.log.Warn("run rejected", "trigger", trigger, "in_flight_run_id", err.(*InFlightError).RunID)
		return RunState{}, err
	}
	go func() {
		defer o.release()
		summary := o.execute(ctx, state)
		if done != nil {
			done(summary)
		}
	}()
	return state, nil
}

// Trigger runs a batch and only logs a rejection. It suits fire-and-forget
// callers like the scheduler and the file watcher.
func (o *Orchestrator) Trigger(ctx context.Context, trigger string) {
	if _, err := o.Run(ctx, trigger); err != nil {
		o.log.Info("trigger skipped", "trigger", trigger, "error", err)
	}
}

func (o *Orchestrator) execute(ctx context.Context, state RunState) RunSummary {
	o.metrics.RunStarted()
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r := &run{
		o:       o,
		id:      state.RunID,
		ctx:     runCtx,
		halt:    cancel,
		log:     o.log.With("run_id", state.RunID),
		summary: RunSummary{RunID: state.RunID, Trigger: state.Trigger, StartedAt: state.StartedAt},
	}
	r.execute()
	return r.summary
}

func (o *Orchestrator) acquire(trigger string) (RunState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return RunState{}, &InFlightError{RunID: o.active.RunID}
	}
	now := o.now()
	state := RunState{RunID: o.newRunID(now), Trigger: trigger, StartedAt: now}
	o.active = &state
	return state, nil
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.active = nil
	o.mu.Unlock()
}

// run holds the state of a single execution.
type run struct {
	o       *Orchestrator
	id      string
	ctx     context.Context
	halt    context.CancelCauseFunc
	log     *logger.Logger
	summary RunSummary

	mu    sync.Mutex
	items []*ItemResult
}

// auditCtx keeps audit writes alive after the run context is canceled so
// aborted items still get their rows.
func (r *run) auditCtx() context.Context {
	return context.WithoutCancel(r.ctx)
}

func (r *run) canceled() bool { return r.ctx.Err() != nil }

// stopOn halts the run when a persistence result demands it. A stop caused
// by the item's own deadline stays local to that item.
func (r *run) stopOn(itemCtx context.Context, res persist.Result) {
	if !res.Stop() || errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
		return
	}
	r.log.Error("persistence failure stops the run", "op", res.Op, "error", res.Err)
	r.halt(res)
}

func (r *run) execute() {
	o := r.o
	r.log.Info("run started", "trigger", r.summary.Trigger, "input", o.cfg.InputPath)

	validation, err := students.LoadFile(o.cfg.InputPath)
	if err == nil && validation.IsInputShapeFailure() {
		err = &students.InputShapeError{Reason: validation.Errors[0]}
	}
	if err != nil {
		r.summary.ValidationErrors = validation.Errors
		r.log.Error("input rejected", "stage", StageValidate, "error", err)
		r.start(validation)
		r.finish(store.RunFailedInput, err.Error())
		return
	}
	r.summary.Total = validation.Total
	r.summary.Valid = len(validation.Valid)
	r.summary.ValidationErrors = validation.Errors
	for _, msg := range validation.Errors {
		r.log.Warn("record rejected", "stage", StageValidate, "error", msg)
	}
	r.start(validation)

	if len(validation.Valid) == 0 {
		r.finish(store.RunNoValidItems, "")
		return
	}

	r.processItems(validation.Valid)

	var analyses []analysis.Analysis
	for _, item := range r.items {
		r.tally(item)
		if item.computed != nil {
			analyses = append(analyses, *item.computed)
		}
	}

	switch {
	case r.canceled():
		r.finish(store.RunFailed, fmt.Sprintf("run aborted: %v", context.Cause(r.ctx)))
	case len(analyses) == 0:
		r.finish(store.RunNoSuccessfulAnalyses, "")
	default:
		group := r.processGroup(analyses)
		r.summary.Group = &group
		switch {
		case r.canceled():
			r.finish(store.RunFailed, fmt.Sprintf("run aborted: %v", context.Cause(r.ctx)))
		case group.Status != store.ItemSucceeded:
			r.finish(store.RunCompletedWithGroupFailure, group.Error)
		default:
			r.finish(store.RunCompleted, "")
		}
	}
}

func (r *run) start(v students.ValidationResult) {
	r.o.audit.StartRun(r.auditCtx(), store.RunStats{
		RunID:            r.id,
		StartedAt:        r.summary.StartedAt,
		TotalCount:       v.Total,
		ValidCount:       len(v.Valid),
		ValidationErrors: v.Errors,
	})
	r.o.bus.Publish(events.RunStarted{
		RunID:     r.id,
		Trigger:   r.summary.Trigger,
		Total:     v.Total,
		Valid:     len(v.Valid),
		StartedAt: r.summary.StartedAt,
	})
}

func (r *run) finish(status store.RunStatus, errMsg string) {
	o := r.o
	at := o.now()
	r.summary.Status = status
	r.summary.FinishedAt = at
	r.summary.Error = errMsg
	o.audit.FinishRun(r.auditCtx(), r.id, status, errMsg, at)
	o.metrics.RunFinished(r.id, string(status), at)
	o.bus.Publish(events.RunFinished{RunID: r.id, Status: string(status), FinishedAt: at})

	kv := []any{"status", status, "total", r.summary.Total, "valid", r.summary.Valid,
		"succeeded", r.summary.Succeeded, "failed", r.summary.Failed, "aborted", r.summary.Aborted,
		"fallbacks", r.summary.Fallbacks, "duration_ms", at.Sub(r.summary.StartedAt).Milliseconds()}
	if errMsg != "" {
		r.log.Warn("run finished", append(kv, "error", errMsg)...)
	} else {
		r.log.Info("run finished", kv...)
	}
	r.notify()
}

func (r *run) notify() {
	if r.o.notifier == nil {
		return
	}
	digest := formatting.RunDigest{
		RunID:     r.id,
		Status:    string(r.summary.Status),
		Total:     r.summary.Total,
		Valid:     r.summary.Valid,
		Succeeded: r.summary.Succeeded,
		Failed:    r.summary.Failed + r.summary.Aborted,
		Fallbacks: r.summary.Fallbacks,
	}
	for _, item := range r.summary.Items {
		if item.computed != nil && item.computed.NeedsAttention {
			digest.Attention = append(digest.Attention, item.Name)
		}
	}
	if err := r.o.notifier.Notify(r.auditCtx(), formatting.BuildRunMessage(digest)); err != nil {
		r.log.Warn("run notification failed", "error", err)
	}
}

func (r *run) tally(item *ItemResult) {
	switch item.Status {
	case store.ItemSucceeded:
		r.summary.Succeeded++
	case store.ItemAborted:
		r.summary.Aborted++
	default:
		r.summary.Failed++
	}
	if item.UsedFallback {
		r.summary.Fallbacks++
	}
	r.summary.Items = append(r.summary.Items, *item)
}

// processItems fans the valid records out on a bounded queue. With one
// worker items complete strictly in input order. Records the queue never
// reached are marked aborted once the workers have exited.
func (r *run) processItems(valid []students.Student) {
	o := r.o
	r.items = make([]*ItemResult, len(valid))
	q := queue.New(len(valid), o.cfg.Workers, o.cfg.ItemTimeout, r.log)
	q.Start(r.ctx)
	for i, s := range valid {
		i, s := i, s
		ok := q.Enqueue(queue.Job{
			ID:     s.ID,
			Source: "run:" + r.id,
			Work: func(ctx context.Context) error {
				res := r.processItem(ctx, i, s)
				r.setItem(i, &res)
				return nil
			},
			OnFinish: func(err error) {
				if err == nil || r.item(i) != nil {
					return
				}
				res := r.finishItem(r.log.With("item_id", s.ID), ItemResult{Index: i, ItemID: s.ID, Name: s.Name},
					store.ItemOutcome{RunID: r.id, ItemID: s.ID, Name: s.Name}, store.ItemFailedAnalysis, err)
				r.setItem(i, &res)
			},
		})
		if !ok {
			r.log.Error("item not queued", "item_id", s.ID)
		}
	}
	stats := q.Stats()
	o.metrics.UpdateQueue(stats.Length, stats.Capacity, stats.WorkerCount)
	q.Stop(context.Background())
	o.metrics.UpdateQueue(0, stats.Capacity, stats.WorkerCount)

	for i, s := range valid {
		if r.items[i] != nil {
			continue
		}
		reason := "run aborted before item was processed"
		if r.canceled() {
			reason = fmt.Sprintf("%s: %v", reason, context.Cause(r.ctx))
		}
		res := r.finishItem(r.log.With("item_id", s.ID), ItemResult{Index: i, ItemID: s.ID, Name: s.Name},
			store.ItemOutcome{RunID: r.id, ItemID: s.ID, Name: s.Name}, store.ItemAborted, errors.New(reason))
		r.items[i] = &res
	}
}

func (r *run) setItem(i int, res *ItemResult) {
	r.mu.Lock()
	r.items[i] = res
	r.mu.Unlock()
}

func (r *run) item(i int) *ItemResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[i]
}
