package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"student_insights/internal/events"
	"student_insights/internal/logger"
	"student_insights/internal/pipeline"
	"student_insights/internal/store"
	"student_insights/memory"
)

// Router builds HTTP handlers for /api and /ops.
type Router struct {
	base   context.Context
	orch   *pipeline.Orchestrator
	audit  *store.Store
	memory *memory.Store
	bus    *events.Bus
	log    *logger.Logger
}

// NewRouter wires the handlers. base is the context background runs are
// started with, so they outlive the triggering request.
func NewRouter(base context.Context, orch *pipeline.Orchestrator, audit *store.Store, mem *memory.Store, bus *events.Bus, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Nop()
	}
	return &Router{base: base, orch: orch, audit: audit, memory: mem, bus: bus, log: log}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/runs", r.startRun)
	mux.HandleFunc("GET /api/runs", r.runs)
	mux.HandleFunc("GET /api/runs/{id}", r.runDetail)
	mux.HandleFunc("GET /api/students/{id}/insight", r.studentInsight)
	mux.HandleFunc("GET /api/students/{id}/memory", r.studentMemory)
	mux.HandleFunc("GET /api/group/insight", r.groupInsight)
	mux.HandleFunc("GET /ops/status", r.status)
	mux.HandleFunc("GET /ops/health", r.health)
	mux.HandleFunc("GET /ops/events", r.events)
}

func (r *Router) startRun(w http.ResponseWriter, req *http.Request) {
	state, err := r.orch.Start(r.base, "http", nil)
	var inflight *pipeline.InFlightError
	if errors.As(err, &inflight) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		writeJSON(w, r.log, map[string]any{"error": pipeline.ErrRunInProgress.Error(), "run_id": inflight.RunID})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, r.log, state)
}

func (r *Router) runs(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if raw := req.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(v, 200)
	}
	list, err := r.audit.ListRuns(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []store.Run{}
	}
	r.respondJSON(w, list)
}

func (r *Router) runDetail(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := req.PathValue("id")
	run, err := r.audit.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, req)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	items, err := r.audit.ItemOutcomes(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []store.ItemOutcome{}
	}
	var group *store.GroupOutcome
	if g, err := r.audit.GroupOutcome(ctx, id); err == nil {
		group = &g
	} else if !errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.respondJSON(w, map[string]any{"run": run, "items": items, "group": group})
}

func (r *Router) studentInsight(w http.ResponseWriter, req *http.Request) {
	rec, err := r.audit.LatestInsight(req.Context(), req.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, req)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.respondJSON(w, rec)
}

func (r *Router) studentMemory(w http.ResponseWriter, req *http.Request) {
	snap, err := r.memory.Load(req.Context(), memory.KindStudent, req.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snap.IsNew() {
		http.NotFound(w, req)
		return
	}
	r.respondJSON(w, snap)
}

func (r *Router) groupInsight(w http.ResponseWriter, req *http.Request) {
	rec, err := r.audit.LatestGroupInsight(req.Context())
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, req)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.respondJSON(w, rec)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	recent, err := r.audit.ListRuns(req.Context(), 5)
	if err != nil {
		r.log.Warn("status: list runs failed", "error", err)
	}
	payload := map[string]any{
		"metrics":     r.orch.Metrics().Snapshot(),
		"recent_runs": recent,
	}
	if active, ok := r.orch.Active(); ok {
		payload["active_run"] = active
	}
	r.respondJSON(w, payload)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.audit.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams run events as server-sent events until the client leaves.
func (r *Router) events(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub := r.bus.Subscribe()
	defer r.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				r.log.Warn("event encode failed", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", events.Name(ev), data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (r *Router) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, r.log, payload)
}

func writeJSON(w http.ResponseWriter, log *logger.Logger, payload any) {
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn("write json failed", "error", err)
	}
}
