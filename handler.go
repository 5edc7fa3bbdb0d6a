package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/DarlingtonDeveloper/fiscal-relay/breaker"
	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/queue"
	"github.com/DarlingtonDeveloper/fiscal-relay/reconcile"
)

const (
	defaultListLimit = 50
	maxBodyBytes     = 1 << 20
)

// Handler provides the ingress endpoint and the ops API.
type Handler struct {
	queue    EventQueue
	proc     *Processor
	breakers *breaker.Registry
	rec      Reconciler
}

// NewHandler creates the HTTP handler. breakers and rec may be nil.
func NewHandler(q EventQueue, breakers *breaker.Registry, rec Reconciler) *Handler {
	return &Handler{queue: q, proc: NewProcessor(q), breakers: breakers, rec: rec}
}

// Routes returns a chi.Router with all endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Post("/events", h.handleEvent)

	r.Get("/queue/stats", h.handleQueueStats)
	r.Get("/queue/items", h.handleQueueList)
	r.Get("/queue/items/{itemID}", h.handleQueueGet)
	r.Post("/queue/items/{itemID}/requeue", h.handleRequeue)

	r.Get("/breakers", h.handleBreakers)

	r.Get("/reconciliation", h.handleReconcileStatus)
	r.Post("/reconciliation/run", h.handleReconcileRun)
	r.Get("/discrepancies", h.handleDiscrepancyList)
	r.Get("/discrepancies/stats", h.handleDiscrepancyStats)
	r.Post("/discrepancies/{id}/resolve", h.handleResolve)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev IngressEvent
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	ack, err := h.proc.Accept(ev)
	if err != nil {
		if fault.IsPermanent(err) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("accept event failed", "event_id", ev.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event not stored, retry later"})
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

func (h *Handler) handleQueueList(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	switch status {
	case "", queue.StatusPending, queue.StatusProcessing, queue.StatusDead:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
		return
	}
	writeJSON(w, http.StatusOK, h.queue.List(status, limitParam(r)))
}

func (h *Handler) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	it, err := h.queue.Get(chi.URLParam(r, "itemID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "queue item not found"})
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	it, err := h.queue.Requeue(itemID)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "queue item not found"})
		return
	case errors.Is(err, queue.ErrNotDead):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "queue item is not dead-lettered"})
		return
	case err != nil:
		slog.Error("requeue failed", "item_id", itemID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	slog.Info("queue item requeued", "item_id", itemID)
	writeJSON(w, http.StatusOK, it)
}

func (h *Handler) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	if h.breakers == nil {
		writeJSON(w, http.StatusOK, []breaker.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, h.breakers.Snapshots())
}

func (h *Handler) handleReconcileStatus(w http.ResponseWriter, _ *http.Request) {
	if !h.reconcileEnabled(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.rec.Status())
}

// handleReconcileRun starts a sweep in the background and answers 202.
// With wait=true it blocks and answers with the report.
func (h *Handler) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	if !h.reconcileEnabled(w) {
		return
	}
	mode := reconcile.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = reconcile.ModeQuick
	}
	if mode != reconcile.ModeFull && mode != reconcile.ModeQuick {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mode must be full or quick"})
		return
	}
	limit := limitParam(r)

	if r.URL.Query().Get("wait") == "true" {
		report, err := h.rec.Run(r.Context(), mode, limit)
		if err != nil {
			h.writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if st := h.rec.Status(); st.Phase == reconcile.PhaseRunning {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "reconciliation already running", "status": st})
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := h.rec.Run(ctx, mode, limit); err != nil && !errors.Is(err, reconcile.ErrBusy) {
			slog.Error("reconcile run failed", "mode", mode, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "mode": string(mode)})
}

func (h *Handler) writeRunError(w http.ResponseWriter, err error) {
	var busy *reconcile.BusyError
	if errors.As(err, &busy) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "reconciliation already running", "status": busy.State})
		return
	}
	slog.Error("reconcile run failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (h *Handler) handleDiscrepancyList(w http.ResponseWriter, r *http.Request) {
	if !h.reconcileEnabled(w) {
		return
	}
	opts := reconcile.ListOpts{
		Status:   reconcile.Status(r.URL.Query().Get("status")),
		Severity: reconcile.Severity(r.URL.Query().Get("severity")),
		Type:     reconcile.Type(r.URL.Query().Get("type")),
		Limit:    limitParam(r),
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}

	items, err := h.rec.List(r.Context(), opts)
	if err != nil {
		slog.Error("list discrepancies failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if items == nil {
		items = []reconcile.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleDiscrepancyStats(w http.ResponseWriter, r *http.Request) {
	if !h.reconcileEnabled(w) {
		return
	}
	stats, err := h.rec.Stats(r.Context())
	if err != nil {
		slog.Error("discrepancy stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type resolveRequest struct {
	Resolution reconcile.Status `json:"resolution"`
	Notes      string           `json:"notes"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	if !h.reconcileEnabled(w) {
		return
	}
	id := chi.URLParam(r, "id")

	var req resolveRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	d, err := h.rec.Resolve(r.Context(), id, req.Resolution, req.Notes)
	switch {
	case errors.Is(err, reconcile.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "discrepancy not found"})
		return
	case fault.IsPermanent(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "resolution must be resolved or ignored"})
		return
	case err != nil:
		slog.Error("resolve discrepancy failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) reconcileEnabled(w http.ResponseWriter) bool {
	if h.rec == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reconciliation disabled"})
		return false
	}
	return true
}

func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
