package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-recorder/internal/coordinator"
	"github.com/loqalabs/loqa-recorder/internal/eventstore"
)

type journalReader interface {
	ListEvents(ctx context.Context, limit int) ([]eventstore.Event, error)
}

type statusHandlers struct {
	ready   func() bool
	state   func() coordinator.Snapshot
	journal journalReader
	log     *slog.Logger
}

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	h := &statusHandlers{
		ready: func() bool {
			if !r.ready.Load() {
				return false
			}
			return !r.cfg.Bus.Enabled || r.bus.Healthy()
		},
		state:   r.coord.Snapshot,
		journal: r.journal,
		log:     r.logger,
	}
	return h.mux(metrics)
}

func (h *statusHandlers) mux(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/readyz", h.handleReady)
	mux.HandleFunc("/state", h.handleState)
	mux.HandleFunc("/journal", h.handleJournal)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (h *statusHandlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *statusHandlers) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (h *statusHandlers) handleState(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.state())
}

func (h *statusHandlers) handleJournal(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := h.journal.ListEvents(req.Context(), limit)
	if err != nil {
		h.log.Warn("journal query failed", slog.String("error", err.Error()))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	h.writeJSON(w, events)
}

func (h *statusHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}
