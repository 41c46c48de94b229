package runtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/loqalabs/loqa-dictate/internal/cache"
	"github.com/loqalabs/loqa-dictate/internal/insert"
	"github.com/loqalabs/loqa-dictate/internal/workflow"
)

const defaultListLimit = 50

func (r *Runtime) router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimiddleware.RequestID)
	mux.Use(chimiddleware.RealIP)
	mux.Use(chimiddleware.Recoverer)

	mux.Get("/healthz", r.handleHealth)
	mux.Get("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Method(http.MethodGet, "/metrics", r.metrics)
	}

	mux.Route("/v1", func(v chi.Router) {
		v.Get("/status", r.handleStatus)
		v.Get("/stats", r.handleStats)
		v.Get("/agents", r.handleAgents)
		v.Get("/sessions", r.handleSessions)
		v.Get("/sessions/{id}/events", r.handleSessionEvents)
		v.Post("/hotkey/{action}", r.handleHotkey)
		v.Post("/undo", r.handleUndo)
	})
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]string{}
	if r.ready.Load() {
		checks["runtime"] = "ok"
	} else {
		checks["runtime"] = "starting"
	}
	if r.cfg.Bus.Enabled {
		if r.bus != nil && r.bus.Healthy() {
			checks["bus"] = "ok"
		} else {
			checks["bus"] = "disconnected"
		}
	}
	if r.presence != nil {
		if missing := r.presence.Missing(); len(missing) > 0 {
			checks["agents"] = "missing: " + strings.Join(missing, ",")
		} else {
			checks["agents"] = "ok"
		}
	}

	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, map[string]any{"status": statusStr(status), "checks": checks})
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.orch.Status())
}

func (r *Runtime) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow": r.monitor.Stats(),
		"caches":   []cache.Stats{r.recCache.Stats(), r.enhCache.Stats()},
		"usage":    r.usage.Snapshot(),
	})
}

func (r *Runtime) handleAgents(w http.ResponseWriter, _ *http.Request) {
	if r.presence == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bus disabled"})
		return
	}
	list := r.presence.Agents()
	writeJSON(w, http.StatusOK, map[string]any{"agents": list, "count": len(list), "missing": r.presence.Missing()})
}

// handleSessions lists finished sessions, newest first. ?source=archive
// reads the event store instead of the in-memory history.
func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit, err := parseLimit(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if req.URL.Query().Get("source") == "archive" {
		if !r.store.Enabled() {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "event store disabled"})
			return
		}
		sessions, err := r.store.ListSessions(req.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
		return
	}

	history := r.orch.History()
	if len(history) > limit {
		history = history[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": history, "count": len(history)})
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(chi.URLParam(req, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session ID"})
		return
	}
	limit, err := parseLimit(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), id.String(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (r *Runtime) handleHotkey(w http.ResponseWriter, req *http.Request) {
	var action func() error
	switch chi.URLParam(req, "action") {
	case "activate":
		action = r.orch.Activate
	case "deactivate":
		action = r.orch.Deactivate
	case "cancel":
		action = r.orch.Cancel
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown hotkey action"})
		return
	}

	if err := action(); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, workflow.ErrBusy):
			status = http.StatusTooManyRequests
		case errors.Is(err, workflow.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (r *Runtime) handleUndo(w http.ResponseWriter, req *http.Request) {
	sessionID, err := r.orch.UndoLast(req.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, insert.ErrNothingToUndo) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func parseLimit(req *http.Request) (int, error) {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func statusStr(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "unhealthy"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
