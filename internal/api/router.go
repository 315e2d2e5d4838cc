package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/skyguard-core/internal/journal"
	"github.com/nerrad567/skyguard-core/internal/monitor"
)

// healthCheckTimeout bounds each component check.
const healthCheckTimeout = 3 * time.Second

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.With(s.requireToken).Post("/evaluate", s.handleEvaluate)
		r.With(s.requireToken).Get("/ws", s.handleWebSocket)

		r.Route("/transitions", func(r chi.Router) {
			r.Get("/", s.handleListTransitions)
			r.Get("/{id}", s.handleGetTransition)
		})
	})

	return r
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: s.version}

	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
		names := make([]string, 0, len(s.checks))
		for name := range s.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := s.checks[name].HealthCheck(ctx)
			cancel()
			if err != nil {
				resp.Status = "degraded"
				resp.Checks[name] = err.Error()
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	t, err := s.scheduler.Trigger(r.Context())
	switch {
	case errors.Is(err, monitor.ErrBusy):
		writeError(w, http.StatusConflict, ErrCodeConflict, "an evaluation is already in progress")
		return
	case errors.Is(err, monitor.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "evaluation scheduler is not running")
		return
	case err != nil:
		s.logger.Error("triggered evaluation failed", "error", err)
		writeInternalError(w, "evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "journal is not configured")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		Action:  q.Get("action"),
		Outcome: q.Get("outcome"),
	}

	var err error
	if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing transitions", "error", err)
		writeInternalError(w, "failed to list transitions")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetTransition(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "journal is not configured")
		return
	}

	entry, err := s.journal.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, journal.ErrNotFound) {
		writeNotFound(w, "transition not found")
		return
	}
	if err != nil {
		s.logger.Error("reading transition", "error", err)
		writeInternalError(w, "failed to read transition")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// queryInt parses an optional non-negative integer query value.
func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}
