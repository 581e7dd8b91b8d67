package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shellvault/shellvault/internal/logger"
	"github.com/shellvault/shellvault/internal/query"
	"github.com/shellvault/shellvault/internal/storage"
)

// Handler exposes the query service over a read-only JSON API. It
// carries no write path and no access control; the listener should stay
// on localhost.
type Handler struct {
	svc    *query.Service
	logger *logger.Logger
}

// NewHandler creates API route handlers over a query service
func NewHandler(svc *query.Service) *Handler {
	return &Handler{
		svc:    svc,
		logger: logger.GetLogger().API(),
	}
}

// NewRouter creates a chi router with all read endpoints mounted
func NewRouter(svc *query.Service) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/commands/recent", h.RecentCommands)
	r.Get("/api/commands/search", h.SearchCommands)
	r.Get("/api/stats/daily", h.DailyStats)
	r.Get("/api/stats/frequency", h.CommandFrequency)
	r.Get("/api/stats/errors", h.ErrorAnalysis)

	return r
}

// Serve runs the HTTP server until the context is cancelled
func Serve(ctx context.Context, addr string, svc *query.Service) error {
	log := logger.GetLogger().API()

	server := &http.Server{
		Addr:         addr,
		Handler:      NewRouter(svc),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Read API listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// RecentCommands handles GET /api/commands/recent?limit=
func (h *Handler) RecentCommands(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	commands, err := h.svc.RecentCommands(limit)
	if err != nil {
		h.internalError(w, err, "recent commands failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commands": commands})
}

// SearchCommands handles GET /api/commands/search?q=&from=&to=
// from/to are RFC 3339 timestamps and must be supplied together.
func (h *Handler) SearchCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("q is required"))
		return
	}

	var from, to *time.Time
	fromRaw, toRaw := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if fromRaw != "" || toRaw != "" {
		f, errF := time.Parse(time.RFC3339, fromRaw)
		t, errT := time.Parse(time.RFC3339, toRaw)
		if errF != nil || errT != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("from and to must be RFC 3339 timestamps"))
			return
		}
		from, to = &f, &t
	}

	matches, err := h.svc.SearchCommands(q, from, to)
	if err != nil {
		h.internalError(w, err, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matches": matches})
}

// DailyStats handles GET /api/stats/daily?date=
func (h *Handler) DailyStats(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date != "" {
		if _, err := time.Parse(storage.DateLayout, date); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("date must be YYYY-MM-DD"))
			return
		}
	}

	stat, err := h.svc.DailyStats(date)
	if err != nil {
		h.internalError(w, err, "daily stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

// CommandFrequency handles GET /api/stats/frequency?days=
func (h *Handler) CommandFrequency(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.CommandFrequency(daysParam(r, 7))
	if err != nil {
		h.internalError(w, err, "frequency analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commands": counts})
}

// ErrorAnalysis handles GET /api/stats/errors?days=
func (h *Handler) ErrorAnalysis(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.ErrorAnalysis(daysParam(r, 7))
	if err != nil {
		h.internalError(w, err, "error analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commands": counts})
}

func (h *Handler) internalError(w http.ResponseWriter, err error, msg string) {
	h.logger.WithError(err).Error().Msg(msg)
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

func daysParam(r *http.Request, fallback int) int {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		return fallback
	}
	return days
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.GetLogger().API().WithError(err).Error().Msg("Failed to encode response")
	}
}

type errResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}
