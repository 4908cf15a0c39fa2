// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package api serves stored variants, extractions, aggregates and stage
// records over a read-only HTTP interface for downstream consumers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/metrics"
	"github.com/pdiddy/evidence-engine/internal/store"
)

// Handler serves the store.
type Handler struct {
	store   store.Store
	metrics *metrics.Collectors
	logger  *zap.Logger
}

// New returns a Handler over s. m and logger may be nil.
func New(s store.Store, m *metrics.Collectors, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: s, metrics: m, logger: logger}
}

// Attach registers the routes on r.
func (h *Handler) Attach(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", h.metrics.Handler())

	r.Route("/variants", func(r chi.Router) {
		r.Get("/", h.handleVariants)
		r.Get("/{id}", h.handleVariant)
		r.Get("/{id}/stages", h.handleStages)
		r.Get("/{id}/extractions", h.handleExtractions)
		r.Get("/{id}/extractions/{pmid}", h.handleExtraction)
		r.Get("/{id}/aggregate", h.handleAggregate)
	})
}

// Router returns the full route tree with request logging and recovery.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	h.Attach(r)
	return r
}

// Serve listens on addr until ctx is cancelled, then drains in-flight
// requests for up to ten seconds.
func (h *Handler) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		h.logger.Info("api listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJson(w, map[string]string{"status": "ok"})
}

func (h *Handler) handleVariants(w http.ResponseWriter, r *http.Request) {
	variants, err := h.store.ListVariants(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJson(w, variants)
}

func (h *Handler) handleVariant(w http.ResponseWriter, r *http.Request) {
	v, err := h.store.GetVariant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJson(w, v)
}

func (h *Handler) handleStages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetVariant(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	stages, err := h.store.ListStages(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJson(w, stages)
}

func (h *Handler) handleExtractions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetVariant(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	extractions, err := h.store.ListExtractions(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJson(w, extractions)
}

func (h *Handler) handleExtraction(w http.ResponseWriter, r *http.Request) {
	pmid, err := strconv.Atoi(chi.URLParam(r, "pmid"))
	if err != nil || pmid <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("pmid must be a positive integer"))
		return
	}
	e, err := h.store.GetExtraction(r.Context(), chi.URLParam(r, "id"), pmid)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJson(w, e)
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetAggregate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJson(w, a)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.logger.Error("store read failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJson(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}
