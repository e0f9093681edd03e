package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/wsmux/internal/connection"
	"github.com/rickgao/wsmux/internal/mux"
	"github.com/rickgao/wsmux/internal/recorder"
	"github.com/rickgao/wsmux/internal/status"
)

// pinger is satisfied by pgxpool.Pool.
type pinger interface {
	Ping(ctx context.Context) error
}

type healthDeps struct {
	db       pinger
	observer *status.Observer
	keys     []string // Connection keys to report
	mux      *mux.Mux
	registry *connection.Registry
	recorder *recorder.Recorder
	logger   *slog.Logger
}

type connectionHealth struct {
	Status  string `json:"status"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
	Since   string `json:"since,omitempty"`
}

type healthResponse struct {
	Status      string                      `json:"status"`
	Database    string                      `json:"database"`
	Connections map[string]connectionHealth `json:"connections"`
	Mux         *mux.Stats                  `json:"mux,omitempty"`
	Recorder    *recorder.Stats             `json:"recorder,omitempty"`
}

type connectionInfo struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	URL     string `json:"url"`
	State   string `json:"state"`
	Refs    int    `json:"refs"`
	Attempt int    `json:"attempt,omitempty"`
}

// newHealthHandler serves the health check at path plus a connection
// listing under /debug/connections. Health is healthy when the database
// answers and every connection is open, degraded while any connection is
// (re)connecting, and unhealthy otherwise.
func newHealthHandler(path string, deps healthDeps) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get(path, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := healthResponse{
			Status:      "healthy",
			Database:    "connected",
			Connections: make(map[string]connectionHealth, len(deps.keys)),
		}

		if deps.db != nil {
			if err := deps.db.Ping(ctx); err != nil {
				resp.Status = "unhealthy"
				resp.Database = err.Error()
			}
		}

		for _, key := range deps.keys {
			tr, ok := deps.observer.Last(key)
			if !ok {
				resp.Connections[key] = connectionHealth{Status: "unknown"}
				resp.degrade()
				continue
			}

			ch := connectionHealth{
				Status:  tr.Status.String(),
				Attempt: tr.Attempt,
				Since:   tr.At.UTC().Format(time.RFC3339),
			}
			if tr.Err != nil {
				ch.Error = tr.Err.Error()
			}
			resp.Connections[key] = ch

			switch {
			case tr.Status.Terminal():
				resp.Status = "unhealthy"
			case tr.Status != status.Open:
				resp.degrade()
			}
		}

		if deps.mux != nil {
			s := deps.mux.Stats()
			resp.Mux = &s
		}
		if deps.recorder != nil {
			s := deps.recorder.Stats()
			resp.Recorder = &s
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, resp, deps.logger)
	})

	router.Get("/debug/connections", func(w http.ResponseWriter, _ *http.Request) {
		infos := []connectionInfo{}
		if deps.registry != nil {
			for _, c := range deps.registry.Connections() {
				infos = append(infos, connectionInfo{
					ID:      c.ID(),
					Key:     c.Key(),
					URL:     c.URL(),
					State:   c.State().String(),
					Refs:    c.Refs(),
					Attempt: c.Attempt(),
				})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, infos, deps.logger)
	})

	return router
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Warn("write response", "error", err)
	}
}

func (r *healthResponse) degrade() {
	if r.Status == "healthy" {
		r.Status = "degraded"
	}
}
