package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is the snapshot served by the admin /stats endpoint.
type Stats struct {
	Connections int     `json:"connections"`
	Online      int     `json:"online"`
	Users       []int64 `json:"users"`
}

func (s *Server) GetStats() Stats {
	s.mu.Lock()
	connections := len(s.clients)
	s.mu.Unlock()

	users := s.sessions.Online()
	return Stats{
		Connections: connections,
		Online:      len(users),
		Users:       users,
	}
}

// AdminRouter serves operational endpoints: /healthz, /stats and /metrics.
func (s *Server) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		if err := s.store.Ping(ctx); err != nil {
			s.log.Warn("health check failed", "err", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.GetStats())
	})

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	return r
}
