// Package httpapi serves the operational HTTP surface: health, Prometheus
// metrics, and a read-only view of the audit journal behind basic auth.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/openkim/kimgate/config"
	"github.com/openkim/kimgate/journal"
	"github.com/openkim/kimgate/logger"
)

type Server struct {
	cfg     config.HTTPAPIConfig
	journal *journal.Journal
	srv     *http.Server
}

func New(cfg config.HTTPAPIConfig, j *journal.Journal) *Server {
	s := &Server{cfg: cfg, journal: j}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/journal/recent", s.requireAuth(s.handleJournalRecent)).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	logger.Info("HTTP API listening", "addr", s.cfg.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// requireAuth wraps a handler with basic auth checked against the bcrypt
// hash from the configuration.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthUser == "" || s.cfg.AuthPassHash == "" {
			http.Error(w, "endpoint disabled", http.StatusForbidden)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AuthUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.cfg.AuthPassHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="kimgate"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleJournalRecent(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		logger.Error("failed to read journal", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
