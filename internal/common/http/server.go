// internal/common/http/server.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Logger is the subset of the structured logger the ops server needs.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// OpsServer serves /health, /ready and /metrics next to the main workload.
type OpsServer struct {
	srv    *http.Server
	ready  atomic.Bool
	logger Logger
}

func NewOpsServer(addr string, log Logger) *OpsServer {
	s := &OpsServer{logger: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeStatus(w, http.StatusServiceUnavailable, "starting")
			return
		}
		writeStatus(w, http.StatusOK, "ready")
	})
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the mux, mainly for tests.
func (s *OpsServer) Handler() http.Handler {
	return s.srv.Handler
}

// SetReady flips the /ready probe.
func (s *OpsServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start listens in the background. Errors other than a clean shutdown are logged.
func (s *OpsServer) Start() {
	go func() {
		s.logger.Info("ops server listening", map[string]interface{}{"address": s.srv.Addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}

func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}
