// Package status serves the updater's progress, version and metrics over
// HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/store"
	"github.com/sparkyfit/updater/internal/update"
)

const (
	defaultHistoryLimit = 10
	shutdownTimeout     = 5 * time.Second
)

// HistoryLister returns the most recent update cycles.
type HistoryLister interface {
	Recent(ctx context.Context, limit int) ([]store.HistoryEntry, error)
}

// Response is the body of GET /system/updates/status.
type Response struct {
	InstanceID string               `json:"instance_id,omitempty"`
	Version    update.VersionRecord `json:"version"`
	State      string               `json:"state"`
	Available  *update.PackageInfo  `json:"available,omitempty"`
	LastError  string               `json:"last_error,omitempty"`
	History    []store.HistoryEntry `json:"history,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Server exposes the orchestrator read-only.
type Server struct {
	o          *update.Orchestrator
	versions   update.VersionStore
	history    HistoryLister
	gatherer   prometheus.Gatherer
	instanceID string
	router     *mux.Router
}

// NewServer builds the router. history may be nil.
func NewServer(o *update.Orchestrator, versions update.VersionStore, history HistoryLister, gatherer prometheus.Gatherer, instanceID string) *Server {
	s := &Server{
		o:          o,
		versions:   versions,
		history:    history,
		gatherer:   gatherer,
		instanceID: instanceID,
		router:     mux.NewRouter(),
	}
	s.router.HandleFunc("/system/updates/progress", s.handleProgress).Methods(http.MethodGet)
	s.router.HandleFunc("/system/updates/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})).Methods(http.MethodGet)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Infof("status endpoint listening on http://%s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("status endpoint stopped")
	return nil
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.o.GetProgress(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.versions.Current()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := Response{
		InstanceID: s.instanceID,
		Version:    rec,
		State:      s.o.State().String(),
		Available:  s.o.Available(),
	}
	if lastErr := s.o.LastError(); lastErr != nil {
		resp.LastError = lastErr.Error()
	}

	if s.history != nil {
		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
				return
			}
			limit = n
		}
		resp.History, err = s.history.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("failed to write status response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		log.Errorf("status handler error: %v", err)
	}
	writeJSON(w, code, errorResponse{Message: err.Error(), Code: code})
}
