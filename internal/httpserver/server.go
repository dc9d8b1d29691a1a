package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"slicer3d/internal/errs"
	"slicer3d/internal/slicer"
)

// ====== DEPENDENCIES ======

// Cluster is the raft membership the API exposes.
type Cluster interface {
	ID() string
	State() string
	Leader() string
	Join(id, addr string) error
	Leave(id string) error
}

// Server is the HTTP API of the slicing service.
type Server struct {
	svc     *slicer.Service
	cluster Cluster
	events  http.Handler
	sink    *metrics.InmemSink
	logger  hclog.Logger

	// Background slices run under ctx and are waited for on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	router *mux.Router
	http   *http.Server
}

type Option func(*Server)

func WithLogger(l hclog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithEvents serves h on /websocket.
func WithEvents(h http.Handler) Option {
	return func(s *Server) {
		s.events = h
	}
}

// WithMetrics serves the sink on /api/v1/metrics.
func WithMetrics(sink *metrics.InmemSink) Option {
	return func(s *Server) {
		s.sink = sink
	}
}

// ====== SERVER START ======

func New(svc *slicer.Service, cluster Cluster, opts ...Option) *Server {
	s := &Server{
		svc:     svc,
		cluster: cluster,
		logger:  hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	if s.events != nil {
		r.Handle("/websocket", s.events)
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	// Profiles
	api.HandleFunc("/profiles", s.listProfiles).Methods("GET")
	api.HandleFunc("/profiles/import", s.importProfile).Methods("POST")
	api.HandleFunc("/profiles/{name}", s.getProfile).Methods("GET")
	api.HandleFunc("/profiles/{name}", s.deleteProfile).Methods("DELETE")
	api.HandleFunc("/profiles/{name}/export", s.exportProfile).Methods("GET")
	api.HandleFunc("/profiles/{name}/editable", s.getEditable).Methods("GET")
	api.HandleFunc("/profiles/{name}/editable", s.saveEditable).Methods("PUT")
	api.HandleFunc("/profiles/{name}/default", s.setDefault).Methods("POST")

	// Slices
	api.HandleFunc("/slices", s.createSlice).Methods("POST")
	api.HandleFunc("/slices", s.listSlices).Methods("GET")
	api.HandleFunc("/slices/cancel", s.cancelSlice).Methods("POST")

	// Cluster
	api.HandleFunc("/cluster/join", s.joinHandler).Methods("POST")
	api.HandleFunc("/cluster/leave", s.leaveHandler).Methods("POST")

	api.HandleFunc("/engine", s.engineHandler).Methods("GET")
	api.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves the API on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting HTTP server", "address", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels background slices and waits
// for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// ====== HELPERS ======

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnknownProfile):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrProfileExists), errors.Is(err, errs.ErrJobInProgress):
		return http.StatusConflict
	}
	return kindStatus(errs.KindOf(err))
}

func kindStatus(kind errs.Kind) int {
	switch kind {
	case errs.KindProfileLoad, errs.KindInvalid, errs.KindModel:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

// ====== HANDLERS ======

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"node":   s.cluster.ID(),
		"state":  s.cluster.State(),
		"leader": s.cluster.Leader(),
		"jobs":   len(s.svc.Jobs()),
		"engine": s.svc.Engine(),
	})
}

func (s *Server) engineHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Engine())
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		http.Error(w, "Metrics are not enabled", http.StatusNotFound)
		return
	}
	summary, err := s.sink.DisplayMetrics(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Cluster ---

type joinRequest struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

func (s *Server) joinHandler(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.Address == "" {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.cluster.Join(req.ID, req.Address); err != nil {
		http.Error(w, "Failed to join cluster: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// leaveHandler removes the node named in the body, or this node.
func (s *Server) leaveHandler(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
	}
	if req.ID == "" {
		req.ID = s.cluster.ID()
	}
	if err := s.cluster.Leave(req.ID); err != nil {
		http.Error(w, "Failed to leave cluster: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": req.ID, "status": "removed"})
}
