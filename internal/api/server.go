// Package api provides the engine's read-only operator HTTP surface:
// liveness, instance inspection, and a Prometheus /metrics passthrough.
// Strategy CRUD and the browser UI are out of scope; this is
// intentionally thin.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/metrics"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// InstanceLister is the subset of scheduler.Manager the API needs.
// Defined here rather than imported so this package doesn't depend on
// internal/scheduler for a handful of read-only accessors.
type InstanceLister interface {
	Get(id string) (*types.StrategyInstance, bool)
	List() []*types.StrategyInstance
}

// envelope is the public response shape from spec.md §7:
// {success, data?, error?, meta}.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

// Config configures the HTTP server.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         8090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (c Config) addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Server is the operator HTTP server.
type Server struct {
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	instances  InstanceLister
	startedAt  time.Time
}

// NewServer creates a Server. metricsReg may be nil, in which case
// /metrics is not registered.
func NewServer(logger *zap.Logger, config Config, instances InstanceLister, metricsReg *metrics.Registry) *Server {
	s := &Server{
		logger:    logger,
		config:    config,
		router:    mux.NewRouter(),
		instances: instances,
		startedAt: time.Now(),
	}
	s.setupRoutes(metricsReg)
	return s
}

func (s *Server) setupRoutes(metricsReg *metrics.Registry) {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/instances", s.handleListInstances).Methods(http.MethodGet)
	s.router.HandleFunc("/instances/{id}", s.handleGetInstance).Methods(http.MethodGet)
	if metricsReg != nil {
		s.router.Handle("/metrics", metricsReg.Handler()).Methods(http.MethodGet)
	}
}

// Start runs the HTTP server. It blocks until Stop triggers a shutdown,
// returning nil in that case rather than http.ErrServerClosed.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.config.addr(),
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting operator HTTP server", zap.String("addr", s.config.addr()))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down, the last rung of the process
// shutdown ladder.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, inst := range s.instances.List() {
		if inst.Status == types.StatusRunning {
			running++
		}
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data: map[string]interface{}{
			"status":  "healthy",
			"uptime":  time.Since(s.startedAt).String(),
			"running": running,
		},
	})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances := s.instances.List()
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    instances,
		Meta:    map[string]interface{}{"count": len(instances)},
	})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, ok := s.instances.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "instance not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: inst})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
