// Package server exposes the node's HTTP surface: the cluster push
// endpoint, the readings API, actuator control, the unit-rendered
// dashboard and operational endpoints.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wasihub/wasihub/internal/hostcap"
	"github.com/wasihub/wasihub/internal/log"
	"github.com/wasihub/wasihub/internal/model"
	"github.com/wasihub/wasihub/internal/poller"
	"github.com/wasihub/wasihub/internal/sandbox"
)

// HTTPClient is the client used to forward actuator requests to peers.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Merger accepts reading pushes from spoke nodes.
type Merger interface {
	MergePush(ctx context.Context, readings []model.Reading) error
}

// ServerConfig is the configuration for the HTTP server.
type ServerConfig struct {
	ListenAddress string
	Cluster       model.ClusterConfig
	BuzzerPin     uint8
	// UIUnit is the name of the unit that renders the dashboard, empty
	// if the node has none.
	UIUnit     string
	Runner     poller.UnitRunner
	Aggregator poller.Aggregator
	Merger     Merger
	Caps       *hostcap.Service
	Client     HTTPClient
	Gatherer   prometheus.Gatherer
	Logger     log.Logger
}

func (c *ServerConfig) defaults() error {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("invalid cluster config: %w", err)
	}
	if c.Runner == nil {
		return fmt.Errorf("unit runner is required")
	}
	if c.Aggregator == nil {
		return fmt.Errorf("aggregator is required")
	}
	if c.Cluster.Role == model.NodeRoleHub && c.Merger == nil {
		return fmt.Errorf("hub nodes require a merger")
	}
	if c.Caps == nil {
		return fmt.Errorf("capability service is required")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.NewRegistry()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "server.Server"})
	return nil
}

// Server is the node's HTTP server.
type Server struct {
	server     *http.Server
	cluster    model.ClusterConfig
	buzzerPin  uint8
	uiUnit     string
	runner     poller.UnitRunner
	aggregator poller.Aggregator
	merger     Merger
	caps       *hostcap.Service
	client     HTTPClient
	logger     log.Logger
}

// NewServer creates a new HTTP server with all routes registered.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		cluster:    cfg.Cluster,
		buzzerPin:  cfg.BuzzerPin,
		uiUnit:     cfg.UIUnit,
		runner:     cfg.Runner,
		aggregator: cfg.Aggregator,
		merger:     cfg.Merger,
		caps:       cfg.Caps,
		client:     cfg.Client,
		logger:     cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /push", s.handlePush)
	mux.HandleFunc("GET /api/readings", s.handleReadings)
	mux.HandleFunc("POST /api/actuator/control", s.handleActuatorControl)
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.server = &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: mux,
	}

	return s, nil
}

// Run starts the server and blocks until ctx is cancelled. It performs
// a graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("HTTP server listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
		s.logger.Infof("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown error: %w", err)
		}
		return nil
	}
}

// Handler returns the server's root handler, used by tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

type pushRequest struct {
	Readings []model.Reading `json:"readings"`
}

// handlePush merges readings pushed by a spoke into this hub's state.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	req := pushRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %s", err), http.StatusBadRequest)
		return
	}

	if s.merger == nil {
		http.Error(w, "node does not accept pushes", http.StatusBadRequest)
		return
	}

	if err := s.merger.MergePush(r.Context(), req.Readings); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrNotValid) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleReadings serves the node's merged state. The document is the
// same one display and UI units receive.
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	readings, lastUpdate, err := s.aggregator.State(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	doc, err := poller.MarshalState(readings, lastUpdate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, doc)
}

type actuatorControlRequest struct {
	Node    string `json:"node"`
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// handleActuatorControl runs a test pattern on this node's hardware or,
// on hubs, forwards the request to the peer that owns it.
func (s *Server) handleActuatorControl(w http.ResponseWriter, r *http.Request) {
	req := actuatorControlRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %s", err), http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	if req.Node != "" && req.Node != s.cluster.NodeID {
		s.forwardActuatorControl(w, r, req)
		return
	}

	if err := s.runPattern(r.Context(), req.Pattern, req.Count); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrNotValid) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// runPattern executes one of the known actuator test patterns locally.
func (s *Server) runPattern(ctx context.Context, pattern string, count int) error {
	switch pattern {
	case "beep":
		return s.caps.PulseGPIO(ctx, s.buzzerPin, count, 100*time.Millisecond, 100*time.Millisecond)
	case "blink":
		for i := 0; i < count; i++ {
			s.caps.StageAllLEDs(255, 255, 255)
			if err := s.caps.FlushLEDs(ctx); err != nil {
				return err
			}
			time.Sleep(200 * time.Millisecond)
			s.caps.ClearLEDs()
			if err := s.caps.FlushLEDs(ctx); err != nil {
				return err
			}
			time.Sleep(200 * time.Millisecond)
		}
		return nil
	case "clear":
		s.caps.ClearLEDs()
		return s.caps.FlushLEDs(ctx)
	default:
		return fmt.Errorf("pattern %q is unknown: %w", pattern, model.ErrNotValid)
	}
}

// forwardActuatorControl relays the request to the peer node that owns
// the target hardware.
func (s *Server) forwardActuatorControl(w http.ResponseWriter, r *http.Request, req actuatorControlRequest) {
	base, ok := s.cluster.Peers[req.Node]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown node %q", req.Node), http.StatusBadGateway)
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	url := base + "/api/actuator/control"
	fwd, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fwd.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(fwd)
	if err != nil {
		s.logger.Warningf("Could not forward actuator control to %q: %s", req.Node, err)
		http.Error(w, fmt.Sprintf("could not reach node %q", req.Node), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleDashboard lets the node's UI unit render the root page. The
// unit gets a reload check first so an updated dashboard binary shows
// up without waiting for a poll cycle.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.uiUnit == "" {
		http.Error(w, "no ui unit configured", http.StatusNotFound)
		return
	}

	if err := s.runner.CheckAndReload(r.Context(), s.uiUnit); err != nil {
		s.logger.Errorf("Reload check of %q failed: %s", s.uiUnit, err)
	}

	readings, lastUpdate, err := s.aggregator.State(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stateJSON, err := poller.MarshalState(readings, lastUpdate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var html string
	err = s.runner.WithInstance(r.Context(), s.uiUnit, func(ctx context.Context, inst sandbox.Instance) error {
		var rerr error
		html, rerr = inst.Render(ctx, stateJSON)
		return rerr
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrNotLoaded) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, html)
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}
