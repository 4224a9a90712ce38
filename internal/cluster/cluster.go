// Package cluster aggregates readings across the hub/spoke topology.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wasihub/wasihub/internal/log"
	"github.com/wasihub/wasihub/internal/metrics"
	"github.com/wasihub/wasihub/internal/model"
	"github.com/wasihub/wasihub/internal/storage"
)

// HTTPClient is the client used to push readings to the hub.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ServiceConfig is the configuration of the aggregation service.
type ServiceConfig struct {
	Cluster    model.ClusterConfig
	Repository storage.ReadingsRepository
	Client     HTTPClient
	Recorder   metrics.Recorder
	// PushTimeout bounds a single push attempt so a slow hub cannot
	// stall the poll loop. Pushes are never retried.
	PushTimeout time.Duration
	Logger      log.Logger
}

func (c *ServiceConfig) defaults() error {
	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("invalid cluster config: %w", err)
	}

	if c.Repository == nil {
		return fmt.Errorf("readings repository is required")
	}

	if c.Client == nil {
		c.Client = &http.Client{}
	}

	if c.Recorder == nil {
		c.Recorder = metrics.Noop
	}

	if c.PushTimeout <= 0 {
		c.PushTimeout = 5 * time.Second
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "cluster.Service", "role": string(c.Cluster.Role)})

	return nil
}

// Service merges readings into the node's state and, on spokes, pushes
// them to the hub after every cycle.
type Service struct {
	cluster    model.ClusterConfig
	repository storage.ReadingsRepository
	client     HTTPClient
	recorder   metrics.Recorder
	timeout    time.Duration
	logger     log.Logger
}

// NewService creates a new aggregation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		cluster:    cfg.Cluster,
		repository: cfg.Repository,
		client:     cfg.Client,
		recorder:   cfg.Recorder,
		timeout:    cfg.PushTimeout,
		logger:     cfg.Logger,
	}, nil
}

// ProcessCycle merges a cycle's local readings into the node state. On
// spoke nodes it then makes a single push attempt to the hub; a failed
// push is logged and the readings dropped, the next cycle will carry
// fresh values anyway.
func (s *Service) ProcessCycle(ctx context.Context, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	if err := s.repository.UpsertReadings(ctx, readings); err != nil {
		return fmt.Errorf("could not store local readings: %w", err)
	}

	if s.cluster.Role != model.NodeRoleSpoke {
		return nil
	}

	if err := s.push(ctx, readings); err != nil {
		s.recorder.IncPush(false)
		s.logger.Warningf("Push to hub failed, dropping %d readings: %s", len(readings), err)
		return nil
	}
	s.recorder.IncPush(true)

	return nil
}

// MergePush merges readings pushed by a spoke into this node's state.
// Last write wins per producer id.
func (s *Service) MergePush(ctx context.Context, readings []model.Reading) error {
	if s.cluster.Role != model.NodeRoleHub {
		return fmt.Errorf("only hub nodes accept pushes: %w", model.ErrNotValid)
	}

	if err := s.repository.UpsertReadings(ctx, readings); err != nil {
		return fmt.Errorf("could not merge pushed readings: %w", err)
	}
	s.recorder.AddPushedReadingsReceived(len(readings))

	s.logger.Debugf("Merged %d pushed readings", len(readings))
	return nil
}

// State returns the node's merged readings and the last update time.
// A zero time means nothing has been stored yet.
func (s *Service) State(ctx context.Context) ([]model.Reading, time.Time, error) {
	readings, err := s.repository.ListReadings(ctx)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("could not list readings: %w", err)
	}

	lastUpdate, err := s.repository.LastUpdate(ctx)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, time.Time{}, fmt.Errorf("could not get last update: %w", err)
	}

	return readings, lastUpdate, nil
}

func (s *Service) push(ctx context.Context, readings []model.Reading) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(pushRequest{Readings: readings})
	if err != nil {
		return fmt.Errorf("could not marshal push body: %w", err)
	}

	url := s.cluster.HubURL + "/push"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub returned status %d", resp.StatusCode)
	}

	return nil
}

type pushRequest struct {
	Readings []model.Reading `json:"readings"`
}
