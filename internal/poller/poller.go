// Package poller runs the periodic cycle that drives the whole host:
// reload checks, unit invocations, the single output flush and the
// cluster aggregation handoff.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wasihub/wasihub/internal/log"
	"github.com/wasihub/wasihub/internal/metrics"
	"github.com/wasihub/wasihub/internal/model"
	"github.com/wasihub/wasihub/internal/sandbox"
)

// UnitRunner serializes access to unit instances and hot reloads them.
type UnitRunner interface {
	CheckAndReload(ctx context.Context, name string) error
	WithInstance(ctx context.Context, name string, fn func(ctx context.Context, inst sandbox.Instance) error) error
}

// Aggregator receives each cycle's readings and serves the merged state.
type Aggregator interface {
	ProcessCycle(ctx context.Context, readings []model.Reading) error
	State(ctx context.Context) ([]model.Reading, time.Time, error)
}

// Flusher writes the staged output buffer to the hardware.
type Flusher interface {
	FlushLEDs(ctx context.Context) error
}

// ServiceConfig is the configuration for the poll orchestrator.
type ServiceConfig struct {
	Interval   time.Duration
	NodeID     string
	Units      []model.Unit
	Runner     UnitRunner
	Aggregator Aggregator
	Flusher    Flusher
	Recorder   metrics.Recorder
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.NodeID == "" {
		return fmt.Errorf("node id is required")
	}
	if c.Runner == nil {
		return fmt.Errorf("unit runner is required")
	}
	if c.Aggregator == nil {
		return fmt.Errorf("aggregator is required")
	}
	if c.Flusher == nil {
		return fmt.Errorf("flusher is required")
	}
	if c.Recorder == nil {
		c.Recorder = metrics.Noop
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "poller.Service"})
	return nil
}

// Service is the poll orchestrator. One instance runs per process.
type Service struct {
	interval   time.Duration
	nodeID     string
	units      []model.Unit
	runner     UnitRunner
	aggregator Aggregator
	flusher    Flusher
	recorder   metrics.Recorder
	logger     log.Logger
}

// NewService creates a new poll orchestrator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		interval:   cfg.Interval,
		nodeID:     cfg.NodeID,
		units:      cfg.Units,
		runner:     cfg.Runner,
		aggregator: cfg.Aggregator,
		flusher:    cfg.Flusher,
		recorder:   cfg.Recorder,
		logger:     cfg.Logger,
	}, nil
}

// Run executes poll cycles at the configured interval until ctx is
// canceled. A cycle that overruns the interval does not pile up: the
// tick that fired during it is dropped and the next cycle starts on a
// fresh interval.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Infof("Poll loop started (interval %s)", s.interval)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("Poll loop stopped")
			return ctx.Err()
		case <-t.C:
		}

		s.runCycle(ctx)

		select {
		case <-t.C:
			s.recorder.IncCycleSkipped()
			s.logger.Warningf("Cycle overran the poll interval, skipping one tick")
		default:
		}
	}
}

// runCycle executes one poll cycle: every enabled unit in config order,
// then exactly one output flush, then the aggregation handoff. A unit
// failure never aborts the cycle; its result is simply omitted.
func (s *Service) runCycle(ctx context.Context) {
	start := time.Now()
	logger := s.logger.WithValues(log.Kv{"cycle": ulid.Make().String()})

	var (
		readings  []model.Reading
		stateJSON string
	)
	for _, unit := range s.units {
		if !unit.Enabled {
			continue
		}

		if err := s.runner.CheckAndReload(ctx, unit.Name); err != nil {
			logger.Errorf("Reload check of %q failed: %s", unit.Name, err)
		}

		switch unit.Kind {
		case model.UnitKindSensor:
			rs, err := s.pollUnit(ctx, unit.Name)
			s.recorder.IncUnitInvocation(unit.Name, err == nil)
			if err != nil {
				logger.Errorf("Poll of %q failed: %s", unit.Name, err)
				continue
			}
			readings = append(readings, rs...)
		case model.UnitKindDisplay:
			if stateJSON == "" {
				var err error
				stateJSON, err = s.stateJSON(ctx)
				if err != nil {
					logger.Errorf("Could not build state for displays: %s", err)
					continue
				}
			}
			err := s.runner.WithInstance(ctx, unit.Name, func(ctx context.Context, inst sandbox.Instance) error {
				return inst.Update(ctx, stateJSON)
			})
			s.recorder.IncUnitInvocation(unit.Name, err == nil)
			if err != nil {
				logger.Errorf("Update of %q failed: %s", unit.Name, err)
			}
		case model.UnitKindUI:
			// UI units render on demand from the HTTP handler, not here.
		}
	}

	if err := s.flusher.FlushLEDs(ctx); err != nil {
		s.recorder.IncFlush(false)
		logger.Errorf("Output flush failed: %s", err)
	} else {
		s.recorder.IncFlush(true)
	}

	if err := s.aggregator.ProcessCycle(ctx, readings); err != nil {
		logger.Errorf("Cycle aggregation failed: %s", err)
	}

	s.recorder.ObserveCycleDuration(time.Since(start))
	logger.Debugf("Cycle finished with %d readings in %s", len(readings), time.Since(start))
}

// pollUnit invokes a sensor unit and namespaces its producer ids with
// the node id so readings from different nodes never collide on the hub.
func (s *Service) pollUnit(ctx context.Context, name string) ([]model.Reading, error) {
	var readings []model.Reading
	err := s.runner.WithInstance(ctx, name, func(ctx context.Context, inst sandbox.Instance) error {
		rs, err := inst.Poll(ctx)
		if err != nil {
			return err
		}
		readings = rs
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range readings {
		readings[i].ProducerID = fmt.Sprintf("%s:%s", s.nodeID, readings[i].ProducerID)
	}

	return readings, nil
}

// stateJSON serializes the node's merged state the way display and UI
// units expect it.
func (s *Service) stateJSON(ctx context.Context) (string, error) {
	readings, lastUpdate, err := s.aggregator.State(ctx)
	if err != nil {
		return "", err
	}

	return MarshalState(readings, lastUpdate)
}

// MarshalState serializes merged readings into the JSON document passed
// to display and UI units.
func MarshalState(readings []model.Reading, lastUpdate time.Time) (string, error) {
	var lastMS uint64
	if !lastUpdate.IsZero() {
		lastMS = uint64(lastUpdate.UnixMilli())
	}

	doc := struct {
		Readings     []model.Reading `json:"readings"`
		LastUpdateMS uint64          `json:"last_update_ms"`
	}{Readings: readings, LastUpdateMS: lastMS}
	if doc.Readings == nil {
		doc.Readings = []model.Reading{}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("could not marshal state: %w", err)
	}

	return string(data), nil
}
