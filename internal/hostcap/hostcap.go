// Package hostcap implements the capability provider: the closed set of
// host operations that sandboxed units are allowed to call. It owns the
// shared LED output buffer and routes every physical operation through
// a bounded pool of blocking-capable workers.
package hostcap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wasihub/wasihub/internal/hal"
	"github.com/wasihub/wasihub/internal/log"
	"github.com/wasihub/wasihub/internal/model"
)

// ServiceConfig is the configuration for the capability provider.
type ServiceConfig struct {
	HAL      hal.Provider
	LEDCount int
	Workers  int
	Logger   log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.HAL == nil {
		return fmt.Errorf("hal provider is required")
	}
	if c.LEDCount <= 0 {
		c.LEDCount = 11
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "hostcap.Service"})
	return nil
}

// Service mediates all hardware access for sandboxed units and for the
// HTTP actuator endpoint. Stateless except for the output buffer.
type Service struct {
	hal    hal.Provider
	buffer *LEDBuffer
	pool   *workerPool
	logger log.Logger
}

// NewService creates a new capability provider.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		hal:    cfg.HAL,
		buffer: NewLEDBuffer(cfg.LEDCount),
		pool:   newWorkerPool(cfg.Workers),
		logger: cfg.Logger,
	}, nil
}

// Transfer performs one bus transaction on a pool worker. A hardware
// failure comes back as a model.ErrHardware so the calling unit can
// decide whether to retry; it never aborts the host.
func (s *Service) Transfer(ctx context.Context, addr uint8, write []byte, readLen int) ([]byte, error) {
	var (
		result []byte
		herr   error
	)
	err := s.pool.run(ctx, func() {
		result, herr = s.hal.Transfer(context.Background(), addr, write, readLen)
	})
	if err != nil {
		return nil, err
	}
	if herr != nil {
		if errors.Is(herr, model.ErrHardware) {
			return nil, herr
		}
		return nil, fmt.Errorf("bus transfer to 0x%02x failed: %s: %w", addr, herr, model.ErrHardware)
	}

	return result, nil
}

// StageLED stages one output channel. No hardware is touched.
func (s *Service) StageLED(channel int, r, g, b uint8) {
	s.buffer.Stage(channel, hal.Color{R: r, G: g, B: b})
}

// StageAllLEDs stages every output channel with the same color.
func (s *Service) StageAllLEDs(r, g, b uint8) {
	s.buffer.StageAll(hal.Color{R: r, G: g, B: b})
}

// ClearLEDs stages black on every channel.
func (s *Service) ClearLEDs() {
	s.buffer.Clear()
}

// FlushLEDs performs the single physical write of the staged array.
// Called exactly once per poll cycle by the orchestrator, after every
// unit has run.
func (s *Service) FlushLEDs(ctx context.Context) error {
	snapshot := s.buffer.Snapshot()

	var herr error
	err := s.pool.run(ctx, func() {
		herr = s.hal.WriteLEDs(context.Background(), snapshot)
	})
	if err != nil {
		return err
	}
	if herr != nil {
		return fmt.Errorf("led flush failed: %s: %w", herr, model.ErrHardware)
	}

	s.logger.Debugf("Flushed %d output channels", len(snapshot))
	return nil
}

// PulseGPIO toggles a pin count times with the given on/off durations.
// Used by the actuator control endpoint (e.g. buzzer test patterns).
func (s *Service) PulseGPIO(ctx context.Context, pin uint8, count int, onDur, offDur time.Duration) error {
	var herr error
	err := s.pool.run(ctx, func() {
		for i := 0; i < count; i++ {
			// The relay is active low.
			if herr = s.hal.WriteGPIO(context.Background(), pin, false); herr != nil {
				return
			}
			time.Sleep(onDur)
			if herr = s.hal.WriteGPIO(context.Background(), pin, true); herr != nil {
				return
			}
			time.Sleep(offDur)
		}
	})
	if err != nil {
		return err
	}
	if herr != nil {
		return fmt.Errorf("gpio pulse on pin %d failed: %s: %w", pin, herr, model.ErrHardware)
	}

	return nil
}

// TimestampMS returns the current unix timestamp in milliseconds.
func (s *Service) TimestampMS() uint64 {
	return uint64(time.Now().UnixMilli())
}

// CPUTemp returns the CPU temperature in Celsius.
func (s *Service) CPUTemp(ctx context.Context) (float32, error) {
	var (
		temp float32
		herr error
	)
	err := s.pool.run(ctx, func() {
		temp, herr = s.hal.CPUTemp(context.Background())
	})
	if err != nil {
		return 0, err
	}
	return temp, herr
}

// MemoryUsage returns used and total system memory in MB.
func (s *Service) MemoryUsage(ctx context.Context) (used, total uint32, err error) {
	var herr error
	perr := s.pool.run(ctx, func() {
		used, total, herr = s.hal.MemoryUsage(context.Background())
	})
	if perr != nil {
		return 0, 0, perr
	}
	return used, total, herr
}

// Uptime returns the system uptime in seconds.
func (s *Service) Uptime(ctx context.Context) (uint64, error) {
	var (
		up   uint64
		herr error
	)
	err := s.pool.run(ctx, func() {
		up, herr = s.hal.Uptime(context.Background())
	})
	if err != nil {
		return 0, err
	}
	return up, herr
}

// LEDCount returns the number of output channels.
func (s *Service) LEDCount() int { return s.buffer.Len() }

// Close stops the worker pool.
func (s *Service) Close() { s.pool.close() }
