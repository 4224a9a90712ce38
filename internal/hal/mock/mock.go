// Package mock provides a hal.Provider that touches no hardware. It is
// the default on development machines and the backend for most tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/wasihub/wasihub/internal/hal"
	"github.com/wasihub/wasihub/internal/log"
)

// ProviderConfig is the configuration for the mock provider.
type ProviderConfig struct {
	Logger log.Logger
}

func (c *ProviderConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "hal.Mock"})
	return nil
}

// Provider is a mock implementation of hal.Provider. It logs every
// operation and records the last LED write so tests can assert on the
// physical flush behavior.
type Provider struct {
	mu        sync.Mutex
	ledWrites int
	lastLEDs  []hal.Color
	gpio      map[uint8]bool
	logger    log.Logger
}

// NewProvider creates a new mock provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Provider{
		gpio:   map[uint8]bool{},
		logger: cfg.Logger,
	}, nil
}

func (p *Provider) Transfer(ctx context.Context, addr uint8, write []byte, readLen int) ([]byte, error) {
	p.logger.Debugf("Bus transfer addr=0x%02x write=%d read=%d", addr, len(write), readLen)
	return make([]byte, readLen), nil
}

func (p *Provider) WriteGPIO(ctx context.Context, pin uint8, level bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gpio[pin] = level
	p.logger.Debugf("GPIO pin=%d level=%t", pin, level)
	return nil
}

func (p *Provider) WriteLEDs(ctx context.Context, colors []hal.Color) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ledWrites++
	p.lastLEDs = append([]hal.Color(nil), colors...)
	p.logger.Debugf("LED strip write: %d channels", len(colors))
	return nil
}

func (p *Provider) CPUTemp(ctx context.Context) (float32, error) { return 45.0, nil }

func (p *Provider) MemoryUsage(ctx context.Context) (used, total uint32, err error) {
	return 512, 4096, nil
}

func (p *Provider) Uptime(ctx context.Context) (uint64, error) { return 3600, nil }

// LEDWrites returns the number of physical LED strip writes performed.
func (p *Provider) LEDWrites() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledWrites
}

// LastLEDs returns a copy of the last written LED strip state.
func (p *Provider) LastLEDs() []hal.Color {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]hal.Color(nil), p.lastLEDs...)
}

// GPIO returns the last written level for a pin.
func (p *Provider) GPIO(pin uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gpio[pin]
}
