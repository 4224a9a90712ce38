//go:build !linux

package linux

import (
	"context"
	"fmt"

	"github.com/wasihub/wasihub/internal/hal"
	"github.com/wasihub/wasihub/internal/log"
)

// ProviderConfig is the configuration for the Linux provider.
type ProviderConfig struct {
	I2CDevice   string
	SPIDevice   string
	ThermalZone string
	Logger      log.Logger
}

// Provider is a placeholder so callers compile on every platform.
type Provider struct{}

// NewProvider is unavailable outside Linux; use the mock provider instead.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	return nil, fmt.Errorf("linux hal is only available on linux hosts")
}

var errUnsupported = fmt.Errorf("linux hal is only available on linux hosts")

func (p *Provider) Transfer(ctx context.Context, addr uint8, write []byte, readLen int) ([]byte, error) {
	return nil, errUnsupported
}
func (p *Provider) WriteGPIO(ctx context.Context, pin uint8, level bool) error { return errUnsupported }
func (p *Provider) WriteLEDs(ctx context.Context, colors []hal.Color) error    { return errUnsupported }
func (p *Provider) CPUTemp(ctx context.Context) (float32, error)               { return 0, errUnsupported }
func (p *Provider) MemoryUsage(ctx context.Context) (used, total uint32, err error) {
	return 0, 0, errUnsupported
}
func (p *Provider) Uptime(ctx context.Context) (uint64, error) { return 0, errUnsupported }
