//go:build linux

// Package linux implements hal.Provider on top of the kernel's sysfs,
// procfs, i2c-dev and spidev interfaces. It needs no cgo and no vendor
// SDK, which keeps cross-compilation for the edge devices trivial.
package linux

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wasihub/wasihub/internal/hal"
	"github.com/wasihub/wasihub/internal/log"
	"github.com/wasihub/wasihub/internal/model"
)

// i2c-dev ioctl request to select the slave address.
const i2cSlave = 0x0703

// ProviderConfig is the configuration for the Linux provider.
type ProviderConfig struct {
	// I2CDevice is the i2c-dev character device, e.g. /dev/i2c-1.
	I2CDevice string
	// SPIDevice drives the LED strip, e.g. /dev/spidev0.0.
	SPIDevice string
	// ThermalZone is the sysfs thermal zone file for CPU temperature.
	ThermalZone string
	Logger      log.Logger
}

func (c *ProviderConfig) defaults() error {
	if c.I2CDevice == "" {
		c.I2CDevice = "/dev/i2c-1"
	}
	if c.SPIDevice == "" {
		c.SPIDevice = "/dev/spidev0.0"
	}
	if c.ThermalZone == "" {
		c.ThermalZone = "/sys/class/thermal/thermal_zone0/temp"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "hal.Linux"})
	return nil
}

// Provider is a hal.Provider backed by real Linux device files.
type Provider struct {
	cfg ProviderConfig

	// The I2C bus is a shared physical resource, one transaction at a time.
	i2cMu sync.Mutex
	spiMu sync.Mutex

	logger log.Logger
}

// NewProvider creates a new Linux provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Provider{cfg: cfg, logger: cfg.Logger}, nil
}

func (p *Provider) Transfer(ctx context.Context, addr uint8, write []byte, readLen int) ([]byte, error) {
	p.i2cMu.Lock()
	defer p.i2cMu.Unlock()

	f, err := os.OpenFile(p.cfg.I2CDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", p.cfg.I2CDevice, model.ErrHardware)
	}
	defer f.Close()

	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, int(addr)); err != nil {
		return nil, fmt.Errorf("could not select i2c address 0x%02x: %w", addr, model.ErrHardware)
	}

	if len(write) > 0 {
		if _, err := f.Write(write); err != nil {
			return nil, fmt.Errorf("i2c write to 0x%02x failed: %w", addr, model.ErrHardware)
		}
	}

	if readLen <= 0 {
		return nil, nil
	}

	buf := make([]byte, readLen)
	if _, err := f.Read(buf); err != nil {
		return nil, fmt.Errorf("i2c read from 0x%02x failed: %w", addr, model.ErrHardware)
	}

	return buf, nil
}

func (p *Provider) WriteGPIO(ctx context.Context, pin uint8, level bool) error {
	value := "0"
	if level {
		value = "1"
	}

	path := fmt.Sprintf("/sys/class/gpio/gpio%d/value", pin)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("gpio %d write failed: %w", pin, model.ErrHardware)
	}

	return nil
}

func (p *Provider) WriteLEDs(ctx context.Context, colors []hal.Color) error {
	p.spiMu.Lock()
	defer p.spiMu.Unlock()

	f, err := os.OpenFile(p.cfg.SPIDevice, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", p.cfg.SPIDevice, model.ErrHardware)
	}
	defer f.Close()

	if _, err := f.Write(encodeWS2812(colors)); err != nil {
		return fmt.Errorf("led strip write failed: %w", model.ErrHardware)
	}

	return nil
}

func (p *Provider) CPUTemp(ctx context.Context) (float32, error) {
	raw, err := os.ReadFile(p.cfg.ThermalZone)
	if err != nil {
		return 0, fmt.Errorf("could not read thermal zone: %w", model.ErrHardware)
	}

	milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("unexpected thermal zone value %q: %w", raw, model.ErrHardware)
	}

	return float32(milli) / 1000.0, nil
}

func (p *Provider) MemoryUsage(ctx context.Context) (used, total uint32, err error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, fmt.Errorf("sysinfo failed: %w", model.ErrHardware)
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	totalMB := info.Totalram * unit / (1024 * 1024)
	freeMB := (info.Freeram + info.Bufferram) * unit / (1024 * 1024)

	return uint32(totalMB - freeMB), uint32(totalMB), nil
}

func (p *Provider) Uptime(ctx context.Context) (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo failed: %w", model.ErrHardware)
	}

	return uint64(info.Uptime), nil
}

// encodeWS2812 expands each color bit into the 3-bit SPI waveform the
// WS2812B timing expects at 2.4MHz (1 -> 110, 0 -> 100), GRB order.
func encodeWS2812(colors []hal.Color) []byte {
	out := make([]byte, 0, len(colors)*9+2)
	for _, c := range colors {
		for _, b := range [3]uint8{c.G, c.R, c.B} {
			var bits uint32
			for i := 7; i >= 0; i-- {
				if b&(1<<uint(i)) != 0 {
					bits = bits<<3 | 0b110
				} else {
					bits = bits<<3 | 0b100
				}
			}
			out = append(out, byte(bits>>16), byte(bits>>8), byte(bits))
		}
	}
	// Latch: hold the line low past the reset threshold.
	out = append(out, 0x00, 0x00)
	return out
}
