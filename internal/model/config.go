package model

import (
	"fmt"
	"time"
)

// HALKind selects the hardware abstraction implementation.
type HALKind string

const (
	// HALKindMock logs hardware operations and returns canned data.
	HALKindMock HALKind = "mock"
	// HALKindLinux talks to real devices through sysfs and i2c-dev.
	HALKindLinux HALKind = "linux"
)

// HostConfig is the full node configuration, loaded once at startup.
type HostConfig struct {
	PollInterval  time.Duration
	ListenAddress string
	HAL           HALKind
	LEDCount      int
	BuzzerPin     uint8
	Cluster       ClusterConfig
	Units         []Unit
}

// Validate validates the host configuration.
func (c *HostConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive: %w", ErrNotValid)
	}

	if c.ListenAddress == "" {
		return fmt.Errorf("listen address is required: %w", ErrNotValid)
	}

	switch c.HAL {
	case HALKindMock, HALKindLinux:
	default:
		return fmt.Errorf("hal %q is unknown: %w", c.HAL, ErrNotValid)
	}

	if c.LEDCount <= 0 {
		return fmt.Errorf("led count must be positive: %w", ErrNotValid)
	}

	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("invalid cluster config: %w", err)
	}

	seen := map[string]bool{}
	for i := range c.Units {
		u := &c.Units[i]
		if err := u.Validate(); err != nil {
			return fmt.Errorf("invalid unit config: %w", err)
		}
		if seen[u.Name] {
			return fmt.Errorf("duplicated unit name %q: %w", u.Name, ErrNotValid)
		}
		seen[u.Name] = true
	}

	return nil
}
