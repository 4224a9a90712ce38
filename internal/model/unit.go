package model

import (
	"fmt"
	"time"
)

// UnitKind selects the entrypoint the host expects a unit to export.
type UnitKind string

const (
	// UnitKindSensor units export `poll` and produce readings.
	UnitKindSensor UnitKind = "sensor"
	// UnitKindUI units export `render` and produce HTML for the dashboard.
	UnitKindUI UnitKind = "ui"
	// UnitKindDisplay units export `update` and consume the merged state.
	UnitKindDisplay UnitKind = "display"
)

// Capability is a named bundle of host operations a unit may call.
// Grants are enforced at sandbox link time: a unit importing an
// ungranted bundle fails to instantiate.
type Capability string

const (
	// CapabilityBus grants raw bus transfers (I2C).
	CapabilityBus Capability = "bus"
	// CapabilityActuator grants output channel staging and flushing.
	CapabilityActuator Capability = "actuator"
	// CapabilitySystem grants timestamp and system metric queries.
	CapabilitySystem Capability = "system"
)

// Unit describes one sandboxed execution unit. Immutable after load,
// except ModifiedAt which the lifecycle manager refreshes on every
// reload check.
type Unit struct {
	Name         string
	Kind         UnitKind
	Path         string
	Capabilities []Capability
	Enabled      bool

	// Hardware parameters handed to the unit through its capability calls.
	BusAddress uint8
	Pin        uint8

	// ModifiedAt is the binary's last observed modification timestamp.
	ModifiedAt time.Time
}

// Validate validates the unit descriptor.
func (u *Unit) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("unit name is required: %w", ErrNotValid)
	}

	switch u.Kind {
	case UnitKindSensor, UnitKindUI, UnitKindDisplay:
	default:
		return fmt.Errorf("unit %q kind %q is unknown: %w", u.Name, u.Kind, ErrNotValid)
	}

	if u.Path == "" {
		return fmt.Errorf("unit %q binary path is required: %w", u.Name, ErrNotValid)
	}

	for _, c := range u.Capabilities {
		switch c {
		case CapabilityBus, CapabilityActuator, CapabilitySystem:
		default:
			return fmt.Errorf("unit %q capability %q is unknown: %w", u.Name, c, ErrNotValid)
		}
	}

	return nil
}

// HasCapability returns true if the unit's capability set contains c.
func (u *Unit) HasCapability(c Capability) bool {
	for _, uc := range u.Capabilities {
		if uc == c {
			return true
		}
	}
	return false
}
