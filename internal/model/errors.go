package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrLoad is returned when a unit binary can't be loaded into a sandbox.
	ErrLoad = errors.New("load failed")
	// ErrNotLoaded is returned when an operation needs a live sandbox instance
	// and the unit's slot is empty (never loaded or degraded).
	ErrNotLoaded = errors.New("not loaded")
	// ErrHardware is returned when a physical bus or actuator operation fails.
	ErrHardware = errors.New("hardware failure")
)
