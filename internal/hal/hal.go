// Package hal abstracts physical hardware access so the host compiles
// and runs on machines without the edge device's buses and actuators.
package hal

import "context"

// Color is one RGB output channel value.
type Color struct {
	R, G, B uint8
}

// Provider is the single gateway to physical hardware. Implementations
// are expected to be safe for concurrent use; callers serialize writes
// to shared outputs at a higher level.
type Provider interface {
	// Transfer performs one bus transaction: writes write bytes to the
	// device at addr, then reads readLen bytes back.
	Transfer(ctx context.Context, addr uint8, write []byte, readLen int) ([]byte, error)
	// WriteGPIO drives a single output pin.
	WriteGPIO(ctx context.Context, pin uint8, level bool) error
	// WriteLEDs writes the whole LED strip in one operation.
	WriteLEDs(ctx context.Context, colors []Color) error
	// CPUTemp returns the CPU temperature in Celsius.
	CPUTemp(ctx context.Context) (float32, error)
	// MemoryUsage returns used and total system memory in MB.
	MemoryUsage(ctx context.Context) (used, total uint32, err error)
	// Uptime returns the system uptime in seconds.
	Uptime(ctx context.Context) (uint64, error)
}
