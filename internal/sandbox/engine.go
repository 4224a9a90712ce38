// Package sandbox defines the boundary between the host and the
// isolated execution units it runs.
package sandbox

import (
	"context"

	"github.com/wasihub/wasihub/internal/model"
)

// Engine loads unit binaries into isolated sandbox instances.
type Engine interface {
	// Load reads the unit's binary, links it against exactly the
	// capabilities its descriptor declares and instantiates it with
	// fresh persistent state. Failures wrap model.ErrLoad.
	Load(ctx context.Context, unit model.Unit) (Instance, error)
}

// Instance is one live sandboxed unit: its code plus the persistent
// execution state that survives across invocations. Callers must
// serialize invocations externally (the lifecycle slot lock does
// this); instances are not safe for concurrent calls.
type Instance interface {
	// Poll runs a sensor unit's entrypoint and returns its readings.
	Poll(ctx context.Context) ([]model.Reading, error)
	// Render runs a UI unit's entrypoint with the merged state JSON and
	// returns the rendered document.
	Render(ctx context.Context, stateJSON string) (string, error)
	// Update runs a display unit's entrypoint with the merged state JSON.
	Update(ctx context.Context, stateJSON string) error
	// Close releases the instance. Its persistent state is gone after this.
	Close(ctx context.Context) error
}
