package hostcap

import (
	"sync"

	"github.com/wasihub/wasihub/internal/hal"
)

// LEDBuffer is the staging area for the LED strip. Units stage channel
// values during a poll cycle; the hardware sees nothing until the
// orchestrator flushes the whole array once, which keeps the cycle's
// output atomic for an external observer (no flicker between units).
type LEDBuffer struct {
	mu       sync.Mutex
	channels []hal.Color
}

// NewLEDBuffer creates a buffer with the given number of output channels.
func NewLEDBuffer(size int) *LEDBuffer {
	return &LEDBuffer{channels: make([]hal.Color, size)}
}

// Stage overwrites one channel's staged value. Out-of-range channels
// are ignored, matching the strip's behavior for nonexistent LEDs.
func (b *LEDBuffer) Stage(channel int, c hal.Color) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if channel < 0 || channel >= len(b.channels) {
		return
	}
	b.channels[channel] = c
}

// StageAll overwrites every channel with the same value.
func (b *LEDBuffer) StageAll(c hal.Color) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.channels {
		b.channels[i] = c
	}
}

// Clear stages black on every channel.
func (b *LEDBuffer) Clear() {
	b.StageAll(hal.Color{})
}

// Snapshot returns a copy of the staged array.
func (b *LEDBuffer) Snapshot() []hal.Color {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]hal.Color(nil), b.channels...)
}

// Len returns the number of channels.
func (b *LEDBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.channels)
}
