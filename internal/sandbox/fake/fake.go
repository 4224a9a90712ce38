// Package fake provides a scriptable sandbox engine. It simulates unit
// lifecycles without real WASM binaries: each Load returns a fresh
// instance with zeroed persistent state, which is what makes reload
// semantics observable in tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wasihub/wasihub/internal/log"
	"github.com/wasihub/wasihub/internal/model"
	"github.com/wasihub/wasihub/internal/sandbox"
)

// PollFunc overrides a unit's poll behavior.
type PollFunc func(ctx context.Context, i *Instance) ([]model.Reading, error)

// RenderFunc overrides a unit's render behavior.
type RenderFunc func(ctx context.Context, i *Instance, stateJSON string) (string, error)

// UpdateFunc overrides a unit's update behavior.
type UpdateFunc func(ctx context.Context, i *Instance, stateJSON string) error

// EngineConfig is the configuration for the fake engine.
type EngineConfig struct {
	Logger log.Logger
}

func (c *EngineConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "sandbox.Fake"})
	return nil
}

// Engine is a fake implementation of sandbox.Engine.
type Engine struct {
	mu       sync.Mutex
	loads    map[string]int
	loadErrs map[string]error
	polls    map[string]PollFunc
	renders  map[string]RenderFunc
	updates  map[string]UpdateFunc
	logger   log.Logger
}

// NewEngine creates a new fake engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Engine{
		loads:    map[string]int{},
		loadErrs: map[string]error{},
		polls:    map[string]PollFunc{},
		renders:  map[string]RenderFunc{},
		updates:  map[string]UpdateFunc{},
		logger:   cfg.Logger,
	}, nil
}

// SetLoadErr makes future loads of a unit fail with err (nil clears it).
func (e *Engine) SetLoadErr(unit string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.loadErrs, unit)
		return
	}
	e.loadErrs[unit] = err
}

// SetPollFunc scripts a unit's poll behavior.
func (e *Engine) SetPollFunc(unit string, fn PollFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polls[unit] = fn
}

// SetRenderFunc scripts a unit's render behavior.
func (e *Engine) SetRenderFunc(unit string, fn RenderFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.renders[unit] = fn
}

// SetUpdateFunc scripts a unit's update behavior.
func (e *Engine) SetUpdateFunc(unit string, fn UpdateFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updates[unit] = fn
}

// Loads returns how many times a unit has been loaded.
func (e *Engine) Loads(unit string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads[unit]
}

// Load implements sandbox.Engine.
func (e *Engine) Load(ctx context.Context, unit model.Unit) (sandbox.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.loadErrs[unit.Name]; err != nil {
		return nil, fmt.Errorf("fake load of %q failed: %s: %w", unit.Name, err, model.ErrLoad)
	}

	e.loads[unit.Name]++
	inst := &Instance{
		Unit:       unit,
		Generation: e.loads[unit.Name],
		engine:     e,
	}

	e.logger.Infof("Loaded fake unit %q (generation %d)", unit.Name, inst.Generation)
	return inst, nil
}

// Instance is one fake live unit. PollCount and LastState are its
// persistent execution state: they survive invocations on the same
// instance and reset to zero values on every reload.
type Instance struct {
	Unit       model.Unit
	Generation int

	mu        sync.Mutex
	PollCount int
	LastState string
	closed    bool

	engine *Engine
}

func (i *Instance) Poll(ctx context.Context) ([]model.Reading, error) {
	i.engine.mu.Lock()
	fn := i.engine.polls[i.Unit.Name]
	i.engine.mu.Unlock()

	i.mu.Lock()
	i.PollCount++
	i.mu.Unlock()

	if fn != nil {
		return fn(ctx, i)
	}

	return []model.Reading{{
		ProducerID:  i.Unit.Name,
		TimestampMS: uint64(time.Now().UnixMilli()),
		Data:        map[string]interface{}{"polls": i.Polls()},
	}}, nil
}

func (i *Instance) Render(ctx context.Context, stateJSON string) (string, error) {
	i.engine.mu.Lock()
	fn := i.engine.renders[i.Unit.Name]
	i.engine.mu.Unlock()

	if fn != nil {
		return fn(ctx, i, stateJSON)
	}

	return "<html>" + stateJSON + "</html>", nil
}

func (i *Instance) Update(ctx context.Context, stateJSON string) error {
	i.engine.mu.Lock()
	fn := i.engine.updates[i.Unit.Name]
	i.engine.mu.Unlock()

	if fn != nil {
		return fn(ctx, i, stateJSON)
	}

	i.mu.Lock()
	i.LastState = stateJSON
	i.mu.Unlock()
	return nil
}

func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// Polls returns how many times this instance has been polled.
func (i *Instance) Polls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.PollCount
}

// Closed returns true once the instance has been released.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}
