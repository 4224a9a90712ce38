// Package wazero implements the sandbox engine on top of the wazero
// WASM runtime.
//
// Each loaded unit gets its own wazero runtime, which gives it private
// linear memory and globals: that memory is the unit's persistent
// execution state, reused across invocations and discarded wholesale on
// reload. Capability enforcement happens at link time: only the host
// modules a unit's descriptor grants are instantiated into its runtime,
// so importing anything else fails instantiation instead of being
// rejected call by call.
//
// Guest ABI: units export "memory", "alloc(size u32) -> u32" and one
// entrypoint per kind. poll() and render(ptr, len u32) return a u64
// packing ptr<<32|len of a UTF-8 JSON buffer in guest memory;
// update(ptr, len u32) returns a u32 errno (0 is success).
package wazero

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wasihub/wasihub/internal/hostcap"
	"github.com/wasihub/wasihub/internal/log"
	"github.com/wasihub/wasihub/internal/model"
	"github.com/wasihub/wasihub/internal/sandbox"
)

// EngineConfig is the configuration for the wazero engine.
type EngineConfig struct {
	Capabilities *hostcap.Service
	Logger       log.Logger
}

func (c *EngineConfig) defaults() error {
	if c.Capabilities == nil {
		return fmt.Errorf("capability provider is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "sandbox.Wazero"})
	return nil
}

// Engine is a sandbox.Engine backed by wazero.
type Engine struct {
	caps   *hostcap.Service
	cache  wazero.CompilationCache
	logger log.Logger
}

// NewEngine creates a new wazero engine. The compilation cache is
// shared across loads so reloading an unchanged dependency chain stays
// cheap.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Engine{
		caps:   cfg.Capabilities,
		cache:  wazero.NewCompilationCache(),
		logger: cfg.Logger,
	}, nil
}

// Load implements sandbox.Engine.
func (e *Engine) Load(ctx context.Context, unit model.Unit) (sandbox.Instance, error) {
	binary, err := os.ReadFile(unit.Path)
	if err != nil {
		return nil, fmt.Errorf("could not read unit binary %s: %s: %w", unit.Path, err, model.ErrLoad)
	}

	rcfg := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, rcfg)

	inst, err := e.instantiate(ctx, runtime, unit, binary)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}

	e.logger.Infof("Loaded unit %q (%s, capabilities: %v)", unit.Name, unit.Kind, unit.Capabilities)
	return inst, nil
}

func (e *Engine) instantiate(ctx context.Context, runtime wazero.Runtime, unit model.Unit, binary []byte) (*instance, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("could not instantiate wasi: %s: %w", err, model.ErrLoad)
	}

	// Link exactly the granted capability modules, nothing else.
	for _, capability := range unit.Capabilities {
		build, ok := capabilityModules[capability]
		if !ok {
			return nil, fmt.Errorf("unit %q declares capability %q the host does not provide: %w", unit.Name, capability, model.ErrLoad)
		}
		if err := build(ctx, runtime, e.caps, unit); err != nil {
			return nil, fmt.Errorf("could not instantiate %q capability module: %s: %w", capability, err, model.ErrLoad)
		}
	}

	compiled, err := runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, fmt.Errorf("could not compile unit %q: %s: %w", unit.Name, err, model.ErrLoad)
	}

	mcfg := wazero.NewModuleConfig().
		WithName(unit.Name).
		WithStartFunctions("_initialize")
	module, err := runtime.InstantiateModule(ctx, compiled, mcfg)
	if err != nil {
		// An ungranted import lands here: wazero refuses to link it.
		return nil, fmt.Errorf("could not instantiate unit %q: %s: %w", unit.Name, err, model.ErrLoad)
	}

	inst := &instance{
		unit:    unit,
		runtime: runtime,
		module:  module,
		logger:  e.logger.WithValues(log.Kv{"unit": unit.Name}),
	}
	if err := inst.checkExports(); err != nil {
		return nil, err
	}

	return inst, nil
}

// Close releases the shared compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

// instance is one live wazero-backed unit.
type instance struct {
	unit    model.Unit
	runtime wazero.Runtime
	module  api.Module
	logger  log.Logger
}

// entrypointSignature returns the export name and wasm signature the
// unit's kind requires.
func entrypointSignature(kind model.UnitKind) (name string, params, results []api.ValueType) {
	switch kind {
	case model.UnitKindSensor:
		return "poll", nil, []api.ValueType{api.ValueTypeI64}
	case model.UnitKindUI:
		return "render", []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}
	default:
		return "update", []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}
	}
}

// checkExports verifies the full ABI surface, signatures included, so a
// bad binary fails the load instead of misbehaving on first invocation.
func (i *instance) checkExports() error {
	name, params, results := entrypointSignature(i.unit.Kind)
	required := []struct {
		name    string
		params  []api.ValueType
		results []api.ValueType
	}{
		{name: "alloc", params: []api.ValueType{api.ValueTypeI32}, results: []api.ValueType{api.ValueTypeI32}},
		{name: name, params: params, results: results},
	}

	defs := i.module.ExportedFunctionDefinitions()
	for _, req := range required {
		def, ok := defs[req.name]
		if !ok {
			return fmt.Errorf("unit %q does not export %q: %w", i.unit.Name, req.name, model.ErrLoad)
		}
		if !equalTypes(def.ParamTypes(), req.params) || !equalTypes(def.ResultTypes(), req.results) {
			return fmt.Errorf("unit %q export %q does not match the host ABI: %w", i.unit.Name, req.name, model.ErrLoad)
		}
	}
	if i.module.Memory() == nil {
		return fmt.Errorf("unit %q does not export memory: %w", i.unit.Name, model.ErrLoad)
	}
	return nil
}

func equalTypes(got, want []api.ValueType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func (i *instance) Poll(ctx context.Context) ([]model.Reading, error) {
	raw, err := i.callPacked(ctx, "poll")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var readings []model.Reading
	if err := json.Unmarshal(raw, &readings); err != nil {
		return nil, fmt.Errorf("unit %q returned invalid readings: %w", i.unit.Name, err)
	}

	for idx := range readings {
		if err := readings[idx].Validate(); err != nil {
			return nil, fmt.Errorf("unit %q returned an invalid reading: %w", i.unit.Name, err)
		}
	}

	return readings, nil
}

func (i *instance) Render(ctx context.Context, stateJSON string) (string, error) {
	ptr, length, err := i.writeGuestString(ctx, stateJSON)
	if err != nil {
		return "", err
	}

	raw, err := i.callPacked(ctx, "render", uint64(ptr), uint64(length))
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

func (i *instance) Update(ctx context.Context, stateJSON string) error {
	ptr, length, err := i.writeGuestString(ctx, stateJSON)
	if err != nil {
		return err
	}

	results, err := i.module.ExportedFunction("update").Call(ctx, uint64(ptr), uint64(length))
	if err != nil {
		return fmt.Errorf("unit %q update trapped: %w", i.unit.Name, err)
	}
	if len(results) != 1 {
		return fmt.Errorf("unit %q update returned %d results, want 1", i.unit.Name, len(results))
	}
	if errno := uint32(results[0]); errno != 0 {
		return fmt.Errorf("unit %q update returned errno %d", i.unit.Name, errno)
	}

	return nil
}

func (i *instance) Close(ctx context.Context) error {
	return i.runtime.Close(ctx)
}
