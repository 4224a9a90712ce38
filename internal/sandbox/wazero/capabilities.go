package wazero

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasihub/wasihub/internal/hostcap"
	"github.com/wasihub/wasihub/internal/model"
)

// Guest-visible errnos for bus operations.
const (
	errnoHardware = -1
	errnoBadPtr   = -2
)

// moduleBuilder instantiates one capability's host module into a unit's
// runtime. Adding a capability is a new table entry here plus a
// model.Capability constant; there is no per-unit type hierarchy.
type moduleBuilder func(ctx context.Context, r wazero.Runtime, caps *hostcap.Service, unit model.Unit) error

var capabilityModules = map[model.Capability]moduleBuilder{
	model.CapabilityBus:      instantiateBus,
	model.CapabilityActuator: instantiateActuator,
	model.CapabilitySystem:   instantiateSystem,
}

func instantiateBus(ctx context.Context, r wazero.Runtime, caps *hostcap.Service, unit model.Unit) error {
	_, err := r.NewHostModuleBuilder(string(model.CapabilityBus)).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, addr, wptr, wlen, rptr, rlen uint32) int32 {
			write, ok := m.Memory().Read(wptr, wlen)
			if !ok {
				return errnoBadPtr
			}

			data, err := caps.Transfer(ctx, uint8(addr), write, int(rlen))
			if err != nil {
				return errnoHardware
			}

			if len(data) > 0 && !m.Memory().Write(rptr, data) {
				return errnoBadPtr
			}
			return int32(len(data))
		}).
		Export("transfer").
		Instantiate(ctx)
	return err
}

func instantiateActuator(ctx context.Context, r wazero.Runtime, caps *hostcap.Service, unit model.Unit) error {
	_, err := r.NewHostModuleBuilder(string(model.CapabilityActuator)).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, channel, cr, cg, cb uint32) {
			caps.StageLED(int(channel), uint8(cr), uint8(cg), uint8(cb))
		}).
		Export("stage").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cr, cg, cb uint32) {
			caps.StageAllLEDs(uint8(cr), uint8(cg), uint8(cb))
		}).
		Export("stage_all").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) {
			caps.ClearLEDs()
		}).
		Export("clear").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) {
			// Best effort from the guest's point of view; the orchestrator
			// still flushes once at the end of every cycle.
			_ = caps.FlushLEDs(ctx)
		}).
		Export("flush").
		Instantiate(ctx)
	return err
}

func instantiateSystem(ctx context.Context, r wazero.Runtime, caps *hostcap.Service, unit model.Unit) error {
	_, err := r.NewHostModuleBuilder(string(model.CapabilitySystem)).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint64 {
			return caps.TimestampMS()
		}).
		Export("timestamp_ms").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) float32 {
			temp, err := caps.CPUTemp(ctx)
			if err != nil {
				return 0
			}
			return temp
		}).
		Export("cpu_temp").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint64 {
			used, total, err := caps.MemoryUsage(ctx)
			if err != nil {
				return 0
			}
			return uint64(used)<<32 | uint64(total)
		}).
		Export("memory_usage").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint64 {
			up, err := caps.Uptime(ctx)
			if err != nil {
				return 0
			}
			return up
		}).
		Export("uptime_s").
		Instantiate(ctx)
	return err
}
