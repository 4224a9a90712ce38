package wazero_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasihub/wasihub/internal/hal/mock"
	"github.com/wasihub/wasihub/internal/hostcap"
	"github.com/wasihub/wasihub/internal/model"
	sandboxwazero "github.com/wasihub/wasihub/internal/sandbox/wazero"
)

func newTestEngine(t *testing.T) *sandboxwazero.Engine {
	t.Helper()

	provider, err := mock.NewProvider(mock.ProviderConfig{})
	require.NoError(t, err)
	caps, err := hostcap.NewService(hostcap.ServiceConfig{HAL: provider, LEDCount: 3})
	require.NoError(t, err)
	t.Cleanup(caps.Close)

	engine, err := sandboxwazero.NewEngine(sandboxwazero.EngineConfig{Capabilities: caps})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	return engine
}

func writeBinary(t *testing.T, binary []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "unit.wasm")
	require.NoError(t, os.WriteFile(path, binary, 0644))
	return path
}

func TestEngineLoadFailures(t *testing.T) {
	tests := map[string]struct {
		unit func(t *testing.T) model.Unit
	}{
		"A missing binary should fail the load.": {
			unit: func(t *testing.T) model.Unit {
				return model.Unit{Name: "temp", Kind: model.UnitKindSensor, Path: filepath.Join(t.TempDir(), "missing.wasm")}
			},
		},
		"A malformed binary should fail the load.": {
			unit: func(t *testing.T) model.Unit {
				return model.Unit{Name: "temp", Kind: model.UnitKindSensor, Path: writeBinary(t, []byte("this is not wasm"))}
			},
		},
		"A capability unknown to the host should fail the load.": {
			unit: func(t *testing.T) model.Unit {
				return model.Unit{Name: "temp", Kind: model.UnitKindSensor, Path: writeBinary(t, minimalWASM()), Capabilities: []model.Capability{"network"}}
			},
		},
		"A unit importing an ungranted capability module should fail the load.": {
			unit: func(t *testing.T) model.Unit {
				return model.Unit{Name: "temp", Kind: model.UnitKindSensor, Path: writeBinary(t, sensorModule("[]", true))}
			},
		},
		"An entrypoint with a wrong signature should fail the load.": {
			unit: func(t *testing.T) model.Unit {
				return model.Unit{Name: "temp", Kind: model.UnitKindSensor, Path: writeBinary(t, brokenPollModule())}
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			engine := newTestEngine(t)

			_, err := engine.Load(context.Background(), test.unit(t))

			assert.Error(err)
			assert.ErrorIs(err, model.ErrLoad)
		})
	}
}

func TestEnginePoll(t *testing.T) {
	readingsJSON := `[{"producer_id":"co2","timestamp_ms":42,"data":{"ppm":600}}]`
	expReadings := []model.Reading{
		{ProducerID: "co2", TimestampMS: 42, Data: map[string]interface{}{"ppm": float64(600)}},
	}

	tests := map[string]struct {
		unit func(t *testing.T) model.Unit
	}{
		"A well formed sensor unit should load and return its readings.": {
			unit: func(t *testing.T) model.Unit {
				return model.Unit{Name: "co2", Kind: model.UnitKindSensor, Path: writeBinary(t, sensorModule(readingsJSON, false))}
			},
		},
		"A unit importing a granted capability module should link and run.": {
			unit: func(t *testing.T) model.Unit {
				return model.Unit{Name: "co2", Kind: model.UnitKindSensor, Path: writeBinary(t, sensorModule(readingsJSON, true)), Capabilities: []model.Capability{model.CapabilityBus}}
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			engine := newTestEngine(t)

			inst, err := engine.Load(context.Background(), test.unit(t))
			require.NoError(t, err)
			t.Cleanup(func() { _ = inst.Close(context.Background()) })

			got, err := inst.Poll(context.Background())

			assert.NoError(err)
			assert.Equal(expReadings, got)
		})
	}
}

// The binaries below are assembled by hand from raw wasm sections so the
// suite does not depend on a guest toolchain.

const (
	wasmTypeI32 = 0x7f
	wasmTypeI64 = 0x7e
)

// minimalWASM returns an empty but valid wasm module: magic, version and
// nothing else. It compiles but exports none of the required ABI, which
// is exactly what the export check must reject.
func minimalWASM() []byte {
	return wasmModule()
}

// sensorModule assembles a sensor unit honoring the guest ABI: alloc
// returns a fixed scratch pointer and poll returns a packed pointer to
// readingsJSON placed in a data segment. With importBus set the module
// also imports bus.transfer, which only links when the unit holds the
// bus capability.
func sensorModule(readingsJSON string, importBus bool) []byte {
	const dataPtr = 8

	types := [][]byte{
		wasmFuncType([]byte{wasmTypeI32}, []byte{wasmTypeI32}),
		wasmFuncType(nil, []byte{wasmTypeI64}),
		wasmFuncType([]byte{wasmTypeI32, wasmTypeI32, wasmTypeI32, wasmTypeI32, wasmTypeI32}, []byte{wasmTypeI32}),
	}

	sections := [][]byte{wasmSection(0x01, wasmVec(types...))}

	// Imported functions come first in the index space.
	funcBase := uint64(0)
	if importBus {
		imp := wasmName("bus")
		imp = append(imp, wasmName("transfer")...)
		imp = append(imp, 0x00)
		imp = append(imp, uleb(2)...)
		sections = append(sections, wasmSection(0x02, wasmVec(imp)))
		funcBase = 1
	}

	sections = append(sections,
		wasmSection(0x03, wasmVec(uleb(0), uleb(1))),
		wasmSection(0x05, wasmVec([]byte{0x00, 0x01})),
		wasmSection(0x07, wasmVec(
			wasmExport("memory", 0x02, 0),
			wasmExport("alloc", 0x00, funcBase),
			wasmExport("poll", 0x00, funcBase+1),
		)),
		wasmSection(0x0a, wasmVec(
			wasmFuncBody(append(opI32Const(1024), opEnd)),
			wasmFuncBody(append(opI64Const(int64(dataPtr)<<32|int64(len(readingsJSON))), opEnd)),
		)),
	)

	seg := []byte{0x00}
	seg = append(seg, opI32Const(dataPtr)...)
	seg = append(seg, opEnd)
	seg = append(seg, uleb(uint64(len(readingsJSON)))...)
	seg = append(seg, readingsJSON...)
	sections = append(sections, wasmSection(0x0b, wasmVec(seg)))

	return wasmModule(sections...)
}

// brokenPollModule assembles a module whose poll export returns nothing
// instead of the packed buffer reference the host expects.
func brokenPollModule() []byte {
	types := [][]byte{
		wasmFuncType([]byte{wasmTypeI32}, []byte{wasmTypeI32}),
		wasmFuncType(nil, nil),
	}

	return wasmModule(
		wasmSection(0x01, wasmVec(types...)),
		wasmSection(0x03, wasmVec(uleb(0), uleb(1))),
		wasmSection(0x05, wasmVec([]byte{0x00, 0x01})),
		wasmSection(0x07, wasmVec(
			wasmExport("memory", 0x02, 0),
			wasmExport("alloc", 0x00, 0),
			wasmExport("poll", 0x00, 1),
		)),
		wasmSection(0x0a, wasmVec(
			wasmFuncBody(append(opI32Const(1024), opEnd)),
			wasmFuncBody([]byte{opEnd}),
		)),
	)
}

const opEnd = 0x0b

func wasmModule(sections ...[]byte) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

func wasmSection(id byte, body []byte) []byte {
	out := append([]byte{id}, uleb(uint64(len(body)))...)
	return append(out, body...)
}

func wasmVec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func wasmName(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func wasmFuncType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint64(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint64(len(results)))...)
	return append(out, results...)
}

func wasmExport(name string, kind byte, index uint64) []byte {
	out := append(wasmName(name), kind)
	return append(out, uleb(index)...)
}

func wasmFuncBody(code []byte) []byte {
	content := append([]byte{0x00}, code...)
	return append(uleb(uint64(len(content))), content...)
}

func opI32Const(v int32) []byte { return append([]byte{0x41}, sleb(int64(v))...) }
func opI64Const(v int64) []byte { return append([]byte{0x42}, sleb(v)...) }

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
