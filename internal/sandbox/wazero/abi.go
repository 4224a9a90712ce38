package wazero

import (
	"context"
	"fmt"
)

// unpackPtrLen decodes a guest buffer reference the way entrypoints
// return them: pointer in the high 32 bits, length in the low 32.
func unpackPtrLen(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// callPacked calls a guest function returning a packed ptr/len and
// copies the referenced buffer out of guest memory.
func (i *instance) callPacked(ctx context.Context, name string, params ...uint64) ([]byte, error) {
	results, err := i.module.ExportedFunction(name).Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("unit %q %s trapped: %w", i.unit.Name, name, err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("unit %q %s returned %d results, want 1", i.unit.Name, name, len(results))
	}

	ptr, length := unpackPtrLen(results[0])
	if length == 0 {
		return nil, nil
	}

	buf, ok := i.module.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("unit %q %s returned an out-of-range buffer (ptr=%d len=%d)", i.unit.Name, name, ptr, length)
	}

	// The guest owns the buffer and may reuse it on the next call.
	return append([]byte(nil), buf...), nil
}

// writeGuestString allocates guest memory via the unit's alloc export
// and copies s into it.
func (i *instance) writeGuestString(ctx context.Context, s string) (ptr, length uint32, err error) {
	length = uint32(len(s))
	if length == 0 {
		return 0, 0, nil
	}

	results, err := i.module.ExportedFunction("alloc").Call(ctx, uint64(length))
	if err != nil {
		return 0, 0, fmt.Errorf("unit %q alloc trapped: %w", i.unit.Name, err)
	}
	if len(results) != 1 {
		return 0, 0, fmt.Errorf("unit %q alloc returned %d results, want 1", i.unit.Name, len(results))
	}

	ptr = uint32(results[0])
	if !i.module.Memory().Write(ptr, []byte(s)) {
		return 0, 0, fmt.Errorf("unit %q alloc returned an out-of-range pointer %d", i.unit.Name, ptr)
	}

	return ptr, length, nil
}
