package hostfunc

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

const wasmPageSize = 65536

// Guest allocator exports tried in order when the host needs guest memory.
var allocatorExports = []string{"proxy_on_memory_allocate", "malloc"}

var errNoMemory = errors.New("module exports no linear memory")

// Memory reads and writes a module instance's linear memory on behalf of
// host functions. Host-to-guest payloads are placed via the guest's exported
// allocator when it has one; otherwise a bump region is carved out after the
// guest's current memory footprint, growing the memory by whole pages as
// needed. Nothing is ever freed: instances are single-use.
type Memory struct {
	mod   api.Module
	alloc api.Function
	next  uint32
}

// NewMemory wraps mod's linear memory.
func NewMemory(mod api.Module) *Memory {
	m := &Memory{mod: mod}
	for _, name := range allocatorExports {
		if fn := mod.ExportedFunction(name); fn != nil {
			m.alloc = fn
			break
		}
	}
	return m
}

func (m *Memory) memory() (api.Memory, error) {
	mem := m.mod.Memory()
	if mem == nil {
		return nil, errNoMemory
	}
	return mem, nil
}

// ReadBytes copies n bytes at ptr out of guest memory. The copy matters:
// wazero returns a live view that later guest calls may move.
func (m *Memory) ReadBytes(ptr, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	mem, err := m.memory()
	if err != nil {
		return nil, err
	}
	view, ok := mem.Read(ptr, n)
	if !ok {
		return nil, fmt.Errorf("read %d bytes at 0x%x: out of range", n, ptr)
	}
	out := make([]byte, n)
	copy(out, view)
	return out, nil
}

// ReadString copies n bytes at ptr as a string.
func (m *Memory) ReadString(ptr, n uint32) (string, error) {
	b, err := m.ReadBytes(ptr, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadUint32 reads a little-endian u32 at ptr.
func (m *Memory) ReadUint32(ptr uint32) (uint32, error) {
	mem, err := m.memory()
	if err != nil {
		return 0, err
	}
	v, ok := mem.ReadUint32Le(ptr)
	if !ok {
		return 0, fmt.Errorf("read u32 at 0x%x: out of range", ptr)
	}
	return v, nil
}

// WriteUint32 writes a little-endian u32 at ptr.
func (m *Memory) WriteUint32(ptr, v uint32) error {
	mem, err := m.memory()
	if err != nil {
		return err
	}
	if !mem.WriteUint32Le(ptr, v) {
		return fmt.Errorf("write u32 at 0x%x: out of range", ptr)
	}
	return nil
}

// WriteUint64 writes a little-endian u64 at ptr.
func (m *Memory) WriteUint64(ptr uint32, v uint64) error {
	mem, err := m.memory()
	if err != nil {
		return err
	}
	if !mem.WriteUint64Le(ptr, v) {
		return fmt.Errorf("write u64 at 0x%x: out of range", ptr)
	}
	return nil
}

// WriteBytes allocates guest memory for data, writes it, and returns the
// guest pointer. Callers handle empty payloads themselves (the result
// contract writes ptr=0, len=0 without allocating).
func (m *Memory) WriteBytes(ctx context.Context, data []byte) (uint32, error) {
	mem, err := m.memory()
	if err != nil {
		return 0, err
	}
	ptr, err := m.allocate(ctx, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if !mem.Write(ptr, data) {
		return 0, fmt.Errorf("write %d bytes at 0x%x: out of range", len(data), ptr)
	}
	return ptr, nil
}

func (m *Memory) allocate(ctx context.Context, size uint32) (uint32, error) {
	if m.alloc != nil {
		results, err := m.alloc.Call(ctx, uint64(size))
		if err == nil && len(results) == 1 && uint32(results[0]) != 0 {
			return uint32(results[0]), nil
		}
		// Broken allocator; use the bump region from here on.
		m.alloc = nil
	}
	return m.bumpAllocate(size)
}

func (m *Memory) bumpAllocate(size uint32) (uint32, error) {
	mem, err := m.memory()
	if err != nil {
		return 0, err
	}
	if m.next == 0 {
		m.next = mem.Size()
	}
	ptr := m.next
	end := ptr + size
	if end < ptr {
		return 0, fmt.Errorf("allocate %d bytes: memory space exhausted", size)
	}
	if cur := mem.Size(); end > cur {
		pages := (end - cur + wasmPageSize - 1) / wasmPageSize
		if _, ok := mem.Grow(pages); !ok {
			return 0, fmt.Errorf("allocate %d bytes: cannot grow memory by %d pages", size, pages)
		}
	}
	m.next = (end + 7) &^ 7
	return ptr, nil
}
