package wasmtest

// Fixed memory layout shared by all canned guests. The host's result slot
// convention needs 8 bytes; strings live in a small pool; the guest
// allocator hands out memory from heapBase upward.
const (
	slotAddr    = 0x10
	scratchAddr = 0x20
	iovecAddr   = 0x30
	poolAddr    = 0x40
	heapBase    = 0x2000
)

const (
	logInfo = 2
)

var resultI32 = []byte{I32}

// HookExports lists the four lifecycle exports in flow order.
var HookExports = []string{
	"proxy_on_request_headers",
	"proxy_on_request_body",
	"proxy_on_response_headers",
	"proxy_on_response_body",
}

const (
	allocNormal = iota
	allocNone
	allocBroken
)

// addBase gives a guest the proxy-wasm marker export and, unless disabled,
// a bump allocator exported under both names the host probes for.
func addBase(b *Builder, mode int) {
	b.Func("proxy_abi_version_0_2_0", nil, nil, 0, NewAsm().Done())
	switch mode {
	case allocNone:
	case allocBroken:
		// Always returns NULL; the host must fall back to its own region.
		b.Func("malloc", I32N(1), resultI32, 0, NewAsm().I32(0).Done())
	default:
		heap := b.Global(true, heapBase)
		malloc := b.Func("malloc", I32N(1), resultI32, 0,
			NewAsm().
				GlobalGet(heap).
				GlobalGet(heap).LocalGet(0).I32Add().GlobalSet(heap).
				Done())
		b.Alias("proxy_on_memory_allocate", malloc)
	}
}

// addHooks defines all four hook exports. Entries in bodies override the
// default ActionContinue body.
func addHooks(b *Builder, bodies map[string][]byte) {
	for _, name := range HookExports {
		body := bodies[name]
		if body == nil {
			body = NewAsm().I32(0).Done()
		}
		b.Func(name, I32N(3), resultI32, 0, body)
	}
}

// Passthrough returns ActionContinue from every hook and touches nothing.
func Passthrough() []byte {
	b := NewBuilder()
	addBase(b, allocNormal)
	addHooks(b, nil)
	return b.Build()
}

// NoHooks exports the marker and allocator but none of the lifecycle
// callbacks.
func NoHooks() []byte {
	b := NewBuilder()
	addBase(b, allocNormal)
	return b.Build()
}

// Logger emits one fixed log line at the given level from every hook.
func Logger(level int32, msg string) []byte {
	b := NewBuilder()
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, allocNormal)

	ptr, n := b.DataString(poolAddr, msg)
	body := NewAsm().
		I32(level).I32(int32(ptr)).I32(int32(n)).Call(log).Drop().
		I32(0).Done()

	bodies := make(map[string][]byte, len(HookExports))
	for _, h := range HookExports {
		bodies[h] = body
	}
	addHooks(b, bodies)
	return b.Build()
}

// HookNameLogger logs each hook's own export name at info.
func HookNameLogger() []byte {
	b := NewBuilder()
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, allocNormal)

	bodies := make(map[string][]byte, len(HookExports))
	cursor := uint32(poolAddr)
	for _, h := range HookExports {
		ptr, n := b.DataString(cursor, h)
		cursor += n
		bodies[h] = NewAsm().
			I32(logInfo).I32(int32(ptr)).I32(int32(n)).Call(log).Drop().
			I32(0).Done()
	}
	addHooks(b, bodies)
	return b.Build()
}

// LogEachLevel emits one line per log level, trace through critical, from
// every hook. Used to exercise level filtering.
func LogEachLevel() []byte {
	b := NewBuilder()
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, allocNormal)

	levels := []string{"trace", "debug", "info", "warn", "error", "critical"}
	a := NewAsm()
	cursor := uint32(poolAddr)
	for i, name := range levels {
		ptr, n := b.DataString(cursor, name)
		cursor += n
		a.I32(int32(i)).I32(int32(ptr)).I32(int32(n)).Call(log).Drop()
	}
	body := a.I32(0).Done()

	bodies := make(map[string][]byte, len(HookExports))
	for _, h := range HookExports {
		bodies[h] = body
	}
	addHooks(b, bodies)
	return b.Build()
}

// SetHeader replaces key with value on the given map in one hook.
func SetHeader(hookExport string, mapType int32, key, value string) []byte {
	b := NewBuilder()
	replace := b.Import("env", "proxy_replace_header_map_value", I32N(5), resultI32)
	addBase(b, allocNormal)

	kptr, kn := b.DataString(poolAddr, key)
	vptr, vn := b.DataString(poolAddr+kn, value)
	addHooks(b, map[string][]byte{
		hookExport: NewAsm().
			I32(mapType).
			I32(int32(kptr)).I32(int32(kn)).
			I32(int32(vptr)).I32(int32(vn)).
			Call(replace).Drop().
			I32(0).Done(),
	})
	return b.Build()
}

// RemoveHeader deletes key from the given map in one hook.
func RemoveHeader(hookExport string, mapType int32, key string) []byte {
	b := NewBuilder()
	remove := b.Import("env", "proxy_remove_header_map_value", I32N(3), resultI32)
	addBase(b, allocNormal)

	kptr, kn := b.DataString(poolAddr, key)
	addHooks(b, map[string][]byte{
		hookExport: NewAsm().
			I32(mapType).I32(int32(kptr)).I32(int32(kn)).
			Call(remove).Drop().
			I32(0).Done(),
	})
	return b.Build()
}

// ReadHeader looks key up on the given map in one hook and logs the value
// at info when present.
func ReadHeader(hookExport string, mapType int32, key string) []byte {
	return readHeader(hookExport, mapType, key, allocNormal)
}

// ReadHeaderNoAlloc is ReadHeader without an allocator export, forcing the
// host onto its fallback region.
func ReadHeaderNoAlloc(hookExport string, mapType int32, key string) []byte {
	return readHeader(hookExport, mapType, key, allocNone)
}

// ReadHeaderBrokenAlloc is ReadHeader with an allocator that returns NULL.
func ReadHeaderBrokenAlloc(hookExport string, mapType int32, key string) []byte {
	return readHeader(hookExport, mapType, key, allocBroken)
}

func readHeader(hookExport string, mapType int32, key string, mode int) []byte {
	b := NewBuilder()
	get := b.Import("env", "proxy_get_header_map_value", I32N(4), resultI32)
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, mode)

	kptr, kn := b.DataString(poolAddr, key)
	addHooks(b, map[string][]byte{
		hookExport: NewAsm().
			I32(mapType).I32(int32(kptr)).I32(int32(kn)).I32(slotAddr).
			Call(get).
			I32Eqz().If().
			I32(logInfo).
			I32(slotAddr).I32Load(0).
			I32(slotAddr).I32Load(4).
			Call(log).Drop().
			End().
			I32(0).Done(),
	})
	return b.Build()
}

// PairCount fetches the full header map in one hook and logs the pair
// count as a single ASCII digit.
func PairCount(hookExport string, mapType int32) []byte {
	b := NewBuilder()
	pairs := b.Import("env", "proxy_get_header_map_pairs", I32N(2), resultI32)
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, allocNormal)

	addHooks(b, map[string][]byte{
		hookExport: NewAsm().
			I32(mapType).I32(slotAddr).Call(pairs).
			I32Eqz().If().
			I32(scratchAddr).
			I32(slotAddr).I32Load(0).I32Load(0). // count is the first u32 of the block
			I32('0').I32Add().
			I32Store8(0).
			I32(logInfo).I32(scratchAddr).I32(1).Call(log).Drop().
			End().
			I32(0).Done(),
	})
	return b.Build()
}

// SetProperty writes one property in one hook; denied writes are ignored
// by the guest (the host records them).
func SetProperty(hookExport string, path, value string) []byte {
	b := NewBuilder()
	set := b.Import("env", "proxy_set_property", I32N(4), resultI32)
	addBase(b, allocNormal)

	pptr, pn := b.DataString(poolAddr, path)
	vptr, vn := b.DataString(poolAddr+pn, value)
	addHooks(b, map[string][]byte{
		hookExport: NewAsm().
			I32(int32(pptr)).I32(int32(pn)).
			I32(int32(vptr)).I32(int32(vn)).
			Call(set).Drop().
			I32(0).Done(),
	})
	return b.Build()
}

// ReadProperty resolves one property in one hook and logs its value at
// info when defined.
func ReadProperty(hookExport string, path string) []byte {
	b := NewBuilder()
	get := b.Import("env", "proxy_get_property", I32N(3), resultI32)
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, allocNormal)

	pptr, pn := b.DataString(poolAddr, path)
	addHooks(b, map[string][]byte{
		hookExport: readPropertyBody(get, log, pptr, pn),
	})
	return b.Build()
}

// PropertyLifecycle sets a property in one hook and reads it back in a
// later one, logging the value if it survived the context boundary.
func PropertyLifecycle(setHook, path, value, readHook string) []byte {
	b := NewBuilder()
	set := b.Import("env", "proxy_set_property", I32N(4), resultI32)
	get := b.Import("env", "proxy_get_property", I32N(3), resultI32)
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, allocNormal)

	pptr, pn := b.DataString(poolAddr, path)
	vptr, vn := b.DataString(poolAddr+pn, value)
	addHooks(b, map[string][]byte{
		setHook: NewAsm().
			I32(int32(pptr)).I32(int32(pn)).
			I32(int32(vptr)).I32(int32(vn)).
			Call(set).Drop().
			I32(0).Done(),
		readHook: readPropertyBody(get, log, pptr, pn),
	})
	return b.Build()
}

func readPropertyBody(get, log, pptr, pn uint32) []byte {
	return NewAsm().
		I32(int32(pptr)).I32(int32(pn)).I32(slotAddr).
		Call(get).
		I32Eqz().If().
		I32(logInfo).
		I32(slotAddr).I32Load(0).
		I32(slotAddr).I32Load(4).
		Call(log).Drop().
		End().
		I32(0).Done()
}

// ReplaceBody overwrites the whole buffer with a fixed payload in one hook.
func ReplaceBody(hookExport string, bufferType int32, replacement string) []byte {
	b := NewBuilder()
	set := b.Import("env", "proxy_set_buffer_bytes", I32N(5), resultI32)
	addBase(b, allocNormal)

	rptr, rn := b.DataString(poolAddr, replacement)
	addHooks(b, map[string][]byte{
		hookExport: NewAsm().
			I32(bufferType).I32(0).I32(1 << 30).
			I32(int32(rptr)).I32(int32(rn)).
			Call(set).Drop().
			I32(0).Done(),
	})
	return b.Build()
}

// ReadBuffer fetches a buffer (body or configuration) in one hook and logs
// its content at info when the read succeeds.
func ReadBuffer(hookExport string, bufferType int32) []byte {
	b := NewBuilder()
	get := b.Import("env", "proxy_get_buffer_bytes", I32N(4), resultI32)
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, allocNormal)

	addHooks(b, map[string][]byte{
		hookExport: NewAsm().
			I32(bufferType).I32(0).I32(1 << 30).I32(slotAddr).
			Call(get).
			I32Eqz().If().
			I32(logInfo).
			I32(slotAddr).I32Load(0).
			I32(slotAddr).I32Load(4).
			Call(log).Drop().
			End().
			I32(0).Done(),
	})
	return b.Build()
}

// LegacyConfig reads the configuration through the legacy call and logs it.
func LegacyConfig(hookExport string) []byte {
	b := NewBuilder()
	get := b.Import("env", "proxy_get_configuration", I32N(1), resultI32)
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, allocNormal)

	addHooks(b, map[string][]byte{
		hookExport: NewAsm().
			I32(slotAddr).Call(get).
			I32Eqz().If().
			I32(logInfo).
			I32(slotAddr).I32Load(0).
			I32(slotAddr).I32Load(4).
			Call(log).Drop().
			End().
			I32(0).Done(),
	})
	return b.Build()
}

// Counter increments a mutable global on every hook and logs its value as
// an ASCII digit. With per-call instances each run must log "1".
func Counter() []byte {
	b := NewBuilder()
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, allocNormal)
	count := b.Global(true, 0)

	body := NewAsm().
		GlobalGet(count).I32(1).I32Add().GlobalSet(count).
		I32(scratchAddr).
		GlobalGet(count).I32('0').I32Add().
		I32Store8(0).
		I32(logInfo).I32(scratchAddr).I32(1).Call(log).Drop().
		I32(0).Done()

	bodies := make(map[string][]byte, len(HookExports))
	for _, h := range HookExports {
		bodies[h] = body
	}
	addHooks(b, bodies)
	return b.Build()
}

// Initialized sets a flag from _initialize; every hook logs the flag as a
// digit, so "7" proves the entry point ran before the hook.
func Initialized() []byte {
	b := NewBuilder()
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, allocNormal)
	flag := b.Global(true, 0)

	b.Func("_initialize", nil, nil, 0, NewAsm().I32(7).GlobalSet(flag).Done())

	body := NewAsm().
		I32(scratchAddr).
		GlobalGet(flag).I32('0').I32Add().
		I32Store8(0).
		I32(logInfo).I32(scratchAddr).I32(1).Call(log).Drop().
		I32(0).Done()
	bodies := make(map[string][]byte, len(HookExports))
	for _, h := range HookExports {
		bodies[h] = body
	}
	addHooks(b, bodies)
	return b.Build()
}

// TrapOnHook traps inside the named hook; the others pass through.
func TrapOnHook(hookExport string) []byte {
	b := NewBuilder()
	addBase(b, allocNormal)
	addHooks(b, map[string][]byte{
		hookExport: NewAsm().Unreachable().Done(),
	})
	return b.Build()
}

// TrapOnVMStart traps in proxy_on_vm_start; hooks still pass through.
func TrapOnVMStart() []byte {
	b := NewBuilder()
	addBase(b, allocNormal)
	b.Func("proxy_on_vm_start", I32N(2), resultI32, 0, NewAsm().Unreachable().Done())
	addHooks(b, nil)
	return b.Build()
}

// TrapOnContextCreate traps in proxy_on_context_create, which aborts hook
// execution before the hook export is reached.
func TrapOnContextCreate() []byte {
	b := NewBuilder()
	addBase(b, allocNormal)
	b.Func("proxy_on_context_create", I32N(2), nil, 0, NewAsm().Unreachable().Done())
	addHooks(b, nil)
	return b.Build()
}

// VMStartLogger logs from proxy_on_vm_start and proxy_on_configure, then
// logs "hook" from each hook. Only the hook lines belong in captures.
func VMStartLogger() []byte {
	b := NewBuilder()
	log := b.Import("env", "proxy_log", I32N(3), resultI32)
	addBase(b, allocNormal)

	cursor := uint32(poolAddr)
	vmPtr, vmN := b.DataString(cursor, "vm start")
	cursor += vmN
	cfgPtr, cfgN := b.DataString(cursor, "configure")
	cursor += cfgN
	hookPtr, hookN := b.DataString(cursor, "hook")

	b.Func("proxy_on_vm_start", I32N(2), resultI32, 0,
		NewAsm().
			I32(logInfo).I32(int32(vmPtr)).I32(int32(vmN)).Call(log).Drop().
			I32(1).Done())
	b.Func("proxy_on_configure", I32N(2), resultI32, 0,
		NewAsm().
			I32(logInfo).I32(int32(cfgPtr)).I32(int32(cfgN)).Call(log).Drop().
			I32(1).Done())

	body := NewAsm().
		I32(logInfo).I32(int32(hookPtr)).I32(int32(hookN)).Call(log).Drop().
		I32(0).Done()
	bodies := make(map[string][]byte, len(HookExports))
	for _, h := range HookExports {
		bodies[h] = body
	}
	addHooks(b, bodies)
	return b.Build()
}

// StdioEcho writes text to the given WASI file descriptor from every hook.
func StdioEcho(fd int32, text string) []byte {
	b := NewBuilder()
	write := b.Import("wasi_snapshot_preview1", "fd_write", I32N(4), resultI32)
	addBase(b, allocNormal)

	ptr, n := b.DataString(poolAddr, text)
	b.DataUint32(iovecAddr, ptr)
	b.DataUint32(iovecAddr+4, n)

	body := NewAsm().
		I32(fd).I32(iovecAddr).I32(1).I32(iovecAddr + 8).
		Call(write).Drop().
		I32(0).Done()
	bodies := make(map[string][]byte, len(HookExports))
	for _, h := range HookExports {
		bodies[h] = body
	}
	addHooks(b, bodies)
	return b.Build()
}

// Trampoline imports the complete host surface and re-exports every
// function under its own name, so tests can call host functions directly
// with full control over guest memory.
func Trampoline() []byte {
	type hostFn struct {
		name   string
		params []byte
	}
	fns := []hostFn{
		{"proxy_log", I32N(3)},
		{"proxy_get_log_level", I32N(1)},
		{"proxy_get_current_time_nanoseconds", I32N(1)},
		{"proxy_get_configuration", I32N(1)},
		{"proxy_get_header_map_pairs", I32N(2)},
		{"proxy_set_header_map_pairs", I32N(3)},
		{"proxy_get_header_map_value", I32N(4)},
		{"proxy_replace_header_map_value", I32N(5)},
		{"proxy_add_header_map_value", I32N(5)},
		{"proxy_remove_header_map_value", I32N(3)},
		{"proxy_get_header_map_size", I32N(2)},
		{"proxy_get_buffer_bytes", I32N(4)},
		{"proxy_set_buffer_bytes", I32N(5)},
		{"proxy_get_buffer_status", I32N(3)},
		{"proxy_get_property", I32N(3)},
		{"proxy_set_property", I32N(4)},

		{"proxy_set_effective_context", I32N(1)},
		{"proxy_set_tick_period_milliseconds", I32N(1)},
		{"proxy_continue_request", I32N(0)},
		{"proxy_continue_response", I32N(0)},
		{"proxy_continue_stream", I32N(1)},
		{"proxy_close_stream", I32N(1)},
		{"proxy_done", I32N(0)},

		{"proxy_send_local_response", I32N(8)},
		{"proxy_http_call", I32N(10)},
		{"proxy_get_shared_data", I32N(5)},
		{"proxy_set_shared_data", I32N(5)},
		{"proxy_register_shared_queue", I32N(3)},
		{"proxy_resolve_shared_queue", I32N(5)},
		{"proxy_dequeue_shared_queue", I32N(3)},
		{"proxy_enqueue_shared_queue", I32N(3)},
		{"proxy_define_metric", I32N(4)},
		{"proxy_increment_metric", []byte{I32, I64}},
		{"proxy_record_metric", []byte{I32, I64}},
		{"proxy_get_metric", I32N(2)},
		{"proxy_call_foreign_function", I32N(6)},
		{"proxy_grpc_call", I32N(12)},
		{"proxy_grpc_stream", I32N(9)},
		{"proxy_grpc_send", I32N(4)},
		{"proxy_grpc_cancel", I32N(1)},
		{"proxy_grpc_close", I32N(1)},
	}

	b := NewBuilder()
	idxs := make([]uint32, len(fns))
	for i, f := range fns {
		idxs[i] = b.Import("env", f.name, f.params, resultI32)
	}
	addBase(b, allocNormal)
	for i, f := range fns {
		a := NewAsm()
		for p := range f.params {
			a.LocalGet(uint32(p))
		}
		b.Func(f.name, f.params, resultI32, 0, a.Call(idxs[i]).Done())
	}
	return b.Build()
}
