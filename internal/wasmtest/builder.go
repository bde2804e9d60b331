// Package wasmtest assembles small WebAssembly filter modules in memory so
// tests never depend on checked-in binaries or a guest toolchain.
package wasmtest

import "encoding/binary"

// Value types as encoded in the binary format.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// Section IDs.
const (
	secType     = 0x01
	secImport   = 0x02
	secFunction = 0x03
	secMemory   = 0x05
	secGlobal   = 0x06
	secExport   = 0x07
	secCode     = 0x0a
	secData     = 0x0b
)

// Export kinds.
const (
	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03
)

// I32N returns n i32 value types, the shape of most host signatures.
func I32N(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = I32
	}
	return out
}

func uleb128(v uint32) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		result = append(result, b)
		if v == 0 {
			break
		}
	}
	return result
}

func sleb128(v int32) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			result = append(result, b)
			break
		}
		result = append(result, b|0x80)
	}
	return result
}

type importFunc struct {
	module, name string
	params       []byte
	results      []byte
}

type localFunc struct {
	name   string
	params []byte
	result []byte
	locals int
	body   []byte
}

type globalDef struct {
	mutable bool
	init    int32
}

type dataSegment struct {
	offset  uint32
	payload []byte
}

type exportAlias struct {
	name string
	fn   uint32
}

// Builder assembles one module: function imports first, then local
// functions, globals, and data segments. The function index space is
// imports followed by local functions, so all imports must be declared
// before the first Func call.
type Builder struct {
	imports  []importFunc
	funcs    []localFunc
	globals  []globalDef
	data     []dataSegment
	aliases  []exportAlias
	memPages uint32
}

// NewBuilder returns a builder for a module owning one page of exported
// linear memory.
func NewBuilder() *Builder {
	return &Builder{memPages: 1}
}

// Import declares a function import and returns its index.
func (b *Builder) Import(module, name string, params, results []byte) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	b.imports = append(b.imports, importFunc{module: module, name: name, params: params, results: results})
	return uint32(len(b.imports) - 1)
}

// Func defines a function with the given number of i32 scratch locals and
// returns its index. A non-empty name exports it. The body must already
// end with the end opcode, as Asm.Done produces.
func (b *Builder) Func(name string, params, result []byte, locals int, body []byte) uint32 {
	b.funcs = append(b.funcs, localFunc{name: name, params: params, result: result, locals: locals, body: body})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Alias exports an already-defined function under another name.
func (b *Builder) Alias(name string, fn uint32) {
	b.aliases = append(b.aliases, exportAlias{name: name, fn: fn})
}

// Global defines an i32 global and returns its index.
func (b *Builder) Global(mutable bool, init int32) uint32 {
	b.globals = append(b.globals, globalDef{mutable: mutable, init: init})
	return uint32(len(b.globals) - 1)
}

// Data places payload at a fixed memory offset via an active data segment.
func (b *Builder) Data(offset uint32, payload []byte) {
	b.data = append(b.data, dataSegment{offset: offset, payload: payload})
}

// DataString places s at a fixed offset and returns (offset, length) for
// use as a (ptr, size) argument pair.
func (b *Builder) DataString(offset uint32, s string) (uint32, uint32) {
	b.Data(offset, []byte(s))
	return offset, uint32(len(s))
}

// DataUint32 places a little-endian u32 at a fixed offset.
func (b *Builder) DataUint32(offset uint32, v uint32) {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, v)
	b.Data(offset, payload)
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb128(uint32(len(content)))...)
	return append(out, content...)
}

// Build generates the module bytes.
func (b *Builder) Build() []byte {
	wasm := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// Type section: one entry per function, import types first, so the
	// type index always equals the function index.
	var types []byte
	types = append(types, uleb128(uint32(len(b.imports)+len(b.funcs)))...)
	appendType := func(params, results []byte) {
		types = append(types, 0x60)
		types = append(types, uleb128(uint32(len(params)))...)
		types = append(types, params...)
		types = append(types, uleb128(uint32(len(results)))...)
		types = append(types, results...)
	}
	for _, imp := range b.imports {
		appendType(imp.params, imp.results)
	}
	for _, f := range b.funcs {
		appendType(f.params, f.result)
	}
	wasm = append(wasm, section(secType, types)...)

	if len(b.imports) > 0 {
		var imports []byte
		imports = append(imports, uleb128(uint32(len(b.imports)))...)
		for i, imp := range b.imports {
			imports = append(imports, uleb128(uint32(len(imp.module)))...)
			imports = append(imports, []byte(imp.module)...)
			imports = append(imports, uleb128(uint32(len(imp.name)))...)
			imports = append(imports, []byte(imp.name)...)
			imports = append(imports, kindFunc)
			imports = append(imports, uleb128(uint32(i))...)
		}
		wasm = append(wasm, section(secImport, imports)...)
	}

	if len(b.funcs) > 0 {
		var funcs []byte
		funcs = append(funcs, uleb128(uint32(len(b.funcs)))...)
		for i := range b.funcs {
			funcs = append(funcs, uleb128(uint32(len(b.imports)+i))...)
		}
		wasm = append(wasm, section(secFunction, funcs)...)
	}

	memory := []byte{0x01, 0x00}
	memory = append(memory, uleb128(b.memPages)...)
	wasm = append(wasm, section(secMemory, memory)...)

	if len(b.globals) > 0 {
		var globals []byte
		globals = append(globals, uleb128(uint32(len(b.globals)))...)
		for _, g := range b.globals {
			globals = append(globals, I32)
			if g.mutable {
				globals = append(globals, 0x01)
			} else {
				globals = append(globals, 0x00)
			}
			globals = append(globals, 0x41)
			globals = append(globals, sleb128(g.init)...)
			globals = append(globals, 0x0b)
		}
		wasm = append(wasm, section(secGlobal, globals)...)
	}

	var exports []byte
	numExports := 1 + len(b.aliases) // memory plus aliases
	for _, f := range b.funcs {
		if f.name != "" {
			numExports++
		}
	}
	exports = append(exports, uleb128(uint32(numExports))...)
	exports = append(exports, uleb128(uint32(len("memory")))...)
	exports = append(exports, []byte("memory")...)
	exports = append(exports, kindMemory, 0x00)
	for i, f := range b.funcs {
		if f.name == "" {
			continue
		}
		exports = append(exports, uleb128(uint32(len(f.name)))...)
		exports = append(exports, []byte(f.name)...)
		exports = append(exports, kindFunc)
		exports = append(exports, uleb128(uint32(len(b.imports)+i))...)
	}
	for _, a := range b.aliases {
		exports = append(exports, uleb128(uint32(len(a.name)))...)
		exports = append(exports, []byte(a.name)...)
		exports = append(exports, kindFunc)
		exports = append(exports, uleb128(a.fn)...)
	}
	wasm = append(wasm, section(secExport, exports)...)

	if len(b.funcs) > 0 {
		var code []byte
		code = append(code, uleb128(uint32(len(b.funcs)))...)
		for _, f := range b.funcs {
			var body []byte
			if f.locals == 0 {
				body = append(body, 0x00)
			} else {
				body = append(body, 0x01)
				body = append(body, uleb128(uint32(f.locals))...)
				body = append(body, I32)
			}
			body = append(body, f.body...)
			code = append(code, uleb128(uint32(len(body)))...)
			code = append(code, body...)
		}
		wasm = append(wasm, section(secCode, code)...)
	}

	if len(b.data) > 0 {
		var data []byte
		data = append(data, uleb128(uint32(len(b.data)))...)
		for _, seg := range b.data {
			data = append(data, 0x00, 0x41)
			data = append(data, sleb128(int32(seg.offset))...)
			data = append(data, 0x0b)
			data = append(data, uleb128(uint32(len(seg.payload)))...)
			data = append(data, seg.payload...)
		}
		wasm = append(wasm, section(secData, data)...)
	}

	return wasm
}

// Asm assembles a function body one instruction at a time.
type Asm struct {
	raw []byte
}

func NewAsm() *Asm { return &Asm{} }

func (a *Asm) Unreachable() *Asm {
	a.raw = append(a.raw, 0x00)
	return a
}

// I32 pushes a constant.
func (a *Asm) I32(v int32) *Asm {
	a.raw = append(a.raw, 0x41)
	a.raw = append(a.raw, sleb128(v)...)
	return a
}

func (a *Asm) LocalGet(i uint32) *Asm {
	a.raw = append(a.raw, 0x20)
	a.raw = append(a.raw, uleb128(i)...)
	return a
}

func (a *Asm) LocalSet(i uint32) *Asm {
	a.raw = append(a.raw, 0x21)
	a.raw = append(a.raw, uleb128(i)...)
	return a
}

func (a *Asm) GlobalGet(i uint32) *Asm {
	a.raw = append(a.raw, 0x23)
	a.raw = append(a.raw, uleb128(i)...)
	return a
}

func (a *Asm) GlobalSet(i uint32) *Asm {
	a.raw = append(a.raw, 0x24)
	a.raw = append(a.raw, uleb128(i)...)
	return a
}

func (a *Asm) Call(fn uint32) *Asm {
	a.raw = append(a.raw, 0x10)
	a.raw = append(a.raw, uleb128(fn)...)
	return a
}

func (a *Asm) Drop() *Asm {
	a.raw = append(a.raw, 0x1a)
	return a
}

func (a *Asm) I32Add() *Asm {
	a.raw = append(a.raw, 0x6a)
	return a
}

func (a *Asm) I32Eqz() *Asm {
	a.raw = append(a.raw, 0x45)
	return a
}

// If opens an if block with no result; close it with End.
func (a *Asm) If() *Asm {
	a.raw = append(a.raw, 0x04, 0x40)
	return a
}

func (a *Asm) End() *Asm {
	a.raw = append(a.raw, 0x0b)
	return a
}

// I32Load pops an address and pushes the u32 at address+offset.
func (a *Asm) I32Load(offset uint32) *Asm {
	a.raw = append(a.raw, 0x28, 0x02)
	a.raw = append(a.raw, uleb128(offset)...)
	return a
}

// I32Store pops a value then an address and stores the u32.
func (a *Asm) I32Store(offset uint32) *Asm {
	a.raw = append(a.raw, 0x36, 0x02)
	a.raw = append(a.raw, uleb128(offset)...)
	return a
}

// I32Store8 stores the low byte of the popped value.
func (a *Asm) I32Store8(offset uint32) *Asm {
	a.raw = append(a.raw, 0x3a, 0x00)
	a.raw = append(a.raw, uleb128(offset)...)
	return a
}

// Done terminates the body and returns its bytes.
func (a *Asm) Done() []byte {
	return append(a.raw, 0x0b)
}
