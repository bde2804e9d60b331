package wasmtest

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
)

func TestULEB128(t *testing.T) {
	tests := []struct {
		v    uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
	}
	for _, tt := range tests {
		if got := uleb128(tt.v); !bytes.Equal(got, tt.want) {
			t.Errorf("uleb128(%d) = %x, want %x", tt.v, got, tt.want)
		}
	}
}

func TestSLEB128(t *testing.T) {
	tests := []struct {
		v    int32
		want []byte
	}{
		{0, []byte{0x00}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-1, []byte{0x7f}},
		{-64, []byte{0x40}},
		{-123456, []byte{0xc0, 0xbb, 0x78}},
	}
	for _, tt := range tests {
		if got := sleb128(tt.v); !bytes.Equal(got, tt.want) {
			t.Errorf("sleb128(%d) = %x, want %x", tt.v, got, tt.want)
		}
	}
}

// Every canned guest must pass wazero's validator; instantiation against
// the real host module is covered by the packages using them.
func TestGuestsCompile(t *testing.T) {
	guests := []struct {
		name string
		wasm []byte
	}{
		{"passthrough", Passthrough()},
		{"no hooks", NoHooks()},
		{"logger", Logger(2, "hello")},
		{"hook name logger", HookNameLogger()},
		{"log each level", LogEachLevel()},
		{"set header", SetHeader("proxy_on_request_headers", 0, "x-tag", "on")},
		{"remove header", RemoveHeader("proxy_on_request_headers", 0, "x-tag")},
		{"read header", ReadHeader("proxy_on_request_headers", 0, "host")},
		{"read header no alloc", ReadHeaderNoAlloc("proxy_on_request_headers", 0, "host")},
		{"read header broken alloc", ReadHeaderBrokenAlloc("proxy_on_request_headers", 0, "host")},
		{"pair count", PairCount("proxy_on_request_headers", 0)},
		{"set property", SetProperty("proxy_on_request_headers", "request.path", "/rewritten")},
		{"read property", ReadProperty("proxy_on_request_body", "request.method")},
		{"property lifecycle", PropertyLifecycle("proxy_on_request_headers", "custom.token", "abc", "proxy_on_request_body")},
		{"replace body", ReplaceBody("proxy_on_request_body", 0, "new body")},
		{"read buffer", ReadBuffer("proxy_on_request_body", 0)},
		{"legacy config", LegacyConfig("proxy_on_request_headers")},
		{"counter", Counter()},
		{"initialized", Initialized()},
		{"trap on hook", TrapOnHook("proxy_on_request_headers")},
		{"trap on vm start", TrapOnVMStart()},
		{"trap on context create", TrapOnContextCreate()},
		{"vm start logger", VMStartLogger()},
		{"stdio echo", StdioEcho(1, "to stdout\n")},
		{"trampoline", Trampoline()},
	}

	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	for _, tt := range guests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, err := rt.CompileModule(ctx, tt.wasm)
			if err != nil {
				t.Fatalf("CompileModule: %v", err)
			}
			compiled.Close(ctx)
		})
	}
}

func TestPassthroughExports(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, Passthrough())
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}
	defer compiled.Close(ctx)

	exports := compiled.ExportedFunctions()
	want := []string{
		"proxy_abi_version_0_2_0",
		"malloc",
		"proxy_on_memory_allocate",
		"proxy_on_request_headers",
		"proxy_on_request_body",
		"proxy_on_response_headers",
		"proxy_on_response_body",
	}
	for _, name := range want {
		if _, ok := exports[name]; !ok {
			t.Errorf("export %q missing", name)
		}
	}
}
