package hostfunc

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

func i32s(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}

var statusResult = []api.ValueType{api.ValueTypeI32}

// registerAcks exports calls that succeed without doing anything. Flow
// control is synchronous here (every hook runs to completion with
// end_of_stream set), timers never fire, and context bookkeeping is the
// runner's job, so acknowledging is the correct behavior.
func registerAcks(b wazero.HostModuleBuilder) {
	acks := []struct {
		name    string
		nParams int
	}{
		{"proxy_set_effective_context", 1},
		{"proxy_set_tick_period_milliseconds", 1},
		{"proxy_continue_request", 0},
		{"proxy_continue_response", 0},
		{"proxy_continue_stream", 1},
		{"proxy_close_stream", 1},
		{"proxy_done", 0},
	}
	for _, ack := range acks {
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				stack[0] = uint64(StatusOK)
			}), i32s(ack.nParams), statusResult).
			Export(ack.name)
	}
}

// registerUnimplemented exports the rest of the proxy-wasm import surface
// as stubs returning Unimplemented. SDK-built filters import these names
// unconditionally and would fail to instantiate otherwise; the features
// themselves (callouts, shared data, queues, metrics, gRPC) are outside
// what a local bench simulates.
func registerUnimplemented(b wazero.HostModuleBuilder) {
	i64 := api.ValueTypeI64
	stubs := []struct {
		name   string
		params []api.ValueType
	}{
		{"proxy_send_local_response", i32s(8)},
		{"proxy_http_call", i32s(10)},
		{"proxy_get_shared_data", i32s(5)},
		{"proxy_set_shared_data", i32s(5)},
		{"proxy_register_shared_queue", i32s(3)},
		{"proxy_resolve_shared_queue", i32s(5)},
		{"proxy_dequeue_shared_queue", i32s(3)},
		{"proxy_enqueue_shared_queue", i32s(3)},
		{"proxy_define_metric", i32s(4)},
		{"proxy_increment_metric", []api.ValueType{api.ValueTypeI32, i64}},
		{"proxy_record_metric", []api.ValueType{api.ValueTypeI32, i64}},
		{"proxy_get_metric", i32s(2)},
		{"proxy_call_foreign_function", i32s(6)},
		{"proxy_grpc_call", i32s(12)},
		{"proxy_grpc_stream", i32s(9)},
		{"proxy_grpc_send", i32s(4)},
		{"proxy_grpc_cancel", i32s(1)},
		{"proxy_grpc_close", i32s(1)},
	}
	for _, stub := range stubs {
		name := stub.name
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				if s, ok := StateFromContext(ctx); ok {
					s.Logger().Debug("unimplemented host call", zap.String("fn", name))
				}
				stack[0] = uint64(StatusUnimplemented)
			}), stub.params, statusResult).
			Export(name)
	}
}
