// Package runner loads proxy-wasm filter modules and drives them through
// the HTTP lifecycle hooks, capturing everything the filter did along the
// way.
//
// # Runner and Module
//
// A [Runner] owns the wazero runtime, the host ABI, and the compilation
// cache; it is safe for concurrent use and should be reused across loads.
// [Runner.Load] compiles a .wasm binary into an immutable [Module]. Each
// hook invocation instantiates the compiled module from scratch, so
// filters never observe state from a previous run.
//
// # Hooks and flows
//
// [Module.RunHook] executes one lifecycle hook against caller-supplied
// request and response state and returns a [HookResult]: the state before
// and after, the guest's return code, and the log lines it emitted.
// [Module.RunFlow] chains all four hooks around one real outbound HTTP
// request, threading header, body, and property mutations from each hook
// into the next and returning the [FinalResponse] a client would have
// seen.
//
// Guest traps and failed fetches never abort a flow; they are recorded in
// the per-hook results, and a failed fetch is presented to the response
// hooks as a synthesized 502.
package runner
