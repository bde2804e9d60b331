// Package proxytap provides a local test bench for proxy-wasm HTTP filters.
//
// # Overview
//
// proxytap loads a compiled filter module and drives it through a simulated
// HTTP exchange: the four lifecycle hooks (onRequestHeaders, onRequestBody,
// onResponseHeaders, onResponseBody) run in order around one real outbound
// HTTP call. Every log line, header mutation, body mutation, and property
// mutation the filter makes is captured per hook and returned to the caller.
// The filter itself never touches the network; the host performs the single
// fetch between the request and response phases.
//
// # Basic Usage
//
//	r, _ := runner.New()
//	defer r.Close(ctx)
//
//	wasm, _ := loader.ReadModule("filter.wasm")
//	mod, err := r.Load(ctx, wasm)
//	if err != nil {
//	    log.Fatal(err) // malformed module
//	}
//
//	res, _ := mod.RunFlow(ctx, runner.FlowCall{
//	    URL:    "https://httpbin.org/json",
//	    Method: "GET",
//	})
//	for _, h := range runner.Hooks {
//	    fmt.Println(h, res.Hooks[h].Logs)
//	}
//	fmt.Println(res.Final.Status, res.Final.Body)
//
// # Single Hooks
//
// A hook can also run standalone against a synthetic request or response:
//
//	hr := mod.RunHook(ctx, runner.HookCall{
//	    Hook: runner.OnRequestHeaders,
//	    Request: runner.RequestState{
//	        Method:  "GET",
//	        Path:    "/v1/items",
//	        Headers: map[string]string{"x-api-key": "debug"},
//	    },
//	})
//	fmt.Println(hr.Output.Request.Headers)
//
// Each hook call runs in a fresh single-use module instance, so filter
// globals never leak between hooks; continuity lives only in the captured
// results the orchestrator threads forward.
//
// See the [runner], [hostfunc], [property], and [loader] packages for
// detailed API documentation, and cmd/proxytap for the CLI.
package proxytap
