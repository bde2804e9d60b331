package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/proxytap/proxytap/hostfunc"
	"github.com/proxytap/proxytap/property"
)

var (
	// ErrInvalidModule marks bytes that are not a loadable wasm module.
	// Load fails before anything has run.
	ErrInvalidModule = errors.New("invalid wasm module")

	// ErrClosed is returned when using a Runner after Close.
	ErrClosed = errors.New("runner is closed")
)

// Context IDs passed to guest callbacks: one root context per instance and
// one HTTP stream context created from it. Instances are single-use, so the
// IDs never vary.
const (
	rootContextID uint64 = 1
	httpContextID uint64 = 2
)

// Runner owns one wazero runtime with the env and WASI host modules
// instantiated. Modules loaded from it share the runtime but execute in
// fresh single-use instances.
type Runner struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	logger  *zap.Logger
	client  *http.Client
	mu      sync.RWMutex
	closed  bool
}

// New creates a Runner.
func New(opts ...Option) (*Runner, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error
	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	cleanup := func() {
		rt.Close(ctx)
		if cache != nil {
			cache.Close(ctx)
		}
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		cleanup()
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	if err := hostfunc.Instantiate(ctx, rt); err != nil {
		cleanup()
		return nil, err
	}

	return &Runner{
		runtime: rt,
		cache:   cache,
		logger:  cfg.logger,
		client:  cfg.client,
	}, nil
}

// Load compiles a filter module once. The compiled form is immutable and
// safe to run concurrently; malformed binaries fail here with
// ErrInvalidModule and nothing executes.
func (r *Runner) Load(ctx context.Context, wasm []byte, opts ...ModuleOption) (*Module, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	mcfg := moduleConfig{}
	for _, opt := range opts {
		opt(&mcfg)
	}

	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}

	m := &Module{
		runner:       r,
		compiled:     compiled,
		vmConfig:     mcfg.vmConfig,
		pluginConfig: mcfg.pluginConfig,
		exports:      make(map[string]struct{}),
	}
	for name := range compiled.ExportedFunctions() {
		m.exports[name] = struct{}{}
		if strings.HasPrefix(name, "proxy_abi_version_") {
			m.abiVersion = strings.TrimPrefix(name, "proxy_abi_version_")
		}
	}

	r.logger.Debug("module loaded",
		zap.Int("size_bytes", len(wasm)),
		zap.Int("exports", len(m.exports)),
		zap.String("abi_version", m.abiVersion))
	return m, nil
}

// Close releases the runtime and compilation cache.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.cache != nil {
		if err := r.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Module is one compiled filter. Each RunHook or RunFlow call instantiates
// it afresh and discards the instance afterwards, so guest globals and heap
// never leak between calls.
type Module struct {
	runner       *Runner
	compiled     wazero.CompiledModule
	vmConfig     []byte
	pluginConfig []byte
	exports      map[string]struct{}
	abiVersion   string
}

// ABIVersion is the version the module advertises through its
// proxy_abi_version_* marker export, empty when it has none.
func (m *Module) ABIVersion() string { return m.abiVersion }

// Close releases the compiled module.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// RunHook drives one hook in a fresh instance. It never returns a Go error:
// once a module has loaded, every failure mode is captured in the result
// (instantiation and hook traps set Error; guest init failures are
// swallowed and logged at debug).
func (m *Module) RunHook(ctx context.Context, call HookCall) *HookResult {
	props := property.NewResolver()
	props.MergeCalculated(calculatedFromRequest(call.Request))
	props.SeedUser(call.Properties)
	return m.runHook(ctx, call, props)
}

func (m *Module) runHook(ctx context.Context, call HookCall, props *property.Resolver) *HookResult {
	res := &HookResult{
		Input: HookState{
			Request:    call.Request.clone(),
			Response:   call.Response.clone(),
			Properties: copyProperties(props.All()),
		},
	}

	state := hostfunc.NewState(hostfunc.StateConfig{
		Context:         call.Hook.Context(),
		Resolver:        props,
		RequestHeaders:  hostfunc.HeaderMapFromMap(call.Request.Headers),
		ResponseHeaders: hostfunc.HeaderMapFromMap(call.Response.Headers),
		RequestBody:     []byte(call.Request.Body),
		ResponseBody:    []byte(call.Response.Body),
		VMConfig:        m.vmConfig,
		PluginConfig:    m.pluginConfig,
		MinLevel:        call.LogLevel,
		Logger:          m.runner.logger,
	})
	ctx = hostfunc.WithState(ctx, state)

	inst, err := m.instantiate(ctx, state)
	if err != nil {
		res.Error = fmt.Sprintf("instantiate module: %v", err)
		res.Logs = state.Logs()
		res.Output = snapshotState(state, props, call)
		return res
	}
	defer inst.Close(ctx)

	m.runGuestInit(ctx, inst)
	state.SetPhase(hostfunc.PhaseExecuting)

	code, err := m.invokeHook(ctx, inst, state, call.Hook)
	state.FlushStdio()
	res.Logs = state.Logs()
	if err != nil {
		res.Error = err.Error()
	} else {
		res.ReturnCode = &code
	}
	res.Output = snapshotState(state, props, call)
	return res
}

func (m *Module) instantiate(ctx context.Context, state *hostfunc.State) (api.Module, error) {
	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous: concurrent instances of one module
		WithStartFunctions().
		WithStdout(state.Stdout()).
		WithStderr(state.Stderr()).
		WithSysWalltime().
		WithSysNanotime()
	return m.runner.runtime.InstantiateModule(ctx, m.compiled, cfg)
}

// runGuestInit drives the guest's startup entry point and configuration
// callbacks. Failures here are expected for guests probing capabilities the
// bench doesn't provide, so they are swallowed and logged at debug; the
// Initializing phase keeps their log output away from captured results.
func (m *Module) runGuestInit(ctx context.Context, inst api.Module) {
	log := m.runner.logger

	if fn := inst.ExportedFunction("_initialize"); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			log.Debug("guest _initialize failed", zap.Error(err))
		}
	} else if fn := inst.ExportedFunction("_start"); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			log.Debug("guest _start failed", zap.Error(err))
		}
	}

	if fn := inst.ExportedFunction("proxy_on_vm_start"); fn != nil {
		if _, err := fn.Call(ctx, rootContextID, uint64(len(m.vmConfig))); err != nil {
			log.Debug("guest proxy_on_vm_start failed", zap.Error(err))
		}
	}
	if fn := inst.ExportedFunction("proxy_on_configure"); fn != nil {
		if _, err := fn.Call(ctx, rootContextID, uint64(len(m.pluginConfig))); err != nil {
			log.Debug("guest proxy_on_configure failed", zap.Error(err))
		}
	}
	if fn := inst.ExportedFunction("proxy_on_context_create"); fn != nil {
		if _, err := fn.Call(ctx, rootContextID, 0); err != nil {
			log.Debug("guest root context create failed", zap.Error(err))
		}
	}
}

// invokeHook creates the HTTP stream context and calls the hook export with
// (contextID, count, end_of_stream). Header hooks pass the header count,
// body hooks the buffered body length; end_of_stream is always set since
// every stage arrives complete.
func (m *Module) invokeHook(ctx context.Context, inst api.Module, state *hostfunc.State, hook Hook) (int32, error) {
	if fn := inst.ExportedFunction("proxy_on_context_create"); fn != nil {
		if _, err := fn.Call(ctx, httpContextID, rootContextID); err != nil {
			return 0, fmt.Errorf("create http context: %w", err)
		}
	}

	fn := inst.ExportedFunction(hook.export())
	if fn == nil {
		// A filter that doesn't handle this hook passes the stage through.
		return ActionContinue, nil
	}

	results, err := fn.Call(ctx, httpContextID, uint64(hookArg(state, hook)), 1)
	if err != nil {
		return 0, fmt.Errorf("hook %s failed: %w", hook, err)
	}
	if len(results) == 0 {
		return ActionContinue, nil
	}
	return int32(uint32(results[0])), nil
}

func hookArg(state *hostfunc.State, hook Hook) uint32 {
	switch hook {
	case OnRequestHeaders:
		hm, _ := state.Map(hostfunc.MapRequestHeaders)
		return uint32(hm.Len())
	case OnResponseHeaders:
		hm, _ := state.Map(hostfunc.MapResponseHeaders)
		return uint32(hm.Len())
	case OnRequestBody:
		b, _, _ := state.Buffer(hostfunc.BufferRequestBody)
		return uint32(len(b))
	default:
		b, _, _ := state.Buffer(hostfunc.BufferResponseBody)
		return uint32(len(b))
	}
}

// snapshotState deep-copies what the guest left behind. Method, path,
// scheme, and status come from the call: guests change those through
// properties or headers, not through these fields.
func snapshotState(state *hostfunc.State, props *property.Resolver, call HookCall) HookState {
	reqHeaders, _ := state.Map(hostfunc.MapRequestHeaders)
	respHeaders, _ := state.Map(hostfunc.MapResponseHeaders)
	reqBody, _, _ := state.Buffer(hostfunc.BufferRequestBody)
	respBody, _, _ := state.Buffer(hostfunc.BufferResponseBody)

	return HookState{
		Request: RequestState{
			Method:  call.Request.Method,
			Path:    call.Request.Path,
			Scheme:  call.Request.Scheme,
			Headers: reqHeaders.ToMap(),
			Body:    string(reqBody),
		},
		Response: ResponseState{
			Status:     call.Response.Status,
			StatusText: call.Response.StatusText,
			Headers:    respHeaders.ToMap(),
			Body:       string(respBody),
		},
		Properties: copyProperties(props.All()),
	}
}

// calculatedFromRequest derives the standard properties a standalone hook
// call can know from its request fields. Flow calls use a resolver derived
// from the full target URL instead.
func calculatedFromRequest(req RequestState) map[string]any {
	props := make(map[string]any)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	props["request.method"] = strings.ToUpper(method)

	scheme := req.Scheme
	if scheme == "" {
		scheme = "https"
	}
	props["request.scheme"] = scheme

	reqPath, query := req.Path, ""
	if i := strings.IndexByte(reqPath, '?'); i >= 0 {
		reqPath, query = reqPath[:i], reqPath[i+1:]
	}
	if reqPath == "" {
		reqPath = "/"
	}
	props["request.path"] = reqPath
	props["request.query"] = query
	props["request.extension"] = pathExtension(reqPath)

	if host, ok := hostfunc.HeaderMapFromMap(req.Headers).Get("host"); ok {
		props["request.host"] = host
	}
	return props
}

// pathExtension returns the path's file extension without the dot.
func pathExtension(p string) string {
	return strings.TrimPrefix(path.Ext(p), ".")
}
