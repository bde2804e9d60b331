package hostfunc

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/proxytap/proxytap/property"
)

type stateKey struct{}

// WithState attaches s to ctx. Host functions find their instance state
// there, so one env module serves any number of concurrent instances.
func WithState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

// StateFromContext returns the instance state attached by WithState.
func StateFromContext(ctx context.Context) (*State, bool) {
	s, ok := ctx.Value(stateKey{}).(*State)
	return s, ok
}

// StateConfig seeds a fresh per-instance State. Nil maps become empty maps;
// a nil logger becomes a nop logger.
type StateConfig struct {
	Context          property.Context
	Resolver         *property.Resolver
	RequestHeaders   *HeaderMap
	RequestTrailers  *HeaderMap
	ResponseHeaders  *HeaderMap
	ResponseTrailers *HeaderMap
	RequestBody      []byte
	ResponseBody     []byte
	VMConfig         []byte
	PluginConfig     []byte
	MinLevel         LogLevel
	Logger           *zap.Logger
}

// State is everything one module instance can observe and mutate through
// the ABI: the four header maps, the two body buffers, the read-only config
// buffers, the property resolver, and the captured log. Each hook call gets
// a fresh State; nothing is shared between instances.
type State struct {
	mu       sync.Mutex
	maps     map[MapType]*HeaderMap
	bodies   map[BufferType][]byte
	configs  map[BufferType][]byte
	resolver *property.Resolver
	hookCtx  property.Context
	phase    Phase
	minLevel LogLevel
	logs     []LogEntry
	logger   *zap.Logger
	mem      *Memory
	stdout   *consoleWriter
	stderr   *consoleWriter
}

// NewState builds the per-instance state for one hook call. The phase
// starts at Initializing; the runner flips it to Executing once guest
// init entry points have run.
func NewState(cfg StateConfig) *State {
	orEmpty := func(h *HeaderMap) *HeaderMap {
		if h == nil {
			return NewHeaderMap()
		}
		return h
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = property.NewResolver()
	}
	s := &State{
		maps: map[MapType]*HeaderMap{
			MapRequestHeaders:   orEmpty(cfg.RequestHeaders),
			MapRequestTrailers:  orEmpty(cfg.RequestTrailers),
			MapResponseHeaders:  orEmpty(cfg.ResponseHeaders),
			MapResponseTrailers: orEmpty(cfg.ResponseTrailers),
		},
		bodies: map[BufferType][]byte{
			BufferRequestBody:  cfg.RequestBody,
			BufferResponseBody: cfg.ResponseBody,
		},
		configs: map[BufferType][]byte{
			BufferVMConfig:     cfg.VMConfig,
			BufferPluginConfig: cfg.PluginConfig,
		},
		resolver: resolver,
		hookCtx:  cfg.Context,
		phase:    PhaseInitializing,
		minLevel: cfg.MinLevel,
		logger:   logger,
	}
	s.stdout = &consoleWriter{state: s, level: LogLevelInfo}
	s.stderr = &consoleWriter{state: s, level: LogLevelError}
	return s
}

// SetPhase moves the instance between Initializing and Executing.
func (s *State) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Map returns the header map for t.
func (s *State) Map(t MapType) (*HeaderMap, bool) {
	m, ok := s.maps[t]
	return m, ok
}

// Buffer returns the bytes behind t; readOnly reports whether guest writes
// to it are rejected.
func (s *State) Buffer(t BufferType) (b []byte, readOnly, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bodies[t]; ok {
		return b, false, true
	}
	if b, ok := s.configs[t]; ok {
		return b, true, true
	}
	return nil, false, false
}

// SetBuffer replaces the bytes behind a writable buffer.
func (s *State) SetBuffer(t BufferType, b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bodies[t]; !ok {
		return false
	}
	s.bodies[t] = b
	return true
}

// Resolver returns the property resolver backing proxy_get/set_property.
func (s *State) Resolver() *property.Resolver { return s.resolver }

// HookContext is the hook this instance was created for; property write
// access is enforced against it.
func (s *State) HookContext() property.Context { return s.hookCtx }

// Logger is the host-side operational logger.
func (s *State) Logger() *zap.Logger { return s.logger }

// MinLevel is the lowest severity this call captures.
func (s *State) MinLevel() LogLevel { return s.minLevel }

// Log captures one guest log line. During the Initializing phase the line
// only reaches the host debug log: failed or chatty guest init is expected
// and must not pollute hook results. Lines below the minimum capture level
// are dropped.
func (s *State) Log(level LogLevel, msg string) {
	s.mu.Lock()
	phase := s.phase
	if phase == PhaseExecuting && level >= s.minLevel {
		s.logs = append(s.logs, LogEntry{Level: level, Message: msg})
	}
	s.mu.Unlock()

	if phase == PhaseInitializing {
		s.logger.Debug("guest log during init", zap.Stringer("level", level), zap.String("msg", msg))
		return
	}
	s.logger.Debug("guest log", zap.Stringer("level", level), zap.String("msg", msg))
}

// Logs returns the captured entries in order.
func (s *State) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// Memory returns the memory manager for mod, creating it on first use.
func (s *State) Memory(mod api.Module) *Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil || s.mem.mod != mod {
		s.mem = NewMemory(mod)
	}
	return s.mem
}

// Stdout and Stderr are the writers to wire into the module config. Guest
// writes to fd 1 and 2 become log entries at info and error severity, line
// by line.
func (s *State) Stdout() io.Writer { return s.stdout }
func (s *State) Stderr() io.Writer { return s.stderr }

// FlushStdio captures any unterminated trailing output once the hook call
// is over.
func (s *State) FlushStdio() {
	s.stdout.flush()
	s.stderr.flush()
}

// consoleWriter turns raw fd writes into per-line log captures.
type consoleWriter struct {
	state *State
	level LogLevel
	mu    sync.Mutex
	buf   []byte
}

func (w *consoleWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	var lines []string
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	w.mu.Unlock()

	for _, line := range lines {
		if line != "" {
			w.state.Log(w.level, line)
		}
	}
	return len(p), nil
}

func (w *consoleWriter) flush() {
	w.mu.Lock()
	line := strings.TrimRight(string(w.buf), "\r\n")
	w.buf = nil
	w.mu.Unlock()

	if line != "" {
		w.state.Log(w.level, line)
	}
}
