package hostfunc

import "fmt"

// MapType selects one of the four header maps exposed to the guest.
type MapType uint32

const (
	MapRequestHeaders   MapType = 0
	MapRequestTrailers  MapType = 1
	MapResponseHeaders  MapType = 2
	MapResponseTrailers MapType = 3
)

// BufferType selects a byte buffer exposed to the guest. The configuration
// buffers are read-only; writes to them fail with StatusBadArgument.
type BufferType uint32

const (
	BufferRequestBody  BufferType = 0
	BufferResponseBody BufferType = 1
	BufferVMConfig     BufferType = 6
	BufferPluginConfig BufferType = 7
)

// Status codes returned by host functions to the guest.
type Status uint32

const (
	StatusOK                   Status = 0
	StatusNotFound             Status = 1
	StatusBadArgument          Status = 2
	StatusSerializationFailure Status = 3
	StatusInvalidMemoryAccess  Status = 6
	StatusInternalFailure      Status = 10
	StatusUnimplemented        Status = 12
)

// LogLevel is the severity scale shared by proxy_log and captured entries.
type LogLevel uint32

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelCritical
)

var logLevelNames = [...]string{"trace", "debug", "info", "warn", "error", "critical"}

func (l LogLevel) String() string {
	if int(l) < len(logLevelNames) {
		return logLevelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint32(l))
}

// ParseLogLevel converts a level name to its LogLevel. Empty input means
// trace, which captures everything.
func ParseLogLevel(s string) (LogLevel, error) {
	if s == "" {
		return LogLevelTrace, nil
	}
	for i, name := range logLevelNames {
		if s == name {
			return LogLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// MarshalText renders the level as its lowercase name in JSON and YAML.
func (l LogLevel) MarshalText() ([]byte, error) {
	if int(l) >= len(logLevelNames) {
		return nil, fmt.Errorf("unknown log level %d", uint32(l))
	}
	return []byte(logLevelNames[l]), nil
}

func (l *LogLevel) UnmarshalText(text []byte) error {
	lv, err := ParseLogLevel(string(text))
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

// LogEntry is one captured guest log line.
type LogEntry struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// Phase tracks whether an instance is still running guest initialization
// (entry point, onVmStart, onConfigure) or executing a hook. Guest log
// output during initialization is suppressed from captured logs.
type Phase int8

const (
	PhaseInitializing Phase = iota
	PhaseExecuting
)
