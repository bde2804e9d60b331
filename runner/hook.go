package runner

import (
	"fmt"
	"strings"

	"github.com/proxytap/proxytap/hostfunc"
	"github.com/proxytap/proxytap/property"
)

// Hook names one of the four lifecycle entry points.
type Hook string

const (
	OnRequestHeaders  Hook = "onRequestHeaders"
	OnRequestBody     Hook = "onRequestBody"
	OnResponseHeaders Hook = "onResponseHeaders"
	OnResponseBody    Hook = "onResponseBody"
)

// Hooks lists the hooks in the order a full flow runs them.
var Hooks = [4]Hook{OnRequestHeaders, OnRequestBody, OnResponseHeaders, OnResponseBody}

// Guest hook return codes. Every call passes end_of_stream, so Pause is
// recorded in the result but never drives flow control.
const (
	ActionContinue int32 = 0
	ActionPause    int32 = 1
)

// ParseHook resolves a hook name, tolerating case and snake/kebab spellings
// ("onRequestHeaders", "on_request_headers", "request-headers").
func ParseHook(s string) (Hook, error) {
	clean := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(s))
	switch clean {
	case "onrequestheaders", "requestheaders":
		return OnRequestHeaders, nil
	case "onrequestbody", "requestbody":
		return OnRequestBody, nil
	case "onresponseheaders", "responseheaders":
		return OnResponseHeaders, nil
	case "onresponsebody", "responsebody":
		return OnResponseBody, nil
	}
	return "", fmt.Errorf("unknown hook %q", s)
}

// Valid reports whether h is one of the four hooks.
func (h Hook) Valid() bool {
	switch h {
	case OnRequestHeaders, OnRequestBody, OnResponseHeaders, OnResponseBody:
		return true
	}
	return false
}

// export is the guest function backing this hook.
func (h Hook) export() string {
	switch h {
	case OnRequestHeaders:
		return "proxy_on_request_headers"
	case OnRequestBody:
		return "proxy_on_request_body"
	case OnResponseHeaders:
		return "proxy_on_response_headers"
	default:
		return "proxy_on_response_body"
	}
}

// Context maps the hook to its property access-control context.
func (h Hook) Context() property.Context {
	switch h {
	case OnRequestHeaders:
		return property.ContextRequestHeaders
	case OnRequestBody:
		return property.ContextRequestBody
	case OnResponseHeaders:
		return property.ContextResponseHeaders
	case OnResponseBody:
		return property.ContextResponseBody
	default:
		return property.ContextNone
	}
}

// RequestState is the request side of a hook call or snapshot.
type RequestState struct {
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Scheme  string            `json:"scheme,omitempty"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (r RequestState) clone() RequestState {
	r.Headers = copyHeaders(r.Headers)
	return r
}

// ResponseState is the response side of a hook call or snapshot.
type ResponseState struct {
	Status     int               `json:"status,omitempty"`
	StatusText string            `json:"status_text,omitempty"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

func (r ResponseState) clone() ResponseState {
	r.Headers = copyHeaders(r.Headers)
	return r
}

// HookCall is one standalone hook invocation. Properties seed the resolver's
// override layer and win over anything the host calculates. LogLevel is the
// minimum severity captured; the zero value captures everything.
type HookCall struct {
	Hook       Hook              `json:"hook"`
	Request    RequestState      `json:"request"`
	Response   ResponseState     `json:"response"`
	Properties map[string]any    `json:"properties,omitempty"`
	LogLevel   hostfunc.LogLevel `json:"log_level,omitempty"`
}

// HookState is a point-in-time snapshot of everything a hook could observe:
// both stream sides plus the merged property view. Snapshots are deep
// copies; nothing that runs later can change them.
type HookState struct {
	Request    RequestState   `json:"request"`
	Response   ResponseState  `json:"response"`
	Properties map[string]any `json:"properties"`
}

// HookResult captures one hook invocation. ReturnCode is nil with Error set
// when the guest trapped; Logs then hold everything captured up to the
// failure point.
type HookResult struct {
	ReturnCode *int32              `json:"return_code"`
	Logs       []hostfunc.LogEntry `json:"logs"`
	Input      HookState           `json:"input"`
	Output     HookState           `json:"output"`
	Error      string              `json:"error,omitempty"`
}

// Failed reports whether the hook trapped instead of returning.
func (r *HookResult) Failed() bool { return r.Error != "" }

func copyHeaders(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyProperties(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

// copyValue deep-copies the mutable shapes property values can take.
func copyValue(v any) any {
	switch t := v.(type) {
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case map[string]any:
		return copyProperties(t)
	default:
		return v
	}
}
