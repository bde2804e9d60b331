package runner

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/proxytap/proxytap/hostfunc"
	"github.com/proxytap/proxytap/internal/wasmtest"
)

// upstream records what the backend saw so tests can assert on the real
// outbound request, not just the hook captures.
type upstream struct {
	mu      sync.Mutex
	method  string
	path    string
	query   string
	host    string
	headers http.Header
	body    string
}

func (u *upstream) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.method = r.Method
	u.path = r.URL.Path
	u.query = r.URL.RawQuery
	u.host = r.Host
	u.headers = r.Header.Clone()
	u.body = string(body)
}

func (u *upstream) header(key string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.headers == nil {
		return ""
	}
	return u.headers.Get(key)
}

func (u *upstream) snapshot() (method, path, query, host, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.method, u.path, u.query, u.host, u.body
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*upstream, *httptest.Server) {
	t.Helper()
	u := &upstream{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.record(r)
		if handler != nil {
			handler(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return u, srv
}

func runFlow(t *testing.T, m *Module, call FlowCall) *FlowResult {
	t.Helper()
	res, err := m.RunFlow(context.Background(), call)
	if err != nil {
		t.Fatalf("RunFlow: %v", err)
	}
	for _, h := range Hooks {
		hr, ok := res.Hooks[h]
		if !ok {
			t.Fatalf("no result for %s", h)
		}
		if hr.Failed() {
			t.Fatalf("%s failed: %s", h, hr.Error)
		}
	}
	return res
}

func TestRunFlowPassthrough(t *testing.T) {
	r := newTestRunner(t)
	m := loadGuest(t, r, wasmtest.Passthrough())

	up, srv := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})

	res := runFlow(t, m, FlowCall{
		URL:     srv.URL + "/status?probe=1",
		Method:  "post",
		Headers: map[string]string{"X-Probe": "yes"},
		Body:    "request payload",
	})

	method, path, query, _, body := up.snapshot()
	if method != "POST" || path != "/status" || query != "probe=1" {
		t.Errorf("upstream saw %s %s?%s, want POST /status?probe=1", method, path, query)
	}
	if body != "request payload" {
		t.Errorf("upstream body = %q, want the request payload", body)
	}
	if up.header("X-Probe") != "yes" {
		t.Error("caller header missing at upstream")
	}

	if res.Final.Status != http.StatusOK || res.Final.StatusText != "OK" {
		t.Errorf("Final = %d %s, want 200 OK", res.Final.Status, res.Final.StatusText)
	}
	if res.Final.Body != `{"ok":true}` {
		t.Errorf("Final.Body = %q", res.Final.Body)
	}
	if res.Final.IsBase64 {
		t.Error("json payload flagged as base64")
	}
	if res.Final.ContentType != "application/json" {
		t.Errorf("Final.ContentType = %q, want application/json", res.Final.ContentType)
	}

	// A filter that does nothing changes nothing: every hook's output equals
	// its input.
	for _, h := range Hooks {
		hr := res.Hooks[h]
		if !reflect.DeepEqual(hr.Input, hr.Output) {
			t.Errorf("%s output differs from input despite passthrough", h)
		}
	}
}

func TestRunFlowBadURL(t *testing.T) {
	r := newTestRunner(t)
	m := loadGuest(t, r, wasmtest.Passthrough())

	for _, raw := range []string{"", "://bad", "example.com/no-scheme", "http://"} {
		if _, err := m.RunFlow(context.Background(), FlowCall{URL: raw}); err == nil {
			t.Errorf("RunFlow(%q) returned no error", raw)
		}
	}
}

func TestRunFlowHostHeader(t *testing.T) {
	r := newTestRunner(t)
	m := loadGuest(t, r, wasmtest.Passthrough())

	t.Run("injected with port", func(t *testing.T) {
		up, srv := newUpstream(t, nil)
		u, _ := url.Parse(srv.URL)

		res := runFlow(t, m, FlowCall{URL: srv.URL})

		_, _, _, host, _ := up.snapshot()
		if host != u.Host {
			t.Errorf("upstream Host = %q, want %q", host, u.Host)
		}
		if got := res.Hooks[OnRequestHeaders].Input.Request.Headers["Host"]; got != u.Host {
			t.Errorf("hook saw Host = %q, want %q", got, u.Host)
		}
	})

	t.Run("caller value wins", func(t *testing.T) {
		up, srv := newUpstream(t, nil)

		runFlow(t, m, FlowCall{
			URL:     srv.URL,
			Headers: map[string]string{"Host": "spoof.example"},
		})

		if _, _, _, host, _ := up.snapshot(); host != "spoof.example" {
			t.Errorf("upstream Host = %q, want the caller's value", host)
		}
	})
}

// Rewriting request.path in onRequestHeaders redirects the real outbound
// call.
func TestRunFlowURLRewrite(t *testing.T) {
	r := newTestRunner(t)
	m := loadGuest(t, r, wasmtest.SetProperty("proxy_on_request_headers", "request.path", "/rerouted"))

	up, srv := newUpstream(t, nil)
	runFlow(t, m, FlowCall{URL: srv.URL + "/original"})

	if _, path, _, _, _ := up.snapshot(); path != "/rerouted" {
		t.Errorf("upstream path = %q, want /rerouted", path)
	}
}

func TestRunFlowHeaderMutationReachesUpstream(t *testing.T) {
	r := newTestRunner(t)
	m := loadGuest(t, r, wasmtest.SetHeader(
		"proxy_on_request_headers", int32(hostfunc.MapRequestHeaders), "x-added", "by-filter"))

	up, srv := newUpstream(t, nil)
	runFlow(t, m, FlowCall{URL: srv.URL})

	if got := up.header("X-Added"); got != "by-filter" {
		t.Errorf("upstream X-Added = %q, want by-filter", got)
	}
}

// The forwarding headers exist on the wire only: the upstream sees them, the
// hooks never do, and a caller-set value is left alone.
func TestRunFlowForwardedHeaders(t *testing.T) {
	r := newTestRunner(t)
	m := loadGuest(t, r, wasmtest.Passthrough())

	t.Run("injected on the wire", func(t *testing.T) {
		up, srv := newUpstream(t, nil)
		u, _ := url.Parse(srv.URL)

		res := runFlow(t, m, FlowCall{URL: srv.URL})

		if got := up.header("X-Forwarded-Proto"); got != "http" {
			t.Errorf("X-Forwarded-Proto = %q, want http", got)
		}
		if got := up.header("X-Forwarded-Port"); got != u.Port() {
			t.Errorf("X-Forwarded-Port = %q, want %q", got, u.Port())
		}
		if got := up.header("X-Real-IP"); got != "127.0.0.1" {
			t.Errorf("X-Real-IP = %q, want 127.0.0.1", got)
		}

		for _, h := range []Hook{OnRequestHeaders, OnRequestBody} {
			for name := range res.Hooks[h].Input.Request.Headers {
				if strings.HasPrefix(strings.ToLower(name), "x-forwarded-") || strings.EqualFold(name, "x-real-ip") {
					t.Errorf("%s observed forwarding header %s", h, name)
				}
			}
		}
	})

	t.Run("caller value preserved", func(t *testing.T) {
		up, srv := newUpstream(t, nil)

		runFlow(t, m, FlowCall{
			URL:     srv.URL,
			Headers: map[string]string{"X-Forwarded-Proto": "https"},
		})

		if got := up.header("X-Forwarded-Proto"); got != "https" {
			t.Errorf("X-Forwarded-Proto = %q, want the caller's https", got)
		}
	})
}

// Custom properties written in onRequestHeaders are gone by onRequestBody;
// ones written in onRequestBody survive into the response hooks.
func TestRunFlowPropertyBoundary(t *testing.T) {
	r := newTestRunner(t)

	t.Run("request headers scope ends at the hook", func(t *testing.T) {
		m := loadGuest(t, r, wasmtest.PropertyLifecycle(
			"proxy_on_request_headers", "filter.note", "ephemeral", "proxy_on_request_body"))
		_, srv := newUpstream(t, nil)

		res := runFlow(t, m, FlowCall{URL: srv.URL})

		if logs := res.Hooks[OnRequestBody].Logs; len(logs) != 0 {
			t.Errorf("onRequestBody read a purged property: %v", logs)
		}
		if _, ok := res.Hooks[OnRequestBody].Input.Properties["filter.note"]; ok {
			t.Error("purged property still in the body hook's input view")
		}
	})

	t.Run("request body scope reaches the response", func(t *testing.T) {
		for _, readHook := range []string{"proxy_on_response_headers", "proxy_on_response_body"} {
			m := loadGuest(t, r, wasmtest.PropertyLifecycle(
				"proxy_on_request_body", "filter.note", "durable", readHook))
			_, srv := newUpstream(t, nil)

			res := runFlow(t, m, FlowCall{URL: srv.URL})

			hook := OnResponseHeaders
			if readHook == "proxy_on_response_body" {
				hook = OnResponseBody
			}
			if got := logMessages(res.Hooks[hook]); len(got) != 1 || got[0] != "durable" {
				t.Errorf("%s logs = %v, want the property to survive", hook, got)
			}
		}
	})
}

func TestRunFlowResponseProperties(t *testing.T) {
	r := newTestRunner(t)

	t.Run("defined in response hooks", func(t *testing.T) {
		m := loadGuest(t, r, wasmtest.ReadProperty("proxy_on_response_headers", "response.status"))
		_, srv := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})

		res := runFlow(t, m, FlowCall{URL: srv.URL})
		if got := logMessages(res.Hooks[OnResponseHeaders]); len(got) != 1 || got[0] != "418" {
			t.Errorf("response.status log = %v, want [418]", got)
		}
	})

	t.Run("undefined in request hooks", func(t *testing.T) {
		m := loadGuest(t, r, wasmtest.ReadProperty("proxy_on_request_headers", "response.status"))
		_, srv := newUpstream(t, nil)

		res := runFlow(t, m, FlowCall{URL: srv.URL})
		if got := logMessages(res.Hooks[OnRequestHeaders]); len(got) != 0 {
			t.Errorf("response.status resolved during the request phase: %v", got)
		}
	})
}

func TestRunFlowRequestBodyRewrite(t *testing.T) {
	r := newTestRunner(t)
	m := loadGuest(t, r, wasmtest.ReplaceBody(
		"proxy_on_request_body", int32(hostfunc.BufferRequestBody), "rewritten"))

	up, srv := newUpstream(t, nil)
	res := runFlow(t, m, FlowCall{URL: srv.URL, Method: "POST", Body: "original"})

	if _, _, _, _, body := up.snapshot(); body != "rewritten" {
		t.Errorf("upstream body = %q, want the rewritten one", body)
	}
	// The request's final shape stays visible through the response hooks.
	for _, h := range []Hook{OnResponseHeaders, OnResponseBody} {
		if got := res.Hooks[h].Input.Request.Body; got != "rewritten" {
			t.Errorf("%s input request body = %q, want rewritten", h, got)
		}
	}
}

func TestRunFlowResponseMutation(t *testing.T) {
	r := newTestRunner(t)

	t.Run("header", func(t *testing.T) {
		m := loadGuest(t, r, wasmtest.SetHeader(
			"proxy_on_response_headers", int32(hostfunc.MapResponseHeaders), "x-filter", "applied"))
		_, srv := newUpstream(t, nil)

		res := runFlow(t, m, FlowCall{URL: srv.URL})
		if got := res.Final.Headers["x-filter"]; got != "applied" {
			t.Errorf("Final x-filter = %q, want applied", got)
		}
	})

	t.Run("body", func(t *testing.T) {
		m := loadGuest(t, r, wasmtest.ReplaceBody(
			"proxy_on_response_body", int32(hostfunc.BufferResponseBody), "filtered response"))
		_, srv := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("upstream says hi"))
		})

		res := runFlow(t, m, FlowCall{URL: srv.URL})
		if res.Final.Body != "filtered response" {
			t.Errorf("Final.Body = %q, want the filter's body", res.Final.Body)
		}
		if got := res.Hooks[OnResponseHeaders].Output.Response.Body; got != "upstream says hi" {
			t.Errorf("onResponseHeaders output body = %q, want the upstream one", got)
		}
	})
}

func TestRunFlowMultiValueHeaders(t *testing.T) {
	r := newTestRunner(t)
	m := loadGuest(t, r, wasmtest.Passthrough())

	_, srv := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
	})

	res := runFlow(t, m, FlowCall{URL: srv.URL})
	if got := res.Final.Headers["x-multi"]; got != "a, b" {
		t.Errorf("x-multi = %q, want the values comma-joined", got)
	}
}

func TestRunFlowBinaryResponse(t *testing.T) {
	r := newTestRunner(t)
	m := loadGuest(t, r, wasmtest.Passthrough())

	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x01}
	_, srv := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	})

	res := runFlow(t, m, FlowCall{URL: srv.URL})
	if !res.Final.IsBase64 {
		t.Fatal("binary payload not flagged as base64")
	}
	decoded, err := base64.StdEncoding.DecodeString(res.Final.Body)
	if err != nil {
		t.Fatalf("Final.Body is not valid base64: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Error("decoded body differs from the upstream payload")
	}
	if res.Final.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", res.Final.ContentType)
	}
}

// A dead upstream becomes a synthesized 502 that still runs the response
// hooks.
func TestRunFlowFetchFailure(t *testing.T) {
	r := newTestRunner(t)
	m := loadGuest(t, r, wasmtest.Passthrough())

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	res := runFlow(t, m, FlowCall{URL: deadURL})

	if res.Final.Status != http.StatusBadGateway {
		t.Errorf("Final.Status = %d, want 502", res.Final.Status)
	}
	if res.Final.StatusText != "Bad Gateway" {
		t.Errorf("Final.StatusText = %q", res.Final.StatusText)
	}
	if !strings.HasPrefix(res.Final.Body, "fetch failed: ") {
		t.Errorf("Final.Body = %q, want the failure cause", res.Final.Body)
	}
	if res.Final.IsBase64 {
		t.Error("plain-text failure body flagged as base64")
	}
	if got := res.Hooks[OnResponseHeaders].Input.Response.Status; got != http.StatusBadGateway {
		t.Errorf("response hook saw status %d, want the synthesized 502", got)
	}
}

func TestHostHeaderValue(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://example.com", "example.com"},
		{"http://example.com:80", "example.com"},
		{"http://example.com:8080", "example.com:8080"},
		{"https://example.com:443", "example.com"},
		{"https://example.com:8443", "example.com:8443"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.url)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.url, err)
		}
		if got := hostHeaderValue(u); got != tt.want {
			t.Errorf("hostHeaderValue(%s) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestIsTextContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"", true},
		{"text/plain", true},
		{"text/html; charset=utf-8", true},
		{"application/json", true},
		{"application/problem+json", true},
		{"application/soap+xml", true},
		{"application/x-www-form-urlencoded", true},
		{"image/png", false},
		{"application/octet-stream", false},
		{"application/pdf", false},
		{"audio/mpeg", false},
	}
	for _, tt := range tests {
		if got := isTextContentType(tt.ct); got != tt.want {
			t.Errorf("isTextContentType(%q) = %v, want %v", tt.ct, got, tt.want)
		}
	}
}
