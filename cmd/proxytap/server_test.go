package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/proxytap/proxytap/hostfunc"
	"github.com/proxytap/proxytap/internal/wasmtest"
	"github.com/proxytap/proxytap/runner"
)

func newTestHost(t *testing.T, wasm []byte) *filterHost {
	t.Helper()

	r, err := runner.New()
	if err != nil {
		t.Fatalf("runner.New: %v", err)
	}
	t.Cleanup(func() { r.Close(context.Background()) })

	host := &filterHost{
		runner: r,
		logger: zap.NewNop(),
		path:   writeGuest(t, wasm),
	}
	if err := host.reload(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	return host
}

func postJSON(t *testing.T, handler http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected 'ok', got %q", w.Body.String())
	}
}

func TestFlowEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.Write([]byte("upstream ok"))
	}))
	t.Cleanup(srv.Close)

	host := newTestHost(t, wasmtest.Passthrough())

	w := postJSON(t, host.handleFlow, "/flow", fmt.Sprintf(`{"url":%q,"method":"post","body":"ping"}`, srv.URL))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp flowResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Final.Status != 200 {
		t.Errorf("final status = %d, want 200", resp.Final.Status)
	}
	if resp.Final.Body != "upstream ok" {
		t.Errorf("final body = %q", resp.Final.Body)
	}
	if len(resp.Hooks) != 4 {
		t.Errorf("expected four hook results, got %d", len(resp.Hooks))
	}
	if resp.DurationMs < 0 {
		t.Errorf("duration_ms = %d", resp.DurationMs)
	}
	if host.flows.Load() != 1 {
		t.Errorf("flows counter = %d, want 1", host.flows.Load())
	}
}

func TestFlowEndpointRejects(t *testing.T) {
	host := newTestHost(t, wasmtest.Passthrough())

	tests := []struct {
		name     string
		method   string
		body     string
		wantCode int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"invalid json", http.MethodPost, "{not json", http.StatusBadRequest},
		{"missing url", http.MethodPost, "{}", http.StatusBadRequest},
		{"bad url", http.MethodPost, `{"url":"example.com/no-scheme"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/flow", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			host.handleFlow(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}

	if host.flows.Load() != 0 {
		t.Errorf("rejected calls should not count as flows, got %d", host.flows.Load())
	}
	if host.errors.Load() != 1 {
		t.Errorf("only the unusable url counts as an error, got %d", host.errors.Load())
	}
}

func TestHookEndpoint(t *testing.T) {
	host := newTestHost(t, wasmtest.SetHeader(
		"proxy_on_request_headers", int32(hostfunc.MapRequestHeaders), "x-tag", "v1"))

	w := postJSON(t, host.handleHook, "/hook",
		`{"hook":"on_request_headers","request":{"headers":{"host":"example.com"},"body":""}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp hookResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ReturnCode == nil || *resp.ReturnCode != runner.ActionContinue {
		t.Errorf("return code = %v, want continue", resp.ReturnCode)
	}
	if got := resp.Output.Request.Headers["x-tag"]; got != "v1" {
		t.Errorf("output x-tag = %q, want v1", got)
	}
	if host.hooks.Load() != 1 {
		t.Errorf("hooks counter = %d, want 1", host.hooks.Load())
	}
}

func TestHookEndpointRejects(t *testing.T) {
	host := newTestHost(t, wasmtest.Passthrough())

	tests := []struct {
		name     string
		method   string
		body     string
		wantCode int
		wantText string
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed, "method not allowed"},
		{"invalid json", http.MethodPost, "{not json", http.StatusBadRequest, "invalid json"},
		{"missing hook", http.MethodPost, "{}", http.StatusBadRequest, "hook required"},
		{"unknown hook", http.MethodPost, `{"hook":"onTick"}`, http.StatusBadRequest, "unknown hook"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/hook", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			host.handleHook(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if !strings.Contains(w.Body.String(), tt.wantText) {
				t.Errorf("body %q should contain %q", w.Body.String(), tt.wantText)
			}
		})
	}
}

func TestHookEndpointLooseSpelling(t *testing.T) {
	host := newTestHost(t, wasmtest.Passthrough())

	for _, spelling := range []string{"onRequestHeaders", "on_request_headers", "request-headers"} {
		w := postJSON(t, host.handleHook, "/hook", fmt.Sprintf(`{"hook":%q}`, spelling))
		if w.Code != http.StatusOK {
			t.Errorf("spelling %q: status = %d, want 200: %s", spelling, w.Code, w.Body.String())
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	host := newTestHost(t, wasmtest.Passthrough())

	postJSON(t, host.handleFlow, "/flow", fmt.Sprintf(`{"url":%q}`, srv.URL))
	postJSON(t, host.handleHook, "/hook", `{"hook":"onRequestHeaders"}`)
	postJSON(t, host.handleHook, "/hook", `{"hook":"onResponseBody"}`)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	host.handleStats(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var stats statsResponse
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Flows != 1 || stats.Hooks != 2 || stats.Errors != 0 {
		t.Errorf("counters = %d flows, %d hooks, %d errors", stats.Flows, stats.Hooks, stats.Errors)
	}
	if stats.Filter != host.path {
		t.Errorf("filter = %q, want %q", stats.Filter, host.path)
	}
	if stats.ABIVersion != "0_2_0" {
		t.Errorf("abi_version = %q, want 0_2_0", stats.ABIVersion)
	}
	if stats.Viewers != 0 {
		t.Errorf("viewers = %d, want 0", stats.Viewers)
	}

	wrongMethod := postJSON(t, host.handleStats, "/stats", "")
	if wrongMethod.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /stats should be rejected, got %d", wrongMethod.Code)
	}
}

func TestReloadSwapsFilter(t *testing.T) {
	host := newTestHost(t, wasmtest.Passthrough())

	if err := os.WriteFile(host.path, wasmtest.Logger(int32(hostfunc.LogLevelInfo), "fresh filter"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := host.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	w := postJSON(t, host.handleHook, "/hook", `{"hook":"onRequestHeaders"}`)
	var resp hookResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	found := false
	for _, entry := range resp.Logs {
		if entry.Message == "fresh filter" {
			found = true
		}
	}
	if !found {
		t.Errorf("hook should run the reloaded filter, logs: %+v", resp.Logs)
	}
}

func TestReloadRejectsBadModule(t *testing.T) {
	host := newTestHost(t, wasmtest.Passthrough())

	if err := os.WriteFile(host.path, []byte("not wasm at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := host.reload(context.Background()); err == nil {
		t.Fatal("expected reload to fail for a non-wasm file")
	}

	// The old module keeps serving.
	w := postJSON(t, host.handleHook, "/hook", `{"hook":"onRequestHeaders"}`)
	if w.Code != http.StatusOK {
		t.Errorf("old filter should keep serving after a failed reload, got %d", w.Code)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	host := newTestHost(t, wasmtest.Passthrough())
	if err := host.watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(host.path, wasmtest.Logger(int32(hostfunc.LogLevelInfo), "reloaded"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := postJSON(t, host.handleHook, "/hook", `{"hook":"onRequestHeaders"}`)
		var resp hookResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err == nil {
			for _, entry := range resp.Logs {
				if entry.Message == "reloaded" {
					return
				}
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("filter was not reloaded after the file changed")
}

func TestBroadcastDropsSlowViewer(t *testing.T) {
	host := newTestHost(t, wasmtest.Passthrough())

	fast := &wsClient{sendCh: make(chan resultEvent, 1), done: make(chan struct{})}
	slow := &wsClient{sendCh: make(chan resultEvent), done: make(chan struct{})}
	host.clients.Store(uint64(1), fast)
	host.clients.Store(uint64(2), slow)

	done := make(chan struct{})
	go func() {
		host.broadcast(resultEvent{ID: "evt-1", Kind: "hook"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow viewer")
	}

	select {
	case got := <-fast.sendCh:
		if got.ID != "evt-1" {
			t.Errorf("event ID = %q, want evt-1", got.ID)
		}
	default:
		t.Error("fast viewer missed the event")
	}
}

func TestWebSocketFeed(t *testing.T) {
	host := newTestHost(t, wasmtest.Passthrough())
	srv := httptest.NewServer(http.HandlerFunc(host.handleWS))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForViewers(t, host, 1)

	host.broadcast(resultEvent{ID: "evt-1", Kind: "flow", Filter: host.path, ElapsedMs: 3})

	var ev resultEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.ID != "evt-1" || ev.Kind != "flow" || ev.Filter != host.path {
		t.Errorf("event = %+v", ev)
	}
}

func waitForViewers(t *testing.T, host *filterHost, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n := 0
		host.clients.Range(func(_, _ any) bool { n++; return true })
		if n >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("viewer never registered")
}
