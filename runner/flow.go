package runner

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/proxytap/proxytap/hostfunc"
	"github.com/proxytap/proxytap/property"
)

// FlowCall describes one simulated exchange: the target URL the outbound
// fetch will hit, the synthetic client request, and seed properties.
type FlowCall struct {
	URL        string            `json:"url"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	Properties map[string]any    `json:"properties,omitempty"`
	LogLevel   hostfunc.LogLevel `json:"log_level,omitempty"`
}

// FinalResponse is what the simulated client receives after the response
// hooks ran. Status comes from the fetch (filters cannot rewrite it);
// headers and body are the last hook's output. Binary payloads are base64
// encoded and flagged.
type FinalResponse struct {
	Status      int               `json:"status"`
	StatusText  string            `json:"status_text"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	ContentType string            `json:"content_type,omitempty"`
	IsBase64    bool              `json:"is_base64"`
}

// FlowResult holds the four hook captures plus the final response.
type FlowResult struct {
	Hooks map[Hook]*HookResult `json:"hook_results"`
	Final FinalResponse        `json:"final_response"`
}

// RunFlow drives the full lifecycle: onRequestHeaders, onRequestBody, one
// real outbound fetch, onResponseHeaders, onResponseBody. The error return
// covers only an unusable target URL; once the flow starts, every failure
// is captured in the result (a failed fetch becomes a synthesized 502
// routed through the response hooks).
func (m *Module) RunFlow(ctx context.Context, call FlowCall) (*FlowResult, error) {
	u, err := url.Parse(call.URL)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse target url %q: scheme and host required", call.URL)
	}

	method := strings.ToUpper(call.Method)
	if method == "" {
		method = http.MethodGet
	}

	// One resolver spans the whole flow; custom properties thread through
	// it under the context-boundary rules.
	props := property.NewResolver()
	props.MergeCalculated(calculatedFromURL(u, method))
	props.SeedUser(call.Properties)

	reqHeaders := copyHeaders(call.Headers)
	if !hasHeaderFold(reqHeaders, "host") {
		reqHeaders["Host"] = hostHeaderValue(u)
	}
	reqBody := call.Body

	displayPath := u.Path
	if displayPath == "" {
		displayPath = "/"
	}
	request := func() RequestState {
		return RequestState{
			Method:  method,
			Path:    displayPath,
			Scheme:  u.Scheme,
			Headers: reqHeaders,
			Body:    reqBody,
		}
	}

	result := &FlowResult{Hooks: make(map[Hook]*HookResult, len(Hooks))}

	hr := m.runHook(ctx, HookCall{Hook: OnRequestHeaders, Request: request(), LogLevel: call.LogLevel}, props)
	result.Hooks[OnRequestHeaders] = hr
	reqHeaders = hr.Output.Request.Headers
	reqBody = hr.Output.Request.Body
	// Customs born in onRequestHeaders are visible only inside it.
	props.PurgeScoped(property.ContextRequestHeaders)

	hb := m.runHook(ctx, HookCall{Hook: OnRequestBody, Request: request(), LogLevel: call.LogLevel}, props)
	result.Hooks[OnRequestBody] = hb
	reqHeaders = hb.Output.Request.Headers
	reqBody = hb.Output.Request.Body

	// The fetch target is rebuilt from the merged property view, so a
	// rewritten request.path or request.host redirects the real call.
	target := outboundURL(props)
	resp := m.fetch(ctx, method, target, reqHeaders, reqBody)

	props.MergeCalculated(map[string]any{
		"response.status":       resp.Status,
		"response.code":         resp.Status,
		"response.code_details": resp.StatusText,
		"response.content_type": headerFold(resp.Headers, "content-type"),
	})
	props.PurgeScoped(property.ContextRequestHeaders)

	response := resp
	rh := m.runHook(ctx, HookCall{Hook: OnResponseHeaders, Request: request(), Response: response, LogLevel: call.LogLevel}, props)
	result.Hooks[OnResponseHeaders] = rh
	response.Headers = rh.Output.Response.Headers
	response.Body = rh.Output.Response.Body

	rb := m.runHook(ctx, HookCall{Hook: OnResponseBody, Request: request(), Response: response, LogLevel: call.LogLevel}, props)
	result.Hooks[OnResponseBody] = rb

	result.Final = finalize(resp, rb.Output.Response)
	return result, nil
}

// calculatedFromURL derives the standard properties once per flow.
func calculatedFromURL(u *url.URL, method string) map[string]any {
	p := u.Path
	if p == "" {
		p = "/"
	}
	return map[string]any{
		"request.url":       u.String(),
		"request.scheme":    u.Scheme,
		"request.host":      u.Host,
		"request.path":      p,
		"request.query":     u.RawQuery,
		"request.extension": pathExtension(p),
		"request.method":    method,
	}
}

// outboundURL rebuilds the fetch target from the merged property view,
// with the documented fallbacks for anything a guest blanked out.
func outboundURL(props *property.Resolver) string {
	scheme := propString(props, "request.scheme", "https")
	host := propString(props, "request.host", "localhost")
	p := propString(props, "request.path", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	query := propString(props, "request.query", "")

	target := scheme + "://" + host + p
	if query != "" {
		target += "?" + query
	}
	return target
}

func propString(props *property.Resolver, path, fallback string) string {
	v, ok := props.Resolve(path)
	if !ok {
		return fallback
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		s = fmt.Sprint(t)
	}
	if s == "" {
		return fallback
	}
	return s
}

// fetch performs the one outbound call. The forwarding headers are added
// here only, so request hooks never observe them, and only when the filter
// didn't set them itself. Any failure synthesizes a response-shaped error
// that the response hooks then process like a real upstream reply.
func (m *Module) fetch(ctx context.Context, method, target string, headers map[string]string, body string) ResponseState {
	logger := m.runner.logger

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		logger.Error("outbound request invalid", zap.String("url", target), zap.Error(err))
		return fetchFailure(err)
	}

	for k, v := range headers {
		if strings.EqualFold(k, "host") {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}
	if req.Header.Get("X-Forwarded-Proto") == "" {
		req.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}
	if req.Header.Get("X-Forwarded-Port") == "" {
		req.Header.Set("X-Forwarded-Port", forwardedPort(req.URL))
	}
	if req.Header.Get("X-Real-IP") == "" {
		req.Header.Set("X-Real-IP", "127.0.0.1")
	}

	logger.Debug("outbound fetch", zap.String("method", method), zap.String("url", target))
	resp, err := m.runner.client.Do(req)
	if err != nil {
		logger.Error("outbound fetch failed", zap.String("url", target), zap.Error(err))
		return fetchFailure(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("read response body failed", zap.String("url", target), zap.Error(err))
		return fetchFailure(fmt.Errorf("read response body: %w", err))
	}

	return ResponseState{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    flattenHeader(resp.Header),
		Body:       string(raw),
	}
}

// fetchFailure shapes a failed fetch like an upstream 502 so the response
// hooks still run; the cause text is preserved in the body.
func fetchFailure(err error) ResponseState {
	return ResponseState{
		Status:     http.StatusBadGateway,
		StatusText: "Bad Gateway",
		Headers:    map[string]string{"content-type": "text/plain"},
		Body:       "fetch failed: " + err.Error(),
	}
}

// finalize assembles the client-visible response. Status is the fetch's;
// headers and body are whatever the last hook left behind.
func finalize(fetched ResponseState, out ResponseState) FinalResponse {
	ct := headerFold(out.Headers, "content-type")
	final := FinalResponse{
		Status:      fetched.Status,
		StatusText:  fetched.StatusText,
		Headers:     out.Headers,
		ContentType: ct,
	}
	if isTextContentType(ct) {
		final.Body = out.Body
	} else {
		final.Body = base64.StdEncoding.EncodeToString([]byte(out.Body))
		final.IsBase64 = true
	}
	return final
}

// hostHeaderValue renders the injected Host header: hostname, with the
// port appended only when it isn't the scheme default.
func hostHeaderValue(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" ||
		(u.Scheme == "https" && port == "443") ||
		(u.Scheme == "http" && port == "80") {
		return host
	}
	return host + ":" + port
}

func forwardedPort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "http" {
		return "80"
	}
	return "443"
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// flattenHeader folds a multi-valued header into the single-valued map the
// hooks work with. Keys are lowercased the way filters expect; values are
// comma-joined.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}

func hasHeaderFold(m map[string]string, key string) bool {
	for k := range m {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func headerFold(m map[string]string, key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// isTextContentType classifies payloads for the base64 decision. Unknown
// and absent content types count as text.
func isTextContentType(ct string) bool {
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return true
	}
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/javascript", "application/x-javascript",
		"application/xml", "application/xhtml+xml", "application/x-www-form-urlencoded":
		return true
	}
	return strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml")
}
