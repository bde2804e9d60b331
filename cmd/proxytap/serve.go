package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/proxytap/proxytap/loader"
	"github.com/proxytap/proxytap/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server exposing filter runs",
	Long: `Start an HTTP server that runs a loaded filter on demand.

Endpoints:
  POST /flow     Run the full four-hook flow against a JSON call
  POST /hook     Run a single hook against a JSON call
  GET  /health   Health check
  GET  /stats    Run counters and last latency
  GET  /ws       WebSocket feed of every run result

With --watch the filter file is reloaded whenever it changes on disk, so a
rebuild shows up on the next request without restarting the server.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringP("filter", "f", "", "Path to the filter module (required)")
	serveCmd.Flags().Bool("watch", false, "Reload the filter when the file changes")
	addModuleFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

// filterHost owns the loaded module and swaps it on reload. Run handlers
// hold the read lock for the duration of a run so a reload never closes a
// module out from under them.
type filterHost struct {
	runner  *runner.Runner
	modOpts []runner.ModuleOption
	logger  *zap.Logger
	path    string

	mu     sync.RWMutex
	module *runner.Module

	flows  atomic.Int64
	hooks  atomic.Int64
	errors atomic.Int64
	lastMs atomic.Int64

	clients sync.Map // viewer ID (uint64) -> *wsClient
	nextID  atomic.Uint64
}

// wsClient tracks a single feed viewer.
type wsClient struct {
	ws        *websocket.Conn
	sendCh    chan resultEvent // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// resultEvent is one run broadcast to feed viewers.
type resultEvent struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"` // "flow" or "hook"
	Filter    string `json:"filter"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Result    any    `json:"result"`
}

type flowResponse struct {
	*runner.FlowResult
	DurationMs int64 `json:"duration_ms"`
}

type hookResponse struct {
	*runner.HookResult
	DurationMs int64 `json:"duration_ms"`
}

type statsResponse struct {
	Filter     string `json:"filter"`
	ABIVersion string `json:"abi_version,omitempty"`
	Flows      int64  `json:"flows"`
	Hooks      int64  `json:"hooks"`
	Errors     int64  `json:"errors"`
	LastMs     int64  `json:"last_ms"`
	Viewers    int    `json:"viewers"`
}

// reload reads and compiles the filter, then swaps it in. The old module is
// closed only after the swap, when no run can still be using it.
func (h *filterHost) reload(ctx context.Context) error {
	wasm, err := loader.ReadModule(h.path)
	if err != nil {
		return err
	}
	mod, err := h.runner.Load(ctx, wasm, h.modOpts...)
	if err != nil {
		return err
	}

	h.mu.Lock()
	old := h.module
	h.module = mod
	h.mu.Unlock()

	if old != nil {
		old.Close(ctx)
	}
	return nil
}

// watch reloads the filter when its file changes. The directory is watched
// rather than the file itself so rebuilds that replace the file (the common
// compiler behavior) keep being seen.
func (h *filterHost) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(h.path)
	go func() {
		var pending *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				// Editors and compilers fire bursts; reload once the
				// file settles.
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(500*time.Millisecond, func() {
					if err := h.reload(context.Background()); err != nil {
						h.logger.Error("filter reload failed", zap.Error(err))
						return
					}
					h.logger.Info("filter reloaded", zap.String("path", h.path))
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn("watch error", zap.Error(err))
			}
		}
	}()

	h.logger.Info("watching filter", zap.String("path", h.path))
	return nil
}

// broadcast fans a result out to every connected viewer. Viewers that can't
// keep up miss events instead of stalling runs.
func (h *filterHost) broadcast(ev resultEvent) {
	h.clients.Range(func(_, value any) bool {
		client := value.(*wsClient)
		select {
		case client.sendCh <- ev:
		default:
			h.logger.Warn("dropped result for slow viewer")
		}
		return true
	})
}

func (h *filterHost) handleFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var call runner.FlowCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if call.URL == "" {
		http.Error(w, "url required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	h.mu.RLock()
	result, err := h.module.RunFlow(r.Context(), call)
	h.mu.RUnlock()
	elapsed := time.Since(start)

	if err != nil {
		h.errors.Add(1)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.flows.Add(1)
	h.lastMs.Store(elapsed.Milliseconds())
	for _, hr := range result.Hooks {
		if hr.Failed() {
			h.errors.Add(1)
			break
		}
	}

	h.broadcast(resultEvent{
		ID:        uuid.NewString(),
		Kind:      "flow",
		Filter:    h.path,
		ElapsedMs: elapsed.Milliseconds(),
		Result:    result,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(flowResponse{FlowResult: result, DurationMs: elapsed.Milliseconds()})
}

func (h *filterHost) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var call runner.HookCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if call.Hook == "" {
		http.Error(w, "hook required", http.StatusBadRequest)
		return
	}
	if !call.Hook.Valid() {
		hook, err := runner.ParseHook(string(call.Hook))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		call.Hook = hook
	}

	start := time.Now()
	h.mu.RLock()
	result := h.module.RunHook(r.Context(), call)
	h.mu.RUnlock()
	elapsed := time.Since(start)

	h.hooks.Add(1)
	h.lastMs.Store(elapsed.Milliseconds())
	if result.Failed() {
		h.errors.Add(1)
	}

	h.broadcast(resultEvent{
		ID:        uuid.NewString(),
		Kind:      "hook",
		Filter:    h.path,
		ElapsedMs: elapsed.Milliseconds(),
		Result:    result,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hookResponse{HookResult: result, DurationMs: elapsed.Milliseconds()})
}

func (h *filterHost) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	viewers := 0
	h.clients.Range(func(_, _ any) bool {
		viewers++
		return true
	})

	h.mu.RLock()
	abi := h.module.ABIVersion()
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statsResponse{
		Filter:     h.path,
		ABIVersion: abi,
		Flows:      h.flows.Load(),
		Hooks:      h.hooks.Load(),
		Errors:     h.errors.Load(),
		LastMs:     h.lastMs.Load(),
		Viewers:    viewers,
	})
}

func (h *filterHost) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	id := h.nextID.Add(1)
	client := &wsClient{
		ws:     ws,
		sendCh: make(chan resultEvent, 64),
		done:   make(chan struct{}),
	}
	h.clients.Store(id, client)
	h.logger.Info("viewer connected", zap.Uint64("viewer", id))

	go client.writeLoop()

	// The feed is one-way; CloseRead still services control frames and
	// cancels the context when the viewer hangs up.
	ctx := ws.CloseRead(r.Context())
	select {
	case <-ctx.Done():
	case <-client.done:
	}

	client.closeOnce.Do(func() { close(client.done) })
	h.clients.Delete(id)
	ws.Close(websocket.StatusNormalClosure, "")
	h.logger.Info("viewer disconnected", zap.Uint64("viewer", id))
}

func (c *wsClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, c.ws, ev)
			cancel()
			if err != nil {
				c.closeOnce.Do(func() { close(c.done) })
				return
			}
		}
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func runServe(cmd *cobra.Command, args []string) {
	port, _ := cmd.Flags().GetInt("port")
	filterPath, _ := cmd.Flags().GetString("filter")
	watch, _ := cmd.Flags().GetBool("watch")

	if filterPath == "" {
		fmt.Fprintf(os.Stderr, "Error: --filter is required\n")
		os.Exit(1)
	}

	modOpts, err := moduleOptions(configSpecs(cmd, nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := hostLogger(cmd)
	defer logger.Sync()

	r, err := runner.New(runnerOptions(cmd, logger)...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer r.Close(context.Background())

	host := &filterHost{
		runner:  r,
		modOpts: modOpts,
		logger:  logger,
		path:    filterPath,
	}
	if err := host.reload(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if watch {
		if err := host.watch(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	http.HandleFunc("/flow", host.handleFlow)
	http.HandleFunc("/hook", host.handleHook)
	http.HandleFunc("/stats", host.handleStats)
	http.HandleFunc("/ws", host.handleWS)
	http.HandleFunc("/health", handleHealth)

	addr := fmt.Sprintf(":%d", port)
	fmt.Fprintf(os.Stderr, "proxytap server listening on %s\n", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
