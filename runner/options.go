package runner

import (
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Option configures a Runner at creation time.
type Option func(*config)

type config struct {
	logger           *zap.Logger
	client           *http.Client
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
}

func defaultConfig() config {
	return config{
		logger: zap.NewNop(),
		// The outbound fetch carries no bench-imposed timeout; callers
		// cancel through ctx.
		client: &http.Client{},
	}
}

// WithLogger sets the host-side operational logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets the client used for the flow's outbound fetch.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		if client != nil {
			c.client = client
		}
	}
}

// WithDiskCache enables a persistent compilation cache for faster CLI
// startup. Optionally provide a directory; otherwise XDG_CACHE_HOME/proxytap
// or ~/.cache/proxytap is used.
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps guest memory in 64KB pages. 0 means the wazero
// default (4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// ModuleOption configures one loaded module.
type ModuleOption func(*moduleConfig)

type moduleConfig struct {
	vmConfig     []byte
	pluginConfig []byte
}

// WithVMConfig sets the read-only vm configuration buffer; its length is
// passed to proxy_on_vm_start.
func WithVMConfig(cfg []byte) ModuleOption {
	return func(c *moduleConfig) {
		c.vmConfig = cfg
	}
}

// WithPluginConfig sets the read-only plugin configuration buffer; its
// length is passed to proxy_on_configure and it also backs the legacy
// proxy_get_configuration call.
func WithPluginConfig(cfg []byte) ModuleOption {
	return func(c *moduleConfig) {
		c.pluginConfig = cfg
	}
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "proxytap")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "proxytap")
	}
	return filepath.Join(os.TempDir(), "proxytap-cache")
}
