package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/proxytap/proxytap/hostfunc"
)

var rootCmd = &cobra.Command{
	Use:   "proxytap [filter.wasm]",
	Short: "Test bench for proxy-wasm HTTP filters",
	Long: `proxytap - Exercise proxy-wasm HTTP filters without deploying a proxy.

Load a compiled filter, drive its four lifecycle hooks against a synthetic
HTTP exchange with one real outbound fetch in the middle, and inspect what
the filter logged, read, and rewrote at every stage.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun, // Default to run command behavior
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Add persistent flags that apply to multiple commands
	rootCmd.PersistentFlags().String("log-level", "", "Guest log capture floor and host verbosity: trace, debug, info, warn, error, critical")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")

	// Add run-specific flags to root (for default command)
	addRunFlags(rootCmd)
}

// hostLogger builds the operational logger shared by the runner and the
// serve command. Guest logs are captured in results, not routed here.
func hostLogger(cmd *cobra.Command) *zap.Logger {
	level, _ := cmd.Root().PersistentFlags().GetString("log-level")
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// zapLevel maps the guest severity scale onto zap's. Unset stays at warn so
// plain runs print nothing but trouble.
func zapLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error", "critical":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

// captureLevel reads --log-level when explicitly set. The second return
// distinguishes "default" from "trace requested": scenarios keep their own
// level unless the flag overrides it.
func captureLevel(cmd *cobra.Command) (hostfunc.LogLevel, bool, error) {
	flags := cmd.Root().PersistentFlags()
	if !flags.Changed("log-level") {
		return hostfunc.LogLevelTrace, false, nil
	}
	s, _ := flags.GetString("log-level")
	level, err := hostfunc.ParseLogLevel(s)
	if err != nil {
		return hostfunc.LogLevelTrace, false, err
	}
	return level, true, nil
}

func parsePairs(specs []string, what string) (map[string]string, error) {
	pairs := make(map[string]string, len(specs))
	for _, spec := range specs {
		k, v, ok := strings.Cut(spec, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid %s %q (expected key=value)", what, spec)
		}
		pairs[k] = v
	}
	return pairs, nil
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
