// Package loader reads filter modules and scenario files for the CLI and
// the serve endpoints.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotWasm marks a file that is not a wasm binary. The check runs before
// any bytes reach the runtime, so a mistyped path fails with a clear error
// instead of a compiler one.
var ErrNotWasm = errors.New("not a wasm module")

// wasm binary prefix: "\0asm" magic followed by version 1.
var wasmPrefix = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// ReadModule reads a filter binary and verifies its magic and version
// prefix.
func ReadModule(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	if !bytes.HasPrefix(data, wasmPrefix) {
		return nil, fmt.Errorf("%w: %s", ErrNotWasm, path)
	}
	return data, nil
}

// ConfigBytes resolves a configuration value that is either inline text or
// an @file reference. Empty input stays empty.
func ConfigBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "@") {
		data, err := os.ReadFile(s[1:])
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		return data, nil
	}
	return []byte(s), nil
}
