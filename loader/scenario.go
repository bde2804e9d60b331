package loader

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/proxytap/proxytap/hostfunc"
	"github.com/proxytap/proxytap/runner"
)

// Scenario is a reusable call template. Secrets and dictionary entries are
// shorthand for properties under the secret. and dictionary. prefixes; an
// explicit properties entry with the same path wins. The config fields
// accept inline text or an @file reference (see ConfigBytes).
type Scenario struct {
	URL          string            `yaml:"url,omitempty"`
	Method       string            `yaml:"method,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	Body         string            `yaml:"body,omitempty"`
	Properties   map[string]any    `yaml:"properties,omitempty"`
	Secrets      map[string]string `yaml:"secrets,omitempty"`
	Dictionary   map[string]string `yaml:"dictionary,omitempty"`
	PluginConfig string            `yaml:"plugin_config,omitempty"`
	VMConfig     string            `yaml:"vm_config,omitempty"`
	LogLevel     string            `yaml:"log_level,omitempty"`
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s := &Scenario{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if s.LogLevel != "" {
		if _, err := hostfunc.ParseLogLevel(s.LogLevel); err != nil {
			return nil, fmt.Errorf("scenario log_level: %w", err)
		}
	}
	return s, nil
}

// Save writes the scenario as YAML.
func (s *Scenario) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write scenario: %w", err)
	}
	return nil
}

// FlowCall converts the scenario into a flow call, expanding the secret and
// dictionary shorthands into seed properties.
func (s *Scenario) FlowCall() (runner.FlowCall, error) {
	level, err := hostfunc.ParseLogLevel(s.LogLevel)
	if err != nil {
		return runner.FlowCall{}, fmt.Errorf("scenario log_level: %w", err)
	}

	headers := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		headers[k] = v
	}

	props := make(map[string]any, len(s.Properties)+len(s.Secrets)+len(s.Dictionary))
	for k, v := range s.Secrets {
		props["secret."+k] = v
	}
	for k, v := range s.Dictionary {
		props["dictionary."+k] = v
	}
	for k, v := range s.Properties {
		props[k] = v
	}

	return runner.FlowCall{
		URL:        s.URL,
		Method:     s.Method,
		Headers:    headers,
		Body:       s.Body,
		Properties: props,
		LogLevel:   level,
	}, nil
}
