// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the runtime configuration: YAML with ${ENV}
// expansion, .env files loaded first so references resolve.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/penguin/pkg/auth"
	"github.com/kadirpekel/penguin/pkg/contextwindow"
	"github.com/kadirpekel/penguin/pkg/core"
	"github.com/kadirpekel/penguin/pkg/llms"
	"github.com/kadirpekel/penguin/pkg/observability"
	"github.com/kadirpekel/penguin/pkg/tools"
)

// ProviderConfig configures one LLM provider adapter.
type ProviderConfig struct {
	Type   string      `yaml:"type"` // "anthropic" or "openai"
	Config llms.Config `yaml:",inline"`
}

// Config is the full runtime configuration.
type Config struct {
	// Server binds the external interface.
	Server ServerConfig `yaml:"server"`

	// Auth validates external bearer tokens.
	Auth *auth.Config `yaml:"auth,omitempty"`

	// Providers maps provider names to their adapters.
	Providers map[string]*ProviderConfig `yaml:"providers"`

	// Core configures the agent runtime.
	Core core.Config `yaml:"core"`

	// Window configures the context window defaults.
	Window *contextwindow.Config `yaml:"window,omitempty"`

	// Tools configures the bundled workspace tools.
	Tools *tools.LocalConfig `yaml:"tools,omitempty"`

	// MCP lists external MCP servers to mirror into the registry.
	MCP []*tools.MCPConfig `yaml:"mcp,omitempty"`

	// SnapshotPath locates the snapshot database.
	SnapshotPath string `yaml:"snapshot_path"`

	// Tracing configures the OTLP exporter.
	Tracing observability.TracerConfig `yaml:"tracing"`

	// LogLevel and LogFormat configure the logger.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ServerConfig binds the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = "penguin.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Core.SetDefaults()
	c.Core.Window = c.Window
}

// Load reads, env-expands and parses a YAML config file. An empty
// path returns defaults; a path that cannot be read is an error.
func Load(path string) (*Config, error) {
	_ = LoadDotEnv(path)

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		expanded := ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.SetDefaults()
	return cfg, nil
}

var envRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string.
func ExpandEnv(s string) string {
	return envRe.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// BuildProviders constructs the provider registry from config.
func (c *Config) BuildProviders() (*llms.Registry, error) {
	registry := llms.NewRegistry()
	for name, pc := range c.Providers {
		if pc == nil {
			continue
		}
		var (
			provider llms.Provider
			err      error
		)
		cfg := pc.Config
		switch pc.Type {
		case "anthropic":
			provider, err = llms.NewAnthropicProvider(&cfg)
		case "openai", "":
			provider, err = llms.NewOpenAIProvider(&cfg)
		default:
			return nil, fmt.Errorf("unknown provider type %q for %s", pc.Type, name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", name, err)
		}
		if err := registry.Register(name, provider); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
