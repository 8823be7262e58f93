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

// Command penguin runs the multi-agent execution runtime.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/penguin/pkg/auth"
	"github.com/kadirpekel/penguin/pkg/config"
	"github.com/kadirpekel/penguin/pkg/core"
	"github.com/kadirpekel/penguin/pkg/logger"
	"github.com/kadirpekel/penguin/pkg/observability"
	"github.com/kadirpekel/penguin/pkg/server"
	"github.com/kadirpekel/penguin/pkg/snapshot"
	"github.com/kadirpekel/penguin/pkg/tools"
)

var version = "0.1.0-dev"

type cli struct {
	Serve   serveCmd   `cmd:"" help:"Run the agent runtime server."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

type serveCmd struct {
	Config    string `short:"c" help:"Path to the YAML config file." type:"path"`
	LogLevel  string `help:"Log level: debug, info, warn, error." env:"LOG_LEVEL"`
	LogFormat string `help:"Log format: simple or verbose." env:"LOG_FORMAT"`
}

type versionCmd struct{}

func (v *versionCmd) Run() error {
	fmt.Println("penguin", version)
	return nil
}

func (s *serveCmd) Run() error {
	cfg, err := config.Load(s.Config)
	if err != nil {
		return err
	}
	if s.LogLevel != "" {
		cfg.LogLevel = s.LogLevel
	}
	if s.LogFormat != "" {
		cfg.LogFormat = s.LogFormat
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, os.Stderr, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := observability.InitGlobalTracer(ctx, cfg.Tracing); err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	metrics := observability.NewMetrics()

	providers, err := cfg.BuildProviders()
	if err != nil {
		return err
	}

	store, err := snapshot.Open(cfg.SnapshotPath)
	if err != nil {
		return err
	}
	defer store.Close()

	toolRegistry := tools.NewRegistry()
	c, err := core.New(&cfg.Core, providers, toolRegistry, store, metrics)
	if err != nil {
		return err
	}

	// Workspace tools, process tools and MCP mirrors register while
	// the registry is still open.
	if err := tools.RegisterLocalTools(toolRegistry, cfg.Tools, c.NotesSink()); err != nil {
		return err
	}
	processManager := tools.NewProcessManager(workDirOf(cfg))
	defer processManager.StopAll()
	if err := tools.RegisterProcessTools(toolRegistry, processManager); err != nil {
		return err
	}
	if err := tools.RegisterProjectTools(toolRegistry, tools.NewProjectRegistry()); err != nil {
		return err
	}
	for _, mcpCfg := range cfg.MCP {
		source, err := tools.NewMCPSource(mcpCfg)
		if err != nil {
			return err
		}
		if err := source.RegisterInto(ctx, toolRegistry); err != nil {
			return fmt.Errorf("failed to connect MCP server %s: %w", mcpCfg.Name, err)
		}
		defer source.Close()
	}

	validator, err := auth.NewValidator(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return server.New(c, metrics, validator, addr).ListenAndServe(ctx)
}

func workDirOf(cfg *config.Config) string {
	if cfg.Tools != nil && cfg.Tools.WorkingDirectory != "" {
		return cfg.Tools.WorkingDirectory
	}
	return "."
}

func main() {
	k := kong.Parse(&cli{},
		kong.Name("penguin"),
		kong.Description("Multi-agent execution runtime."),
		kong.UsageOnError(),
	)
	if err := k.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
