// Copyright 2025 The nuclia-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nuclia is the CLI for the Nuclia RAG platform.
//
// Usage:
//
//	nuclia auth login
//	nuclia kbs list
//	nuclia kb upload file --path report.pdf
//	nuclia kb ask --query "What does the report conclude?"
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	nuclia "github.com/nuclia/nuclia-go"
	"github.com/nuclia/nuclia-go/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Auth     AuthCmd     `cmd:"" help:"Log in and register credentials."`
	Accounts AccountsCmd `cmd:"" help:"List and select accounts."`
	Zones    ZonesCmd    `cmd:"" help:"List and select zones."`
	KBs      KBsCmd      `cmd:"" name:"kbs" help:"List and select knowledge boxes."`
	KB       KBCmd       `cmd:"" name:"kb" help:"Work with one knowledge box."`
	NUA      NUACmd      `cmd:"" name:"nua" help:"Call the understanding API with a NUA key."`
	NUAs     NUAsCmd     `cmd:"" name:"nuas" help:"List and select NUA keys."`
	Agent    AgentCmd    `cmd:"" help:"Talk to an agent."`
	Agents   AgentsCmd   `cmd:"" help:"List and select agents."`

	Config    string `short:"c" help:"Path to the configuration document." type:"path" env:"NUCLIA_CONFIG"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)."`
	Output    string `short:"o" help:"Output format (json, yaml)." enum:"json,yaml" default:"json"`

	MaxRPS          float64 `name:"max-rps" help:"Client-side request rate limit (0 = unlimited)."`
	MetricsTextfile string  `name:"metrics-textfile" help:"Write request metrics in Prometheus text format to this file on exit." type:"path"`
	CACert          string  `name:"ca-cert" help:"PEM CA bundle for self-hosted endpoints." type:"path"`
	Insecure        bool    `help:"Skip TLS certificate verification."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(a *app) error {
	return a.print(nuclia.GetVersion())
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Debug("Interrupted, cancelling")
		cancel()
	}()

	if err := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, config.LoadSettings()); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

// execute parses args and runs the selected command.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, settings config.Settings) error {
	cli := CLI{}
	parser, err := kong.New(&cli,
		kong.Name("nuclia"),
		kong.Description("Client for the Nuclia RAG platform."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat, stderr)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	a, err := newApp(&cli, settings, stdin, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(a)
}
