// Toolhost connects to MCP tool servers and exposes their tools.
//
// It keeps a persistent registry of servers, manages one shared
// connection per server, and calls tools with retry. The same operations
// are available over an HTTP API (serve) and as one-shot CLI commands.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolhost serve                     Start the API server
//	toolhost init [dir]                Initialize a working directory
//	toolhost servers                   List registered servers
//	toolhost tools                     List tools of all active servers
//	toolhost call <server> <tool> [json]
//	toolhost builtin [name]            List or register built-in servers
//	toolhost version                   Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nugget/toolhost/internal/config"
)

// main is intentionally minimal. It constructs the OS-level environment
// and delegates to [run] so the whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
	output     string // "text" (default) or "json"
}

// run is the real entry point. The command tree is built per call rather
// than in package-level vars so tests can run it concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var flags globalFlags

	root := &cobra.Command{
		Use:   "toolhost",
		Short: "Toolhost - MCP tool server host",
		Long: `Toolhost connects to MCP tool servers over in-memory, stdio, SSE and
streamable HTTP transports, keeps a registry of them, and calls their
tools with retry.

Run 'toolhost serve' to start the HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if flags.output != "text" && flags.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", flags.output)
			}
			return loadEnv(flags.envFile, cmd.Flags().Changed("env-file"))
		},
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to config file (default: auto-discover)")
	pf.StringVar(&flags.envFile, "env-file", ".env", "Environment file loaded before the config")
	pf.StringVarP(&flags.output, "output", "o", "text", "Output format: text or json")

	root.AddCommand(
		newServeCmd(&flags),
		newInitCmd(),
		newServersCmd(&flags),
		newToolsCmd(&flags),
		newCallCmd(&flags),
		newBuiltinCmd(&flags),
		newVersionCmd(&flags),
	)

	return root.ExecuteContext(ctx)
}

// loadEnv reads KEY=value pairs into the process environment so config
// files can reference secrets with ${VAR}. Existing variables win. The
// default file is optional; an explicitly named one must exist.
func loadEnv(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configLogger builds the logger a loaded config asks for.
func configLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Already checked by config.Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	format, _ := config.ParseLogFormat(cfg.LogFormat)
	return newLogger(w, level, format)
}

// loadConfig locates and parses the YAML configuration file. Without an
// explicit path and with nothing found in the search paths, the defaults
// are used so one-shot commands work in an empty directory.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
