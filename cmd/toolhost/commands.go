package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/toolhost/internal/api"
	"github.com/nugget/toolhost/internal/builtin"
	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/invoker"
)

// shutdownTimeout bounds how long serve waits for in-flight requests.
const shutdownTimeout = 10 * time.Second

// withApp loads the config, builds the runtime, and hands it to fn. Logs
// from one-shot commands go to stderr so stdout stays parseable.
func withApp(cmd *cobra.Command, flags *globalFlags, poll bool, fn func(*app) error) error {
	cfg, _, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, configLogger(cmd.ErrOrStderr(), cfg), poll)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), flags.configPath, port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides listen.port)")
	return cmd
}

// runServe starts the API server and blocks until ctx is cancelled.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Every MCP connection is closed and the registry database released
func runServe(ctx context.Context, stdout io.Writer, configPath string, port int) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Listen.Port = port
	}

	logger := configLogger(stdout, cfg)
	logger.Info("starting toolhost", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"servers", len(cfg.MCP.Servers),
	)

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.logEvents(ctx)

	if names := a.host.ActiveServerNames(); len(names) > 0 {
		logger.Info("active servers", "servers", names)
	}

	srv := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.host, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", "error", err)
	}
	return <-errCh
}

func newServersCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List registered servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, false, func(a *app) error {
				servers := a.host.ListServers()
				w := cmd.OutOrStdout()
				if flags.output == "json" {
					return encodeJSON(w, servers)
				}

				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTRANSPORT\tACTIVE\tTARGET")
				for _, d := range servers {
					target := d.Endpoint
					switch {
					case d.Command != "":
						target = strings.Join(append([]string{d.Command}, d.Args...), " ")
					case d.Builtin != "":
						target = "builtin:" + d.Builtin
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", d.ID, d.Name, d.Kind, d.IsActive, target)
				}
				return tw.Flush()
			})
		},
	}
}

func newToolsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List tools of all active servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, false, func(a *app) error {
				tools := a.host.GetAllAvailableTools(cmd.Context())
				w := cmd.OutOrStdout()
				if flags.output == "json" {
					return encodeJSON(w, tools)
				}

				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSERVER\tTOOL\tDESCRIPTION")
				for _, t := range tools {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.SanitizedName, t.ServerName, t.Name, firstLine(t.Description))
				}
				return tw.Flush()
			})
		},
	}
}

func newCallCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call <server-id> <tool> [json-arguments]",
		Short: "Call a tool on a registered server",
		Long: `Call a tool on a registered server, connecting on demand. Arguments
are a JSON object. With a single name argument the tool is looked up by
its sanitized name across all active servers.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawArgs := ""
			switch len(args) {
			case 3:
				rawArgs = args[2]
			case 2:
				if strings.HasPrefix(strings.TrimSpace(args[1]), "{") {
					rawArgs = args[1]
					args = args[:1]
				}
			}

			toolArgs := map[string]any{}
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("arguments must be a JSON object: %w", err)
				}
			}

			return withApp(cmd, flags, false, func(a *app) error {
				var res *invoker.Result
				if len(args) >= 2 {
					res = a.host.CallTool(cmd.Context(), args[0], args[1], toolArgs)
				} else {
					res = a.host.CallToolByName(cmd.Context(), args[0], toolArgs)
				}

				w := cmd.OutOrStdout()
				if flags.output == "json" {
					if err := encodeJSON(w, res); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(w, res.Text())
				}
				if res.IsError {
					return fmt.Errorf("tool call failed after %d attempt(s)", res.Attempts)
				}
				return nil
			})
		},
	}
}

func newBuiltinCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "builtin [name]",
		Short: "List built-in servers, or register one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if len(args) == 0 {
				catalog := builtin.Catalog()
				if flags.output == "json" {
					return encodeJSON(w, catalog)
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tID\tNAME\tDESCRIPTION")
				for _, e := range catalog {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Key, e.ID, e.Name, e.Description)
				}
				return tw.Flush()
			}

			return withApp(cmd, flags, false, func(a *app) error {
				d, err := a.host.AddBuiltinServer(args[0])
				if err != nil {
					return err
				}
				if flags.output == "json" {
					return encodeJSON(w, d)
				}
				fmt.Fprintf(w, "registered %s (%s)\n", d.Name, d.ID)
				return nil
			})
		},
	}
}

func newVersionCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVersion(cmd.OutOrStdout(), flags.output)
		},
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return encodeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
