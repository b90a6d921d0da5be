package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(cmd),
		createStopCommand(cmd),
		createStatusCommand(cmd),
		createCheckCommand(cmd),
		createHistoryCommand(cmd),
		createConfigCommand(cmd),
		createDepsCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "markdown-web",
		Short: "Supervisor for the markdown-web stack",
		Long: `markdown-web starts, supervises and stops the processes that serve a
markdown site: the ASGI application server, nginx, and optionally Loki,
Alloy and an ngrok tunnel.

Examples:
  markdown-web start                  # run in the foreground
  markdown-web start --detach         # run in the background
  markdown-web status
  markdown-web config set LOG_HISTORY_COUNT 80
  markdown-web stop`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.BaseDir, "base-dir", "", "project directory (default: BASE_DIR or the working directory)")
	root.PersistentFlags().StringVar(&flags.EnvFile, "env-file", "", "KEY=VALUE file applied over the environment (default: <base-dir>/.env)")
	return root
}

func createStartCommand(c command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start and supervise the stack",
		Long: `Start prepares dependencies and runtime configuration, launches every
enabled process in order and supervises them until SIGINT, SIGTERM or
"markdown-web stop".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Start(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Detach, "detach", false, "run the supervisor in the background")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "with --detach, redirect the supervisor's console output to this file")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running stack",
		Long: `Stop asks the running supervisor to shut down through the shutdown signal
file. If it has not finished within --wait, the processes listed in the PID
ledger are stopped directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 30*time.Second, "how long to wait for the supervisor to exit")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the supervised processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Remote, "remote", false, "ask the running control plane (includes restart state)")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "control plane URL (default from CONFIG_API_HOST/PORT)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

func createCheckCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that every configured executable exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Check()
		},
	}
}

func createHistoryCommand(c command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent process lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "number of events (default LOG_HISTORY_COUNT)")
	return cmd
}
