package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hasganter/markdown-web/pkg/client"
)

func createConfigCommand(c command) *cobra.Command {
	f := &ConfigFlags{}
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change the live configuration of a running stack",
		Long: `Config talks to the control plane of a running supervisor.

Examples:
  markdown-web config get
  markdown-web config get LOG_HISTORY_COUNT
  markdown-web config set DDOS_PROTECTION_ENABLED false`,
	}
	cmd.PersistentFlags().StringVar(&f.APIUrl, "api-url", "", "control plane URL (default from CONFIG_API_HOST/PORT)")
	cmd.PersistentFlags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	get := &cobra.Command{
		Use:   "get [KEY]",
		Short: "Print the configuration, or one key of it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return c.ConfigGet(cmd.Context(), *f, key)
		},
	}
	set := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Update one modifiable setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ConfigSet(cmd.Context(), *f, args[0], args[1])
		},
	}
	cmd.AddCommand(get, set)
	return cmd
}

func (c command) configClient(f ConfigFlags) (*client.Client, func(), error) {
	a, err := c.load()
	if err != nil {
		return nil, nil, err
	}
	cl := client.New(client.Config{BaseURL: a.controlPlaneURL(f.APIUrl), Timeout: f.APITimeout, Logger: a.log})
	return cl, a.Close, nil
}

// ConfigGet prints the live configuration.
func (c command) ConfigGet(ctx context.Context, f ConfigFlags, key string) error {
	cl, done, err := c.configClient(f)
	if err != nil {
		return err
	}
	defer done()

	cfg, err := cl.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("get config: %w", err)
	}
	if key == "" {
		printJSON(cfg)
		return nil
	}
	v, ok := cfg[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	printJSON(v)
	return nil
}

// ConfigSet updates one setting through the control plane.
func (c command) ConfigSet(ctx context.Context, f ConfigFlags, key, value string) error {
	cl, done, err := c.configClient(f)
	if err != nil {
		return err
	}
	defer done()

	msg, err := cl.SetConfig(ctx, key, parseValue(value))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	fmt.Println(msg)
	return nil
}
