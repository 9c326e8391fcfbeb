package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	hookgateway "github.com/ferro-labs/hook-gateway"
	"github.com/ferro-labs/hook-gateway/internal/version"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := hookgateway.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := hookgateway.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Config is valid")
			fmt.Fprintf(out, "  Plugins:   %d\n", len(cfg.Plugins))
			for _, p := range cfg.Plugins {
				fmt.Fprintf(out, "    %-20s kind=%s mode=%s hooks=%s\n",
					p.Name, p.Kind, p.EffectiveMode(), strings.Join(p.Hooks, ","))
			}
			fmt.Fprintf(out, "  Routes:    %d\n", len(cfg.Routes))
			if id := cfg.Metadata.GatewayID; id != "" {
				fmt.Fprintf(out, "  Gateway:   %s\n", id)
			}
			return nil
		},
	}
}

func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List registered plugin kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			kinds := plugin.RegisteredKinds()
			if len(kinds) == 0 {
				fmt.Fprintln(out, "No plugin kinds registered.")
				return nil
			}
			fmt.Fprintln(out, "Registered plugin kinds:")
			for _, kind := range kinds {
				fmt.Fprintf(out, "  %s\n", kind)
			}
			return nil
		},
	}
}

func newHooksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hooks",
		Short: "List the standard hooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := hooks.NewStandardRegistry()
			out := cmd.OutOrStdout()
			for _, name := range reg.Names() {
				phase := "pre"
				if reg.IsPostHook(name) {
					phase = "post"
				}
				fmt.Fprintf(out, "  %-28s %s\n", name, phase)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hookgw-cli %s\n", version.String())
		},
	}
}
