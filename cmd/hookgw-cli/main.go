// Command hookgw-cli validates hook gateway configs, lists the registered
// plugin kinds and hooks, and hosts configured plugins as an external plugin
// server over stdio, streamable HTTP or gRPC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ferro-labs/hook-gateway/internal/logging"

	// Register built-in plugins so they can be listed and hosted.
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/argsize"
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/denylist"
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/hooklogger"
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/ratelimit"
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/redactor"
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/resultcache"
	_ "github.com/ferro-labs/hook-gateway/plugin/external"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flags can also be set through
// HOOKGW_* environment variables, e.g. HOOKGW_LOG_LEVEL=debug.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("HOOKGW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "hookgw-cli",
		Short:         "Hook gateway command line tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.SetupWriter(cmd.ErrOrStderr(), v.GetString("log-level"), v.GetString("log-format"))
		},
	}
	flags := root.PersistentFlags()
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "json", "log format: json or text")
	_ = v.BindPFlag("log-level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log-format", flags.Lookup("log-format"))

	root.AddCommand(
		newValidateCmd(),
		newPluginsCmd(),
		newHooksCmd(),
		newVersionCmd(),
		newServePluginsCmd(v),
	)
	return root
}
