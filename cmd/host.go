package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/babelcloud/tunerbridge/config"
	"github.com/babelcloud/tunerbridge/internal/host"
	"github.com/spf13/cobra"
)

func NewHostCommand() *cobra.Command {
	var resync string

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the privileged host service",
		Long: `Run the host service. It serves the control socket the controller attaches
to and the HTTP API used to register tuners and drive adapters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if resync != "" {
				config.Set("bridge.resync", resync)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return host.New(host.OptionsFromConfig()).Run(ctx)
		},
		Example: `  # Run the host with default sockets under ~/.tunerbridge
  tunerbridge host

  # Replay tune and feeds to a controller that reconnects
  tunerbridge host --resync replay`,
	}

	cmd.Flags().StringVar(&resync, "resync", "", "Re-attach policy: none or replay")
	cmd.RegisterFlagCompletionFunc("resync", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{config.ResyncNone, config.ResyncReplay}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}
