package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/babelcloud/tunerbridge/config"
	"github.com/babelcloud/tunerbridge/internal/apiclient"
	"github.com/babelcloud/tunerbridge/internal/controller"
	"github.com/babelcloud/tunerbridge/internal/device/sim"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewControllerCommand() *cobra.Command {
	var (
		maxDevices  int
		waitForHost time.Duration
	)

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the unprivileged tuner controller",
		Long: `Run the controller. It discovers tuners, registers them with the host and
serves host requests until interrupted, reconnecting when the host goes away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-devices") {
				config.Set("controller.max_devices", maxDevices)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			api := apiclient.New(config.GetAPISocket())
			if err := awaitHost(ctx, api, waitForHost); err != nil {
				return err
			}

			discoverer, err := sim.NewDiscovererFromConfig()
			if err != nil {
				return err
			}
			return controller.New(discoverer, api, controller.OptionsFromConfig()).Run(ctx)
		},
		Example: `  # Run the controller against the default host sockets
  tunerbridge controller

  # Use a custom config file with per-tuner sections
  tunerbridge controller --config /etc/tunerbridge/config.yaml`,
	}

	flags := cmd.Flags()
	flags.IntVar(&maxDevices, "max-devices", 4, "Maximum number of tuner boxes to discover")
	flags.DurationVar(&waitForHost, "wait", 10*time.Second, "How long to wait for the host API to come up")

	return cmd
}

// awaitHost polls the host health endpoint until it answers or timeout passes.
func awaitHost(ctx context.Context, api *apiclient.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := api.Health(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrap(err, "host API is not reachable")
		}
		util.GetLogger().Debug("Waiting for host API", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
