package cmd

import (
	"io"

	"github.com/babelcloud/tunerbridge/config"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile    string
	verbose       bool
	logFile       string
	controlSocket string
	apiSocket     string

	logCloser io.Closer
}

// NewRootCommand builds the tunerbridge command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tunerbridge",
		Short: "Bridge network TV tuners into a privileged host service",
		Long: `tunerbridge exposes network tuners through a privileged host service.
The unprivileged controller owns the tuners and answers host requests over a
local control socket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logCloser != nil {
				opts.logCloser.Close()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Config file (default: ./config.yaml, ~/.tunerbridge/config.yaml or /etc/tunerbridge/config.yaml)")
	flags.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	flags.StringVarP(&opts.logFile, "log-file", "l", "", "Append logs to this file instead of stdout")
	flags.StringVar(&opts.controlSocket, "control-socket", "", "Path of the host control socket")
	flags.StringVar(&opts.apiSocket, "api-socket", "", "Path of the host API socket")

	cmd.AddCommand(NewHostCommand())
	cmd.AddCommand(NewControllerCommand())
	cmd.AddCommand(NewTunersCommand())
	cmd.AddCommand(NewAdapterCommand())
	cmd.AddCommand(NewStatusCommand())

	return cmd
}

func (o *rootOptions) setup() error {
	if o.configFile != "" {
		if err := config.SetConfigFile(o.configFile); err != nil {
			return err
		}
	}
	if o.controlSocket != "" {
		config.Set("host.control_socket", o.controlSocket)
	}
	if o.apiSocket != "" {
		config.Set("host.api_socket", o.apiSocket)
	}

	if o.logFile != "" {
		closer, err := util.InitFileLogger(o.verbose, o.logFile)
		if err != nil {
			return err
		}
		o.logCloser = closer
	} else {
		util.InitLogger(o.verbose)
	}
	util.SetupGlobalLogger()
	return nil
}

func Execute() error {
	return NewRootCommand().Execute()
}
