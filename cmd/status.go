package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func NewStatusCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show host and control channel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := apiClient().Status(commandContext(cmd))
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), status)
			}

			w := cmd.OutOrStdout()
			controller := color.New(color.FgRed).Sprint("not attached")
			if status.Channel.Attached {
				controller = color.New(color.FgGreen).Sprint("attached")
				if !status.Channel.Draining {
					controller = color.New(color.FgYellow).Sprint("attached, not ready")
				}
			}
			fmt.Fprintf(w, "uptime:     %s\n", status.Uptime)
			fmt.Fprintf(w, "controller: %s\n", controller)
			fmt.Fprintf(w, "tuners:     %d\n", status.Tuners)
			fmt.Fprintf(w, "resync:     %s\n", status.Resync)
			fmt.Fprintf(w, "queued:     %d request bytes, %d reply bytes of %d\n",
				status.Channel.Requests, status.Channel.Replies, status.Channel.Capacity)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text or json)")
	return cmd
}
