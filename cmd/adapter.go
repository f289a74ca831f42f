package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/babelcloud/tunerbridge/config"
	"github.com/babelcloud/tunerbridge/internal/apiclient"
	"github.com/babelcloud/tunerbridge/internal/host"
	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewAdapterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Drive a host adapter",
		Long:  `Tune an adapter, read its frontend status and manage its demux feeds.`,
	}

	cmd.AddCommand(newAdapterTuneCommand())
	cmd.AddCommand(newAdapterStatusCommand())
	cmd.AddCommand(newAdapterFeedCommand())
	cmd.AddCommand(newAdapterPIDsCommand())

	return cmd
}

func apiClient() *apiclient.Client {
	return apiclient.New(config.GetAPISocket())
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseAdapterID(s string) (int32, error) {
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil || id < 0 {
		return 0, errors.Errorf("invalid adapter id %q", s)
	}
	return int32(id), nil
}

func parsePID(s string) (uint16, error) {
	pid, err := strconv.ParseUint(s, 0, 16)
	if err != nil || uint16(pid) > protocol.PassAllPID {
		return 0, errors.Errorf("invalid pid %q", s)
	}
	return uint16(pid), nil
}

func newAdapterTuneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tune ADAPTER_ID FREQUENCY_HZ",
		Short: "Tune an adapter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}
			freq, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return errors.Errorf("invalid frequency %q", args[1])
			}
			status, err := apiClient().Tune(commandContext(cmd), id, uint32(freq))
			if err != nil {
				return err
			}
			printFrontend(cmd.OutOrStdout(), id, status)
			return nil
		},
		Example: `  tunerbridge adapter tune 0 474000000`,
	}
}

func newAdapterStatusCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status ADAPTER_ID",
		Short: "Show the frontend status of an adapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}
			status, err := apiClient().Frontend(commandContext(cmd), id)
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printFrontend(cmd.OutOrStdout(), id, status)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text or json)")
	return cmd
}

func printFrontend(w io.Writer, id int32, status host.FrontendStatus) {
	lock := color.New(color.FgRed).Sprint("no lock")
	flags := protocol.StatusFlags(status.Flags)
	switch {
	case flags == protocol.FullLock:
		lock = color.New(color.FgGreen).Sprint("locked")
	case flags.Has(protocol.HasSignal):
		lock = color.New(color.FgYellow).Sprint("signal")
	}
	fmt.Fprintf(w, "adapter %d: %s (%s)\n", id, lock, status.Status)
	fmt.Fprintf(w, "  signal strength: %d%%\n", int(status.SignalStrength)*100/0xFFFF)
	fmt.Fprintf(w, "  ber: %d  snr: %d  uncorrected blocks: %d\n", status.BER, status.SNR, status.UncorrectedBlocks)
}

func newAdapterFeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Start or stop demux feeds",
	}

	var index uint32
	start := &cobra.Command{
		Use:   "start ADAPTER_ID PID",
		Short: "Start a feed; PID 0x2000 selects the whole stream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeed(cmd, args, index, true)
		},
		Example: `  tunerbridge adapter feed start 0 0x21
  tunerbridge adapter feed start 0 0x2000`,
	}
	start.Flags().Uint32Var(&index, "index", 0, "Feed index")

	var stopIndex uint32
	stop := &cobra.Command{
		Use:   "stop ADAPTER_ID PID",
		Short: "Stop a feed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeed(cmd, args, stopIndex, false)
		},
	}
	stop.Flags().Uint32Var(&stopIndex, "index", 0, "Feed index")

	cmd.AddCommand(start, stop)
	return cmd
}

func runFeed(cmd *cobra.Command, args []string, index uint32, start bool) error {
	id, err := parseAdapterID(args[0])
	if err != nil {
		return err
	}
	pid, err := parsePID(args[1])
	if err != nil {
		return err
	}

	api := apiClient()
	if start {
		_, err = api.StartFeed(commandContext(cmd), id, pid, index)
	} else {
		_, err = api.StopFeed(commandContext(cmd), id, pid, index)
	}
	if err != nil {
		return err
	}

	verb := "started"
	if !start {
		verb = "stopped"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "feed 0x%04X %s on adapter %d\n", pid, verb, id)
	return nil
}

func newAdapterPIDsCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "pids ADAPTER_ID",
		Short: "Show packets received per PID on the data path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAdapterID(args[0])
			if err != nil {
				return err
			}
			resp, err := apiClient().PIDs(commandContext(cmd), id)
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}

			rows := make([]map[string]interface{}, 0, len(resp.PIDs))
			for _, p := range resp.PIDs {
				rows = append(rows, map[string]interface{}{
					"pid":     fmt.Sprintf("0x%04X", p.PID),
					"packets": p.Packets,
				})
			}
			util.RenderTable(cmd.OutOrStdout(), []util.TableColumn{
				{Header: "PID", Key: "pid"},
				{Header: "PACKETS", Key: "packets"},
			}, rows)
			fmt.Fprintf(cmd.OutOrStdout(), "%d bytes received\n", resp.Bytes)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text or json)")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	fmt.Fprintln(w, string(data))
	return nil
}
