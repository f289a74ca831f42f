package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/babelcloud/tunerbridge/config"
	"github.com/babelcloud/tunerbridge/internal/apiclient"
	"github.com/babelcloud/tunerbridge/internal/bridge"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type TunersListOptions struct {
	OutputFormat string
}

// TunerInfo is one row of `tuners ls`.
type TunerInfo struct {
	ID         int32         `json:"id"`
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	TunerCount uint8         `json:"tuner_count"`
	Frontend   string        `json:"frontend"`
	Frequency  uint32        `json:"frequency,omitempty"`
	Feeds      []bridge.Feed `json:"feeds"`
}

func NewTunersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tuners",
		Short: "Inspect tuners registered with the host",
	}
	cmd.AddCommand(newTunersListCommand())
	return cmd
}

func newTunersListCommand() *cobra.Command {
	opts := &TunersListOptions{}

	cmd := &cobra.Command{
		Use:     "ls [flags]",
		Aliases: []string{"list"},
		Short:   "List registered tuners and their adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTunersList(cmd.Context(), cmd.OutOrStdout(), opts)
		},
		Example: `  # List registered tuners (default text format):
  tunerbridge tuners ls

  # List registered tuners in JSON format:
  tunerbridge tuners ls --format json`,
	}

	cmd.Flags().StringVarP(&opts.OutputFormat, "format", "", "text", "Specify output format. Options are \"text\" (default) or \"json\".")
	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runTunersList(ctx context.Context, w io.Writer, opts *TunersListOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	api := apiclient.New(config.GetAPISocket())

	entries, err := api.ListTuners(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list tuners")
	}
	adapters, err := api.ListAdapters(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list adapters")
	}
	states := make(map[int32]bridge.AdapterState, len(adapters))
	for _, a := range adapters {
		states[a.ID] = a
	}

	tuners := make([]TunerInfo, 0, len(entries))
	for _, e := range entries {
		info := TunerInfo{
			ID:         e.ID,
			Name:       e.Name,
			Kind:       e.Kind.String(),
			TunerCount: e.TunerCount,
			Feeds:      []bridge.Feed{},
		}
		if st, ok := states[e.ID]; ok {
			info.Frontend = st.Frontend
			info.Frequency = st.LastFrequency
			info.Feeds = st.Feeds
		}
		tuners = append(tuners, info)
	}

	switch opts.OutputFormat {
	case "json":
		data, err := json.MarshalIndent(tuners, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal tuners to JSON")
		}
		fmt.Fprintln(w, string(data))
		return nil
	case "text", "":
		return outputTunersText(w, tuners)
	default:
		return errors.Errorf("unknown format %q", opts.OutputFormat)
	}
}

func outputTunersText(w io.Writer, tuners []TunerInfo) error {
	if len(tuners) == 0 {
		fmt.Fprintln(w, "No tuners registered.")
		return nil
	}

	rows := make([]map[string]interface{}, 0, len(tuners))
	for _, t := range tuners {
		freq := color.New(color.Faint).Sprint("-")
		if t.Frequency != 0 {
			freq = fmt.Sprintf("%.3f MHz", float64(t.Frequency)/1e6)
		}
		feeds := make([]string, 0, len(t.Feeds))
		for _, f := range t.Feeds {
			feeds = append(feeds, fmt.Sprintf("0x%04X", f.PID))
		}
		feedText := color.New(color.Faint).Sprint("none")
		if len(feeds) > 0 {
			feedText = color.New(color.FgGreen).Sprint(strings.Join(feeds, " "))
		}
		rows = append(rows, map[string]interface{}{
			"id":        t.ID,
			"name":      color.New(color.FgCyan).Sprint(t.Name),
			"kind":      t.Kind,
			"frontend":  t.Frontend,
			"frequency": freq,
			"feeds":     feedText,
		})
	}

	util.RenderTable(w, []util.TableColumn{
		{Header: "ID", Key: "id"},
		{Header: "NAME", Key: "name"},
		{Header: "KIND", Key: "kind"},
		{Header: "FRONTEND", Key: "frontend"},
		{Header: "FREQUENCY", Key: "frequency"},
		{Header: "FEEDS", Key: "feeds"},
	}, rows)
	return nil
}
