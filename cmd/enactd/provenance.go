package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/enact/internal/provenance"
	"github.com/rendis/enact/internal/store"
	"github.com/rendis/enact/pkg/schema"
)

// NewProvenanceCommand creates the provenance command group.
func NewProvenanceCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provenance",
		Short: "Read recorded provenance and control events",
	}
	cmd.AddCommand(newProvenanceListCommand(opts))
	cmd.AddCommand(newProvenanceEventsCommand(opts))
	return cmd
}

func newProvenanceListCommand(opts *RootOptions) *cobra.Command {
	var (
		filter store.NodeFilter
		kind   string
		since  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List provenance nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Kind = provenance.Kind(kind)
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return schema.NewError(schema.ErrCodeValidation, "--since must be an RFC 3339 timestamp").WithCause(err)
				}
				filter.Since = &t
			}

			st, err := openStore(cmd.Context(), opts.Config.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			nodes, err := st.ListNodes(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), nodes)
		},
	}

	f := cmd.Flags()
	f.StringVar(&filter.Process, "process", "", "exact process path")
	f.StringVar(&filter.ProcessPrefix, "process-prefix", "", "process path prefix, e.g. a run id")
	f.StringVar(&filter.Processor, "processor", "", "processor name")
	f.StringVar(&filter.ParentID, "parent", "", "parent node id")
	f.StringVar(&kind, "kind", "", "node kind")
	f.StringVar(&since, "since", "", "only nodes created at or after this RFC 3339 time")
	f.IntVar(&filter.Limit, "limit", 50, "maximum nodes to list")
	f.IntVar(&filter.Offset, "offset", 0, "nodes to skip")
	return cmd
}

func newProvenanceEventsCommand(opts *RootOptions) *cobra.Command {
	var since int64

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "List the control events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), opts.Config.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := st.GetEvents(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), events)
		},
	}

	cmd.Flags().Int64Var(&since, "since", 0, "only events with a greater sequence")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
