package main

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/rendis/enact/internal/diagram"
	"github.com/rendis/enact/pkg/schema"
)

// NewStackCommand creates the stack command group.
func NewStackCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Inspect stack definitions",
	}
	cmd.AddCommand(newStackCheckCommand(opts))
	cmd.AddCommand(newStackDiagramCommand(opts))
	return cmd
}

func newStackCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <stack-file>",
		Short: "Validate a stack definition against the builtin activities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, def, result, err := loadDefinition(opts.Config, args[0])
			w := cmd.OutOrStdout()
			if result != nil {
				printIssues(w, result)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "ok: %d processors\n", len(def.Processors))
			return nil
		},
	}
}

func newStackDiagramCommand(opts *RootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "diagram <stack-file>",
		Short: "Render the stacks of a definition as a diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, def, _, err := loadDefinition(opts.Config, args[0])
			if err != nil {
				return err
			}
			model, err := diagram.Build(def)
			if err != nil {
				return err
			}
			switch format {
			case "mermaid":
				_, err = io.WriteString(cmd.OutOrStdout(), diagram.RenderMermaid(model))
			case "ascii":
				_, err = io.WriteString(cmd.OutOrStdout(), diagram.RenderASCII(model))
			default:
				err = schema.NewErrorf(schema.ErrCodeValidation, "invalid format %q: must be mermaid or ascii", format)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", "ascii", "diagram format (mermaid|ascii)")
	return cmd
}

// printIssues writes stack-wide issues first, then one block per processor.
func printIssues(w io.Writer, result *schema.ValidationResult) {
	groups := result.ByProcessor()
	if g, ok := groups[""]; ok {
		for _, is := range g.Issues() {
			fmt.Fprintln(w, is)
		}
	}
	names := slices.Sorted(maps.Keys(groups))
	for _, name := range names {
		if name == "" {
			continue
		}
		fmt.Fprintf(w, "processor %s:\n", name)
		for _, is := range groups[name].Issues() {
			fmt.Fprintf(w, "  %s\n", is)
		}
	}
}
