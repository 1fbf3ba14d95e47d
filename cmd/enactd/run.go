package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/enact/internal/dispatch"
	"github.com/rendis/enact/internal/provenance"
	"github.com/rendis/enact/internal/store"
	"github.com/rendis/enact/pkg/schema"
)

// RunOutput is the result of a run printed by the run command.
type RunOutput struct {
	RunID     string         `json:"run_id"`
	Processor string         `json:"processor"`
	Process   string         `json:"process"`
	Outputs   map[string]any `json:"outputs"`
}

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var (
		runID   string
		inputs  []string
		timeout time.Duration
		record  bool
	)

	cmd := &cobra.Command{
		Use:   "run <stack-file> <processor>",
		Short: "Run one processor of a stack definition and print its outputs",
		Long: `Run submits one Job to the named processor and waits for its final result.

Inputs are given as --input port=value; values that parse as JSON are
passed decoded, anything else is passed as a string. With --record the
run's provenance is written to the store.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.NewString()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out, err := runOnce(ctx, opts, args[0], args[1], runID, values, record)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run id (default: generated)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "input value as port=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "maximum time to wait for the result")
	cmd.Flags().BoolVar(&record, "record", false, "record provenance in the store")
	return cmd
}

func runOnce(ctx context.Context, opts *RootOptions, stackPath, processor, runID string, values map[string]any, record bool) (*RunOutput, error) {
	var prov provenance.Sink = provenance.Discard{}
	if record {
		st, err := openStore(ctx, opts.Config.DBPath)
		if err != nil {
			return nil, err
		}
		defer st.Close()
		async := provenance.NewAsyncSink(store.NewProvenanceSink(st), provenanceBuffer, opts.Logger)
		defer async.Close()
		prov = async
	}

	sink := newWaitSink()
	wf, err := loadWorkflow(ctx, opts.Config, stackPath, sink,
		dispatch.WithProvenance(prov),
		dispatch.WithLogger(opts.Logger),
	)
	if err != nil {
		return nil, err
	}
	defer wf.Runtime.Close()

	if err := wf.Start(ctx, processor, runID, values, nil); err != nil {
		return nil, err
	}

	var res *dispatch.Result
	select {
	case res = <-sink.results:
	case f := <-sink.failures:
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "%s failed: %s", f.Process, f.Message).WithCause(f.Cause)
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "run %s: no result", runID).WithCause(ctx.Err())
	}

	out := &RunOutput{
		RunID:     runID,
		Processor: processor,
		Process:   string(res.Process),
		Outputs:   make(map[string]any, len(res.Data)),
	}
	for port, h := range res.Data {
		v, err := wf.Runtime.References.Resolve(ctx, h, res.Context)
		if err != nil {
			return nil, fmt.Errorf("resolve output %s: %w", port, err)
		}
		out.Outputs[port] = v
	}
	return out, nil
}

// parseInputs turns port=value pairs into input values.
func parseInputs(pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, p := range pairs {
		port, raw, ok := strings.Cut(p, "=")
		if !ok || port == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid input %q: want port=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		values[port] = v
	}
	return values, nil
}

// waitSink hands the first final result or failure to the run command.
type waitSink struct {
	once     sync.Once
	results  chan *dispatch.Result
	failures chan *dispatch.Failure
}

func newWaitSink() *waitSink {
	return &waitSink{
		results:  make(chan *dispatch.Result, 1),
		failures: make(chan *dispatch.Failure, 1),
	}
}

func (s *waitSink) ReceiveResult(r *dispatch.Result) {
	if r.Streaming {
		return
	}
	s.once.Do(func() { s.results <- r })
}

func (s *waitSink) ReceiveCompletion(*dispatch.Completion) {}

func (s *waitSink) ReceiveFailure(f *dispatch.Failure) {
	s.once.Do(func() { s.failures <- f })
}
