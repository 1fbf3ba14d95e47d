package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/enact/internal/builtin"
	"github.com/rendis/enact/internal/dispatch"
	"github.com/rendis/enact/internal/stackdef"
	"github.com/rendis/enact/pkg/schema"
)

// newBuilder returns a stack builder resolving the builtin activities.
func newBuilder(cfg Config) (*stackdef.Builder, error) {
	bc, err := cfg.builtins()
	if err != nil {
		return nil, err
	}
	reg := stackdef.NewRegistry()
	if err := reg.Register(builtin.Activities(bc)...); err != nil {
		return nil, err
	}
	return stackdef.NewBuilder(reg)
}

// loadDefinition parses and validates the stack definition at path.
func loadDefinition(cfg Config, path string) (*stackdef.Builder, *schema.StackDefinition, *schema.ValidationResult, error) {
	b, err := newBuilder(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	def, result, err := b.Load(path)
	return b, def, result, err
}

// loadWorkflow builds every processor of the definition at path on a new
// runtime. The caller closes the workflow's runtime.
func loadWorkflow(ctx context.Context, cfg Config, path string, sink dispatch.Sink, opts ...dispatch.Option) (*stackdef.Workflow, error) {
	b, def, _, err := loadDefinition(cfg, path)
	if err != nil {
		return nil, err
	}
	rt, err := b.Runtime(def, opts...)
	if err != nil {
		return nil, err
	}
	wf, err := b.Build(ctx, def, rt, sink)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build %s: %w", path, err)
	}
	return wf, nil
}

// logSink logs the events leaving the top of every stack.
type logSink struct {
	logger *slog.Logger
}

func (s logSink) ReceiveResult(r *dispatch.Result) {
	s.logger.Info("result",
		slog.String("process", string(r.Process)),
		slog.String("index", r.Index.String()),
		slog.Int("outputs", len(r.Data)),
		slog.Bool("streaming", r.Streaming),
	)
}

func (s logSink) ReceiveCompletion(c *dispatch.Completion) {
	s.logger.Debug("completion",
		slog.String("process", string(c.Process)),
		slog.String("index", c.Index.String()),
	)
}

func (s logSink) ReceiveFailure(f *dispatch.Failure) {
	s.logger.Warn("failure",
		slog.String("process", string(f.Process)),
		slog.String("index", f.Index.String()),
		slog.String("class", string(f.Class)),
		slog.String("message", f.Message),
	)
}
