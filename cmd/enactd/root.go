package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/rendis/enact/internal/logging"
)

// RootOptions holds the resolved configuration shared by every command.
type RootOptions struct {
	Config Config
	Logger *slog.Logger

	settings string
	getenv   func(string) string

	dbPath    string
	logLevel  string
	logFormat string
}

// NewRootCommand creates the root command for enactd.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{settings: settingsPath(), getenv: os.Getenv})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enactd",
		Short: "enactd - layered dispatch of workflow activities",
		Long: `enactd runs workflow processors through dispatch stacks of failover, retry,
stop, provenance and invoke layers, records provenance in a local store and
exposes run control to agents over MCP.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.dbPath, "db-path", "", "provenance store path")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (text|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStackCommand(opts))
	cmd.AddCommand(NewProvenanceCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// resolve loads the configuration and applies the flags the user set.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	cfg, err := loadConfig(o.settings, o.getenv)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("db-path") {
		cfg.DBPath = o.dbPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	o.Config = cfg
	o.Logger = logger
	return nil
}

// newLogger builds the process logger. Records carry the run id, processor
// and process path found in their context.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	var h slog.Handler
	switch format {
	case "text", "":
		h = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
			NoColor:    w != os.Stderr,
		})
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format %q: must be text or json", format)
	}
	return slog.New(logging.NewCorrelationHandler(h)), nil
}
