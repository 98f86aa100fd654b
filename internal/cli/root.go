// Package cli implements the waybill command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jacentio/waybill/internal/config"
	"github.com/jacentio/waybill/internal/ledger"
	"github.com/jacentio/waybill/internal/metrics"
	"github.com/jacentio/waybill/internal/persistence"
	"github.com/jacentio/waybill/lifecycle"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	getenv func(string) string
	clock  ledger.Clock
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the waybill CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{getenv: os.Getenv})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "waybill",
		Short: "waybill - supply chain custody ledger",
		Long: `Track products from registration through supply steps to delivery.

Every command opens the storage backend named in the configuration, runs one
operation and closes it again. Configuration is read from --config and
overridden by WAYBILL_* environment variables.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return &ExitError{
					Code: ExitCommandError,
					Err:  fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats),
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewStepCommand(opts))
	cmd.AddCommand(NewDeliverCommand(opts))
	cmd.AddCommand(NewViewCommand(opts))
	cmd.AddCommand(NewViewStepCommand(opts))
	cmd.AddCommand(NewRetentionCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// session is one opened backend plus the controller driving it.
type session struct {
	cfg        config.Config
	controller *lifecycle.Controller
	registry   *prometheus.Registry
	close      func() error
}

// openSession loads configuration and opens the configured backend. --verbose
// lowers the log level to debug. Logs go to stderr so JSON output stays clean.
func (o *RootOptions) openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	getenv := o.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg, err := config.LoadWithEnv(o.ConfigPath, getenv)
	if err != nil {
		return nil, o.report(cmd, ExitCommandError, "INVALID_CONFIG", fmt.Errorf("load config: %w", err))
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	logger := cfg.Log.NewLogger(cmd.ErrOrStderr())

	backend, err := persistence.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, o.report(cmd, ExitCommandError, "STORAGE_UNAVAILABLE", fmt.Errorf("open storage: %w", err))
	}
	logger.Debug("storage opened",
		"driver", string(cfg.Storage.Driver),
		"instance", cfg.Storage.Instance,
	)

	reg := prometheus.NewRegistry()
	lifecycleOpts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithRetention(cfg.Retention.Store()),
		lifecycle.WithStrictProductReference(cfg.Lifecycle.StrictProductReference),
		lifecycle.WithMetrics(metrics.New(reg)),
	}
	if o.clock != nil {
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithClock(o.clock))
	}

	return &session{
		cfg:        cfg,
		controller: lifecycle.New(backend, lifecycleOpts...),
		registry:   reg,
		close:      backend.Close,
	}, nil
}

// withController runs fn against a freshly opened session and closes it afterwards.
func (o *RootOptions) withController(cmd *cobra.Command, fn func(ctx context.Context, c *lifecycle.Controller) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := o.openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = fmt.Errorf("close storage: %w", cerr)
		}
	}()
	return fn(ctx, s.controller)
}

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{
		json:   o.Format == "json",
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
	}
}
