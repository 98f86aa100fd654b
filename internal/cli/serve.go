package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jacentio/waybill/internal/httpapi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API until interrupted.

Writes require a bearer token when http.auth_token is configured.

Example:
  waybill serve --addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := opts.openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	addr := s.cfg.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	logger := s.cfg.Log.NewLogger(cmd.ErrOrStderr())
	logger.Debug("serving",
		"driver", string(s.cfg.Storage.Driver),
		"instance", s.cfg.Storage.Instance,
		"addr", addr,
	)

	srv := httpapi.New(s.controller, httpapi.Options{
		AuthToken:         s.cfg.HTTP.AuthToken,
		Gatherer:          s.registry,
		Logger:            logger,
		ReadHeaderTimeout: s.cfg.HTTP.ReadHeaderTimeout,
		ShutdownTimeout:   s.cfg.HTTP.ShutdownTimeout,
	})
	return srv.ListenAndServe(ctx, addr)
}
