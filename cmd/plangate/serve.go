package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API and the approval decision endpoint",
		Long: `Serve plan state, evidence, the blackboard and pending approvals over
HTTP. Approvals requested by an orchestrate run in another process are not
visible here; use "orchestrate --api" to decide over HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openOrchestrator(ctx); err != nil {
				return err
			}
			if listen != "" {
				a.cfg.Server.Listen = listen
			}

			srv, err := newServer(a)
			if err != nil {
				return err
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			a.logger.Info(ctx, "api listening", zap.String("listen", a.cfg.Server.Listen))

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info(context.Background(), "shutting down api")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides server.listen)")
	return cmd
}
