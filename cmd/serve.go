package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/server"
	"github.com/sells-group/linkresolver/internal/telemetry"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the OpenURL resolver HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initResolver(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				zap.L().Warn("tracer shutdown failed", zap.Error(err))
			}
		}()

		h := server.New(server.Deps{
			Resolver:   env.Resolver,
			Candidates: env.Services,
			Runner:     env.Dispatcher,
			Store:      env.Store,
			Server:     cfg.Server,
			Dispatch:   cfg.Dispatch,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		shutdownDone := make(chan struct{})
		go func() {
			defer close(shutdownDone)
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown incomplete", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stop()
			return eris.Wrap(err, "server listen")
		}

		drain(shutdownDone, h)
		return nil
	},
}

// waiter is satisfied by *server.Server.
type waiter interface {
	Wait()
}

// drain blocks until Shutdown has returned, so no handler can still be
// queuing work, and then until every background service run has recorded
// its outcome. Only then is it safe to close the store.
func drain(shutdownDone <-chan struct{}, h waiter) {
	<-shutdownDone
	h.Wait()
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
