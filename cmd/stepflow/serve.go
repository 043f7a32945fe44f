package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/httpapi"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(open opener) *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP on stdio plus the HTTP API and the cron scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			httpSrv := a.startHTTP(ctx)

			var sched *scheduler.Scheduler
			if !noScheduler {
				interval, _ := a.cfg.interval()
				sched = scheduler.NewScheduler(a.store, a.engine, a.logger, interval)
				if err := sched.RecoverMissed(ctx); err != nil {
					a.logger.Warn("recover missed jobs", slog.String("error", err.Error()))
				}
				if err := sched.Start(ctx); err != nil {
					return err
				}
			}

			srv := mcp.NewServer(mcp.ServerDeps{
				Engine:    a.engine,
				Store:     a.store,
				Validator: a.validator,
				Scheduler: sched,
				Hub:       a.hub,
				Logger:    a.logger,
			})
			if err := srv.Watch(ctx); err != nil {
				return err
			}

			a.logger.Info("stepflow serving",
				slog.String("version", version),
				slog.String("db_driver", a.cfg.DBDriver),
				slog.String("http_addr", a.cfg.HTTPAddr),
				slog.Bool("scheduler", sched != nil),
			)
			serveErr := srv.Serve(ctx)

			a.logger.Info("shutting down")
			stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if httpSrv != nil {
				if err := httpSrv.Shutdown(shutdownCtx); err != nil {
					a.logger.Error("http server shutdown", slog.String("error", err.Error()))
				}
			}
			if sched != nil {
				if err := sched.Stop(); err != nil {
					a.logger.Error("scheduler stop", slog.String("error", err.Error()))
				}
			}
			if errors.Is(serveErr, context.Canceled) {
				return nil
			}
			return serveErr
		},
	}

	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run cron jobs in this process")
	return cmd
}

// startHTTP serves the API, the SSE streams, /metrics and /healthz in the
// background. Request contexts end with ctx. It returns nil when no address
// is configured.
func (a *app) startHTTP(ctx context.Context) *http.Server {
	if a.cfg.HTTPAddr == "" {
		return nil
	}
	api := httpapi.NewServer(httpapi.Deps{
		Engine:    a.engine,
		Store:     a.store,
		Validator: a.validator,
		Hub:       a.hub,
		Metrics:   a.metrics.Handler(),
		Logger:    a.logger,
	})

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server", slog.String("error", err.Error()))
		}
	}()
	return srv
}
