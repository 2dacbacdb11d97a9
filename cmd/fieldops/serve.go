package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/kimhsiao/fieldops/cmd/fieldops/handlers"
	"github.com/kimhsiao/fieldops/internal/app"
	"github.com/kimhsiao/fieldops/internal/logging"
	syncpkg "github.com/kimhsiao/fieldops/internal/sync"
	"github.com/kimhsiao/fieldops/internal/tracing"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API and event stream for the UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			hub := NewWSHub()
			defer hub.Close()

			return serve(ctx, a, hub, cfg.HTTP.Addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

// newServer builds the HTTP surface over a running core.
func newServer(a *app.App, hub *WSHub) *echo.Echo {
	logger := logging.Get().Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handlers.ErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(tracing.ServiceName, otelecho.WithSkipper(func(c echo.Context) bool {
		return c.Path() == "/metrics" || c.Path() == "/ws"
	})))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", map[string]interface{}{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
				"trace_id":   tracing.TraceID(c.Request().Context()),
			})
			return nil
		},
	}))

	var sched handlers.SchedulerStatus
	if a.Sched != nil {
		sched = a.Sched
	}
	handlers.NewHandler(a.Client, sched, a).Register(e.Group("/api"))
	e.GET("/ws", HandleWebSocket(hub))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	a.OnEvent(func(ev syncpkg.SyncEvent) {
		hub.Publish(ev)
		if ev.Type == syncpkg.EventSyncCompleted || ev.Type == syncpkg.EventSyncHalted {
			// Counting reads the store; the engine may still hold it here.
			go publishPending(a, hub)
		}
	})
	return e
}

func publishPending(a *app.App, hub *WSHub) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := a.Client.QueueStats(ctx)
	if err != nil {
		return
	}
	hub.Broadcast(EventQueuePending, map[string]interface{}{
		"total":   stats.Total,
		"pending": stats.Pending,
		"failed":  stats.Failed,
		"blocked": stats.Blocked,
	})
}

func serve(ctx context.Context, a *app.App, hub *WSHub, addr string) error {
	e := newServer(a, hub)
	logger := logging.Get().Named("http")

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]interface{}{"addr": addr})
		errc <- e.Start(addr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return e.Shutdown(shutdownCtx)
}
