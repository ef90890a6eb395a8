package cli

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"frame2img/api"
	"frame2img/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}
}

func serve(cmd *cobra.Command) error {
	// 1. Load configuration and build the ffmpeg components
	a, err := setup(cmd, "")
	if err != nil {
		return err
	}
	log := a.log
	defer log.Sync()

	// Create a context that can be canceled
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Tracing
	shutdownTracing, err := tracing.InitTracer(ctx, a.cfg.TracingEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	// 3. Initialize the coordinator
	taskManager, err := a.manager()
	if err != nil {
		return err
	}

	// 4. Set up router and server
	gin.SetMode(gin.ReleaseMode)
	router := api.SetupRouter(taskManager, a.cfg)
	c := cors.New(cors.Options{
		AllowedOrigins: a.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	srv := &http.Server{
		Addr:    ":" + a.cfg.Port,
		Handler: c.Handler(router),
	}

	// 5. Start background services and HTTP server
	taskManager.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("port", a.cfg.Port), zap.String("decode_path", a.selector.Select(ctx).Label))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	stop()
	log.Info("shutting down gracefully, press Ctrl+C again to force")

	// In-flight requests get 5 seconds; open event streams end with the manager.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
		return err
	}

	log.Info("server exiting")
	return nil
}
