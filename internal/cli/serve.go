package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media-sync/internal/config"
	"media-sync/internal/telemetry"

	"github.com/spf13/cobra"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

serve waits for SIGINT/SIGTERM, then:
  1. stops the HTTP server (30s for in-flight requests)
  2. stops the relay and drains the publisher
  3. stops the sweeper and closes open connections
  4. closes the bus and the database
  5. flushes the tracer last, so shutdown spans are exported too
*/

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync gateway (HTTP, WebSocket, relay and workers)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log.Printf("🚀 Starting media-sync gateway %s...", cfg.InstanceID)

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger(telemetry.ServiceName, cfg.InstanceID, cfg.Telemetry.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	gateway, err := NewGateway(ctx, cfg)
	if err != nil {
		return err
	}

	// WriteTimeout stays unset: /ws responses are long-lived
	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     gateway.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("🌐 Server listening on http://%s", cfg.Addr())
		log.Printf("   WS   /ws                          - device sync connection")
		log.Printf("   POST /api/v1/sync/watchlist       - add/remove watchlist item")
		log.Printf("   POST /api/v1/sync/progress        - report playback progress")
		log.Printf("   POST /api/v1/devices/handoff      - move playback to another device")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			log.Printf("❌ Server error: %v", err)
			runErr = err
		}
	}

	log.Println("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}
	gateway.Shutdown(shutdownCtx)

	log.Println("✓ Server shutdown complete")
	return runErr
}
