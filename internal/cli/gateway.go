package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"media-sync/internal/api"
	"media-sync/internal/bus"
	"media-sync/internal/config"
	"media-sync/internal/db"
	"media-sync/internal/hlc"
	"media-sync/internal/repository"
	"media-sync/internal/services/coordinator"
	"media-sync/internal/services/devices"
	"media-sync/internal/services/publisher"
	"media-sync/internal/services/realtime"
	"media-sync/internal/telemetry"
)

/*
LEARNING: WIRING ORDER

Components are built bottom-up so each one receives its dependencies
already running:

  database → bus → repository → device registry → publisher (started)
  → coordinator → connection registry → relay → websocket handler
  → sweeper (started) → HTTP router

Shutdown runs the other way round: stop accepting work first, then drain
what is in flight, then close the connections everything else used.
*/

// syncBus is the transport the gateway runs on.
type syncBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Gateway is one fully wired media-sync instance.
type Gateway struct {
	cfg         *config.Config
	database    *db.GormDB
	bus         syncBus
	publisher   *publisher.Publisher
	sweeper     *devices.Sweeper
	connections *realtime.ConnectionRegistry
	relay       *realtime.Relay
	coordinator *coordinator.Coordinator
	router      http.Handler
}

// NewGateway connects to storage and the bus and starts the background
// workers. Call Shutdown to release everything.
func NewGateway(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	database, err := db.NewGorm(cfg)
	if err != nil {
		return nil, err
	}

	b, err := newBus(ctx, cfg)
	if err != nil {
		database.Close()
		return nil, err
	}

	metrics, err := telemetry.NewSyncMetrics(nil)
	if err != nil {
		log.Printf("⚠️  Failed to create metrics: %v (continuing without metrics)", err)
		metrics = telemetry.NopMetrics()
	}

	// Initialize repository and device registry
	repo := repository.NewStateRepository(database.DB)
	registry := devices.NewRegistry(repo, cfg.Devices.HeartbeatTTL)

	// Start the publisher pool
	// Learning: mutations enqueue and return; workers do the bus round trip
	pub := publisher.New(b, publisher.Options{
		Workers:   cfg.Publisher.Workers,
		QueueSize: cfg.Publisher.QueueSize,
		MaxRetry:  cfg.Publisher.MaxRetry,
	}, metrics)
	pub.Start()

	coord := coordinator.New(repo, registry, pub, hlc.NewClockSet(nil), coordinator.Options{
		ContinueWatchingThreshold: cfg.Sync.ContinueWatchingThreshold,
	})

	// Realtime relay for connected devices
	connections := realtime.NewConnectionRegistry()
	relay := realtime.NewRelay(b, connections, coord, metrics)
	wsHandler := realtime.NewWebSocketHandler(connections, relay, coord, cfg.Realtime.SendBuffer)

	sweeper := devices.NewSweeper(registry, cfg.Devices.SweepInterval)
	sweeper.Start(context.Background())

	handler := api.NewHandler(api.Deps{
		Sync:      coord,
		State:     repo,
		Devices:   registry,
		Relay:     relay,
		Publisher: pub,
		WebSocket: http.HandlerFunc(wsHandler.HandleConnection),
		Checks: map[string]api.Pinger{
			"database": repo,
			"bus":      b,
		},
	})

	return &Gateway{
		cfg:         cfg,
		database:    database,
		bus:         b,
		publisher:   pub,
		sweeper:     sweeper,
		connections: connections,
		relay:       relay,
		coordinator: coord,
		router:      api.SetupRoutes(handler),
	}, nil
}

// Handler is the gateway's HTTP surface.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Coordinator exposes the sync coordinator.
func (g *Gateway) Coordinator() *coordinator.Coordinator {
	return g.coordinator
}

// Shutdown stops the gateway's workers and closes its connections. The HTTP
// server must already be shut down.
func (g *Gateway) Shutdown(ctx context.Context) {
	// Stop fan-out before the connections it writes to go away
	g.relay.Stop()

	// Learning: This waits for queued messages to reach the bus
	if err := g.publisher.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Publisher did not drain: %v", err)
	}

	g.sweeper.Stop()
	g.connections.CloseAll()

	if err := g.bus.Close(); err != nil {
		log.Printf("⚠️  Failed to close bus: %v", err)
	}
	if err := g.database.Close(); err != nil {
		log.Printf("⚠️  Failed to close database: %v", err)
	}
}

func newBus(ctx context.Context, cfg *config.Config) (syncBus, error) {
	switch cfg.Bus.Driver {
	case "redis":
		b, err := bus.NewRedisBus(ctx, bus.RedisOptions{
			Addr:     cfg.Bus.RedisAddr,
			Password: cfg.Bus.RedisPassword,
			DB:       cfg.Bus.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis bus: %w", err)
		}
		return b, nil
	case "memory":
		log.Println("⚠️  Using in-process bus: devices only sync through this instance")
		return bus.NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Bus.Driver)
	}
}
