package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frostdev-ops/shelly-fleet-go/internal/api"
	"github.com/frostdev-ops/shelly-fleet-go/internal/api/handlers"
	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/config"
	"github.com/frostdev-ops/shelly-fleet-go/internal/database"
	"github.com/frostdev-ops/shelly-fleet-go/internal/discovery"
	"github.com/frostdev-ops/shelly-fleet-go/internal/engine"
	"github.com/frostdev-ops/shelly-fleet-go/internal/groups"
	"github.com/frostdev-ops/shelly-fleet-go/internal/metrics"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/registry"
	"github.com/frostdev-ops/shelly-fleet-go/internal/scheduler"
	"github.com/frostdev-ops/shelly-fleet-go/internal/snapshot"
	"github.com/frostdev-ops/shelly-fleet-go/internal/transport"
	"github.com/frostdev-ops/shelly-fleet-go/internal/websocket"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/logger"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/version"
)

func main() {
	// Initialize logger
	log := logger.New()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	logger.SetLevel(log, cfg.Logging.Level)
	logger.SetFormat(log, cfg.Logging.Format)

	collector := metrics.New("shelly", cfg.Metrics.Enabled)

	// Device transport shared by every component that talks to the fleet
	transportOpts := []transport.Option{
		transport.WithTimeout(cfg.Transport.Timeout),
		transport.WithRetryBackoff(cfg.Transport.RetryBackoff),
		transport.WithIdleConnTimeout(cfg.Transport.IdleConnTimeout),
		transport.WithUserAgent(cfg.Transport.UserAgent),
	}
	if cfg.Transport.Auth.Password != "" {
		transportOpts = append(transportOpts, transport.WithCredentials(transport.StaticCredentials{
			Username: cfg.Transport.Auth.Username,
			Password: cfg.Transport.Auth.Password,
		}))
	}
	if cfg.Transport.Breaker.Enabled {
		transportOpts = append(transportOpts, transport.WithBreaker(
			cfg.Transport.Breaker.MaxFailures,
			cfg.Transport.Breaker.Cooldown,
		))
	}
	client := transport.New(log, transportOpts...)

	// Capability catalogue
	mappings := capabilities.LoadMappings(cfg.ParameterMappingsFile(), log)
	types := capabilities.LoadDeviceTypes(cfg.DeviceTypesFile(), log)
	prober := capabilities.NewProber(client, log)
	catalogue, err := capabilities.NewCatalogue(cfg.CapabilitiesDir(), mappings, types, prober, log)
	if err != nil {
		log.Fatal("Failed to load capability catalogue:", err)
	}

	// Device registry
	reg, err := registry.New(cfg.DevicesDir(), log)
	if err != nil {
		log.Fatal("Failed to load device registry:", err)
	}

	// Group store
	manager, err := groups.NewManager(cfg.GroupsDir(), log)
	if err != nil {
		log.Fatal("Failed to load groups:", err)
	}

	// Operation history database
	db, err := database.Initialize(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()

	if err := database.Migrate(db, cfg.Database.MigrationsPath); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}
	history := database.NewHistoryStore(db, log)

	// WebSocket hub
	hub := websocket.NewHub(log, collector)
	go hub.Run()

	// Parameter engine and group executor
	eng := engine.New(client, catalogue, log,
		engine.WithStore(reg),
		engine.WithMetrics(collector),
	)

	executor := groups.NewExecutor(reg, manager, eng, log,
		groups.WithConcurrency(cfg.Executor.Concurrency),
		groups.WithDeviceTimeout(cfg.Executor.DeviceTimeout),
		groups.WithDestructiveVerbs(cfg.Executor.DestructiveVerbs),
		groups.WithMetrics(collector),
		groups.WithCompletionHook(func(result *model.GroupResult) {
			// Background context: a client disconnect must not lose the row.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := history.RecordGroupRun(ctx, result); err != nil {
				log.WithError(err).Error("Failed to record group run")
			}
			hub.Publish(websocket.GroupRunCompletedMessage(result))
		}),
	)

	// Discovery service
	disc := discovery.NewService(reg, types, client, log,
		discovery.WithSubnets(cfg.Discovery.Subnets),
		discovery.WithChunkSize(cfg.Discovery.ChunkSize),
		discovery.WithProbeTimeout(cfg.Discovery.ProbeTimeout),
		discovery.WithMDNS(cfg.Discovery.MDNSEnabled, cfg.Discovery.MDNSService, cfg.Discovery.MDNSWait),
		discovery.WithEnrichment(cfg.Discovery.EnrichResults),
		discovery.WithMetrics(collector),
		discovery.WithDiscoveredHook(func(device *model.Device) {
			hub.Publish(websocket.DeviceDiscoveredMessage(device))
		}),
		discovery.WithRunHooks(
			func(targets int) {
				hub.Publish(websocket.DiscoveryStartedMessage(targets))
			},
			func(summary *discovery.Summary) {
				hub.Publish(websocket.DiscoveryCompletedMessage(summary.Found, summary.New, summary.Updated, summary.Duration))
			},
		),
	)

	// Snapshot manager
	snapshots := snapshot.NewManager(cfg.Paths.ConfigDir, cfg.Paths.DataDir, log)

	// Background jobs
	sched := scheduler.New(log)
	if cfg.Scheduler.Enabled {
		if err := sched.ScheduleDiscovery(cfg.Scheduler.DiscoveryCron, disc, nil); err != nil {
			log.WithError(err).Fatal("Invalid discovery cron expression")
		}
	}
	if cfg.Database.RetentionDays > 0 {
		retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
		if err := sched.SchedulePurge(history, retention); err != nil {
			log.WithError(err).Fatal("Failed to schedule history purge")
		}
	}
	sched.Start()

	// Initialize router
	router := api.NewRouter(cfg, handlers.Dependencies{
		Registry:  reg,
		Groups:    manager,
		Executor:  executor,
		Engine:    eng,
		Catalogue: catalogue,
		Discovery: disc,
		History:   history,
		Snapshots: snapshots,
		Hub:       hub,
	}, collector, log)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	go func() {
		log.Infof("Starting shelly-fleet %s on %s", version.GetVersion(), srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Info("Server exited")
}
