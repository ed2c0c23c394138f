package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	messagingsync "parley/contexts/federation/messaging-sync"
	"parley/contexts/federation/messaging-sync/adapters/peerhttp"
	postgresadapter "parley/contexts/federation/messaging-sync/adapters/postgres"
	"parley/contexts/federation/messaging-sync/domain/services"
	"parley/contexts/federation/messaging-sync/ports"
	"parley/internal/platform/config"
	"parley/internal/platform/db"
	"parley/internal/platform/httpserver"
	"parley/internal/platform/jobs"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type APIApp struct {
	server   *httpserver.Server
	postgres *db.Postgres
	logger   *slog.Logger
}

type WorkerApp struct {
	postgres          *db.Postgres
	federation        messagingsync.Module
	queue             *jobs.Queue
	dispatchInterval  time.Duration
	retentionInterval time.Duration
	logger            *slog.Logger
}

func BuildAPI() (*APIApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "api")
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("POSTGRES_DSN is required")
	}
	if strings.TrimSpace(cfg.FederationDomain) == "" {
		return nil, errors.New("FEDERATION_DOMAIN is required")
	}

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	module := buildFederationModule(cfg, pg, nil, logger)
	server := httpserver.New(module, cfg.FederationDomain, logger, normalizeAddr(cfg.HTTPPort))
	return &APIApp{
		server:   server,
		postgres: pg,
		logger:   logger,
	}, nil
}

func BuildWorker() (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "worker")
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("POSTGRES_DSN is required")
	}
	if strings.TrimSpace(cfg.FederationDomain) == "" {
		return nil, errors.New("FEDERATION_DOMAIN is required")
	}

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	queue := jobs.NewQueue(256, logger)
	module := buildFederationModule(cfg, pg, queue, logger)
	queue.Register("outbox_dispatch", func(ctx context.Context, job ports.Job) error {
		return module.Dispatcher.DispatchOne(ctx, job.EventID)
	})

	return &WorkerApp{
		postgres:          pg,
		federation:        module,
		queue:             queue,
		dispatchInterval:  cfg.DispatchInterval,
		retentionInterval: cfg.RetentionInterval,
		logger:            logger,
	}, nil
}

func buildFederationModule(
	cfg config.Config,
	pg *db.Postgres,
	queue *jobs.Queue,
	logger *slog.Logger,
) messagingsync.Module {
	repo := postgresadapter.NewRepository(pg.DB, logger)
	roster := services.NewRoster(peersFromConfig(cfg.Peers))
	signer := services.Signer{Skew: cfg.SignatureSkew}
	delivery := peerhttp.NewClient(cfg.FederationDomain, signer, postgresadapter.SystemClock{}, logger)

	deps := messagingsync.Dependencies{
		Events:      repo,
		Streams:     repo,
		Outbox:      repo,
		Tx:          repo,
		Entities:    repo,
		Roster:      roster,
		Delivery:    delivery,
		Clock:       postgresadapter.SystemClock{},
		IDGenerator: postgresadapter.UUIDGenerator{},

		SelfDomain:           cfg.FederationDomain,
		SignatureSkew:        cfg.SignatureSkew,
		MaxAttempts:          cfg.MaxAttempts,
		SnapshotMessageLimit: cfg.SnapshotMessageLimit,
		DispatchBatchSize:    cfg.DispatchBatchSize,
		WorkerConcurrency:    cfg.DispatchWorkers,
		FanoutConcurrency:    cfg.FanoutConcurrency,
		DeliveryTimeout:      cfg.DeliveryTimeout,
		BackoffBase:          cfg.BackoffBase,
		EventRetention:       cfg.EventRetention,
		OutboxRetention:      cfg.OutboxRetention,

		Logger: logger,
	}
	if queue != nil {
		deps.Jobs = queue
	}
	return messagingsync.NewModule(deps)
}

func peersFromConfig(items []config.PeerConfig) []ports.Peer {
	peers := make([]ports.Peer, 0, len(items))
	for _, item := range items {
		keys := make([]ports.PeerKey, 0, len(item.Keys))
		for _, key := range item.Keys {
			keys = append(keys, ports.PeerKey{
				ID:             key.ID,
				Secret:         key.Secret,
				ActiveOutbound: key.ActiveOutbound,
			})
		}
		peers = append(peers, ports.Peer{
			Domain:        item.Domain,
			BaseURL:       item.BaseURL,
			Keys:          keys,
			AllowIncoming: item.AllowIncoming,
			AllowOutgoing: item.AllowOutgoing,
		})
	}
	return peers
}

func (a *APIApp) Run(_ context.Context) error {
	if a.logger != nil {
		a.logger.Info("api app started",
			"event", "bootstrap_api_started",
			"module", "internal/app/bootstrap",
			"layer", "platform",
		)
	}
	return a.server.Start()
}

func (a *APIApp) Close() error {
	if a.postgres != nil {
		return a.postgres.Close()
	}
	return nil
}

func (w *WorkerApp) Run(ctx context.Context) error {
	w.queue.Start(ctx)

	dispatchTicker := time.NewTicker(w.dispatchInterval)
	defer dispatchTicker.Stop()
	retentionTicker := time.NewTicker(w.retentionInterval)
	defer retentionTicker.Stop()

	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"dispatch_interval", w.dispatchInterval.String(),
		"retention_interval", w.retentionInterval.String(),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dispatchTicker.C:
			if err := w.federation.Dispatcher.RunOnce(ctx); err != nil {
				return err
			}
		case <-retentionTicker.C:
			if err := w.federation.Retention.RunOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *WorkerApp) Close() error {
	if w.postgres != nil {
		return w.postgres.Close()
	}
	return nil
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":8080"
	}
	if strings.HasPrefix(value, ":") {
		return value
	}
	return ":" + value
}
