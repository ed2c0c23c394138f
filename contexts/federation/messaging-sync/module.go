package messagingsync

import (
	"log/slog"
	"time"

	httpadapter "parley/contexts/federation/messaging-sync/adapters/http"
	"parley/contexts/federation/messaging-sync/adapters/memory"
	"parley/contexts/federation/messaging-sync/application"
	"parley/contexts/federation/messaging-sync/application/commands"
	"parley/contexts/federation/messaging-sync/application/queries"
	"parley/contexts/federation/messaging-sync/application/workers"
	"parley/contexts/federation/messaging-sync/domain/services"
	"parley/contexts/federation/messaging-sync/ports"
)

// Module is the composition surface for federation messaging sync.
// Runtime wiring consumes Handler and the workers; Store is exposed for
// tests/inspection of the in-memory variant.
type Module struct {
	Handler    httpadapter.Handler
	Signer     services.Signer
	Roster     ports.PeerRoster
	Dispatcher workers.OutboxDispatcher
	Retention  workers.Retention
	Store      *memory.Store
}

type Dependencies struct {
	Events      ports.EventRepository
	Streams     ports.StreamRepository
	Outbox      ports.OutboxRepository
	Tx          ports.UnitOfWork
	Entities    ports.EntityStore
	Roster      ports.PeerRoster
	Delivery    ports.DeliveryClient
	Jobs        ports.JobQueue
	Clock       ports.Clock
	IDGenerator ports.IDGenerator

	SelfDomain           string
	SignatureSkew        time.Duration
	MaxAttempts          int
	SnapshotMessageLimit int
	DispatchBatchSize    int
	WorkerConcurrency    int
	FanoutConcurrency    int
	DeliveryTimeout      time.Duration
	BackoffBase          time.Duration
	EventRetention       time.Duration
	OutboxRetention      time.Duration

	Logger *slog.Logger
}

// NewModule wires the federation use-cases against explicit ports.
func NewModule(deps Dependencies) Module {
	signer := services.Signer{Skew: deps.SignatureSkew}

	service := application.Service{
		Events:   deps.Events,
		Streams:  deps.Streams,
		Tx:       deps.Tx,
		Roster:   deps.Roster,
		Delivery: deps.Delivery,
		Clock:    deps.Clock,
		Logger:   deps.Logger,
	}
	export := queries.ExportSnapshotUseCase{
		Entities:     deps.Entities,
		SelfDomain:   deps.SelfDomain,
		MessageLimit: deps.SnapshotMessageLimit,
		Logger:       deps.Logger,
	}
	publish := commands.PublishEventUseCase{
		Entities:    deps.Entities,
		Streams:     deps.Streams,
		Outbox:      deps.Outbox,
		Roster:      deps.Roster,
		Jobs:        deps.Jobs,
		Clock:       deps.Clock,
		IDGenerator: deps.IDGenerator,
		SelfDomain:  deps.SelfDomain,
		MaxAttempts: deps.MaxAttempts,
		Logger:      deps.Logger,
	}
	pushSnapshot := commands.PushSnapshotUseCase{
		Export:   export,
		Roster:   deps.Roster,
		Delivery: deps.Delivery,
		Logger:   deps.Logger,
	}

	dispatcher := workers.OutboxDispatcher{
		Outbox:            deps.Outbox,
		Roster:            deps.Roster,
		Delivery:          deps.Delivery,
		Clock:             deps.Clock,
		BatchSize:         deps.DispatchBatchSize,
		WorkerConcurrency: deps.WorkerConcurrency,
		FanoutConcurrency: deps.FanoutConcurrency,
		DeliveryTimeout:   deps.DeliveryTimeout,
		BackoffBase:       deps.BackoffBase,
		Logger:            deps.Logger,
	}
	retention := workers.Retention{
		Events:          deps.Events,
		Outbox:          deps.Outbox,
		Clock:           deps.Clock,
		EventRetention:  deps.EventRetention,
		OutboxRetention: deps.OutboxRetention,
		Logger:          deps.Logger,
	}

	return Module{
		Handler: httpadapter.Handler{
			Service:      service,
			Export:       export,
			Publish:      publish,
			PushSnapshot: pushSnapshot,
			Logger:       deps.Logger,
		},
		Signer:     signer,
		Roster:     deps.Roster,
		Dispatcher: dispatcher,
		Retention:  retention,
	}
}

// NewInMemoryModule wires the federation use-cases against the in-memory
// adapter. Delivery is injected so tests can loop two modules back to back.
func NewInMemoryModule(
	selfDomain string,
	peers []ports.Peer,
	delivery ports.DeliveryClient,
	logger *slog.Logger,
) Module {
	store := memory.NewStore(logger)
	roster := services.NewRoster(peers)
	module := NewModule(Dependencies{
		Events:      store,
		Streams:     store,
		Outbox:      store,
		Tx:          store,
		Entities:    store,
		Roster:      roster,
		Delivery:    delivery,
		Clock:       store,
		IDGenerator: store,
		SelfDomain:  selfDomain,
		Logger:      logger,
	})
	module.Store = store
	return module
}
