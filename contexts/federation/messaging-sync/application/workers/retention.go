package workers

import (
	"context"
	"log/slog"
	"time"

	application "parley/contexts/federation/messaging-sync/application"
	"parley/contexts/federation/messaging-sync/ports"
)

// Retention sweeps the two ledgers: applied events age out into the archive
// store, terminal outbox rows are deleted outright.
type Retention struct {
	Events          ports.EventRepository
	Outbox          ports.OutboxRepository
	Clock           ports.Clock
	EventRetention  time.Duration
	OutboxRetention time.Duration
	Logger          *slog.Logger
}

func (r Retention) RunOnce(ctx context.Context) error {
	logger := application.ResolveLogger(r.Logger)
	now := time.Now().UTC()
	if r.Clock != nil {
		now = r.Clock.Now().UTC()
	}

	eventRetention := r.EventRetention
	if eventRetention <= 0 {
		eventRetention = 14 * 24 * time.Hour
	}
	outboxRetention := r.OutboxRetention
	if outboxRetention <= 0 {
		outboxRetention = 30 * 24 * time.Hour
	}

	archived, err := r.Events.ArchiveEventsBefore(ctx, now.Add(-eventRetention))
	if err != nil {
		logger.Error("event archive sweep failed",
			"event", "federation_event_archive_failed",
			"module", "federation/messaging-sync",
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}

	pruned, err := r.Outbox.PruneTerminalBefore(ctx, now.Add(-outboxRetention))
	if err != nil {
		logger.Error("outbox prune sweep failed",
			"event", "federation_outbox_prune_failed",
			"module", "federation/messaging-sync",
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}

	if archived > 0 || pruned > 0 {
		logger.Info("retention sweep completed",
			"event", "federation_retention_completed",
			"module", "federation/messaging-sync",
			"layer", "worker",
			"archived_events", archived,
			"pruned_outbox_rows", pruned,
		)
	}
	return nil
}
