package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	application "parley/contexts/federation/messaging-sync/application"
	"parley/contexts/federation/messaging-sync/domain/entities"
	domainerrors "parley/contexts/federation/messaging-sync/domain/errors"
	"parley/contexts/federation/messaging-sync/ports"
)

// OutboxDispatcher drains due outbox rows: one delivery attempt per row,
// fanning out to pending peer domains with bounded concurrency. A slow or
// unreachable peer only fails its own domain for that attempt.
type OutboxDispatcher struct {
	Outbox            ports.OutboxRepository
	Roster            ports.PeerRoster
	Delivery          ports.DeliveryClient
	Clock             ports.Clock
	BatchSize         int
	WorkerConcurrency int
	FanoutConcurrency int
	DeliveryTimeout   time.Duration
	BackoffBase       time.Duration
	Logger            *slog.Logger
}

func (d OutboxDispatcher) RunOnce(ctx context.Context) error {
	logger := application.ResolveLogger(d.Logger)

	limit := d.BatchSize
	if limit <= 0 {
		limit = 100
	}
	due, err := d.Outbox.ListDue(ctx, d.now(), limit)
	if err != nil {
		logger.Error("outbox due selection failed",
			"event", "federation_outbox_list_failed",
			"module", "federation/messaging-sync",
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}
	if len(due) == 0 {
		return nil
	}

	workers := d.WorkerConcurrency
	if workers <= 0 {
		workers = 4
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for _, row := range due {
		eventID := row.EventID
		group.Go(func() error {
			return d.Outbox.ProcessLocked(groupCtx, eventID, d.attempt)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("outbox dispatch cycle completed",
		"event", "federation_outbox_cycle_completed",
		"module", "federation/messaging-sync",
		"layer", "worker",
		"processed_count", len(due),
	)
	return nil
}

// DispatchOne is the immediate-trigger path used by the job queue right
// after enqueue, skipping the wait for the next poll cycle.
func (d OutboxDispatcher) DispatchOne(ctx context.Context, eventID string) error {
	return d.Outbox.ProcessLocked(ctx, eventID, d.attempt)
}

func (d OutboxDispatcher) attempt(
	ctx context.Context,
	row entities.OutboxEvent,
) (entities.OutboxEvent, error) {
	logger := application.ResolveLogger(d.Logger)
	now := d.now()

	pending := row.PendingDomains()
	if len(pending) == 0 {
		row.Status = entities.OutboxStatusDelivered
		row.LastError = ""
		row.UpdatedAt = now
		return row, nil
	}

	var envelope ports.EventEnvelope
	if err := json.Unmarshal(row.Payload, &envelope); err != nil {
		// A row whose payload cannot be decoded will never deliver; retrying
		// it would loop forever.
		row.Status = entities.OutboxStatusFailed
		row.LastError = "payload decode: " + err.Error()
		row.UpdatedAt = now
		logger.Error("outbox payload decode failed",
			"event", "federation_outbox_decode_failed",
			"module", "federation/messaging-sync",
			"layer", "worker",
			"outbox_event_id", row.EventID,
			"error", err.Error(),
		)
		return row, nil
	}

	fanout := d.FanoutConcurrency
	if fanout <= 0 {
		fanout = 6
	}
	timeout := d.DeliveryTimeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}

	failures := make([]error, len(pending))
	group := errgroup.Group{}
	group.SetLimit(fanout)
	for i, domain := range pending {
		i, domain := i, domain
		group.Go(func() error {
			peer, ok := d.Roster.Lookup(domain)
			if !ok || !peer.AllowOutgoing {
				failures[i] = fmt.Errorf("%s: %w", domain, domainerrors.ErrUnknownPeer)
				return nil
			}
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := d.Delivery.SendEvent(callCtx, peer, envelope); err != nil {
				failures[i] = fmt.Errorf("%s: %v", domain, err)
			}
			return nil
		})
	}
	_ = group.Wait()

	succeeded := make([]string, 0, len(pending))
	reasons := make([]string, 0, len(pending))
	for i, domain := range pending {
		if failures[i] == nil {
			succeeded = append(succeeded, domain)
			continue
		}
		reasons = append(reasons, failures[i].Error())
	}

	updated := row.RecordAttempt(succeeded, strings.Join(reasons, "; "), d.BackoffBase, now)
	switch updated.Status {
	case entities.OutboxStatusDelivered:
		logger.Info("outbox event delivered",
			"event", "federation_outbox_delivered",
			"module", "federation/messaging-sync",
			"layer", "worker",
			"outbox_event_id", updated.EventID,
			"attempt_count", updated.AttemptCount,
			"target_count", len(updated.TargetDomains),
		)
	case entities.OutboxStatusFailed:
		logger.Error("outbox event failed permanently",
			"event", "federation_outbox_exhausted",
			"module", "federation/messaging-sync",
			"layer", "worker",
			"outbox_event_id", updated.EventID,
			"attempt_count", updated.AttemptCount,
			"undelivered_domains", strings.Join(updated.PendingDomains(), ","),
			"last_error", updated.LastError,
		)
	default:
		logger.Warn("outbox delivery attempt incomplete",
			"event", "federation_outbox_retry_scheduled",
			"module", "federation/messaging-sync",
			"layer", "worker",
			"outbox_event_id", updated.EventID,
			"attempt_count", updated.AttemptCount,
			"next_retry_at", updated.NextRetryAt.Format(time.RFC3339),
			"last_error", updated.LastError,
		)
	}
	return updated, nil
}

func (d OutboxDispatcher) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now().UTC()
}
