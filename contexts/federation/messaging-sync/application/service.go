package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parley/contexts/federation/messaging-sync/domain/entities"
	domainerrors "parley/contexts/federation/messaging-sync/domain/errors"
	"parley/contexts/federation/messaging-sync/ports"
	contractsv1 "parley/contracts/gen/federation/v1"
)

// ApplyOutcome is the terminal state of one inbound event delivery.
// Duplicate and stale are expected idempotent outcomes, not errors.
type ApplyOutcome string

const (
	OutcomeApplied   ApplyOutcome = "applied"
	OutcomeDuplicate ApplyOutcome = "duplicate"
	OutcomeStale     ApplyOutcome = "stale"
	OutcomeRecovered ApplyOutcome = "recovered"
)

// Service is the inbound processor: it validates, deduplicates, order-checks
// and applies incoming federation events, and repairs mirrors from snapshots
// when a stream gap is detected.
type Service struct {
	Events   ports.EventRepository
	Streams  ports.StreamRepository
	Tx       ports.UnitOfWork
	Roster   ports.PeerRoster
	Delivery ports.DeliveryClient
	Clock    ports.Clock
	Logger   *slog.Logger
}

// ProcessEvent runs the received -> {duplicate | stale | gap | applied}
// pipeline for one envelope. callerDomain is the authenticated peer domain
// from the request signature, never the envelope itself.
func (s Service) ProcessEvent(
	ctx context.Context,
	callerDomain string,
	envelope ports.EventEnvelope,
) (ApplyOutcome, error) {
	logger := ResolveLogger(s.Logger)

	if err := validateEnvelope(callerDomain, envelope); err != nil {
		logger.Warn("inbound event rejected",
			"event", "federation_event_rejected",
			"module", "federation/messaging-sync",
			"layer", "application",
			"origin_domain", envelope.OriginDomain,
			"event_id", envelope.EventID,
			"error", err.Error(),
		)
		return "", err
	}

	now := s.now()
	record, err := entities.NewFederatedEvent(
		envelope.EventID,
		envelope.OriginDomain,
		envelope.EventType,
		envelope.StreamID,
		envelope.Sequence,
		envelope.Data,
		now,
	)
	if err != nil {
		return "", err
	}

	claimed, err := s.Events.ClaimEvent(ctx, record)
	if err != nil {
		return "", err
	}
	if !claimed {
		logger.Info("inbound event replayed",
			"event", "federation_event_duplicate",
			"module", "federation/messaging-sync",
			"layer", "application",
			"origin_domain", record.OriginDomain,
			"event_id", record.EventID,
			"stream_id", record.StreamID,
			"sequence", record.Sequence,
		)
		return OutcomeDuplicate, nil
	}

	class, err := s.Streams.ApplyAt(
		ctx,
		record.OriginDomain,
		record.StreamID,
		record.Sequence,
		func(ctx context.Context, store ports.EntityStore) error {
			return s.applyEvent(ctx, store, record.OriginDomain, envelope, now)
		},
	)
	if err != nil {
		return "", err
	}

	switch class {
	case entities.StreamClassStale:
		logger.Info("inbound event superseded",
			"event", "federation_event_stale",
			"module", "federation/messaging-sync",
			"layer", "application",
			"origin_domain", record.OriginDomain,
			"stream_id", record.StreamID,
			"sequence", record.Sequence,
		)
		return OutcomeStale, nil
	case entities.StreamClassGap:
		if err := s.recoverFromGap(ctx, envelope); err != nil {
			logger.Error("gap recovery failed",
				"event", "federation_gap_recovery_failed",
				"module", "federation/messaging-sync",
				"layer", "application",
				"origin_domain", record.OriginDomain,
				"stream_id", record.StreamID,
				"sequence", record.Sequence,
				"error", err.Error(),
			)
			return "", fmt.Errorf("%w: %w", domainerrors.ErrRecoveryFailed, err)
		}
		return OutcomeRecovered, nil
	default:
		logger.Info("inbound event applied",
			"event", "federation_event_applied",
			"module", "federation/messaging-sync",
			"layer", "application",
			"origin_domain", record.OriginDomain,
			"event_type", record.EventType,
			"stream_id", record.StreamID,
			"sequence", record.Sequence,
		)
		return OutcomeApplied, nil
	}
}

// ImportSnapshot validates and imports a full-state snapshot pushed by a
// peer. Importing the same snapshot twice leaves the mirror unchanged.
func (s Service) ImportSnapshot(
	ctx context.Context,
	callerDomain string,
	snapshot contractsv1.Snapshot,
) error {
	if snapshot.Version != contractsv1.SchemaVersion {
		return domainerrors.ErrVersionMismatch
	}
	if !strings.EqualFold(strings.TrimSpace(snapshot.OriginDomain), strings.TrimSpace(callerDomain)) {
		return domainerrors.ErrOriginMismatch
	}
	if strings.TrimSpace(snapshot.Server.RemoteID) == "" {
		return domainerrors.ErrInvalidEventPayload
	}
	return s.importSnapshot(ctx, snapshot)
}

func (s Service) applyEvent(
	ctx context.Context,
	store ports.EntityStore,
	originDomain string,
	envelope ports.EventEnvelope,
	now time.Time,
) error {
	switch envelope.EventType {
	case contractsv1.EventTypeServerUpsert:
		var payload contractsv1.ServerUpsertPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return domainerrors.ErrInvalidEventPayload
		}
		if strings.TrimSpace(payload.Server.RemoteID) == "" {
			return domainerrors.ErrInvalidEventPayload
		}
		server, err := store.UpsertRemoteServer(ctx, originDomain, payload.Server, now)
		if err != nil {
			return err
		}
		for _, channel := range payload.Channels {
			if strings.TrimSpace(channel.RemoteID) == "" {
				return domainerrors.ErrInvalidEventPayload
			}
			if _, err := store.UpsertRemoteChannel(ctx, originDomain, server.ServerID, channel, now); err != nil {
				return err
			}
		}
		return nil

	case contractsv1.EventTypeMessageCreate:
		var payload contractsv1.MessageCreatePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return domainerrors.ErrInvalidEventPayload
		}
		if strings.TrimSpace(payload.Server.RemoteID) == "" ||
			strings.TrimSpace(payload.Channel.RemoteID) == "" ||
			strings.TrimSpace(payload.Message.RemoteID) == "" {
			return domainerrors.ErrInvalidEventPayload
		}
		server, err := store.UpsertRemoteServer(ctx, originDomain, payload.Server, now)
		if err != nil {
			return err
		}
		channel, err := store.UpsertRemoteChannel(ctx, originDomain, server.ServerID, payload.Channel, now)
		if err != nil {
			return err
		}
		_, err = store.UpsertRemoteMessage(ctx, originDomain, channel.ChannelID, payload.Message, now)
		return err

	default:
		return domainerrors.ErrInvalidEventPayload
	}
}

// recoverFromGap fetches the owning server's snapshot from the peer that
// produced the gap, imports it, and force-advances the stream position to
// the gap-triggering sequence. Events strictly between the last applied
// position and the snapshot point are permanently skipped; snapshots are a
// coarse catch-up, not a replay log.
func (s Service) recoverFromGap(ctx context.Context, envelope ports.EventEnvelope) error {
	logger := ResolveLogger(s.Logger)

	remoteServerID := remoteServerFromEnvelope(envelope)
	if remoteServerID == "" {
		return domainerrors.ErrInvalidEventPayload
	}

	peer, ok := s.Roster.Lookup(envelope.OriginDomain)
	if !ok {
		return domainerrors.ErrUnknownPeer
	}

	snapshot, err := s.Delivery.FetchSnapshot(ctx, peer, remoteServerID)
	if err != nil {
		return err
	}
	if snapshot.Version != contractsv1.SchemaVersion {
		return domainerrors.ErrVersionMismatch
	}
	if !strings.EqualFold(snapshot.OriginDomain, envelope.OriginDomain) {
		return domainerrors.ErrOriginMismatch
	}

	if err := s.importSnapshot(ctx, snapshot); err != nil {
		return err
	}
	if err := s.Streams.SetPosition(ctx, strings.ToLower(envelope.OriginDomain), envelope.StreamID, envelope.Sequence); err != nil {
		return err
	}

	logger.Warn("stream gap recovered via snapshot",
		"event", "federation_gap_recovered",
		"module", "federation/messaging-sync",
		"layer", "application",
		"origin_domain", envelope.OriginDomain,
		"stream_id", envelope.StreamID,
		"recovered_to_sequence", envelope.Sequence,
		"remote_server_id", remoteServerID,
	)
	return nil
}

func (s Service) importSnapshot(ctx context.Context, snapshot contractsv1.Snapshot) error {
	logger := ResolveLogger(s.Logger)
	origin := strings.ToLower(strings.TrimSpace(snapshot.OriginDomain))
	now := s.now()

	return s.Tx.WithinTransaction(ctx, func(ctx context.Context, store ports.EntityStore) error {
		server, err := store.UpsertRemoteServer(ctx, origin, snapshot.Server, now)
		if err != nil {
			return err
		}

		channelsByRemoteID := make(map[string]ports.FederatedChannel, len(snapshot.Channels))
		for _, ref := range snapshot.Channels {
			if strings.TrimSpace(ref.RemoteID) == "" {
				continue
			}
			channel, err := store.UpsertRemoteChannel(ctx, origin, server.ServerID, ref, now)
			if err != nil {
				return err
			}
			channelsByRemoteID[ref.RemoteID] = channel
		}

		imported := 0
		for _, item := range snapshot.Messages {
			channel, ok := channelsByRemoteID[item.ChannelRemoteID]
			if !ok {
				logger.Warn("snapshot message references unknown channel",
					"event", "federation_snapshot_orphan_message",
					"module", "federation/messaging-sync",
					"layer", "application",
					"origin_domain", origin,
					"channel_remote_id", item.ChannelRemoteID,
					"message_remote_id", item.Message.RemoteID,
				)
				continue
			}
			created, err := store.UpsertRemoteMessage(ctx, origin, channel.ChannelID, item.Message, now)
			if err != nil {
				return err
			}
			if created {
				imported++
			}
		}

		logger.Info("snapshot imported",
			"event", "federation_snapshot_imported",
			"module", "federation/messaging-sync",
			"layer", "application",
			"origin_domain", origin,
			"server_remote_id", snapshot.Server.RemoteID,
			"channel_count", len(snapshot.Channels),
			"message_count", len(snapshot.Messages),
			"new_message_count", imported,
		)
		return nil
	})
}

func (s Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func validateEnvelope(callerDomain string, envelope ports.EventEnvelope) error {
	if envelope.Version != contractsv1.SchemaVersion {
		return domainerrors.ErrVersionMismatch
	}
	if strings.TrimSpace(envelope.EventID) == "" ||
		strings.TrimSpace(envelope.EventType) == "" ||
		strings.TrimSpace(envelope.StreamID) == "" ||
		strings.TrimSpace(envelope.OriginDomain) == "" {
		return domainerrors.ErrInvalidEvent
	}
	if envelope.Sequence <= 0 {
		return domainerrors.ErrInvalidEvent
	}
	if !strings.EqualFold(strings.TrimSpace(envelope.OriginDomain), strings.TrimSpace(callerDomain)) {
		return domainerrors.ErrOriginMismatch
	}
	return nil
}

// remoteServerFromEnvelope resolves the remote server a gap belongs to,
// preferring the embedded payload over the stream id.
func remoteServerFromEnvelope(envelope ports.EventEnvelope) string {
	var probe struct {
		Server contractsv1.ServerRef `json:"server"`
	}
	if err := json.Unmarshal(envelope.Data, &probe); err == nil && strings.TrimSpace(probe.Server.RemoteID) != "" {
		return strings.TrimSpace(probe.Server.RemoteID)
	}
	if rest, ok := strings.CutPrefix(envelope.StreamID, "server:"); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}
