package commands

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	application "parley/contexts/federation/messaging-sync/application"
	"parley/contexts/federation/messaging-sync/domain/entities"
	domainerrors "parley/contexts/federation/messaging-sync/domain/errors"
	"parley/contexts/federation/messaging-sync/ports"
	contractsv1 "parley/contracts/gen/federation/v1"
)

const dispatchJobKind = "outbox_dispatch"

type PublishEventCommand struct {
	EventType string
	ServerID  string
	ChannelID string
	MessageID string
}

type PublishEventResult struct {
	Envelope ports.EventEnvelope
	Enqueued bool
}

// PublishEventUseCase is the outbound event builder: it turns a successful
// local mutation into a sequenced envelope and hands it to the outbox. The
// local write has already committed; nothing here may fail it.
type PublishEventUseCase struct {
	Entities    ports.EntityStore
	Streams     ports.StreamRepository
	Outbox      ports.OutboxRepository
	Roster      ports.PeerRoster
	Jobs        ports.JobQueue
	Clock       ports.Clock
	IDGenerator ports.IDGenerator
	SelfDomain  string
	MaxAttempts int
	Logger      *slog.Logger
}

func (u PublishEventUseCase) Execute(ctx context.Context, cmd PublishEventCommand) (PublishEventResult, error) {
	logger := application.ResolveLogger(u.Logger)

	streamID, data, err := u.buildPayload(ctx, cmd)
	if err != nil {
		return PublishEventResult{}, err
	}

	eventID, err := u.IDGenerator.NewID(ctx)
	if err != nil {
		return PublishEventResult{}, err
	}
	sequence, err := u.Streams.NextSequence(ctx, streamID)
	if err != nil {
		return PublishEventResult{}, err
	}

	now := u.now()
	envelope := ports.EventEnvelope{
		Version:      contractsv1.SchemaVersion,
		EventID:      eventID,
		EventType:    cmd.EventType,
		OriginDomain: u.SelfDomain,
		StreamID:     streamID,
		Sequence:     sequence,
		SentAt:       now,
		Data:         data,
	}

	targets := u.Roster.OutgoingDomains()
	if len(targets) == 0 {
		logger.Debug("no outgoing peers configured, skipping enqueue",
			"event", "federation_publish_no_targets",
			"module", "federation/messaging-sync",
			"layer", "application",
			"event_id", eventID,
			"stream_id", streamID,
		)
		return PublishEventResult{Envelope: envelope}, nil
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return PublishEventResult{}, err
	}
	outboxEvent, err := entities.NewOutboxEvent(
		eventID,
		cmd.EventType,
		streamID,
		sequence,
		payload,
		targets,
		u.MaxAttempts,
		now,
	)
	if err != nil {
		return PublishEventResult{}, err
	}
	if err := u.Outbox.Enqueue(ctx, outboxEvent); err != nil {
		return PublishEventResult{}, err
	}

	if u.Jobs != nil {
		if err := u.Jobs.Enqueue(ctx, ports.Job{
			Kind:    dispatchJobKind,
			Key:     "outbox:" + eventID,
			EventID: eventID,
		}); err != nil {
			// The periodic dispatcher will pick the row up; immediate
			// dispatch is best effort.
			logger.Warn("immediate dispatch enqueue failed",
				"event", "federation_publish_job_enqueue_failed",
				"module", "federation/messaging-sync",
				"layer", "application",
				"event_id", eventID,
				"error", err.Error(),
			)
		}
	}

	logger.Info("event enqueued for federation",
		"event", "federation_event_enqueued",
		"module", "federation/messaging-sync",
		"layer", "application",
		"event_id", eventID,
		"event_type", cmd.EventType,
		"stream_id", streamID,
		"sequence", sequence,
		"target_count", len(targets),
	)
	return PublishEventResult{Envelope: envelope, Enqueued: true}, nil
}

func (u PublishEventUseCase) buildPayload(
	ctx context.Context,
	cmd PublishEventCommand,
) (string, json.RawMessage, error) {
	switch cmd.EventType {
	case contractsv1.EventTypeServerUpsert:
		if strings.TrimSpace(cmd.ServerID) == "" {
			return "", nil, domainerrors.ErrServerNotFound
		}
		server, err := u.Entities.GetServer(ctx, cmd.ServerID)
		if err != nil {
			return "", nil, err
		}
		if server.Mirror {
			return "", nil, domainerrors.ErrMirroredEntity
		}
		channels, err := u.Entities.ListChannels(ctx, server.ServerID)
		if err != nil {
			return "", nil, err
		}
		payload := contractsv1.ServerUpsertPayload{
			Server:   serverRef(server),
			Channels: make([]contractsv1.ChannelRef, 0, len(channels)),
		}
		for _, channel := range channels {
			payload.Channels = append(payload.Channels, channelRef(channel))
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return "", nil, err
		}
		return "server:" + server.ServerID, data, nil

	case contractsv1.EventTypeMessageCreate:
		if strings.TrimSpace(cmd.ChannelID) == "" || strings.TrimSpace(cmd.MessageID) == "" {
			return "", nil, domainerrors.ErrMessageNotFound
		}
		channel, err := u.Entities.GetChannel(ctx, cmd.ChannelID)
		if err != nil {
			return "", nil, err
		}
		if channel.Mirror {
			return "", nil, domainerrors.ErrMirroredEntity
		}
		server, err := u.Entities.GetServer(ctx, channel.ServerID)
		if err != nil {
			return "", nil, err
		}
		message, err := u.Entities.GetMessage(ctx, cmd.MessageID)
		if err != nil {
			return "", nil, err
		}
		payload := contractsv1.MessageCreatePayload{
			Server:  serverRef(server),
			Channel: channelRef(channel),
			Message: contractsv1.MessageRef{
				RemoteID:   message.MessageID,
				SenderName: message.SenderName,
				Content:    message.Content,
				SentAt:     message.SentAt.UTC(),
			},
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return "", nil, err
		}
		return "channel:" + channel.ChannelID, data, nil

	default:
		return "", nil, domainerrors.ErrInvalidEvent
	}
}

func (u PublishEventUseCase) now() time.Time {
	if u.Clock == nil {
		return time.Now().UTC()
	}
	return u.Clock.Now().UTC()
}

func serverRef(server ports.FederatedServer) contractsv1.ServerRef {
	return contractsv1.ServerRef{
		RemoteID:    server.ServerID,
		Name:        server.Name,
		Description: server.Description,
	}
}

func channelRef(channel ports.FederatedChannel) contractsv1.ChannelRef {
	return contractsv1.ChannelRef{
		RemoteID: channel.ChannelID,
		Name:     channel.Name,
		Topic:    channel.Topic,
	}
}
