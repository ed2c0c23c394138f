package queries

import (
	"context"
	"log/slog"
	"strings"

	application "parley/contexts/federation/messaging-sync/application"
	domainerrors "parley/contexts/federation/messaging-sync/domain/errors"
	"parley/contexts/federation/messaging-sync/ports"
	contractsv1 "parley/contracts/gen/federation/v1"
)

type GetSnapshotQuery struct {
	ServerID string
}

// ExportSnapshotUseCase builds the coarse, bounded export of one locally
// owned server: its channels and the most recent messages per channel.
type ExportSnapshotUseCase struct {
	Entities     ports.EntityStore
	SelfDomain   string
	MessageLimit int
	Logger       *slog.Logger
}

func (u ExportSnapshotUseCase) Execute(ctx context.Context, query GetSnapshotQuery) (contractsv1.Snapshot, error) {
	logger := application.ResolveLogger(u.Logger)
	if strings.TrimSpace(query.ServerID) == "" {
		return contractsv1.Snapshot{}, domainerrors.ErrServerNotFound
	}

	server, err := u.Entities.GetServer(ctx, query.ServerID)
	if err != nil {
		return contractsv1.Snapshot{}, err
	}
	// Mirrors are never re-exported; only the owning instance snapshots.
	if server.Mirror {
		return contractsv1.Snapshot{}, domainerrors.ErrMirroredEntity
	}

	channels, err := u.Entities.ListChannels(ctx, server.ServerID)
	if err != nil {
		return contractsv1.Snapshot{}, err
	}

	limit := u.MessageLimit
	if limit <= 0 {
		limit = 50
	}

	snapshot := contractsv1.Snapshot{
		Version:      contractsv1.SchemaVersion,
		OriginDomain: u.SelfDomain,
		Server: contractsv1.ServerRef{
			RemoteID:    server.ServerID,
			Name:        server.Name,
			Description: server.Description,
		},
		Channels: make([]contractsv1.ChannelRef, 0, len(channels)),
	}

	for _, channel := range channels {
		snapshot.Channels = append(snapshot.Channels, contractsv1.ChannelRef{
			RemoteID: channel.ChannelID,
			Name:     channel.Name,
			Topic:    channel.Topic,
		})

		messages, err := u.Entities.ListRecentMessages(ctx, channel.ChannelID, limit)
		if err != nil {
			return contractsv1.Snapshot{}, err
		}
		for _, message := range messages {
			snapshot.Messages = append(snapshot.Messages, contractsv1.SnapshotMessage{
				ChannelRemoteID: channel.ChannelID,
				Message: contractsv1.MessageRef{
					RemoteID:   message.MessageID,
					SenderName: message.SenderName,
					Content:    message.Content,
					SentAt:     message.SentAt.UTC(),
				},
			})
		}
	}

	logger.Info("snapshot exported",
		"event", "federation_snapshot_exported",
		"module", "federation/messaging-sync",
		"layer", "application",
		"server_id", server.ServerID,
		"channel_count", len(snapshot.Channels),
		"message_count", len(snapshot.Messages),
	)
	return snapshot, nil
}
