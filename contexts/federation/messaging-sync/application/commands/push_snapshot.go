package commands

import (
	"context"
	"log/slog"

	application "parley/contexts/federation/messaging-sync/application"
	"parley/contexts/federation/messaging-sync/application/queries"
	"parley/contexts/federation/messaging-sync/ports"
)

type PushSnapshotCommand struct {
	ServerID string
}

type PushSnapshotResult struct {
	PushedDomains []string
	FailedDomains []string
}

// PushSnapshotUseCase proactively seeds or refreshes mirrors by pushing a
// full snapshot of one locally-owned server to every outgoing peer. Per-peer
// failures are logged and skipped; a peer that missed the push will still
// converge through gap recovery.
type PushSnapshotUseCase struct {
	Export   queries.ExportSnapshotUseCase
	Roster   ports.PeerRoster
	Delivery ports.DeliveryClient
	Logger   *slog.Logger
}

func (u PushSnapshotUseCase) Execute(ctx context.Context, cmd PushSnapshotCommand) (PushSnapshotResult, error) {
	logger := application.ResolveLogger(u.Logger)

	snapshot, err := u.Export.Execute(ctx, queries.GetSnapshotQuery{ServerID: cmd.ServerID})
	if err != nil {
		return PushSnapshotResult{}, err
	}

	result := PushSnapshotResult{}
	for _, peer := range u.Roster.OutgoingPeers() {
		if err := u.Delivery.SendSnapshot(ctx, peer, snapshot); err != nil {
			logger.Warn("snapshot push failed",
				"event", "federation_snapshot_push_failed",
				"module", "federation/messaging-sync",
				"layer", "application",
				"server_id", cmd.ServerID,
				"peer_domain", peer.Domain,
				"error", err.Error(),
			)
			result.FailedDomains = append(result.FailedDomains, peer.Domain)
			continue
		}
		result.PushedDomains = append(result.PushedDomains, peer.Domain)
	}

	logger.Info("snapshot push completed",
		"event", "federation_snapshot_push_completed",
		"module", "federation/messaging-sync",
		"layer", "application",
		"server_id", cmd.ServerID,
		"pushed_count", len(result.PushedDomains),
		"failed_count", len(result.FailedDomains),
	)
	return result, nil
}
