package queries

import (
	"context"
	"errors"
	"testing"
	"time"

	"parley/contexts/federation/messaging-sync/adapters/memory"
	domainerrors "parley/contexts/federation/messaging-sync/domain/errors"
	contractsv1 "parley/contracts/gen/federation/v1"
)

func TestExportSnapshotBoundsMessagesPerChannel(t *testing.T) {
	store := memory.NewStore(nil)
	ctx := context.Background()

	server := store.SeedLocalServer("General", "local community")
	channel := store.SeedLocalChannel(server.ServerID, "lobby", "welcome")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		store.SeedLocalMessage(channel.ChannelID, "ada", "msg", base.Add(time.Duration(i)*time.Second))
	}

	export := ExportSnapshotUseCase{Entities: store, SelfDomain: "alpha.test", MessageLimit: 3}
	snapshot, err := export.Execute(ctx, GetSnapshotQuery{ServerID: server.ServerID})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if snapshot.Version != contractsv1.SchemaVersion {
		t.Fatalf("expected schema version %d, got %d", contractsv1.SchemaVersion, snapshot.Version)
	}
	if snapshot.OriginDomain != "alpha.test" {
		t.Fatalf("expected origin alpha.test, got %s", snapshot.OriginDomain)
	}
	if snapshot.Server.RemoteID != server.ServerID {
		t.Fatalf("expected server remote id %s, got %s", server.ServerID, snapshot.Server.RemoteID)
	}
	if len(snapshot.Channels) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(snapshot.Channels))
	}
	if len(snapshot.Messages) != 3 {
		t.Fatalf("expected message limit 3 applied, got %d", len(snapshot.Messages))
	}
	// Most recent messages, oldest first.
	for i := 1; i < len(snapshot.Messages); i++ {
		if snapshot.Messages[i].Message.SentAt.Before(snapshot.Messages[i-1].Message.SentAt) {
			t.Fatalf("expected chronological message order")
		}
	}
	if !snapshot.Messages[0].Message.SentAt.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("expected the 3 most recent messages, oldest kept at +2s, got %s", snapshot.Messages[0].Message.SentAt)
	}
}

func TestExportSnapshotRejectsMirrors(t *testing.T) {
	store := memory.NewStore(nil)
	ctx := context.Background()

	mirrored, err := store.UpsertRemoteServer(ctx, "gamma.test",
		contractsv1.ServerRef{RemoteID: "srv-9", Name: "Remote"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("seed mirror failed: %v", err)
	}

	export := ExportSnapshotUseCase{Entities: store, SelfDomain: "alpha.test"}
	_, err = export.Execute(ctx, GetSnapshotQuery{ServerID: mirrored.ServerID})
	if !errors.Is(err, domainerrors.ErrMirroredEntity) {
		t.Fatalf("expected mirrored entity rejection, got %v", err)
	}

	_, err = export.Execute(ctx, GetSnapshotQuery{ServerID: ""})
	if !errors.Is(err, domainerrors.ErrServerNotFound) {
		t.Fatalf("expected not found for empty id, got %v", err)
	}
}
