package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"parley/contexts/federation/messaging-sync/domain/entities"
	"parley/contexts/federation/messaging-sync/ports"
	contractsv1 "parley/contracts/gen/federation/v1"
)

func TestNextSequenceConcurrentAllocationsAreDistinct(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()

	const workers = 32
	results := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			seq, err := store.NextSequence(ctx, "server:srv-1")
			if err != nil {
				t.Errorf("next sequence failed: %v", err)
				return
			}
			results[slot] = seq
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, workers)
	for _, seq := range results {
		if seq < 1 || seq > workers {
			t.Fatalf("sequence %d outside expected range 1..%d", seq, workers)
		}
		if seen[seq] {
			t.Fatalf("sequence %d allocated twice", seq)
		}
		seen[seq] = true
	}
}

func TestNextSequenceIsPerStream(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()

	first, _ := store.NextSequence(ctx, "server:a")
	second, _ := store.NextSequence(ctx, "server:a")
	other, _ := store.NextSequence(ctx, "server:b")

	if first != 1 || second != 2 {
		t.Fatalf("expected 1,2 on stream a, got %d,%d", first, second)
	}
	if other != 1 {
		t.Fatalf("expected independent counter for stream b, got %d", other)
	}
}

func TestClaimEventIsIdempotent(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	event, err := entities.NewFederatedEvent("evt-1", "alpha.test", "message.create", "channel:ch-1", 1, []byte(`{}`), now)
	if err != nil {
		t.Fatalf("new event failed: %v", err)
	}

	claimed, err := store.ClaimEvent(ctx, event)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to succeed, claimed=%v err=%v", claimed, err)
	}
	claimed, err = store.ClaimEvent(ctx, event)
	if err != nil {
		t.Fatalf("replayed claim failed: %v", err)
	}
	if claimed {
		t.Fatalf("expected replayed claim to report duplicate")
	}
}

func TestApplyAtClassifiesAndAdvances(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()

	applied := 0
	apply := func(_ context.Context, _ ports.EntityStore) error {
		applied++
		return nil
	}

	class, err := store.ApplyAt(ctx, "alpha.test", "server:srv-1", 1, apply)
	if err != nil || class != entities.StreamClassNext {
		t.Fatalf("expected next for sequence 1, got class=%s err=%v", class, err)
	}
	if applied != 1 {
		t.Fatalf("expected apply callback to run once, ran %d times", applied)
	}

	class, err = store.ApplyAt(ctx, "alpha.test", "server:srv-1", 1, apply)
	if err != nil || class != entities.StreamClassStale {
		t.Fatalf("expected stale for replayed sequence, got class=%s err=%v", class, err)
	}
	class, err = store.ApplyAt(ctx, "alpha.test", "server:srv-1", 4, apply)
	if err != nil || class != entities.StreamClassGap {
		t.Fatalf("expected gap for sequence 4, got class=%s err=%v", class, err)
	}
	if applied != 1 {
		t.Fatalf("stale and gap must not run apply, ran %d times", applied)
	}

	position, err := store.Position(ctx, "alpha.test", "server:srv-1")
	if err != nil || position != 1 {
		t.Fatalf("expected position 1 after gap rejection, got %d err=%v", position, err)
	}
}

func TestSetPositionNeverMovesBackwards(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()

	if err := store.SetPosition(ctx, "alpha.test", "server:srv-1", 7); err != nil {
		t.Fatalf("set position failed: %v", err)
	}
	// A lower sequence from a slower concurrent recovery is a no-op.
	if err := store.SetPosition(ctx, "alpha.test", "server:srv-1", 5); err != nil {
		t.Fatalf("lower set position errored: %v", err)
	}
	position, err := store.Position(ctx, "alpha.test", "server:srv-1")
	if err != nil || position != 7 {
		t.Fatalf("expected position held at 7, got %d err=%v", position, err)
	}

	if err := store.SetPosition(ctx, "alpha.test", "server:srv-1", 9); err != nil {
		t.Fatalf("advancing set position failed: %v", err)
	}
	position, err = store.Position(ctx, "alpha.test", "server:srv-1")
	if err != nil || position != 9 {
		t.Fatalf("expected position advanced to 9, got %d err=%v", position, err)
	}
}

func TestProcessLockedSkipsTerminalRows(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	event, err := entities.NewOutboxEvent("evt-1", "message.create", "channel:ch-1", 1, []byte(`{}`),
		[]string{"beta.test"}, 2, now)
	if err != nil {
		t.Fatalf("new outbox event failed: %v", err)
	}
	if err := store.Enqueue(ctx, event); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	err = store.ProcessLocked(ctx, "evt-1", func(_ context.Context, row entities.OutboxEvent) (entities.OutboxEvent, error) {
		row.Status = entities.OutboxStatusDelivered
		return row, nil
	})
	if err != nil {
		t.Fatalf("process locked failed: %v", err)
	}

	invoked := false
	err = store.ProcessLocked(ctx, "evt-1", func(_ context.Context, row entities.OutboxEvent) (entities.OutboxEvent, error) {
		invoked = true
		return row, nil
	})
	if err != nil {
		t.Fatalf("process locked on terminal row errored: %v", err)
	}
	if invoked {
		t.Fatalf("expected terminal row to be skipped")
	}
}

func TestPruneTerminalBefore(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old, _ := entities.NewOutboxEvent("evt-old", "message.create", "channel:ch-1", 1, []byte(`{}`), []string{"beta.test"}, 2, now.Add(-40*24*time.Hour))
	old.Status = entities.OutboxStatusDelivered
	old.UpdatedAt = now.Add(-40 * 24 * time.Hour)
	fresh, _ := entities.NewOutboxEvent("evt-fresh", "message.create", "channel:ch-1", 2, []byte(`{}`), []string{"beta.test"}, 2, now)
	stillPending, _ := entities.NewOutboxEvent("evt-pending", "message.create", "channel:ch-1", 3, []byte(`{}`), []string{"beta.test"}, 2, now.Add(-40*24*time.Hour))

	for _, event := range []entities.OutboxEvent{old, fresh, stillPending} {
		if err := store.Enqueue(ctx, event); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	pruned, err := store.PruneTerminalBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected exactly the old delivered row pruned, got %d", pruned)
	}
	if _, ok := store.GetOutboxEvent("evt-old"); ok {
		t.Fatalf("expected evt-old removed")
	}
	if _, ok := store.GetOutboxEvent("evt-pending"); !ok {
		t.Fatalf("pending rows must never be pruned regardless of age")
	}
}

func TestUpsertRemoteEntitiesAreIdempotent(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	server, err := store.UpsertRemoteServer(ctx, "alpha.test", serverRef("srv-1", "General"), now)
	if err != nil {
		t.Fatalf("upsert server failed: %v", err)
	}
	again, err := store.UpsertRemoteServer(ctx, "alpha.test", serverRef("srv-1", "General Renamed"), now)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if again.ServerID != server.ServerID {
		t.Fatalf("expected stable local id across upserts, got %s and %s", server.ServerID, again.ServerID)
	}
	if again.Name != "General Renamed" {
		t.Fatalf("expected upsert to refresh mutable fields, got %s", again.Name)
	}
	if !again.Mirror {
		t.Fatalf("remote entities must be marked as mirrors")
	}
}

func serverRef(remoteID string, name string) contractsv1.ServerRef {
	return contractsv1.ServerRef{RemoteID: remoteID, Name: name}
}
