package workers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"parley/contexts/federation/messaging-sync/adapters/memory"
	"parley/contexts/federation/messaging-sync/domain/entities"
	"parley/contexts/federation/messaging-sync/domain/services"
	"parley/contexts/federation/messaging-sync/ports"
	contractsv1 "parley/contracts/gen/federation/v1"
)

type scriptedDelivery struct {
	mu      sync.Mutex
	failing map[string]error
	sent    map[string]int
}

func newScriptedDelivery() *scriptedDelivery {
	return &scriptedDelivery{
		failing: make(map[string]error),
		sent:    make(map[string]int),
	}
}

func (d *scriptedDelivery) fail(domain string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[domain] = err
}

func (d *scriptedDelivery) recover(domain string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failing, domain)
}

func (d *scriptedDelivery) sentCount(domain string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[domain]
}

func (d *scriptedDelivery) SendEvent(_ context.Context, peer ports.Peer, _ ports.EventEnvelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failing[peer.Domain]; ok {
		return err
	}
	d.sent[peer.Domain]++
	return nil
}

func (d *scriptedDelivery) SendSnapshot(context.Context, ports.Peer, contractsv1.Snapshot) error {
	return nil
}

func (d *scriptedDelivery) FetchSnapshot(context.Context, ports.Peer, string) (contractsv1.Snapshot, error) {
	return contractsv1.Snapshot{}, nil
}

type timeoutError struct{}

func (timeoutError) Error() string { return "connection timed out" }

func newDispatcher(store *memory.Store, delivery ports.DeliveryClient) OutboxDispatcher {
	roster := services.NewRoster([]ports.Peer{
		{Domain: "beta.test", BaseURL: "https://beta.test", Keys: []ports.PeerKey{{ID: "k", Secret: "s"}}, AllowIncoming: true, AllowOutgoing: true},
		{Domain: "gamma.test", BaseURL: "https://gamma.test", Keys: []ports.PeerKey{{ID: "k", Secret: "s"}}, AllowIncoming: true, AllowOutgoing: true},
	})
	return OutboxDispatcher{
		Outbox:      store,
		Roster:      roster,
		Delivery:    delivery,
		Clock:       store,
		BackoffBase: 30 * time.Second,
	}
}

func enqueueEvent(t *testing.T, store *memory.Store, eventID string, targets []string, maxAttempts int, now time.Time) {
	t.Helper()
	envelope := ports.EventEnvelope{
		Version:      contractsv1.SchemaVersion,
		EventID:      eventID,
		EventType:    contractsv1.EventTypeMessageCreate,
		OriginDomain: "self.test",
		StreamID:     "channel:ch-1",
		Sequence:     1,
		SentAt:       now,
		Data:         []byte(`{"server":{"remote_id":"srv-1"},"channel":{"remote_id":"ch-1"},"message":{"remote_id":"msg-1"}}`),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}
	event, err := entities.NewOutboxEvent(eventID, envelope.EventType, envelope.StreamID, 1, payload, targets, maxAttempts, now)
	if err != nil {
		t.Fatalf("new outbox event failed: %v", err)
	}
	if err := store.Enqueue(context.Background(), event); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
}

func TestDispatcherDeliversToAllTargets(t *testing.T) {
	store := memory.NewStore(nil)
	delivery := newScriptedDelivery()
	dispatcher := newDispatcher(store, delivery)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNow(now)
	enqueueEvent(t, store, "evt-1", []string{"beta.test", "gamma.test"}, 8, now)

	if err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("run once failed: %v", err)
	}

	row, ok := store.GetOutboxEvent("evt-1")
	if !ok {
		t.Fatalf("outbox row missing")
	}
	if row.Status != entities.OutboxStatusDelivered {
		t.Fatalf("expected delivered, got %s", row.Status)
	}
	if row.AttemptCount != 1 {
		t.Fatalf("expected one attempt, got %d", row.AttemptCount)
	}
	if delivery.sentCount("beta.test") != 1 || delivery.sentCount("gamma.test") != 1 {
		t.Fatalf("expected one send per target, got beta=%d gamma=%d",
			delivery.sentCount("beta.test"), delivery.sentCount("gamma.test"))
	}
}

func TestDispatcherPartialFailureRetriesOnlyPending(t *testing.T) {
	store := memory.NewStore(nil)
	delivery := newScriptedDelivery()
	delivery.fail("gamma.test", timeoutError{})
	dispatcher := newDispatcher(store, delivery)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNow(now)
	enqueueEvent(t, store, "evt-1", []string{"beta.test", "gamma.test"}, 8, now)

	if err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	row, _ := store.GetOutboxEvent("evt-1")
	if row.Status != entities.OutboxStatusPending {
		t.Fatalf("expected pending after partial failure, got %s", row.Status)
	}
	if len(row.DeliveredDomains) != 1 || row.DeliveredDomains[0] != "beta.test" {
		t.Fatalf("expected beta.test recorded delivered, got %v", row.DeliveredDomains)
	}
	if !row.NextRetryAt.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("expected retry at +30s, got %s", row.NextRetryAt)
	}

	// Not due yet: a cycle before NextRetryAt must not attempt the row.
	if err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("idle cycle failed: %v", err)
	}
	row, _ = store.GetOutboxEvent("evt-1")
	if row.AttemptCount != 1 {
		t.Fatalf("expected row untouched before retry due, got %d attempts", row.AttemptCount)
	}

	delivery.recover("gamma.test")
	store.SetNow(now.Add(time.Minute))
	if err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	row, _ = store.GetOutboxEvent("evt-1")
	if row.Status != entities.OutboxStatusDelivered {
		t.Fatalf("expected delivered after retry, got %s", row.Status)
	}
	if row.AttemptCount != 2 {
		t.Fatalf("expected two attempts, got %d", row.AttemptCount)
	}
	if delivery.sentCount("beta.test") != 1 {
		t.Fatalf("already-delivered domain must not be re-sent, got %d sends", delivery.sentCount("beta.test"))
	}
}

func TestDispatcherExhaustionIsTerminal(t *testing.T) {
	store := memory.NewStore(nil)
	delivery := newScriptedDelivery()
	delivery.fail("beta.test", timeoutError{})
	dispatcher := newDispatcher(store, delivery)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNow(now)
	enqueueEvent(t, store, "evt-1", []string{"beta.test"}, 2, now)

	if err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	store.SetNow(now.Add(time.Minute))
	if err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	row, _ := store.GetOutboxEvent("evt-1")
	if row.Status != entities.OutboxStatusFailed {
		t.Fatalf("expected failed after max attempts, got %s", row.Status)
	}
	if row.LastError == "" {
		t.Fatalf("expected last error on terminal failure")
	}

	// Terminal rows are never selected again.
	store.SetNow(now.Add(24 * time.Hour))
	if err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("post-terminal cycle failed: %v", err)
	}
	row, _ = store.GetOutboxEvent("evt-1")
	if row.AttemptCount != 2 {
		t.Fatalf("expected terminal row untouched, got %d attempts", row.AttemptCount)
	}
}

func TestDispatcherPoisonPayloadFailsPermanently(t *testing.T) {
	store := memory.NewStore(nil)
	delivery := newScriptedDelivery()
	dispatcher := newDispatcher(store, delivery)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNow(now)
	event, err := entities.NewOutboxEvent("evt-poison", "message.create", "channel:ch-1", 1,
		[]byte(`{not json`), []string{"beta.test"}, 8, now)
	if err != nil {
		t.Fatalf("new outbox event failed: %v", err)
	}
	if err := store.Enqueue(ctx, event); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("run once failed: %v", err)
	}
	row, _ := store.GetOutboxEvent("evt-poison")
	if row.Status != entities.OutboxStatusFailed {
		t.Fatalf("expected undecodable payload to fail permanently, got %s", row.Status)
	}
	if delivery.sentCount("beta.test") != 0 {
		t.Fatalf("poison row must not reach peers")
	}
}

func TestDispatcherUnknownPeerCountsAsFailure(t *testing.T) {
	store := memory.NewStore(nil)
	delivery := newScriptedDelivery()
	dispatcher := newDispatcher(store, delivery)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNow(now)
	enqueueEvent(t, store, "evt-1", []string{"unknown.test"}, 8, now)

	if err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("run once failed: %v", err)
	}
	row, _ := store.GetOutboxEvent("evt-1")
	if row.Status != entities.OutboxStatusPending {
		t.Fatalf("expected pending retry for unknown peer, got %s", row.Status)
	}
	if row.LastError == "" {
		t.Fatalf("expected last error naming the unknown peer")
	}
}

func TestRetentionSweep(t *testing.T) {
	store := memory.NewStore(nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNow(now)

	oldEvent, err := entities.NewFederatedEvent("evt-old", "alpha.test", "message.create", "channel:ch-1", 1,
		[]byte(`{}`), now.Add(-15*24*time.Hour))
	if err != nil {
		t.Fatalf("new event failed: %v", err)
	}
	if _, err := store.ClaimEvent(ctx, oldEvent); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	freshEvent, err := entities.NewFederatedEvent("evt-fresh", "alpha.test", "message.create", "channel:ch-1", 2,
		[]byte(`{}`), now)
	if err != nil {
		t.Fatalf("new event failed: %v", err)
	}
	if _, err := store.ClaimEvent(ctx, freshEvent); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	terminal, _ := entities.NewOutboxEvent("evt-terminal", "message.create", "channel:ch-1", 1,
		[]byte(`{}`), []string{"beta.test"}, 2, now.Add(-31*24*time.Hour))
	terminal.Status = entities.OutboxStatusDelivered
	terminal.UpdatedAt = now.Add(-31 * 24 * time.Hour)
	if err := store.Enqueue(ctx, terminal); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	retention := Retention{Events: store, Outbox: store, Clock: store}
	if err := retention.RunOnce(ctx); err != nil {
		t.Fatalf("retention run failed: %v", err)
	}

	// The fresh event must survive the sweep and still deduplicate.
	if claimed, _ := store.ClaimEvent(ctx, freshEvent); claimed {
		t.Fatalf("fresh event should still be present in the ledger")
	}
	if _, ok := store.GetOutboxEvent("evt-terminal"); ok {
		t.Fatalf("expected terminal outbox row pruned")
	}
}
