package ports

import (
	"context"
	"time"

	"parley/contexts/federation/messaging-sync/domain/entities"
	contractsv1 "parley/contracts/gen/federation/v1"
)

// Clock allows deterministic testing of freshness/backoff rules.
type Clock interface {
	Now() time.Time
}

// IDGenerator abstracts event identifier generation.
type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

// EventEnvelope reuses the canonical cross-runtime envelope contract.
type EventEnvelope = contractsv1.Envelope

// PeerKey is one named shared secret for a peer. Any configured key may
// verify inbound signatures; at most one is the active outbound key.
type PeerKey struct {
	ID             string
	Secret         string
	ActiveOutbound bool
}

// Peer is one row of the static federation roster.
type Peer struct {
	Domain        string
	BaseURL       string
	Keys          []PeerKey
	AllowIncoming bool
	AllowOutgoing bool
}

// PeerRoster is an immutable snapshot of the configured peer set, passed
// explicitly into the signer/processor/dispatcher at construction.
type PeerRoster interface {
	Lookup(domain string) (Peer, bool)
	OutgoingPeers() []Peer
	OutgoingDomains() []string
}

// EventRepository owns the append-only idempotency ledger.
type EventRepository interface {
	// ClaimEvent inserts the row if absent. claimed=false means the event id
	// was already stored and the delivery is a replay.
	ClaimEvent(ctx context.Context, event entities.FederatedEvent) (claimed bool, err error)
	// ArchiveEventsBefore copies rows older than cutoff into the archive
	// store and deletes the originals. The copy is idempotent.
	ArchiveEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// StreamRepository owns per-stream ordering state for both directions:
// outbound sequence allocation and inbound position tracking.
type StreamRepository interface {
	// NextSequence atomically allocates the next outbound sequence for a
	// local stream. Concurrent callers receive distinct consecutive values.
	NextSequence(ctx context.Context, streamID string) (int64, error)
	// ApplyAt locks the (origin, stream) position row, classifies the
	// incoming sequence, and for StreamClassNext runs apply and advances the
	// position inside the same transaction. The store handed to apply is
	// transaction-scoped. Stale and gap classifications write nothing.
	ApplyAt(
		ctx context.Context,
		originDomain string,
		streamID string,
		sequence int64,
		apply func(ctx context.Context, store EntityStore) error,
	) (entities.StreamClass, error)
	// SetPosition advances the stream position, used after snapshot
	// recovery to treat the stream as caught up to the gap sequence.
	// Implementations must keep positions monotonic: a sequence lower
	// than the stored one is a no-op.
	SetPosition(ctx context.Context, originDomain string, streamID string, sequence int64) error
	Position(ctx context.Context, originDomain string, streamID string) (int64, error)
}

// OutboxRepository models the durable delivery ledger.
type OutboxRepository interface {
	// Enqueue inserts the row; a duplicate event id is a no-op.
	Enqueue(ctx context.Context, event entities.OutboxEvent) error
	// ListDue returns pending rows with attempts left and next_retry_at due,
	// oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]entities.OutboxEvent, error)
	// ProcessLocked runs fn under the row lock for one delivery attempt and
	// persists the row fn returns. Rows already terminal are skipped.
	ProcessLocked(
		ctx context.Context,
		eventID string,
		fn func(ctx context.Context, event entities.OutboxEvent) (entities.OutboxEvent, error),
	) error
	// PruneTerminalBefore deletes delivered/failed rows older than cutoff.
	PruneTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// FederatedServer is the narrow entity-store view of a chat server. Mirror
// rows are created/updated only by federation, never by local users.
type FederatedServer struct {
	ServerID     string
	OriginDomain string
	RemoteID     string
	Name         string
	Description  string
	Mirror       bool
	UpdatedAt    time.Time
}

type FederatedChannel struct {
	ChannelID    string
	ServerID     string
	OriginDomain string
	RemoteID     string
	Name         string
	Topic        string
	Mirror       bool
	UpdatedAt    time.Time
}

type FederatedMessage struct {
	MessageID    string
	ChannelID    string
	OriginDomain string
	RemoteID     string
	SenderName   string
	Content      string
	Mirror       bool
	SentAt       time.Time
}

// EntityStore is the collaborator interface over the domain objects being
// federated. Upserts are keyed by (origin_domain, remote_id) so redelivery
// after a partial failure is a no-op.
type EntityStore interface {
	UpsertRemoteServer(ctx context.Context, originDomain string, server contractsv1.ServerRef, now time.Time) (FederatedServer, error)
	UpsertRemoteChannel(ctx context.Context, originDomain string, serverID string, channel contractsv1.ChannelRef, now time.Time) (FederatedChannel, error)
	// UpsertRemoteMessage returns created=false when the remote message id
	// already exists locally.
	UpsertRemoteMessage(ctx context.Context, originDomain string, channelID string, message contractsv1.MessageRef, now time.Time) (created bool, err error)

	GetServer(ctx context.Context, serverID string) (FederatedServer, error)
	GetChannel(ctx context.Context, channelID string) (FederatedChannel, error)
	GetMessage(ctx context.Context, messageID string) (FederatedMessage, error)
	ListChannels(ctx context.Context, serverID string) ([]FederatedChannel, error)
	ListRecentMessages(ctx context.Context, channelID string, limit int) ([]FederatedMessage, error)
}

// UnitOfWork runs entity-store writes inside one transaction, so a snapshot
// import is all-or-nothing. The store handed to fn is transaction-scoped.
type UnitOfWork interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, store EntityStore) error) error
}

// DeliveryClient performs the signed outbound federation calls.
type DeliveryClient interface {
	SendEvent(ctx context.Context, peer Peer, envelope EventEnvelope) error
	SendSnapshot(ctx context.Context, peer Peer, snapshot contractsv1.Snapshot) error
	FetchSnapshot(ctx context.Context, peer Peer, remoteServerID string) (contractsv1.Snapshot, error)
}

// Job is a background work item. Key is a dedup key: enqueuing the same key
// while a job is still queued is a no-op.
type Job struct {
	Kind    string
	Key     string
	EventID string
}

// JobQueue hands work to the background scheduler without blocking the
// caller. Federation is always a secondary effect of a local write.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
}
