package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/contexts/federation/messaging-sync/domain/entities"
	domainerrors "parley/contexts/federation/messaging-sync/domain/errors"
	"parley/contexts/federation/messaging-sync/ports"
	contractsv1 "parley/contracts/gen/federation/v1"
)

// Store is the in-memory implementation of every synchronizer port. Row
// locks become per-key mutexes: one per (origin, stream) for ordering, one
// per outbox row for delivery attempts.
type Store struct {
	mu     sync.Mutex
	logger *slog.Logger
	nowFn  func() time.Time

	events   map[string]entities.FederatedEvent
	archived map[string]entities.FederatedEvent

	positions   map[string]*entities.StreamPosition
	counters    map[string]int64
	streamLocks map[string]*sync.Mutex

	outbox      map[string]entities.OutboxEvent
	outboxLocks map[string]*sync.Mutex

	servers          map[string]ports.FederatedServer
	serversByRemote  map[string]string
	channels         map[string]ports.FederatedChannel
	channelsByRemote map[string]string
	messages         map[string]ports.FederatedMessage
	messagesByRemote map[string]string
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:           logger,
		nowFn:            func() time.Time { return time.Now().UTC() },
		events:           make(map[string]entities.FederatedEvent),
		archived:         make(map[string]entities.FederatedEvent),
		positions:        make(map[string]*entities.StreamPosition),
		counters:         make(map[string]int64),
		streamLocks:      make(map[string]*sync.Mutex),
		outbox:           make(map[string]entities.OutboxEvent),
		outboxLocks:      make(map[string]*sync.Mutex),
		servers:          make(map[string]ports.FederatedServer),
		serversByRemote:  make(map[string]string),
		channels:         make(map[string]ports.FederatedChannel),
		channelsByRemote: make(map[string]string),
		messages:         make(map[string]ports.FederatedMessage),
		messagesByRemote: make(map[string]string),
	}
}

func (s *Store) Now() time.Time {
	return s.nowFn().UTC()
}

// SetNow pins the store clock, for deterministic backoff/retention tests.
func (s *Store) SetNow(now time.Time) {
	s.nowFn = func() time.Time { return now.UTC() }
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

// --- EventRepository ---

func (s *Store) ClaimEvent(_ context.Context, event entities.FederatedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.EventID]; ok {
		return false, nil
	}
	s.events[event.EventID] = event
	return true, nil
}

func (s *Store) ArchiveEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for id, event := range s.events {
		if event.ReceivedAt.Before(cutoff.UTC()) {
			s.archived[id] = event
			delete(s.events, id)
			moved++
		}
	}
	return moved, nil
}

// --- StreamRepository ---

func (s *Store) NextSequence(_ context.Context, streamID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[streamID]++
	return s.counters[streamID], nil
}

func (s *Store) ApplyAt(
	ctx context.Context,
	originDomain string,
	streamID string,
	sequence int64,
	apply func(ctx context.Context, store ports.EntityStore) error,
) (entities.StreamClass, error) {
	lock := s.streamLock(originDomain, streamID)
	lock.Lock()
	defer lock.Unlock()

	last, _ := s.Position(ctx, originDomain, streamID)
	class := entities.ClassifySequence(last, sequence)
	if class != entities.StreamClassNext {
		return class, nil
	}
	if err := apply(ctx, s); err != nil {
		return "", err
	}
	if err := s.SetPosition(ctx, originDomain, streamID, sequence); err != nil {
		return "", err
	}
	return entities.StreamClassNext, nil
}

// SetPosition advances the stream position, never backwards: the losing side
// of two concurrent gap recoveries must not undo the higher sequence.
func (s *Store) SetPosition(_ context.Context, originDomain string, streamID string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey(originDomain, streamID)
	if existing, ok := s.positions[key]; ok && existing.LastSequence >= sequence {
		return nil
	}
	s.positions[key] = &entities.StreamPosition{
		OriginDomain: originDomain,
		StreamID:     streamID,
		LastSequence: sequence,
		UpdatedAt:    s.nowFn().UTC(),
	}
	return nil
}

func (s *Store) Position(_ context.Context, originDomain string, streamID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position, ok := s.positions[streamKey(originDomain, streamID)]; ok {
		return position.LastSequence, nil
	}
	return 0, nil
}

// --- OutboxRepository ---

func (s *Store) Enqueue(_ context.Context, event entities.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outbox[event.EventID]; ok {
		return nil
	}
	s.outbox[event.EventID] = event
	return nil
}

func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]entities.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	due := make([]entities.OutboxEvent, 0, len(s.outbox))
	for _, event := range s.outbox {
		if event.Status != entities.OutboxStatusPending {
			continue
		}
		if event.AttemptCount >= event.MaxAttempts {
			continue
		}
		if event.NextRetryAt.After(now.UTC()) {
			continue
		}
		due = append(due, event)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) ProcessLocked(
	ctx context.Context,
	eventID string,
	fn func(ctx context.Context, event entities.OutboxEvent) (entities.OutboxEvent, error),
) error {
	lock := s.outboxLock(eventID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	event, ok := s.outbox[eventID]
	s.mu.Unlock()
	if !ok {
		return domainerrors.ErrOutboxEventNotFound
	}
	if event.Status.Terminal() {
		return nil
	}

	updated, err := fn(ctx, event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.outbox[eventID] = updated
	s.mu.Unlock()
	return nil
}

func (s *Store) PruneTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, event := range s.outbox {
		if event.Status.Terminal() && event.UpdatedAt.Before(cutoff.UTC()) {
			delete(s.outbox, id)
			pruned++
		}
	}
	return pruned, nil
}

// GetOutboxEvent exposes row state for tests and inspection.
func (s *Store) GetOutboxEvent(eventID string) (entities.OutboxEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.outbox[eventID]
	return event, ok
}

// --- UnitOfWork ---

func (s *Store) WithinTransaction(
	ctx context.Context,
	fn func(ctx context.Context, store ports.EntityStore) error,
) error {
	return fn(ctx, s)
}

// --- EntityStore ---

func (s *Store) UpsertRemoteServer(
	_ context.Context,
	originDomain string,
	server contractsv1.ServerRef,
	now time.Time,
) (ports.FederatedServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := remoteKey(originDomain, server.RemoteID)
	if serverID, ok := s.serversByRemote[key]; ok {
		existing := s.servers[serverID]
		existing.Name = server.Name
		existing.Description = server.Description
		existing.UpdatedAt = now.UTC()
		s.servers[serverID] = existing
		return existing, nil
	}

	created := ports.FederatedServer{
		ServerID:     uuid.NewString(),
		OriginDomain: strings.ToLower(originDomain),
		RemoteID:     server.RemoteID,
		Name:         server.Name,
		Description:  server.Description,
		Mirror:       true,
		UpdatedAt:    now.UTC(),
	}
	s.servers[created.ServerID] = created
	s.serversByRemote[key] = created.ServerID
	return created, nil
}

func (s *Store) UpsertRemoteChannel(
	_ context.Context,
	originDomain string,
	serverID string,
	channel contractsv1.ChannelRef,
	now time.Time,
) (ports.FederatedChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := remoteKey(originDomain, channel.RemoteID)
	if channelID, ok := s.channelsByRemote[key]; ok {
		existing := s.channels[channelID]
		existing.Name = channel.Name
		existing.Topic = channel.Topic
		existing.UpdatedAt = now.UTC()
		s.channels[channelID] = existing
		return existing, nil
	}

	created := ports.FederatedChannel{
		ChannelID:    uuid.NewString(),
		ServerID:     serverID,
		OriginDomain: strings.ToLower(originDomain),
		RemoteID:     channel.RemoteID,
		Name:         channel.Name,
		Topic:        channel.Topic,
		Mirror:       true,
		UpdatedAt:    now.UTC(),
	}
	s.channels[created.ChannelID] = created
	s.channelsByRemote[key] = created.ChannelID
	return created, nil
}

func (s *Store) UpsertRemoteMessage(
	_ context.Context,
	originDomain string,
	channelID string,
	message contractsv1.MessageRef,
	now time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := remoteKey(originDomain, message.RemoteID)
	if _, ok := s.messagesByRemote[key]; ok {
		return false, nil
	}

	created := ports.FederatedMessage{
		MessageID:    uuid.NewString(),
		ChannelID:    channelID,
		OriginDomain: strings.ToLower(originDomain),
		RemoteID:     message.RemoteID,
		SenderName:   message.SenderName,
		Content:      message.Content,
		Mirror:       true,
		SentAt:       message.SentAt.UTC(),
	}
	s.messages[created.MessageID] = created
	s.messagesByRemote[key] = created.MessageID
	return true, nil
}

func (s *Store) GetServer(_ context.Context, serverID string) (ports.FederatedServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if server, ok := s.servers[serverID]; ok {
		return server, nil
	}
	return ports.FederatedServer{}, domainerrors.ErrServerNotFound
}

func (s *Store) GetChannel(_ context.Context, channelID string) (ports.FederatedChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel, ok := s.channels[channelID]; ok {
		return channel, nil
	}
	return ports.FederatedChannel{}, domainerrors.ErrChannelNotFound
}

func (s *Store) GetMessage(_ context.Context, messageID string) (ports.FederatedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if message, ok := s.messages[messageID]; ok {
		return message, nil
	}
	return ports.FederatedMessage{}, domainerrors.ErrMessageNotFound
}

func (s *Store) ListChannels(_ context.Context, serverID string) ([]ports.FederatedChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]ports.FederatedChannel, 0)
	for _, channel := range s.channels {
		if channel.ServerID == serverID {
			channels = append(channels, channel)
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	return channels, nil
}

func (s *Store) ListRecentMessages(_ context.Context, channelID string, limit int) ([]ports.FederatedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	messages := make([]ports.FederatedMessage, 0)
	for _, message := range s.messages {
		if message.ChannelID == channelID {
			messages = append(messages, message)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].SentAt.After(messages[j].SentAt) })
	if len(messages) > limit {
		messages = messages[:limit]
	}
	// chronological order for import stability
	sort.Slice(messages, func(i, j int) bool { return messages[i].SentAt.Before(messages[j].SentAt) })
	return messages, nil
}

// --- local seeding (the CRUD lifecycle lives outside this subsystem) ---

func (s *Store) SeedLocalServer(name string, description string) ports.FederatedServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	server := ports.FederatedServer{
		ServerID:    uuid.NewString(),
		Name:        name,
		Description: description,
		Mirror:      false,
		UpdatedAt:   s.nowFn().UTC(),
	}
	s.servers[server.ServerID] = server
	return server
}

func (s *Store) SeedLocalChannel(serverID string, name string, topic string) ports.FederatedChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel := ports.FederatedChannel{
		ChannelID: uuid.NewString(),
		ServerID:  serverID,
		Name:      name,
		Topic:     topic,
		Mirror:    false,
		UpdatedAt: s.nowFn().UTC(),
	}
	s.channels[channel.ChannelID] = channel
	return channel
}

func (s *Store) SeedLocalMessage(channelID string, senderName string, content string, sentAt time.Time) ports.FederatedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := ports.FederatedMessage{
		MessageID:  uuid.NewString(),
		ChannelID:  channelID,
		SenderName: senderName,
		Content:    content,
		Mirror:     false,
		SentAt:     sentAt.UTC(),
	}
	s.messages[message.MessageID] = message
	return message
}

func (s *Store) streamLock(originDomain string, streamID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey(originDomain, streamID)
	lock, ok := s.streamLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.streamLocks[key] = lock
	}
	return lock
}

func (s *Store) outboxLock(eventID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.outboxLocks[eventID]
	if !ok {
		lock = &sync.Mutex{}
		s.outboxLocks[eventID] = lock
	}
	return lock
}

func streamKey(originDomain string, streamID string) string {
	return strings.ToLower(originDomain) + "|" + streamID
}

func remoteKey(originDomain string, remoteID string) string {
	return strings.ToLower(originDomain) + "|" + remoteID
}
