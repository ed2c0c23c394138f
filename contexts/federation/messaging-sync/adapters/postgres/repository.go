package postgresadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"parley/contexts/federation/messaging-sync/domain/entities"
	domainerrors "parley/contexts/federation/messaging-sync/domain/errors"
	"parley/contexts/federation/messaging-sync/ports"
	contractsv1 "parley/contracts/gen/federation/v1"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// withTx returns a repository bound to the transaction, so callbacks that
// receive an EntityStore write through the same transaction.
func (r *Repository) withTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx, logger: r.logger}
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

type UUIDGenerator struct{}

func (UUIDGenerator) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

// --- EventRepository ---

func (r *Repository) ClaimEvent(ctx context.Context, event entities.FederatedEvent) (bool, error) {
	row := eventModelFromEntity(event)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) ArchiveEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	archived := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []eventModel
		if err := tx.
			Where("received_at < ?", cutoff.UTC()).
			Find(&rows).
			Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		for _, row := range rows {
			archiveRow := eventArchiveModel(row)
			if err := tx.
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "event_id"}},
					DoNothing: true,
				}).
				Create(&archiveRow).
				Error; err != nil {
				return err
			}
		}

		result := tx.
			Where("received_at < ?", cutoff.UTC()).
			Delete(&eventModel{})
		if result.Error != nil {
			return result.Error
		}
		archived = int(result.RowsAffected)
		return nil
	})
	return archived, err
}

// --- StreamRepository ---

func (r *Repository) NextSequence(ctx context.Context, streamID string) (int64, error) {
	row := streamCounterModel{
		StreamID:     streamID,
		NextSequence: 1,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "stream_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"next_sequence": gorm.Expr("federation_stream_counters.next_sequence + 1"),
			}),
		}).
		Clauses(clause.Returning{}).
		Create(&row).
		Error
	if err != nil {
		return 0, err
	}
	return row.NextSequence, nil
}

func (r *Repository) ApplyAt(
	ctx context.Context,
	originDomain string,
	streamID string,
	sequence int64,
	apply func(ctx context.Context, store ports.EntityStore) error,
) (entities.StreamClass, error) {
	var class entities.StreamClass
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		seed := streamPositionModel{
			OriginDomain: originDomain,
			StreamID:     streamID,
			LastSequence: 0,
			UpdatedAt:    now,
		}
		if err := tx.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "origin_domain"}, {Name: "stream_id"}},
				DoNothing: true,
			}).
			Create(&seed).
			Error; err != nil {
			return err
		}

		var row streamPositionModel
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("origin_domain = ? AND stream_id = ?", originDomain, streamID).
			First(&row).
			Error; err != nil {
			return err
		}

		class = entities.ClassifySequence(row.LastSequence, sequence)
		if class != entities.StreamClassNext {
			return nil
		}

		if err := apply(ctx, r.withTx(tx)); err != nil {
			return err
		}

		return tx.
			Model(&streamPositionModel{}).
			Where("origin_domain = ? AND stream_id = ?", originDomain, streamID).
			Updates(map[string]any{
				"last_sequence": sequence,
				"updated_at":    now,
			}).
			Error
	})
	if err != nil {
		return "", err
	}
	return class, nil
}

// SetPosition advances the stream position to sequence. Positions never move
// backwards: concurrent recoveries on the same stream race to this write, and
// the losing (lower) sequence must not undo the winner.
func (r *Repository) SetPosition(ctx context.Context, originDomain string, streamID string, sequence int64) error {
	row := streamPositionModel{
		OriginDomain: originDomain,
		StreamID:     streamID,
		LastSequence: sequence,
		UpdatedAt:    time.Now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "origin_domain"}, {Name: "stream_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_sequence": gorm.Expr("GREATEST(federation_stream_positions.last_sequence, ?)", sequence),
				"updated_at":    row.UpdatedAt,
			}),
		}).
		Create(&row).
		Error
}

func (r *Repository) Position(ctx context.Context, originDomain string, streamID string) (int64, error) {
	var row streamPositionModel
	err := r.db.WithContext(ctx).
		Where("origin_domain = ? AND stream_id = ?", originDomain, streamID).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return row.LastSequence, nil
}

// --- OutboxRepository ---

func (r *Repository) Enqueue(ctx context.Context, event entities.OutboxEvent) error {
	row, err := outboxModelFromEntity(event)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil && !isUniqueViolation(result.Error) {
		return result.Error
	}
	return nil
}

func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]entities.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND attempt_count < max_attempts AND next_retry_at <= ?",
			string(entities.OutboxStatusPending), now.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).
		Error; err != nil {
		return nil, err
	}

	items := make([]entities.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		item, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *Repository) ProcessLocked(
	ctx context.Context,
	eventID string,
	fn func(ctx context.Context, event entities.OutboxEvent) (entities.OutboxEvent, error),
) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row outboxModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("event_id = ?", eventID).
			First(&row).
			Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainerrors.ErrOutboxEventNotFound
			}
			return err
		}

		event, err := row.toEntity()
		if err != nil {
			return err
		}
		if event.Status.Terminal() {
			return nil
		}

		updated, err := fn(ctx, event)
		if err != nil {
			return err
		}

		updatedRow, err := outboxModelFromEntity(updated)
		if err != nil {
			return err
		}
		return tx.Save(&updatedRow).Error
	})
}

func (r *Repository) PruneTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{string(entities.OutboxStatusDelivered), string(entities.OutboxStatusFailed)},
			cutoff.UTC()).
		Delete(&outboxModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// --- UnitOfWork ---

func (r *Repository) WithinTransaction(
	ctx context.Context,
	fn func(ctx context.Context, store ports.EntityStore) error,
) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, r.withTx(tx))
	})
}

// --- EntityStore ---

func (r *Repository) UpsertRemoteServer(
	ctx context.Context,
	originDomain string,
	server contractsv1.ServerRef,
	now time.Time,
) (ports.FederatedServer, error) {
	row := serverModel{
		ServerID:     uuid.NewString(),
		OriginDomain: originDomain,
		RemoteID:     server.RemoteID,
		Name:         server.Name,
		Description:  server.Description,
		Mirror:       true,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "origin_domain"}, {Name: "remote_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"name":        server.Name,
				"description": server.Description,
				"updated_at":  now.UTC(),
			}),
		}).
		Create(&row)
	if result.Error != nil {
		return ports.FederatedServer{}, result.Error
	}

	var stored serverModel
	if err := r.db.WithContext(ctx).
		Where("origin_domain = ? AND remote_id = ?", originDomain, server.RemoteID).
		First(&stored).
		Error; err != nil {
		return ports.FederatedServer{}, err
	}
	return stored.toPort(), nil
}

func (r *Repository) UpsertRemoteChannel(
	ctx context.Context,
	originDomain string,
	serverID string,
	channel contractsv1.ChannelRef,
	now time.Time,
) (ports.FederatedChannel, error) {
	row := channelModel{
		ChannelID:    uuid.NewString(),
		ServerID:     serverID,
		OriginDomain: originDomain,
		RemoteID:     channel.RemoteID,
		Name:         channel.Name,
		Topic:        channel.Topic,
		Mirror:       true,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "origin_domain"}, {Name: "remote_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"name":       channel.Name,
				"topic":      channel.Topic,
				"updated_at": now.UTC(),
			}),
		}).
		Create(&row)
	if result.Error != nil {
		return ports.FederatedChannel{}, result.Error
	}

	var stored channelModel
	if err := r.db.WithContext(ctx).
		Where("origin_domain = ? AND remote_id = ?", originDomain, channel.RemoteID).
		First(&stored).
		Error; err != nil {
		return ports.FederatedChannel{}, err
	}
	return stored.toPort(), nil
}

func (r *Repository) UpsertRemoteMessage(
	ctx context.Context,
	originDomain string,
	channelID string,
	message contractsv1.MessageRef,
	now time.Time,
) (bool, error) {
	row := messageModel{
		MessageID:    uuid.NewString(),
		ChannelID:    channelID,
		OriginDomain: originDomain,
		RemoteID:     message.RemoteID,
		SenderName:   message.SenderName,
		Content:      message.Content,
		Mirror:       true,
		SentAt:       message.SentAt.UTC(),
		CreatedAt:    now.UTC(),
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "origin_domain"}, {Name: "remote_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) GetServer(ctx context.Context, serverID string) (ports.FederatedServer, error) {
	var row serverModel
	err := r.db.WithContext(ctx).
		Where("server_id = ?", serverID).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.FederatedServer{}, domainerrors.ErrServerNotFound
		}
		return ports.FederatedServer{}, err
	}
	return row.toPort(), nil
}

func (r *Repository) GetChannel(ctx context.Context, channelID string) (ports.FederatedChannel, error) {
	var row channelModel
	err := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.FederatedChannel{}, domainerrors.ErrChannelNotFound
		}
		return ports.FederatedChannel{}, err
	}
	return row.toPort(), nil
}

func (r *Repository) GetMessage(ctx context.Context, messageID string) (ports.FederatedMessage, error) {
	var row messageModel
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.FederatedMessage{}, domainerrors.ErrMessageNotFound
		}
		return ports.FederatedMessage{}, err
	}
	return row.toPort(), nil
}

func (r *Repository) ListChannels(ctx context.Context, serverID string) ([]ports.FederatedChannel, error) {
	var rows []channelModel
	if err := r.db.WithContext(ctx).
		Where("server_id = ?", serverID).
		Order("name ASC").
		Find(&rows).
		Error; err != nil {
		return nil, err
	}
	items := make([]ports.FederatedChannel, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toPort())
	}
	return items, nil
}

func (r *Repository) ListRecentMessages(ctx context.Context, channelID string, limit int) ([]ports.FederatedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []messageModel
	if err := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("sent_at DESC").
		Limit(limit).
		Find(&rows).
		Error; err != nil {
		return nil, err
	}

	// chronological order for import stability
	items := make([]ports.FederatedMessage, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		items = append(items, rows[i].toPort())
	}
	return items, nil
}

// --- models ---

type eventModel struct {
	EventID      string    `gorm:"column:event_id;primaryKey"`
	OriginDomain string    `gorm:"column:origin_domain"`
	EventType    string    `gorm:"column:event_type"`
	StreamID     string    `gorm:"column:stream_id"`
	Sequence     int64     `gorm:"column:sequence"`
	Payload      []byte    `gorm:"column:payload"`
	ReceivedAt   time.Time `gorm:"column:received_at"`
}

func (eventModel) TableName() string {
	return "federation_events"
}

func eventModelFromEntity(event entities.FederatedEvent) eventModel {
	return eventModel{
		EventID:      event.EventID,
		OriginDomain: event.OriginDomain,
		EventType:    event.EventType,
		StreamID:     event.StreamID,
		Sequence:     event.Sequence,
		Payload:      append([]byte(nil), event.Payload...),
		ReceivedAt:   event.ReceivedAt.UTC(),
	}
}

type eventArchiveModel eventModel

func (eventArchiveModel) TableName() string {
	return "federation_events_archive"
}

type streamPositionModel struct {
	OriginDomain string    `gorm:"column:origin_domain;primaryKey"`
	StreamID     string    `gorm:"column:stream_id;primaryKey"`
	LastSequence int64     `gorm:"column:last_sequence"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (streamPositionModel) TableName() string {
	return "federation_stream_positions"
}

type streamCounterModel struct {
	StreamID     string `gorm:"column:stream_id;primaryKey"`
	NextSequence int64  `gorm:"column:next_sequence"`
}

func (streamCounterModel) TableName() string {
	return "federation_stream_counters"
}

type outboxModel struct {
	EventID          string     `gorm:"column:event_id;primaryKey"`
	EventType        string     `gorm:"column:event_type"`
	StreamID         string     `gorm:"column:stream_id"`
	Sequence         int64      `gorm:"column:sequence"`
	Payload          []byte     `gorm:"column:payload"`
	TargetDomains    []byte     `gorm:"column:target_domains"`
	DeliveredDomains []byte     `gorm:"column:delivered_domains"`
	AttemptCount     int        `gorm:"column:attempt_count"`
	MaxAttempts      int        `gorm:"column:max_attempts"`
	Status           string     `gorm:"column:status"`
	NextRetryAt      time.Time  `gorm:"column:next_retry_at"`
	LastError        string     `gorm:"column:last_error"`
	DispatchedAt     *time.Time `gorm:"column:dispatched_at"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (outboxModel) TableName() string {
	return "federation_outbox"
}

func outboxModelFromEntity(event entities.OutboxEvent) (outboxModel, error) {
	targets, err := json.Marshal(event.TargetDomains)
	if err != nil {
		return outboxModel{}, err
	}
	delivered, err := json.Marshal(event.DeliveredDomains)
	if err != nil {
		return outboxModel{}, err
	}
	return outboxModel{
		EventID:          event.EventID,
		EventType:        event.EventType,
		StreamID:         event.StreamID,
		Sequence:         event.Sequence,
		Payload:          append([]byte(nil), event.Payload...),
		TargetDomains:    targets,
		DeliveredDomains: delivered,
		AttemptCount:     event.AttemptCount,
		MaxAttempts:      event.MaxAttempts,
		Status:           string(event.Status),
		NextRetryAt:      event.NextRetryAt.UTC(),
		LastError:        event.LastError,
		DispatchedAt:     event.DispatchedAt,
		CreatedAt:        event.CreatedAt.UTC(),
		UpdatedAt:        event.UpdatedAt.UTC(),
	}, nil
}

func (m outboxModel) toEntity() (entities.OutboxEvent, error) {
	var targets []string
	if len(m.TargetDomains) > 0 {
		if err := json.Unmarshal(m.TargetDomains, &targets); err != nil {
			return entities.OutboxEvent{}, err
		}
	}
	var delivered []string
	if len(m.DeliveredDomains) > 0 {
		if err := json.Unmarshal(m.DeliveredDomains, &delivered); err != nil {
			return entities.OutboxEvent{}, err
		}
	}
	return entities.OutboxEvent{
		EventID:          m.EventID,
		EventType:        m.EventType,
		StreamID:         m.StreamID,
		Sequence:         m.Sequence,
		Payload:          append([]byte(nil), m.Payload...),
		TargetDomains:    targets,
		DeliveredDomains: delivered,
		AttemptCount:     m.AttemptCount,
		MaxAttempts:      m.MaxAttempts,
		Status:           entities.OutboxStatus(m.Status),
		NextRetryAt:      m.NextRetryAt.UTC(),
		LastError:        m.LastError,
		DispatchedAt:     m.DispatchedAt,
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}, nil
}

type serverModel struct {
	ServerID     string    `gorm:"column:server_id;primaryKey"`
	OriginDomain string    `gorm:"column:origin_domain"`
	RemoteID     string    `gorm:"column:remote_id"`
	Name         string    `gorm:"column:name"`
	Description  string    `gorm:"column:description"`
	Mirror       bool      `gorm:"column:mirror"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (serverModel) TableName() string {
	return "federated_servers"
}

func (m serverModel) toPort() ports.FederatedServer {
	return ports.FederatedServer{
		ServerID:     m.ServerID,
		OriginDomain: m.OriginDomain,
		RemoteID:     m.RemoteID,
		Name:         m.Name,
		Description:  m.Description,
		Mirror:       m.Mirror,
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}

type channelModel struct {
	ChannelID    string    `gorm:"column:channel_id;primaryKey"`
	ServerID     string    `gorm:"column:server_id"`
	OriginDomain string    `gorm:"column:origin_domain"`
	RemoteID     string    `gorm:"column:remote_id"`
	Name         string    `gorm:"column:name"`
	Topic        string    `gorm:"column:topic"`
	Mirror       bool      `gorm:"column:mirror"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (channelModel) TableName() string {
	return "federated_channels"
}

func (m channelModel) toPort() ports.FederatedChannel {
	return ports.FederatedChannel{
		ChannelID:    m.ChannelID,
		ServerID:     m.ServerID,
		OriginDomain: m.OriginDomain,
		RemoteID:     m.RemoteID,
		Name:         m.Name,
		Topic:        m.Topic,
		Mirror:       m.Mirror,
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}

type messageModel struct {
	MessageID    string    `gorm:"column:message_id;primaryKey"`
	ChannelID    string    `gorm:"column:channel_id"`
	OriginDomain string    `gorm:"column:origin_domain"`
	RemoteID     string    `gorm:"column:remote_id"`
	SenderName   string    `gorm:"column:sender_name"`
	Content      string    `gorm:"column:content"`
	Mirror       bool      `gorm:"column:mirror"`
	SentAt       time.Time `gorm:"column:sent_at"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (messageModel) TableName() string {
	return "federated_messages"
}

func (m messageModel) toPort() ports.FederatedMessage {
	return ports.FederatedMessage{
		MessageID:    m.MessageID,
		ChannelID:    m.ChannelID,
		OriginDomain: m.OriginDomain,
		RemoteID:     m.RemoteID,
		SenderName:   m.SenderName,
		Content:      m.Content,
		Mirror:       m.Mirror,
		SentAt:       m.SentAt.UTC(),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
