package v1

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the only envelope/snapshot version this runtime speaks.
// Bump together with a compatibility shim, never alone.
const SchemaVersion = 1

const (
	EventTypeServerUpsert  = "server.upsert"
	EventTypeMessageCreate = "message.create"
)

// Envelope is the canonical, versioned wrapper around one federated event.
// This package is generated-contract-only and must stay backward compatible.
type Envelope struct {
	Version      int             `json:"version"`
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	OriginDomain string          `json:"origin_domain"`
	StreamID     string          `json:"stream_id"`
	Sequence     int64           `json:"sequence"`
	SentAt       time.Time       `json:"sent_at"`
	Data         json.RawMessage `json:"data"`
}

// ServerRef identifies a server by the stable identifier its owner assigned.
type ServerRef struct {
	RemoteID    string `json:"remote_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type ChannelRef struct {
	RemoteID string `json:"remote_id"`
	Name     string `json:"name"`
	Topic    string `json:"topic,omitempty"`
}

type MessageRef struct {
	RemoteID   string    `json:"remote_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sent_at"`
}

// ServerUpsertPayload is the Data shape for server.upsert events.
type ServerUpsertPayload struct {
	Server   ServerRef    `json:"server"`
	Channels []ChannelRef `json:"channels"`
}

// MessageCreatePayload is the Data shape for message.create events.
// Server and channel refs ride along so a receiver can materialize the
// enclosing mirror even when the message is the first thing it hears about it.
type MessageCreatePayload struct {
	Server  ServerRef  `json:"server"`
	Channel ChannelRef `json:"channel"`
	Message MessageRef `json:"message"`
}

// Snapshot is the coarse full-state export of one locally-owned server.
type Snapshot struct {
	Version      int               `json:"version"`
	OriginDomain string            `json:"origin_domain"`
	Server       ServerRef         `json:"server"`
	Channels     []ChannelRef      `json:"channels"`
	Messages     []SnapshotMessage `json:"messages"`
}

// SnapshotMessage ties a message to its channel inside a snapshot.
type SnapshotMessage struct {
	ChannelRemoteID string     `json:"channel_remote_id"`
	Message         MessageRef `json:"message"`
}
