package entities

import (
	"encoding/json"
	"strings"
	"time"

	domainerrors "parley/contexts/federation/messaging-sync/domain/errors"
)

// FederatedEvent is one row of the append-only idempotency ledger.
// Storing the row at most once per EventID is what makes at-least-once
// delivery safe to replay.
type FederatedEvent struct {
	EventID      string
	OriginDomain string
	EventType    string
	StreamID     string
	Sequence     int64
	Payload      json.RawMessage
	ReceivedAt   time.Time
}

func NewFederatedEvent(
	eventID string,
	originDomain string,
	eventType string,
	streamID string,
	sequence int64,
	payload json.RawMessage,
	receivedAt time.Time,
) (FederatedEvent, error) {
	if strings.TrimSpace(eventID) == "" ||
		strings.TrimSpace(originDomain) == "" ||
		strings.TrimSpace(eventType) == "" ||
		strings.TrimSpace(streamID) == "" {
		return FederatedEvent{}, domainerrors.ErrInvalidEvent
	}
	if sequence <= 0 {
		return FederatedEvent{}, domainerrors.ErrInvalidEvent
	}
	return FederatedEvent{
		EventID:      eventID,
		OriginDomain: strings.ToLower(strings.TrimSpace(originDomain)),
		EventType:    eventType,
		StreamID:     streamID,
		Sequence:     sequence,
		Payload:      payload,
		ReceivedAt:   receivedAt.UTC(),
	}, nil
}

// StreamPosition tracks the highest sequence applied (not merely received)
// for one (origin_domain, stream_id) pair.
type StreamPosition struct {
	OriginDomain string
	StreamID     string
	LastSequence int64
	UpdatedAt    time.Time
}

// StreamClass is the ordering classification of an incoming sequence
// relative to the stream's last applied position.
type StreamClass string

const (
	StreamClassNext  StreamClass = "next"
	StreamClassStale StreamClass = "stale"
	StreamClassGap   StreamClass = "gap"
)

// ClassifySequence applies the per-stream ordering rule: at or below the
// position is stale, exactly one past it is next, anything further is a gap.
func ClassifySequence(lastApplied int64, incoming int64) StreamClass {
	switch {
	case incoming <= lastApplied:
		return StreamClassStale
	case incoming == lastApplied+1:
		return StreamClassNext
	default:
		return StreamClassGap
	}
}
