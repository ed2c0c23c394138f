package entities

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	domainerrors "parley/contexts/federation/messaging-sync/domain/errors"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusDelivered OutboxStatus = "delivered"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// Terminal reports whether the row will never be dispatched again.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxStatusDelivered || s == OutboxStatusFailed
}

const maxBackoff = 15 * time.Minute

// OutboxEvent is the durable delivery task for one locally-generated event.
// TargetDomains is fixed at enqueue time; DeliveredDomains grows toward it
// across attempts and the row only reaches delivered when they are equal.
type OutboxEvent struct {
	EventID          string
	EventType        string
	StreamID         string
	Sequence         int64
	Payload          json.RawMessage
	TargetDomains    []string
	DeliveredDomains []string
	AttemptCount     int
	MaxAttempts      int
	Status           OutboxStatus
	NextRetryAt      time.Time
	LastError        string
	DispatchedAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func NewOutboxEvent(
	eventID string,
	eventType string,
	streamID string,
	sequence int64,
	payload json.RawMessage,
	targetDomains []string,
	maxAttempts int,
	now time.Time,
) (OutboxEvent, error) {
	if strings.TrimSpace(eventID) == "" ||
		strings.TrimSpace(eventType) == "" ||
		strings.TrimSpace(streamID) == "" ||
		sequence <= 0 ||
		len(targetDomains) == 0 {
		return OutboxEvent{}, domainerrors.ErrInvalidEvent
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}

	targets := normalizeDomains(targetDomains)
	return OutboxEvent{
		EventID:       eventID,
		EventType:     eventType,
		StreamID:      streamID,
		Sequence:      sequence,
		Payload:       payload,
		TargetDomains: targets,
		AttemptCount:  0,
		MaxAttempts:   maxAttempts,
		Status:        OutboxStatusPending,
		NextRetryAt:   now.UTC(),
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}, nil
}

// PendingDomains returns targets not yet confirmed delivered.
func (o OutboxEvent) PendingDomains() []string {
	delivered := make(map[string]struct{}, len(o.DeliveredDomains))
	for _, domain := range o.DeliveredDomains {
		delivered[domain] = struct{}{}
	}
	pending := make([]string, 0, len(o.TargetDomains))
	for _, domain := range o.TargetDomains {
		if _, ok := delivered[domain]; !ok {
			pending = append(pending, domain)
		}
	}
	return pending
}

// RecordAttempt folds one delivery attempt into the row: merges the domains
// that succeeded, then resolves status per the outbox state machine.
func (o OutboxEvent) RecordAttempt(
	succeeded []string,
	attemptErr string,
	backoffBase time.Duration,
	now time.Time,
) OutboxEvent {
	merged := normalizeDomains(append(append([]string(nil), o.DeliveredDomains...), succeeded...))
	o.DeliveredDomains = merged
	o.AttemptCount++
	o.UpdatedAt = now.UTC()
	dispatched := now.UTC()
	o.DispatchedAt = &dispatched

	if len(o.PendingDomains()) == 0 {
		o.Status = OutboxStatusDelivered
		o.LastError = ""
		return o
	}

	o.LastError = attemptErr
	if o.AttemptCount >= o.MaxAttempts {
		o.Status = OutboxStatusFailed
		return o
	}
	o.Status = OutboxStatusPending
	o.NextRetryAt = now.UTC().Add(Backoff(backoffBase, o.AttemptCount))
	return o
}

// Backoff returns min(base * 2^(attempt-1), 15m) for attempt >= 1.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func normalizeDomains(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, domain := range domains {
		value := strings.ToLower(strings.TrimSpace(domain))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
