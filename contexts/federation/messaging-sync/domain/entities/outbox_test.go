package entities

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 30 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, 15 * time.Minute},
		{10, 15 * time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(base, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}

	if got := Backoff(0, 1); got != 30*time.Second {
		t.Fatalf("expected default base 30s, got %s", got)
	}
}

func TestNewOutboxEventNormalizesTargets(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event, err := NewOutboxEvent("evt-1", "message.create", "channel:ch-1", 1, []byte(`{}`),
		[]string{"Beta.Test", "alpha.test", "beta.test", " "}, 0, now)
	if err != nil {
		t.Fatalf("new outbox event failed: %v", err)
	}
	if len(event.TargetDomains) != 2 || event.TargetDomains[0] != "alpha.test" || event.TargetDomains[1] != "beta.test" {
		t.Fatalf("expected deduped sorted lowercase targets, got %v", event.TargetDomains)
	}
	if event.MaxAttempts != 8 {
		t.Fatalf("expected default max attempts 8, got %d", event.MaxAttempts)
	}
	if event.Status != OutboxStatusPending {
		t.Fatalf("expected pending status, got %s", event.Status)
	}
	if !event.NextRetryAt.Equal(now) {
		t.Fatalf("expected immediately due, got %s", event.NextRetryAt)
	}
}

func TestRecordAttemptPartialThenDelivered(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event, err := NewOutboxEvent("evt-1", "message.create", "channel:ch-1", 1, []byte(`{}`),
		[]string{"alpha.test", "beta.test"}, 3, now)
	if err != nil {
		t.Fatalf("new outbox event failed: %v", err)
	}

	after := event.RecordAttempt([]string{"alpha.test"}, "beta.test: connection refused", 30*time.Second, now)
	if after.Status != OutboxStatusPending {
		t.Fatalf("expected pending after partial success, got %s", after.Status)
	}
	if after.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", after.AttemptCount)
	}
	if pending := after.PendingDomains(); len(pending) != 1 || pending[0] != "beta.test" {
		t.Fatalf("expected only beta.test pending, got %v", pending)
	}
	if !after.NextRetryAt.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("expected next retry at +30s, got %s", after.NextRetryAt)
	}
	if after.LastError == "" {
		t.Fatalf("expected last error recorded")
	}

	later := now.Add(time.Minute)
	done := after.RecordAttempt([]string{"beta.test"}, "", 30*time.Second, later)
	if done.Status != OutboxStatusDelivered {
		t.Fatalf("expected delivered once all targets confirmed, got %s", done.Status)
	}
	if done.LastError != "" {
		t.Fatalf("expected last error cleared on delivery, got %q", done.LastError)
	}
	if done.AttemptCount != 2 {
		t.Fatalf("expected attempt count 2, got %d", done.AttemptCount)
	}
}

func TestRecordAttemptExhaustionIsTerminal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event, err := NewOutboxEvent("evt-1", "message.create", "channel:ch-1", 1, []byte(`{}`),
		[]string{"beta.test"}, 2, now)
	if err != nil {
		t.Fatalf("new outbox event failed: %v", err)
	}

	first := event.RecordAttempt(nil, "beta.test: timeout", 30*time.Second, now)
	if first.Status != OutboxStatusPending {
		t.Fatalf("expected pending after first failure, got %s", first.Status)
	}

	second := first.RecordAttempt(nil, "beta.test: timeout", 30*time.Second, now.Add(time.Minute))
	if second.Status != OutboxStatusFailed {
		t.Fatalf("expected failed at max attempts, got %s", second.Status)
	}
	if !second.Status.Terminal() {
		t.Fatalf("expected failed to be terminal")
	}
	if second.LastError == "" {
		t.Fatalf("expected last error preserved on terminal failure")
	}
}
