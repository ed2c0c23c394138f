package jobs

import (
	"context"
	"log/slog"
	"sync"

	"parley/contexts/federation/messaging-sync/ports"
)

// Handler consumes one job of a registered kind.
type Handler func(ctx context.Context, job ports.Job) error

// Queue is the in-process background job scheduler used to trigger outbox
// dispatch right after enqueue instead of waiting for the next poll cycle.
// Jobs are deduplicated on Key while queued; the durable outbox row is the
// source of truth, so a dropped job only delays delivery.
type Queue struct {
	mu       sync.Mutex
	pending  map[string]struct{}
	items    chan ports.Job
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewQueue(capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		pending:  make(map[string]struct{}),
		items:    make(chan ports.Job, capacity),
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

func (q *Queue) Register(kind string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

func (q *Queue) Enqueue(_ context.Context, job ports.Job) error {
	q.mu.Lock()
	if job.Key != "" {
		if _, queued := q.pending[job.Key]; queued {
			q.mu.Unlock()
			return nil
		}
		q.pending[job.Key] = struct{}{}
	}
	q.mu.Unlock()

	select {
	case q.items <- job:
		return nil
	default:
		q.release(job.Key)
		q.logger.Warn("dropping job, queue full",
			"event", "job_queue_drop",
			"module", "internal/platform/jobs",
			"layer", "platform",
			"kind", job.Kind,
			"key", job.Key,
		)
		return nil
	}
}

// Start consumes jobs until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-q.items:
				q.release(job.Key)

				q.mu.Lock()
				handler := q.handlers[job.Kind]
				q.mu.Unlock()
				if handler == nil {
					q.logger.Warn("no handler registered for job kind",
						"event", "job_queue_unhandled",
						"module", "internal/platform/jobs",
						"layer", "platform",
						"kind", job.Kind,
					)
					continue
				}

				if err := handler(ctx, job); err != nil {
					q.logger.Error("job handler failed",
						"event", "job_queue_handler_failed",
						"module", "internal/platform/jobs",
						"layer", "platform",
						"kind", job.Kind,
						"key", job.Key,
						"error", err.Error(),
					)
				}
			}
		}
	}()
}

func (q *Queue) release(key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	delete(q.pending, key)
	q.mu.Unlock()
}
