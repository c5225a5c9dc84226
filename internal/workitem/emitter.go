package workitem

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"triage/internal/logging"
	"triage/internal/queue"
	"triage/internal/utils/id"
)

// QueueEmitter publishes items onto the work-item queue for the downstream
// tracker integration to consume.
type QueueEmitter struct {
	queue queue.Queue
}

var _ Emitter = (*QueueEmitter)(nil)

// NewQueueEmitter wires the emitter to a queue (normally WorkItemQueue).
func NewQueueEmitter(q queue.Queue) *QueueEmitter {
	return &QueueEmitter{queue: q}
}

func (e *QueueEmitter) Emit(ctx context.Context, item Item) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}
	return e.queue.Enqueue(ctx, queue.Envelope{
		ID:   id.NewJobID(),
		Key:  strconv.FormatInt(item.ThreadID, 10),
		Body: body,
	})
}

// InProcessEmitter delegates to a caller-supplied create function, for
// deployments where the tracker client lives in the same process.
type InProcessEmitter struct {
	create func(ctx context.Context, item Item) error
}

var _ Emitter = (*InProcessEmitter)(nil)

// NewInProcessEmitter wraps a synchronous creator.
func NewInProcessEmitter(create func(ctx context.Context, item Item) error) *InProcessEmitter {
	return &InProcessEmitter{create: create}
}

func (e *InProcessEmitter) Emit(ctx context.Context, item Item) error {
	return e.create(ctx, item)
}

// LogEmitter writes the item to the log and nothing else. Used in
// environments without a tracker integration, and in tests.
type LogEmitter struct {
	logger logging.Logger
}

var _ Emitter = (*LogEmitter)(nil)

// NewLogEmitter builds an in-process emitter.
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{logger: logging.NewComponentLogger("workitem")}
}

func (e *LogEmitter) Emit(_ context.Context, item Item) error {
	fp := item.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	e.logger.Info("work item: thread=%s type=%s title=%q fingerprint=%s",
		item.ThreadPublicID, item.Type, item.Title, fp)
	return nil
}
