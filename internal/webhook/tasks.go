package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TaskProcessEvent is the asynq task type for processing one stored event.
const TaskProcessEvent = "webhook:process"

type processPayload struct {
	EventID uuid.UUID `json:"event_id"`
}

// NewProcessTask builds the asynq task carrying one event ID.
func NewProcessTask(eventID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(processPayload{EventID: eventID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProcessEvent, payload, asynq.MaxRetry(3), asynq.Timeout(time.Minute)), nil
}

// Dispatcher hands stored events to the processor, through the task queue
// when one is configured and inline on a goroutine otherwise. Retries for
// processing failures are owned by the scheduler, not the queue; the queue's
// own retry only covers enqueue-side infrastructure errors.
type Dispatcher struct {
	Client    *asynq.Client
	Processor *Processor
	Logger    zerolog.Logger
}

// Dispatch schedules processing of the event.
func (d Dispatcher) Dispatch(ctx context.Context, eventID uuid.UUID) error {
	if d.Client != nil {
		task, err := NewProcessTask(eventID)
		if err != nil {
			return err
		}
		if _, err := d.Client.EnqueueContext(ctx, task); err != nil {
			return fmt.Errorf("enqueue %s: %w", TaskProcessEvent, err)
		}
		return nil
	}
	if d.Processor == nil {
		return ErrStoreUnavailable
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := d.Processor.Process(ctx, eventID); err != nil {
			d.Logger.Error().Err(err).Stringer("event_id", eventID).Msg("inline event processing failed")
		}
	}()
	return nil
}

// NewProcessHandler adapts the processor to an asynq handler.
func NewProcessHandler(p *Processor) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload processPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", TaskProcessEvent, err, asynq.SkipRetry)
		}
		return p.Process(ctx, payload.EventID)
	}
}
