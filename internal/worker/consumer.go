package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/metrics"
)

// setupConsumer starts consuming wake-ups tagged with the worker id
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.consumer.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Wake-up consumer started", slog.String("consumer_tag", w.workerID))
	return deliveries, nil
}

// startMessageDispatcher turns job-scheduled messages into wake-ups.
// Malformed messages are rejected without requeue.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			w.handleDelivery(delivery)
		}
	}
}

func (w *Worker) handleDelivery(delivery amqp.Delivery) {
	msg, err := parseWakeUp(delivery.Body)
	if err != nil {
		metrics.WakeUps.WithLabelValues("rejected").Inc()
		w.logger.Error("Rejecting malformed wake-up message",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		w.logger.Error("Failed to ACK wake-up message", slog.Any("error", ackErr))
	}
	metrics.WakeUps.WithLabelValues("accepted").Inc()

	// Scheduled for later: the poll ticker will pick it up.
	if msg.ScheduledAt != nil && msg.ScheduledAt.After(w.now()) {
		w.logger.Debug("Wake-up for future job ignored",
			slog.Int64("job_id", msg.JobID),
			slog.Time("scheduled_at", *msg.ScheduledAt),
		)
		return
	}

	w.logger.Debug("Wake-up received",
		slog.Int64("job_id", msg.JobID),
		slog.String("trace_id", msg.TraceID),
	)
	w.Wake()
}

func parseWakeUp(body []byte) (domain.WakeUp, error) {
	var msg domain.WakeUp
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.JobID <= 0 {
		return msg, fmt.Errorf("invalid job_id %d", msg.JobID)
	}
	if _, err := uuid.Parse(msg.TraceID); err != nil {
		return msg, fmt.Errorf("invalid trace_id %q: %w", msg.TraceID, err)
	}
	return msg, nil
}
