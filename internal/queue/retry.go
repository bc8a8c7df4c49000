package queue

import (
	"context"
	"errors"

	"github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
)

// Job outcomes as reported to metrics.
const (
	OutcomeAck   = "ack"
	OutcomeRetry = "retry"
	OutcomeDLQ   = "dlq"
	OutcomeNack  = "nack"
)

// MaxRetries is how often a failing job is redelivered before it is parked
// in the dead letter queue.
const MaxRetries = 10

func retriesOf(headers amqp091.Table) int {
	switch v := headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Settle acks a processed delivery or routes a failed one to the retry or
// dead letter queue. Malformed jobs skip the retries.
func Settle(ctx context.Context, ch Publisher, msg amqp091.Delivery, queueName string, processingErr error) string {
	if processingErr == nil {
		if err := msg.Ack(false); err != nil {
			logger.Error("[Queue] Failed to ack message", "err", err)
		}
		return OutcomeAck
	}

	retries := retriesOf(msg.Headers)
	if retries >= MaxRetries || errors.Is(processingErr, ErrMalformedJob) {
		dlqName := queueName + "_dlq"
		logger.Info("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", retries)
		pubErr := ch.PublishWithContext(ctx, "", dlqName, false, false, amqp091.Publishing{
			ContentType: msg.ContentType,
			Body:        msg.Body,
			Headers:     msg.Headers,
		})
		if pubErr != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			_ = msg.Nack(false, true)
			return OutcomeNack
		}
		_ = msg.Ack(false)
		return OutcomeDLQ
	}

	retryName := queueName + "_retry"
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.PublishWithContext(ctx, "", retryName, false, false, amqp091.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
	})
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		_ = msg.Nack(false, true)
		return OutcomeNack
	}
	_ = msg.Ack(false)
	return OutcomeRetry
}
