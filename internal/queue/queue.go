// Package queue carries asynchronous batch run requests over RabbitMQ.
package queue

import (
	"context"
	"errors"
)

const (
	RunQueue = "batch.run"
	// RunDLQ receives run requests that can never succeed.
	RunDLQ = "dlq.batch.run"

	dlxExchangeName = "batchengine.dlx"
	runRoutingKey   = "batch.run"

	queueMaxPriority int32 = 2
)

type Publisher interface {
	Publish(ctx context.Context, msg RunMessage) error
	Close() error
}

// MessageHandler handles one consumed run request. Returning an error wrapped with Reject
// dead-letters the message; any other error requeues it.
type MessageHandler func(ctx context.Context, msg RunMessage) error

type Consumer interface {
	Consume(ctx context.Context, handler MessageHandler) error
	Close() error
}

type rejectError struct {
	err error
}

func (e *rejectError) Error() string { return "rejected: " + e.err.Error() }

func (e *rejectError) Unwrap() error { return e.err }

// Reject marks err as permanent so the consumer dead-letters the message instead of requeueing.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectError{err: err}
}

func IsRejected(err error) bool {
	var r *rejectError
	return errors.As(err, &r)
}

// PriorityValue maps a run trigger to a RabbitMQ message priority; operator requests beat
// scheduled runs.
func PriorityValue(trigger Trigger) uint8 {
	switch trigger {
	case TriggerAPI:
		return 2
	case TriggerScheduler:
		return 1
	default:
		return 0
	}
}
