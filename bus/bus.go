// Package bus carries pipeline messages between producers, the core handlers
// and the external analyzer.
//
// Consumers acknowledge every message once its handler has returned, whatever
// the outcome. Handlers are expected to be idempotent; a message that keeps
// failing is retried under the AckPolicy and then acknowledged so a partition
// never stalls behind it.
package bus

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Handler processes one message. A nil return, or any error once the AckPolicy
// gives up, leads to acknowledgment.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte) error
}

// Consumer delivers messages of topic to h until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, topic string, h Handler) error
}

// AckPolicy bounds redelivery of a message whose handler fails with a
// retryable error. Non-retryable errors are acknowledged immediately.
type AckPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Retryable reports whether err is worth another attempt. Nil means no error is.
	Retryable func(error) bool
}

// Process runs h for msg under the policy and returns the number of attempts and
// the last error. The caller acknowledges msg afterwards in every case.
func (p AckPolicy) Process(ctx context.Context, msg Message, h Handler) (int, error) {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		err = h(ctx, msg)
		if err == nil {
			return attempt, nil
		}
		if p.Retryable == nil || !p.Retryable(err) || attempt == max {
			return attempt, err
		}
		wait := p.Backoff * time.Duration(attempt)
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return max, err
}

func logOutcome(logger *zap.Logger, msg Message, attempts int, err error) {
	if err == nil {
		return
	}
	logger.Error("message acknowledged after handler failure",
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.ByteString("key", msg.Key),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}
