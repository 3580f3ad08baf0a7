package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"log-correlator/bus"
)

// Retryable reports whether a handler error is worth redelivering. Only an
// unreachable store is.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ConsumerPolicy is the bus.AckPolicy the stream handlers are written for.
func ConsumerPolicy(maxAttempts int, backoff time.Duration) bus.AckPolicy {
	return bus.AckPolicy{MaxAttempts: maxAttempts, Backoff: backoff, Retryable: Retryable}
}

// StreamHandlers adapts the ingestor and correlator to bus handlers. Handlers
// return nil for everything except ErrUnavailable: malformed messages are
// dead-lettered, duplicates and anomalies are already logged and counted.
type StreamHandlers struct {
	ingestor   *Ingestor
	correlator *Correlator
	dead       *DeadLetterer
	logger     *zap.Logger
}

func NewStreamHandlers(ingestor *Ingestor, correlator *Correlator, dead *DeadLetterer, logger *zap.Logger) *StreamHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandlers{
		ingestor:   ingestor,
		correlator: correlator,
		dead:       dead,
		logger:     logger.Named("consumer"),
	}
}

func (h *StreamHandlers) HandleIngestion(ctx context.Context, msg bus.Message) error {
	var ev IngestEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return h.reject(ctx, StreamIngestion, msg, fmt.Errorf("decode ingestion event: %w", err))
	}
	res, err := h.ingestor.Ingest(ctx, ev)
	switch {
	case err == nil:
		h.logger.Debug("ingestion handled",
			zap.String("eventId", ev.EventID),
			zap.Uint("logId", res.Entry.ID),
			zap.Bool("duplicate", res.Duplicate),
			zap.Int64("offset", msg.Offset),
		)
		return nil
	case IsValidation(err):
		return h.reject(ctx, StreamIngestion, msg, err)
	case Retryable(err):
		return err
	default:
		h.logger.Error("ingestion failed", zap.String("eventId", ev.EventID), zap.Error(err))
		return nil
	}
}

func (h *StreamHandlers) HandleResult(ctx context.Context, msg bus.Message) error {
	var m AnalysisResultMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return h.reject(ctx, StreamResult, msg, fmt.Errorf("decode analysis result: %w", err))
	}
	_, err := h.correlator.Correlate(ctx, m)
	switch {
	case err == nil, IsAnomaly(err):
		return nil
	case IsValidation(err):
		return h.reject(ctx, StreamResult, msg, err)
	case Retryable(err):
		return err
	default:
		h.logger.Error("result correlation failed", zap.String("requestId", m.RequestID), zap.Error(err))
		return nil
	}
}

func (h *StreamHandlers) reject(ctx context.Context, stream string, msg bus.Message, reason error) error {
	if h.dead == nil {
		h.logger.Warn("message dropped",
			zap.String("stream", stream),
			zap.Int64("offset", msg.Offset),
			zap.Error(reason),
		)
		return nil
	}
	if err := h.dead.Record(ctx, stream, msg, reason); err != nil {
		if Retryable(err) {
			return err
		}
		h.logger.Error("dead letter not recorded", zap.String("stream", stream), zap.Error(err))
	}
	return nil
}
