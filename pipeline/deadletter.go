package pipeline

import (
	"context"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"log-correlator/bus"
)

const (
	StreamIngestion = "ingestion"
	StreamResult    = "result"
)

type DeadLetterStore interface {
	RecordDeadLetter(ctx context.Context, dl *DeadLetter) error
}

// DeadLetterer keeps malformed inbound messages, compressed, along with any
// identifiers that can still be read out of them.
type DeadLetterer struct {
	store   DeadLetterStore
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	parser  fastjson.ParserPool
	metrics Metrics
	logger  *zap.Logger
}

func NewDeadLetterer(store DeadLetterStore, logger *zap.Logger, metrics Metrics) (*DeadLetterer, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterer{
		store:   store,
		encoder: enc,
		decoder: dec,
		metrics: metricsOrNop(metrics),
		logger:  logger.Named("deadletter"),
	}, nil
}

// Record stores msg as rejected from stream with reason.
func (d *DeadLetterer) Record(ctx context.Context, stream string, msg bus.Message, reason error) error {
	dl := &DeadLetter{
		Stream:      stream,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Key:         string(msg.Key),
		PayloadZstd: d.encoder.EncodeAll(msg.Value, nil),
		SizeBytes:   len(msg.Value),
	}
	if reason != nil {
		dl.Reason = reason.Error()
	}
	dl.EventID, dl.RequestID = d.extractIDs(msg.Value)

	if err := d.store.RecordDeadLetter(ctx, dl); err != nil {
		return err
	}
	d.metrics.DeadLettered(stream)
	d.logger.Warn("message dead-lettered",
		zap.String("stream", stream),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("eventId", dl.EventID),
		zap.String("requestId", dl.RequestID),
		zap.String("reason", dl.Reason),
	)
	return nil
}

func (d *DeadLetterer) extractIDs(payload []byte) (eventID string, requestID string) {
	p := d.parser.Get()
	defer d.parser.Put(p)
	v, err := p.ParseBytes(payload)
	if err != nil || v.Type() != fastjson.TypeObject {
		return "", ""
	}
	return truncate(string(v.GetStringBytes("eventId")), 64), truncate(string(v.GetStringBytes("requestId")), 64)
}

// Payload returns the original message body of dl.
func (d *DeadLetterer) Payload(dl *DeadLetter) ([]byte, error) {
	return d.decoder.DecodeAll(dl.PayloadZstd, nil)
}

func (d *DeadLetterer) Close() error {
	d.decoder.Close()
	return d.encoder.Close()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
