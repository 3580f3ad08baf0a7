package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes to any topic; partitions are chosen by key hash.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, key []byte, value []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: value})
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

// KafkaConsumer runs Readers group members per topic. Offsets are committed
// explicitly after each message is processed.
type KafkaConsumer struct {
	brokers []string
	group   string
	readers int
	policy  AckPolicy
	logger  *zap.Logger
}

type KafkaConsumerOptions struct {
	Brokers []string
	Group   string
	Readers int
	Policy  AckPolicy
}

func NewKafkaConsumer(logger *zap.Logger, opts KafkaConsumerOptions) (*KafkaConsumer, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if opts.Readers <= 0 {
		opts.Readers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaConsumer{
		brokers: opts.Brokers,
		group:   opts.Group,
		readers: opts.Readers,
		policy:  opts.Policy,
		logger:  logger.Named("kafka"),
	}, nil
}

func (c *KafkaConsumer) Consume(ctx context.Context, topic string, h Handler) error {
	var wg sync.WaitGroup
	errs := make([]error, c.readers)
	for i := 0; i < c.readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.run(ctx, topic, h)
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (c *KafkaConsumer) run(ctx context.Context, topic string, h Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.brokers,
		GroupID:  c.group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	defer r.Close()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("fetch failed", zap.String("topic", topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		msg := Message{
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Value:     m.Value,
			Time:      m.Time,
		}
		attempts, herr := c.policy.Process(ctx, msg, h)
		logOutcome(c.logger, msg, attempts, herr)
		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("commit failed", zap.String("topic", topic), zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}
