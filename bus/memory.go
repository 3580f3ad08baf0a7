package bus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrClosed = errors.New("bus closed")
	// ErrQueueFull is returned by MemoryBus.Publish when the partition queue
	// has no room, usually because nothing consumes the topic.
	ErrQueueFull = errors.New("partition queue full")
)

// MemoryBus is an in-process partitioned bus. Messages are routed by key hash
// and each partition is drained by a single goroutine so per-key order holds.
// Publish never waits for a consumer.
type MemoryBus struct {
	partitions int
	buffer     int
	record     bool
	policy     AckPolicy
	logger     *zap.Logger

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	parts     []chan Message
	next      []int64
	committed []int64
	log       []Message
}

type MemoryOptions struct {
	Partitions int
	// Buffer is the per-partition queue depth. Publish fails with
	// ErrQueueFull when it is reached.
	Buffer int
	// Record keeps every accepted message for Published. Tests only.
	Record bool
	Policy AckPolicy
}

func NewMemoryBus(logger *zap.Logger, opts MemoryOptions) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	return &MemoryBus{
		partitions: opts.Partitions,
		buffer:     opts.Buffer,
		record:     opts.Record,
		policy:     opts.Policy,
		logger:     logger.Named("bus"),
		topics:     make(map[string]*memTopic),
	}
}

func (b *MemoryBus) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if ok {
		return t
	}
	t = &memTopic{
		parts:     make([]chan Message, b.partitions),
		next:      make([]int64, b.partitions),
		committed: make([]int64, b.partitions),
	}
	for i := range t.parts {
		t.parts[i] = make(chan Message, b.buffer)
		t.committed[i] = -1
	}
	b.topics[name] = t
	return t
}

func (b *MemoryBus) partitionFor(key []byte) int {
	if b.partitions == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(b.partitions))
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, key []byte, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t := b.topic(topic)
	p := b.partitionFor(key)
	msg := Message{
		Topic:     topic,
		Partition: p,
		Offset:    t.next[p],
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Time:      time.Now().UTC(),
	}
	select {
	case t.parts[p] <- msg:
	default:
		return fmt.Errorf("publish %s/%d: %w", topic, p, ErrQueueFull)
	}
	t.next[p]++
	if b.record {
		t.log = append(t.log, msg)
	}
	return nil
}

// Consume starts one worker per partition of topic and blocks until ctx is
// done. Only one consumer per topic is supported.
func (b *MemoryBus) Consume(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	t := b.topic(topic)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for p := range t.parts {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			b.drain(ctx, t, p, h)
		}(p)
	}
	wg.Wait()
	return nil
}

func (b *MemoryBus) drain(ctx context.Context, t *memTopic, p int, h Handler) {
	ch := t.parts[p]
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			attempts, err := b.policy.Process(ctx, msg, h)
			logOutcome(b.logger, msg, attempts, err)
			b.mu.Lock()
			t.committed[p] = msg.Offset
			b.mu.Unlock()
		}
	}
}

// Published returns a copy of every message accepted on topic, in publish
// order. It is empty unless the bus was built with Record.
func (b *MemoryBus) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Message, len(t.log))
	copy(out, t.log)
	return out
}

// Committed returns the last acknowledged offset of a partition, or -1.
func (b *MemoryBus) Committed(topic string, partition int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok || partition < 0 || partition >= len(t.committed) {
		return -1
	}
	return t.committed[partition]
}

// Acked reports how many messages of topic have been acknowledged.
func (b *MemoryBus) Acked(topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	var n int64
	for _, c := range t.committed {
		n += c + 1
	}
	return n
}

// Close rejects further publishes. Running consumers stop with their context.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
