package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestMemoryBus_PerKeyOrderAndAck(t *testing.T) {
	b := NewMemoryBus(nil, MemoryOptions{Partitions: 4, Record: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string][]string{}
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, "t", func(ctx context.Context, msg Message) error {
			mu.Lock()
			seen[string(msg.Key)] = append(seen[string(msg.Key)], string(msg.Value))
			mu.Unlock()
			return nil
		})
	}()

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i%3)
		require.NoError(t, b.Publish(ctx, "t", []byte(key), []byte(fmt.Sprintf("%d", i))))
	}
	require.Eventually(t, func() bool { return b.Acked("t") == 20 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	for key, values := range seen {
		var want []string
		for i := 0; i < 20; i++ {
			if fmt.Sprintf("k%d", i%3) == key {
				want = append(want, fmt.Sprintf("%d", i))
			}
		}
		assert.Equal(t, want, values, "order for %s", key)
	}
	mu.Unlock()
	assert.Len(t, b.Published("t"), 20)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestMemoryBus_FailingHandlerDoesNotStallPartition(t *testing.T) {
	var attempts sync.Map
	b := NewMemoryBus(nil, MemoryOptions{
		Partitions: 1,
		Policy:     AckPolicy{MaxAttempts: 3, Retryable: func(err error) bool { return errors.Is(err, errTransient) }},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = b.Consume(ctx, "t", func(ctx context.Context, msg Message) error {
			n, _ := attempts.LoadOrStore(string(msg.Value), new(int))
			*n.(*int)++
			switch string(msg.Value) {
			case "poison":
				return errTransient
			case "bad":
				return errors.New("permanent")
			}
			return nil
		})
	}()

	for _, v := range []string{"poison", "bad", "ok"} {
		require.NoError(t, b.Publish(ctx, "t", []byte("same"), []byte(v)))
	}
	require.Eventually(t, func() bool { return b.Committed("t", 0) == 2 }, 2*time.Second, 5*time.Millisecond)

	count := func(v string) int {
		n, ok := attempts.Load(v)
		if !ok {
			return 0
		}
		return *n.(*int)
	}
	assert.Equal(t, 3, count("poison"))
	assert.Equal(t, 1, count("bad"))
	assert.Equal(t, 1, count("ok"))
}

func TestMemoryBus_ClosedRejectsPublish(t *testing.T) {
	b := NewMemoryBus(nil, MemoryOptions{})
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "t", nil, []byte("x")), ErrClosed)
	assert.ErrorIs(t, b.Consume(context.Background(), "t", nil), ErrClosed)
	assert.EqualValues(t, -1, b.Committed("t", 0))
}

func TestAckPolicy_BackoffHonorsContext(t *testing.T) {
	p := AckPolicy{MaxAttempts: 5, Backoff: time.Hour, Retryable: func(error) bool { return true }}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	attempts, err := p.Process(ctx, Message{}, func(ctx context.Context, msg Message) error { return errTransient })
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, errTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAckPolicy_ZeroValueRunsOnce(t *testing.T) {
	calls := 0
	attempts, err := AckPolicy{}.Process(context.Background(), Message{}, func(ctx context.Context, msg Message) error {
		calls++
		return errTransient
	})
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errTransient)
}

func TestMemoryBus_FullQueueFailsFast(t *testing.T) {
	b := NewMemoryBus(nil, MemoryOptions{Partitions: 1, Buffer: 2})
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "t", nil, []byte("1")))
	require.NoError(t, b.Publish(ctx, "t", nil, []byte("2")))

	start := time.Now()
	err := b.Publish(ctx, "t", nil, []byte("3"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Empty(t, b.Published("t"), "nothing is kept without Record")

	// The rejected message took no offset.
	got := make(chan Message, 2)
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = b.Consume(cctx, "t", func(ctx context.Context, msg Message) error {
			got <- msg
			return nil
		})
	}()
	assert.EqualValues(t, 0, (<-got).Offset)
	assert.EqualValues(t, 1, (<-got).Offset)
	require.NoError(t, b.Publish(ctx, "t", nil, []byte("3")))
	require.Eventually(t, func() bool { return b.Committed("t", 0) == 2 }, 2*time.Second, 5*time.Millisecond)
}
