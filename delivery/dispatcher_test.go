package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"log-correlator/pipeline"
)

type report struct {
	id     uint
	status pipeline.NotificationStatus
	detail string
}

type mockReporter struct {
	mu      sync.Mutex
	reports []report
}

func (m *mockReporter) UpdateNotificationStatus(ctx context.Context, id uint, status pipeline.NotificationStatus, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report{id: id, status: status, detail: detail})
	return nil
}

func (m *mockReporter) Reports() []report {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]report, len(m.reports))
	copy(out, m.reports)
	return out
}

func (m *mockReporter) final(id uint) (pipeline.NotificationStatus, bool) {
	for _, r := range m.Reports() {
		if r.id == id && (r.status == pipeline.NotificationSent || r.status == pipeline.NotificationFailed) {
			return r.status, true
		}
	}
	return "", false
}

type mockChannel struct {
	name  string
	mu    sync.Mutex
	sent  []pipeline.Delivery
	errs  []error
	calls int
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Send(ctx context.Context, d pipeline.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return err
		}
	}
	m.sent = append(m.sent, d)
	return nil
}

func (m *mockChannel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func fastOptions() Options {
	return Options{Workers: 1, QueueSize: 4, RatePerSec: 1000, Burst: 10, MaxAttempts: 3, RetryBackoff: time.Millisecond}
}

func startDispatcher(t *testing.T, rep StatusReporter, opts Options, channels ...Channel) *Dispatcher {
	t.Helper()
	d := NewDispatcher(rep, nil, opts, channels...)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Close()
	})
	return d
}

func TestDispatcher_SendsAndReportsSent(t *testing.T) {
	rep := &mockReporter{}
	ch := &mockChannel{name: "webhook"}
	d := startDispatcher(t, rep, fastOptions(), ch)

	require.NoError(t, d.Enqueue(context.Background(), pipeline.Delivery{NotificationID: 1, Channel: "WEBHOOK", Message: "m"}))
	require.Eventually(t, func() bool { _, ok := rep.final(1); return ok }, 2*time.Second, 5*time.Millisecond)

	status, _ := rep.final(1)
	assert.Equal(t, pipeline.NotificationSent, status)
	assert.Equal(t, 1, ch.Calls())
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	rep := &mockReporter{}
	ch := &mockChannel{name: "WEBHOOK", errs: []error{errors.New("503"), errors.New("503")}}
	d := startDispatcher(t, rep, fastOptions(), ch)

	require.NoError(t, d.Enqueue(context.Background(), pipeline.Delivery{NotificationID: 2, Channel: "WEBHOOK"}))
	require.Eventually(t, func() bool { _, ok := rep.final(2); return ok }, 2*time.Second, 5*time.Millisecond)

	var statuses []pipeline.NotificationStatus
	for _, r := range rep.Reports() {
		statuses = append(statuses, r.status)
	}
	assert.Equal(t, []pipeline.NotificationStatus{
		pipeline.NotificationRetrying,
		pipeline.NotificationRetrying,
		pipeline.NotificationSent,
	}, statuses)
	assert.Equal(t, 3, ch.Calls())
}

func TestDispatcher_PermanentFailureStopsImmediately(t *testing.T) {
	rep := &mockReporter{}
	ch := &mockChannel{name: "WEBHOOK", errs: []error{Permanent(errors.New("HTTP 400"))}}
	d := startDispatcher(t, rep, fastOptions(), ch)

	require.NoError(t, d.Enqueue(context.Background(), pipeline.Delivery{NotificationID: 3, Channel: "webhook"}))
	require.Eventually(t, func() bool { _, ok := rep.final(3); return ok }, 2*time.Second, 5*time.Millisecond)

	reports := rep.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.NotificationFailed, reports[0].status)
	assert.Equal(t, "HTTP 400", reports[0].detail)
	assert.Equal(t, 1, ch.Calls())
}

func TestDispatcher_ExhaustedAttemptsFail(t *testing.T) {
	rep := &mockReporter{}
	boom := errors.New("down")
	ch := &mockChannel{name: "SYSLOG", errs: []error{boom, boom, boom}}
	d := startDispatcher(t, rep, fastOptions(), ch)

	require.NoError(t, d.Enqueue(context.Background(), pipeline.Delivery{NotificationID: 4, Channel: "SYSLOG"}))
	require.Eventually(t, func() bool { _, ok := rep.final(4); return ok }, 2*time.Second, 5*time.Millisecond)
	status, _ := rep.final(4)
	assert.Equal(t, pipeline.NotificationFailed, status)
	assert.Equal(t, 3, ch.Calls())
}

func TestDispatcher_FallbackAndUnknownChannel(t *testing.T) {
	rep := &mockReporter{}
	ch := &mockChannel{name: "WEBHOOK"}

	noFallback := NewDispatcher(rep, nil, fastOptions(), ch)
	err := noFallback.Enqueue(context.Background(), pipeline.Delivery{NotificationID: 5, Channel: "EMAIL"})
	assert.ErrorIs(t, err, ErrNoChannel)

	opts := fastOptions()
	opts.Fallback = "webhook"
	d := startDispatcher(t, rep, opts, ch)
	require.NoError(t, d.Enqueue(context.Background(), pipeline.Delivery{NotificationID: 6, Channel: "EMAIL"}))
	require.Eventually(t, func() bool { _, ok := rep.final(6); return ok }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ch.Calls())
}

func TestDispatcher_QueueFull(t *testing.T) {
	opts := fastOptions()
	opts.QueueSize = 1
	// Not started, so nothing drains the queue.
	d := NewDispatcher(nil, nil, opts, &mockChannel{name: "WEBHOOK"})
	require.NoError(t, d.Enqueue(context.Background(), pipeline.Delivery{NotificationID: 1, Channel: "WEBHOOK"}))
	err := d.Enqueue(context.Background(), pipeline.Delivery{NotificationID: 2, Channel: "WEBHOOK"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestOptionsFrom(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	opts := OptionsFrom(cfg.Delivery)
	assert.Equal(t, 2, opts.Workers)
	assert.Equal(t, 256, opts.QueueSize)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, 2*time.Second, opts.RetryBackoff)
}

// stallingChannel holds every send until the context ends.
type stallingChannel struct {
	started chan uint
}

func (s *stallingChannel) Name() string { return "WEBHOOK" }

func (s *stallingChannel) Send(ctx context.Context, d pipeline.Delivery) error {
	s.started <- d.NotificationID
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_CloseReportsAbandonedDeliveries(t *testing.T) {
	rep := &mockReporter{}
	ch := &stallingChannel{started: make(chan uint, 1)}
	d := NewDispatcher(rep, nil, fastOptions(), ch)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	for id := uint(1); id <= 3; id++ {
		require.NoError(t, d.Enqueue(context.Background(), pipeline.Delivery{NotificationID: id, Channel: "WEBHOOK"}))
	}
	assert.Equal(t, uint(1), <-ch.started)

	cancel()
	d.Close()

	assert.Equal(t, []uint{1, 2, 3}, d.Abandoned())
	for id := uint(1); id <= 3; id++ {
		_, done := rep.final(id)
		assert.False(t, done, "notification %d must not get a final status", id)
	}
}
