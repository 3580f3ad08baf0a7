package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type publishCall struct {
	topic string
	key   string
	value []byte
}

type mockPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	failN int
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, key []byte, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return errors.New("mock publish failure")
	}
	m.calls = append(m.calls, publishCall{topic: topic, key: string(key), value: append([]byte(nil), value...)})
	return nil
}

func (m *mockPublisher) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
}

func (m *mockPublisher) Calls() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publishCall, len(m.calls))
	copy(out, m.calls)
	return out
}

type mockDeliverer struct {
	mu    sync.Mutex
	got   []Delivery
	fails error
}

func (m *mockDeliverer) Enqueue(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails != nil {
		return m.fails
	}
	m.got = append(m.got, d)
	return nil
}

func (m *mockDeliverer) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.got))
	copy(out, m.got)
	return out
}

// countingMetrics records calls for assertions.
type countingMetrics struct {
	mu         sync.Mutex
	ingested   int
	duplicates map[string]int
	requested  int
	dispatchKO int
	completed  int
	anomalies  map[string]int
	created    int
	failed     int
	dead       map[string]int
	expired    int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		duplicates: map[string]int{},
		anomalies:  map[string]int{},
		dead:       map[string]int{},
	}
}

func (m *countingMetrics) bump(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *countingMetrics) LogIngested(Severity) { m.bump(func() { m.ingested++ }) }

func (m *countingMetrics) DuplicateIgnored(kind string) { m.bump(func() { m.duplicates[kind]++ }) }

func (m *countingMetrics) AnalysisRequested(Priority) { m.bump(func() { m.requested++ }) }

func (m *countingMetrics) DispatchFailed() { m.bump(func() { m.dispatchKO++ }) }

func (m *countingMetrics) AnalysisCompleted() { m.bump(func() { m.completed++ }) }

func (m *countingMetrics) CorrelationAnomaly(reason string) { m.bump(func() { m.anomalies[reason]++ }) }

func (m *countingMetrics) NotificationCreated(string) { m.bump(func() { m.created++ }) }

func (m *countingMetrics) NotificationFailed(string) { m.bump(func() { m.failed++ }) }

func (m *countingMetrics) DeadLettered(stream string) { m.bump(func() { m.dead[stream]++ }) }

func (m *countingMetrics) RequestsExpired(n int) { m.bump(func() { m.expired += n }) }

// snapshot reads a counter under the lock.
func (m *countingMetrics) snapshot(fn func() int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

func testEvent(eventID string, severity string, content string) IngestEvent {
	return IngestEvent{
		EventID:     eventID,
		Timestamp:   Timestamp{time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)},
		Source:      "api",
		ServiceName: "checkout",
		Environment: "prod",
		Severity:    severity,
		Content:     content,
	}
}

func confidence(v float64) *float64 { return &v }

// seedLog stores a log entry directly.
func seedLog(t *testing.T, s *Store, eventID string, severity Severity) *LogEntry {
	t.Helper()
	entry := &LogEntry{
		EventID:     eventID,
		Timestamp:   time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC),
		Source:      "api",
		ServiceName: "checkout",
		Environment: "prod",
		Severity:    severity,
		Content:     "disk full",
		ContentHash: Fingerprint("disk full"),
	}
	created, err := s.CreateLog(context.Background(), entry)
	require.NoError(t, err)
	require.True(t, created)
	return entry
}

// seedPending stores a PENDING request for entry.
func seedPending(t *testing.T, s *Store, entry *LogEntry, requestID string) *AnalysisRequest {
	t.Helper()
	req, created, err := s.CreatePendingRequest(context.Background(), &AnalysisRequest{
		RequestID:     requestID,
		LogID:         entry.ID,
		CorrelationID: entry.EventID,
		Priority:      PriorityFor(entry.Severity),
	})
	require.NoError(t, err)
	require.True(t, created)
	return req
}
