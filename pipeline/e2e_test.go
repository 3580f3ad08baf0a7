package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"log-correlator/bus"
)

// fakeAnalyzer answers every analysis request with a verdict, delivered twice.
func fakeAnalyzer(b *bus.MemoryBus, severity string) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		var req AnalysisRequestMessage
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			return err
		}
		out, err := json.Marshal(AnalysisResultMessage{
			RequestID:     req.RequestID,
			CorrelationID: req.CorrelationID,
			LogID:         req.LogID,
			Timestamp:     Timestamp{time.Now().UTC()},
			Result: AnalysisDetail{
				Summary:        "Disk is full",
				RootCause:      "log rotation disabled",
				Recommendation: "enable logrotate",
				Severity:       severity,
				Confidence:     confidence(0.92),
			},
			Model: "fake",
		})
		if err != nil {
			return err
		}
		key := []byte(strconv.FormatUint(uint64(req.LogID), 10))
		for i := 0; i < 2; i++ {
			if err := b.Publish(ctx, req.CallbackTopic, key, out); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestPipeline_EndToEndOverMemoryBus(t *testing.T) {
	s := newTestStore(t)
	m := newCountingMetrics()
	logger := zap.NewNop()
	b := bus.NewMemoryBus(logger, bus.MemoryOptions{Partitions: 3, Record: true, Policy: ConsumerPolicy(3, 0)})
	deliverer := &mockDeliverer{}

	router := NewRouter(s, b, logger, RouterOptions{Metrics: m})
	ing := NewIngestor(s, router, logger, IngestorOptions{Policy: DefaultTriggerPolicy(), Metrics: m, Rollup: true})
	gate := NewGate(s, deliverer, logger, DefaultGatePolicy(), m)
	corr := NewCorrelator(s, gate, logger, m)
	dead, err := NewDeadLetterer(s, logger, m)
	require.NoError(t, err)
	defer dead.Close()
	h := NewStreamHandlers(ing, corr, dead, logger)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	consume := func(topic string, handler bus.Handler) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Consume(ctx, topic, handler)
		}()
	}
	consume(DefaultIngestTopic, h.HandleIngestion)
	consume(DefaultRequestTopic, fakeAnalyzer(b, "HIGH"))
	consume(DefaultResultTopic, h.HandleResult)
	defer func() {
		cancel()
		wg.Wait()
	}()

	ev, err := json.Marshal(testEvent("evt-e2e", "ERROR", "disk full"))
	require.NoError(t, err)
	info, err := json.Marshal(testEvent("evt-info", "INFO", "ok"))
	require.NoError(t, err)
	// The error event is delivered twice, plus a malformed message and an INFO event.
	for _, payload := range [][]byte{ev, ev, []byte("not json"), info} {
		require.NoError(t, b.Publish(ctx, DefaultIngestTopic, []byte("evt"), payload))
	}

	require.Eventually(t, func() bool {
		return b.Acked(DefaultIngestTopic) == 4 && b.Acked(DefaultResultTopic) == 2
	}, 5*time.Second, 10*time.Millisecond)

	entry, err := s.FindLogByEventID(context.Background(), "evt-e2e")
	require.NoError(t, err)

	var logs int64
	require.NoError(t, s.DB().Model(&LogEntry{}).Count(&logs).Error)
	assert.EqualValues(t, 2, logs)
	assert.Len(t, b.Published(DefaultRequestTopic), 1, "one analysis request per log")

	results, err := s.ResultsForLog(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "HIGH", results[0].Severity)

	req, err := s.GetRequest(context.Background(), results[0].RequestID)
	require.NoError(t, err)
	assert.Equal(t, RequestCompleted, req.State)

	ns, err := s.NotificationsForLog(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Len(t, deliverer.Deliveries(), 1)

	dls, err := s.ListDeadLetters(context.Background(), StreamIngestion, 0)
	require.NoError(t, err)
	assert.Len(t, dls, 1)
	assert.Equal(t, 1, m.snapshot(func() int { return m.anomalies[AnomalyAlreadyResolved] }))
}
