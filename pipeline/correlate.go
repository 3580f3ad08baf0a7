package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ResultStore is the part of the store the correlator needs.
type ResultStore interface {
	GetRequest(ctx context.Context, requestID string) (*AnalysisRequest, error)
	CompleteRequest(ctx context.Context, req *AnalysisRequest, result *AnalysisResult) error
}

// Notifier is the notification side of a completed correlation.
type Notifier interface {
	Qualifies(resultSeverity string) bool
	NotifyBestEffort(ctx context.Context, result *AnalysisResult) *Notification
}

type Correlator struct {
	store    ResultStore
	notifier Notifier
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewCorrelator(store ResultStore, notifier Notifier, logger *zap.Logger, metrics Metrics) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		store:    store,
		notifier: notifier,
		metrics:  metricsOrNop(metrics),
		logger:   logger.Named("correlate"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Correlate attaches msg to its PENDING request. Results that match no pending
// request return a *CorrelationAnomaly and persist nothing.
func (c *Correlator) Correlate(ctx context.Context, msg AnalysisResultMessage) (*AnalysisResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	req, err := c.store.GetRequest(ctx, msg.RequestID)
	if errors.Is(err, ErrNotFound) {
		return nil, c.anomaly(msg, nil, AnomalyUnknownRequest)
	}
	if err != nil {
		return nil, err
	}
	if msg.LogID != 0 && msg.LogID != req.LogID {
		return nil, c.anomaly(msg, req, AnomalyLogMismatch)
	}
	if req.State != RequestPending {
		return nil, c.anomaly(msg, req, AnomalyAlreadyResolved)
	}

	result := &AnalysisResult{
		LogID:             req.LogID,
		RequestID:         req.RequestID,
		CorrelationID:     firstNonEmpty(msg.CorrelationID, req.CorrelationID),
		Summary:           msg.Result.Summary,
		RootCause:         msg.Result.RootCause,
		Recommendation:    msg.Result.Recommendation,
		Severity:          strings.ToUpper(strings.TrimSpace(msg.Result.Severity)),
		Model:             msg.Model,
		BifrostAnalysisID: msg.BifrostAnalysisID,
		DurationSeconds:   msg.DurationSeconds,
		AnalyzedAt:        msg.Timestamp.UTC(),
	}
	if msg.Result.Confidence != nil {
		result.Confidence = *msg.Result.Confidence
	}
	if msg.Timestamp.IsZero() {
		result.AnalyzedAt = c.now()
	}

	if err := c.store.CompleteRequest(ctx, req, result); err != nil {
		if errors.Is(err, ErrStateConflict) {
			// A concurrent delivery of the same result got there first.
			if cur, gerr := c.store.GetRequest(ctx, req.RequestID); gerr == nil {
				req = cur
			}
			return nil, c.anomaly(msg, req, AnomalyAlreadyResolved)
		}
		return nil, err
	}

	c.metrics.AnalysisCompleted()
	c.logger.Info("analysis result correlated",
		zap.String("requestId", result.RequestID),
		zap.Uint("logId", result.LogID),
		zap.Uint("resultId", result.ID),
		zap.String("severity", result.Severity),
		zap.Float64("confidence", result.Confidence),
	)

	if c.notifier != nil && c.notifier.Qualifies(result.Severity) {
		c.notifier.NotifyBestEffort(ctx, result)
	}
	return result, nil
}

func (c *Correlator) anomaly(msg AnalysisResultMessage, req *AnalysisRequest, reason string) error {
	a := &CorrelationAnomaly{RequestID: msg.RequestID, LogID: msg.LogID, Reason: reason}
	if req != nil {
		a.State = req.State
		if a.LogID == 0 {
			a.LogID = req.LogID
		}
	}
	c.metrics.CorrelationAnomaly(reason)
	c.logger.Warn("correlation anomaly",
		zap.String("reason", reason),
		zap.String("requestId", a.RequestID),
		zap.Uint("logId", a.LogID),
		zap.String("state", string(a.State)),
		zap.String("correlationId", msg.CorrelationID),
	)
	return a
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
