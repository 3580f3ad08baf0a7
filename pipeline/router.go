package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"log-correlator/bus"
)

// RequestStore is the part of the store the router needs.
type RequestStore interface {
	GetLog(ctx context.Context, id uint) (*LogEntry, error)
	GetRequest(ctx context.Context, requestID string) (*AnalysisRequest, error)
	CreatePendingRequest(ctx context.Context, req *AnalysisRequest) (*AnalysisRequest, bool, error)
	MarkDispatched(ctx context.Context, requestID string, at time.Time) error
	RecordDispatchFailure(ctx context.Context, requestID string, cause error) error
}

type RouterOptions struct {
	RequestTopic  string
	CallbackTopic string
	AnalysisType  string
	Metrics       Metrics
	// NewID and Now default to uuid.NewString and the UTC wall clock.
	NewID func() string
	Now   func() time.Time
}

// Router creates correlation records and publishes analysis requests.
type Router struct {
	store   RequestStore
	pub     bus.Publisher
	opts    RouterOptions
	metrics Metrics
	logger  *zap.Logger
}

func NewRouter(store RequestStore, pub bus.Publisher, logger *zap.Logger, opts RouterOptions) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTopic == "" {
		opts.RequestTopic = DefaultRequestTopic
	}
	if opts.CallbackTopic == "" {
		opts.CallbackTopic = DefaultResultTopic
	}
	if opts.AnalysisType == "" {
		opts.AnalysisType = DefaultAnalysisType
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Router{
		store:   store,
		pub:     pub,
		opts:    opts,
		metrics: metricsOrNop(opts.Metrics),
		logger:  logger.Named("router"),
	}
}

// RequestAnalysis records a PENDING request for entry and publishes it. If the
// log already has a pending request that one is returned and nothing is
// published. A publish failure leaves the request PENDING and returns a
// *DispatchError together with the request.
func (r *Router) RequestAnalysis(ctx context.Context, entry *LogEntry) (*AnalysisRequest, error) {
	if entry == nil || entry.ID == 0 {
		return nil, invalid("logId", "log must be persisted before analysis")
	}
	req := &AnalysisRequest{
		RequestID:     r.opts.NewID(),
		LogID:         entry.ID,
		CorrelationID: entry.EventID,
		Priority:      PriorityFor(entry.Severity),
	}
	stored, created, err := r.store.CreatePendingRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if !created {
		r.metrics.DuplicateIgnored("request")
		r.logger.Debug("pending request exists, dispatch suppressed",
			zap.Uint("logId", entry.ID),
			zap.String("requestId", stored.RequestID),
		)
		return stored, nil
	}
	r.metrics.AnalysisRequested(stored.Priority)
	return stored, r.dispatch(ctx, stored, entry)
}

// Redispatch publishes a still-PENDING request again.
func (r *Router) Redispatch(ctx context.Context, requestID string) error {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State != RequestPending {
		return fmt.Errorf("redispatch %s in state %s: %w", requestID, req.State, ErrStateConflict)
	}
	entry, err := r.store.GetLog(ctx, req.LogID)
	if err != nil {
		return err
	}
	return r.dispatch(ctx, req, entry)
}

func (r *Router) dispatch(ctx context.Context, req *AnalysisRequest, entry *LogEntry) error {
	msg := AnalysisRequestMessage{
		RequestID:     req.RequestID,
		LogID:         entry.ID,
		Content:       entry.Content,
		ServiceName:   entry.ServiceName,
		Environment:   entry.Environment,
		AnalysisType:  r.opts.AnalysisType,
		Priority:      req.Priority,
		CallbackTopic: r.opts.CallbackTopic,
		CorrelationID: req.CorrelationID,
		Timestamp:     formatWireTime(r.opts.Now()),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return &DispatchError{RequestID: req.RequestID, Err: err}
	}
	key := []byte(strconv.FormatUint(uint64(entry.ID), 10))

	if err := r.pub.Publish(ctx, r.opts.RequestTopic, key, payload); err != nil {
		r.metrics.DispatchFailed()
		req.DispatchAttempts++
		req.LastDispatchError = err.Error()
		if rerr := r.store.RecordDispatchFailure(ctx, req.RequestID, err); rerr != nil {
			r.logger.Warn("dispatch failure not recorded", zap.String("requestId", req.RequestID), zap.Error(rerr))
		}
		r.logger.Warn("analysis request publish failed",
			zap.String("requestId", req.RequestID),
			zap.Uint("logId", entry.ID),
			zap.Error(err),
		)
		return &DispatchError{RequestID: req.RequestID, Err: err}
	}

	at := r.opts.Now()
	req.DispatchAttempts++
	req.DispatchedAt = &at
	req.LastDispatchError = ""
	if err := r.store.MarkDispatched(ctx, req.RequestID, at); err != nil {
		// Published already; the sweeper may publish once more, which the
		// correlator absorbs.
		r.logger.Warn("dispatch not recorded", zap.String("requestId", req.RequestID), zap.Error(err))
	}
	r.logger.Info("analysis requested",
		zap.String("requestId", req.RequestID),
		zap.Uint("logId", entry.ID),
		zap.String("correlationId", req.CorrelationID),
		zap.String("priority", string(req.Priority)),
	)
	return nil
}
