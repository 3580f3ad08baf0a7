package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const maxEventIDLen = 64

// LogStore is the part of the store the ingestor writes to.
type LogStore interface {
	FindLogByEventID(ctx context.Context, eventID string) (*LogEntry, error)
	CreateLog(ctx context.Context, entry *LogEntry) (bool, error)
	BumpHourlyStatistic(ctx context.Context, entry *LogEntry) error
}

// AnalysisTrigger starts an analysis for a persisted log.
type AnalysisTrigger interface {
	RequestAnalysis(ctx context.Context, entry *LogEntry) (*AnalysisRequest, error)
}

// TriggerPolicy decides which logs go to the analyzer.
type TriggerPolicy struct {
	Enabled     bool
	AutoRequest bool
	MinSeverity Severity
}

// DefaultTriggerPolicy requests analysis for ERROR and FATAL.
func DefaultTriggerPolicy() TriggerPolicy {
	return TriggerPolicy{Enabled: true, AutoRequest: true, MinSeverity: SeverityError}
}

func (p TriggerPolicy) ShouldTrigger(s Severity) bool {
	if !p.Enabled || !p.AutoRequest {
		return false
	}
	min := p.MinSeverity
	if !min.Valid() {
		min = SeverityError
	}
	return s.AtLeast(min)
}

type IngestResult struct {
	Entry *LogEntry
	// Duplicate is set when the eventId was already recorded; nothing was written.
	Duplicate bool
	// Request is the analysis request created or found for this log, if any.
	Request *AnalysisRequest
	// DispatchErr is the analysis trigger failure. Ingestion still succeeded.
	DispatchErr error
}

type IngestorOptions struct {
	Policy  TriggerPolicy
	Metrics Metrics
	// Rollup enables the hourly statistics upsert.
	Rollup bool
}

type Ingestor struct {
	store   LogStore
	trigger AnalysisTrigger
	policy  TriggerPolicy
	metrics Metrics
	rollup  bool
	logger  *zap.Logger
}

func NewIngestor(store LogStore, trigger AnalysisTrigger, logger *zap.Logger, opts IngestorOptions) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		store:   store,
		trigger: trigger,
		policy:  opts.Policy,
		metrics: metricsOrNop(opts.Metrics),
		rollup:  opts.Rollup,
		logger:  logger.Named("ingest"),
	}
}

// Ingest records ev once per eventId and triggers analysis when the policy
// allows. Repeats return the stored entry with Duplicate set.
func (i *Ingestor) Ingest(ctx context.Context, ev IngestEvent) (IngestResult, error) {
	severity, err := validateIngestEvent(ev)
	if err != nil {
		return IngestResult{}, err
	}

	existing, err := i.store.FindLogByEventID(ctx, ev.EventID)
	switch {
	case err == nil:
		i.metrics.DuplicateIgnored("log")
		i.logger.Debug("duplicate event ignored", zap.String("eventId", ev.EventID), zap.Uint("logId", existing.ID))
		return IngestResult{Entry: existing, Duplicate: true}, nil
	case !errors.Is(err, ErrNotFound):
		return IngestResult{}, err
	}

	entry := &LogEntry{
		EventID:     ev.EventID,
		Timestamp:   ev.Timestamp.UTC(),
		Source:      strings.TrimSpace(ev.Source),
		ServiceName: strings.TrimSpace(ev.ServiceName),
		Environment: strings.TrimSpace(ev.Environment),
		Severity:    severity,
		Content:     ev.Content,
		ContentHash: Fingerprint(ev.Content),
		Metadata:    copyMetadata(ev.Metadata),
	}
	created, err := i.store.CreateLog(ctx, entry)
	if err != nil {
		return IngestResult{}, err
	}
	if !created {
		// Lost a first-sight race to a concurrent delivery of the same event.
		i.metrics.DuplicateIgnored("log")
		i.logger.Debug("duplicate event collapsed on insert", zap.String("eventId", ev.EventID), zap.Uint("logId", entry.ID))
		return IngestResult{Entry: entry, Duplicate: true}, nil
	}

	i.metrics.LogIngested(severity)
	i.logger.Info("log ingested",
		zap.Uint("logId", entry.ID),
		zap.String("eventId", entry.EventID),
		zap.String("source", entry.Source),
		zap.String("severity", string(severity)),
	)

	if i.rollup {
		if err := i.store.BumpHourlyStatistic(ctx, entry); err != nil {
			i.logger.Warn("hourly statistic update failed", zap.Uint("logId", entry.ID), zap.Error(err))
		}
	}

	res := IngestResult{Entry: entry}
	if i.trigger == nil || !i.policy.ShouldTrigger(severity) {
		return res, nil
	}
	req, err := i.trigger.RequestAnalysis(ctx, entry)
	res.Request = req
	if err != nil {
		res.DispatchErr = err
		i.logger.Warn("analysis request not dispatched",
			zap.Uint("logId", entry.ID),
			zap.String("eventId", entry.EventID),
			zap.Error(err),
		)
	}
	return res, nil
}

func validateIngestEvent(ev IngestEvent) (Severity, error) {
	if strings.TrimSpace(ev.EventID) == "" {
		return "", invalid("eventId", "is required")
	}
	if len(ev.EventID) > maxEventIDLen {
		return "", invalid("eventId", fmt.Sprintf("exceeds %d characters", maxEventIDLen))
	}
	if ev.Timestamp.IsZero() {
		return "", invalid("timestamp", "is required")
	}
	if strings.TrimSpace(ev.Source) == "" {
		return "", invalid("source", "is required")
	}
	if strings.TrimSpace(ev.Content) == "" {
		return "", invalid("content", "is required")
	}
	if strings.TrimSpace(ev.Severity) == "" {
		return "", invalid("severity", "is required")
	}
	severity, err := ParseSeverity(ev.Severity)
	if err != nil {
		return "", invalid("severity", fmt.Sprintf("%q is not a known level", ev.Severity))
	}
	for k, v := range ev.Metadata {
		if !isScalar(v) {
			return "", invalid("metadata."+k, "must be a scalar value")
		}
	}
	return severity, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, json.Number,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	default:
		return false
	}
}

func copyMetadata(in map[string]any) datatypes.JSONMap {
	if len(in) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
