package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SweepStore is the part of the store the sweeper needs.
type SweepStore interface {
	ExpirePendingOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	FailExhaustedDispatches(ctx context.Context, maxAttempts int) (int64, error)
	ListUndispatched(ctx context.Context, cutoff time.Time, maxAttempts int, limit int) ([]AnalysisRequest, error)
}

type Redispatcher interface {
	Redispatch(ctx context.Context, requestID string) error
}

type SweepOptions struct {
	ExpireAfter         time.Duration
	RedispatchAfter     time.Duration
	MaxDispatchAttempts int
	BatchSize           int
	// Timeout bounds one RunOnce pass. Zero means no bound.
	Timeout time.Duration
	Debug   bool
	Metrics Metrics
	Now     func() time.Time
}

// SweepOptionsFrom maps the sweeper config section onto SweepOptions.
func SweepOptionsFrom(c SweeperConfig, debug bool, metrics Metrics) SweepOptions {
	return SweepOptions{
		ExpireAfter:         c.ExpireAfter,
		RedispatchAfter:     c.RedispatchAfter,
		MaxDispatchAttempts: c.MaxDispatchAttempts,
		BatchSize:           c.BatchSize,
		Timeout:             c.Timeout,
		Debug:               debug,
		Metrics:             metrics,
	}
}

// Sweeper is the scheduled collaborator that expires stale PENDING requests
// and re-publishes the ones whose dispatch never succeeded.
type Sweeper struct {
	store   SweepStore
	router  Redispatcher
	opts    SweepOptions
	metrics Metrics
	logger  *zap.Logger
}

type SweepStats struct {
	Expired         int
	Failed          int
	Redispatched    int
	RedispatchError int
}

func NewSweeper(store SweepStore, router Redispatcher, logger *zap.Logger, opts SweepOptions) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = time.Hour
	}
	if opts.RedispatchAfter <= 0 {
		opts.RedispatchAfter = 2 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		store:   store,
		router:  router,
		opts:    opts,
		metrics: metricsOrNop(opts.Metrics),
		logger:  logger.Named("sweeper"),
	}
}

func (s *Sweeper) debugf(msg string, fields ...zap.Field) {
	if !s.opts.Debug {
		return
	}
	s.logger.Info(msg, fields...)
}

// RunOnce performs one pass: expire, fail exhausted dispatches, redispatch.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	var stats SweepStats
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	now := s.opts.Now()
	s.debugf("sweep start",
		zap.Duration("expireAfter", s.opts.ExpireAfter),
		zap.Duration("redispatchAfter", s.opts.RedispatchAfter),
		zap.Int("maxDispatchAttempts", s.opts.MaxDispatchAttempts),
	)

	expired, err := s.store.ExpirePendingOlderThan(ctx, now.Add(-s.opts.ExpireAfter))
	if err != nil {
		return stats, fmt.Errorf("expire pending: %w", err)
	}
	stats.Expired = int(expired)
	s.metrics.RequestsExpired(stats.Expired)

	if s.opts.MaxDispatchAttempts > 0 {
		failed, err := s.store.FailExhaustedDispatches(ctx, s.opts.MaxDispatchAttempts)
		if err != nil {
			return stats, fmt.Errorf("fail exhausted dispatches: %w", err)
		}
		stats.Failed = int(failed)
	}

	if s.router != nil {
		reqs, err := s.store.ListUndispatched(ctx, now.Add(-s.opts.RedispatchAfter), s.opts.MaxDispatchAttempts, s.opts.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("list undispatched: %w", err)
		}
		for _, req := range reqs {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := s.router.Redispatch(ctx, req.RequestID); err != nil {
				stats.RedispatchError++
				s.debugf("redispatch failed", zap.String("requestId", req.RequestID), zap.Int("attempts", req.DispatchAttempts+1), zap.Error(err))
				continue
			}
			stats.Redispatched++
			s.debugf("redispatch ok", zap.String("requestId", req.RequestID))
		}
	}

	s.logger.Info("sweep done",
		zap.Int("expired", stats.Expired),
		zap.Int("failed", stats.Failed),
		zap.Int("redispatched", stats.Redispatched),
		zap.Int("redispatchErrors", stats.RedispatchError),
		zap.Duration("elapsed", time.Since(start)),
	)
	return stats, nil
}

// Run calls RunOnce every interval until ctx is done. Pass errors are logged.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
