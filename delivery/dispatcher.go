package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"log-correlator/pipeline"
)

var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrNoChannel = errors.New("no delivery channel")
)

type Options struct {
	Workers      int
	QueueSize    int
	RatePerSec   float64
	Burst        int
	MaxAttempts  int
	RetryBackoff time.Duration
	// Fallback is the channel used for deliveries whose channel has no sender.
	Fallback string
}

func DefaultOptions() Options {
	return Options{
		Workers:      2,
		QueueSize:    256,
		RatePerSec:   10,
		Burst:        5,
		MaxAttempts:  3,
		RetryBackoff: 2 * time.Second,
	}
}

// OptionsFrom maps the delivery config section onto Options.
func OptionsFrom(c pipeline.DeliveryConfig) Options {
	return Options{
		Workers:      c.Workers,
		QueueSize:    c.QueueSize,
		RatePerSec:   c.RatePerSec,
		Burst:        c.Burst,
		MaxAttempts:  c.MaxAttempts,
		RetryBackoff: c.RetryBackoff,
		Fallback:     c.Fallback,
	}
}

type work struct {
	d       pipeline.Delivery
	channel Channel
}

// Dispatcher queues deliveries and sends them from a worker pool, rate
// limited, retrying transient failures. Every attempt outcome is reported:
// RETRYING between attempts, then SENT or FAILED.
type Dispatcher struct {
	reporter StatusReporter
	channels map[string]Channel
	opts     Options
	limiter  *rate.Limiter
	queue    chan work
	logger   *zap.Logger
	wg       sync.WaitGroup

	mu        sync.Mutex
	abandoned []uint
}

func NewDispatcher(reporter StatusReporter, logger *zap.Logger, opts Options, channels ...Channel) *Dispatcher {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = def.RatePerSec
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[strings.ToUpper(ch.Name())] = ch
	}
	return &Dispatcher{
		reporter: reporter,
		channels: byName,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		queue:    make(chan work, opts.QueueSize),
		logger:   logger.Named("delivery"),
	}
}

func (d *Dispatcher) channelFor(name string) (Channel, bool) {
	if ch, ok := d.channels[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return ch, true
	}
	if d.opts.Fallback != "" {
		ch, ok := d.channels[strings.ToUpper(d.opts.Fallback)]
		return ch, ok
	}
	return nil, false
}

// Start launches the workers. They stop when ctx is done; call Close to wait.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	names := make([]string, 0, len(d.channels))
	for n := range d.channels {
		names = append(names, n)
	}
	d.logger.Info("delivery started",
		zap.Int("workers", d.opts.Workers),
		zap.Strings("channels", names),
		zap.String("fallback", d.opts.Fallback),
	)
}

// Close waits for the workers and drains deliveries that were still queued.
// Neither those nor deliveries interrupted mid-retry are sent; their ids are
// logged and kept for Abandoned, and the notifications keep their last
// recorded status.
func (d *Dispatcher) Close() {
	d.wg.Wait()
	for {
		select {
		case w := <-d.queue:
			d.abandon(w.d.NotificationID)
		default:
			if ids := d.Abandoned(); len(ids) > 0 {
				d.logger.Warn("deliveries abandoned at shutdown", zap.Uints("notificationIds", ids))
			}
			return
		}
	}
}

// Abandoned lists the notification ids dropped by shutdown, in id order.
func (d *Dispatcher) Abandoned() []uint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]uint(nil), d.abandoned...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Dispatcher) abandon(id uint) {
	d.mu.Lock()
	d.abandoned = append(d.abandoned, id)
	d.mu.Unlock()
}

// Enqueue implements pipeline.Deliverer. It never blocks.
func (d *Dispatcher) Enqueue(ctx context.Context, del pipeline.Delivery) error {
	ch, ok := d.channelFor(del.Channel)
	if !ok {
		return fmt.Errorf("%w for %q", ErrNoChannel, del.Channel)
	}
	select {
	case d.queue <- work{d: del, channel: ch}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-d.queue:
			d.deliver(ctx, w)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, w work) {
	id := w.d.NotificationID
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			d.abandon(id)
			return
		}
		lastErr = w.channel.Send(ctx, w.d)
		if lastErr != nil && ctx.Err() != nil {
			d.abandon(id)
			return
		}
		if lastErr == nil {
			d.report(ctx, id, pipeline.NotificationSent, "")
			d.logger.Debug("delivered", zap.Uint("notificationId", id), zap.String("channel", w.channel.Name()), zap.Int("attempt", attempt))
			return
		}
		if isPermanent(lastErr) || attempt == d.opts.MaxAttempts {
			break
		}
		d.report(ctx, id, pipeline.NotificationRetrying, lastErr.Error())
		d.logger.Debug("delivery failed, will retry", zap.Uint("notificationId", id), zap.Int("attempt", attempt), zap.Error(lastErr))

		backoff := d.opts.RetryBackoff * time.Duration(attempt)
		if backoff <= 0 {
			continue
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.abandon(id)
			return
		case <-timer.C:
		}
	}
	d.report(ctx, id, pipeline.NotificationFailed, lastErr.Error())
	d.logger.Error("delivery failed",
		zap.Uint("notificationId", id),
		zap.String("channel", w.channel.Name()),
		zap.Error(lastErr),
	)
}

func (d *Dispatcher) report(ctx context.Context, id uint, status pipeline.NotificationStatus, detail string) {
	if d.reporter == nil {
		return
	}
	if err := d.reporter.UpdateNotificationStatus(ctx, id, status, detail); err != nil {
		d.logger.Warn("delivery status not recorded",
			zap.Uint("notificationId", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
