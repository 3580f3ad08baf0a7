package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"log-correlator/api"
	"log-correlator/bus"
	"log-correlator/delivery"
	"log-correlator/pipeline"
)

func newServeCmd() *cobra.Command {
	var (
		httpAddr string
		busDrv   string
		brokers  []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the stream consumers, sweeper, delivery workers and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("http-addr") {
				cfg.HTTP.Addr = httpAddr
			}
			if flags.Changed("bus") {
				cfg.Bus.Driver = busDrv
			}
			if flags.Changed("brokers") {
				cfg.Bus.Brokers = brokers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := checkServeBus(cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP listen address (overrides config http.addr).")
	cmd.Flags().StringVar(&busDrv, "bus", "memory", "Message bus driver: kafka, or memory with analysis disabled (overrides config bus.driver).")
	cmd.Flags().StringSliceVar(&brokers, "brokers", nil, "Kafka brokers, comma separated (overrides config bus.brokers).")
	return cmd
}

// checkServeBus refuses a memory bus while analysis requests are published:
// no analyzer reads an in-process topic, so every request would be lost.
func checkServeBus(cfg *pipeline.Config) error {
	if cfg.Bus.Driver != "memory" {
		return nil
	}
	if p := cfg.TriggerPolicy(); p.Enabled && p.AutoRequest {
		return fmt.Errorf("bus.driver memory has no analyzer consumer: use --bus kafka or set analysis.enabled: false")
	}
	return nil
}

// app is the wired pipeline shared by serve and sweep.
type app struct {
	cfg       *pipeline.Config
	logger    *zap.Logger
	store     *pipeline.Store
	registry  *prometheus.Registry
	metrics   *pipeline.PrometheusMetrics
	publisher bus.Publisher
	consumer  bus.Consumer
	router    *pipeline.Router
	closers   []func() error
}

func newApp(cfg *pipeline.Config) (*app, error) {
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}
	store, err := pipeline.OpenStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: reg,
		metrics:  pipeline.NewPrometheusMetrics(reg),
	}
	a.closers = append(a.closers, store.Close)

	policy := pipeline.ConsumerPolicy(cfg.Consumer.MaxAttempts, cfg.Consumer.Backoff)
	switch cfg.Bus.Driver {
	case "kafka":
		pub, err := bus.NewKafkaPublisher(cfg.Bus.Brokers)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		cons, err := bus.NewKafkaConsumer(logger, bus.KafkaConsumerOptions{
			Brokers: cfg.Bus.Brokers,
			Group:   cfg.Bus.Group,
			Readers: cfg.Consumer.Workers,
			Policy:  policy,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher, a.consumer = pub, cons
	default:
		mem := bus.NewMemoryBus(logger, bus.MemoryOptions{Partitions: cfg.Bus.Partitions, Policy: policy})
		a.closers = append(a.closers, mem.Close)
		a.publisher, a.consumer = mem, mem
	}

	ropts := cfg.RouterOptions()
	ropts.Metrics = a.metrics
	a.router = pipeline.NewRouter(store, a.publisher, logger, ropts)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// sweeper only redispatches over a bus an analyzer can read. On the memory
// bus it still expires stale requests and fails exhausted ones.
func (a *app) sweeper() *pipeline.Sweeper {
	var redispatch pipeline.Redispatcher
	if a.cfg.Bus.Driver == "memory" {
		a.logger.Warn("memory bus: redispatch disabled, pending requests are only expired")
	} else {
		redispatch = a.router
	}
	return pipeline.NewSweeper(a.store, redispatch, a.logger, pipeline.SweepOptionsFrom(a.cfg.Sweeper, a.cfg.Debug, a.metrics))
}

// channels builds the configured delivery channels and picks the fallback.
func (a *app) channels() ([]delivery.Channel, string, error) {
	var out []delivery.Channel
	dc := a.cfg.Delivery
	if dc.Webhook.URL != "" {
		wh, err := delivery.NewWebhookChannel(delivery.WebhookConfig{URL: dc.Webhook.URL, AuthToken: dc.Webhook.Token, Timeout: dc.Webhook.Timeout})
		if err != nil {
			return nil, "", err
		}
		out = append(out, wh)
	}
	if dc.Syslog.Addr != "" {
		sl, err := delivery.NewSyslogChannel(delivery.SyslogConfig{Addr: dc.Syslog.Addr, AppName: dc.Syslog.AppName, Labels: dc.Syslog.Labels})
		if err != nil {
			return nil, "", err
		}
		out = append(out, sl)
	}
	fallback := strings.ToUpper(strings.TrimSpace(dc.Fallback))
	if fallback == "" && len(out) > 0 {
		fallback = out[0].Name()
	}
	return out, fallback, nil
}

func serve(ctx context.Context, cfg *pipeline.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var deliverer pipeline.Deliverer
	channels, fallback, err := a.channels()
	if err != nil {
		return err
	}
	var dispatcher *delivery.Dispatcher
	if len(channels) > 0 {
		opts := delivery.OptionsFrom(cfg.Delivery)
		opts.Fallback = fallback
		dispatcher = delivery.NewDispatcher(a.store, logger, opts, channels...)
		dispatcher.Start(ctx)
		deliverer = dispatcher
	} else {
		logger.Warn("no delivery channel configured, notifications stay PENDING")
	}

	ingestor := pipeline.NewIngestor(a.store, a.router, logger, pipeline.IngestorOptions{
		Policy:  cfg.TriggerPolicy(),
		Metrics: a.metrics,
		Rollup:  true,
	})
	gate := pipeline.NewGate(a.store, deliverer, logger, cfg.GatePolicy(), a.metrics)
	correlator := pipeline.NewCorrelator(a.store, gate, logger, a.metrics)
	dead, err := pipeline.NewDeadLetterer(a.store, logger, a.metrics)
	if err != nil {
		return err
	}
	defer dead.Close()
	handlers := pipeline.NewStreamHandlers(ingestor, correlator, dead, logger)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := api.New(a.store, ingestor, logger, api.Options{TokenHash: cfg.HTTP.TokenHash, Gatherer: a.registry})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	run("ingestion consumer", func() error { return a.consumer.Consume(ctx, cfg.Bus.IngestTopic, handlers.HandleIngestion) })
	run("result consumer", func() error { return a.consumer.Consume(ctx, cfg.Analysis.ResultTopic, handlers.HandleResult) })
	run("sweeper", func() error { return a.sweeper().Run(ctx, cfg.Sweeper.Interval) })
	run("http", func() error { return srv.Run(ctx, cfg.HTTP.Addr) })

	logger.Info("log-correlator started",
		zap.String("bus", cfg.Bus.Driver),
		zap.String("ingestTopic", cfg.Bus.IngestTopic),
		zap.String("requestTopic", cfg.Analysis.RequestTopic),
		zap.String("resultTopic", cfg.Analysis.ResultTopic),
		zap.String("http", cfg.HTTP.Addr),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("component stopped", zap.Error(runErr))
	}
	cancel()
	wg.Wait()
	if dispatcher != nil {
		dispatcher.Close()
	}
	return runErr
}
