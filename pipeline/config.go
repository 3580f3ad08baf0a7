package pipeline

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AnalysisConfig struct {
	Enabled      *bool  `yaml:"enabled"`
	AutoRequest  *bool  `yaml:"auto_request"`
	MinSeverity  string `yaml:"min_severity"`
	AnalysisType string `yaml:"analysis_type"`
	RequestTopic string `yaml:"request_topic"`
	ResultTopic  string `yaml:"result_topic"`
}

// RouteConfig sends notifications of one analyzer severity to a channel. A bare
// scalar is shorthand for the channel.
type RouteConfig struct {
	Severity  string `yaml:"severity"`
	Channel   string `yaml:"channel"`
	Recipient string `yaml:"recipient"`
}

func (r *RouteConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*r = RouteConfig{Channel: strings.TrimSpace(value.Value)}
		return nil
	}
	type fields RouteConfig
	var f fields
	if err := value.Decode(&f); err != nil {
		return err
	}
	*r = RouteConfig(f)
	return nil
}

// RoutesConfig is keyed by severity (`HIGH: syslog`) or given as a list of
// RouteConfig entries.
type RoutesConfig struct {
	Items []RouteConfig
}

func (r *RoutesConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		return value.Decode(&r.Items)
	}
	var bySeverity map[string]RouteConfig
	if err := value.Decode(&bySeverity); err != nil {
		return fmt.Errorf("notification.routes: %w", err)
	}
	r.Items = make([]RouteConfig, 0, len(bySeverity))
	for severity, route := range bySeverity {
		route.Severity = severity
		r.Items = append(r.Items, route)
	}
	sort.Slice(r.Items, func(i, j int) bool { return r.Items[i].Severity < r.Items[j].Severity })
	return nil
}

type NotificationConfig struct {
	Enabled          *bool        `yaml:"enabled"`
	Severities       []string     `yaml:"severities"`
	Type             string       `yaml:"type"`
	DefaultChannel   string       `yaml:"default_channel"`
	DefaultRecipient string       `yaml:"default_recipient"`
	Routes           RoutesConfig `yaml:"routes"`
}

type BusConfig struct {
	// Driver is "memory" or "kafka".
	Driver      string   `yaml:"driver"`
	Brokers     []string `yaml:"brokers"`
	Group       string   `yaml:"group"`
	IngestTopic string   `yaml:"ingest_topic"`
	Partitions  int      `yaml:"partitions"`
}

type ConsumerConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

type SweeperConfig struct {
	Interval            time.Duration `yaml:"interval"`
	ExpireAfter         time.Duration `yaml:"expire_after"`
	RedispatchAfter     time.Duration `yaml:"redispatch_after"`
	MaxDispatchAttempts int           `yaml:"max_dispatch_attempts"`
	BatchSize           int           `yaml:"batch_size"`
	Timeout             time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// TokenHash is a bcrypt hash of the bearer token required on write endpoints.
	TokenHash string `yaml:"token_hash"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type SyslogConfig struct {
	Addr    string            `yaml:"addr"`
	AppName string            `yaml:"app_name"`
	Labels  map[string]string `yaml:"labels"`
}

type DeliveryConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	RatePerSec   float64       `yaml:"rate_per_sec"`
	Burst        int           `yaml:"burst"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// Fallback names the channel that carries notifications routed to a
	// channel with no sender of its own (EMAIL by default).
	Fallback string        `yaml:"fallback"`
	Webhook  WebhookConfig `yaml:"webhook"`
	Syslog   SyslogConfig  `yaml:"syslog"`
}

type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
	Notification NotificationConfig `yaml:"notification"`
	Bus          BusConfig          `yaml:"bus"`
	Consumer     ConsumerConfig     `yaml:"consumer"`
	Sweeper      SweeperConfig      `yaml:"sweeper"`
	HTTP         HTTPConfig         `yaml:"http"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	Debug        bool               `yaml:"debug"`
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func boolPtr(v bool) *bool { return &v }

func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = "log-correlator.db"
	}

	if c.Analysis.Enabled == nil {
		c.Analysis.Enabled = boolPtr(true)
	}
	if c.Analysis.AutoRequest == nil {
		c.Analysis.AutoRequest = boolPtr(true)
	}
	if strings.TrimSpace(c.Analysis.MinSeverity) == "" {
		c.Analysis.MinSeverity = string(SeverityError)
	}
	if c.Analysis.AnalysisType == "" {
		c.Analysis.AnalysisType = DefaultAnalysisType
	}
	if c.Analysis.RequestTopic == "" {
		c.Analysis.RequestTopic = DefaultRequestTopic
	}
	if c.Analysis.ResultTopic == "" {
		c.Analysis.ResultTopic = DefaultResultTopic
	}

	if c.Notification.Enabled == nil {
		c.Notification.Enabled = boolPtr(true)
	}
	if len(c.Notification.Severities) == 0 {
		c.Notification.Severities = []string{"HIGH", "CRITICAL"}
	}
	if c.Notification.Type == "" {
		c.Notification.Type = DefaultNotificationType
	}
	if c.Notification.DefaultChannel == "" {
		c.Notification.DefaultChannel = "EMAIL"
	}
	if c.Notification.DefaultRecipient == "" {
		c.Notification.DefaultRecipient = "admin@example.com"
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Bus.Group == "" {
		c.Bus.Group = "log-correlator"
	}
	if c.Bus.IngestTopic == "" {
		c.Bus.IngestTopic = DefaultIngestTopic
	}
	if c.Bus.Partitions <= 0 {
		c.Bus.Partitions = 4
	}

	if c.Consumer.Workers <= 0 {
		c.Consumer.Workers = c.Bus.Partitions
	}
	if c.Consumer.MaxAttempts <= 0 {
		c.Consumer.MaxAttempts = 5
	}
	if c.Consumer.Backoff <= 0 {
		c.Consumer.Backoff = 500 * time.Millisecond
	}

	if c.Sweeper.Interval <= 0 {
		c.Sweeper.Interval = time.Minute
	}
	if c.Sweeper.ExpireAfter <= 0 {
		c.Sweeper.ExpireAfter = time.Hour
	}
	if c.Sweeper.RedispatchAfter <= 0 {
		c.Sweeper.RedispatchAfter = 2 * time.Minute
	}
	if c.Sweeper.MaxDispatchAttempts <= 0 {
		c.Sweeper.MaxDispatchAttempts = 5
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 100
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}

	if c.Delivery.Workers <= 0 {
		c.Delivery.Workers = 2
	}
	if c.Delivery.QueueSize <= 0 {
		c.Delivery.QueueSize = 256
	}
	if c.Delivery.RatePerSec <= 0 {
		c.Delivery.RatePerSec = 10
	}
	if c.Delivery.Burst <= 0 {
		c.Delivery.Burst = 5
	}
	if c.Delivery.MaxAttempts <= 0 {
		c.Delivery.MaxAttempts = 3
	}
	if c.Delivery.RetryBackoff <= 0 {
		c.Delivery.RetryBackoff = 2 * time.Second
	}
	if c.Delivery.Webhook.Timeout <= 0 {
		c.Delivery.Webhook.Timeout = 10 * time.Second
	}
	if c.Delivery.Syslog.AppName == "" {
		c.Delivery.Syslog.AppName = "log-correlator"
	}
}

// Validate rejects settings that defaults cannot repair.
func (c *Config) Validate() error {
	if _, err := ParseSeverity(c.Analysis.MinSeverity); err != nil {
		return fmt.Errorf("analysis.min_severity: %w", err)
	}
	switch c.Bus.Driver {
	case "memory":
	case "kafka":
		if len(c.Bus.Brokers) == 0 {
			return fmt.Errorf("bus.brokers is required for the kafka driver")
		}
	default:
		return fmt.Errorf("bus.driver %q is not supported", c.Bus.Driver)
	}
	for _, r := range c.Notification.Routes.Items {
		if strings.TrimSpace(r.Severity) == "" || strings.TrimSpace(r.Channel) == "" {
			return fmt.Errorf("notification.routes: severity and channel are required")
		}
	}
	return nil
}

// TriggerPolicy derives the ingestion severity gate.
func (c *Config) TriggerPolicy() TriggerPolicy {
	min, err := ParseSeverity(c.Analysis.MinSeverity)
	if err != nil {
		min = SeverityError
	}
	return TriggerPolicy{
		Enabled:     c.Analysis.Enabled == nil || *c.Analysis.Enabled,
		AutoRequest: c.Analysis.AutoRequest == nil || *c.Analysis.AutoRequest,
		MinSeverity: min,
	}
}

// RouterOptions derives topic and payload settings for the analysis router.
func (c *Config) RouterOptions() RouterOptions {
	return RouterOptions{
		RequestTopic:  c.Analysis.RequestTopic,
		CallbackTopic: c.Analysis.ResultTopic,
		AnalysisType:  c.Analysis.AnalysisType,
	}
}

// GatePolicy derives the notification gate settings.
func (c *Config) GatePolicy() GatePolicy {
	p := GatePolicy{
		Enabled:    c.Notification.Enabled == nil || *c.Notification.Enabled,
		Severities: c.Notification.Severities,
		Type:       c.Notification.Type,
		Default:    Route{Channel: c.Notification.DefaultChannel, Recipient: c.Notification.DefaultRecipient},
		Routes:     make(map[string]Route, len(c.Notification.Routes.Items)),
	}
	for _, r := range c.Notification.Routes.Items {
		route := Route{Channel: strings.ToUpper(strings.TrimSpace(r.Channel)), Recipient: strings.TrimSpace(r.Recipient)}
		if route.Recipient == "" {
			route.Recipient = c.Notification.DefaultRecipient
		}
		p.Routes[strings.ToUpper(strings.TrimSpace(r.Severity))] = route
	}
	return p
}
