package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// NotificationStore is the part of the store the gate needs.
type NotificationStore interface {
	GetLog(ctx context.Context, id uint) (*LogEntry, error)
	CreateNotification(ctx context.Context, n *Notification) error
	UpdateNotificationStatus(ctx context.Context, id uint, status NotificationStatus, detail string) error
}

type Route struct {
	Channel   string
	Recipient string
}

// GatePolicy decides which analyzer severities alert and where they go.
type GatePolicy struct {
	Enabled bool
	// Severities that alert, compared case-insensitively.
	Severities []string
	Type       string
	Default    Route
	// Routes overrides Default per analyzer severity (upper case keys).
	Routes map[string]Route
}

func DefaultGatePolicy() GatePolicy {
	return GatePolicy{
		Enabled:    true,
		Severities: []string{"HIGH", "CRITICAL"},
		Type:       DefaultNotificationType,
		Default:    Route{Channel: "EMAIL", Recipient: "admin@example.com"},
	}
}

// Delivery is what the external delivery side receives.
type Delivery struct {
	NotificationID uint   `json:"notificationId"`
	Channel        string `json:"channel"`
	Recipient      string `json:"recipient"`
	Message        string `json:"message"`
}

// Deliverer accepts a notification for asynchronous delivery. Outcomes come
// back through Store.UpdateNotificationStatus.
type Deliverer interface {
	Enqueue(ctx context.Context, d Delivery) error
}

type Gate struct {
	store      NotificationStore
	deliverer  Deliverer
	policy     GatePolicy
	severities map[string]struct{}
	metrics    Metrics
	logger     *zap.Logger
}

func NewGate(store NotificationStore, deliverer Deliverer, logger *zap.Logger, policy GatePolicy, metrics Metrics) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Type == "" {
		policy.Type = DefaultNotificationType
	}
	if policy.Default.Channel == "" {
		policy.Default.Channel = "EMAIL"
	}
	set := make(map[string]struct{}, len(policy.Severities))
	for _, s := range policy.Severities {
		set[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return &Gate{
		store:      store,
		deliverer:  deliverer,
		policy:     policy,
		severities: set,
		metrics:    metricsOrNop(metrics),
		logger:     logger.Named("notify"),
	}
}

// Qualifies reports whether an analyzer severity warrants a notification.
func (g *Gate) Qualifies(resultSeverity string) bool {
	if !g.policy.Enabled {
		return false
	}
	_, ok := g.severities[strings.ToUpper(strings.TrimSpace(resultSeverity))]
	return ok
}

// Route picks the channel and recipient for an analyzer severity.
func (g *Gate) Route(resultSeverity string) Route {
	if r, ok := g.policy.Routes[strings.ToUpper(strings.TrimSpace(resultSeverity))]; ok {
		if r.Recipient == "" {
			r.Recipient = g.policy.Default.Recipient
		}
		return r
	}
	return g.policy.Default
}

// Notify records a PENDING notification for result and hands it to the
// deliverer. It returns nil, nil when result does not qualify. A deliverer
// that refuses the hand-off marks the notification FAILED.
func (g *Gate) Notify(ctx context.Context, result *AnalysisResult) (*Notification, error) {
	if result == nil || !g.Qualifies(result.Severity) {
		return nil, nil
	}
	entry, err := g.store.GetLog(ctx, result.LogID)
	if err != nil {
		return nil, err
	}
	route := g.Route(result.Severity)
	n := &Notification{
		LogID:            result.LogID,
		AnalysisResultID: result.ID,
		Type:             g.policy.Type,
		Channel:          route.Channel,
		Recipient:        route.Recipient,
		Message:          BuildMessage(entry, result),
		Status:           NotificationPending,
	}
	if err := g.store.CreateNotification(ctx, n); err != nil {
		return nil, err
	}
	g.metrics.NotificationCreated(n.Channel)
	g.logger.Info("notification created",
		zap.Uint("notificationId", n.ID),
		zap.Uint("resultId", result.ID),
		zap.Uint("logId", result.LogID),
		zap.String("channel", n.Channel),
	)

	if g.deliverer == nil {
		return n, nil
	}
	d := Delivery{NotificationID: n.ID, Channel: n.Channel, Recipient: n.Recipient, Message: n.Message}
	if err := g.deliverer.Enqueue(ctx, d); err != nil {
		g.metrics.NotificationFailed(n.Channel)
		g.logger.Warn("notification not handed to delivery", zap.Uint("notificationId", n.ID), zap.Error(err))
		if uerr := g.store.UpdateNotificationStatus(ctx, n.ID, NotificationFailed, err.Error()); uerr != nil {
			g.logger.Warn("notification status not updated", zap.Uint("notificationId", n.ID), zap.Error(uerr))
		} else {
			n.Status = NotificationFailed
			n.Attempts++
			n.LastError = err.Error()
		}
	}
	return n, nil
}

// NotifyBestEffort is Notify with failures logged and dropped. The analysis
// result that triggered it is already committed.
func (g *Gate) NotifyBestEffort(ctx context.Context, result *AnalysisResult) *Notification {
	n, err := g.Notify(ctx, result)
	if err != nil {
		g.metrics.NotificationFailed(g.Route(result.Severity).Channel)
		g.logger.Error("notification not created",
			zap.Uint("resultId", result.ID),
			zap.Uint("logId", result.LogID),
			zap.Error(err),
		)
		return nil
	}
	return n
}

// BuildMessage renders the alert text for a result on entry.
func BuildMessage(entry *LogEntry, result *AnalysisResult) string {
	service, env := "", ""
	if entry != nil {
		service, env = entry.ServiceName, entry.Environment
	}
	return fmt.Sprintf(
		"Log Analysis Alert\n\n"+
			"Service: %s\n"+
			"Environment: %s\n"+
			"Severity: %s\n\n"+
			"Summary: %s\n"+
			"Root Cause: %s\n"+
			"Recommendation: %s\n\n"+
			"Confidence: %.2f%%",
		orUnknown(service),
		orUnknown(env),
		result.Severity,
		result.Summary,
		result.RootCause,
		result.Recommendation,
		result.Confidence*100,
	)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
