package pipeline

import (
	"time"

	"gorm.io/datatypes"
)

type RequestState string

const (
	RequestPending   RequestState = "PENDING"
	RequestCompleted RequestState = "COMPLETED"
	RequestFailed    RequestState = "FAILED"
	RequestExpired   RequestState = "EXPIRED"
)

type NotificationStatus string

const (
	NotificationPending  NotificationStatus = "PENDING"
	NotificationSent     NotificationStatus = "SENT"
	NotificationFailed   NotificationStatus = "FAILED"
	NotificationRetrying NotificationStatus = "RETRYING"
)

type LogEntry struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	EventID     string            `gorm:"uniqueIndex;size:64;not null" json:"eventId"`
	Timestamp   time.Time         `gorm:"index;not null" json:"timestamp"`
	Source      string            `gorm:"size:100;not null" json:"source"`
	ServiceName string            `gorm:"index:idx_log_service_env;size:100" json:"serviceName"`
	Environment string            `gorm:"index:idx_log_service_env;size:50" json:"environment"`
	Severity    Severity          `gorm:"index;size:16;not null" json:"severity"`
	Content     string            `gorm:"type:text;not null" json:"content"`
	ContentHash string            `gorm:"index;size:64;not null" json:"contentHash"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// AnalysisRequest tracks one in-flight analysis. The partial unique index keeps
// at most one PENDING row per log.
type AnalysisRequest struct {
	ID            uint         `gorm:"primaryKey" json:"-"`
	RequestID     string       `gorm:"uniqueIndex;size:36;not null" json:"requestId"`
	LogID         uint         `gorm:"index;uniqueIndex:uniq_pending_request_per_log,where:state = 'PENDING';not null" json:"logId"`
	CorrelationID string       `gorm:"index;size:64" json:"correlationId"`
	Priority      Priority     `gorm:"size:16" json:"priority"`
	State         RequestState `gorm:"index;size:16;not null" json:"state"`
	// Version is bumped on every state transition and checked by conditional updates.
	Version           int        `gorm:"not null;default:0" json:"version"`
	DispatchAttempts  int        `gorm:"not null;default:0" json:"dispatchAttempts"`
	LastDispatchError string     `gorm:"type:text" json:"lastDispatchError,omitempty"`
	DispatchedAt      *time.Time `json:"dispatchedAt,omitempty"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt         time.Time  `gorm:"index" json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type AnalysisResult struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	LogID             uint      `gorm:"index;not null" json:"logId"`
	RequestID         string    `gorm:"uniqueIndex;size:36;not null" json:"requestId"`
	CorrelationID     string    `gorm:"index;size:64" json:"correlationId"`
	Summary           string    `gorm:"type:text" json:"summary"`
	RootCause         string    `gorm:"type:text" json:"rootCause"`
	Recommendation    string    `gorm:"type:text" json:"recommendation"`
	Severity          string    `gorm:"index;size:20" json:"severity"` // analyzer rating, e.g. HIGH
	Confidence        float64   `json:"confidence"`
	Model             string    `gorm:"size:100" json:"model"`
	BifrostAnalysisID *int64    `gorm:"index" json:"bifrostAnalysisId,omitempty"` // analyzer-side id
	DurationSeconds   float64   `json:"durationSeconds"`
	AnalyzedAt        time.Time `gorm:"index;not null" json:"analyzedAt"`
	CreatedAt         time.Time `json:"createdAt"`
}

type Notification struct {
	ID               uint               `gorm:"primaryKey" json:"id"`
	LogID            uint               `gorm:"index;not null" json:"logId"`
	AnalysisResultID uint               `gorm:"index;not null" json:"analysisResultId"`
	Type             string             `gorm:"size:50;not null" json:"type"`
	Channel          string             `gorm:"size:50;not null" json:"channel"`
	Recipient        string             `gorm:"size:200;not null" json:"recipient"`
	Message          string             `gorm:"type:text;not null" json:"message"`
	Status           NotificationStatus `gorm:"index;size:20;not null" json:"status"`
	Attempts         int                `gorm:"not null;default:0" json:"attempts"`
	LastError        string             `gorm:"type:text" json:"lastError,omitempty"`
	SentAt           *time.Time         `gorm:"index" json:"sentAt,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// DeadLetter keeps an inbound message that could not be decoded or validated.
type DeadLetter struct {
	ID        uint   `gorm:"primaryKey"`
	Stream    string `gorm:"index;size:32"`
	Partition int
	Offset    int64
	Key       string `gorm:"size:256"`
	Reason    string `gorm:"type:text"`
	// EventID/RequestID are best-effort extracts from the raw payload.
	EventID     string `gorm:"index;size:64"`
	RequestID   string `gorm:"index;size:64"`
	PayloadZstd []byte
	SizeBytes   int
	ReceivedAt  time.Time `gorm:"index"`
}

// LogStatistic is an hourly rollup bucket.
type LogStatistic struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	Date         string    `gorm:"uniqueIndex:uniq_stat_bucket;size:10;not null" json:"date"`
	Hour         int       `gorm:"uniqueIndex:uniq_stat_bucket;not null" json:"hour"`
	ServiceName  string    `gorm:"uniqueIndex:uniq_stat_bucket;size:100" json:"serviceName"`
	Environment  string    `gorm:"uniqueIndex:uniq_stat_bucket;size:50" json:"environment"`
	Severity     Severity  `gorm:"uniqueIndex:uniq_stat_bucket;size:16" json:"severity"`
	LogCount     int64     `gorm:"not null;default:0" json:"count"`
	AvgSizeBytes float64   `json:"avgSizeBytes"`
	CreatedAt    time.Time `json:"-"`
}
