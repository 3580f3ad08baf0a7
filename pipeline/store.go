package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDB opens (or creates) the SQLite database and migrates every record set.
func OpenDB(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger: gormlogger.New(log.New(os.Stderr, "", log.LstdFlags), gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection keeps transactions serialized.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&LogEntry{}, &AnalysisRequest{}, &AnalysisResult{}, &Notification{}, &DeadLetter{}, &LogStatistic{}); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)"
}

// Store is the durable home of logs, analysis requests, results and notifications.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// OpenStore is OpenDB followed by NewStore.
func OpenStore(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// DB exposes the underlying handle for read-side adapters and tests.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func lookupErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return unavailable(op, err)
}

// ---- logs ----

func (s *Store) FindLogByEventID(ctx context.Context, eventID string) (*LogEntry, error) {
	var entry LogEntry
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&entry).Error; err != nil {
		return nil, lookupErr("find log by event id", err)
	}
	return &entry, nil
}

func (s *Store) GetLog(ctx context.Context, id uint) (*LogEntry, error) {
	var entry LogEntry
	if err := s.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		return nil, lookupErr("get log", err)
	}
	return &entry, nil
}

// CreateLog inserts entry unless its eventId already exists. When another writer
// won the race, entry is overwritten with the stored row and created is false.
func (s *Store) CreateLog(ctx context.Context, entry *LogEntry) (created bool, err error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return false, unavailable("create log", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	existing, err := s.FindLogByEventID(ctx, entry.EventID)
	if err != nil {
		return false, err
	}
	*entry = *existing
	return false, nil
}

// BumpHourlyStatistic adds entry to its hourly rollup bucket.
func (s *Store) BumpHourlyStatistic(ctx context.Context, entry *LogEntry) error {
	ts := entry.Timestamp.UTC()
	size := float64(len(entry.Content))
	stat := LogStatistic{
		Date:         ts.Format("2006-01-02"),
		Hour:         ts.Hour(),
		ServiceName:  entry.ServiceName,
		Environment:  entry.Environment,
		Severity:     entry.Severity,
		LogCount:     1,
		AvgSizeBytes: size,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}, {Name: "hour"}, {Name: "service_name"}, {Name: "environment"}, {Name: "severity"}},
		DoUpdates: clause.Assignments(map[string]any{
			"avg_size_bytes": gorm.Expr("(log_statistics.avg_size_bytes * log_statistics.log_count + ?) / (log_statistics.log_count + 1)", size),
			"log_count":      gorm.Expr("log_statistics.log_count + 1"),
		}),
	}).Create(&stat).Error
	if err != nil {
		return unavailable("bump hourly statistic", err)
	}
	return nil
}

// HourlyStatistics returns the buckets of one UTC day, optionally narrowed by
// service and environment.
func (s *Store) HourlyStatistics(ctx context.Context, date string, serviceName string, environment string) ([]LogStatistic, error) {
	q := s.db.WithContext(ctx).Where("date = ?", date)
	if serviceName != "" {
		q = q.Where("service_name = ?", serviceName)
	}
	if environment != "" {
		q = q.Where("environment = ?", environment)
	}
	var stats []LogStatistic
	if err := q.Order("hour asc, severity asc").Find(&stats).Error; err != nil {
		return nil, unavailable("hourly statistics", err)
	}
	return stats, nil
}

// ---- analysis requests ----

func (s *Store) GetRequest(ctx context.Context, requestID string) (*AnalysisRequest, error) {
	var req AnalysisRequest
	if err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&req).Error; err != nil {
		return nil, lookupErr("get analysis request", err)
	}
	return &req, nil
}

// CreatePendingRequest stores req as PENDING unless the log already has a pending
// request, in which case that one is returned with created=false.
func (s *Store) CreatePendingRequest(ctx context.Context, req *AnalysisRequest) (*AnalysisRequest, bool, error) {
	req.State = RequestPending
	var out *AnalysisRequest
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing AnalysisRequest
		err := tx.Where("log_id = ? AND state = ?", req.LogID, RequestPending).First(&existing).Error
		if err == nil {
			out = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(req)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Where("log_id = ? AND state = ?", req.LogID, RequestPending).First(&existing).Error; err != nil {
				return err
			}
			out = &existing
			return nil
		}
		out = req
		created = true
		return nil
	})
	if err != nil {
		return nil, false, unavailable("create pending request", err)
	}
	return out, created, nil
}

// MarkDispatched records a successful publish.
func (s *Store) MarkDispatched(ctx context.Context, requestID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&AnalysisRequest{}).
		Where("request_id = ?", requestID).
		Updates(map[string]any{
			"dispatch_attempts":   gorm.Expr("dispatch_attempts + 1"),
			"dispatched_at":       at.UTC(),
			"last_dispatch_error": "",
		}).Error
	if err != nil {
		return unavailable("mark dispatched", err)
	}
	return nil
}

// RecordDispatchFailure counts a failed publish. The request stays PENDING.
func (s *Store) RecordDispatchFailure(ctx context.Context, requestID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := s.db.WithContext(ctx).Model(&AnalysisRequest{}).
		Where("request_id = ?", requestID).
		Updates(map[string]any{
			"dispatch_attempts":   gorm.Expr("dispatch_attempts + 1"),
			"last_dispatch_error": msg,
		}).Error
	if err != nil {
		return unavailable("record dispatch failure", err)
	}
	return nil
}

// CompleteRequest moves req from PENDING to COMPLETED and stores result in the
// same transaction. The update is conditional on the version read by the
// caller, so of two concurrent deliveries only one can succeed; the other gets
// ErrStateConflict.
func (s *Store) CompleteRequest(ctx context.Context, req *AnalysisRequest, result *AnalysisResult) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&AnalysisRequest{}).
			Where("request_id = ? AND state = ? AND version = ?", req.RequestID, RequestPending, req.Version).
			Updates(map[string]any{
				"state":       RequestCompleted,
				"version":     gorm.Expr("version + 1"),
				"resolved_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStateConflict
		}
		result.RequestID = req.RequestID
		result.LogID = req.LogID
		return tx.Create(result).Error
	})
	if errors.Is(err, ErrStateConflict) {
		return fmt.Errorf("complete request %s: %w", req.RequestID, ErrStateConflict)
	}
	if err != nil {
		return unavailable("complete request", err)
	}
	req.State = RequestCompleted
	req.Version++
	req.ResolvedAt = &now
	return nil
}

// TransitionRequest moves a request between states only if it is currently in from.
func (s *Store) TransitionRequest(ctx context.Context, requestID string, from RequestState, to RequestState) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"state":      to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	if to != RequestPending {
		updates["resolved_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&AnalysisRequest{}).
		Where("request_id = ? AND state = ?", requestID, from).
		Updates(updates)
	if res.Error != nil {
		return unavailable("transition request", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetRequest(ctx, requestID); err != nil {
			return err
		}
		return fmt.Errorf("transition request %s %s->%s: %w", requestID, from, to, ErrStateConflict)
	}
	return nil
}

// ListPendingOlderThan returns PENDING requests created before cutoff, oldest first.
func (s *Store) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]AnalysisRequest, error) {
	q := s.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", RequestPending, cutoff.UTC()).
		Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var reqs []AnalysisRequest
	if err := q.Find(&reqs).Error; err != nil {
		return nil, unavailable("list pending requests", err)
	}
	return reqs, nil
}

// ExpirePendingOlderThan marks every PENDING request created before cutoff EXPIRED.
func (s *Store) ExpirePendingOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&AnalysisRequest{}).
		Where("state = ? AND created_at < ?", RequestPending, cutoff.UTC()).
		Updates(map[string]any{
			"state":       RequestExpired,
			"version":     gorm.Expr("version + 1"),
			"resolved_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return 0, unavailable("expire pending requests", res.Error)
	}
	return res.RowsAffected, nil
}

// ListUndispatched returns PENDING requests that were never published
// successfully, created before cutoff and with fewer than maxAttempts tries.
func (s *Store) ListUndispatched(ctx context.Context, cutoff time.Time, maxAttempts int, limit int) ([]AnalysisRequest, error) {
	q := s.db.WithContext(ctx).
		Where("state = ? AND dispatched_at IS NULL AND created_at < ?", RequestPending, cutoff.UTC())
	if maxAttempts > 0 {
		q = q.Where("dispatch_attempts < ?", maxAttempts)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var reqs []AnalysisRequest
	if err := q.Order("id asc").Find(&reqs).Error; err != nil {
		return nil, unavailable("list undispatched requests", err)
	}
	return reqs, nil
}

// FailExhaustedDispatches marks PENDING requests that used up maxAttempts
// publishes without success as FAILED.
func (s *Store) FailExhaustedDispatches(ctx context.Context, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&AnalysisRequest{}).
		Where("state = ? AND dispatched_at IS NULL AND dispatch_attempts >= ?", RequestPending, maxAttempts).
		Updates(map[string]any{
			"state":       RequestFailed,
			"version":     gorm.Expr("version + 1"),
			"resolved_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return 0, unavailable("fail exhausted dispatches", res.Error)
	}
	return res.RowsAffected, nil
}

// ---- analysis results ----

// LatestResultForLog returns the most recently analyzed result of a log.
func (s *Store) LatestResultForLog(ctx context.Context, logID uint) (*AnalysisResult, error) {
	var result AnalysisResult
	err := s.db.WithContext(ctx).
		Where("log_id = ?", logID).
		Order("analyzed_at desc, id desc").
		First(&result).Error
	if err != nil {
		return nil, lookupErr("latest result for log", err)
	}
	return &result, nil
}

func (s *Store) ResultsForLog(ctx context.Context, logID uint) ([]AnalysisResult, error) {
	var results []AnalysisResult
	if err := s.db.WithContext(ctx).Where("log_id = ?", logID).Order("analyzed_at asc, id asc").Find(&results).Error; err != nil {
		return nil, unavailable("results for log", err)
	}
	return results, nil
}

// ---- notifications ----

func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	if n.Status == "" {
		n.Status = NotificationPending
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return unavailable("create notification", err)
	}
	return nil
}

func (s *Store) GetNotification(ctx context.Context, id uint) (*Notification, error) {
	var n Notification
	if err := s.db.WithContext(ctx).First(&n, id).Error; err != nil {
		return nil, lookupErr("get notification", err)
	}
	return &n, nil
}

func (s *Store) NotificationsForLog(ctx context.Context, logID uint) ([]Notification, error) {
	var ns []Notification
	if err := s.db.WithContext(ctx).Where("log_id = ?", logID).Order("id asc").Find(&ns).Error; err != nil {
		return nil, unavailable("notifications for log", err)
	}
	return ns, nil
}

// UpdateNotificationStatus applies a delivery report. Only PENDING and RETRYING
// notifications accept reports; SENT and FAILED are final.
func (s *Store) UpdateNotificationStatus(ctx context.Context, id uint, status NotificationStatus, detail string) error {
	switch status {
	case NotificationSent, NotificationFailed, NotificationRetrying:
	default:
		return invalid("status", fmt.Sprintf("%q is not a reportable delivery status", status))
	}
	now := time.Now().UTC()
	updates := map[string]any{
		"status":     status,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": detail,
		"updated_at": now,
	}
	if status == NotificationSent {
		updates["sent_at"] = now
		updates["last_error"] = ""
	}
	res := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND status IN ?", id, []NotificationStatus{NotificationPending, NotificationRetrying}).
		Updates(updates)
	if res.Error != nil {
		return unavailable("update notification status", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetNotification(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("update notification %d to %s: %w", id, status, ErrStateConflict)
	}
	return nil
}

// ---- dead letters ----

func (s *Store) RecordDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl.ReceivedAt.IsZero() {
		dl.ReceivedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(dl).Error; err != nil {
		return unavailable("record dead letter", err)
	}
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, stream string, limit int) ([]DeadLetter, error) {
	q := s.db.WithContext(ctx).Order("id asc")
	if stream != "" {
		q = q.Where("stream = ?", stream)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []DeadLetter
	if err := q.Find(&out).Error; err != nil {
		return nil, unavailable("list dead letters", err)
	}
	return out, nil
}
