package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultIngestTopic      = "logs.ingestion"
	DefaultRequestTopic     = "analysis.request"
	DefaultResultTopic      = "analysis.result"
	DefaultAnalysisType     = "error"
	DefaultNotificationType = "ANALYSIS_ALERT"
)

// wireTimeLayout is the second-precision UTC form the analyzer side emits.
const wireTimeLayout = "2006-01-02T15:04:05Z"

// Timestamp decodes the time forms producers send: RFC3339 (with or without
// fraction), zone-less "2006-01-02T15:04:05" and "2006-01-02 15:04:05" read as
// UTC, or unix seconds. It always encodes as RFC3339 UTC.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] != '"' {
		sec, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil || sec <= 0 {
			return fmt.Errorf("unsupported timestamp %s", b)
		}
		t.Time = time.Unix(sec, 0).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	ts, ok := parseTimeString(s)
	if !ok {
		return fmt.Errorf("unsupported timestamp %q", s)
	}
	t.Time = ts
	return nil
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), true
	}
	layouts := []string{
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05.000",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// IngestEvent is an inbound log event.
type IngestEvent struct {
	EventID     string         `json:"eventId"`
	Timestamp   Timestamp      `json:"timestamp"`
	Source      string         `json:"source"`
	ServiceName string         `json:"serviceName,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Severity    string         `json:"severity"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts "logContent" as an alias of "content".
func (e *IngestEvent) UnmarshalJSON(b []byte) error {
	type plain IngestEvent
	var aux struct {
		plain
		LogContent *string `json:"logContent"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*e = IngestEvent(aux.plain)
	if e.Content == "" && aux.LogContent != nil {
		e.Content = *aux.LogContent
	}
	return nil
}

// AnalysisRequestMessage is published to the analyzer.
type AnalysisRequestMessage struct {
	RequestID     string   `json:"requestId"`
	LogID         uint     `json:"logId"`
	Content       string   `json:"logContent"`
	ServiceName   string   `json:"serviceName,omitempty"`
	Environment   string   `json:"environment,omitempty"`
	AnalysisType  string   `json:"analysisType"`
	Priority      Priority `json:"priority"`
	CallbackTopic string   `json:"callbackTopic"`
	CorrelationID string   `json:"correlationId"`
	Timestamp     string   `json:"timestamp"`
}

// AnalysisDetail is the analyzer's verdict.
type AnalysisDetail struct {
	Summary        string   `json:"summary"`
	RootCause      string   `json:"rootCause"`
	Recommendation string   `json:"recommendation"`
	Severity       string   `json:"severity"`
	Confidence     *float64 `json:"confidence"`
}

// AnalysisResultMessage comes back from the analyzer. LogID is optional; when
// present it must agree with the request's log.
type AnalysisResultMessage struct {
	RequestID         string         `json:"requestId"`
	CorrelationID     string         `json:"correlationId,omitempty"`
	LogID             uint           `json:"logId,omitempty"`
	Timestamp         Timestamp      `json:"timestamp"`
	Result            AnalysisDetail `json:"analysisResult"`
	Model             string         `json:"model,omitempty"`
	DurationSeconds   float64        `json:"durationSeconds,omitempty"`
	BifrostAnalysisID *int64         `json:"bifrostAnalysisId,omitempty"`
}

// UnmarshalJSON accepts the verdict either nested under "analysisResult" or
// as top-level fields. Nested values win.
func (m *AnalysisResultMessage) UnmarshalJSON(b []byte) error {
	type plain AnalysisResultMessage
	var aux struct {
		plain
		AnalysisDetail
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*m = AnalysisResultMessage(aux.plain)
	flat := aux.AnalysisDetail
	if m.Result.Summary == "" {
		m.Result.Summary = flat.Summary
	}
	if m.Result.RootCause == "" {
		m.Result.RootCause = flat.RootCause
	}
	if m.Result.Recommendation == "" {
		m.Result.Recommendation = flat.Recommendation
	}
	if m.Result.Severity == "" {
		m.Result.Severity = flat.Severity
	}
	if m.Result.Confidence == nil {
		m.Result.Confidence = flat.Confidence
	}
	return nil
}

// Validate checks the fields the correlator depends on.
func (m AnalysisResultMessage) Validate() error {
	if strings.TrimSpace(m.RequestID) == "" {
		return invalid("requestId", "is required")
	}
	if m.Result.Confidence != nil {
		c := *m.Result.Confidence
		if c < 0 || c > 1 {
			return invalid("analysisResult.confidence", fmt.Sprintf("%v is outside [0,1]", c))
		}
	}
	if m.DurationSeconds < 0 {
		return invalid("durationSeconds", "must not be negative")
	}
	return nil
}

func formatWireTime(t time.Time) string {
	return t.UTC().Format(wireTimeLayout)
}
