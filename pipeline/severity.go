package pipeline

import (
	"fmt"
	"strings"
)

// Severity is the producer-assigned level of a log entry.
type Severity string

const (
	SeverityDebug Severity = "DEBUG"
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
	SeverityFatal Severity = "FATAL"
)

// Severities lists every level in ascending order.
var Severities = []Severity{SeverityDebug, SeverityInfo, SeverityWarn, SeverityError, SeverityFatal}

var severityRank = map[Severity]int{
	SeverityDebug: 1,
	SeverityInfo:  2,
	SeverityWarn:  3,
	SeverityError: 4,
	SeverityFatal: 5,
}

// ParseSeverity maps producer input onto a known level:
// - debug -> DEBUG
// - info -> INFO
// - warn/warning -> WARN
// - error -> ERROR
// - fatal -> FATAL
func ParseSeverity(v string) (Severity, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	switch s {
	case "WARNING":
		return SeverityWarn, nil
	case "":
		return "", fmt.Errorf("severity is empty")
	}
	sev := Severity(s)
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return sev, nil
}

// Valid reports whether s is one of the known levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is ordered at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min] && s.Valid()
}

func (s Severity) String() string { return string(s) }

// Priority is attached to outbound analysis requests.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// priorityBySeverity must cover every entry in Severities.
var priorityBySeverity = map[Severity]Priority{
	SeverityFatal: PriorityCritical,
	SeverityError: PriorityHigh,
	SeverityWarn:  PriorityMedium,
	SeverityInfo:  PriorityLow,
	SeverityDebug: PriorityLow,
}

// PriorityFor returns the analysis priority for a log severity.
func PriorityFor(s Severity) Priority {
	if p, ok := priorityBySeverity[s]; ok {
		return p
	}
	return PriorityLow
}
