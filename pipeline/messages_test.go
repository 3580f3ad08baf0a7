package pipeline

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimestamp_AcceptedForms(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	inputs := []string{
		`"2026-03-01T10:15:00Z"`,
		`"2026-03-01T11:15:00+01:00"`,
		`"2026-03-01T10:15:00"`,
		`"2026-03-01 10:15:00"`,
		`1772360100`,
	}
	for _, in := range inputs {
		var ts Timestamp
		if err := json.Unmarshal([]byte(in), &ts); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if !ts.Equal(want) {
			t.Fatalf("unmarshal %s: got %s want %s", in, ts.Time, want)
		}
	}
}

func TestTimestamp_RejectsGarbage(t *testing.T) {
	for _, in := range []string{`"yesterday"`, `true`, `-5`} {
		var ts Timestamp
		if err := json.Unmarshal([]byte(in), &ts); err == nil {
			t.Fatalf("expected error for %s, got %s", in, ts.Time)
		}
	}
	var ts Timestamp
	if err := json.Unmarshal([]byte(`null`), &ts); err != nil || !ts.IsZero() {
		t.Fatalf("null should decode to zero time, got %v / %v", ts.Time, err)
	}
}

func TestIngestEvent_LogContentAlias(t *testing.T) {
	var ev IngestEvent
	raw := `{"eventId":"e1","timestamp":"2026-03-01T10:15:00Z","source":"api","severity":"ERROR","logContent":"disk full"}`
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Content != "disk full" {
		t.Fatalf("expected alias to fill content, got %q", ev.Content)
	}

	raw = `{"eventId":"e1","content":"primary","logContent":"alias"}`
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Content != "primary" {
		t.Fatalf("content should win over logContent, got %q", ev.Content)
	}
}

func TestAnalysisResultMessage_FlatAndNested(t *testing.T) {
	var flat AnalysisResultMessage
	raw := `{"requestId":"r1","summary":"s","rootCause":"rc","recommendation":"fix","severity":"HIGH","confidence":0.8}`
	if err := json.Unmarshal([]byte(raw), &flat); err != nil {
		t.Fatal(err)
	}
	if flat.RequestID != "r1" || flat.Result.Summary != "s" || flat.Result.Severity != "HIGH" {
		t.Fatalf("flat fields not picked up: %+v", flat)
	}
	if flat.Result.Confidence == nil || *flat.Result.Confidence != 0.8 {
		t.Fatalf("flat confidence not picked up: %+v", flat.Result.Confidence)
	}

	var nested AnalysisResultMessage
	raw = `{"requestId":"r2","logId":7,"timestamp":"2026-03-01T10:20:00Z","severity":"LOW","analysisResult":{"summary":"n","severity":"CRITICAL","confidence":0.5}}`
	if err := json.Unmarshal([]byte(raw), &nested); err != nil {
		t.Fatal(err)
	}
	if nested.Result.Severity != "CRITICAL" {
		t.Fatalf("nested severity should win, got %q", nested.Result.Severity)
	}
	if nested.LogID != 7 || nested.Timestamp.IsZero() {
		t.Fatalf("envelope fields lost: %+v", nested)
	}
}

func TestAnalysisResultMessage_Validate(t *testing.T) {
	c := 0.4
	ok := AnalysisResultMessage{RequestID: "r1", Result: AnalysisDetail{Confidence: &c}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	neg := -0.1
	for _, m := range []AnalysisResultMessage{
		{},
		{RequestID: "r1", Result: AnalysisDetail{Confidence: &neg}},
		{RequestID: "r1", DurationSeconds: -1},
	} {
		if err := m.Validate(); !IsValidation(err) {
			t.Fatalf("expected validation error for %+v, got %v", m, err)
		}
	}
}
