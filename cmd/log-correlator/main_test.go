package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"log-correlator/pipeline"
)

func TestHashTokenCmd(t *testing.T) {
	cmd := newHashTokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"s3cret"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Fatalf("printed hash does not match token: %v", err)
	}
}

func TestAppChannels_FallbackDefaultsToFirst(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.Delivery.Webhook.URL = "https://hooks.example.com/alerts"
	cfg.Delivery.Syslog.Addr = "127.0.0.1:514"
	a := &app{cfg: cfg}

	chans, fallback, err := a.channels()
	if err != nil {
		t.Fatal(err)
	}
	if len(chans) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(chans))
	}
	if fallback != "WEBHOOK" {
		t.Fatalf("expected WEBHOOK fallback, got %q", fallback)
	}

	cfg.Delivery.Fallback = "syslog"
	_, fallback, err = a.channels()
	if err != nil {
		t.Fatal(err)
	}
	if fallback != "SYSLOG" {
		t.Fatalf("expected configured fallback, got %q", fallback)
	}
}

func TestAppChannels_InvalidWebhook(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.Delivery.Webhook.URL = "ftp://nope"
	if _, _, err := (&app{cfg: cfg}).channels(); err == nil {
		t.Fatal("expected invalid webhook URL to fail")
	}
}

func TestCheckServeBus(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	if err := checkServeBus(cfg); err == nil {
		t.Fatal("memory bus with analysis enabled must be refused")
	}

	off := false
	cfg.Analysis.Enabled = &off
	if err := checkServeBus(cfg); err != nil {
		t.Fatalf("memory bus without analysis: %v", err)
	}

	cfg = pipeline.DefaultConfig()
	cfg.Bus.Driver = "kafka"
	cfg.Bus.Brokers = []string{"localhost:9092"}
	if err := checkServeBus(cfg); err != nil {
		t.Fatalf("kafka bus: %v", err)
	}
}

func TestSweepCmd_MemoryBusLeavesRequestsUndispatched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.db")
	ctx := context.Background()

	store, err := pipeline.OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	entry := &pipeline.LogEntry{
		EventID:     "evt-1",
		Timestamp:   time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC),
		Source:      "api",
		Severity:    pipeline.SeverityError,
		Content:     "disk full",
		ContentHash: pipeline.Fingerprint("disk full"),
	}
	if _, err := store.CreateLog(ctx, entry); err != nil {
		t.Fatal(err)
	}
	req := &pipeline.AnalysisRequest{RequestID: "req-1", LogID: entry.ID, CorrelationID: "evt-1", Priority: pipeline.PriorityHigh}
	if _, _, err := store.CreatePendingRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	// Old enough to be redispatched, young enough not to expire.
	err = store.DB().Model(&pipeline.AnalysisRequest{}).
		Where("request_id = ?", "req-1").
		UpdateColumn("created_at", time.Now().UTC().Add(-10*time.Minute)).Error
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	root := newRootCmd()
	root.SetArgs([]string{"sweep", "--db", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	store, err = pipeline.OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	got, err := store.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != pipeline.RequestPending {
		t.Fatalf("expected PENDING, got %s", got.State)
	}
	if got.DispatchedAt != nil || got.DispatchAttempts != 0 {
		t.Fatalf("memory sweep must not dispatch: dispatchedAt=%v attempts=%d", got.DispatchedAt, got.DispatchAttempts)
	}
}
