package delivery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"log-correlator/pipeline"
)

const defaultSyslogTimeout = 3 * time.Second

type SyslogConfig struct {
	Addr    string
	AppName string
	// Labels are constant structured-data params added to every line.
	Labels  map[string]string
	Timeout time.Duration
}

// SyslogChannel writes one RFC5424 line per delivery over TCP.
type SyslogChannel struct {
	addr    string
	appName string
	labels  map[string]string
	timeout time.Duration
	host    string
}

func NewSyslogChannel(cfg SyslogConfig) (*SyslogChannel, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("syslog addr is required")
	}
	if cfg.AppName == "" {
		cfg.AppName = "log-correlator"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSyslogTimeout
	}
	host, _ := os.Hostname()
	return &SyslogChannel{
		addr:    cfg.Addr,
		appName: cfg.AppName,
		labels:  cfg.Labels,
		timeout: cfg.Timeout,
		host:    host,
	}, nil
}

func (s *SyslogChannel) Name() string { return "SYSLOG" }

func (s *SyslogChannel) Send(ctx context.Context, d pipeline.Delivery) error {
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(s.formatLine(time.Now(), d)); err != nil {
		return err
	}
	return w.Flush()
}

func (s *SyslogChannel) formatLine(now time.Time, d pipeline.Delivery) string {
	kv := make(map[string]string, len(s.labels)+3)
	for k, v := range s.labels {
		kv[k] = v
	}
	kv["notification_id"] = strconv.FormatUint(uint64(d.NotificationID), 10)
	kv["channel"] = d.Channel
	kv["recipient"] = d.Recipient

	pri := 132 // local0.warning
	ts := now.UTC().Format(time.RFC3339Nano)
	msg := strings.Join(strings.Fields(strings.ReplaceAll(d.Message, "\n", " | ")), " ")
	return fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n", pri, ts, sanitizeSyslogToken(s.host), sanitizeSyslogToken(s.appName), buildStructuredData("logcorr", kv), msg)
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// buildStructuredData renders one SD-ELEMENT. Well-known keys come first, the
// rest in sorted order; empty values are skipped.
func buildStructuredData(sdID string, kv map[string]string) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)
	preferredOrder := []string{"env", "site", "cluster", "notification_id", "channel", "recipient"}
	seen := make(map[string]struct{}, len(kv))
	writeParam := func(k, v string) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(escapeSDParam(v))
		b.WriteString("\"")
	}
	for _, k := range preferredOrder {
		v, ok := kv[k]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		seen[k] = struct{}{}
		writeParam(k, v)
	}
	extraKeys := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok || strings.TrimSpace(v) == "" {
			continue
		}
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		writeParam(k, kv[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "]", "\\]")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	return v
}
