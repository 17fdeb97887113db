package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// RunSummary is what gets reported when a source run closes.
type RunSummary struct {
	Source     string
	RunKey     string
	Trigger    string
	Status     string
	Result     Result
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunReporter ships run summaries to an external collector.
type RunReporter interface {
	ReportRun(ctx context.Context, s RunSummary) error
}

type SyslogSender interface {
	SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error
}

type SyslogClient struct {
	addr string
}

func NewSyslogClient(addr string) *SyslogClient {
	return &SyslogClient{addr: addr}
}

// SendRFC5424Timeout writes one RFC 5424 line over TCP. A zero timeout
// disables the dial and write deadline.
func (c *SyslogClient) SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "-"
	}
	pri := 134 // local0.info
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if appName == "" {
		appName = "facility-ingest"
	}
	if structuredData == "" {
		structuredData = "-"
	}

	line := fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n", pri, ts, sanitizeSyslogToken(host), sanitizeSyslogToken(appName), structuredData, strings.TrimSpace(message))

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.Flush()
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// SyslogReporter sends one line per closed run, so a collector can alarm on
// failed runs or on runs that stop arriving.
type SyslogReporter struct {
	sender  SyslogSender
	job     string
	timeout time.Duration
}

func NewSyslogReporter(sender SyslogSender, cfg ReportConfig) *SyslogReporter {
	return &SyslogReporter{sender: sender, job: cfg.Job, timeout: cfg.Timeout}
}

func (r *SyslogReporter) ReportRun(ctx context.Context, s RunSummary) error {
	msg := map[string]any{
		"source":         s.Source,
		"run_key":        s.RunKey,
		"status":         s.Status,
		"error":          s.Error,
		"started_at":     s.StartedAt.UTC().Format(time.RFC3339Nano),
		"finished_at":    s.FinishedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms":    s.FinishedAt.Sub(s.StartedAt).Milliseconds(),
		"fetched_count":  s.Result.Fetched,
		"upserted_count": s.Result.Upserted,
		"changed_count":  s.Result.Changed,
		"skipped_count":  s.Result.Skipped,
		"pages":          s.Result.Pages,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	structured := runStructuredData(r.job, s)

	timeout := r.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && (timeout <= 0 || left < timeout) {
			timeout = left
		}
	}
	return r.sender.SendRFC5424Timeout("facility-ingest", structured, string(b), timeout)
}

// runStructuredData renders the [ingest ...] SD-ELEMENT for one run. Blank
// params are left out; RFC 5424 allows an element with no params.
func runStructuredData(job string, s RunSummary) string {
	params := [...]struct{ name, value string }{
		{"job", job},
		{"source", s.Source},
		{"status", s.Status},
		{"trigger", s.Trigger},
		{"run_key", s.RunKey},
	}
	var b strings.Builder
	b.WriteString("[ingest")
	for _, p := range params {
		if strings.TrimSpace(p.value) == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=\"%s\"", p.name, escapeSDParam(p.value))
	}
	b.WriteString("]")
	return b.String()
}

// sdEscaper escapes PARAM-VALUE per RFC 5424 section 6.3.3 and folds line
// breaks so the record stays on one line.
var sdEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`, "\n", " ", "\r", " ")

func escapeSDParam(v string) string { return sdEscaper.Replace(v) }
