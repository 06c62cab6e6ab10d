// Package notify posts snapshot and table events to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/localrivet/dbshift/internal/job"
	"github.com/localrivet/dbshift/pkg/manifest"
)

const (
	EventSnapshotCompleted = "snapshot.completed"
	EventSnapshotFailed    = "snapshot.failed"
	EventTableFailed       = "table.failed"
	EventAlert             = "snapshot.alert"
)

type Notifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewNotifier(webhookURL string, logger *slog.Logger) *Notifier {
	if webhookURL == "" {
		return nil
	}

	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type WebhookPayload struct {
	Event      string    `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Details    Details   `json:"details,omitempty"`
}

type Details struct {
	Op       string   `json:"op,omitempty"`
	Table    string   `json:"table,omitempty"`
	Tables   int      `json:"tables,omitempty"`
	Failed   []string `json:"failed_tables,omitempty"`
	Rows     int64    `json:"rows,omitempty"`
	Size     int64    `json:"size_bytes,omitempty"`
	Duration int64    `json:"duration_ms,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// NotifyCompleted reports a published snapshot. A snapshot with failed
// tables is sent with status "partial".
func (n *Notifier) NotifyCompleted(m *manifest.Manifest, duration time.Duration) {
	if n == nil {
		return
	}

	status, message := "success", fmt.Sprintf("Snapshot %s completed successfully", m.ID)
	failed := m.Failed()
	if len(failed) > 0 {
		status = manifest.StatusPartial
		message = fmt.Sprintf("Snapshot %s completed with %d failed tables", m.ID, len(failed))
	}

	n.send(WebhookPayload{
		Event:      EventSnapshotCompleted,
		Timestamp:  time.Now().UTC(),
		SnapshotID: m.ID,
		Status:     status,
		Message:    message,
		Details: Details{
			Tables:   len(m.Tables),
			Failed:   failed,
			Rows:     m.Dump.Rows,
			Size:     m.Dump.SizeBytes,
			Duration: duration.Milliseconds(),
		},
	})
}

func (n *Notifier) NotifyFailure(snapshotID string, err error) {
	if n == nil {
		return
	}

	n.send(WebhookPayload{
		Event:      EventSnapshotFailed,
		Timestamp:  time.Now().UTC(),
		SnapshotID: snapshotID,
		Status:     "failure",
		Message:    fmt.Sprintf("Snapshot %s failed", snapshotID),
		Details: Details{
			Error: err.Error(),
		},
	})
}

func (n *Notifier) NotifyAlert(message string) {
	if n == nil {
		return
	}

	n.send(WebhookPayload{
		Event:     EventAlert,
		Timestamp: time.Now().UTC(),
		Status:    "alert",
		Message:   message,
	})
}

// Reporter returns a job.Reporter that posts every failed table.
func (n *Notifier) Reporter(jobID string) job.Reporter {
	return &tableReporter{n: n, jobID: jobID}
}

type tableReporter struct {
	n     *Notifier
	jobID string
}

func (r *tableReporter) TableStarted(job.Op, string)    {}
func (r *tableReporter) TableSucceeded(job.TableResult) {}

func (r *tableReporter) TableFailed(res job.TableResult) {
	if r.n == nil {
		return
	}

	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	r.n.send(WebhookPayload{
		Event:      EventTableFailed,
		Timestamp:  time.Now().UTC(),
		SnapshotID: r.jobID,
		Status:     "failure",
		Message:    fmt.Sprintf("%s of table %s failed", res.Op, res.Table),
		Details: Details{
			Op:       string(res.Op),
			Table:    res.Table,
			Rows:     res.Rows,
			Duration: res.Duration.Milliseconds(),
			Error:    msg,
		},
	})
}

func (n *Notifier) send(payload WebhookPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to marshal webhook payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(data))
	if err != nil {
		n.logger.Error("failed to create webhook request", "error", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dbshift/1.0")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error("failed to send webhook", "event", payload.Event, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.logger.Warn("webhook returned error status", "event", payload.Event, "status", resp.StatusCode)
	} else {
		n.logger.Debug("webhook sent successfully", "event", payload.Event)
	}
}
