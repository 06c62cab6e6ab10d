package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/localrivet/dbshift/internal/backup"
	"github.com/localrivet/dbshift/internal/config"
	"github.com/localrivet/dbshift/internal/metrics"
	"github.com/localrivet/dbshift/internal/notify"
	"github.com/localrivet/dbshift/internal/storage"
	"github.com/localrivet/dbshift/pkg/manifest"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024 / 2, "1.50 GB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" users, orders,,  ")
	if len(got) != 2 || got[0] != "users" || got[1] != "orders" {
		t.Errorf("splitList() = %q", got)
	}
	if got := splitList(""); got != nil {
		t.Errorf("splitList(\"\") = %q, want nil", got)
	}
}

func newEngine(t *testing.T) (*backup.Engine, *storage.LocalStorage, *config.Config) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Schedule:   "0 2 * * *",
		Retention:  config.RetentionConfig{Daily: 7},
		Monitoring: config.MonitoringConfig{AlertAfterHours: 25},
	}
	return backup.NewEngine(cfg, store, nil, logger), store, cfg
}

func TestHealthHandler(t *testing.T) {
	engine, _, _ := newEngine(t)
	scheduler := backup.NewScheduler(engine, "0 2 * * *", logger)
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer scheduler.Stop()

	rec := httptest.NewRecorder()
	healthHandler(scheduler)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "status: healthy") {
		t.Errorf("body = %q, want healthy", body)
	}
	if !strings.Contains(body, "next_snapshot:") {
		t.Errorf("body = %q, want next_snapshot", body)
	}
}

type alertSink struct {
	mu       sync.Mutex
	messages []string
}

func (a *alertSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p notify.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
		a.mu.Lock()
		a.messages = append(a.messages, p.Message)
		a.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *alertSink) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages...)
}

func writeManifest(t *testing.T, store storage.Backend, ts time.Time) {
	t.Helper()
	m := manifest.New(manifest.GenerateID(ts), ts)
	m.Status = manifest.StatusCompleted
	data, err := m.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write(context.Background(), manifest.MetaKey(m.ID), strings.NewReader(string(data)), int64(len(data))); err != nil {
		t.Fatal(err)
	}
}

func TestCheckFreshness(t *testing.T) {
	tests := []struct {
		name      string
		snapshot  time.Duration
		wantAlert string
	}{
		{name: "no snapshots", wantAlert: "No snapshots found"},
		{name: "stale", snapshot: 48 * time.Hour, wantAlert: "No snapshot in 25 hours"},
		{name: "fresh", snapshot: time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &alertSink{}
			srv := httptest.NewServer(sink)
			defer srv.Close()

			engine, store, cfg := newEngine(t)
			if tt.snapshot > 0 {
				writeManifest(t, store, time.Now().UTC().Add(-tt.snapshot))
			}

			reg := prometheus.NewRegistry()
			m := metrics.NewWithRegistry("test", reg, reg)
			checkFreshness(context.Background(), engine, cfg, m, notify.NewNotifier(srv.URL, logger))

			got := sink.all()
			if tt.wantAlert == "" {
				if len(got) != 0 {
					t.Errorf("alerts = %q, want none", got)
				}
				return
			}
			if len(got) != 1 || !strings.HasPrefix(got[0], tt.wantAlert) {
				t.Errorf("alerts = %q, want %q", got, tt.wantAlert)
			}
		})
	}
}
