package backup

import (
	"context"
	"testing"
	"time"
)

func TestScheduler_StartStop(t *testing.T) {
	cfg := testConfig(t, newSourceDB(t))
	engine, _ := newTestEngine(t, cfg)
	s := NewScheduler(engine, "0 2 * * *", testLogger())

	if s.IsRunning() {
		t.Error("IsRunning() should be false before Start")
	}
	if !s.NextRun().IsZero() {
		t.Error("NextRun() should be zero before Start")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning() should be true after Start")
	}

	next := s.NextRun()
	if next.IsZero() {
		t.Fatal("NextRun() should be set after Start")
	}
	if next.UTC().Hour() != 2 || next.Minute() != 0 {
		t.Errorf("NextRun() = %v, want 02:00 UTC", next)
	}
	if next.Before(time.Now()) {
		t.Errorf("NextRun() = %v is in the past", next)
	}

	// starting twice is a no-op
	if err := s.Start(context.Background()); err != nil {
		t.Errorf("second Start() error = %v", err)
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() should be false after Stop")
	}
	s.Stop()

	if s.Engine() != engine {
		t.Error("Engine() should return the wrapped engine")
	}
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	cfg := testConfig(t, newSourceDB(t))
	engine, _ := newTestEngine(t, cfg)
	s := NewScheduler(engine, "every night", testLogger())

	if err := s.Start(context.Background()); err == nil {
		t.Error("Start() should reject an invalid schedule")
	}
	if s.IsRunning() {
		t.Error("IsRunning() should be false after a failed Start")
	}
}

func TestScheduler_RunNow(t *testing.T) {
	cfg := testConfig(t, newSourceDB(t))
	engine, _ := newTestEngine(t, cfg)
	s := NewScheduler(engine, "@daily", testLogger())

	result, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if result.Manifest == nil || result.Manifest.Dump.Rows != 10 {
		t.Errorf("RunNow() manifest = %+v", result.Manifest)
	}
}

func TestScheduler_RunSnapshotCleansUp(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newSourceDB(t))
	cfg.Retention.Daily = 1
	cfg.Retention.Weekly = 0
	cfg.Retention.Monthly = 0
	engine, store := newTestEngine(t, cfg)

	old := seedSnapshot(t, store, time.Now().Add(-72*time.Hour), "completed")

	NewScheduler(engine, "@daily", testLogger()).runSnapshot(ctx)

	list, err := engine.ListSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID == old.ID {
		t.Errorf("after scheduled run snapshots = %v, want only the new one", list)
	}
}
