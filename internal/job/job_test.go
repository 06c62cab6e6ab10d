package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) TableStarted(op Op, table string) { r.add("start " + table) }
func (r *recorder) TableSucceeded(res TableResult)   { r.add("ok " + res.Table) }
func (r *recorder) TableFailed(res TableResult)      { r.add("fail " + res.Table) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Pending:       "pending",
		OpeningCursor: "opening_cursor",
		Streaming:     "streaming",
		ChunkRotating: "chunk_rotating",
		Completed:     "completed",
		Failed:        "failed",
		State(42):     "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestSummary(t *testing.T) {
	rec := &recorder{}
	jc := NewContext("job-1", testLogger(), rec)
	s := jc.Start(OpDump)

	jc.Begin(OpDump, "b")
	jc.Finish(s, TableResult{Op: OpDump, Table: "b", State: Failed, Rows: 3, Err: errors.New("boom")})
	jc.Begin(OpDump, "a")
	jc.Finish(s, TableResult{Op: OpDump, Table: "a", State: Completed, Rows: 10})

	if s.OK() {
		t.Error("OK() = true with a failed table")
	}
	if got := s.Rows(); got != 13 {
		t.Errorf("Rows() = %d, want 13", got)
	}
	tables := s.Tables()
	if tables[0].Table != "a" || tables[1].Table != "b" {
		t.Errorf("Tables() not sorted: %+v", tables)
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "b: boom") {
		t.Errorf("Err() = %v", err)
	}
	if r, ok := s.Table("a"); !ok || r.Rows != 10 {
		t.Errorf("Table(a) = %+v, %v", r, ok)
	}

	want := []string{"start b", "fail b", "start a", "ok a"}
	if strings.Join(rec.events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", rec.events, want)
	}
}

func TestIdentityIsPerContext(t *testing.T) {
	a := NewContext("a", testLogger())
	b := NewContext("b", testLogger())

	a.SetIdentity("users", "id", "always")

	if got := a.Identity("users")["id"]; got != "always" {
		t.Errorf("a.Identity = %q", got)
	}
	if got := b.Identity("users"); len(got) != 0 {
		t.Errorf("b.Identity = %v, want empty", got)
	}

	m := a.Identity("users")
	m["id"] = "default"
	if a.Identity("users")["id"] != "always" {
		t.Error("Identity() returned the internal map")
	}
}

func TestForEach_Limit(t *testing.T) {
	var running, peak int32
	items := []string{"a", "b", "c", "d", "e", "f"}

	err := ForEach(context.Background(), 2, items, func(ctx context.Context, item string) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach() error: %v", err)
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestForEach_FatalErrorStopsRun(t *testing.T) {
	fatal := errors.New("catalog gone")
	var started int32

	err := ForEach(context.Background(), 1, []string{"a", "b", "c"}, func(ctx context.Context, item string) error {
		atomic.AddInt32(&started, 1)
		if item == "a" {
			return fatal
		}
		return nil
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("ForEach() error = %v, want %v", err, fatal)
	}
	if n := atomic.LoadInt32(&started); n == 3 {
		t.Errorf("all items started after a fatal error")
	}
}

func TestRunTables_RecordsUnstartedTables(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	jc := NewContext("job-1", testLogger(), rec)
	s := jc.Start(OpLoad)

	err := jc.RunTables(ctx, s, OpLoad, 1, []string{"a", "b", "c"}, func(ctx context.Context, table string) (TableResult, error) {
		cancel()
		return TableResult{Op: OpLoad, Table: table, State: Failed, Err: ctx.Err()}, nil
	})
	if err != nil {
		t.Fatalf("RunTables() error: %v", err)
	}

	tables := s.Tables()
	if len(tables) != 3 {
		t.Fatalf("summary has %d tables, want 3", len(tables))
	}
	for _, r := range tables {
		if r.State != Failed || !errors.Is(r.Err, context.Canceled) {
			t.Errorf("%s = %s, %v", r.Table, r.State, r.Err)
		}
	}
	if got := strings.Join(rec.events, ","); got != "start a,fail a,fail b,fail c" {
		t.Errorf("events = %s", got)
	}
}

func TestRunTables_FatalErrorMarksRest(t *testing.T) {
	fatal := errors.New("catalog gone")
	jc := NewContext("job-1", testLogger())
	s := jc.Start(OpDump)

	err := jc.RunTables(context.Background(), s, OpDump, 1, []string{"a", "b"}, func(ctx context.Context, table string) (TableResult, error) {
		return TableResult{Op: OpDump, Table: table, State: Failed, Err: fatal}, fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("RunTables() error = %v, want %v", err, fatal)
	}
	if r, ok := s.Table("b"); !ok || r.State != Failed || !errors.Is(r.Err, fatal) {
		t.Errorf("b = %+v", r)
	}
}
