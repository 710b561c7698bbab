package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type mockPurger struct {
	deleteOlderThanFn func(ctx context.Context, cutoff time.Time) (int64, error)
	calls             atomic.Int32
}

func (m *mockPurger) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.calls.Add(1)
	return m.deleteOlderThanFn(ctx, cutoff)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func lastLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("failed to parse log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestNewCleanupJob_Defaults(t *testing.T) {
	job := NewCleanupJob(&mockPurger{}, nil)
	if job.RetentionDays != 90 {
		t.Errorf("RetentionDays = %d, want 90", job.RetentionDays)
	}
}

func TestCleanupJob_Run_UsesRetentionCutoff(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

	var gotCutoff time.Time
	purger := &mockPurger{
		deleteOlderThanFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			gotCutoff = cutoff
			return 42, nil
		},
	}
	job := NewCleanupJob(purger, newTestLogger(&buf))
	job.now = func() time.Time { return now }
	job.RetentionDays = 30

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !gotCutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", gotCutoff, want)
	}

	entry := lastLogEntry(t, &buf)
	if entry["deleted_count"] != float64(42) {
		t.Errorf("deleted_count = %v, want 42", entry["deleted_count"])
	}
	if entry["retention_days"] != float64(30) {
		t.Errorf("retention_days = %v, want 30", entry["retention_days"])
	}
}

func TestCleanupJob_Run_ZeroRowsIsSuccess(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{
		deleteOlderThanFn: func(ctx context.Context, cutoff time.Time) (int64, error) { return 0, nil },
	}
	job := NewCleanupJob(purger, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if entry := lastLogEntry(t, &buf); entry["deleted_count"] != float64(0) {
		t.Errorf("deleted_count = %v, want 0", entry["deleted_count"])
	}
}

func TestCleanupJob_Run_ReturnsStoreError(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{
		deleteOlderThanFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 0, errors.New("connection refused")
		},
	}
	job := NewCleanupJob(purger, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error = %v, want wrapped store error", err)
	}
	if entry := lastLogEntry(t, &buf); entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
}

func TestCleanupJob_Run_RejectsInvalidRetention(t *testing.T) {
	purger := &mockPurger{}
	job := NewCleanupJob(purger, newTestLogger(&bytes.Buffer{}))
	job.RetentionDays = 0

	if err := job.Run(context.Background()); err == nil {
		t.Error("expected error for zero retention")
	}
	if purger.calls.Load() != 0 {
		t.Error("store must not be called with an invalid retention")
	}
}

func TestCleanupJob_Schedule_RunsImmediatelyAndStops(t *testing.T) {
	purger := &mockPurger{
		deleteOlderThanFn: func(ctx context.Context, cutoff time.Time) (int64, error) { return 1, nil },
	}
	job := NewCleanupJob(purger, newTestLogger(&bytes.Buffer{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Schedule(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(time.Second)
	for purger.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("calls = %d, want at least 2", purger.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Schedule did not stop after cancel")
	}
}
