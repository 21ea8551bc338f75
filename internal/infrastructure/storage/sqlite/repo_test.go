package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tickrelay/internal/application/port"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "ticks.db"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestUpsertLatestTickReplaces(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := r.UpsertLatestTick(ctx, "3045", 1234.50, 900, 1000); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := r.UpsertLatestTick(ctx, "3045", 1235.00, 950, 2000); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	ltp, volume, err := r.LatestTick(ctx, "3045")
	if err != nil {
		t.Fatalf("LatestTick failed: %v", err)
	}
	if ltp != 1235.00 {
		t.Errorf("ltp = %v, want 1235.00", ltp)
	}
	if volume != 950 {
		t.Errorf("volume = %d, want 950", volume)
	}
}

func TestInsertTickArchives(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := &port.TickRecord{
			Token:     "3045",
			Name:      "SBIN-EQ",
			LTP:       1234.50 + float64(i),
			Volume:    int64(900 + i),
			Timestamp: time.Now(),
		}
		if err := r.InsertTick(ctx, rec); err != nil {
			t.Fatalf("InsertTick failed: %v", err)
		}
	}

	n, err := r.CountTicks(ctx, "3045")
	if err != nil {
		t.Fatalf("CountTicks failed: %v", err)
	}
	if n != 3 {
		t.Errorf("archived %d ticks, want 3", n)
	}

	n, err = r.CountTicks(ctx, "unknown")
	if err != nil {
		t.Fatalf("CountTicks failed: %v", err)
	}
	if n != 0 {
		t.Errorf("unknown token count = %d, want 0", n)
	}
}
