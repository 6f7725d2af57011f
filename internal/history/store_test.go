package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fleetwatch/internal/model"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "history_test.db")
}

func openTestStore(t *testing.T, retention time.Duration) *Store {
	t.Helper()
	store, err := Open(tempDBPath(t), retention)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func i64(v int64) *int64 { return &v }

func TestOpenCreatesFile(t *testing.T) {
	path := tempDBPath(t)
	store, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("database file should exist after Open")
	}
	if store.retention != DefaultRetention {
		t.Fatalf("expected default retention, got %s", store.retention)
	}
}

func TestAppendAndRecent(t *testing.T) {
	store := openTestStore(t, time.Hour)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	nodes := []model.NodeSnapshot{
		{ID: "1", Name: "de1", Status: model.StatusConnected, ClientsCount: 12, Uplink: i64(10), Downlink: i64(20)},
		{ID: "2", Name: "nl1", Status: model.StatusError},
		{Address: "no-key"},
	}
	if err := store.Append(ctx, at, nodes); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, at.Add(time.Minute), nodes[:1]); err != nil {
		t.Fatalf("Append: %v", err)
	}

	all, err := store.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 samples (keyless node skipped), got %d", len(all))
	}
	if !all[0].At.Equal(at.Add(time.Minute)) {
		t.Fatalf("expected newest first, got %s", all[0].At)
	}

	de1, err := store.Recent(ctx, "1", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(de1) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(de1))
	}
	got := de1[0]
	if got.Name != "de1" || got.Status != model.StatusConnected || got.ClientsCount != 12 {
		t.Fatalf("unexpected sample: %+v", got)
	}
	if got.Uplink == nil || *got.Uplink != 10 || got.Downlink == nil || *got.Downlink != 20 {
		t.Fatalf("unexpected usage columns: %+v", got)
	}

	nl1, err := store.Recent(ctx, "2", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(nl1) != 1 || nl1[0].Uplink != nil || nl1[0].Downlink != nil {
		t.Fatalf("expected null usage for nl1, got %+v", nl1)
	}
}

func TestRecentEmpty(t *testing.T) {
	store := openTestStore(t, time.Hour)

	samples, err := store.Recent(context.Background(), "missing", 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if samples == nil || len(samples) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", samples)
	}
}

func TestHandleSnapshotPrunesExpiredRows(t *testing.T) {
	store := openTestStore(t, time.Hour)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	nodes := []model.NodeSnapshot{{ID: "1", Name: "de1", Status: model.StatusConnected}}

	if err := store.HandleSnapshot(ctx, start, nodes); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}
	if err := store.HandleSnapshot(ctx, start.Add(30*time.Minute), nodes); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}
	if err := store.HandleSnapshot(ctx, start.Add(90*time.Minute), nodes); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}

	samples, err := store.Recent(ctx, "1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected the sample older than retention to be pruned, got %d", len(samples))
	}
	for _, s := range samples {
		if s.At.Before(start.Add(30 * time.Minute)) {
			t.Fatalf("unexpected old sample %s", s.At)
		}
	}
}

func TestPruneReportsRemovedRows(t *testing.T) {
	store := openTestStore(t, time.Hour)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	nodes := []model.NodeSnapshot{{ID: "1"}, {ID: "2"}}

	if err := store.Append(ctx, at, nodes); err != nil {
		t.Fatalf("Append: %v", err)
	}
	n, err := store.Prune(ctx, at.Add(time.Second))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows pruned, got %d", n)
	}
}
