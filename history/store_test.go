package history

import (
	"testing"
	"time"

	"canwatch/report"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), Options{
		CacheSizeBytes:        1 << 20,
		MemTableSizeBytes:     1 << 20,
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 4,
		WriteQueueDepth:       4,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func runAt(ts time.Time, accuracy float64) *report.Report {
	return &report.Report{
		GeneratedAt: ts,
		Bus:         "can0",
		WindowSec:   60,
		Entries: []report.Entry{
			{ID: 0x100, Name: "EngineSpeed", PeriodMS: 10, Frequency: 100, Accuracy: accuracy},
		},
	}
}

func TestAppendAndRecent(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, acc := range []float64{1, 2, 3} {
		if err := store.Append(runAt(t0.Add(time.Duration(i)*time.Minute), acc)); err != nil {
			t.Fatalf("append run %d: %v", i, err)
		}
	}

	recent, err := store.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(recent))
	}
	if recent[0].Entries[0].Accuracy != 3 || recent[1].Entries[0].Accuracy != 2 {
		t.Fatalf("expected newest first, got %f then %f",
			recent[0].Entries[0].Accuracy, recent[1].Entries[0].Accuracy)
	}
	if !recent[0].GeneratedAt.Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("generated_at did not round-trip: %v", recent[0].GeneratedAt)
	}

	all, err := store.Recent(0)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected all 3 runs, got %d", len(all))
	}
	if count, err := store.RunCount(); err != nil || count != 3 {
		t.Fatalf("expected run count 3, got %d (%v)", count, err)
	}
}

func TestAppendSameInstantOverwrites(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	t0 := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	if err := store.Append(runAt(t0, 1)); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := store.Append(runAt(t0, 9)); err != nil {
		t.Fatalf("append second: %v", err)
	}

	if count, err := store.RunCount(); err != nil || count != 1 {
		t.Fatalf("expected count 1, got %d (%v)", count, err)
	}
	recent, err := store.Recent(1)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent failed: %v (%d)", err, len(recent))
	}
	if recent[0].Entries[0].Accuracy != 9 {
		t.Fatalf("expected overwrite to win, got accuracy %f", recent[0].Entries[0].Accuracy)
	}
}

func TestRunFetchByInstant(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	t0 := time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC)
	if err := store.Append(runAt(t0, 4)); err != nil {
		t.Fatalf("append: %v", err)
	}

	rep, err := store.Run(t0.UnixNano())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep == nil || rep.Entries[0].Accuracy != 4 {
		t.Fatalf("expected stored run, got %+v", rep)
	}
	missing, err := store.Run(t0.Add(time.Hour).UnixNano())
	if err != nil {
		t.Fatalf("run missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown instant")
	}
}

func TestRunTimesAscending(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	t0 := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{2 * time.Hour, 0, time.Hour} {
		if err := store.Append(runAt(t0.Add(offset), 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	times, err := store.RunTimes()
	if err != nil {
		t.Fatalf("run times: %v", err)
	}
	if len(times) != 3 {
		t.Fatalf("expected 3 run times, got %d", len(times))
	}
	for i := 1; i < len(times); i++ {
		if !times[i].After(times[i-1]) {
			t.Fatalf("run times not ascending: %v", times)
		}
	}
}

func TestBaselineRoundTrip(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	t0 := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)
	if err := store.SaveBaseline(" nightly ", runAt(t0, 2)); err != nil {
		t.Fatalf("save baseline: %v", err)
	}

	for _, name := range []string{"NIGHTLY", "nightly"} {
		rep, err := store.Baseline(name)
		if err != nil {
			t.Fatalf("baseline %s: %v", name, err)
		}
		if rep == nil || rep.Entries[0].Accuracy != 2 {
			t.Fatalf("baseline %s not found: %+v", name, rep)
		}
	}

	missing, err := store.Baseline("release")
	if err != nil {
		t.Fatalf("baseline missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown baseline")
	}

	names, err := store.Baselines()
	if err != nil {
		t.Fatalf("baselines: %v", err)
	}
	if len(names) != 1 || names[0] != "NIGHTLY" {
		t.Fatalf("expected [NIGHTLY], got %v", names)
	}

	if err := store.SaveBaseline("  ", runAt(t0, 1)); err == nil {
		t.Fatalf("expected error for blank baseline name")
	}
}

func TestPruneOlderThanKeepsBaselines(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	t0 := time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, time.Hour, 2 * time.Hour} {
		if err := store.Append(runAt(t0.Add(offset), 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.SaveBaseline("golden", runAt(t0, 1)); err != nil {
		t.Fatalf("save baseline: %v", err)
	}

	removed, err := store.PruneOlderThan(t0.Add(90 * time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if count, err := store.RunCount(); err != nil || count != 1 {
		t.Fatalf("expected count 1 after prune, got %d (%v)", count, err)
	}
	if rep, err := store.Baseline("golden"); err != nil || rep == nil {
		t.Fatalf("baseline should survive prune: %+v (%v)", rep, err)
	}
}

func TestRunCountSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, Options{WriteQueueDepth: 4})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t0 := time.Date(2025, 3, 7, 6, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, time.Minute} {
		if err := store.Append(runAt(t0.Add(offset), 1)); err != nil {
			_ = store.Close()
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, Options{WriteQueueDepth: 4})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	if count, err := reopened.RunCount(); err != nil || count != 2 {
		t.Fatalf("expected count 2 after reopen, got %d (%v)", count, err)
	}
}

func TestOpenReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, Options{WriteQueueDepth: 4})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t0 := time.Date(2025, 3, 8, 15, 0, 0, 0, time.UTC)
	if err := store.Append(runAt(t0, 5)); err != nil {
		_ = store.Close()
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ro, err := OpenReadOnly(dir)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	recent, err := ro.Recent(1)
	if err != nil || len(recent) != 1 {
		t.Fatalf("read-only recent failed: %v (%d)", err, len(recent))
	}
	if err := ro.Append(runAt(t0.Add(time.Hour), 1)); err == nil {
		t.Fatalf("expected append to fail on read-only store")
	}
}
