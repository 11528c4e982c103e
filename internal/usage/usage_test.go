package usage

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, limits Limits) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "usage_data.json"), limits)
}

func TestRecordAndToday(t *testing.T) {
	s := newTestStore(t, Limits{})

	if err := s.Record("alice", 100, 50, 0.01); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record("alice", 200, 100, 0.02); err != nil {
		t.Fatalf("Record: %v", err)
	}

	u, err := s.Today("alice")
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if u.Calls != 2 || u.InputTokens != 300 || u.OutputTokens != 150 {
		t.Errorf("Today = %+v", u)
	}
	if u.CostUSD < 0.0299 || u.CostUSD > 0.0301 {
		t.Errorf("CostUSD = %v, want ~0.03", u.CostUSD)
	}
}

func TestEmptyUserFallsBackToDefault(t *testing.T) {
	s := newTestStore(t, Limits{})
	if err := s.Record("", 10, 5, 0); err != nil {
		t.Fatal(err)
	}
	u, err := s.Today("default")
	if err != nil {
		t.Fatal(err)
	}
	if u.Calls != 1 {
		t.Errorf("default bucket calls = %d, want 1", u.Calls)
	}
}

func TestCheckDailyLimit(t *testing.T) {
	s := newTestStore(t, Limits{DailyCalls: 2, DailyCostUSD: 1.0})

	if err := s.CheckDailyLimit("bob", 0); err != nil {
		t.Fatalf("fresh user should pass: %v", err)
	}
	s.Record("bob", 10, 10, 0.1)
	s.Record("bob", 10, 10, 0.1)

	err := s.CheckDailyLimit("bob", 0)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("CheckDailyLimit after cap = %v, want ErrLimitExceeded", err)
	}

	// Cost cap hits independently of call cap.
	s2 := newTestStore(t, Limits{DailyCostUSD: 0.05})
	s2.Record("carol", 10, 10, 0.06)
	if err := s2.CheckDailyLimit("carol", 0); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("cost cap not enforced: %v", err)
	}
}

func TestCheckDailyLimitPerUserCap(t *testing.T) {
	// No store-wide call cap: the user's own cap must still throttle.
	s := newTestStore(t, Limits{})
	for i := 0; i < 5; i++ {
		if err := s.Record("alice", 10, 10, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CheckDailyLimit("alice", 5); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("per-user cap not enforced: %v", err)
	}
	if err := s.CheckDailyLimit("alice", 0); err != nil {
		t.Errorf("no cap configured anywhere, want pass: %v", err)
	}

	// The per-user cap overrides a looser store-wide one.
	s2 := newTestStore(t, Limits{DailyCalls: 100})
	s2.Record("bob", 10, 10, 0)
	s2.Record("bob", 10, 10, 0)
	if err := s2.CheckDailyLimit("bob", 2); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("per-user cap should beat the store-wide limit: %v", err)
	}
	if err := s2.CheckDailyLimit("bob", 0); err != nil {
		t.Errorf("store-wide limit of 100 should still pass: %v", err)
	}
}

func TestDateRollover(t *testing.T) {
	s := newTestStore(t, Limits{DailyCalls: 1})
	base := time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.Record("dave", 10, 10, 0)
	if err := s.CheckDailyLimit("dave", 0); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected limit hit before rollover, got %v", err)
	}

	// Next day: counter resets, yesterday's data survives.
	s.now = func() time.Time { return base.AddDate(0, 0, 1) }
	if err := s.CheckDailyLimit("dave", 0); err != nil {
		t.Errorf("limit should reset after rollover: %v", err)
	}
	hist, err := s.History("dave", 2)
	if err != nil {
		t.Fatal(err)
	}
	if u, ok := hist["2026-08-25"]; !ok || u.Calls != 1 {
		t.Errorf("yesterday missing from history: %+v", hist)
	}
}

func TestTotalsForDay(t *testing.T) {
	s := newTestStore(t, Limits{})
	s.Record("a", 100, 10, 0.01)
	s.Record("b", 200, 20, 0.02)

	total, err := s.TotalsForDay(time.Now().Format("2006-01-02"))
	if err != nil {
		t.Fatal(err)
	}
	if total.Calls != 2 || total.InputTokens != 300 {
		t.Errorf("TotalsForDay = %+v", total)
	}
}

func TestConcurrentRecords(t *testing.T) {
	s := newTestStore(t, Limits{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Record("load", 1, 1, 0.001); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	u, err := s.Today("load")
	if err != nil {
		t.Fatal(err)
	}
	if u.Calls != 20 {
		t.Errorf("Calls = %d, want 20 (lost updates)", u.Calls)
	}
}

func TestStaleLockIsStolen(t *testing.T) {
	s := newTestStore(t, Limits{})
	lockPath := s.path + ".lock"

	// Simulate a crashed writer's abandoned lock.
	if err := os.WriteFile(lockPath, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Record("eve", 1, 1, 0); err != nil {
		t.Fatalf("Record should steal stale lock: %v", err)
	}
}
