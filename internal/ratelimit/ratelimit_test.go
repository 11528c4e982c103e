package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestAllowWithinBudget(t *testing.T) {
	l := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		res := l.Allow("alice")
		if !res.Allowed {
			t.Fatalf("request %d denied within budget", i+1)
		}
		if res.Remaining != 3-(i+1) {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, res.Remaining, 3-(i+1))
		}
	}

	res := l.Allow("alice")
	if res.Allowed {
		t.Fatal("4th request allowed over budget of 3")
	}
	if res.Remaining != 0 {
		t.Errorf("denied Remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want the full window", res.RetryAfter)
	}
}

func TestRetryAfterIsFullWindow(t *testing.T) {
	l := New(2, time.Minute)
	base := time.Now()
	l.now = func() time.Time { return base }

	l.Allow("alice")
	l.Allow("alice")

	// Halfway through the window the denial still advertises the whole
	// window, not the 30s until the oldest request slides out.
	l.now = func() time.Time { return base.Add(30 * time.Second) }
	res := l.Allow("alice")
	if res.Allowed {
		t.Fatal("3rd request allowed over budget of 2")
	}
	if res.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want %v", res.RetryAfter, time.Minute)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	l := New(1, time.Minute)
	if !l.Allow("a").Allowed {
		t.Fatal("a denied")
	}
	if !l.Allow("b").Allowed {
		t.Error("b denied after a consumed its own budget")
	}
}

func TestWindowSlides(t *testing.T) {
	l := New(2, time.Minute)
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	l.Allow("u")
	l.Allow("u")
	if l.Allow("u").Allowed {
		t.Fatal("over budget allowed")
	}

	// 61 seconds later both requests have left the window.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	res := l.Allow("u")
	if !res.Allowed {
		t.Fatal("request denied after window slid past old entries")
	}
	if res.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", res.Remaining)
	}
}

func TestRemainingDoesNotConsume(t *testing.T) {
	l := New(5, time.Minute)
	l.Allow("u")
	for i := 0; i < 10; i++ {
		if got := l.Remaining("u"); got != 4 {
			t.Fatalf("Remaining = %d, want 4", got)
		}
	}
}

func TestCleanupStale(t *testing.T) {
	l := New(5, time.Minute)
	base := time.Now()
	l.now = func() time.Time { return base }

	l.Allow("old")
	l.Allow("fresh")

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	l.Allow("fresh")

	if removed := l.CleanupStale(); removed != 1 {
		t.Errorf("CleanupStale removed %d users, want 1", removed)
	}
	if _, ok := l.requests["old"]; ok {
		t.Error("stale user still tracked")
	}
	if _, ok := l.requests["fresh"]; !ok {
		t.Error("active user evicted")
	}
}

func TestConcurrentAllowDoesNotOvershoot(t *testing.T) {
	l := New(50, time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("burst").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed %d concurrent requests, want exactly 50", allowed)
	}
}
