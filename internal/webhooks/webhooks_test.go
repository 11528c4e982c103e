package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/flux/internal/observability"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "webhooks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestDispatcher(t *testing.T, s *Store) *Dispatcher {
	t.Helper()
	d := NewDispatcher(s, DispatcherConfig{MaxRetries: 3, Timeout: 2 * time.Second, BaseBackoff: time.Second},
		observability.NewNopLogger(), observability.NewTestMetrics())
	d.sleep = func(time.Duration) {} // no real backoff in tests
	return d
}

func TestCreateGeneratesSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wh, err := s.Create(ctx, "alice", "http://example.com/hook", nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(wh.Secret) {
		t.Errorf("secret = %q, want 64 hex chars", wh.Secret)
	}
	if !wh.IsActive || wh.FailureCount != 0 {
		t.Errorf("webhook = %+v", wh)
	}

	got, err := s.Get(ctx, wh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Secret != wh.Secret || len(got.Events) != 0 {
		t.Errorf("round trip = %+v", got)
	}
}

func TestActiveForEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	all, _ := s.Create(ctx, "u", "http://example.com/all", nil, "s")
	chat, _ := s.Create(ctx, "u", "http://example.com/chat", []string{EventChatCompleted}, "s")
	backup, _ := s.Create(ctx, "u", "http://example.com/backup", []string{EventBackupCompleted}, "s")
	s.Deactivate(ctx, backup.ID)

	matched, err := s.ActiveForEvent(ctx, EventChatCompleted)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, wh := range matched {
		ids[wh.ID] = true
	}
	// Empty events list matches everything; inactive hooks never match.
	if len(matched) != 2 || !ids[all.ID] || !ids[chat.ID] {
		t.Errorf("matched = %+v", matched)
	}

	matched, _ = s.ActiveForEvent(ctx, EventBackupCompleted)
	if len(matched) != 1 || matched[0].ID != all.ID {
		t.Errorf("backup matches = %+v", matched)
	}
}

func TestDispatchSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var gotBody []byte
	var gotSig, gotEvent, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Flux-Signature")
		gotEvent = r.Header.Get("X-Flux-Event")
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, _ := s.Create(ctx, "alice", srv.URL, []string{EventChatCompleted}, "topsecret")
	d := newTestDispatcher(t, s)

	if err := d.Dispatch(ctx, EventChatCompleted, map[string]any{"conversation_id": "c1"}); err != nil {
		t.Fatal(err)
	}
	d.Wait()

	if gotEvent != EventChatCompleted || gotCT != "application/json" {
		t.Errorf("headers = %q %q", gotEvent, gotCT)
	}
	if !strings.HasPrefix(gotSig, "sha256=") || !VerifySignature("topsecret", gotBody, gotSig) {
		t.Errorf("signature %q does not verify", gotSig)
	}
	if !strings.Contains(string(gotBody), `"conversation_id":"c1"`) {
		t.Errorf("body = %s", gotBody)
	}

	deliveries, err := s.Deliveries(ctx, wh.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 || deliveries[0].StatusCode != 200 || deliveries[0].Attempt != 1 {
		t.Errorf("deliveries = %+v", deliveries)
	}

	got, _ := s.Get(ctx, wh.ID)
	if got.FailureCount != 0 || !got.IsActive {
		t.Errorf("webhook after success = %+v", got)
	}
}

func TestDispatchRetriesAndDeactivates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh, _ := s.Create(ctx, "alice", srv.URL, nil, "s")
	d := newTestDispatcher(t, s)

	var slept []time.Duration
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }

	if err := d.Dispatch(ctx, EventChatError, map[string]any{"error": "boom"}); err != nil {
		t.Fatal(err)
	}
	d.Wait()

	if hits.Load() != 3 {
		t.Errorf("attempts = %d, want 3", hits.Load())
	}
	// Backoff doubles: 1s, 2s between the three attempts.
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("backoff = %v", slept)
	}

	got, _ := s.Get(ctx, wh.ID)
	if got.FailureCount != 4 {
		t.Errorf("failure_count = %d, want 4", got.FailureCount)
	}
	if got.IsActive {
		t.Error("webhook still active after exhaustion")
	}

	deliveries, _ := s.Deliveries(ctx, wh.ID, 10)
	if len(deliveries) != 3 {
		t.Errorf("recorded deliveries = %d, want 3", len(deliveries))
	}
}

func TestDispatchWorkerIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var okHits atomic.Int32
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		okHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer badSrv.Close()

	s.Create(ctx, "u", okSrv.URL, nil, "s")
	s.Create(ctx, "u", badSrv.URL, nil, "s")
	d := newTestDispatcher(t, s)

	if err := d.Dispatch(ctx, EventUserCreated, map[string]any{"username": "bob"}); err != nil {
		t.Fatal(err)
	}
	d.Wait()

	// The failing endpoint must not prevent the healthy one's delivery.
	if okHits.Load() != 1 {
		t.Errorf("healthy endpoint hits = %d, want 1", okHits.Load())
	}
}

func TestResponseBodyTruncation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wh, _ := s.Create(ctx, "u", "http://example.com", nil, "s")
	err := s.RecordDelivery(ctx, Delivery{
		WebhookID:    wh.ID,
		EventType:    EventChatCompleted,
		Payload:      "{}",
		StatusCode:   200,
		ResponseBody: strings.Repeat("x", 10*1024),
		Attempt:      1,
	})
	if err != nil {
		t.Fatal(err)
	}
	deliveries, _ := s.Deliveries(ctx, wh.ID, 1)
	if len(deliveries) != 1 || len(deliveries[0].ResponseBody) != maxResponseBody {
		t.Errorf("stored body length = %d, want %d", len(deliveries[0].ResponseBody), maxResponseBody)
	}
}

func TestDeleteCascadesDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wh, _ := s.Create(ctx, "u", "http://example.com", nil, "s")
	s.RecordDelivery(ctx, Delivery{WebhookID: wh.ID, EventType: EventChatCompleted, Payload: "{}", Attempt: 1})

	if err := s.Delete(ctx, wh.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, wh.ID); err != ErrWebhookNotFound {
		t.Errorf("second delete = %v", err)
	}
	deliveries, _ := s.Deliveries(ctx, wh.ID, 10)
	if len(deliveries) != 0 {
		t.Errorf("deliveries survived cascade: %d", len(deliveries))
	}
}
