package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	delay  time.Duration
	err    error
}

func (r *recorder) Notify(ctx context.Context, ev Event) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return r.err
}

func TestDispatcherDoesNotBlockAndTimesOut(t *testing.T) {
	slow := &recorder{delay: time.Second}
	fast := &recorder{}
	failing := &recorder{err: errors.New("boom")}
	d := NewDispatcher(50*time.Millisecond, nil, slow, fast, failing)

	start := time.Now()
	d.Send(context.Background(), Event{Kind: KindUploadSuccess, Title: "Clip uploaded"})
	if time.Since(start) > 20*time.Millisecond {
		t.Fatalf("Send blocked the caller")
	}
	d.Close()

	if len(fast.events) != 1 || fast.events[0].At.IsZero() || fast.events[0].Level != LevelInfo {
		t.Fatalf("fast notifier got %+v", fast.events)
	}
	if len(slow.events) != 0 {
		t.Fatalf("slow notifier should have been cut off by the timeout")
	}
}

func TestDispatcherSurvivesCancelledCaller(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(time.Second, nil, rec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Send(ctx, Event{Kind: KindLifecycle, Title: "stopping"})
	d.Close()
	if len(rec.events) != 1 {
		t.Fatalf("event dropped because caller context was cancelled")
	}
}

func TestWebhookDiscordFormat(t *testing.T) {
	var got map[string][]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, FormatDiscord)
	err := hook.Notify(context.Background(), Event{
		Kind:    KindHealthAlert,
		Level:   LevelError,
		Title:   "Health Alert: CRITICAL",
		Message: "store unreachable",
		Fields:  []Field{{Name: "store", Value: "ping: refused"}},
		At:      time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	embeds := got["embeds"]
	if len(embeds) != 1 {
		t.Fatalf("expected one embed, got %v", got)
	}
	if embeds[0]["title"] != "Health Alert: CRITICAL" || embeds[0]["color"] != float64(0xff0000) {
		t.Fatalf("unexpected embed %v", embeds[0])
	}
	if embeds[0]["timestamp"] != "2024-09-01T00:00:00Z" {
		t.Fatalf("unexpected timestamp %v", embeds[0]["timestamp"])
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, "").Notify(context.Background(), Event{Title: "x"}); err == nil {
		t.Fatalf("expected error on 401")
	}
}
