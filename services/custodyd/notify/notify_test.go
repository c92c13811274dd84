package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) RecordNotification(kind, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, kind+":"+outcome)
}

func (r *recordingObserver) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

func TestLogChannelWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	ch := NewLogChannel(slog.New(slog.NewJSONHandler(&buf, nil)))
	err := ch.Notify(context.Background(), Notification{Kind: KindPullFailure, Wallet: "0xaaa", ErrorKind: "ConfirmationTimeout", Reason: "no receipt"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if record["level"] != "WARN" || record["kind"] != "pullFailure" || record["error_kind"] != "ConfirmationTimeout" {
		t.Fatalf("unexpected record: %v", record)
	}
	if record["wallet"] != "0xaaa" {
		t.Fatalf("wallet should be logged verbatim, got %v", record["wallet"])
	}
}

type failingChannel struct{ err error }

func (f failingChannel) Notify(context.Context, Notification) error { return f.err }

func TestFanoutJoinsErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	var delivered int
	counting := channelFunc(func(context.Context, Notification) error { delivered++; return nil })
	err := Fanout{failingChannel{errA}, nil, counting, failingChannel{errB}}.Notify(context.Background(), Notification{Kind: KindError})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both errors, got %v", err)
	}
	if delivered != 1 {
		t.Fatalf("healthy channel must still receive the notification")
	}
}

type channelFunc func(context.Context, Notification) error

func (f channelFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

func TestWebhookDeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	observer := &recordingObserver{}
	ch, err := NewWebhookChannel(WebhookConfig{URL: srv.URL, Secret: "s3cret"}, nil, observer)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	if err := ch.Notify(ctx, Notification{Kind: KindReadyToPull, Wallet: "0xaaa", Amount: "25"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case req := <-received:
		body := <-bodies
		if got := req.Header.Get("X-Webhook-Signature"); got != Sign("s3cret", body) {
			t.Fatalf("signature mismatch: %s", got)
		}
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n.Kind != KindReadyToPull || n.Amount != "25" || n.Timestamp.IsZero() {
			t.Fatalf("unexpected payload %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not delivered")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := observer.snapshot(); len(got) == 1 && got[0] == "readyToPull:delivered" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected delivered outcome, got %v", observer.snapshot())
}

func TestWebhookRetriesThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	observer := &recordingObserver{}
	ch, err := NewWebhookChannel(WebhookConfig{URL: srv.URL, MaxAttempts: 3}, slog.New(slog.NewTextHandler(io.Discard, nil)), observer)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	var delays []time.Duration
	ch.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	ch.deliver(context.Background(), webhookTask{payload: []byte(`{}`), kind: KindPullFailure})

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected backoff %v", delays)
	}
	if got := observer.snapshot(); len(got) != 1 || got[0] != "pullFailure:failed" {
		t.Fatalf("unexpected outcomes %v", got)
	}
}

func TestWebhookQueueFull(t *testing.T) {
	observer := &recordingObserver{}
	ch, err := NewWebhookChannel(WebhookConfig{URL: "http://127.0.0.1:1", QueueSize: 1}, nil, observer)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	if err := ch.Notify(context.Background(), Notification{Kind: KindError}); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	if err := ch.Notify(context.Background(), Notification{Kind: KindError}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if ch.Pending() != 1 {
		t.Fatalf("expected one pending notification")
	}
	if got := observer.snapshot(); len(got) != 1 || !strings.HasSuffix(got[0], ":dropped") {
		t.Fatalf("unexpected outcomes %v", got)
	}
}

func TestWebhookRequiresURL(t *testing.T) {
	if _, err := NewWebhookChannel(WebhookConfig{URL: "  "}, nil, nil); err == nil {
		t.Fatalf("expected url validation error")
	}
}
