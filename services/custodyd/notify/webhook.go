package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"custodyfleet/observability/logging"
)

// ErrQueueFull is returned when the webhook backlog is saturated. The
// notification is dropped.
var ErrQueueFull = errors.New("notify: webhook queue full")

const (
	defaultWebhookQueue    = 256
	defaultWebhookAttempts = 5
	defaultWebhookTimeout  = 10 * time.Second
)

// DeliveryObserver receives delivery outcomes.
type DeliveryObserver interface {
	RecordNotification(kind, outcome string)
}

// WebhookConfig configures a WebhookChannel.
type WebhookConfig struct {
	URL         string
	Secret      string
	QueueSize   int
	MaxAttempts int
	// RatePerSecond paces deliveries; zero disables pacing.
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	BaseBackoff   time.Duration
}

type webhookTask struct {
	payload []byte
	kind    Kind
}

// WebhookChannel posts HMAC-signed JSON notifications to an operator endpoint.
// Notify only enqueues; Run performs delivery.
type WebhookChannel struct {
	url         string
	secret      string
	client      *http.Client
	queue       chan webhookTask
	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	observer    DeliveryObserver
	sleep       func(context.Context, time.Duration) error
}

// NewWebhookChannel validates cfg and builds a channel.
func NewWebhookChannel(cfg WebhookConfig, logger *slog.Logger, observer DeliveryObserver) (*WebhookChannel, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("notify: webhook url required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultWebhookQueue
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultWebhookAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookChannel{
		url:         url,
		secret:      cfg.Secret,
		client:      &http.Client{Timeout: cfg.Timeout},
		queue:       make(chan webhookTask, cfg.QueueSize),
		limiter:     limiter,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.BaseBackoff,
		logger:      logger,
		observer:    observer,
		sleep:       sleepContext,
	}, nil
}

// Notify enqueues n for delivery.
func (w *WebhookChannel) Notify(_ context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	select {
	case w.queue <- webhookTask{payload: payload, kind: n.Kind}:
		return nil
	default:
		w.record(n.Kind, "dropped")
		return ErrQueueFull
	}
}

// Pending reports queued, undelivered notifications.
func (w *WebhookChannel) Pending() int {
	return len(w.queue)
}

// Run delivers queued notifications until ctx is cancelled.
func (w *WebhookChannel) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.queue:
			w.deliver(ctx, task)
		}
	}
}

func (w *WebhookChannel) deliver(ctx context.Context, task webhookTask) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		lastErr = w.post(ctx, task.payload)
		if lastErr == nil {
			w.record(task.kind, "delivered")
			return
		}
		if attempt == w.maxAttempts {
			break
		}
		delay := w.backoff * time.Duration(1<<uint(attempt-1))
		if delay > 5*time.Minute {
			delay = 5 * time.Minute
		}
		if err := w.sleep(ctx, delay); err != nil {
			return
		}
	}
	w.record(task.kind, "failed")
	w.logger.Warn("webhook delivery failed",
		slog.String("kind", string(task.kind)),
		slog.String("url", logging.MaskURL(w.url)),
		slog.Int("attempts", w.maxAttempts),
		slog.Any("error", lastErr))
}

func (w *WebhookChannel) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(w.secret, payload))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}

func (w *WebhookChannel) record(kind Kind, outcome string) {
	if w.observer != nil {
		w.observer.RecordNotification(string(kind), outcome)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
