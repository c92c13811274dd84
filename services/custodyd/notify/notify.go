// Package notify delivers operator-facing lifecycle notifications.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"custodyfleet/observability/logging"
)

// Kind enumerates the notification categories emitted by the engine.
type Kind string

const (
	KindOnboarded       Kind = "onboarded"
	KindReadyToPull     Kind = "readyToPull"
	KindRefillDone      Kind = "refillDone"
	KindPullSuccess     Kind = "pullSuccess"
	KindPullFailure     Kind = "pullFailure"
	KindWithdrawSuccess Kind = "withdrawSuccess"
	KindWithdrawFailure Kind = "withdrawFailure"
	KindError           Kind = "error"
)

// Notification is a single operator-facing message. Failure kinds carry the
// error taxonomy kind in ErrorKind and a human-readable Reason.
type Notification struct {
	Kind      Kind      `json:"kind"`
	Wallet    string    `json:"wallet,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	ErrorKind string    `json:"errorKind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel delivers notifications.
type Channel interface {
	Notify(ctx context.Context, n Notification) error
}

// LogChannel writes notifications to a structured logger.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel returns a channel backed by logger, or slog.Default when nil.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

// Notify implements Channel.
func (c *LogChannel) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo
	switch n.Kind {
	case KindPullFailure, KindWithdrawFailure, KindError:
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{slog.String("kind", string(n.Kind))}
	if n.Wallet != "" {
		attrs = append(attrs, logging.MaskField("wallet", n.Wallet))
	}
	if n.Amount != "" {
		attrs = append(attrs, slog.String("amount", n.Amount))
	}
	if n.TxHash != "" {
		attrs = append(attrs, logging.MaskField("tx", n.TxHash))
	}
	if n.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", n.ErrorKind))
	}
	if n.Reason != "" {
		attrs = append(attrs, slog.String("reason", n.Reason))
	}
	c.logger.LogAttrs(ctx, level, "custody notification", attrs...)
	return nil
}

// Fanout delivers to every channel and joins their errors.
type Fanout []Channel

// Notify implements Channel.
func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, ch := range f {
		if ch == nil {
			continue
		}
		if err := ch.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
