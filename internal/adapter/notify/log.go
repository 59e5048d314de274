// Package notify provides notifier implementations.
package notify

import (
	"context"
	"log/slog"

	"github.com/runforge/runforge/internal/port/notifier"
)

// LogNotifier writes notifications to the structured log. It is the default
// delivery target and is always configured.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("notifier", "log")}
}

// Name implements notifier.Notifier.
func (n *LogNotifier) Name() string { return "log" }

// Send implements notifier.Notifier.
func (n *LogNotifier) Send(_ context.Context, msg notifier.Notification) error {
	attrs := []any{"title", msg.Title, "source", msg.Source, "message", msg.Message}
	switch msg.Level {
	case "error":
		n.log.Error("notification", attrs...)
	case "warning":
		n.log.Warn("notification", attrs...)
	default:
		n.log.Info("notification", attrs...)
	}
	return nil
}
