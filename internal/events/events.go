// Package events delivers operator notifications (halts, errors,
// escalations and pages) raised by the pipeline. Notifications go to NATS
// subjects when configured, and to the structured log otherwise.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/config"
	"github.com/fyrsmithlabs/ledgerd/internal/logging"
)

// Kind is the notification category. It is also the last subject token.
type Kind string

const (
	KindHalt       Kind = "halt"
	KindError      Kind = "error"
	KindEscalation Kind = "escalation"
	KindPage       Kind = "page"
)

// Notification is one operator-facing event.
type Notification struct {
	Kind      Kind           `json:"kind"`
	TaskID    string         `json:"task_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Reason    string         `json:"reason"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. Pages and errors log at
// error level.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("task.id", n.TaskID),
		zap.String("project.id", n.ProjectID),
		zap.String("reason", n.Reason),
		zap.Any("details", n.Details),
	}
	logger := logging.For(ctx, l.logger)
	switch n.Kind {
	case KindPage, KindError:
		logger.Error("notification", fields...)
	default:
		logger.Warn("notification", fields...)
	}
	return nil
}

// NATSNotifier publishes notifications as JSON on <prefix>.<kind>. A failed
// publish falls back to the log and returns the error.
type NATSNotifier struct {
	conn     *nats.Conn
	prefix   string
	fallback *LogNotifier
}

// NewNATSNotifier wraps an existing connection.
func NewNATSNotifier(conn *nats.Conn, prefix string, logger *zap.Logger) (*NATSNotifier, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = "ledgerd"
	}
	return &NATSNotifier{conn: conn, prefix: prefix, fallback: NewLogNotifier(logger)}, nil
}

// Subject returns the subject a notification kind is published on.
func (p *NATSNotifier) Subject(k Kind) string {
	return p.prefix + "." + string(k)
}

// Notify implements Notifier.
func (p *NATSNotifier) Notify(ctx context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := p.conn.Publish(p.Subject(n.Kind), data); err != nil {
		_ = p.fallback.Notify(ctx, n)
		return fmt.Errorf("publish %s notification: %w", n.Kind, err)
	}
	return nil
}

// Open builds the notifier described by cfg. When events are disabled it
// returns a LogNotifier. The returned close function drains the
// connection and is never nil.
func Open(cfg config.EventsConfig, logger *zap.Logger) (Notifier, func(), error) {
	if !cfg.Enabled {
		return NewLogNotifier(logger), func() {}, nil
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("ledgerd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	n, err := NewNATSNotifier(nc, cfg.SubjectPrefix, logger)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return n, func() {
		_ = nc.Drain()
	}, nil
}
