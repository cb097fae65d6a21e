package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
)

// natsPublisher is the part of *nats.Conn the publisher needs.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes posting and approval events to NATS for the
// notifications service.
//
// Subject convention: <prefix>.<subject>, e.g. notifications.gl.journal.posted
type NotificationPublisher struct {
	conn   natsPublisher
	prefix string
	now    func() time.Time
	log    *logger.Logger
}

// NotificationEvent is the JSON envelope published to NATS.
type NotificationEvent struct {
	EventType  string         `json:"event_type"`
	Source     string         `json:"source"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher on an established connection.
// A nil conn makes every publish a no-op.
func NewNotificationPublisher(conn *nats.Conn, prefix string, log *logger.Logger) *NotificationPublisher {
	p := &NotificationPublisher{prefix: prefix, now: time.Now, log: log}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Publish sends one event. Errors are returned for the caller to log; the
// posting and approval flows never fail on them.
func (p *NotificationPublisher) Publish(_ context.Context, subject string, payload map[string]any) error {
	if p.conn == nil {
		return nil
	}

	data, err := json.Marshal(&NotificationEvent{
		EventType:  subject,
		Source:     "gl-autoposting",
		OccurredAt: p.now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return err
	}

	full := subject
	if p.prefix != "" {
		full = p.prefix + "." + subject
	}
	if err := p.conn.Publish(full, data); err != nil {
		return err
	}

	p.log.Debug().Str("subject", full).Msg("Notification published")
	return nil
}
