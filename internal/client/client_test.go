package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
)

func TestBreakerMapsStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.ErrorCode
	}{
		{"not found", status.Error(codes.NotFound, "no such user"), errors.ErrCodeNotFound},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad role"), errors.ErrCodeInvalidInput},
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), errors.ErrCodeUnavailable},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), errors.ErrCodeUnavailable},
		{"plain error", stderrors.New("boom"), errors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBreaker("identity", BreakerConfig{ConsecutiveFailures: 10}, logger.Nop())
			err := b.Do(func() error { return tt.err })
			assert.Equal(t, tt.want, errors.CodeOf(err))
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("ifrs", BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute}, logger.Nop())
	unavailable := func() error { return status.Error(codes.Unavailable, "down") }

	require.Error(t, b.Do(unavailable))
	require.Error(t, b.Do(unavailable))
	assert.Equal(t, "open", b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnavailable))
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	b := NewBreaker("identity", BreakerConfig{ConsecutiveFailures: 1}, logger.Nop())

	for range 3 {
		_ = b.Do(func() error { return status.Error(codes.NotFound, "missing") })
	}
	assert.Equal(t, "closed", b.State())
}

func TestStringList(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"user_ids": []any{"ann", "", 42.0, "bob"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ann", "bob"}, stringList(s, "user_ids"))
	assert.Empty(t, stringList(s, "missing"))
	assert.Nil(t, stringList(nil, "user_ids"))
}

type recordingConn struct {
	subjects []string
	data     [][]byte
	err      error
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	c.subjects = append(c.subjects, subject)
	c.data = append(c.data, data)
	return c.err
}

func TestNotificationPublisher(t *testing.T) {
	conn := &recordingConn{}
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	p := &NotificationPublisher{conn: conn, prefix: "notifications.gl", now: func() time.Time { return at }, log: logger.Nop()}

	err := p.Publish(context.Background(), "journal.posted", map[string]any{"journal_number": "JV-FUEL_SALE-20260314-0001"})
	require.NoError(t, err)

	require.Equal(t, []string{"notifications.gl.journal.posted"}, conn.subjects)
	var evt NotificationEvent
	require.NoError(t, json.Unmarshal(conn.data[0], &evt))
	assert.Equal(t, "journal.posted", evt.EventType)
	assert.Equal(t, at, evt.OccurredAt)
	assert.Equal(t, "JV-FUEL_SALE-20260314-0001", evt.Payload["journal_number"])

	conn.err = stderrors.New("nats: connection closed")
	assert.Error(t, p.Publish(context.Background(), "workflow.timeout", nil))
}

func TestNotificationPublisherWithoutConnection(t *testing.T) {
	p := NewNotificationPublisher(nil, "notifications.gl", logger.Nop())
	assert.NoError(t, p.Publish(context.Background(), "journal.posted", nil))
}
