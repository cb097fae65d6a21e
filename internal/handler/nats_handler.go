package handler

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-gl-autoposting/internal/event"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/service"
)

// TransactionProcessor runs the posting flow for one event.
type TransactionProcessor interface {
	ProcessTransaction(ctx context.Context, evt event.TransactionEvent) (*service.ProcessingResult, error)
}

// ConsumerConfig configures the durable JetStream consumer.
type ConsumerConfig struct {
	SubjectPrefix string
	Stream        string
	Durable       string
	Workers       int
	AckWait       time.Duration
	MaxDeliver    int
	NakDelay      time.Duration
}

// NATSHandler consumes upstream domain events from <prefix>.<event name>
// through a durable JetStream consumer, adapts them through the registry and
// posts them. A message is acked once the posting flow returns a result and
// is redelivered when processing fails on infrastructure.
type NATSHandler struct {
	conn      *nats.Conn
	cfg       ConsumerConfig
	registry  *event.Registry
	processor TransactionProcessor
	log       *logger.Logger

	cc   jetstream.ConsumeContext
	ctx  context.Context
	msgs chan jetstream.Msg
	done chan struct{}
	wg   sync.WaitGroup
}

// NewNATSHandler creates a consumer. cfg.Workers bounds concurrent posting flows.
func NewNATSHandler(conn *nats.Conn, cfg ConsumerConfig, registry *event.Registry, processor TransactionProcessor, log *logger.Logger) *NATSHandler {
	cfg.SubjectPrefix = strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 2 * time.Minute
	}
	if cfg.NakDelay <= 0 {
		cfg.NakDelay = 5 * time.Second
	}
	return &NATSHandler{
		conn:      conn,
		cfg:       cfg,
		registry:  registry,
		processor: processor,
		log:       log.Component("nats"),
	}
}

func (h *NATSHandler) subject() string { return h.cfg.SubjectPrefix + ".>" }

// Start binds the durable consumer on <prefix>.> and starts the workers. The
// stream is created when it does not exist yet. Workers stop when ctx is
// cancelled or Stop is called.
func (h *NATSHandler) Start(ctx context.Context) error {
	js, err := jetstream.New(h.conn)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to open JetStream context")
	}
	stream, err := h.ensureStream(ctx, js)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to bind upstream event stream")
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       h.cfg.Durable,
		FilterSubject: h.subject(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       h.cfg.AckWait,
		MaxDeliver:    h.cfg.MaxDeliver,
		MaxAckPending: h.cfg.Workers * 4,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to create upstream event consumer")
	}

	h.ctx = ctx
	h.msgs = make(chan jetstream.Msg)
	h.done = make(chan struct{})
	for range h.cfg.Workers {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-h.done:
					return
				case msg := <-h.msgs:
					h.handleMsg(ctx, msg)
				}
			}
		}()
	}

	cc, err := cons.Consume(h.dispatch, jetstream.PullMaxMessages(h.cfg.Workers))
	if err != nil {
		close(h.done)
		h.wg.Wait()
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to consume upstream events")
	}
	h.cc = cc

	h.log.Info().
		Str("subject", h.subject()).
		Str("stream", h.cfg.Stream).
		Str("durable", h.cfg.Durable).
		Int("workers", h.cfg.Workers).
		Msg("Consuming upstream events")
	return nil
}

func (h *NATSHandler) ensureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, h.cfg.Stream)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, err
	}
	return js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      h.cfg.Stream,
		Subjects:  []string{h.subject()},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
}

// dispatch hands a delivered message to a worker. Messages that arrive after
// Stop are naked so the server redelivers them at once.
func (h *NATSHandler) dispatch(msg jetstream.Msg) {
	select {
	case h.msgs <- msg:
	case <-h.done:
		_ = msg.Nak()
	case <-h.ctx.Done():
		_ = msg.Nak()
	}
}

// Stop stops pulling and waits for in-flight events. Unacked messages are
// redelivered to the next consumer on the durable.
func (h *NATSHandler) Stop() {
	if h.cc == nil {
		return
	}
	h.cc.Stop()
	close(h.done)
	h.wg.Wait()
}

func (h *NATSHandler) handleMsg(ctx context.Context, msg jetstream.Msg) {
	_, err := h.Handle(ctx, msg.Subject(), msg.Data())
	if err != nil {
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			h.log.Debug().
				Str("subject", msg.Subject()).
				Uint64("delivered", meta.NumDelivered).
				Msg("Event delivery failed")
		}
	}
	h.settle(msg, msg.Subject(), err)
}

// acker is the part of a JetStream message settle needs.
type acker interface {
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// settle acks events the posting flow answered, terminates events that can
// never be adapted and naks the rest for redelivery after NakDelay.
func (h *NATSHandler) settle(msg acker, subject string, err error) {
	var ackErr error
	switch {
	case err == nil:
		ackErr = msg.Ack()
	case errors.HasCode(err, errors.ErrCodeInvalidInput):
		ackErr = msg.Term()
	default:
		ackErr = msg.NakWithDelay(h.cfg.NakDelay)
	}
	if ackErr != nil {
		h.log.Warn().Err(ackErr).Str("subject", subject).Msg("Failed to settle event")
	}
}

// Handle processes one upstream message. Events without a registered adapter
// are ignored with a nil result.
func (h *NATSHandler) Handle(ctx context.Context, subject string, data []byte) (*service.ProcessingResult, error) {
	name := strings.TrimPrefix(subject, h.cfg.SubjectPrefix+".")
	if _, ok := h.registry.Lookup(name); !ok {
		h.log.Debug().Str("subject", subject).Msg("No adapter for event; ignoring")
		return nil, nil
	}

	var payload event.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.log.Warn().Err(err).Str("subject", subject).Msg("Invalid event payload")
		return nil, errors.InvalidInput("payload", "must be a JSON object")
	}

	evt, err := h.registry.Adapt(name, payload)
	if err != nil {
		h.log.Warn().Err(err).Str("event", name).Msg("Failed to adapt event")
		return nil, err
	}

	res, err := h.processor.ProcessTransaction(ctx, evt)
	if err != nil {
		h.log.Error().Err(err).
			Str("event", name).
			Str("source_document_id", evt.SourceDocumentID).
			Msg("Failed to process event")
		return nil, err
	}

	h.log.Info().
		Str("event", name).
		Str("source_document_id", evt.SourceDocumentID).
		Str("status", res.Status).
		Msg("Event processed")
	return res, nil
}
