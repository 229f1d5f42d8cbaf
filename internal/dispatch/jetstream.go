package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// JetStream stream and subject used for ticks.
const (
	TickStream  = "SYNC_TICKS"
	TickSubject = "sync.tick"
)

// JetStream is the subset of nats.JetStreamContext used here.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Subscribe(subj string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// JetStreamPublisher dispatches ticks through NATS JetStream, for the local
// daemon. The tick id is the JetStream message id, so duplicates inside the
// stream's duplicate window are dropped.
type JetStreamPublisher struct {
	js  JetStream
	now func() time.Time
	// RetryDelay holds retry ticks back; the subscriber naks early
	// deliveries with the remaining delay.
	RetryDelay time.Duration
	// AckWait is how long a delivered tick may run before JetStream
	// redelivers it. It should exceed the tick budget.
	AckWait time.Duration
}

// NewJetStreamPublisher creates a JetStreamPublisher.
func NewJetStreamPublisher(js JetStream) *JetStreamPublisher {
	return &JetStreamPublisher{js: js, now: time.Now}
}

// EnsureStream creates the tick stream unless it already exists.
func (p *JetStreamPublisher) EnsureStream() error {
	info, err := p.js.StreamInfo(TickStream)
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       TickStream,
		Subjects:   []string{TickSubject},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// DispatchTick publishes the tick message.
func (p *JetStreamPublisher) DispatchTick(ctx context.Context, msg TickMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg = withRetryDelay(msg, p.RetryDelay, p.now())

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msg.ID != "" {
		opts = append(opts, nats.MsgId(msg.ID))
	}
	if _, err := p.js.Publish(TickSubject, body, opts...); err != nil {
		return fmt.Errorf("failed to publish tick: %w", err)
	}
	return nil
}

// TickHandler processes one tick delivered from the stream.
type TickHandler func(ctx context.Context, msg TickMessage) error

// Subscribe delivers ticks to handler with a durable consumer. A message is
// acked when handler succeeds and redelivered otherwise; a tick that is not
// due yet is redelivered once its NotBefore passes.
func (p *JetStreamPublisher) Subscribe(ctx context.Context, durable string, handler TickHandler) (*nats.Subscription, error) {
	opts := []nats.SubOpt{nats.Durable(durable), nats.ManualAck()}
	if p.AckWait > 0 {
		opts = append(opts, nats.AckWait(p.AckWait))
	}
	return p.js.Subscribe(TickSubject, func(m *nats.Msg) {
		p.deliver(ctx, m.Data, m, handler)
	}, opts...)
}

// tickAcker is the part of *nats.Msg that settles a delivery.
type tickAcker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
}

func (p *JetStreamPublisher) deliver(ctx context.Context, data []byte, m tickAcker, handler TickHandler) {
	err := HandleTickData(ctx, data, func(ctx context.Context, msg TickMessage) error {
		if wait := msg.Delay(p.now()); wait > 0 {
			return notDueError(wait)
		}
		return handler(ctx, msg)
	})

	var notDue notDueError
	switch {
	case err == nil, errors.Is(err, ErrInvalidMessage):
		_ = m.Ack()
	case errors.As(err, &notDue):
		_ = m.NakWithDelay(time.Duration(notDue))
	default:
		_ = m.Nak()
	}
}

type notDueError time.Duration

func (e notDueError) Error() string {
	return fmt.Sprintf("tick not due for %s", time.Duration(e))
}

// HandleTickData decodes a tick body and passes it to handler. Bodies that
// cannot be decoded yield ErrInvalidMessage.
func HandleTickData(ctx context.Context, data []byte, handler TickHandler) error {
	var msg TickMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.Join(ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return handler(ctx, msg)
}
