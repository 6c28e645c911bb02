package natsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/convolabai/langhook/errors"
)

// Message is the slice of jetstream.Msg the pipeline consumes. Workers
// depend on this interface so tests can feed synthetic deliveries.
type Message interface {
	Subject() string
	Data() []byte
	Header(key string) string
	Ack() error
	Nak() error
	Term() error
}

// Handler processes one delivered message. Implementations must call
// exactly one of Ack, Nak, or Term.
type Handler func(ctx context.Context, msg Message)

// Subscription is a running durable consumer bound to a filter subject.
type Subscription struct {
	stream  string
	durable string
	client  *Client

	mu      sync.Mutex
	consume jetstream.ConsumeContext
	stopped bool
}

// Stop halts delivery but keeps the durable consumer so redelivery
// resumes where it left off after a rebind.
func (s *Subscription) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.consume != nil {
		s.consume.Stop()
	}
}

// Unbind stops delivery and deletes the durable consumer. Used when a
// disposable subscription has fired or a subscription is deleted.
func (s *Subscription) Unbind(ctx context.Context) error {
	s.Stop()
	return s.client.DeleteConsumer(ctx, s.stream, s.durable)
}

// Durable returns the durable consumer name.
func (s *Subscription) Durable() string { return s.durable }

type jsMessage struct {
	msg jetstream.Msg
}

func (m jsMessage) Subject() string { return m.msg.Subject() }
func (m jsMessage) Data() []byte    { return m.msg.Data() }
func (m jsMessage) Header(key string) string {
	return m.msg.Headers().Get(key)
}
func (m jsMessage) Ack() error  { return m.msg.Ack() }
func (m jsMessage) Nak() error  { return m.msg.Nak() }
func (m jsMessage) Term() error { return m.msg.Term() }

// EnsureStream creates the stream if absent and updates its subject
// set if it drifted. Idempotent.
func (c *Client) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	js, err := c.jetStream()
	if err != nil {
		return errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "EnsureStream")
	}

	replicas := cfg.Replicas
	if replicas == 0 {
		replicas = 1
	}
	sc := jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		Retention: cfg.Retention,
		Replicas:  replicas,
		MaxAge:    cfg.MaxAge,
	}

	if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
		return errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "EnsureStream")
	}
	c.logger.Debug("stream ensured", "stream", cfg.Name, "subjects", cfg.Subjects)
	return nil
}

// Publish publishes a message onto a JetStream subject with optional
// headers, waiting for the stream ack.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	js, err := c.jetStream()
	if err != nil {
		return errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "Publish")
	}

	msg := &nats.Msg{Subject: subject, Data: data}
	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}

	if _, err := js.PublishMsg(ctx, msg); err != nil {
		return errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "Publish")
	}
	return nil
}

// Consume binds a durable consumer with the given filter subject on a
// stream and starts delivering messages to the handler. Messages are
// delivered serially per consumer, preserving stream order.
func (c *Client) Consume(
	ctx context.Context,
	stream, filterSubject, durable string,
	handler Handler,
) (*Subscription, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "Consume")
	}
	if c.closed.Load() {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Consume", "check client state")
	}

	consumerCfg := jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		// One in-flight message per consumer keeps per-subscription
		// processing serial across process restarts too.
		MaxAckPending: 1,
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, consumerCfg)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "Consume")
	}

	sub := &Subscription{stream: stream, durable: durable, client: c}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(ctx, jsMessage{msg: msg})
	})
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "Consume")
	}
	sub.mu.Lock()
	sub.consume = cc
	sub.mu.Unlock()

	c.logger.Debug("consumer bound",
		"stream", stream, "filter", filterSubject, "durable", durable)
	return sub, nil
}

// ConsumeEphemeral starts an ordered ephemeral consumer for live tails.
func (c *Client) ConsumeEphemeral(
	ctx context.Context,
	stream, filterSubject string,
	handler Handler,
) (*Subscription, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "ConsumeEphemeral")
	}

	consumer, err := js.OrderedConsumer(ctx, stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filterSubject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "ConsumeEphemeral")
	}

	sub := &Subscription{stream: stream, client: c}
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(ctx, jsMessage{msg: msg})
	})
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "ConsumeEphemeral")
	}
	sub.mu.Lock()
	sub.consume = cc
	sub.mu.Unlock()
	return sub, nil
}

// DeleteConsumer removes a durable consumer from a stream.
func (c *Client) DeleteConsumer(ctx context.Context, stream, durable string) error {
	if durable == "" {
		return nil
	}
	js, err := c.jetStream()
	if err != nil {
		return errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "DeleteConsumer")
	}
	if err := js.DeleteConsumer(ctx, stream, durable); err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil
		}
		return errors.WrapKind(err, errors.KindBrokerUnavailable, errors.ErrorTransient,
			"Client", "DeleteConsumer")
	}
	return nil
}

// DurableName builds a stable durable consumer name for a subscription
// so redelivery resumes across restarts.
func DurableName(subscriptionID int64) string {
	return fmt.Sprintf("sub-%d", subscriptionID)
}
