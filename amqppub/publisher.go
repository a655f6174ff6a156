// Package amqppub forwards dispatched messages to a RabbitMQ topic
// exchange. It publishes with mandatory routing and publisher confirms,
// so an unroutable or nacked message surfaces as a retryable dispatch
// error instead of silently vanishing.
package amqppub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/meridianhq/relay/internal/pkg/logger"
	"github.com/meridianhq/relay/msg"
)

const (
	DefaultExchange = "relay.events"

	// Wait window for Return / Confirm.
	publishWait = 150 * time.Millisecond
)

type Publisher struct {
	url      string
	exchange string
	log      zerolog.Logger

	mu sync.Mutex

	conn *amqp.Connection
	ch   *amqp.Channel

	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	p := &Publisher{
		url:      url,
		exchange: exchange,
		log:      logger.Logger.With().Str("component", "amqp_publisher").Str("exchange", exchange).Logger(),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	if err := ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	// enable publisher confirms
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	p.conn = conn
	p.ch = ch

	p.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.returnCh = ch.NotifyReturn(make(chan amqp.Return, 1))

	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	return nil
}

// Publish sends body to the exchange under routingKey with mandatory +
// confirms. messageID must be stable across retries so downstream
// consumers can deduplicate.
func (p *Publisher) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	if routingKey == "" {
		return msg.Invalidf("missing routing key")
	}
	if messageID == "" {
		return msg.Invalidf("missing message id")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return errors.New("publisher channel not ready")
	}

	err := p.ch.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		true,  // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:    messageID,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return err
	}

	return p.awaitOutcome(ctx, routingKey)
}

// awaitOutcome waits for either a Return (NO_ROUTE) or a Confirm after a
// mandatory publish.
func (p *Publisher) awaitOutcome(ctx context.Context, routingKey string) error {
	select {
	case ret := <-p.returnCh:
		// Drain the confirm that follows the return so the channel stays
		// aligned with the next publish.
		select {
		case <-p.confirmCh:
		case <-time.After(publishWait):
		}
		return fmt.Errorf("NO_ROUTE: %s", ret.RoutingKey)
	case conf := <-p.confirmCh:
		if !conf.Ack {
			return errors.New("publish nack")
		}
		return nil
	case <-time.After(publishWait):
		// Unconfirmed is unpublished as far as the dispatcher is
		// concerned. Fail the attempt so the retry path applies; the
		// stable message id lets consumers deduplicate if the broker did
		// get it.
		p.log.Warn().Str("routing_key", routingKey).Msg("no confirm within wait window")
		return fmt.Errorf("confirm timeout after %s", publishWait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler adapts the publisher to one dispatch topic. The topic doubles
// as the routing key.
func (p *Publisher) Handler(topic string) msg.Handler {
	return &forwardHandler{pub: p, topic: topic}
}

type forwardHandler struct {
	pub   *Publisher
	topic string
}

func (h *forwardHandler) Topic() string { return h.topic }

func (h *forwardHandler) Handle(ctx context.Context, m *msg.Message) error {
	return h.pub.Publish(ctx, h.topic, m.MessageID.String(), m.Payload)
}
