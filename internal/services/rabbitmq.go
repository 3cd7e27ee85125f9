package services

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"vad-mining-backend/internal/models"
)

const (
	MiningEventsExchange = "mining_events"

	RoutingKeyClaimed            = "mining.claimed"
	RoutingKeyReferralRegistered = "referral.registered"
)

// EventProducer publishes ledger events to a durable topic exchange.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	log      logrus.FieldLogger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewEventProducer(amqpURL string, logger logrus.FieldLogger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to open channel")
	}

	p := &EventProducer{
		conn:     conn,
		channel:  ch,
		exchange: MiningEventsExchange,
		log:      logger.WithField("component", "rabbitmq_producer"),
	}

	if err := p.declare(); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

func (p *EventProducer) declare() error {
	return p.channel.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	)
}

// Publish sends body as JSON. The channel is reopened once if the first
// attempt fails.
func (p *EventProducer) Publish(ctx context.Context, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}

	p.log.WithError(err).WithField("routing_key", routingKey).Warn("publish failed; reopening channel")

	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Wrap(chErr, "failed to reopen channel")
	}
	p.channel = ch
	if err := p.declare(); err != nil {
		return errors.Wrap(err, "failed to declare exchange")
	}

	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

func (p *EventProducer) BroadcastClaim(ctx context.Context, event models.ClaimedEvent) error {
	return p.Publish(ctx, RoutingKeyClaimed, event)
}

func (p *EventProducer) BroadcastReferral(ctx context.Context, event models.ReferralEvent) error {
	return p.Publish(ctx, RoutingKeyReferralRegistered, event)
}

func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// NopBroadcaster is used when no broker is configured or reachable.
type NopBroadcaster struct {
	Logger logrus.FieldLogger
}

func (n NopBroadcaster) BroadcastClaim(_ context.Context, event models.ClaimedEvent) error {
	if n.Logger != nil {
		n.Logger.WithField("user_id", event.UserID).Debug("claim event publish skipped")
	}
	return nil
}

func (n NopBroadcaster) BroadcastReferral(_ context.Context, event models.ReferralEvent) error {
	if n.Logger != nil {
		n.Logger.WithField("referrer_id", event.ReferrerID).Debug("referral event publish skipped")
	}
	return nil
}
