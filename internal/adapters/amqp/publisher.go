// Package amqpad publishes booking notifications to RabbitMQ. Delivery is a
// post-commit side effect: errors are logged and returned so the dispatcher
// can retry, but they never fail the reservation operation that produced them.
package amqpad

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"staybook/internal/domain"
)

const queueName = "booking.events"

// Publisher implements domain.Notifier. It dials per publish: side-effect
// volume is low (one message per lifecycle transition) and a fresh connection
// keeps the adapter free of reconnect state.
type Publisher struct{ url string }

func New(url string) *Publisher { return &Publisher{url: url} }

func (p *Publisher) Publish(ctx context.Context, n domain.Notification) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		log.Warn().Err(err).Msg("amqp dial failed")
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		log.Warn().Err(err).Msg("amqp channel open failed")
		return err
	}
	defer func() { _ = ch.Close() }()

	// Durable queue so messages survive broker restarts; declare is idempotent.
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		log.Warn().Err(err).Msg("amqp queue declare failed")
		return err
	}

	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx,
		"",        // default exchange
		queueName, // routing key = queue name
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Type:         n.Kind,
			Body:         body,
		},
	)
}
