// Package rabbitmq mirrors domain events onto a RabbitMQ queue so that
// external consumers (analytics, CRM sync) can follow chat activity
// without polling the REST API.
package rabbitmq

import (
	"encoding/json"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"chatrouter/internal/events"
)

// Publisher forwards events to a durable RabbitMQ queue. A nil Publisher
// (or one built from an empty URL) is a no-op, so callers never need to
// guard their publish sites.
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
	enabled bool
}

// NewPublisher connects to RabbitMQ. An empty URL disables publishing
// without error; a failed connection is logged and also disables
// publishing, since event mirroring is best-effort.
func NewPublisher(rabbitURL, queue string) *Publisher {
	if queue == "" {
		queue = "chat_events"
	}
	p := &Publisher{queue: queue}

	if rabbitURL == "" {
		log.Info().Msg("RABBITMQ_URL is not set. RabbitMQ publishing disabled.")
		return p
	}

	conn, err := amqp091.Dial(rabbitURL)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ")
		return p
	}
	channel, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("Could not open RabbitMQ channel")
		conn.Close()
		return p
	}

	p.conn = conn
	p.channel = channel
	p.enabled = true
	log.Info().Str("queue", queue).Msg("RabbitMQ connection established.")
	return p
}

// HandleEvent is the bus subscriber entry point: it serializes the event
// and publishes it. Wire it with bus.SubscribeAll.
func (p *Publisher) HandleEvent(evt events.Event) {
	if p == nil || !p.enabled {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("type", string(evt.Type)).Msg("Failed to marshal event for RabbitMQ")
		return
	}
	if err := p.publish(data); err != nil {
		log.Error().Err(err).
			Str("type", string(evt.Type)).
			Uint("chatID", evt.ChatID).
			Msg("Failed to publish event to RabbitMQ")
	}
}

func (p *Publisher) publish(data []byte) error {
	// Declare queue (idempotent)
	_, err := p.channel.QueueDeclare(
		p.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return err
	}
	err = p.channel.Publish(
		"",      // exchange (default)
		p.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        data,
		},
	)
	if err == nil {
		log.Debug().Str("queue", p.queue).Msg("Published message to RabbitMQ")
	}
	return err
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	if p == nil || !p.enabled {
		return
	}
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
