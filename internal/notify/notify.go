// Package notify publishes message lifecycle events to a RabbitMQ topic
// exchange. Routing keys are "<event>.<queue>".
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/aridsondez/fmtp/internal/queue"
)

const (
	EventCreated = "created"
	EventDeleted = "deleted"
)

// Publisher is the part of *amqp.Channel the notifier uses.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Event is the JSON body of a published notification. Bodies are never sent.
type Event struct {
	Event       string  `json:"event"`
	Queue       string  `json:"queue"`
	GUID        string  `json:"guid"`
	ContentType string  `json:"content_type"`
	Size        int     `json:"size"`
	CreatedAt   string  `json:"created_at"`
	DeletedAt   *string `json:"deleted_at"`
}

type Notifier struct {
	pub      Publisher
	exchange string
	logger   zerolog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

func New(pub Publisher, exchange string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		pub:      pub,
		exchange: exchange,
		logger:   logger.With().Str("component", "notifier").Logger(),
	}
}

// Dial connects to RabbitMQ and declares a durable topic exchange.
func Dial(url, exchange string, logger zerolog.Logger) (*Notifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	n := New(ch, exchange, logger)
	n.conn = conn
	n.ch = ch
	n.logger.Info().Str("exchange", exchange).Msg("connected to RabbitMQ")
	return n, nil
}

func (n *Notifier) OnCreated(ctx context.Context, m queue.Message) error {
	return n.publish(EventCreated, m)
}

func (n *Notifier) OnDeleted(ctx context.Context, m queue.Message) error {
	return n.publish(EventDeleted, m)
}

func (n *Notifier) publish(event string, m queue.Message) error {
	ev := Event{
		Event:       event,
		Queue:       m.Queue,
		GUID:        m.GUID,
		ContentType: m.ContentType,
		Size:        len(m.Body),
		CreatedAt:   queue.FormatTime(m.CreatedAt),
	}
	if m.DeletedAt != nil {
		s := queue.FormatTime(*m.DeletedAt)
		ev.DeletedAt = &s
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	key := event + "." + m.Queue
	err = n.pub.Publish(n.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    m.Queue + "/" + m.GUID,
		Type:         event,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return nil
}

// Close releases the connection opened by Dial.
func (n *Notifier) Close() error {
	if n.ch != nil {
		if err := n.ch.Close(); err != nil {
			return err
		}
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
