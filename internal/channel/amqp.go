package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailsync/internal/events"
)

const (
	// ExchangeName 与后端引擎共享的 topic exchange
	ExchangeName = "mailsync.events"
)

// AMQPTransport carries the session channel over RabbitMQ: inbound pushes
// arrive on a per-session queue bound to the events exchange, outbound
// subscribe/unsubscribe requests are published with the event type as the
// routing key.
type AMQPTransport struct {
	url     string
	session string
	logger  *zap.Logger
}

func NewAMQPTransport(url, session string, logger *zap.Logger) *AMQPTransport {
	return &AMQPTransport{
		url:     url,
		session: session,
		logger:  logger,
	}
}

func (t *AMQPTransport) Dial(ctx context.Context) (Conn, error) {
	conn, err := amqp091.Dial(t.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// 每个会话一个独立队列，会话结束后自动删除
	queueName := "session." + t.session + ".q"
	q, err := ch.QueueDeclare(
		queueName,
		false, // durable
		true,  // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		"session."+t.session+".#",
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"mailsync",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	t.logger.Info("AMQP session channel established",
		zap.String("queue", q.Name),
		zap.String("exchange", ExchangeName),
	)

	closed := make(chan *amqp091.Error, 1)
	conn.NotifyClose(closed)

	return &amqpConn{
		conn:       conn,
		channel:    ch,
		session:    t.session,
		deliveries: deliveries,
		closed:     closed,
		logger:     t.logger,
	}, nil
}

type amqpConn struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	session    string
	deliveries <-chan amqp091.Delivery
	closed     chan *amqp091.Error
	logger     *zap.Logger
}

func (c *amqpConn) Send(evt events.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.channel.Publish(
		ExchangeName,
		evt.Type,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
			AppId:        c.session,
		},
	)
}

func (c *amqpConn) Receive() (events.Event, error) {
	for {
		select {
		case amqpErr := <-c.closed:
			if amqpErr == nil {
				return events.Event{}, fmt.Errorf("connection closed")
			}
			return events.Event{}, fmt.Errorf("connection closed: %w", amqpErr)
		case msg, ok := <-c.deliveries:
			if !ok {
				return events.Event{}, fmt.Errorf("delivery channel closed")
			}

			var evt events.Event
			if err := json.Unmarshal(msg.Body, &evt); err != nil {
				// 格式错误的消息不可重试，直接丢弃
				c.logger.Error("Failed to decode event, dropping",
					zap.Error(err),
					zap.Int("message_size", len(msg.Body)),
				)
				_ = msg.Nack(false, false)
				continue
			}

			if err := msg.Ack(false); err != nil {
				c.logger.Error("Failed to ack message", zap.Error(err))
			}
			return evt, nil
		}
	}
}

func (c *amqpConn) Close() error {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
