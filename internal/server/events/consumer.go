package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/motivearchive/internal/logging"
	"github.com/rabbitmq/amqp091-go"
)

const (
	prefetchCount  = 8
	messageTimeout = 30 * time.Second
)

type channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
}

// openChannel is a seam for tests.
var openChannel = func(url string) (channel, func() error, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

// Consumer feeds deliveries from a durable queue to a Handler.
type Consumer struct {
	url     string
	queue   string
	handler *Handler
	logger  logging.Logger
}

func NewConsumer(url, queue string, handler *Handler, l logging.Logger) *Consumer {
	return &Consumer{url: url, queue: queue, handler: handler, logger: l.With("module", "amqp_consumer")}
}

// Run consumes until ctx is canceled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	ch, closeConn, err := openChannel(c.url)
	if err != nil {
		return fmt.Errorf("amqp connect: %w", err)
	}
	defer closeConn()

	return c.consume(ctx, ch)
}

func (c *Consumer) consume(ctx context.Context, ch channel) error {
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp declare %s: %w", c.queue, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume %s: %w", c.queue, err)
	}

	c.logger.Info(ctx, "Consuming image events", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info(ctx, "Stopping consumer...")
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("amqp delivery channel closed")
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp091.Delivery) {
	mctx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()

	err := c.handler.ProcessMessage(mctx, msg)

	var nack *NackError
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error(ctx, "ack failed", "tag", msg.DeliveryTag, "error", ackErr)
		}
	case errors.As(err, &nack):
		c.logger.Warn(ctx, "message rejected", "tag", msg.DeliveryTag, "reason", nack.Reason)
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error(ctx, "nack failed", "tag", msg.DeliveryTag, "error", nackErr)
		}
	default:
		c.logger.Error(ctx, "message requeued", "tag", msg.DeliveryTag, "error", err)
		if nackErr := msg.Nack(false, true); nackErr != nil {
			c.logger.Error(ctx, "nack failed", "tag", msg.DeliveryTag, "error", nackErr)
		}
	}
}
