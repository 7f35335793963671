// Package rpcclient is the caller side of the guest RPC protocol. The guest-agent
// send command uses it to deliver a request to a guest and wait for the reply.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/TimSimpsonR/sneaky-pete-sub001/config"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/rpc"
	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
)

// ErrNoResult is returned when a reply ends before any result was sent.
var ErrNoResult = errors.New("reply ended without a result")

// URL builds the amqp:// URL for cfg.
func URL(cfg config.RabbitConfig) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.UserID, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/",
	}
	return u.String()
}

// Client publishes requests to guest topics on one exchange.
type Client struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      logger.Logger
	newID    func() string

	mu sync.Mutex // guards ch
}

// Dial connects to the broker and declares the control exchange the same way the
// guest does, so either side may come up first.
func Dial(amqpURL, exchange string, log logger.Logger) (*Client, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		false,    // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Client{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		log:      logger.OrNil(log),
		newID:    uuid.NewString,
	}, nil
}

// Cast sends a request that expects no reply.
func (c *Client) Cast(ctx context.Context, topic, method string, args map[string]any) error {
	body, err := rpc.EncodeRequest(method, args, nil, c.newID())
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return publish(ctx, c.ch, c.exchange, topic, body)
}

// Call sends a request and waits for its reply. The reply arrives on a direct
// exchange and queue both named after a fresh msg id.
func (c *Client) Call(ctx context.Context, topic, method string, args map[string]any) (rpc.GuestOutput, error) {
	msgID := c.newID()

	ch, err := c.conn.Channel()
	if err != nil {
		return rpc.GuestOutput{}, fmt.Errorf("failed to open reply channel: %w", err)
	}
	defer func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.log.Warn("Closing reply channel for %s: %v", msgID, err)
		}
	}()

	deliveries, err := listen(ch, msgID)
	if err != nil {
		return rpc.GuestOutput{}, err
	}

	body, err := rpc.EncodeRequest(method, args, &msgID, c.newID())
	if err != nil {
		return rpc.GuestOutput{}, err
	}
	c.log.Debug("Calling %s on %s as %s", method, topic, msgID)
	if err := publish(ctx, ch, c.exchange, topic, body); err != nil {
		return rpc.GuestOutput{}, err
	}
	return awaitReply(ctx, deliveries)
}

func listen(ch *amqp.Channel, msgID string) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(msgID, "direct", false, true, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare reply exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(msgID, false, true, true, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare reply queue: %w", err)
	}
	if err := ch.QueueBind(msgID, msgID, msgID, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind reply queue: %w", err)
	}
	deliveries, err := ch.Consume(msgID, "", false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume replies: %w", err)
	}
	return deliveries, nil
}

func awaitReply(ctx context.Context, deliveries <-chan amqp.Delivery) (rpc.GuestOutput, error) {
	var (
		output   rpc.GuestOutput
		received bool
	)
	for {
		select {
		case <-ctx.Done():
			return rpc.GuestOutput{}, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return rpc.GuestOutput{}, errors.New("reply consumer closed")
			}
			if err := d.Ack(false); err != nil {
				return rpc.GuestOutput{}, fmt.Errorf("failed to ack reply: %w", err)
			}
			out, ending, err := rpc.DecodeReply(d.Body)
			if err != nil {
				return rpc.GuestOutput{}, err
			}
			if ending {
				if !received {
					return rpc.GuestOutput{}, ErrNoResult
				}
				return output, nil
			}
			output, received = out, true
		}
	}
}

func publish(ctx context.Context, ch *amqp.Channel, exchange, topic string, body []byte) error {
	err := ch.PublishWithContext(ctx,
		exchange, // exchange
		topic,    // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			DeliveryMode:    amqp.Persistent,
			ContentType:     "application/json",
			ContentEncoding: "utf-8",
			Body:            body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish to RabbitMQ: %w", err)
	}
	return nil
}

// Close closes the channel and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	chErr := c.ch.Close()
	connErr := c.conn.Close()
	if connErr != nil {
		return connErr
	}
	if chErr != nil && !errors.Is(chErr, amqp.ErrClosed) {
		return chErr
	}
	return nil
}
