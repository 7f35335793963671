package rpc

import (
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqp"
	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
)

// Sender publishes to a topic through a single channel.
type Sender struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	topic    string
	exchange string
	log      logger.Logger
	metrics  *Metrics
}

// NewSender declares the topic exchange and the queue, binds them with the topic as
// routing key and opens the publishing channel. The Sender holds its own reference to
// conn.
func NewSender(conn *amqp.Connection, topic, exchange string, log logger.Logger, metrics *Metrics) (*Sender, error) {
	s := &Sender{
		conn:     conn,
		topic:    topic,
		exchange: exchange,
		log:      logger.OrNil(log),
		metrics:  metrics,
	}
	conn.Retain()

	if err := conn.AttemptDeclareExchange(exchange, "topic"); err != nil {
		s.Close()
		return nil, err
	}
	if err := conn.AttemptDeclareQueue(topic, false, false); err != nil {
		s.Close()
		return nil, err
	}
	ch, err := conn.NewChannel()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.ch = ch
	if err := ch.BindQueueToExchange(topic, exchange, topic); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Send publishes body to the exchange with the topic as routing key.
func (s *Sender) Send(body []byte) error {
	s.log.Debug("Sending to %s: %s", s.topic, body)
	if err := s.ch.Publish(s.exchange, s.topic, body); err != nil {
		return err
	}
	s.metrics.messageSent()
	return nil
}

// Close closes the publishing channel and releases the Sender's connection reference.
func (s *Sender) Close() {
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			s.log.Warn("Closing sender channel: %v", err)
		}
		s.ch = nil
	}
	if s.conn != nil {
		s.conn.Release()
		s.conn = nil
	}
}
