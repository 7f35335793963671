package rpc

import (
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqp"
	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
)

// ReceiverOptions are the optional collaborators of a Receiver.
type ReceiverOptions struct {
	Log     logger.Logger
	Journal *Journal
	Metrics *Metrics
}

// Receiver reads requests from the topic queue one at a time and answers them.
//
// NextMessage and FinishMessage alternate: after NextMessage returns (with a request or
// with a MalformedInputError) the message stays pending until FinishMessage.
type Receiver struct {
	conn     *amqp.Connection
	queue    *amqp.Channel
	topic    string
	exchange string
	state    *MessageState

	log     logger.Logger
	journal *Journal
	metrics *Metrics
}

// NewReceiver declares the topic queue and the topic exchange and binds them with the
// topic as routing key. The Receiver holds its own reference to conn. state carries a
// pending obligation over from a previous Receiver; nil starts fresh.
func NewReceiver(conn *amqp.Connection, topic, exchange string, state *MessageState, opts ReceiverOptions) (*Receiver, error) {
	if state == nil {
		state = &MessageState{}
	}
	r := &Receiver{
		conn:     conn,
		topic:    topic,
		exchange: exchange,
		state:    state,
		log:      logger.OrNil(opts.Log),
		journal:  opts.Journal,
		metrics:  opts.Metrics,
	}
	conn.Retain()

	if err := conn.AttemptDeclareQueue(topic, false, false); err != nil {
		r.Close()
		return nil, err
	}
	if err := conn.AttemptDeclareExchange(exchange, "topic"); err != nil {
		r.Close()
		return nil, err
	}
	queue, err := conn.NewChannel()
	if err != nil {
		r.Close()
		return nil, err
	}
	r.queue = queue
	if err := queue.BindQueueToExchange(topic, exchange, topic); err != nil {
		r.Close()
		return nil, err
	}
	r.log.Debug("Receiver listening on %s (exchange %s)", topic, exchange)
	return r, nil
}

// State returns the pending-message ledger shared with the next Receiver.
func (r *Receiver) State() *MessageState {
	return r.state
}

// NextMessage blocks until a request arrives. Requests already answered according to
// the journal are acknowledged and skipped.
func (r *Receiver) NextMessage() (GuestInput, error) {
	if r.state.AckPending && !r.state.replyPending() && r.state.ConnectionID != r.conn.ID() {
		r.log.Warn("Dropping ack of delivery tag %d from an earlier connection; the broker requeued it",
			r.state.DeliveryTag)
		r.state.Reset()
	}
	if r.state.Pending() {
		return GuestInput{}, ErrMessagePending
	}
	for {
		msg, err := r.queue.GetMessage(r.topic)
		if err != nil {
			return GuestInput{}, err
		}
		if msg == nil {
			r.log.Info("Received an empty message.")
			continue
		}
		r.metrics.messageReceived()
		r.log.Info("Received message, key %s, tag %d, ex %s, content_type %s, redelivered %t",
			msg.RoutingKey, msg.DeliveryTag, msg.Exchange, msg.ContentType, msg.Redelivered)
		r.log.Debug("Message body: %s", msg.Body)

		r.state.begin(msg.DeliveryTag, r.conn.ID())
		input, msgID, err := DecodeRequest(msg.Body)
		r.state.setMsgID(msgID)
		if err != nil {
			r.metrics.messageMalformed()
			return GuestInput{}, err
		}

		if msgID != nil && r.journal.Replied(*msgID) {
			r.log.Warn("Request %s (%s) was already answered; acknowledging redelivery", *msgID, input.MethodName)
			r.metrics.duplicateSkipped()
			r.state.MsgID = nil
			if err := r.FinishMessage(GuestOutput{}); err != nil {
				// Unacked, so the broker hands it out again and it is skipped then.
				r.state.Reset()
				return GuestInput{}, err
			}
			continue
		}
		if msgID != nil {
			r.journal.Started(*msgID, input.MethodName)
		}
		return input, nil
	}
}

// FinishMessage acknowledges the pending delivery and, if the request had a msg id,
// publishes the reply followed by the ending sentinel on a fresh channel. A transport
// error leaves the state so a retry resumes where this call stopped.
func (r *Receiver) FinishMessage(output GuestOutput) error {
	if !r.state.Pending() {
		r.log.Debug("No pending message to finish")
		return nil
	}

	if r.state.AckPending {
		if r.state.ConnectionID != r.conn.ID() {
			r.log.Warn("Not acknowledging delivery tag %d from an earlier connection; the broker requeued it",
				r.state.DeliveryTag)
		} else if err := r.queue.AckMessage(r.state.DeliveryTag); err != nil {
			return err
		}
		r.state.AckPending = false
	}

	if r.state.replyPending() {
		if err := r.sendReply(output); err != nil {
			return err
		}
	}
	r.state.Reset()
	return nil
}

func (r *Receiver) sendReply(output GuestOutput) error {
	msgID := *r.state.MsgID

	body, err := EncodeReply(output)
	if err != nil {
		r.log.Err("Encoding reply to %s: %v", msgID, err)
		body, _ = EncodeReply(Failed("could not encode result: %v", err))
	}

	var ch *amqp.Channel
	defer func() {
		if ch != nil {
			if err := ch.Close(); err != nil {
				r.log.Warn("Closing reply channel: %v", err)
			}
		}
	}()
	publish := func(data []byte) error {
		if ch == nil || !ch.IsOpen() {
			var err error
			if ch, err = r.conn.NewChannel(); err != nil {
				return err
			}
		}
		return ch.Publish(msgID, msgID, data)
	}

	r.log.Info("Replying to %s: %s", msgID, body)
	if err := r.attempt(&r.state.MustSendReplyBody, "reply body", func() error { return publish(body) }); err != nil {
		return err
	}
	if err := r.attempt(&r.state.MustSendReplyEnd, "reply ending", func() error { return publish(EncodeEnding()) }); err != nil {
		return err
	}
	r.journal.MarkReplied(msgID)
	r.metrics.reply("sent")
	return nil
}

// attempt runs one bounded reply step. While attempts remain a failure is returned so
// the caller can reconnect and retry; the last failure is logged and swallowed.
func (r *Receiver) attempt(remaining *int, what string, publish func() error) error {
	if *remaining <= 0 {
		return nil
	}
	err := publish()
	if err == nil {
		*remaining = 0
		return nil
	}
	*remaining--
	if *remaining > 0 {
		return err
	}
	r.log.Err("Giving up on %s to %s: %v", what, *r.state.MsgID, err)
	r.metrics.reply("abandoned")
	return nil
}

// Close closes the consuming channel and releases the Receiver's connection reference.
// The message state is kept.
func (r *Receiver) Close() {
	if r.queue != nil {
		if err := r.queue.Close(); err != nil {
			r.log.Warn("Closing receiver channel: %v", err)
		}
		r.queue = nil
	}
	if r.conn != nil {
		r.conn.Release()
		r.conn = nil
	}
}
