package amqp

import (
	amqpError "github.com/TimSimpsonR/sneaky-pete-sub001/amqperror"
)

// QueueOptions are the queue.declare flags the agent uses.
type QueueOptions struct {
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// Channel is one channel of a Connection. Once closed no operation may be issued on it.
type Channel struct {
	conn     *Connection
	number   uint16
	isOpen   bool
	released bool

	consumerTag string
}

func (ch *Channel) Number() uint16 {
	return ch.number
}

func (ch *Channel) IsOpen() bool {
	return ch.isOpen && !ch.conn.closed
}

func (ch *Channel) open() error {
	if err := ch.conn.sendMethod(encodeChannelOpen(ch.number)); err != nil {
		return newError(OpenChannelFailed, err, "channel %d", ch.number)
	}
	if _, err := ch.expect(ClassChannel, MethodChannelOpenOk, OpenChannelFailed); err != nil {
		return err
	}
	ch.isOpen = true
	return nil
}

// call sends a synchronous method and waits for its reply.
func (ch *Channel) call(frame *Frame, encErr error, classID, methodID uint16, code ErrorCode) (*Method, error) {
	if !ch.IsOpen() {
		return nil, newError(code, nil, "channel %d is closed", ch.number)
	}
	if encErr != nil {
		return nil, newError(code, encErr, "channel %d", ch.number)
	}
	if err := ch.conn.send(frame); err != nil {
		return nil, newError(code, err, "channel %d", ch.number)
	}
	return ch.expect(classID, methodID, code)
}

// expect reads the next method on this channel and requires it to be classID.methodID.
// A broker channel.close is acknowledged and reported with its reply code.
func (ch *Channel) expect(classID, methodID uint16, code ErrorCode) (*Method, error) {
	frame, err := ch.conn.readFor(ch.number)
	if err != nil {
		return nil, err
	}
	m, err := ParseMethod(frame)
	if err != nil {
		return nil, newError(UnexpectedFramePayloadMethod, err, "channel %d", ch.number)
	}
	if m.Is(ClassChannel, MethodChannelClose) {
		return nil, ch.closedByBroker(m, code)
	}
	if !m.Is(classID, methodID) {
		return nil, newError(code, nil, "expected %s, got %s on channel %d",
			getFullMethodName(classID, methodID), m, ch.number)
	}
	return m, nil
}

func (ch *Channel) closedByBroker(m *Method, code ErrorCode) error {
	ch.isOpen = false
	ch.consumerTag = ""
	e := &Error{Code: code}
	if args, err := m.closeArgs(); err == nil {
		e.ReplyCode = amqpError.AmqpError(args.ReplyCode)
		e.Text = args.ReplyText
	}
	if err := ch.conn.sendMethod(encodeEmpty(ClassChannel, MethodChannelCloseOk, ch.number)); err != nil {
		ch.conn.log.Warn("Sending channel.close-ok on channel %d: %v", ch.number, err)
	}
	ch.conn.log.Warn("Broker closed channel %d: %s", ch.number, e)
	return e
}

// DeclareExchange declares an exchange. A failed declare retires the channel number.
func (ch *Channel) DeclareExchange(name, kind string, passive bool) error {
	frame, err := encodeExchangeDeclare(ch.number, name, kind, passive, false, false)
	if _, err := ch.call(frame, err, ClassExchange, MethodExchangeDeclareOk, ExchangeDeclareFail); err != nil {
		ch.markBad(err)
		return err
	}
	return nil
}

// DeclareQueue declares a queue. A failed declare retires the channel number.
func (ch *Channel) DeclareQueue(name string, opts QueueOptions) error {
	frame, err := encodeQueueDeclare(ch.number, name, opts.Passive, opts.Durable, opts.Exclusive, opts.AutoDelete)
	m, err := ch.call(frame, err, ClassQueue, MethodQueueDeclareOk, DeclareQueueFailure)
	if err != nil {
		ch.markBad(err)
		return err
	}
	if ok, err := m.queueDeclareOk(); err == nil {
		ch.conn.log.Debug("Declared queue %s (%d messages, %d consumers)", ok.Queue, ok.MessageCount, ok.ConsumerCount)
	}
	return nil
}

func (ch *Channel) markBad(err error) {
	if !isConnectionError(err) {
		ch.conn.MarkBad(ch.number)
	}
}

func (ch *Channel) BindQueueToExchange(queue, exchange, routingKey string) error {
	frame, err := encodeQueueBind(ch.number, queue, exchange, routingKey)
	_, err = ch.call(frame, err, ClassQueue, MethodQueueBindOk, BindQueueFailure)
	return err
}

// Publish sends body as persistent UTF-8 JSON. It is not retried here.
func (ch *Channel) Publish(exchange, routingKey string, body []byte) error {
	if !ch.IsOpen() {
		return newError(PublishFailure, nil, "channel %d is closed", ch.number)
	}
	method, err := encodeBasicPublish(ch.number, exchange, routingKey, false, false)
	if err != nil {
		return newError(PublishFailure, err, "encoding basic.publish")
	}
	header, err := EncodeContentHeader(ch.number, uint64(len(body)), jsonProperties)
	if err != nil {
		return newError(PublishFailure, err, "encoding content header")
	}
	frames := append([]*Frame{method, header}, BodyFrames(ch.number, body, ch.conn.frameMax)...)
	if err := ch.conn.send(frames...); err != nil {
		return newError(PublishFailure, err, "publishing to exchange %q key %q", exchange, routingKey)
	}
	return nil
}

// GetMessage waits for the next delivery from queue. The first call sets a prefetch of
// one and starts a consumer. A consumer cancelled by the broker yields a nil message
// and no error; the next call consumes again.
func (ch *Channel) GetMessage(queue string) (*QueueMessage, error) {
	if ch.consumerTag == "" {
		if err := ch.consume(queue); err != nil {
			return nil, err
		}
	}

	frame, err := ch.conn.readFor(ch.number)
	if err != nil {
		return nil, err
	}
	m, err := ParseMethod(frame)
	if err != nil {
		return nil, newError(UnexpectedFramePayloadMethod, err, "waiting for basic.deliver on channel %d", ch.number)
	}
	switch {
	case m.Is(ClassBasic, MethodBasicDeliver):
	case m.Is(ClassBasic, MethodBasicCancel):
		ch.brokerCancel(m)
		return nil, nil
	case m.Is(ClassChannel, MethodChannelClose):
		return nil, ch.closedByBroker(m, Consume)
	default:
		return nil, newError(UnexpectedFramePayloadMethod, nil, "expected basic.deliver, got %s on channel %d", m, ch.number)
	}

	deliver, err := m.basicDeliver()
	if err != nil {
		return nil, newError(UnexpectedFramePayloadMethod, err, "parsing basic.deliver")
	}

	frame, err = ch.conn.readFor(ch.number)
	if err != nil {
		return nil, err
	}
	if frame.Type != FrameHeader {
		return nil, newError(HeaderExpected, nil, "got %s frame after basic.deliver on channel %d",
			getFrameTypeName(frame.Type), ch.number)
	}
	bodySize, props, err := DecodeContentHeader(frame.Payload)
	if err != nil {
		return nil, newError(FrameError, err, "channel %d", ch.number)
	}

	body := newBodyAssembler(bodySize)
	for !body.done() {
		frame, err := ch.conn.readFor(ch.number)
		if err != nil {
			return nil, err
		}
		if err := body.add(frame); err != nil {
			return nil, err
		}
	}

	return &QueueMessage{
		DeliveryTag:     deliver.DeliveryTag,
		Redelivered:     deliver.Redelivered,
		Exchange:        deliver.Exchange,
		RoutingKey:      deliver.RoutingKey,
		ContentType:     props.ContentType,
		ContentEncoding: props.ContentEncoding,
		Body:            body.bytes(),
	}, nil
}

func (ch *Channel) consume(queue string) error {
	frame, err := encodeBasicQos(ch.number, 0, 1, false)
	if _, err := ch.call(frame, err, ClassBasic, MethodBasicQosOk, Consume); err != nil {
		return err
	}
	frame, err = encodeBasicConsume(ch.number, queue, "", false, false)
	m, err := ch.call(frame, err, ClassBasic, MethodBasicConsumeOk, Consume)
	if err != nil {
		return err
	}
	tag, err := m.consumerTag()
	if err != nil {
		return newError(Consume, err, "parsing basic.consume-ok")
	}
	ch.consumerTag = tag
	ch.conn.log.Debug("Consuming %s on channel %d with tag %s", queue, ch.number, tag)
	return nil
}

func (ch *Channel) brokerCancel(m *Method) {
	r := m.Reader()
	tag := r.ShortStr()
	noWait := r.Bit()
	ch.conn.log.Warn("Broker cancelled consumer %s on channel %d", tag, ch.number)
	ch.consumerTag = ""
	if r.Err() == nil && !noWait {
		if err := ch.conn.sendMethod(encodeBasicCancelOk(ch.number, tag)); err != nil {
			ch.conn.log.Warn("Sending basic.cancel-ok: %v", err)
		}
	}
}

// AckMessage acknowledges a delivery. No reply is awaited.
func (ch *Channel) AckMessage(deliveryTag uint64) error {
	if !ch.IsOpen() {
		return newError(AckFailure, nil, "channel %d is closed", ch.number)
	}
	if err := ch.conn.sendMethod(encodeBasicAck(ch.number, deliveryTag, false)); err != nil {
		return newError(AckFailure, err, "delivery tag %d", deliveryTag)
	}
	return nil
}

// Close closes the channel and releases its reference on the connection. Closing an
// already closed channel does nothing.
func (ch *Channel) Close() error {
	if ch.released {
		return nil
	}
	var err error
	if ch.IsOpen() {
		err = ch.closeHandshake()
	}
	ch.conn.deregister(ch)
	return err
}

func (ch *Channel) closeHandshake() error {
	ch.isOpen = false
	frame, err := encodeClose(ClassChannel, MethodChannelClose, ch.number,
		closeArgs{ReplyCode: amqpError.ReplySuccess.Code(), ReplyText: "Goodbye"})
	if err == nil {
		err = ch.conn.send(frame)
	}
	if err != nil {
		return newError(CloseChannelFailed, err, "channel %d", ch.number)
	}
	// Deliveries already in flight are discarded; the broker requeues them.
	for {
		frame, err := ch.conn.readFor(ch.number)
		if err != nil {
			return newError(CloseChannelFailed, err, "channel %d", ch.number)
		}
		if frame.Type != FrameMethod {
			continue
		}
		m, err := ParseMethod(frame)
		if err != nil {
			return newError(CloseChannelFailed, err, "channel %d", ch.number)
		}
		switch {
		case m.Is(ClassChannel, MethodChannelCloseOk):
			return nil
		case m.Is(ClassChannel, MethodChannelClose):
			ch.conn.sendMethod(encodeEmpty(ClassChannel, MethodChannelCloseOk, ch.number))
			return nil
		}
	}
}

// closeQuietly is Close for cleanup paths.
func (ch *Channel) closeQuietly() {
	if err := ch.Close(); err != nil {
		ch.conn.log.Warn("%v", err)
	}
}
