package amqptest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	amqpError "github.com/TimSimpsonR/sneaky-pete-sub001/amqperror"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqp"
)

var errConnectionClosedGracefully = errors.New("connection closed gracefully")

type connection struct {
	broker  *Broker
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	writeMu sync.Mutex

	// guarded by broker.mu
	channels map[uint16]*channel
}

type channel struct {
	id          uint16
	conn        *connection
	prefetch    uint16
	deliveryTag uint64
	consumers   map[string]*consumer
	unacked     map[uint64]unacked
	pending     *pendingPublish
	closing     bool // server sent channel.close and waits for close-ok
}

type unacked struct {
	queue string
	msg   Message
}

type pendingPublish struct {
	msg      Message
	size     uint64
	body     bytes.Buffer
	haveSize bool
}

func (c *connection) serve() {
	b := c.broker
	defer c.cleanup()

	protocol := make([]byte, 8)
	if _, err := io.ReadFull(c.reader, protocol); err != nil {
		b.log.Debug("Error reading protocol header from %s: %v", c.conn.RemoteAddr(), err)
		return
	}
	if string(protocol) != amqp.ProtocolHeader {
		b.log.Warn("Invalid protocol header from %s: %q", c.conn.RemoteAddr(), protocol)
		return
	}

	if err := c.handshake(); err != nil {
		b.log.Info("Handshake with %s failed: %v", c.conn.RemoteAddr(), err)
		return
	}

	for {
		frame, err := amqp.ReadFrame(c.reader, c.broker.frameMax)
		if err != nil {
			b.log.Debug("Connection %s closed: %v", c.conn.RemoteAddr(), err)
			return
		}
		if err := c.handleFrame(frame); err != nil {
			if !errors.Is(err, errConnectionClosedGracefully) {
				b.log.Err("Closing connection %s: %v", c.conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (c *connection) cleanup() {
	b := c.broker
	b.mu.Lock()
	for _, ch := range c.channels {
		b.requeueLocked(ch)
	}
	c.channels = make(map[uint16]*channel)
	delete(b.conns, c)
	b.changed.Broadcast()
	b.mu.Unlock()
	c.conn.Close()
}

func (c *connection) writeFrames(frames ...*amqp.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, frame := range frames {
		if err := amqp.WriteFrame(c.writer, frame); err != nil {
			c.broker.log.Debug("Write to %s failed: %v", c.conn.RemoteAddr(), err)
			return
		}
	}
	if err := c.writer.Flush(); err != nil {
		c.broker.log.Debug("Flush to %s failed: %v", c.conn.RemoteAddr(), err)
	}
}

func (c *connection) writeMethod(frame *amqp.Frame, err error) {
	if err != nil {
		c.broker.log.Err("Encoding method: %v", err)
		return
	}
	c.writeFrames(frame)
}

func (c *connection) readMethod() (*amqp.Method, error) {
	for {
		frame, err := amqp.ReadFrame(c.reader, 0)
		if err != nil {
			return nil, err
		}
		if frame.Type == amqp.FrameHeartbeat {
			continue
		}
		return amqp.ParseMethod(frame)
	}
}

func (c *connection) handshake() error {
	b := c.broker

	c.writeMethod(amqp.NewMethodWriter(amqp.ClassConnection, amqp.MethodConnectionStart).
		Octet(0).
		Octet(9).
		Table(map[string]any{
			"product":      "amqptest",
			"capabilities": map[string]any{"consumer_cancel_notify": true},
		}).
		LongStr("PLAIN AMQPLAIN").
		LongStr("en_US").
		Frame(0))

	m, err := c.readMethod()
	if err != nil {
		return err
	}
	if !m.Is(amqp.ClassConnection, amqp.MethodConnectionStartOk) {
		return fmt.Errorf("expected connection.start-ok, got %s", m)
	}
	r := m.Reader()
	r.Table()
	mechanism := r.ShortStr()
	response := r.LongStr()
	r.ShortStr()
	if r.Err() != nil {
		return r.Err()
	}

	b.mu.Lock()
	refuse := b.refuseLogin
	users := b.users
	b.mu.Unlock()

	if refuse || mechanism != "PLAIN" || !checkPlain(users, response) {
		c.sendConnectionClose(amqpError.AccessRefused, "ACCESS_REFUSED - Login was refused", 0, 0)
		return errors.New("login refused")
	}

	c.writeMethod(amqp.NewMethodWriter(amqp.ClassConnection, amqp.MethodConnectionTune).
		Short(defaultChannelMax).
		Long(b.frameMax).
		Short(0).
		Frame(0))

	if m, err = c.readMethod(); err != nil {
		return err
	}
	if !m.Is(amqp.ClassConnection, amqp.MethodConnectionTuneOk) {
		return fmt.Errorf("expected connection.tune-ok, got %s", m)
	}

	if m, err = c.readMethod(); err != nil {
		return err
	}
	if !m.Is(amqp.ClassConnection, amqp.MethodConnectionOpen) {
		return fmt.Errorf("expected connection.open, got %s", m)
	}
	if vhost := m.Reader().ShortStr(); vhost != "/" {
		c.sendConnectionClose(amqpError.InvalidPath, "NOT_ALLOWED - vhost not found", amqp.ClassConnection, amqp.MethodConnectionOpen)
		return fmt.Errorf("unknown vhost %q", vhost)
	}
	c.writeMethod(amqp.NewMethodWriter(amqp.ClassConnection, amqp.MethodConnectionOpenOk).
		ShortStr("").
		Frame(0))

	b.mu.Lock()
	b.logins++
	b.changed.Broadcast()
	b.mu.Unlock()
	b.log.Info("Client %s logged in", c.conn.RemoteAddr())
	return nil
}

func checkPlain(users map[string]string, response string) bool {
	parts := bytes.Split([]byte(response), []byte{0})
	if len(parts) != 3 {
		return false
	}
	password, ok := users[string(parts[1])]
	return ok && password == string(parts[2])
}

func (c *connection) sendConnectionClose(code amqpError.AmqpError, text string, classID, methodID uint16) {
	c.writeMethod(amqp.NewMethodWriter(amqp.ClassConnection, amqp.MethodConnectionClose).
		Short(code.Code()).
		ShortStr(text).
		Short(classID).
		Short(methodID).
		Frame(0))
}

func (c *connection) handleFrame(frame *amqp.Frame) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	switch frame.Type {
	case amqp.FrameMethod:
		return c.handleMethod(frame)
	case amqp.FrameHeader:
		return c.handleHeader(frame)
	case amqp.FrameBody:
		return c.handleBody(frame)
	case amqp.FrameHeartbeat:
		return nil
	default:
		c.sendConnectionClose(amqpError.FrameError, fmt.Sprintf("unhandled frame type %d", frame.Type), 0, 0)
		return fmt.Errorf("unhandled frame type %d", frame.Type)
	}
}

func (c *connection) handleMethod(frame *amqp.Frame) error {
	m, err := amqp.ParseMethod(frame)
	if err != nil {
		return err
	}

	if frame.Channel == 0 {
		switch {
		case m.Is(amqp.ClassConnection, amqp.MethodConnectionClose):
			c.writeMethod(amqp.NewMethodWriter(amqp.ClassConnection, amqp.MethodConnectionCloseOk).Frame(0))
			return errConnectionClosedGracefully
		case m.Is(amqp.ClassConnection, amqp.MethodConnectionCloseOk):
			return errConnectionClosedGracefully
		default:
			c.broker.log.Warn("Ignoring %s on channel 0", m)
			return nil
		}
	}

	if m.Is(amqp.ClassChannel, amqp.MethodChannelOpen) {
		return c.handleMethodChannelOpen(frame.Channel)
	}

	ch, ok := c.channels[frame.Channel]
	if !ok {
		c.sendConnectionClose(amqpError.ChannelError, fmt.Sprintf("CHANNEL_ERROR - channel %d not open", frame.Channel), m.ClassID, m.MethodID)
		return fmt.Errorf("%s on unopened channel %d", m, frame.Channel)
	}
	if ch.closing {
		if m.Is(amqp.ClassChannel, amqp.MethodChannelCloseOk) || m.Is(amqp.ClassChannel, amqp.MethodChannelClose) {
			delete(c.channels, ch.id)
		}
		return nil
	}

	switch m.ClassID {
	case amqp.ClassChannel:
		return c.handleClassChannelMethod(ch, m)
	case amqp.ClassExchange:
		return c.handleMethodExchangeDeclare(ch, m)
	case amqp.ClassQueue:
		return c.handleClassQueueMethod(ch, m)
	case amqp.ClassBasic:
		return c.handleClassBasicMethod(ch, m)
	default:
		c.sendConnectionClose(amqpError.NotImplemented, fmt.Sprintf("NOT_IMPLEMENTED - %s", m), m.ClassID, m.MethodID)
		return fmt.Errorf("unsupported method %s", m)
	}
}

func (c *connection) handleMethodChannelOpen(id uint16) error {
	if _, exists := c.channels[id]; exists {
		c.sendConnectionClose(amqpError.ChannelError, fmt.Sprintf("CHANNEL_ERROR - channel %d already open", id), amqp.ClassChannel, amqp.MethodChannelOpen)
		return fmt.Errorf("channel %d opened twice", id)
	}
	c.channels[id] = &channel{
		id:        id,
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]unacked),
	}
	c.writeMethod(amqp.NewMethodWriter(amqp.ClassChannel, amqp.MethodChannelOpenOk).LongStr("").Frame(id))
	return nil
}

func (c *connection) handleClassChannelMethod(ch *channel, m *amqp.Method) error {
	switch m.MethodID {
	case amqp.MethodChannelClose:
		c.broker.clientClose++
		c.broker.requeueLocked(ch)
		delete(c.channels, ch.id)
		c.writeMethod(amqp.NewMethodWriter(amqp.ClassChannel, amqp.MethodChannelCloseOk).Frame(ch.id))
	case amqp.MethodChannelCloseOk:
		delete(c.channels, ch.id)
	default:
		c.broker.log.Warn("Ignoring %s on channel %d", m, ch.id)
	}
	return nil
}

// closeChannel raises a soft error: the channel is closed and its deliveries requeued.
func (c *connection) closeChannel(ch *channel, err error, classID, methodID uint16) {
	code, text := amqpError.InternalError, err.Error()
	var be *brokerError
	if errors.As(err, &be) {
		code, text = be.code, fmt.Sprintf("%s - %s", be.code, be.text)
	}
	c.broker.log.Info("Closing channel %d: %s", ch.id, text)
	ch.closing = true
	c.broker.requeueLocked(ch)
	c.writeMethod(amqp.NewMethodWriter(amqp.ClassChannel, amqp.MethodChannelClose).
		Short(code.Code()).
		ShortStr(text).
		Short(classID).
		Short(methodID).
		Frame(ch.id))
}

func (c *connection) handleMethodExchangeDeclare(ch *channel, m *amqp.Method) error {
	if m.MethodID != amqp.MethodExchangeDeclare {
		return fmt.Errorf("unsupported method %s", m)
	}
	r := m.Reader()
	r.Short()
	name := r.ShortStr()
	kind := r.ShortStr()
	passive := r.Bit()
	r.Bit() // durable
	r.Bit() // auto-delete
	r.Bit() // internal
	noWait := r.Bit()
	r.Table()
	if r.Err() != nil {
		return r.Err()
	}

	b := c.broker
	ex, exists := b.exchanges[name]
	switch {
	case passive && !exists:
		c.closeChannel(ch, errNotFound("exchange", name), m.ClassID, m.MethodID)
		return nil
	case !passive && exists && ex.kind != kind:
		c.closeChannel(ch, &brokerError{code: amqpError.PreconditionFailed,
			text: fmt.Sprintf("inequivalent arg 'type' for exchange '%s': received '%s' but current is '%s'", name, kind, ex.kind)},
			m.ClassID, m.MethodID)
		return nil
	case !exists:
		b.exchanges[name] = &exchange{name: name, kind: kind}
	}
	if !noWait {
		c.writeMethod(amqp.NewMethodWriter(amqp.ClassExchange, amqp.MethodExchangeDeclareOk).Frame(ch.id))
	}
	return nil
}

func (c *connection) handleClassQueueMethod(ch *channel, m *amqp.Method) error {
	switch m.MethodID {
	case amqp.MethodQueueDeclare:
		return c.handleMethodQueueDeclare(ch, m)
	case amqp.MethodQueueBind:
		return c.handleMethodQueueBind(ch, m)
	default:
		return fmt.Errorf("unsupported method %s", m)
	}
}

func (c *connection) handleMethodQueueDeclare(ch *channel, m *amqp.Method) error {
	r := m.Reader()
	r.Short()
	name := r.ShortStr()
	passive := r.Bit()
	r.Bit() // durable
	r.Bit() // exclusive
	r.Bit() // auto-delete
	noWait := r.Bit()
	r.Table()
	if r.Err() != nil {
		return r.Err()
	}

	b := c.broker
	if name == "" {
		b.nextTag++
		name = fmt.Sprintf("amq.gen-%d", b.nextTag)
	}
	q, exists := b.queues[name]
	if passive && !exists {
		c.closeChannel(ch, errNotFound("queue", name), m.ClassID, m.MethodID)
		return nil
	}
	if !exists {
		q = b.declareQueueLocked(name)
	}
	if !noWait {
		c.writeMethod(amqp.NewMethodWriter(amqp.ClassQueue, amqp.MethodQueueDeclareOk).
			ShortStr(name).
			Long(uint32(len(q.messages))).
			Long(uint32(len(q.consumers))).
			Frame(ch.id))
	}
	return nil
}

func (c *connection) handleMethodQueueBind(ch *channel, m *amqp.Method) error {
	r := m.Reader()
	r.Short()
	queueName := r.ShortStr()
	exchangeName := r.ShortStr()
	routingKey := r.ShortStr()
	noWait := r.Bit()
	r.Table()
	if r.Err() != nil {
		return r.Err()
	}

	if err := c.broker.bindLocked(queueName, exchangeName, routingKey); err != nil {
		c.closeChannel(ch, err, m.ClassID, m.MethodID)
		return nil
	}
	if !noWait {
		c.writeMethod(amqp.NewMethodWriter(amqp.ClassQueue, amqp.MethodQueueBindOk).Frame(ch.id))
	}
	return nil
}

func (c *connection) handleClassBasicMethod(ch *channel, m *amqp.Method) error {
	switch m.MethodID {
	case amqp.MethodBasicQos:
		r := m.Reader()
		r.Long()
		ch.prefetch = r.Short()
		r.Bit()
		if r.Err() != nil {
			return r.Err()
		}
		c.writeMethod(amqp.NewMethodWriter(amqp.ClassBasic, amqp.MethodBasicQosOk).Frame(ch.id))
		return nil
	case amqp.MethodBasicConsume:
		return c.handleMethodBasicConsume(ch, m)
	case amqp.MethodBasicCancel:
		return c.handleMethodBasicCancel(ch, m)
	case amqp.MethodBasicPublish:
		return c.handleMethodBasicPublish(ch, m)
	case amqp.MethodBasicAck:
		return c.handleMethodBasicAck(ch, m)
	case amqp.MethodBasicCancelOk:
		return nil
	default:
		return fmt.Errorf("unsupported method %s", m)
	}
}

func (c *connection) handleMethodBasicConsume(ch *channel, m *amqp.Method) error {
	r := m.Reader()
	r.Short()
	queueName := r.ShortStr()
	tag := r.ShortStr()
	r.Bit() // no-local
	r.Bit() // no-ack is not supported; every delivery waits for an ack
	r.Bit() // exclusive
	noWait := r.Bit()
	r.Table()
	if r.Err() != nil {
		return r.Err()
	}

	b := c.broker
	q, ok := b.queues[queueName]
	if !ok {
		c.closeChannel(ch, errNotFound("queue", queueName), m.ClassID, m.MethodID)
		return nil
	}
	if tag == "" {
		b.nextTag++
		tag = fmt.Sprintf("amq.ctag-%d", b.nextTag)
	}
	cons := &consumer{tag: tag, queue: queueName, ch: ch}
	ch.consumers[tag] = cons
	q.consumers = append(q.consumers, cons)
	if !noWait {
		c.writeMethod(amqp.NewMethodWriter(amqp.ClassBasic, amqp.MethodBasicConsumeOk).ShortStr(tag).Frame(ch.id))
	}
	b.dispatchLocked(q)
	b.changed.Broadcast()
	return nil
}

func (c *connection) handleMethodBasicCancel(ch *channel, m *amqp.Method) error {
	r := m.Reader()
	tag := r.ShortStr()
	noWait := r.Bit()
	if r.Err() != nil {
		return r.Err()
	}
	if cons, ok := ch.consumers[tag]; ok {
		if q, ok := c.broker.queues[cons.queue]; ok {
			for i, qc := range q.consumers {
				if qc == cons {
					q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
					break
				}
			}
		}
		delete(ch.consumers, tag)
	}
	if !noWait {
		c.writeMethod(amqp.NewMethodWriter(amqp.ClassBasic, amqp.MethodBasicCancelOk).ShortStr(tag).Frame(ch.id))
	}
	return nil
}

func (c *connection) handleMethodBasicPublish(ch *channel, m *amqp.Method) error {
	r := m.Reader()
	r.Short()
	exchangeName := r.ShortStr()
	routingKey := r.ShortStr()
	r.Bit() // mandatory
	r.Bit() // immediate
	if r.Err() != nil {
		return r.Err()
	}
	ch.pending = &pendingPublish{msg: Message{Exchange: exchangeName, RoutingKey: routingKey}}
	return nil
}

func (c *connection) handleMethodBasicAck(ch *channel, m *amqp.Method) error {
	r := m.Reader()
	tag := r.LongLong()
	multiple := r.Bit()
	if r.Err() != nil {
		return r.Err()
	}

	b := c.broker
	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	}
	if len(tags) == 0 {
		c.closeChannel(ch, &brokerError{code: amqpError.PreconditionFailed,
			text: fmt.Sprintf("unknown delivery tag %d", tag)}, m.ClassID, m.MethodID)
		return nil
	}

	queues := map[string]struct{}{}
	for _, t := range tags {
		queues[ch.unacked[t].queue] = struct{}{}
		delete(ch.unacked, t)
		b.acks = append(b.acks, t)
	}
	for name := range queues {
		if q, ok := b.queues[name]; ok {
			b.dispatchLocked(q)
		}
	}
	b.changed.Broadcast()
	return nil
}

func (c *connection) handleHeader(frame *amqp.Frame) error {
	ch, ok := c.channels[frame.Channel]
	if !ok || ch.closing {
		return nil
	}
	if ch.pending == nil {
		c.closeChannel(ch, &brokerError{code: amqpError.UnexpectedFrame, text: "header frame without basic.publish"}, amqp.ClassBasic, 0)
		return nil
	}
	size, props, err := amqp.DecodeContentHeader(frame.Payload)
	if err != nil {
		c.closeChannel(ch, &brokerError{code: amqpError.SyntaxError, text: err.Error()}, amqp.ClassBasic, 0)
		return nil
	}
	ch.pending.msg.Properties = props
	ch.pending.size = size
	ch.pending.haveSize = true
	if size == 0 {
		c.completePublish(ch)
	}
	return nil
}

func (c *connection) handleBody(frame *amqp.Frame) error {
	ch, ok := c.channels[frame.Channel]
	if !ok || ch.closing {
		return nil
	}
	if ch.pending == nil || !ch.pending.haveSize {
		c.closeChannel(ch, &brokerError{code: amqpError.UnexpectedFrame, text: "body frame without content header"}, amqp.ClassBasic, 0)
		return nil
	}
	ch.pending.body.Write(frame.Payload)
	if uint64(ch.pending.body.Len()) > ch.pending.size {
		c.closeChannel(ch, &brokerError{code: amqpError.FrameError, text: "body larger than declared"}, amqp.ClassBasic, 0)
		return nil
	}
	if uint64(ch.pending.body.Len()) == ch.pending.size {
		c.completePublish(ch)
	}
	return nil
}

func (c *connection) completePublish(ch *channel) {
	b := c.broker
	msg := ch.pending.msg
	msg.Body = bytes.Clone(ch.pending.body.Bytes())
	ch.pending = nil

	b.published = append(b.published, msg)
	b.changed.Broadcast()
	if err := b.routeLocked(msg); err != nil {
		c.closeChannel(ch, err, amqp.ClassBasic, amqp.MethodBasicPublish)
	}
}

func (ch *channel) hasCapacity() bool {
	return !ch.closing && (ch.prefetch == 0 || len(ch.unacked) < int(ch.prefetch))
}

func (ch *channel) deliver(cons *consumer, qm queuedMessage) {
	ch.deliveryTag++
	tag := ch.deliveryTag
	ch.unacked[tag] = unacked{queue: cons.queue, msg: qm.msg}

	var frames []*amqp.Frame
	if hook := ch.conn.broker.deliveryHook; hook != nil {
		frames = hook(ch.id, tag, qm.msg)
	}
	if frames == nil {
		method, err := amqp.NewMethodWriter(amqp.ClassBasic, amqp.MethodBasicDeliver).
			ShortStr(cons.tag).
			LongLong(tag).
			Bit(qm.redelivered).
			ShortStr(qm.msg.Exchange).
			ShortStr(qm.msg.RoutingKey).
			Frame(ch.id)
		if err != nil {
			ch.conn.broker.log.Err("Encoding basic.deliver: %v", err)
			return
		}
		header, err := amqp.EncodeContentHeader(ch.id, uint64(len(qm.msg.Body)), qm.msg.Properties)
		if err != nil {
			ch.conn.broker.log.Err("Encoding content header: %v", err)
			return
		}
		frames = append([]*amqp.Frame{method, header}, amqp.BodyFrames(ch.id, qm.msg.Body, ch.conn.broker.frameMax)...)
	}
	ch.conn.writeFrames(frames...)
}
