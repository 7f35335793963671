// Package amqptest runs a small in-process AMQP 0-9-1 broker for tests. It speaks the
// subset the guest agent uses and records what clients publish and acknowledge.
package amqptest

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	amqpError "github.com/TimSimpsonR/sneaky-pete-sub001/amqperror"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqp"
	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
)

const (
	defaultFrameMax   = 131072
	defaultChannelMax = 2047
)

// Message is a publish seen by the broker.
type Message struct {
	Exchange   string
	RoutingKey string
	Properties amqp.Properties
	Body       []byte
}

// DeliveryHook may replace the frames written for a delivery. Returning nil keeps the
// normal method, header and body frames.
type DeliveryHook func(channel uint16, deliveryTag uint64, msg Message) []*amqp.Frame

type Option func(*Broker)

func WithLogger(l logger.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithUsers replaces the default guest/guest credentials.
func WithUsers(users map[string]string) Option {
	return func(b *Broker) { b.users = users }
}

func WithFrameMax(frameMax uint32) Option {
	return func(b *Broker) { b.frameMax = frameMax }
}

func WithDeliveryHook(hook DeliveryHook) Option {
	return func(b *Broker) { b.deliveryHook = hook }
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type binding struct {
	queue      string
	routingKey string
}

type queuedMessage struct {
	msg         Message
	redelivered bool
}

type queue struct {
	name      string
	messages  []queuedMessage
	consumers []*consumer
	next      int
}

type consumer struct {
	tag   string
	queue string
	ch    *channel
}

// Broker is safe for concurrent use by tests and the connections it serves.
type Broker struct {
	listener     net.Listener
	log          logger.Logger
	users        map[string]string
	frameMax     uint32
	deliveryHook DeliveryHook

	mu          sync.Mutex
	changed     *sync.Cond
	exchanges   map[string]*exchange
	queues      map[string]*queue
	conns       map[*connection]struct{}
	published   []Message
	acks        []uint64
	clientClose int
	logins      int
	accepts     int
	failAccepts int
	refuseLogin bool
	nextTag     int

	wg     sync.WaitGroup
	closed bool
}

// New starts a broker on a random loopback port.
func New(opts ...Option) (*Broker, error) {
	b := &Broker{
		log:       &logger.NilLogger{},
		users:     map[string]string{"guest": "guest"},
		frameMax:  defaultFrameMax,
		exchanges: map[string]*exchange{"": {name: "", kind: "direct"}},
		queues:    make(map[string]*queue),
		conns:     make(map[*connection]struct{}),
	}
	b.changed = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening: %w", err)
	}
	b.listener = ln

	b.wg.Add(1)
	go b.acceptLoop()
	return b, nil
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.log.Err("Accept failed: %v", err)
			}
			return
		}

		b.mu.Lock()
		b.accepts++
		drop := b.failAccepts > 0
		if drop {
			b.failAccepts--
		}
		b.mu.Unlock()

		if drop {
			b.log.Info("Dropping connection from %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		c := &connection{
			broker:   b,
			conn:     conn,
			reader:   bufio.NewReader(conn),
			writer:   bufio.NewWriter(conn),
			channels: make(map[uint16]*channel),
		}
		b.mu.Lock()
		b.conns[c] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			c.serve()
		}()
	}
}

// Host returns the listening address host.
func (b *Broker) Host() string {
	host, _, _ := net.SplitHostPort(b.listener.Addr().String())
	return host
}

// Port returns the listening port.
func (b *Broker) Port() int {
	_, port, _ := net.SplitHostPort(b.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Options returns client options for the default guest user.
func (b *Broker) Options() amqp.Options {
	return amqp.Options{
		Host:        b.Host(),
		Port:        b.Port(),
		UserID:      "guest",
		Password:    "guest",
		DialTimeout: time.Second,
	}
}

// Close stops accepting, drops every connection and waits for them to finish.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.listener.Close()
	b.DropConnections()
	b.wg.Wait()
}

// DropConnections closes every client socket, as a broker restart would. Unacked
// deliveries go back to their queues marked redelivered.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// FailNextAccepts closes the next n accepted sockets before the handshake.
func (b *Broker) FailNextAccepts(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAccepts = n
}

// RefuseLogin makes every login fail with ACCESS_REFUSED while set.
func (b *Broker) RefuseLogin(refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuseLogin = refuse
}

// DeclareQueue creates a queue bound to nothing.
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareQueueLocked(name)
}

// DeclareExchange creates an exchange.
func (b *Broker) DeclareExchange(name, kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = &exchange{name: name, kind: kind}
	}
}

// Bind binds queue to exchange with routingKey.
func (b *Broker) Bind(queue, exchangeName, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bindLocked(queue, exchangeName, routingKey)
}

// Inject routes a message as if a publisher had sent it. It is not recorded in Published.
func (b *Broker) Inject(exchangeName, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := Message{Exchange: exchangeName, RoutingKey: routingKey, Body: body,
		Properties: amqp.Properties{ContentType: "application/json", ContentEncoding: "UTF-8"}}
	return b.routeLocked(msg)
}

// HasQueue reports whether the queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// HasExchange reports whether the exchange exists.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// QueueDepth returns the number of ready messages in the queue.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Published returns every message clients published, in order.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// PublishedTo returns the messages clients published to exchangeName.
func (b *Broker) PublishedTo(exchangeName string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if m.Exchange == exchangeName {
			out = append(out, m)
		}
	}
	return out
}

// Acks returns every acknowledged delivery tag, in order.
func (b *Broker) Acks() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.acks)
}

// ClientChannelCloses counts channel.close methods sent by clients.
func (b *Broker) ClientChannelCloses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clientClose
}

// Logins counts completed handshakes.
func (b *Broker) Logins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logins
}

// Accepts counts accepted sockets, including dropped ones.
func (b *Broker) Accepts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepts
}

// Connections counts currently open client connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// WaitFor blocks until cond holds or timeout passes. cond runs with the broker locked
// and must not call other Broker methods.
func (b *Broker) WaitFor(timeout time.Duration, cond func(b *Broker) bool) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.changed.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for !cond(b) {
		if time.Now().After(deadline) {
			return false
		}
		b.changed.Wait()
	}
	return true
}

// PublishedCount is for WaitFor conditions.
func (b *Broker) PublishedCount() int { return len(b.published) }

// AckCount is for WaitFor conditions.
func (b *Broker) AckCount() int { return len(b.acks) }

// ConnectionCount is for WaitFor conditions.
func (b *Broker) ConnectionCount() int { return len(b.conns) }

// ConsumerCount is for WaitFor conditions.
func (b *Broker) ConsumerCount(queueName string) int {
	if q, ok := b.queues[queueName]; ok {
		return len(q.consumers)
	}
	return 0
}

// CancelConsumers sends basic.cancel to every consumer of queueName.
func (b *Broker) CancelConsumers(queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return
	}
	for _, cons := range q.consumers {
		frame, err := amqp.NewMethodWriter(amqp.ClassBasic, amqp.MethodBasicCancel).
			ShortStr(cons.tag).
			Bit(true).
			Frame(cons.ch.id)
		if err == nil {
			cons.ch.conn.writeFrames(frame)
		}
		delete(cons.ch.consumers, cons.tag)
	}
	q.consumers = nil
}

func (b *Broker) declareQueueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) bindLocked(queueName, exchangeName, routingKey string) error {
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return errNotFound("exchange", exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return errNotFound("queue", queueName)
	}
	for _, bd := range ex.bindings {
		if bd.queue == queueName && bd.routingKey == routingKey {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, routingKey: routingKey})
	return nil
}

type brokerError struct {
	code amqpError.AmqpError
	text string
}

func (e *brokerError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.text) }

func errNotFound(kind, name string) error {
	return &brokerError{code: amqpError.NotFound, text: fmt.Sprintf("no %s '%s' in vhost '/'", kind, name)}
}

// routeLocked enqueues msg on every matching queue and dispatches.
func (b *Broker) routeLocked(msg Message) error {
	ex, ok := b.exchanges[msg.Exchange]
	if !ok {
		return errNotFound("exchange", msg.Exchange)
	}

	var targets []string
	if msg.Exchange == "" {
		if _, ok := b.queues[msg.RoutingKey]; ok {
			targets = append(targets, msg.RoutingKey)
		}
	}
	for _, bd := range ex.bindings {
		var match bool
		switch ex.kind {
		case "topic":
			match = topicMatch(bd.routingKey, msg.RoutingKey)
		case "fanout":
			match = true
		default:
			match = bd.routingKey == msg.RoutingKey
		}
		if match && !slices.Contains(targets, bd.queue) {
			targets = append(targets, bd.queue)
		}
	}

	for _, name := range targets {
		q := b.queues[name]
		q.messages = append(q.messages, queuedMessage{msg: msg})
		b.dispatchLocked(q)
	}
	b.changed.Broadcast()
	return nil
}

// dispatchLocked hands ready messages to consumers with spare prefetch capacity.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 {
		cons := q.pickConsumer()
		if cons == nil {
			return
		}
		qm := q.messages[0]
		q.messages = q.messages[1:]
		cons.ch.deliver(cons, qm)
	}
}

func (q *queue) pickConsumer() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		cons := q.consumers[(q.next+i)%len(q.consumers)]
		if cons.ch.hasCapacity() {
			q.next = (q.next + i + 1) % len(q.consumers)
			return cons
		}
	}
	return nil
}

// requeueLocked returns unacked deliveries of ch to their queues and drops its consumers.
func (b *Broker) requeueLocked(ch *channel) {
	for _, cons := range ch.consumers {
		if q, ok := b.queues[cons.queue]; ok {
			q.consumers = slices.DeleteFunc(q.consumers, func(c *consumer) bool { return c == cons })
		}
	}
	ch.consumers = make(map[string]*consumer)

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	requeued := map[string][]queuedMessage{}
	for _, tag := range tags {
		u := ch.unacked[tag]
		requeued[u.queue] = append(requeued[u.queue], queuedMessage{msg: u.msg, redelivered: true})
	}
	ch.unacked = make(map[uint64]unacked)
	for name, msgs := range requeued {
		if q, ok := b.queues[name]; ok {
			q.messages = append(msgs, q.messages...)
			b.dispatchLocked(q)
		}
	}
	b.changed.Broadcast()
}
