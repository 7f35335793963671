package amqp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	amqpError "github.com/TimSimpsonR/sneaky-pete-sub001/amqperror"
	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
)

const (
	clientProduct = "sneaky-pete"
	clientVersion = "1.0"
	defaultVhost  = "/"
	closeTimeout  = 5 * time.Second
)

var connectionIDs atomic.Uint64

// Options describe the broker endpoint and the tuning hints sent during login.
type Options struct {
	Host     string
	Port     int
	UserID   string
	Password string

	// ClientMemory caps the negotiated frame-max. Zero accepts the broker's value.
	ClientMemory uint32

	DialTimeout time.Duration

	// FrameLogging logs every frame read or written at Debug level.
	FrameLogging bool
}

func (o Options) addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Connection is one authenticated AMQP connection. It owns the channels opened on it
// and is not safe for concurrent use, except for Interrupt.
//
// The caller that opens a Connection holds one reference and every open Channel holds
// another. The connection closes itself when the last reference is released.
type Connection struct {
	id     uint64
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	log    logger.Logger

	frameMax     uint32
	channelMax   uint16
	frameLogging bool

	channels map[uint16]*Channel
	bad      map[uint16]struct{}
	inbox    map[uint16][]*Frame

	refs        int
	closed      bool
	dead        bool
	interrupted atomic.Bool
}

// Open dials the broker and logs in with PLAIN over vhost "/". A socket level failure
// is reported as ConnectionFailed and any failure after the socket is up as LoginFailed.
func Open(ctx context.Context, opts Options, log logger.Logger) (*Connection, error) {
	log = logger.OrNil(log)

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", opts.addr())
	if err != nil {
		return nil, newError(ConnectionFailed, err, "dialing %s", opts.addr())
	}

	c := &Connection{
		id:           connectionIDs.Add(1),
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		log:          log,
		frameLogging: opts.FrameLogging,
		channels:     make(map[uint16]*Channel),
		bad:          make(map[uint16]struct{}),
		inbox:        make(map[uint16][]*Frame),
		refs:         1,
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.login(opts); err != nil {
		conn.Close()
		c.closed, c.dead = true, true
		var amqpErr *Error
		if errors.As(err, &amqpErr) && amqpErr.Code == LoginFailed {
			return nil, amqpErr
		}
		return nil, newError(LoginFailed, err, "logging in to %s as %s", opts.addr(), opts.UserID)
	}

	log.Info("Connected to %s (connection %d, frame-max %d)", opts.addr(), c.id, c.frameMax)
	return c, nil
}

func (c *Connection) login(opts Options) error {
	if _, err := c.writer.WriteString(ProtocolHeader); err != nil {
		return fmt.Errorf("writing protocol header: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("writing protocol header: %w", err)
	}

	m, err := c.expectLogin(MethodConnectionStart)
	if err != nil {
		return err
	}
	start, err := m.connectionStart()
	if err != nil {
		return fmt.Errorf("parsing connection.start: %w", err)
	}
	if !slices.Contains(strings.Fields(start.Mechanisms), "PLAIN") {
		return newError(LoginFailed, nil, "broker does not offer PLAIN (offered %q)", start.Mechanisms)
	}
	c.log.Debug("Broker offered version %d-%d, mechanisms %q", start.VersionMajor, start.VersionMinor, start.Mechanisms)

	clientProps := map[string]any{
		"product":  clientProduct,
		"version":  clientVersion,
		"platform": runtime.Version(),
		"capabilities": map[string]any{
			"consumer_cancel_notify": true,
		},
	}
	response := "\x00" + opts.UserID + "\x00" + opts.Password
	if err := c.sendMethod(encodeConnectionStartOk(clientProps, "PLAIN", response, "en_US")); err != nil {
		return err
	}

	m, err = c.expectLogin(MethodConnectionTune)
	if err != nil {
		return err
	}
	tune, err := m.connectionTune()
	if err != nil {
		return fmt.Errorf("parsing connection.tune: %w", err)
	}
	c.channelMax = tune.ChannelMax
	c.frameMax = negotiateFrameMax(tune.FrameMax, opts.ClientMemory)
	if err := c.sendMethod(encodeConnectionTuneOk(c.channelMax, c.frameMax, 0)); err != nil {
		return err
	}

	if err := c.sendMethod(encodeConnectionOpen(defaultVhost)); err != nil {
		return err
	}
	_, err = c.expectLogin(MethodConnectionOpenOk)
	return err
}

// negotiateFrameMax picks the smaller non-zero value, never going below FrameMinSize.
func negotiateFrameMax(broker, hint uint32) uint32 {
	frameMax := broker
	if hint != 0 && (frameMax == 0 || hint < frameMax) {
		frameMax = hint
	}
	if frameMax != 0 && frameMax < FrameMinSize {
		frameMax = FrameMinSize
	}
	return frameMax
}

// readLimit is the frame size accepted after tuning. A broker that negotiated no limit
// gets none.
func (c *Connection) readLimit() uint32 {
	if c.frameMax == 0 {
		return math.MaxUint32
	}
	return c.frameMax
}

// expectLogin reads the next connection-class method on channel 0 during the handshake.
func (c *Connection) expectLogin(methodID uint16) (*Method, error) {
	for {
		frame, err := ReadFrame(c.reader, 0)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", getFullMethodName(ClassConnection, methodID), err)
		}
		c.logFrame("read", frame)
		if frame.Type == FrameHeartbeat {
			continue
		}
		m, err := ParseMethod(frame)
		if err != nil {
			return nil, err
		}
		if m.Is(ClassConnection, MethodConnectionClose) {
			args, _ := m.closeArgs()
			c.sendMethod(encodeEmpty(ClassConnection, MethodConnectionCloseOk, 0))
			e := &Error{Code: LoginFailed}
			if args != nil {
				e.ReplyCode = amqpError.AmqpError(args.ReplyCode)
				e.Text = args.ReplyText
			}
			return nil, e
		}
		if !m.Is(ClassConnection, methodID) {
			return nil, fmt.Errorf("expected %s, got %s", getFullMethodName(ClassConnection, methodID), m)
		}
		return m, nil
	}
}

// ID distinguishes connections within the process. Delivery tags are only meaningful
// on the connection that produced them.
func (c *Connection) ID() uint64 {
	return c.id
}

func (c *Connection) FrameMax() uint32 {
	return c.frameMax
}

func (c *Connection) Closed() bool {
	return c.closed
}

// Refs returns the number of live references, including one per open channel.
func (c *Connection) Refs() int {
	return c.refs
}

// Retain adds a reference.
func (c *Connection) Retain() {
	c.refs++
}

// Release drops a reference and closes the connection when none remain.
func (c *Connection) Release() {
	if c.refs > 0 {
		c.refs--
	}
	if c.refs == 0 {
		c.Close()
	}
}

// Interrupt unblocks a pending read by closing the socket. It may be called from any
// goroutine; the blocked operation fails with a transport error.
func (c *Connection) Interrupt() {
	if c.interrupted.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}

// MarkBad retires a channel number for the life of the connection.
func (c *Connection) MarkBad(number uint16) {
	c.log.Warn("Marking channel %d bad on connection %d", number, c.id)
	c.bad[number] = struct{}{}
}

// IsBad reports whether the channel number was retired.
func (c *Connection) IsBad(number uint16) bool {
	_, ok := c.bad[number]
	return ok
}

// NewChannel opens a channel on the lowest free number starting at FirstChannel,
// skipping numbers in use or marked bad.
func (c *Connection) NewChannel() (*Channel, error) {
	if c.closed {
		return nil, newError(OpenChannelFailed, nil, "connection %d is closed", c.id)
	}
	number, err := c.nextChannelNumber()
	if err != nil {
		return nil, err
	}

	ch := &Channel{conn: c, number: number}
	c.channels[number] = ch
	c.refs++

	if err := ch.open(); err != nil {
		c.deregister(ch)
		return nil, err
	}
	c.log.Debug("Opened channel %d on connection %d", number, c.id)
	return ch, nil
}

func (c *Connection) nextChannelNumber() (uint16, error) {
	limit := uint32(c.channelMax)
	if limit == 0 {
		limit = 65535
	}
	for n := uint32(FirstChannel); n <= limit; n++ {
		number := uint16(n)
		if _, used := c.channels[number]; used {
			continue
		}
		if c.IsBad(number) {
			continue
		}
		return number, nil
	}
	return 0, newError(OpenChannelFailed, nil, "no free channel numbers (channel-max %d)", limit)
}

func (c *Connection) deregister(ch *Channel) {
	ch.released = true
	ch.isOpen = false
	if c.channels[ch.number] != ch {
		return
	}
	delete(c.channels, ch.number)
	delete(c.inbox, ch.number)
	c.Release()
}

// AttemptDeclareQueue checks for the queue with a passive declare and, if that fails,
// declares it on a fresh channel. A channel whose passive declare failed is never reused.
func (c *Connection) AttemptDeclareQueue(name string, exclusive, autoDelete bool) error {
	return c.attemptDeclare("queue", name,
		func(ch *Channel) error { return ch.DeclareQueue(name, QueueOptions{Passive: true}) },
		func(ch *Channel) error {
			return ch.DeclareQueue(name, QueueOptions{Exclusive: exclusive, AutoDelete: autoDelete})
		})
}

// AttemptDeclareExchange is AttemptDeclareQueue for exchanges.
func (c *Connection) AttemptDeclareExchange(name, kind string) error {
	return c.attemptDeclare("exchange", name,
		func(ch *Channel) error { return ch.DeclareExchange(name, kind, true) },
		func(ch *Channel) error { return ch.DeclareExchange(name, kind, false) })
}

func (c *Connection) attemptDeclare(what, name string, passive, active func(*Channel) error) error {
	ch, err := c.NewChannel()
	if err != nil {
		return err
	}
	err = passive(ch)
	ch.closeQuietly()
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return err
	}
	c.log.Debug("Passive declare of %s %s failed, declaring it: %v", what, name, err)

	ch, err = c.NewChannel()
	if err != nil {
		return err
	}
	defer ch.closeQuietly()
	return active(ch)
}

// isConnectionError reports failures that leave the whole connection unusable.
func isConnectionError(err error) bool {
	return IsCode(err, ConnectionClosed) || IsCode(err, WaitFrameFailed) || IsCode(err, FrameError)
}

// Close closes every channel, sends connection.close and closes the socket. It is
// idempotent and never fails: cleanup errors are logged.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.refs = 0

	numbers := make([]int, 0, len(c.channels))
	for n := range c.channels {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		ch := c.channels[uint16(n)]
		ch.released = true
		ch.isOpen = false
	}
	c.channels = make(map[uint16]*Channel)
	c.inbox = make(map[uint16][]*Frame)

	if !c.dead && !c.interrupted.Load() {
		if err := c.closeHandshake(); err != nil {
			c.log.Warn("%v", newError(CloseConnectionFailed, err, "connection %d", c.id))
		}
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Warn("%v", newError(DestroyConnection, err, "connection %d", c.id))
	}
	c.dead = true
	c.log.Debug("Connection %d closed", c.id)
}

func (c *Connection) closeHandshake() error {
	frame, err := encodeClose(ClassConnection, MethodConnectionClose, 0,
		closeArgs{ReplyCode: amqpError.ReplySuccess.Code(), ReplyText: "Goodbye"})
	if err != nil {
		return err
	}
	if err := c.send(frame); err != nil {
		return err
	}
	c.conn.SetReadDeadline(time.Now().Add(closeTimeout))
	for {
		frame, err := ReadFrame(c.reader, c.readLimit())
		if err != nil {
			return err
		}
		if frame.Channel != 0 || frame.Type != FrameMethod {
			continue
		}
		m, err := ParseMethod(frame)
		if err != nil {
			return err
		}
		switch {
		case m.Is(ClassConnection, MethodConnectionCloseOk):
			return nil
		case m.Is(ClassConnection, MethodConnectionClose):
			// Both sides closed at once.
			return c.sendMethod(encodeEmpty(ClassConnection, MethodConnectionCloseOk, 0))
		}
	}
}

// send writes frames and flushes once, so a publish goes out as one write.
func (c *Connection) send(frames ...*Frame) error {
	if c.dead {
		return io.ErrClosedPipe
	}
	for _, frame := range frames {
		c.logFrame("write", frame)
		if err := WriteFrame(c.writer, frame); err != nil {
			c.dead = true
			return err
		}
	}
	if err := c.writer.Flush(); err != nil {
		c.dead = true
		return err
	}
	return nil
}

func (c *Connection) sendMethod(frame *Frame, err error) error {
	if err != nil {
		return err
	}
	return c.send(frame)
}

// readFor returns the next frame for channel. Frames for other open channels are kept
// until those channels read them; frames for unknown channels are dropped.
func (c *Connection) readFor(channel uint16) (*Frame, error) {
	if queued := c.inbox[channel]; len(queued) > 0 {
		frame := queued[0]
		c.inbox[channel] = queued[1:]
		return frame, nil
	}
	if c.closed || c.dead {
		return nil, newError(ConnectionClosed, nil, "connection %d is closed", c.id)
	}

	for {
		frame, err := ReadFrame(c.reader, c.readLimit())
		if err != nil {
			c.dead = true
			if errors.Is(err, errFrameEnd) {
				return nil, newError(FrameError, err, "connection %d", c.id)
			}
			return nil, newError(WaitFrameFailed, err, "connection %d channel %d", c.id, channel)
		}
		c.logFrame("read", frame)

		switch {
		case frame.Type == FrameHeartbeat:
			continue
		case frame.Channel == 0:
			if err := c.handleConnectionFrame(frame); err != nil {
				return nil, err
			}
		case frame.Channel == channel:
			return frame, nil
		default:
			if _, ok := c.channels[frame.Channel]; ok {
				c.inbox[frame.Channel] = append(c.inbox[frame.Channel], frame)
				continue
			}
			c.log.Warn("Dropping %s frame for unknown channel %d", getFrameTypeName(frame.Type), frame.Channel)
		}
	}
}

func (c *Connection) handleConnectionFrame(frame *Frame) error {
	m, err := ParseMethod(frame)
	if err != nil {
		c.dead = true
		return newError(FrameError, err, "connection %d", c.id)
	}
	if !m.Is(ClassConnection, MethodConnectionClose) {
		c.log.Warn("Ignoring %s on connection %d", m, c.id)
		return nil
	}

	args, err := m.closeArgs()
	if err != nil {
		c.dead = true
		return newError(FrameError, err, "parsing connection.close")
	}
	if err := c.sendMethod(encodeEmpty(ClassConnection, MethodConnectionCloseOk, 0)); err != nil {
		c.log.Warn("Sending connection.close-ok: %v", err)
	}
	c.dead = true
	c.log.Err("Broker closed connection %d: %d %s", c.id, args.ReplyCode, args.ReplyText)
	return &Error{
		Code:      ConnectionClosed,
		ReplyCode: amqpError.AmqpError(args.ReplyCode),
		Text:      args.ReplyText,
	}
}

func (c *Connection) logFrame(direction string, frame *Frame) {
	if !c.frameLogging {
		return
	}
	name := getFrameTypeName(frame.Type)
	if frame.Type == FrameMethod {
		if m, err := ParseMethod(frame); err == nil {
			name = m.String()
		}
	}
	c.log.Debug("%s frame: type=%s, channel=%d, size=%d", direction, name, frame.Channel, len(frame.Payload))
}
