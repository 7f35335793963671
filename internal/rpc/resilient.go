package rpc

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqp"
	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
)

// Opener builds a fresh, logged-in connection.
type Opener func(ctx context.Context) (*amqp.Connection, error)

// DialOpener opens connections to the broker described by opts.
func DialOpener(opts amqp.Options, log logger.Logger) Opener {
	return func(ctx context.Context) (*amqp.Connection, error) {
		return amqp.Open(ctx, opts, log)
	}
}

// ResilientOptions configure the reconnect loop shared by ResilientReceiver and
// ResilientSender.
type ResilientOptions struct {
	Open Opener
	// Schedule lists the waits before successive connection attempts. Once the end is
	// reached the last entry is used for every further attempt.
	Schedule []time.Duration
	Clock    clock.Clock
	Log      logger.Logger
	Metrics  *Metrics
}

var errNoSchedule = errors.New("reconnect schedule is empty")

// resilientConnection rebuilds a connection and whatever depends on it until it works.
type resilientConnection struct {
	open     Opener
	schedule []time.Duration
	clock    clock.Clock
	log      logger.Logger
	metrics  *Metrics
}

func newResilientConnection(opts ResilientOptions) (resilientConnection, error) {
	if len(opts.Schedule) == 0 {
		return resilientConnection{}, errNoSchedule
	}
	if opts.Open == nil {
		return resilientConnection{}, errors.New("no connection opener")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return resilientConnection{
		open:     opts.Open,
		schedule: opts.Schedule,
		clock:    clk,
		log:      logger.OrNil(opts.Log),
		metrics:  opts.Metrics,
	}, nil
}

// connect loops until a connection is open and finish has built on it. Transport
// errors are logged and retried after the next wait of the schedule; a login failure
// waits the longest. Other errors and context cancellation end the loop.
func (rc *resilientConnection) connect(ctx context.Context, waitFirst bool, finish func(*amqp.Connection) error) error {
	index := 0
	for {
		if waitFirst {
			wait := rc.schedule[index]
			rc.log.Info("Waiting %s to create a fresh AMQP connection...", wait)
			select {
			case <-rc.clock.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			rc.metrics.waited(wait)
		}

		err := rc.attempt(ctx, finish)
		rc.metrics.connectionAttempt(err)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if Classify(err) != Retryable {
			return err
		}
		rc.log.Err("Error establishing AMQP connection: %v", err)

		waitFirst = true
		switch {
		case amqp.IsCode(err, amqp.LoginFailed):
			index = len(rc.schedule) - 1
		case index+1 < len(rc.schedule):
			index++
		}
	}
}

func (rc *resilientConnection) attempt(ctx context.Context, finish func(*amqp.Connection) error) error {
	conn, err := rc.open(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, conn.Interrupt)
	defer stop()
	// finish takes its own reference; dropping ours closes conn if finish failed.
	defer conn.Release()
	return finish(conn)
}

// interruptible runs op, closing the socket of conn if ctx ends first.
func interruptible(ctx context.Context, conn *amqp.Connection, op func() error) error {
	stop := context.AfterFunc(ctx, conn.Interrupt)
	defer stop()
	err := op()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ResilientReceiver is a Receiver that rebuilds its connection whenever a transport
// error occurs. Callers only see malformed input, ErrMessagePending and context errors.
// It is not safe for concurrent use.
type ResilientReceiver struct {
	rc       resilientConnection
	topic    string
	exchange string
	journal  *Journal

	state    MessageState
	receiver *Receiver
}

// NewResilientReceiver connects right away, retrying per the schedule until it succeeds
// or ctx ends.
func NewResilientReceiver(ctx context.Context, opts ResilientOptions, topic, exchange string, journal *Journal) (*ResilientReceiver, error) {
	rc, err := newResilientConnection(opts)
	if err != nil {
		return nil, err
	}
	r := &ResilientReceiver{rc: rc, topic: topic, exchange: exchange, journal: journal}
	if err := r.rc.connect(ctx, false, r.finishOpen); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ResilientReceiver) finishOpen(conn *amqp.Connection) error {
	receiver, err := NewReceiver(conn, r.topic, r.exchange, &r.state, ReceiverOptions{
		Log:     r.rc.log,
		Journal: r.journal,
		Metrics: r.rc.metrics,
	})
	if err != nil {
		return err
	}
	r.receiver = receiver
	return nil
}

// State returns the message state kept across reconnects.
func (r *ResilientReceiver) State() *MessageState {
	return &r.state
}

// NextMessage blocks until a request arrives.
func (r *ResilientReceiver) NextMessage(ctx context.Context) (GuestInput, error) {
	var input GuestInput
	err := r.retry(ctx, func(rcv *Receiver) error {
		var err error
		input, err = rcv.NextMessage()
		return err
	})
	return input, err
}

// FinishMessage acknowledges the pending message and sends its reply, reconnecting as
// often as it takes.
func (r *ResilientReceiver) FinishMessage(ctx context.Context, output GuestOutput) error {
	return r.retry(ctx, func(rcv *Receiver) error {
		return rcv.FinishMessage(output)
	})
}

func (r *ResilientReceiver) retry(ctx context.Context, op func(*Receiver) error) error {
	for {
		if r.receiver == nil {
			if err := r.rc.connect(ctx, true, r.finishOpen); err != nil {
				return err
			}
		}
		rcv := r.receiver
		err := interruptible(ctx, rcv.conn, func() error { return op(rcv) })
		if Classify(err) != Retryable {
			if ctx.Err() != nil {
				r.close()
			}
			return err
		}
		r.rc.log.Err("AMQP error, resetting the receiver: %v", err)
		r.close()
	}
}

func (r *ResilientReceiver) close() {
	if r.receiver != nil {
		r.receiver.Close()
		r.receiver = nil
	}
}

// Close drops the connection. An unfinished message is left for the broker to requeue.
func (r *ResilientReceiver) Close() {
	r.close()
}

// ResilientSender is a Sender that rebuilds its connection whenever a transport error
// occurs. It is safe for concurrent use.
type ResilientSender struct {
	mu         sync.Mutex
	rc         resilientConnection
	topic      string
	exchange   string
	instanceID string
	sender     *Sender

	newID func() string
}

// NewResilientSender connects right away, retrying per the schedule until it succeeds or
// ctx ends. instanceID is added to the arguments of every message built by Send.
func NewResilientSender(ctx context.Context, opts ResilientOptions, topic, exchange, instanceID string) (*ResilientSender, error) {
	rc, err := newResilientConnection(opts)
	if err != nil {
		return nil, err
	}
	s := &ResilientSender{
		rc:         rc,
		topic:      topic,
		exchange:   exchange,
		instanceID: instanceID,
		newID:      func() string { return uuid.NewString() },
	}
	if err := s.rc.connect(ctx, false, s.finishOpen); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ResilientSender) finishOpen(conn *amqp.Connection) error {
	sender, err := NewSender(conn, s.topic, s.exchange, s.rc.log, s.rc.metrics)
	if err != nil {
		return err
	}
	s.sender = sender
	return nil
}

// Send publishes a request for method. The arguments are extended with the instance id
// and the time the message was sent.
func (s *ResilientSender) Send(ctx context.Context, method string, args map[string]any) error {
	withMeta := make(map[string]any, len(args)+2)
	maps.Copy(withMeta, args)
	withMeta["instance_id"] = s.instanceID
	withMeta["sent"] = float64(s.rc.clock.Now().UnixNano()) / float64(time.Second)

	body, err := EncodeRequest(method, withMeta, nil, s.newID())
	if err != nil {
		return err
	}
	return s.SendPlainString(ctx, body)
}

// SendPlainString publishes body as is.
func (s *ResilientSender) SendPlainString(ctx context.Context, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.sender == nil {
			if err := s.rc.connect(ctx, true, s.finishOpen); err != nil {
				return err
			}
		}
		sender := s.sender
		err := interruptible(ctx, sender.conn, func() error { return sender.Send(body) })
		if Classify(err) != Retryable {
			return err
		}
		s.rc.log.Err("AMQP error, resetting the sender: %v", err)
		s.close()
	}
}

func (s *ResilientSender) close() {
	if s.sender != nil {
		s.sender.Close()
		s.sender = nil
	}
}

// Close drops the connection.
func (s *ResilientSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.close()
}
