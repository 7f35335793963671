package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqp"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqptest"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/logtest"
	"github.com/TimSimpsonR/sneaky-pete-sub001/storage"
)

// recordingClock fires every wait at once and remembers how long it was asked to wait.
type recordingClock struct {
	clock.Clock

	mu    sync.Mutex
	waits []time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{Clock: clock.WallClock}
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *recordingClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// flakyOpener fails with ConnectionFailed while failures remain.
type flakyOpener struct {
	broker   *amqptest.Broker
	failures atomic.Int32
	calls    atomic.Int32
}

func (o *flakyOpener) open(ctx context.Context) (*amqp.Connection, error) {
	o.calls.Add(1)
	if o.failures.Add(-1) >= 0 {
		return nil, &amqp.Error{Code: amqp.ConnectionFailed, Text: "connection refused"}
	}
	return amqp.Open(ctx, o.broker.Options(), nil)
}

var testSchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

func resilientOptions(open Opener, clk clock.Clock) ResilientOptions {
	return ResilientOptions{Open: open, Schedule: testSchedule, Clock: clk}
}

func newResilientReceiver(t *testing.T, opts ResilientOptions, journal *Journal) *ResilientReceiver {
	t.Helper()
	r, err := NewResilientReceiver(context.Background(), opts, testTopic, testExchange, journal)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func dropAll(t *testing.T, b *amqptest.Broker) {
	t.Helper()
	b.DropConnections()
	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.ConnectionCount() == 0 }))
}

func TestResilientConnectRequiresSchedule(t *testing.T) {
	_, err := NewResilientReceiver(context.Background(), ResilientOptions{Open: func(context.Context) (*amqp.Connection, error) {
		return nil, nil
	}}, testTopic, testExchange, nil)
	assert.ErrorIs(t, err, errNoSchedule)
}

func TestResilientReceiverInitialRetries(t *testing.T) {
	b := setupBroker(t)
	clk := newRecordingClock()
	opener := &flakyOpener{broker: b}
	opener.failures.Store(2)
	log := logtest.New(t)
	opts := resilientOptions(opener.open, clk)
	opts.Log = log

	newResilientReceiver(t, opts, nil)

	assert.Equal(t, int32(3), opener.calls.Load())
	assert.Equal(t, 2, log.Count(logtest.LevelError))
	assert.True(t, log.Contains(logtest.LevelError, "connection refused"))
	// The first attempt does not wait; the index advanced on the first failure.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clk.Waits())
}

func TestResilientReceiverRetryConvergence(t *testing.T) {
	b := setupBroker(t)
	clk := newRecordingClock()
	opener := &flakyOpener{broker: b}
	r := newResilientReceiver(t, resilientOptions(opener.open, clk), nil)
	require.Empty(t, clk.Waits())

	dropAll(t, b)
	opener.failures.Store(5)
	inject(t, b, `{"method":"get_diagnostics"}`)

	input, err := r.NextMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "get_diagnostics", input.MethodName)

	s, l := time.Second, 4*time.Second
	assert.Equal(t, []time.Duration{s, 2 * s, l, l, l, l}, clk.Waits(), "the last wait repeats")
	require.NoError(t, r.FinishMessage(context.Background(), Succeeded(nil)))
}

func TestResilientReceiverLoginFailureWaitsLongest(t *testing.T) {
	b := setupBroker(t)
	b.RefuseLogin(true)
	clk := newRecordingClock()
	var calls atomic.Int32
	open := func(ctx context.Context) (*amqp.Connection, error) {
		if calls.Add(1) == 3 {
			b.RefuseLogin(false)
		}
		return amqp.Open(ctx, b.Options(), nil)
	}

	newResilientReceiver(t, resilientOptions(open, clk), nil)
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, clk.Waits())
}

func TestResilientReceiverReplyPreservedAcrossReconnect(t *testing.T) {
	b := setupBroker(t)
	journal, _ := newMemoryJournal(t, time.Hour)
	opener := &flakyOpener{broker: b}
	log := logtest.New(t)
	opts := resilientOptions(opener.open, newRecordingClock())
	opts.Log = log
	r := newResilientReceiver(t, opts, journal)
	b.DeclareExchange("abc123", "direct")
	inject(t, b, createDatabase)

	ctx := context.Background()
	input, err := r.NextMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "create_database", input.MethodName)
	firstConnection := r.State().ConnectionID
	require.Equal(t, firstConnection, r.receiver.conn.ID())

	// The socket dies under the receiver, so the ack has to go through a reconnect.
	r.receiver.conn.Interrupt()
	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.ConnectionCount() == 0 }))
	require.Equal(t, 1, b.QueueDepth(testTopic), "the unacked request was requeued")

	require.NoError(t, r.FinishMessage(ctx, Succeeded("ok")))
	assert.False(t, r.State().Pending())
	assert.NotEqual(t, firstConnection, r.receiver.conn.ID())

	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.PublishedCount() == 2 }))
	replies := b.PublishedTo("abc123")
	require.Len(t, replies, 2)
	assert.JSONEq(t, `{"failure":null,"result":"ok"}`, string(replies[0].Body))
	assert.JSONEq(t, `{"failure":null,"result":null,"ending":true}`, string(replies[1].Body))
	assert.Empty(t, b.Acks(), "the stale delivery tag is not acknowledged")
	assert.True(t, log.Contains(logtest.LevelWarn, "from an earlier connection"))

	// The broker hands the request out again; it is acknowledged without a second reply.
	inject(t, b, `{"method":"list_users"}`)
	input, err = r.NextMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "list_users", input.MethodName)
	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.AckCount() == 1 }))
	assert.Len(t, b.PublishedTo("abc123"), 2)
}

func TestResilientReceiverCancelled(t *testing.T) {
	b := setupBroker(t)
	r := newResilientReceiver(t, resilientOptions(DialOpener(b.Options(), nil), newRecordingClock()), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.NextMessage(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Fatal, Classify(err))

	// A later call reconnects.
	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.ConnectionCount() == 0 }))
	inject(t, b, `{"method":"prepare"}`)
	input, err := r.NextMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "prepare", input.MethodName)
}

func TestResilientReceiverGivesUpWhenContextEnds(t *testing.T) {
	clk := newRecordingClock()
	open := func(context.Context) (*amqp.Connection, error) {
		return nil, &amqp.Error{Code: amqp.ConnectionFailed}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewResilientReceiver(ctx, resilientOptions(open, clk), testTopic, testExchange, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResilientReceiverMalformedIsNotRetried(t *testing.T) {
	b := setupBroker(t)
	opener := &flakyOpener{broker: b}
	r := newResilientReceiver(t, resilientOptions(opener.open, newRecordingClock()), nil)
	require.NoError(t, b.Inject(testExchange, testTopic, []byte("not json")))

	_, err := r.NextMessage(context.Background())
	assert.ErrorIs(t, err, ErrMalformedInput)
	assert.Equal(t, int32(1), opener.calls.Load())
	require.NoError(t, r.FinishMessage(context.Background(), Failed("%v", err)))
	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.AckCount() == 1 }))
}

func TestResilientSenderSend(t *testing.T) {
	b := setupBroker(t)
	s, err := NewResilientSender(context.Background(),
		resilientOptions(DialOpener(b.Options(), nil), newRecordingClock()), "trove-conductor", testExchange, "i-1")
	require.NoError(t, err)
	defer s.Close()
	s.newID = func() string { return "u-1" }

	require.NoError(t, s.Send(context.Background(), "heartbeat", map[string]any{
		"payload": map[string]any{"service_status": "running"},
	}))
	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.PublishedCount() == 1 }))

	msg := b.Published()[0]
	assert.Equal(t, testExchange, msg.Exchange)
	assert.Equal(t, "trove-conductor", msg.RoutingKey)
	assert.Equal(t, uint8(amqp.DeliveryModePersistent), msg.Properties.DeliveryMode)
	assert.Contains(t, string(msg.Body), `\"_unique_id\":\"u-1\"`)

	input, _, err := DecodeRequest(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", input.MethodName)
	assert.Equal(t, "i-1", input.Args["instance_id"])
	assert.IsType(t, float64(0), input.Args["sent"])
	assert.Equal(t, map[string]any{"service_status": "running"}, input.Args["payload"])
	assert.Equal(t, 1, b.QueueDepth("trove-conductor"))
}

func TestResilientSenderConcurrentSends(t *testing.T) {
	b := setupBroker(t)
	s, err := NewResilientSender(context.Background(),
		resilientOptions(DialOpener(b.Options(), nil), newRecordingClock()), "guest", "restests", "i-1")
	require.NoError(t, err)
	defer s.Close()

	const workers, perWorker = 5, 20
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				body := fmt.Sprintf(`{"oslo.message":"{\"method\":\"testing\",\"args\":{\"order\":%d,\"thread\":%d}}"}`, i, w)
				assert.NoError(t, s.SendPlainString(context.Background(), []byte(body)))
			}
		}()
	}
	wg.Wait()

	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool {
		return b.PublishedCount() == workers*perWorker
	}))
	seen := make(map[float64]int)
	for _, m := range b.Published() {
		input, _, err := DecodeRequest(m.Body)
		require.NoError(t, err)
		seen[input.Args["thread"].(float64)]++
	}
	for w := 0; w < workers; w++ {
		assert.Equal(t, perWorker, seen[float64(w)])
	}
}

func TestResilientSenderReconnects(t *testing.T) {
	b := setupBroker(t)
	clk := newRecordingClock()
	opener := &flakyOpener{broker: b}
	s, err := NewResilientSender(context.Background(), resilientOptions(opener.open, clk), "guest", "restests", "i-1")
	require.NoError(t, err)
	defer s.Close()

	s.close()
	opener.failures.Store(1)
	require.NoError(t, s.SendPlainString(context.Background(), []byte(`{}`)))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Waits())
	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.PublishedCount() == 1 }))
}

// interruptingStore kills the receiver's socket the first time the journal is consulted.
type interruptingStore struct {
	storage.StorageProvider

	once      sync.Once
	interrupt func()
}

func (s *interruptingStore) Exists(key string) (bool, error) {
	s.once.Do(s.interrupt)
	return s.StorageProvider.Exists(key)
}

func TestResilientReceiverSurvivesFailedDuplicateAck(t *testing.T) {
	b := setupBroker(t)
	_, inner := newMemoryJournal(t, time.Hour)
	store := &interruptingStore{StorageProvider: inner}
	journal := NewJournal(store, time.Hour, nil)
	journal.MarkReplied("abc123")

	r := newResilientReceiver(t, resilientOptions(DialOpener(b.Options(), nil), newRecordingClock()), journal)
	first := r.receiver.conn
	store.interrupt = func() {
		first.Interrupt()
		b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.ConnectionCount() == 0 })
	}

	inject(t, b, createDatabase)
	inject(t, b, `{"method":"list_users"}`)

	input, err := r.NextMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "list_users", input.MethodName)
	assert.NotEqual(t, first.ID(), r.receiver.conn.ID(), "the receiver reconnected")
	assert.Nil(t, r.State().MsgID)

	require.NoError(t, r.FinishMessage(context.Background(), Succeeded(nil)))
	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.AckCount() == 2 }))
	assert.Empty(t, b.PublishedTo("abc123"), "the answered request is not run again")
	assert.Equal(t, 0, b.QueueDepth(testTopic))
}
