package amqp_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	amqpError "github.com/TimSimpsonR/sneaky-pete-sub001/amqperror"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqp"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func setupBroker(t *testing.T, opts ...amqptest.Option) *amqptest.Broker {
	t.Helper()
	b, err := amqptest.New(opts...)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func openConnection(t *testing.T, b *amqptest.Broker) *amqp.Connection {
	t.Helper()
	conn, err := amqp.Open(context.Background(), b.Options(), nil)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestOpenAndClose(t *testing.T) {
	b := setupBroker(t)
	opts := b.Options()
	opts.ClientMemory = 65536

	conn, err := amqp.Open(context.Background(), opts, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(65536), conn.FrameMax())
	assert.Equal(t, 1, conn.Refs())
	assert.Equal(t, 1, b.Logins())

	conn.Close()
	assert.True(t, conn.Closed())
	conn.Close()

	assert.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.ConnectionCount() == 0 }))
}

func TestOpenConnectionFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	_, err = amqp.Open(context.Background(), amqp.Options{
		Host: "127.0.0.1", Port: addr.Port, UserID: "guest", Password: "guest", DialTimeout: time.Second,
	}, nil)
	require.Error(t, err)
	assert.True(t, amqp.IsCode(err, amqp.ConnectionFailed), "got %v", err)
}

func TestOpenLoginFailed(t *testing.T) {
	b := setupBroker(t)
	opts := b.Options()
	opts.Password = "wrong"

	_, err := amqp.Open(context.Background(), opts, nil)
	require.Error(t, err)
	e, ok := amqp.AsError(err)
	require.True(t, ok)
	assert.Equal(t, amqp.LoginFailed, e.Code)
	assert.Equal(t, amqpError.AccessRefused, e.ReplyCode)
	assert.Equal(t, 0, b.Logins())
}

func TestOpenLoginRefused(t *testing.T) {
	b := setupBroker(t)
	b.RefuseLogin(true)

	_, err := amqp.Open(context.Background(), b.Options(), nil)
	assert.True(t, amqp.IsCode(err, amqp.LoginFailed), "got %v", err)
}

func TestChannelNumbering(t *testing.T) {
	b := setupBroker(t)
	conn := openConnection(t, b)

	var channels []*amqp.Channel
	for i := 0; i < 5; i++ {
		ch, err := conn.NewChannel()
		require.NoError(t, err)
		channels = append(channels, ch)
	}
	for i, ch := range channels {
		assert.Equal(t, uint16(amqp.FirstChannel+i), ch.Number())
		assert.True(t, ch.IsOpen())
	}

	// A closed number is reused, a bad one never is.
	require.NoError(t, channels[1].Close())
	require.NoError(t, channels[2].Close())
	conn.MarkBad(channels[2].Number())

	ch, err := conn.NewChannel()
	require.NoError(t, err)
	assert.Equal(t, uint16(11), ch.Number())

	ch, err = conn.NewChannel()
	require.NoError(t, err)
	assert.Equal(t, uint16(15), ch.Number())
	assert.True(t, conn.IsBad(12))
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	b := setupBroker(t)
	conn := openConnection(t, b)

	ch, err := conn.NewChannel()
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.False(t, ch.IsOpen())
	assert.Equal(t, 1, b.ClientChannelCloses())

	err = ch.Publish("", "q", []byte("{}"))
	assert.True(t, amqp.IsCode(err, amqp.PublishFailure))
}

func TestReferenceCounting(t *testing.T) {
	b := setupBroker(t)
	conn, err := amqp.Open(context.Background(), b.Options(), nil)
	require.NoError(t, err)

	ch, err := conn.NewChannel()
	require.NoError(t, err)
	assert.Equal(t, 2, conn.Refs())

	conn.Retain()
	assert.Equal(t, 3, conn.Refs())
	conn.Release()
	conn.Release()
	assert.Equal(t, 1, conn.Refs())
	assert.False(t, conn.Closed(), "open channel keeps the connection alive")

	require.NoError(t, ch.Close())
	assert.Equal(t, 0, conn.Refs())
	assert.True(t, conn.Closed())
}

func TestConnectionCloseReleasesChannels(t *testing.T) {
	b := setupBroker(t)
	conn, err := amqp.Open(context.Background(), b.Options(), nil)
	require.NoError(t, err)

	ch, err := conn.NewChannel()
	require.NoError(t, err)

	conn.Close()
	assert.False(t, ch.IsOpen())
	assert.NoError(t, ch.Close())
	assert.Equal(t, 0, b.ClientChannelCloses())

	_, err = conn.NewChannel()
	assert.True(t, amqp.IsCode(err, amqp.OpenChannelFailed))
}

func TestAttemptDeclareQueueFallsBackToActiveDeclare(t *testing.T) {
	b := setupBroker(t)
	conn := openConnection(t, b)

	require.NoError(t, conn.AttemptDeclareQueue("guestagent.abc", false, false))
	assert.True(t, b.HasQueue("guestagent.abc"))

	assert.True(t, conn.IsBad(amqp.FirstChannel), "channel of the failed passive declare is retired")
	ch, err := conn.NewChannel()
	require.NoError(t, err)
	assert.NotEqual(t, uint16(amqp.FirstChannel), ch.Number())
	assert.Equal(t, 2, conn.Refs(), "declare channels were released")
}

func TestAttemptDeclareExistingQueue(t *testing.T) {
	b := setupBroker(t)
	b.DeclareQueue("guestagent.abc")
	conn := openConnection(t, b)

	require.NoError(t, conn.AttemptDeclareQueue("guestagent.abc", false, false))
	assert.False(t, conn.IsBad(amqp.FirstChannel))
	assert.Equal(t, 1, b.ClientChannelCloses())
}

func TestAttemptDeclareExchange(t *testing.T) {
	b := setupBroker(t)
	conn := openConnection(t, b)

	require.NoError(t, conn.AttemptDeclareExchange("nova", "topic"))
	assert.True(t, b.HasExchange("nova"))
	require.NoError(t, conn.AttemptDeclareExchange("nova", "topic"))
}

func TestDeclareFailureMarksChannelBad(t *testing.T) {
	b := setupBroker(t)
	conn := openConnection(t, b)

	ch, err := conn.NewChannel()
	require.NoError(t, err)

	err = ch.DeclareQueue("missing", amqp.QueueOptions{Passive: true})
	require.Error(t, err)
	e, ok := amqp.AsError(err)
	require.True(t, ok)
	assert.Equal(t, amqp.DeclareQueueFailure, e.Code)
	assert.Equal(t, amqpError.NotFound, e.ReplyCode)
	assert.False(t, ch.IsOpen())
	assert.True(t, conn.IsBad(ch.Number()))

	err = ch.DeclareExchange("missing", "topic", true)
	assert.True(t, amqp.IsCode(err, amqp.ExchangeDeclareFail))
}

func TestBindQueueToMissingExchange(t *testing.T) {
	b := setupBroker(t)
	b.DeclareQueue("q")
	conn := openConnection(t, b)

	ch, err := conn.NewChannel()
	require.NoError(t, err)
	err = ch.BindQueueToExchange("q", "nova", "q")
	assert.True(t, amqp.IsCode(err, amqp.BindQueueFailure))
}

func TestPublishGetAndAck(t *testing.T) {
	b := setupBroker(t)
	conn := openConnection(t, b)

	ch, err := conn.NewChannel()
	require.NoError(t, err)
	require.NoError(t, ch.DeclareExchange("nova", "topic", false))
	require.NoError(t, ch.DeclareQueue("guestagent.abc", amqp.QueueOptions{}))
	require.NoError(t, ch.BindQueueToExchange("guestagent.abc", "nova", "guestagent.abc"))

	body := []byte(`{"result": "ok"}`)
	require.NoError(t, ch.Publish("nova", "guestagent.abc", body))
	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.PublishedCount() == 1 }))

	published := b.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "application/json", published[0].Properties.ContentType)
	assert.Equal(t, "UTF-8", published[0].Properties.ContentEncoding)
	assert.Equal(t, uint8(amqp.DeliveryModePersistent), published[0].Properties.DeliveryMode)

	msg, err := ch.GetMessage("guestagent.abc")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, body, msg.Body)
	assert.Equal(t, "nova", msg.Exchange)
	assert.Equal(t, "guestagent.abc", msg.RoutingKey)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.False(t, msg.Redelivered)

	require.NoError(t, ch.AckMessage(msg.DeliveryTag))
	assert.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.AckCount() == 1 }))
	assert.Equal(t, []uint64{msg.DeliveryTag}, b.Acks())
}

func TestGetMessageReassemblesLargeBody(t *testing.T) {
	b := setupBroker(t, amqptest.WithFrameMax(amqp.FrameMinSize))
	b.DeclareQueue("big")
	conn := openConnection(t, b)
	assert.Equal(t, uint32(amqp.FrameMinSize), conn.FrameMax())

	body := bytes.Repeat([]byte("0123456789"), 2000)
	require.NoError(t, b.Inject("", "big", body))

	ch, err := conn.NewChannel()
	require.NoError(t, err)
	msg, err := ch.GetMessage("big")
	require.NoError(t, err)
	assert.Equal(t, body, msg.Body)
}

// hookFor replaces the delivery of messages routed with key "bad".
func hookFor(frames func(channel uint16, tag uint64) []*amqp.Frame) amqptest.DeliveryHook {
	return func(channel uint16, tag uint64, msg amqptest.Message) []*amqp.Frame {
		if msg.RoutingKey != "bad" {
			return nil
		}
		return frames(channel, tag)
	}
}

func deliverFrame(t *testing.T, channel uint16, tag uint64) *amqp.Frame {
	frame, err := amqp.NewMethodWriter(amqp.ClassBasic, amqp.MethodBasicDeliver).
		ShortStr("ctag").
		LongLong(tag).
		Bit(false).
		ShortStr("").
		ShortStr("bad").
		Frame(channel)
	require.NoError(t, err)
	return frame
}

func headerFrame(t *testing.T, channel uint16, size uint64) *amqp.Frame {
	frame, err := amqp.EncodeContentHeader(channel, size, amqp.Properties{ContentType: "application/json"})
	require.NoError(t, err)
	return frame
}

func bodyFrame(channel uint16, payload string) *amqp.Frame {
	return &amqp.Frame{Type: amqp.FrameBody, Channel: channel, Payload: []byte(payload)}
}

func TestGetMessageFrameSequencingErrors(t *testing.T) {
	tests := []struct {
		name   string
		frames func(t *testing.T, channel uint16, tag uint64) []*amqp.Frame
		code   amqp.ErrorCode
	}{
		{
			name: "method other than deliver",
			frames: func(t *testing.T, channel uint16, tag uint64) []*amqp.Frame {
				frame, err := amqp.NewMethodWriter(amqp.ClassQueue, amqp.MethodQueueBindOk).Frame(channel)
				require.NoError(t, err)
				return []*amqp.Frame{frame}
			},
			code: amqp.UnexpectedFramePayloadMethod,
		},
		{
			name: "body instead of header",
			frames: func(t *testing.T, channel uint16, tag uint64) []*amqp.Frame {
				return []*amqp.Frame{deliverFrame(t, channel, tag), bodyFrame(channel, "{}")}
			},
			code: amqp.HeaderExpected,
		},
		{
			name: "body larger than declared",
			frames: func(t *testing.T, channel uint16, tag uint64) []*amqp.Frame {
				return []*amqp.Frame{deliverFrame(t, channel, tag), headerFrame(t, channel, 3), bodyFrame(channel, "12345")}
			},
			code: amqp.BodyLarger,
		},
		{
			name: "method before body complete",
			frames: func(t *testing.T, channel uint16, tag uint64) []*amqp.Frame {
				return []*amqp.Frame{
					deliverFrame(t, channel, tag),
					headerFrame(t, channel, 10),
					bodyFrame(channel, "12345"),
					deliverFrame(t, channel, tag+1),
				}
			},
			code: amqp.BodyExpected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setupBroker(t, amqptest.WithDeliveryHook(hookFor(func(channel uint16, tag uint64) []*amqp.Frame {
				return tt.frames(t, channel, tag)
			})))
			b.DeclareQueue("bad")
			require.NoError(t, b.Inject("", "bad", []byte("{}")))
			conn := openConnection(t, b)

			ch, err := conn.NewChannel()
			require.NoError(t, err)
			msg, err := ch.GetMessage("bad")
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.True(t, amqp.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestGetMessageAfterConsumerCancel(t *testing.T) {
	b := setupBroker(t)
	b.DeclareQueue("q")
	conn := openConnection(t, b)
	ch, err := conn.NewChannel()
	require.NoError(t, err)

	type result struct {
		msg *amqp.QueueMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := ch.GetMessage("q")
		done <- result{msg, err}
	}()

	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.ConsumerCount("q") == 1 }))
	b.CancelConsumers("q")

	select {
	case r := <-done:
		assert.NoError(t, r.err)
		assert.Nil(t, r.msg)
	case <-time.After(waitTimeout):
		t.Fatal("GetMessage did not return after basic.cancel")
	}

	// The next call consumes again.
	require.NoError(t, b.Inject("", "q", []byte("{}")))
	msg, err := ch.GetMessage("q")
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), msg.Body)
}

func TestBrokerDropSurfacesTransportError(t *testing.T) {
	b := setupBroker(t)
	b.DeclareQueue("q")
	conn := openConnection(t, b)
	ch, err := conn.NewChannel()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ch.GetMessage("q")
		done <- err
	}()

	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.ConsumerCount("q") == 1 }))
	b.DropConnections()

	select {
	case err := <-done:
		e, ok := amqp.AsError(err)
		require.True(t, ok, "got %v", err)
		assert.True(t, e.Retryable())
		assert.Equal(t, amqp.WaitFrameFailed, e.Code)
	case <-time.After(waitTimeout):
		t.Fatal("GetMessage did not fail after the broker dropped the connection")
	}
}

func TestInterruptUnblocksRead(t *testing.T) {
	b := setupBroker(t)
	b.DeclareQueue("q")
	conn := openConnection(t, b)
	ch, err := conn.NewChannel()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ch.GetMessage("q")
		done <- err
	}()
	require.True(t, b.WaitFor(waitTimeout, func(b *amqptest.Broker) bool { return b.ConsumerCount("q") == 1 }))
	conn.Interrupt()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Interrupt did not unblock GetMessage")
	}
}

func TestUnackedMessageIsRedeliveredOnNewConnection(t *testing.T) {
	b := setupBroker(t)
	b.DeclareQueue("q")
	require.NoError(t, b.Inject("", "q", []byte(`{"n": 1}`)))

	first, err := amqp.Open(context.Background(), b.Options(), nil)
	require.NoError(t, err)
	ch, err := first.NewChannel()
	require.NoError(t, err)
	msg, err := ch.GetMessage("q")
	require.NoError(t, err)
	assert.False(t, msg.Redelivered)
	first.Close()

	second := openConnection(t, b)
	ch, err = second.NewChannel()
	require.NoError(t, err)
	msg, err = ch.GetMessage("q")
	require.NoError(t, err)
	assert.True(t, msg.Redelivered)
	assert.Equal(t, []byte(`{"n": 1}`), msg.Body)
}
