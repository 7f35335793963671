package amqp

import (
	"encoding/binary"
	"fmt"
)

// Method is a decoded method frame whose arguments have not been parsed yet.
type Method struct {
	ClassID  uint16
	MethodID uint16
	args     []byte
}

// ParseMethod splits a method frame into class, method and raw arguments.
func ParseMethod(frame *Frame) (*Method, error) {
	if frame.Type != FrameMethod {
		return nil, fmt.Errorf("expected method frame, got %s", getFrameTypeName(frame.Type))
	}
	if len(frame.Payload) < 4 {
		return nil, fmt.Errorf("method frame too short: %d bytes", len(frame.Payload))
	}
	return &Method{
		ClassID:  binary.BigEndian.Uint16(frame.Payload[0:2]),
		MethodID: binary.BigEndian.Uint16(frame.Payload[2:4]),
		args:     frame.Payload[4:],
	}, nil
}

func (m *Method) Is(classID, methodID uint16) bool {
	return m.ClassID == classID && m.MethodID == methodID
}

func (m *Method) String() string {
	return getFullMethodName(m.ClassID, m.MethodID)
}

func (m *Method) Reader() *MethodReader {
	return NewMethodReader(m.args)
}

func getClassName(classID uint16) string {
	switch classID {
	case ClassConnection:
		return "connection"
	case ClassChannel:
		return "channel"
	case ClassExchange:
		return "exchange"
	case ClassQueue:
		return "queue"
	case ClassBasic:
		return "basic"
	default:
		return fmt.Sprintf("unknown(%d)", classID)
	}
}

func getMethodName(classID uint16, methodID uint16) string {
	switch classID {
	case ClassConnection:
		switch methodID {
		case MethodConnectionStart:
			return "start"
		case MethodConnectionStartOk:
			return "start-ok"
		case MethodConnectionTune:
			return "tune"
		case MethodConnectionTuneOk:
			return "tune-ok"
		case MethodConnectionOpen:
			return "open"
		case MethodConnectionOpenOk:
			return "open-ok"
		case MethodConnectionClose:
			return "close"
		case MethodConnectionCloseOk:
			return "close-ok"
		}
	case ClassChannel:
		switch methodID {
		case MethodChannelOpen:
			return "open"
		case MethodChannelOpenOk:
			return "open-ok"
		case MethodChannelClose:
			return "close"
		case MethodChannelCloseOk:
			return "close-ok"
		}
	case ClassExchange:
		switch methodID {
		case MethodExchangeDeclare:
			return "declare"
		case MethodExchangeDeclareOk:
			return "declare-ok"
		}
	case ClassQueue:
		switch methodID {
		case MethodQueueDeclare:
			return "declare"
		case MethodQueueDeclareOk:
			return "declare-ok"
		case MethodQueueBind:
			return "bind"
		case MethodQueueBindOk:
			return "bind-ok"
		}
	case ClassBasic:
		switch methodID {
		case MethodBasicQos:
			return "qos"
		case MethodBasicQosOk:
			return "qos-ok"
		case MethodBasicConsume:
			return "consume"
		case MethodBasicConsumeOk:
			return "consume-ok"
		case MethodBasicCancel:
			return "cancel"
		case MethodBasicCancelOk:
			return "cancel-ok"
		case MethodBasicPublish:
			return "publish"
		case MethodBasicDeliver:
			return "deliver"
		case MethodBasicAck:
			return "ack"
		}
	}
	return fmt.Sprintf("unknown(%d)", methodID)
}

func getFullMethodName(classID uint16, methodID uint16) string {
	return fmt.Sprintf("%s.%s", getClassName(classID), getMethodName(classID, methodID))
}

// connection class

type connectionStart struct {
	VersionMajor     uint8
	VersionMinor     uint8
	ServerProperties map[string]any
	Mechanisms       string
	Locales          string
}

func (m *Method) connectionStart() (*connectionStart, error) {
	r := m.Reader()
	s := &connectionStart{
		VersionMajor:     r.Octet(),
		VersionMinor:     r.Octet(),
		ServerProperties: r.Table(),
		Mechanisms:       r.LongStr(),
		Locales:          r.LongStr(),
	}
	return s, r.err
}

func encodeConnectionStartOk(clientProps map[string]any, mechanism, response, locale string) (*Frame, error) {
	return NewMethodWriter(ClassConnection, MethodConnectionStartOk).
		Table(clientProps).
		ShortStr(mechanism).
		LongStr(response).
		ShortStr(locale).
		Frame(0)
}

type connectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (m *Method) connectionTune() (*connectionTune, error) {
	r := m.Reader()
	t := &connectionTune{
		ChannelMax: r.Short(),
		FrameMax:   r.Long(),
		Heartbeat:  r.Short(),
	}
	return t, r.err
}

func encodeConnectionTuneOk(channelMax uint16, frameMax uint32, heartbeat uint16) (*Frame, error) {
	return NewMethodWriter(ClassConnection, MethodConnectionTuneOk).
		Short(channelMax).
		Long(frameMax).
		Short(heartbeat).
		Frame(0)
}

func encodeConnectionOpen(vhost string) (*Frame, error) {
	return NewMethodWriter(ClassConnection, MethodConnectionOpen).
		ShortStr(vhost).
		ShortStr(""). // capabilities (reserved)
		Bit(false).   // insist (reserved)
		Frame(0)
}

// closeArgs are shared by connection.close and channel.close.
type closeArgs struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (m *Method) closeArgs() (*closeArgs, error) {
	r := m.Reader()
	c := &closeArgs{
		ReplyCode: r.Short(),
		ReplyText: r.ShortStr(),
		ClassID:   r.Short(),
		MethodID:  r.Short(),
	}
	return c, r.err
}

func encodeClose(classID, methodID uint16, channel uint16, c closeArgs) (*Frame, error) {
	return NewMethodWriter(classID, methodID).
		Short(c.ReplyCode).
		ShortStr(c.ReplyText).
		Short(c.ClassID).
		Short(c.MethodID).
		Frame(channel)
}

func encodeEmpty(classID, methodID uint16, channel uint16) (*Frame, error) {
	return NewMethodWriter(classID, methodID).Frame(channel)
}

// channel class

func encodeChannelOpen(channel uint16) (*Frame, error) {
	return NewMethodWriter(ClassChannel, MethodChannelOpen).
		ShortStr(""). // out-of-band (reserved)
		Frame(channel)
}

// exchange and queue classes

func encodeExchangeDeclare(channel uint16, name, kind string, passive, durable, autoDelete bool) (*Frame, error) {
	return NewMethodWriter(ClassExchange, MethodExchangeDeclare).
		Short(0). // ticket
		ShortStr(name).
		ShortStr(kind).
		Bit(passive).
		Bit(durable).
		Bit(autoDelete).
		Bit(false). // internal
		Bit(false). // no-wait
		Table(nil).
		Frame(channel)
}

func encodeQueueDeclare(channel uint16, name string, passive, durable, exclusive, autoDelete bool) (*Frame, error) {
	return NewMethodWriter(ClassQueue, MethodQueueDeclare).
		Short(0).
		ShortStr(name).
		Bit(passive).
		Bit(durable).
		Bit(exclusive).
		Bit(autoDelete).
		Bit(false). // no-wait
		Table(nil).
		Frame(channel)
}

type queueDeclareOk struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

func (m *Method) queueDeclareOk() (*queueDeclareOk, error) {
	r := m.Reader()
	q := &queueDeclareOk{
		Queue:         r.ShortStr(),
		MessageCount:  r.Long(),
		ConsumerCount: r.Long(),
	}
	return q, r.err
}

func encodeQueueBind(channel uint16, queue, exchange, routingKey string) (*Frame, error) {
	return NewMethodWriter(ClassQueue, MethodQueueBind).
		Short(0).
		ShortStr(queue).
		ShortStr(exchange).
		ShortStr(routingKey).
		Bit(false). // no-wait
		Table(nil).
		Frame(channel)
}

// basic class

func encodeBasicQos(channel uint16, prefetchSize uint32, prefetchCount uint16, global bool) (*Frame, error) {
	return NewMethodWriter(ClassBasic, MethodBasicQos).
		Long(prefetchSize).
		Short(prefetchCount).
		Bit(global).
		Frame(channel)
}

func encodeBasicConsume(channel uint16, queue, tag string, noAck, exclusive bool) (*Frame, error) {
	return NewMethodWriter(ClassBasic, MethodBasicConsume).
		Short(0).
		ShortStr(queue).
		ShortStr(tag).
		Bit(false). // no-local
		Bit(noAck).
		Bit(exclusive).
		Bit(false). // no-wait
		Table(nil).
		Frame(channel)
}

func (m *Method) consumerTag() (string, error) {
	r := m.Reader()
	tag := r.ShortStr()
	return tag, r.err
}

func encodeBasicCancelOk(channel uint16, tag string) (*Frame, error) {
	return NewMethodWriter(ClassBasic, MethodBasicCancelOk).
		ShortStr(tag).
		Frame(channel)
}

func encodeBasicPublish(channel uint16, exchange, routingKey string, mandatory, immediate bool) (*Frame, error) {
	return NewMethodWriter(ClassBasic, MethodBasicPublish).
		Short(0).
		ShortStr(exchange).
		ShortStr(routingKey).
		Bit(mandatory).
		Bit(immediate).
		Frame(channel)
}

type basicDeliver struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

func (m *Method) basicDeliver() (*basicDeliver, error) {
	r := m.Reader()
	d := &basicDeliver{
		ConsumerTag: r.ShortStr(),
		DeliveryTag: r.LongLong(),
		Redelivered: r.Bit(),
		Exchange:    r.ShortStr(),
		RoutingKey:  r.ShortStr(),
	}
	return d, r.err
}

func encodeBasicAck(channel uint16, deliveryTag uint64, multiple bool) (*Frame, error) {
	return NewMethodWriter(ClassBasic, MethodBasicAck).
		LongLong(deliveryTag).
		Bit(multiple).
		Frame(channel)
}
