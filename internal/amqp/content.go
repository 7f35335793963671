package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Properties are the basic-class content properties.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         map[string]any
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       uint64
	Type            string
	UserID          string
	AppID           string
	ClusterID       string
}

// jsonProperties is what every publish from the agent carries.
var jsonProperties = Properties{
	ContentType:     "application/json",
	ContentEncoding: "UTF-8",
	DeliveryMode:    DeliveryModePersistent,
}

// EncodeContentHeader builds a basic-class content header frame.
func EncodeContentHeader(channel uint16, bodySize uint64, p Properties) (*Frame, error) {
	var flags uint16
	props := &bytes.Buffer{}

	if p.ContentType != "" {
		flags |= flagContentType
		if err := writeShortString(props, p.ContentType); err != nil {
			return nil, err
		}
	}
	if p.ContentEncoding != "" {
		flags |= flagContentEncoding
		if err := writeShortString(props, p.ContentEncoding); err != nil {
			return nil, err
		}
	}
	if p.Headers != nil {
		flags |= flagHeaders
		if err := writeTable(props, p.Headers); err != nil {
			return nil, fmt.Errorf("serializing headers: %w", err)
		}
	}
	if p.DeliveryMode != 0 {
		flags |= flagDeliveryMode
		props.WriteByte(p.DeliveryMode)
	}
	if p.Priority != 0 {
		flags |= flagPriority
		props.WriteByte(p.Priority)
	}
	for _, sp := range []struct {
		flag  uint16
		value string
	}{
		{flagCorrelationID, p.CorrelationID},
		{flagReplyTo, p.ReplyTo},
		{flagExpiration, p.Expiration},
		{flagMessageID, p.MessageID},
	} {
		if sp.value != "" {
			flags |= sp.flag
			if err := writeShortString(props, sp.value); err != nil {
				return nil, err
			}
		}
	}
	if p.Timestamp != 0 {
		flags |= flagTimestamp
		binary.Write(props, binary.BigEndian, p.Timestamp)
	}
	for _, sp := range []struct {
		flag  uint16
		value string
	}{
		{flagType, p.Type},
		{flagUserID, p.UserID},
		{flagAppID, p.AppID},
		{flagClusterID, p.ClusterID},
	} {
		if sp.value != "" {
			flags |= sp.flag
			if err := writeShortString(props, sp.value); err != nil {
				return nil, err
			}
		}
	}

	payload := &bytes.Buffer{}
	binary.Write(payload, binary.BigEndian, uint16(ClassBasic))
	binary.Write(payload, binary.BigEndian, uint16(0)) // weight
	binary.Write(payload, binary.BigEndian, bodySize)
	binary.Write(payload, binary.BigEndian, flags)
	payload.Write(props.Bytes())

	return &Frame{Type: FrameHeader, Channel: channel, Payload: payload.Bytes()}, nil
}

// DecodeContentHeader parses a content header frame payload.
func DecodeContentHeader(payload []byte) (uint64, Properties, error) {
	var p Properties
	reader := bytes.NewReader(payload)
	var classID, weight, flags uint16
	var bodySize uint64

	if err := binary.Read(reader, binary.BigEndian, &classID); err != nil {
		return 0, p, fmt.Errorf("malformed header: could not read class-id: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &weight); err != nil {
		return 0, p, fmt.Errorf("malformed header: could not read weight: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &bodySize); err != nil {
		return 0, p, fmt.Errorf("malformed header: could not read body-size: %w", err)
	}
	if classID != ClassBasic {
		return 0, p, fmt.Errorf("header frame for unexpected class %d", classID)
	}
	if err := binary.Read(reader, binary.BigEndian, &flags); err != nil {
		return 0, p, fmt.Errorf("malformed header: could not read property-flags: %w", err)
	}

	var err error
	str := func(flag uint16, dst *string) {
		if err == nil && flags&flag != 0 {
			*dst, err = readShortString(reader)
		}
	}
	octet := func(flag uint16, dst *uint8) {
		if err == nil && flags&flag != 0 {
			*dst, err = reader.ReadByte()
		}
	}

	str(flagContentType, &p.ContentType)
	str(flagContentEncoding, &p.ContentEncoding)
	if err == nil && flags&flagHeaders != 0 {
		p.Headers, err = readTable(reader)
	}
	octet(flagDeliveryMode, &p.DeliveryMode)
	octet(flagPriority, &p.Priority)
	str(flagCorrelationID, &p.CorrelationID)
	str(flagReplyTo, &p.ReplyTo)
	str(flagExpiration, &p.Expiration)
	str(flagMessageID, &p.MessageID)
	if err == nil && flags&flagTimestamp != 0 {
		err = binary.Read(reader, binary.BigEndian, &p.Timestamp)
	}
	str(flagType, &p.Type)
	str(flagUserID, &p.UserID)
	str(flagAppID, &p.AppID)
	str(flagClusterID, &p.ClusterID)

	if err != nil {
		return 0, p, fmt.Errorf("malformed header properties: %w", err)
	}
	if reader.Len() > 0 {
		return 0, p, fmt.Errorf("extra data in header payload: %d bytes", reader.Len())
	}
	return bodySize, p, nil
}

// BodyFrames splits body into frames that fit frameMax.
func BodyFrames(channel uint16, body []byte, frameMax uint32) []*Frame {
	if len(body) == 0 {
		return nil
	}
	max := len(body)
	if frameMax > frameOverhead {
		max = int(frameMax) - frameOverhead
	}
	frames := make([]*Frame, 0, len(body)/max+1)
	for len(body) > 0 {
		n := min(len(body), max)
		frames = append(frames, &Frame{Type: FrameBody, Channel: channel, Payload: body[:n]})
		body = body[n:]
	}
	return frames
}

// bodyAssembler accumulates body frames until the size declared by the content header is
// reached exactly.
type bodyAssembler struct {
	size uint64
	buf  bytes.Buffer
}

func newBodyAssembler(size uint64) *bodyAssembler {
	a := &bodyAssembler{size: size}
	if size < 1<<20 {
		a.buf.Grow(int(size))
	}
	return a
}

func (a *bodyAssembler) add(frame *Frame) error {
	if frame.Type != FrameBody {
		return newError(BodyExpected, nil, "got %s frame after %d of %d body bytes",
			getFrameTypeName(frame.Type), a.buf.Len(), a.size)
	}
	if uint64(a.buf.Len())+uint64(len(frame.Payload)) > a.size {
		return newError(BodyLarger, nil, "received %d bytes, header declared %d",
			uint64(a.buf.Len())+uint64(len(frame.Payload)), a.size)
	}
	a.buf.Write(frame.Payload)
	return nil
}

func (a *bodyAssembler) done() bool {
	return uint64(a.buf.Len()) == a.size
}

func (a *bodyAssembler) bytes() []byte {
	return a.buf.Bytes()
}
