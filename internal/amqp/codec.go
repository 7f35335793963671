package amqp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Frame is one AMQP wire frame without the frame-end octet.
type Frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

var errFrameEnd = errors.New("invalid frame-end octet")

// ReadFrame reads a single frame. frameMax bounds the whole frame, header and frame-end
// included; zero means the handshake limit FrameMinSize.
func ReadFrame(r io.Reader, frameMax uint32) (*Frame, error) {
	if frameMax == 0 {
		frameMax = FrameMinSize
	}
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("error reading frame header: %w", err)
	}

	frame := &Frame{
		Type:    header[0],
		Channel: binary.BigEndian.Uint16(header[1:3]),
	}

	size := binary.BigEndian.Uint32(header[3:7])
	if uint64(size)+frameOverhead > uint64(frameMax) {
		return nil, fmt.Errorf("frame size %d exceeds negotiated max %d", uint64(size)+frameOverhead, frameMax)
	}

	frame.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, frame.Payload); err != nil {
		return nil, fmt.Errorf("error reading frame payload: %w", err)
	}

	frameEnd := make([]byte, 1)
	if _, err := io.ReadFull(r, frameEnd); err != nil {
		return nil, fmt.Errorf("error reading frame end: %w", err)
	}
	if frameEnd[0] != FrameEnd {
		return nil, fmt.Errorf("%w: %x", errFrameEnd, frameEnd[0])
	}
	return frame, nil
}

// WriteFrame writes a frame to w. Buffered writers must be flushed by the caller.
func WriteFrame(w io.Writer, frame *Frame) error {
	header := make([]byte, 7)
	header[0] = frame.Type
	binary.BigEndian.PutUint16(header[1:3], frame.Channel)
	binary.BigEndian.PutUint32(header[3:7], uint32(len(frame.Payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("error writing frame header: %w", err)
	}
	if _, err := w.Write(frame.Payload); err != nil {
		return fmt.Errorf("error writing frame payload: %w", err)
	}
	if _, err := w.Write([]byte{FrameEnd}); err != nil {
		return fmt.Errorf("error writing frame end: %w", err)
	}
	return nil
}

// getFrameTypeName returns a string representation of a frame type
func getFrameTypeName(frameType byte) string {
	switch frameType {
	case FrameMethod:
		return "METHOD"
	case FrameHeader:
		return "HEADER"
	case FrameBody:
		return "BODY"
	case FrameHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", frameType)
	}
}

// MethodWriter serializes method arguments in protocol order. Consecutive bit
// arguments are packed into one octet; any other argument flushes pending bits.
type MethodWriter struct {
	buf   bytes.Buffer
	bits  byte
	nbits uint
	err   error
}

func NewMethodWriter(classID, methodID uint16) *MethodWriter {
	w := &MethodWriter{}
	binary.Write(&w.buf, binary.BigEndian, classID)
	binary.Write(&w.buf, binary.BigEndian, methodID)
	return w
}

func (w *MethodWriter) flushBits() {
	if w.nbits > 0 {
		w.buf.WriteByte(w.bits)
		w.bits, w.nbits = 0, 0
	}
}

func (w *MethodWriter) Bit(v bool) *MethodWriter {
	if w.nbits == 8 {
		w.flushBits()
	}
	if v {
		w.bits |= 1 << w.nbits
	}
	w.nbits++
	return w
}

func (w *MethodWriter) Octet(v uint8) *MethodWriter {
	w.flushBits()
	w.buf.WriteByte(v)
	return w
}

func (w *MethodWriter) Short(v uint16) *MethodWriter {
	w.flushBits()
	binary.Write(&w.buf, binary.BigEndian, v)
	return w
}

func (w *MethodWriter) Long(v uint32) *MethodWriter {
	w.flushBits()
	binary.Write(&w.buf, binary.BigEndian, v)
	return w
}

func (w *MethodWriter) LongLong(v uint64) *MethodWriter {
	w.flushBits()
	binary.Write(&w.buf, binary.BigEndian, v)
	return w
}

func (w *MethodWriter) ShortStr(s string) *MethodWriter {
	w.flushBits()
	if err := writeShortString(&w.buf, s); err != nil && w.err == nil {
		w.err = err
	}
	return w
}

func (w *MethodWriter) LongStr(s string) *MethodWriter {
	w.flushBits()
	writeLongString(&w.buf, s)
	return w
}

func (w *MethodWriter) Table(t map[string]any) *MethodWriter {
	w.flushBits()
	if err := writeTable(&w.buf, t); err != nil && w.err == nil {
		w.err = err
	}
	return w
}

func (w *MethodWriter) Frame(channel uint16) (*Frame, error) {
	w.flushBits()
	if w.err != nil {
		return nil, w.err
	}
	return &Frame{Type: FrameMethod, Channel: channel, Payload: w.buf.Bytes()}, nil
}

// MethodReader reads method arguments in protocol order. The first error sticks and
// is reported by Err; later reads return zero values.
type MethodReader struct {
	r     *bytes.Reader
	bits  byte
	nbits uint
	err   error
}

func NewMethodReader(args []byte) *MethodReader {
	return &MethodReader{r: bytes.NewReader(args)}
}

// Err returns the first error met while reading.
func (m *MethodReader) Err() error {
	return m.err
}

func (m *MethodReader) fail(err error) {
	if m.err == nil {
		m.err = err
	}
}

func (m *MethodReader) Bit() bool {
	if m.err != nil {
		return false
	}
	if m.nbits == 0 || m.nbits == 8 {
		b, err := m.r.ReadByte()
		if err != nil {
			m.fail(fmt.Errorf("reading bit field: %w", err))
			return false
		}
		m.bits, m.nbits = b, 0
	}
	v := m.bits&(1<<m.nbits) != 0
	m.nbits++
	return v
}

func (m *MethodReader) Octet() uint8 {
	m.nbits = 0
	var v uint8
	if m.err == nil {
		if err := binary.Read(m.r, binary.BigEndian, &v); err != nil {
			m.fail(fmt.Errorf("reading octet: %w", err))
		}
	}
	return v
}

func (m *MethodReader) Short() uint16 {
	m.nbits = 0
	var v uint16
	if m.err == nil {
		if err := binary.Read(m.r, binary.BigEndian, &v); err != nil {
			m.fail(fmt.Errorf("reading short: %w", err))
		}
	}
	return v
}

func (m *MethodReader) Long() uint32 {
	m.nbits = 0
	var v uint32
	if m.err == nil {
		if err := binary.Read(m.r, binary.BigEndian, &v); err != nil {
			m.fail(fmt.Errorf("reading long: %w", err))
		}
	}
	return v
}

func (m *MethodReader) LongLong() uint64 {
	m.nbits = 0
	var v uint64
	if m.err == nil {
		if err := binary.Read(m.r, binary.BigEndian, &v); err != nil {
			m.fail(fmt.Errorf("reading long long: %w", err))
		}
	}
	return v
}

func (m *MethodReader) ShortStr() string {
	m.nbits = 0
	if m.err != nil {
		return ""
	}
	s, err := readShortString(m.r)
	if err != nil {
		m.fail(err)
	}
	return s
}

func (m *MethodReader) LongStr() string {
	m.nbits = 0
	if m.err != nil {
		return ""
	}
	s, err := readLongString(m.r)
	if err != nil {
		m.fail(err)
	}
	return s
}

func (m *MethodReader) Table() map[string]any {
	m.nbits = 0
	if m.err != nil {
		return nil
	}
	t, err := readTable(m.r)
	if err != nil {
		m.fail(err)
	}
	return t
}

func readShortString(reader *bytes.Reader) (string, error) {
	length, err := reader.ReadByte()
	if err != nil {
		return "", fmt.Errorf("reading short string length: %w", err)
	}
	if length == 0 {
		return "", nil
	}
	if int(length) > reader.Len() {
		return "", fmt.Errorf("not enough data for short string: expected %d, available %d", length, reader.Len())
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(reader, data); err != nil {
		return "", fmt.Errorf("reading short string data (expected %d bytes): %w", length, err)
	}
	return string(data), nil
}

func readLongString(reader *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return "", fmt.Errorf("reading long string length: %w", err)
	}
	if length == 0 {
		return "", nil
	}
	if int64(length) > int64(reader.Len()) {
		return "", fmt.Errorf("not enough data for long string: expected %d, available %d", length, reader.Len())
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(reader, data); err != nil {
		return "", fmt.Errorf("reading long string data (expected %d bytes): %w", length, err)
	}
	return string(data), nil
}

func writeShortString(writer *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint8 {
		return fmt.Errorf("short string too long: %d bytes", len(s))
	}
	writer.WriteByte(uint8(len(s)))
	writer.WriteString(s)
	return nil
}

func writeLongString(writer *bytes.Buffer, s string) {
	binary.Write(writer, binary.BigEndian, uint32(len(s)))
	writer.WriteString(s)
}

func readFieldValue(reader *bytes.Reader, valueType byte) (any, error) {
	switch valueType {
	case 't': // boolean
		b, err := reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("reading boolean value: %w", err)
		}
		return b != 0, nil
	case 'b': // signed octet
		var val int8
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading int8 value: %w", err)
		}
		return val, nil
	case 'B': // unsigned octet
		b, err := reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("reading uint8 value: %w", err)
		}
		return b, nil
	case 's': // signed short
		var val int16
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading int16 value: %w", err)
		}
		return val, nil
	case 'u': // unsigned short
		var val uint16
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading uint16 value: %w", err)
		}
		return val, nil
	case 'I': // signed long
		var val int32
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading int32 value: %w", err)
		}
		return val, nil
	case 'i': // unsigned long
		var val uint32
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading uint32 value: %w", err)
		}
		return val, nil
	case 'l': // signed long long
		var val int64
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading int64 value: %w", err)
		}
		return val, nil
	case 'f':
		var val float32
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading float32 value: %w", err)
		}
		return val, nil
	case 'd':
		var val float64
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading float64 value: %w", err)
		}
		return val, nil
	case 'D': // decimal: scale octet + int32, reported as float64
		var scale uint8
		if err := binary.Read(reader, binary.BigEndian, &scale); err != nil {
			return nil, fmt.Errorf("reading decimal scale: %w", err)
		}
		var val int32
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading decimal value: %w", err)
		}
		return float64(val) / math.Pow10(int(scale)), nil
	case 'S':
		strVal, err := readLongString(reader)
		if err != nil {
			return nil, fmt.Errorf("reading long string field value: %w", err)
		}
		return strVal, nil
	case 'A':
		var length uint32
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("reading field array payload length: %w", err)
		}
		if int64(length) > int64(reader.Len()) {
			return nil, fmt.Errorf("not enough data for field array payload: expected %d, available %d", length, reader.Len())
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, fmt.Errorf("reading field array payload bytes (expected %d): %w", length, err)
		}
		arrayReader := bytes.NewReader(payload)
		arr := make([]any, 0)
		for arrayReader.Len() > 0 {
			t, err := arrayReader.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("reading type in field array: %w", err)
			}
			val, err := readFieldValue(arrayReader, t)
			if err != nil {
				return nil, fmt.Errorf("reading value in field array (type %c): %w", t, err)
			}
			arr = append(arr, val)
		}
		return arr, nil
	case 'T': // timestamp
		var val uint64
		if err := binary.Read(reader, binary.BigEndian, &val); err != nil {
			return nil, fmt.Errorf("reading uint64 timestamp value: %w", err)
		}
		return val, nil
	case 'F':
		nested, err := readTable(reader)
		if err != nil {
			return nil, fmt.Errorf("reading nested field table: %w", err)
		}
		return nested, nil
	case 'x':
		var length uint32
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("reading byte array length: %w", err)
		}
		if int64(length) > int64(reader.Len()) {
			return nil, fmt.Errorf("not enough data for byte array: expected %d, available %d", length, reader.Len())
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, fmt.Errorf("reading byte array data (expected %d): %w", length, err)
		}
		return data, nil
	case 'V':
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported field table value type: %c (%d)", valueType, valueType)
	}
}

// writeFieldValue writes a single AMQP field value to the writer, including its type indicator.
func writeFieldValue(writer *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case bool:
		writer.WriteByte('t')
		if v {
			writer.WriteByte(1)
		} else {
			writer.WriteByte(0)
		}
	case int8:
		writer.WriteByte('b')
		binary.Write(writer, binary.BigEndian, v)
	case uint8:
		writer.WriteByte('B')
		writer.WriteByte(v)
	case int16:
		writer.WriteByte('s')
		binary.Write(writer, binary.BigEndian, v)
	case uint16:
		writer.WriteByte('u')
		binary.Write(writer, binary.BigEndian, v)
	case int32:
		writer.WriteByte('I')
		binary.Write(writer, binary.BigEndian, v)
	case uint32:
		writer.WriteByte('i')
		binary.Write(writer, binary.BigEndian, v)
	case int:
		writer.WriteByte('l')
		binary.Write(writer, binary.BigEndian, int64(v))
	case int64:
		writer.WriteByte('l')
		binary.Write(writer, binary.BigEndian, v)
	case uint64:
		writer.WriteByte('T')
		binary.Write(writer, binary.BigEndian, v)
	case float32:
		writer.WriteByte('f')
		binary.Write(writer, binary.BigEndian, v)
	case float64:
		writer.WriteByte('d')
		binary.Write(writer, binary.BigEndian, v)
	case string:
		writer.WriteByte('S')
		writeLongString(writer, v)
	case []byte:
		writer.WriteByte('x')
		binary.Write(writer, binary.BigEndian, uint32(len(v)))
		writer.Write(v)
	case []any:
		writer.WriteByte('A')
		arrayBuffer := &bytes.Buffer{}
		for _, item := range v {
			if err := writeFieldValue(arrayBuffer, item); err != nil {
				return fmt.Errorf("writing item of type %T in field array: %w", item, err)
			}
		}
		binary.Write(writer, binary.BigEndian, uint32(arrayBuffer.Len()))
		writer.Write(arrayBuffer.Bytes())
	case map[string]any:
		writer.WriteByte('F')
		if err := writeTable(writer, v); err != nil {
			return fmt.Errorf("writing nested field table: %w", err)
		}
	case nil:
		writer.WriteByte('V')
	default:
		return fmt.Errorf("unsupported type for field table serialization: %T", v)
	}
	return nil
}

func readTable(reader *bytes.Reader) (map[string]any, error) {
	var length uint32
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("reading table payload length: %w", err)
	}
	table := make(map[string]any)
	if length == 0 {
		return table, nil
	}
	if int64(length) > int64(reader.Len()) {
		return nil, fmt.Errorf("not enough data for table: expected %d, available %d", length, reader.Len())
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, fmt.Errorf("reading table payload bytes (expected %d): %w", length, err)
	}

	tableReader := bytes.NewReader(payload)
	for tableReader.Len() > 0 {
		key, err := readShortString(tableReader)
		if err != nil {
			return table, fmt.Errorf("malformed table: error reading field key: %w", err)
		}
		valueType, err := tableReader.ReadByte()
		if err != nil {
			return table, fmt.Errorf("malformed table: key '%s' read but no value type followed: %w", key, err)
		}
		value, err := readFieldValue(tableReader, valueType)
		if err != nil {
			return table, fmt.Errorf("reading value for key '%s' (type %c): %w", key, valueType, err)
		}
		table[key] = value
	}
	return table, nil
}

func writeTable(writer *bytes.Buffer, table map[string]any) error {
	payload := &bytes.Buffer{}
	for key, value := range table {
		if err := writeShortString(payload, key); err != nil {
			return fmt.Errorf("serializing key '%s': %w", key, err)
		}
		if err := writeFieldValue(payload, value); err != nil {
			return fmt.Errorf("serializing value for key '%s' (type %T): %w", key, value, err)
		}
	}
	if err := binary.Write(writer, binary.BigEndian, uint32(payload.Len())); err != nil {
		return fmt.Errorf("writing table payload length: %w", err)
	}
	if _, err := writer.Write(payload.Bytes()); err != nil {
		return fmt.Errorf("writing table payload bytes: %w", err)
	}
	return nil
}
