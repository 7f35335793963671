package amqp

import (
	"errors"
	"fmt"

	amqpError "github.com/TimSimpsonR/sneaky-pete-sub001/amqperror"
)

// ErrorCode names the transport operation that failed.
type ErrorCode int

const (
	BodyExpected ErrorCode = iota + 1
	BodyLarger
	CloseChannelFailed
	CloseConnectionFailed
	Consume
	DestroyConnection
	BindQueueFailure
	ConnectionFailed
	DeclareQueueFailure
	ExchangeDeclareFail
	HeaderExpected
	LoginFailed
	OpenChannelFailed
	PublishFailure
	UnexpectedFramePayloadMethod
	WaitFrameFailed
	AckFailure
	ConnectionClosed
	FrameError
)

func (c ErrorCode) String() string {
	switch c {
	case BodyExpected:
		return "BODY_EXPECTED"
	case BodyLarger:
		return "BODY_LARGER"
	case CloseChannelFailed:
		return "CLOSE_CHANNEL_FAILED"
	case CloseConnectionFailed:
		return "CLOSE_CONNECTION_FAILED"
	case Consume:
		return "CONSUME"
	case DestroyConnection:
		return "DESTROY_CONNECTION"
	case BindQueueFailure:
		return "BIND_QUEUE_FAILURE"
	case ConnectionFailed:
		return "CONNECTION_FAILED"
	case DeclareQueueFailure:
		return "DECLARE_QUEUE_FAILURE"
	case ExchangeDeclareFail:
		return "EXCHANGE_DECLARE_FAIL"
	case HeaderExpected:
		return "HEADER_EXPECTED"
	case LoginFailed:
		return "LOGIN_FAILED"
	case OpenChannelFailed:
		return "OPEN_CHANNEL_FAILED"
	case PublishFailure:
		return "PUBLISH_FAILURE"
	case UnexpectedFramePayloadMethod:
		return "UNEXPECTED_FRAME_PAYLOAD_METHOD"
	case WaitFrameFailed:
		return "WAIT_FRAME_FAILED"
	case AckFailure:
		return "ACK_FAILURE"
	case ConnectionClosed:
		return "CONNECTION_CLOSED"
	case FrameError:
		return "FRAME_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// Error is a transport failure. ReplyCode is set when the broker closed the channel
// or connection with a reply code.
type Error struct {
	Code      ErrorCode
	ReplyCode amqpError.AmqpError
	Text      string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.ReplyCode != 0 {
		msg += fmt.Sprintf(" (%s %d)", e.ReplyCode, e.ReplyCode.Code())
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Code, so errors.Is(err, &Error{Code: LoginFailed})
// works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether reconnecting may fix the failure. Every transport error is
// retryable; the resilient wrappers rebuild the connection for all of them.
func (e *Error) Retryable() bool {
	return e.Code != 0
}

func newError(code ErrorCode, err error, format string, a ...any) *Error {
	return &Error{Code: code, Text: fmt.Sprintf(format, a...), Err: err}
}

// IsCode reports whether err is a transport error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// AsError extracts a transport error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
