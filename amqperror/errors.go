package amqpError

import "fmt"

// AmqpError is an AMQP 0-9-1 reply code as carried by channel.close and connection.close.
type AmqpError uint16

// AMQP reply code constants
const (
	// ReplySuccess - Sent by the client on a normal close
	ReplySuccess AmqpError = 200

	// ContentTooLarge - Broker refused a message body
	ContentTooLarge AmqpError = 311

	// NoRoute - Mandatory message could not be routed
	NoRoute AmqpError = 312

	// NoConsumers - Immediate message had no consumer
	NoConsumers AmqpError = 313

	// ConnectionForced - Operator closed the connection (broker restart, vhost deleted)
	ConnectionForced AmqpError = 320

	// InvalidPath - Unknown virtual host
	InvalidPath AmqpError = 402

	// AccessRefused - Bad credentials or no permission on the entity
	AccessRefused AmqpError = 403

	// NotFound - Passive declare of a missing exchange or queue
	NotFound AmqpError = 404

	// ResourceLocked - Exclusive queue owned by another connection
	ResourceLocked AmqpError = 405

	// PreconditionFailed - Declare with mismatched properties, unknown delivery tag
	PreconditionFailed AmqpError = 406

	// FrameError - Malformed frame
	FrameError AmqpError = 501

	// SyntaxError - Malformed method arguments
	SyntaxError AmqpError = 502

	// CommandInvalid - Method not valid in the current state
	CommandInvalid AmqpError = 503

	// ChannelError - Channel not open or already in use
	ChannelError AmqpError = 504

	// UnexpectedFrame - Frame received out of order
	UnexpectedFrame AmqpError = 505

	// ResourceError - Broker ran out of a resource
	ResourceError AmqpError = 506

	// NotAllowed - Operation forbidden by the broker
	NotAllowed AmqpError = 530

	// NotImplemented - Method not implemented by the broker
	NotImplemented AmqpError = 540

	// InternalError - Broker internal failure
	InternalError AmqpError = 541
)

var replyNames = map[AmqpError]string{
	ReplySuccess:       "REPLY_SUCCESS",
	ContentTooLarge:    "CONTENT_TOO_LARGE",
	NoRoute:            "NO_ROUTE",
	NoConsumers:        "NO_CONSUMERS",
	ConnectionForced:   "CONNECTION_FORCED",
	InvalidPath:        "INVALID_PATH",
	AccessRefused:      "ACCESS_REFUSED",
	NotFound:           "NOT_FOUND",
	ResourceLocked:     "RESOURCE_LOCKED",
	PreconditionFailed: "PRECONDITION_FAILED",
	FrameError:         "FRAME_ERROR",
	SyntaxError:        "SYNTAX_ERROR",
	CommandInvalid:     "COMMAND_INVALID",
	ChannelError:       "CHANNEL_ERROR",
	UnexpectedFrame:    "UNEXPECTED_FRAME",
	ResourceError:      "RESOURCE_ERROR",
	NotAllowed:         "NOT_ALLOWED",
	NotImplemented:     "NOT_IMPLEMENTED",
	InternalError:      "INTERNAL_ERROR",
}

// Code is the numeric reply code sent on the wire.
func (e AmqpError) Code() uint16 {
	return uint16(e)
}

// IsHard reports whether the code is a connection-level (hard) error. Soft errors
// only close the channel they were raised on.
func (e AmqpError) IsHard() bool {
	switch e {
	case ReplySuccess, ContentTooLarge, NoRoute, NoConsumers, AccessRefused, NotFound, ResourceLocked, PreconditionFailed:
		return false
	}
	return true
}

// String returns the protocol name of the reply code.
func (e AmqpError) String() string {
	if name, ok := replyNames[e]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_REPLY(%d)", uint16(e))
}
