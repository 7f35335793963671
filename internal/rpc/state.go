package rpc

// replyAttempts bounds how often each reply publish is tried before it is abandoned.
const replyAttempts = 3

// MessageState is the pending obligation for the message being worked on: an
// acknowledgment and, when the request carried a msg id, a reply. It outlives the
// Receiver that filled it so a reconnect does not drop the reply.
type MessageState struct {
	// DeliveryTag is only meaningful while AckPending is set, and only on the connection
	// identified by ConnectionID.
	DeliveryTag  uint64
	AckPending   bool
	ConnectionID uint64

	MsgID *string

	MustSendReplyBody int
	MustSendReplyEnd  int
}

// Pending reports whether anything is still owed for the current message.
func (s *MessageState) Pending() bool {
	return s.AckPending || s.replyPending()
}

func (s *MessageState) replyPending() bool {
	return s.MsgID != nil && (s.MustSendReplyBody > 0 || s.MustSendReplyEnd > 0)
}

func (s *MessageState) begin(deliveryTag, connectionID uint64) {
	*s = MessageState{
		DeliveryTag:  deliveryTag,
		AckPending:   true,
		ConnectionID: connectionID,
	}
}

func (s *MessageState) setMsgID(msgID *string) {
	s.MsgID = msgID
	if msgID != nil {
		s.MustSendReplyBody = replyAttempts
		s.MustSendReplyEnd = replyAttempts
	}
}

// Reset forgets the current message.
func (s *MessageState) Reset() {
	*s = MessageState{}
}
