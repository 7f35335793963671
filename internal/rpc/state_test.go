package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqp"
)

func TestMessageStateLifecycle(t *testing.T) {
	var s MessageState
	assert.False(t, s.Pending())

	s.begin(7, 3)
	assert.True(t, s.Pending())
	assert.True(t, s.AckPending)
	assert.False(t, s.replyPending())

	s.setMsgID(strPtr("abc"))
	assert.Equal(t, replyAttempts, s.MustSendReplyBody)
	assert.Equal(t, replyAttempts, s.MustSendReplyEnd)
	assert.True(t, s.replyPending())

	s.AckPending = false
	assert.True(t, s.Pending(), "reply still owed")

	s.MustSendReplyBody, s.MustSendReplyEnd = 0, 0
	assert.False(t, s.Pending())

	s.begin(8, 3)
	assert.Nil(t, s.MsgID, "begin forgets the previous msg id")
	s.Reset()
	assert.Equal(t, MessageState{}, s)
}

func TestClassify(t *testing.T) {
	transport := &amqp.Error{Code: amqp.WaitFrameFailed}
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, Ok},
		{transport, Retryable},
		{fmt.Errorf("reading: %w", transport), Retryable},
		{&amqp.Error{Code: amqp.LoginFailed}, Retryable},
		{malformed(nil, "bad"), Fatal},
		{context.Canceled, Fatal},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), Fatal},
		{ErrMessagePending, Fatal},
		{errors.New("something else"), Fatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
	assert.Equal(t, "retryable", Retryable.String())
}

func TestMalformedInputError(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := malformed(cause, "%q is not a string", "oslo.message")
	assert.ErrorIs(t, err, ErrMalformedInput)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, `malformed input: "oslo.message" is not a string: unexpected end of JSON input`, err.Error())

	var m *MalformedInputError
	assert.True(t, errors.As(err, &m))
	assert.Equal(t, `"oslo.message" is not a string`, m.Reason)
}
