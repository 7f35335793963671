package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	method string
	args   map[string]any
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSender) Send(_ context.Context, method string, args map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{method, args})
	return s.err
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func TestTaskerSendsHeartbeatEveryInterval(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	sender := &recordingSender{}
	status := "running"
	tasker := NewTasker(sender, func(context.Context) string { return status }, time.Minute, clk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tasker.Run(ctx) }()

	require.NoError(t, clk.WaitAdvance(time.Minute, 5*time.Second, 1))
	require.Eventually(t, func() bool { return len(sender.messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, clk.WaitAdvance(time.Minute, 5*time.Second, 1))
	require.Eventually(t, func() bool { return len(sender.messages()) == 2 }, 5*time.Second, 10*time.Millisecond)

	msg := sender.messages()[0]
	assert.Equal(t, "heartbeat", msg.method)
	assert.Equal(t, map[string]any{"payload": map[string]any{"service_status": "running"}}, msg.args)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("tasker did not stop")
	}
}

func TestTaskerKeepsGoingAfterSendFailure(t *testing.T) {
	sender := &recordingSender{err: errors.New("closed")}
	tasker := NewTasker(sender, func(context.Context) string { return "shutdown" }, time.Minute, nil, nil, nil)

	tasker.RunOnce(context.Background())
	tasker.RunOnce(context.Background())
	assert.Len(t, sender.messages(), 2)
}
