package agent

import (
	"context"

	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/rpc"
)

// MessageHandler answers the requests it knows. handled is false when the method
// belongs to some other handler; the next handler in the chain is tried.
type MessageHandler interface {
	HandleMessage(ctx context.Context, input rpc.GuestInput) (result any, handled bool, err error)
}

// MethodFunc runs one RPC method.
type MethodFunc func(ctx context.Context, input rpc.GuestInput) (any, error)

// Methods is a MessageHandler dispatching on the method name.
type Methods map[string]MethodFunc

func (m Methods) HandleMessage(ctx context.Context, input rpc.GuestInput) (any, bool, error) {
	f, ok := m[input.MethodName]
	if !ok {
		return nil, false, nil
	}
	result, err := f(ctx, input)
	return result, true, err
}
