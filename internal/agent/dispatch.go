package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/rpc"
	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
)

// The failure sent back when no handler knows the requested method.
const noMethodFound = "No method found"

// Receiver is the side of the transport the message loop reads from.
type Receiver interface {
	NextMessage(ctx context.Context) (rpc.GuestInput, error)
	FinishMessage(ctx context.Context, output rpc.GuestOutput) error
}

// Dispatcher runs requests against a chain of handlers.
type Dispatcher struct {
	handlers []MessageHandler
	log      logger.Logger
	metrics  *Metrics
}

// NewDispatcher asks handlers in order; the first one that handles a method wins.
func NewDispatcher(log logger.Logger, metrics *Metrics, handlers ...MessageHandler) *Dispatcher {
	return &Dispatcher{handlers: handlers, log: logger.OrNil(log), metrics: metrics}
}

// RunMethod runs input and turns every handler error or panic into a failure reply.
func (d *Dispatcher) RunMethod(ctx context.Context, input rpc.GuestInput) (output rpc.GuestOutput) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			d.log.Err("Panic running method %s: %v", input.MethodName, p)
			output = rpc.Failed("%v", p)
		}
		d.metrics.methodFinished(input.MethodName, output, time.Since(start))
	}()

	for _, h := range d.handlers {
		result, handled, err := h.HandleMessage(ctx, input)
		if !handled {
			continue
		}
		if err != nil {
			d.log.Err("Error running method %s : %v", input.MethodName, err)
			return rpc.Failed("%v", err)
		}
		return rpc.Succeeded(result)
	}
	d.log.Err("No method found for %s", input.MethodName)
	return rpc.Failed(noMethodFound)
}

// RunJSON decodes a single request and runs it without a broker.
func (d *Dispatcher) RunJSON(ctx context.Context, msg []byte) (rpc.GuestOutput, error) {
	input, _, err := rpc.DecodeRequest(msg)
	if err != nil {
		return rpc.GuestOutput{}, err
	}
	return d.RunMethod(ctx, input), nil
}

// MessageLoop receives, runs and answers requests until ctx ends. Malformed requests are
// acknowledged with a failure reply so they are not redelivered forever.
func (d *Dispatcher) MessageLoop(ctx context.Context, r Receiver) error {
	for {
		input, err := r.NextMessage(ctx)
		var output rpc.GuestOutput
		switch {
		case err == nil:
			d.log.Info("method=%s", input.MethodName)
			output = d.RunMethod(ctx, input)
		case errors.Is(err, rpc.ErrMalformedInput):
			d.log.Err("Dropping malformed message: %v", err)
			output = rpc.Failed("%v", err)
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receiving message: %w", err)
		}

		if err := r.FinishMessage(ctx, output); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("finishing message: %w", err)
		}
	}
}
