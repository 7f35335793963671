package agent

import (
	"context"
	"time"

	"github.com/juju/clock"

	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
)

// StatusFunc reports the service status carried by each heartbeat.
type StatusFunc func(ctx context.Context) string

// Sender publishes a request to the conductor.
type Sender interface {
	Send(ctx context.Context, method string, args map[string]any) error
}

// Tasker periodically reports the guest status.
type Tasker struct {
	sender   Sender
	status   StatusFunc
	interval time.Duration
	clock    clock.Clock
	log      logger.Logger
	metrics  *Metrics
}

// NewTasker reports status every interval through sender.
func NewTasker(sender Sender, status StatusFunc, interval time.Duration, clk clock.Clock, log logger.Logger, metrics *Metrics) *Tasker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Tasker{
		sender:   sender,
		status:   status,
		interval: interval,
		clock:    clk,
		log:      logger.OrNil(log),
		metrics:  metrics,
	}
}

// Run sleeps for the interval, then runs the periodic tasks, until ctx ends.
func (t *Tasker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.After(t.interval):
		}
		t.RunOnce(ctx)
	}
}

// RunOnce sends one heartbeat. Failures are logged; the next tick tries again.
func (t *Tasker) RunOnce(ctx context.Context) {
	t.log.Debug("Running periodic tasks...")
	status := t.status(ctx)
	err := t.sender.Send(ctx, "heartbeat", map[string]any{
		"payload": map[string]any{"service_status": status},
	})
	t.metrics.heartbeat(err)
	if err != nil && ctx.Err() == nil {
		t.log.Err("Error sending heartbeat: %v", err)
	}
}
