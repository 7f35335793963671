// Package sneakypete provides the public API for embedding the guest agent.
// An Agent connects to the message bus, answers RPC requests sent to its guest topic
// and reports its status to the conductor until the run context is cancelled.
package sneakypete

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TimSimpsonR/sneaky-pete-sub001/config"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/agent"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/rpc"
	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
)

type (
	// GuestInput is a decoded RPC request.
	GuestInput = rpc.GuestInput

	// GuestOutput is the reply to a request. A nil Failure means success.
	GuestOutput = rpc.GuestOutput

	// MessageHandler answers the requests it knows. Returning handled=false passes the
	// request to the next handler.
	MessageHandler = agent.MessageHandler

	// MethodFunc implements a single RPC method.
	MethodFunc = agent.MethodFunc

	// Methods is a MessageHandler backed by a method name lookup.
	Methods = agent.Methods
)

// Agent represents a guest agent instance.
// It wraps the internal agent to provide a clean public API.
type Agent struct {
	agent *agent.Agent
}

// Option is a function that configures an Agent during initialization.
// Use the provided With* functions to create Options.
type Option func(*agentOptions)

type agentOptions struct {
	internalOpts []agent.AgentOption
}

// NewAgent creates a new guest agent with the provided options.
func NewAgent(opts ...Option) *Agent {
	options := &agentOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return &Agent{agent: agent.NewAgent(options.internalOpts...)}
}

// Run connects to the broker and serves requests until ctx is cancelled.
// This method is blocking. Cancelling ctx is a clean shutdown and returns nil.
//
// Example:
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := a.Run(ctx); err != nil {
//	    log.Printf("Agent returned an error: %v", err)
//	}
func (a *Agent) Run(ctx context.Context) error {
	return a.agent.Run(ctx)
}

// RunMessage runs one JSON request through the handlers without connecting to the
// broker. The message is the inner request, for example
// {"method": "get_diagnostics", "args": {}}.
func (a *Agent) RunMessage(ctx context.Context, msg []byte) (GuestOutput, error) {
	return a.agent.RunMessage(ctx, msg)
}

// Logger returns the agent's configured logger.
func (a *Agent) Logger() logger.Logger {
	return a.agent.Logger()
}

// IsReady returns true once the agent is connected and consuming its topic.
func (a *Agent) IsReady() bool {
	return a.agent.IsReady()
}

// WithLogger sets a custom logger that implements the logger.Logger interface.
// If not used, a logger built from the logging configuration is used.
func WithLogger(l logger.Logger) Option {
	return func(opts *agentOptions) {
		opts.internalOpts = append(opts.internalOpts, agent.WithLogger(l))
	}
}

// WithConfig replaces the default configuration. See config.Load.
func WithConfig(cfg config.AgentConfig) Option {
	return func(opts *agentOptions) {
		opts.internalOpts = append(opts.internalOpts, agent.WithConfig(cfg))
	}
}

// WithHandlers appends request handlers. They are asked in order, before the built-in
// get_diagnostics handler.
func WithHandlers(handlers ...MessageHandler) Option {
	return func(opts *agentOptions) {
		opts.internalOpts = append(opts.internalOpts, agent.WithHandlers(handlers...))
	}
}

// WithStatus sets the function reporting the service status in each heartbeat.
func WithStatus(status func(ctx context.Context) string) Option {
	return func(opts *agentOptions) {
		opts.internalOpts = append(opts.internalOpts, agent.WithStatus(status))
	}
}

// WithMetricsRegistry registers the transport and dispatch metrics with reg.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(opts *agentOptions) {
		opts.internalOpts = append(opts.internalOpts, agent.WithMetricsRegistry(reg))
	}
}
