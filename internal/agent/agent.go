package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/TimSimpsonR/sneaky-pete-sub001/config"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqp"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/rpc"
	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
	"github.com/TimSimpsonR/sneaky-pete-sub001/storage"
)

// Version is reported by get_diagnostics and the startup banner.
const Version = "1.0.0"

// Agent is a guest agent: it answers RPC requests on its topic and reports its status
// to the conductor.
type Agent struct {
	cfg      config.AgentConfig
	log      logger.Logger
	handlers []MessageHandler
	status   StatusFunc
	clock    clock.Clock
	opener   rpc.Opener
	store    storage.StorageProvider

	rpcMetrics *rpc.Metrics
	metrics    *Metrics

	started time.Time
	ready   atomic.Bool
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithLogger sets the logger. Without it a StdLogger built from the logging config is used.
func WithLogger(l logger.Logger) AgentOption {
	return func(a *Agent) {
		a.log = l
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg config.AgentConfig) AgentOption {
	return func(a *Agent) {
		a.cfg = cfg
	}
}

// WithHandlers adds message handlers. They are asked before the built-in ones.
func WithHandlers(handlers ...MessageHandler) AgentOption {
	return func(a *Agent) {
		a.handlers = append(a.handlers, handlers...)
	}
}

// WithStatus sets how the heartbeat learns the service status.
func WithStatus(status StatusFunc) AgentOption {
	return func(a *Agent) {
		if status != nil {
			a.status = status
		}
	}
}

// WithMetricsRegistry registers the agent and transport metrics with reg.
func WithMetricsRegistry(reg prometheus.Registerer) AgentOption {
	return func(a *Agent) {
		a.rpcMetrics = rpc.NewMetrics(reg)
		a.metrics = NewMetrics(reg)
	}
}

// WithClock replaces the clock used for reconnect waits and the heartbeat.
func WithClock(clk clock.Clock) AgentOption {
	return func(a *Agent) {
		a.clock = clk
	}
}

// WithOpener replaces how broker connections are opened.
func WithOpener(open rpc.Opener) AgentOption {
	return func(a *Agent) {
		a.opener = open
	}
}

// WithJournalStore backs the reply journal with provider instead of the configured one.
func WithJournalStore(provider storage.StorageProvider) AgentOption {
	return func(a *Agent) {
		a.store = provider
	}
}

// NewAgent creates an agent with the provided options.
func NewAgent(opts ...AgentOption) *Agent {
	a := &Agent{
		cfg:     config.Default(),
		status:  func(context.Context) string { return "running" },
		clock:   clock.WallClock,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = NewLogger(a.cfg.Logging, nil)
	}
	if a.opener == nil {
		a.opener = rpc.DialOpener(a.amqpOptions(), a.log)
	}
	return a
}

func (a *Agent) amqpOptions() amqp.Options {
	r := a.cfg.Rabbit
	return amqp.Options{
		Host:         r.Host,
		Port:         r.Port,
		UserID:       r.UserID,
		Password:     r.Password,
		ClientMemory: r.ClientMemory,
		DialTimeout:  time.Duration(r.DialTimeoutSeconds) * time.Second,
		FrameLogging: a.cfg.Logging.FrameLogging,
	}
}

// Logger returns the agent's logger.
func (a *Agent) Logger() logger.Logger {
	return a.log
}

// IsReady reports whether the agent is connected and receiving requests.
func (a *Agent) IsReady() bool {
	return a.ready.Load()
}

func (a *Agent) dispatcher() *Dispatcher {
	handlers := append([]MessageHandler{}, a.handlers...)
	handlers = append(handlers, DiagnosticsHandler{Version: Version, Started: a.started})
	return NewDispatcher(a.log, a.metrics, handlers...)
}

// RunMessage runs a single JSON request without connecting to the broker.
func (a *Agent) RunMessage(ctx context.Context, msg []byte) (rpc.GuestOutput, error) {
	return a.dispatcher().RunJSON(ctx, msg)
}

// Run connects to the broker and serves requests until ctx is cancelled. A cancelled
// ctx is a clean shutdown and returns nil.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("Sneaky Pete guest agent v%s starting, topic %s", Version, a.cfg.Topic())

	journal, closeJournal, err := a.openJournal()
	if err != nil {
		return err
	}
	defer closeJournal()
	for _, id := range journal.Unfinished() {
		a.log.Warn("Request %s was interrupted before its reply was sent", id)
	}

	opts := rpc.ResilientOptions{
		Open:     a.opener,
		Schedule: a.cfg.ReconnectSchedule(),
		Clock:    a.clock,
		Log:      a.log,
		Metrics:  a.rpcMetrics,
	}

	a.log.Info("Connecting to the conductor queue %s", a.cfg.ConductorQueue)
	sender, err := rpc.NewResilientSender(ctx, opts, a.cfg.ConductorQueue, a.cfg.ControlExchange, a.cfg.GuestID)
	if err != nil {
		return shutdownError(ctx, err)
	}
	defer sender.Close()

	receiver, err := rpc.NewResilientReceiver(ctx, opts, a.cfg.Topic(), a.cfg.ControlExchange, journal)
	if err != nil {
		return shutdownError(ctx, err)
	}
	defer receiver.Close()

	tasker := NewTasker(sender, a.status, a.cfg.PeriodicInterval(), a.clock, a.log, a.metrics)
	dispatcher := a.dispatcher()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tasker.Run(gctx) })
	g.Go(func() error { return dispatcher.MessageLoop(gctx, receiver) })

	a.ready.Store(true)
	err = g.Wait()
	a.ready.Store(false)
	a.log.Info("Shutting down Sneaky Pete.")
	return shutdownError(ctx, err)
}

func shutdownError(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}

func (a *Agent) openJournal() (*rpc.Journal, func(), error) {
	provider := a.store
	if provider == nil {
		cfg := a.cfg.Journal
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		switch cfg.Type {
		case config.StorageTypeNone:
			a.log.Info("Reply journal disabled")
			return nil, func() {}, nil
		case config.StorageTypeMemory:
			provider = storage.NewBuntDBProvider(":memory:")
			a.log.Info("Using in-memory reply journal")
		case config.StorageTypeBuntDB:
			provider = storage.NewBuntDBProvider(cfg.Path)
			a.log.Info("Using reply journal at: %s", cfg.Path)
		}
	}
	if err := provider.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("initializing reply journal: %w", err)
	}
	closeJournal := func() {
		if err := provider.Close(); err != nil {
			a.log.Warn("Closing reply journal: %v", err)
		}
	}
	return rpc.NewJournal(provider, a.cfg.Journal.Retention(), a.log), closeJournal, nil
}
