package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	sneakypete "github.com/TimSimpsonR/sneaky-pete-sub001"
	"github.com/TimSimpsonR/sneaky-pete-sub001/config"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/agent"
	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		message string
		guestID string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the guest agent until interrupted",
		Long: "Connects to the message bus, serves RPC requests sent to guestagent.<guest id> and\n" +
			"sends a heartbeat to the conductor every periodic interval. With --message a single\n" +
			"request is run locally and its reply printed, without connecting.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if guestID != "" {
				cfg.GuestID = guestID
			}

			if message != "" {
				return runMessage(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, message)
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cmd.ErrOrStderr(), cfg)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", `Run one JSON request, e.g. '{"method": "get_diagnostics", "args": {}}'`)
	cmd.Flags().StringVar(&guestID, "guest-id", "", "Guest id (overrides the config file and GUEST_ID)")
	return cmd
}

func runMessage(ctx context.Context, stdout, stderr io.Writer, cfg config.AgentConfig, message string) error {
	a := sneakypete.NewAgent(
		sneakypete.WithConfig(cfg),
		sneakypete.WithLogger(agent.NewLogger(cfg.Logging, stderr)),
	)
	out, err := a.RunMessage(ctx, []byte(message))
	if err != nil {
		return err
	}
	return writeReply(stdout, out)
}

func runDaemon(ctx context.Context, stderr io.Writer, cfg config.AgentConfig) error {
	w := stderr
	if cfg.Logging.FilePath != "" {
		f, err := os.OpenFile(cfg.Logging.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		w = f
	}
	log := agent.NewLogger(cfg.Logging, w)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := sneakypete.NewAgent(
		sneakypete.WithConfig(cfg),
		sneakypete.WithLogger(log),
		sneakypete.WithMetricsRegistry(reg),
	)

	if cfg.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.MetricsAddr, reg, log)
		defer stopMetrics()
	}
	return a.Run(ctx)
}

// serveMetrics exposes reg on /metrics and returns a function that stops the server.
func serveMetrics(addr string, reg *prometheus.Registry, log logger.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err("Metrics server failed: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("Stopping metrics server: %v", err)
		}
	}
}
