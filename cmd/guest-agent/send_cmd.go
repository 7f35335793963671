package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/agent"
	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/rpcclient"
)

func newSendCmd(root *rootOptions) *cobra.Command {
	var (
		guestID string
		topic   string
		method  string
		rawArgs string
		cast    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send an RPC request to a guest and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if guestID != "" {
				cfg.GuestID = guestID
			}
			if topic == "" {
				if cfg.GuestID == "" {
					return errors.New("one of --guest-id or --topic is required")
				}
				topic = cfg.Topic()
			}

			requestArgs := map[string]any{}
			if err := json.Unmarshal([]byte(rawArgs), &requestArgs); err != nil {
				return fmt.Errorf("invalid --args: %w", err)
			}

			log := agent.NewLogger(cfg.Logging, cmd.ErrOrStderr())
			client, err := rpcclient.Dial(rpcclient.URL(cfg.Rabbit), cfg.ControlExchange, log)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if cast {
				if err := client.Cast(ctx, topic, method, requestArgs); err != nil {
					return err
				}
				log.Info("Sent %s to %s", method, topic)
				return nil
			}
			out, err := client.Call(ctx, topic, method, requestArgs)
			if err != nil {
				return fmt.Errorf("calling %s on %s: %w", method, topic, err)
			}
			return writeReply(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&guestID, "guest-id", "", "Guest id; the request goes to guestagent.<guest id>")
	cmd.Flags().StringVar(&topic, "topic", "", "Routing key to publish to (overrides --guest-id)")
	cmd.Flags().StringVar(&method, "method", "", "RPC method name (required)")
	cmd.Flags().StringVar(&rawArgs, "args", "{}", "Method arguments as a JSON object")
	cmd.Flags().BoolVar(&cast, "cast", false, "Do not wait for a reply")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the reply")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}
