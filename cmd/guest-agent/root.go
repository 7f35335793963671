package main

import (
	"github.com/spf13/cobra"

	"github.com/TimSimpsonR/sneaky-pete-sub001/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "guest-agent",
		Short:         "Sneaky Pete database guest agent",
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML config file (environment variables override it)")
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newSendCmd(opts))
	return cmd
}

func (o *rootOptions) load() (config.AgentConfig, error) {
	return config.Load(o.configPath)
}
