package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dbtuneai/memadvisor/pkg/checks"
	"github.com/dbtuneai/memadvisor/pkg/runner"
)

func watchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch memory and stream advice to the configured sinks",
		Long: "Watch this process's memory until interrupted.\n\n" +
			"Advice and state changes go to the configured sinks; with server.listen set\n" +
			"they are also served over HTTP (/advice, /state, /device, /metrics, /stream).",
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
	cmd.Flags().Bool("skip-checks", false, "Skip the startup requirement checks")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	commonAgent := newAgent(cmd, opts)
	logger := commonAgent.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if skip, _ := cmd.Flags().GetBool("skip-checks"); !skip {
		if err := checks.CheckStartupRequirements(ctx, opts, commonAgent.APIClient); err != nil {
			return fmt.Errorf("startup checks failed: %w", err)
		}
	}

	logger.Infof("Starting memadvisor %s", commonAgent.Version)
	if err := runner.Run(ctx, commonAgent, opts, workerArgs(cmd)); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
