package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dbtuneai/memadvisor/pkg/collector"
	"github.com/dbtuneai/memadvisor/pkg/metrics"
	"github.com/dbtuneai/memadvisor/pkg/stresstest"
)

// workerCommand is the stress test worker. The coordinator talks to it over
// stdin and stdout, so it must not print anything else there.
func workerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the stress test worker on stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runWorker,
	}
	cmd.Flags().String("max-bytes", "", "Fail allocations beyond this total (e.g. 512M), overrides onDeviceStressTest.maxBytes")
	return cmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	commonAgent := newAgent(cmd, opts)
	logger := commonAgent.Logger()

	maxBytes := opts.StressTest.CeilingBytes
	if s, _ := cmd.Flags().GetString("max-bytes"); s != "" {
		if maxBytes, err = metrics.ParseQuantity(s); err != nil {
			return err
		}
	}

	c := collector.New(opts.Metrics.Variable, int32(os.Getpid()), logger)
	return stresstest.Serve(cmd.Context(), os.Stdin, os.Stdout, stresstest.ServeOptions{
		Collect:  c.Collect,
		MaxBytes: maxBytes,
		Logger:   logger,
	})
}
