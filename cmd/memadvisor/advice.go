package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbtuneai/memadvisor/pkg/advisor"
	"github.com/dbtuneai/memadvisor/pkg/events"
	"github.com/dbtuneai/memadvisor/pkg/profile"
	"github.com/dbtuneai/memadvisor/pkg/runner"
)

func adviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advice",
		Short: "Print memory advice once",
		Long: "Collect metrics once and print the advice as JSON.\n\n" +
			"Device limits come from the device table or, when it is unusable and the\n" +
			"stress test is enabled, from a stress test run first.",
		Args: cobra.NoArgs,
		RunE: runAdvice,
	}
	cmd.Flags().Bool("state", false, "Print only the memory state")
	return cmd
}

func runAdvice(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	commonAgent := newAgent(cmd, opts)
	logger := commonAgent.Logger()
	ctx := cmd.Context()

	built, err := runner.NewAdvisor(opts, logger)
	if err != nil {
		return err
	}
	fingerprint := runner.Fingerprint(opts)
	needStress, err := runner.PrepareDevice(ctx, built.Advisor, opts, commonAgent.APIClient, fingerprint, logger)
	if err != nil {
		return err
	}
	if needStress {
		result := runner.NewStressTest(opts, workerArgs(cmd), logger).Run(ctx)
		if !runner.ApplyStressResult(built.Advisor, fingerprint, result, logger) {
			return errors.New("on-device stress test produced no limits")
		}
	}

	advice, err := built.Advisor.GetAdvice(ctx)
	if err != nil {
		return err
	}
	state := advisor.State(advice, false)
	if only, _ := cmd.Flags().GetBool("state"); only {
		fmt.Fprintln(cmd.OutOrStdout(), state)
		return nil
	}
	payload, _ := events.Payload(events.NewAdviceEvent(advice, state))
	return printJSON(cmd, payload)
}

func matchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match this device against the device table",
		Args:  cobra.NoArgs,
		RunE:  runMatch,
	}
	cmd.Flags().String("strategy", "", "Override matchStrategy (fingerprint or baseline)")
	cmd.Flags().String("fingerprint", "", "Match this fingerprint instead of the host's")
	cmd.Flags().Bool("json", false, "Print the matched profile and baseline as JSON")
	return cmd
}

func runMatch(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	if s, _ := cmd.Flags().GetString("strategy"); s != "" {
		opts.MatchStrategy = s
	}
	if fp, _ := cmd.Flags().GetString("fingerprint"); fp != "" {
		opts.Fingerprint = fp
	}
	commonAgent := newAgent(cmd, opts)
	ctx := cmd.Context()

	table, err := opts.DeviceTable.Load(ctx, commonAgent.APIClient)
	if err != nil {
		return err
	}
	built, err := runner.NewAdvisor(opts, commonAgent.Logger())
	if err != nil {
		return err
	}
	fingerprint := runner.Fingerprint(opts)
	key, err := built.Advisor.MatchDevice(ctx, table, profile.Strategy(opts.MatchStrategy), fingerprint)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd, built.Advisor.DeviceInfo())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "fingerprint: %s\nmatch: %s\n", fingerprint, key)
	return nil
}

func stressCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Learn this device's limits with an on-device stress test",
		Long: "Start a worker process that allocates memory until it fails or is killed\n" +
			"and print the learned baseline and limit.\n\n" +
			"With --output the result is added to a device table file under this\n" +
			"device's fingerprint.",
		Args: cobra.NoArgs,
		RunE: runStress,
	}
	cmd.Flags().String("output", "", "Device table file (.json, .yaml) to add the result to")
	return cmd
}

func runStress(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	commonAgent := newAgent(cmd, opts)
	logger := commonAgent.Logger()

	result := runner.NewStressTest(opts, workerArgs(cmd), logger).Run(cmd.Context())
	if err := printJSON(cmd, result); err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		return nil
	}
	if result.Baseline == nil || result.Limit == nil {
		return errors.New("stress test produced no limits, nothing to save")
	}
	table := profile.Table{}
	if _, err := os.Stat(output); err == nil {
		if table, err = profile.LoadFile(output); err != nil {
			return err
		}
	}
	if table == nil {
		table = profile.Table{}
	}
	fingerprint := runner.Fingerprint(opts)
	table[fingerprint] = profile.EntryFrom(fingerprint, result.Baseline, result.Limit)
	if err := profile.Save(output, table); err != nil {
		return fmt.Errorf("failed to save device table: %w", err)
	}
	logger.Infof("Saved limits for %s to %s", fingerprint, output)
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
