package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbtuneai/memadvisor/pkg/agent"
	"github.com/dbtuneai/memadvisor/pkg/config"
	"github.com/dbtuneai/memadvisor/pkg/version"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memadvisor",
		Short: "Advises a process on how close it is to the device memory limit",
		Long: `memadvisor watches this process's memory counters, compares them with the
limits of the device it runs on and reports warnings, a memory state and how
much more memory can likely be allocated.

Device limits come from a lookup table (file, URL or Postgres) or are learned
with an on-device stress test.

Quick start:
  memadvisor watch --config memadvisor.yaml   # stream advice to the sinks
  memadvisor advice                           # print advice once
  memadvisor stress --output devices.yaml     # learn this device's limits`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to the config file (default ./memadvisor.yaml)")
	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	cmd.AddCommand(watchCommand())
	cmd.AddCommand(adviceCommand())
	cmd.AddCommand(matchCommand())
	cmd.AddCommand(stressCommand())
	cmd.AddCommand(workerCommand())
	cmd.AddCommand(evalCommand())
	cmd.AddCommand(versionCommand())

	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadOptions reads the config named by --config and applies --debug.
func loadOptions(cmd *cobra.Command) (config.Options, error) {
	path, _ := cmd.Flags().GetString("config")
	opts, err := config.Load(path)
	if err != nil {
		return config.Options{}, err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		opts.Debug = true
	}
	return opts, nil
}

func newAgent(cmd *cobra.Command, opts config.Options) *agent.CommonAgent {
	return agent.CreateCommonAgent(agent.Options{
		Debug:  opts.Debug,
		APIKey: opts.Sinks.APIKey,
		Output: cmd.ErrOrStderr(),
	})
}

// workerArgs re-execute this binary as a stress test worker with the same
// config.
func workerArgs(cmd *cobra.Command) []string {
	args := []string{"worker"}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		args = append(args, "--config", path)
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		args = append(args, "--debug")
	}
	return args
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.GetVersion())
		},
	}
}
