package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/dbtuneai/memadvisor/pkg/collector"
	"github.com/dbtuneai/memadvisor/pkg/formula"
	"github.com/dbtuneai/memadvisor/pkg/metrics"
)

func evalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval <formula>",
		Short: "Evaluate a heuristics formula",
		Long: "Evaluate a boolean (\"A > B\", \"A < B\") or numeric formula.\n\n" +
			"Parameters are taken from --var, then with --live from this process's\n" +
			"current metrics.\n\n" +
			"Examples:\n" +
			"  memadvisor eval 'VmRSS > 1000' --var VmRSS=2048\n" +
			"  memadvisor eval 'MemAvailable / 1048576' --live",
		Args: cobra.ExactArgs(1),
		RunE: runEval,
	}
	cmd.Flags().StringToString("var", nil, "Parameter values as name=value")
	cmd.Flags().Bool("live", false, "Resolve remaining parameters from current metrics")
	return cmd
}

func runEval(cmd *cobra.Command, args []string) error {
	vars, _ := cmd.Flags().GetStringToString("var")
	values := make(map[string]float64, len(vars))
	for name, raw := range vars {
		v, err := cast.ToFloat64E(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
		values[name] = v
	}

	var live metrics.Tree
	if on, _ := cmd.Flags().GetBool("live"); on {
		opts, err := loadOptions(cmd)
		if err != nil {
			return err
		}
		commonAgent := newAgent(cmd, opts)
		c := collector.New(opts.Metrics.Variable, int32(os.Getpid()), commonAgent.Logger())
		if live, err = c.Collect(cmd.Context()); err != nil {
			return err
		}
	}

	lookup := func(name string) (float64, error) {
		if v, ok := values[name]; ok {
			return v, nil
		}
		if v, ok := live.Number(name); ok {
			return v, nil
		}
		return 0, &formula.LookupError{Name: name}
	}

	expr := args[0]
	eval := formula.New()
	if strings.ContainsAny(expr, "<>") {
		ok, err := eval.EvaluateBoolean(expr, lookup)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ok)
		return nil
	}
	v, err := eval.EvaluateNumber(expr, lookup)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), cast.ToString(v))
	return nil
}
