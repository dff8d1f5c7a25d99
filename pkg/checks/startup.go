package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/dbtuneai/memadvisor/pkg/config"
	"github.com/dbtuneai/memadvisor/pkg/formula"
	"github.com/dbtuneai/memadvisor/pkg/internal/utils"
	"github.com/dbtuneai/memadvisor/pkg/runner"
)

const tableTimeout = 30 * time.Second

// CheckStartupRequirements verifies the configuration and that device limits
// can be obtained. Returns nil if all checks pass, or an error describing the
// first failure.
func CheckStartupRequirements(ctx context.Context, opts config.Options, client *retryablehttp.Client) error {
	if err := utils.ValidateStruct(&opts); err != nil {
		return err
	}

	rules, err := opts.Rules()
	if err != nil {
		return fmt.Errorf("invalid heuristics: %w", err)
	}
	eval := formula.New()
	for _, f := range rules.Formulas {
		if _, err := eval.CompileBoolean(f.Expr); err != nil {
			return fmt.Errorf("invalid %s formula: %w", f.Level, err)
		}
	}

	if !opts.DeviceTable.Configured() {
		if !opts.StressTest.Enabled {
			return runner.ErrNoDeviceSource
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, tableTimeout)
	defer cancel()
	table, err := opts.DeviceTable.Load(ctx, client)
	if err == nil && len(table) == 0 {
		err = fmt.Errorf("device table is empty")
	}
	if err != nil && !opts.StressTest.Enabled {
		return fmt.Errorf("device table unusable and on-device stress test disabled: %w", err)
	}
	return nil
}
