package runner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/advisor"
	"github.com/dbtuneai/memadvisor/pkg/collector"
	"github.com/dbtuneai/memadvisor/pkg/config"
	"github.com/dbtuneai/memadvisor/pkg/metrics"
	"github.com/dbtuneai/memadvisor/pkg/probe"
	"github.com/dbtuneai/memadvisor/pkg/profile"
	"github.com/dbtuneai/memadvisor/pkg/stresstest"
)

// ErrNoDeviceSource means neither a device table nor the stress test can
// provide device limits.
var ErrNoDeviceSource = errors.New("no device table configured and on-device stress test disabled")

// Built is an advisor together with the optional map tester feeding it.
type Built struct {
	Advisor   *advisor.Advisor
	MapTester *probe.MapTester
}

// NewAdvisor builds an advisor over this process's metrics as selected by
// the metrics block of opts.
func NewAdvisor(opts config.Options, logger *log.Logger) (Built, error) {
	rules, err := opts.Rules()
	if err != nil {
		return Built{}, err
	}

	pid := int32(os.Getpid())
	live := collector.New(opts.Metrics.Variable, pid, logger)
	baselineFields := opts.Metrics.Baseline
	if len(baselineFields) == 0 {
		baselineFields = opts.Metrics.Variable
	}
	baseline := collector.WithConstant{
		Base:     collector.New(baselineFields, pid, logger),
		Constant: collector.New(opts.Metrics.Constant, pid, logger),
	}

	advOpts := advisor.Options{
		Logger:            logger,
		Collector:         live,
		BaselineCollector: baseline,
		Rules:             rules,
		TryAlloc:          probe.TryAlloc,
	}
	built := Built{}
	if opts.MapTester.SizeBytes > 0 {
		built.MapTester = probe.NewMapTester(opts.MapTester.SizeBytes, opts.MapTester.Interval, logger)
		advOpts.MapTester = built.MapTester
	}
	built.Advisor = advisor.New(advOpts)
	return built, nil
}

// Fingerprint is the configured device fingerprint or the host's own.
func Fingerprint(opts config.Options) string {
	if opts.Fingerprint != "" {
		return opts.Fingerprint
	}
	return profile.HostFingerprint()
}

// DeviceMatcher is the part of *advisor.Advisor used to select limits from
// a table.
type DeviceMatcher interface {
	MatchDevice(ctx context.Context, table profile.Table, strategy profile.Strategy, fingerprint string) (string, error)
}

// PrepareDevice matches the device against the configured table. It reports
// true when limits must instead be learned with a stress test.
func PrepareDevice(ctx context.Context, m DeviceMatcher, opts config.Options, client *retryablehttp.Client, fingerprint string, logger *log.Logger) (bool, error) {
	if !opts.DeviceTable.Configured() {
		if opts.StressTest.Enabled {
			logger.Info("No device table configured, limits will come from the on-device stress test")
			return true, nil
		}
		return false, ErrNoDeviceSource
	}

	err := matchTable(ctx, m, opts, client, fingerprint)
	if err == nil {
		return false, nil
	}
	if opts.StressTest.Enabled {
		logger.Warnf("Device table unusable, falling back to the on-device stress test: %v", err)
		return true, nil
	}
	return false, err
}

func matchTable(ctx context.Context, m DeviceMatcher, opts config.Options, client *retryablehttp.Client, fingerprint string) error {
	table, err := opts.DeviceTable.Load(ctx, client)
	if err != nil {
		return err
	}
	if _, err := m.MatchDevice(ctx, table, profile.Strategy(opts.MatchStrategy), fingerprint); err != nil {
		return fmt.Errorf("failed to match device: %w", err)
	}
	return nil
}

// NewStressTest returns a coordinator that re-executes this binary with
// workerArgs.
func NewStressTest(opts config.Options, workerArgs []string, logger *log.Logger) *stresstest.Coordinator {
	return &stresstest.Coordinator{
		Worker:   &stresstest.ProcessWorker{Args: workerArgs, Logger: logger},
		Liveness: stresstest.ProcessAlive,
		Config:   opts.StressTest.Coordinator(),
		Logger:   logger,
	}
}

// LimitSetter receives learned limits.
type LimitSetter interface {
	SetDeviceLimits(key string, entry profile.Entry)
}

// ApplyStressResult installs the learned limits under fingerprint. It
// reports false when the worker died before reporting any.
func ApplyStressResult(s LimitSetter, fingerprint string, result stresstest.Result, logger *log.Logger) bool {
	if result.Baseline == nil || result.Limit == nil {
		logger.Errorf("On-device stress test produced no limits (timedOut=%t, failed=%t, killed=%t)",
			result.TimedOut, result.Failed, result.Killed)
		return false
	}
	s.SetDeviceLimits(fingerprint, profile.EntryFrom(fingerprint, result.Baseline, result.Limit))
	logger.Infof("Learned device limits after %d segments (%s)", result.Segments, describe(result.Limit))
	return true
}

func describe(limit metrics.Tree) string {
	if v, ok := limit.Number(stresstest.ApplicationAllocatedKey); ok {
		return metrics.FormatBytes(int64(v)) + " allocated"
	}
	return "allocation unknown"
}
