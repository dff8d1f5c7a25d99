// Package advisor combines live metrics, the process baseline and the device
// limits into memory advice.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/formula"
	"github.com/dbtuneai/memadvisor/pkg/heuristics"
	"github.com/dbtuneai/memadvisor/pkg/metrics"
	"github.com/dbtuneai/memadvisor/pkg/profile"
)

// ErrNotReady is returned while no device limits are known, i.e. before the
// static table match or the stress test has completed.
var ErrNotReady = errors.New("advisor is not ready: device limits unavailable")

// Collector produces one metric snapshot.
type Collector interface {
	Collect(ctx context.Context) (metrics.Tree, error)
}

// MapTester reports repeated allocation probe failures.
type MapTester interface {
	Warning() bool
	Reset()
}

type Options struct {
	Logger    *log.Logger
	Collector Collector
	// BaselineCollector gathers the baseline snapshot, Collector when nil.
	BaselineCollector Collector
	Rules             heuristics.Set
	// Evaluator defaults to a fresh formula.New().
	Evaluator *formula.Evaluator
	TryAlloc  func(bytes int64) bool
	MapTester MapTester
}

// Advisor is the stateful side of the engine. It owns the lazily captured
// baseline and the device limits; each GetAdvice call collects fresh metrics.
type Advisor struct {
	logger            *log.Logger
	collector         Collector
	baselineCollector Collector
	rules             heuristics.Set
	evaluator         *formula.Evaluator
	tryAlloc          func(int64) bool
	mapTester         MapTester

	mu           sync.Mutex
	baseline     metrics.Tree
	deviceKey    string
	device       *profile.Entry
	backgrounded bool
	onTrim       int
	predicted    *float64
}

func New(opts Options) *Advisor {
	a := &Advisor{
		logger:            opts.Logger,
		collector:         opts.Collector,
		baselineCollector: opts.BaselineCollector,
		rules:             opts.Rules,
		evaluator:         opts.Evaluator,
		tryAlloc:          opts.TryAlloc,
		mapTester:         opts.MapTester,
	}
	if a.logger == nil {
		a.logger = log.New()
	}
	if a.baselineCollector == nil {
		a.baselineCollector = a.collector
	}
	if a.evaluator == nil {
		a.evaluator = formula.New()
	}
	return a
}

func (a *Advisor) Logger() *log.Logger {
	return a.logger
}

// Baseline returns the process baseline, collecting it on first use.
func (a *Advisor) Baseline(ctx context.Context) (metrics.Tree, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.baselineLocked(ctx)
}

func (a *Advisor) baselineLocked(ctx context.Context) (metrics.Tree, error) {
	if a.baseline != nil {
		return a.baseline, nil
	}
	tree, err := a.baselineCollector.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect baseline: %w", err)
	}
	a.baseline = tree
	a.logger.Debug("baseline captured")
	return a.baseline, nil
}

// MatchDevice selects the device limits from a static table.
func (a *Advisor) MatchDevice(ctx context.Context, table profile.Table, strategy profile.Strategy, fingerprint string) (string, error) {
	baseline, err := a.Baseline(ctx)
	if err != nil {
		return "", err
	}
	key, err := profile.Match(table, strategy, fingerprint, baseline)
	if err != nil {
		return "", err
	}
	a.SetDeviceLimits(key, table[key])
	a.logger.Infof("matched device profile %q using %s strategy", key, strategy)
	return key, nil
}

// SetDeviceLimits installs device limits, typically from a stress test.
func (a *Advisor) SetDeviceLimits(key string, entry profile.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deviceKey = key
	a.device = &entry
}

func (a *Advisor) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device != nil
}

func (a *Advisor) SetBackgrounded(backgrounded bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backgrounded = backgrounded
}

func (a *Advisor) Backgrounded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backgrounded
}

// SetOnTrim records a trim request. The highest level since the last advice
// is reported once and then cleared.
func (a *Advisor) SetOnTrim(level int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if level > a.onTrim {
		a.onTrim = level
	}
}

// SetPrediction binds an externally computed prediction to formulas.
func (a *Advisor) SetPrediction(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.predicted = &v
}

// GetAdvice collects metrics and evaluates every rule against them.
func (a *Advisor) GetAdvice(ctx context.Context) (Advice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.device == nil {
		return Advice{}, ErrNotReady
	}
	baseline, err := a.baselineLocked(ctx)
	if err != nil {
		return Advice{}, err
	}
	tree, err := a.collector.Collect(ctx)
	if err != nil {
		return Advice{}, fmt.Errorf("failed to collect metrics: %w", err)
	}
	a.annotate(tree)

	return GetAdvice(Input{
		Metrics:        tree,
		Baseline:       baseline,
		DeviceBaseline: a.device.Baseline,
		DeviceLimit:    a.device.Limit,
		Rules:          a.rules,
		Evaluator:      a.evaluator,
		PredictedLimit: a.predicted,
		TryAlloc:       a.tryAlloc,
		Logger:         a.logger,
	}), nil
}

// annotate adds the process-level signals that are not read from the OS.
func (a *Advisor) annotate(tree metrics.Tree) {
	if a.mapTester != nil && a.mapTester.Warning() {
		tree[heuristics.MapTesterKey] = true
		a.mapTester.Reset()
	}
	if a.backgrounded {
		tree["backgrounded"] = true
	}
	if a.onTrim > 0 {
		tree[heuristics.OnTrimKey] = a.onTrim
		a.onTrim = 0
	}
}

// MemoryState collects fresh advice and reduces it.
func (a *Advisor) MemoryState(ctx context.Context) (MemoryState, error) {
	advice, err := a.GetAdvice(ctx)
	if err != nil {
		return StateUnknown, err
	}
	return State(advice, a.Backgrounded()), nil
}

type DeviceInfo struct {
	Baseline  metrics.Tree   `json:"baseline"`
	DeviceKey string         `json:"deviceKey,omitempty"`
	Device    *profile.Entry `json:"deviceProfile,omitempty"`
	Rules     int            `json:"rules"`
	Formulas  int            `json:"formulas"`
}

// DeviceInfo describes what the advisor is working from.
func (a *Advisor) DeviceInfo() DeviceInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return DeviceInfo{
		Baseline:  a.baseline,
		DeviceKey: a.deviceKey,
		Device:    a.device,
		Rules:     len(a.rules.Rules),
		Formulas:  len(a.rules.Formulas),
	}
}
