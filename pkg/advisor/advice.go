package advisor

import (
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/formula"
	"github.com/dbtuneai/memadvisor/pkg/heuristics"
	"github.com/dbtuneai/memadvisor/pkg/metrics"
)

const (
	// ApplicationAllocatedKey is the device limit entry holding the bytes the
	// stress test managed to allocate before failure.
	ApplicationAllocatedKey = "applicationAllocated"
	// PredictedParam is the formula parameter bound to an externally supplied
	// prediction.
	PredictedParam = "predictedUsage"

	baselinePrefix = "baseline."
	formulaTrigger = "formula"
)

// Warning is one fired rule. Trigger names the metric, flag or "formula";
// Spec carries the configuration that fired.
type Warning struct {
	Trigger string           `json:"trigger"`
	Level   heuristics.Level `json:"level"`
	Spec    interface{}      `json:"spec,omitempty"`
}

type Meta struct {
	Duration int64 `json:"duration"`
}

// Advice is the outcome of one advisory cycle.
type Advice struct {
	Warnings    []Warning        `json:"warnings,omitempty"`
	Predictions map[string]int64 `json:"predictions,omitempty"`
	Metrics     metrics.Tree     `json:"metrics"`
	Meta        *Meta            `json:"meta,omitempty"`
}

// Input is everything GetAdvice reads. Only Metrics is required; rules whose
// readings are missing are skipped.
type Input struct {
	Metrics        metrics.Tree
	Baseline       metrics.Tree
	DeviceBaseline metrics.Tree
	DeviceLimit    metrics.Tree
	Rules          heuristics.Set

	// Evaluator compiles formula rules. Formulas are skipped when nil.
	Evaluator *formula.Evaluator
	// PredictedLimit is exposed to formulas as predictedUsage when set.
	PredictedLimit *float64
	// TryAlloc performs the trial allocation of the try rule.
	TryAlloc func(bytes int64) bool
	Logger   *log.Logger
}

// GetAdvice turns one metric snapshot into warnings and predictions.
func GetAdvice(in Input) Advice {
	start := time.Now()
	advice := Advice{Metrics: in.Metrics}

	advice.Warnings = append(advice.Warnings, flagWarnings(in)...)

	for _, rule := range in.Rules.Rules {
		values, ok := readValues(in, rule.Metric)
		if !ok {
			continue
		}
		if w, ok := checkRule(rule, values); ok {
			advice.Warnings = append(advice.Warnings, w)
		}
	}

	if in.Evaluator != nil {
		advice.Warnings = append(advice.Warnings, formulaWarnings(in)...)
	}

	if allocated, ok := in.DeviceLimit.Number(ApplicationAllocatedKey); ok {
		advice.Predictions = predict(in, allocated)
		advice.Meta = &Meta{Duration: time.Since(start).Milliseconds()}
	}
	return advice
}

func flagWarnings(in Input) []Warning {
	var out []Warning
	flags := in.Rules.Flags
	if flags.Try > 0 && in.TryAlloc != nil && !in.TryAlloc(flags.Try) {
		out = append(out, Warning{Trigger: heuristics.TryKey, Level: heuristics.Red, Spec: flags.Try})
	}
	if flags.LowMemory && in.Metrics.Bool(heuristics.LowMemoryKey) {
		out = append(out, Warning{Trigger: heuristics.LowMemoryKey, Level: heuristics.Red, Spec: true})
	}
	if flags.MapTester && in.Metrics.Bool(heuristics.MapTesterKey) {
		out = append(out, Warning{Trigger: heuristics.MapTesterKey, Level: heuristics.Red, Spec: true})
	}
	if flags.OnTrim {
		if level, ok := in.Metrics.Number(heuristics.OnTrimKey); ok && level > 0 {
			out = append(out, Warning{Trigger: heuristics.OnTrimKey, Level: heuristics.Red, Spec: true})
		}
	}
	return out
}

func readValues(in Input, key string) (heuristics.Values, bool) {
	var v heuristics.Values
	var ok bool
	if v.Metric, ok = in.Metrics.Number(key); !ok {
		return v, false
	}
	if v.Baseline, ok = in.Baseline.Number(key); !ok {
		return v, false
	}
	if v.DeviceLimit, ok = in.DeviceLimit.Number(key); !ok {
		return v, false
	}
	if v.DeviceBaseline, ok = in.DeviceBaseline.Number(key); !ok {
		return v, false
	}
	return v, true
}

// checkRule keeps the most severe level reached by any trigger of the rule;
// on equal levels the first configured trigger is reported.
func checkRule(rule heuristics.Rule, values heuristics.Values) (Warning, bool) {
	var (
		best  Warning
		found bool
	)
	for _, trigger := range rule.Triggers {
		level, ok := trigger.Check(values)
		if !ok {
			continue
		}
		if !found || level.Severity() > best.Level.Severity() {
			best = Warning{
				Trigger: rule.Metric,
				Level:   level,
				Spec:    map[string]interface{}{trigger.Kind(): trigger},
			}
			found = true
		}
		if level == heuristics.Red {
			break
		}
	}
	return best, found
}

func formulaWarnings(in Input) []Warning {
	lookup := func(name string) (float64, error) {
		if name == PredictedParam && in.PredictedLimit != nil {
			return *in.PredictedLimit, nil
		}
		tree := in.Metrics
		if strings.HasPrefix(name, baselinePrefix) {
			tree = in.Baseline
			name = strings.TrimPrefix(name, baselinePrefix)
		}
		if v, ok := tree.Number(name); ok {
			return v, nil
		}
		return 0, &formula.LookupError{Name: name}
	}

	var out []Warning
	for _, f := range in.Rules.Formulas {
		fired, err := in.Evaluator.EvaluateBoolean(f.Expr, lookup)
		if err != nil {
			if in.Logger != nil {
				in.Logger.Warnf("skipping formula %q: %v", f.Expr, err)
			}
			continue
		}
		if fired {
			out = append(out, Warning{Trigger: formulaTrigger, Level: f.Level, Spec: f.Expr})
		}
	}
	return out
}

func predict(in Input, allocated float64) map[string]int64 {
	out := make(map[string]int64)
	for _, key := range in.Rules.Predictions {
		values, ok := readValues(in, key)
		if !ok {
			continue
		}
		deviceDelta := values.DeviceLimit - values.DeviceBaseline
		if deviceDelta == 0 {
			continue
		}
		percentage := (values.Metric - values.Baseline) / deviceDelta
		out[key] = int64(allocated * (1 - percentage))
	}
	return out
}

// AvailabilityEstimate is the smallest prediction, the number of bytes it
// should be safe to allocate. It is 0 when nothing was predicted.
func AvailabilityEstimate(advice Advice) int64 {
	if len(advice.Predictions) == 0 {
		return 0
	}
	smallest := int64(math.MaxInt64)
	for _, v := range advice.Predictions {
		if v < smallest {
			smallest = v
		}
	}
	return smallest
}

func AnyWarnings(advice Advice) bool {
	return len(advice.Warnings) > 0
}

func AnyRedWarnings(advice Advice) bool {
	for _, w := range advice.Warnings {
		if w.Level == heuristics.Red {
			return true
		}
	}
	return false
}
