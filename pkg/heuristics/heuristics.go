// Package heuristics holds the decoded advisory rules: threshold triggers per
// metric, boolean formula rules and the unconditional red-only flags.
package heuristics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"

	"github.com/dbtuneai/memadvisor/pkg/metrics"
)

var errMissingThreshold = errors.New("missing threshold")

type Level string

const (
	// Red means the process is close to being killed and should release
	// memory immediately.
	Red Level = "red"
	// Yellow means further allocation should be avoided.
	Yellow Level = "yellow"
)

// Severity orders levels, higher is worse. Unknown levels rank below yellow.
func (l Level) Severity() int {
	switch l {
	case Red:
		return 2
	case Yellow:
		return 1
	}
	return 0
}

// Keys in the heuristics block that are not metric rules.
const (
	FormulasKey  = "formulas"
	TryKey       = "try"
	LowMemoryKey = "lowMemory"
	MapTesterKey = "mapTester"
	OnTrimKey    = "onTrim"
)

// Rule is the set of triggers configured for one metric.
type Rule struct {
	Metric   string
	Triggers []Trigger
}

// Formula is one boolean expression that raises a warning at Level.
type Formula struct {
	Level Level
	Expr  string
}

// Flags are the red-only rules evaluated without a baseline.
type Flags struct {
	// Try is the size of a trial allocation in bytes, 0 when disabled.
	Try       int64
	LowMemory bool
	MapTester bool
	OnTrim    bool
}

// Set is a decoded heuristics block plus the metrics to predict.
type Set struct {
	Rules       []Rule
	Formulas    []Formula
	Flags       Flags
	Predictions []string
}

type thresholdSpec struct {
	Red    interface{} `mapstructure:"red"`
	Yellow interface{} `mapstructure:"yellow"`
}

type ruleSpec struct {
	Fixed         *thresholdSpec `mapstructure:"fixed"`
	BaselineRatio *thresholdSpec `mapstructure:"baselineRatio"`
	DeltaLimit    *thresholdSpec `mapstructure:"deltaLimit"`
	Limit         *thresholdSpec `mapstructure:"limit"`
}

// Decode converts a raw heuristics block, as read from configuration, into a
// Set. Rules come out sorted by metric name and formulas by level, keeping the
// configured order within a level.
func Decode(raw map[string]interface{}) (Set, error) {
	var set Set
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		var err error
		switch key {
		case FormulasKey:
			set.Formulas, err = decodeFormulas(value)
		case TryKey:
			set.Flags.Try, err = metrics.ParseQuantity(value)
		case LowMemoryKey:
			set.Flags.LowMemory, err = enabled(value)
		case MapTesterKey:
			set.Flags.MapTester, err = enabled(value)
		case OnTrimKey:
			set.Flags.OnTrim, err = enabled(value)
		default:
			var rule Rule
			rule, err = decodeRule(key, value)
			if err == nil && len(rule.Triggers) > 0 {
				set.Rules = append(set.Rules, rule)
			}
		}
		if err != nil {
			return Set{}, fmt.Errorf("heuristics.%s: %w", key, err)
		}
	}
	return set, nil
}

// DecodePredictions returns the metric names enabled in a predictions block.
// Entries may be booleans or any non-false value.
func DecodePredictions(raw map[string]interface{}) []string {
	var out []string
	for k, v := range raw {
		if on, err := enabled(v); err == nil && on {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// enabled treats a present, non-false value as switched on, so both
// `lowMemory: true` and `lowMemory: red` enable the rule.
func enabled(v interface{}) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	case string:
		if b, err := cast.ToBoolE(t); err == nil {
			return b, nil
		}
		return t != "", nil
	}
	return cast.ToBoolE(v)
}

func decodeFormulas(v interface{}) ([]Formula, error) {
	byLevel := map[string][]string{}
	if err := mapstructure.Decode(v, &byLevel); err != nil {
		return nil, err
	}
	levels := make([]string, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Strings(levels)

	var out []Formula
	for _, l := range levels {
		for _, expr := range byLevel[l] {
			out = append(out, Formula{Level: Level(l), Expr: stripSpace(expr)})
		}
	}
	return out, nil
}

func decodeRule(metric string, v interface{}) (Rule, error) {
	var spec ruleSpec
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &spec,
	})
	if err != nil {
		return Rule{}, err
	}
	if err := decoder.Decode(v); err != nil {
		return Rule{}, err
	}

	rule := Rule{Metric: metric}
	if spec.Fixed != nil {
		if spec.Fixed.Red == nil {
			return Rule{}, fmt.Errorf("fixed.red: %w", errMissingThreshold)
		}
		if spec.Fixed.Yellow == nil {
			return Rule{}, fmt.Errorf("fixed.yellow: %w", errMissingThreshold)
		}
		red, err := metrics.ParseQuantity(spec.Fixed.Red)
		if err != nil {
			return Rule{}, fmt.Errorf("fixed.red: %w", err)
		}
		yellow, err := metrics.ParseQuantity(spec.Fixed.Yellow)
		if err != nil {
			return Rule{}, fmt.Errorf("fixed.yellow: %w", err)
		}
		rule.Triggers = append(rule.Triggers, Fixed{Red: float64(red), Yellow: float64(yellow)})
	}
	ratios := []struct {
		name string
		spec *thresholdSpec
		make func(red, yellow float64) Trigger
	}{
		{"baselineRatio", spec.BaselineRatio, func(r, y float64) Trigger { return BaselineRatio{Red: r, Yellow: y} }},
		{"deltaLimit", spec.DeltaLimit, func(r, y float64) Trigger { return DeltaLimit{Red: r, Yellow: y} }},
		{"limit", spec.Limit, func(r, y float64) Trigger { return Limit{Red: r, Yellow: y} }},
	}
	for _, r := range ratios {
		if r.spec == nil {
			continue
		}
		red, err := threshold(r.spec.Red)
		if err != nil {
			return Rule{}, fmt.Errorf("%s.red: %w", r.name, err)
		}
		yellow, err := threshold(r.spec.Yellow)
		if err != nil {
			return Rule{}, fmt.Errorf("%s.yellow: %w", r.name, err)
		}
		rule.Triggers = append(rule.Triggers, r.make(red, yellow))
	}
	return rule, nil
}

// threshold reads a ratio. A missing value is an error rather than 0, which
// would fire on any change.
func threshold(v interface{}) (float64, error) {
	if v == nil {
		return 0, errMissingThreshold
	}
	return cast.ToFloat64E(v)
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
