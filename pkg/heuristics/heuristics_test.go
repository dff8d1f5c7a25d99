package heuristics

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	raw := map[string]interface{}{
		"try":       "8M",
		"lowMemory": true,
		"mapTester": "red",
		"onTrim":    false,
		"VmRSS": map[string]interface{}{
			"limit": map[string]interface{}{"red": 0.9, "yellow": 0.75},
		},
		"Active": map[string]interface{}{
			"fixed":         map[string]interface{}{"red": "300M", "yellow": "400M"},
			"baselineRatio": map[string]interface{}{"red": "0.3", "yellow": 0.4},
		},
		"formulas": map[string]interface{}{
			"yellow": []interface{}{"VmRSS > 2 * baseline.VmRSS"},
			"red":    []interface{}{" oom_score > 900 ", "availMem < 10"},
		},
	}

	set, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, Flags{Try: 8 << 20, LowMemory: true, MapTester: true}, set.Flags)

	want := []Rule{
		{Metric: "Active", Triggers: []Trigger{
			Fixed{Red: 300 << 20, Yellow: 400 << 20},
			BaselineRatio{Red: 0.3, Yellow: 0.4},
		}},
		{Metric: "VmRSS", Triggers: []Trigger{Limit{Red: 0.9, Yellow: 0.75}}},
	}
	if diff := cmp.Diff(want, set.Rules); diff != "" {
		t.Errorf("rules mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []Formula{
		{Level: Red, Expr: "oom_score>900"},
		{Level: Red, Expr: "availMem<10"},
		{Level: Yellow, Expr: "VmRSS>2*baseline.VmRSS"},
	}, set.Formulas)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]interface{}
	}{
		{"unknown trigger kind", map[string]interface{}{
			"VmRSS": map[string]interface{}{"ceiling": map[string]interface{}{"red": 1, "yellow": 2}},
		}},
		{"bad quantity", map[string]interface{}{
			"Active": map[string]interface{}{"fixed": map[string]interface{}{"red": "lots", "yellow": "1M"}},
		}},
		{"bad ratio", map[string]interface{}{
			"Active": map[string]interface{}{"limit": map[string]interface{}{"red": "x", "yellow": 1}},
		}},
		{"rule is not a map", map[string]interface{}{"Active": 12}},
		{"bad try size", map[string]interface{}{"try": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestDecodeRejectsMissingThresholds(t *testing.T) {
	tests := []struct {
		name          string
		spec          map[string]interface{}
		errorContains string
	}{
		{"fixed without yellow", map[string]interface{}{"fixed": map[string]interface{}{"red": "1M"}}, "VmRSS: fixed.yellow: missing threshold"},
		{"fixed without red", map[string]interface{}{"fixed": map[string]interface{}{"yellow": "1M"}}, "VmRSS: fixed.red: missing threshold"},
		{"baselineRatio without yellow", map[string]interface{}{"baselineRatio": map[string]interface{}{"red": 2}}, "VmRSS: baselineRatio.yellow: missing threshold"},
		{"baselineRatio without red", map[string]interface{}{"baselineRatio": map[string]interface{}{"yellow": 1.5}}, "VmRSS: baselineRatio.red: missing threshold"},
		{"deltaLimit without yellow", map[string]interface{}{"deltaLimit": map[string]interface{}{"red": 0.5}}, "VmRSS: deltaLimit.yellow: missing threshold"},
		{"deltaLimit without red", map[string]interface{}{"deltaLimit": map[string]interface{}{"yellow": 0.25}}, "VmRSS: deltaLimit.red: missing threshold"},
		{"limit without yellow", map[string]interface{}{"limit": map[string]interface{}{"red": 1.25}}, "VmRSS: limit.yellow: missing threshold"},
		{"limit without red", map[string]interface{}{"limit": map[string]interface{}{"yellow": 1.5}}, "VmRSS: limit.red: missing threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(map[string]interface{}{"VmRSS": tt.spec})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
			assert.ErrorIs(t, err, errMissingThreshold)
		})
	}
}

func TestDecodePredictions(t *testing.T) {
	got := DecodePredictions(map[string]interface{}{
		"oom_score": true,
		"VmRSS":     false,
		"availMem":  "yes",
	})
	assert.Equal(t, []string{"availMem", "oom_score"}, got)
}

func TestTriggers(t *testing.T) {
	increasing := Values{Baseline: 100, DeviceBaseline: 100, DeviceLimit: 200}
	decreasing := Values{Baseline: 1000, DeviceBaseline: 1000, DeviceLimit: 200}

	at := func(v Values, metric float64) Values {
		v.Metric = metric
		return v
	}

	tests := []struct {
		name    string
		trigger Trigger
		values  Values
		level   Level
		fired   bool
	}{
		{"delta red", DeltaLimit{Red: 0.5, Yellow: 0.25}, at(increasing, 175), Red, true},
		{"delta yellow", DeltaLimit{Red: 0.5, Yellow: 0.25}, at(increasing, 130), Yellow, true},
		{"delta quiet", DeltaLimit{Red: 0.5, Yellow: 0.25}, at(increasing, 110), "", false},
		{"fixed increasing", Fixed{Red: 300, Yellow: 150}, at(increasing, 160), Yellow, true},
		{"fixed decreasing", Fixed{Red: 300, Yellow: 500}, at(decreasing, 250), Red, true},
		{"baseline ratio decreasing", BaselineRatio{Red: 0.3, Yellow: 0.4}, at(decreasing, 350), Yellow, true},
		{"baseline ratio quiet", BaselineRatio{Red: 0.3, Yellow: 0.4}, at(decreasing, 500), "", false},
		{"limit increasing", Limit{Red: 0.9, Yellow: 0.75}, at(increasing, 185), Red, true},
		// 400*0.4 = 160 < 200 but 400*0.6 = 240 is not
		{"limit decreasing scales metric", Limit{Red: 0.4, Yellow: 0.6}, at(decreasing, 400), Red, true},
		{"limit decreasing quiet", Limit{Red: 0.4, Yellow: 0.6}, at(decreasing, 1000), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, fired := tt.trigger.Check(tt.values)
			assert.Equal(t, tt.fired, fired)
			assert.Equal(t, tt.level, level)
		})
	}
}

func TestLevelSeverity(t *testing.T) {
	assert.Greater(t, Red.Severity(), Yellow.Severity())
	assert.Greater(t, Yellow.Severity(), Level("blue").Severity())
}
