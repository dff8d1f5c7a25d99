package heuristics

// Values are the four readings of one metric a trigger compares.
type Values struct {
	Metric         float64
	Baseline       float64
	DeviceBaseline float64
	DeviceLimit    float64
}

// Increasing reports whether the metric grows towards the device limit.
func (v Values) Increasing() bool {
	return v.DeviceLimit > v.DeviceBaseline
}

// Trigger is one threshold kind of a Rule. The implementations are Fixed,
// BaselineRatio, DeltaLimit and Limit.
type Trigger interface {
	// Kind is the configuration key of the trigger.
	Kind() string
	// Check returns the level the values reach, red before yellow.
	Check(v Values) (Level, bool)
}

// Fixed compares the metric to absolute thresholds.
type Fixed struct {
	Red    float64 `json:"red"`
	Yellow float64 `json:"yellow"`
}

// BaselineRatio compares the metric to multiples of the process baseline.
type BaselineRatio struct {
	Red    float64 `json:"red"`
	Yellow float64 `json:"yellow"`
}

// DeltaLimit compares growth since the baseline to a share of the device's
// growth from its baseline to its limit.
type DeltaLimit struct {
	Red    float64 `json:"red"`
	Yellow float64 `json:"yellow"`
}

// Limit compares the metric to a share of the device limit.
type Limit struct {
	Red    float64 `json:"red"`
	Yellow float64 `json:"yellow"`
}

func (Fixed) Kind() string         { return "fixed" }
func (BaselineRatio) Kind() string { return "baselineRatio" }
func (DeltaLimit) Kind() string    { return "deltaLimit" }
func (Limit) Kind() string         { return "limit" }

// beyond compares in the metric's direction of travel.
func beyond(increasing bool, value, threshold float64) bool {
	if increasing {
		return value > threshold
	}
	return value < threshold
}

func pick(red, yellow bool) (Level, bool) {
	if red {
		return Red, true
	}
	if yellow {
		return Yellow, true
	}
	return "", false
}

func (t Fixed) Check(v Values) (Level, bool) {
	inc := v.Increasing()
	return pick(beyond(inc, v.Metric, t.Red), beyond(inc, v.Metric, t.Yellow))
}

func (t BaselineRatio) Check(v Values) (Level, bool) {
	inc := v.Increasing()
	return pick(
		beyond(inc, v.Metric, v.Baseline*t.Red),
		beyond(inc, v.Metric, v.Baseline*t.Yellow),
	)
}

func (t DeltaLimit) Check(v Values) (Level, bool) {
	inc := v.Increasing()
	delta := v.Metric - v.Baseline
	span := v.DeviceLimit - v.DeviceBaseline
	return pick(beyond(inc, delta, span*t.Red), beyond(inc, delta, span*t.Yellow))
}

// Check for a decreasing metric scales the metric rather than the limit, so
// the ratios read as "limit is this share of the current value".
func (t Limit) Check(v Values) (Level, bool) {
	if v.Increasing() {
		return pick(v.Metric > v.DeviceLimit*t.Red, v.Metric > v.DeviceLimit*t.Yellow)
	}
	return pick(v.Metric*t.Red < v.DeviceLimit, v.Metric*t.Yellow < v.DeviceLimit)
}
