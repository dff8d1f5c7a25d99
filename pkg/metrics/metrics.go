package metrics

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/cast"
)

type MetricType string

const (
	Int     MetricType = "int"
	Float   MetricType = "float"
	Bytes   MetricType = "bytes"
	Boolean MetricType = "boolean"
)

// FlatValue is a struct that represents
// a flat metric value.
type FlatValue struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
	Type  MetricType  `json:"type"`
}

type MetricData struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// FormattedMetrics is the payload shape used by the HTTP sink.
type FormattedMetrics struct {
	Metrics   map[string]MetricData `json:"metrics"`
	Timestamp string                `json:"timestamp"`
}

// NewMetric creates a new FlatValue, checking that value matches typeStr.
func NewMetric(key string, value interface{}, typeStr MetricType) (FlatValue, error) {
	switch typeStr {
	case Int, Bytes:
		v, err := cast.ToInt64E(value)
		if err != nil {
			return FlatValue{}, fmt.Errorf("value is not of type int")
		}
		if u, ok := value.(uint64); ok && u > math.MaxInt64 {
			return FlatValue{}, fmt.Errorf("value is too large to convert to int64")
		}
		value = v
	case Float:
		v, err := cast.ToFloat64E(value)
		if err != nil {
			return FlatValue{}, fmt.Errorf("value is not of type float")
		}
		value = v
	case Boolean:
		if _, ok := value.(bool); !ok {
			return FlatValue{}, fmt.Errorf("value is not of type boolean")
		}
	default:
		return FlatValue{}, fmt.Errorf("unknown type: %s", typeStr)
	}

	return FlatValue{
		Key:   key,
		Value: value,
		Type:  typeStr,
	}, nil
}

// Flatten walks the tree and emits one FlatValue per leaf, keyed by the
// dot-joined path. Leaves that are neither numbers nor booleans are skipped.
func (t Tree) Flatten() []FlatValue {
	var out []FlatValue
	t.flatten("", &out)
	return out
}

func (t Tree) flatten(prefix string, out *[]FlatValue) {
	for _, k := range sortedKeys(t) {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		v := t[k]
		if child := AsTree(v); child != nil {
			child.flatten(key, out)
			continue
		}
		var (
			fv  FlatValue
			err error
		)
		switch v.(type) {
		case bool:
			fv, err = NewMetric(key, v, Boolean)
		case float32, float64:
			fv, err = NewMetric(key, v, Float)
		default:
			fv, err = NewMetric(key, v, Int)
		}
		if err == nil {
			*out = append(*out, fv)
		}
	}
}

// FormatMetrics converts flat values into the HTTP payload shape.
func FormatMetrics(metrics []FlatValue, timestamp time.Time) FormattedMetrics {
	metricsMap := make(map[string]MetricData, len(metrics))
	for _, metric := range metrics {
		metricsMap[metric.Key] = MetricData{
			Type:  string(metric.Type),
			Value: metric.Value,
		}
	}

	return FormattedMetrics{
		Metrics:   metricsMap,
		Timestamp: timestamp.Format(time.RFC3339Nano),
	}
}
