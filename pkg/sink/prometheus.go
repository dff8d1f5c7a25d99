package sink

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dbtuneai/memadvisor/pkg/advisor"
	"github.com/dbtuneai/memadvisor/pkg/events"
	"github.com/dbtuneai/memadvisor/pkg/heuristics"
)

var allStates = []advisor.MemoryState{
	advisor.StateUnknown,
	advisor.StateOK,
	advisor.StateApproachingLimit,
	advisor.StateCritical,
	advisor.StateBackgrounded,
}

// PrometheusSink exposes the latest advice as gauges on its own registry.
type PrometheusSink struct {
	registry *prometheus.Registry

	state        *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	availability prometheus.Gauge
	warnings     *prometheus.GaugeVec
	predictions  *prometheus.GaugeVec
	stressLimit  prometheus.Gauge
	heartbeats   prometheus.Counter
	errors       prometheus.Counter
}

func NewPrometheusSink() *PrometheusSink {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	s := &PrometheusSink{
		registry: reg,
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memadvisor_state",
			Help: "Current memory state, 1 for the active state",
		}, []string{"state"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memadvisor_state_transitions_total",
			Help: "Number of transitions into each memory state",
		}, []string{"state"}),
		availability: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memadvisor_availability_estimate_bytes",
			Help: "Smallest predicted remaining allocation",
		}),
		warnings: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memadvisor_warnings",
			Help: "Warnings in the latest advice by level",
		}, []string{"level"}),
		predictions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memadvisor_prediction_bytes",
			Help: "Predicted remaining allocation per metric",
		}, []string{"metric"}),
		stressLimit: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memadvisor_stress_test_allocated_bytes",
			Help: "Bytes the last stress test managed to allocate",
		}),
		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "memadvisor_heartbeats_total",
			Help: "Heartbeats emitted",
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "memadvisor_errors_total",
			Help: "Errors reported by sources",
		}),
	}
	s.setState(advisor.StateUnknown)
	return s
}

// Registry is served by the status server.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

func (s *PrometheusSink) Name() string {
	return "prometheus"
}

func (s *PrometheusSink) Process(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.AdviceEvent:
		s.observeAdvice(e.Advice)
	case events.StateEvent:
		s.setState(e.State)
		s.transitions.WithLabelValues(string(e.State)).Inc()
	case events.StressTestEvent:
		if e.Result.Limit != nil {
			if v, ok := e.Result.Limit.Number(advisor.ApplicationAllocatedKey); ok {
				s.stressLimit.Set(v)
			}
		}
	case events.HeartbeatEvent:
		s.heartbeats.Inc()
	case events.ErrorEvent:
		s.errors.Inc()
	}
	return nil
}

func (s *PrometheusSink) setState(current advisor.MemoryState) {
	for _, st := range allStates {
		v := 0.0
		if st == current {
			v = 1
		}
		s.state.WithLabelValues(string(st)).Set(v)
	}
}

func (s *PrometheusSink) observeAdvice(advice advisor.Advice) {
	s.availability.Set(float64(advisor.AvailabilityEstimate(advice)))

	counts := map[heuristics.Level]int{heuristics.Red: 0, heuristics.Yellow: 0}
	for _, w := range advice.Warnings {
		counts[w.Level]++
	}
	for level, n := range counts {
		s.warnings.WithLabelValues(string(level)).Set(float64(n))
	}

	s.predictions.Reset()
	for metric, v := range advice.Predictions {
		s.predictions.WithLabelValues(metric).Set(float64(v))
	}
}
