package events

import (
	"time"

	"github.com/dbtuneai/memadvisor/pkg/advisor"
	"github.com/dbtuneai/memadvisor/pkg/stresstest"
)

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// EventType represents the type of event
type EventType string

const (
	EventTypeAdvice     EventType = "advice"
	EventTypeState      EventType = "state"
	EventTypeHeartbeat  EventType = "heartbeat"
	EventTypeStressTest EventType = "stress_test"
	EventTypeError      EventType = "error"
)

// BaseEvent provides common event fields
type BaseEvent struct {
	EventTimestamp time.Time
	EventType      EventType
}

func (e BaseEvent) Timestamp() time.Time {
	return e.EventTimestamp
}

func (e BaseEvent) Type() EventType {
	return e.EventType
}

func base(t EventType) BaseEvent {
	return BaseEvent{EventTimestamp: time.Now(), EventType: t}
}

// AdviceEvent carries one advice produced by a watcher iteration
type AdviceEvent struct {
	BaseEvent
	Advice advisor.Advice
	State  advisor.MemoryState
}

func NewAdviceEvent(advice advisor.Advice, state advisor.MemoryState) AdviceEvent {
	return AdviceEvent{
		BaseEvent: base(EventTypeAdvice),
		Advice:    advice,
		State:     state,
	}
}

// StateEvent is emitted only when the memory state changes
type StateEvent struct {
	BaseEvent
	State    advisor.MemoryState
	Previous advisor.MemoryState
}

func NewStateEvent(state, previous advisor.MemoryState) StateEvent {
	return StateEvent{
		BaseEvent: base(EventTypeState),
		State:     state,
		Previous:  previous,
	}
}

// HeartbeatEvent for advisor liveness
type HeartbeatEvent struct {
	BaseEvent
	Version   string
	StartTime string
	DeviceKey string
}

func NewHeartbeatEvent(version, startTime, deviceKey string) HeartbeatEvent {
	return HeartbeatEvent{
		BaseEvent: base(EventTypeHeartbeat),
		Version:   version,
		StartTime: startTime,
		DeviceKey: deviceKey,
	}
}

// StressTestEvent reports the outcome of an on-device stress test
type StressTestEvent struct {
	BaseEvent
	Result stresstest.Result
}

func NewStressTestEvent(result stresstest.Result) StressTestEvent {
	return StressTestEvent{
		BaseEvent: base(EventTypeStressTest),
		Result:    result,
	}
}

// ErrorPayload describes a failure inside a source
type ErrorPayload struct {
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type"`
	Timestamp    string `json:"timestamp"`
}

// ErrorEvent for error reporting
type ErrorEvent struct {
	BaseEvent
	Payload ErrorPayload
}

func NewErrorEvent(payload ErrorPayload) ErrorEvent {
	return ErrorEvent{
		BaseEvent: base(EventTypeError),
		Payload:   payload,
	}
}

// Payload is the serialisable form of an event shared by the sinks. The
// second result is false for event types it does not know.
func Payload(event Event) (map[string]interface{}, bool) {
	data := map[string]interface{}{
		"type":      string(event.Type()),
		"timestamp": event.Timestamp().Format(time.RFC3339Nano),
	}
	switch e := event.(type) {
	case AdviceEvent:
		data["state"] = e.State
		data["advice"] = e.Advice
		data["availability_estimate"] = advisor.AvailabilityEstimate(e.Advice)
	case StateEvent:
		data["state"] = e.State
		data["previous"] = e.Previous
	case HeartbeatEvent:
		data["version"] = e.Version
		data["start_time"] = e.StartTime
		if e.DeviceKey != "" {
			data["device"] = e.DeviceKey
		}
	case StressTestEvent:
		data["result"] = e.Result
	case ErrorEvent:
		data["payload"] = e.Payload
	default:
		return nil, false
	}
	return data, true
}
