package advisor

type MemoryState string

const (
	StateUnknown          MemoryState = "UNKNOWN"
	StateOK               MemoryState = "OK"
	StateApproachingLimit MemoryState = "APPROACHING_LIMIT"
	StateCritical         MemoryState = "CRITICAL"
	StateBackgrounded     MemoryState = "BACKGROUNDED"
)

// State reduces advice to a single verdict. The backgrounded flag overrides
// whatever the warnings say.
func State(advice Advice, backgrounded bool) MemoryState {
	switch {
	case backgrounded:
		return StateBackgrounded
	case AnyRedWarnings(advice):
		return StateCritical
	case AnyWarnings(advice):
		return StateApproachingLimit
	}
	return StateOK
}

// Severity orders states for comparisons, higher is worse.
func (s MemoryState) Severity() int {
	switch s {
	case StateOK:
		return 1
	case StateApproachingLimit:
		return 2
	case StateCritical:
		return 3
	}
	return 0
}
