package bridge

// State is the lifecycle state of a [Pair].
type State int32

const (
	// StateIdle is a pair that has not started running.
	StateIdle State = iota

	// StateAwaitingStart means the telephony leg is connected and the remote
	// leg is open, but no start event has supplied the stream SID yet.
	StateAwaitingStart

	// StateStreaming means the stream SID is known and audio flows both ways.
	StateStreaming

	// StateDraining means a stop event or a leg failure ended the call and
	// both legs are being closed.
	StateDraining

	// StateClosed means both legs are closed and all resources released.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
