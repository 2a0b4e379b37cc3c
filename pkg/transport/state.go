// ABOUTME: Transport state enumeration shared by the controller and its clients
// ABOUTME: Ordinals match the original wire protocol so foreign peers can interoperate
package transport

// State is the transport state published every cycle
type State uint32

const (
	// StateStopped means the transport is halted
	StateStopped State = 0

	// StateRolling means the transport is playing
	StateRolling State = 1

	// StateStarting means the transport is waiting for slow-sync followers.
	// Ordinal 2 belonged to the retired looping state and is never produced.
	StateStarting State = 3
)

// String returns a human readable name for the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateRolling:
		return "Rolling"
	case StateStarting:
		return "Starting"
	default:
		return "Unknown"
	}
}
