package peer

// PeerID identifies a follower connection on the host. The host itself is 0.
type PeerID uint64

// HostID is the PeerID events from the local host user carry.
const HostID PeerID = 0

// State is the lifecycle state of a peer or connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSnapshotTransfer
	StateActive
	StateClosed
	StateDesynced
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSnapshotTransfer:
		return "snapshot_transfer"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateDesynced:
		return "desynced"
	default:
		return "unknown"
	}
}

// Behavior says what happens to an event the local user initiates.
type Behavior int

const (
	// BehaviorSend forwards the event upstream without applying it.
	BehaviorSend Behavior = iota
	// BehaviorQueuePlay queues the event for the next tick boundary.
	BehaviorQueuePlay
	// BehaviorPlay applies the event immediately.
	BehaviorPlay
)

// String returns the string representation of Behavior.
func (b Behavior) String() string {
	switch b {
	case BehaviorSend:
		return "send"
	case BehaviorQueuePlay:
		return "queue_play"
	case BehaviorPlay:
		return "play"
	default:
		return "unknown"
	}
}
