package model

// TaskState is the lifecycle state of a task.
type TaskState int

const (
	// StateReady means the task is queued and waiting for a free slot.
	StateReady TaskState = iota
	// StateLoading means the transfer is in flight.
	StateLoading
	// StateLoaded means the payload was received.
	StateLoaded
	// StateError means the transfer failed.
	StateError
)

// String returns the lowercase state name.
func (s TaskState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s TaskState) IsTerminal() bool {
	return s == StateLoaded || s == StateError
}

// PayloadMode selects where a loaded task keeps its bytes.
type PayloadMode int

const (
	// PayloadBuffer keeps raw bytes for archiving (batch runs).
	PayloadBuffer PayloadMode = iota
	// PayloadBlob keeps a typed blob for direct delivery (single-file runs).
	PayloadBlob
)

func (m PayloadMode) String() string {
	if m == PayloadBlob {
		return "blob"
	}
	return "buffer"
}
