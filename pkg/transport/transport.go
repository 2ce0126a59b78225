package transport

import "main/pkg/retry"

// Status is the lifecycle state shared by all transport clients.
type Status uint8

const (
	// StatusIdle means no connection exists and none is pending.
	StatusIdle Status = iota
	// StatusConnecting means a dial is in flight.
	StatusConnecting
	// StatusOpen means the connection is established.
	StatusOpen
	// StatusClosed means the connection ended with a clean close.
	StatusClosed
	// StatusErrored means the connection ended with a failure.
	StatusErrored
	// StatusRetrying means a reconnect timer is pending.
	StatusRetrying
	// StatusExhausted means the retry budget ran out; only a manual
	// Reconnect leaves this state.
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusErrored:
		return "errored"
	case StatusRetrying:
		return "retrying"
	case StatusExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Client is the lifecycle surface every transport exposes.
type Client interface {
	Connect() error
	Disconnect()
	Reconnect() error
	Status() Status
	RetryStats() retry.Stats
}
