package tunnel

import "github.com/die-net/securetunnel/internal/transport"

// EventKind identifies a lifecycle event.
type EventKind int

const (
	EventConnectionStarted EventKind = iota + 1
	EventConnectionFailure
	EventConnectionShutdown
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionStarted:
		return "connection_started"
	case EventConnectionFailure:
		return "connection_failure"
	case EventConnectionShutdown:
		return "connection_shutdown"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConnectionStartedData accompanies a ConnectionStarted event.
type ConnectionStartedData struct {
	// Code is always transport.CodeNone.
	Code       transport.Code
	ClientID   string
	Generation uint64
	Mode       transport.Mode
	transport.Metadata
}

// Event is a lifecycle notification stamped with the generation it
// belongs to.
type Event struct {
	Kind       EventKind
	Generation uint64
	// Err is set for ConnectionFailure only.
	Err     error
	Started ConnectionStartedData
}

// Handlers are the callbacks a Client delivers events to. Nil handlers
// are allowed; their events are dropped.
type Handlers struct {
	OnConnectionStarted  func(*Client, ConnectionStartedData)
	OnConnectionFailure  func(*Client, error)
	OnConnectionShutdown func(*Client)
	OnStopped            func(*Client)
}
