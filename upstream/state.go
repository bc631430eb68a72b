package upstream

import (
	"time"

	"github.com/c360/chatrelay/metric"
)

// State is the supervisor's position in the connection lifecycle.
type State int

// Connection states. Values match the chatrelay_upstream_state gauge.
const (
	StateDisconnected State = metric.UpstreamDisconnected
	StateConnecting   State = metric.UpstreamConnecting
	StateOpen         State = metric.UpstreamOpen
	StateClosing      State = metric.UpstreamClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Causes for a session ending, used as the reconnects_total label.
const (
	causeConnectError = "connect_error"
	causeTransport    = "transport"
	causeDisconnect   = "disconnect"
	causeIdle         = "idle"
	causePing         = "ping_failed"
	causeShutdown     = "shutdown"
)

// closeCause records why a session ended.
type closeCause struct {
	kind string
	// retryAfter is the platform-requested delay for a disconnect, zero otherwise
	retryAfter time.Duration
	reason     string
	err        error
}
