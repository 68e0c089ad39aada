package connection

import (
	"time"

	"github.com/pkg/errors"
)

// State is the connection lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrReconnectBudgetExhausted is reported once automatic reconnection stops.
var ErrReconnectBudgetExhausted = errors.New("reconnect attempts exhausted")

// Status is published on every state change.
type Status struct {
	State State
	// Attempts counts reconnection attempts since the last successful open.
	Attempts int
	// Err is the failure that caused the last loss of connection.
	Err error
	// GaveUp is set once the reconnect budget is spent. Only an explicit
	// Connect restarts the machine from there.
	GaveUp bool
}

// ReconnectPolicy is exponential backoff with a fixed attempt budget.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
	}
}

// Delay returns the wait scheduled once attempt reconnections have already
// been tried: BaseDelay * 2^attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.BaseDelay * time.Duration(uint64(1)<<uint(attempt))
}

// Allows reports whether another attempt fits in the budget.
func (p ReconnectPolicy) Allows(attempts int) bool {
	return attempts < p.MaxAttempts
}
