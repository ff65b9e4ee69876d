package stream

import (
	"sync"

	"github.com/renealas/designlyStock/internal/quote"
)

// State is the session's connection state. Exactly one value at a time;
// every transition is broadcast to listeners alongside the price updates so
// downstream consumers never need to poll.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRateLimited
	StateError
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateRateLimited:
		return "Rate Limited"
	case StateError:
		return "Error"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// UpdateKind discriminates the Update union.
type UpdateKind int

const (
	UpdateQuote UpdateKind = iota
	UpdateState
)

// Update is the tagged union delivered on a Listener's Updates channel:
// either a cache-reconciled quote or a connection-state change.
type Update struct {
	Kind  UpdateKind
	Quote quote.Quote // valid when Kind == UpdateQuote
	State State       // valid when Kind == UpdateState
}

// Listener receives the session's broadcast streams: raw ticks (every trade
// as received or synthesized) and updates (quotes plus state changes, in
// arrival order). Sends are non-blocking; a slow listener loses messages
// rather than stalling the session.
type Listener struct {
	Ticks   chan quote.Tick
	Updates chan Update

	done      chan struct{}
	closeOnce sync.Once
}

// Done returns a channel closed when the listener is closed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}
