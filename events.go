package halloy

import (
	"fmt"
	"time"

	"github.com/dreamydevstar/halloy/history"
	"github.com/dreamydevstar/halloy/irc"
)

// Event is one item of the App event stream. Content is one of the
// *Event types below.
type Event struct {
	Network string
	Time    time.Time
	Content interface{}
}

// ConnectionStateEvent is emitted on every state transition of the
// connection of a network. Err is set on Disconnected when the connection
// was lost rather than closed.
type ConnectionStateEvent struct {
	State irc.ConnState
	Err   error
}

// CapabilityEvent is emitted when the set of active capabilities, or the
// account, of a network changes.
type CapabilityEvent struct {
	Enabled []string
	Account string
}

// DisplayEvent is a line added to a buffer.
type DisplayEvent struct {
	Buffer string
	Line   history.Line
}

// HistoryEvent reports that older lines were inserted at the top of a
// buffer.
type HistoryEvent struct {
	Buffer string
	Added  int
}

// ReconnectEvent is emitted when a reconnection is scheduled.
type ReconnectEvent struct {
	Attempt int
	Delay   time.Duration
}

type ErrorKind int

const (
	ErrorTransport ErrorKind = iota
	ErrorProtocol
	ErrorAuth
	ErrorCommand
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorTransport:
		return "transport"
	case ErrorProtocol:
		return "protocol"
	case ErrorAuth:
		return "auth"
	case ErrorCommand:
		return "command"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

type ErrorEvent struct {
	Kind ErrorKind
	Err  error
}

func (ev ErrorEvent) Error() string {
	return ev.Kind.String() + ": " + ev.Err.Error()
}
