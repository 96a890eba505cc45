package irc

import (
	"time"
)

// Event is produced by a Connection or by State.Apply. Consumers switch on
// its concrete type.
type Event interface{}

// Connection events.

// StateChangeEvent is emitted on every connection state transition.
type StateChangeEvent struct {
	From ConnState
	To   ConnState
}

// RawMessageEvent carries every line read from or written to the server.
// Inbound valid messages are also given parsed in Message.
type RawMessageEvent struct {
	Line     string
	Message  Message
	Outgoing bool
	IsValid  bool
}

// ProtocolErrorEvent reports a line that could not be parsed or that was
// truncated. The connection stays up.
type ProtocolErrorEvent struct {
	Line string
	Err  error
}

// CapabilitiesEvent is emitted once negotiation ends, and again each time
// cap-notify changes the active set.
type CapabilitiesEvent struct {
	Enabled []string
}

// AuthEvent is emitted when SASL authentication succeeds.
type AuthEvent struct {
	Account string
}

// AuthErrorEvent is emitted when SASL authentication fails or cannot be
// attempted. Fatal is set when the connection is torn down because of it.
type AuthErrorEvent struct {
	Code    string
	Message string
	Fatal   bool
}

// DisconnectedEvent is the last event of a connection. Err is nil when the
// connection was closed on purpose.
type DisconnectedEvent struct {
	Err error
}

// State events.

type RegisteredEvent struct {
	Nick string
}

type SelfNickEvent struct {
	FormerNick string
	NewNick    string
	Time       time.Time
}

type UserNickEvent struct {
	User       string
	FormerNick string
	Channels   []string
	Time       time.Time
}

type SelfJoinEvent struct {
	Channel   string
	Topic     string
	Requested bool // whether we recently requested to join that channel
}

type UserJoinEvent struct {
	User    string
	Channel string
	Account string
	Time    time.Time
}

type SelfPartEvent struct {
	Channel string
	Kicker  string
	Reason  string
}

type UserPartEvent struct {
	User    string
	Channel string
	Kicker  string
	Reason  string
	Time    time.Time
}

type UserQuitEvent struct {
	User     string
	Channels []string
	Reason   string
	Time     time.Time
}

type TopicChangeEvent struct {
	Channel string
	Topic   string
	Who     string
	Time    time.Time
}

type ModeChangeEvent struct {
	Channel string // empty for user modes
	Mode    string
	Who     string
	Time    time.Time
}

type InviteEvent struct {
	Inviter string
	Invitee string
	Channel string
}

type UserAwayEvent struct {
	User    string
	Away    bool
	Message string
}

type MessageEvent struct {
	User            string
	Target          string
	TargetIsChannel bool
	Command         string
	Content         string
	Time            time.Time
	MsgID           string
	Label           string
}

type HistoryEvent struct {
	Target   string
	Messages []Event
}

// ErrorEvent is a FAIL/WARN/NOTE message or an error numeric.
type ErrorEvent struct {
	Severity Severity
	Code     string
	Message  string
}

// InfoEvent is a numeric reply worth showing as is, like the MOTD or
// RPL_AWAY.
type InfoEvent struct {
	Code    string
	Prefix  string
	Message string
}

// UnknownEvent carries a message the state store has no rule for.
type UnknownEvent struct {
	Message Message
}

type Severity int

const (
	SeverityNote Severity = iota
	SeverityWarn
	SeverityFail
)

func (s Severity) String() string {
	switch s {
	case SeverityNote:
		return "note"
	case SeverityWarn:
		return "warn"
	default:
		return "fail"
	}
}
