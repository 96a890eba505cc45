package irc

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-sasl"
)

var (
	ErrSASLFailed      = errors.New("SASL authentication failed")
	ErrSASLUnavailable = errors.New("SASL authentication unavailable")
)

// SupportedCapabilities are the capabilities requested when none are
// configured. "sasl" is added when credentials are given.
var SupportedCapabilities = []string{
	"account-notify",
	"away-notify",
	"batch",
	"cap-notify",
	"chghost",
	"draft/chathistory",
	"echo-message",
	"extended-join",
	"invite-notify",
	"labeled-response",
	"message-tags",
	"multi-prefix",
	"server-time",
	"setname",
	"userhost-in-names",
}

// capReqLen bounds the length of the capability list of one CAP REQ.
const capReqLen = 400

type NegotiationState int

const (
	NegotiationIdle NegotiationState = iota
	NegotiationRequesting
	NegotiationAwaitingAck
	NegotiationSASL
	NegotiationDone
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationIdle:
		return "idle"
	case NegotiationRequesting:
		return "requesting"
	case NegotiationAwaitingAck:
		return "awaiting-ack"
	case NegotiationSASL:
		return "sasl"
	default:
		return "done"
	}
}

// Negotiator runs the CAP and SASL exchanges of a connection. It does no
// I/O: Handle returns the messages to send in reply.
type Negotiator struct {
	state       NegotiationState
	desired     map[string]struct{}
	auth        *SASLParams
	requireSASL bool

	available map[string]string
	offered   []string
	enabled   map[string]struct{}
	rejected  map[string]struct{}
	pending   int

	client        sasl.Client
	initial       []byte
	started       bool
	challenge     challengeBuffer
	account       string
	authenticated bool
}

// NewNegotiator returns a negotiator requesting desired (or
// SupportedCapabilities if nil). auth may be nil.
func NewNegotiator(desired []string, auth *SASLParams, requireSASL bool) *Negotiator {
	n := &Negotiator{
		desired:     map[string]struct{}{},
		auth:        auth,
		requireSASL: requireSASL,
		available:   map[string]string{},
		enabled:     map[string]struct{}{},
		rejected:    map[string]struct{}{},
	}
	if desired == nil {
		desired = SupportedCapabilities
	}
	for _, c := range desired {
		n.desired[strings.ToLower(c)] = struct{}{}
	}
	if auth != nil || requireSASL {
		n.desired["sasl"] = struct{}{}
	}
	return n
}

func (n *Negotiator) State() NegotiationState {
	return n.state
}

// Start begins negotiation.
func (n *Negotiator) Start() []Message {
	n.state = NegotiationRequesting
	return []Message{NewMessage("CAP", "LS", "302")}
}

// HasCapability reports whether the server acknowledged capability.
func (n *Negotiator) HasCapability(capability string) bool {
	_, ok := n.enabled[capability]
	return ok
}

// Enabled returns the active capabilities, sorted.
func (n *Negotiator) Enabled() []string {
	caps := make([]string, 0, len(n.enabled))
	for c := range n.enabled {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// Rejected returns the capabilities the server refused, sorted.
func (n *Negotiator) Rejected() []string {
	caps := make([]string, 0, len(n.rejected))
	for c := range n.rejected {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// Available returns the value of an offered capability.
func (n *Negotiator) Available(capability string) (value string, ok bool) {
	value, ok = n.available[capability]
	return
}

// Account returns the account we are logged in as, if any.
func (n *Negotiator) Account() string {
	return n.account
}

// Handle processes msg if it concerns negotiation. Messages unrelated to
// CAP or SASL are ignored. A non-nil error means the connection must be
// torn down.
func (n *Negotiator) Handle(msg Message) (out []Message, events []Event, err error) {
	switch msg.Command {
	case "CAP":
		if len(msg.Params) < 3 {
			return nil, nil, nil
		}
		return n.handleCap(msg)
	case "AUTHENTICATE":
		if n.state != NegotiationSASL || len(msg.Params) < 1 {
			return nil, nil, nil
		}
		return n.handleAuthenticate(msg.Params[0]), nil, nil
	case rplLoggedin:
		if 3 <= len(msg.Params) {
			n.account = msg.Params[2]
		}
	case rplLoggedout:
		n.account = ""
	case rplSaslsuccess, errSaslalready:
		if n.state != NegotiationSASL {
			return nil, nil, nil
		}
		n.authenticated = true
		events = append(events, AuthEvent{Account: n.account})
		out, evs := n.end()
		return out, append(events, evs...), nil
	case errNicklocked, errSaslfail, errSasltoolong, errSaslaborted:
		if n.state != NegotiationSASL {
			return nil, nil, nil
		}
		var reason string
		if 0 < len(msg.Params) {
			reason = msg.Params[len(msg.Params)-1]
		}
		return n.fail(msg.Command, reason)
	case errInvalidcapcmd:
		if n.state != NegotiationDone && n.state != NegotiationIdle {
			out, events = n.end()
			return out, events, nil
		}
	case rplWelcome:
		// Servers without CAP support register us directly.
		if n.state == NegotiationDone {
			return nil, nil, nil
		}
		n.state = NegotiationDone
		if n.requireSASL && !n.authenticated {
			events = append(events, AuthErrorEvent{Message: "server does not support capability negotiation", Fatal: true})
			return nil, events, ErrSASLUnavailable
		}
		return nil, []Event{CapabilitiesEvent{Enabled: n.Enabled()}}, nil
	}
	return nil, nil, nil
}

func (n *Negotiator) handleCap(msg Message) (out []Message, events []Event, err error) {
	switch msg.Params[1] {
	case "LS":
		caps := msg.Params[2]
		more := false
		if 4 <= len(msg.Params) && msg.Params[2] == "*" {
			caps = msg.Params[3]
			more = true
		}
		for _, c := range ParseCaps(caps) {
			n.offer(c)
		}
		if more || n.state != NegotiationRequesting {
			return nil, nil, nil
		}
		return n.request()
	case "ACK":
		for _, c := range ParseCaps(msg.Params[2]) {
			if c.Enable {
				n.enabled[c.Name] = struct{}{}
			} else {
				delete(n.enabled, c.Name)
			}
			n.pending--
		}
		if n.state == NegotiationAwaitingAck && n.pending <= 0 {
			return n.acknowledged()
		}
		if n.state == NegotiationDone {
			events = append(events, CapabilitiesEvent{Enabled: n.Enabled()})
		}
	case "NAK":
		for _, c := range ParseCaps(msg.Params[2]) {
			n.rejected[c.Name] = struct{}{}
			n.pending--
		}
		if n.state == NegotiationAwaitingAck && n.pending <= 0 {
			return n.acknowledged()
		}
	case "NEW":
		var req []string
		for _, c := range ParseCaps(msg.Params[2]) {
			n.offer(c)
			if _, ok := n.desired[c.Name]; !ok || c.Name == "sasl" {
				continue
			}
			if _, ok := n.enabled[c.Name]; ok {
				continue
			}
			req = append(req, c.Name)
		}
		n.pending += len(req)
		out = capRequests(req)
	case "DEL":
		for _, c := range ParseCaps(msg.Params[2]) {
			delete(n.available, c.Name)
			delete(n.enabled, c.Name)
			for i, name := range n.offered {
				if name == c.Name {
					n.offered = append(n.offered[:i], n.offered[i+1:]...)
					break
				}
			}
		}
		events = append(events, CapabilitiesEvent{Enabled: n.Enabled()})
	}
	return out, events, nil
}

// request sends CAP REQ for the offered capabilities we want, in the order
// of the offer.
func (n *Negotiator) request() (out []Message, events []Event, err error) {
	var req []string
	for _, c := range n.offered {
		if _, ok := n.desired[c]; ok {
			req = append(req, c)
		}
	}

	if n.auth != nil || n.requireSASL {
		if _, ok := n.available["sasl"]; !ok {
			if n.requireSASL {
				events = append(events, AuthErrorEvent{Message: "server does not support SASL", Fatal: true})
				return nil, events, ErrSASLUnavailable
			}
			events = append(events, AuthErrorEvent{Message: "server does not support SASL"})
		}
	}

	if len(req) == 0 {
		out, evs := n.end()
		return out, append(events, evs...), nil
	}

	n.state = NegotiationAwaitingAck
	n.pending = len(req)
	return capRequests(req), events, nil
}

func (n *Negotiator) offer(c Cap) {
	if _, ok := n.available[c.Name]; !ok {
		n.offered = append(n.offered, c.Name)
	}
	n.available[c.Name] = c.Value
}

func capRequests(caps []string) (out []Message) {
	var line []string
	length := 0
	for _, c := range caps {
		if 0 < len(line) && capReqLen < length+1+len(c) {
			out = append(out, NewMessage("CAP", "REQ", strings.Join(line, " ")))
			line, length = nil, 0
		}
		line = append(line, c)
		length += 1 + len(c)
	}
	if 0 < len(line) {
		out = append(out, NewMessage("CAP", "REQ", strings.Join(line, " ")))
	}
	return out
}

// acknowledged is called once every requested capability got an answer.
func (n *Negotiator) acknowledged() (out []Message, events []Event, err error) {
	if n.auth == nil && !n.requireSASL {
		out, events = n.end()
		return out, events, nil
	}
	if !n.HasCapability("sasl") {
		if n.requireSASL {
			events = append(events, AuthErrorEvent{Message: "server refused the sasl capability", Fatal: true})
			return nil, events, ErrSASLUnavailable
		}
		events = append(events, AuthErrorEvent{Message: "server refused the sasl capability"})
		out, evs := n.end()
		return out, append(events, evs...), nil
	}
	if n.auth == nil {
		events = append(events, AuthErrorEvent{Message: "no SASL credentials configured", Fatal: true})
		return nil, events, ErrSASLUnavailable
	}

	mech := strings.ToUpper(n.auth.Mechanism)
	if mech == "" {
		mech = sasl.Plain
	}
	if mechs := n.available["sasl"]; mechs != "" && !containsFold(strings.Split(mechs, ","), mech) {
		return n.fail("", fmt.Sprintf("server does not support the %s mechanism (supports %s)", mech, mechs))
	}

	client, err := n.auth.Client()
	if err != nil {
		return n.fail("", err.Error())
	}
	mech, ir, err := client.Start()
	if err != nil {
		return n.fail("", err.Error())
	}
	n.client = client
	n.initial = ir
	n.started = false
	n.state = NegotiationSASL
	return []Message{NewMessage("AUTHENTICATE", mech)}, nil, nil
}

func (n *Negotiator) handleAuthenticate(chunk string) []Message {
	challenge, done, err := n.challenge.add(chunk)
	if err != nil {
		return []Message{NewMessage("AUTHENTICATE", "*")}
	}
	if !done {
		return nil
	}

	var resp []byte
	if !n.started && n.initial != nil {
		resp = n.initial
	} else {
		resp, err = n.client.Next(challenge)
		if err != nil {
			return []Message{NewMessage("AUTHENTICATE", "*")}
		}
	}
	n.started = true
	return authenticateMessages(resp)
}

// fail reports an authentication failure. Unless SASL is required,
// registration goes on without it.
func (n *Negotiator) fail(code, reason string) (out []Message, events []Event, err error) {
	ev := AuthErrorEvent{Code: code, Message: reason, Fatal: n.requireSASL}
	events = append(events, ev)
	n.client = nil
	if n.requireSASL {
		return nil, events, fmt.Errorf("%w: %s", ErrSASLFailed, ev.Message)
	}
	out, evs := n.end()
	return out, append(events, evs...), nil
}

// end closes negotiation with CAP END.
func (n *Negotiator) end() ([]Message, []Event) {
	n.state = NegotiationDone
	n.client = nil
	return []Message{NewMessage("CAP", "END")}, []Event{CapabilitiesEvent{Enabled: n.Enabled()}}
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
