package irc

import (
	"encoding/base64"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func mustParse(t *testing.T, line string) Message {
	t.Helper()
	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("%q: %v", line, err)
	}
	return msg
}

func assertOut(t *testing.T, out []Message, expected ...string) {
	t.Helper()
	actual := make([]string, len(out))
	for i := range out {
		actual[i] = out[i].String()
	}
	if len(expected) == 0 {
		expected = []string{}
	}
	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("expected to send %q, sent %q", expected, actual)
	}
}

func TestNegotiatorRequestsIntersection(t *testing.T) {
	n := NewNegotiator([]string{"sasl", "batch", "bar"}, &SASLParams{Username: "u", Password: "p"}, false)
	assertOut(t, n.Start(), "CAP LS 302")

	out, _, err := n.Handle(mustParse(t, ":srv CAP * LS :sasl batch foo"))
	if err != nil {
		t.Fatal(err)
	}
	assertOut(t, out, "CAP REQ :sasl batch")
	if n.State() != NegotiationAwaitingAck {
		t.Errorf("expected awaiting-ack got %v", n.State())
	}

	out, _, err = n.Handle(mustParse(t, ":srv CAP * ACK :batch"))
	if err != nil {
		t.Fatal(err)
	}
	assertOut(t, out)

	out, events, err := n.Handle(mustParse(t, ":srv CAP * NAK :sasl"))
	if err != nil {
		t.Fatal(err)
	}
	assertOut(t, out, "CAP END")
	if !reflect.DeepEqual(n.Enabled(), []string{"batch"}) {
		t.Errorf("expected only batch active got %v", n.Enabled())
	}
	if !reflect.DeepEqual(n.Rejected(), []string{"sasl"}) {
		t.Errorf("expected sasl rejected got %v", n.Rejected())
	}
	if n.HasCapability("foo") || n.HasCapability("sasl") {
		t.Error("unrequested or refused capabilities must not be active")
	}

	// the credentials were not used: this must be reported
	var authErr bool
	for _, ev := range events {
		if _, ok := ev.(AuthErrorEvent); ok {
			authErr = true
		}
	}
	if !authErr {
		t.Errorf("expected an AuthErrorEvent got %#v", events)
	}
}

func TestNegotiatorMultilineLS(t *testing.T) {
	n := NewNegotiator([]string{"batch", "server-time"}, nil, false)
	n.Start()

	out, _, _ := n.Handle(mustParse(t, ":srv CAP * LS * :batch"))
	assertOut(t, out)
	out, _, _ = n.Handle(mustParse(t, ":srv CAP * LS :server-time"))
	assertOut(t, out, "CAP REQ :batch server-time")
}

func TestNegotiatorNothingToRequest(t *testing.T) {
	n := NewNegotiator([]string{"batch"}, nil, false)
	n.Start()

	out, events, err := n.Handle(mustParse(t, ":srv CAP * LS :foo"))
	if err != nil {
		t.Fatal(err)
	}
	assertOut(t, out, "CAP END")
	if n.State() != NegotiationDone {
		t.Errorf("expected done got %v", n.State())
	}
	if len(events) != 1 {
		t.Fatalf("expected one event got %#v", events)
	}
	if ev, ok := events[0].(CapabilitiesEvent); !ok || len(ev.Enabled) != 0 {
		t.Errorf("expected an empty CapabilitiesEvent got %#v", events[0])
	}
}

func TestNegotiatorSASLPlain(t *testing.T) {
	n := NewNegotiator([]string{"sasl"}, &SASLParams{Mechanism: "PLAIN", Username: "user", Password: "pass"}, true)
	n.Start()

	out, _, _ := n.Handle(mustParse(t, ":srv CAP * LS :sasl=PLAIN,EXTERNAL"))
	assertOut(t, out, "CAP REQ sasl")
	out, _, _ = n.Handle(mustParse(t, ":srv CAP * ACK sasl"))
	assertOut(t, out, "AUTHENTICATE PLAIN")
	if n.State() != NegotiationSASL {
		t.Fatalf("expected sasl state got %v", n.State())
	}

	out, _, _ = n.Handle(mustParse(t, "AUTHENTICATE +"))
	payload := base64.StdEncoding.EncodeToString([]byte("\x00user\x00pass"))
	assertOut(t, out, "AUTHENTICATE "+payload)

	_, _, _ = n.Handle(mustParse(t, ":srv 900 nick nick!u@h acct :You are now logged in as acct"))
	out, events, err := n.Handle(mustParse(t, ":srv 903 nick :SASL authentication successful"))
	if err != nil {
		t.Fatal(err)
	}
	assertOut(t, out, "CAP END")
	if len(events) == 0 || events[0] != (AuthEvent{Account: "acct"}) {
		t.Errorf("expected AuthEvent{acct} got %#v", events)
	}
	if n.Account() != "acct" {
		t.Errorf("expected account acct got %q", n.Account())
	}
}

func TestNegotiatorSASLWithExplicitCaps(t *testing.T) {
	auth := &SASLParams{Mechanism: "PLAIN", Username: "user", Password: "pass"}

	n := NewNegotiator([]string{"batch"}, auth, false)
	n.Start()
	out, _, _ := n.Handle(mustParse(t, ":srv CAP * LS :sasl=PLAIN batch"))
	assertOut(t, out, "CAP REQ :sasl batch")
	out, events, err := n.Handle(mustParse(t, ":srv CAP * ACK :sasl batch"))
	if err != nil {
		t.Fatal(err)
	}
	assertOut(t, out, "AUTHENTICATE PLAIN")
	for _, ev := range events {
		if _, ok := ev.(AuthErrorEvent); ok {
			t.Errorf("unexpected auth error %#v", ev)
		}
	}

	// no overlap with the offer besides sasl
	n = NewNegotiator([]string{"multiline"}, auth, false)
	n.Start()
	out, _, _ = n.Handle(mustParse(t, ":srv CAP * LS :sasl=PLAIN batch"))
	assertOut(t, out, "CAP REQ sasl")
	out, _, _ = n.Handle(mustParse(t, ":srv CAP * ACK sasl"))
	assertOut(t, out, "AUTHENTICATE PLAIN")
}

func TestNegotiatorSASLFailure(t *testing.T) {
	for _, required := range []bool{false, true} {
		n := NewNegotiator([]string{"sasl"}, &SASLParams{Username: "user", Password: "bad"}, required)
		n.Start()
		n.Handle(mustParse(t, ":srv CAP * LS :sasl"))
		n.Handle(mustParse(t, ":srv CAP * ACK :sasl"))
		n.Handle(mustParse(t, "AUTHENTICATE +"))

		out, events, err := n.Handle(mustParse(t, ":srv 904 nick :SASL authentication failed"))
		if len(events) == 0 {
			t.Fatalf("required=%v: expected an auth error event", required)
		}
		ev, ok := events[0].(AuthErrorEvent)
		if !ok || ev.Code != "904" || ev.Fatal != required {
			t.Errorf("required=%v: unexpected event %#v", required, events[0])
		}
		if required {
			if !errors.Is(err, ErrSASLFailed) {
				t.Errorf("expected ErrSASLFailed got %v", err)
			}
			assertOut(t, out)
		} else {
			if err != nil {
				t.Errorf("unexpected error %v", err)
			}
			assertOut(t, out, "CAP END")
		}
	}
}

func TestNegotiatorSASLRequiredUnavailable(t *testing.T) {
	n := NewNegotiator(nil, &SASLParams{Username: "u", Password: "p"}, true)
	n.Start()
	_, _, err := n.Handle(mustParse(t, ":srv CAP * LS :batch"))
	if !errors.Is(err, ErrSASLUnavailable) {
		t.Errorf("expected ErrSASLUnavailable got %v", err)
	}
}

func TestNegotiatorSASLMechanismMismatch(t *testing.T) {
	n := NewNegotiator([]string{"sasl"}, &SASLParams{Mechanism: "EXTERNAL"}, false)
	n.Start()
	n.Handle(mustParse(t, ":srv CAP * LS :sasl=PLAIN"))
	out, events, err := n.Handle(mustParse(t, ":srv CAP * ACK :sasl"))
	if err != nil {
		t.Fatal(err)
	}
	assertOut(t, out, "CAP END")
	if len(events) == 0 {
		t.Fatal("expected an auth error event")
	}
	if _, ok := events[0].(AuthErrorEvent); !ok {
		t.Errorf("expected AuthErrorEvent got %#v", events[0])
	}
}

func TestNegotiatorCapNotify(t *testing.T) {
	n := NewNegotiator([]string{"batch", "away-notify"}, nil, false)
	n.Start()
	n.Handle(mustParse(t, ":srv CAP * LS :batch"))
	n.Handle(mustParse(t, ":srv CAP * ACK :batch"))

	out, _, _ := n.Handle(mustParse(t, ":srv CAP nick NEW :away-notify foo"))
	assertOut(t, out, "CAP REQ away-notify")
	_, events, _ := n.Handle(mustParse(t, ":srv CAP nick ACK :away-notify"))
	if len(events) != 1 {
		t.Fatalf("expected a CapabilitiesEvent got %#v", events)
	}

	_, events, _ = n.Handle(mustParse(t, ":srv CAP nick DEL :batch"))
	if ev, ok := events[0].(CapabilitiesEvent); !ok || !reflect.DeepEqual(ev.Enabled, []string{"away-notify"}) {
		t.Errorf("expected away-notify only got %#v", events)
	}
}

func TestNegotiatorNoCapSupport(t *testing.T) {
	n := NewNegotiator(nil, nil, false)
	n.Start()
	_, events, err := n.Handle(mustParse(t, ":srv 001 nick :Welcome"))
	if err != nil {
		t.Fatal(err)
	}
	if n.State() != NegotiationDone || len(events) != 1 {
		t.Errorf("expected negotiation over, got %v %#v", n.State(), events)
	}
}

func TestAuthenticateChunks(t *testing.T) {
	resp := []byte(strings.Repeat("x", 300)) // 400 base64 bytes
	out := authenticateMessages(resp)
	if len(out) != 2 {
		t.Fatalf("expected 2 messages got %d", len(out))
	}
	if len(out[0].Params[0]) != 400 || out[1].Params[0] != "+" {
		t.Errorf("unexpected chunks %v", out)
	}

	var cb challengeBuffer
	encoded := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("y", 310)))
	_, done, _ := cb.add(encoded[:400])
	if done {
		t.Fatal("a 400 bytes chunk must wait for the next one")
	}
	challenge, done, err := cb.add(encoded[400:])
	if !done || err != nil || string(challenge) != strings.Repeat("y", 310) {
		t.Errorf("unexpected reassembly: %v %v %q", done, err, challenge)
	}
}
