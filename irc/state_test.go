package irc

import (
	"reflect"
	"testing"
	"time"
)

func newTestState(t *testing.T, lines ...string) *State {
	t.Helper()
	s := NewState(StateParams{Nickname: "me", Username: "me", RealName: "Me"})
	apply(t, s, ":srv 001 me :Welcome")
	apply(t, s, ":srv 005 me CASEMAPPING=rfc1459 CHANTYPES=# PREFIX=(ov)@+ CHANMODES=beI,k,l,imnpst :are supported")
	for _, line := range lines {
		apply(t, s, line)
	}
	return s
}

func apply(t *testing.T, s *State, line string) []Event {
	t.Helper()
	events, err := s.Apply(mustParse(t, line))
	if err != nil {
		t.Fatalf("%q: %v", line, err)
	}
	return events
}

// assertConsistent checks that every channel member is the user registered
// under its casefolded nickname.
func assertConsistent(t *testing.T, s *State) {
	t.Helper()
	for _, c := range s.channels {
		for u := range c.Members {
			registered, ok := s.users[s.casemap(u.Name.Name)]
			if !ok {
				t.Errorf("%s: member %q is not a known user", c.Name, u.Name.Name)
			} else if registered != u {
				t.Errorf("%s: member %q is a stale copy", c.Name, u.Name.Name)
			}
		}
	}
}

func names(members []Member) []string {
	res := make([]string, len(members))
	for i, m := range members {
		res[i] = m.PowerLevel + m.Name.Name
	}
	return res
}

func TestStateJoinNames(t *testing.T) {
	s := newTestState(t,
		":me!me@host JOIN #chan",
		":srv 332 me #chan :the topic",
		":srv 333 me #chan setter!u@h 1600000000",
	)
	events := apply(t, s, ":srv 353 me = #chan :@op +voice me plain!u@h")
	if len(events) != 0 {
		t.Errorf("expected no event before end of names got %#v", events)
	}

	s.PendingJoin("#Chan")
	events = apply(t, s, ":srv 366 me #chan :End of /NAMES list.")
	expected := []Event{SelfJoinEvent{Channel: "#chan", Topic: "the topic", Requested: true}}
	if !reflect.DeepEqual(events, expected) {
		t.Errorf("expected %#v got %#v", expected, events)
	}

	if actual := names(s.Names("#CHAN")); !reflect.DeepEqual(actual, []string{"@op", "+voice", "me", "plain"}) {
		t.Errorf("unexpected names %v", actual)
	}
	topic, who, at := s.Topic("#chan")
	if topic != "the topic" || who.Name != "setter" || !at.Equal(time.Unix(1600000000, 0)) {
		t.Errorf("unexpected topic %q %v %v", topic, who, at)
	}
	if u, ok := s.User("plain"); !ok || u.Name.Host != "h" {
		t.Errorf("expected plain with host h got %#v", u)
	}
	assertConsistent(t, s)
}

func TestStateNickChange(t *testing.T) {
	s := newTestState(t,
		":me!me@host JOIN #a",
		":srv 353 me = #a :me alice bob",
		":srv 366 me #a :End",
		":me!me@host JOIN #b",
		":srv 353 me = #b :me alice",
		":srv 366 me #b :End",
	)

	events := apply(t, s, ":alice!u@h NICK Alicia")
	expected := []Event{UserNickEvent{User: "Alicia", FormerNick: "alice", Channels: []string{"#a", "#b"}}}
	if len(events) != 1 {
		t.Fatalf("expected one event got %#v", events)
	}
	ev := events[0].(UserNickEvent)
	ev.Time = time.Time{}
	if !reflect.DeepEqual([]Event{ev}, expected) {
		t.Errorf("expected %#v got %#v", expected, events)
	}

	for _, channel := range []string{"#a", "#b"} {
		found := false
		for _, m := range s.Names(channel) {
			if m.Name.Name == "alice" {
				t.Errorf("%s: old nickname still listed", channel)
			}
			if m.Name.Name == "Alicia" {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: new nickname not listed", channel)
		}
	}
	if _, ok := s.User("alice"); ok {
		t.Error("old nickname still known")
	}
	assertConsistent(t, s)

	events = apply(t, s, ":me!me@host NICK me2")
	if _, ok := events[0].(SelfNickEvent); !ok || s.Nick() != "me2" || !s.IsMe("ME2") {
		t.Errorf("expected own nick change got %#v (nick %q)", events, s.Nick())
	}
	assertConsistent(t, s)
}

func TestStateCasemappedLookups(t *testing.T) {
	s := newTestState(t,
		":me!me@host JOIN #Chan[x]",
		":srv 353 me = #Chan[x] :me Nick[1]",
		":srv 366 me #Chan[x] :End",
	)
	if s.Names("#chan{X}") == nil {
		t.Error("rfc1459 casemapping must fold [] to {}")
	}
	apply(t, s, ":nick{1}!u@h PART #CHAN{x} :bye")
	if actual := names(s.Names("#chan[x]")); !reflect.DeepEqual(actual, []string{"me"}) {
		t.Errorf("expected only me left got %v", actual)
	}
	if _, ok := s.User("Nick[1]"); ok {
		t.Error("a user sharing no channel must be forgotten")
	}
}

func TestStateQuitRemovesEverywhere(t *testing.T) {
	s := newTestState(t,
		":me!me@host JOIN #a",
		":srv 353 me = #a :me bob",
		":srv 366 me #a :End",
		":me!me@host JOIN #b",
		":srv 353 me = #b :me bob",
		":srv 366 me #b :End",
	)
	events := apply(t, s, ":bob!u@h QUIT :Ping timeout")
	ev, ok := events[0].(UserQuitEvent)
	if !ok || !reflect.DeepEqual(ev.Channels, []string{"#a", "#b"}) || ev.Reason != "Ping timeout" {
		t.Errorf("unexpected quit event %#v", events)
	}
	for _, channel := range []string{"#a", "#b"} {
		if actual := names(s.Names(channel)); !reflect.DeepEqual(actual, []string{"me"}) {
			t.Errorf("%s: expected only me got %v", channel, actual)
		}
	}
}

func TestStateKickAndSelfPart(t *testing.T) {
	s := newTestState(t,
		":me!me@host JOIN #a",
		":srv 353 me = #a :@me bob",
		":srv 366 me #a :End",
	)
	events := apply(t, s, ":me!me@host KICK #a bob :spam")
	if ev, ok := events[0].(UserPartEvent); !ok || ev.Kicker != "me" || ev.Reason != "spam" || ev.User != "bob" {
		t.Errorf("unexpected kick event %#v", events)
	}

	events = apply(t, s, ":me!me@host PART #a")
	if _, ok := events[0].(SelfPartEvent); !ok {
		t.Errorf("expected SelfPartEvent got %#v", events)
	}
	if len(s.Channels()) != 0 {
		t.Errorf("expected no channel left got %v", s.Channels())
	}
}

func TestStateModes(t *testing.T) {
	s := newTestState(t,
		":me!me@host JOIN #a",
		":srv 353 me = #a :@me bob",
		":srv 366 me #a :End",
		":srv 324 me #a +nt",
	)
	if actual := s.ChannelMode("#a"); actual != "+nt" {
		t.Errorf("expected +nt got %q", actual)
	}

	events := apply(t, s, ":me!me@host MODE #a +ovk bob bob secret")
	if ev, ok := events[0].(ModeChangeEvent); !ok || ev.Channel != "#a" || ev.Mode != "+ovk bob bob secret" {
		t.Errorf("unexpected mode event %#v", events)
	}
	if actual := names(s.Names("#a")); !reflect.DeepEqual(actual, []string{"@+bob", "@me"}) {
		t.Errorf("expected bob op and voiced got %v", actual)
	}
	if actual := s.ChannelMode("#a"); actual != "+knt secret" {
		t.Errorf("expected +knt secret got %q", actual)
	}

	apply(t, s, ":me!me@host MODE #a -o bob")
	if actual := names(s.Names("#a")); !reflect.DeepEqual(actual, []string{"@me", "+bob"}) {
		t.Errorf("expected bob voiced only got %v", actual)
	}

	// a MODE for a channel we did not know of creates it
	apply(t, s, ":srv MODE #unknown +n")
	if s.ChannelMode("#unknown") != "+n" {
		t.Error("expected #unknown to be created with +n")
	}

	if _, err := s.Apply(mustParse(t, ":me!me@host MODE #a +k")); err == nil {
		t.Error("expected an error for a missing mode param")
	}
}

func TestStateAwayAccountChghost(t *testing.T) {
	s := newTestState(t,
		":me!me@host JOIN #a",
		":srv 353 me = #a :me bob",
		":srv 366 me #a :End",
	)
	events := apply(t, s, ":bob!u@h AWAY :lunch")
	if ev, ok := events[0].(UserAwayEvent); !ok || !ev.Away || ev.Message != "lunch" {
		t.Errorf("unexpected away event %#v", events)
	}
	apply(t, s, ":bob!u@h ACCOUNT bobby")
	apply(t, s, ":bob!u@h CHGHOST newuser new.host")
	u, _ := s.User("bob")
	if !u.Away || u.AwayMsg != "lunch" || u.Account != "bobby" || u.Name.User != "newuser" || u.Name.Host != "new.host" {
		t.Errorf("unexpected user %#v %#v", u, u.Name)
	}
	apply(t, s, ":bob!u@h AWAY")
	if u, _ := s.User("bob"); u.Away {
		t.Error("expected bob back")
	}
}

func TestStateMessages(t *testing.T) {
	s := newTestState(t,
		":me!me@host JOIN #a",
		":srv 353 me = #a :me bob",
		":srv 366 me #a :End",
	)
	events := apply(t, s, "@msgid=42;time=2021-01-01T00:00:00.000Z :bob!u@h PRIVMSG #A :hello")
	ev := events[0].(MessageEvent)
	if ev.User != "bob" || ev.Target != "#a" || !ev.TargetIsChannel || ev.Content != "hello" || ev.MsgID != "42" {
		t.Errorf("unexpected message event %#v", ev)
	}

	apply(t, s, "@+typing=active :bob!u@h TAGMSG #a")
	if actual := s.Typings("#a"); !reflect.DeepEqual(actual, []string{"bob"}) {
		t.Errorf("expected bob typing got %v", actual)
	}
	apply(t, s, ":bob!u@h PRIVMSG #a :done typing")
	if actual := s.Typings("#a"); len(actual) != 0 {
		t.Errorf("expected nobody typing got %v", actual)
	}

	events = apply(t, s, "NOTICE AUTH :*** Looking up your hostname")
	if ev := events[0].(MessageEvent); ev.User != "" || ev.Content != "*** Looking up your hostname" {
		t.Errorf("unexpected server notice %#v", ev)
	}
}

func TestStateChathistoryBatch(t *testing.T) {
	s := newTestState(t, ":me!me@host JOIN #a")
	msg, ok := s.HistoryRequest("#a", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), 50)
	if !ok || msg.String() != "CHATHISTORY BEFORE #a timestamp=2021-01-01T00:00:00.000Z 50" {
		t.Errorf("unexpected request %q", msg.String())
	}
	if _, ok := s.HistoryRequest("#a", time.Now(), 50); ok {
		t.Error("a second request must wait for the first one")
	}

	apply(t, s, ":srv BATCH +b1 chathistory #a")
	if events := apply(t, s, "@batch=b1 :bob!u@h PRIVMSG #a :old"); len(events) != 0 {
		t.Errorf("batched messages must not be emitted alone, got %#v", events)
	}
	apply(t, s, "@batch=b1 :bob!u@h JOIN #a")
	events := apply(t, s, ":srv BATCH -b1")
	h, ok := events[0].(HistoryEvent)
	if !ok || h.Target != "#a" || len(h.Messages) != 2 {
		t.Fatalf("unexpected history event %#v", events)
	}
	if names(s.Names("#a"))[0] != "me" || len(s.Names("#a")) != 1 {
		t.Error("playback must not change membership")
	}
	if _, ok := s.HistoryRequest("#a", time.Now(), 50); !ok {
		t.Error("a finished batch must allow a new request")
	}
}

func TestStateUnknownAndErrors(t *testing.T) {
	s := newTestState(t)
	events := apply(t, s, ":srv FOO bar")
	if _, ok := events[0].(UnknownEvent); !ok {
		t.Errorf("expected UnknownEvent got %#v", events)
	}
	events = apply(t, s, ":srv 404 me #a :Cannot send to channel")
	if ev, ok := events[0].(ErrorEvent); !ok || ev.Code != "404" {
		t.Errorf("expected ErrorEvent got %#v", events)
	}
	events = apply(t, s, ":srv FAIL CHATHISTORY INVALID_TARGET #a :nope")
	if ev, ok := events[0].(ErrorEvent); !ok || ev.Severity != SeverityFail || ev.Code != "INVALID_TARGET" {
		t.Errorf("expected FAIL ErrorEvent got %#v", events)
	}
	events = apply(t, s, ":srv 372 me :- motd line")
	if ev, ok := events[0].(InfoEvent); !ok || ev.Message != "- motd line" {
		t.Errorf("expected InfoEvent got %#v", events)
	}

	if _, err := s.Apply(mustParse(t, "PRIVMSG #a :no prefix")); err == nil {
		t.Error("expected an error for a PRIVMSG without prefix")
	}
}

func TestStateCasemappingChange(t *testing.T) {
	s := NewState(StateParams{Nickname: "me"})
	apply(t, s, ":srv 001 me :Welcome")
	apply(t, s, ":me!me@host JOIN #a[1]")
	apply(t, s, ":srv 353 me = #a[1] :me Bob[x]")
	apply(t, s, ":srv 005 me CASEMAPPING=ascii :are supported")

	if s.Names("#A[1]") == nil {
		t.Error("channel must be found with ascii casemapping")
	}
	if s.Names("#a{1}") != nil {
		t.Error("ascii casemapping must not fold [] to {}")
	}
	if _, ok := s.User("bob[X]"); !ok {
		t.Error("user must be found with ascii casemapping")
	}
	assertConsistent(t, s)
}

func TestStateRepeatedSelfJoin(t *testing.T) {
	s := newTestState(t,
		":me!me@host JOIN #chan",
		":srv 353 me = #chan :me bob alice",
		":srv 366 me #chan :End of /NAMES list",
		":me!me@host JOIN #other",
		":srv 353 me = #other :me alice",
		":srv 366 me #other :End of /NAMES list",
	)
	c := s.channels["#chan"]

	apply(t, s, ":me!me@host JOIN #chan")
	if s.channels["#chan"] != c {
		t.Error("the channel must be reused")
	}
	if actual := names(s.Names("#chan")); !reflect.DeepEqual(actual, []string{"me"}) {
		t.Errorf("expected only me in #chan, got %q", actual)
	}
	if _, ok := s.User("bob"); ok {
		t.Error("bob shares no channel anymore and must be forgotten")
	}
	if _, ok := s.User("alice"); !ok {
		t.Error("alice is still in #other")
	}
	assertConsistent(t, s)
}

func TestStateISupportNegation(t *testing.T) {
	s := newTestState(t, ":srv 005 me LINELEN=1024 CHATHISTORY=50 CHANTYPES=#! PREFIX=(qov)~@+ :are supported")
	if s.LineLen() != 1024 || s.HistoryLimit() != 50 {
		t.Fatalf("unexpected features: linelen %d, history %d", s.LineLen(), s.HistoryLimit())
	}

	apply(t, s, ":srv 005 me -LINELEN -CHATHISTORY -CHANTYPES -PREFIX :are no longer supported")
	if s.LineLen() != MaxLineLen {
		t.Errorf("expected linelen %d, got %d", MaxLineLen, s.LineLen())
	}
	if s.HistoryLimit() != defaultHistoryLimit {
		t.Errorf("expected history limit %d, got %d", defaultHistoryLimit, s.HistoryLimit())
	}
	if s.IsChannel("!chan") || !s.IsChannel("#chan") {
		t.Error("expected default channel types")
	}
	if s.prefixSymbols != defaultPrefixSymbols || s.prefixModes != defaultPrefixModes {
		t.Errorf("expected default prefixes, got %q %q", s.prefixModes, s.prefixSymbols)
	}
}

func TestSplitMessage(t *testing.T) {
	s := newTestState(t, ":srv 005 me LINELEN=100 :are supported")
	long := ""
	for i := 0; i < 30; i++ {
		long += "word "
	}
	chunks := s.SplitMessage("#a", long)
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks got %d", len(chunks))
	}
	joined := ""
	for _, c := range chunks {
		joined += c
	}
	if joined != long {
		t.Error("chunks must join back to the message")
	}
}
