package halloy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamydevstar/halloy/history"
	"github.com/dreamydevstar/halloy/irc"
)

func registeredState(t *testing.T) *irc.State {
	t.Helper()
	s := irc.NewState(irc.StateParams{Nickname: "me", Username: "me", RealName: "me"})
	msg, err := irc.ParseMessage(":srv 001 me :Welcome")
	require.NoError(t, err)
	_, err = s.Apply(msg)
	require.NoError(t, err)
	return s
}

func TestFormatMessage(t *testing.T) {
	s := registeredState(t)
	at := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		ev     irc.MessageEvent
		buffer string
		kind   history.Kind
		text   string
		self   bool
		ok     bool
	}{
		{
			name:   "channel",
			ev:     irc.MessageEvent{User: "bob", Target: "#a", TargetIsChannel: true, Command: "PRIVMSG", Content: "hi  "},
			buffer: "#a", kind: history.KindMessage, text: "hi", ok: true,
		},
		{
			name:   "query",
			ev:     irc.MessageEvent{User: "bob", Target: "me", Command: "PRIVMSG", Content: "psst"},
			buffer: "bob", kind: history.KindMessage, text: "psst", ok: true,
		},
		{
			name:   "own query",
			ev:     irc.MessageEvent{User: "ME", Target: "bob", Command: "PRIVMSG", Content: "yes?"},
			buffer: "bob", kind: history.KindMessage, text: "yes?", self: true, ok: true,
		},
		{
			name:   "action",
			ev:     irc.MessageEvent{User: "bob", Target: "#a", TargetIsChannel: true, Command: "PRIVMSG", Content: "\x01ACTION waves\x01"},
			buffer: "#a", kind: history.KindAction, text: "waves", ok: true,
		},
		{
			name:   "server notice",
			ev:     irc.MessageEvent{User: "irc.example.org", Target: "me", Command: "NOTICE", Content: "welcome"},
			buffer: history.ServerBuffer, kind: history.KindNotice, text: "welcome", ok: true,
		},
		{
			name: "ctcp version",
			ev:   irc.MessageEvent{User: "bob", Target: "me", Command: "PRIVMSG", Content: "\x01VERSION\x01"},
		},
		{
			name: "ctcp reply",
			ev:   irc.MessageEvent{User: "bob", Target: "me", Command: "NOTICE", Content: "\x01ACTION nope\x01"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.ev.Time = at
			buffer, line, ok := formatMessage(s, test.ev)
			require.Equal(t, test.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, test.buffer, buffer)
			assert.Equal(t, test.kind, line.Kind)
			assert.Equal(t, test.text, line.Text)
			assert.Equal(t, test.self, line.Self)
			assert.Equal(t, at, line.Time)
		})
	}
}

func TestFormatEvent(t *testing.T) {
	s := registeredState(t)

	entries := formatEvent(s, irc.UserQuitEvent{User: "bob", Channels: []string{"#a", "#b"}, Reason: "bye"})
	require.Len(t, entries, 2)
	assert.Equal(t, "#a", entries[0].buffer)
	assert.Equal(t, "#b", entries[1].buffer)
	assert.Equal(t, history.KindQuit, entries[0].line.Kind)
	assert.Equal(t, "bob", entries[0].line.Subject)
	assert.Equal(t, "-bob (bye)", entries[0].line.Text)

	entries = formatEvent(s, irc.SelfPartEvent{Channel: "#a", Kicker: "op", Reason: "spam"})
	require.Len(t, entries, 1)
	assert.Equal(t, history.ServerBuffer, entries[0].buffer)
	assert.Equal(t, "You were kicked from #a by op (spam)", entries[0].line.Text)

	entries = formatEvent(s, irc.InviteEvent{Inviter: "bob", Invitee: "me", Channel: "#c"})
	require.Len(t, entries, 1)
	assert.Equal(t, "bob invited you to #c", entries[0].line.Text)

	assert.Empty(t, formatEvent(s, irc.InfoEvent{Code: "004", Message: "srv 1.0"}))
	assert.Empty(t, formatEvent(s, irc.UserAwayEvent{User: "bob", Away: true}))

	entries = formatEvent(s, irc.ErrorEvent{Severity: irc.SeverityFail, Code: "401", Message: "No such nick"})
	require.Len(t, entries, 1)
	assert.Equal(t, history.KindError, entries[0].line.Kind)
	assert.Equal(t, "Error (code 401): No such nick", entries[0].line.Text)
}

func TestFormatHistory(t *testing.T) {
	s := registeredState(t)
	at := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	lines := formatHistory(s, irc.HistoryEvent{
		Target: "#a",
		Messages: []irc.Event{
			irc.MessageEvent{User: "bob", Target: "#a", TargetIsChannel: true, Command: "PRIVMSG", Content: "one", Time: at},
			irc.UserJoinEvent{User: "alice", Channel: "#a", Time: at},
			irc.MessageEvent{User: "bob", Target: "#b", TargetIsChannel: true, Command: "PRIVMSG", Content: "elsewhere", Time: at},
		},
	})
	require.Len(t, lines, 2)
	assert.Equal(t, "one", lines[0].Text)
	assert.Equal(t, history.KindJoin, lines[1].Kind)
}
