package halloy

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/dreamydevstar/halloy/history"
	"github.com/dreamydevstar/halloy/irc"
)

// entry is a line to add to a buffer.
type entry struct {
	buffer string
	line   history.Line
}

func isBlackListed(code string) bool {
	switch code {
	case "002", "003", "004", "422":
		// useless connection messages
		return true
	}
	return false
}

// formatEvent turns a state event into buffer lines. s is the state the
// event was produced by.
func formatEvent(s *irc.State, ev irc.Event) []entry {
	switch ev := ev.(type) {
	case irc.RegisteredEvent:
		return serverLine(history.KindInfo, "Connected to the server as "+ev.Nick)
	case irc.SelfNickEvent:
		return []entry{{buffer: history.ServerBuffer, line: history.Line{
			Time:    ev.Time,
			Kind:    history.KindNick,
			Subject: ev.FormerNick,
			Text:    fmt.Sprintf("You are now known as %s", ev.NewNick),
			Self:    true,
		}}}
	case irc.UserNickEvent:
		entries := make([]entry, 0, len(ev.Channels))
		for _, c := range ev.Channels {
			entries = append(entries, entry{buffer: c, line: history.Line{
				Time:    ev.Time,
				Kind:    history.KindNick,
				Nick:    ev.User,
				Subject: ev.FormerNick,
				Text:    ev.FormerNick + " → " + ev.User,
			}})
		}
		return entries
	case irc.SelfJoinEvent:
		entries := []entry{{buffer: ev.Channel, line: history.Line{
			Kind: history.KindJoin,
			Text: "You joined " + ev.Channel,
			Self: true,
		}}}
		if ev.Topic != "" {
			entries = append(entries, entry{buffer: ev.Channel, line: history.Line{
				Kind: history.KindTopic,
				Text: "Topic: " + ev.Topic,
			}})
		}
		return entries
	case irc.UserJoinEvent:
		return []entry{{buffer: ev.Channel, line: history.Line{
			Time:    ev.Time,
			Kind:    history.KindJoin,
			Subject: ev.User,
			Text:    "+" + ev.User,
		}}}
	case irc.SelfPartEvent:
		text := "You left " + ev.Channel
		if ev.Kicker != "" {
			text = fmt.Sprintf("You were kicked from %s by %s", ev.Channel, ev.Kicker)
		}
		if ev.Reason != "" {
			text += " (" + ev.Reason + ")"
		}
		return serverLine(history.KindPart, text)
	case irc.UserPartEvent:
		text := "-" + ev.User
		if ev.Kicker != "" {
			text = fmt.Sprintf("%s was kicked by %s", ev.User, ev.Kicker)
		}
		if ev.Reason != "" {
			text += " (" + ev.Reason + ")"
		}
		return []entry{{buffer: ev.Channel, line: history.Line{
			Time:    ev.Time,
			Kind:    history.KindPart,
			Subject: ev.User,
			Text:    text,
		}}}
	case irc.UserQuitEvent:
		text := "-" + ev.User
		if ev.Reason != "" {
			text += " (" + ev.Reason + ")"
		}
		entries := make([]entry, 0, len(ev.Channels))
		for _, c := range ev.Channels {
			entries = append(entries, entry{buffer: c, line: history.Line{
				Time:    ev.Time,
				Kind:    history.KindQuit,
				Subject: ev.User,
				Text:    text,
			}})
		}
		return entries
	case irc.TopicChangeEvent:
		return []entry{{buffer: ev.Channel, line: history.Line{
			Time:    ev.Time,
			Kind:    history.KindTopic,
			Subject: ev.Who,
			Text:    fmt.Sprintf("%s changed the topic to: %s", ev.Who, ev.Topic),
		}}}
	case irc.ModeChangeEvent:
		buffer := ev.Channel
		if buffer == "" {
			buffer = history.ServerBuffer
		}
		return []entry{{buffer: buffer, line: history.Line{
			Time:    ev.Time,
			Kind:    history.KindMode,
			Subject: ev.Who,
			Text:    fmt.Sprintf("%s sets mode %s", ev.Who, ev.Mode),
		}}}
	case irc.InviteEvent:
		text := fmt.Sprintf("%s invited %s to %s", ev.Inviter, ev.Invitee, ev.Channel)
		if s.IsMe(ev.Invitee) {
			text = fmt.Sprintf("%s invited you to %s", ev.Inviter, ev.Channel)
		}
		return serverLine(history.KindInvite, text)
	case irc.MessageEvent:
		buffer, line, ok := formatMessage(s, ev)
		if !ok {
			return nil
		}
		return []entry{{buffer: buffer, line: line}}
	case irc.ErrorEvent:
		if isBlackListed(ev.Code) {
			return nil
		}
		var text string
		switch ev.Severity {
		case irc.SeverityFail:
			text = fmt.Sprintf("Error (code %s): %s", ev.Code, ev.Message)
		case irc.SeverityWarn:
			text = fmt.Sprintf("Warning (code %s): %s", ev.Code, ev.Message)
		default:
			text = ev.Code + ": " + ev.Message
		}
		return serverLine(history.KindError, text)
	case irc.InfoEvent:
		if isBlackListed(ev.Code) || ev.Message == "" {
			return nil
		}
		return serverLine(history.KindInfo, ev.Message)
	case irc.UnknownEvent:
		return serverLine(history.KindInfo, ev.Message.String())
	}
	return nil
}

func serverLine(kind history.Kind, text string) []entry {
	return []entry{{buffer: history.ServerBuffer, line: history.Line{
		Kind: kind,
		Text: text,
	}}}
}

// formatMessage computes the buffer a message belongs to and its line.
// CTCP requests other than ACTION are not shown.
func formatMessage(s *irc.State, ev irc.MessageEvent) (buffer string, line history.Line, ok bool) {
	isFromSelf := s.IsMe(ev.User)
	isNotice := ev.Command == "NOTICE"
	content := ev.Content

	kind := history.KindMessage
	if isNotice {
		kind = history.KindNotice
	}
	if strings.HasPrefix(content, "\x01") {
		content = strings.TrimSuffix(content[1:], "\x01")
		if !strings.HasPrefix(content, "ACTION") || isNotice {
			return "", line, false
		}
		content = strings.TrimPrefix(content[len("ACTION"):], " ")
		kind = history.KindAction
	}
	content = strings.TrimRightFunc(content, unicode.IsSpace)

	switch {
	case ev.TargetIsChannel:
		buffer = ev.Target
	case isFromSelf:
		buffer = ev.Target
	case ev.User == "" || strings.ContainsRune(ev.User, '.') || !s.Registered():
		// server notices
		buffer = history.ServerBuffer
	default:
		buffer = ev.User
	}

	line = history.Line{
		Time:  ev.Time,
		Kind:  kind,
		Nick:  ev.User,
		Text:  content,
		MsgID: ev.MsgID,
		Label: ev.Label,
		Self:  isFromSelf,
	}
	if line.Time.IsZero() {
		line.Time = time.Now()
	}
	return buffer, line, true
}

// formatHistory turns the messages of a chathistory batch into lines.
// Only messages of the batch target are kept.
func formatHistory(s *irc.State, ev irc.HistoryEvent) []history.Line {
	targetCf := s.Casemap(ev.Target)
	var lines []history.Line
	for _, m := range ev.Messages {
		for _, e := range formatEvent(s, m) {
			if s.Casemap(e.buffer) != targetCf {
				continue
			}
			lines = append(lines, e.line)
		}
	}
	return lines
}
