package irc

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxLineLen is the maximum length of a line without tags, CRLF included.
	MaxLineLen = 512
	// MaxTagsLen is the maximum length of the tag section, "@" and trailing
	// space included.
	MaxTagsLen = 8191
)

var (
	ErrEmptyMessage      = errors.New("empty message")
	ErrIncompleteMessage = errors.New("message is incomplete")
	ErrLineTooLong       = errors.New("line too long")
)

var (
	ErrEmptyBatchID    = errors.New("empty BATCH ID")
	ErrNoPrefix        = errors.New("missing prefix")
	ErrNotEnoughParams = errors.New("not enough params")
	ErrUnknownCommand  = errors.New("unknown command")
)

func word(s string) (w, rest string) {
	w, rest, _ = strings.Cut(s, " ")
	return
}

func tagEscape(c rune) (escape rune) {
	switch c {
	case ':':
		escape = ';'
	case 's':
		escape = ' '
	case 'r':
		escape = '\r'
	case 'n':
		escape = '\n'
	default:
		escape = c
	}

	return
}

func unescapeTagValue(escaped string) string {
	var builder strings.Builder
	builder.Grow(len(escaped))
	escape := false

	for _, c := range escaped {
		if c == '\\' && !escape {
			escape = true
		} else {
			var cpp rune

			if escape {
				cpp = tagEscape(c)
			} else {
				cpp = c
			}

			builder.WriteRune(cpp)
			escape = false
		}
	}

	return builder.String()
}

func escapeTagValue(unescaped string) string {
	var builder strings.Builder
	builder.Grow(len(unescaped))

	for _, c := range unescaped {
		switch c {
		case ';':
			builder.WriteString(`\:`)
		case ' ':
			builder.WriteString(`\s`)
		case '\\':
			builder.WriteString(`\\`)
		case '\r':
			builder.WriteString(`\r`)
		case '\n':
			builder.WriteString(`\n`)
		default:
			builder.WriteRune(c)
		}
	}

	return builder.String()
}

// Tag is a single message tag. Tags without a value have an empty Value.
type Tag struct {
	Key   string
	Value string
}

// Tags is the ordered list of tags of a message.
type Tags []Tag

// Get returns the value of the tag named key.
func (tags Tags) Get(key string) (value string, ok bool) {
	for _, tag := range tags {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

// Set replaces the value of the tag named key, or appends it.
func (tags *Tags) Set(key, value string) {
	for i := range *tags {
		if (*tags)[i].Key == key {
			(*tags)[i].Value = value
			return
		}
	}
	*tags = append(*tags, Tag{Key: key, Value: value})
}

// Del removes the tag named key.
func (tags *Tags) Del(key string) {
	for i := range *tags {
		if (*tags)[i].Key == key {
			*tags = append((*tags)[:i], (*tags)[i+1:]...)
			return
		}
	}
}

func parseTags(s string) (tags Tags) {
	s = s[1:]

	for _, item := range strings.Split(s, ";") {
		if item == "" || item == "=" || item == "+" || item == "+=" {
			continue
		}

		k, v, _ := strings.Cut(item, "=")
		tags.Set(k, unescapeTagValue(v))
	}

	return
}

// Prefix is the source of a message.
type Prefix struct {
	Name string
	User string
	Host string
}

// ParsePrefix parses a "nick!user@host" string.
func ParsePrefix(s string) (p *Prefix) {
	if s == "" {
		return nil
	}

	p = &Prefix{}

	spl0 := strings.SplitN(s, "@", 2)
	if 1 < len(spl0) {
		p.Host = spl0[1]
	}

	spl1 := strings.SplitN(spl0[0], "!", 2)
	if 1 < len(spl1) {
		p.User = spl1[1]
	}

	p.Name = spl1[0]

	return
}

// Copy makes a copy of the prefix, but doesn't copy the internal strings.
func (p *Prefix) Copy() *Prefix {
	if p == nil {
		return nil
	}
	res := &Prefix{}
	*res = *p
	return res
}

// String returns the "nick!user@host" representation of the prefix.
func (p *Prefix) String() string {
	if p == nil {
		return ""
	}

	if p.User != "" && p.Host != "" {
		return p.Name + "!" + p.User + "@" + p.Host
	} else if p.User != "" {
		return p.Name + "!" + p.User
	} else if p.Host != "" {
		return p.Name + "@" + p.Host
	} else {
		return p.Name
	}
}

// Message is a parsed IRC line.
type Message struct {
	Tags    Tags
	Prefix  *Prefix
	Command string
	Params  []string
}

// NewMessage builds a message from a command and its params.
func NewMessage(command string, params ...string) Message {
	return Message{Command: command, Params: params}
}

// WithTag returns a copy of msg with the given tag set.
func (msg Message) WithTag(key, value string) Message {
	tags := make(Tags, len(msg.Tags), len(msg.Tags)+1)
	copy(tags, msg.Tags)
	tags.Set(key, value)
	msg.Tags = tags
	return msg
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ParseMessage parses a line, with or without its terminating CRLF.
//
// Lines longer than the protocol limits are truncated: the truncated
// message is returned along with an error wrapping ErrLineTooLong, so that
// callers may keep the message and report the problem.
func ParseMessage(line string) (msg Message, err error) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimLeft(line, " ")
	if line == "" {
		err = ErrEmptyMessage
		return
	}

	var tooLong error

	if line[0] == '@' {
		var tags string

		tags, line = word(line)
		if MaxTagsLen-1 < len(tags) {
			tooLong = fmt.Errorf("%w: %d bytes of tags", ErrLineTooLong, len(tags)+1)
			tags = tags[:MaxTagsLen-1]
			if i := strings.LastIndexByte(tags, ';'); 0 < i {
				tags = tags[:i]
			}
		}
		msg.Tags = parseTags(tags)
	}

	line = strings.TrimLeft(line, " ")
	if MaxLineLen-2 < len(line) {
		tooLong = fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(line)+2)
		line = truncateUTF8(line, MaxLineLen-2)
	}
	if line == "" {
		err = ErrIncompleteMessage
		return
	}

	if line[0] == ':' {
		var prefix string

		prefix, line = word(line)
		msg.Prefix = ParsePrefix(prefix[1:])
	}

	line = strings.TrimLeft(line, " ")
	if line == "" {
		err = ErrIncompleteMessage
		return
	}

	msg.Command, line = word(line)
	msg.Command = strings.ToUpper(msg.Command)

	for line != "" {
		if line[0] == ':' {
			msg.Params = append(msg.Params, line[1:])
			break
		}

		var param string
		param, line = word(line)
		if param == "" {
			continue
		}
		msg.Params = append(msg.Params, param)
	}

	err = tooLong
	return
}

// String serializes msg, without the terminating CRLF.
func (msg *Message) String() string {
	var sb strings.Builder

	if 0 < len(msg.Tags) {
		sb.WriteRune('@')
		for i, tag := range msg.Tags {
			if 0 < i {
				sb.WriteRune(';')
			}
			sb.WriteString(tag.Key)
			if tag.Value != "" {
				sb.WriteRune('=')
				sb.WriteString(escapeTagValue(tag.Value))
			}
		}
		sb.WriteRune(' ')
	}

	if msg.Prefix != nil {
		sb.WriteRune(':')
		sb.WriteString(msg.Prefix.String())
		sb.WriteRune(' ')
	}

	sb.WriteString(msg.Command)

	if 0 < len(msg.Params) {
		for _, p := range msg.Params[:len(msg.Params)-1] {
			sb.WriteRune(' ')
			sb.WriteString(p)
		}
		lastParam := msg.Params[len(msg.Params)-1]
		if lastParam == "" || strings.ContainsRune(lastParam, ' ') || lastParam[0] == ':' {
			sb.WriteString(" :")
		} else {
			sb.WriteRune(' ')
		}
		sb.WriteString(lastParam)
	}

	return sb.String()
}

// Bytes serializes msg with its terminating CRLF.
func (msg *Message) Bytes() []byte {
	return []byte(msg.String() + "\r\n")
}

// IsReply reports whether the command is a three-digit numeric.
func (msg *Message) IsReply() bool {
	if len(msg.Command) != 3 {
		return false
	}
	for _, r := range msg.Command {
		if !('0' <= r && r <= '9') {
			return false
		}
	}
	return true
}

// Validate checks that msg carries what its command needs.
func (msg *Message) Validate() (err error) {
	switch msg.Command {
	case rplWelcome:
		err = msg.needParams(1)
	case rplIsupport:
		err = msg.needParams(3)
	case rplWhoreply:
		err = msg.needParams(8)
	case rplLoggedin:
		err = msg.needParams(3)
	case rplLoggedout:
		err = msg.needParams(2)
	case rplNamreply:
		err = msg.needParams(4)
	case rplEndofnames, rplNotopic, rplAway:
		err = msg.needParams(2)
	case rplTopic, rplChannelmodeis:
		err = msg.needParams(3)
	case rplTopicwhotime:
		err = msg.needParams(4)
	case "AUTHENTICATE", "PING", "PONG":
		err = msg.needParams(1)
	case "CAP":
		if err = msg.needParams(3); err != nil {
			break
		}
		switch msg.Params[1] {
		case "LS", "LIST", "ACK", "NAK", "NEW", "DEL":
		default:
			err = ErrUnknownCommand
		}
	case "JOIN", "PART", "TAGMSG", "ACCOUNT", "INVITE":
		err = msg.needPrefixAndParams(1)
	case "NICK", "MODE":
		err = msg.needPrefixAndParams(1)
	case "KICK", "PRIVMSG", "CHGHOST":
		err = msg.needPrefixAndParams(2)
	case "NOTICE":
		err = msg.needParams(2)
	case "QUIT", "AWAY", "SETNAME":
		if msg.Prefix == nil {
			err = ErrNoPrefix
		}
	case "TOPIC":
		err = msg.needPrefixAndParams(2)
	case "BATCH":
		if err = msg.needParams(1); err != nil {
			break
		}
		if len(msg.Params[0]) < 2 {
			err = ErrEmptyBatchID
			break
		}
		if msg.Params[0][0] == '+' {
			if err = msg.needParams(2); err != nil {
				break
			}
			if msg.Params[1] == "chathistory" {
				err = msg.needParams(3)
			}
		} else if msg.Params[0][0] != '-' {
			err = ErrEmptyBatchID
		}
	}
	if err != nil {
		err = fmt.Errorf("%s: %w", msg.Command, err)
	}
	return
}

// ParseParams copies the first params of msg into out. A nil pointer skips
// the corresponding param.
func (msg *Message) ParseParams(out ...*string) error {
	if len(msg.Params) < len(out) {
		return fmt.Errorf("%s: %w", msg.Command, ErrNotEnoughParams)
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}

func (msg *Message) needParams(n int) error {
	if len(msg.Params) < n {
		return ErrNotEnoughParams
	}
	return nil
}

func (msg *Message) needPrefixAndParams(n int) error {
	if msg.Prefix == nil {
		return ErrNoPrefix
	}
	return msg.needParams(n)
}

// Time returns the time from the server-time tag.
func (msg *Message) Time() (t time.Time, ok bool) {
	var tag string
	var year, month, day, hour, minute, second, millis int

	tag, ok = msg.Tags.Get("time")
	if !ok {
		return
	}

	tag = strings.TrimSuffix(tag, "Z")

	_, err := fmt.Sscanf(tag, "%4d-%2d-%2dT%2d:%2d:%2d.%3d", &year, &month, &day, &hour, &minute, &second, &millis)
	if err != nil || month < 1 || 12 < month {
		ok = false
		return
	}

	t = time.Date(year, time.Month(month), day, hour, minute, second, millis*1e6, time.UTC)
	t = t.Local()

	return
}

// TimeOrNow returns the time from the server-time tag, or the current time.
func (msg *Message) TimeOrNow() time.Time {
	t, ok := msg.Time()
	if ok {
		return t
	}
	return time.Now()
}

// formatTime formats t the way the server-time tag does.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Cap is one item of a CAP LS/NEW/DEL/ACK list.
type Cap struct {
	Name   string
	Value  string
	Enable bool
}

// ParseCaps parses a space-separated capability list.
func ParseCaps(caps string) (diff []Cap) {
	for _, c := range strings.Split(caps, " ") {
		if c == "" || c == "-" || c == "=" || c == "-=" {
			continue
		}

		var item Cap

		if strings.HasPrefix(c, "-") {
			item.Enable = false
			c = c[1:]
		} else {
			item.Enable = true
		}

		name, value, _ := strings.Cut(c, "=")
		item.Name = strings.ToLower(name)
		item.Value = value

		diff = append(diff, item)
	}

	return
}

// Member is one entry of a RPL_NAMREPLY.
type Member struct {
	PowerLevel string
	Name       *Prefix
	Away       bool
}

// ParseNameReply parses the trailing param of RPL_NAMREPLY, given the
// PREFIX symbols of the server.
func ParseNameReply(trailing string, prefixes string) (names []Member) {
	for _, word := range strings.Split(trailing, " ") {
		if word == "" {
			continue
		}

		name := strings.TrimLeft(word, prefixes)
		names = append(names, Member{
			PowerLevel: word[:len(word)-len(name)],
			Name:       ParsePrefix(name),
		})
	}

	return
}
