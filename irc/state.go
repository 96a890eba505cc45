package irc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// User is a known user of a server. There is one *User per casefolded
// nickname; channels refer to it rather than holding copies.
type User struct {
	Name     *Prefix
	RealName string
	Away     bool
	AwayMsg  string
	Account  string
}

// Membership is the membership of a user in a channel.
type Membership struct {
	Prefixes   string // prefix symbols, in PREFIX order
	LastActive time.Time
}

// Channel is a joined channel.
type Channel struct {
	Name      string
	Members   map[*User]Membership
	Topic     string
	TopicWho  *Prefix
	TopicTime time.Time
	Modes     ChannelModes
	Secret    bool
	complete  bool
}

type StateParams struct {
	Nickname string
	Username string
	RealName string
}

// State is the view of a server built from the messages it sent: own
// nickname, ISUPPORT features, users and channels.
//
// State is not safe for concurrent use. Apply is its only mutator besides
// PendingJoin and HistoryRequest.
type State struct {
	nick       string
	nickCf     string
	user       string
	real       string
	registered bool

	casemap       Casemapping
	chantypes     string
	chanmodes     [4]string
	linelen       int
	historyLimit  int
	prefixSymbols string
	prefixModes   string

	users           map[string]*User
	channels        map[string]*Channel
	pendingChannels map[string]pendingJoin
	batches         map[string]*HistoryEvent
	historyRequests map[string]struct{}

	typings *Typings
}

// ISUPPORT values assumed until the server advertises its own.
const (
	defaultChantypes     = "#&"
	defaultHistoryLimit  = 100
	defaultPrefixSymbols = "@+"
	defaultPrefixModes   = "ov"
)

var defaultChanmodes = [4]string{"beI", "k", "l", "imnpst"}

func NewState(params StateParams) *State {
	s := &State{
		nick:            params.Nickname,
		user:            params.Username,
		real:            params.RealName,
		casemap:         CasemapRFC1459,
		chantypes:       defaultChantypes,
		chanmodes:       defaultChanmodes,
		linelen:         MaxLineLen,
		historyLimit:    defaultHistoryLimit,
		prefixSymbols:   defaultPrefixSymbols,
		prefixModes:     defaultPrefixModes,
		users:           map[string]*User{},
		channels:        map[string]*Channel{},
		pendingChannels: map[string]pendingJoin{},
		batches:         map[string]*HistoryEvent{},
		historyRequests: map[string]struct{}{},
		typings:         NewTypings(),
	}
	s.nickCf = s.casemap(s.nick)
	return s
}

func (s *State) Registered() bool {
	return s.registered
}

func (s *State) Nick() string {
	return s.nick
}

func (s *State) NickCf() string {
	return s.nickCf
}

func (s *State) IsMe(nick string) bool {
	return s.nickCf == s.casemap(nick)
}

func (s *State) IsChannel(name string) bool {
	return name != "" && strings.IndexByte(s.chantypes, name[0]) >= 0
}

func (s *State) Casemap(name string) string {
	return s.casemap(name)
}

func (s *State) LineLen() int {
	return s.linelen
}

func (s *State) HistoryLimit() int {
	return s.historyLimit
}

// Users returns the list of all known nicknames.
func (s *State) Users() []string {
	users := make([]string, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u.Name.Name)
	}
	sort.Strings(users)
	return users
}

// User returns a copy of the user known by nick.
func (s *State) User(nick string) (u User, ok bool) {
	user, ok := s.users[s.casemap(nick)]
	if !ok {
		return u, false
	}
	u = *user
	u.Name = user.Name.Copy()
	return u, true
}

// Channels returns the names of joined channels, sorted.
func (s *State) Channels() []string {
	channels := make([]string, 0, len(s.channels))
	for _, c := range s.channels {
		channels = append(channels, c.Name)
	}
	sort.Strings(channels)
	return channels
}

// Names returns the members of channel, highest prefix first then by
// name, or nil if the channel is unknown.
func (s *State) Names(channel string) []Member {
	c, ok := s.channels[s.casemap(channel)]
	if !ok {
		return nil
	}
	names := make([]Member, 0, len(c.Members))
	for u, m := range c.Members {
		names = append(names, Member{
			PowerLevel: m.Prefixes,
			Name:       u.Name.Copy(),
			Away:       u.Away,
		})
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := s.rank(names[i].PowerLevel), s.rank(names[j].PowerLevel)
		if pi != pj {
			return pi < pj
		}
		return s.casemap(names[i].Name.Name) < s.casemap(names[j].Name.Name)
	})
	return names
}

func (s *State) rank(prefixes string) int {
	if prefixes == "" {
		return len(s.prefixSymbols)
	}
	if i := strings.IndexByte(s.prefixSymbols, prefixes[0]); i >= 0 {
		return i
	}
	return len(s.prefixSymbols)
}

func (s *State) Topic(channel string) (topic string, who *Prefix, at time.Time) {
	if c, ok := s.channels[s.casemap(channel)]; ok {
		topic = c.Topic
		who = c.TopicWho.Copy()
		at = c.TopicTime
	}
	return
}

// ChannelMode returns the mode string of channel, e.g. "+nt".
func (s *State) ChannelMode(channel string) string {
	if c, ok := s.channels[s.casemap(channel)]; ok {
		return c.Modes.String()
	}
	return ""
}

// ChannelsSharedWith returns the channels where nick is a member.
func (s *State) ChannelsSharedWith(nick string) []string {
	u, ok := s.users[s.casemap(nick)]
	if !ok {
		return nil
	}
	return s.channelsOf(u)
}

func (s *State) channelsOf(u *User) []string {
	var channels []string
	for _, c := range s.channels {
		if _, ok := c.Members[u]; ok {
			channels = append(channels, c.Name)
		}
	}
	sort.Strings(channels)
	return channels
}

// Typings returns the nicknames currently typing in target.
func (s *State) Typings(target string) []string {
	res := s.typings.List(s.casemap(target))
	for i := 0; i < len(res); i++ {
		if res[i] == s.nickCf {
			res = append(res[:i], res[i+1:]...)
			i--
		} else if u, ok := s.users[res[i]]; ok {
			res[i] = u.Name.Name
		}
	}
	return res
}

// PendingJoin records that the user asked to join channel, so that the
// resulting SelfJoinEvent is marked as requested.
func (s *State) PendingJoin(channel string) {
	s.pendingChannels[s.casemap(channel)] = pendingJoin{name: channel, at: time.Now()}
}

type pendingJoin struct {
	name string
	at   time.Time
}

// HistoryRequest returns a CHATHISTORY BEFORE request for target. It
// returns false while a request for the same target is in flight.
func (s *State) HistoryRequest(target string, before time.Time, limit int) (Message, bool) {
	targetCf := s.casemap(target)
	if _, ok := s.historyRequests[targetCf]; ok {
		return Message{}, false
	}
	if limit <= 0 || s.historyLimit < limit {
		limit = s.historyLimit
	}
	s.historyRequests[targetCf] = struct{}{}
	return NewMessage("CHATHISTORY", "BEFORE", target, "timestamp="+formatTime(before), strconv.Itoa(limit)), true
}

// SplitMessage cuts content so that each PRIVMSG to target fits the line
// length of the server.
func (s *State) SplitMessage(target, content string) []string {
	hostLen := len("255.255.255.255")
	if u, ok := s.users[s.nickCf]; ok && u.Name.Host != "" {
		hostLen = len(u.Name.Host)
	}
	maxMessageLen := s.linelen -
		len(":!@ PRIVMSG  :\r\n") -
		len(s.nick) -
		len(s.user) -
		hostLen -
		len(target)
	return splitChunks(content, maxMessageLen)
}

func splitChunks(s string, chunkLen int) (chunks []string) {
	if chunkLen <= 0 || len(s) <= chunkLen {
		return []string{s}
	}

	b := 0
	n := 0
	for _, c := range s {
		cw := utf8.RuneLen(c)
		if n+cw > chunkLen {
			chunks = append(chunks, s[b:b+n])
			b += n
			n = cw
			continue
		}
		n += cw
	}
	if b < len(s) {
		chunks = append(chunks, s[b:])
	}
	return
}

// Apply updates the state with msg and returns what happened, for display.
// A malformed message returns an error and leaves the state untouched.
func (s *State) Apply(msg Message) ([]Event, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	if id, ok := msg.Tags.Get("batch"); ok {
		if b, ok := s.batches[id]; ok {
			ev, err := s.playback(msg)
			if err != nil {
				return nil, err
			}
			if ev != nil {
				b.Messages = append(b.Messages, ev)
			}
			return nil, nil
		}
	}

	return s.handle(msg)
}

func (s *State) handle(msg Message) (events []Event, err error) {
	switch msg.Command {
	case rplWelcome:
		s.nick = msg.Params[0]
		s.nickCf = s.casemap(s.nick)
		s.registered = true
		if _, ok := s.users[s.nickCf]; !ok {
			s.users[s.nickCf] = &User{Name: &Prefix{Name: s.nick, User: s.user}, RealName: s.real}
		}
		return []Event{RegisteredEvent{Nick: s.nick}}, nil
	case rplIsupport:
		s.updateFeatures(msg.Params[1 : len(msg.Params)-1])
	case rplYourhost, rplCreated, rplMyinfo, rplUmodeis, errNomotd, rplEndofwho:
	case rplWhoreply:
		s.handleWho(msg)
	case "JOIN":
		return s.handleJoin(msg), nil
	case "PART":
		var channel, reason string
		channel = msg.Params[0]
		if 1 < len(msg.Params) {
			reason = msg.Params[1]
		}
		return s.removeMember(channel, msg.Prefix.Name, "", reason, msg.TimeOrNow()), nil
	case "KICK":
		var reason string
		if 2 < len(msg.Params) {
			reason = msg.Params[2]
		}
		return s.removeMember(msg.Params[0], msg.Params[1], msg.Prefix.Name, reason, msg.TimeOrNow()), nil
	case "QUIT":
		return s.handleQuit(msg), nil
	case "NICK":
		return s.handleNick(msg), nil
	case rplNamreply:
		var channel, names string
		if err := msg.ParseParams(nil, nil, &channel, &names); err != nil {
			return nil, err
		}
		if c, ok := s.channels[s.casemap(channel)]; ok {
			c.Secret = msg.Params[1] == "@"
			for _, name := range ParseNameReply(names, s.prefixSymbols) {
				u := s.addUser(name.Name)
				m := c.Members[u]
				m.Prefixes = name.PowerLevel
				c.Members[u] = m
			}
		}
	case rplEndofnames:
		channelCf := s.casemap(msg.Params[1])
		if c, ok := s.channels[channelCf]; ok && !c.complete {
			c.complete = true
			ev := SelfJoinEvent{
				Channel: c.Name,
				Topic:   c.Topic,
			}
			if p, ok := s.pendingChannels[channelCf]; ok && time.Since(p.at) < 5*time.Second {
				ev.Requested = true
			}
			delete(s.pendingChannels, channelCf)
			return []Event{ev}, nil
		}
	case rplTopic:
		if c, ok := s.channels[s.casemap(msg.Params[1])]; ok {
			c.Topic = msg.Params[2]
		}
	case rplTopicwhotime:
		if c, ok := s.channels[s.casemap(msg.Params[1])]; ok {
			// ignore the error, we still have topicWho
			t, _ := strconv.ParseInt(msg.Params[3], 10, 64)
			c.TopicWho = ParsePrefix(msg.Params[2])
			c.TopicTime = time.Unix(t, 0)
		}
	case rplNotopic:
		if c, ok := s.channels[s.casemap(msg.Params[1])]; ok {
			c.Topic = ""
			c.TopicWho = nil
		}
	case "TOPIC":
		c := s.channel(msg.Params[0])
		c.Topic = msg.Params[1]
		c.TopicWho = msg.Prefix.Copy()
		c.TopicTime = msg.TimeOrNow()
		return []Event{TopicChangeEvent{
			Channel: c.Name,
			Topic:   c.Topic,
			Who:     msg.Prefix.Name,
			Time:    c.TopicTime,
		}}, nil
	case rplChannelmodeis:
		c := s.channel(msg.Params[1])
		changes, err := ParseChannelMode(msg.Params[2], msg.Params[3:], s.chanmodes, s.prefixModes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", msg.Command, err)
		}
		c.Modes = ChannelModes{}
		c.Modes.Apply(changes, s.chanmodes)
	case "MODE":
		return s.handleMode(msg)
	case "INVITE":
		return []Event{InviteEvent{
			Inviter: msg.Prefix.Name,
			Invitee: msg.Params[0],
			Channel: msg.Params[len(msg.Params)-1],
		}}, nil
	case rplInviting:
		if err := msg.needParams(3); err != nil {
			return nil, err
		}
		return []Event{InviteEvent{
			Inviter: s.nick,
			Invitee: msg.Params[1],
			Channel: msg.Params[2],
		}}, nil
	case "AWAY":
		u, ok := s.users[s.casemap(msg.Prefix.Name)]
		if !ok {
			break
		}
		u.Away = len(msg.Params) == 1
		u.AwayMsg = ""
		if u.Away {
			u.AwayMsg = msg.Params[0]
		}
		return []Event{UserAwayEvent{User: u.Name.Name, Away: u.Away, Message: u.AwayMsg}}, nil
	case rplAway:
		if err := msg.needParams(3); err != nil {
			return nil, err
		}
		if u, ok := s.users[s.casemap(msg.Params[1])]; ok {
			u.Away = true
			u.AwayMsg = msg.Params[2]
		}
		return []Event{UserAwayEvent{User: msg.Params[1], Away: true, Message: msg.Params[2]}}, nil
	case rplUnaway, rplNowaway:
		away := msg.Command == rplNowaway
		if u, ok := s.users[s.nickCf]; ok {
			u.Away = away
			if !away {
				u.AwayMsg = ""
			}
		}
		return []Event{UserAwayEvent{User: s.nick, Away: away}}, nil
	case "ACCOUNT":
		if u, ok := s.users[s.casemap(msg.Prefix.Name)]; ok {
			u.Account = accountName(msg.Params[0])
		}
	case "CHGHOST":
		if u, ok := s.users[s.casemap(msg.Prefix.Name)]; ok {
			u.Name.User = msg.Params[0]
			u.Name.Host = msg.Params[1]
		}
	case "SETNAME":
		if u, ok := s.users[s.casemap(msg.Prefix.Name)]; ok && 0 < len(msg.Params) {
			u.RealName = msg.Params[0]
		}
	case "PRIVMSG", "NOTICE":
		ev, err := s.newMessageEvent(msg)
		if err != nil {
			return nil, err
		}
		if msg.Prefix != nil {
			nickCf := s.casemap(msg.Prefix.Name)
			targetCf := s.casemap(msg.Params[0])
			s.typings.Done(targetCf, nickCf)
			if c, ok := s.channels[targetCf]; ok {
				if u, ok := s.users[nickCf]; ok {
					if m, ok := c.Members[u]; ok && ev.Time.After(m.LastActive) {
						m.LastActive = ev.Time
						c.Members[u] = m
					}
				}
			}
		}
		return []Event{ev}, nil
	case "TAGMSG":
		if s.IsMe(msg.Prefix.Name) {
			break
		}
		targetCf := s.casemap(msg.Params[0])
		if s.IsMe(msg.Params[0]) {
			targetCf = s.casemap(msg.Prefix.Name)
		}
		nickCf := s.casemap(msg.Prefix.Name)
		if t, ok := msg.Tags.Get("+typing"); ok {
			switch t {
			case "active":
				s.typings.Active(targetCf, nickCf)
			case "paused", "done":
				s.typings.Done(targetCf, nickCf)
			}
		}
	case "BATCH":
		id := msg.Params[0][1:]
		if msg.Params[0][0] == '+' {
			if msg.Params[1] == "chathistory" {
				s.batches[id] = &HistoryEvent{Target: msg.Params[2]}
			}
			break
		}
		if b, ok := s.batches[id]; ok {
			delete(s.batches, id)
			delete(s.historyRequests, s.casemap(b.Target))
			return []Event{*b}, nil
		}
	case "PING", "PONG", "CAP", "AUTHENTICATE",
		rplLoggedin, rplLoggedout, rplSaslsuccess, rplSaslmechs, errSaslalready:
		// handled by the connection
	case errNicklocked, errSaslfail, errSasltoolong, errSaslaborted:
		// reported by the connection as auth errors
	case "ERROR":
		return []Event{ErrorEvent{
			Severity: SeverityFail,
			Code:     "ERROR",
			Message:  strings.Join(msg.Params, " "),
		}}, nil
	case "FAIL", "WARN", "NOTE":
		if err := msg.needParams(3); err != nil {
			return nil, err
		}
		severity := SeverityFail
		switch msg.Command {
		case "WARN":
			severity = SeverityWarn
		case "NOTE":
			severity = SeverityNote
		}
		if msg.Params[0] == "CHATHISTORY" && 2 <= len(msg.Params) {
			delete(s.historyRequests, s.casemap(msg.Params[len(msg.Params)-2]))
		}
		return []Event{ErrorEvent{
			Severity: severity,
			Code:     msg.Params[1],
			Message:  msg.Params[len(msg.Params)-1],
		}}, nil
	default:
		if !msg.IsReply() {
			return []Event{UnknownEvent{Message: msg}}, nil
		}
		var text string
		if 1 < len(msg.Params) {
			text = strings.Join(msg.Params[1:], " ")
		}
		if isErrorNumeric(msg.Command) {
			return []Event{ErrorEvent{
				Severity: SeverityFail,
				Code:     msg.Command,
				Message:  text,
			}}, nil
		}
		return []Event{InfoEvent{
			Code:    msg.Command,
			Prefix:  msg.Prefix.String(),
			Message: text,
		}}, nil
	}
	return nil, nil
}

// playback turns a message of a chathistory batch into an event without
// touching the state.
func (s *State) playback(msg Message) (Event, error) {
	t := msg.TimeOrNow()
	switch msg.Command {
	case "PRIVMSG", "NOTICE":
		return s.newMessageEvent(msg)
	case "JOIN":
		return UserJoinEvent{User: msg.Prefix.Name, Channel: msg.Params[0], Time: t}, nil
	case "PART":
		return UserPartEvent{User: msg.Prefix.Name, Channel: msg.Params[0], Time: t}, nil
	case "KICK":
		return UserPartEvent{User: msg.Params[1], Channel: msg.Params[0], Kicker: msg.Prefix.Name, Time: t}, nil
	case "QUIT":
		return UserQuitEvent{User: msg.Prefix.Name, Time: t}, nil
	case "NICK":
		return UserNickEvent{User: msg.Params[0], FormerNick: msg.Prefix.Name, Time: t}, nil
	case "TOPIC":
		return TopicChangeEvent{Channel: msg.Params[0], Topic: msg.Params[1], Who: msg.Prefix.Name, Time: t}, nil
	case "MODE":
		return ModeChangeEvent{Channel: msg.Params[0], Mode: strings.Join(msg.Params[1:], " "), Who: msg.Prefix.Name, Time: t}, nil
	}
	return nil, nil
}

func (s *State) newMessageEvent(msg Message) (ev MessageEvent, err error) {
	var target, content string
	if err := msg.ParseParams(&target, &content); err != nil {
		return ev, err
	}

	ev = MessageEvent{
		Target:  target,
		Command: msg.Command,
		Content: content,
		Time:    msg.TimeOrNow(),
	}
	if msg.Prefix != nil {
		ev.User = msg.Prefix.Name
	}
	ev.MsgID, _ = msg.Tags.Get("msgid")
	ev.Label, _ = msg.Tags.Get("label")

	if c, ok := s.channels[s.casemap(target)]; ok {
		ev.Target = c.Name
		ev.TargetIsChannel = true
	} else if s.IsChannel(target) {
		ev.TargetIsChannel = true
	}

	return ev, nil
}

// channel returns the channel named name, creating it if the server talks
// about a channel we did not know of.
func (s *State) channel(name string) *Channel {
	channelCf := s.casemap(name)
	c, ok := s.channels[channelCf]
	if !ok {
		c = &Channel{
			Name:    name,
			Members: map[*User]Membership{},
			Modes:   ChannelModes{},
		}
		s.channels[channelCf] = c
	}
	return c
}

// addUser returns the user of the given prefix, registering it if needed
// and completing its user and host.
func (s *State) addUser(prefix *Prefix) *User {
	nickCf := s.casemap(prefix.Name)
	u, ok := s.users[nickCf]
	if !ok {
		u = &User{Name: prefix.Copy()}
		s.users[nickCf] = u
		return u
	}
	if prefix.User != "" {
		u.Name.User = prefix.User
	}
	if prefix.Host != "" {
		u.Name.Host = prefix.Host
	}
	return u
}

func (s *State) handleJoin(msg Message) []Event {
	channel := msg.Params[0]
	channelCf := s.casemap(channel)
	u := s.addUser(msg.Prefix)
	if 2 < len(msg.Params) {
		// extended-join
		u.Account = accountName(msg.Params[1])
		u.RealName = msg.Params[2]
	}

	if s.IsMe(msg.Prefix.Name) {
		c, ok := s.channels[channelCf]
		if !ok {
			s.channels[channelCf] = &Channel{
				Name:    channel,
				Members: map[*User]Membership{u: {}},
				Modes:   ChannelModes{},
			}
			return nil
		}
		// a stale channel, from a repeated JOIN or an earlier MODE or TOPIC
		dropped := c.Members
		*c = Channel{
			Name:    channel,
			Members: map[*User]Membership{u: {}},
			Modes:   ChannelModes{},
		}
		for member := range dropped {
			s.cleanUser(member)
		}
		return nil
	}

	c := s.channel(channel)
	c.Members[u] = Membership{}
	return []Event{UserJoinEvent{
		User:    u.Name.Name,
		Channel: c.Name,
		Account: u.Account,
		Time:    msg.TimeOrNow(),
	}}
}

func (s *State) removeMember(channel, nick, kicker, reason string, t time.Time) []Event {
	channelCf := s.casemap(channel)
	nickCf := s.casemap(nick)

	c, ok := s.channels[channelCf]
	if !ok {
		return nil
	}

	if s.IsMe(nick) {
		delete(s.channels, channelCf)
		for u := range c.Members {
			s.cleanUser(u)
		}
		for _, name := range s.typings.List(channelCf) {
			s.typings.Done(channelCf, name)
		}
		return []Event{SelfPartEvent{
			Channel: c.Name,
			Kicker:  kicker,
			Reason:  reason,
		}}
	}

	u, ok := s.users[nickCf]
	if !ok {
		return nil
	}
	delete(c.Members, u)
	s.cleanUser(u)
	s.typings.Done(channelCf, nickCf)
	return []Event{UserPartEvent{
		User:    u.Name.Name,
		Channel: c.Name,
		Kicker:  kicker,
		Reason:  reason,
		Time:    t,
	}}
}

func (s *State) handleQuit(msg Message) []Event {
	nickCf := s.casemap(msg.Prefix.Name)
	u, ok := s.users[nickCf]
	if !ok {
		return nil
	}

	var reason string
	if 0 < len(msg.Params) {
		reason = msg.Params[0]
	}

	channels := s.channelsOf(u)
	for _, c := range s.channels {
		delete(c.Members, u)
	}
	if nickCf != s.nickCf {
		delete(s.users, nickCf)
	}
	s.typings.forget(nickCf)

	return []Event{UserQuitEvent{
		User:     u.Name.Name,
		Channels: channels,
		Reason:   reason,
		Time:     msg.TimeOrNow(),
	}}
}

func (s *State) handleNick(msg Message) []Event {
	newNick := msg.Params[0]
	nickCf := s.casemap(msg.Prefix.Name)
	newNickCf := s.casemap(newNick)

	u, ok := s.users[nickCf]
	if !ok {
		if nickCf != s.nickCf {
			// nobody we share a channel with
			return []Event{UserNickEvent{
				User:       newNick,
				FormerNick: msg.Prefix.Name,
				Time:       msg.TimeOrNow(),
			}}
		}
		u = &User{Name: msg.Prefix.Copy()}
	}
	if other, ok := s.users[newNickCf]; ok && other != u {
		// stale entry for the new nickname
		for _, c := range s.channels {
			delete(c.Members, other)
		}
	}
	u.Name.Name = newNick
	delete(s.users, nickCf)
	s.users[newNickCf] = u
	s.typings.rename(nickCf, newNickCf)

	if nickCf == s.nickCf {
		s.nick = newNick
		s.nickCf = newNickCf
		return []Event{SelfNickEvent{
			FormerNick: msg.Prefix.Name,
			NewNick:    newNick,
			Time:       msg.TimeOrNow(),
		}}
	}

	return []Event{UserNickEvent{
		User:       newNick,
		FormerNick: msg.Prefix.Name,
		Channels:   s.channelsOf(u),
		Time:       msg.TimeOrNow(),
	}}
}

func (s *State) handleMode(msg Message) ([]Event, error) {
	target := msg.Params[0]
	mode := strings.Join(msg.Params[1:], " ")
	ev := ModeChangeEvent{
		Mode: mode,
		Who:  msg.Prefix.Name,
		Time: msg.TimeOrNow(),
	}

	if !s.IsChannel(target) {
		if !s.IsMe(target) {
			return nil, nil
		}
		return []Event{ev}, nil
	}
	if len(msg.Params) < 2 {
		return nil, fmt.Errorf("MODE: %w", ErrNotEnoughParams)
	}

	changes, err := ParseChannelMode(msg.Params[1], msg.Params[2:], s.chanmodes, s.prefixModes)
	if err != nil {
		return nil, fmt.Errorf("MODE: %w", err)
	}

	c := s.channel(target)
	c.Modes.Apply(changes, s.chanmodes)
	for _, change := range changes {
		i := strings.IndexByte(s.prefixModes, change.Mode)
		if i < 0 {
			continue
		}
		u, ok := s.users[s.casemap(change.Param)]
		if !ok {
			continue
		}
		m, ok := c.Members[u]
		if !ok {
			continue
		}
		m.Prefixes = updateMembership(m.Prefixes, change.Enable, s.prefixSymbols[i], s.prefixSymbols)
		c.Members[u] = m
	}

	ev.Channel = c.Name
	return []Event{ev}, nil
}

func (s *State) handleWho(msg Message) {
	// <me> <channel> <user> <host> <server> <nick> <flags> :<hops> <realname>
	u, ok := s.users[s.casemap(msg.Params[5])]
	if !ok {
		return
	}
	u.Name.User = msg.Params[2]
	u.Name.Host = msg.Params[3]
	flags := msg.Params[6]
	u.Away = strings.HasPrefix(flags, "G")
	if _, realname, ok := strings.Cut(msg.Params[7], " "); ok {
		u.RealName = realname
	}
}

// cleanUser forgets a user that shares no channel with us anymore.
func (s *State) cleanUser(parted *User) {
	nameCf := s.casemap(parted.Name.Name)
	if nameCf == s.nickCf {
		return
	}
	for _, c := range s.channels {
		if _, ok := c.Members[parted]; ok {
			return
		}
	}
	delete(s.users, nameCf)
}

func accountName(account string) string {
	if account == "*" {
		return ""
	}
	return account
}

func (s *State) updateFeatures(features []string) {
	for _, f := range features {
		if f == "" || f == "-" || f == "=" || f == "-=" {
			continue
		}

		var (
			add   bool
			key   string
			value string
		)

		if strings.HasPrefix(f, "-") {
			add = false
			f = f[1:]
		} else {
			add = true
		}

		key, value, _ = strings.Cut(f, "=")
		key = strings.ToUpper(key)

		if !add {
			s.resetFeature(key)
			continue
		}

	Switch:
		switch key {
		case "CASEMAPPING":
			s.setCasemap(CasemappingByName(value))
		case "CHANMODES":
			// We only care about the first four params
			types := strings.SplitN(value, ",", 5)
			for i := 0; i < len(types) && i < len(s.chanmodes); i++ {
				s.chanmodes[i] = types[i]
			}
		case "CHANTYPES":
			s.chantypes = value
		case "CHATHISTORY":
			historyLimit, err := strconv.Atoi(value)
			if err == nil && historyLimit > 0 {
				s.historyLimit = historyLimit
			}
		case "LINELEN":
			linelen, err := strconv.Atoi(value)
			if err == nil && linelen != 0 {
				s.linelen = linelen
			}
		case "PREFIX":
			if value == "" {
				s.prefixModes = ""
				s.prefixSymbols = ""
				break Switch
			}
			if len(value)%2 != 0 {
				break Switch
			}
			for i := 0; i < len(value); i++ {
				if unicode.MaxASCII < value[i] {
					break Switch
				}
			}
			numPrefixes := len(value)/2 - 1
			s.prefixModes = value[1 : numPrefixes+1]
			s.prefixSymbols = value[numPrefixes+2:]
		}
	}
}

// resetFeature handles a negated ISUPPORT token by restoring the default.
func (s *State) resetFeature(key string) {
	switch key {
	case "CASEMAPPING":
		s.setCasemap(CasemapRFC1459)
	case "CHANMODES":
		s.chanmodes = defaultChanmodes
	case "CHANTYPES":
		s.chantypes = defaultChantypes
	case "CHATHISTORY":
		s.historyLimit = defaultHistoryLimit
	case "LINELEN":
		s.linelen = MaxLineLen
	case "PREFIX":
		s.prefixSymbols = defaultPrefixSymbols
		s.prefixModes = defaultPrefixModes
	}
}

// setCasemap switches casemapping and re-keys every table with it.
func (s *State) setCasemap(casemap Casemapping) {
	s.casemap = casemap
	s.nickCf = casemap(s.nick)

	users := make(map[string]*User, len(s.users))
	for _, u := range s.users {
		users[casemap(u.Name.Name)] = u
	}
	s.users = users

	channels := make(map[string]*Channel, len(s.channels))
	for _, c := range s.channels {
		channels[casemap(c.Name)] = c
	}
	s.channels = channels

	pending := make(map[string]pendingJoin, len(s.pendingChannels))
	for _, p := range s.pendingChannels {
		pending[casemap(p.name)] = p
	}
	s.pendingChannels = pending

	s.historyRequests = map[string]struct{}{}
	s.typings = NewTypings()
}
