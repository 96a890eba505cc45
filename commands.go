package halloy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lrstanley/girc"

	"github.com/dreamydevstar/halloy/history"
	"github.com/dreamydevstar/halloy/irc"
)

type command struct {
	AllowServer bool // whether it can run from the server buffer
	MinArgs     int
	MaxArgs     int
	Usage       string
	Desc        string
	Handle      func(n *network, buffer string, args []string) error
}

type commandSet map[string]*command

var commands commandSet

func init() {
	commands = commandSet{
		"HELP": {
			AllowServer: true,
			MaxArgs:     1,
			Usage:       "[command]",
			Desc:        "show the list of commands, or how to use the given one",
			Handle:      commandDoHelp,
		},
		"AWAY": {
			AllowServer: true,
			MaxArgs:     1,
			Usage:       "[message]",
			Desc:        "mark yourself as away, or back without a message",
			Handle:      commandDoAway,
		},
		"INVITE": {
			MinArgs: 1,
			MaxArgs: 2,
			Usage:   "<nick> [channel]",
			Desc:    "invite someone to a channel",
			Handle:  commandDoInvite,
		},
		"JOIN": {
			AllowServer: true,
			MinArgs:     1,
			MaxArgs:     2,
			Usage:       "<channels> [keys]",
			Desc:        "join a channel",
			Handle:      commandDoJoin,
		},
		"KICK": {
			MinArgs: 1,
			MaxArgs: 2,
			Usage:   "<nick> [reason]",
			Desc:    "remove someone from the current channel",
			Handle:  commandDoKick,
		},
		"ME": {
			AllowServer: true,
			MinArgs:     1,
			MaxArgs:     1,
			Usage:       "<message>",
			Desc:        "send an action (reply to last query if sent from the server buffer)",
			Handle:      commandDoMe,
		},
		"MSG": {
			AllowServer: true,
			MinArgs:     2,
			MaxArgs:     2,
			Usage:       "<target> <message>",
			Desc:        "send a message to the given target",
			Handle:      commandDoMsg,
		},
		"NAMES": {
			Desc:   "show the member list of the current channel",
			Handle: commandDoNames,
		},
		"NICK": {
			AllowServer: true,
			MinArgs:     1,
			MaxArgs:     1,
			Usage:       "<nickname>",
			Desc:        "change your nickname",
			Handle:      commandDoNick,
		},
		"NOTICE": {
			AllowServer: true,
			MinArgs:     2,
			MaxArgs:     2,
			Usage:       "<target> <message>",
			Desc:        "send a notice to the given target",
			Handle:      commandDoNotice,
		},
		"MODE": {
			AllowServer: true,
			MinArgs:     2,
			MaxArgs:     5, // <channel> <flags> <limit> <user> <ban mask>
			Usage:       "<nick/channel> <flags> [args]",
			Desc:        "change channel or user modes",
			Handle:      commandDoMode,
		},
		"PART": {
			AllowServer: true,
			MaxArgs:     2,
			Usage:       "[channel] [reason]",
			Desc:        "part a channel",
			Handle:      commandDoPart,
		},
		"QUIT": {
			AllowServer: true,
			MaxArgs:     1,
			Usage:       "[reason]",
			Desc:        "disconnect from the server",
			Handle:      commandDoQuit,
		},
		"QUOTE": {
			AllowServer: true,
			MinArgs:     1,
			MaxArgs:     1,
			Usage:       "<raw message>",
			Desc:        "send raw protocol data",
			Handle:      commandDoQuote,
		},
		"RAW": {
			AllowServer: true,
			MinArgs:     1,
			MaxArgs:     1,
			Usage:       "<raw message>",
			Desc:        "same as QUOTE",
			Handle:      commandDoQuote,
		},
		"REPLY": {
			AllowServer: true,
			MinArgs:     1,
			MaxArgs:     1,
			Usage:       "<message>",
			Desc:        "reply to the last query",
			Handle:      commandDoR,
		},
		"TOPIC": {
			MaxArgs: 1,
			Usage:   "[topic]",
			Desc:    "show or set the topic of the current channel",
			Handle:  commandDoTopic,
		},
		"WHOIS": {
			AllowServer: true,
			MinArgs:     1,
			MaxArgs:     1,
			Usage:       "<nick>",
			Desc:        "show information about someone",
			Handle:      commandDoWhois,
		},
	}
}

func checkChannel(channel string) error {
	for _, c := range strings.Split(channel, ",") {
		if !girc.IsValidChannel(c) {
			return fmt.Errorf("invalid channel name %q", c)
		}
	}
	return nil
}

func checkNick(nick string) error {
	if !girc.IsValidNick(nick) {
		return fmt.Errorf("invalid nickname %q", nick)
	}
	return nil
}

func checkTarget(target string) error {
	if girc.IsValidChannel(target) || girc.IsValidNick(target) {
		return nil
	}
	return fmt.Errorf("invalid target %q", target)
}

// info adds lines of text to buffer, for command output.
func (n *network) info(buffer string, texts ...string) {
	entries := make([]entry, len(texts))
	for i, text := range texts {
		entries[i] = entry{buffer: buffer, line: history.Line{
			Kind: history.KindInfo,
			Text: text,
		}}
	}
	n.addLines(entries)
}

func noCommand(n *network, buffer, content string) error {
	// Messages cannot be sent to the server buffer, they would be
	// delivered to a user with an empty name.
	if buffer == history.ServerBuffer {
		return fmt.Errorf("cannot send a message to the server buffer")
	}
	return n.privmsg("PRIVMSG", buffer, content, history.KindMessage)
}

func commandDoHelp(n *network, buffer string, args []string) (err error) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	if len(args) == 0 {
		lines = append(lines, "Available commands:")
		for _, name := range names {
			cmd := commands[name]
			lines = append(lines, fmt.Sprintf("  %s %s", name, cmd.Usage), "    "+cmd.Desc)
		}
	} else {
		search := strings.ToUpper(args[0])
		lines = append(lines, fmt.Sprintf("Commands that match %q:", search))
		found := false
		for _, name := range names {
			if !strings.Contains(name, search) {
				continue
			}
			cmd := commands[name]
			lines = append(lines, fmt.Sprintf("  %s %s", name, cmd.Usage), "    "+cmd.Desc)
			found = true
		}
		if !found {
			lines = append(lines, fmt.Sprintf("  no command matches %q", args[0]))
		}
	}
	n.info(buffer, lines...)
	return
}

func commandDoAway(n *network, buffer string, args []string) error {
	if len(args) == 0 {
		return n.send(irc.NewMessage("AWAY"))
	}
	return n.send(irc.NewMessage("AWAY", args[0]))
}

func commandDoInvite(n *network, buffer string, args []string) error {
	nick := args[0]
	channel := buffer
	if len(args) == 2 {
		channel = args[1]
	}
	if err := checkNick(nick); err != nil {
		return err
	}
	if err := checkChannel(channel); err != nil {
		return err
	}
	return n.send(irc.NewMessage("INVITE", nick, channel))
}

func commandDoJoin(n *network, buffer string, args []string) (err error) {
	key := ""
	if len(args) == 2 {
		key = args[1]
	}
	return n.join(args[0], key)
}

func commandDoKick(n *network, buffer string, args []string) error {
	if !n.isJoined(buffer) {
		return fmt.Errorf("not on channel %s", buffer)
	}
	msg := irc.NewMessage("KICK", buffer, args[0])
	if len(args) == 2 {
		msg = irc.NewMessage("KICK", buffer, args[0], args[1])
	}
	return n.send(msg)
}

func commandDoMe(n *network, buffer string, args []string) (err error) {
	if buffer == history.ServerBuffer {
		buffer = n.lastQuery
	}
	if buffer == "" {
		return fmt.Errorf("no query to reply to")
	}
	return n.privmsg("PRIVMSG", buffer, args[0], history.KindAction)
}

func commandDoMsg(n *network, buffer string, args []string) (err error) {
	target := args[0]
	if err := checkTarget(target); err != nil {
		return err
	}
	return n.privmsg("PRIVMSG", target, args[1], history.KindMessage)
}

func commandDoNotice(n *network, buffer string, args []string) (err error) {
	target := args[0]
	if err := checkTarget(target); err != nil {
		return err
	}
	return n.privmsg("NOTICE", target, args[1], history.KindNotice)
}

func commandDoNames(n *network, buffer string, args []string) (err error) {
	n.mu.RLock()
	members := n.state.Names(buffer)
	n.mu.RUnlock()
	if members == nil {
		return fmt.Errorf("not on channel %s", buffer)
	}

	var sb strings.Builder
	sb.WriteString("Names:")
	for _, m := range members {
		sb.WriteByte(' ')
		sb.WriteString(m.PowerLevel)
		sb.WriteString(m.Name.Name)
	}
	n.info(buffer, sb.String())
	return
}

func commandDoNick(n *network, buffer string, args []string) (err error) {
	return n.changeNick(args[0])
}

func commandDoMode(n *network, buffer string, args []string) (err error) {
	target := args[0]
	if err := checkTarget(target); err != nil {
		return err
	}
	return n.send(irc.NewMessage("MODE", args...))
}

func commandDoPart(n *network, buffer string, args []string) (err error) {
	channel := buffer
	reason := ""
	if 0 < len(args) {
		n.mu.RLock()
		isChannel := n.state.IsChannel(args[0])
		n.mu.RUnlock()
		if isChannel {
			channel = args[0]
			if 1 < len(args) {
				reason = args[1]
			}
		} else {
			reason = strings.Join(args, " ")
		}
	}

	if channel == history.ServerBuffer {
		return fmt.Errorf("cannot part the server buffer")
	}
	return n.part(channel, reason)
}

func commandDoQuit(n *network, buffer string, args []string) (err error) {
	reason := ""
	if 0 < len(args) {
		reason = args[0]
	}
	n.handleAction(actionDisconnect{reason: reason})
	return
}

func commandDoQuote(n *network, buffer string, args []string) (err error) {
	msg, err := irc.ParseMessage(args[0])
	if err != nil {
		return err
	}
	return n.send(msg)
}

func commandDoR(n *network, buffer string, args []string) (err error) {
	if n.lastQuery == "" {
		return fmt.Errorf("no query to reply to")
	}
	return n.privmsg("PRIVMSG", n.lastQuery, args[0], history.KindMessage)
}

func commandDoTopic(n *network, buffer string, args []string) (err error) {
	if len(args) == 0 {
		n.mu.RLock()
		topic, who, at := n.state.Topic(buffer)
		n.mu.RUnlock()

		var body string
		if who == nil {
			body = fmt.Sprintf("Topic: %s", topic)
		} else {
			body = fmt.Sprintf("Topic (by %s, %s): %s", who.Name, at.Local().Format("Mon Jan 2 15:04:05"), topic)
		}
		n.info(buffer, body)
		return
	}
	if !n.isJoined(buffer) {
		return fmt.Errorf("not on channel %s", buffer)
	}
	return n.send(irc.NewMessage("TOPIC", buffer, args[0]))
}

func commandDoWhois(n *network, buffer string, args []string) error {
	if err := checkNick(args[0]); err != nil {
		return err
	}
	return n.send(irc.NewMessage("WHOIS", args[0]))
}

// implemented from https://golang.org/src/strings/strings.go?s=8055:8085#L310
func fieldsN(s string, n int) []string {
	s = strings.TrimSpace(s)
	if s == "" || n == 0 {
		return nil
	}
	if n == 1 {
		return []string{s}
	}
	n--
	var a []string
	na := 0
	i := 0
	fieldStart := 0
	for i < len(s) {
		if s[i] != ' ' {
			i++
			continue
		}
		a = append(a, s[fieldStart:i])
		na++
		i++
		// Skip spaces in between fields.
		for i < len(s) && s[i] == ' ' {
			i++
		}
		fieldStart = i
		if n <= na {
			a = append(a, s[fieldStart:])
			return a
		}
	}
	if fieldStart < len(s) {
		a = append(a, s[fieldStart:])
	}
	return a
}

func parseCommand(s string) (command, args string, isCommand bool) {
	if s[0] != '/' {
		return "", s, false
	}
	if 1 < len(s) && s[1] == '/' {
		// Input starts with two slashes.
		return "", s[1:], false
	}

	i := strings.IndexByte(s, ' ')
	if i < 0 {
		i = len(s)
	}

	isCommand = true
	command = strings.ToUpper(s[1:i])
	args = strings.TrimLeft(s[i:], " ")
	return
}

// lookupCommand finds the command named name, or the only one it is a
// prefix of.
func lookupCommand(name string) (string, *command, error) {
	if cmd, ok := commands[name]; ok {
		return name, cmd, nil
	}
	var candidates []string
	for key := range commands {
		if strings.HasPrefix(key, name) {
			candidates = append(candidates, key)
		}
	}
	switch len(candidates) {
	case 0:
		return "", nil, fmt.Errorf("command %q doesn't exist", name)
	case 1:
		return candidates[0], commands[candidates[0]], nil
	default:
		sort.Strings(candidates)
		return "", nil, fmt.Errorf("ambiguous command %q (could mean %s)", name, strings.Join(candidates, ", "))
	}
}

func (n *network) handleInput(buffer, content string) error {
	if content == "" {
		return nil
	}

	cmdName, rawArgs, isCommand := parseCommand(content)
	if !isCommand {
		return noCommand(n, buffer, rawArgs)
	}
	if cmdName == "" {
		return fmt.Errorf("lone slash at the beginning")
	}

	name, cmd, err := lookupCommand(cmdName)
	if err != nil {
		return err
	}

	var args []string
	if rawArgs != "" && cmd.MaxArgs != 0 {
		args = fieldsN(rawArgs, cmd.MaxArgs)
	}

	if len(args) < cmd.MinArgs {
		return fmt.Errorf("usage: %s %s", name, cmd.Usage)
	}
	if buffer == history.ServerBuffer && !cmd.AllowServer {
		return fmt.Errorf("command %q cannot be executed from the server buffer", name)
	}

	return cmd.Handle(n, buffer, args)
}
