package irc

import (
	"errors"
	"sort"
	"strings"
)

var errMissingModeParam = errors.New("missing mode parameter")

// ModeChange is one mode letter set or unset by a MODE message.
type ModeChange struct {
	Enable bool
	Mode   byte
	Param  string
}

// ParseChannelMode splits a channel MODE line into single changes.
//
// chanmodes holds the four CHANMODES classes (list modes, modes always
// taking a param, modes taking a param when set, flags). prefixModes are the
// membership modes from PREFIX, which always take a param.
func ParseChannelMode(mode string, params []string, chanmodes [4]string, prefixModes string) (changes []ModeChange, err error) {
	enable := true
	j := 0
	for i := 0; i < len(mode); i++ {
		c := mode[i]
		if c == '+' || c == '-' {
			enable = c == '+'
			continue
		}

		var takesParam bool
		switch {
		case strings.IndexByte(prefixModes, c) >= 0:
			takesParam = true
		case strings.IndexByte(chanmodes[0], c) >= 0, strings.IndexByte(chanmodes[1], c) >= 0:
			takesParam = true
		case strings.IndexByte(chanmodes[2], c) >= 0:
			takesParam = enable
		}

		change := ModeChange{Enable: enable, Mode: c}
		if takesParam {
			if len(params) <= j {
				return changes, errMissingModeParam
			}
			change.Param = params[j]
			j++
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// ChannelModes holds the modes of a channel that are not list or
// membership modes, with their parameter if any.
type ChannelModes map[byte]string

// Apply updates the mode set with changes. List modes (class A) and
// membership modes are skipped.
func (modes ChannelModes) Apply(changes []ModeChange, chanmodes [4]string) {
	for _, change := range changes {
		if strings.IndexByte(chanmodes[0], change.Mode) >= 0 {
			continue
		}
		known := false
		for _, class := range chanmodes[1:] {
			if strings.IndexByte(class, change.Mode) >= 0 {
				known = true
				break
			}
		}
		if !known {
			continue
		}
		if change.Enable {
			modes[change.Mode] = change.Param
		} else {
			delete(modes, change.Mode)
		}
	}
}

// String renders the modes like RPL_CHANNELMODEIS does, e.g. "+kn key".
func (modes ChannelModes) String() string {
	if len(modes) == 0 {
		return ""
	}
	letters := make([]byte, 0, len(modes))
	for c := range modes {
		letters = append(letters, c)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })

	var params []string
	for _, c := range letters {
		if p := modes[c]; p != "" {
			params = append(params, p)
		}
	}
	s := "+" + string(letters)
	if len(params) != 0 {
		s += " " + strings.Join(params, " ")
	}
	return s
}

// updateMembership adds or removes the prefix symbol matching a
// membership mode, keeping symbols in PREFIX order.
func updateMembership(membership string, enable bool, symbol byte, prefixSymbols string) string {
	i := strings.IndexByte(membership, symbol)
	if !enable {
		if i < 0 {
			return membership
		}
		return membership[:i] + membership[i+1:]
	}
	if i >= 0 {
		return membership
	}
	updated := append([]byte(membership), symbol)
	sort.Slice(updated, func(i, j int) bool {
		return strings.IndexByte(prefixSymbols, updated[i]) < strings.IndexByte(prefixSymbols, updated[j])
	})
	return string(updated)
}
