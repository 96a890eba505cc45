package irc

import (
	"sort"
	"time"
)

// typingTimeout is how long a +typing=active notification holds without
// being renewed.
const typingTimeout = 6 * time.Second

type Typing struct {
	Target string
	Name   string
}

// Typings records who is typing where. Entries expire on their own; there
// is no background goroutine, List skips expired entries and Active purges
// them.
type Typings struct {
	targets map[Typing]time.Time
	now     func() time.Time
}

func NewTypings() *Typings {
	return &Typings{
		targets: map[Typing]time.Time{},
		now:     time.Now,
	}
}

func (ts *Typings) Active(target, name string) {
	now := ts.now()
	for t, at := range ts.targets {
		if typingTimeout < now.Sub(at) {
			delete(ts.targets, t)
		}
	}
	ts.targets[Typing{target, name}] = now
}

func (ts *Typings) Done(target, name string) {
	delete(ts.targets, Typing{target, name})
}

// List returns the names typing in target, sorted.
func (ts *Typings) List(target string) []string {
	now := ts.now()
	var res []string
	for t, at := range ts.targets {
		if t.Target == target && now.Sub(at) <= typingTimeout {
			res = append(res, t.Name)
		}
	}
	sort.Strings(res)
	return res
}

// rename moves the typing entries of a user who changed nick.
func (ts *Typings) rename(oldName, newName string) {
	for t, at := range ts.targets {
		if t.Name == oldName {
			delete(ts.targets, t)
			ts.targets[Typing{t.Target, newName}] = at
		}
	}
}

// forget removes every entry of name.
func (ts *Typings) forget(name string) {
	for t := range ts.targets {
		if t.Name == name {
			delete(ts.targets, t)
		}
	}
}
