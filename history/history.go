// Package history keeps the buffers of a network: the ordered, bounded
// lines shown for each channel, query and for the server itself.
package history

import (
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/lrstanley/girc"
	"mvdan.cc/xurls/v2"
)

// ServerBuffer is the name of the buffer holding server messages.
const ServerBuffer = ""

type Kind int

const (
	KindMessage Kind = iota
	KindNotice
	KindAction
	KindJoin
	KindPart
	KindQuit
	KindNick
	KindTopic
	KindMode
	KindInvite
	KindInfo
	KindError
	KindBoundary
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindNotice:
		return "notice"
	case KindAction:
		return "action"
	case KindJoin:
		return "join"
	case KindPart:
		return "part"
	case KindQuit:
		return "quit"
	case KindNick:
		return "nick"
	case KindTopic:
		return "topic"
	case KindMode:
		return "mode"
	case KindInvite:
		return "invite"
	case KindInfo:
		return "info"
	case KindError:
		return "error"
	case KindBoundary:
		return "boundary"
	default:
		return "unknown"
	}
}

// IsChat reports whether lines of this kind were said by someone.
func (k Kind) IsChat() bool {
	return k == KindMessage || k == KindNotice || k == KindAction
}

// IsRoutine reports whether lines of this kind are subject to smart
// filtering.
func (k Kind) IsRoutine() bool {
	return k == KindJoin || k == KindPart || k == KindQuit || k == KindNick
}

// Line is one entry of a buffer.
type Line struct {
	Seq     uint64 // arrival order, across every buffer of the process
	Network string
	Buffer  string
	Time    time.Time
	Kind    Kind

	Nick    string // who said or did it, empty for server lines
	Subject string // nickname concerned by a routine line
	Text    string

	MsgID     string
	Label     string
	Self      bool
	Highlight bool
	URLs      []string
}

var seq atomic.Uint64

func nextSeq() uint64 {
	return seq.Add(1)
}

// Retention bounds a buffer. Zero values mean no bound.
type Retention struct {
	MaxLines int
	MaxAge   time.Duration
}

// Buffer is the history of one target.
type Buffer struct {
	Name       string
	Lines      []Line
	Unread     int
	Highlights int

	lastSpoke map[string]time.Time // casefolded nick -> time of last chat line
	msgids    map[string]struct{}
}

func newBuffer(name string) *Buffer {
	return &Buffer{
		Name:      name,
		lastSpoke: map[string]time.Time{},
		msgids:    map[string]struct{}{},
	}
}

func (b *Buffer) append(line Line) {
	b.Lines = append(b.Lines, line)
	if line.MsgID != "" {
		b.msgids[line.MsgID] = struct{}{}
	}
}

// evict drops the oldest lines until the buffer fits r, and returns how
// many were dropped.
func (b *Buffer) evict(r Retention, now time.Time) int {
	n := 0
	if 0 < r.MaxLines && r.MaxLines < len(b.Lines) {
		n = len(b.Lines) - r.MaxLines
	}
	if 0 < r.MaxAge {
		limit := now.Add(-r.MaxAge)
		for n < len(b.Lines) && b.Lines[n].Time.Before(limit) {
			n++
		}
	}
	if n == 0 {
		return 0
	}
	for _, line := range b.Lines[:n] {
		delete(b.msgids, line.MsgID)
	}
	// append reallocates once the front of the array is used up
	clear(b.Lines[:n])
	b.Lines = b.Lines[n:]
	return n
}

var urlRegexp = xurls.Relaxed()

func findURLs(text string) []string {
	return urlRegexp.FindAllString(girc.StripRaw(text), -1)
}

// isHighlight reports whether content mentions one of words, as a whole
// word. Formatting codes are ignored.
func isHighlight(casemap func(string) string, content string, words []string) bool {
	contentCf := casemap(girc.StripRaw(content))
	for _, w := range words {
		if w == "" {
			continue
		}
		wCf := casemap(w)
		for i := 0; i < len(contentCf); {
			j := strings.Index(contentCf[i:], wCf)
			if j < 0 {
				break
			}
			start := i + j
			end := start + len(wCf)
			if isBoundary(contentCf, start-1) && isBoundary(contentCf, end) {
				return true
			}
			i = start + 1
		}
	}
	return false
}

func isBoundary(s string, i int) bool {
	if i < 0 || len(s) <= i {
		return true
	}
	r := rune(s[i])
	return r < 0x80 && !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
}
