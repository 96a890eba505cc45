package history

import (
	"log/slog"
	"strings"
	"time"
)

// echoWindow is how long a sent message waits for its echo when it carries
// no label.
const echoWindow = 30 * time.Second

const defaultLoadLimit = 200

type Options struct {
	Network     string
	Nick        string
	Highlights  []string // replaces Nick for highlight detection when set
	SmartFilter time.Duration
	Retention   Retention
	Casemap     func(string) string // defaults to strings.ToLower
	Store       Store
	Logger      *slog.Logger
	Now         func() time.Time
}

// Limit selects part of a buffer. The zero Limit selects every line.
type Limit struct {
	kind  limitKind
	n     int
	since time.Time
}

type limitKind int

const (
	limitNone limitKind = iota
	limitTop
	limitBottom
	limitSince
)

// Top selects the n oldest lines.
func Top(n int) Limit { return Limit{kind: limitTop, n: n} }

// Bottom selects the n most recent lines.
func Bottom(n int) Limit { return Limit{kind: limitBottom, n: n} }

// Since selects the lines from t onwards.
func Since(t time.Time) Limit { return Limit{kind: limitSince, since: t} }

// Apply returns the selected part of lines, which must be in order.
func (l Limit) Apply(lines []Line) []Line {
	switch l.kind {
	case limitTop:
		if l.n < len(lines) {
			return lines[:l.n]
		}
	case limitBottom:
		if l.n < len(lines) {
			return lines[len(lines)-l.n:]
		}
	case limitSince:
		for i, line := range lines {
			if !line.Time.Before(l.since) {
				return lines[i:]
			}
		}
		return nil
	}
	return lines
}

type echo struct {
	target string
	text   string
	label  string
	at     time.Time
}

// Manager holds the buffers of one network. It is not safe for concurrent
// use.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	casemap func(string) string

	buffers map[string]*Buffer
	order   []string // casefolded names, in creation order
	echoes  []echo
	pending map[string][]Line // lines not yet written to the store
}

func NewManager(opts Options) *Manager {
	if opts.Casemap == nil {
		opts.Casemap = strings.ToLower
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:    opts,
		logger:  logger,
		casemap: opts.Casemap,
		buffers: map[string]*Buffer{},
		pending: map[string][]Line{},
	}
}

// SetNick updates the nickname used for highlight detection.
func (m *Manager) SetNick(nick string) {
	m.opts.Nick = nick
}

// SetCasemap switches the casemapping of buffer names, merging buffers
// whose names become equal.
func (m *Manager) SetCasemap(casemap func(string) string) {
	m.casemap = casemap
	buffers := make(map[string]*Buffer, len(m.buffers))
	order := make([]string, 0, len(m.order))
	for _, key := range m.order {
		b := m.buffers[key]
		keyCf := casemap(b.Name)
		if existing, ok := buffers[keyCf]; ok {
			for _, line := range b.Lines {
				existing.append(line)
			}
			continue
		}
		buffers[keyCf] = b
		order = append(order, keyCf)
	}
	m.buffers = buffers
	m.order = order
}

func (m *Manager) buffer(name string) *Buffer {
	key := m.casemap(name)
	b, ok := m.buffers[key]
	if ok {
		return b
	}
	b = newBuffer(name)
	m.buffers[key] = b
	m.order = append(m.order, key)
	m.load(b, key)
	return b
}

func (m *Manager) load(b *Buffer, key string) {
	if m.opts.Store == nil {
		return
	}
	limit := m.opts.Retention.MaxLines
	if limit <= 0 {
		limit = defaultLoadLimit
	}
	lines, err := m.opts.Store.Load(m.opts.Network, key, limit)
	if err != nil {
		m.logger.Warn("failed to load history", "network", m.opts.Network, "buffer", b.Name, "err", err)
		return
	}
	for _, line := range lines {
		line.Seq = nextSeq()
		line.Network = m.opts.Network
		line.Buffer = b.Name
		b.append(line)
	}
	b.evict(m.opts.Retention, m.opts.Now())
}

// Open creates the buffer name if it does not exist yet.
func (m *Manager) Open(name string) {
	m.buffer(name)
}

// Add appends line to the buffer of target. It returns the line as stored,
// and false if it was not appended: a routine line filtered out, or the
// echo of a message already in the buffer.
func (m *Manager) Add(target string, line Line) (Line, bool) {
	return m.add(target, line, true)
}

// AddSent appends a message the user just sent to target. When the server
// will echo it back, expectEcho records it so that the echo is not shown
// twice.
func (m *Manager) AddSent(target string, line Line, expectEcho bool) Line {
	line.Self = true
	line, _ = m.add(target, line, false)
	if expectEcho {
		m.ExpectEcho(target, line.Text, line.Label)
	}
	return line
}

func (m *Manager) add(target string, line Line, inbound bool) (Line, bool) {
	now := m.opts.Now()
	b := m.buffer(target)

	if line.Time.IsZero() {
		line.Time = now
	}
	line.Network = m.opts.Network
	line.Buffer = b.Name

	if line.MsgID != "" {
		if _, ok := b.msgids[line.MsgID]; ok {
			return line, false
		}
	}

	if line.Kind.IsChat() {
		if line.Self && inbound {
			if local, i, ok := m.matchEcho(target, line, now); ok {
				if line.MsgID != "" {
					local.Lines[i].MsgID = line.MsgID
					local.msgids[line.MsgID] = struct{}{}
				}
				return local.Lines[i], false
			}
		} else if !line.Self {
			line.Highlight = isHighlight(m.casemap, line.Text, m.highlightWords())
		}
		if line.Nick != "" {
			b.lastSpoke[m.casemap(line.Nick)] = line.Time
		}
		line.URLs = findURLs(line.Text)
	} else if line.Kind.IsRoutine() && !line.Self {
		former := m.casemap(line.Subject)
		spoke, ok := b.lastSpoke[former]
		if line.Kind == KindNick && ok && line.Nick != "" {
			delete(b.lastSpoke, former)
			b.lastSpoke[m.casemap(line.Nick)] = spoke
		}
		if 0 < m.opts.SmartFilter && (!ok || now.Sub(spoke) > m.opts.SmartFilter) {
			return line, false
		}
	}

	line.Seq = nextSeq()
	b.append(line)
	if !line.Self && line.Kind.IsChat() {
		b.Unread++
		if line.Highlight {
			b.Highlights++
		}
	}
	b.evict(m.opts.Retention, now)

	if m.opts.Store != nil && line.Kind != KindBoundary {
		key := m.casemap(b.Name)
		m.pending[key] = append(m.pending[key], line)
	}
	return line, true
}

// ExpectEcho records that a message was sent to target and added locally,
// so that its echo from the server is not shown twice. When label is set,
// only an echo carrying the same label matches.
func (m *Manager) ExpectEcho(target, text, label string) {
	m.echoes = append(m.echoes, echo{
		target: m.casemap(target),
		text:   text,
		label:  label,
		at:     m.opts.Now(),
	})
}

// matchEcho consumes the expectation matching line and returns the local
// copy of the message.
func (m *Manager) matchEcho(target string, line Line, now time.Time) (*Buffer, int, bool) {
	targetCf := m.casemap(target)

	// expired expectations are dropped first
	echoes := m.echoes[:0]
	for _, e := range m.echoes {
		if now.Sub(e.at) <= echoWindow {
			echoes = append(echoes, e)
		}
	}
	m.echoes = echoes

	match := -1
	for i, e := range m.echoes {
		if e.label != "" || line.Label != "" {
			if e.label == line.Label {
				match = i
				break
			}
			continue
		}
		if e.target == targetCf && e.text == line.Text {
			match = i
			break
		}
	}
	if match < 0 {
		return nil, 0, false
	}
	e := m.echoes[match]
	m.echoes = append(m.echoes[:match], m.echoes[match+1:]...)

	b := m.buffers[e.target]
	if b == nil {
		return nil, 0, false
	}
	for i := len(b.Lines) - 1; 0 <= i; i-- {
		l := b.Lines[i]
		if !l.Self || l.Text != e.text {
			continue
		}
		if e.label != "" && l.Label != e.label {
			continue
		}
		return b, i, true
	}
	return nil, 0, false
}

// Backfill inserts older lines, such as chathistory playback, before the
// lines of the buffer of target. Lines already present (same msgid) or
// newer than the oldest line of the buffer are skipped. It returns the
// number of inserted lines that retention kept.
func (m *Manager) Backfill(target string, lines []Line) int {
	b := m.buffer(target)

	var oldest time.Time
	if 0 < len(b.Lines) {
		oldest = b.Lines[0].Time
	}

	var older []Line
	for _, line := range lines {
		if line.MsgID != "" {
			if _, ok := b.msgids[line.MsgID]; ok {
				continue
			}
		}
		if !oldest.IsZero() && line.Time.After(oldest) {
			continue
		}
		line.Seq = nextSeq()
		line.Network = m.opts.Network
		line.Buffer = b.Name
		if line.Kind.IsChat() {
			line.URLs = findURLs(line.Text)
			if !line.Self {
				line.Highlight = isHighlight(m.casemap, line.Text, m.highlightWords())
			}
		}
		older = append(older, line)
		if line.MsgID != "" {
			b.msgids[line.MsgID] = struct{}{}
		}
	}
	if len(older) == 0 {
		return 0
	}

	b.Lines = append(older, b.Lines...)
	evicted := b.evict(m.opts.Retention, m.opts.Now())
	return max(len(older)-evicted, 0)
}

func (m *Manager) highlightWords() []string {
	if len(m.opts.Highlights) != 0 {
		return m.opts.Highlights
	}
	return []string{m.opts.Nick}
}

// Boundary appends a line of text to every buffer, such as a disconnection
// notice, and returns the added lines.
func (m *Manager) Boundary(text string) []Line {
	lines := make([]Line, 0, len(m.order))
	for _, key := range m.order {
		b := m.buffers[key]
		line, _ := m.Add(b.Name, Line{Kind: KindBoundary, Text: text})
		lines = append(lines, line)
	}
	return lines
}

// Lines returns a copy of the selected lines of the buffer of target.
func (m *Manager) Lines(target string, limit Limit) []Line {
	b, ok := m.buffers[m.casemap(target)]
	if !ok {
		return nil
	}
	lines := limit.Apply(b.Lines)
	return append([]Line(nil), lines...)
}

// Oldest returns the time of the oldest line of the buffer of target.
func (m *Manager) Oldest(target string) (time.Time, bool) {
	b, ok := m.buffers[m.casemap(target)]
	if !ok || len(b.Lines) == 0 {
		return time.Time{}, false
	}
	return b.Lines[0].Time, true
}

// Buffers returns the names of the buffers, in creation order.
func (m *Manager) Buffers() []string {
	names := make([]string, len(m.order))
	for i, key := range m.order {
		names[i] = m.buffers[key].Name
	}
	return names
}

// Unread returns the number of unread lines and highlights of target.
func (m *Manager) Unread(target string) (unread, highlights int) {
	if b, ok := m.buffers[m.casemap(target)]; ok {
		return b.Unread, b.Highlights
	}
	return 0, 0
}

func (m *Manager) MarkRead(target string) {
	if b, ok := m.buffers[m.casemap(target)]; ok {
		b.Unread = 0
		b.Highlights = 0
	}
}

// Flush writes the lines added since the last flush to the store.
func (m *Manager) Flush() error {
	if m.opts.Store == nil {
		return nil
	}
	for key, lines := range m.pending {
		if err := m.opts.Store.Save(m.opts.Network, key, lines); err != nil {
			return err
		}
		delete(m.pending, key)
	}
	return nil
}
