package halloy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamydevstar/halloy/history"
	"github.com/dreamydevstar/halloy/irc"
)

const (
	actionChanSize = 64
	historyLimit   = 100
	flushInterval  = 30 * time.Second
)

// Actions are requests from the App methods, handled by the network loop
// in the order they were made.
type (
	actionConnect    struct{}
	actionDisconnect struct{ reason string }
	actionInput      struct{ buffer, text string }
	actionJoin       struct{ channel, key string }
	actionPart       struct{ channel, reason string }
	actionNick       struct{ nick string }
	actionHistory    struct {
		target string
		before time.Time
	}
	actionMarkRead struct{ buffer string }
)

// network is one configured server. Its loop goroutine owns the
// connection and is the only writer of state and history; readers take mu.
type network struct {
	app    *App
	name   string
	cfg    ServerConfig
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	actions chan interface{}

	mu        sync.RWMutex
	state     *irc.State
	history   *history.Manager
	connState irc.ConnState
	caps      []string
	account   string

	// owned by the loop
	conn       *irc.Connection
	connEvents <-chan irc.Event
	lastErr    error
	userClosed bool
	everReady  bool
	joined     []string
	lastQuery  string
	backoff    *Backoff
	retry      *time.Timer
	retryC     <-chan time.Time
}

func newNetwork(app *App, cfg ServerConfig) *network {
	ctx, cancel := context.WithCancel(app.ctx)
	logger := app.logger.With("network", cfg.Name)
	n := &network{
		app:     app,
		name:    cfg.Name,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		actions: make(chan interface{}, actionChanSize),
		state:   newState(cfg),
		backoff: NewBackoff(app.cfg.Backoff),
	}
	if app.backoffRand != nil {
		n.backoff.rand = app.backoffRand
	}
	n.history = history.NewManager(history.Options{
		Network:     cfg.Name,
		Nick:        cfg.Nick,
		Highlights:  app.cfg.Highlights,
		SmartFilter: app.cfg.SmartFilter,
		Retention: history.Retention{
			MaxLines: app.cfg.Retention.MaxLines,
			MaxAge:   app.cfg.Retention.MaxAge,
		},
		Casemap: n.state.Casemap,
		Store:   app.store,
		Logger:  logger,
	})
	return n
}

func newState(cfg ServerConfig) *irc.State {
	return irc.NewState(irc.StateParams{
		Nickname: cfg.Nick,
		Username: cfg.User,
		RealName: cfg.Real,
	})
}

// do queues an action for the loop. It returns an error if the network
// has been removed.
func (n *network) do(a interface{}) error {
	select {
	case n.actions <- a:
		return nil
	case <-n.ctx.Done():
		return fmt.Errorf("network %q is closed", n.name)
	}
}

func (n *network) emit(content interface{}) {
	n.app.emit(n.ctx, Event{
		Network: n.name,
		Time:    time.Now(),
		Content: content,
	})
}

func (n *network) run(connect bool) {
	defer close(n.done)

	var flush <-chan time.Time
	if n.app.store != nil {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		flush = ticker.C
	}

	if connect {
		n.connect()
	}
	for {
		select {
		case <-n.ctx.Done():
			n.shutdown()
			return
		case ev, ok := <-n.connEvents:
			if !ok {
				n.connEvents = nil
				n.disconnected()
				continue
			}
			n.handleConnEvent(ev)
		case <-n.retryC:
			n.retry, n.retryC = nil, nil
			n.connect()
		case a := <-n.actions:
			n.handleAction(a)
		case <-flush:
			n.flush()
		}
	}
}

func (n *network) connect() {
	if n.conn != nil {
		return
	}
	n.stopRetry()
	n.userClosed = false
	n.lastErr = nil

	st := newState(n.cfg)
	n.mu.Lock()
	n.state = st
	n.history.SetCasemap(st.Casemap)
	n.mu.Unlock()

	n.addLines(serverLine(history.KindInfo, fmt.Sprintf("Connecting to %s...", n.cfg.Addr)))

	params := n.cfg.ConnParams()
	params.Dial = n.app.dial
	params.Logger = n.logger
	n.conn = irc.Connect(n.ctx, params)
	n.connEvents = n.conn.Events()
}

func (n *network) stopRetry() {
	if n.retry != nil {
		n.retry.Stop()
		n.retry, n.retryC = nil, nil
	}
}

// disconnected runs once the events of the connection are exhausted.
func (n *network) disconnected() {
	n.conn = nil
	n.mu.Lock()
	n.caps = nil
	n.account = ""
	n.mu.Unlock()

	n.boundary("Disconnected")

	if n.userClosed || n.ctx.Err() != nil {
		return
	}
	delay := n.backoff.Next()
	n.retry = time.NewTimer(delay)
	n.retryC = n.retry.C
	n.app.metrics.reconnects.WithLabelValues(n.name).Inc()
	n.logger.Info("reconnection scheduled", "attempt", n.backoff.Attempt(), "delay", delay, "err", n.lastErr)
	n.emit(ReconnectEvent{Attempt: n.backoff.Attempt(), Delay: delay})
}

func (n *network) shutdown() {
	n.stopRetry()
	if n.conn != nil {
		n.conn.Close("")
		// the connection stops once its context is done
		for range n.connEvents {
		}
		n.conn, n.connEvents = nil, nil
	}
	n.flush()
}

func (n *network) flush() {
	n.mu.Lock()
	err := n.history.Flush()
	n.mu.Unlock()
	if err != nil {
		n.logger.Warn("failed to save history", "err", err)
	}
}

func (n *network) boundary(text string) {
	n.mu.Lock()
	lines := n.history.Boundary(text)
	n.mu.Unlock()
	for _, line := range lines {
		n.emit(DisplayEvent{Buffer: line.Buffer, Line: line})
	}
}

// addLines adds entries to history and emits those that were kept.
func (n *network) addLines(entries []entry) {
	if len(entries) == 0 {
		return
	}
	n.mu.Lock()
	var added []history.Line
	for _, e := range entries {
		if line, ok := n.history.Add(e.buffer, e.line); ok {
			added = append(added, line)
		}
	}
	n.mu.Unlock()
	for _, line := range added {
		n.emit(DisplayEvent{Buffer: line.Buffer, Line: line})
	}
}

func (n *network) handleConnEvent(ev irc.Event) {
	switch ev := ev.(type) {
	case irc.StateChangeEvent:
		n.mu.Lock()
		n.connState = ev.To
		n.mu.Unlock()
		n.app.metrics.setState(n.name, ev.To)

		// Disconnected is reported with its error by DisconnectedEvent
		if ev.To == irc.ConnDisconnected {
			return
		}
		n.emit(ConnectionStateEvent{State: ev.To})
		if ev.To == irc.ConnReady {
			n.ready()
		}
	case irc.RawMessageEvent:
		if ev.Outgoing {
			n.app.metrics.sent.WithLabelValues(n.name).Inc()
			if n.app.cfg.Debug {
				n.logger.Debug("sent", "line", ev.Line)
			}
			return
		}
		n.app.metrics.received.WithLabelValues(n.name).Inc()
		if n.app.cfg.Debug {
			n.logger.Debug("received", "line", ev.Line)
		}
		if ev.IsValid {
			n.handleMessage(ev.Message)
		}
	case irc.ProtocolErrorEvent:
		n.app.metrics.protocolErrors.WithLabelValues(n.name).Inc()
		n.emit(ErrorEvent{Kind: ErrorProtocol, Err: fmt.Errorf("%q: %w", ev.Line, ev.Err)})
	case irc.CapabilitiesEvent:
		n.mu.Lock()
		n.caps = ev.Enabled
		account := n.account
		n.mu.Unlock()
		n.emit(CapabilityEvent{Enabled: ev.Enabled, Account: account})
	case irc.AuthEvent:
		n.mu.Lock()
		n.account = ev.Account
		caps := n.caps
		n.mu.Unlock()
		n.addLines(serverLine(history.KindInfo, "Authenticated as "+ev.Account))
		n.emit(CapabilityEvent{Enabled: caps, Account: ev.Account})
	case irc.AuthErrorEvent:
		err := fmt.Errorf("SASL authentication failed (%s): %s", ev.Code, ev.Message)
		n.addLines(serverLine(history.KindError, err.Error()))
		n.emit(ErrorEvent{Kind: ErrorAuth, Err: err})
	case irc.DisconnectedEvent:
		n.lastErr = ev.Err
		n.emit(ConnectionStateEvent{State: irc.ConnDisconnected, Err: ev.Err})
		if ev.Err == nil {
			return
		}
		kind := ErrorTransport
		if errors.Is(ev.Err, irc.ErrSASLFailed) || errors.Is(ev.Err, irc.ErrSASLUnavailable) {
			kind = ErrorAuth
		}
		n.addLines(serverLine(history.KindError, "Connection lost: "+ev.Err.Error()))
		n.emit(ErrorEvent{Kind: kind, Err: ev.Err})
	}
}

func (n *network) handleMessage(msg irc.Message) {
	n.mu.Lock()
	events, err := n.state.Apply(msg)
	if msg.Command == "005" {
		n.history.SetCasemap(n.state.Casemap)
	}
	var (
		added     []history.Line
		backfills []HistoryEvent
	)
	for _, ev := range events {
		switch ev := ev.(type) {
		case irc.RegisteredEvent:
			n.history.SetNick(ev.Nick)
		case irc.SelfNickEvent:
			n.history.SetNick(ev.NewNick)
		case irc.SelfJoinEvent:
			n.history.Open(ev.Channel)
			n.addJoined(ev.Channel)
		case irc.SelfPartEvent:
			n.removeJoined(ev.Channel)
		case irc.MessageEvent:
			if !ev.TargetIsChannel && ev.Command == "PRIVMSG" && !n.state.IsMe(ev.User) && n.state.Registered() {
				n.lastQuery = ev.User
			}
		case irc.HistoryEvent:
			lines := formatHistory(n.state, ev)
			if c := n.history.Backfill(ev.Target, lines); 0 < c {
				backfills = append(backfills, HistoryEvent{Buffer: ev.Target, Added: c})
			}
			continue
		}
		for _, e := range formatEvent(n.state, ev) {
			if line, ok := n.history.Add(e.buffer, e.line); ok {
				added = append(added, line)
			}
		}
	}
	n.mu.Unlock()

	if err != nil {
		n.logger.Warn("failed to handle message", "command", msg.Command, "err", err)
		n.emit(ErrorEvent{Kind: ErrorProtocol, Err: err})
	}
	for _, line := range added {
		n.emit(DisplayEvent{Buffer: line.Buffer, Line: line})
	}
	for _, ev := range backfills {
		n.emit(ev)
	}
	for _, ev := range events {
		if ev, ok := ev.(irc.SelfJoinEvent); ok {
			n.requestHistory(ev.Channel, time.Time{})
		}
	}
}

func (n *network) addJoined(channel string) {
	cf := n.state.Casemap(channel)
	for _, c := range n.joined {
		if n.state.Casemap(c) == cf {
			return
		}
	}
	n.joined = append(n.joined, channel)
}

func (n *network) removeJoined(channel string) {
	cf := n.state.Casemap(channel)
	for i, c := range n.joined {
		if n.state.Casemap(c) == cf {
			n.joined = append(n.joined[:i], n.joined[i+1:]...)
			return
		}
	}
}

// ready runs when registration completes: it marks the reconnection and
// joins the configured channels and those joined before.
func (n *network) ready() {
	n.backoff.Reset()
	if n.everReady {
		n.boundary("Reconnected")
	}
	n.everReady = true

	n.mu.RLock()
	channels := append([]string(nil), n.cfg.Channels...)
	for _, c := range n.joined {
		known := false
		for _, cc := range channels {
			if n.state.Casemap(cc) == n.state.Casemap(c) {
				known = true
				break
			}
		}
		if !known {
			channels = append(channels, c)
		}
	}
	n.mu.RUnlock()

	for _, c := range channels {
		n.conn.Send(irc.NewMessage("JOIN", c))
	}
}

// requestHistory asks the server for the messages of target sent before
// the given time, or before the oldest line of its buffer when zero.
func (n *network) requestHistory(target string, before time.Time) {
	if n.conn == nil || !n.conn.HasCapability("draft/chathistory") {
		return
	}
	n.mu.Lock()
	if before.IsZero() {
		if oldest, ok := n.history.Oldest(target); ok {
			before = oldest
		} else {
			before = time.Now()
		}
	}
	msg, ok := n.state.HistoryRequest(target, before, historyLimit)
	n.mu.Unlock()
	if ok {
		n.conn.Send(msg)
	}
}

func (n *network) handleAction(a interface{}) {
	var err error
	switch a := a.(type) {
	case actionConnect:
		n.connect()
	case actionDisconnect:
		n.userClosed = true
		n.stopRetry()
		if n.conn != nil && n.conn.State() != irc.ConnDisconnecting {
			n.conn.Close(a.reason)
			n.mu.Lock()
			n.connState = irc.ConnDisconnecting
			n.mu.Unlock()
			n.emit(ConnectionStateEvent{State: irc.ConnDisconnecting})
		}
	case actionInput:
		err = n.handleInput(a.buffer, a.text)
	case actionJoin:
		err = n.join(a.channel, a.key)
	case actionPart:
		err = n.part(a.channel, a.reason)
	case actionNick:
		err = n.changeNick(a.nick)
	case actionHistory:
		n.requestHistory(a.target, a.before)
	case actionMarkRead:
		n.mu.Lock()
		n.history.MarkRead(a.buffer)
		n.mu.Unlock()
	}
	if err != nil {
		n.emit(ErrorEvent{Kind: ErrorCommand, Err: err})
	}
}

var errNotConnected = errors.New("not connected")

func (n *network) send(msg irc.Message) error {
	if n.conn == nil || n.conn.State() == irc.ConnDisconnecting {
		return errNotConnected
	}
	n.conn.Send(msg)
	return nil
}

func (n *network) join(channel, key string) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	msg := irc.NewMessage("JOIN", channel)
	if key != "" {
		msg = irc.NewMessage("JOIN", channel, key)
	}
	if err := n.send(msg); err != nil {
		return err
	}
	n.mu.Lock()
	n.state.PendingJoin(channel)
	n.mu.Unlock()
	return nil
}

func (n *network) part(channel, reason string) error {
	if !n.isJoined(channel) {
		return fmt.Errorf("not on channel %s", channel)
	}
	msg := irc.NewMessage("PART", channel)
	if reason != "" {
		msg = irc.NewMessage("PART", channel, reason)
	}
	return n.send(msg)
}

func (n *network) changeNick(nick string) error {
	if err := checkNick(nick); err != nil {
		return err
	}
	return n.send(irc.NewMessage("NICK", nick))
}

func (n *network) isJoined(channel string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.Names(channel) != nil
}

// privmsg sends content to target, split to fit the line length, and adds
// the sent lines to the buffer of target.
func (n *network) privmsg(command, target, content string, kind history.Kind) error {
	if n.conn == nil {
		return errNotConnected
	}
	labeled := n.conn.HasCapability("labeled-response")
	echoed := n.conn.HasCapability("echo-message")

	n.mu.Lock()
	nick := n.state.Nick()
	var chunks []string
	if kind == history.KindAction {
		chunks = []string{content}
	} else {
		chunks = n.state.SplitMessage(target, content)
	}
	var added []history.Line
	for _, chunk := range chunks {
		text := chunk
		if kind == history.KindAction {
			text = "\x01ACTION " + chunk + "\x01"
		}
		msg := irc.NewMessage(command, target, text)
		line := history.Line{Kind: kind, Nick: nick, Text: chunk}
		if labeled {
			line.Label = uuid.NewString()
			msg = msg.WithTag("label", line.Label)
		}
		n.conn.Send(msg)
		added = append(added, n.history.AddSent(target, line, echoed))
	}
	n.mu.Unlock()

	for _, line := range added {
		n.emit(DisplayEvent{Buffer: line.Buffer, Line: line})
	}
	return nil
}

// NetworkInfo is a snapshot of a network.
type NetworkInfo struct {
	Name         string
	State        irc.ConnState
	Nick         string
	Capabilities []string
	Account      string
}

func (n *network) snapshot() NetworkInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return NetworkInfo{
		Name:         n.name,
		State:        n.connState,
		Nick:         n.state.Nick(),
		Capabilities: append([]string(nil), n.caps...),
		Account:      n.account,
	}
}
