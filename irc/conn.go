package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/net/proxy"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/time/rate"
)

const chanCapacity = 64

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
	closeGrace   = 2 * time.Second

	DefaultPingInterval = 2 * time.Minute
	DefaultPingTimeout  = time.Minute
	DefaultRate         = rate.Limit(2)
	DefaultBurst        = 8
)

// ErrStalled is the error of a connection that did not answer a PING.
var ErrStalled = errors.New("connection stalled: no reply to PING")

type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnRegistering
	ConnNegotiating
	ConnAuthenticating
	ConnReady
	ConnDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnRegistering:
		return "registering"
	case ConnNegotiating:
		return "negotiating"
	case ConnAuthenticating:
		return "authenticating"
	case ConnReady:
		return "ready"
	case ConnDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// DialFunc opens the transport of a connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ConnParams configures a Connection. Zero durations and rates take their
// Default value.
type ConnParams struct {
	Addr          string // host[:port], the port defaults to 6667 or 6697 with TLS
	TLS           bool
	TLSSkipVerify bool

	Nickname string
	Username string
	RealName string
	Password string

	Capabilities []string // nil means SupportedCapabilities
	SASL         *SASLParams
	RequireSASL  bool

	PingInterval time.Duration
	PingTimeout  time.Duration
	Rate         rate.Limit
	Burst        int

	Dial   DialFunc // defaults to a proxy-aware TCP dialer
	Logger *slog.Logger
}

// Connection is one transport session to a server. Use Connect to create
// one, and read Events until it is closed.
type Connection struct {
	params  ConnParams
	logger  *slog.Logger
	limiter *rate.Limiter
	neg     *Negotiator

	parent context.Context // bounds event delivery
	ctx    context.Context // cancelled when the connection fails
	cancel context.CancelFunc

	events   chan Event
	queue    sendQueue
	activity chan struct{}
	wg       sync.WaitGroup

	state     atomic.Int32
	closing   atomic.Bool
	closeOnce sync.Once
	failOnce  sync.Once
	err       error

	mu         sync.Mutex
	conn       net.Conn
	caps       []string
	account    string
	closeTimer *time.Timer
}

// Connect starts connecting to the server and returns immediately. The
// connection registers on its own; its progress is reported on Events.
// Cancelling ctx tears the connection down and stops event delivery.
func Connect(ctx context.Context, params ConnParams) *Connection {
	if params.PingInterval == 0 {
		params.PingInterval = DefaultPingInterval
	}
	if params.PingTimeout == 0 {
		params.PingTimeout = DefaultPingTimeout
	}
	if params.Rate == 0 {
		params.Rate = DefaultRate
	}
	if params.Burst == 0 {
		params.Burst = DefaultBurst
	}
	if params.Username == "" {
		params.Username = params.Nickname
	}
	if params.RealName == "" {
		params.RealName = params.Nickname
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		params:   params,
		logger:   logger,
		limiter:  rate.NewLimiter(params.Rate, params.Burst),
		neg:      NewNegotiator(params.Capabilities, params.SASL, params.RequireSASL),
		parent:   ctx,
		events:   make(chan Event, chanCapacity),
		queue:    sendQueue{notify: make(chan struct{}, 1)},
		activity: make(chan struct{}, 1),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.run()

	return c
}

// Events returns the ordered events of the connection. The channel is
// closed after the final DisconnectedEvent.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Send queues msg. It never blocks; messages are written in order, paced
// by the rate limiter.
func (c *Connection) Send(msg Message) {
	if c.closing.Load() {
		return
	}
	c.queue.push(msg)
}

// Pending returns the number of queued messages.
func (c *Connection) Pending() int {
	return c.queue.len()
}

// HasCapability reports whether capability is active.
func (c *Connection) HasCapability(capability string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.caps {
		if name == capability {
			return true
		}
	}
	return false
}

// Capabilities returns the active capabilities, sorted.
func (c *Connection) Capabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.caps...)
}

// Account returns the SASL account of the connection, if any.
func (c *Connection) Account() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// Close disconnects on purpose: queued messages are discarded, QUIT is
// sent, and the transport is closed once the server hangs up or after a
// short grace period.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.state.Store(int32(ConnDisconnecting))
		c.queue.reset()

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn == nil {
			go c.fail(nil)
			return
		}
		c.queue.push(NewMessage("QUIT", reason))
		c.closeTimer = time.AfterFunc(closeGrace, func() { c.fail(nil) })
	})
}

// fail tears the transport down. The first call sets the error reported by
// the DisconnectedEvent.
func (c *Connection) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		c.cancel()
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Connection) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.parent.Done():
	}
}

// setState moves to a new state unless the connection is being closed.
func (c *Connection) setState(to ConnState) {
	for {
		from := ConnState(c.state.Load())
		if from == ConnDisconnecting || from == to {
			return
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			c.emit(StateChangeEvent{From: from, To: to})
			return
		}
	}
}

func (c *Connection) run() {
	defer close(c.events)

	stop := context.AfterFunc(c.parent, func() { c.fail(c.parent.Err()) })
	defer stop()

	c.setState(ConnConnecting)

	conn, err := c.dial()
	if err != nil {
		c.fail(err)
		c.finish()
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if c.ctx.Err() != nil {
		conn.Close()
		c.finish()
		return
	}

	c.setState(ConnRegistering)

	c.wg.Add(2)
	go c.writer(conn)
	go c.keepalive()

	if c.params.Password != "" {
		c.Send(NewMessage("PASS", c.params.Password))
	}
	for _, msg := range c.neg.Start() {
		c.Send(msg)
	}
	c.Send(NewMessage("NICK", c.params.Nickname))
	c.Send(NewMessage("USER", c.params.Username, "0", "*", c.params.RealName))

	c.read(conn)

	c.wg.Wait()
	c.finish()
}

func (c *Connection) finish() {
	c.mu.Lock()
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
	c.mu.Unlock()

	from := ConnState(c.state.Swap(int32(ConnDisconnected)))
	c.emit(StateChangeEvent{From: from, To: ConnDisconnected})
	c.emit(DisconnectedEvent{Err: c.err})
}

func withDefaultPort(addr string, useTLS bool) string {
	colonIdx := strings.LastIndexByte(addr, ':')
	bracketIdx := strings.LastIndexByte(addr, ']')
	if colonIdx <= bracketIdx {
		// either colonIdx < 0, or the last colon is before a ']' (end
		// of IPv6 address). -> missing port
		if useTLS {
			return addr + ":6697"
		}
		return addr + ":6667"
	}
	return addr
}

func (c *Connection) dial() (conn net.Conn, err error) {
	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()

	addr := withDefaultPort(c.params.Addr, c.params.TLS)

	dial := c.params.Dial
	if dial == nil {
		dialer := &net.Dialer{
			Timeout: dialTimeout,
		}
		dial = proxy.FromEnvironmentUsing(dialer).(proxy.ContextDialer).DialContext
	}
	conn, err = dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if c.params.TLS {
		host, _, _ := net.SplitHostPort(addr)
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: c.params.TLSSkipVerify,
			NextProtos:         []string{"irc"},
		})
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}

	return conn, nil
}

func (c *Connection) writer(conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, ok := c.queue.pop()
		if !ok {
			select {
			case <-c.queue.notify:
				continue
			case <-c.ctx.Done():
				return
			}
		}

		if !c.closing.Load() {
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
		}

		line := msg.String()
		if MaxLineLen-2 < len(line)-tagsLen(line) {
			c.logger.Warn("sending overlong line", "command", msg.Command, "len", len(line))
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := io.WriteString(conn, line+"\r\n"); err != nil {
			c.fail(fmt.Errorf("write: %w", err))
			return
		}
		c.emit(RawMessageEvent{Line: line, Message: msg, Outgoing: true, IsValid: true})
	}
}

func tagsLen(line string) int {
	if !strings.HasPrefix(line, "@") {
		return 0
	}
	return strings.IndexByte(line, ' ') + 1
}

// keepalive sends one PING after a silence of PingInterval, and fails the
// connection if the silence lasts PingTimeout more.
func (c *Connection) keepalive() {
	defer c.wg.Done()

	timer := time.NewTimer(c.params.PingInterval)
	defer timer.Stop()
	pinged := false

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.activity:
			pinged = false
			resetTimer(timer, c.params.PingInterval)
		case <-timer.C:
			if pinged {
				c.logger.Warn("ping timeout", "addr", c.params.Addr)
				c.fail(ErrStalled)
				return
			}
			c.Send(NewMessage("PING", fmt.Sprintf("halloy-%d", time.Now().Unix())))
			pinged = true
			timer.Reset(c.params.PingTimeout)
		}
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

func (c *Connection) read(conn net.Conn) {
	r := bufio.NewReaderSize(conn, MaxTagsLen+MaxLineLen)
	for {
		line, err := readLine(r)
		if err != nil {
			if c.closing.Load() {
				c.fail(nil)
			} else {
				c.fail(fmt.Errorf("read: %w", err))
			}
			return
		}

		select {
		case c.activity <- struct{}{}:
		default:
		}

		c.handleLine(line)
		if c.ctx.Err() != nil {
			return
		}
	}
}

// readLine reads up to the next LF. Lines longer than the reader buffer
// are cut, the rest of the line is discarded.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		s := string(line)
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = r.ReadSlice('\n')
		}
		return s, err
	}
	return string(line), err
}

var latin1 = charmap.ISO8859_1.NewDecoder()

func (c *Connection) handleLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	if !utf8.ValidString(line) {
		if decoded, err := latin1.String(line); err == nil {
			line = decoded
		}
	}

	msg, err := ParseMessage(line)
	if err == nil {
		err = msg.Validate()
	}
	if err != nil {
		c.logger.Warn("malformed message", "line", line, "err", err)
		c.emit(ProtocolErrorEvent{Line: line, Err: err})
		if !errors.Is(err, ErrLineTooLong) || msg.Validate() != nil {
			return
		}
	}

	switch msg.Command {
	case "PING":
		c.Send(NewMessage("PONG", msg.Params...))
	case errNicknameinuse:
		if c.State() < ConnReady && 2 <= len(msg.Params) {
			c.Send(NewMessage("NICK", msg.Params[1]+"_"))
		}
	case "ERROR":
		c.logger.Info("server closed the connection", "reason", strings.Join(msg.Params, " "))
	}

	out, events, negErr := c.neg.Handle(msg)
	for _, m := range out {
		c.Send(m)
	}
	c.mu.Lock()
	c.caps = c.neg.Enabled()
	c.account = c.neg.Account()
	c.mu.Unlock()

	c.emit(RawMessageEvent{Line: line, Message: msg, IsValid: true})
	for _, ev := range events {
		c.emit(ev)
	}

	if negErr != nil {
		c.fail(negErr)
		return
	}

	switch {
	case msg.Command == rplWelcome:
		c.setState(ConnReady)
	case c.neg.State() == NegotiationSASL && c.State() < ConnAuthenticating:
		c.setState(ConnAuthenticating)
	case msg.Command == "CAP" && c.State() == ConnRegistering:
		c.setState(ConnNegotiating)
	}
}

// sendQueue is an unbounded FIFO of outgoing messages.
type sendQueue struct {
	mu     sync.Mutex
	msgs   []Message
	notify chan struct{}
}

func (q *sendQueue) push(msg Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *sendQueue) pop() (msg Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return msg, false
	}
	msg = q.msgs[0]
	q.msgs[0] = Message{}
	q.msgs = q.msgs[1:]
	return msg, true
}

func (q *sendQueue) reset() {
	q.mu.Lock()
	q.msgs = nil
	q.mu.Unlock()
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
