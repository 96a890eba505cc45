package halloy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamydevstar/halloy/history"
	"github.com/dreamydevstar/halloy/irc"
)

const eventChanSize = 256

var ErrClosed = errors.New("app is closed")

// App runs the networks of a configuration and merges their events into
// one stream.
type App struct {
	cfg         Config
	logger      *slog.Logger
	metrics     *Metrics
	store       history.Store
	dial        irc.DialFunc
	backoffRand func() float64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	events    chan Event
	closeOnce sync.Once

	mu       sync.RWMutex
	networks map[string]*network
	order    []string
}

type Option func(*App)

// WithLogger sets the logger of the app and of its connections.
func WithLogger(logger *slog.Logger) Option {
	return func(app *App) { app.logger = logger }
}

// WithDialer replaces the dialer of every connection.
func WithDialer(dial irc.DialFunc) Option {
	return func(app *App) { app.dial = dial }
}

// WithStore persists history in store instead of Config.HistoryPath.
func WithStore(store history.Store) Option {
	return func(app *App) { app.store = store }
}

// WithRegisterer registers the metrics of the App on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(app *App) { app.metrics = NewMetrics(reg) }
}

func withRand(rand func() float64) Option {
	return func(app *App) { app.backoffRand = rand }
}

// NewApp starts connecting to every enabled server of cfg. cfg must have
// been finished (see Config.Finish).
func NewApp(cfg Config, opts ...Option) (app *App, err error) {
	app = &App{
		cfg:      cfg,
		events:   make(chan Event, eventChanSize),
		networks: map[string]*network{},
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = slog.Default()
	}
	if app.metrics == nil {
		app.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if app.store == nil && cfg.HistoryPath != "" {
		app.store, err = history.OpenSQLStore(cfg.HistoryPath)
		if err != nil {
			return nil, err
		}
	}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	for _, srv := range cfg.Servers {
		if err = app.addServer(srv); err != nil {
			app.Close()
			return nil, err
		}
	}
	return app, nil
}

// Events returns the event stream. It is closed by Close.
func (app *App) Events() <-chan Event {
	return app.events
}

func (app *App) emit(ctx context.Context, ev Event) {
	select {
	case app.events <- ev:
	case <-ctx.Done():
	}
}

// Close disconnects every network and stops the App. No event is sent
// after Close returns.
func (app *App) Close() {
	app.closeOnce.Do(func() {
		app.cancel()
		app.wg.Wait()
		if app.store != nil {
			if err := app.store.Close(); err != nil {
				app.logger.Warn("failed to close history store", "err", err)
			}
		}
		close(app.events)
	})
}

func (app *App) network(name string) (*network, error) {
	if app.ctx.Err() != nil {
		return nil, ErrClosed
	}
	app.mu.RLock()
	defer app.mu.RUnlock()
	n, ok := app.networks[name]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", name)
	}
	return n, nil
}

// AddServer adds a network and connects to it unless it is disabled.
func (app *App) AddServer(srv ServerConfig) error {
	if err := srv.Validate(); err != nil {
		return err
	}
	return app.addServer(srv)
}

func (app *App) addServer(srv ServerConfig) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.ctx.Err() != nil {
		return ErrClosed
	}
	if _, ok := app.networks[srv.Name]; ok {
		return fmt.Errorf("network %q already exists", srv.Name)
	}
	n := newNetwork(app, srv)
	app.networks[srv.Name] = n
	app.order = append(app.order, srv.Name)

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		n.run(!srv.Disabled)
	}()
	return nil
}

// RemoveServer disconnects a network and forgets it.
func (app *App) RemoveServer(name string) error {
	app.mu.Lock()
	n, ok := app.networks[name]
	if ok {
		delete(app.networks, name)
		for i, o := range app.order {
			if o == name {
				app.order = append(app.order[:i], app.order[i+1:]...)
				break
			}
		}
	}
	app.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown network %q", name)
	}
	n.cancel()
	<-n.done
	app.metrics.forget(name)
	return nil
}

// Connect connects a network that is disconnected, without waiting for a
// scheduled reconnection.
func (app *App) Connect(name string) error {
	n, err := app.network(name)
	if err != nil {
		return err
	}
	return n.do(actionConnect{})
}

// Disconnect closes the connection of a network. It is not reconnected
// until Connect is called.
func (app *App) Disconnect(name, reason string) error {
	n, err := app.network(name)
	if err != nil {
		return err
	}
	return n.do(actionDisconnect{reason: reason})
}

// SendInput handles text typed in buffer: a slash command, or a message to
// the buffer target. Failures are reported as ErrorEvent.
func (app *App) SendInput(network, buffer, text string) error {
	n, err := app.network(network)
	if err != nil {
		return err
	}
	return n.do(actionInput{buffer: buffer, text: text})
}

func (app *App) Join(network, channel, key string) error {
	n, err := app.network(network)
	if err != nil {
		return err
	}
	return n.do(actionJoin{channel: channel, key: key})
}

func (app *App) Part(network, channel, reason string) error {
	n, err := app.network(network)
	if err != nil {
		return err
	}
	return n.do(actionPart{channel: channel, reason: reason})
}

func (app *App) ChangeNick(network, nick string) error {
	n, err := app.network(network)
	if err != nil {
		return err
	}
	return n.do(actionNick{nick: nick})
}

// RequestHistory asks for the messages of target older than before, or
// older than the oldest line of its buffer if before is zero. It does
// nothing when the server does not support chathistory.
func (app *App) RequestHistory(network, target string, before time.Time) error {
	n, err := app.network(network)
	if err != nil {
		return err
	}
	return n.do(actionHistory{target: target, before: before})
}

func (app *App) MarkRead(network, buffer string) error {
	n, err := app.network(network)
	if err != nil {
		return err
	}
	return n.do(actionMarkRead{buffer: buffer})
}

// Networks returns a snapshot of every network, in the order they were
// added.
func (app *App) Networks() []NetworkInfo {
	app.mu.RLock()
	networks := make([]*network, len(app.order))
	for i, name := range app.order {
		networks[i] = app.networks[name]
	}
	app.mu.RUnlock()

	infos := make([]NetworkInfo, len(networks))
	for i, n := range networks {
		infos[i] = n.snapshot()
	}
	return infos
}

func (app *App) Buffers(network string) []string {
	n, err := app.network(network)
	if err != nil {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.history.Buffers()
}

func (app *App) Lines(network, buffer string, limit history.Limit) []history.Line {
	n, err := app.network(network)
	if err != nil {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.history.Lines(buffer, limit)
}

func (app *App) Unread(network, buffer string) (unread, highlights int) {
	n, err := app.network(network)
	if err != nil {
		return 0, 0
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.history.Unread(buffer)
}

// Merged returns the lines of every buffer of every network in one view,
// ordered by time.
func (app *App) Merged(limit history.Limit) []history.Line {
	app.mu.RLock()
	networks := make([]*network, 0, len(app.networks))
	for _, name := range app.order {
		networks = append(networks, app.networks[name])
	}
	app.mu.RUnlock()

	var views [][]history.Line
	for _, n := range networks {
		n.mu.RLock()
		for _, buffer := range n.history.Buffers() {
			views = append(views, n.history.Lines(buffer, history.Limit{}))
		}
		n.mu.RUnlock()
	}
	return limit.Apply(history.Merge(views...))
}

func (app *App) Names(network, channel string) []irc.Member {
	n, err := app.network(network)
	if err != nil {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.Names(channel)
}

func (app *App) Topic(network, channel string) (topic, who string, at time.Time) {
	n, err := app.network(network)
	if err != nil {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	topic, prefix, at := n.state.Topic(channel)
	if prefix != nil {
		who = prefix.Name
	}
	return
}

func (app *App) Typings(network, target string) []string {
	n, err := app.network(network)
	if err != nil {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.Typings(target)
}
