package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-runewidth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/dreamydevstar/halloy"
	"github.com/dreamydevstar/halloy/history"
)

const nickColWidth = 12

func main() {
	var configPath string
	var envFile string
	var metricsAddr string
	var debug bool
	flag.StringVar(&configPath, "config", "", "path to the configuration file")
	flag.StringVar(&envFile, "env", "", "dotenv file holding the secrets referenced by the configuration")
	flag.StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address")
	flag.BoolVar(&debug, "debug", false, "log raw protocol data")
	flag.Parse()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load %q: %s\n", envFile, err)
			os.Exit(1)
		}
	} else {
		// a missing .env is fine
		_ = godotenv.Load()
	}

	if configPath == "" {
		var err error
		configPath, err = halloy.DefaultConfigPath()
		if err != nil {
			panic(err)
		}
	}

	cfg, err := halloy.LoadConfigFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load the required configuration file at %q: %s\n", configPath, err)
		os.Exit(1)
	}
	cfg.Debug = cfg.Debug || debug

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []halloy.Option{halloy.WithLogger(logger)}
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, halloy.WithRegisterer(reg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
	}

	app, err := halloy.NewApp(cfg, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %s\n", err)
		os.Exit(1)
	}

	if term.IsTerminal(0) {
		oldState, err := term.MakeRaw(0)
		if err != nil {
			panic(err)
		}
		defer term.Restore(0, oldState)
	}
	screen := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	t := term.NewTerminal(screen, "")

	c := &client{app: app, t: t}
	c.network, c.buffer = getLastBuffer()
	if c.network == "" {
		c.network = cfg.Servers[0].Name
	}
	c.updatePrompt()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range app.Events() {
			c.print(ev)
		}
	}()

	for {
		line, err := t.ReadLine()
		if err != nil {
			break
		}
		if !c.handle(line) {
			break
		}
	}

	app.Close()
	<-done
	t.SetPrompt("")

	lastBufferPath := getLastBufferPath()
	err = os.WriteFile(lastBufferPath, []byte(c.network+" "+c.buffer), 0o666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to write last buffer at %q: %s\n", lastBufferPath, err)
	}
}

type client struct {
	app *halloy.App
	t   *term.Terminal

	mu      sync.Mutex
	network string
	buffer  string
}

func (c *client) current() (network, buffer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.network, c.buffer
}

func (c *client) updatePrompt() {
	network, buffer := c.current()
	if buffer == history.ServerBuffer {
		buffer = "*"
	}
	c.t.SetPrompt(fmt.Sprintf("[%s %s] ", network, buffer))
}

func (c *client) switchTo(network, buffer string) {
	c.mu.Lock()
	c.network, c.buffer = network, buffer
	c.mu.Unlock()
	c.updatePrompt()
	if err := c.app.MarkRead(network, buffer); err != nil {
		fmt.Fprintf(c.t, "-- %s\n", err)
		return
	}
	for _, l := range c.app.Lines(network, buffer, history.Bottom(20)) {
		c.printLine(l)
	}
}

// handle runs the commands of this frontend, and hands everything else
// to the current buffer. It returns false when the program should exit.
func (c *client) handle(line string) bool {
	network, buffer := c.current()
	if !strings.HasPrefix(line, "/") {
		c.send(network, buffer, line)
		return true
	}

	name, args, _ := strings.Cut(line[1:], " ")
	args = strings.TrimSpace(args)
	switch strings.ToLower(name) {
	case "exit":
		return false
	case "net", "network":
		if args == "" {
			for _, info := range c.app.Networks() {
				fmt.Fprintf(c.t, "-- %s: %s as %s\n", info.Name, info.State, info.Nick)
			}
			return true
		}
		c.switchTo(args, history.ServerBuffer)
	case "buffer", "b":
		c.switchTo(network, args)
	case "buffers":
		for _, name := range c.app.Buffers(network) {
			unread, highlights := c.app.Unread(network, name)
			if name == history.ServerBuffer {
				name = "*"
			}
			fmt.Fprintf(c.t, "-- %s (%d unread, %d highlights)\n", name, unread, highlights)
		}
	case "history":
		if err := c.app.RequestHistory(network, buffer, time.Time{}); err != nil {
			fmt.Fprintf(c.t, "-- %s\n", err)
		}
	case "connect":
		if err := c.app.Connect(network); err != nil {
			fmt.Fprintf(c.t, "-- %s\n", err)
		}
	default:
		c.send(network, buffer, line)
	}
	return true
}

func (c *client) send(network, buffer, line string) {
	err := c.app.SendInput(network, buffer, line)
	if errors.Is(err, halloy.ErrClosed) {
		return
	}
	if err != nil {
		fmt.Fprintf(c.t, "-- %s\n", err)
	}
}

func (c *client) print(ev halloy.Event) {
	switch content := ev.Content.(type) {
	case halloy.DisplayEvent:
		network, buffer := c.current()
		if ev.Network == network && content.Buffer == buffer {
			c.printLine(content.Line)
			_ = c.app.MarkRead(network, buffer)
		} else if content.Line.Highlight {
			fmt.Fprintf(c.t, "-- highlight in %s %s from %s\n", ev.Network, content.Buffer, content.Line.Nick)
		}
	case halloy.ConnectionStateEvent:
		if content.Err != nil {
			fmt.Fprintf(c.t, "-- %s: %s (%s)\n", ev.Network, content.State, content.Err)
		} else {
			fmt.Fprintf(c.t, "-- %s: %s\n", ev.Network, content.State)
		}
	case halloy.ReconnectEvent:
		fmt.Fprintf(c.t, "-- %s: reconnecting in %s (attempt %d)\n", ev.Network, content.Delay.Round(time.Second), content.Attempt)
	case halloy.HistoryEvent:
		fmt.Fprintf(c.t, "-- %s: %d lines of history loaded in %s\n", ev.Network, content.Added, content.Buffer)
	case halloy.ErrorEvent:
		fmt.Fprintf(c.t, "-- %s: %s\n", ev.Network, content.Error())
	}
}

func (c *client) printLine(l history.Line) {
	nick := l.Nick
	if nick == "" || !l.Kind.IsChat() {
		nick = "--"
	}
	nick = runewidth.FillLeft(runewidth.Truncate(nick, nickColWidth, "…"), nickColWidth)
	text := l.Text
	if l.Kind == history.KindAction {
		text = l.Nick + " " + text
		nick = runewidth.FillLeft("*", nickColWidth)
	}
	fmt.Fprintf(c.t, "%s %s | %s\n", l.Time.Local().Format("15:04"), nick, text)
}

func getLastBufferPath() string {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		panic(err)
	}
	cachePath := filepath.Join(cacheDir, "halloy")
	err = os.MkdirAll(cachePath, 0o755)
	if err != nil {
		panic(err)
	}
	return filepath.Join(cachePath, "lastbuffer.txt")
}

func getLastBuffer() (network, buffer string) {
	buf, err := os.ReadFile(getLastBufferPath())
	if err != nil {
		return "", ""
	}
	network, buffer, _ = strings.Cut(strings.TrimSpace(string(buf)), " ")
	return network, buffer
}
